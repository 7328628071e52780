package graph

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

//go:embed default.yaml
var defaultGraph []byte

// Load reads and validates a platform graph file.
func Load(path string) (*Platform, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Parse decodes and validates platform graph YAML. Unknown keys are errors.
func Parse(data []byte) (*Platform, error) {
	var p Platform
	if err := yaml.UnmarshalWithOptions(data, &p, yaml.DisallowUnknownField()); err != nil {
		return nil, fmt.Errorf("parse graph: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Default returns the built-in platform graph.
func Default() *Platform {
	p, err := Parse(defaultGraph)
	if err != nil {
		panic(fmt.Sprintf("built-in graph: %v", err))
	}
	return p
}

// Marshal encodes the platform graph as YAML.
func Marshal(p *Platform) ([]byte, error) {
	return yaml.Marshal(p)
}
