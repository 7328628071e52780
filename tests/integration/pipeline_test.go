//go:build integration

// Package integration contains end-to-end tests that run the whole pipeline
// with a live metrics endpoint and, when available, a real accelerator.
// Run with: go test -tags=integration ./tests/integration/...
package integration

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/randomizedcoder/go-camera-pipe/internal/config"
	"github.com/randomizedcoder/go-camera-pipe/internal/logging"
	"github.com/randomizedcoder/go-camera-pipe/internal/metrics"
	"github.com/randomizedcoder/go-camera-pipe/internal/orchestrator"
)

// testDevice returns the accelerator node from CAMERA_PIPE_DEVICE.
func testDevice(t *testing.T) string {
	dev := os.Getenv("CAMERA_PIPE_DEVICE")
	if dev == "" {
		t.Skip("CAMERA_PIPE_DEVICE not set - skipping hardware test")
	}
	return dev
}

// freeAddr returns a loopback address with a port nothing listens on.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func newOrchestrator(t *testing.T, cfg *config.Config) *orchestrator.Orchestrator {
	t.Helper()
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	recent := logging.NewRecentHandler(slog.NewTextHandler(io.Discard, nil), 0, slog.LevelWarn)
	o, err := orchestrator.New(cfg, slog.New(recent), recent, "integration")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func get(addr, path string) (string, error) {
	resp, err := http.Get(fmt.Sprintf("http://%s%s", addr, path))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	return string(b), err
}

// scrape reads one pipeline metric from a live /metrics endpoint.
func scrape(addr, name string) (float64, error) {
	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", addr))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("status %d", resp.StatusCode)
	}
	families, err := metrics.ReadText(resp.Body)
	if err != nil {
		return 0, err
	}
	return families.Value(name, nil), nil
}

// TestIntegration_SimScrape runs an open-ended simulated pipeline and
// watches completions arrive on the metrics endpoint.
func TestIntegration_SimScrape(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MetricsAddr = freeAddr(t)
	cfg.Frames = 0
	cfg.FPS = 100
	cfg.SimLatency = time.Millisecond

	o := newOrchestrator(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	var completed float64
	for time.Now().Before(deadline) {
		v, err := scrape(cfg.MetricsAddr, metrics.Prefix+"tasks_completed_total")
		if err == nil && v >= 10 {
			completed = v
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	graph, graphErr := get(cfg.MetricsAddr, "/graph")
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if graphErr != nil || !strings.Contains(graph, "bind output") {
		t.Errorf("/graph = %q, %v", graph, graphErr)
	}
	if completed < 10 {
		t.Fatalf("tasks_completed_total never reached 10 on %s", cfg.MetricsAddr)
	}

	snap := o.Result()
	if snap == nil || float64(snap.Completed) < completed {
		t.Errorf("Result() = %+v, want at least %.0f completed", snap, completed)
	}
}

// TestIntegration_Device runs the check workload against a real device.
func TestIntegration_Device(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Device = testDevice(t)
	cfg.MetricsAddr = ""
	cfg.Check = true
	config.ApplyCheckMode(cfg)

	o := newOrchestrator(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := o.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	snap := o.Result()
	if snap == nil {
		t.Fatal("Result() = nil")
	}
	if snap.Completed != snap.Submitted || snap.Dropped != 0 || snap.Errors != 0 {
		t.Errorf("completed %d of %d (dropped %d, errors %d)",
			snap.Completed, snap.Submitted, snap.Dropped, snap.Errors)
	}
	if hw := o.MetricValue(metrics.Prefix+"hw_tasks_submitted_total", nil); hw < float64(snap.Completed) {
		t.Errorf("hw_tasks_submitted_total = %.0f, want at least %d", hw, snap.Completed)
	}
}
