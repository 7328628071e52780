package metrics

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Prefix starts every metric name the collector registers.
const Prefix = namespace + "_"

// Families maps metric family names to families.
type Families map[string]*dto.MetricFamily

// Gather collects the families registered on g whose names start with
// prefix. An empty prefix keeps everything.
func Gather(g prometheus.Gatherer, prefix string) (Families, error) {
	mfs, err := g.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather: %w", err)
	}
	out := make(Families, len(mfs))
	for _, mf := range mfs {
		if strings.HasPrefix(mf.GetName(), prefix) {
			out[mf.GetName()] = mf
		}
	}
	return out, nil
}

// ReadText parses the Prometheus text exposition format, as served on
// /metrics.
func ReadText(r io.Reader) (Families, error) {
	decoder := expfmt.NewDecoder(r, expfmt.FmtText)
	out := make(Families)
	for {
		var mf dto.MetricFamily
		if err := decoder.Decode(&mf); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("decode error: %w", err)
		}
		out[mf.GetName()] = &mf
	}
	return out, nil
}

// WriteText encodes the families in the text exposition format, sorted by
// name.
func (f Families) WriteText(w io.Writer) error {
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, name := range slices.Sorted(maps.Keys(f)) {
		if err := enc.Encode(f[name]); err != nil {
			return fmt.Errorf("encode %s: %w", name, err)
		}
	}
	return nil
}

// Value sums the samples of a counter or gauge family whose labels include
// every pair in labels. Histograms contribute their sample count.
func (f Families) Value(name string, labels map[string]string) float64 {
	mf, ok := f[name]
	if !ok {
		return 0
	}
	var sum float64
	for _, m := range mf.GetMetric() {
		if !hasLabels(m, labels) {
			continue
		}
		switch mf.GetType() {
		case dto.MetricType_COUNTER:
			sum += m.GetCounter().GetValue()
		case dto.MetricType_GAUGE:
			sum += m.GetGauge().GetValue()
		case dto.MetricType_HISTOGRAM:
			sum += float64(m.GetHistogram().GetSampleCount())
		}
	}
	return sum
}

func hasLabels(m *dto.Metric, want map[string]string) bool {
	if len(want) == 0 {
		return true
	}
	matched := 0
	for _, lp := range m.GetLabel() {
		if v, ok := want[lp.GetName()]; ok {
			if v != lp.GetValue() {
				return false
			}
			matched++
		}
	}
	return matched == len(want)
}
