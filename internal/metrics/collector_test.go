package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// =============================================================================
// Test Helpers
// =============================================================================

// newTestCollector creates a collector with a test registry.
func newTestCollector() (*Collector, *prometheus.Registry) {
	registry := prometheus.NewRegistry()
	c := NewCollectorWithRegistry(registry)
	return c, registry
}

// =============================================================================
// Tests
// =============================================================================

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.SetInfo("v", "id")
	c.TaskQueued()
	c.TaskCompleted(time.Millisecond)
	c.TaskDropped()
	c.TasksCleared(3)
	c.BufferDone("0")
	c.HWTaskSubmitted("0")
	c.ObserveHWLatency(time.Millisecond)
	c.StaleCompletion()
	c.SlotOverwrite()
	c.QueueWaitTimeout()
	c.StageProcessed("isa", ResultOK)
	c.ZoomUpdated()

	if s := c.GenerateSummary(); s.TasksCompleted != 0 {
		t.Errorf("nil summary TasksCompleted = %d, want 0", s.TasksCompleted)
	}
}

func TestTaskLifecycle(t *testing.T) {
	c, _ := newTestCollector()

	for i := 0; i < 5; i++ {
		c.TaskQueued()
	}
	c.TaskCompleted(10 * time.Millisecond)
	c.TaskCompleted(20 * time.Millisecond)
	c.TaskDropped()
	c.TasksCleared(2)

	if got := testutil.ToFloat64(c.tasksInFlight); got != 1 {
		t.Errorf("tasks_in_flight = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.tasksCompleted); got != 2 {
		t.Errorf("tasks_completed_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.tasksDropped); got != 1 {
		t.Errorf("tasks_dropped_total = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(c.taskLatency); n != 1 {
		t.Errorf("task latency series = %d, want 1", n)
	}

	s := c.GenerateSummary()
	if s.PeakInFlight != 5 {
		t.Errorf("PeakInFlight = %d, want 5", s.PeakInFlight)
	}
	if s.TasksInFlight != 1 {
		t.Errorf("TasksInFlight = %d, want 1", s.TasksInFlight)
	}
	if s.TaskLatency.Count != 2 || s.TaskLatency.Max != 20*time.Millisecond {
		t.Errorf("TaskLatency = %+v, want 2 observations, max 20ms", s.TaskLatency)
	}
}

func TestHardwareLatencyPercentiles(t *testing.T) {
	c, _ := newTestCollector()
	for i := 1; i <= 100; i++ {
		c.ObserveHWLatency(time.Duration(i) * time.Millisecond)
	}

	if n := testutil.CollectAndCount(c.hwLatency); n != 1 {
		t.Errorf("hw latency series = %d, want 1", n)
	}
	l := c.GenerateSummary().HWLatency
	if l.Count != 100 {
		t.Errorf("HWLatency.Count = %d, want 100", l.Count)
	}
	if l.P50 < 45*time.Millisecond || l.P50 > 55*time.Millisecond {
		t.Errorf("HWLatency.P50 = %v, want ~50ms", l.P50)
	}
	if l.Max != 100*time.Millisecond {
		t.Errorf("HWLatency.Max = %v, want 100ms", l.Max)
	}
}

func TestLabelledCounters(t *testing.T) {
	c, _ := newTestCollector()

	c.BufferDone("0")
	c.BufferDone("0")
	c.BufferDone("1")
	c.HWTaskSubmitted("0")
	c.StageProcessed("isa", ResultOK)
	c.StageProcessed("isa", ResultTimeout)
	c.StageProcessed("isa", ResultOK)

	testCases := []struct {
		name string
		got  float64
		want float64
	}{
		{"buffers stream 0", testutil.ToFloat64(c.buffersDone.WithLabelValues("0")), 2},
		{"buffers stream 1", testutil.ToFloat64(c.buffersDone.WithLabelValues("1")), 1},
		{"hw submitted", testutil.ToFloat64(c.hwSubmitted.WithLabelValues("0")), 1},
		{"isa ok", testutil.ToFloat64(c.stageProcess.WithLabelValues("isa", ResultOK)), 2},
		{"isa timeout", testutil.ToFloat64(c.stageProcess.WithLabelValues("isa", ResultTimeout)), 1},
	}
	for _, tc := range testCases {
		if tc.got != tc.want {
			t.Errorf("%s = %v, want %v", tc.name, tc.got, tc.want)
		}
	}

	if s := c.GenerateSummary(); s.BuffersDone != 3 {
		t.Errorf("summary BuffersDone = %d, want 3", s.BuffersDone)
	}
}

func TestHardwareCountersExposition(t *testing.T) {
	c, registry := newTestCollector()
	c.StaleCompletion()
	c.SlotOverwrite()
	c.SlotOverwrite()

	expected := `
# HELP camera_pipe_hw_slot_overwrites_total Frame-id slots overwritten while still unresolved
# TYPE camera_pipe_hw_slot_overwrites_total counter
camera_pipe_hw_slot_overwrites_total 2
# HELP camera_pipe_hw_stale_completions_total Completion events that matched no live frame-id slot
# TYPE camera_pipe_hw_stale_completions_total counter
camera_pipe_hw_stale_completions_total 1
`
	err := testutil.GatherAndCompare(registry, strings.NewReader(expected),
		"camera_pipe_hw_slot_overwrites_total",
		"camera_pipe_hw_stale_completions_total",
	)
	if err != nil {
		t.Errorf("unexpected exposition: %v", err)
	}
}

func TestSetInfoReplacesLabels(t *testing.T) {
	c, _ := newTestCollector()
	c.SetInfo("1.0", "a")
	c.SetInfo("1.0", "b")

	if n := testutil.CollectAndCount(c.info); n != 1 {
		t.Errorf("info series = %d, want 1", n)
	}
	if got := testutil.ToFloat64(c.info.WithLabelValues("1.0", "b")); got != 1 {
		t.Errorf("info{config_id=b} = %v, want 1", got)
	}
}

func TestServerEndpoints(t *testing.T) {
	_, registry := newTestCollector()
	s := NewServer("127.0.0.1:0", registry, nil)
	h := s.Handler()

	get := func(path string) int {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec.Code
	}

	if code := get("/health"); code != http.StatusOK {
		t.Errorf("/health = %d, want 200", code)
	}
	if code := get("/ready"); code != http.StatusServiceUnavailable {
		t.Errorf("/ready before SetReady = %d, want 503", code)
	}
	s.SetReady(true)
	if code := get("/readyz"); code != http.StatusOK {
		t.Errorf("/readyz after SetReady = %d, want 200", code)
	}
	if code := get("/metrics"); code != http.StatusOK {
		t.Errorf("/metrics = %d, want 200", code)
	}

	s.Handle("/graph", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	if code := get("/graph"); code != http.StatusTeapot {
		t.Errorf("/graph = %d, want mounted handler", code)
	}
}

func TestServer_StartBindsAddr(t *testing.T) {
	_, registry := newTestCollector()
	s := NewServer("127.0.0.1:0", registry, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { s.Shutdown(context.Background()) })

	if s.Addr() == "127.0.0.1:0" {
		t.Fatal("Addr() should report the bound port")
	}
	resp, err := http.Get("http://" + s.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/health = %d, want 200", resp.StatusCode)
	}

	// The port is taken now, so a second server must fail to bind.
	if err := NewServer(s.Addr(), registry, nil).Start(); err == nil {
		t.Error("Start on a bound address should fail")
	}
}
