package logging

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func newRecent(size int) (*RecentHandler, *bytes.Buffer) {
	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelError})
	return NewRecentHandler(inner, size, slog.LevelWarn), &buf
}

func TestRecentHandler_RetainsWarnings(t *testing.T) {
	h, buf := newRecent(10)
	logger := slog.New(h)

	logger.Info("pipe_manager_configured")
	logger.Warn("hw_slot_overwrite", "stream_id", 0, "sequence", 7)
	logger.Error("stage_error", "stage", "isa/0")

	got := h.Recent(10)
	if len(got) != 2 {
		t.Fatalf("Recent() = %d entries, want 2", len(got))
	}
	if got[0].Message != "hw_slot_overwrite" || got[0].Attrs != "stream_id=0 sequence=7" {
		t.Errorf("entry 0 = %+v", got[0])
	}
	if got[1].Level != slog.LevelError {
		t.Errorf("entry 1 level = %v, want ERROR", got[1].Level)
	}

	// The wrapped handler keeps its own level.
	out := buf.String()
	if strings.Contains(out, "hw_slot_overwrite") {
		t.Error("warn record forwarded to an error-level handler")
	}
	if !strings.Contains(out, "stage_error") {
		t.Error("error record not forwarded")
	}
}

func TestRecentHandler_Ring(t *testing.T) {
	testCases := []struct {
		name   string
		size   int
		writes int
		ask    int
		want   []string
	}{
		{"empty", 3, 0, 5, nil},
		{"partial", 3, 2, 5, []string{"w0", "w1"}},
		{"wrapped", 3, 5, 3, []string{"w2", "w3", "w4"}},
		{"fewer than retained", 3, 5, 2, []string{"w3", "w4"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h, _ := newRecent(tc.size)
			logger := slog.New(h)
			for i := 0; i < tc.writes; i++ {
				logger.Warn(fmt.Sprintf("w%d", i))
			}
			var got []string
			for _, e := range h.Recent(tc.ask) {
				got = append(got, e.Message)
			}
			if fmt.Sprint(got) != fmt.Sprint(tc.want) {
				t.Errorf("Recent(%d) = %v, want %v", tc.ask, got, tc.want)
			}
		})
	}
}

func TestRecentHandler_AttrsAndGroups(t *testing.T) {
	h, _ := newRecent(4)
	logger := slog.New(h).With("stage", "post/0").WithGroup("hw")
	logger.Warn("queue_wait_timeout", "port", 3)

	got := h.Recent(1)
	if len(got) != 1 {
		t.Fatal("derived logger did not share the ring")
	}
	if want := "stage=post/0 hw.port=3"; got[0].Attrs != want {
		t.Errorf("Attrs = %q, want %q", got[0].Attrs, want)
	}
	if s := got[0].String(); !strings.Contains(s, "WARN  queue_wait_timeout stage=post/0") {
		t.Errorf("String() = %q", s)
	}
}

func TestRecentHandler_Counts(t *testing.T) {
	h, _ := newRecent(2)
	logger := slog.New(h)
	for i := 0; i < 3; i++ {
		logger.Warn("hw_stale_completion")
	}
	logger.Warn("frame_dropped")
	logger.Debug("task_added")

	counts := h.Counts()
	if counts["hw_stale_completion"] != 3 {
		t.Errorf("hw_stale_completion count = %d, want 3", counts["hw_stale_completion"])
	}
	if counts["frame_dropped"] != 1 {
		t.Errorf("frame_dropped count = %d, want 1", counts["frame_dropped"])
	}
	if _, ok := counts["task_added"]; ok {
		t.Error("debug record counted")
	}
}

func TestRecentHandler_DefaultSize(t *testing.T) {
	h, _ := newRecent(0)
	logger := slog.New(h)
	for i := 0; i < DefaultRecentLines+5; i++ {
		logger.Warn("w")
	}
	if got := len(h.Recent(1000)); got != DefaultRecentLines {
		t.Errorf("retained = %d, want %d", got, DefaultRecentLines)
	}
}

func TestRecentHandler_Concurrent(t *testing.T) {
	h, _ := newRecent(16)
	logger := slog.New(h)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				logger.Warn("concurrent", "i", i)
				_ = h.Recent(8)
				_ = h.Counts()
			}
		}()
	}
	wg.Wait()

	if got := h.Counts()["concurrent"]; got != 400 {
		t.Errorf("count = %d, want 400", got)
	}
}
