package aiq

import (
	"context"
	"errors"
	"testing"

	"github.com/randomizedcoder/go-camera-pipe/internal/buffer"
)

func TestPTZ_Equal(t *testing.T) {
	tests := []struct {
		name string
		a, b PTZ
		want bool
	}{
		{"identical", DefaultPTZ, DefaultPTZ, true},
		{"within tolerance", PTZ{2, 0.5, 0.5}, PTZ{2.0000001, 0.5, 0.5}, true},
		{"zoom changed", PTZ{2, 0.5, 0.5}, PTZ{2.1, 0.5, 0.5}, false},
		{"pan changed", PTZ{2, 0.5, 0.5}, PTZ{2, 0.6, 0.5}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Equal(tt.b, 1e-4); got != tt.want {
				t.Errorf("Equal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestContext_Lifecycle(t *testing.T) {
	var built []Key
	ctx := NewContext(func(k Key) (AIC, error) {
		built = append(built, k)
		return NewRecorder(nil), nil
	})
	key := Key{CameraID: 0, TuningMode: "video"}

	if _, err := ctx.Get(key); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get before Create: err = %v, want ErrNotFound", err)
	}
	a, err := ctx.Create(key)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	b, err := ctx.Create(key)
	if err != nil {
		t.Fatalf("Create again: %v", err)
	}
	if a != b || len(built) != 1 {
		t.Errorf("Create not memoized: built %d handles", len(built))
	}
	if got, _ := ctx.Get(key); got != a {
		t.Error("Get returned a different handle")
	}

	if _, err := ctx.Create(Key{CameraID: 1, TuningMode: "still"}); err != nil {
		t.Fatalf("Create second camera: %v", err)
	}
	if got := ctx.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}

	if err := ctx.Destroy(key); err != nil {
		t.Errorf("Destroy: %v", err)
	}
	if !a.(*Recorder).Closed() {
		t.Error("Destroy did not close the handle")
	}
	if err := ctx.Destroy(key); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Destroy: err = %v, want ErrNotFound", err)
	}
	if err := ctx.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if got := ctx.Len(); got != 0 {
		t.Errorf("Len() after Close = %d, want 0", got)
	}
}

func TestContext_FactoryError(t *testing.T) {
	boom := errors.New("tuning file missing")
	ctx := NewContext(func(Key) (AIC, error) { return nil, boom })
	if _, err := ctx.Create(Key{}); !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
	if got := ctx.Len(); got != 0 {
		t.Errorf("Len() = %d, want 0", got)
	}
}

func TestRecorder_ReusesPreviousResultWhenStatsMissing(t *testing.T) {
	r := NewRecorder(nil)
	ctx := context.Background()
	stats := buffer.New(buffer.Info{Width: 16, Height: 1, Format: buffer.FormatStats, Stride: 16, Size: 16})

	_ = r.RunAIC(ctx, nil, 0, 0) // nothing yet
	r.StatsReady(0, stats)
	_ = r.RunAIC(ctx, nil, 1, 0) // stats for 0 present
	_ = r.RunAIC(ctx, nil, 2, 0) // stats for 1 missing, reuse 0

	want := []Run{
		{Sequence: 0, StreamID: 0, StatsSequence: buffer.NoSequence, Reused: true},
		{Sequence: 1, StreamID: 0, StatsSequence: 0},
		{Sequence: 2, StreamID: 0, StatsSequence: 0, Reused: true},
	}
	got := r.Runs()
	if len(got) != len(want) {
		t.Fatalf("runs = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("run %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestRecorder_ResolutionUpdates(t *testing.T) {
	r := NewRecorder(nil)
	ptz := PTZ{Zoom: 2, Pan: 0.5, Tilt: 0.5}
	if err := r.UpdateConfigurationResolutions(context.Background(), 2, ptz, 1); err != nil {
		t.Fatal(err)
	}
	got := r.Updates()
	if len(got) != 1 || got[0] != (ResolutionUpdate{ContextID: 2, PTZ: ptz, StreamID: 1}) {
		t.Errorf("Updates() = %+v", got)
	}
}

func TestRecorder_FailRun(t *testing.T) {
	r := NewRecorder(nil)
	r.FailRun = errors.New("ipc down")
	if err := r.RunAIC(context.Background(), nil, 1, 0); !errors.Is(err, r.FailRun) {
		t.Errorf("err = %v, want %v", err, r.FailRun)
	}
	if got := len(r.Runs()); got != 0 {
		t.Errorf("runs = %d, want 0", got)
	}
}
