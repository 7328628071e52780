package requester

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/randomizedcoder/go-camera-pipe/internal/buffer"
	"github.com/randomizedcoder/go-camera-pipe/internal/manager"
)

var (
	inInfo  = buffer.NewInfo(64, 48, buffer.FormatNV12)
	outInfo = buffer.NewInfo(32, 24, buffer.FormatNV12)
)

// fakeTasker records tasks and optionally completes them.
type fakeTasker struct {
	mu    sync.Mutex
	tasks []manager.TaskData
	err   error

	// seen is "seq:[ports]" per accepted task, taken at submission since
	// pooled frames are restamped once recycled.
	seen []string

	// complete, when set, is called for every accepted task.
	complete func(manager.TaskData)
}

func (f *fakeTasker) AddTask(_ context.Context, data manager.TaskData) error {
	f.mu.Lock()
	err := f.err
	if err == nil {
		f.tasks = append(f.tasks, data)
		seq, _ := data.Sequence()
		f.seen = append(f.seen, fmt.Sprintf("%d:%v", seq, slices.Sorted(maps.Keys(data.Outputs))))
	}
	complete := f.complete
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if complete != nil {
		complete(data)
	}
	return nil
}

func (f *fakeTasker) requested() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.seen)
}

func newRequester(t *testing.T, tasker Tasker, mutate func(*Config)) *Requester {
	t.Helper()
	cfg := Config{
		Tasker:    tasker,
		InputPort: 1,
		Input:     inInfo,
		Outputs:   map[buffer.Port]buffer.Info{10: outInfo, 11: outInfo},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestPeriodic(t *testing.T) {
	sel := Periodic(map[buffer.Port]int{10: 1, 11: 3, 12: 0})
	tests := []struct {
		seq  int64
		want []buffer.Port
	}{
		{0, []buffer.Port{10, 11, 12}},
		{1, []buffer.Port{10, 12}},
		{2, []buffer.Port{10, 12}},
		{3, []buffer.Port{10, 11, 12}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.seq), func(t *testing.T) {
			if got := sel(tt.seq); !slices.Equal(got, tt.want) {
				t.Errorf("Periodic(%d) = %v, want %v", tt.seq, got, tt.want)
			}
		})
	}
}

func TestNew_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no tasker", Config{Outputs: map[buffer.Port]buffer.Info{1: outInfo}}},
		{"no outputs", Config{Tasker: &fakeTasker{}}},
		{"negative fps", Config{Tasker: &fakeTasker{}, Outputs: map[buffer.Port]buffer.Info{1: outInfo}, FPS: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Error("New() error = nil, want error")
			}
		})
	}
}

func TestRun_CompletedTasksRecycleBuffers(t *testing.T) {
	ft := &fakeTasker{}
	var r *Requester
	ft.complete = func(d manager.TaskData) { r.OnTaskDone(d) }
	var latencies []time.Duration
	r = newRequester(t, ft, func(c *Config) {
		c.Frames = 5
		c.FirstSequence = 100
		c.Select = Periodic(map[buffer.Port]int{10: 1, 11: 2})
		c.Callbacks.OnCompleted = func(_ int64, d time.Duration) { latencies = append(latencies, d) }
	})

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"100:[10 11]", "101:[10]", "102:[10 11]", "103:[10]", "104:[10 11]"}
	if got := ft.requested(); !slices.Equal(got, want) {
		t.Errorf("tasks = %v, want %v", got, want)
	}
	st := r.Stats()
	if st.Submitted != 5 || st.Completed != 5 || st.InFlight != 0 {
		t.Errorf("Stats() = %+v, want 5 submitted and completed", st)
	}
	if len(latencies) != 5 {
		t.Errorf("OnCompleted calls = %d, want 5", len(latencies))
	}
	if allocated, _ := r.inPool.Stats(); allocated != 1 {
		t.Errorf("input frames allocated = %d, want 1", allocated)
	}
}

func TestRun_SkipsWhenBuffersInFlight(t *testing.T) {
	ft := &fakeTasker{}
	var skipped []string
	r := newRequester(t, ft, func(c *Config) {
		c.Frames = 5
		c.MaxInFlight = 2
		c.Callbacks.OnSkipped = func(seq int64, reason string) {
			skipped = append(skipped, fmt.Sprintf("%d:%s", seq, reason))
		}
	})
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	st := r.Stats()
	if st.Submitted != 2 || st.Skipped != 3 || st.InFlight != 2 {
		t.Errorf("Stats() = %+v, want 2 submitted, 3 skipped", st)
	}
	want := []string{"2:input_exhausted", "3:input_exhausted", "4:input_exhausted"}
	if !slices.Equal(skipped, want) {
		t.Errorf("skipped = %v, want %v", skipped, want)
	}

	if got := r.Abandon(); !slices.Equal(got, []int64{0, 1}) {
		t.Errorf("Abandon() = %v, want [0 1]", got)
	}
	if _, free := r.inPool.Stats(); free != 2 {
		t.Errorf("free input frames after Abandon = %d, want 2", free)
	}
	if err := r.Drain(context.Background()); err != nil {
		t.Errorf("Drain after Abandon: %v", err)
	}
}

func TestRun_SubmitErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantRun error
	}{
		{"duplicate task is counted", manager.ErrTaskExists, nil},
		{"unconfigured manager stops the run", manager.ErrNotConfigured, manager.ErrNotConfigured},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := &fakeTasker{err: tt.err}
			r := newRequester(t, ft, func(c *Config) { c.Frames = 3 })

			err := r.Run(context.Background())
			if !errors.Is(err, tt.wantRun) {
				t.Errorf("Run() = %v, want %v", err, tt.wantRun)
			}
			st := r.Stats()
			if st.Submitted != 0 || st.InFlight != 0 {
				t.Errorf("Stats() = %+v, want nothing in flight", st)
			}
			if _, free := r.inPool.Stats(); free != 1 {
				t.Errorf("free input frames = %d, want 1", free)
			}
		})
	}
}

func TestRun_Paced(t *testing.T) {
	r := newRequester(t, &fakeTasker{}, func(c *Config) {
		c.Frames = 4
		c.FPS = 50
		c.MaxInFlight = 8
	})
	start := time.Now()
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	// One token up front, then one every 20ms.
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("Run took %v, want at least 50ms of pacing", elapsed)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	r := newRequester(t, &fakeTasker{}, func(c *Config) { c.FPS = 20 })
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	if err := r.Run(ctx); err != nil {
		t.Errorf("Run() = %v, want nil on cancel", err)
	}
	if st := r.Stats(); st.Submitted == 0 {
		t.Error("no frames submitted before cancel")
	}
}

func TestRun_StopsAtDeadlineBeforeNextFrame(t *testing.T) {
	r := newRequester(t, &fakeTasker{}, func(c *Config) {
		c.FPS = 1
		c.MaxInFlight = 8
	})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := r.Run(ctx); err != nil {
		t.Errorf("Run() = %v, want nil at the deadline", err)
	}
	if st := r.Stats(); st.Submitted != 1 {
		t.Errorf("Submitted = %d, want 1", st.Submitted)
	}
}

func TestDrain_WaitsForCompletion(t *testing.T) {
	ft := &fakeTasker{}
	r := newRequester(t, ft, func(c *Config) { c.Frames = 2 })
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Drain() = %v, want DeadlineExceeded", err)
	}

	go func() {
		ft.mu.Lock()
		tasks := slices.Clone(ft.tasks)
		ft.mu.Unlock()
		for _, d := range tasks {
			r.OnTaskDone(d)
		}
	}()
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	if err := r.Drain(ctx2); err != nil {
		t.Errorf("Drain() = %v, want nil", err)
	}
}

func TestOnTaskDone_UnknownSequenceIgnored(t *testing.T) {
	r := newRequester(t, &fakeTasker{}, nil)
	f := buffer.New(inInfo)
	f.SetSequence(77)
	r.OnTaskDone(manager.TaskData{Inputs: map[buffer.Port]*buffer.Frame{1: f}})
	if st := r.Stats(); st.Completed != 0 {
		t.Errorf("Completed = %d, want 0", st.Completed)
	}
}
