package stage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/randomizedcoder/go-camera-pipe/internal/buffer"
	"github.com/randomizedcoder/go-camera-pipe/internal/device"
	"github.com/randomizedcoder/go-camera-pipe/internal/queue"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =============================================================================
// Test helpers
// =============================================================================

const (
	portIn  buffer.Port = 1
	portOut buffer.Port = 2
)

type arrival struct {
	port  buffer.Port
	frame *buffer.Frame
}

// endpoint plays both the upstream producer and a downstream listener.
// Frames handed to it keep the reference they arrived with (Qbuf) or take
// one (OnFrameAvailable).
type endpoint struct {
	mu        sync.Mutex
	returned  []arrival
	available []arrival
	notify    chan struct{}
}

func newEndpoint() *endpoint {
	return &endpoint{notify: make(chan struct{}, 64)}
}

func (e *endpoint) Qbuf(port buffer.Port, f *buffer.Frame) error {
	e.mu.Lock()
	e.returned = append(e.returned, arrival{port, f})
	e.mu.Unlock()
	e.notify <- struct{}{}
	return nil
}

func (e *endpoint) OnFrameAvailable(port buffer.Port, f *buffer.Frame) error {
	e.mu.Lock()
	e.available = append(e.available, arrival{port, f.Ref()})
	e.mu.Unlock()
	e.notify <- struct{}{}
	return nil
}

func (e *endpoint) counts() (returned, available int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.returned), len(e.available)
}

// waitReturned blocks until n inputs came back.
func (e *endpoint) waitReturned(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if got, _ := e.counts(); got >= n {
			return
		}
		select {
		case <-e.notify:
		case <-deadline:
			got, _ := e.counts()
			t.Fatalf("returned inputs: got %d, want %d", got, n)
		}
	}
}

func streamInfo(w, h int, external bool) StreamInfo {
	return StreamInfo{Info: buffer.NewInfo(w, h, buffer.FormatNV12), External: external}
}

func seqFrame(info buffer.Info, seq int64) *buffer.Frame {
	f := buffer.New(info)
	f.SetSequence(seq)
	f.SetSettingsSequence(seq)
	return f
}

// newHWFixture opens a one-context graph on a simulated device and returns a
// started hardware stage wired to ep on both sides.
func newHWFixture(t *testing.T, sim *device.SimDriver, tableSize int, maxFrameID uint32) (*HardwareStage, *device.Node, *endpoint) {
	t.Helper()
	node, err := device.NewNode(device.Config{
		Name:           "test",
		Driver:         sim,
		PollTimeout:    10 * time.Millisecond,
		FrameTableSize: tableSize,
		MaxFrameID:     maxFrameID,
	})
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	s := NewHardware(Options{ID: 0, Name: "isa"}, node, 1)
	err = node.AddGraph(device.GraphDesc{
		Nodes: []device.NodeDesc{{ContextID: 1, Name: "isa", Terminals: []device.TerminalDesc{
			{Terminal: portIn},
			{Terminal: portOut, Output: true},
		}}},
	})
	if err != nil {
		t.Fatalf("AddGraph: %v", err)
	}

	in := map[buffer.Port]StreamInfo{portIn: streamInfo(64, 32, true)}
	out := map[buffer.Port]StreamInfo{portOut: streamInfo(64, 32, true)}
	if err := s.SetFrameInfo(in, out); err != nil {
		t.Fatalf("SetFrameInfo: %v", err)
	}
	ep := newEndpoint()
	s.SetBufferProducer(ep)
	s.AddFrameAvailableListener(ep)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	node.Start(ctx)
	t.Cleanup(func() {
		s.Stop()
		cancel()
		if err := node.Close(); err != nil {
			t.Errorf("node close: %v", err)
		}
	})
	return s, node, ep
}

// feed queues one input and one output buffer for seq.
func feed(t *testing.T, s Stage, seq int64) (in, out *buffer.Frame) {
	t.Helper()
	info := buffer.NewInfo(64, 32, buffer.FormatNV12)
	in = seqFrame(info, seq)
	out = buffer.New(info)
	if err := s.OnFrameAvailable(portIn, in); err != nil {
		t.Fatalf("OnFrameAvailable: %v", err)
	}
	in.Unref() // the queue holds its own reference
	if err := s.Qbuf(portOut, out); err != nil {
		t.Fatalf("Qbuf: %v", err)
	}
	return in, out
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestStateTransitions(t *testing.T) {
	s := NewSoftware(Options{Name: "copy"}, TypeCopy, CopyProcessor{})
	if got := s.State(); got != StateCreated {
		t.Fatalf("initial state: got %s, want %s", got, StateCreated)
	}
	if err := s.Start(); !errors.Is(err, ErrBadState) {
		t.Errorf("start before configure: got %v, want ErrBadState", err)
	}
	if err := s.Process(1); !errors.Is(err, ErrNotStarted) {
		t.Errorf("process before start: got %v, want ErrNotStarted", err)
	}

	in := map[buffer.Port]StreamInfo{portIn: streamInfo(16, 16, true)}
	if err := s.SetFrameInfo(in, nil); err != nil {
		t.Fatalf("SetFrameInfo: %v", err)
	}
	if err := s.SetFrameInfo(nil, nil); err == nil {
		t.Error("SetFrameInfo without inputs: expected error")
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := s.State(); got != StateStarted {
		t.Errorf("after start: got %s, want %s", got, StateStarted)
	}
	if err := s.SetFrameInfo(in, nil); !errors.Is(err, ErrBadState) {
		t.Errorf("configure while started: got %v, want ErrBadState", err)
	}
	if err := s.Process(1); !errors.Is(err, queue.ErrNotEnoughData) {
		t.Errorf("process on empty queue: got %v, want ErrNotEnoughData", err)
	}
	if got := s.State(); got != StateRunning {
		t.Errorf("after process: got %s, want %s", got, StateRunning)
	}

	s.Stop()
	if got := s.State(); got != StateStopped {
		t.Errorf("after stop: got %s, want %s", got, StateStopped)
	}
	if err := s.Process(1); !errors.Is(err, queue.ErrStopped) {
		t.Errorf("process after stop: got %v, want ErrStopped", err)
	}
	if err := s.Start(); err != nil {
		t.Errorf("restart: %v", err)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateCreated, "created"},
		{StateConfigured, "configured"},
		{StateStarted, "started"},
		{StateRunning, "running"},
		{StateStopped, "stopped"},
		{State(42), "unknown"},
	}
	for _, tc := range tests {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("State(%d).String(): got %q, want %q", tc.state, got, tc.want)
		}
	}
}

func TestWaitTimeout_BlockingAcquire(t *testing.T) {
	s := NewSoftware(Options{Name: "copy", WaitTimeout: 20 * time.Millisecond}, TypeCopy, CopyProcessor{})
	in := map[buffer.Port]StreamInfo{portIn: streamInfo(16, 16, true)}
	if err := s.SetFrameInfo(in, nil); err != nil {
		t.Fatalf("SetFrameInfo: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	start := time.Now()
	err := s.Process(1)
	if !errors.Is(err, queue.ErrTimedOut) {
		t.Fatalf("got %v, want ErrTimedOut", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("returned after %v, want >= 20ms", elapsed)
	}
}

// =============================================================================
// Hardware stage
// =============================================================================

func TestHardware_CompletionForwardsOutput(t *testing.T) {
	sim := device.NewSimDriver(device.SimConfig{})
	s, _, ep := newHWFixture(t, sim, 4, 8)

	var hwDone sync.WaitGroup
	hwDone.Add(1)
	s.SetEvents(Events{OnHWDone: func(stage string, seq int64) {
		if stage != "isa" || seq != 7 {
			t.Errorf("OnHWDone(%q, %d): want (isa, 7)", stage, seq)
		}
		hwDone.Done()
	}})

	_, out := feed(t, s, 7)
	if err := s.Process(1); err != nil {
		t.Fatalf("Process: %v", err)
	}
	hwDone.Wait()
	ep.waitReturned(t, 1)

	// Outputs are offered after inputs come back; give delivery a moment.
	deadline := time.Now().Add(time.Second)
	for {
		if _, avail := ep.counts(); avail == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("output never forwarded")
		}
		time.Sleep(time.Millisecond)
	}

	ep.mu.Lock()
	got := ep.available[0]
	ep.mu.Unlock()
	if got.port != portOut || got.frame != out {
		t.Errorf("forwarded %d/%p, want %d/%p", got.port, got.frame, portOut, out)
	}
	if seq := got.frame.Sequence(); seq != 7 {
		t.Errorf("output sequence: got %d, want 7", seq)
	}
	if n := len(sim.Submitted()); n != 1 {
		t.Errorf("submitted tasks: got %d, want 1", n)
	}
	if n := s.InFlight(); n != 0 {
		t.Errorf("in flight after completion: got %d, want 0", n)
	}
}

func TestHardware_SkipOutputReleasesEdgeOutputs(t *testing.T) {
	sim := device.NewSimDriver(device.SimConfig{})
	s, _, ep := newHWFixture(t, sim, 4, 8)

	_, out := feed(t, s, 3)
	out.Ref() // keep the frame observable
	s.SetControl(3, Control{SkipOutput: true})
	if err := s.Process(1); err != nil {
		t.Fatalf("Process: %v", err)
	}
	ep.waitReturned(t, 1)

	if _, avail := ep.counts(); avail != 0 {
		t.Errorf("listener calls for a priming run: got %d, want 0", avail)
	}
	if refs := out.Refs(); refs != 1 {
		t.Errorf("output refs: got %d, want 1 (ours only)", refs)
	}
}

func TestHardware_BusyDeviceRetriesHeldSet(t *testing.T) {
	var calls int
	var mu sync.Mutex
	sim := device.NewSimDriver(device.SimConfig{
		FailTask: func(device.TaskDesc) error {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 1 {
				return device.ErrBusy
			}
			return nil
		},
	})
	s, _, ep := newHWFixture(t, sim, 4, 8)

	feed(t, s, 11)
	if err := s.Process(1); !errors.Is(err, device.ErrBusy) {
		t.Fatalf("first process: got %v, want ErrBusy", err)
	}
	if got, _ := ep.counts(); got != 0 {
		t.Fatalf("busy set returned %d inputs, want 0", got)
	}

	// Queue is empty now; the held set is retried without new buffers.
	if err := s.Process(2); err != nil {
		t.Fatalf("retry: %v", err)
	}
	ep.waitReturned(t, 1)
	if n := len(sim.Submitted()); n != 1 {
		t.Errorf("accepted tasks: got %d, want 1", n)
	}
}

func TestHardware_SubmitFailureRequeues(t *testing.T) {
	sim := device.NewSimDriver(device.SimConfig{
		FailTask: func(device.TaskDesc) error { return errors.New("ioctl failed") },
	})
	s, _, ep := newHWFixture(t, sim, 4, 8)

	var failed []int64
	s.SetEvents(Events{OnError: func(_ string, seq int64, _ error) { failed = append(failed, seq) }})

	_, out := feed(t, s, 5)
	out.Ref()
	if err := s.Process(1); err == nil {
		t.Fatal("expected submission error")
	}
	if got, _ := ep.counts(); got != 1 {
		t.Errorf("inputs returned: got %d, want 1", got)
	}
	if _, avail := ep.counts(); avail != 0 {
		t.Errorf("outputs forwarded: got %d, want 0", avail)
	}
	// Edge outputs are released, not requeued.
	if refs := out.Refs(); refs != 1 {
		t.Errorf("edge output refs: got %d, want 1", refs)
	}
	if len(failed) != 1 || failed[0] != 5 {
		t.Errorf("OnError sequences: got %v, want [5]", failed)
	}
}

func TestHardware_DroppedCompletionRecyclesSet(t *testing.T) {
	sim := device.NewSimDriver(device.SimConfig{Hold: true})
	s, node, ep := newHWFixture(t, sim, 1, 1)

	dropped := make(chan int64, 4)
	s.SetEvents(Events{OnDropped: func(_ string, seq int64) { dropped <- seq }})

	feed(t, s, 20)
	if err := s.Process(1); err != nil {
		t.Fatalf("Process 20: %v", err)
	}
	feed(t, s, 21)
	if err := s.Process(2); err != nil {
		t.Fatalf("Process 21: %v", err)
	}

	select {
	case seq := <-dropped:
		if seq != 20 {
			t.Errorf("dropped sequence: got %d, want 20", seq)
		}
	case <-time.After(time.Second):
		t.Fatal("no dropped event")
	}
	if got := s.pendingSequences(); len(got) != 1 || got[0] != 21 {
		t.Errorf("pending: got %v, want [21]", got)
	}
	if got, avail := ep.counts(); got != 1 || avail != 0 {
		t.Errorf("after drop: returned=%d available=%d, want 1/0", got, avail)
	}
	if n := node.Pending(1); n != 1 {
		t.Errorf("node pending slots: got %d, want 1", n)
	}
}

func TestHardware_StopReleasesInFlightAndIgnoresLateCompletion(t *testing.T) {
	sim := device.NewSimDriver(device.SimConfig{Hold: true})
	s, _, ep := newHWFixture(t, sim, 4, 8)

	in, out := feed(t, s, 30)
	in.Ref()
	out.Ref()
	if err := s.Process(1); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if n := s.InFlight(); n != 1 {
		t.Fatalf("in flight: got %d, want 1", n)
	}

	s.Stop()
	if n := s.InFlight(); n != 0 {
		t.Errorf("in flight after stop: got %d, want 0", n)
	}
	if in.Refs() != 1 || out.Refs() != 1 {
		t.Errorf("refs after stop: in=%d out=%d, want 1/1", in.Refs(), out.Refs())
	}

	sim.Release()
	time.Sleep(30 * time.Millisecond) // let the poll loop see the late event
	if got, avail := ep.counts(); got != 0 || avail != 0 {
		t.Errorf("callbacks after stop: returned=%d available=%d, want 0/0", got, avail)
	}
}

// =============================================================================
// Software stage
// =============================================================================

func newSWStage(t *testing.T, typ string, proc PostProcessor, inInfo, outInfo buffer.Info) (*SoftwareStage, *endpoint) {
	t.Helper()
	s := NewSoftware(Options{Name: typ}, typ, proc)
	err := s.SetFrameInfo(
		map[buffer.Port]StreamInfo{portIn: {Info: inInfo}},
		map[buffer.Port]StreamInfo{portOut: {Info: outInfo, External: true}},
	)
	if err != nil {
		t.Fatalf("SetFrameInfo: %v", err)
	}
	ep := newEndpoint()
	s.SetBufferProducer(ep)
	s.AddFrameAvailableListener(ep)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(s.Stop)
	return s, ep
}

func TestSoftware_CopyForwardsStampedOutput(t *testing.T) {
	info := buffer.NewInfo(8, 4, buffer.FormatNV12)
	s, ep := newSWStage(t, TypeCopy, CopyProcessor{}, info, info)

	in := seqFrame(info, 9)
	for i := range in.Data() {
		in.Data()[i] = byte(i)
	}
	in.SetTimestamp(time.Unix(100, 0))
	out := buffer.New(info)
	_ = s.OnFrameAvailable(portIn, in)
	_ = s.Qbuf(portOut, out)

	if err := s.Process(1); err != nil {
		t.Fatalf("Process: %v", err)
	}
	returned, avail := ep.counts()
	if returned != 1 || avail != 1 {
		t.Fatalf("returned=%d available=%d, want 1/1", returned, avail)
	}
	if out.Sequence() != 9 || out.SettingsSequence() != 9 {
		t.Errorf("stamp: seq=%d settings=%d, want 9/9", out.Sequence(), out.SettingsSequence())
	}
	if !out.Timestamp().Equal(time.Unix(100, 0)) {
		t.Errorf("timestamp: got %v", out.Timestamp())
	}
	for i, b := range out.Data() {
		if b != byte(i) {
			t.Fatalf("byte %d: got %d, want %d", i, b, byte(i))
		}
	}
}

func TestSoftware_ProcessorErrorStillForwards(t *testing.T) {
	in := buffer.NewInfo(8, 4, buffer.FormatNV12)
	outInfo := buffer.NewInfo(4, 2, buffer.FormatNV12)
	s, ep := newSWStage(t, TypeCopy, CopyProcessor{}, in, outInfo)

	var errs []error
	s.SetEvents(Events{OnError: func(_ string, _ int64, err error) { errs = append(errs, err) }})

	_ = s.OnFrameAvailable(portIn, seqFrame(in, 1))
	_ = s.Qbuf(portOut, buffer.New(outInfo))
	if err := s.Process(1); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(errs) != 1 {
		t.Fatalf("OnError calls: got %d, want 1", len(errs))
	}
	if _, avail := ep.counts(); avail != 1 {
		t.Errorf("forwarded: got %d, want 1", avail)
	}
}

func TestScaleProcessor(t *testing.T) {
	tests := []struct {
		name    string
		src     buffer.Info
		dst     buffer.Info
		wantErr bool
	}{
		{"nv12 half", buffer.NewInfo(8, 4, buffer.FormatNV12), buffer.NewInfo(4, 2, buffer.FormatNV12), false},
		{"yuyv half", buffer.NewInfo(8, 4, buffer.FormatYUYV), buffer.NewInfo(4, 2, buffer.FormatYUYV), false},
		{"rgb up", buffer.NewInfo(2, 2, buffer.FormatRGB24), buffer.NewInfo(4, 4, buffer.FormatRGB24), false},
		{"same shape", buffer.NewInfo(8, 4, buffer.FormatNV12), buffer.NewInfo(8, 4, buffer.FormatNV12), false},
		{"format mismatch", buffer.NewInfo(8, 4, buffer.FormatNV12), buffer.NewInfo(8, 4, buffer.FormatYUYV), true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			in, out := buffer.New(tc.src), buffer.New(tc.dst)
			err := ScaleProcessor{}.Process(in, out)
			if (err != nil) != tc.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestScaleProcessor_NearestNeighbourLuma(t *testing.T) {
	src := buffer.NewInfo(4, 2, buffer.FormatNV12)
	dst := buffer.NewInfo(2, 1, buffer.FormatNV12)
	in, out := buffer.New(src), buffer.New(dst)

	// Row 0: 10 20 30 40, row 1: 50 60 70 80.
	copy(in.Data()[0:], []byte{10, 20, 30, 40})
	copy(in.Data()[src.Stride:], []byte{50, 60, 70, 80})

	if err := (ScaleProcessor{}).Process(in, out); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := out.Data()[:2]; got[0] != 10 || got[1] != 30 {
		t.Errorf("scaled row: got %v, want [10 30]", got)
	}
}

func TestScaleProcessor_HandleFramesRejected(t *testing.T) {
	info := buffer.NewInfo(4, 4, buffer.FormatNV12)
	err := ScaleProcessor{}.Process(buffer.FromHandle(info, 3), buffer.New(buffer.NewInfo(2, 2, buffer.FormatNV12)))
	if !errors.Is(err, ErrNoCPUAccess) {
		t.Errorf("got %v, want ErrNoCPUAccess", err)
	}
}

type markProcessor struct{ calls int }

func (m *markProcessor) Name() string { return "mark" }

func (m *markProcessor) Process(_, out *buffer.Frame) error {
	m.calls++
	out.Data()[0] = 0xAB
	return nil
}

func TestGPUProcessor_FallbackAndRegister(t *testing.T) {
	info := buffer.NewInfo(4, 4, buffer.FormatNV12)
	in, out := buffer.New(info), buffer.New(info)
	in.Data()[0] = 7

	gpu := &GPUProcessor{}
	if got := gpu.Name(); got != "gpu:scale" {
		t.Errorf("Name: got %q, want gpu:scale", got)
	}
	if err := gpu.Process(in, out); err != nil {
		t.Fatalf("fallback: %v", err)
	}
	if out.Data()[0] != 7 {
		t.Errorf("fallback copy: got %d, want 7", out.Data()[0])
	}

	mark := &markProcessor{}
	gpu.Register(mark)
	if err := gpu.Process(in, out); err != nil {
		t.Fatalf("registered: %v", err)
	}
	if mark.calls != 1 || out.Data()[0] != 0xAB {
		t.Errorf("registered processor not used: calls=%d byte=%#x", mark.calls, out.Data()[0])
	}
	if got := gpu.Name(); got != "gpu:mark" {
		t.Errorf("Name: got %q, want gpu:mark", got)
	}
}

// =============================================================================
// Factory
// =============================================================================

func TestNew_SelectsImplementationByType(t *testing.T) {
	sim := device.NewSimDriver(device.SimConfig{})
	node, err := device.NewNode(device.Config{Driver: sim})
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	defer node.Close()

	tests := []struct {
		typ     string
		node    *device.Node
		wantErr error
	}{
		{TypeHardware, node, nil},
		{TypeHardware, nil, ErrNoNode},
		{TypeCopy, nil, nil},
		{TypeScale, nil, nil},
		{TypeGPU, nil, nil},
		{"jpeg", nil, ErrUnknownType},
	}
	for _, tc := range tests {
		s, err := New(Spec{Options: Options{Name: tc.typ}, Type: tc.typ, ContextID: 1}, tc.node)
		if !errors.Is(err, tc.wantErr) {
			t.Errorf("New(%q): got err %v, want %v", tc.typ, err, tc.wantErr)
			continue
		}
		if tc.wantErr != nil {
			continue
		}
		if got := s.Type(); got != tc.typ {
			t.Errorf("New(%q).Type(): got %q", tc.typ, got)
		}
		if !KnownType(tc.typ) {
			t.Errorf("KnownType(%q) = false", tc.typ)
		}
	}
	if KnownType("jpeg") {
		t.Error("KnownType(jpeg) = true")
	}
}
