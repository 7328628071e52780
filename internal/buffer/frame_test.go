package buffer

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestParseInfo(t *testing.T) {
	testCases := []struct {
		input   string
		want    Info
		wantErr bool
	}{
		{"720x480:NV12", NewInfo(720, 480, FormatNV12), false},
		{"1920x1080:yuyv", NewInfo(1920, 1080, FormatYUYV), false},
		{" 360X240:NV12 ", NewInfo(360, 240, FormatNV12), false},
		{"720x480", Info{}, true},
		{"720:NV12", Info{}, true},
		{"0x480:NV12", Info{}, true},
		{"axb:NV12", Info{}, true},
		{"720x480:TOOLONG", Info{}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			got, err := ParseInfo(tc.input)
			if tc.wantErr {
				if err == nil {
					t.Errorf("ParseInfo(%q) expected error, got %v", tc.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseInfo(%q) unexpected error: %v", tc.input, err)
			}
			if got != tc.want {
				t.Errorf("ParseInfo(%q) = %+v, want %+v", tc.input, got, tc.want)
			}
		})
	}
}

func TestNewInfo_StrideAndSize(t *testing.T) {
	info := NewInfo(720, 480, FormatNV12)
	if info.Stride != 768 {
		t.Errorf("Stride = %d, want 768", info.Stride)
	}
	if info.Size != 768*480*3/2 {
		t.Errorf("Size = %d, want %d", info.Size, 768*480*3/2)
	}

	yuyv := NewInfo(640, 480, FormatYUYV)
	if yuyv.Stride != 1280 {
		t.Errorf("YUYV Stride = %d, want 1280", yuyv.Stride)
	}
}

func TestFormat_String(t *testing.T) {
	if got := FormatNV12.String(); got != "NV12" {
		t.Errorf("NV12.String() = %q", got)
	}
	if got := Format(0x01020304).String(); got != "0x01020304" {
		t.Errorf("unprintable format String() = %q", got)
	}
	f, err := ParseFormat("ABCD")
	if err != nil {
		t.Fatalf("ParseFormat: %v", err)
	}
	if f.String() != "ABCD" {
		t.Errorf("round trip = %q, want ABCD", f.String())
	}
}

func TestFrame_RefCountReleasesOnce(t *testing.T) {
	f := New(NewInfo(64, 64, FormatNV12))
	var released atomic.Int32
	f.SetReleaser(func(*Frame) { released.Add(1) })

	const holders = 16
	for i := 0; i < holders; i++ {
		f.Ref()
	}

	var wg sync.WaitGroup
	for i := 0; i < holders+1; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.Unref()
		}()
	}
	wg.Wait()

	if got := released.Load(); got != 1 {
		t.Errorf("release hook ran %d times, want 1", got)
	}
	if f.Unref() {
		t.Error("Unref after release should not release again")
	}
	if f.Refs() != 0 {
		t.Errorf("Refs = %d, want 0", f.Refs())
	}
}

func TestFrame_Validate(t *testing.T) {
	info := NewInfo(64, 64, FormatNV12)

	f := New(info)
	f.SetSequence(10)
	f.SetSettingsSequence(9)
	if err := f.Validate(); err != nil {
		t.Errorf("valid frame: %v", err)
	}

	f.SetSettingsSequence(11)
	if err := f.Validate(); err == nil {
		t.Error("expected error for settings sequence ahead of frame sequence")
	}

	short := Wrap(info, make([]byte, 10))
	if err := short.Validate(); err == nil {
		t.Error("expected error for undersized memory")
	}

	handle := FromHandle(info, -1)
	if err := handle.Validate(); err == nil {
		t.Error("expected error for handle frame without fd")
	}
}

func TestFrame_KindsAndFlags(t *testing.T) {
	info := NewInfo(32, 32, FormatYUYV)
	testCases := []struct {
		name     string
		frame    *Frame
		kind     MemoryKind
		internal bool
	}{
		{"heap", New(info), MemoryHeap, true},
		{"wrap", Wrap(info, make([]byte, info.Size)), MemoryHeap, false},
		{"handle", FromHandle(info, 7), MemoryHandle, false},
		{"mmap", FromMmap(info, make([]byte, info.Size), 3), MemoryMmap, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.frame.Kind() != tc.kind {
				t.Errorf("Kind = %v, want %v", tc.frame.Kind(), tc.kind)
			}
			if tc.frame.IsInternal() != tc.internal {
				t.Errorf("IsInternal = %v, want %v", tc.frame.IsInternal(), tc.internal)
			}
			if tc.frame.Sequence() != NoSequence {
				t.Errorf("Sequence = %d, want NoSequence", tc.frame.Sequence())
			}
		})
	}

	f := New(info)
	f.SetFlag(FlagNeedsFlush)
	if !f.HasFlag(FlagInternal | FlagNeedsFlush) {
		t.Errorf("flags = %b, want internal|needs-flush", f.Flags())
	}
}

func TestSequencer_Monotonic(t *testing.T) {
	s := NewSequencer(5)
	var wg sync.WaitGroup
	seen := make([]int64, 100)
	for i := range seen {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			seen[i] = s.Next()
		}(i)
	}
	wg.Wait()

	unique := make(map[int64]bool)
	for _, v := range seen {
		if v < 5 || v >= 105 {
			t.Errorf("sequence %d out of range", v)
		}
		unique[v] = true
	}
	if len(unique) != len(seen) {
		t.Errorf("got %d unique sequences, want %d", len(unique), len(seen))
	}
}

func TestPool_Recycles(t *testing.T) {
	p := NewPool(NewInfo(16, 16, FormatNV12), 2)

	a := p.Get()
	b := p.Get()
	if a == nil || b == nil {
		t.Fatal("expected two frames from pool")
	}
	if c := p.Get(); c != nil {
		t.Error("pool should be exhausted at limit")
	}

	a.SetSequence(3)
	a.Unref()
	allocated, free := p.Stats()
	if allocated != 2 || free != 1 {
		t.Errorf("Stats = (%d, %d), want (2, 1)", allocated, free)
	}

	again := p.Get()
	if again != a {
		t.Error("expected recycled frame")
	}
	if again.Sequence() != NoSequence || again.Refs() != 1 {
		t.Errorf("recycled frame not reset: %v", again)
	}
	again.Unref()
	if _, free := p.Stats(); free != 1 {
		t.Errorf("free = %d after second release, want 1", free)
	}
}
