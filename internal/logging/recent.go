package logging

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"
)

// DefaultRecentLines is the ring size used when NewRecentHandler gets a
// size below 1.
const DefaultRecentLines = 100

// Entry is one retained log record.
type Entry struct {
	Time    time.Time
	Level   slog.Level
	Message string
	Attrs   string
}

func (e Entry) String() string {
	s := fmt.Sprintf("%s %-5s %s", e.Time.Format("15:04:05"), e.Level, e.Message)
	if e.Attrs != "" {
		s += " " + e.Attrs
	}
	return s
}

// ring is shared by a RecentHandler and every handler derived from it.
type ring struct {
	mu      sync.Mutex
	entries []Entry
	idx     int
	full    bool
	counts  map[string]int
}

// RecentHandler forwards every record to the wrapped handler and keeps the
// most recent records at or above a minimum level, so the dashboard and the
// exit summary can show recent pipeline warnings.
type RecentHandler struct {
	inner  slog.Handler
	min    slog.Level
	ring   *ring
	prefix string // attributes added with WithAttrs, pre-rendered
	group  string
}

// NewRecentHandler wraps inner, retaining up to size records at level
// or above.
func NewRecentHandler(inner slog.Handler, size int, level slog.Level) *RecentHandler {
	if size < 1 {
		size = DefaultRecentLines
	}
	return &RecentHandler{
		inner: inner,
		min:   level,
		ring: &ring{
			entries: make([]Entry, size),
			counts:  make(map[string]int),
		},
	}
}

// Enabled reports whether either the wrapped handler or the ring wants the
// level.
func (h *RecentHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.min || h.inner.Enabled(ctx, level)
}

// Handle records r when it is at or above the minimum level and forwards it
// when the wrapped handler is enabled for it.
func (h *RecentHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= h.min {
		h.record(r)
	}
	if !h.inner.Enabled(ctx, r.Level) {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

func (h *RecentHandler) record(r slog.Record) {
	var b strings.Builder
	b.WriteString(h.prefix)
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, h.group, a)
		return true
	})
	e := Entry{Time: r.Time, Level: r.Level, Message: r.Message, Attrs: b.String()}

	rg := h.ring
	rg.mu.Lock()
	rg.entries[rg.idx] = e
	rg.idx = (rg.idx + 1) % len(rg.entries)
	if rg.idx == 0 {
		rg.full = true
	}
	rg.counts[r.Message]++
	rg.mu.Unlock()
}

func writeAttr(b *strings.Builder, group string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if group != "" {
		key = group + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			writeAttr(b, key, ga)
		}
		return
	}
	if b.Len() > 0 {
		b.WriteByte(' ')
	}
	b.WriteString(key)
	b.WriteByte('=')
	b.WriteString(a.Value.String())
}

// WithAttrs returns a handler sharing the same ring.
func (h *RecentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var b strings.Builder
	b.WriteString(h.prefix)
	for _, a := range attrs {
		writeAttr(&b, h.group, a)
	}
	c := *h
	c.inner = h.inner.WithAttrs(attrs)
	c.prefix = b.String()
	return &c
}

// WithGroup returns a handler sharing the same ring.
func (h *RecentHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.inner = h.inner.WithGroup(name)
	if c.group != "" {
		c.group += "." + name
	} else {
		c.group = name
	}
	return &c
}

// Recent returns up to n retained entries, oldest first.
func (h *RecentHandler) Recent(n int) []Entry {
	rg := h.ring
	rg.mu.Lock()
	defer rg.mu.Unlock()

	size := len(rg.entries)
	have := rg.idx
	if rg.full {
		have = size
	}
	n = min(n, have)
	out := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, rg.entries[(rg.idx-n+i+size)%size])
	}
	return out
}

// Counts returns how many retained-level records were seen per message
// since the handler was created, including ones the ring has overwritten.
func (h *RecentHandler) Counts() map[string]int {
	rg := h.ring
	rg.mu.Lock()
	defer rg.mu.Unlock()
	return maps.Clone(rg.counts)
}
