package logger

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
)

// Sink receives one formatted log line. It must not block.
type Sink func(line string)

type sinkHolder struct {
	sink atomic.Pointer[Sink]
	// busy is set while the sink runs; records logged from inside the sink are not forwarded again
	busy atomic.Bool
}

// Broadcaster is a slog.Handler that passes every record to the wrapped
// handler and forwards records at or above its level to a sink as a single
// line of text.
type Broadcaster struct {
	next   slog.Handler
	level  slog.Level
	holder *sinkHolder
	prefix string
	attrs  []string
}

// NewBroadcaster wraps next
func NewBroadcaster(next slog.Handler, level slog.Level) *Broadcaster {
	return &Broadcaster{next: next, level: level, holder: &sinkHolder{}}
}

// SetSink replaces the sink shared by this handler and every handler derived from it
func (b *Broadcaster) SetSink(sink Sink) {
	if sink == nil {
		b.holder.sink.Store(nil)
		return
	}
	b.holder.sink.Store(&sink)
}

func (b *Broadcaster) Enabled(ctx context.Context, level slog.Level) bool {
	if level >= b.level && b.holder.sink.Load() != nil {
		return true
	}
	return b.next.Enabled(ctx, level)
}

func (b *Broadcaster) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= b.level {
		if sink := b.holder.sink.Load(); sink != nil && b.holder.busy.CompareAndSwap(false, true) {
			b.forward(*sink, r)
		}
	}
	if !b.next.Enabled(ctx, r.Level) {
		return nil
	}
	return b.next.Handle(ctx, r)
}

func (b *Broadcaster) forward(sink Sink, r slog.Record) {
	defer b.holder.busy.Store(false)
	sink(b.format(r))
}

func (b *Broadcaster) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *b
	clone.next = b.next.WithAttrs(attrs)
	clone.attrs = append([]string(nil), b.attrs...)
	for _, a := range attrs {
		clone.attrs = appendAttr(clone.attrs, b.prefix, a)
	}
	return &clone
}

func (b *Broadcaster) WithGroup(name string) slog.Handler {
	if name == "" {
		return b
	}
	clone := *b
	clone.next = b.next.WithGroup(name)
	clone.prefix = b.prefix + name + "."
	return &clone
}

func (b *Broadcaster) format(r slog.Record) string {
	var sb strings.Builder
	sb.WriteString(r.Level.String())
	sb.WriteByte(' ')
	sb.WriteString(r.Message)

	parts := slices.Clip(b.attrs)
	r.Attrs(func(a slog.Attr) bool {
		parts = appendAttr(parts, b.prefix, a)
		return true
	})
	for _, p := range parts {
		sb.WriteByte(' ')
		sb.WriteString(p)
	}
	return sb.String()
}

func appendAttr(dst []string, prefix string, a slog.Attr) []string {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return dst
	}
	if a.Value.Kind() == slog.KindGroup {
		group := prefix
		if a.Key != "" {
			group = prefix + a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			dst = appendAttr(dst, group, ga)
		}
		return dst
	}
	return append(dst, fmt.Sprintf("%s%s=%v", prefix, a.Key, a.Value.Any()))
}
