package collector

import (
	"context"

	"github.com/tracebus/tracebus/pkg/tracing"
)

// spanBridge is the standard handler: a start event opens a span (child of
// the event's extracted context when present, else a new root), an exception
// marks the error, the stop event ends the span which triggers export.
type spanBridge struct {
	c    *Collector
	kind tracing.SpanKind
}

// NewSpanBridge builds the standard event-to-span handler for Subscribe.
func (c *Collector) NewSpanBridge(kind tracing.SpanKind) Handler {
	return &spanBridge{c: c, kind: kind}
}

func (b *spanBridge) OnStart(ev Event) {
	span := b.c.StartSpan(context.Background(), ev.Name, b.kind, ev.Parent)
	span.AddTag("source", ev.Source)
	b.c.track(ev.Key, span)
}

func (b *spanBridge) OnException(ev Event) {
	span, ok := b.c.active.Peek(ev.Key)
	if !ok {
		return
	}
	description := "unknown error"
	if ev.Err != nil {
		description = ev.Err.Error()
	}
	span.SetStatus(tracing.StatusError, description)
}

func (b *spanBridge) OnStop(ev Event) {
	span, ok := b.c.finish(ev.Key)
	if !ok {
		return
	}
	span.End()
}
