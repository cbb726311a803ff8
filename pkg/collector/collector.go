// Package collector bridges raw start/stop/exception instrumentation events
// into spans and fans ended spans out to the registered exporters.
package collector

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/tracebus/tracebus/pkg/config"
	"github.com/tracebus/tracebus/pkg/tracing"
)

type EventKind int

const (
	EventStart EventKind = iota
	EventStop
	EventException
)

// Event is one raw instrumentation signal on a named source. Key correlates
// a start with its stop and exceptions; there is no implicit global lookup.
type Event struct {
	Source string
	Kind   EventKind
	Key    string
	Name   string
	Parent *tracing.TraceContext
	Err    error
	Time   time.Time
}

// NewKey mints a correlation key.
func NewKey() string {
	return uuid.NewString()
}

// Handler receives the events of a subscribed source.
type Handler interface {
	OnStart(ev Event)
	OnStop(ev Event)
	OnException(ev Event)
}

// HandlerFuncs is a callback table keyed by event kind. Nil entries are
// skipped.
type HandlerFuncs struct {
	Start     func(ev Event)
	Stop      func(ev Event)
	Exception func(ev Event)
}

func (h HandlerFuncs) OnStart(ev Event) {
	if h.Start != nil {
		h.Start(ev)
	}
}

func (h HandlerFuncs) OnStop(ev Event) {
	if h.Stop != nil {
		h.Stop(ev)
	}
}

func (h HandlerFuncs) OnException(ev Event) {
	if h.Exception != nil {
		h.Exception(ev)
	}
}

// Subscription ties a handler to one source until disposed.
type Subscription struct {
	c       *Collector
	source  string
	handler Handler
	once    sync.Once
}

// Dispose removes the subscription. Safe to call twice.
func (s *Subscription) Dispose() {
	s.once.Do(func() { s.c.remove(s) })
}

// Collector is an explicit registry owned by whoever composes it; there is
// no process-wide instance. Multiple independent collectors may coexist and
// each only sees events for sources it subscribed to.
type Collector struct {
	mu        sync.Mutex
	subs      []*Subscription
	exporters []tracing.Exporter

	// in-flight spans, correlation key -> span
	active    *lru.Cache[string, *tracing.Span]
	maxActive int

	disposed atomic.Bool
}

func New(maxActive int) *Collector {
	if maxActive <= 0 {
		maxActive = config.MaxActiveSpans
	}
	c := &Collector{maxActive: maxActive}
	c.active, _ = lru.New[string, *tracing.Span](maxActive)
	return c
}

// RegisterExporter adds a sink for ended spans.
func (c *Collector) RegisterExporter(e tracing.Exporter) {
	c.mu.Lock()
	c.exporters = append(c.exporters, e)
	c.mu.Unlock()
}

// Subscribe registers interest in all events of one source, matched by name
// equality.
func (c *Collector) Subscribe(source string, h Handler) *Subscription {
	sub := &Subscription{c: c, source: source, handler: h}
	if c.disposed.Load() {
		return sub
	}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return sub
}

func (c *Collector) remove(sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.subs {
		if s == sub {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			return
		}
	}
}

// Emit delivers ev to every subscription of its source. Handlers run on the
// caller's goroutine, outside the registry lock.
func (c *Collector) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	c.mu.Lock()
	matched := make([]Handler, 0, len(c.subs))
	for _, s := range c.subs {
		if s.source == ev.Source {
			matched = append(matched, s.handler)
		}
	}
	c.mu.Unlock()

	for _, h := range matched {
		switch ev.Kind {
		case EventStart:
			h.OnStart(ev)
		case EventStop:
			h.OnStop(ev)
		case EventException:
			h.OnException(ev)
		}
	}
}

// Dispose unsubscribes everything and ends whatever is still in flight.
// Concurrent calls tear down exactly once; later calls are no-ops.
func (c *Collector) Dispose() {
	if !c.disposed.CompareAndSwap(false, true) {
		return
	}

	c.mu.Lock()
	c.subs = nil
	c.mu.Unlock()

	for _, key := range c.active.Keys() {
		span, ok := c.active.Peek(key)
		if !ok {
			continue
		}
		span.SetStatus(tracing.StatusError, "collector disposed")
		span.End()
	}
	c.active.Purge()
}

// StartSpan creates a started span wired to export when it ends. Parent
// precedence: explicit parent, then a span threaded through ctx, else a new
// root.
func (c *Collector) StartSpan(ctx context.Context, name string, kind tracing.SpanKind, parent *tracing.TraceContext) *tracing.Span {
	var span *tracing.Span
	switch {
	case parent != nil:
		span = tracing.NewChildSpan(name, kind, *parent, tracing.WithOnEnd(c.export))
	case tracing.SpanFromContext(ctx) != nil:
		span = tracing.NewChildSpan(name, kind, tracing.SpanFromContext(ctx).Context(), tracing.WithOnEnd(c.export))
	default:
		span = tracing.NewRootSpan(name, kind, tracing.WithOnEnd(c.export))
	}
	return span.Start()
}

// track remembers an in-flight span under its correlation key. When the
// table is full the oldest span is force-ended so a lost stop event cannot
// leak it forever.
func (c *Collector) track(key string, span *tracing.Span) {
	c.active.Add(key, span)
	if c.active.Len() == c.maxActive {
		_, evict, _ := c.active.RemoveOldest()
		evict.SetStatus(tracing.StatusError, "span evicted before stop")
		evict.End()
	}
}

// finish takes an in-flight span out of the table.
func (c *Collector) finish(key string) (*tracing.Span, bool) {
	span, ok := c.active.Get(key)
	if ok {
		c.active.Remove(key)
	}
	return span, ok
}

// SweepStale force-ends in-flight spans older than maxAge and reports how
// many were swept.
func (c *Collector) SweepStale(maxAge time.Duration) int {
	swept := 0
	for _, key := range c.active.Keys() {
		span, ok := c.active.Peek(key)
		if !ok {
			continue
		}
		if time.Since(span.StartTime()) < maxAge {
			continue
		}
		c.active.Remove(key)
		span.SetStatus(tracing.StatusError, "span expired before stop")
		span.End()
		swept++
	}
	return swept
}

// export fans one ended span out to every exporter, retrying once on
// failures marked retryable.
func (c *Collector) export(span *tracing.Span) {
	c.mu.Lock()
	exporters := make([]tracing.Exporter, len(c.exporters))
	copy(exporters, c.exporters)
	c.mu.Unlock()

	for _, e := range exporters {
		err := e.Export(span)
		var retryable *tracing.RetryableError
		if errors.As(err, &retryable) {
			err = e.Export(span)
		}
		if err != nil {
			logrus.WithError(err).
				WithField("span_id", span.SpanID().String()).
				Warn("tracebus couldn't export span")
		}
	}
}
