package tracing

import (
	"context"
	"sync"
	"time"

	tr "go.opentelemetry.io/otel/trace"
)

// SpanKind tells which side of an operation a span covers.
type SpanKind int

const (
	KindInternal SpanKind = iota
	KindProducer
	KindConsumer
	KindClient
	KindServer
)

func (k SpanKind) String() string {
	switch k {
	case KindProducer:
		return "producer"
	case KindConsumer:
		return "consumer"
	case KindClient:
		return "client"
	case KindServer:
		return "server"
	default:
		return "internal"
	}
}

type StatusCode int

const (
	StatusUnset StatusCode = iota
	StatusOK
	StatusError
)

func (c StatusCode) String() string {
	switch c {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	default:
		return "unset"
	}
}

type Status struct {
	Code        StatusCode
	Description string
}

type Event struct {
	Name string
	Time time.Time
}

type spanState int

const (
	stateCreated spanState = iota
	stateStarted
	stateEnded
)

// Span is a timed unit of work. The creating handler owns it exclusively
// until End; afterwards it is immutable and safe to hand off.
type Span struct {
	mu sync.Mutex

	tc       TraceContext
	parentID tr.SpanID // zero for a root span

	name string
	kind SpanKind

	tags   map[string]string
	events []Event
	status Status

	startTime time.Time
	endTime   time.Time

	state spanState

	onEnd func(*Span)
}

// Option configures a span at construction.
type Option func(*Span)

// WithOnEnd registers a hook invoked exactly once, by the End call that
// actually ends the span.
func WithOnEnd(fn func(*Span)) Option {
	return func(s *Span) { s.onEnd = fn }
}

// NewRootSpan opens a new trace.
func NewRootSpan(name string, kind SpanKind, opts ...Option) *Span {
	s := &Span{tc: NewRoot(), name: name, kind: kind, tags: make(map[string]string)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewChildSpan continues parent's trace: same trace id, parent's span id
// recorded as the parent reference.
func NewChildSpan(name string, kind SpanKind, parent TraceContext, opts ...Option) *Span {
	s := &Span{tc: Child(parent), parentID: parent.SpanID, name: name, kind: kind, tags: make(map[string]string)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start records the start time. Calling it again is a no-op.
func (s *Span) Start() *Span {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateCreated {
		return s
	}
	s.startTime = time.Now()
	s.state = stateStarted
	return s
}

// AddTag records a tag. Ignored unless the span is started and not ended.
func (s *Span) AddTag(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateStarted {
		return
	}
	s.tags[key] = value
}

// AddEvent records a timestamped event. Ignored unless started and not ended.
func (s *Span) AddEvent(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateStarted {
		return
	}
	s.events = append(s.events, Event{Name: name, Time: time.Now()})
}

// SetStatus overrides the status. Ignored once ended.
func (s *Span) SetStatus(code StatusCode, description string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateEnded {
		return
	}
	s.status = Status{Code: code, Description: description}
}

// End records the end time, defaults an unset status to ok and runs the
// export hook. It reports whether this call ended the span; a second call is
// a no-op so defensive double-cleanup stays safe.
func (s *Span) End() bool {
	s.mu.Lock()
	if s.state == stateEnded {
		s.mu.Unlock()
		return false
	}
	now := time.Now()
	if s.state == stateCreated {
		s.startTime = now
	}
	if s.status.Code == StatusUnset {
		s.status = Status{Code: StatusOK}
	}
	s.endTime = now
	s.state = stateEnded
	hook := s.onEnd
	s.mu.Unlock()

	if hook != nil {
		hook(s)
	}
	return true
}

func (s *Span) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateEnded
}

func (s *Span) Context() TraceContext {
	return s.tc
}

func (s *Span) TraceID() tr.TraceID {
	return s.tc.TraceID
}

func (s *Span) SpanID() tr.SpanID {
	return s.tc.SpanID
}

// ParentSpanID is zero for a root span.
func (s *Span) ParentSpanID() tr.SpanID {
	return s.parentID
}

func (s *Span) Name() string {
	return s.name
}

func (s *Span) Kind() SpanKind {
	return s.kind
}

func (s *Span) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Span) StartTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startTime
}

func (s *Span) EndTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endTime
}

// Tags returns a copy.
func (s *Span) Tags() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	tags := make(map[string]string, len(s.tags))
	for k, v := range s.tags {
		tags[k] = v
	}
	return tags
}

// Events returns a copy.
func (s *Span) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := make([]Event, len(s.events))
	copy(events, s.events)
	return events
}

type spanCtxKey struct{}

// ContextWithSpan threads the span explicitly through call chains. There is
// no ambient current span.
func ContextWithSpan(ctx context.Context, s *Span) context.Context {
	return context.WithValue(ctx, spanCtxKey{}, s)
}

// SpanFromContext returns the span threaded by ContextWithSpan, or nil.
func SpanFromContext(ctx context.Context) *Span {
	s, _ := ctx.Value(spanCtxKey{}).(*Span)
	return s
}
