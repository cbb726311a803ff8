package tracing

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	tr "go.opentelemetry.io/otel/trace"
)

// TraceParentHeader is the message-metadata key carrying the trace context.
const TraceParentHeader = "traceparent"

const (
	// SupportedVersion is the only version byte Parse accepts.
	SupportedVersion byte = 0x00

	// FlagSampled is bit 0 of the flags byte.
	FlagSampled byte = 0x01
)

// FormatError reports a malformed or unsupported traceparent header.
type FormatError struct {
	Header string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("bad traceparent %q: %s", e.Header, e.Reason)
}

// TraceContext is the wire identity of a span: version, trace id, span id,
// flags. Immutable once constructed. The parent span id is not part of the
// context; the Span referencing it carries that.
type TraceContext struct {
	Version byte
	TraceID tr.TraceID
	SpanID  tr.SpanID
	Flags   byte
}

// NewRoot mints a fresh sampled context for a new trace.
func NewRoot() TraceContext {
	tc := TraceContext{Version: SupportedVersion, Flags: FlagSampled}
	for !tc.TraceID.IsValid() {
		randRead(tc.TraceID[:])
	}
	for !tc.SpanID.IsValid() {
		randRead(tc.SpanID[:])
	}
	return tc
}

// Child keeps the trace id and flags of parent and mints a new span id.
func Child(parent TraceContext) TraceContext {
	tc := TraceContext{Version: parent.Version, TraceID: parent.TraceID, Flags: parent.Flags}
	for !tc.SpanID.IsValid() {
		randRead(tc.SpanID[:])
	}
	return tc
}

func randRead(b []byte) {
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
}

// Parse decodes the canonical "VV-TT..(32)-SS..(16)-FF" form. There is no
// lenient mode: wrong lengths, uppercase or non-hex digits, an unsupported
// version and all-zero ids all fail with a FormatError.
func Parse(s string) (TraceContext, error) {
	var tc TraceContext

	parts := strings.Split(s, "-")
	if len(parts) != 4 {
		return tc, &FormatError{Header: s, Reason: "want 4 hyphen-separated fields"}
	}
	if len(parts[0]) != 2 || len(parts[1]) != 32 || len(parts[2]) != 16 || len(parts[3]) != 2 {
		return tc, &FormatError{Header: s, Reason: "wrong field lengths"}
	}
	for _, p := range parts {
		if !isLowerHex(p) {
			return tc, &FormatError{Header: s, Reason: "fields must be lowercase hex"}
		}
	}

	version, _ := hex.DecodeString(parts[0])
	if version[0] != SupportedVersion {
		return tc, &FormatError{Header: s, Reason: fmt.Sprintf("unsupported version %02x", version[0])}
	}

	traceID, err := tr.TraceIDFromHex(parts[1])
	if err != nil {
		return tc, &FormatError{Header: s, Reason: "invalid trace id"}
	}
	spanID, err := tr.SpanIDFromHex(parts[2])
	if err != nil {
		return tc, &FormatError{Header: s, Reason: "invalid span id"}
	}
	flags, _ := hex.DecodeString(parts[3])

	tc.Version = version[0]
	tc.TraceID = traceID
	tc.SpanID = spanID
	tc.Flags = flags[0]
	return tc, nil
}

// String is the inverse of Parse and round-trips byte for byte.
func (tc TraceContext) String() string {
	return fmt.Sprintf("%02x-%s-%s-%02x", tc.Version, tc.TraceID, tc.SpanID, tc.Flags)
}

// Sampled reports bit 0 of the flags byte.
func (tc TraceContext) Sampled() bool {
	return tc.Flags&FlagSampled != 0
}

func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
