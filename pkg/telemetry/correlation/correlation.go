package correlation

import (
	"context"

	"github.com/oklog/ulid/v2"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/trace"
)

const (
	HeaderCorrelationID = "correlation_id"
	HeaderTraceID       = "trace_id"
	HeaderSpanID        = "span_id"
)

// correlationKey is an unexported type for context keys within this package.
type correlationKey struct{}

// ExtractCorrelationID fetches a correlation ID from the context if present.
func ExtractCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if val, ok := ctx.Value(correlationKey{}).(string); ok {
		return val
	}
	return ""
}

// ContextWithCorrelationID sets the correlation ID onto the context.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

// EnsureCorrelationID guarantees a correlation ID on the context, generating one when missing.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	cid := ExtractCorrelationID(ctx)
	if cid == "" {
		cid = ulid.Make().String()
	}
	return ContextWithCorrelationID(ctx, cid), cid
}

// InjectIntoRecord stamps the correlation id and the active span onto record headers.
func InjectIntoRecord(ctx context.Context, record *kgo.Record) {
	if record == nil {
		return
	}
	_, cid := EnsureCorrelationID(ctx)
	record.Headers = setHeader(record.Headers, HeaderCorrelationID, cid)

	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.IsValid() {
		record.Headers = setHeader(record.Headers, HeaderTraceID, sc.TraceID().String())
		record.Headers = setHeader(record.Headers, HeaderSpanID, sc.SpanID().String())
	}
}

// ContextFromRecord restores correlation and remote span identifiers from record headers.
func ContextFromRecord(ctx context.Context, record *kgo.Record) context.Context {
	if record == nil {
		return ctx
	}
	var cid, traceID, spanID string
	for _, h := range record.Headers {
		switch h.Key {
		case HeaderCorrelationID:
			cid = string(h.Value)
		case HeaderTraceID:
			traceID = string(h.Value)
		case HeaderSpanID:
			spanID = string(h.Value)
		}
	}
	ctx = ContextWithCorrelationID(ctx, cid)
	return ContextWithRemoteSpan(ctx, traceID, spanID)
}

// ContextWithRemoteSpan seeds the context with a remote span if valid identifiers are provided.
func ContextWithRemoteSpan(ctx context.Context, traceIDHex, spanIDHex string) context.Context {
	if traceIDHex == "" || spanIDHex == "" {
		return ctx
	}

	traceID, err := trace.TraceIDFromHex(traceIDHex)
	if err != nil {
		return ctx
	}
	spanID, err := trace.SpanIDFromHex(spanIDHex)
	if err != nil {
		return ctx
	}

	parent := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled, Remote: true})
	return trace.ContextWithSpanContext(ctx, parent)
}

func setHeader(headers []kgo.RecordHeader, key, value string) []kgo.RecordHeader {
	for i := range headers {
		if headers[i].Key == key {
			headers[i].Value = []byte(value)
			return headers
		}
	}
	return append(headers, kgo.RecordHeader{Key: key, Value: []byte(value)})
}
