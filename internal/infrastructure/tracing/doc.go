/*
Package tracing records lightweight spans around bridge calls.

Spans carry ULID trace and span ids from internal/shared/id and are
collected off the hot path by a single goroutine that logs them through
zap at Debug level (Warn when the call failed). Trace context travels in
context.Context inside a process and in the X-Trace-ID / X-Span-ID headers
of the websocket handshake between processes.

# Usage

	tracer := tracing.New("renderer", logger)
	defer tracer.Close()

	router.Use(tracing.HTTPMiddleware(tracer))

	span, ctx := tracer.StartSpan(ctx, "rpc.get")
	span.SetTag("path", "remote")
	defer tracer.Finish(span, err)

A nil *Tracer is valid and records nothing.
*/
package tracing
