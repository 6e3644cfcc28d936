package tracing

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
)

// HTTPMiddleware creates Gin middleware for HTTP tracing
func HTTPMiddleware(tracer *Tracer) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := Extract(c.Request.Context(), c.Request.Header)

		span, ctx := tracer.StartSpan(ctx, c.FullPath())
		span.SetTag("http.method", c.Request.Method)
		c.Request = c.Request.WithContext(ctx)

		if span != nil {
			c.Header(HeaderTraceID, span.TraceID.String())
			c.Header(HeaderSpanID, span.SpanID.String())
		}

		c.Next()

		span.SetTag("http.status", strconv.Itoa(c.Writer.Status()))
		var err error
		if len(c.Errors) > 0 {
			err = errors.New(c.Errors.Last().Error())
		}
		tracer.Finish(span, err)
	}
}
