package monitoring

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Middleware creates a Gin middleware for metrics collection
func Middleware(metrics *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		c.Next()

		metrics.RecordHTTPRequest(c.Request.Method, path, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

// Timer measures RPC call duration
type Timer struct {
	start   time.Time
	metrics *Metrics
	op      string
	path    string
}

// NewTimer creates a new timer
func NewTimer(metrics *Metrics, op, path string) *Timer {
	return &Timer{
		start:   time.Now(),
		metrics: metrics,
		op:      op,
		path:    path,
	}
}

// Stop stops the timer and records the call outcome
func (t *Timer) Stop(err error) {
	t.metrics.RecordRPC(t.op, t.path, err, time.Since(t.start))
}
