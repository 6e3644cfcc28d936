package ws

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/asmrobot/CefNet-sub000/internal/infrastructure/tracing"
	"github.com/asmrobot/CefNet-sub000/internal/ipc"
)

var upgrader = websocket.Upgrader{
	// The peer is a local process, not a browser.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades the request and serves the link until it closes.
func Handler(router *ipc.Router, opts Options) gin.HandlerFunc {
	opts = opts.withDefaults()

	return func(c *gin.Context) {
		wsConn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			opts.Logger.Warn("WebSocket upgrade failed", zap.Error(err))
			return
		}

		conn := newConn(wsConn, router, opts)
		ctx := tracing.Extract(c.Request.Context(), c.Request.Header)
		if traceID := tracing.GetTraceID(ctx); traceID != "" {
			conn.logger = conn.logger.With(zap.String("trace_id", traceID.String()))
		}

		opts.Metrics.AddLinks(1)
		defer opts.Metrics.AddLinks(-1)
		if opts.OnLink != nil {
			opts.OnLink(conn)
		}

		conn.logger.Info("Link accepted", zap.String("remote", c.Request.RemoteAddr))
		conn.readLoop()
		conn.logger.Info("Link closed")
	}
}

// Dial connects to a Handler at url. Messages from the peer are delivered
// to router.
func Dial(ctx context.Context, url string, router *ipc.Router, opts Options) (*Conn, error) {
	opts = opts.withDefaults()

	header := http.Header{}
	tracing.Inject(ctx, header)

	wsConn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	conn := newConn(wsConn, router, opts)
	opts.Metrics.AddLinks(1)
	go func() {
		defer opts.Metrics.AddLinks(-1)
		conn.readLoop()
	}()

	conn.logger.Info("Link dialed", zap.String("url", url))
	return conn, nil
}
