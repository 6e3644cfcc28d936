// Package client assembles the non-hosting process: one websocket link to
// the renderer and the remote providers and proxies layered on it.
package client

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/asmrobot/CefNet-sub000/internal/handle"
	"github.com/asmrobot/CefNet-sub000/internal/infrastructure/monitoring"
	"github.com/asmrobot/CefNet-sub000/internal/infrastructure/resilience"
	"github.com/asmrobot/CefNet-sub000/internal/infrastructure/tracing"
	"github.com/asmrobot/CefNet-sub000/internal/ipc"
	"github.com/asmrobot/CefNet-sub000/internal/ipc/ws"
	"github.com/asmrobot/CefNet-sub000/internal/logging"
	"github.com/asmrobot/CefNet-sub000/internal/proxy"
	"github.com/asmrobot/CefNet-sub000/internal/rpc"
)

// Options configures a client.
type Options struct {
	Logger  *zap.Logger
	Metrics *monitoring.Metrics
	Tracer  *tracing.Tracer
	// Timeout overrides the process-wide call timeout when positive
	Timeout time.Duration
	// Breaker guards writes on the link
	Breaker resilience.Settings
}

// Client is a connected non-hosting process.
type Client struct {
	conn   *ws.Conn
	rpc    *rpc.Client
	logger *zap.Logger
}

// Dial connects to the renderer endpoint at url.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	logger := logging.OrNop(opts.Logger)
	router := ipc.NewRouter(logger, opts.Metrics)

	conn, err := ws.Dial(ctx, url, router, ws.Options{
		Logger:  logger,
		Metrics: opts.Metrics,
		Breaker: opts.Breaker,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial renderer at %s: %w", url, err)
	}

	// No request has been sent yet, so no reply can be missed by
	// registering the handlers after the read loop started.
	rpcClient := rpc.NewClient(conn, router, rpc.Options{
		Logger:  logger,
		Metrics: opts.Metrics,
		Tracer:  opts.Tracer,
		Timeout: opts.Timeout,
	})

	return &Client{
		conn:   conn,
		rpc:    rpcClient,
		logger: logger.Named("client").With(zap.String("link", conn.ID())),
	}, nil
}

// Provider returns the remote provider for frame.
func (c *Client) Provider(frame handle.FrameID) rpc.Provider {
	return c.rpc.Provider(frame)
}

// Global returns a proxy for the global object of frame.
func (c *Client) Global(ctx context.Context, frame handle.FrameID) (*proxy.Object, error) {
	return proxy.Global(ctx, c.Provider(frame))
}

// Pending returns the number of requests awaiting a reply.
func (c *Client) Pending() int { return c.rpc.Pending() }

// Done is closed once the link is gone.
func (c *Client) Done() <-chan struct{} { return c.conn.Done() }

// Close fails pending requests, closes the link and waits for its read
// loop to exit.
func (c *Client) Close() error {
	c.rpc.Close()
	err := c.conn.Close()
	<-c.conn.Done()
	c.logger.Debug("Client closed")
	return err
}
