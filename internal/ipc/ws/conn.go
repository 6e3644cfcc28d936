package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/asmrobot/CefNet-sub000/internal/infrastructure/monitoring"
	"github.com/asmrobot/CefNet-sub000/internal/infrastructure/resilience"
	"github.com/asmrobot/CefNet-sub000/internal/ipc"
	"github.com/asmrobot/CefNet-sub000/internal/logging"
	"github.com/asmrobot/CefNet-sub000/internal/shared/id"
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultReadLimit    = 16 << 20
)

// Options configures both ends of a websocket link.
type Options struct {
	Logger  *zap.Logger
	Metrics *monitoring.Metrics
	// WriteTimeout bounds a single frame write
	WriteTimeout time.Duration
	// ReadLimit is the largest frame accepted, in bytes
	ReadLimit int64
	// Breaker guards writes
	Breaker resilience.Settings
	// OnLink is called for every accepted connection before its first
	// message is delivered
	OnLink func(*Conn)
}

func (o Options) withDefaults() Options {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = defaultReadLimit
	}
	o.Logger = logging.OrNop(o.Logger)
	return o
}

// Conn is one websocket link.
type Conn struct {
	id      string
	conn    *websocket.Conn
	router  *ipc.Router
	breaker *resilience.Breaker
	opts    Options
	logger  *zap.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

var _ ipc.Link = (*Conn)(nil)

func newConn(conn *websocket.Conn, router *ipc.Router, opts Options) *Conn {
	linkID := id.NewLinkID().String()
	logger := opts.Logger.Named("ws").With(zap.String("link", linkID))

	breaker := opts.Breaker
	userHook := breaker.OnStateChange
	breaker.OnStateChange = func(name string, from, to resilience.State) {
		logger.Warn("Link breaker changed state",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
		if userHook != nil {
			userHook(name, from, to)
		}
	}

	conn.SetReadLimit(opts.ReadLimit)
	return &Conn{
		id:      linkID,
		conn:    conn,
		router:  router,
		breaker: resilience.New(linkID, breaker),
		opts:    opts,
		logger:  logger,
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// ID returns the link id.
func (c *Conn) ID() string { return c.id }

// Send writes msg as one binary frame.
func (c *Conn) Send(ctx context.Context, msg *ipc.Message) error {
	select {
	case <-c.closed:
		return ipc.ErrLinkClosed
	default:
	}

	data, err := ipc.Marshal(msg)
	if err != nil {
		return err
	}

	err = c.breaker.Do(func() error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()

		deadline := time.Now().Add(c.opts.WriteTimeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		if err := c.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		return c.conn.WriteMessage(websocket.BinaryMessage, data)
	})
	if err != nil {
		return fmt.Errorf("failed to send %q on %s: %w", msg.Name, c.id, err)
	}

	c.router.Sent(msg)
	return nil
}

// readLoop delivers incoming frames until the connection fails or is
// closed.
func (c *Conn) readLoop() {
	defer close(c.done)
	defer c.router.LinkClosed(c)
	defer c.shutdown()

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}
		if kind != websocket.BinaryMessage {
			c.logger.Warn("Dropping non-binary frame", zap.Int("type", kind))
			continue
		}

		msg, err := ipc.Unmarshal(data)
		if err != nil {
			c.logger.Warn("Dropping malformed frame", zap.Error(err))
			continue
		}
		c.router.Deliver(c, msg)
	}
}

func (c *Conn) logReadError(err error) {
	select {
	case <-c.closed:
		return
	default:
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, websocket.ErrCloseSent) {
		c.logger.Debug("Link closed by peer")
		return
	}
	c.logger.Error("Link read failed", zap.Error(err))
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)

		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()

		_ = c.conn.Close()
	})
}

// Close closes the connection. The read loop exits shortly after; Done
// reports when it has.
func (c *Conn) Close() error {
	c.shutdown()
	return nil
}

// Done is closed once the read loop has exited and the router has been
// told the link is gone.
func (c *Conn) Done() <-chan struct{} { return c.done }
