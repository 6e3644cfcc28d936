package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/asmrobot/CefNet-sub000/internal/correlator"
	"github.com/asmrobot/CefNet-sub000/internal/handle"
	"github.com/asmrobot/CefNet-sub000/internal/infrastructure/config"
	"github.com/asmrobot/CefNet-sub000/internal/infrastructure/monitoring"
	"github.com/asmrobot/CefNet-sub000/internal/ipc"
	"github.com/asmrobot/CefNet-sub000/internal/logging"
	"github.com/asmrobot/CefNet-sub000/internal/shared/xerr"
	"github.com/asmrobot/CefNet-sub000/internal/wire"
)

// Client issues requests over one link and matches the replies.
type Client struct {
	link   ipc.Link
	table  *correlator.Table
	opts   Options
	logger *zap.Logger
	closed atomic.Bool

	mu      sync.Mutex
	remotes map[handle.FrameID]*Remote
}

// NewClient creates a client sending on link. Replies must be delivered
// to router.
func NewClient(link ipc.Link, router *ipc.Router, opts Options) *Client {
	logger := logging.OrNop(opts.Logger).Named("rpc.client")
	c := &Client{
		link:    link,
		table:   correlator.NewTable(logger, opts.Metrics),
		opts:    opts,
		logger:  logger.With(zap.String("link", link.ID())),
		remotes: make(map[handle.FrameID]*Remote),
	}

	router.Handle(wire.MessageRequest, c.onReply)
	router.OnClose("rpc.client."+link.ID(), func(l ipc.Link) {
		if l.ID() == link.ID() {
			c.abort("link closed")
		}
	})
	return c
}

// Provider returns the remote provider for frame. Every call for the same
// frame returns the same provider.
func (c *Client) Provider(frame handle.FrameID) *Remote {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.remotes[frame]
	if !ok {
		r = &Remote{client: c, frame: frame}
		c.remotes[frame] = r
	}
	return r
}

// Pending returns the number of requests awaiting a reply.
func (c *Client) Pending() int { return c.table.Len() }

// Close fails every pending request and rejects new ones. It does not
// close the link.
func (c *Client) Close() {
	if !c.closed.Swap(true) {
		c.abort("client closed")
	}
}

func (c *Client) abort(reason string) {
	if n := c.table.FailAll(fmt.Errorf("%w: %s", xerr.ErrTimeout, reason)); n > 0 {
		c.logger.Warn("Failed pending requests", zap.String("reason", reason), zap.Int("count", n))
	}
}

func (c *Client) onReply(_ ipc.Link, msg *ipc.Message) {
	if !wire.IsReply(msg) {
		c.logger.Warn("Dropping request sent to non-hosting side")
		return
	}
	reply, err := wire.ParseReply(msg)
	if err != nil {
		c.logger.Warn("Dropping malformed reply", zap.Error(err))
		return
	}

	id := correlator.ID(reply.ID)
	if reply.Err != nil {
		c.table.Fail(id, reply.Err)
		return
	}
	if !c.table.Complete(id, reply.Value) {
		c.releaseOrphan(reply.Value)
	}
}

// releaseOrphan releases a handle minted for a caller that stopped
// waiting.
func (c *Client) releaseOrphan(v any) {
	if h, ok := v.(handle.Handle); ok && h.Ref() == handle.RefHost {
		c.logger.Debug("Releasing handle of late reply", zap.Stringer("handle", h))
		c.release(h)
	}
}

func (c *Client) call(ctx context.Context, op wire.Op, receiver handle.Handle, args ...any) (v any, err error) {
	ctx, done := c.opts.observe(ctx, op.String(), monitoring.PathRemote, receiver.Frame())
	defer func() { done(err) }()

	if c.closed.Load() {
		return nil, fmt.Errorf("%w: client closed", xerr.ErrTimeout)
	}

	p, err := c.table.Create()
	if err != nil {
		return nil, err
	}
	if c.opts.Timeout > 0 {
		p.SetTimeout(c.opts.Timeout)
	}

	msg, err := wire.NewRequest(uint64(p.ID()), op, receiver, args...)
	if err != nil {
		p.Dispose()
		return nil, err
	}
	if err := c.link.Send(ctx, msg); err != nil {
		p.Dispose()
		if errors.Is(err, ipc.ErrEncode) {
			return nil, fmt.Errorf("%w: %s arguments cannot be encoded: %v", xerr.ErrUnsupportedValue, op, err)
		}
		return nil, fmt.Errorf("%w: sending %s: %v", xerr.ErrTimeout, op, err)
	}

	waitErr := p.Wait(ctx)
	p.Dispose()
	v, err = p.Result()
	if waitErr != nil {
		// A reply that slipped in between the timeout and Dispose is
		// nobody's now.
		if err == nil {
			c.releaseOrphan(v)
		}
		return nil, waitErr
	}
	return v, err
}

func (c *Client) release(h handle.Handle) {
	if h.Ref() != handle.RefHost {
		return
	}
	msg, err := wire.NewRelease(h)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.CallTimeout())
	defer cancel()
	if err := c.link.Send(ctx, msg); err != nil {
		c.logger.Debug("Release not delivered", zap.Stringer("handle", h), zap.Error(err))
	}
}

// Remote is the provider of the non-hosting process for one frame.
type Remote struct {
	client *Client
	frame  handle.FrameID
}

var _ Provider = (*Remote)(nil)

func (r *Remote) Frame() handle.FrameID { return r.frame }

func (r *Remote) GetGlobal(ctx context.Context) (handle.Handle, error) {
	v, err := r.client.call(ctx, wire.OpGetGlobal, handle.Global(r.frame))
	if err != nil {
		return handle.Handle{}, err
	}
	h, ok := v.(handle.Handle)
	if !ok {
		return handle.Handle{}, fmt.Errorf("%w: global is %T", xerr.ErrInvalidCast, v)
	}
	return h, nil
}

func (r *Remote) Get(ctx context.Context, h handle.Handle, key Key) (any, error) {
	return r.client.call(ctx, wire.OpGet, h, key.wireValue())
}

func (r *Remote) Set(ctx context.Context, h handle.Handle, key Key, value any) error {
	_, err := r.client.call(ctx, wire.OpSet, h, key.wireValue(), value)
	return err
}

func (r *Remote) Invoke(ctx context.Context, h handle.Handle, this any, args ...any) (any, error) {
	return r.client.call(ctx, wire.OpInvoke, h, append([]any{this}, args...)...)
}

func (r *Remote) InvokeMember(ctx context.Context, h handle.Handle, name string, args ...any) (any, error) {
	return r.client.call(ctx, wire.OpInvokeMember, h, append([]any{name}, args...)...)
}

// Release sends a release message without waiting for the hosting
// process to act on it.
func (r *Remote) Release(h handle.Handle) {
	r.client.release(h)
}
