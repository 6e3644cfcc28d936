package rpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/asmrobot/CefNet-sub000/internal/engine"
	"github.com/asmrobot/CefNet-sub000/internal/handle"
	"github.com/asmrobot/CefNet-sub000/internal/infrastructure/config"
	"github.com/asmrobot/CefNet-sub000/internal/infrastructure/monitoring"
	"github.com/asmrobot/CefNet-sub000/internal/shared/xerr"
	"github.com/asmrobot/CefNet-sub000/internal/wire"
)

// Local is the provider of the engine-hosting process.
type Local struct {
	eng   *engine.Engine
	frame handle.FrameID
	opts  Options
}

var _ Provider = (*Local)(nil)

// NewLocal creates a provider for frame backed directly by eng.
func NewLocal(eng *engine.Engine, frame handle.FrameID, opts Options) *Local {
	return &Local{eng: eng, frame: frame, opts: opts}
}

func (l *Local) Frame() handle.FrameID { return l.frame }

func (l *Local) GetGlobal(ctx context.Context) (handle.Handle, error) {
	v, err := l.call(ctx, wire.OpGetGlobal, handle.Global(l.frame))
	if err != nil {
		return handle.Handle{}, err
	}
	h, ok := v.(handle.Handle)
	if !ok {
		return handle.Handle{}, fmt.Errorf("%w: global is %T", xerr.ErrInvalidCast, v)
	}
	return h, nil
}

func (l *Local) Get(ctx context.Context, h handle.Handle, key Key) (any, error) {
	return l.call(ctx, wire.OpGet, h, key.wireValue())
}

func (l *Local) Set(ctx context.Context, h handle.Handle, key Key, value any) error {
	_, err := l.call(ctx, wire.OpSet, h, key.wireValue(), value)
	return err
}

func (l *Local) Invoke(ctx context.Context, h handle.Handle, this any, args ...any) (any, error) {
	return l.call(ctx, wire.OpInvoke, h, append([]any{this}, args...)...)
}

func (l *Local) InvokeMember(ctx context.Context, h handle.Handle, name string, args ...any) (any, error) {
	return l.call(ctx, wire.OpInvokeMember, h, append([]any{name}, args...)...)
}

// Release drops h from the registry immediately.
func (l *Local) Release(h handle.Handle) {
	l.eng.Registry().ReleaseHandle(h)
}

func (l *Local) call(ctx context.Context, op wire.Op, receiver handle.Handle, args ...any) (v any, err error) {
	ctx, done := l.opts.observe(ctx, op.String(), monitoring.PathLocal, receiver.Frame())
	defer func() { done(err) }()

	// Arguments take the same shape they would have after crossing the
	// wire, so both providers accept and reject the same values.
	normalized := make([]any, len(args))
	for i, arg := range args {
		if normalized[i], err = wire.Normalize(receiver.Frame(), arg); err != nil {
			return nil, fmt.Errorf("%s argument %d: %w", op, i, err)
		}
	}

	timeout := l.opts.Timeout
	if timeout <= 0 {
		timeout = config.CallTimeout()
	}
	var late lateResult
	v, err = l.eng.ExecTimeout(ctx, timeout, receiver.Frame(), func(c *engine.Context) (any, error) {
		v, err := apply(l.eng, c, op, receiver, normalized)
		late.finish(v, l.Release)
		return v, err
	})
	if err != nil {
		late.abandon(l.Release)
	}
	return v, err
}

// lateResult settles the race between queued work and a caller that gave
// up waiting for it. Whichever side comes second releases the handle the
// work minted.
type lateResult struct {
	mu        sync.Mutex
	abandoned bool
	done      bool
	minted    handle.Handle
}

func (r *lateResult) finish(v any, release func(handle.Handle)) {
	h, ok := v.(handle.Handle)
	if !ok || h.Ref() != handle.RefHost {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.abandoned {
		release(h)
		return
	}
	r.done, r.minted = true, h
}

func (r *lateResult) abandon(release func(handle.Handle)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.abandoned = true
	if r.done {
		release(r.minted)
		r.done = false
	}
}
