package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/asmrobot/CefNet-sub000/internal/dispatch"
	"github.com/asmrobot/CefNet-sub000/internal/handle"
	"github.com/asmrobot/CefNet-sub000/internal/infrastructure/config"
	"github.com/asmrobot/CefNet-sub000/internal/infrastructure/monitoring"
	"github.com/asmrobot/CefNet-sub000/internal/logging"
	"github.com/asmrobot/CefNet-sub000/internal/registry"
	"github.com/asmrobot/CefNet-sub000/internal/shared/xerr"
)

// Engine owns the dispatcher, the registry and every live context.
type Engine struct {
	cfg        config.EngineConfig
	dispatcher *dispatch.Dispatcher
	registry   *registry.Registry

	mu       sync.RWMutex
	contexts map[handle.FrameID]*Context

	closeOnce sync.Once
	logger    *zap.Logger
}

// New creates an engine with no contexts.
func New(cfg config.EngineConfig, logger *zap.Logger, metrics *monitoring.Metrics) *Engine {
	logger = logging.OrNop(logger)
	return &Engine{
		cfg:        cfg,
		dispatcher: dispatch.New(logger, metrics),
		registry:   registry.New(logger, metrics),
		contexts:   make(map[handle.FrameID]*Context),
		logger:     logger.Named("engine"),
	}
}

// Dispatcher returns the dispatcher whose goroutine owns every context.
func (e *Engine) Dispatcher() *dispatch.Dispatcher { return e.dispatcher }

// Registry returns the registry of values minted by the contexts.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// CreateContext creates the context for frame.
func (e *Engine) CreateContext(ctx context.Context, frame handle.FrameID) error {
	_, err := e.dispatcher.Call(ctx, func() (any, error) {
		return nil, e.create(frame)
	})
	return err
}

func (e *Engine) create(frame handle.FrameID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.contexts[frame]; ok {
		return fmt.Errorf("%w: frame %d", ErrContextExists, frame)
	}
	e.contexts[frame] = newContext(frame, e.cfg, e.registry, e.logger)
	e.registry.OnContextCreated(frame)

	e.logger.Debug("Context created", zap.Int64("frame", int64(frame)))
	return nil
}

// ReleaseContext tears down the context for frame. Every handle minted in
// it becomes dead.
func (e *Engine) ReleaseContext(ctx context.Context, frame handle.FrameID) error {
	_, err := e.dispatcher.Call(ctx, func() (any, error) {
		return nil, e.release(frame)
	})
	return err
}

func (e *Engine) release(frame handle.FrameID) error {
	e.mu.Lock()
	c, ok := e.contexts[frame]
	delete(e.contexts, frame)
	e.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: no context for frame %d", xerr.ErrDeadObject, frame)
	}
	c.vm.Interrupt(interruptReason{fmt.Errorf("%w: context released", xerr.ErrDeadObject)})
	n := e.registry.OnContextReleased(frame)

	e.logger.Debug("Context released", zap.Int64("frame", int64(frame)), zap.Int("records", n))
	return nil
}

// Navigate replaces the context for frame with a fresh one. It behaves
// like CreateContext when frame has no context yet.
func (e *Engine) Navigate(ctx context.Context, frame handle.FrameID) error {
	_, err := e.dispatcher.Call(ctx, func() (any, error) {
		if err := e.release(frame); err != nil && !errors.Is(err, xerr.ErrDeadObject) {
			return nil, err
		}
		return nil, e.create(frame)
	})
	return err
}

// Context returns the live context for frame.
func (e *Engine) Context(frame handle.FrameID) (*Context, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	c, ok := e.contexts[frame]
	return c, ok
}

// Frames returns the frame ids of every live context in ascending order.
func (e *Engine) Frames() []handle.FrameID {
	e.mu.RLock()
	frames := make([]handle.FrameID, 0, len(e.contexts))
	for f := range e.contexts {
		frames = append(frames, f)
	}
	e.mu.RUnlock()

	sort.Slice(frames, func(i, j int) bool { return frames[i] < frames[j] })
	return frames
}

// Exec runs fn against the context for frame on the owner goroutine,
// with the interrupt watchdog armed.
func (e *Engine) Exec(ctx context.Context, frame handle.FrameID, fn func(c *Context) (any, error)) (any, error) {
	return e.ExecTimeout(ctx, config.CallTimeout(), frame, fn)
}

// ExecTimeout is Exec with an explicit bound. The same bound applies to
// the dispatch wait and to the script run.
func (e *Engine) ExecTimeout(ctx context.Context, timeout time.Duration, frame handle.FrameID, fn func(c *Context) (any, error)) (any, error) {
	return e.dispatcher.CallTimeout(ctx, timeout, func() (any, error) {
		return e.ExecOwnedTimeout(ctx, timeout, frame, fn)
	})
}

// ExecOwned is Exec for callers already on the owner goroutine.
func (e *Engine) ExecOwned(ctx context.Context, frame handle.FrameID, fn func(c *Context) (any, error)) (any, error) {
	return e.ExecOwnedTimeout(ctx, config.CallTimeout(), frame, fn)
}

// ExecOwnedTimeout is ExecOwned with an explicit bound on the script run.
// A non-positive timeout means the process-wide call timeout.
func (e *Engine) ExecOwnedTimeout(ctx context.Context, timeout time.Duration, frame handle.FrameID, fn func(c *Context) (any, error)) (v any, err error) {
	c, ok := e.Context(frame)
	if !ok {
		return nil, fmt.Errorf("%w: no context for frame %d", xerr.ErrDeadObject, frame)
	}

	disarm := c.guard(ctx, timeout)
	defer disarm()
	defer func() {
		if p := recover(); p != nil {
			v, err = nil, thrown(p)
		}
		err = scriptError(err)
	}()

	return fn(c)
}

// Eval runs script in the context for frame and exports its completion
// value.
func (e *Engine) Eval(ctx context.Context, frame handle.FrameID, script string) (any, error) {
	return e.Exec(ctx, frame, func(c *Context) (any, error) {
		v, err := c.vm.RunString(script)
		if err != nil {
			return nil, err
		}
		return c.Export(v)
	})
}

// Console returns the captured console output of the context for frame.
func (e *Engine) Console(frame handle.FrameID) ([]LogEntry, error) {
	c, ok := e.Context(frame)
	if !ok {
		return nil, fmt.Errorf("%w: no context for frame %d", xerr.ErrDeadObject, frame)
	}
	return c.Console(), nil
}

// Post runs fn on the owner goroutine without waiting.
func (e *Engine) Post(fn func()) error {
	return e.dispatcher.Post(fn)
}

// Close releases every context and stops the owner goroutine.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		_, _ = e.dispatcher.Call(context.Background(), func() (any, error) {
			for _, frame := range e.Frames() {
				_ = e.release(frame)
			}
			return nil, nil
		})
		e.dispatcher.Close()
	})
}

// thrown converts a panic raised by goja's Go API back into an error.
// Anything else is not ours to handle.
func thrown(p any) error {
	switch v := p.(type) {
	case *goja.InterruptedError:
		return v
	case *goja.Exception:
		return v
	case goja.Value:
		return &xerr.ScriptError{Message: v.String()}
	default:
		panic(p)
	}
}

// scriptError maps engine errors onto the bridge taxonomy.
func scriptError(err error) error {
	var (
		exc *goja.Exception
		ie  *goja.InterruptedError
	)
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ie):
		if r, ok := ie.Value().(interruptReason); ok {
			return fmt.Errorf("script interrupted: %w", r.err)
		}
		return &xerr.ScriptError{Message: ie.String()}
	case errors.As(err, &exc):
		return &xerr.ScriptError{Message: exc.Value().String()}
	default:
		return err
	}
}
