// Package dispatch serializes all script engine access onto the single
// goroutine that owns the engine.
//
// Callers already running on the owner goroutine execute inline; every
// other caller enqueues its work and blocks until the owner has run it.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/petermattis/goid"
	"go.uber.org/zap"

	"github.com/asmrobot/CefNet-sub000/internal/infrastructure/config"
	"github.com/asmrobot/CefNet-sub000/internal/infrastructure/monitoring"
	"github.com/asmrobot/CefNet-sub000/internal/logging"
	"github.com/asmrobot/CefNet-sub000/internal/shared/xerr"
)

// ErrClosed is returned when work is submitted after the owner goroutine
// has stopped.
var ErrClosed = errors.New("dispatcher is closed")

const queueSize = 64

// PanicError carries a panic recovered from dispatched work.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("dispatched work panicked: %v", e.Value)
}

// result holds the return value from a unit of work.
type result struct {
	value any
	err   error
}

// task is a unit of work to be executed on the owner goroutine.
type task struct {
	fn   func() (any, error)
	done chan result // nil for fire-and-forget
}

// Dispatcher owns a goroutine that runs submitted work sequentially.
type Dispatcher struct {
	tasks   chan task
	quit    chan struct{}
	stopped chan struct{}
	owner   atomic.Int64
	once    sync.Once

	logger  *zap.Logger
	metrics *monitoring.Metrics
}

// New creates a Dispatcher and starts its owner goroutine.
func New(logger *zap.Logger, metrics *monitoring.Metrics) *Dispatcher {
	d := &Dispatcher{
		tasks:   make(chan task, queueSize),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		logger:  logging.OrNop(logger).Named("dispatch"),
		metrics: metrics,
	}

	if usingStackID() {
		d.logger.Warn("goid cannot tell goroutines apart, parsing ids from stack headers")
	}

	started := make(chan struct{})
	go d.loop(started)
	<-started
	return d
}

var (
	idOnce     sync.Once
	currentID  func() int64
	fromStacks bool
)

// goroutineID returns the id of the calling goroutine. goid reads it from
// runtime internals; if that read yields the same id on two goroutines the
// id is parsed from the stack header instead.
func goroutineID() int64 {
	idOnce.Do(func() {
		currentID = goid.Get
		other := make(chan int64)
		go func() { other <- goid.Get() }()
		if <-other == goid.Get() {
			currentID = stackID
			fromStacks = true
		}
	})
	return currentID()
}

func usingStackID() bool {
	goroutineID()
	return fromStacks
}

// stackID parses N from the "goroutine N [running]:" header.
func stackID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	field := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(field, ' '); i > 0 {
		field = field[:i]
	}
	id, err := strconv.ParseInt(string(field), 10, 64)
	if err != nil {
		return -1
	}
	return id
}

// loop processes work sequentially on the owner goroutine.
func (d *Dispatcher) loop(started chan<- struct{}) {
	d.owner.Store(goroutineID())
	close(started)
	defer close(d.stopped)

	for {
		select {
		case t := <-d.tasks:
			d.run(t)
		case <-d.quit:
			d.drain()
			return
		}
	}
}

// drain fails any work that was queued but never started.
func (d *Dispatcher) drain() {
	for {
		select {
		case t := <-d.tasks:
			if t.done != nil {
				t.done <- result{err: ErrClosed}
			}
		default:
			return
		}
	}
}

func (d *Dispatcher) run(t task) {
	r := execute(t.fn)
	if t.done != nil {
		t.done <- r
		return
	}
	if r.err != nil {
		d.logger.Warn("Posted work failed", zap.Error(r.err))
	}
}

// execute runs fn, recovering from panics.
func execute(fn func() (any, error)) (r result) {
	defer func() {
		if p := recover(); p != nil {
			r = result{err: recovered(p)}
		}
	}()
	r.value, r.err = fn()
	return r
}

func recovered(p any) error {
	switch v := p.(type) {
	case *goja.Exception:
		return &xerr.ScriptError{Message: v.Value().String()}
	case *goja.InterruptedError:
		return &xerr.ScriptError{Message: v.String()}
	case goja.Value:
		// the engine's Go API panics with the thrown value itself
		return &xerr.ScriptError{Message: v.String()}
	default:
		return &PanicError{Value: p}
	}
}

// OnOwner reports whether the caller runs on the owner goroutine.
func (d *Dispatcher) OnOwner() bool {
	return goroutineID() == d.owner.Load()
}

// Post enqueues fn without waiting for it to run.
func (d *Dispatcher) Post(fn func()) error {
	d.metrics.IncDispatch("post")
	return d.enqueue(task{fn: func() (any, error) {
		fn()
		return nil, nil
	}})
}

func (d *Dispatcher) enqueue(t task) error {
	select {
	case <-d.quit:
		return ErrClosed
	default:
	}

	select {
	case d.tasks <- t:
		return nil
	case <-d.quit:
		return ErrClosed
	}
}

// Call runs fn on the owner goroutine and returns its result, bounded by
// the process-wide call timeout.
func (d *Dispatcher) Call(ctx context.Context, fn func() (any, error)) (any, error) {
	return d.CallTimeout(ctx, config.CallTimeout(), fn)
}

// CallTimeout is Call with an explicit bound.
func (d *Dispatcher) CallTimeout(ctx context.Context, timeout time.Duration, fn func() (any, error)) (any, error) {
	if d.OnOwner() {
		d.metrics.IncDispatch("inline")
		r := execute(fn)
		return r.value, r.err
	}

	d.metrics.IncDispatch("call")
	done := make(chan result, 1)
	if err := d.enqueue(task{fn: fn, done: done}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.value, r.err
	case <-d.stopped:
		select {
		case r := <-done:
			return r.value, r.err
		default:
			return nil, ErrClosed
		}
	case <-timer.C:
		return nil, fmt.Errorf("%w: owner goroutine did not run work within %s", xerr.ErrTimeout, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Do runs fn on the owner goroutine and returns its typed result.
func Do[T any](ctx context.Context, d *Dispatcher, fn func() (T, error)) (T, error) {
	v, err := d.Call(ctx, func() (any, error) {
		return fn()
	})
	t, _ := v.(T)
	return t, err
}

// Close stops the owner goroutine and waits for it to exit. Work queued
// behind the current item fails with ErrClosed.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		close(d.quit)
	})
	if !d.OnOwner() {
		<-d.stopped
	}
}

// Done is closed once the owner goroutine has exited.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.stopped
}
