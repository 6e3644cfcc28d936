// Package correlator matches asynchronous reply messages to the callers
// blocked on them.
//
// Ids come from a 64-bit monotonic counter shared by a Table, so they do
// not wrap within the lifetime of a process. A collision with a live entry
// is reported as an error instead of silently replacing the waiter.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/asmrobot/CefNet-sub000/internal/infrastructure/config"
	"github.com/asmrobot/CefNet-sub000/internal/infrastructure/monitoring"
	"github.com/asmrobot/CefNet-sub000/internal/logging"
	"github.com/asmrobot/CefNet-sub000/internal/shared/xerr"
)

var (
	// ErrIDCollision is returned when a new request id is still pending.
	ErrIDCollision = errors.New("request id collision")
	// ErrNotCompleted is returned by Result before the request completed.
	ErrNotCompleted = errors.New("request not completed")
)

// ID is a request id.
type ID uint64

// Table is the shared id → pending request map.
type Table struct {
	next    atomic.Uint64
	mu      sync.Mutex
	pending map[ID]*Pending

	logger  *zap.Logger
	metrics *monitoring.Metrics
}

// NewTable creates an empty table.
func NewTable(logger *zap.Logger, metrics *monitoring.Metrics) *Table {
	return &Table{
		pending: make(map[ID]*Pending),
		logger:  logging.OrNop(logger).Named("correlator"),
		metrics: metrics,
	}
}

// Create allocates the next id and registers a pending request for it.
func (t *Table) Create() (*Pending, error) {
	return t.register(ID(t.next.Add(1)))
}

func (t *Table) register(id ID) (*Pending, error) {
	p := &Pending{
		id:    id,
		table: t,
		done:  make(chan struct{}),
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.pending[id]; ok {
		return nil, fmt.Errorf("%w: %d", ErrIDCollision, id)
	}
	t.pending[id] = p
	t.metrics.SetPending(len(t.pending))
	return p, nil
}

// Lookup returns the pending request registered under id.
func (t *Table) Lookup(id ID) (*Pending, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[id]
	return p, ok
}

// Complete delivers a value to the request registered under id. It
// reports false when no live request has that id.
func (t *Table) Complete(id ID, value any) bool {
	p, ok := t.Lookup(id)
	if !ok {
		t.late(id)
		return false
	}
	return p.Complete(value)
}

// Fail delivers an error to the request registered under id.
func (t *Table) Fail(id ID, err error) bool {
	p, ok := t.Lookup(id)
	if !ok {
		t.late(id)
		return false
	}
	return p.Fail(err)
}

// FailAll fails every pending request with err and returns how many were
// failed.
func (t *Table) FailAll(err error) int {
	t.mu.Lock()
	waiters := make([]*Pending, 0, len(t.pending))
	for _, p := range t.pending {
		waiters = append(waiters, p)
	}
	t.mu.Unlock()

	n := 0
	for _, p := range waiters {
		if p.Fail(err) {
			n++
		}
	}
	return n
}

// Len returns the number of pending requests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.pending)
}

func (t *Table) remove(p *Pending) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.pending[p.id]; ok && cur == p {
		delete(t.pending, p.id)
	}
	t.metrics.SetPending(len(t.pending))
}

func (t *Table) late(id ID) {
	t.metrics.IncLateReply()
	t.logger.Debug("Dropping reply without waiter", zap.Uint64("request_id", uint64(id)))
}

// Pending is a single outstanding request. It is completed at most once.
type Pending struct {
	id      ID
	table   *Table
	timeout time.Duration

	mu       sync.Mutex
	once     sync.Once
	done     chan struct{}
	disposed bool
	value    any
	err      error
}

// ID returns the request id.
func (p *Pending) ID() ID { return p.id }

// SetTimeout overrides the process-wide call timeout for this request.
func (p *Pending) SetTimeout(d time.Duration) { p.timeout = d }

// Complete delivers value. It reports false if the request was already
// completed or disposed.
func (p *Pending) Complete(value any) bool {
	return p.finish(value, nil)
}

// Fail delivers err. It reports false if the request was already
// completed or disposed.
func (p *Pending) Fail(err error) bool {
	return p.finish(nil, err)
}

func (p *Pending) finish(value any, err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.disposed {
		p.table.late(p.id)
		return false
	}
	completed := false
	p.once.Do(func() {
		p.value, p.err = value, err
		completed = true
		close(p.done)
	})
	return completed
}

// Wait blocks until the request completes, ctx ends, or the timeout
// elapses.
func (p *Pending) Wait(ctx context.Context) error {
	timeout := p.timeout
	if timeout <= 0 {
		timeout = config.CallTimeout()
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.done:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: request %d got no reply within %s", xerr.ErrTimeout, p.id, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Result returns the completed value or error.
func (p *Pending) Result() (any, error) {
	select {
	case <-p.done:
		return p.value, p.err
	default:
		return nil, ErrNotCompleted
	}
}

// Done is closed when the request completes.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Dispose removes the request from its table. Completions arriving
// afterwards are dropped; one that raced ahead of Dispose is still visible
// through Result.
func (p *Pending) Dispose() {
	p.mu.Lock()
	already := p.disposed
	p.disposed = true
	p.mu.Unlock()

	if !already {
		p.table.remove(p)
	}
}
