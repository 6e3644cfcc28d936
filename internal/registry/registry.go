// Package registry tracks the script values that have crossed the process
// boundary and the handles outstanding against them.
//
// The registry is an arena of token slots. Every CreateHandle takes a fresh
// slot, so a handle stays valid only until it is released or its context
// is torn down; a stale handle fails resolution on generation mismatch.
// Records are deduplicated per context: wrapping the same script value twice
// yields the same record, whose reference count is the number of live
// slots pointing at it.
package registry

import (
	"fmt"
	"sync"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/asmrobot/CefNet-sub000/internal/handle"
	"github.com/asmrobot/CefNet-sub000/internal/infrastructure/monitoring"
	"github.com/asmrobot/CefNet-sub000/internal/logging"
	"github.com/asmrobot/CefNet-sub000/internal/shared/xerr"
)

// Record wraps exactly one script value within one context.
type Record struct {
	frame    handle.FrameID
	kind     handle.Kind
	value    goja.Value
	refs     int
	disposed bool
	slots    map[uint32]struct{}
}

// Frame returns the owning context id.
func (r *Record) Frame() handle.FrameID { return r.frame }

// Kind returns the data kind of the wrapped value.
func (r *Record) Kind() handle.Kind { return r.kind }

// slot is one arena cell. gen is bumped whenever the cell is freed.
type slot struct {
	gen    uint32
	record *Record
}

// Registry is the process-wide root table. One lock guards lookup and
// mutation; it is never held across script execution.
type Registry struct {
	mu       sync.Mutex
	contexts map[handle.FrameID][]*Record
	slots    []slot
	free     []uint32
	handles  int

	logger  *zap.Logger
	metrics *monitoring.Metrics
}

// New creates an empty registry.
func New(logger *zap.Logger, metrics *monitoring.Metrics) *Registry {
	return &Registry{
		contexts: make(map[handle.FrameID][]*Record),
		// slot 0 is reserved so the zero token never resolves
		slots:   []slot{{gen: 0}},
		logger:  logging.OrNop(logger).Named("registry"),
		metrics: metrics,
	}
}

// KindOf classifies a script value for handle minting.
func KindOf(v goja.Value) handle.Kind {
	if _, ok := goja.AssertFunction(v); ok {
		return handle.KindFunction
	}
	if _, ok := v.(*goja.Object); ok {
		return handle.KindObject
	}
	return handle.KindOther
}

// OnContextCreated registers a context so values may be wrapped in it.
func (r *Registry) OnContextCreated(frame handle.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.contexts[frame]; ok {
		return
	}
	r.contexts[frame] = nil
	r.logger.Debug("Context registered", zap.Int64("frame", int64(frame)))
}

// OnContextReleased disposes every record of a context and frees all of
// their slots. It returns the number of records disposed.
func (r *Registry) OnContextReleased(frame handle.FrameID) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	roots, ok := r.contexts[frame]
	if !ok {
		return 0
	}
	delete(r.contexts, frame)

	for _, rec := range roots {
		for idx := range rec.slots {
			r.freeSlot(idx)
		}
		rec.slots = nil
		rec.refs = 0
		rec.dispose()
	}
	r.publish()

	r.logger.Debug("Context released",
		zap.Int64("frame", int64(frame)),
		zap.Int("records", len(roots)),
	)
	return len(roots)
}

// Alive reports whether frame is a registered context.
func (r *Registry) Alive(frame handle.FrameID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.contexts[frame]
	return ok
}

// Wrap returns the record for value in frame, creating it if no existing
// root of that context holds the same value.
func (r *Registry) Wrap(frame handle.FrameID, value goja.Value) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.wrapLocked(frame, value)
}

func (r *Registry) wrapLocked(frame handle.FrameID, value goja.Value) (*Record, error) {
	roots, ok := r.contexts[frame]
	if !ok {
		return nil, fmt.Errorf("%w: frame %d", xerr.ErrUnexpectedContext, frame)
	}

	for _, rec := range roots {
		if rec.value.SameAs(value) {
			return rec, nil
		}
	}

	rec := &Record{
		frame: frame,
		kind:  KindOf(value),
		value: value,
		slots: make(map[uint32]struct{}),
	}
	r.contexts[frame] = append(roots, rec)
	r.publish()
	return rec, nil
}

// CreateHandle takes a fresh slot for rec and returns a handle to it.
func (r *Registry) CreateHandle(rec *Record) (handle.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.createLocked(rec)
}

func (r *Registry) createLocked(rec *Record) (handle.Handle, error) {
	if rec.disposed {
		return handle.Handle{}, fmt.Errorf("%w: record of frame %d was disposed", xerr.ErrDeadObject, rec.frame)
	}

	var idx uint32
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		idx = uint32(len(r.slots))
		r.slots = append(r.slots, slot{})
	}

	s := &r.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.record = rec

	rec.slots[idx] = struct{}{}
	rec.refs++
	r.handles++
	r.publish()

	return handle.NewHostRef(rec.frame, rec.kind, handle.Token{Index: idx, Generation: s.gen}), nil
}

// Mint wraps value and creates a handle to it under a single lock
// acquisition, so a concurrent teardown cannot interleave.
func (r *Registry) Mint(frame handle.FrameID, value goja.Value) (handle.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.wrapLocked(frame, value)
	if err != nil {
		return handle.Handle{}, err
	}
	return r.createLocked(rec)
}

// ReleaseHandle frees the slot of h. When the record's count reaches zero
// the record is disposed and removed from its context. Releasing an
// already-released or dangling handle is a no-op and returns false.
func (r *Registry) ReleaseHandle(h handle.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, rec, ok := r.slotLocked(h)
	if !ok {
		return false
	}

	r.freeSlot(idx)
	delete(rec.slots, idx)
	rec.refs--

	if rec.refs == 0 {
		roots := r.contexts[rec.frame]
		for i, root := range roots {
			if root == rec {
				r.contexts[rec.frame] = append(roots[:i], roots[i+1:]...)
				break
			}
		}
		rec.dispose()
	}
	r.publish()
	return true
}

// Lookup returns the live record h points at.
func (r *Registry) Lookup(h handle.Handle) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, rec, ok := r.slotLocked(h)
	if !ok {
		return nil, fmt.Errorf("%w: %s", xerr.ErrDeadObject, h)
	}
	return rec, nil
}

// Resolve returns the script value h points at.
func (r *Registry) Resolve(h handle.Handle) (goja.Value, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h.Ref() != handle.RefHost {
		return nil, fmt.Errorf("%w: %s is not a host reference", xerr.ErrInvalidCast, h)
	}
	_, rec, ok := r.slotLocked(h)
	if !ok {
		return nil, fmt.Errorf("%w: %s", xerr.ErrDeadObject, h)
	}
	return rec.value, nil
}

func (r *Registry) slotLocked(h handle.Handle) (uint32, *Record, bool) {
	tok, ok := h.Token()
	if !ok || tok.Index == 0 || int(tok.Index) >= len(r.slots) {
		return 0, nil, false
	}
	s := r.slots[tok.Index]
	if s.record == nil || s.gen != tok.Generation {
		return 0, nil, false
	}
	if s.record.disposed || s.record.frame != h.Frame() {
		return 0, nil, false
	}
	if _, ok := r.contexts[h.Frame()]; !ok {
		return 0, nil, false
	}
	return tok.Index, s.record, true
}

func (r *Registry) freeSlot(idx uint32) {
	r.slots[idx].record = nil
	r.slots[idx].gen++
	r.free = append(r.free, idx)
	r.handles--
}

func (rec *Record) dispose() {
	rec.disposed = true
	rec.value = nil
}

// Stats holds registry sizes.
type Stats struct {
	Contexts int
	Records  int
	Handles  int
}

// Stats returns the current registry sizes.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	return Stats{Contexts: len(r.contexts), Records: r.recordsLocked(), Handles: r.handles}
}

// RefCount returns the number of outstanding handles to rec.
func (r *Registry) RefCount(rec *Record) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return rec.refs
}

// Disposed reports whether rec has been disposed.
func (r *Registry) Disposed(rec *Record) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return rec.disposed
}

func (r *Registry) recordsLocked() int {
	n := 0
	for _, roots := range r.contexts {
		n += len(roots)
	}
	return n
}

func (r *Registry) publish() {
	if r.metrics == nil {
		return
	}
	r.metrics.SetRegistry(r.recordsLocked(), r.handles)
}
