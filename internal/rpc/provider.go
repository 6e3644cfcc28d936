package rpc

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/asmrobot/CefNet-sub000/internal/handle"
	"github.com/asmrobot/CefNet-sub000/internal/infrastructure/monitoring"
	"github.com/asmrobot/CefNet-sub000/internal/infrastructure/tracing"
	"github.com/asmrobot/CefNet-sub000/internal/shared/xerr"
)

// Provider gives access to script objects through handles.
type Provider interface {
	// Frame returns the frame whose global object GetGlobal returns.
	Frame() handle.FrameID
	// GetGlobal returns a fresh handle to the frame's global object.
	GetGlobal(ctx context.Context) (handle.Handle, error)
	// Get reads a property. A missing property yields wire.Undefined.
	Get(ctx context.Context, h handle.Handle, key Key) (any, error)
	// Set writes a property.
	Set(ctx context.Context, h handle.Handle, key Key, value any) error
	// Invoke calls the function h with the given receiver.
	Invoke(ctx context.Context, h handle.Handle, this any, args ...any) (any, error)
	// InvokeMember calls the method name of h with h as receiver.
	InvokeMember(ctx context.Context, h handle.Handle, name string, args ...any) (any, error)
	// Release drops h. It never fails; releasing twice is a no-op.
	Release(h handle.Handle)
}

// Key is a property name or an array index.
type Key struct {
	name    string
	index   int
	isIndex bool
}

// Name returns a key for a named property.
func Name(name string) Key { return Key{name: name} }

// Index returns a key for an indexed element.
func Index(i int) Key { return Key{index: i, isIndex: true} }

// IsIndex reports whether k is an index key.
func (k Key) IsIndex() bool { return k.isIndex }

// String returns the property name goja looks the key up by.
func (k Key) String() string {
	if k.isIndex {
		return strconv.Itoa(k.index)
	}
	return k.name
}

// wireValue is how the key travels as a request argument.
func (k Key) wireValue() any {
	if k.isIndex {
		return int64(k.index)
	}
	return k.name
}

func keyOf(v any) (Key, error) {
	switch v := v.(type) {
	case string:
		return Name(v), nil
	case int64:
		return Index(int(v)), nil
	default:
		return Key{}, fmt.Errorf("%w: property key of type %T", xerr.ErrInvalidCast, v)
	}
}

// Options configures providers, clients and servers.
type Options struct {
	Logger  *zap.Logger
	Metrics *monitoring.Metrics
	Tracer  *tracing.Tracer
	// Timeout overrides the process-wide call timeout when positive.
	Timeout time.Duration
}

// observe starts the span and timer around one provider call.
func (o Options) observe(ctx context.Context, op, path string, frame handle.FrameID) (context.Context, func(error)) {
	span, ctx := o.Tracer.StartSpan(ctx, "rpc."+op)
	span.SetTag("path", path)
	span.SetTag("frame", strconv.FormatInt(int64(frame), 10))
	timer := monitoring.NewTimer(o.Metrics, op, path)

	return ctx, func(err error) {
		timer.Stop(err)
		o.Tracer.Finish(span, err)
	}
}
