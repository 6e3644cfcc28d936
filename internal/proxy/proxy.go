// Package proxy wraps remote handles in ordinary Go objects.
//
// An Object reads like a script object: Get and Set properties, Invoke it,
// InvokeMember on it, walk a dotted Path. Values that come back as handles
// are wrapped in new Objects; Objects passed as arguments are sent as
// their handles. Each Object releases its handle exactly once, either
// through Release or through a cleanup once the Object is unreachable.
package proxy

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/asmrobot/CefNet-sub000/internal/handle"
	"github.com/asmrobot/CefNet-sub000/internal/rpc"
	"github.com/asmrobot/CefNet-sub000/internal/shared/xerr"
)

// releaser is shared by an Object and its cleanup. It must not point back
// at the Object or the Object is never collected.
type releaser struct {
	provider rpc.Provider
	h        handle.Handle
	released atomic.Bool
}

func (r *releaser) release() {
	if r.released.CompareAndSwap(false, true) {
		r.provider.Release(r.h)
	}
}

// Object is a proxy for one script value behind a provider.
type Object struct {
	r       *releaser
	cleanup runtime.Cleanup
}

// New wraps h. The Object takes ownership of h.
func New(p rpc.Provider, h handle.Handle) *Object {
	o := &Object{r: &releaser{provider: p, h: h}}
	o.cleanup = runtime.AddCleanup(o, func(r *releaser) { r.release() }, o.r)
	return o
}

// Global returns a proxy for the global object of p's frame.
func Global(ctx context.Context, p rpc.Provider) (*Object, error) {
	h, err := p.GetGlobal(ctx)
	if err != nil {
		return nil, err
	}
	return New(p, h), nil
}

// Handle returns the wrapped handle.
func (o *Object) Handle() handle.Handle { return o.r.h }

// Provider returns the provider the proxy talks to.
func (o *Object) Provider() rpc.Provider { return o.r.provider }

// Kind returns the data kind of the wrapped value.
func (o *Object) Kind() handle.Kind { return o.r.h.Kind() }

// Released reports whether Release was called.
func (o *Object) Released() bool { return o.r.released.Load() }

// Equal reports whether o and other wrap bitwise-equal handles of the same
// provider. Released or nil proxies are never equal.
func (o *Object) Equal(other *Object) bool {
	if o == nil || other == nil || o.Released() || other.Released() {
		return false
	}
	return sameProvider(o.r.provider, other.r.provider) && o.r.h.Equal(other.r.h)
}

// sameProvider compares providers without panicking on dynamic types that
// do not support ==. Such providers only equal themselves through pointers.
func sameProvider(a, b rpc.Provider) bool {
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) || ta == nil || !ta.Comparable() {
		return false
	}
	return a == b
}

// Release drops the handle. Later calls are no-ops.
func (o *Object) Release() {
	o.cleanup.Stop()
	o.r.release()
}

func (o *Object) String() string {
	state := ""
	if o.Released() {
		state = " released"
	}
	return fmt.Sprintf("proxy(%s%s)", o.r.h, state)
}

func (o *Object) live() (handle.Handle, error) {
	if o.Released() {
		return handle.Handle{}, fmt.Errorf("%w: proxy released", xerr.ErrDeadObject)
	}
	return o.r.h, nil
}

// Get reads a named property.
func (o *Object) Get(ctx context.Context, name string) (any, error) {
	return o.get(ctx, rpc.Name(name))
}

// Index reads an indexed element.
func (o *Object) Index(ctx context.Context, i int) (any, error) {
	return o.get(ctx, rpc.Index(i))
}

func (o *Object) get(ctx context.Context, key rpc.Key) (any, error) {
	defer runtime.KeepAlive(o)

	h, err := o.live()
	if err != nil {
		return nil, err
	}
	v, err := o.r.provider.Get(ctx, h, key)
	if err != nil {
		return nil, err
	}
	return o.wrap(v), nil
}

// Set writes a named property.
func (o *Object) Set(ctx context.Context, name string, value any) error {
	return o.set(ctx, rpc.Name(name), value)
}

// SetIndex writes an indexed element.
func (o *Object) SetIndex(ctx context.Context, i int, value any) error {
	return o.set(ctx, rpc.Index(i), value)
}

func (o *Object) set(ctx context.Context, key rpc.Key, value any) error {
	defer runtime.KeepAlive(o)

	h, err := o.live()
	if err != nil {
		return err
	}
	v, err := unwrap(value)
	if err != nil {
		return err
	}
	defer runtime.KeepAlive(value)
	return o.r.provider.Set(ctx, h, key, v)
}

// Invoke calls the proxied function with a null receiver.
func (o *Object) Invoke(ctx context.Context, args ...any) (any, error) {
	return o.InvokeWith(ctx, nil, args...)
}

// InvokeWith calls the proxied function with this as receiver.
func (o *Object) InvokeWith(ctx context.Context, this any, args ...any) (any, error) {
	defer runtime.KeepAlive(o)

	h, err := o.live()
	if err != nil {
		return nil, err
	}
	recv, err := unwrap(this)
	if err != nil {
		return nil, err
	}
	argv, err := unwrapAll(args)
	if err != nil {
		return nil, err
	}
	defer runtime.KeepAlive(this)
	defer runtime.KeepAlive(args)

	v, err := o.r.provider.Invoke(ctx, h, recv, argv...)
	if err != nil {
		return nil, err
	}
	return o.wrap(v), nil
}

// InvokeMember calls the method name with the proxied object as receiver.
func (o *Object) InvokeMember(ctx context.Context, name string, args ...any) (any, error) {
	defer runtime.KeepAlive(o)

	h, err := o.live()
	if err != nil {
		return nil, err
	}
	argv, err := unwrapAll(args)
	if err != nil {
		return nil, err
	}
	defer runtime.KeepAlive(args)

	v, err := o.r.provider.InvokeMember(ctx, h, name, argv...)
	if err != nil {
		return nil, err
	}
	return o.wrap(v), nil
}

// GetObject reads a property that must hold an object or function.
func (o *Object) GetObject(ctx context.Context, name string) (*Object, error) {
	v, err := o.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(*Object)
	if !ok {
		return nil, fmt.Errorf("%w: %s is %T, not an object", xerr.ErrInvalidCast, name, v)
	}
	return obj, nil
}

// Path follows a dotted property path such as "document.body.id".
// Intermediate proxies are released on the way.
func (o *Object) Path(ctx context.Context, path string) (any, error) {
	parts := strings.Split(path, ".")
	cur := o
	for i, part := range parts {
		if i == len(parts)-1 {
			v, err := cur.Get(ctx, part)
			if cur != o {
				cur.Release()
			}
			return v, err
		}

		next, err := cur.GetObject(ctx, part)
		if cur != o {
			cur.Release()
		}
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return nil, nil
}

// wrap turns host handles into proxies. Scalars, dates and undefined are
// returned unchanged.
func (o *Object) wrap(v any) any {
	if h, ok := v.(handle.Handle); ok && h.Ref() != handle.RefScalar {
		return New(o.r.provider, h)
	}
	return v
}

func unwrap(v any) (any, error) {
	obj, ok := v.(*Object)
	if !ok {
		return v, nil
	}
	if obj == nil {
		return nil, nil
	}
	return obj.live()
}

func unwrapAll(args []any) ([]any, error) {
	out := make([]any, len(args))
	for i, arg := range args {
		v, err := unwrap(arg)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}
