package rpc

import (
	"fmt"

	"github.com/dop251/goja"

	"github.com/asmrobot/CefNet-sub000/internal/engine"
	"github.com/asmrobot/CefNet-sub000/internal/handle"
	"github.com/asmrobot/CefNet-sub000/internal/shared/xerr"
	"github.com/asmrobot/CefNet-sub000/internal/wire"
)

// apply executes one operation on the owner goroutine. Both the local
// provider and the server go through here.
func apply(eng *engine.Engine, c *engine.Context, op wire.Op, receiver handle.Handle, args []any) (any, error) {
	switch op {
	case wire.OpGetGlobal:
		if !receiver.IsGlobal() {
			return nil, fmt.Errorf("%w: get_global on %s", xerr.ErrInvalidCast, receiver)
		}
		return c.Export(c.Global())

	case wire.OpGet:
		obj, key, err := target(c, receiver, args, 1)
		if err != nil {
			return nil, err
		}
		return c.Export(obj.Get(key.String()))

	case wire.OpSet:
		obj, key, err := target(c, receiver, args, 2)
		if err != nil {
			return nil, err
		}
		value, err := c.Import(args[1])
		if err != nil {
			return nil, err
		}
		if err := obj.Set(key.String(), value); err != nil {
			return nil, err
		}
		return wire.Undefined, nil

	case wire.OpInvoke:
		if len(args) < 1 {
			return nil, fmt.Errorf("%w: invoke without receiver", xerr.ErrInvalidCast)
		}
		callee, err := c.Import(receiver)
		if err != nil {
			return nil, err
		}
		fn, ok := goja.AssertFunction(callee)
		if !ok {
			return nil, fmt.Errorf("%w: %s is not a function", xerr.ErrInvalidCast, receiver)
		}
		return call(c, fn, args[0], args[1:])

	case wire.OpInvokeMember:
		if len(args) < 1 {
			return nil, fmt.Errorf("%w: invoke_member without name", xerr.ErrInvalidCast)
		}
		name, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("%w: member name of type %T", xerr.ErrInvalidCast, args[0])
		}
		obj, err := object(c, receiver)
		if err != nil {
			return nil, err
		}
		fn, ok := goja.AssertFunction(obj.Get(name))
		if !ok {
			return nil, fmt.Errorf("%w: %s", xerr.ErrMissingMethod, name)
		}
		return call(c, fn, obj, args[1:])

	case wire.OpRelease:
		eng.Registry().ReleaseHandle(receiver)
		return wire.Undefined, nil

	default:
		return nil, fmt.Errorf("%w: unknown op %s", xerr.ErrInvalidCast, op)
	}
}

// object resolves receiver to a script object of c.
func object(c *engine.Context, receiver handle.Handle) (*goja.Object, error) {
	v, err := c.Import(receiver)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an object", xerr.ErrInvalidCast, receiver)
	}
	return obj, nil
}

func target(c *engine.Context, receiver handle.Handle, args []any, want int) (*goja.Object, Key, error) {
	if len(args) < want {
		return nil, Key{}, fmt.Errorf("%w: expected %d arguments, got %d", xerr.ErrInvalidCast, want, len(args))
	}
	key, err := keyOf(args[0])
	if err != nil {
		return nil, Key{}, err
	}
	obj, err := object(c, receiver)
	if err != nil {
		return nil, Key{}, err
	}
	return obj, key, nil
}

// call invokes fn. this may be a bridge value or an already imported
// script value.
func call(c *engine.Context, fn goja.Callable, this any, args []any) (any, error) {
	recv, ok := this.(goja.Value)
	if !ok {
		var err error
		if recv, err = c.Import(this); err != nil {
			return nil, err
		}
	}

	argv := make([]goja.Value, len(args))
	for i, arg := range args {
		v, err := c.Import(arg)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		argv[i] = v
	}

	ret, err := fn(recv, argv...)
	if err != nil {
		return nil, err
	}
	return c.Export(ret)
}
