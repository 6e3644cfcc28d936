package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/asmrobot/CefNet-sub000/internal/handle"
	"github.com/asmrobot/CefNet-sub000/internal/infrastructure/config"
	"github.com/asmrobot/CefNet-sub000/internal/registry"
	"github.com/asmrobot/CefNet-sub000/internal/shared/xerr"
	"github.com/asmrobot/CefNet-sub000/internal/wire"
)

// Context is one live script context. Methods other than Frame and
// Console must be called on the owner goroutine.
type Context struct {
	frame    handle.FrameID
	vm       *goja.Runtime
	registry *registry.Registry
	logger   *zap.Logger

	console   []LogEntry
	consoleMu sync.Mutex

	depth int
}

func newContext(frame handle.FrameID, cfg config.EngineConfig, reg *registry.Registry, logger *zap.Logger) *Context {
	vm := goja.New()
	if cfg.MaxCallStackSize > 0 {
		vm.SetMaxCallStackSize(cfg.MaxCallStackSize)
	}

	c := &Context{
		frame:    frame,
		vm:       vm,
		registry: reg,
		logger:   logger.With(zap.Int64("frame", int64(frame))),
	}
	c.setupGlobals(cfg.EnableConsole)
	return c
}

// setupGlobals configures global objects and security
func (c *Context) setupGlobals(enableConsole bool) {
	for _, name := range []string{"require", "process", "module", "exports"} {
		c.vm.Set(name, goja.Undefined())
	}

	if enableConsole {
		console := c.vm.NewObject()
		for _, level := range []string{"log", "info", "warn", "error"} {
			console.Set(level, c.makeConsoleFunc(level))
		}
		c.vm.Set("console", console)
	}

	noop := func(goja.FunctionCall) goja.Value { return goja.Undefined() }
	c.vm.Set("setTimeout", noop)
	c.vm.Set("setInterval", noop)
}

func (c *Context) makeConsoleFunc(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		msg := strings.Join(parts, " ")

		c.consoleMu.Lock()
		c.console = append(c.console, LogEntry{Level: level, Message: msg, Time: time.Now()})
		c.consoleMu.Unlock()

		c.logger.Debug("Script console", zap.String("level", level), zap.String("message", msg))
		return goja.Undefined()
	}
}

// Frame returns the frame id of the context.
func (c *Context) Frame() handle.FrameID { return c.frame }

// Runtime returns the underlying goja runtime.
func (c *Context) Runtime() *goja.Runtime { return c.vm }

// Global returns the global object.
func (c *Context) Global() *goja.Object { return c.vm.GlobalObject() }

// Console returns a copy of the captured console output.
func (c *Context) Console() []LogEntry {
	c.consoleMu.Lock()
	defer c.consoleMu.Unlock()

	return append([]LogEntry(nil), c.console...)
}

// interruptReason is what the watchdog interrupts the runtime with.
type interruptReason struct{ err error }

// guard arms the watchdog for one top-level unit of work. The returned
// func disarms it; nested work reuses the outer watchdog.
func (c *Context) guard(ctx context.Context, timeout time.Duration) func() {
	c.depth++
	if c.depth > 1 {
		return func() { c.depth-- }
	}

	stop := make(chan struct{})
	exited := make(chan struct{})
	if timeout <= 0 {
		timeout = config.CallTimeout()
	}
	go func() {
		defer close(exited)
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case <-timer.C:
			c.vm.Interrupt(interruptReason{fmt.Errorf("%w: script ran longer than %s", xerr.ErrTimeout, timeout)})
		case <-ctx.Done():
			c.vm.Interrupt(interruptReason{ctx.Err()})
		case <-stop:
		}
	}()

	return func() {
		close(stop)
		<-exited
		c.vm.ClearInterrupt()
		c.depth--
	}
}

// Import converts a bridge value into a script value of this context.
func (c *Context) Import(v any) (goja.Value, error) {
	switch v := v.(type) {
	case nil:
		return goja.Null(), nil
	case wire.UndefinedType:
		return goja.Undefined(), nil
	case string, bool, int64, float64, int, int32, float32:
		return c.vm.ToValue(v), nil
	case time.Time:
		return c.newDate(v)
	case handle.Handle:
		return c.resolve(v)
	default:
		return nil, fmt.Errorf("%w: %T", xerr.ErrUnsupportedValue, v)
	}
}

func (c *Context) newDate(t time.Time) (goja.Value, error) {
	date, err := c.vm.New(c.vm.Get("Date"), c.vm.ToValue(t.UnixMilli()))
	if err != nil {
		return nil, err
	}
	return date, nil
}

func (c *Context) resolve(h handle.Handle) (goja.Value, error) {
	if t, ok := h.Time(); ok {
		return c.newDate(t)
	}
	if h.Frame() != c.frame {
		return nil, fmt.Errorf("%w: handle of frame %d used in frame %d", xerr.ErrUnexpectedContext, h.Frame(), c.frame)
	}
	if h.IsGlobal() {
		return c.vm.GlobalObject(), nil
	}
	return c.registry.Resolve(h)
}

// Export converts a script value into a bridge value. Objects, functions
// and other non-scalar values are minted as handles of this context.
// An invalid Date exports as null.
func (c *Context) Export(v goja.Value) (any, error) {
	if v == nil || goja.IsUndefined(v) {
		return wire.Undefined, nil
	}
	if goja.IsNull(v) {
		return nil, nil
	}

	if obj, ok := v.(*goja.Object); ok {
		if obj.ClassName() == "Date" {
			if t, ok := obj.Export().(time.Time); ok {
				return t, nil
			}
			return nil, nil
		}
		return c.mint(v)
	}
	// Symbols export as their description string.
	if _, ok := v.(*goja.Symbol); ok {
		return c.mint(v)
	}

	switch x := v.Export().(type) {
	case int64, float64, string, bool:
		return x, nil
	default:
		return c.mint(v)
	}
}

func (c *Context) mint(v goja.Value) (any, error) {
	h, err := c.registry.Mint(c.frame, v)
	if err != nil {
		return nil, err
	}
	return h, nil
}
