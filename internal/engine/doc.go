/*
Package engine hosts the script contexts of the engine-hosting process.

Each context is a sandboxed goja runtime keyed by a frame id. All contexts
live on the single owner goroutine of a dispatch.Dispatcher; goja runtimes
are not safe for concurrent use, so every access goes through Exec, Eval or
the dispatcher directly.

# Sandbox

New contexts get the same hardened globals in every frame:

  - require, process, module and exports are removed
  - console.log/info/warn/error are captured per context
  - setTimeout and setInterval are no-ops
  - the call stack is bounded by EngineConfig.MaxCallStackSize

Work running under Exec is interrupted when the caller's context ends or
the process-wide call timeout elapses.

# Values

Context.Import turns bridge values (nil, wire.Undefined, scalars,
time.Time, handle.Handle) into script values; Context.Export does the
reverse, minting a registry handle for every object, function or other
non-scalar value.

# Lifecycle

	eng := engine.New(cfg.Engine, logger, metrics)
	defer eng.Close()

	eng.CreateContext(ctx, 1)
	v, err := eng.Eval(ctx, 1, "1 + 1")
	eng.Navigate(ctx, 1) // handles minted before this are dead
*/
package engine
