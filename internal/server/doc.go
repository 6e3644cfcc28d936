// Package server assembles the engine-hosting process.
//
// It wires together:
//   - The script engine and its owner goroutine
//   - An ipc router answering RPC requests and releases
//   - A gin router exposing the websocket endpoint, /healthz and /metrics
//
// Server Lifecycle:
//  1. Create the engine, router, rpc server, metrics and tracer
//  2. Register HTTP routes and middleware
//  3. Accept links from the non-hosting process
//  4. On Close, drop every link, stop the HTTP server, then tear down
//     the engine
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	srv := server.New(cfg, logger)
//	if err := srv.Engine().CreateContext(ctx, 1); err != nil {
//	    return err
//	}
//	if err := srv.Run(cfg.Transport.Addr); err != nil {
//	    logger.Fatal("Server error", zap.Error(err))
//	}
package server
