// Package logging provides structured logging using uber/zap.
//
// Two modes are supported:
//   - Production: JSON output for machine parsing
//   - Development: colored console output for human readability
//
// Components of the bridge take a plain *zap.Logger and name themselves
// with Named, so a single process log shows which layer (dispatch,
// registry, rpc, ipc) emitted a line.
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	logger.Info("Renderer starting", zap.String("addr", "127.0.0.1:9229"))
//	logger.Error("Failed to deliver reply", zap.Error(err))
package logging
