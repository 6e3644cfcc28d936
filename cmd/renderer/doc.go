// Package main is the entry point for the renderer, the process that hosts
// the script engine.
//
// The renderer owns every script context. A non-hosting process connects
// over a websocket and drives the contexts through handles:
//
//	Non-hosting process → websocket → Renderer (engine owner goroutine)
//
// The renderer provides:
//   - The RPC endpoint for GetGlobal/Get/Set/Invoke/InvokeMember/Release
//   - /healthz with context and registry sizes
//   - /metrics in Prometheus text format
//
// Configuration:
//   - Environment variables (XRAY_ADDR, XRAY_PATH, XRAY_TIMEOUT_MS, LOG_LEVEL, LOG_DEV)
//   - CLI flags (override env vars)
//
// Usage:
//
//	# Serve frame 1 with a bootstrap script
//	./renderer -addr 127.0.0.1:9229 -script page.js
//
//	# Development mode (colored logs, debug level)
//	./renderer -dev
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
