/*
Package monitoring provides Prometheus metrics for the object bridge.

# Overview

Every layer of the bridge reports into one *Metrics value:

  - RPC calls by operation, path (local or remote) and outcome
  - Registry records and outstanding handles
  - Pending cross-process requests and late replies
  - Work submitted to the engine's owner goroutine
  - Messages crossing the transport
  - HTTP traffic of the engine-hosting endpoint

All recording methods are safe on a nil *Metrics, so components can run
unmetered in tests.

# Usage

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)

	router.Use(monitoring.Middleware(metrics))

	timer := monitoring.NewTimer(metrics, "get", monitoring.PathRemote)
	defer timer.Stop(err)
*/
package monitoring
