// Package middleware provides HTTP middleware for the renderer endpoint.
//
// Admission limits how fast peers may open new links. Each client address
// gets its own token bucket; buckets idle for longer than the configured
// window are dropped so a long-running renderer does not accumulate them.
//
// Example Usage:
//
//	router.GET("/xray", middleware.Admission(middleware.DefaultAdmissionConfig(), logger), ws.Handler(...))
package middleware
