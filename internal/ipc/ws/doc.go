// Package ws carries ipc messages over a websocket between the two
// processes of the bridge.
//
// The engine-hosting process mounts Handler on its gin router; the other
// process calls Dial. Either way the result is a *Conn, an ipc.Link that
// delivers every incoming frame, in order and on one goroutine, to the
// router it was created with. Frames are sonic-encoded ipc messages in
// binary websocket frames. Writes are serialized and pass through a
// circuit breaker so a dead peer fails fast.
//
// Example:
//
//	router.GET("/xray", ws.Handler(hostRouter, ws.Options{Logger: logger}))
//
//	conn, err := ws.Dial(ctx, "ws://127.0.0.1:9229/xray", clientRouter, ws.Options{})
package ws
