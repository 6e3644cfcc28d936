// Package rpc is the object-access provider of the bridge.
//
// A Provider reads and writes properties of script objects and invokes
// script functions through handles. Two implementations share one
// contract and return identical results for identical scripts:
//
//   - Local runs in the engine-hosting process and serves calls directly
//     on the engine's owner goroutine.
//   - Remote (from Client.Provider) runs in the other process. Each call
//     becomes a request message; the caller blocks on a correlator entry
//     until the Server in the hosting process replies or the call times
//     out.
//
// Release is fire-and-forget on both paths and never reports an error. A
// remote release is sent in order with the caller's other requests, so a
// handle used after Release fails with xerr.ErrDeadObject.
package rpc
