// Package wire maps bridge values and calls onto ipc messages.
//
// Values are a closed set: null, Undefined, strings, integers, floats,
// booleans, dates and handles. Binary arguments carry one of three tagged
// blobs: a 24-byte handle ('H'), the one-byte undefined marker (0xFF), or
// an exception ('E', code byte, UTF-8 message). Dates travel as date
// handles and decode back to time.Time, so they are copied and never
// proxied.
//
// Requests and replies share one message name. A request is
// [id, op, receiver, args...]; a reply is [id, result-or-exception].
// Releases use their own message and expect no reply.
package wire
