/*
Package ipc is the named-message channel between the two processes of the
bridge.

A Message is a name plus an ordered list of scalar Values (null, int,
double, bool, string, binary). A Link sends messages to one peer process;
whatever arrives from the peer is delivered, in order, to the Router the
link was created with, which looks up the handler registered for the
message name.

Two links are provided: Pipe, an in-memory duplex used when both ends live
in one OS process (tests, single-process embedding), and the websocket link
in package ipc/ws for a real process pair.
*/
package ipc
