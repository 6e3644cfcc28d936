package ipc

import (
	"context"
	"errors"
	"sync"

	"github.com/asmrobot/CefNet-sub000/internal/shared/id"
)

// ErrLinkClosed is returned when sending on a closed link.
var ErrLinkClosed = errors.New("link is closed")

const pipeBuffer = 256

// pipeEnd is one side of an in-memory duplex.
type pipeEnd struct {
	id    string
	out   chan *Message
	local *Router
	peer  *pipeEnd

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// Pipe connects two routers in memory. Messages sent on the first link
// are delivered to b; messages sent on the second are delivered to a.
// Delivery is asynchronous and preserves send order.
func Pipe(a, b *Router) (Link, Link) {
	ea := newPipeEnd(a)
	eb := newPipeEnd(b)
	ea.peer, eb.peer = eb, ea

	go ea.pump()
	go eb.pump()
	return ea, eb
}

func newPipeEnd(local *Router) *pipeEnd {
	return &pipeEnd{
		id:     id.NewLinkID().String(),
		out:    make(chan *Message, pipeBuffer),
		local:  local,
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (e *pipeEnd) ID() string { return e.id }

// Send queues msg for delivery to the peer router. The peer receives the
// message as decoded from its wire encoding.
func (e *pipeEnd) Send(ctx context.Context, msg *Message) error {
	select {
	case <-e.closed:
		return ErrLinkClosed
	case <-e.peer.closed:
		return ErrLinkClosed
	default:
	}

	data, err := Marshal(msg)
	if err != nil {
		return err
	}
	copied, err := Unmarshal(data)
	if err != nil {
		return err
	}

	select {
	case e.out <- copied:
		e.local.Sent(msg)
		return nil
	case <-e.closed:
		return ErrLinkClosed
	case <-e.peer.closed:
		return ErrLinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pump delivers what this end sent to the peer router, as seen from the
// peer's side of the pipe.
func (e *pipeEnd) pump() {
	defer close(e.done)
	for {
		select {
		case msg := <-e.out:
			e.peer.local.Deliver(e.peer, msg)
		case <-e.closed:
			e.peer.local.LinkClosed(e.peer)
			return
		case <-e.peer.closed:
			return
		}
	}
}

// Close closes both directions of the pipe.
func (e *pipeEnd) Close() error {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.local.LinkClosed(e)
	})
	<-e.done
	return nil
}
