package ipc

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/asmrobot/CefNet-sub000/internal/infrastructure/monitoring"
	"github.com/asmrobot/CefNet-sub000/internal/logging"
)

// Link sends messages to one peer process.
type Link interface {
	ID() string
	Send(ctx context.Context, msg *Message) error
	Close() error
}

// HandlerFunc handles a message that arrived over from.
type HandlerFunc func(from Link, msg *Message)

// Router delivers incoming messages to the handler registered for their
// name.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	closed   map[string]func(Link)

	logger  *zap.Logger
	metrics *monitoring.Metrics
}

// NewRouter creates a router with no handlers.
func NewRouter(logger *zap.Logger, metrics *monitoring.Metrics) *Router {
	return &Router{
		handlers: make(map[string]HandlerFunc),
		closed:   make(map[string]func(Link)),
		logger:   logging.OrNop(logger).Named("ipc"),
		metrics:  metrics,
	}
}

// Handle registers h for messages named name, replacing any previous
// handler.
func (r *Router) Handle(name string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[name] = h
}

// OnClose registers fn to run when a link delivering to this router goes
// away. key identifies the subscriber so it can be replaced.
func (r *Router) OnClose(key string, fn func(Link)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed[key] = fn
}

// Deliver dispatches msg to its handler. Messages without a handler are
// dropped.
func (r *Router) Deliver(from Link, msg *Message) {
	r.mu.RLock()
	h, ok := r.handlers[msg.Name]
	r.mu.RUnlock()

	r.metrics.IncMessage("in", msg.Name)
	if !ok {
		r.logger.Warn("Dropping message without handler",
			zap.String("name", msg.Name),
			zap.String("link", from.ID()),
		)
		return
	}
	h(from, msg)
}

// LinkClosed notifies subscribers that from will deliver no more messages.
func (r *Router) LinkClosed(from Link) {
	r.mu.RLock()
	subs := make([]func(Link), 0, len(r.closed))
	for _, fn := range r.closed {
		subs = append(subs, fn)
	}
	r.mu.RUnlock()

	for _, fn := range subs {
		fn(from)
	}
}

// Sent records an outgoing message.
func (r *Router) Sent(msg *Message) {
	r.metrics.IncMessage("out", msg.Name)
}
