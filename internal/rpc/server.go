package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/asmrobot/CefNet-sub000/internal/dispatch"
	"github.com/asmrobot/CefNet-sub000/internal/engine"
	"github.com/asmrobot/CefNet-sub000/internal/handle"
	"github.com/asmrobot/CefNet-sub000/internal/infrastructure/config"
	"github.com/asmrobot/CefNet-sub000/internal/ipc"
	"github.com/asmrobot/CefNet-sub000/internal/logging"
	"github.com/asmrobot/CefNet-sub000/internal/shared/xerr"
	"github.com/asmrobot/CefNet-sub000/internal/wire"
)

// Server answers requests from the non-hosting process.
type Server struct {
	eng    *engine.Engine
	opts   Options
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	sends  sync.WaitGroup
}

// NewServer registers request and release handlers for eng on router.
func NewServer(eng *engine.Engine, router *ipc.Router, opts Options) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		eng:    eng,
		opts:   opts,
		logger: logging.OrNop(opts.Logger).Named("rpc.server"),
		ctx:    ctx,
		cancel: cancel,
	}

	router.Handle(wire.MessageRequest, s.onRequest)
	router.Handle(wire.MessageRelease, s.onRelease)
	return s
}

// Close interrupts running work and waits for outstanding replies.
func (s *Server) Close() {
	s.cancel()
	s.sends.Wait()
}

// onRequest runs on the link's delivery goroutine. The work is posted so
// it runs after everything the same link delivered earlier, releases
// included.
func (s *Server) onRequest(from ipc.Link, msg *ipc.Message) {
	if wire.IsReply(msg) {
		s.logger.Warn("Dropping reply sent to hosting side", zap.String("link", from.ID()))
		return
	}

	req, err := wire.ParseRequest(msg)
	if err != nil {
		if req == nil {
			s.logger.Warn("Dropping malformed request", zap.String("link", from.ID()), zap.Error(err))
			return
		}
		s.reply(from, req, nil, err)
		return
	}

	s.logger.Debug("Request",
		zap.Uint64("request_id", req.ID),
		zap.Stringer("op", req.Op),
		zap.Stringer("receiver", req.Receiver),
	)

	err = s.eng.Post(func() {
		v, err := s.execute(req)
		s.reply(from, req, v, err)
	})
	if err != nil {
		s.reply(from, req, nil, err)
	}
}

func (s *Server) execute(req *wire.Request) (v any, err error) {
	defer func() {
		if p := recover(); p != nil {
			v, err = nil, &dispatch.PanicError{Value: p}
		}
	}()

	return s.eng.ExecOwnedTimeout(s.ctx, s.opts.Timeout, req.Receiver.Frame(), func(c *engine.Context) (any, error) {
		return apply(s.eng, c, req.Op, req.Receiver, req.Args)
	})
}

// reply sends off the owner goroutine so a slow link never stalls the
// engine.
func (s *Server) reply(to ipc.Link, req *wire.Request, v any, err error) {
	msg := wire.NewReply(req.ID, req.Receiver.Frame(), v, err)

	s.sends.Add(1)
	go func() {
		defer s.sends.Done()

		ctx, cancel := context.WithTimeout(context.Background(), config.CallTimeout())
		defer cancel()
		sendErr := to.Send(ctx, msg)
		if sendErr != nil {
			// Nobody will ever release a handle the peer never saw.
			if h, ok := v.(handle.Handle); ok {
				s.eng.Registry().ReleaseHandle(h)
			}
		}
		if errors.Is(sendErr, ipc.ErrEncode) {
			// The waiter still needs an answer.
			failed := fmt.Errorf("%w: reply cannot be encoded: %v", xerr.ErrUnsupportedValue, sendErr)
			sendErr = to.Send(ctx, wire.NewReply(req.ID, req.Receiver.Frame(), nil, failed))
		}
		if sendErr != nil {
			s.logger.Warn("Reply not delivered",
				zap.Uint64("request_id", req.ID),
				zap.String("link", to.ID()),
				zap.Error(sendErr),
			)
		}
	}()
}

func (s *Server) onRelease(from ipc.Link, msg *ipc.Message) {
	h, err := wire.ParseRelease(msg)
	if err != nil {
		s.logger.Warn("Dropping malformed release", zap.String("link", from.ID()), zap.Error(err))
		return
	}

	release := func() { s.eng.Registry().ReleaseHandle(h) }
	if err := s.eng.Post(release); err != nil {
		if !errors.Is(err, dispatch.ErrClosed) {
			s.logger.Warn("Release not posted", zap.Error(err))
		}
		release()
	}
}

