package wire

import (
	"fmt"

	"github.com/asmrobot/CefNet-sub000/internal/handle"
	"github.com/asmrobot/CefNet-sub000/internal/ipc"
	"github.com/asmrobot/CefNet-sub000/internal/shared/xerr"
)

const (
	// MessageRequest carries both requests and their replies.
	MessageRequest = "xray.request"
	// MessageRelease tells the hosting process to drop one handle.
	MessageRelease = "xray.release"
)

// Op identifies a provider operation.
type Op int64

const (
	OpGetGlobal Op = iota + 1
	OpGet
	OpSet
	OpInvoke
	OpInvokeMember
	OpRelease
)

// String returns the string representation of the op
func (o Op) String() string {
	switch o {
	case OpGetGlobal:
		return "get_global"
	case OpGet:
		return "get"
	case OpSet:
		return "set"
	case OpInvoke:
		return "invoke"
	case OpInvokeMember:
		return "invoke_member"
	case OpRelease:
		return "release"
	default:
		return fmt.Sprintf("op(%d)", int64(o))
	}
}

// Request is a decoded request message.
type Request struct {
	ID       uint64
	Op       Op
	Receiver handle.Handle
	Args     []any
}

// Reply is a decoded reply message. Err is set when the reply carried an
// exception.
type Reply struct {
	ID    uint64
	Value any
	Err   error
}

// NewRequest builds a request message. Dates among args are owned by the
// receiver's frame.
func NewRequest(id uint64, op Op, receiver handle.Handle, args ...any) (*ipc.Message, error) {
	blob, err := receiver.MarshalBinary()
	if err != nil {
		return nil, err
	}

	values := make([]ipc.Value, 0, 3+len(args))
	values = append(values, ipc.Int(int64(id)), ipc.Int(int64(op)), ipc.Binary(blob))
	for i, arg := range args {
		v, err := Encode(receiver.Frame(), arg)
		if err != nil {
			return nil, fmt.Errorf("%s argument %d: %w", op, i, err)
		}
		values = append(values, v)
	}
	return &ipc.Message{Name: MessageRequest, Args: values}, nil
}

// ParseRequest decodes a request message.
func ParseRequest(msg *ipc.Message) (*Request, error) {
	if msg.Name != MessageRequest || len(msg.Args) < 3 {
		return nil, fmt.Errorf("%w: not a request", xerr.ErrInvalidCast)
	}
	if msg.Args[0].Kind != ipc.KindInt || msg.Args[1].Kind != ipc.KindInt || msg.Args[2].Kind != ipc.KindBinary {
		return nil, fmt.Errorf("%w: malformed request header", xerr.ErrInvalidCast)
	}

	req := &Request{
		ID: uint64(msg.Args[0].Int),
		Op: Op(msg.Args[1].Int),
	}
	if req.Op < OpGetGlobal || req.Op > OpRelease {
		return req, fmt.Errorf("%w: unknown op %d", xerr.ErrInvalidCast, msg.Args[1].Int)
	}
	receiver, err := handle.Decode(msg.Args[2].Binary)
	if err != nil {
		return req, fmt.Errorf("request receiver: %w", err)
	}
	req.Receiver = receiver

	req.Args = make([]any, 0, len(msg.Args)-3)
	for i, v := range msg.Args[3:] {
		arg, err := Decode(v)
		if err != nil {
			return req, fmt.Errorf("%s argument %d: %w", req.Op, i, err)
		}
		req.Args = append(req.Args, arg)
	}
	return req, nil
}

// IsReply reports whether msg has the shape of a reply.
func IsReply(msg *ipc.Message) bool {
	return msg.Name == MessageRequest && len(msg.Args) == 2 && msg.Args[0].Kind == ipc.KindInt
}

// NewReply builds a reply carrying either result or err.
func NewReply(id uint64, frame handle.FrameID, result any, err error) *ipc.Message {
	var v ipc.Value
	if err == nil {
		v, err = Encode(frame, result)
	}
	if err != nil {
		v = EncodeException(err)
	}
	return &ipc.Message{Name: MessageRequest, Args: []ipc.Value{ipc.Int(int64(id)), v}}
}

// ParseReply decodes a reply message. A reply whose value cannot be
// decoded is returned with Err set, so the waiter still completes.
func ParseReply(msg *ipc.Message) (*Reply, error) {
	if !IsReply(msg) {
		return nil, fmt.Errorf("%w: not a reply", xerr.ErrInvalidCast)
	}

	reply := &Reply{ID: uint64(msg.Args[0].Int)}
	if err := ExceptionOf(msg.Args[1]); err != nil {
		reply.Err = err
		return reply, nil
	}
	reply.Value, reply.Err = Decode(msg.Args[1])
	return reply, nil
}

// NewRelease builds a release message for h.
func NewRelease(h handle.Handle) (*ipc.Message, error) {
	blob, err := h.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &ipc.Message{Name: MessageRelease, Args: []ipc.Value{ipc.Binary(blob)}}, nil
}

// ParseRelease decodes a release message.
func ParseRelease(msg *ipc.Message) (handle.Handle, error) {
	if msg.Name != MessageRelease || len(msg.Args) != 1 || msg.Args[0].Kind != ipc.KindBinary {
		return handle.Handle{}, fmt.Errorf("%w: not a release", xerr.ErrInvalidCast)
	}
	return handle.Decode(msg.Args[0].Binary)
}
