package wire

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asmrobot/CefNet-sub000/internal/handle"
	"github.com/asmrobot/CefNet-sub000/internal/ipc"
	"github.com/asmrobot/CefNet-sub000/internal/shared/xerr"
)

const frame handle.FrameID = 7

func TestEncodeScalars(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want any
	}{
		{"null", nil, nil},
		{"undefined", Undefined, Undefined},
		{"string", "hi", "hi"},
		{"empty string", "", ""},
		{"bool", true, true},
		{"int", 42, int64(42)},
		{"int8", int8(-3), int64(-3)},
		{"uint32", uint32(9), int64(9)},
		{"uint64", uint64(math.MaxInt64), int64(math.MaxInt64)},
		{"float32", float32(1.5), 1.5},
		{"float64", 2.25, 2.25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := Encode(frame, tt.in)
			require.NoError(t, err)

			got, err := Decode(v)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUndefinedIsNotNull(t *testing.T) {
	v, err := Encode(frame, Undefined)
	require.NoError(t, err)
	assert.Equal(t, ipc.KindBinary, v.Kind)
	assert.Equal(t, []byte{0xFF}, v.Binary)

	n, err := Encode(frame, nil)
	require.NoError(t, err)
	assert.Equal(t, ipc.KindNull, n.Kind)

	assert.True(t, IsUndefined(Undefined))
	assert.False(t, IsUndefined(nil))
}

func TestEncodeDateByValue(t *testing.T) {
	when := time.Date(2024, 3, 1, 12, 30, 0, 123_000_000, time.UTC)

	v, err := Encode(frame, when)
	require.NoError(t, err)
	require.True(t, handle.IsBlob(v.Binary))

	h, err := handle.Decode(v.Binary)
	require.NoError(t, err)
	assert.Equal(t, handle.KindDate, h.Kind())
	assert.Equal(t, frame, h.Frame())

	got, err := Decode(v)
	require.NoError(t, err)
	assert.True(t, when.Equal(got.(time.Time)))
}

func TestEncodeHandle(t *testing.T) {
	h := handle.NewHostRef(frame, handle.KindFunction, handle.Token{Index: 3, Generation: 2})

	v, err := Encode(frame, h)
	require.NoError(t, err)

	got, err := Decode(v)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestEncodeUnsupported(t *testing.T) {
	tests := []any{
		struct{}{},
		map[string]int{},
		[]int{1},
		uint64(math.MaxUint64),
		func() {},
	}

	for _, in := range tests {
		t.Run(fmt.Sprintf("%T", in), func(t *testing.T) {
			_, err := Encode(frame, in)
			assert.ErrorIs(t, err, xerr.ErrUnsupportedValue)
		})
	}
}

func TestDecodeUnknownBlob(t *testing.T) {
	_, err := Decode(ipc.Binary([]byte{1, 2, 3}))
	assert.ErrorIs(t, err, xerr.ErrInvalidCast)

	_, err = Decode(ipc.Value{Kind: ipc.Kind(99)})
	assert.ErrorIs(t, err, xerr.ErrInvalidCast)
}

func TestException(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		target  error
		message string
	}{
		{"dead object", fmt.Errorf("resolve: %w", xerr.ErrDeadObject), xerr.ErrDeadObject, "resolve: object is dead"},
		{"missing method", xerr.ErrMissingMethod, xerr.ErrMissingMethod, "no such method"},
		{"script", &xerr.ScriptError{Message: "TypeError: boom"}, nil, "TypeError: boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := EncodeException(tt.err)
			require.True(t, IsException(v))

			got := ExceptionOf(v)
			require.Error(t, got)
			if tt.target != nil {
				assert.ErrorIs(t, got, tt.target)
			} else {
				var se *xerr.ScriptError
				require.True(t, errors.As(got, &se))
			}
			assert.Equal(t, tt.message, xerr.MessageOf(got))
		})
	}

	assert.Nil(t, ExceptionOf(ipc.Int(1)))
}

func TestRequestRoundTrip(t *testing.T) {
	receiver := handle.NewHostRef(frame, handle.KindObject, handle.Token{Index: 1, Generation: 1})

	msg, err := NewRequest(11, OpInvokeMember, receiver, "add", 1, 2.5, Undefined)
	require.NoError(t, err)
	assert.Equal(t, MessageRequest, msg.Name)
	assert.False(t, IsReply(msg))

	req, err := ParseRequest(msg)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), req.ID)
	assert.Equal(t, OpInvokeMember, req.Op)
	assert.Equal(t, receiver, req.Receiver)
	assert.Equal(t, []any{"add", int64(1), 2.5, Undefined}, req.Args)
}

func TestNewRequestRejectsUnsupportedArg(t *testing.T) {
	_, err := NewRequest(1, OpSet, handle.Global(frame), "k", []string{"x"})
	assert.ErrorIs(t, err, xerr.ErrUnsupportedValue)
}

func TestParseRequestMalformed(t *testing.T) {
	blob, _ := handle.Global(frame).MarshalBinary()
	tests := []struct {
		name string
		msg  *ipc.Message
	}{
		{"wrong name", &ipc.Message{Name: "other", Args: []ipc.Value{ipc.Int(1), ipc.Int(1), ipc.Binary(blob)}}},
		{"short", &ipc.Message{Name: MessageRequest, Args: []ipc.Value{ipc.Int(1)}}},
		{"bad header", &ipc.Message{Name: MessageRequest, Args: []ipc.Value{ipc.String("1"), ipc.Int(1), ipc.Binary(blob)}}},
		{"unknown op", &ipc.Message{Name: MessageRequest, Args: []ipc.Value{ipc.Int(1), ipc.Int(99), ipc.Binary(blob)}}},
		{"bad receiver", &ipc.Message{Name: MessageRequest, Args: []ipc.Value{ipc.Int(1), ipc.Int(1), ipc.Binary([]byte{'H'})}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRequest(tt.msg)
			assert.ErrorIs(t, err, xerr.ErrInvalidCast)
		})
	}
}

func TestParseRequestKeepsIDOnBadArgs(t *testing.T) {
	blob, _ := handle.Global(frame).MarshalBinary()
	msg := &ipc.Message{Name: MessageRequest, Args: []ipc.Value{
		ipc.Int(5), ipc.Int(int64(OpGet)), ipc.Binary(blob), ipc.Binary([]byte{9}),
	}}

	req, err := ParseRequest(msg)
	require.Error(t, err)
	require.NotNil(t, req)
	assert.Equal(t, uint64(5), req.ID)
}

func TestReplyRoundTrip(t *testing.T) {
	ok := NewReply(3, frame, int64(42), nil)
	require.True(t, IsReply(ok))

	reply, err := ParseReply(ok)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), reply.ID)
	assert.Equal(t, int64(42), reply.Value)
	assert.NoError(t, reply.Err)

	failed := NewReply(4, frame, nil, xerr.ErrMissingMethod)
	reply, err = ParseReply(failed)
	require.NoError(t, err)
	assert.ErrorIs(t, reply.Err, xerr.ErrMissingMethod)

	// An unencodable result turns into an exception instead of a lost reply.
	bad := NewReply(5, frame, struct{}{}, nil)
	reply, err = ParseReply(bad)
	require.NoError(t, err)
	assert.ErrorIs(t, reply.Err, xerr.ErrUnsupportedValue)
}

func TestRelease(t *testing.T) {
	h := handle.NewHostRef(frame, handle.KindObject, handle.Token{Index: 8, Generation: 4})

	msg, err := NewRelease(h)
	require.NoError(t, err)
	assert.Equal(t, MessageRelease, msg.Name)

	got, err := ParseRelease(msg)
	require.NoError(t, err)
	assert.Equal(t, h, got)

	_, err = ParseRelease(&ipc.Message{Name: MessageRelease})
	assert.ErrorIs(t, err, xerr.ErrInvalidCast)
}

func TestOpString(t *testing.T) {
	assert.Equal(t, "invoke_member", OpInvokeMember.String())
	assert.Equal(t, "op(0)", Op(0).String())
}

func TestNormalize(t *testing.T) {
	got, err := Normalize(frame, uint8(3))
	require.NoError(t, err)
	assert.Equal(t, int64(3), got)

	when := time.UnixMilli(1_700_000_000_123)
	got, err = Normalize(frame, when)
	require.NoError(t, err)
	assert.True(t, when.Equal(got.(time.Time)))

	_, err = Normalize(frame, struct{}{})
	assert.ErrorIs(t, err, xerr.ErrUnsupportedValue)
}
