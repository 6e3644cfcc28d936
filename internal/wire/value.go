package wire

import (
	"fmt"
	"math"
	"time"

	"github.com/asmrobot/CefNet-sub000/internal/handle"
	"github.com/asmrobot/CefNet-sub000/internal/ipc"
	"github.com/asmrobot/CefNet-sub000/internal/shared/xerr"
)

const (
	tagUndefined byte = 0xFF
	tagException byte = 'E'
)

// UndefinedType is the type of Undefined.
type UndefinedType struct{}

func (UndefinedType) String() string { return "undefined" }

// Undefined is the script undefined value. It is distinct from nil, which
// stands for null.
var Undefined = UndefinedType{}

// IsUndefined reports whether v is Undefined.
func IsUndefined(v any) bool {
	_, ok := v.(UndefinedType)
	return ok
}

// Encode converts v to a message argument. Dates are encoded as date
// handles owned by frame.
func Encode(frame handle.FrameID, v any) (ipc.Value, error) {
	switch v := v.(type) {
	case nil:
		return ipc.Null(), nil
	case UndefinedType:
		return ipc.Binary([]byte{tagUndefined}), nil
	case string:
		return ipc.String(v), nil
	case bool:
		return ipc.Bool(v), nil
	case int:
		return ipc.Int(int64(v)), nil
	case int8:
		return ipc.Int(int64(v)), nil
	case int16:
		return ipc.Int(int64(v)), nil
	case int32:
		return ipc.Int(int64(v)), nil
	case int64:
		return ipc.Int(v), nil
	case uint:
		return encodeUint(uint64(v))
	case uint8:
		return ipc.Int(int64(v)), nil
	case uint16:
		return ipc.Int(int64(v)), nil
	case uint32:
		return ipc.Int(int64(v)), nil
	case uint64:
		return encodeUint(v)
	case float32:
		return ipc.Double(float64(v)), nil
	case float64:
		return ipc.Double(v), nil
	case time.Time:
		return encodeHandle(handle.NewDate(frame, v))
	case handle.Handle:
		return encodeHandle(v)
	default:
		return ipc.Value{}, fmt.Errorf("%w: %T", xerr.ErrUnsupportedValue, v)
	}
}

func encodeUint(v uint64) (ipc.Value, error) {
	if v > math.MaxInt64 {
		return ipc.Value{}, fmt.Errorf("%w: %d overflows int64", xerr.ErrUnsupportedValue, v)
	}
	return ipc.Int(int64(v)), nil
}

func encodeHandle(h handle.Handle) (ipc.Value, error) {
	blob, err := h.MarshalBinary()
	if err != nil {
		return ipc.Value{}, err
	}
	return ipc.Binary(blob), nil
}

// Decode converts a message argument back to a bridge value: nil,
// Undefined, string, int64, float64, bool, time.Time or handle.Handle.
func Decode(v ipc.Value) (any, error) {
	switch v.Kind {
	case ipc.KindNull:
		return nil, nil
	case ipc.KindInt:
		return v.Int, nil
	case ipc.KindDouble:
		return v.Double, nil
	case ipc.KindBool:
		return v.Bool, nil
	case ipc.KindString:
		return v.String, nil
	case ipc.KindBinary:
		return decodeBlob(v.Binary)
	default:
		return nil, fmt.Errorf("%w: value kind %s", xerr.ErrInvalidCast, v.Kind)
	}
}

func decodeBlob(b []byte) (any, error) {
	switch {
	case len(b) == 1 && b[0] == tagUndefined:
		return Undefined, nil
	case handle.IsBlob(b):
		h, err := handle.Decode(b)
		if err != nil {
			return nil, err
		}
		if t, ok := h.Time(); ok {
			return t, nil
		}
		return h, nil
	default:
		return nil, fmt.Errorf("%w: unknown blob (%d bytes)", xerr.ErrInvalidCast, len(b))
	}
}

// EncodeException converts err to an exception blob.
func EncodeException(err error) ipc.Value {
	msg := xerr.MessageOf(err)
	b := make([]byte, 0, 2+len(msg))
	b = append(b, tagException, byte(xerr.CodeOf(err)))
	b = append(b, msg...)
	return ipc.Binary(b)
}

// IsException reports whether v carries an exception blob.
func IsException(v ipc.Value) bool {
	return v.Kind == ipc.KindBinary && len(v.Binary) >= 2 && v.Binary[0] == tagException
}

// ExceptionOf rebuilds the error carried by an exception blob, or returns
// nil when v is not one.
func ExceptionOf(v ipc.Value) error {
	if !IsException(v) {
		return nil
	}
	return xerr.FromCode(xerr.Code(v.Binary[1]), string(v.Binary[2:]))
}

// Normalize passes v through Encode and Decode, so that a value handed to
// an in-process provider has exactly the form it would have after crossing
// the wire.
func Normalize(frame handle.FrameID, v any) (any, error) {
	encoded, err := Encode(frame, v)
	if err != nil {
		return nil, err
	}
	return Decode(encoded)
}
