// Package handle defines the transport-serializable identifier of a script
// value that is referenced from outside the process hosting its engine.
//
// A handle is a tagged variant:
//   - RefScalar: a value copied inline (dates, as Unix milliseconds)
//   - RefHost: a token minted by the engine-hosting process; only that
//     process can dereference it
//   - RefGlobal: the reserved zero handle meaning "the context's global object"
//
// Handles are plain comparable values, so == is bitwise equality.
package handle

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/asmrobot/CefNet-sub000/internal/shared/xerr"
)

// Size is the length of an encoded handle blob.
const Size = 24

// Tag is the first byte of every handle blob.
const Tag byte = 'H'

// FrameID identifies the script context a handle belongs to.
type FrameID int64

// Kind is the data kind of the referenced value.
type Kind uint8

const (
	KindOther Kind = iota
	KindObject
	KindFunction
	KindDate
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case KindOther:
		return "other"
	case KindObject:
		return "object"
	case KindFunction:
		return "function"
	case KindDate:
		return "date"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Ref tells how the payload of a handle is interpreted.
type Ref uint8

const (
	RefScalar Ref = iota
	RefHost
	RefGlobal
)

// Token is a process-local reference into the registry arena.
type Token struct {
	Index      uint32
	Generation uint32
}

// IsZero reports whether the token is the reserved zero token.
func (t Token) IsZero() bool {
	return t.Index == 0 && t.Generation == 0
}

func (t Token) pack() uint64 {
	return uint64(t.Index)<<32 | uint64(t.Generation)
}

func unpackToken(v uint64) Token {
	return Token{Index: uint32(v >> 32), Generation: uint32(v)}
}

// Handle identifies a script value across processes.
type Handle struct {
	frame   FrameID
	kind    Kind
	ref     Ref
	payload uint64
}

// NewDate returns a scalar handle carrying t at millisecond precision.
func NewDate(frame FrameID, t time.Time) Handle {
	return Handle{frame: frame, kind: KindDate, ref: RefScalar, payload: uint64(t.UnixMilli())}
}

// NewHostRef returns a handle carrying a token minted by the hosting process.
func NewHostRef(frame FrameID, kind Kind, token Token) Handle {
	return Handle{frame: frame, kind: kind, ref: RefHost, payload: token.pack()}
}

// Global returns the reserved handle for the global object of frame.
func Global(frame FrameID) Handle {
	return Handle{frame: frame, kind: KindObject, ref: RefGlobal}
}

// Frame returns the owning context id.
func (h Handle) Frame() FrameID { return h.frame }

// Kind returns the data kind.
func (h Handle) Kind() Kind { return h.kind }

// Ref returns the variant of the handle.
func (h Handle) Ref() Ref { return h.ref }

// IsGlobal reports whether h is the global sentinel.
func (h Handle) IsGlobal() bool { return h.ref == RefGlobal }

// IsZero reports whether h is the zero value.
func (h Handle) IsZero() bool { return h == Handle{} }

// Token returns the host token, if h is a host reference.
func (h Handle) Token() (Token, bool) {
	if h.ref != RefHost {
		return Token{}, false
	}
	return unpackToken(h.payload), true
}

// Time returns the inline date, if h is a date scalar.
func (h Handle) Time() (time.Time, bool) {
	if h.ref != RefScalar || h.kind != KindDate {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(h.payload)), true
}

// Equal reports bitwise equality.
func (h Handle) Equal(other Handle) bool {
	return h == other
}

func (h Handle) String() string {
	switch h.ref {
	case RefGlobal:
		return fmt.Sprintf("handle(frame=%d global)", h.frame)
	case RefHost:
		t := unpackToken(h.payload)
		return fmt.Sprintf("handle(frame=%d %s #%d.%d)", h.frame, h.kind, t.Index, t.Generation)
	default:
		return fmt.Sprintf("handle(frame=%d %s %d)", h.frame, h.kind, int64(h.payload))
	}
}

// MarshalBinary encodes h into its fixed-size blob.
func (h Handle) MarshalBinary() ([]byte, error) {
	return h.AppendBinary(make([]byte, 0, Size))
}

// AppendBinary appends the blob of h to b.
func (h Handle) AppendBinary(b []byte) ([]byte, error) {
	var buf [Size]byte
	buf[0] = Tag
	buf[1] = byte(h.kind)
	buf[2] = byte(h.ref)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.frame))
	binary.LittleEndian.PutUint64(buf[16:24], h.payload)
	return append(b, buf[:]...), nil
}

// UnmarshalBinary decodes a blob produced by MarshalBinary.
func (h *Handle) UnmarshalBinary(data []byte) error {
	decoded, err := Decode(data)
	if err != nil {
		return err
	}
	*h = decoded
	return nil
}

// Decode parses a handle blob.
func Decode(data []byte) (Handle, error) {
	if len(data) != Size || data[0] != Tag {
		return Handle{}, fmt.Errorf("%w: malformed handle blob (%d bytes)", xerr.ErrInvalidCast, len(data))
	}
	for _, b := range data[3:8] {
		if b != 0 {
			return Handle{}, fmt.Errorf("%w: malformed handle blob", xerr.ErrInvalidCast)
		}
	}

	h := Handle{
		kind:    Kind(data[1]),
		ref:     Ref(data[2]),
		frame:   FrameID(binary.LittleEndian.Uint64(data[8:16])),
		payload: binary.LittleEndian.Uint64(data[16:24]),
	}
	if h.kind > KindDate || h.ref > RefGlobal {
		return Handle{}, fmt.Errorf("%w: unknown handle kind %d/%d", xerr.ErrInvalidCast, data[1], data[2])
	}
	switch h.ref {
	case RefScalar:
		if h.kind != KindDate {
			return Handle{}, fmt.Errorf("%w: scalar handle of kind %s", xerr.ErrInvalidCast, h.kind)
		}
	case RefGlobal:
		if h.payload != 0 {
			return Handle{}, fmt.Errorf("%w: global handle with payload", xerr.ErrInvalidCast)
		}
	}
	return h, nil
}

// IsBlob reports whether data looks like a handle blob.
func IsBlob(data []byte) bool {
	return len(data) == Size && data[0] == Tag
}
