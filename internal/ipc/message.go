package ipc

import (
	"errors"
	"fmt"
	"math"

	"github.com/bytedance/sonic"
)

// Kind is the type tag of a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindInt
	KindDouble
	KindBool
	KindString
	KindBinary
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInt:
		return "int"
	case KindDouble:
		return "double"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindBinary:
		return "binary"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is one message argument.
type Value struct {
	Kind   Kind
	Int    int64
	Double float64
	Bool   bool
	String string
	Binary []byte
}

// Null returns a null value.
func Null() Value { return Value{Kind: KindNull} }

// Int returns an int value.
func Int(v int64) Value { return Value{Kind: KindInt, Int: v} }

// Double returns a double value.
func Double(v float64) Value { return Value{Kind: KindDouble, Double: v} }

// Bool returns a bool value.
func Bool(v bool) Value { return Value{Kind: KindBool, Bool: v} }

// String returns a string value.
func String(v string) Value { return Value{Kind: KindString, String: v} }

// Binary returns a binary value.
func Binary(v []byte) Value { return Value{Kind: KindBinary, Binary: v} }

// Message is a named message with an ordered argument list.
type Message struct {
	Name string  `json:"n"`
	Args []Value `json:"a"`
}

// ErrEncode marks a message that could not be encoded for the wire.
var ErrEncode = errors.New("message cannot be encoded")

// encodedValue is the wire form of a Value. Doubles travel as their IEEE
// 754 bits so NaN, the infinities and negative zero survive.
type encodedValue struct {
	Kind   Kind   `json:"k"`
	Int    int64  `json:"i,omitempty"`
	Bits   uint64 `json:"d,omitempty"`
	Bool   bool   `json:"b,omitempty"`
	String string `json:"s,omitempty"`
	Binary []byte `json:"x,omitempty"`
}

type encodedMessage struct {
	Name string         `json:"n"`
	Args []encodedValue `json:"a"`
}

// Marshal encodes a message for a byte-oriented transport.
func Marshal(msg *Message) ([]byte, error) {
	enc := encodedMessage{Name: msg.Name, Args: make([]encodedValue, len(msg.Args))}
	for i, v := range msg.Args {
		enc.Args[i] = encodedValue{
			Kind:   v.Kind,
			Int:    v.Int,
			Bits:   math.Float64bits(v.Double),
			Bool:   v.Bool,
			String: v.String,
			Binary: v.Binary,
		}
	}

	data, err := sonic.Marshal(&enc)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrEncode, msg.Name, err)
	}
	return data, nil
}

// Unmarshal decodes a message produced by Marshal.
func Unmarshal(data []byte) (*Message, error) {
	var enc encodedMessage
	if err := sonic.Unmarshal(data, &enc); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	if enc.Name == "" {
		return nil, fmt.Errorf("failed to decode message: missing name")
	}

	msg := &Message{Name: enc.Name, Args: make([]Value, len(enc.Args))}
	for i, v := range enc.Args {
		if v.Kind > KindBinary {
			return nil, fmt.Errorf("failed to decode message %q: argument %d has %s", enc.Name, i, v.Kind)
		}
		msg.Args[i] = Value{
			Kind:   v.Kind,
			Int:    v.Int,
			Double: math.Float64frombits(v.Bits),
			Bool:   v.Bool,
			String: v.String,
			Binary: v.Binary,
		}
	}
	return msg, nil
}
