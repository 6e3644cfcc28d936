package handle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asmrobot/CefNet-sub000/internal/shared/xerr"
)

func TestHandleRoundTrip(t *testing.T) {
	date := time.Date(2024, 3, 14, 15, 9, 26, 535000000, time.UTC)

	tests := []struct {
		name   string
		handle Handle
	}{
		{"date", NewDate(7, date)},
		{"object", NewHostRef(7, KindObject, Token{Index: 3, Generation: 9})},
		{"function", NewHostRef(-1, KindFunction, Token{Index: 1, Generation: 1})},
		{"other", NewHostRef(42, KindOther, Token{Index: 0xFFFFFFFF, Generation: 0xFFFFFFFF})},
		{"global", Global(12)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blob, err := tt.handle.MarshalBinary()
			require.NoError(t, err)
			assert.Len(t, blob, Size)
			assert.True(t, IsBlob(blob))

			var decoded Handle
			require.NoError(t, decoded.UnmarshalBinary(blob))
			assert.Equal(t, tt.handle, decoded)
			assert.True(t, tt.handle.Equal(decoded))
		})
	}
}

func TestDateHandle(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	h := NewDate(1, now)

	got, ok := h.Time()
	require.True(t, ok)
	assert.True(t, now.Equal(got))

	_, ok = h.Token()
	assert.False(t, ok)
	assert.Equal(t, KindDate, h.Kind())
	assert.Equal(t, RefScalar, h.Ref())
}

func TestHostRefToken(t *testing.T) {
	tok := Token{Index: 5, Generation: 2}
	h := NewHostRef(3, KindFunction, tok)

	got, ok := h.Token()
	require.True(t, ok)
	assert.Equal(t, tok, got)

	_, ok = h.Time()
	assert.False(t, ok)
	assert.False(t, h.IsGlobal())
}

func TestGlobalHandle(t *testing.T) {
	h := Global(9)

	assert.True(t, h.IsGlobal())
	assert.Equal(t, FrameID(9), h.Frame())
	assert.Equal(t, KindObject, h.Kind())
	_, ok := h.Token()
	assert.False(t, ok)
	assert.NotEqual(t, Global(10), h)
}

func TestEqualityIsBitwise(t *testing.T) {
	a := NewHostRef(1, KindObject, Token{Index: 1, Generation: 1})
	b := NewHostRef(1, KindObject, Token{Index: 1, Generation: 1})
	c := NewHostRef(1, KindObject, Token{Index: 1, Generation: 2})
	d := NewHostRef(2, KindObject, Token{Index: 1, Generation: 1})

	assert.True(t, a == b)
	assert.False(t, a == c)
	assert.False(t, a == d)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	valid, err := NewHostRef(1, KindObject, Token{Index: 1, Generation: 1}).MarshalBinary()
	require.NoError(t, err)

	badTag := append([]byte(nil), valid...)
	badTag[0] = 'X'

	badKind := append([]byte(nil), valid...)
	badKind[1] = 99

	badReserved := append([]byte(nil), valid...)
	badReserved[5] = 1

	scalarObject := append([]byte(nil), valid...)
	scalarObject[2] = byte(RefScalar)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short", valid[:10]},
		{"bad tag", badTag},
		{"bad kind", badKind},
		{"reserved bytes", badReserved},
		{"scalar object", scalarObject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			assert.ErrorIs(t, err, xerr.ErrInvalidCast)
		})
	}
}
