package envelope

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQRRoundTrip(t *testing.T) {
	s := newTestSealer(t)
	blob, err := s.Seal(testPayload(), "pw1")
	require.NoError(t, err)

	pngData, err := EncodeQR(blob, 0)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(pngData, []byte("\x89PNG\r\n\x1a\n")), "expected PNG magic")

	decoded, err := DecodeQR(pngData)
	require.NoError(t, err)
	assert.Equal(t, blob, decoded)

	p, err := s.Open(decoded, "pw1")
	require.NoError(t, err)
	assert.Equal(t, testPayload(), p)
}

func TestEncodeQRErrors(t *testing.T) {
	_, err := EncodeQR(nil, 0)
	assert.ErrorIs(t, err, ErrQREncode)

	_, err = EncodeQR([]byte("x"), 5000)
	assert.ErrorIs(t, err, ErrInvalidSize)

	_, err = EncodeQR([]byte("x"), -1)
	assert.ErrorIs(t, err, ErrInvalidSize)

	// Far beyond the capacity of a version 40 symbol.
	_, err = EncodeQR(make([]byte, 8192), 0)
	assert.ErrorIs(t, err, ErrQREncode)
}

func TestDecodeQRErrors(t *testing.T) {
	_, err := DecodeQR(nil)
	assert.ErrorIs(t, err, ErrQRDecode)

	_, err = DecodeQR([]byte("not a png"))
	assert.ErrorIs(t, err, ErrQRDecode)
}
