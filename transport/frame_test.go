package transport

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer

	payloads := [][]byte{
		{},
		[]byte("hello"),
		bytes.Repeat([]byte{0xAB}, 100_000),
	}
	for _, p := range payloads {
		require.NoError(t, WriteFrame(&buf, p))
	}
	for _, p := range payloads {
		got, err := ReadFrame(&buf)
		require.NoError(t, err)
		require.Equal(t, p, got)
	}

	_, err := ReadFrame(&buf)
	require.ErrorIs(t, err, io.EOF)
}

func TestFrame_RejectsOversize(t *testing.T) {
	var buf bytes.Buffer

	// Header advertising a payload beyond the cap.
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	_, err := ReadFrame(&buf)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestFrame_TruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("full frame")))

	trunc := buf.Bytes()[:buf.Len()-3]
	_, err := ReadFrame(bytes.NewReader(trunc))
	require.Error(t, err)
}
