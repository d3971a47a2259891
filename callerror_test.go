package goroutine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCallTaggedError(t *testing.T) {
	base := errors.New("boom")
	err := newCallTaggedError(base, 17, 3)

	require.EqualError(t, err, "boom")
	require.ErrorIs(t, err, base)

	uid, ok := ExtractCallUID(err)
	require.True(t, ok)
	require.Equal(t, uint64(17), uid)

	id, ok := ExtractCallWorkerID(err)
	require.True(t, ok)
	require.Equal(t, 3, id)

	require.Contains(t, fmt.Sprintf("%+v", err), "uid=17")
}

func TestCallTaggedError_NilAndWrapped(t *testing.T) {
	require.Nil(t, newCallTaggedError(nil, 1, 1))

	// Extraction works through further wrapping.
	err := fmt.Errorf("outer: %w", newCallTaggedError(errors.New("inner"), 9, 2))
	uid, ok := ExtractCallUID(err)
	require.True(t, ok)
	require.Equal(t, uint64(9), uid)
}

func TestExtractors_NoMetadata(t *testing.T) {
	_, ok := ExtractCallUID(errors.New("plain"))
	require.False(t, ok)
	_, ok = ExtractCallWorkerID(nil)
	require.False(t, ok)
}
