package ctzerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapAndIs(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(EIOCtlFailed, cause)
	require.True(t, Is(err, EIOCtlFailed))
	require.False(t, Is(err, ECorrupt))
	require.Equal(t, EIOCtlFailed, CodeOf(err))
	require.ErrorIs(t, err, cause)
}

func TestWrapNilCause(t *testing.T) {
	err := Wrap(ENoMem, nil)
	require.True(t, Is(err, ENoMem))
}

func TestTransientAndFatal(t *testing.T) {
	require.True(t, EBufferFull.Transient())
	require.True(t, ETxInProgress.Transient())
	require.True(t, ETimedOut.Transient())
	require.True(t, EEmpty.Transient())
	require.False(t, EBadMagic.Transient())

	require.True(t, EBadMagic.Fatal())
	require.True(t, ECorrupt.Fatal())
	require.False(t, EEmpty.Fatal())
}

func TestCodeOfNonCtzerr(t *testing.T) {
	require.Equal(t, EInternal, CodeOf(errors.New("plain")))
}
