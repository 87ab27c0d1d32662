package segment

import (
	"testing"

	"github.com/patrickcortez/cortezmesh/pkg/ctzerr"
	"github.com/stretchr/testify/require"
)

func TestFileBackendCreateConnectClose(t *testing.T) {
	b, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)

	fd, err := b.Create("chan-a", 4096)
	require.NoError(t, err)
	require.NotEqual(t, -1, fd)

	_, err = b.Create("chan-a", 4096)
	require.True(t, ctzerr.Is(err, ctzerr.EChanExists))

	fd2, err := b.Connect("chan-a")
	require.NoError(t, err)
	require.NotEqual(t, fd, fd2, "Connect must hand back an independent descriptor")

	mem, err := b.Mmap(fd, 4096)
	require.NoError(t, err)
	require.Len(t, mem, 4096)
	require.NoError(t, b.Munmap(mem))

	require.NoError(t, b.Close(fd))
	require.NoError(t, b.Close(fd2))

	_, err = b.Connect("does-not-exist")
	require.True(t, ctzerr.Is(err, ctzerr.EChanNotFound))
}

func TestRoundUp(t *testing.T) {
	_, err := RoundUp(0)
	require.True(t, ctzerr.Is(err, ctzerr.EInvalidArg))

	_, err = RoundUp(MaxSegmentSize + 1)
	require.True(t, ctzerr.Is(err, ctzerr.EInvalidArg))

	size, err := RoundUp(1)
	require.NoError(t, err)
	require.EqualValues(t, pageRound(1), size)
}

func TestValidateName(t *testing.T) {
	require.Error(t, validateName(""))
	require.NoError(t, validateName("a"))

	long := make([]byte, NameMax+1)
	for i := range long {
		long[i] = 'x'
	}
	require.Error(t, validateName(string(long)))
}

func TestNewDeviceBackendDefaultPath(t *testing.T) {
	d := NewDeviceBackend("")
	require.Equal(t, DefaultDevicePath, d.path)
}
