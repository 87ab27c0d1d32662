package mesh

import (
	"testing"
	"time"

	"github.com/patrickcortez/cortezmesh/internal/segment"
	"github.com/patrickcortez/cortezmesh/pkg/ctzerr"
	"github.com/stretchr/testify/require"
)

func testOptions(t *testing.T, backend segment.Backend) Options {
	t.Helper()
	opts := DefaultOptions(backend)
	opts.InboxSize = 1 << 16
	opts.RegistrySize = 1 << 16
	opts.HeartbeatInterval = 150 * time.Millisecond
	opts.PeerTimeout = 400 * time.Millisecond
	opts.HousekeeperTick = 20 * time.Millisecond
	return opts
}

// TestPeerDiscoveryAndSend covers the two-node discovery + send scenario:
// B starts, A starts, A discovers B by name, A sends to B, B reads it.
func TestPeerDiscoveryAndSend(t *testing.T) {
	backend, err := segment.NewFileBackend(t.TempDir())
	require.NoError(t, err)

	b, err := Init("node-b", testOptions(t, backend))
	require.NoError(t, err)
	defer b.Shutdown()

	a, err := Init("node-a", testOptions(t, backend))
	require.NoError(t, err)
	defer a.Shutdown()

	var bPID int32
	require.Eventually(t, func() bool {
		bPID = a.FindPeerByName("node-b")
		return bPID != 0
	}, 2*time.Second, 10*time.Millisecond, "A never discovered B")
	require.Equal(t, b.Self().PID, bPID)

	require.NoError(t, a.Send(bPID, UserMsgStart, []byte("hi from a")))

	msg, err := b.Read(time.Second)
	require.NoError(t, err)
	require.Equal(t, "hi from a", string(msg.Payload))
	require.Equal(t, a.Self().PID, msg.SenderPID)
	require.NoError(t, msg.Release())
}

// TestSendToUnknownPeer checks the peer-not-found error path (spec §4.10).
func TestSendToUnknownPeer(t *testing.T) {
	backend, err := segment.NewFileBackend(t.TempDir())
	require.NoError(t, err)

	m, err := Init("solo", testOptions(t, backend))
	require.NoError(t, err)
	defer m.Shutdown()

	err = m.Send(999999, UserMsgStart, []byte("nobody"))
	require.True(t, ctzerr.Is(err, ctzerr.EPeerNotFound))
}

// TestPeerEviction confirms a peer whose heartbeats stop is aged out of
// the table once peer_timeout elapses (spec §8 peer-eviction scenario).
func TestPeerEviction(t *testing.T) {
	backend, err := segment.NewFileBackend(t.TempDir())
	require.NoError(t, err)

	b, err := Init("node-b", testOptions(t, backend))
	require.NoError(t, err)

	a, err := Init("node-a", testOptions(t, backend))
	require.NoError(t, err)
	defer a.Shutdown()

	require.Eventually(t, func() bool {
		return a.FindPeerByName("node-b") != 0
	}, 2*time.Second, 10*time.Millisecond)

	// Simulate B crashing without a clean Shutdown/GOODBYE: just stop its
	// housekeeper and leave its handles mapped, so no more heartbeats flow.
	b.hkCancel()
	b.hkGroup.Wait()

	require.Eventually(t, func() bool {
		return a.FindPeerByName("node-b") == 0
	}, 2*time.Second, 10*time.Millisecond, "stale peer was never evicted")
}

// TestZeroCopySend exercises the mesh-level zero-copy send path.
func TestZeroCopySend(t *testing.T) {
	backend, err := segment.NewFileBackend(t.TempDir())
	require.NoError(t, err)

	b, err := Init("node-b", testOptions(t, backend))
	require.NoError(t, err)
	defer b.Shutdown()

	a, err := Init("node-a", testOptions(t, backend))
	require.NoError(t, err)
	defer a.Shutdown()

	var bPID int32
	require.Eventually(t, func() bool {
		bPID = a.FindPeerByName("node-b")
		return bPID != 0
	}, 2*time.Second, 10*time.Millisecond)

	payload := []byte("zero-copy-hello")
	h, err := a.BeginSendZC(bPID, len(payload))
	require.NoError(t, err)
	first, second := h.Slices()
	n := copy(first, payload)
	if n < len(payload) {
		copy(second, payload[n:])
	}
	require.NoError(t, a.CommitSendZC(h, UserMsgStart))

	msg, err := b.Read(time.Second)
	require.NoError(t, err)
	require.Equal(t, payload, msg.Payload)
	require.NoError(t, msg.Release())
}
