package mesh

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPeerInfoRoundTrip(t *testing.T) {
	pi := PeerInfo{PID: 4242, InboxName: "worker-4242"}
	buf := encodePeerInfo(pi)
	require.Len(t, buf, peerInfoWireSize)

	got, ok := decodePeerInfo(buf)
	require.True(t, ok)
	require.Equal(t, pi, got)
}

func TestDecodePeerInfoWrongSize(t *testing.T) {
	_, ok := decodePeerInfo([]byte{1, 2, 3})
	require.False(t, ok)
}

func TestDecodePeerInfoTruncatesAtNUL(t *testing.T) {
	buf := encodePeerInfo(PeerInfo{PID: 1, InboxName: "short"})
	got, ok := decodePeerInfo(buf)
	require.True(t, ok)
	require.Equal(t, "short", got.InboxName)
}
