package mesh

import "encoding/binary"

// RegistryName is the well-known channel name every mesh joins for peer
// discovery, per spec §6.
const RegistryName = "_cortez_registry"

// Registry message types, per spec §6. User protocols sent over peer
// inbox channels (not the registry) must use type values at or above
// UserMsgStart to avoid colliding with these.
const (
	RegisterMsg  uint16 = 1
	HeartbeatMsg uint16 = 2
	GoodbyeMsg   uint16 = 3
	UserMsgStart uint16 = 100
)

// peerInfoWireSize is sizeof({pid: i32, inbox_name: byte[64]}), the fixed
// registry payload shape from spec §6.
const peerInfoWireSize = 4 + 64

// PeerInfo is the peer-info structure exchanged on the registry (spec §3
// "Peer info").
type PeerInfo struct {
	PID       int32
	InboxName string
}

func encodePeerInfo(pi PeerInfo) []byte {
	buf := make([]byte, peerInfoWireSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(pi.PID))
	copy(buf[4:68], pi.InboxName)
	return buf
}

func decodePeerInfo(payload []byte) (PeerInfo, bool) {
	if len(payload) != peerInfoWireSize {
		return PeerInfo{}, false
	}
	pid := int32(binary.LittleEndian.Uint32(payload[0:4]))
	name := payload[4:68]
	n := 0
	for n < len(name) && name[n] != 0 {
		n++
	}
	return PeerInfo{PID: pid, InboxName: string(name[:n])}, true
}
