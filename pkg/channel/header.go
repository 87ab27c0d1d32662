package channel

import (
	"encoding/binary"
	"unsafe"
)

// rawHeader mirrors CortezChannelHeader from the original cortez-mesh.h,
// field for field, so this module's on-wire layout would line up with a C
// peer mapping the same segment. It is never allocated by Go's runtime:
// a *rawHeader is always obtained by casting a pointer into the mmap'd
// segment (see newHeaderView), the same unsafe-overlay technique the
// teacher diskring package uses for its Cursor type.
//
// Fields are grouped so that every 8-byte field starts on an 8-byte
// boundary with no compiler-inserted padding, which matters because this
// struct's layout IS the channel header's on-disk/on-segment layout.
type rawHeader struct {
	magic             uint64
	futexWord         uint32
	recoveryLock      uint32
	totalShmSize      uint64
	bufferCapacity    uint64
	ownerPID          int32
	activeConnections uint32
	head              uint64
	tail              uint64
	txHead            uint64
	messagesWritten   uint64
	messagesRead      uint64
	bytesWritten      uint64
	bytesRead         uint64
	writeContention   uint64
	recoveredCount    uint64
}

// headerSize is the fixed offset at which the ring buffer begins, per
// spec §3 ("followed by the ring buffer bytes").
var headerSize = uintptr(unsafe.Sizeof(rawHeader{}))

// headerMagic identifies a valid cortez channel header. Distinct from
// both frame magics so a caller that maps the wrong kind of segment fails
// fast rather than silently misinterpreting bytes.
const headerMagic uint64 = 0x435a5f4d455348ff

func newHeaderView(mem []byte) *rawHeader {
	return (*rawHeader)(unsafe.Pointer(&mem[0]))
}

// frameHeaderSize is the wire size of a frame header: magic(8) +
// total_len(4) + payload_len(4) + msg_type(2) + iov_count(2) +
// sender_pid(4) + timestamp{sec(8), nsec(8)} = 40 bytes, matching spec §6.
const frameHeaderSize = 40

const (
	// frameMessageMagic marks an ordinary committed frame.
	frameMessageMagic uint64 = 0x4d5347beef000001
	// frameSkipMagic marks a frame-shaped placeholder a reader must step
	// over without surfacing it to the caller (spec §3, §9). No producer
	// path in this module emits one; the reader must still recognize it.
	frameSkipMagic uint64 = 0x534b495000000002
)

// frameHeader is the decoded, in-memory form of a wire frame header.
// Because a frame may start at an arbitrary (non-8-byte-aligned) offset
// inside the ring, this module never overlays frameHeader directly onto
// ring bytes with unsafe.Pointer the way it does for the fixed,
// page-aligned channel header — it encodes/decodes explicitly via
// encoding/binary instead, the way cloudwego's protocol/thrift binary
// reader/writer pairs do for fields that aren't naturally aligned.
type frameHeader struct {
	magic      uint64
	totalLen   uint32
	payloadLen uint32
	msgType    uint16
	iovCount   uint16
	senderPID  int32
	tsSec      int64
	tsNsec     int64
}

func encodeFrameHeader(buf []byte, h frameHeader) {
	_ = buf[frameHeaderSize-1]
	le := binary.LittleEndian
	le.PutUint64(buf[0:8], h.magic)
	le.PutUint32(buf[8:12], h.totalLen)
	le.PutUint32(buf[12:16], h.payloadLen)
	le.PutUint16(buf[16:18], h.msgType)
	le.PutUint16(buf[18:20], h.iovCount)
	le.PutUint32(buf[20:24], uint32(h.senderPID))
	le.PutUint64(buf[24:32], uint64(h.tsSec))
	le.PutUint64(buf[32:40], uint64(h.tsNsec))
}

func decodeFrameHeader(buf []byte) frameHeader {
	_ = buf[frameHeaderSize-1]
	le := binary.LittleEndian
	return frameHeader{
		magic:      le.Uint64(buf[0:8]),
		totalLen:   le.Uint32(buf[8:12]),
		payloadLen: le.Uint32(buf[12:16]),
		msgType:    le.Uint16(buf[16:18]),
		iovCount:   le.Uint16(buf[18:20]),
		senderPID:  int32(le.Uint32(buf[20:24])),
		tsSec:      int64(le.Uint64(buf[24:32])),
		tsNsec:     int64(le.Uint64(buf[32:40])),
	}
}

// ringContiguous reports whether an n-byte run starting at logical
// position start fits in the ring without wrapping.
func ringContiguous(capacity, start, n uint64) bool {
	return (start%capacity)+n <= capacity
}

// ringWrite copies src into the ring at logical position start, wrapping
// to physical offset 0 if it runs past the end, per spec §4.4 step 3.
func ringWrite(ring []byte, capacity, start uint64, src []byte) {
	off := start % capacity
	n := copy(ring[off:], src)
	if n < len(src) {
		copy(ring[0:], src[n:])
	}
}

// ringReadCopy allocates and returns a linear copy of n bytes starting at
// logical position start, handling wraparound. Used whenever a frame (or
// just its header) spans the physical end of the ring.
func ringReadCopy(ring []byte, capacity, start, n uint64) []byte {
	out := make([]byte, n)
	off := start % capacity
	m := copy(out, ring[off:])
	if uint64(m) < n {
		copy(out[m:], ring[0:n-uint64(m)])
	}
	return out
}

func availableToRead(head, tail uint64) uint64 {
	return head - tail
}

func availableToWrite(capacity, head, tail uint64) uint64 {
	return capacity - (head - tail)
}
