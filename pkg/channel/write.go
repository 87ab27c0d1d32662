package channel

import (
	"os"
	"sync/atomic"

	"github.com/patrickcortez/cortezmesh/internal/futex"
	"github.com/patrickcortez/cortezmesh/pkg/ctzerr"
	"golang.org/x/sys/unix"
)

// Token is the reservation returned by BeginWrite. At most one Token may
// be outstanding per channel at a time, enforced by the CAS on tx_head
// (spec §3 "Transaction token", §4.4).
type Token struct {
	ch       *Channel
	start    uint64
	size     uint64
	consumed bool
}

func monotonicNow() (sec, nsec int64) {
	var ts unix.Timespec
	_ = unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts)
	return int64(ts.Sec), int64(ts.Nsec)
}

// BeginWrite reserves totalSize bytes (frame header included) for a
// single copying write, per spec §4.4.
func (c *Channel) BeginWrite(totalSize int) (*Token, error) {
	if totalSize <= 0 || uint64(totalSize) > c.capacity {
		return nil, c.setLastError(ctzerr.New(ctzerr.EInvalidArg))
	}

	if !atomic.CompareAndSwapUint64(&c.hdr.txHead, 0, 1) {
		return nil, c.setLastError(ctzerr.New(ctzerr.ETxInProgress))
	}

	head := atomic.LoadUint64(&c.hdr.head)
	tail := atomic.LoadUint64(&c.hdr.tail)
	avail := availableToWrite(c.capacity, head, tail)

	// Spec §4.2: "the relevant check is get_write_space > total_size" —
	// strictly greater, so one byte of capacity is always held back and
	// head == tail stays unambiguously "empty".
	if !(avail > uint64(totalSize)) {
		atomic.StoreUint64(&c.hdr.txHead, 0)
		atomic.AddUint64(&c.hdr.writeContention, 1)
		return nil, c.setLastError(ctzerr.New(ctzerr.EBufferFull))
	}

	atomic.StoreUint64(&c.hdr.txHead, head+uint64(totalSize))
	return &Token{ch: c, start: head, size: uint64(totalSize)}, nil
}

// Commit assembles a frame header for msgType around the concatenation
// of iov and publishes it, per spec §4.4.
func (t *Token) Commit(msgType uint16, iov [][]byte) error {
	c := t.ch
	if t.consumed {
		return c.setLastError(ctzerr.New(ctzerr.EInvalidArg))
	}

	var payloadLen uint64
	for _, seg := range iov {
		payloadLen += uint64(len(seg))
	}
	if payloadLen+frameHeaderSize != t.size {
		atomic.StoreUint64(&c.hdr.txHead, 0)
		t.consumed = true
		return c.setLastError(ctzerr.New(ctzerr.EInvalidArg))
	}

	sec, nsec := monotonicNow()
	fh := frameHeader{
		magic:      frameMessageMagic,
		totalLen:   uint32(t.size),
		payloadLen: uint32(payloadLen),
		msgType:    msgType,
		iovCount:   uint16(len(iov)),
		senderPID:  int32(os.Getpid()),
		tsSec:      sec,
		tsNsec:     nsec,
	}

	var hdrBuf [frameHeaderSize]byte
	encodeFrameHeader(hdrBuf[:], fh)
	ringWrite(c.ring, c.capacity, t.start, hdrBuf[:])

	offset := t.start + frameHeaderSize
	for _, seg := range iov {
		ringWrite(c.ring, c.capacity, offset, seg)
		offset += uint64(len(seg))
	}

	c.publishCommit(t.start, t.size)
	t.consumed = true
	return nil
}

// Abort discards the reservation without publishing anything, per spec
// §4.4.
func (t *Token) Abort() error {
	if t.consumed {
		return nil
	}
	atomic.StoreUint64(&t.ch.hdr.txHead, 0)
	t.consumed = true
	return nil
}

// WriteMessage is the common-case copying send: reserve, copy payload in,
// commit, in one call. Equivalent to BeginWrite followed by a
// single-segment Commit.
func (c *Channel) WriteMessage(msgType uint16, payload []byte) error {
	tok, err := c.BeginWrite(frameHeaderSize + len(payload))
	if err != nil {
		return err
	}
	return tok.Commit(msgType, [][]byte{payload})
}

// publishCommit performs the shared head/tx_head/futex/stat bookkeeping
// common to both the copying and zero-copy commit paths (spec §4.4 steps
// 4-6, §4.5 step 2).
func (c *Channel) publishCommit(start, size uint64) {
	atomic.StoreUint64(&c.hdr.head, start+size)
	atomic.StoreUint64(&c.hdr.txHead, 0)
	atomic.AddUint32(&c.hdr.futexWord, 1)
	futex.Wake(&c.hdr.futexWord, 1)
	atomic.AddUint64(&c.hdr.messagesWritten, 1)
	atomic.AddUint64(&c.hdr.bytesWritten, size)
}

// ZCHandle is the zero-copy write handle from spec §3/§4.5: a reservation
// plus up to two raw slices into the ring that together cover exactly the
// reserved payload, so the caller can fill them in place instead of
// handing this module a buffer to copy.
type ZCHandle struct {
	tok  *Token
	ch   *Channel
	one  []byte
	two  []byte
	plen uint64
}

// Slices returns the (possibly empty second) payload regions the caller
// must fill before Commit or Abort.
func (z *ZCHandle) Slices() (first, second []byte) { return z.one, z.two }

// BeginWriteZC reserves frame-header-plus-payloadSize bytes and returns a
// handle exposing the raw ring slices to write into, per spec §4.5.
func (c *Channel) BeginWriteZC(payloadSize int) (*ZCHandle, error) {
	if payloadSize < 0 {
		return nil, c.setLastError(ctzerr.New(ctzerr.EInvalidArg))
	}

	tok, err := c.BeginWrite(frameHeaderSize + payloadSize)
	if err != nil {
		return nil, err
	}

	c.Ref() // held until Commit/Abort, since a zero-copy handle may
	// outlive the caller's stack frame (spec §3/§5).

	payloadStart := tok.start + frameHeaderSize
	physStart := payloadStart % c.capacity
	firstLen := uint64(payloadSize)
	if remain := c.capacity - physStart; firstLen > remain {
		firstLen = remain
	}

	z := &ZCHandle{
		tok:  tok,
		ch:   c,
		one:  c.ring[physStart : physStart+firstLen],
		plen: uint64(payloadSize),
	}
	if firstLen < uint64(payloadSize) {
		z.two = c.ring[0 : uint64(payloadSize)-firstLen]
	}
	return z, nil
}

// Commit writes the frame header around the payload bytes the caller
// already placed into Slices() and publishes the frame, per spec §4.5.
func (z *ZCHandle) Commit(msgType uint16) error {
	c := z.ch
	defer c.Leave()

	sec, nsec := monotonicNow()
	fh := frameHeader{
		magic:      frameMessageMagic,
		totalLen:   uint32(z.tok.size),
		payloadLen: uint32(z.plen),
		msgType:    msgType,
		iovCount:   0,
		senderPID:  int32(os.Getpid()),
		tsSec:      sec,
		tsNsec:     nsec,
	}

	var hdrBuf [frameHeaderSize]byte
	encodeFrameHeader(hdrBuf[:], fh)
	ringWrite(c.ring, c.capacity, z.tok.start, hdrBuf[:])

	c.publishCommit(z.tok.start, z.tok.size)
	z.tok.consumed = true
	return nil
}

// Abort releases the reservation and the extra channel reference taken
// by BeginWriteZC without publishing anything, per spec §4.5.
func (z *ZCHandle) Abort() error {
	defer z.ch.Leave()
	return z.tok.Abort()
}
