package channel

import (
	"sync/atomic"
	"time"

	"github.com/patrickcortez/cortezmesh/internal/futex"
	"github.com/patrickcortez/cortezmesh/pkg/ctzerr"
	"golang.org/x/sys/unix"
)

// Timestamp is a monotonic (sec, nsec) pair, matching the frame header's
// wire timestamp (spec §6). It is not comparable to wall-clock time.
type Timestamp struct {
	Sec  int64
	Nsec int64
}

// Message is a received frame, borrowed from the channel's ring until
// Release is called (spec §3 "Received message"). Payload either aliases
// the ring directly (contiguous frame) or points at a private linear copy
// (frame that spans the ring's physical end).
type Message struct {
	ch        *Channel
	totalLen  uint64
	MsgType   uint16
	SenderPID int32
	Timestamp Timestamp
	Payload   []byte

	copied   bool
	released bool
}

// Peek returns the oldest unreleased frame without blocking, failing with
// ctzerr.EEmpty if the channel doesn't yet hold a full frame, per spec
// §4.6.
func (c *Channel) Peek() (*Message, error) {
	c.rwMu.Lock()
	defer c.rwMu.Unlock()
	return c.peekLocked()
}

func (c *Channel) peekLocked() (*Message, error) {
	for {
		head := atomic.LoadUint64(&c.hdr.head)
		tail := c.localTail
		avail := availableToRead(head, tail)
		if avail < frameHeaderSize {
			return nil, c.setLastError(ctzerr.New(ctzerr.EEmpty))
		}

		var hdrBytes []byte
		if ringContiguous(c.capacity, tail, frameHeaderSize) {
			off := tail % c.capacity
			hdrBytes = c.ring[off : off+frameHeaderSize]
		} else {
			hdrBytes = ringReadCopy(c.ring, c.capacity, tail, frameHeaderSize)
		}
		fh := decodeFrameHeader(hdrBytes)

		if fh.magic == frameSkipMagic {
			c.localTail = tail + uint64(fh.totalLen)
			atomic.StoreUint64(&c.hdr.tail, c.localTail)
			continue
		}
		if fh.magic != frameMessageMagic {
			return nil, c.setLastError(ctzerr.New(ctzerr.ECorrupt))
		}
		if avail < uint64(fh.totalLen) {
			return nil, c.setLastError(ctzerr.New(ctzerr.EEmpty))
		}

		msg := &Message{
			ch:        c,
			totalLen:  uint64(fh.totalLen),
			MsgType:   fh.msgType,
			SenderPID: fh.senderPID,
			Timestamp: Timestamp{Sec: fh.tsSec, Nsec: fh.tsNsec},
		}

		if ringContiguous(c.capacity, tail, uint64(fh.totalLen)) {
			off := tail % c.capacity
			full := c.ring[off : off+uint64(fh.totalLen)]
			msg.Payload = full[frameHeaderSize:]
		} else {
			full := ringReadCopy(c.ring, c.capacity, tail, uint64(fh.totalLen))
			msg.Payload = full[frameHeaderSize:]
			msg.copied = true
		}

		return msg, nil
	}
}

// Read blocks (subject to timeout) until a frame is available, then
// delegates to Peek, per spec §4.6. timeout < 0 waits indefinitely;
// timeout == 0 returns immediately with ctzerr.EEmpty if nothing is
// ready; timeout > 0 returns ctzerr.ETimedOut once it elapses.
func (c *Channel) Read(timeout time.Duration) (*Message, error) {
	var deadline time.Time
	hasDeadline := timeout > 0
	if hasDeadline {
		deadline = time.Now().Add(timeout)
	}

	for {
		c.rwMu.Lock()
		msg, err := c.peekLocked()
		c.rwMu.Unlock()

		if err == nil {
			return msg, nil
		}
		if !ctzerr.Is(err, ctzerr.EEmpty) {
			return nil, err
		}
		if timeout == 0 {
			return nil, err
		}

		word := atomic.LoadUint32(&c.hdr.futexWord)

		waitFor := time.Duration(-1)
		if hasDeadline {
			waitFor = time.Until(deadline)
			if waitFor <= 0 {
				return nil, c.setLastError(ctzerr.New(ctzerr.ETimedOut))
			}
		}

		if werr := futex.Wait(&c.hdr.futexWord, word, waitFor); werr != nil {
			switch werr {
			case unix.ETIMEDOUT:
				return nil, c.setLastError(ctzerr.New(ctzerr.ETimedOut))
			case unix.EINTR, unix.EAGAIN:
				// Spurious wake or signal: re-sample state silently
				// (spec §5 "Cancellation").
			default:
				return nil, c.setLastError(ctzerr.Wrap(ctzerr.EInternal, werr))
			}
		}
	}
}

// Release is a convenience equivalent to msg.ch.Release(msg), for callers
// that only have the Message in hand (e.g. across a mesh.Read call,
// which doesn't expose the underlying inbox channel).
func (msg *Message) Release() error {
	return msg.ch.Release(msg)
}

// Release advances the channel's tail past msg's frame, the only
// operation that does so (spec §4.6). Messages must be released in peek
// order.
func (c *Channel) Release(msg *Message) error {
	if msg.released {
		return nil
	}
	c.rwMu.Lock()
	defer c.rwMu.Unlock()

	c.localTail += msg.totalLen
	atomic.StoreUint64(&c.hdr.tail, c.localTail)
	atomic.AddUint64(&c.hdr.messagesRead, 1)
	atomic.AddUint64(&c.hdr.bytesRead, msg.totalLen)
	msg.released = true
	return nil
}
