// Package futex wraps the Linux futex(2) syscall as used by pkg/channel to
// block a reader until a producer publishes a frame. The channel's futex
// word lives inside a shared-memory segment that may be mapped at
// different addresses in different processes, so every call here uses the
// *shared* futex operations (no FUTEX_PRIVATE_FLAG) rather than the
// private variant most in-process futex wrappers default to.
package futex

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	opWait = 0 // FUTEX_WAIT
	opWake = 1 // FUTEX_WAKE
)

// Wait blocks while *word == expect, waking when another process calls
// Wake on the same address, when the value changes out from under us, or
// when timeout elapses. timeout < 0 waits indefinitely. A zero timeout
// still issues the syscall (so EAGAIN/spurious wakes are reported) rather
// than special-cased into a no-op; callers that want a true non-blocking
// peek should check availability before calling Wait at all.
func Wait(word *uint32, expect uint32, timeout time.Duration) error {
	var (
		tsPtr unsafe.Pointer
		ts    unix.Timespec
	)
	if timeout >= 0 {
		ts = unix.NsecToTimespec(timeout.Nanoseconds())
		tsPtr = unsafe.Pointer(&ts)
	}

	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(word)),
		uintptr(opWait),
		uintptr(expect),
		uintptr(tsPtr),
		0, 0,
	)
	if errno != 0 {
		return errno
	}
	return nil
}

// Wake wakes up to n waiters blocked on word.
func Wake(word *uint32, n int32) error {
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(word)),
		uintptr(opWake),
		uintptr(n),
		0, 0, 0,
	)
	if errno != 0 {
		return errno
	}
	return nil
}
