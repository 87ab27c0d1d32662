// Package segment implements the external collaborator contract spec.md
// calls the "character device" (§4.1/§6): a name-addressed, reference
// counted, page-aligned shared region that can be created or joined and
// then mapped into the process's address space.
//
// Two Backends are provided. DeviceBackend talks to the real
// /dev/cortez_tunnel kernel module via the ioctl pair documented in
// cortez_tunnel_shared.h. FileBackend stands in for it using ordinary
// files, in the same spirit as the teacher diskring package's Open(path)
// helper, so the channel and mesh layers above can be exercised without
// the out-of-scope kernel module.
package segment

import (
	"os"
	"path/filepath"

	"github.com/patrickcortez/cortezmesh/pkg/ctzerr"
	"golang.org/x/sys/unix"
)

const (
	// MaxSegmentSize is the largest segment the device will create, per
	// spec §4.1/§6.
	MaxSegmentSize = 16 << 20
	// NameMax is the largest channel name the device accepts, including
	// the terminating NUL that the ioctl struct carries but the name does
	// not need to fill. Spec §6: "Up to 31 bytes plus NUL".
	NameMax = 31
)

// Backend is the Go-level contract to the shared-memory character device.
// Create and Connect return a file descriptor bound to the segment;
// Mmap/Munmap establish the address-space mapping; Close drops one
// reference, per spec §4.1 ("Closing the descriptor releases one
// reference; the segment is destroyed at zero references").
type Backend interface {
	Create(name string, size uint64) (fd int, err error)
	Connect(name string) (fd int, err error)
	Mmap(fd int, size uintptr) ([]byte, error)
	Munmap(b []byte) error
	Close(fd int) error
}

func pageRound(size uint64) uint64 {
	page := uint64(os.Getpagesize())
	if size == 0 {
		return page
	}
	return (size + page - 1) &^ (page - 1)
}

func RoundUp(size uint64) (uint64, error) {
	if size == 0 {
		return 0, ctzerr.New(ctzerr.EInvalidArg)
	}
	rounded := pageRound(size)
	if rounded > MaxSegmentSize {
		return 0, ctzerr.New(ctzerr.EInvalidArg)
	}
	return rounded, nil
}

func validateName(name string) error {
	if len(name) == 0 || len(name) > NameMax {
		return ctzerr.New(ctzerr.EInvalidArg)
	}
	return nil
}

// mmapShared maps size bytes of fd read-write and shared, matching the
// device's mmap contract in spec §6 ("returns exactly size (page-aligned)
// bytes of shared, read-write, uncached memory").
func mmapShared(fd int, size uintptr) ([]byte, error) {
	b, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, ctzerr.Wrap(ctzerr.EMappingFailed, err)
	}
	return b, nil
}

func munmapShared(b []byte) error {
	if err := unix.Munmap(b); err != nil {
		return ctzerr.Wrap(ctzerr.EMappingFailed, err)
	}
	return nil
}

// FileBackend stands in for the character device using ordinary files
// rooted at Dir. Several independent FileBackend values can point at the
// same Dir to simulate distinct processes sharing one segment, which is
// how this module's tests exercise multi-handle scenarios without a real
// kernel module.
type FileBackend struct {
	Dir string
}

// NewFileBackend creates (if needed) dir and returns a Backend rooted
// there.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ctzerr.Wrap(ctzerr.EInternal, err)
	}
	return &FileBackend{Dir: dir}, nil
}

func (f *FileBackend) path(name string) string {
	return filepath.Join(f.Dir, name+".ctzseg")
}

// Create mirrors the device's create ioctl: O_EXCL surfaces "name exists"
// exactly the way the kernel module's create would, per spec §4.1.
func (f *FileBackend) Create(name string, size uint64) (int, error) {
	if err := validateName(name); err != nil {
		return -1, err
	}
	rounded, err := RoundUp(size)
	if err != nil {
		return -1, err
	}

	fh, err := os.OpenFile(f.path(name), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return -1, ctzerr.New(ctzerr.EChanExists)
		}
		return -1, ctzerr.Wrap(ctzerr.EIOCtlFailed, err)
	}
	defer fh.Close()
	if err := fh.Truncate(int64(rounded)); err != nil {
		os.Remove(f.path(name))
		return -1, ctzerr.Wrap(ctzerr.ENoMem, err)
	}
	return dupFd(fh)
}

// Connect mirrors the device's connect ioctl: a missing file surfaces
// "no such name" per spec §4.1.
func (f *FileBackend) Connect(name string) (int, error) {
	if err := validateName(name); err != nil {
		return -1, err
	}
	fh, err := os.OpenFile(f.path(name), os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return -1, ctzerr.New(ctzerr.EChanNotFound)
		}
		return -1, ctzerr.Wrap(ctzerr.EIOCtlFailed, err)
	}
	defer fh.Close()
	return dupFd(fh)
}

// dupFd returns an independent descriptor for fh's file. The caller's
// descriptor is decoupled from *os.File's finalizer-driven close, which
// matters here because the Backend interface hands back a bare fd that
// outlives the *os.File value used to open it.
func dupFd(fh *os.File) (int, error) {
	nfd, err := unix.Dup(int(fh.Fd()))
	if err != nil {
		return -1, ctzerr.Wrap(ctzerr.EIOCtlFailed, err)
	}
	return nfd, nil
}

func (f *FileBackend) Mmap(fd int, size uintptr) ([]byte, error) { return mmapShared(fd, size) }
func (f *FileBackend) Munmap(b []byte) error                     { return munmapShared(b) }

func (f *FileBackend) Close(fd int) error {
	// fd is an independent dup(2)'d descriptor (see dupFd); unix.Close
	// releases it, which is the file-backend's stand-in for "drop one
	// reference" (spec §4.1). The backing file on disk is left in place
	// deliberately: a FileBackend segment survives descriptor closure the
	// same way a real segment's storage survives until the device's last
	// reference drops, and a later Connect of the same name must still
	// find it.
	return unix.Close(fd)
}
