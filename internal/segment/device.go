package segment

import (
	"unsafe"

	"github.com/patrickcortez/cortezmesh/pkg/ctzerr"
	"golang.org/x/sys/unix"
)

// DefaultDevicePath is the well-known node the cortez_tunnel kernel module
// registers, per spec §6.
const DefaultDevicePath = "/dev/cortez_tunnel"

// ioctl command numbers, encoded the same way cortez_tunnel_shared.h's
// _IOW(CORTEZ_TUNNEL_MAGIC, n, type) macros do: direction-write, magic
// 't', sequence number, and the size of the argument struct.
const (
	tunnelMagic = 't'
	iocCreate   = 1
	iocConnect  = 2
)

// tunnelCreate mirrors tunnel_create_t from cortez_tunnel_shared.h
// exactly: a 32-byte NUL-padded name followed by an 8-byte size, native
// endian, naturally aligned.
type tunnelCreate struct {
	name [32]byte
	size uint64
}

func iowNumber(nr, size uintptr) uintptr {
	// Linux _IOW encoding: dir(2) | size(14) | type(8) | nr(8).
	const (
		dirWrite  = 1
		dirShift  = 30
		sizeShift = 16
		typeShift = 8
	)
	return (dirWrite << dirShift) | (size << sizeShift) | (tunnelMagic << typeShift) | nr
}

// DeviceBackend talks to the real cortez_tunnel character device. It is
// the production Backend; it is not exercised by this module's test suite
// because the kernel module is an out-of-scope external collaborator
// (spec §1).
type DeviceBackend struct {
	path string
}

// NewDeviceBackend opens no file itself; each Create/Connect call opens
// its own descriptor against path, matching the one-fd-per-reference
// model in spec §4.1.
func NewDeviceBackend(path string) *DeviceBackend {
	if path == "" {
		path = DefaultDevicePath
	}
	return &DeviceBackend{path: path}
}

func (d *DeviceBackend) open() (int, error) {
	fd, err := unix.Open(d.path, unix.O_RDWR, 0)
	if err != nil {
		return -1, ctzerr.Wrap(ctzerr.EIOCtlFailed, err)
	}
	return fd, nil
}

func (d *DeviceBackend) Create(name string, size uint64) (int, error) {
	if err := validateName(name); err != nil {
		return -1, err
	}
	rounded, err := RoundUp(size)
	if err != nil {
		return -1, err
	}

	fd, err := d.open()
	if err != nil {
		return -1, err
	}

	var req tunnelCreate
	copy(req.name[:], name)
	req.size = rounded

	ioc := iowNumber(iocCreate, unsafe.Sizeof(req))
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), ioc, uintptr(unsafe.Pointer(&req))); errno != 0 {
		unix.Close(fd)
		switch errno {
		case unix.EEXIST:
			return -1, ctzerr.New(ctzerr.EChanExists)
		case unix.ENOMEM:
			return -1, ctzerr.New(ctzerr.ENoMem)
		case unix.EINVAL:
			return -1, ctzerr.New(ctzerr.EInvalidArg)
		default:
			return -1, ctzerr.Wrap(ctzerr.EIOCtlFailed, errno)
		}
	}
	return fd, nil
}

func (d *DeviceBackend) Connect(name string) (int, error) {
	if err := validateName(name); err != nil {
		return -1, err
	}

	fd, err := d.open()
	if err != nil {
		return -1, err
	}

	var nameBuf [32]byte
	copy(nameBuf[:], name)

	ioc := iowNumber(iocConnect, unsafe.Sizeof(nameBuf))
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), ioc, uintptr(unsafe.Pointer(&nameBuf))); errno != 0 {
		unix.Close(fd)
		if errno == unix.ENOENT {
			return -1, ctzerr.New(ctzerr.EChanNotFound)
		}
		return -1, ctzerr.Wrap(ctzerr.EIOCtlFailed, errno)
	}
	return fd, nil
}

func (d *DeviceBackend) Mmap(fd int, size uintptr) ([]byte, error) { return mmapShared(fd, size) }
func (d *DeviceBackend) Munmap(b []byte) error                     { return munmapShared(b) }
func (d *DeviceBackend) Close(fd int) error                        { return unix.Close(fd) }
