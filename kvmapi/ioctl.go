// Package kvmapi is a thin binding to the Linux /dev/kvm ioctl interface.
// Every exported function mirrors one KVM_* ioctl; structs mirror the
// corresponding kernel struct layout byte for byte so they can be passed to
// the kernel with unsafe.Pointer.
package kvmapi

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Standard Linux ioctl request encoding (include/uapi/asm-generic/ioctl.h).
const (
	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14
	iocDirBits  = 2

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	kvmIO = 0xAE
)

func iocEncode(dir, nr uintptr, size uintptr) uintptr {
	return dir<<iocDirShift | kvmIO<<iocTypeShift | nr<<iocNRShift | size<<iocSizeShift
}

// IIO encodes an argument-less ioctl request number.
func IIO(nr uintptr) uintptr {
	return iocEncode(iocNone, nr, 0)
}

// IIOW encodes a write-only (userspace to kernel) ioctl request number.
func IIOW(nr, size uintptr) uintptr {
	return iocEncode(iocWrite, nr, size)
}

// IIOR encodes a read-only (kernel to userspace) ioctl request number.
func IIOR(nr, size uintptr) uintptr {
	return iocEncode(iocRead, nr, size)
}

// IIOWR encodes a read-write ioctl request number.
func IIOWR(nr, size uintptr) uintptr {
	return iocEncode(iocWrite|iocRead, nr, size)
}

// Ioctl issues a raw ioctl, retrying on EINTR, which KVM_RUN can return
// whenever the thread receives a signal while inside the kernel.
func Ioctl(fd, op, arg uintptr) (uintptr, error) {
	for {
		res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
		if errno == unix.EINTR {
			continue
		}

		if errno != 0 {
			return res, errno
		}

		return res, nil
	}
}

func structPtr[T any](v *T) uintptr {
	return uintptr(unsafe.Pointer(v))
}
