package hypercall

import (
	"encoding/binary"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/go-uhyve/uhyve/guestmem"
)

// kvmDevicePath is the host device node a guest must never be allowed to
// open through the OPEN hypercall.
const kvmDevicePath = "/dev/kvm"

func (h *Handler) handleOpen(mem *guestmem.Memory, off uint64) error {
	argBytes, err := readArgBytes(mem, off, openArgSize)
	if err != nil {
		return err
	}

	nameOff := binary.LittleEndian.Uint64(argBytes[openArgName:])
	flags := int32(binary.LittleEndian.Uint32(argBytes[openArgFlags:]))
	mode := uint32(binary.LittleEndian.Uint32(argBytes[openArgMode:]))

	ret := int32(-1)

	if name, nerr := readCString(mem, nameOff); nerr == nil && !refersToKVMDevice(name) {
		if fd, oerr := unix.Open(name, int(flags), mode); oerr == nil {
			ret = int32(fd)
		}
	}

	binary.LittleEndian.PutUint32(argBytes[openArgRet:], uint32(ret))

	return nil
}

func refersToKVMDevice(name string) bool {
	if name == kvmDevicePath {
		return true
	}

	real, err := filepath.EvalSymlinks(name)

	return err == nil && real == kvmDevicePath
}

func (h *Handler) handleClose(mem *guestmem.Memory, off uint64) error {
	argBytes, err := readArgBytes(mem, off, closeArgSize)
	if err != nil {
		return err
	}

	fd := int32(binary.LittleEndian.Uint32(argBytes[closeArgFD:]))

	var ret int32

	if fd > 2 {
		if cerr := unix.Close(int(fd)); cerr != nil {
			ret = -1
		}
	}

	binary.LittleEndian.PutUint32(argBytes[closeArgRet:], uint32(ret))

	return nil
}

func (h *Handler) handleLseek(mem *guestmem.Memory, off uint64) error {
	argBytes, err := readArgBytes(mem, off, lseekArgSize)
	if err != nil {
		return err
	}

	fd := int32(binary.LittleEndian.Uint32(argBytes[lseekArgFD:]))
	offset := int64(binary.LittleEndian.Uint64(argBytes[lseekArgOffset:]))
	whence := int32(binary.LittleEndian.Uint32(argBytes[lseekArgWhence:]))

	newOffset, err := unix.Seek(int(fd), offset, int(whence))
	if err != nil {
		newOffset = -1
	}

	binary.LittleEndian.PutUint64(argBytes[lseekArgOffset:], uint64(newOffset))

	return nil
}
