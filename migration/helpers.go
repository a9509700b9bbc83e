package migration

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/go-uhyve/uhyve/errkind"
	"github.com/go-uhyve/uhyve/kvmapi"
)

func structBytesOf(ptr unsafe.Pointer, size uintptr) []byte {
	b := unsafe.Slice((*byte)(ptr), size)
	clone := make([]byte, len(b))
	copy(clone, b)

	return clone
}

func structBytesClock(v *kvmapi.ClockData) []byte {
	return structBytesOf(unsafe.Pointer(v), unsafe.Sizeof(*v))
}

func structBytesIRQChip(v *kvmapi.IRQChip) []byte {
	return structBytesOf(unsafe.Pointer(v), unsafe.Sizeof(*v))
}

func structBytesPIT2(v *kvmapi.PITState2) []byte {
	return structBytesOf(unsafe.Pointer(v), unsafe.Sizeof(*v))
}

// decodeInto copies b into dst, a fixed-size kvmapi struct, failing if b is
// shorter than dst's size.
func decodeInto[T any](dst *T, b []byte) error {
	size := int(unsafe.Sizeof(*dst))
	if len(b) < size {
		return fmt.Errorf("%w: state buffer too small: got %d want %d", errkind.ErrProtocolViolation, len(b), size)
	}

	copy(unsafe.Slice((*byte)(unsafe.Pointer(dst)), size), b[:size])

	return nil
}

func putUint64(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }
func getUint64(b []byte) uint64    { return binary.LittleEndian.Uint64(b) }
