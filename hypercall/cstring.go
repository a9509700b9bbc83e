package hypercall

import (
	"fmt"

	"github.com/go-uhyve/uhyve/errkind"
	"github.com/go-uhyve/uhyve/guestmem"
)

// readCString reads a NUL-terminated string out of guest memory at a
// guest-physical offset, the layout every hypercall that forwards a path
// or argument string uses.
func readCString(mem *guestmem.Memory, off uint64) (string, error) {
	raw := mem.Bytes()
	if off >= uint64(len(raw)) {
		return "", fmt.Errorf("%w: guest string pointer 0x%x exceeds guest memory", errkind.ErrNotMapped, off)
	}

	end := off
	for end < uint64(len(raw)) && raw[end] != 0 {
		end++
	}

	if end >= uint64(len(raw)) {
		return "", fmt.Errorf("%w: unterminated guest string at 0x%x", errkind.ErrProtocolViolation, off)
	}

	return string(raw[off:end]), nil
}
