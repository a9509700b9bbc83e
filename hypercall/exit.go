package hypercall

import (
	"encoding/binary"
	"os"

	"github.com/go-uhyve/uhyve/vcpu"
)

// handleExit services EXIT: on the boot core it terminates the process
// with the guest-supplied code; on any other core it only ends that
// vCPU's thread, leaving the rest of the guest running.
func (h *Handler) handleExit(cpu *vcpu.CPU, off uint64) error {
	argBytes, err := readArgBytes(cpu.Memory(), off, exitArgSize)
	if err != nil {
		return err
	}

	code := int32(binary.LittleEndian.Uint32(argBytes[exitArgCode:]))

	if cpu.ID == h.BootCPU {
		os.Exit(int(code))
	}

	return threadExit
}
