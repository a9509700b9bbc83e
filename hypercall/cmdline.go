package hypercall

import (
	"encoding/binary"

	"github.com/go-uhyve/uhyve/guestmem"
)

// handleCmdsize reports argc/envc and the length (including the NUL
// terminator) of each string, the first of the two-phase forwarding calls
// a guest uses to size its own copies before CMDVAL fills them in.
func (h *Handler) handleCmdsize(mem *guestmem.Memory, off uint64) error {
	argBytes, err := readArgBytes(mem, off, cmdsizeArgSize)
	if err != nil {
		return err
	}

	argc := clampArgcEnvc(len(h.Cmdline.Argv))
	binary.LittleEndian.PutUint32(argBytes[cmdsizeArgArgc:], uint32(argc))

	for i := 0; i < argc; i++ {
		binary.LittleEndian.PutUint32(argBytes[cmdsizeArgArgsz+4*i:], uint32(len(h.Cmdline.Argv[i])+1))
	}

	envc := clampArgcEnvc(len(h.Cmdline.Envp))
	binary.LittleEndian.PutUint32(argBytes[cmdsizeArgEnvc:], uint32(envc))

	for i := 0; i < envc; i++ {
		binary.LittleEndian.PutUint32(argBytes[cmdsizeArgEnvsz+4*i:], uint32(len(h.Cmdline.Envp[i])+1))
	}

	return nil
}

func clampArgcEnvc(n int) int {
	if n > maxArgcEnvc {
		return maxArgcEnvc
	}

	return n
}

// handleCmdval writes each argv/envp string into the buffers the guest
// already allocated and whose addresses it passed as two parallel arrays
// of guest-physical offsets.
func (h *Handler) handleCmdval(mem *guestmem.Memory, off uint64) error {
	argBytes, err := readArgBytes(mem, off, cmdvalArgSize)
	if err != nil {
		return err
	}

	argvOff := binary.LittleEndian.Uint64(argBytes[cmdvalArgArgv:])
	envpOff := binary.LittleEndian.Uint64(argBytes[cmdvalArgEnvp:])

	if err := writeGuestStrings(mem, argvOff, h.Cmdline.Argv); err != nil {
		return err
	}

	return writeGuestStrings(mem, envpOff, h.Cmdline.Envp)
}

func writeGuestStrings(mem *guestmem.Memory, ptrArrayOff uint64, values []string) error {
	if len(values) == 0 {
		return nil
	}

	ptrArray, err := readArgBytes(mem, ptrArrayOff, uint64(len(values))*8)
	if err != nil {
		return err
	}

	for i, v := range values {
		dst := binary.LittleEndian.Uint64(ptrArray[i*8:])

		buf, err := readArgBytes(mem, dst, uint64(len(v)+1))
		if err != nil {
			return err
		}

		copy(buf, v)
		buf[len(v)] = 0
	}

	return nil
}
