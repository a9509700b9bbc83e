package hypercall

import (
	"encoding/binary"

	"golang.org/x/sys/unix"

	"github.com/go-uhyve/uhyve/vcpu"
)

// handleTransfer services WRITE (isWrite) and READ, the one hypercall pair
// whose buffer argument is guest-virtual and may straddle a page boundary:
// it translates one page-run at a time and loops until the requested
// length is satisfied or the host call returns short. A short host
// transfer is surfaced to the guest by truncating Len, never as a
// hypervisor error.
func (h *Handler) handleTransfer(cpu *vcpu.CPU, off uint64, isWrite bool) error {
	mem := cpu.Memory()

	argBytes, err := readArgBytes(mem, off, rwArgSize)
	if err != nil {
		return err
	}

	fd := int32(binary.LittleEndian.Uint32(argBytes[rwArgFD:]))
	buf := binary.LittleEndian.Uint64(argBytes[rwArgBuf:])
	want := binary.LittleEndian.Uint64(argBytes[rwArgLen:])

	pml4, err := cpu.PML4Base()
	if err != nil {
		return err
	}

	raw := mem.Bytes()

	var done uint64
	for done < want {
		pa, pageEnd, terr := mem.Translate(pml4, buf+done)
		if terr != nil {
			return terr
		}

		step := pageEnd - pa
		if remain := want - done; step > remain {
			step = remain
		}

		chunk := raw[pa : pa+step]

		var n int
		var xerr error
		if isWrite {
			n, xerr = unix.Write(int(fd), chunk)
		} else {
			n, xerr = unix.Read(int(fd), chunk)
		}

		if n > 0 {
			done += uint64(n)
		}

		if xerr != nil || uint64(n) < step {
			break
		}
	}

	binary.LittleEndian.PutUint64(argBytes[rwArgLen:], done)

	return nil
}
