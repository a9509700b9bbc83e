package hypercall

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/go-uhyve/uhyve/errkind"
	"github.com/go-uhyve/uhyve/guestmem"
	"github.com/go-uhyve/uhyve/kvmapi"
	"github.com/go-uhyve/uhyve/uartlog"
	"github.com/go-uhyve/uhyve/vcpu"
)

// NetDevice is the network collaborator NETINFO/NETWRITE/NETREAD/NETSTAT
// delegate to; netif.Device implements it.
type NetDevice interface {
	MAC() string
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
	Enabled() bool
	StartPolling(raiseIRQ func())
}

// CommandLine is the argv/envp this process was launched with, forwarded
// into the guest on request so a unikernel can see its own command line.
type CommandLine struct {
	Argv []string
	Envp []string
}

// Handler services every paravirtual port for one guest, shared across all
// of its vCPUs: it holds no per-vCPU state, only guest-wide collaborators.
type Handler struct {
	Verbose  bool
	BootCPU  int
	UART     *uartlog.Sink
	Net      NetDevice
	Cmdline  CommandLine
	RaiseIRQ func(irq uint32) error

	netStart sync.Once
}

// threadExit is returned by HandleIO for a non-boot-core EXIT hypercall;
// the per-vCPU driver treats it as a clean thread shutdown, not an error.
var threadExit = fmt.Errorf("%w: secondary core exit", errkind.ErrUnknownExit)

// IsThreadExit reports whether err is the sentinel a secondary core's EXIT
// hypercall returns.
func IsThreadExit(err error) bool {
	return err == threadExit
}

// HandleIO implements vcpu.IOHandler, decoding one I/O-port exit and
// dispatching it to the matching port handler.
func (h *Handler) HandleIO(cpu *vcpu.CPU, port uint64, direction uint64, data []byte) error {
	if direction != kvmapi.ExitIOOut {
		return nil
	}

	switch Port(port) {
	case PortUART:
		return h.handleUART(data)
	case PortWrite:
		return h.handleTransfer(cpu, guestOffset(data), true)
	case PortRead:
		return h.handleTransfer(cpu, guestOffset(data), false)
	case PortOpen:
		return h.handleOpen(cpu.Memory(), guestOffset(data))
	case PortClose:
		return h.handleClose(cpu.Memory(), guestOffset(data))
	case PortLseek:
		return h.handleLseek(cpu.Memory(), guestOffset(data))
	case PortExit:
		return h.handleExit(cpu, guestOffset(data))
	case PortNetinfo:
		return h.handleNetinfo(cpu.Memory(), guestOffset(data))
	case PortNetwrite:
		return h.handleNetwrite(cpu.Memory(), guestOffset(data))
	case PortNetread:
		return h.handleNetread(cpu.Memory(), guestOffset(data))
	case PortNetstat:
		return h.handleNetstat(cpu.Memory(), guestOffset(data))
	case PortFreelist:
		return nil // no host-side free-list bookkeeping is offered
	case PortCmdsize:
		return h.handleCmdsize(cpu.Memory(), guestOffset(data))
	case PortCmdval:
		return h.handleCmdval(cpu.Memory(), guestOffset(data))
	default:
		return fmt.Errorf("%w: port 0x%x", errkind.ErrUnknownExit, port)
	}
}

// guestOffset decodes the 32-bit guest-physical offset the guest writes to
// every port except UART, whose data is the payload byte itself.
func guestOffset(data []byte) uint64 {
	if len(data) < 4 {
		return 0
	}

	return uint64(binary.LittleEndian.Uint32(data))
}

func (h *Handler) handleUART(data []byte) error {
	if !h.Verbose || len(data) == 0 || h.UART == nil {
		return nil
	}

	h.UART.Write(data[0])

	return nil
}

// readArgBytes returns a writable view of argSize bytes at off, failing
// fatally (per spec: a hypercall with an unmapped argument pointer is
// fatal) if the range falls outside guest memory.
func readArgBytes(mem *guestmem.Memory, off, size uint64) ([]byte, error) {
	raw := mem.Bytes()
	if off+size > uint64(len(raw)) {
		return nil, fmt.Errorf("%w: hypercall argument at 0x%x exceeds guest memory", errkind.ErrNotMapped, off)
	}

	return raw[off : off+size], nil
}
