package vcpu

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/go-uhyve/uhyve/errkind"
	"github.com/go-uhyve/uhyve/kvmapi"
)

// IOHandler dispatches one paravirtual I/O-port access. direction is
// kvmapi.ExitIOIn or kvmapi.ExitIOOut; data aliases the kvm_run mmap region
// and must not be retained past the call.
type IOHandler interface {
	HandleIO(cpu *CPU, port uint64, direction uint64, data []byte) error
}

// Halted is returned by Run when this vCPU executed HLT with nothing left
// to wake it — the boot core's normal path to guest shutdown.
var Halted = errors.New("vcpu halted")

// Stopped is returned by Run when the stop flag is set and no Barrier is
// installed, per the cooperative stop-flag design: the caller decides whether
// to Save and resume later. With a Barrier installed (checkpoint and
// migration quiesce), Run waits in Barrier.Arrive instead and keeps running.
var Stopped = errors.New("vcpu stop requested")

// Run pins the calling goroutine to its OS thread — required because vCPU
// fds are only valid from the thread that issued CreateVCPU — and repeats
// Run/dispatch until the guest halts, the stop flag is set, or an
// unrecoverable exit reason is hit.
func (c *CPU) Run(handler IOHandler) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		if c.stopRequested() {
			if c.barrier == nil {
				return Stopped
			}

			c.barrier.Arrive()

			continue
		}

		cont, err := c.runOnce(handler)
		if err != nil {
			return err
		}

		if !cont {
			return Halted
		}
	}
}

// runOnce executes a single KVM_RUN and dispatches its exit reason,
// returning false when the guest should not be re-entered.
func (c *CPU) runOnce(handler IOHandler) (bool, error) {
	err := kvmapi.Run(c.fd)

	switch kvmapi.ExitReason(c.run.ExitReason) {
	case kvmapi.ExitHLT:
		return false, nil

	case kvmapi.ExitIO:
		return true, c.dispatchIO(handler)

	case kvmapi.ExitIntr:
		// A signal delivered to this thread (e.g. Go runtime preemption) aborted
		// the ioctl; re-enter immediately, nothing guest-visible happened.
		return true, nil

	case kvmapi.ExitUnknown:
		return true, nil

	case kvmapi.ExitFailEntry, kvmapi.ExitInternalError:
		return false, fmt.Errorf("%w: %s on cpu%d", errkind.ErrFatalGuest, kvmapi.ExitReason(c.run.ExitReason), c.ID)

	case kvmapi.ExitShutdown:
		return false, fmt.Errorf("%w: guest-initiated shutdown on cpu%d", errkind.ErrFatalGuest, c.ID)

	case kvmapi.ExitDebug:
		return false, fmt.Errorf("%w: cpu%d", kvmapi.ErrDebug, c.ID)

	default:
		if err != nil {
			return false, fmt.Errorf("%w: cpu%d: %w", errkind.ErrKernelIfaceError, c.ID, err)
		}

		return false, fmt.Errorf("%w: %d on cpu%d", kvmapi.ErrUnexpectedExitReason, c.run.ExitReason, c.ID)
	}
}

// dispatchIO decodes the pending I/O exit and forwards each repetition to
// handler, the same way the teacher's ioportHandlers table drives one
// callback per port/direction but generalized to a single hypercall
// dispatcher covering the fixed ports spec §6 defines.
func (c *CPU) dispatchIO(handler IOHandler) error {
	direction, size, port, count, offset := c.run.IO()
	data := c.ioData(offset, size)

	for i := uint64(0); i < count; i++ {
		if err := handler.HandleIO(c, port, direction, data); err != nil {
			return err
		}
	}

	return nil
}

// ioData returns the slice of the kvm_run mmap region holding the data for
// an I/O exit, sized to the operand width KVM reported. offset is relative
// to the start of the mmap'd page, not to RunData's own fields, since it
// addresses into the kvm_run union past the fixed header.
func (c *CPU) ioData(offset, size uint64) []byte {
	return c.runMem[offset : offset+size]
}
