// Package vcpu owns one virtual CPU: its KVM file descriptors, its shared
// kvm_run mmap page, long-mode bootstrap, state save/restore for
// checkpoint and migration, and the per-thread run loop.
package vcpu

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/go-uhyve/uhyve/errkind"
	"github.com/go-uhyve/uhyve/guestmem"
	"github.com/go-uhyve/uhyve/kvmapi"
)

// CPU is one virtual CPU. It must only be driven from the host thread that
// created it (runtime.LockOSThread), matching KVM's thread-affinity
// requirement for vCPU fds.
type CPU struct {
	ID     int
	kvmFd  uintptr
	vmFd   uintptr
	fd     uintptr
	run     *kvmapi.RunData
	runMem  []byte // the full kvm_run mmap page run aliases the front of
	mem     *guestmem.Memory
	stop    atomic.Bool
	barrier *Barrier
}

// New creates vCPU id within vmFd's VM, mmaps its kvm_run page, and returns
// a CPU ready for boot initialization.
func New(kvmFd, vmFd uintptr, id int, mmapSize uintptr, mem *guestmem.Memory) (*CPU, error) {
	fd, err := kvmapi.CreateVCPU(vmFd, id)
	if err != nil {
		return nil, fmt.Errorf("%w: CreateVCPU %d: %w", errkind.ErrKernelIfaceError, id, err)
	}

	runMem, err := unix.Mmap(int(fd), 0, int(mmapSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap kvm_run for vcpu %d: %w", errkind.ErrKernelIfaceError, id, err)
	}

	return &CPU{
		ID:     id,
		kvmFd:  kvmFd,
		vmFd:   vmFd,
		fd:     fd,
		run:    (*kvmapi.RunData)(unsafe.Pointer(&runMem[0])),
		runMem: runMem,
		mem:    mem,
	}, nil
}

// FD is the vCPU's KVM file descriptor, needed by callers that issue
// ioctls directly (state save/restore, debug registers).
func (c *CPU) FD() uintptr { return c.fd }

// Memory is the guest address space this vCPU executes against, needed by
// hypercall handlers that translate and dereference guest pointers.
func (c *CPU) Memory() *guestmem.Memory { return c.mem }

// PML4Base reads CR3, the current top-level page-table root, used to
// translate a guest-virtual hypercall argument pointer to physical.
func (c *CPU) PML4Base() (uint64, error) {
	sregs, err := kvmapi.GetSregs(c.fd)
	if err != nil {
		return 0, fmt.Errorf("%w: GetSregs cpu%d: %w", errkind.ErrKernelIfaceError, c.ID, err)
	}

	return sregs.CR3, nil
}

// RequestStop sets the cooperative "please stop" flag a run loop checks
// between iterations, replacing the source's real-time-signal-driven
// interruption. Latency until the vCPU actually quiesces is bounded by the
// guest's next vmexit (a timer tick, an I/O port access), not by this call;
// a guest that disables interrupts and spins cannot be forced out without
// the signal-based mechanism this hypervisor deliberately does not use.
func (c *CPU) RequestStop() {
	c.stop.Store(true)
}

// ClearStop resets the cooperative stop flag after a quiesce/release cycle
// (checkpoint or migration barrier) so the vCPU can resume running.
func (c *CPU) ClearStop() {
	c.stop.Store(false)
}

func (c *CPU) stopRequested() bool {
	return c.stop.Load()
}

// SetBarrier installs the rendezvous point Run's loop reports to once it
// observes the stop flag, used during checkpoint and migration quiesce.
// A nil barrier makes RequestStop cause Run to return Stopped immediately
// instead, the shutdown path's behavior.
func (c *CPU) SetBarrier(b *Barrier) {
	c.barrier = b
}
