// Package vmm is the top-level orchestrator: it owns the KVM VM handle,
// guest memory, every vCPU, and the device model (hypercall dispatch, tap
// network, UART sink) built on top, and drives boot, the run-loop group,
// the checkpoint timer, and migration. Grounded on the teacher's
// VMM{*machine.Machine, flag.Config} (vmm/vmm.go) generalized from a single
// CLI-flag-driven machine to the env-resolved config this hypervisor reads.
package vmm

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/go-uhyve/uhyve/checkpoint"
	"github.com/go-uhyve/uhyve/config"
	"github.com/go-uhyve/uhyve/errkind"
	"github.com/go-uhyve/uhyve/guestmem"
	"github.com/go-uhyve/uhyve/hypercall"
	"github.com/go-uhyve/uhyve/kvmapi"
	"github.com/go-uhyve/uhyve/loader"
	"github.com/go-uhyve/uhyve/netif"
	"github.com/go-uhyve/uhyve/uartlog"
	"github.com/go-uhyve/uhyve/vcpu"
)

// VM owns one guest's full device model.
type VM struct {
	cfg *config.Config

	kvmFd, vmFd uintptr
	mem         *guestmem.Memory
	scanner     *guestmem.Scanner
	cpus        []*vcpu.CPU
	barrier     *vcpu.Barrier

	entryPoint    uint64
	pml4Base      uint64
	bootParamBase uint64
	imagePath     string

	net     *netif.Device
	uart    *uartlog.Sink
	handler *hypercall.Handler

	checkpoints   *checkpoint.Store
	checkpointNum int
}

// New opens /dev/kvm, creates a VM with cfg.NCPUs vCPUs and cfg.MemSize of
// guest memory, and wires the hypercall handler against whatever optional
// collaborators cfg activates (tap network, UART passthrough). Mirrors the
// order of the teacher's machine.New: TSS/identity-map/IRQCHIP/PIT2 before
// any vCPU or memory slot is created.
func New(cfg *config.Config) (*VM, error) {
	if runtime.GOARCH != "amd64" {
		return nil, fmt.Errorf("%w: %s", errkind.ErrUnsupportedArch, runtime.GOARCH)
	}

	devKVM, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open /dev/kvm: %w", errkind.ErrKernelIfaceError, err)
	}

	kvmFd := devKVM.Fd()

	vmFd, err := kvmapi.CreateVM(kvmFd)
	if err != nil {
		return nil, fmt.Errorf("%w: CreateVM: %w", errkind.ErrKernelIfaceError, err)
	}

	if err := kvmapi.SetTSSAddr(vmFd); err != nil {
		return nil, fmt.Errorf("%w: SetTSSAddr: %w", errkind.ErrKernelIfaceError, err)
	}

	if err := kvmapi.SetIdentityMapAddr(vmFd); err != nil {
		return nil, fmt.Errorf("%w: SetIdentityMapAddr: %w", errkind.ErrKernelIfaceError, err)
	}

	if err := kvmapi.CreateIRQChip(vmFd); err != nil {
		return nil, fmt.Errorf("%w: CreateIRQChip: %w", errkind.ErrKernelIfaceError, err)
	}

	if err := kvmapi.CreatePIT2(vmFd); err != nil {
		return nil, fmt.Errorf("%w: CreatePIT2: %w", errkind.ErrKernelIfaceError, err)
	}

	mem, err := guestmem.New(uint64(cfg.MemSize), cfg.Mergeable, cfg.HugePage)
	if err != nil {
		return nil, err
	}

	for i, c := range mem.Chunks() {
		region := &kvmapi.UserspaceMemoryRegion{
			Slot:          uint32(i),
			GuestPhysAddr: c.GuestPhysAddr,
			MemorySize:    c.Size,
			UserspaceAddr: uint64(c.HostPtr),
		}

		if err := kvmapi.SetUserMemoryRegion(vmFd, region); err != nil {
			return nil, fmt.Errorf("%w: register memory chunk %d: %w", errkind.ErrKernelIfaceError, i, err)
		}
	}

	mmapSize, err := kvmapi.GetVCPUMMmapSize(kvmFd)
	if err != nil {
		return nil, fmt.Errorf("%w: GetVCPUMMmapSize: %w", errkind.ErrKernelIfaceError, err)
	}

	cpus := make([]*vcpu.CPU, cfg.NCPUs)

	for i := 0; i < cfg.NCPUs; i++ {
		cpu, err := vcpu.New(kvmFd, vmFd, i, mmapSize, mem)
		if err != nil {
			return nil, err
		}

		cpus[i] = cpu
	}

	barrier := vcpu.NewBarrier(cfg.NCPUs)
	for _, c := range cpus {
		c.SetBarrier(barrier)
	}

	v := &VM{
		cfg:     cfg,
		kvmFd:   kvmFd,
		vmFd:    vmFd,
		mem:     mem,
		scanner: guestmem.NewScanner(mem),
		cpus:    cpus,
		barrier: barrier,
	}

	var netDev hypercall.NetDevice

	if cfg.NetIF != "" {
		dev, err := netif.New(cfg.NetIF)
		if err != nil {
			return nil, err
		}

		v.net = dev
		netDev = dev
	}

	if cfg.Verbose {
		v.uart = uartlog.New(os.Stderr)
	}

	v.handler = &hypercall.Handler{
		Verbose:  cfg.Verbose,
		BootCPU:  0,
		UART:     v.uart,
		Net:      netDev,
		RaiseIRQ: v.raiseIRQ,
	}

	return v, nil
}

func (v *VM) raiseIRQ(irq uint32) error {
	return kvmapi.IRQLine(v.vmFd, irq, 1)
}

// VMFd exposes the VM file descriptor to callers outside this package; the
// migration.Target used by MigrateTo and Incoming is built inside it.
func (v *VM) VMFd() uintptr { return v.vmFd }

// CPUs is the vCPU set.
func (v *VM) CPUs() []*vcpu.CPU { return v.cpus }

// Memory is the guest address space.
func (v *VM) Memory() *guestmem.Memory { return v.mem }

// Scanner is the page-table/dirty-log walker over Memory.
func (v *VM) Scanner() *guestmem.Scanner { return v.scanner }

// Barrier is the quiesce rendezvous point shared by every vCPU.
func (v *VM) Barrier() *vcpu.Barrier { return v.barrier }

// EntryPoint is the guest's boot entry address.
func (v *VM) EntryPoint() uint64 { return v.entryPoint }

// PML4Base is the guest-physical address of the boot identity map's root,
// the scan root for both checkpoint and migration page walks.
func (v *VM) PML4Base() uint64 { return v.pml4Base }

// LoadImage parses path's ELF image, copies its LOAD segments into guest
// memory, writes the fixed-offset boot-parameter block the guest reads
// during early boot, and arranges argv/envp forwarding for the CMDSIZE/
// CMDVAL hypercalls, then brings every vCPU into long mode at the image's
// entry point. Grounded on the teacher's Machine.LoadLinux, replumbed onto
// loader.Load/CopyInto for a unikernel ELF image rather than a bzImage.
func (v *VM) LoadImage(path string, args []string) error {
	img, err := loader.Load(path)
	if err != nil {
		return err
	}

	if err := img.CopyInto(path, v.mem); err != nil {
		return err
	}

	if len(img.Segments) == 0 {
		return fmt.Errorf("%w: %s has no loadable segments", errkind.ErrInvalidImage, path)
	}

	base := img.Segments[0].Paddr

	v.entryPoint = img.Entry
	v.pml4Base = img.Entry + vcpu.PageTableOffset
	v.bootParamBase = base
	v.imagePath = path

	var kernelSize uint64
	for _, seg := range img.Segments {
		kernelSize += seg.Memsz
	}

	bp := &loader.BootParams{
		PhysStart:     base,
		PhysLimit:     v.mem.Size(),
		CPUCountUsed:  uint32(len(v.cpus)),
		NumaNodes:     1,
		AnnounceUhyve: 1,
		GuestMemBase:  uint64(v.mem.Chunks()[0].HostPtr),
		KernelSize:    kernelSize,
	}

	if v.cfg.Verbose {
		bp.UartPort = loader.UhyveUARTPort
	}

	copyIP(&bp.IP, v.cfg.IP)
	copyIP(&bp.Gateway, v.cfg.Gateway)
	copyIP(&bp.Netmask, v.cfg.Mask)

	bp.WriteAt(v.mem, base)

	v.handler.Cmdline = hypercall.CommandLine{
		Argv: append([]string{path}, args...),
		Envp: os.Environ(),
	}

	gdtBase := v.entryPoint + vcpu.PageTableOffset + 4*guestmem.PageSize

	for _, c := range v.cpus {
		if err := c.BootInit(v.entryPoint, gdtBase); err != nil {
			return fmt.Errorf("boot init cpu%d: %w", c.ID, err)
		}
	}

	return nil
}

// copyIP drops ip (which may be a net.IP in either 4- or 16-byte form, or
// nil) into the fixed 4-byte boot-parameter field, leaving it zeroed when
// ip is unset.
func copyIP(dst *[4]byte, ip []byte) {
	switch len(ip) {
	case 4:
		copy(dst[:], ip)
	case 16:
		copy(dst[:], ip[12:16])
	}
}

// Boot runs every vCPU's run loop to completion, treating a clean halt, a
// quiesce stop, and a secondary core's EXIT hypercall as non-errors — only
// the boot core's EXIT (which calls os.Exit directly, per
// hypercall.Handler's handleExit) actually ends the process.
func (v *VM) Boot() error {
	g := new(errgroup.Group)

	for _, c := range v.cpus {
		cpu := c

		g.Go(func() error {
			err := cpu.Run(v.handler)

			switch {
			case errors.Is(err, vcpu.Halted), errors.Is(err, vcpu.Stopped):
				return nil
			case hypercall.IsThreadExit(err):
				return nil
			default:
				return err
			}
		})
	}

	return g.Wait()
}

// quiesce stops every vCPU and blocks until all have rendezvoused at the
// barrier — the same two-step dance migration.coordinator uses internally,
// duplicated here in miniature since checkpointing has no wire framing to
// hand off to and works directly against v's own collaborators.
func (v *VM) quiesce() {
	for _, c := range v.cpus {
		c.RequestStop()
	}

	v.barrier.WaitAllArrived()
}

func (v *VM) resume() {
	for _, c := range v.cpus {
		c.ClearStop()
	}

	v.barrier.Release()
	v.barrier.Reset()
}
