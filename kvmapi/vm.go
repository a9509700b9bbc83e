package kvmapi

import "unsafe"

// ioctl request numbers, as "nr" only (see ioctl.go for encoding).
const (
	nrGetAPIVersion   = 0x00
	nrCreateVM        = 0x01
	nrCheckExtension  = 0x03
	nrGetVCPUMMapSize = 0x04

	nrCreateVCPU          = 0x41
	nrSetTSSAddr          = 0x47
	nrSetIdentityMapAddr  = 0x48
	nrCreateIRQChip       = 0x60
	nrIRQLine             = 0x61
	nrCreatePIT2          = 0x77
	nrSetUserMemoryRegion = 0x46
	nrGetDirtyLog         = 0x42
	nrRun                 = 0x80
)

// GetAPIVersion returns the KVM API version, which must be 12.
func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(nrGetAPIVersion), 0)
}

// CreateVM creates a new virtual machine and returns its file descriptor.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(nrCreateVM), 0)
}

// CreateVCPU creates virtual CPU number id within vmFd's VM and returns its
// file descriptor. id must match the thread that will subsequently call Run.
func CreateVCPU(vmFd uintptr, id int) (uintptr, error) {
	return Ioctl(vmFd, IIO(nrCreateVCPU), uintptr(id))
}

// Run enters guest execution on vcpuFd until the next vmexit.
func Run(vcpuFd uintptr) error {
	_, err := Ioctl(vcpuFd, IIO(nrRun), 0)

	return err
}

// GetVCPUMMmapSize returns the size, in bytes, of the kvm_run mmap region
// shared between kernel and userspace for each vCPU.
func GetVCPUMMmapSize(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(nrGetVCPUMMapSize), 0)
}

// SetTSSAddr tells KVM where to place the task-state segment it needs for
// real-mode and 16-bit protected-mode emulation on Intel hosts.
func SetTSSAddr(vmFd uintptr) error {
	_, err := Ioctl(vmFd, IIO(nrSetTSSAddr), 0xfffb_d000)

	return err
}

// SetIdentityMapAddr tells KVM where to place its identity-mapped page for
// real-mode emulation on Intel hosts.
func SetIdentityMapAddr(vmFd uintptr) error {
	addr := uint64(0xfffb_c000)

	_, err := Ioctl(vmFd, IIOW(nrSetIdentityMapAddr, unsafe.Sizeof(addr)), structPtr(&addr))

	return err
}

// CreateIRQChip creates an in-kernel interrupt controller (PIC/IOAPIC).
func CreateIRQChip(vmFd uintptr) error {
	_, err := Ioctl(vmFd, IIO(nrCreateIRQChip), 0)

	return err
}

// irqLevel is the kvm_irq_level struct.
type irqLevel struct {
	IRQ   uint32
	Level uint32
}

// IRQLine raises (level=1) or lowers (level=0) the given IRQ line.
func IRQLine(vmFd uintptr, irq, level uint32) error {
	l := irqLevel{IRQ: irq, Level: level}

	_, err := Ioctl(vmFd, IIOW(nrIRQLine, unsafe.Sizeof(l)), structPtr(&l))

	return err
}

// pitConfig is the kvm_pit_config struct.
type pitConfig struct {
	Flags uint32
	_     [15]uint32
}

// CreatePIT2 creates an in-kernel programmable interval timer.
func CreatePIT2(vmFd uintptr) error {
	cfg := pitConfig{}

	_, err := Ioctl(vmFd, IIOW(nrCreatePIT2, unsafe.Sizeof(cfg)), structPtr(&cfg))

	return err
}

// UserspaceMemoryRegion is the kvm_userspace_memory_region struct used to
// register a chunk of host memory as a guest-physical memory slot.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// MemLogDirtyPages requests that KVM track writes to this slot in a
// per-slot dirty bitmap, retrievable with GetDirtyLog.
const MemLogDirtyPages = 1 << 0

// MemReadonly marks a region as read-only from the guest's perspective.
const MemReadonly = 1 << 1

// SetUserMemoryRegion registers or updates a guest-physical memory slot.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := Ioctl(vmFd, IIOW(nrSetUserMemoryRegion, unsafe.Sizeof(*region)), structPtr(region))

	return err
}

// DirtyLog is the kvm_dirty_log struct used to retrieve a per-slot bitmap
// of pages written since the slot was registered or last queried.
type DirtyLog struct {
	Slot   uint32
	_      uint32
	BitMap uint64 // host pointer to a caller-allocated bitmap buffer
}

// GetDirtyLog fetches (and atomically clears) the dirty bitmap for a slot.
func GetDirtyLog(vmFd uintptr, dl *DirtyLog) error {
	_, err := Ioctl(vmFd, IIOW(nrGetDirtyLog, unsafe.Sizeof(*dl)), structPtr(dl))

	return err
}
