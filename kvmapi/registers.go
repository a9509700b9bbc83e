package kvmapi

import "unsafe"

const (
	nrGetRegs      = 0x81
	nrSetRegs      = 0x82
	nrGetSregs     = 0x83
	nrSetSregs     = 0x84
	nrGetFPU       = 0x8c
	nrSetFPU       = 0x8d
	nrGetDebugRegs = 0xa1
	nrSetDebugRegs = 0xa2
)

// Regs are the general-purpose registers for both 386 and amd64; in 386
// mode only the lower 32 bits of each field are meaningful.
type Regs struct {
	RAX    uint64
	RBX    uint64
	RCX    uint64
	RDX    uint64
	RSI    uint64
	RDI    uint64
	RSP    uint64
	RBP    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RIP    uint64
	RFLAGS uint64
}

// GetRegs fetches the general-purpose registers for a vCPU.
func GetRegs(vcpuFd uintptr) (*Regs, error) {
	regs := &Regs{}
	_, err := Ioctl(vcpuFd, IIOR(nrGetRegs, unsafe.Sizeof(*regs)), structPtr(regs))

	return regs, err
}

// SetRegs writes the general-purpose registers for a vCPU.
func SetRegs(vcpuFd uintptr, regs *Regs) error {
	_, err := Ioctl(vcpuFd, IIOW(nrSetRegs, unsafe.Sizeof(*regs)), structPtr(regs))

	return err
}

// Segment is an expanded x86 segment descriptor, as kvm_segment.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// Descriptor describes a GDTR/IDTR pointer, as kvm_dtable.
type Descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

const numInterrupts = 0x100

// Sregs are the special (segment and control) registers, as kvm_sregs.
type Sregs struct {
	CS              Segment
	DS              Segment
	ES              Segment
	FS              Segment
	GS              Segment
	SS              Segment
	TR              Segment
	LDT             Segment
	GDT             Descriptor
	IDT             Descriptor
	CR0             uint64
	CR2             uint64
	CR3             uint64
	CR4             uint64
	CR8             uint64
	EFER            uint64
	ApicBase        uint64
	InterruptBitmap [(numInterrupts + 63) / 64]uint64
}

// GetSregs fetches the special registers for a vCPU.
func GetSregs(vcpuFd uintptr) (*Sregs, error) {
	sregs := &Sregs{}
	_, err := Ioctl(vcpuFd, IIOR(nrGetSregs, unsafe.Sizeof(*sregs)), structPtr(sregs))

	return sregs, err
}

// SetSregs writes the special registers for a vCPU.
func SetSregs(vcpuFd uintptr, sregs *Sregs) error {
	_, err := Ioctl(vcpuFd, IIOW(nrSetSregs, unsafe.Sizeof(*sregs)), structPtr(sregs))

	return err
}

// DebugRegs are the hardware debug registers, as kvm_debugregs.
type DebugRegs struct {
	DB    [4]uint64
	DR6   uint64
	DR7   uint64
	Flags uint64
	_     [9]uint64
}

// GetDebugRegs fetches the debug registers for a vCPU.
func GetDebugRegs(vcpuFd uintptr, dregs *DebugRegs) error {
	_, err := Ioctl(vcpuFd, IIOR(nrGetDebugRegs, unsafe.Sizeof(*dregs)), structPtr(dregs))

	return err
}

// SetDebugRegs writes the debug registers for a vCPU.
func SetDebugRegs(vcpuFd uintptr, dregs *DebugRegs) error {
	_, err := Ioctl(vcpuFd, IIOW(nrSetDebugRegs, unsafe.Sizeof(*dregs)), structPtr(dregs))

	return err
}

// FPU is the x87 FPU and SSE state, as kvm_fpu.
type FPU struct {
	FPR          [8][16]uint8
	FCW          uint16
	FSW          uint16
	FTWX         uint8
	_            uint8
	LastOpcode   uint16
	LastIP       uint64
	LastDP       uint64
	XMM          [16][16]uint8
	MXCSR        uint32
	_            uint32
	_            [12]uint32
}

// GetFPU fetches the FPU/SSE state for a vCPU.
func GetFPU(vcpuFd uintptr, fpu *FPU) error {
	_, err := Ioctl(vcpuFd, IIOR(nrGetFPU, unsafe.Sizeof(*fpu)), structPtr(fpu))

	return err
}

// SetFPU writes the FPU/SSE state for a vCPU.
func SetFPU(vcpuFd uintptr, fpu *FPU) error {
	_, err := Ioctl(vcpuFd, IIOW(nrSetFPU, unsafe.Sizeof(*fpu)), structPtr(fpu))

	return err
}
