package kvmapi

import "unsafe"

const (
	nrGetSupportedCPUID2 = 0x05
	nrSetCPUID2          = 0x90
)

// CPUIDEntry2 mirrors kvm_cpuid_entry2, one leaf/subleaf of the CPUID table
// KVM exposes to (SetCPUID2) or accepts from (GetSupportedCPUID) a vCPU.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	EAX      uint32
	EBX      uint32
	ECX      uint32
	EDX      uint32
	_        [3]uint32
}

// CPUIDEntryFlagSignificantIndex marks that Index selects among subleaves
// of Function rather than being ignored.
const CPUIDEntryFlagSignificantIndex = 1 << 0

// CPUID2 mirrors kvm_cpuid2, a variable-length array of CPUIDEntry2, sized
// via Nent and always allocated with a fixed capacity here.
type CPUID2 struct {
	Nent    uint32
	_       uint32
	Entries [maxCPUIDEntries]CPUIDEntry2
}

const maxCPUIDEntries = 100

// GetSupportedCPUID asks the host KVM module for the CPUID leaves it can
// faithfully emulate for a guest vCPU.
func GetSupportedCPUID(kvmFd uintptr) (*CPUID2, error) {
	cpuid := &CPUID2{Nent: maxCPUIDEntries}

	_, err := Ioctl(kvmFd, IIOWR(nrGetSupportedCPUID2, unsafe.Sizeof(*cpuid)), structPtr(cpuid))

	return cpuid, err
}

// SetCPUID2 installs the CPUID table a vCPU will report to guest code
// executing the CPUID instruction.
func SetCPUID2(vcpuFd uintptr, cpuid *CPUID2) error {
	_, err := Ioctl(vcpuFd, IIOW(nrSetCPUID2, unsafe.Sizeof(*cpuid)), structPtr(cpuid))

	return err
}

// leaf 0x1 ECX feature bit cleared by TrimHypervisorBit.
const (
	cpuidFeatureHypervisor = 1 << 31 // ECX bit 31 of leaf 1
)

// TrimHypervisorBit clears the hypervisor-present bit KVM sets by default,
// matching a bare-metal boot as closely as CPUID can.
func TrimHypervisorBit(cpuid *CPUID2) {
	for i := uint32(0); i < cpuid.Nent; i++ {
		e := &cpuid.Entries[i]
		if e.Function == 1 {
			e.ECX &^= cpuidFeatureHypervisor
		}
	}
}
