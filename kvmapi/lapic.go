package kvmapi

import "unsafe"

const (
	nrGetLAPIC = 0x8e
	nrSetLAPIC = 0x8f
)

// LAPICState mirrors kvm_lapic_state, a raw 1 KiB (0x400-byte) dump of the in-kernel
// local APIC's MMIO register page.
type LAPICState struct {
	Regs [apicRegsSize]byte
}

const apicRegsSize = 0x400

// GetLocalAPIC fetches the raw local APIC register page for a vCPU.
func GetLocalAPIC(vcpuFd uintptr) (*LAPICState, error) {
	lapic := &LAPICState{}
	_, err := Ioctl(vcpuFd, IIOR(nrGetLAPIC, unsafe.Sizeof(*lapic)), structPtr(lapic))

	return lapic, err
}

// SetLocalAPIC restores the raw local APIC register page for a vCPU.
func SetLocalAPIC(vcpuFd uintptr, lapic *LAPICState) error {
	_, err := Ioctl(vcpuFd, IIOW(nrSetLAPIC, unsafe.Sizeof(*lapic)), structPtr(lapic))

	return err
}
