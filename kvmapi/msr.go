package kvmapi

import "unsafe"

const (
	nrGetMSRIndexList        = 0x02
	nrGetMSRFeatureIndexList = 0xa2
	nrGetMSRs                = 0x88
	nrSetMSRs                = 0x89
)

const maxMSREntries = 64

// MSRList mirrors kvm_msr_list, the set of MSR indices KVM will save and
// restore transparently (GetMSRIndexList) or emulate read-only
// (GetMSRFeatureIndexList).
type MSRList struct {
	NMSRs   uint32
	Indices [maxMSREntries]uint32
}

// GetMSRIndexList returns the MSR indices the host kernel will save and
// restore as part of vCPU state without userspace intervention.
func GetMSRIndexList(kvmFd uintptr) (*MSRList, error) {
	list := &MSRList{NMSRs: maxMSREntries}

	_, err := Ioctl(kvmFd, IIOWR(nrGetMSRIndexList, unsafe.Sizeof(*list)), structPtr(list))

	return list, err
}

// MSREntry mirrors kvm_msr_entry, one index/value pair.
type MSREntry struct {
	Index uint32
	_     uint32
	Data  uint64
}

// MSRs mirrors kvm_msrs, a variable-length array of MSREntry.
type MSRs struct {
	NMSRs   uint32
	_       uint32
	Entries [maxMSREntries]MSREntry
}

// GetMSRs reads the value of each MSR named in msrs.Entries[i].Index,
// filling in Data, for the count of entries set in NMSRs.
func GetMSRs(vcpuFd uintptr, msrs *MSRs) error {
	_, err := Ioctl(vcpuFd, IIOWR(nrGetMSRs, unsafe.Sizeof(*msrs)), structPtr(msrs))

	return err
}

// SetMSRs writes the Index/Data pairs in msrs.Entries[0:NMSRs] into the
// vCPU's model-specific registers.
func SetMSRs(vcpuFd uintptr, msrs *MSRs) error {
	_, err := Ioctl(vcpuFd, IIOW(nrSetMSRs, unsafe.Sizeof(*msrs)), structPtr(msrs))

	return err
}

// Well-known MSR indices needed to bring a vCPU into IA-32e (long) mode.
const (
	MSRIA32Efer    = 0xC0000080
	MSRIA32FSBase  = 0xC0000100
	MSRIA32GSBase  = 0xC0000101
	MSRIA32ApicBase = 0x0000001B
)
