package kvmapi

import "unsafe"

const (
	nrGetPIT2 = 0x9f
	nrSetPIT2 = 0xa0
)

type pitChannelState struct {
	Count         uint32
	LatchedCount  uint16
	CountLatched  uint8
	StatusLatched uint8
	Status        uint8
	ReadState     uint8
	WriteState    uint8
	WriteLatch    uint8
	RWMode        uint8
	Mode          uint8
	BCD           uint8
	Gate          uint8
	CountLoadTime int64
}

// PITState2 mirrors kvm_pit_state2, the state of the in-kernel
// programmable interval timer's three channels.
type PITState2 struct {
	Channels [3]pitChannelState
	Flags    uint32
	_        [9]uint32
}

// GetPIT2 fetches the state of the in-kernel PIT.
func GetPIT2(vmFd uintptr) (*PITState2, error) {
	pit := &PITState2{}
	_, err := Ioctl(vmFd, IIOR(nrGetPIT2, unsafe.Sizeof(*pit)), structPtr(pit))

	return pit, err
}

// SetPIT2 restores the state of the in-kernel PIT.
func SetPIT2(vmFd uintptr, pit *PITState2) error {
	_, err := Ioctl(vmFd, IIOW(nrSetPIT2, unsafe.Sizeof(*pit)), structPtr(pit))

	return err
}
