package loader

import (
	"encoding/binary"

	"github.com/go-uhyve/uhyve/guestmem"
)

// Boot-parameter field offsets relative to the first loaded segment's
// guest-physical base, grounded on original_source/uhyve-x86_64.c's
// mem+paddr-GUEST_OFFSET writes and the cpu_online/current_boot_id offsets
// from src/hermit/uhyve/vcpu.rs's run_vcpu handshake.
const (
	offPhysStart     = 0x08 // u64
	offPhysLimit     = 0x10 // u64
	offCPUFreqMHz    = 0x18 // u32
	offBootGate      = 0x20 // u8: core i waits until this reaches i
	offCPUCountUsed  = 0x24 // u32
	offCurrentBootID = 0x30 // u8: core i writes its own id here
	offNumaNodes     = 0x60
	offAnnounceUhyve = 0x94 // u32
	offUartPort      = 0x98 // u64
	offIPAddr        = 0xB0 // 4 bytes
	offGateway       = 0xB4 // 4 bytes
	offNetmask       = 0xB8 // 4 bytes
	offGuestMemBase  = 0xBC // u64: host-side base pointer of guest memory
	offKernelSize    = 0x38 // u64

	// UhyveUARTPort is the UART port number announced to the guest when
	// verbose mode is on, matching spec §6's fixed UART port 0x800.
	UhyveUARTPort = 0x800
)

// BootParams is the view over the fixed-offset block the loader writes
// into the first loaded segment and the guest reads during early boot.
type BootParams struct {
	PhysStart    uint64
	PhysLimit    uint64
	CPUFreqMHz   uint32
	CPUCountUsed uint32
	NumaNodes    uint32
	AnnounceUhyve uint32
	UartPort     uint64
	IP           [4]byte
	Gateway      [4]byte
	Netmask      [4]byte
	GuestMemBase uint64
	KernelSize   uint64
}

// WriteAt marshals p into mem at base, the guest-physical address of the
// first loaded segment.
func (p *BootParams) WriteAt(mem *guestmem.Memory, base uint64) {
	raw := mem.Bytes()

	binary.LittleEndian.PutUint64(raw[base+offPhysStart:], p.PhysStart)
	binary.LittleEndian.PutUint64(raw[base+offPhysLimit:], p.PhysLimit)
	binary.LittleEndian.PutUint32(raw[base+offCPUFreqMHz:], p.CPUFreqMHz)
	binary.LittleEndian.PutUint32(raw[base+offCPUCountUsed:], p.CPUCountUsed)
	binary.LittleEndian.PutUint32(raw[base+offNumaNodes:], p.NumaNodes)
	binary.LittleEndian.PutUint32(raw[base+offAnnounceUhyve:], p.AnnounceUhyve)
	binary.LittleEndian.PutUint64(raw[base+offUartPort:], p.UartPort)
	copy(raw[base+offIPAddr:base+offIPAddr+4], p.IP[:])
	copy(raw[base+offGateway:base+offGateway+4], p.Gateway[:])
	copy(raw[base+offNetmask:base+offNetmask+4], p.Netmask[:])
	binary.LittleEndian.PutUint64(raw[base+offGuestMemBase:], p.GuestMemBase)
	binary.LittleEndian.PutUint64(raw[base+offKernelSize:], p.KernelSize)
}

// BootGate returns the guest-physical address of the single byte core i
// busy-waits on, and the address of the slot it writes its own id into
// once it may proceed, both relative to the boot-parameter base.
func BootGate(base uint64) (gate, claimed uint64) {
	return base + offBootGate, base + offCurrentBootID
}

// AdvanceBootGate is the host-side equivalent of what a guest core does:
// it scripts the handshake without a real guest.
func AdvanceBootGate(mem *guestmem.Memory, base uint64, id uint8) {
	raw := mem.Bytes()
	raw[base+offBootGate] = id
	raw[base+offCurrentBootID] = id
}
