// Package migration implements the checkpoint/migration wire protocol: a
// framed Sender/Receiver (transport.go) carrying a gob-encoded Snapshot of
// vCPU and VM-wide hardware state plus a raw or dirty-page memory transfer,
// and a coordinator (coordinator.go) driving pre-copy rounds and the final
// handoff.
package migration

import "github.com/go-uhyve/uhyve/vcpu"

// VMState holds VM-level (not per-vCPU) hardware state: the parts of a KVM
// VM's configuration that live on the vmFd rather than any one vCPU's fd.
type VMState struct {
	Clock         []byte // kvmapi.ClockData
	IRQChipPIC0   []byte // kvmapi.IRQChip ChipID=0 (master PIC)
	IRQChipPIC1   []byte // kvmapi.IRQChip ChipID=1 (slave PIC)
	IRQChipIOAPIC []byte // kvmapi.IRQChip ChipID=2 (IOAPIC)
	PIT2          []byte // kvmapi.PITState2
}

// Snapshot is the complete VM state handed off during checkpoint or
// migration, everything except guest memory which travels separately as a
// raw (or dirty-page) byte stream so it can be pipelined ahead of the
// snapshot that finalizes it.
type Snapshot struct {
	NCPUs      int
	MemSize    int64
	VCPUStates []vcpu.State
	VM         VMState
}
