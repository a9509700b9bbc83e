// This file implements the migration coordinator: the source-side pre-copy
// loop and final handoff, and the destination-side receive-and-apply loop.
// Grounded on the teacher's vmm/migrate.go (MigrateTo/Incoming), generalized
// from its always-live shape to also offer a COLD mode (spec's single
// full-or-incremental transfer, no pre-copy rounds) and replumbed onto this
// hypervisor's vcpu.CPU/vcpu.Barrier quiesce primitives and
// guestmem.Scanner dirty-page walk instead of the teacher's
// machine.Machine-wide PauseAndWait/QuiesceDevices/GetAndClearDirtyBitmap.
package migration

import (
	"fmt"
	"io"

	"github.com/go-uhyve/uhyve/errkind"
	"github.com/go-uhyve/uhyve/guestmem"
	"github.com/go-uhyve/uhyve/kvmapi"
	"github.com/go-uhyve/uhyve/vcpu"
)

// maxPreCopyRounds and preCopyThreshold bound LIVE mode's pre-copy loop:
// stop iterating once dirty pages fall below the threshold fraction of
// total guest pages, or after this many rounds either way.
const (
	maxPreCopyRounds = 3
	preCopyThreshold = 0.01
)

// Target bundles everything the coordinator needs from a running (source)
// or freshly allocated (destination) VM. The vmm package builds one of
// these around its own vCPUs and memory and hands it to RunSource or
// RunDestination; migration has no dependency on vmm itself.
type Target struct {
	VMFd       uintptr
	CPUs       []*vcpu.CPU
	Mem        *guestmem.Memory
	Scanner    *guestmem.Scanner
	Barrier    *vcpu.Barrier
	PML4Base   uint64
	EntryPoint uint64
}

// EnableDirtyTracking re-registers every memory slot with
// kvmapi.MemLogDirtyPages, so a subsequent WalkDirtyLog pass observes pages
// written since this call.
func EnableDirtyTracking(t *Target) error {
	for i, c := range t.Mem.Chunks() {
		region := &kvmapi.UserspaceMemoryRegion{
			Slot:          uint32(i),
			Flags:         kvmapi.MemLogDirtyPages,
			GuestPhysAddr: c.GuestPhysAddr,
			MemorySize:    c.Size,
			UserspaceAddr: uint64(c.HostPtr),
		}

		if err := kvmapi.SetUserMemoryRegion(t.VMFd, region); err != nil {
			return fmt.Errorf("%w: enable dirty tracking slot %d: %w", errkind.ErrKernelIfaceError, i, err)
		}
	}

	return nil
}

// quiesce stops every vCPU and blocks until each has rendezvoused at the
// barrier, then returns. Callers must pair this with resume once done.
func quiesce(t *Target) {
	for _, c := range t.CPUs {
		c.RequestStop()
	}

	t.Barrier.WaitAllArrived()
}

// resume clears every vCPU's stop flag and releases the barrier, letting
// the run loops continue. Stop flags are cleared before Release so no
// vCPU re-observes the stop flag and immediately re-arrives.
func resume(t *Target) {
	for _, c := range t.CPUs {
		c.ClearStop()
	}

	t.Barrier.Release()
	t.Barrier.Reset()
}

// fullMemoryBytes concatenates the per-chunk byte ranges backing t.Mem,
// excluding the unmapped 32-bit MMIO gap, per spec's "raw concatenation of
// per-chunk byte ranges" transfer format.
func fullMemoryBytes(mem *guestmem.Memory) []byte {
	raw := mem.Bytes()

	var buf []byte

	for _, c := range mem.Chunks() {
		buf = append(buf, raw[c.GuestPhysAddr:c.GuestPhysAddr+c.Size]...)
	}

	return buf
}

// collectDirty walks t's dirty-log bitmap and returns a page index (one
// 16-byte [gpa][size] record per dirty page) and the concatenated page
// bytes, the two halves SendMemoryDirty/DecodeDirtyPayload keep apart.
func collectDirty(t *Target) (index []byte, data []byte, pageCount int, err error) {
	chunks := t.Mem.Chunks()
	raw := t.Mem.Bytes()

	slotOf := func(c guestmem.Chunk) uint32 {
		for i, want := range chunks {
			if want.GuestPhysAddr == c.GuestPhysAddr {
				return uint32(i)
			}
		}

		return 0
	}

	visit := func(rec guestmem.PageRecord) error {
		hdr := make([]byte, 16)
		putUint64(hdr[0:8], rec.PagePtr)
		putUint64(hdr[8:16], rec.Size)
		index = append(index, hdr...)
		data = append(data, raw[rec.PagePtr:rec.PagePtr+rec.Size]...)
		pageCount++

		return nil
	}

	if err := t.Scanner.WalkDirtyLog(t.VMFd, chunks, slotOf, visit); err != nil {
		return nil, nil, 0, fmt.Errorf("%w: walk dirty log: %w", errkind.ErrKernelIfaceError, err)
	}

	return index, data, pageCount, nil
}

// applyDirty replays the index/data pair collectDirty produced onto mem.
func applyDirty(mem *guestmem.Memory, index, data []byte) error {
	if len(index)%16 != 0 {
		return fmt.Errorf("%w: dirty index length %d not a multiple of 16", errkind.ErrProtocolViolation, len(index))
	}

	offset := 0

	for i := 0; i < len(index); i += 16 {
		gpa := getUint64(index[i : i+8])
		size := getUint64(index[i+8 : i+16])

		if offset+int(size) > len(data) {
			return fmt.Errorf("%w: dirty page data truncated at gpa %#x", errkind.ErrProtocolViolation, gpa)
		}

		if err := mem.WriteAt(data[offset:offset+int(size)], gpa); err != nil {
			return fmt.Errorf("%w: apply dirty page at %#x: %w", errkind.ErrProtocolViolation, gpa, err)
		}

		offset += int(size)
	}

	return nil
}

// totalPages is the guest's page count, the denominator for
// preCopyThreshold.
func totalPages(mem *guestmem.Memory) int {
	return int(mem.Size() / guestmem.PageSize)
}

// buildSnapshot captures every vCPU's architectural state and the VM-wide
// clock/interrupt-controller/PIT state t needs to resume elsewhere.
func buildSnapshot(t *Target, n int, full bool) (*Snapshot, error) {
	states := make([]vcpu.State, len(t.CPUs))

	for i, c := range t.CPUs {
		s, err := vcpu.Save(c)
		if err != nil {
			return nil, fmt.Errorf("save vcpu%d: %w", i, err)
		}

		states[i] = *s
	}

	vmState, err := saveVMState(t.VMFd)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		NCPUs:      len(t.CPUs),
		MemSize:    int64(t.Mem.Size()),
		VCPUStates: states,
		VM:         *vmState,
	}, nil
}

// applySnapshot restores every vCPU and VM-wide state snap carries onto t.
func applySnapshot(t *Target, snap *Snapshot) error {
	for i, c := range t.CPUs {
		if i >= len(snap.VCPUStates) {
			return fmt.Errorf("%w: snapshot has %d vcpu states, target has %d", errkind.ErrProtocolViolation, len(snap.VCPUStates), len(t.CPUs))
		}

		if err := vcpu.Restore(c, &snap.VCPUStates[i]); err != nil {
			return fmt.Errorf("restore vcpu%d: %w", i, err)
		}
	}

	return restoreVMState(t.VMFd, &snap.VM)
}

// RunSource drives the source side of a migration or checkpoint-over-wire:
// metadata, then a full memory copy, then (in LIVE mode) a bounded number
// of dirty-page pre-copy rounds while the VM keeps running, then a
// quiesce-and-finalize pass that sends the last dirty pages and the vCPU
// and VM-wide snapshot. mode is "cold" for a single pause-and-copy
// transfer with no pre-copy rounds, anything else (including "") for LIVE.
func RunSource(conn io.ReadWriter, mode string, checkpointNum int, t *Target) error {
	sender := NewSender(conn)
	receiver := NewReceiver(conn)

	md := &Metadata{
		NCPUs:            len(t.CPUs),
		GuestSize:        int64(t.Mem.Size()),
		CheckpointNumber: checkpointNum,
		EntryPoint:       t.EntryPoint,
		Full:             true,
	}

	for _, c := range t.Mem.Chunks() {
		md.Chunks = append(md.Chunks, ChunkInfo{GuestPhysAddr: c.GuestPhysAddr, Size: c.Size})
	}

	if err := sender.SendMetadata(md); err != nil {
		return fmt.Errorf("%w: send metadata: %w", errkind.ErrIoError, err)
	}

	if err := EnableDirtyTracking(t); err != nil {
		return err
	}

	if mode == "cold" {
		quiesce(t)
		defer resume(t)
	} else {
		if err := sender.SendMemoryFull(fullMemoryBytes(t.Mem)); err != nil {
			return fmt.Errorf("%w: send full memory: %w", errkind.ErrIoError, err)
		}

		total := totalPages(t.Mem)

		for round := 0; round < maxPreCopyRounds; round++ {
			index, data, n, err := collectDirty(t)
			if err != nil {
				return err
			}

			if n == 0 {
				break
			}

			// collectDirty has already cleared these pages from the dirty
			// log, so they are sent even when this round ends pre-copy.
			if err := sender.SendMemoryDirty(index, data); err != nil {
				return fmt.Errorf("%w: send dirty round %d: %w", errkind.ErrIoError, round+1, err)
			}

			if float64(n)/float64(total) < preCopyThreshold {
				break
			}
		}

		quiesce(t)
		defer resume(t)
	}

	if mode == "cold" {
		if err := sender.SendMemoryFull(fullMemoryBytes(t.Mem)); err != nil {
			return fmt.Errorf("%w: send full memory: %w", errkind.ErrIoError, err)
		}
	} else {
		index, data, _, err := collectDirty(t)
		if err != nil {
			return err
		}

		if len(data) > 0 {
			if err := sender.SendMemoryDirty(index, data); err != nil {
				return fmt.Errorf("%w: send final dirty pass: %w", errkind.ErrIoError, err)
			}
		}
	}

	snap, err := buildSnapshot(t, checkpointNum, md.Full)
	if err != nil {
		return err
	}

	if err := sender.SendSnapshot(snap); err != nil {
		return fmt.Errorf("%w: send snapshot: %w", errkind.ErrIoError, err)
	}

	if err := sender.SendDone(); err != nil {
		return fmt.Errorf("%w: send done: %w", errkind.ErrIoError, err)
	}

	msgType, _, err := receiver.Next()
	if err != nil {
		return fmt.Errorf("%w: waiting for ready: %w", errkind.ErrProtocolViolation, err)
	}

	if msgType != MsgReady {
		return fmt.Errorf("%w: expected MsgReady, got %d", errkind.ErrProtocolViolation, msgType)
	}

	return nil
}

// RunDestination drives the destination side: it receives metadata,
// memory (full and any dirty rounds), and the final snapshot, applying
// each onto t, then acknowledges with MsgReady once MsgDone arrives.
func RunDestination(conn io.ReadWriter, t *Target) error {
	sender := NewSender(conn)
	receiver := NewReceiver(conn)

	for {
		msgType, payload, err := receiver.Next()
		if err != nil {
			return fmt.Errorf("%w: receive: %w", errkind.ErrProtocolViolation, err)
		}

		switch msgType {
		case MsgMetadata:
			md, err := DecodeMetadata(payload)
			if err != nil {
				return err
			}

			if md.NCPUs != len(t.CPUs) {
				return fmt.Errorf("%w: metadata ncpus %d, target has %d", errkind.ErrProtocolViolation, md.NCPUs, len(t.CPUs))
			}

			if md.GuestSize != int64(t.Mem.Size()) {
				return fmt.Errorf("%w: metadata guest size %d, target has %d", errkind.ErrProtocolViolation, md.GuestSize, t.Mem.Size())
			}

			t.EntryPoint = md.EntryPoint
			t.PML4Base = md.EntryPoint + vcpu.PageTableOffset

		case MsgMemoryFull:
			if err := applyMemoryFull(t.Mem, payload); err != nil {
				return err
			}

		case MsgMemoryDirty:
			index, data, err := DecodeDirtyPayload(payload)
			if err != nil {
				return err
			}

			if err := applyDirty(t.Mem, index, data); err != nil {
				return err
			}

		case MsgSnapshot:
			snap, err := DecodeSnapshot(payload)
			if err != nil {
				return err
			}

			if err := applySnapshot(t, snap); err != nil {
				return fmt.Errorf("apply snapshot: %w", err)
			}

		case MsgDone:
			return sender.SendReady()

		default:
			return fmt.Errorf("%w: unexpected message type %d", errkind.ErrProtocolViolation, msgType)
		}
	}
}

// applyMemoryFull reverses fullMemoryBytes, writing payload back into
// mem's chunk ranges in order.
func applyMemoryFull(mem *guestmem.Memory, payload []byte) error {
	offset := 0

	for _, c := range mem.Chunks() {
		end := offset + int(c.Size)
		if end > len(payload) {
			return fmt.Errorf("%w: full memory payload too short for chunk at %#x", errkind.ErrProtocolViolation, c.GuestPhysAddr)
		}

		if err := mem.WriteAt(payload[offset:end], c.GuestPhysAddr); err != nil {
			return fmt.Errorf("%w: apply chunk at %#x: %w", errkind.ErrProtocolViolation, c.GuestPhysAddr, err)
		}

		offset = end
	}

	return nil
}

func saveVMState(vmFd uintptr) (*VMState, error) {
	clock, err := kvmapi.GetClock(vmFd)
	if err != nil {
		return nil, fmt.Errorf("%w: GetClock: %w", errkind.ErrKernelIfaceError, err)
	}

	pic0, err := kvmapi.GetIRQChip(vmFd, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: GetIRQChip master PIC: %w", errkind.ErrKernelIfaceError, err)
	}

	pic1, err := kvmapi.GetIRQChip(vmFd, 1)
	if err != nil {
		return nil, fmt.Errorf("%w: GetIRQChip slave PIC: %w", errkind.ErrKernelIfaceError, err)
	}

	ioapic, err := kvmapi.GetIRQChip(vmFd, 2)
	if err != nil {
		return nil, fmt.Errorf("%w: GetIRQChip IOAPIC: %w", errkind.ErrKernelIfaceError, err)
	}

	pit2, err := kvmapi.GetPIT2(vmFd)
	if err != nil {
		return nil, fmt.Errorf("%w: GetPIT2: %w", errkind.ErrKernelIfaceError, err)
	}

	return &VMState{
		Clock:         structBytesClock(clock),
		IRQChipPIC0:   structBytesIRQChip(pic0),
		IRQChipPIC1:   structBytesIRQChip(pic1),
		IRQChipIOAPIC: structBytesIRQChip(ioapic),
		PIT2:          structBytesPIT2(pit2),
	}, nil
}

func restoreVMState(vmFd uintptr, vm *VMState) error {
	var clock kvmapi.ClockData
	if err := decodeInto(&clock, vm.Clock); err != nil {
		return err
	}

	if err := kvmapi.SetClock(vmFd, &clock); err != nil {
		return fmt.Errorf("%w: SetClock: %w", errkind.ErrKernelIfaceError, err)
	}

	for chipID, blob := range map[uint32][]byte{0: vm.IRQChipPIC0, 1: vm.IRQChipPIC1, 2: vm.IRQChipIOAPIC} {
		var chip kvmapi.IRQChip

		chip.ChipID = chipID

		if err := decodeInto(&chip, blob); err != nil {
			return err
		}

		if err := kvmapi.SetIRQChip(vmFd, &chip); err != nil {
			return fmt.Errorf("%w: SetIRQChip %d: %w", errkind.ErrKernelIfaceError, chipID, err)
		}
	}

	var pit2 kvmapi.PITState2
	if err := decodeInto(&pit2, vm.PIT2); err != nil {
		return err
	}

	if err := kvmapi.SetPIT2(vmFd, &pit2); err != nil {
		return fmt.Errorf("%w: SetPIT2: %w", errkind.ErrKernelIfaceError, err)
	}

	return nil
}
