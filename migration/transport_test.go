package migration_test

import (
	"bytes"
	"encoding/binary"
	"io"
	"reflect"
	"testing"

	"github.com/go-uhyve/uhyve/kvmapi"
	"github.com/go-uhyve/uhyve/migration"
	"github.com/go-uhyve/uhyve/vcpu"
)

// pipe returns a connected (Sender, Receiver) pair backed by an in-memory pipe.
func pipe() (*migration.Sender, *migration.Receiver) {
	pr, pw := io.Pipe()

	return migration.NewSender(pw), migration.NewReceiver(pr)
}

func mustNext(t *testing.T, recv *migration.Receiver) (migration.MsgType, []byte) {
	t.Helper()

	msgType, payload, err := recv.Next()
	if err != nil {
		t.Fatalf("Receiver.Next: %v", err)
	}

	return msgType, payload
}

func TestSendReceiveDone(t *testing.T) {
	t.Parallel()

	sender, recv := pipe()

	go func() {
		if err := sender.SendDone(); err != nil {
			t.Errorf("SendDone: %v", err)
		}
	}()

	msgType, payload := mustNext(t, recv)

	if msgType != migration.MsgDone {
		t.Fatalf("got type %d, want MsgDone (%d)", msgType, migration.MsgDone)
	}

	if len(payload) != 0 {
		t.Fatalf("MsgDone should carry no payload, got %d bytes", len(payload))
	}
}

func TestSendReceiveReady(t *testing.T) {
	t.Parallel()

	sender, recv := pipe()

	go func() {
		if err := sender.SendReady(); err != nil {
			t.Errorf("SendReady: %v", err)
		}
	}()

	msgType, payload := mustNext(t, recv)

	if msgType != migration.MsgReady {
		t.Fatalf("got type %d, want MsgReady (%d)", msgType, migration.MsgReady)
	}

	if len(payload) != 0 {
		t.Fatalf("MsgReady should carry no payload, got %d bytes", len(payload))
	}
}

func TestSendReceiveMemoryFull(t *testing.T) {
	t.Parallel()

	const memSize = 4096 * 3
	mem := make([]byte, memSize)

	for i := range mem {
		mem[i] = byte(i % 251)
	}

	sender, recv := pipe()

	go func() {
		if err := sender.SendMemoryFull(mem); err != nil {
			t.Errorf("SendMemoryFull: %v", err)
		}
	}()

	msgType, payload := mustNext(t, recv)

	if msgType != migration.MsgMemoryFull {
		t.Fatalf("got type %d, want MsgMemoryFull (%d)", msgType, migration.MsgMemoryFull)
	}

	if !bytes.Equal(payload, mem) {
		t.Fatalf("payload mismatch: got %d bytes, want %d", len(payload), len(mem))
	}
}

func TestSendReceiveMemoryDirty(t *testing.T) {
	t.Parallel()

	// Two dirty pages at page 0 and page 2 (bitmap word = 0b0101 = 5).
	bitmapBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(bitmapBytes, 5)

	page0 := bytes.Repeat([]byte{0xAA}, 4096)
	page2 := bytes.Repeat([]byte{0xBB}, 4096)
	pageData := append(append([]byte{}, page0...), page2...)

	sender, recv := pipe()

	go func() {
		if err := sender.SendMemoryDirty(bitmapBytes, pageData); err != nil {
			t.Errorf("SendMemoryDirty: %v", err)
		}
	}()

	msgType, payload := mustNext(t, recv)

	if msgType != migration.MsgMemoryDirty {
		t.Fatalf("got type %d, want MsgMemoryDirty (%d)", msgType, migration.MsgMemoryDirty)
	}

	gotBitmap, gotPageData, err := migration.DecodeDirtyPayload(payload)
	if err != nil {
		t.Fatalf("DecodeDirtyPayload: %v", err)
	}

	if !bytes.Equal(gotBitmap, bitmapBytes) {
		t.Fatalf("bitmap mismatch: got %x, want %x", gotBitmap, bitmapBytes)
	}

	if !bytes.Equal(gotPageData, pageData) {
		t.Fatalf("page data mismatch (len got=%d want=%d)", len(gotPageData), len(pageData))
	}
}

// makeSnapshot returns a Snapshot with non-zero values in every field so a
// round-trip test catches missing or swapped fields.
func makeSnapshot() *migration.Snapshot {
	cpu := vcpu.State{
		Regs:      []byte{0x01, 0x02, 0x03},
		Sregs:     []byte{0x04, 0x05},
		MSRs:      []kvmapi.MSREntry{{Index: 0x10, Data: 0x20}, {Index: 0x30, Data: 0x40}},
		LAPIC:     []byte{0xAB},
		Events:    []byte{0xCD},
		MPState:   1,
		DebugRegs: []byte{0xEF},
		XCRS:      []byte{0xFF},
		FPU:       []byte{0x7A},
		XSave:     []byte{0x7B},
	}

	vm := migration.VMState{
		Clock:         []byte{0x11},
		IRQChipPIC0:   []byte{0x22},
		IRQChipPIC1:   []byte{0x33},
		IRQChipIOAPIC: []byte{0x44},
		PIT2:          []byte{0x55},
	}

	return &migration.Snapshot{
		NCPUs:      2,
		MemSize:    1 << 25,
		VCPUStates: []vcpu.State{cpu, cpu},
		VM:         vm,
	}
}

func TestSendReceiveSnapshot(t *testing.T) {
	t.Parallel()

	snap := makeSnapshot()
	sender, recv := pipe()

	go func() {
		if err := sender.SendSnapshot(snap); err != nil {
			t.Errorf("SendSnapshot: %v", err)
		}
	}()

	msgType, payload := mustNext(t, recv)

	if msgType != migration.MsgSnapshot {
		t.Fatalf("got type %d, want MsgSnapshot (%d)", msgType, migration.MsgSnapshot)
	}

	got, err := migration.DecodeSnapshot(payload)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}

	if !reflect.DeepEqual(got, snap) {
		t.Fatalf("snapshot round-trip mismatch:\ngot  %+v\nwant %+v", got, snap)
	}
}

// TestFullMigrationProtocol sends the sequence of messages a real source
// would produce and verifies the receiver sees them in order.
func TestFullMigrationProtocol(t *testing.T) {
	t.Parallel()

	const pageSize = 4096

	const pages = 4

	mem := make([]byte, pageSize*pages)
	for i := range mem {
		mem[i] = byte(i)
	}

	bitmapBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(bitmapBytes, 0xA) // pages 1 and 3

	dirtyPage1 := bytes.Repeat([]byte{0x11}, pageSize)
	dirtyPage3 := bytes.Repeat([]byte{0x33}, pageSize)
	pageData := append(append([]byte{}, dirtyPage1...), dirtyPage3...)

	snap := makeSnapshot()

	sender, recv := pipe()

	errc := make(chan error, 1)

	go func() {
		if err := sender.SendMemoryFull(mem); err != nil {
			errc <- err

			return
		}

		if err := sender.SendMemoryDirty(bitmapBytes, pageData); err != nil {
			errc <- err

			return
		}

		if err := sender.SendSnapshot(snap); err != nil {
			errc <- err

			return
		}

		errc <- sender.SendDone()
	}()

	wantTypes := []migration.MsgType{
		migration.MsgMemoryFull,
		migration.MsgMemoryDirty,
		migration.MsgSnapshot,
		migration.MsgDone,
	}

	for _, wantType := range wantTypes {
		msgType, payload, err := recv.Next()
		if err != nil {
			t.Fatalf("recv.Next (want %d): %v", wantType, err)
		}

		if msgType != wantType {
			t.Fatalf("message order: got type %d, want %d", msgType, wantType)
		}

		switch msgType {
		case migration.MsgMemoryFull:
			if !bytes.Equal(payload, mem) {
				t.Fatalf("MsgMemoryFull payload mismatch")
			}
		case migration.MsgMemoryDirty:
			gb, gd, err := migration.DecodeDirtyPayload(payload)
			if err != nil {
				t.Fatalf("DecodeDirtyPayload: %v", err)
			}

			if !bytes.Equal(gb, bitmapBytes) {
				t.Fatalf("dirty bitmap mismatch: %x vs %x", gb, bitmapBytes)
			}

			if !bytes.Equal(gd, pageData) {
				t.Fatalf("dirty page data mismatch")
			}
		case migration.MsgSnapshot:
			got, err := migration.DecodeSnapshot(payload)
			if err != nil {
				t.Fatalf("DecodeSnapshot: %v", err)
			}

			if !reflect.DeepEqual(got, snap) {
				t.Fatalf("snapshot mismatch")
			}
		case migration.MsgDone:
			if len(payload) != 0 {
				t.Fatalf("MsgDone should have no payload")
			}
		case migration.MsgReady:
			// not sent in this sequence
		default:
			t.Fatalf("unexpected message type: %v", msgType)
		}
	}

	if err := <-errc; err != nil {
		t.Fatalf("sender goroutine: %v", err)
	}
}

func TestDecodeDirtyPayloadTooShort(t *testing.T) {
	t.Parallel()

	_, _, err := migration.DecodeDirtyPayload([]byte{0x01, 0x02})
	if err == nil {
		t.Fatal("expected error for short payload, got nil")
	}
}

func TestDecodeDirtyPayloadTruncatedBitmap(t *testing.T) {
	t.Parallel()

	hdr := make([]byte, 8)
	binary.BigEndian.PutUint64(hdr, 100)

	payload := append(append([]byte{}, hdr...), 0x01, 0x02, 0x03, 0x04)

	_, _, err := migration.DecodeDirtyPayload(payload)
	if err == nil {
		t.Fatal("expected error for truncated bitmap, got nil")
	}
}

func TestDecodeDirtyPayloadEmptyBitmap(t *testing.T) {
	t.Parallel()

	hdr := make([]byte, 8) // bitmapLen = 0
	payload := append(append([]byte{}, hdr...), 0xDE, 0xAD)

	bitmapBytes, pageData, err := migration.DecodeDirtyPayload(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(bitmapBytes) != 0 {
		t.Fatalf("expected empty bitmap, got %d bytes", len(bitmapBytes))
	}

	if len(pageData) != 2 {
		t.Fatalf("expected 2 bytes of page data, got %d", len(pageData))
	}
}

func TestDecodeSnapshotInvalidGob(t *testing.T) {
	t.Parallel()

	_, err := migration.DecodeSnapshot([]byte{0xFF, 0xFE, 0xFD})
	if err == nil {
		t.Fatal("expected error decoding garbage, got nil")
	}
}

func TestSnapshotGobRoundTrip(t *testing.T) {
	t.Parallel()

	snap := makeSnapshot()

	var buf bytes.Buffer
	sender := migration.NewSender(&buf)

	if err := sender.SendSnapshot(snap); err != nil {
		t.Fatalf("SendSnapshot: %v", err)
	}

	recv := migration.NewReceiver(&buf)

	msgType, payload, err := recv.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	if msgType != migration.MsgSnapshot {
		t.Fatalf("got %d, want MsgSnapshot", msgType)
	}

	got, err := migration.DecodeSnapshot(payload)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}

	if got.NCPUs != snap.NCPUs || got.MemSize != snap.MemSize {
		t.Fatalf("Snapshot metadata mismatch: got NCPUs=%d MemSize=%d, want NCPUs=%d MemSize=%d",
			got.NCPUs, got.MemSize, snap.NCPUs, snap.MemSize)
	}

	if len(got.VCPUStates) != len(snap.VCPUStates) {
		t.Fatalf("VCPUStates length: got %d, want %d", len(got.VCPUStates), len(snap.VCPUStates))
	}

	for i := range snap.VCPUStates {
		if !reflect.DeepEqual(got.VCPUStates[i], snap.VCPUStates[i]) {
			t.Fatalf("VCPUState[%d] mismatch", i)
		}
	}

	if !reflect.DeepEqual(got.VM, snap.VM) {
		t.Fatalf("VMState mismatch:\ngot  %+v\nwant %+v", got.VM, snap.VM)
	}
}

func TestMultipleMessages(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	sender := migration.NewSender(&buf)
	recv := migration.NewReceiver(&buf)

	_ = sender.SendReady()
	_ = sender.SendDone()
	_ = sender.SendMemoryFull([]byte{1, 2, 3})

	for i, wantType := range []migration.MsgType{
		migration.MsgReady,
		migration.MsgDone,
		migration.MsgMemoryFull,
	} {
		msgType, _, err := recv.Next()
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}

		if msgType != wantType {
			t.Fatalf("message %d: got type %d, want %d", i, msgType, wantType)
		}
	}
}

func TestReceiverEOF(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	recv := migration.NewReceiver(&buf)
	_, _, err := recv.Next()

	if err == nil {
		t.Fatal("expected error on empty stream, got nil")
	}
}

func TestReceiverTruncatedHeader(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	buf.Write([]byte{0x00, 0x00, 0x00, 0x01, 0x00, 0x00})

	recv := migration.NewReceiver(&buf)
	_, _, err := recv.Next()

	if err == nil {
		t.Fatal("expected error for truncated header, got nil")
	}
}

func TestReceiverTruncatedPayload(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	hdr := make([]byte, 12)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(migration.MsgMemoryFull))
	binary.BigEndian.PutUint64(hdr[4:12], 1000)
	buf.Write(hdr)
	buf.Write([]byte{0x01, 0x02, 0x03})

	recv := migration.NewReceiver(&buf)
	_, _, err := recv.Next()

	if err == nil {
		t.Fatal("expected error for truncated payload, got nil")
	}
}

func TestSendMemoryFullEmpty(t *testing.T) {
	t.Parallel()

	sender, recv := pipe()

	go func() {
		if err := sender.SendMemoryFull([]byte{}); err != nil {
			t.Errorf("SendMemoryFull(empty): %v", err)
		}
	}()

	msgType, payload := mustNext(t, recv)

	if msgType != migration.MsgMemoryFull {
		t.Fatalf("got type %d, want MsgMemoryFull", msgType)
	}

	if len(payload) != 0 {
		t.Fatalf("expected empty payload, got %d bytes", len(payload))
	}
}

func TestSendMemoryDirtyEmptyInputs(t *testing.T) {
	t.Parallel()

	sender, recv := pipe()

	go func() {
		if err := sender.SendMemoryDirty(nil, nil); err != nil {
			t.Errorf("SendMemoryDirty(nil,nil): %v", err)
		}
	}()

	msgType, payload := mustNext(t, recv)

	if msgType != migration.MsgMemoryDirty {
		t.Fatalf("got type %d, want MsgMemoryDirty", msgType)
	}

	bitmapBytes, pageData, err := migration.DecodeDirtyPayload(payload)
	if err != nil {
		t.Fatalf("DecodeDirtyPayload: %v", err)
	}

	if len(bitmapBytes) != 0 {
		t.Fatalf("expected empty bitmap, got %d bytes", len(bitmapBytes))
	}

	if len(pageData) != 0 {
		t.Fatalf("expected empty page data, got %d bytes", len(pageData))
	}
}

func TestSendReceiveMetadata(t *testing.T) {
	t.Parallel()

	sender, recv := pipe()

	md := &migration.Metadata{
		NCPUs:            2,
		GuestSize:        1 << 30,
		CheckpointNumber: 3,
		EntryPoint:       0x100000,
		Full:             true,
		Chunks: []migration.ChunkInfo{
			{GuestPhysAddr: 0, Size: 0xC0000000},
			{GuestPhysAddr: 0xF0000000, Size: 0x40000000},
		},
	}

	go func() {
		if err := sender.SendMetadata(md); err != nil {
			t.Errorf("SendMetadata: %v", err)
		}
	}()

	msgType, payload := mustNext(t, recv)

	if msgType != migration.MsgMetadata {
		t.Fatalf("got type %d, want MsgMetadata", msgType)
	}

	got, err := migration.DecodeMetadata(payload)
	if err != nil {
		t.Fatalf("DecodeMetadata: %v", err)
	}

	if got.NCPUs != md.NCPUs || got.CheckpointNumber != md.CheckpointNumber || !got.Full {
		t.Errorf("metadata mismatch: got %+v, want %+v", got, md)
	}

	if len(got.Chunks) != 2 || got.Chunks[1].GuestPhysAddr != 0xF0000000 {
		t.Errorf("chunk metadata mismatch: %+v", got.Chunks)
	}
}
