package checkpoint_test

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/go-uhyve/uhyve/checkpoint"
	"github.com/go-uhyve/uhyve/guestmem"
	"github.com/go-uhyve/uhyve/kvmapi"
	"github.com/go-uhyve/uhyve/vcpu"
)

func makeState(pattern byte) vcpu.State {
	return vcpu.State{
		Regs:      []byte{pattern, pattern, pattern},
		Sregs:     []byte{pattern},
		MSRs:      []kvmapi.MSREntry{{Index: 0x10, Data: uint64(pattern)}},
		LAPIC:     []byte{pattern},
		Events:    []byte{pattern},
		MPState:   uint32(pattern),
		DebugRegs: []byte{pattern},
		XCRS:      []byte{pattern},
		FPU:       []byte{pattern},
		XSave:     []byte{pattern},
	}
}

func TestSaveWritesManifestAndFiles(t *testing.T) {
	dir := t.TempDir()

	store, err := checkpoint.New(dir)
	if err != nil {
		t.Fatal(err)
	}

	mem, err := guestmem.New(guestmem.MinSize, false, false)
	if err != nil {
		t.Fatal(err)
	}
	defer mem.Close()

	scanner := guestmem.NewScanner(mem)
	states := []vcpu.State{makeState(1), makeState(2)}
	clock := &kvmapi.ClockData{}

	// An empty, zeroed page-table root yields no present entries, so the
	// scan walk should complete without emitting any page record.
	if err := store.Save(0, states, mem, scanner, 0, clock, true, 0x100000, ""); err != nil {
		t.Fatalf("Save: %v", err)
	}

	for i := range states {
		if _, err := os.Stat(filepath.Join(dir, "chk0_core"+strconv.Itoa(i)+".dat")); err != nil {
			t.Errorf("missing core file %d: %v", i, err)
		}
	}

	if _, err := os.Stat(filepath.Join(dir, "chk0_mem.dat")); err != nil {
		t.Errorf("missing mem file: %v", err)
	}

	m, err := checkpoint.ReadManifest(dir)
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}

	if m.Cores != 2 || m.Number != 0 || !m.Full || m.EntryPoint != 0x100000 {
		t.Errorf("manifest mismatch: %+v", m)
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()

	store, err := checkpoint.New(dir)
	if err != nil {
		t.Fatal(err)
	}

	mem, err := guestmem.New(guestmem.MinSize, false, false)
	if err != nil {
		t.Fatal(err)
	}
	defer mem.Close()

	scanner := guestmem.NewScanner(mem)
	states := []vcpu.State{makeState(7)}
	clock := &kvmapi.ClockData{}

	if err := store.Save(0, states, mem, scanner, 0, clock, true, 0x200000, "/app"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	restored, _, err := checkpoint.Restore(dir, mem)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}

	if len(restored) != 1 {
		t.Fatalf("restored %d states, want 1", len(restored))
	}

	if restored[0].MPState != states[0].MPState {
		t.Errorf("MPState = %d, want %d", restored[0].MPState, states[0].MPState)
	}

	if len(restored[0].MSRs) != 1 || restored[0].MSRs[0].Data != 7 {
		t.Errorf("MSRs mismatch: %+v", restored[0].MSRs)
	}
}

func TestIncrementalChainReplay(t *testing.T) {
	dir := t.TempDir()

	store, err := checkpoint.New(dir)
	if err != nil {
		t.Fatal(err)
	}

	mem, err := guestmem.New(guestmem.MinSize, false, false)
	if err != nil {
		t.Fatal(err)
	}
	defer mem.Close()

	scanner := guestmem.NewScanner(mem)
	states := []vcpu.State{makeState(1)}
	clock := &kvmapi.ClockData{}

	if err := store.Save(0, states, mem, scanner, 0, clock, true, 0, ""); err != nil {
		t.Fatalf("Save round 0: %v", err)
	}

	if err := store.Save(1, states, mem, scanner, 0, clock, false, 0, ""); err != nil {
		t.Fatalf("Save round 1: %v", err)
	}

	if err := store.Save(2, states, mem, scanner, 0, clock, false, 0, ""); err != nil {
		t.Fatalf("Save round 2: %v", err)
	}

	m, err := checkpoint.ReadManifest(dir)
	if err != nil {
		t.Fatal(err)
	}

	if m.Number != 2 || m.Full {
		t.Errorf("manifest after 3 rounds = %+v", m)
	}

	if _, _, err := checkpoint.Restore(dir, mem); err != nil {
		t.Fatalf("Restore chain: %v", err)
	}
}

