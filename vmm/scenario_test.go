package vmm_test

// Root/hardware-gated end-to-end scenarios, matching the rest of this
// repository's convention (netif, machine before it) of skipping when not
// root or /dev/kvm is unavailable rather than faking the kernel interface.

import (
	"os"
	"testing"

	"github.com/go-uhyve/uhyve/config"
	"github.com/go-uhyve/uhyve/vmm"
)

func skipUnlessKVM(t *testing.T) {
	t.Helper()

	if os.Getuid() != 0 {
		t.Skip("requires root")
	}

	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skip("requires /dev/kvm")
	}
}

// TestBootAndHaltUnikernel exercises scenario 1: a minimal unikernel image
// that issues HLT immediately should bring every vCPU's Run loop to a clean
// vcpu.Halted/vcpu.Stopped return with no error.
func TestBootAndHaltUnikernel(t *testing.T) {
	skipUnlessKVM(t)

	img := os.Getenv("UHYVE_TEST_IMAGE")
	if img == "" {
		t.Skip("set UHYVE_TEST_IMAGE to a minimal boot-and-halt unikernel ELF to run this scenario")
	}

	cfg := &config.Config{MemSize: guestMemSizeForTest, NCPUs: 1}

	vm, err := vmm.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := vm.LoadImage(img, nil); err != nil {
		t.Fatalf("LoadImage: %v", err)
	}

	if err := vm.Boot(); err != nil {
		t.Fatalf("Boot: %v", err)
	}
}

const guestMemSizeForTest = 64 << 20
