package netif_test

import (
	"os"
	"testing"

	"github.com/go-uhyve/uhyve/netif"
)

func TestNew(t *testing.T) { // nolint:paralleltest
	if os.Getuid() != 0 {
		t.Skip("Skipping test since we are not root")
	}

	dev, err := netif.New("uhyve_test_tap0")
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	if !dev.Enabled() {
		t.Fatal("device should be enabled immediately after New")
	}

	if dev.MAC() == "" {
		t.Fatal("MAC should not be empty")
	}
}

func TestReadEmptyQueue(t *testing.T) { // nolint:paralleltest
	if os.Getuid() != 0 {
		t.Skip("Skipping test since we are not root")
	}

	dev, err := netif.New("uhyve_test_tap1")
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	buf := make([]byte, 64)

	n, err := dev.Read(buf)
	if err != nil {
		t.Fatal(err)
	}

	if n != 0 {
		t.Fatalf("expected no buffered frame, got %d bytes", n)
	}
}
