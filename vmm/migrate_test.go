package vmm

import (
	"os"
	"strconv"
	"testing"
)

func TestControlSocketPathIsPerProcess(t *testing.T) {
	path := controlSocketPath(os.Getpid())

	want := "/tmp/uhyve-" + strconv.Itoa(os.Getpid()) + ".sock"
	if path != want {
		t.Fatalf("controlSocketPath(%d) = %q, want %q", os.Getpid(), path, want)
	}

	other := controlSocketPath(os.Getpid() + 1)
	if other == path {
		t.Fatal("controlSocketPath must vary with pid")
	}
}
