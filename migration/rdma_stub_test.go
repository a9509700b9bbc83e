package migration_test

import (
	"bytes"
	"testing"

	"github.com/go-uhyve/uhyve/migration"
)

func TestFabricTransportBatchesUntilFull(t *testing.T) {
	var buf bytes.Buffer

	ft := migration.NewFabricTransport(&buf, 2)

	if err := ft.QueueWrite(0x1000, []byte("aaaa")); err != nil {
		t.Fatal(err)
	}

	if buf.Len() != 0 {
		t.Fatalf("expected no flush before batch fills, got %d bytes written", buf.Len())
	}

	if err := ft.QueueWrite(0x2000, []byte("bbbb")); err != nil {
		t.Fatal(err)
	}

	if buf.Len() == 0 {
		t.Fatal("expected a flush once the batch reached its size")
	}
}

func TestFabricTransportFlushForcesPartialBatch(t *testing.T) {
	var buf bytes.Buffer

	ft := migration.NewFabricTransport(&buf, 64)

	if err := ft.QueueWrite(0x3000, []byte("cccc")); err != nil {
		t.Fatal(err)
	}

	if err := ft.Flush(); err != nil {
		t.Fatal(err)
	}

	if buf.Len() == 0 {
		t.Fatal("expected Flush to force a completion on a partial batch")
	}

	recv := migration.NewReceiver(&buf)

	msgType, payload, err := recv.Next()
	if err != nil {
		t.Fatal(err)
	}

	if msgType != migration.MsgMemoryDirty {
		t.Fatalf("got type %d, want MsgMemoryDirty", msgType)
	}

	reqs, err := migration.DecodeWorkRequests(payload)
	if err != nil {
		t.Fatal(err)
	}

	if len(reqs) != 1 || reqs[0].GuestPhysAddr != 0x3000 || string(reqs[0].Data) != "cccc" {
		t.Errorf("decoded work requests mismatch: %+v", reqs)
	}
}
