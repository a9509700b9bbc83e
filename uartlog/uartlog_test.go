package uartlog_test

import (
	"bytes"
	"testing"

	"github.com/go-uhyve/uhyve/uartlog"
)

func TestWriteFlushesOnNewline(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	sink := uartlog.New(&buf)
	for _, b := range []byte("hello\n") {
		sink.Write(b)
	}

	if buf.String() != "hello\n" {
		t.Fatalf("got %q, want %q", buf.String(), "hello\n")
	}
}

func TestFlushForcesPartialLine(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	sink := uartlog.New(&buf)
	for _, b := range []byte("partial") {
		sink.Write(b)
	}

	if buf.Len() != 0 {
		t.Fatalf("expected no flush before newline, got %q", buf.String())
	}

	sink.Flush()

	if buf.String() != "partial" {
		t.Fatalf("got %q, want %q", buf.String(), "partial")
	}
}
