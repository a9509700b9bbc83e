// This file implements the framed binary transport used to stream migration
// data between the source and destination over a byte-stream connection
// (TCP, or the software zero-copy stand-in in rdma_stub.go).
//
// Wire format for each message:
//
//	[4-byte big-endian type][8-byte big-endian payload length][payload bytes]
package migration

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/go-uhyve/uhyve/errkind"
)

// MsgType identifies a migration protocol message.
type MsgType uint32

const (
	MsgSnapshot    MsgType = 1 // gob-encoded Snapshot (no memory)
	MsgMemoryFull  MsgType = 2 // raw guest memory (full copy)
	MsgMemoryDirty MsgType = 3 // raw dirty pages preceded by their index
	MsgDone        MsgType = 4 // source signals end-of-migration
	MsgReady       MsgType = 5 // destination confirms it is running
	MsgMetadata    MsgType = 6 // gob-encoded Metadata, sent first
)

// ChunkInfo describes one guest-physical memory range so the destination
// can replicate the source's hole-aware allocation before any memory
// arrives.
type ChunkInfo struct {
	GuestPhysAddr uint64
	Size          uint64
}

// Metadata is sent once at connection establishment, ahead of any memory
// or state transfer, per spec's migration-metadata contract.
type Metadata struct {
	NCPUs            int
	GuestSize        int64
	CheckpointNumber int
	EntryPoint       uint64
	Full             bool
	Chunks           []ChunkInfo
}

// Sender writes framed messages to an underlying writer (typically a TCP conn).
type Sender struct {
	w io.Writer
}

// NewSender wraps w as a migration Sender.
func NewSender(w io.Writer) *Sender { return &Sender{w: w} }

// send writes a single framed message.
func (s *Sender) send(t MsgType, payload []byte) error {
	hdr := make([]byte, 12)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(t))
	binary.BigEndian.PutUint64(hdr[4:12], uint64(len(payload)))

	if _, err := s.w.Write(hdr); err != nil {
		return fmt.Errorf("%w: send header: %w", errkind.ErrIoError, err)
	}

	if len(payload) > 0 {
		if _, err := s.w.Write(payload); err != nil {
			return fmt.Errorf("%w: send payload: %w", errkind.ErrIoError, err)
		}
	}

	return nil
}

// SendSnapshot encodes snap with gob and sends it as a MsgSnapshot.
func (s *Sender) SendSnapshot(snap *Snapshot) error {
	payload, err := encodeGob(snap)
	if err != nil {
		return fmt.Errorf("%w: encode snapshot: %w", errkind.ErrProtocolViolation, err)
	}

	return s.send(MsgSnapshot, payload)
}

// encodeGob gob-encodes v into a byte slice.
func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// SendMetadata gob-encodes md and sends it as a MsgMetadata, ahead of any
// memory or snapshot message.
func (s *Sender) SendMetadata(md *Metadata) error {
	payload, err := encodeGob(md)
	if err != nil {
		return fmt.Errorf("%w: encode metadata: %w", errkind.ErrProtocolViolation, err)
	}

	return s.send(MsgMetadata, payload)
}

// SendMemoryFull sends the raw memory bytes (full copy).
func (s *Sender) SendMemoryFull(mem []byte) error {
	return s.send(MsgMemoryFull, mem)
}

// SendMemoryDirty sends a dirty-page transfer message.
// bitmapBytes is an index the transport carries opaquely ahead of the dirty
// page data. RunSource and FabricTransport fill it with one 16-byte
// (guest-physical address, size) record per page, which is how
// RunDestination applies the pages.
func (s *Sender) SendMemoryDirty(bitmapBytes []byte, pageData []byte) error {
	// Message layout: [8-byte bitmap length][bitmap][page data]
	hdr := make([]byte, 8)
	binary.BigEndian.PutUint64(hdr, uint64(len(bitmapBytes)))
	payload := make([]byte, 0, 8+len(bitmapBytes)+len(pageData))
	payload = append(payload, hdr...)
	payload = append(payload, bitmapBytes...)
	payload = append(payload, pageData...)

	return s.send(MsgMemoryDirty, payload)
}

// SendDone signals the end of the migration stream.
func (s *Sender) SendDone() error { return s.send(MsgDone, nil) }

// SendReady signals that the destination VM is running.
func (s *Sender) SendReady() error { return s.send(MsgReady, nil) }

// Receiver reads framed messages from an underlying reader.
type Receiver struct {
	r io.Reader
}

// NewReceiver wraps r as a migration Receiver.
func NewReceiver(r io.Reader) *Receiver { return &Receiver{r: r} }

// Next reads the next message header and returns the type and full payload.
func (r *Receiver) Next() (MsgType, []byte, error) {
	hdr := make([]byte, 12)
	if _, err := io.ReadFull(r.r, hdr); err != nil {
		return 0, nil, fmt.Errorf("%w: read header: %w", errkind.ErrProtocolViolation, err)
	}

	t := MsgType(binary.BigEndian.Uint32(hdr[0:4]))
	length := binary.BigEndian.Uint64(hdr[4:12])

	if length == 0 {
		return t, nil, nil
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return 0, nil, fmt.Errorf("%w: read payload (type=%d len=%d): %w", errkind.ErrProtocolViolation, t, length, err)
	}

	return t, payload, nil
}

// DecodeSnapshot decodes a gob-encoded Snapshot from payload bytes.
func DecodeSnapshot(payload []byte) (*Snapshot, error) {
	snap := &Snapshot{}
	dec := gob.NewDecoder((*bReader)(&payload))

	if err := dec.Decode(snap); err != nil {
		return nil, fmt.Errorf("%w: decode snapshot: %w", errkind.ErrProtocolViolation, err)
	}

	return snap, nil
}

// DecodeMetadata decodes a gob-encoded Metadata from payload bytes.
func DecodeMetadata(payload []byte) (*Metadata, error) {
	md := &Metadata{}
	dec := gob.NewDecoder((*bReader)(&payload))

	if err := dec.Decode(md); err != nil {
		return nil, fmt.Errorf("%w: decode metadata: %w", errkind.ErrProtocolViolation, err)
	}

	return md, nil
}

// DecodeDirtyPayload splits a MsgMemoryDirty payload into the bitmap bytes
// and the packed page data bytes.
func DecodeDirtyPayload(payload []byte) (bitmapBytes []byte, pageData []byte, err error) {
	if len(payload) < 8 {
		return nil, nil, fmt.Errorf("%w: dirty payload too short: %d bytes", errkind.ErrProtocolViolation, len(payload))
	}

	bitmapLen := binary.BigEndian.Uint64(payload[0:8])
	if uint64(len(payload)) < 8+bitmapLen {
		return nil, nil, fmt.Errorf("%w: dirty payload truncated", errkind.ErrProtocolViolation)
	}

	return payload[8 : 8+bitmapLen], payload[8+bitmapLen:], nil
}

// bReader wraps a byte slice as an io.Reader.
type bReader []byte

func (b *bReader) Read(p []byte) (int, error) {
	if len(*b) == 0 {
		return 0, io.EOF
	}

	n := copy(p, *b)
	*b = (*b)[n:]

	return n, nil
}
