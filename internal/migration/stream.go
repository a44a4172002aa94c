// Package migration moves a machine's state: to a file (snapshot), from
// a file (restore), or live to another host (pre-copy migration). The
// wire format is a sequence of typed frames; memory travels compressed
// and, during live migration, converges through dirty-page rounds
// before the source pauses for the final copy.
package migration

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/keelvm/keel/internal/verr"
)

// MsgType identifies one stream frame.
type MsgType uint32

const (
	// MsgManifest opens every stream: component ids and versions plus
	// the memory geometry. The target hard-rejects anything it cannot
	// reproduce exactly.
	MsgManifest MsgType = iota + 1

	// MsgMemoryFull carries a compressed run of guest RAM.
	MsgMemoryFull

	// MsgMemoryDirty carries individual re-copied pages.
	MsgMemoryDirty

	// MsgState carries one component's serialized state.
	MsgState

	// MsgDone ends the source's stream.
	MsgDone

	// MsgReady is the target's acknowledgement after MsgDone: all
	// state applied, safe to give up the source.
	MsgReady

	// MsgAbort carries the failing side's error text.
	MsgAbort
)

func (t MsgType) String() string {
	switch t {
	case MsgManifest:
		return "manifest"
	case MsgMemoryFull:
		return "memory-full"
	case MsgMemoryDirty:
		return "memory-dirty"
	case MsgState:
		return "state"
	case MsgDone:
		return "done"
	case MsgReady:
		return "ready"
	case MsgAbort:
		return "abort"
	default:
		return fmt.Sprintf("msg(%d)", uint32(t))
	}
}

// maxFrameSize bounds a single frame payload. Memory is chunked well
// below this; the cap catches corrupt length words before they turn
// into huge allocations.
const maxFrameSize = 64 << 20

// memoryChunkSize is the span of guest RAM per MsgMemoryFull frame.
const memoryChunkSize = 4 << 20

// frameHeaderSize is the frame type word plus the payload length word.
const frameHeaderSize = 12

func writeFrame(w io.Writer, typ MsgType, payload []byte) error {
	var hdr [frameHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(typ))
	binary.BigEndian.PutUint64(hdr[4:12], uint64(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("migration: write %s header: %w", typ, err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("migration: write %s payload: %w", typ, err)
		}
	}
	return nil
}

func readFrame(r io.Reader) (MsgType, []byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, fmt.Errorf("migration: read frame header: %w", err)
	}
	typ := MsgType(binary.BigEndian.Uint32(hdr[0:4]))
	size := binary.BigEndian.Uint64(hdr[4:12])
	if size > maxFrameSize {
		return 0, nil, fmt.Errorf("migration: %s frame of %d bytes exceeds limit: %w",
			typ, size, verr.ErrMigrationFormatMismatch)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("migration: read %s payload: %w", typ, err)
	}
	return typ, payload, nil
}

// memoryFull frames are an 8-byte guest base followed by the gzip
// stream of the chunk's raw bytes.
func encodeMemoryChunk(base uint64, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(8 + len(data)/2)
	var hdr [8]byte
	binary.BigEndian.PutUint64(hdr[:], base)
	buf.Write(hdr[:])
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeMemoryChunk(payload []byte) (base uint64, data []byte, err error) {
	if len(payload) < 8 {
		return 0, nil, fmt.Errorf("migration: short memory frame: %w", verr.ErrMigrationFormatMismatch)
	}
	base = binary.BigEndian.Uint64(payload[:8])
	zr, err := gzip.NewReader(bytes.NewReader(payload[8:]))
	if err != nil {
		return 0, nil, fmt.Errorf("migration: memory frame: %w", err)
	}
	defer zr.Close()
	data, err = io.ReadAll(io.LimitReader(zr, memoryChunkSize+1))
	if err != nil {
		return 0, nil, fmt.Errorf("migration: memory frame: %w", err)
	}
	if len(data) > memoryChunkSize {
		return 0, nil, fmt.Errorf("migration: memory frame larger than chunk: %w", verr.ErrMigrationFormatMismatch)
	}
	return base, data, nil
}

// memoryDirty frames are a page count followed by (base, page bytes)
// pairs, uncompressed. Dirty rounds are small by construction.
func encodeDirtyPages(pages []dirtyPage) []byte {
	if len(pages) == 0 {
		return nil
	}
	pageSize := len(pages[0].data)
	buf := make([]byte, 0, 4+len(pages)*(8+pageSize))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(pages)))
	for _, p := range pages {
		buf = binary.BigEndian.AppendUint64(buf, p.base)
		buf = append(buf, p.data...)
	}
	return buf
}

type dirtyPage struct {
	base uint64
	data []byte
}

func decodeDirtyPages(payload []byte, pageSize uint64) ([]dirtyPage, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("migration: short dirty frame: %w", verr.ErrMigrationFormatMismatch)
	}
	count := binary.BigEndian.Uint32(payload[:4])
	payload = payload[4:]
	stride := 8 + int(pageSize)
	if uint64(len(payload)) != uint64(count)*uint64(stride) {
		return nil, fmt.Errorf("migration: dirty frame size mismatch: %w", verr.ErrMigrationFormatMismatch)
	}
	pages := make([]dirtyPage, count)
	for i := range pages {
		off := i * stride
		pages[i].base = binary.BigEndian.Uint64(payload[off : off+8])
		pages[i].data = payload[off+8 : off+stride]
	}
	return pages, nil
}
