// Package debug records a binary trace of VMM internals: lifecycle
// transitions, MMIO dispatch, and migration phases. Tracing is off
// unless the process opens a sink, normally from the KEEL_TRACE
// environment variable, so the hooks cost one atomic load when idle.
//
// The trace is a 16 byte file header (magic + version) followed by
// records:
//   - 2 bytes kind
//   - 2 bytes source length
//   - 4 bytes payload length
//   - 8 bytes timestamp (nanoseconds since epoch)
//   - source, then payload
//
// Concurrency: writers reserve file space by atomically advancing a
// shared offset, then write their record with WriteAt. Records from
// different goroutines never interleave bytes.
package debug

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"
)

// Magic opens every trace file. The final byte is the format version.
var Magic = [16]byte{'k', 'e', 'e', 'l', '-', 't', 'r', 'a', 'c', 'e', 0, 0, 0, 0, 0, 1}

const recordHeaderLen = 16

// Kind tags a trace record.
type Kind uint16

const (
	KindInvalid Kind = iota
	KindString       // free-form text
	KindState        // lifecycle transition: "from\x00to"
	KindMMIO         // packed mmioRecord
	KindMigration    // migration phase: "phase\x00detail"
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindState:
		return "state"
	case KindMMIO:
		return "mmio"
	case KindMigration:
		return "migration"
	}
	return fmt.Sprintf("invalid kind %d", uint16(k))
}

// Sink is where the trace goes. Writers only need WriteAt, so a plain
// *os.File works.
type Sink interface {
	io.WriterAt
	io.Closer
}

type sinkHandle struct {
	w Sink
}

var (
	sink   atomic.Pointer[sinkHandle]
	offset atomic.Uint64
)

// EnvVar names the environment variable InitFromEnv consults.
const EnvVar = "KEEL_TRACE"

// InitFromEnv opens the trace file named by KEEL_TRACE, if set.
func InitFromEnv() error {
	path := os.Getenv(EnvVar)
	if path == "" {
		return nil
	}
	return OpenFile(path)
}

// OpenFile starts tracing to path, truncating previous runs.
func OpenFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	return Open(f)
}

// Open starts tracing to w. An already-open sink is discarded without
// being closed and reported as an error; records may be lost.
func Open(w Sink) error {
	if _, err := w.WriteAt(Magic[:], 0); err != nil {
		return fmt.Errorf("debug: write trace header: %w", err)
	}
	offset.Store(uint64(len(Magic)))
	if sink.Swap(&sinkHandle{w: w}) != nil {
		return fmt.Errorf("debug: trace already open, previous sink discarded")
	}
	return nil
}

// Enabled reports whether a sink is open. Use it to skip expensive
// record construction.
func Enabled() bool {
	return sink.Load() != nil
}

// Close stops tracing and closes the sink.
func Close() error {
	h := sink.Swap(nil)
	offset.Store(0)
	if h == nil {
		return nil
	}
	return h.w.Close()
}

func emit(kind Kind, source string, payload []byte) {
	h := sink.Load()
	if h == nil {
		return
	}

	size := uint64(recordHeaderLen + len(source) + len(payload))
	off := int64(offset.Add(size) - size)

	var header [recordHeaderLen]byte
	binary.LittleEndian.PutUint16(header[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(header[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(payload)))
	binary.LittleEndian.PutUint64(header[8:16], uint64(time.Now().UnixNano()))

	// Trace loss is tolerable; trace breakage of the VMM is not.
	if _, err := h.w.WriteAt(header[:], off); err != nil {
		return
	}
	if _, err := h.w.WriteAt([]byte(source), off+recordHeaderLen); err != nil {
		return
	}
	_, _ = h.w.WriteAt(payload, off+recordHeaderLen+int64(len(source)))
}

// Writef records free-form text under a source.
func Writef(source, format string, args ...any) {
	if !Enabled() {
		return
	}
	emit(KindString, source, fmt.Appendf(nil, format, args...))
}

// State records a lifecycle transition.
func State(source, from, to string) {
	if !Enabled() {
		return
	}
	payload := make([]byte, 0, len(from)+len(to)+1)
	payload = append(payload, from...)
	payload = append(payload, 0)
	payload = append(payload, to...)
	emit(KindState, source, payload)
}

// MMIO records one device register access.
func MMIO(source string, addr uint64, size int, write bool) {
	if !Enabled() {
		return
	}
	var payload [10]byte
	binary.LittleEndian.PutUint64(payload[0:8], addr)
	payload[8] = byte(size)
	if write {
		payload[9] = 1
	}
	emit(KindMMIO, source, payload[:])
}

// Migration records a migration phase change.
func Migration(source, phase, detail string) {
	if !Enabled() {
		return
	}
	payload := make([]byte, 0, len(phase)+len(detail)+1)
	payload = append(payload, phase...)
	payload = append(payload, 0)
	payload = append(payload, detail...)
	emit(KindMigration, source, payload)
}

// Record is one decoded trace entry.
type Record struct {
	Time    time.Time
	Kind    Kind
	Source  string
	Payload []byte
}

// MMIORecord unpacks a KindMMIO payload.
func (r Record) MMIORecord() (addr uint64, size int, write bool, err error) {
	if r.Kind != KindMMIO || len(r.Payload) != 10 {
		return 0, 0, false, fmt.Errorf("debug: record is not an mmio record")
	}
	return binary.LittleEndian.Uint64(r.Payload[0:8]), int(r.Payload[8]), r.Payload[9] != 0, nil
}

// Pair splits the "a\x00b" payload convention used by KindState and
// KindMigration.
func (r Record) Pair() (string, string) {
	for i, b := range r.Payload {
		if b == 0 {
			return string(r.Payload[:i]), string(r.Payload[i+1:])
		}
	}
	return string(r.Payload), ""
}

// ReadTrace decodes a complete trace stream.
func ReadTrace(r io.Reader) ([]Record, error) {
	var magic [16]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("debug: read trace header: %w", err)
	}
	if magic != Magic {
		return nil, fmt.Errorf("debug: bad trace magic % x", magic[:])
	}

	var records []Record
	var header [recordHeaderLen]byte
	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			if err == io.EOF {
				return records, nil
			}
			return nil, fmt.Errorf("debug: read record header: %w", err)
		}
		kind := Kind(binary.LittleEndian.Uint16(header[0:2]))
		if kind == KindInvalid || kind > KindMigration {
			return nil, fmt.Errorf("debug: invalid record kind %d", kind)
		}
		sourceLen := int(binary.LittleEndian.Uint16(header[2:4]))
		payloadLen := int(binary.LittleEndian.Uint32(header[4:8]))
		ts := int64(binary.LittleEndian.Uint64(header[8:16]))

		buf := make([]byte, sourceLen+payloadLen)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("debug: read record body: %w", err)
		}
		records = append(records, Record{
			Time:    time.Unix(0, ts),
			Kind:    kind,
			Source:  string(buf[:sourceLen]),
			Payload: buf[sourceLen:],
		})
	}
}
