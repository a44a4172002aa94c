// Package pcap writes classic libpcap capture streams. The network
// backend tees guest frames through a Writer so captures open directly
// in tcpdump or wireshark.
package pcap

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"
)

// LinkEthernet is the DLT identifier for ethernet frames, matching the
// libpcap definition.
const LinkEthernet uint32 = 1

const (
	magic        = 0xa1b2c3d4
	versionMajor = 2
	versionMinor = 4
)

// Writer appends packet records to a libpcap stream. Frames longer
// than the snap length are truncated on write, the way capture tools
// behave; the record still carries the original length.
type Writer struct {
	out     io.Writer
	snapLen uint32
}

// NewWriter emits the 24-byte global header and returns a Writer for
// the stream. A snapLen of 0 means no truncation.
func NewWriter(out io.Writer, snapLen uint32, linkType uint32) (*Writer, error) {
	var hdr [24]byte
	binary.LittleEndian.PutUint32(hdr[0:4], magic)
	binary.LittleEndian.PutUint16(hdr[4:6], versionMajor)
	binary.LittleEndian.PutUint16(hdr[6:8], versionMinor)
	// Bytes 8..16 are the timezone offset and timestamp accuracy,
	// both always zero in practice.
	binary.LittleEndian.PutUint32(hdr[16:20], snapLen)
	binary.LittleEndian.PutUint32(hdr[20:24], linkType)

	if _, err := out.Write(hdr[:]); err != nil {
		return nil, fmt.Errorf("pcap: write header: %w", err)
	}
	return &Writer{out: out, snapLen: snapLen}, nil
}

// WritePacket appends one record stamped at ts.
func (w *Writer) WritePacket(ts time.Time, frame []byte) error {
	if len(frame) > math.MaxUint32 {
		return fmt.Errorf("pcap: frame length %d overflows record", len(frame))
	}
	capLen := uint32(len(frame))
	if w.snapLen != 0 && capLen > w.snapLen {
		capLen = w.snapLen
	}

	var tsSec, tsUsec uint32
	if !ts.IsZero() {
		sec := ts.Unix()
		if sec < 0 || sec > math.MaxUint32 {
			return fmt.Errorf("pcap: timestamp %v out of record range", ts)
		}
		tsSec = uint32(sec)
		tsUsec = uint32(ts.Nanosecond() / 1_000)
	}

	var rec [16]byte
	binary.LittleEndian.PutUint32(rec[0:4], tsSec)
	binary.LittleEndian.PutUint32(rec[4:8], tsUsec)
	binary.LittleEndian.PutUint32(rec[8:12], capLen)
	binary.LittleEndian.PutUint32(rec[12:16], uint32(len(frame)))

	if _, err := w.out.Write(rec[:]); err != nil {
		return fmt.Errorf("pcap: write record header: %w", err)
	}
	if capLen == 0 {
		return nil
	}
	if _, err := w.out.Write(frame[:capLen]); err != nil {
		return fmt.Errorf("pcap: write packet data: %w", err)
	}
	return nil
}
