package pcap

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"
)

func TestStreamLayout(t *testing.T) {
	var buf bytes.Buffer
	const snapLen = 512
	w, err := NewWriter(&buf, snapLen, LinkEthernet)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	ts := time.Unix(1_700_000_000, 250_000_000)
	frame := []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee}
	if err := w.WritePacket(ts, frame); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}

	got := buf.Bytes()
	if want := 24 + 16 + len(frame); len(got) != want {
		t.Fatalf("stream is %d bytes, want %d", len(got), want)
	}

	global := got[:24]
	if m := binary.LittleEndian.Uint32(global[0:4]); m != 0xa1b2c3d4 {
		t.Errorf("magic = %#x", m)
	}
	if v := binary.LittleEndian.Uint16(global[4:6]); v != 2 {
		t.Errorf("major = %d", v)
	}
	if v := binary.LittleEndian.Uint16(global[6:8]); v != 4 {
		t.Errorf("minor = %d", v)
	}
	if s := binary.LittleEndian.Uint32(global[16:20]); s != snapLen {
		t.Errorf("snaplen = %d", s)
	}
	if l := binary.LittleEndian.Uint32(global[20:24]); l != LinkEthernet {
		t.Errorf("linktype = %d", l)
	}

	rec := got[24 : 24+16]
	if sec := binary.LittleEndian.Uint32(rec[0:4]); sec != uint32(ts.Unix()) {
		t.Errorf("ts seconds = %d", sec)
	}
	if usec := binary.LittleEndian.Uint32(rec[4:8]); usec != 250_000 {
		t.Errorf("ts microseconds = %d", usec)
	}
	if capLen := binary.LittleEndian.Uint32(rec[8:12]); capLen != uint32(len(frame)) {
		t.Errorf("caplen = %d", capLen)
	}
	if origLen := binary.LittleEndian.Uint32(rec[12:16]); origLen != uint32(len(frame)) {
		t.Errorf("origlen = %d", origLen)
	}
	if !bytes.Equal(got[24+16:], frame) {
		t.Error("payload differs")
	}
}

func TestSnapLenTruncates(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, 4, LinkEthernet)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	frame := []byte{0, 1, 2, 3, 4, 5, 6, 7}
	if err := w.WritePacket(time.Unix(1, 0), frame); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}

	got := buf.Bytes()
	if want := 24 + 16 + 4; len(got) != want {
		t.Fatalf("stream is %d bytes, want %d", len(got), want)
	}
	rec := got[24 : 24+16]
	if capLen := binary.LittleEndian.Uint32(rec[8:12]); capLen != 4 {
		t.Errorf("caplen = %d, want 4", capLen)
	}
	if origLen := binary.LittleEndian.Uint32(rec[12:16]); origLen != uint32(len(frame)) {
		t.Errorf("origlen = %d, want %d", origLen, len(frame))
	}
	if !bytes.Equal(got[24+16:], frame[:4]) {
		t.Error("truncated payload differs")
	}
}

func TestZeroTimestamp(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, 0, LinkEthernet)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.WritePacket(time.Time{}, []byte{1}); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	rec := buf.Bytes()[24 : 24+16]
	if sec := binary.LittleEndian.Uint32(rec[0:4]); sec != 0 {
		t.Errorf("ts seconds = %d, want 0", sec)
	}
}
