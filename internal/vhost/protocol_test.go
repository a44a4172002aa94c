//go:build linux

package vhost

import (
	"errors"
	"testing"

	"github.com/keelvm/keel/internal/verr"
)

func TestMessageTypeString(t *testing.T) {
	if got := VHOST_USER_SET_VRING_KICK.String(); got != "SET_VRING_KICK" {
		t.Errorf("String() = %q, want SET_VRING_KICK", got)
	}
	if got := MessageType(99).String(); got != "MSG(99)" {
		t.Errorf("String() = %q, want MSG(99)", got)
	}
}

func TestMemTableEncoding(t *testing.T) {
	regions := []MemRegion{
		{GPA: 0, Size: 1 << 20, FileOffset: 0},
		{GPA: 1 << 30, Size: 4096, FileOffset: 1 << 20},
	}
	payload, err := encodeMemTable(regions)
	if err != nil {
		t.Fatalf("encodeMemTable failed: %v", err)
	}
	back, err := parseMemTable(payload)
	if err != nil {
		t.Fatalf("parseMemTable failed: %v", err)
	}
	if len(back) != len(regions) || back[0] != regions[0] || back[1] != regions[1] {
		t.Errorf("parsed table %+v, want %+v", back, regions)
	}

	if _, err := encodeMemTable(nil); !errors.Is(err, verr.ErrProtocolViolation) {
		t.Errorf("empty table error = %v, want ErrProtocolViolation", err)
	}
	if _, err := parseMemTable(payload[:len(payload)-1]); !errors.Is(err, verr.ErrProtocolViolation) {
		t.Errorf("truncated table error = %v, want ErrProtocolViolation", err)
	}
	if _, err := parseMemTable(payload[:4]); !errors.Is(err, verr.ErrProtocolViolation) {
		t.Errorf("short table error = %v, want ErrProtocolViolation", err)
	}
}

func TestVringFDEncoding(t *testing.T) {
	idx, hasFD, err := parseVringFD(encodeVringFD(3, true))
	if err != nil || idx != 3 || !hasFD {
		t.Errorf("parseVringFD = (%d, %v, %v), want (3, true, nil)", idx, hasFD, err)
	}
	idx, hasFD, err = parseVringFD(encodeVringFD(0, false))
	if err != nil || idx != 0 || hasFD {
		t.Errorf("parseVringFD = (%d, %v, %v), want (0, false, nil)", idx, hasFD, err)
	}
}
