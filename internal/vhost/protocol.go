//go:build linux

// Package vhost splits a virtio device between two processes: a front
// end that stays the device model the guest negotiates with, and a
// backend that runs the data plane against shared guest memory.
//
// Control messages travel over a unix stream socket; guest RAM and the
// per-ring kick, call and error eventfds travel as SCM_RIGHTS
// descriptors. Every request expects a reply, so the control plane is
// synchronous and strictly ordered. The data plane never touches the
// control socket: kicks and completions are eventfd signals against
// rings living in the shared mapping.
package vhost

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/keelvm/keel/internal/verr"
)

// MessageType identifies a control request. The numbering follows the
// vhost-user convention so the wire stays recognizable in socket dumps.
type MessageType uint32

const (
	VHOST_USER_GET_FEATURES          MessageType = 1
	VHOST_USER_SET_FEATURES          MessageType = 2
	VHOST_USER_SET_OWNER             MessageType = 3
	VHOST_USER_SET_MEM_TABLE         MessageType = 5
	VHOST_USER_SET_VRING_NUM         MessageType = 8
	VHOST_USER_SET_VRING_ADDR        MessageType = 9
	VHOST_USER_SET_VRING_BASE        MessageType = 10
	VHOST_USER_GET_VRING_BASE        MessageType = 11
	VHOST_USER_SET_VRING_KICK        MessageType = 12
	VHOST_USER_SET_VRING_CALL        MessageType = 13
	VHOST_USER_SET_VRING_ERR         MessageType = 14
	VHOST_USER_GET_PROTOCOL_FEATURES MessageType = 15
	VHOST_USER_SET_PROTOCOL_FEATURES MessageType = 16
	VHOST_USER_GET_QUEUE_NUM         MessageType = 17
	VHOST_USER_SET_VRING_ENABLE      MessageType = 18
	VHOST_USER_GET_CONFIG            MessageType = 24
	VHOST_USER_SET_STATUS            MessageType = 39
	VHOST_USER_GET_STATUS            MessageType = 40
)

func (t MessageType) String() string {
	switch t {
	case VHOST_USER_GET_FEATURES:
		return "GET_FEATURES"
	case VHOST_USER_SET_FEATURES:
		return "SET_FEATURES"
	case VHOST_USER_SET_OWNER:
		return "SET_OWNER"
	case VHOST_USER_SET_MEM_TABLE:
		return "SET_MEM_TABLE"
	case VHOST_USER_SET_VRING_NUM:
		return "SET_VRING_NUM"
	case VHOST_USER_SET_VRING_ADDR:
		return "SET_VRING_ADDR"
	case VHOST_USER_SET_VRING_BASE:
		return "SET_VRING_BASE"
	case VHOST_USER_GET_VRING_BASE:
		return "GET_VRING_BASE"
	case VHOST_USER_SET_VRING_KICK:
		return "SET_VRING_KICK"
	case VHOST_USER_SET_VRING_CALL:
		return "SET_VRING_CALL"
	case VHOST_USER_SET_VRING_ERR:
		return "SET_VRING_ERR"
	case VHOST_USER_GET_PROTOCOL_FEATURES:
		return "GET_PROTOCOL_FEATURES"
	case VHOST_USER_SET_PROTOCOL_FEATURES:
		return "SET_PROTOCOL_FEATURES"
	case VHOST_USER_GET_QUEUE_NUM:
		return "GET_QUEUE_NUM"
	case VHOST_USER_SET_VRING_ENABLE:
		return "SET_VRING_ENABLE"
	case VHOST_USER_GET_CONFIG:
		return "GET_CONFIG"
	case VHOST_USER_SET_STATUS:
		return "SET_STATUS"
	case VHOST_USER_GET_STATUS:
		return "GET_STATUS"
	default:
		return fmt.Sprintf("MSG(%d)", uint32(t))
	}
}

// Message framing: a 12-byte header (type, flags, payload length, all
// little-endian u32) followed by the payload. The two low flag bits
// carry the protocol version; peers speaking another version are
// rejected before any payload parse.
const (
	headerSize = 12

	protocolVersion = 0x1
	versionMask     = 0x3

	flagReply     = 1 << 2
	flagNeedReply = 1 << 3
	// flagError marks a reply whose payload is an ack code instead of
	// the requested value.
	flagError = 1 << 4

	maxPayload = 4096
	maxMsgFDs  = 8
)

// Ack codes. Every accepted request that has no value to return is
// answered with ackOK; error-flagged replies carry the failure code.
const (
	ackOK      uint64 = 0
	ackFailed  uint64 = 1
	ackUnknown uint64 = 2
)

// Protocol feature bits, negotiated once per session.
const (
	VHOST_USER_PROTOCOL_F_MQ     = uint64(1) << 0
	VHOST_USER_PROTOCOL_F_CONFIG = uint64(1) << 9
	VHOST_USER_PROTOCOL_F_STATUS = uint64(1) << 16
)

// VHOST_USER_F_PROTOCOL_FEATURES gates the protocol-feature handshake
// inside the device feature word. It is session plumbing and never
// reaches the guest.
const VHOST_USER_F_PROTOCOL_FEATURES = uint64(1) << 30

// deviceStatusRunning is what a front reports through SET_STATUS once
// the guest driver completed negotiation
// (ACKNOWLEDGE|DRIVER|FEATURES_OK|DRIVER_OK).
const deviceStatusRunning = 0xf

// Message is one framed control message plus any descriptors that rode
// along as rights.
type Message struct {
	Type    MessageType
	Flags   uint32
	Payload []byte
	Files   []*os.File
}

// Reply reports whether the message answers a request.
func (m *Message) Reply() bool { return m.Flags&flagReply != 0 }

// Err returns the failure carried by an error-flagged reply, or nil
// for a value reply.
func (m *Message) Err() error {
	if m.Flags&flagError == 0 {
		return nil
	}
	code, err := parseU64(m.Payload)
	if err != nil {
		return err
	}
	if code == ackUnknown {
		return fmt.Errorf("vhost: %s not implemented by peer: %w", m.Type, verr.ErrProtocolViolation)
	}
	return fmt.Errorf("vhost: %s rejected with code %d: %w", m.Type, code, verr.ErrProtocolViolation)
}

// CloseFiles releases every descriptor that arrived with the message.
func (m *Message) CloseFiles() {
	for _, f := range m.Files {
		f.Close()
	}
	m.Files = nil
}

func putU64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func parseU64(p []byte) (uint64, error) {
	if len(p) != 8 {
		return 0, fmt.Errorf("vhost: u64 payload is %d bytes: %w", len(p), verr.ErrProtocolViolation)
	}
	return binary.LittleEndian.Uint64(p), nil
}

// VringState pairs a ring index with a 32-bit value; which value
// depends on the message (ring size, base cursor, enable flag).
type VringState struct {
	Index uint32
	Num   uint32
}

func (s VringState) encode() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], s.Index)
	binary.LittleEndian.PutUint32(buf[4:8], s.Num)
	return buf
}

func parseVringState(p []byte) (VringState, error) {
	if len(p) != 8 {
		return VringState{}, fmt.Errorf("vhost: vring state payload is %d bytes: %w", len(p), verr.ErrProtocolViolation)
	}
	return VringState{
		Index: binary.LittleEndian.Uint32(p[0:4]),
		Num:   binary.LittleEndian.Uint32(p[4:8]),
	}, nil
}

// VringAddr carries the three ring addresses of one queue. Addresses
// are guest-physical, so the backend validates them against the memory
// table with the same rules the in-process transport applies.
type VringAddr struct {
	Index uint32
	Flags uint32
	Desc  uint64
	Avail uint64
	Used  uint64
}

const vringAddrSize = 32

func (a VringAddr) encode() []byte {
	buf := make([]byte, vringAddrSize)
	binary.LittleEndian.PutUint32(buf[0:4], a.Index)
	binary.LittleEndian.PutUint32(buf[4:8], a.Flags)
	binary.LittleEndian.PutUint64(buf[8:16], a.Desc)
	binary.LittleEndian.PutUint64(buf[16:24], a.Avail)
	binary.LittleEndian.PutUint64(buf[24:32], a.Used)
	return buf
}

func parseVringAddr(p []byte) (VringAddr, error) {
	if len(p) != vringAddrSize {
		return VringAddr{}, fmt.Errorf("vhost: vring addr payload is %d bytes: %w", len(p), verr.ErrProtocolViolation)
	}
	return VringAddr{
		Index: binary.LittleEndian.Uint32(p[0:4]),
		Flags: binary.LittleEndian.Uint32(p[4:8]),
		Desc:  binary.LittleEndian.Uint64(p[8:16]),
		Avail: binary.LittleEndian.Uint64(p[16:24]),
		Used:  binary.LittleEndian.Uint64(p[24:32]),
	}, nil
}

// MemRegion describes one span of guest RAM inside a shared memory
// file.
type MemRegion struct {
	GPA        uint64
	Size       uint64
	FileOffset uint64
}

const (
	memRegionSize = 24
	maxMemRegions = 8
)

// encodeMemTable frames a SET_MEM_TABLE payload: a region count, four
// bytes of padding, then the regions. The descriptors for the backing
// files travel separately as rights.
func encodeMemTable(regions []MemRegion) ([]byte, error) {
	if len(regions) == 0 || len(regions) > maxMemRegions {
		return nil, fmt.Errorf("vhost: memory table with %d regions: %w", len(regions), verr.ErrProtocolViolation)
	}
	buf := make([]byte, 8+memRegionSize*len(regions))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(regions)))
	for i, r := range regions {
		off := 8 + i*memRegionSize
		binary.LittleEndian.PutUint64(buf[off:off+8], r.GPA)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], r.Size)
		binary.LittleEndian.PutUint64(buf[off+16:off+24], r.FileOffset)
	}
	return buf, nil
}

func parseMemTable(p []byte) ([]MemRegion, error) {
	if len(p) < 8 {
		return nil, fmt.Errorf("vhost: memory table payload is %d bytes: %w", len(p), verr.ErrProtocolViolation)
	}
	count := binary.LittleEndian.Uint32(p[0:4])
	if count == 0 || count > maxMemRegions {
		return nil, fmt.Errorf("vhost: memory table with %d regions: %w", count, verr.ErrProtocolViolation)
	}
	if len(p) != 8+int(count)*memRegionSize {
		return nil, fmt.Errorf("vhost: memory table payload is %d bytes for %d regions: %w",
			len(p), count, verr.ErrProtocolViolation)
	}
	regions := make([]MemRegion, count)
	for i := range regions {
		off := 8 + i*memRegionSize
		regions[i] = MemRegion{
			GPA:        binary.LittleEndian.Uint64(p[off : off+8]),
			Size:       binary.LittleEndian.Uint64(p[off+8 : off+16]),
			FileOffset: binary.LittleEndian.Uint64(p[off+16 : off+24]),
		}
	}
	return regions, nil
}

// SET_VRING_KICK/CALL/ERR payloads are a u64: the ring index in the
// low byte, plus a flag saying no descriptor accompanies the message.
const (
	vringIdxMask  = 0xff
	vringNoFDMask = 0x100
)

func encodeVringFD(index int, hasFD bool) []byte {
	v := uint64(index) & vringIdxMask
	if !hasFD {
		v |= vringNoFDMask
	}
	return putU64(v)
}

func parseVringFD(p []byte) (index int, hasFD bool, err error) {
	v, err := parseU64(p)
	if err != nil {
		return 0, false, err
	}
	return int(v & vringIdxMask), v&vringNoFDMask == 0, nil
}

// configReq asks for a window of the device config space. The size is
// an upper bound; the reply carries what the device has.
type configReq struct {
	Offset uint32
	Size   uint32
}

const maxConfigSize = 256

func (r configReq) encode() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], r.Offset)
	binary.LittleEndian.PutUint32(buf[4:8], r.Size)
	return buf
}

func parseConfigReq(p []byte) (configReq, error) {
	if len(p) != 8 {
		return configReq{}, fmt.Errorf("vhost: config request payload is %d bytes: %w", len(p), verr.ErrProtocolViolation)
	}
	return configReq{
		Offset: binary.LittleEndian.Uint32(p[0:4]),
		Size:   binary.LittleEndian.Uint32(p[4:8]),
	}, nil
}
