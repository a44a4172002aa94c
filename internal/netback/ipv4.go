package netback

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/keelvm/keel/internal/verr"
)

// ipv4Packet is a parsed IPv4 packet. Fragmentation and options are not
// supported; fragments are dropped at parse time.
type ipv4Packet struct {
	src      [4]byte
	dst      [4]byte
	protocol uint8
	payload  []byte
}

func parseIPv4(data []byte) (ipv4Packet, error) {
	if len(data) < ipv4HeaderLen {
		return ipv4Packet{}, fmt.Errorf("netback: ipv4 packet too short (%d bytes): %w", len(data), verr.ErrProtocolViolation)
	}
	if data[0]>>4 != 4 {
		return ipv4Packet{}, fmt.Errorf("netback: not an ipv4 packet (version %d): %w", data[0]>>4, verr.ErrProtocolViolation)
	}
	headerLen := int(data[0]&0x0f) * 4
	totalLen := int(binary.BigEndian.Uint16(data[2:4]))
	if headerLen < ipv4HeaderLen || totalLen < headerLen || totalLen > len(data) {
		return ipv4Packet{}, fmt.Errorf("netback: ipv4 length fields inconsistent (ihl=%d total=%d have=%d): %w",
			headerLen, totalLen, len(data), verr.ErrProtocolViolation)
	}
	// Fragment offset or more-fragments set.
	if frag := binary.BigEndian.Uint16(data[6:8]); frag&0x3fff != 0 {
		return ipv4Packet{}, fmt.Errorf("netback: ip fragmentation not supported: %w", verr.ErrProtocolViolation)
	}
	p := ipv4Packet{
		protocol: data[9],
		payload:  data[headerLen:totalLen],
	}
	copy(p.src[:], data[12:16])
	copy(p.dst[:], data[16:20])
	return p, nil
}

// writeIPv4Header fills a 20 byte header into buf, including checksum.
func writeIPv4Header(buf []byte, src, dst [4]byte, protocol uint8, payloadLen int) {
	buf[0] = 4<<4 | ipv4HeaderLen/4
	buf[1] = 0
	binary.BigEndian.PutUint16(buf[2:4], uint16(ipv4HeaderLen+payloadLen))
	binary.BigEndian.PutUint16(buf[4:6], 0)
	binary.BigEndian.PutUint16(buf[6:8], 0)
	buf[8] = 64 // TTL
	buf[9] = protocol
	binary.BigEndian.PutUint16(buf[10:12], 0)
	copy(buf[12:16], src[:])
	copy(buf[16:20], dst[:])
	binary.BigEndian.PutUint16(buf[10:12], inetChecksum(buf[:ipv4HeaderLen], 0))
}

// ipv4Frame allocates an ethernet+IPv4 frame with room for payloadLen
// transport bytes and fills both headers. The returned slice's transport
// region starts at ethernetHeaderLen+ipv4HeaderLen.
func (s *Stack) ipv4Frame(dstMAC net.HardwareAddr, src, dst [4]byte, protocol uint8, payloadLen int) []byte {
	frame := make([]byte, ethernetHeaderLen+ipv4HeaderLen+payloadLen)
	copy(frame[0:6], dstMAC)
	copy(frame[6:12], s.gatewayMAC)
	binary.BigEndian.PutUint16(frame[12:14], etherTypeIPv4)
	writeIPv4Header(frame[ethernetHeaderLen:], src, dst, protocol, payloadLen)
	return frame
}

// inetChecksum computes the ones-complement internet checksum over data,
// folded with an initial partial sum.
func inetChecksum(data []byte, initial uint32) uint16 {
	sum := initial
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return ^uint16(sum)
}

// pseudoSum is the IPv4 pseudo-header partial sum used by UDP and TCP
// checksums.
func pseudoSum(src, dst [4]byte, protocol uint8, length int) uint32 {
	sum := uint32(binary.BigEndian.Uint16(src[0:2]))
	sum += uint32(binary.BigEndian.Uint16(src[2:4]))
	sum += uint32(binary.BigEndian.Uint16(dst[0:2]))
	sum += uint32(binary.BigEndian.Uint16(dst[2:4]))
	sum += uint32(protocol)
	sum += uint32(length)
	return sum
}
