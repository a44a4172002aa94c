package netback

import (
	"encoding/binary"
)

// handleICMP answers echo requests addressed to the gateway. Everything
// else is dropped.
func (s *Stack) handleICMP(p ipv4Packet) error {
	if len(p.payload) < 8 || p.payload[0] != 8 { // echo request
		return nil
	}

	// Verify the request checksum before answering.
	got := binary.BigEndian.Uint16(p.payload[2:4])
	binary.BigEndian.PutUint16(p.payload[2:4], 0)
	want := inetChecksum(p.payload, 0)
	binary.BigEndian.PutUint16(p.payload[2:4], got)
	if got != want {
		s.log.Debug("netback: drop icmp echo with bad checksum",
			"got", got, "want", want)
		return nil
	}

	dstMAC, err := s.guestDstMAC()
	if err != nil {
		return err
	}

	frame := s.ipv4Frame(dstMAC, p.dst, p.src, protoICMP, len(p.payload))
	reply := frame[ethernetHeaderLen+ipv4HeaderLen:]
	copy(reply, p.payload)
	reply[0] = 0 // echo reply
	binary.BigEndian.PutUint16(reply[2:4], 0)
	binary.BigEndian.PutUint16(reply[2:4], inetChecksum(reply, 0))
	return s.sendFrame(frame)
}
