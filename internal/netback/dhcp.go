package netback

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/keelvm/keel/internal/verr"
)

// DHCP with a single static lease: whatever the guest asks, it is
// offered the configured guest address. Enough for a kernel ip=dhcp
// boot without hostside configuration.

const (
	dhcpServerPort = 67
	dhcpClientPort = 68

	dhcpOpRequest = 1
	dhcpOpReply   = 2

	dhcpTypeDiscover = 1
	dhcpTypeOffer    = 2
	dhcpTypeRequest  = 3
	dhcpTypeAck      = 5

	dhcpOptSubnetMask  = 1
	dhcpOptRouter      = 3
	dhcpOptDNSServer   = 6
	dhcpOptLeaseTime   = 51
	dhcpOptMessageType = 53
	dhcpOptServerID    = 54
	dhcpOptEnd         = 255

	dhcpFixedLen     = 236 // BOOTP fields before the magic cookie
	dhcpLeaseSeconds = 86400
)

var dhcpMagicCookie = [4]byte{0x63, 0x82, 0x53, 0x63}

type dhcpServer struct {
	stack *Stack
}

// StartDHCP enables the static-lease responder on port 67.
func (s *Stack) StartDHCP() {
	s.dhcp = &dhcpServer{stack: s}
}

func (d *dhcpServer) handle(data []byte) error {
	if len(data) < dhcpFixedLen+4 {
		return fmt.Errorf("netback: dhcp message too short (%d bytes): %w", len(data), verr.ErrProtocolViolation)
	}
	if data[0] != dhcpOpRequest || data[1] != 1 || data[2] != 6 {
		return nil
	}
	if [4]byte(data[dhcpFixedLen:dhcpFixedLen+4]) != dhcpMagicCookie {
		return nil
	}
	xid := binary.BigEndian.Uint32(data[4:8])
	chaddr := net.HardwareAddr(data[28:34])

	msgType := byte(0)
	for opts := data[dhcpFixedLen+4:]; len(opts) >= 2; {
		code, length := opts[0], int(opts[1])
		if code == dhcpOptEnd || len(opts) < 2+length {
			break
		}
		if code == dhcpOptMessageType && length == 1 {
			msgType = opts[2]
		}
		opts = opts[2+length:]
	}

	var replyType byte
	switch msgType {
	case dhcpTypeDiscover:
		replyType = dhcpTypeOffer
	case dhcpTypeRequest:
		replyType = dhcpTypeAck
	default:
		return nil
	}

	s := d.stack
	s.log.Debug("netback: dhcp lease", "type", replyType,
		"mac", chaddr, "ip", net.IP(s.guestIP[:]))

	reply := make([]byte, dhcpFixedLen+4, dhcpFixedLen+64)
	reply[0] = dhcpOpReply
	reply[1] = 1 // ethernet
	reply[2] = 6
	binary.BigEndian.PutUint32(reply[4:8], xid)
	copy(reply[16:20], s.guestIP[:])   // yiaddr
	copy(reply[20:24], s.gatewayIP[:]) // siaddr
	copy(reply[28:34], chaddr)
	copy(reply[dhcpFixedLen:], dhcpMagicCookie[:])

	reply = append(reply, dhcpOptMessageType, 1, replyType)
	reply = append(reply, dhcpOptServerID, 4)
	reply = append(reply, s.gatewayIP[:]...)
	reply = append(reply, dhcpOptLeaseTime, 4)
	reply = binary.BigEndian.AppendUint32(reply, dhcpLeaseSeconds)
	reply = append(reply, dhcpOptSubnetMask, 4)
	reply = append(reply, s.netmask[:]...)
	reply = append(reply, dhcpOptRouter, 4)
	reply = append(reply, s.gatewayIP[:]...)
	reply = append(reply, dhcpOptDNSServer, 4)
	reply = append(reply, s.gatewayIP[:]...)
	reply = append(reply, dhcpOptEnd)

	// The client has no address yet; answer to its MAC on the IP
	// broadcast address.
	return s.sendUDP(chaddr, s.gatewayIP, [4]byte{255, 255, 255, 255},
		dhcpServerPort, dhcpClientPort, reply)
}
