package netback_test

import (
	"encoding/binary"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/icmp"
	xipv4 "golang.org/x/net/ipv4"

	"github.com/keelvm/keel/internal/netback"
)

// Hand-built frames for the paths a real guest exercises before it has
// a working stack: ARP, ping, and the DHCP exchange.

var (
	testGuestMAC  = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	testGateMAC   = net.HardwareAddr{0x0a, 0x42, 0x00, 0x00, 0x00, 0x01}
	broadcastMAC  = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	testGuestIP   = net.IPv4(10, 42, 0, 2).To4()
	testGatewayIP = net.IPv4(10, 42, 0, 1).To4()
)

// frameRecorder captures everything the stack sends to the guest.
type frameRecorder struct {
	frames chan []byte
}

func attachRecorder(s *netback.Stack) *frameRecorder {
	r := &frameRecorder{frames: make(chan []byte, 16)}
	s.AttachDevice(func(frame []byte) error {
		r.frames <- append([]byte(nil), frame...)
		return nil
	})
	return r
}

func (r *frameRecorder) next(t *testing.T) []byte {
	t.Helper()
	select {
	case f := <-r.frames:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

func newRawBackend(t *testing.T) (*netback.Stack, *frameRecorder) {
	t.Helper()
	s, err := netback.New(netback.Config{Logger: slog.Default()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, attachRecorder(s)
}

func ethFrame(dst, src net.HardwareAddr, etherType uint16, payload []byte) []byte {
	frame := make([]byte, 14+len(payload))
	copy(frame[0:6], dst)
	copy(frame[6:12], src)
	binary.BigEndian.PutUint16(frame[12:14], etherType)
	copy(frame[14:], payload)
	return frame
}

func ipv4Packet(src, dst net.IP, protocol uint8, payload []byte) []byte {
	packet := make([]byte, 20+len(payload))
	packet[0] = 0x45
	binary.BigEndian.PutUint16(packet[2:4], uint16(len(packet)))
	packet[8] = 64
	packet[9] = protocol
	copy(packet[12:16], src.To4())
	copy(packet[16:20], dst.To4())
	binary.BigEndian.PutUint16(packet[10:12], rfc1071(packet[:20], 0))
	copy(packet[20:], payload)
	return packet
}

func udpPacket(src, dst net.IP, srcPort, dstPort uint16, payload []byte) []byte {
	seg := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint16(seg[0:2], srcPort)
	binary.BigEndian.PutUint16(seg[2:4], dstPort)
	binary.BigEndian.PutUint16(seg[4:6], uint16(len(seg)))
	copy(seg[8:], payload)
	sum := uint32(17) + uint32(len(seg))
	for _, ip := range [][]byte{src.To4(), dst.To4()} {
		sum += uint32(binary.BigEndian.Uint16(ip[0:2]))
		sum += uint32(binary.BigEndian.Uint16(ip[2:4]))
	}
	binary.BigEndian.PutUint16(seg[6:8], rfc1071(seg, sum))
	return ipv4Packet(src, dst, 17, seg)
}

func rfc1071(data []byte, initial uint32) uint16 {
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

func TestARPReply(t *testing.T) {
	s, rec := newRawBackend(t)

	request := make([]byte, 28)
	binary.BigEndian.PutUint16(request[0:2], 1)      // ethernet
	binary.BigEndian.PutUint16(request[2:4], 0x0800) // ipv4
	request[4] = 6
	request[5] = 4
	binary.BigEndian.PutUint16(request[6:8], 1) // request
	copy(request[8:14], testGuestMAC)
	copy(request[14:18], testGuestIP)
	copy(request[24:28], testGatewayIP)

	require.NoError(t, s.Transmit(ethFrame(broadcastMAC, testGuestMAC, 0x0806, request)))

	frame := rec.next(t)
	require.Equal(t, testGuestMAC, net.HardwareAddr(frame[0:6]))
	require.Equal(t, uint16(0x0806), binary.BigEndian.Uint16(frame[12:14]))
	reply := frame[14:]
	require.Equal(t, uint16(2), binary.BigEndian.Uint16(reply[6:8]))
	require.Equal(t, testGateMAC, net.HardwareAddr(reply[8:14]))
	require.Equal(t, []byte(testGatewayIP), reply[14:18])

	// Requests for other addresses stay unanswered.
	copy(request[24:28], net.IPv4(10, 42, 0, 77).To4())
	require.NoError(t, s.Transmit(ethFrame(broadcastMAC, testGuestMAC, 0x0806, request)))
	select {
	case f := <-rec.frames:
		t.Fatalf("unexpected frame: % x", f)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestICMPEcho(t *testing.T) {
	s, rec := newRawBackend(t)

	echo := &icmp.Message{
		Type: xipv4.ICMPTypeEcho,
		Body: &icmp.Echo{ID: 42, Seq: 7, Data: []byte("are you there")},
	}
	payload, err := echo.Marshal(nil)
	require.NoError(t, err)

	frame := ethFrame(testGateMAC, testGuestMAC, 0x0800,
		ipv4Packet(testGuestIP, testGatewayIP, 1, payload))
	require.NoError(t, s.Transmit(frame))

	out := rec.next(t)
	require.Equal(t, uint16(0x0800), binary.BigEndian.Uint16(out[12:14]))
	msg, err := icmp.ParseMessage(1, out[14+20:])
	require.NoError(t, err)
	require.Equal(t, xipv4.ICMPTypeEchoReply, msg.Type)
	body, ok := msg.Body.(*icmp.Echo)
	require.True(t, ok)
	require.Equal(t, 42, body.ID)
	require.Equal(t, 7, body.Seq)
	require.Equal(t, "are you there", string(body.Data))
}

func dhcpMessage(msgType byte, xid uint32) []byte {
	msg := make([]byte, 240, 256)
	msg[0] = 1 // BOOTREQUEST
	msg[1] = 1
	msg[2] = 6
	binary.BigEndian.PutUint32(msg[4:8], xid)
	copy(msg[28:34], testGuestMAC)
	copy(msg[236:240], []byte{0x63, 0x82, 0x53, 0x63})
	msg = append(msg, 53, 1, msgType, 255)
	return msg
}

func TestDHCPExchange(t *testing.T) {
	s, rec := newRawBackend(t)
	s.StartDHCP()

	zero := net.IPv4zero.To4()
	bcast := net.IPv4bcast.To4()

	send := func(msgType byte, xid uint32) []byte {
		t.Helper()
		frame := ethFrame(broadcastMAC, testGuestMAC, 0x0800,
			udpPacket(zero, bcast, 68, 67, dhcpMessage(msgType, xid)))
		require.NoError(t, s.Transmit(frame))
		return rec.next(t)
	}

	checkReply := func(frame []byte, wantType byte, xid uint32) {
		t.Helper()
		require.Equal(t, testGuestMAC, net.HardwareAddr(frame[0:6]))
		body := frame[14+20+8:] // ethernet + ipv4 + udp
		require.Equal(t, byte(2), body[0], "BOOTREPLY")
		require.Equal(t, xid, binary.BigEndian.Uint32(body[4:8]))
		require.Equal(t, []byte(testGuestIP), body[16:20], "yiaddr")

		var gotType byte
		var router net.IP
		for opts := body[240:]; len(opts) >= 2 && opts[0] != 255; {
			code, length := opts[0], int(opts[1])
			switch code {
			case 53:
				gotType = opts[2]
			case 3:
				router = net.IP(opts[2 : 2+length])
			}
			opts = opts[2+length:]
		}
		require.Equal(t, wantType, gotType)
		require.Equal(t, []byte(testGatewayIP), []byte(router))
	}

	checkReply(send(1, 0x1234), 2, 0x1234) // DISCOVER -> OFFER
	checkReply(send(3, 0x1235), 5, 0x1235) // REQUEST -> ACK
}
