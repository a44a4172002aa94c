package netback

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/keelvm/keel/internal/verr"
)

type udpDatagram struct {
	payload []byte
	from    net.UDPAddr
}

// handleUDP demuxes a datagram to a bound port. The DHCP server hooks in
// first because its traffic is broadcast and never matches a lease.
func (s *Stack) handleUDP(p ipv4Packet) error {
	if len(p.payload) < udpHeaderLen {
		return fmt.Errorf("netback: udp datagram too short (%d bytes): %w", len(p.payload), verr.ErrProtocolViolation)
	}
	srcPort := binary.BigEndian.Uint16(p.payload[0:2])
	dstPort := binary.BigEndian.Uint16(p.payload[2:4])
	length := int(binary.BigEndian.Uint16(p.payload[4:6]))
	if length < udpHeaderLen || length > len(p.payload) {
		return fmt.Errorf("netback: udp length field %d out of range: %w", length, verr.ErrProtocolViolation)
	}
	data := p.payload[udpHeaderLen:length]

	if dhcp := s.dhcp; dhcp != nil && dstPort == dhcpServerPort {
		return dhcp.handle(data)
	}

	v, ok := s.udpPorts.Load(dstPort)
	if !ok {
		s.log.Debug("netback: drop udp to unbound port",
			"src", net.IP(p.src[:]), "srcPort", srcPort, "dstPort", dstPort)
		return nil
	}
	conn := v.(*udpConn)
	conn.deliver(data, net.UDPAddr{
		IP:   append(net.IP(nil), p.src[:]...),
		Port: int(srcPort),
	})
	return nil
}

// sendUDP transmits one datagram to the guest with explicit addressing.
// dstMAC may be the broadcast address (DHCP before the lease is bound).
func (s *Stack) sendUDP(dstMAC net.HardwareAddr, src, dst [4]byte, srcPort, dstPort uint16, payload []byte) error {
	udpLen := udpHeaderLen + len(payload)
	frame := s.ipv4Frame(dstMAC, src, dst, protoUDP, udpLen)
	seg := frame[ethernetHeaderLen+ipv4HeaderLen:]
	binary.BigEndian.PutUint16(seg[0:2], srcPort)
	binary.BigEndian.PutUint16(seg[2:4], dstPort)
	binary.BigEndian.PutUint16(seg[4:6], uint16(udpLen))
	copy(seg[udpHeaderLen:], payload)
	binary.BigEndian.PutUint16(seg[6:8], 0)
	binary.BigEndian.PutUint16(seg[6:8], inetChecksum(seg, pseudoSum(src, dst, protoUDP, udpLen)))
	return s.sendFrame(frame)
}

// udpConn is a bound UDP port on the gateway address implementing
// net.PacketConn.
type udpConn struct {
	stack *Stack
	port  uint16

	incoming chan udpDatagram
	closeCh  chan struct{}
	closed   atomic.Bool

	readDeadline  atomic.Pointer[time.Time]
	writeDeadline atomic.Pointer[time.Time]
}

// ListenPacket binds a UDP port on the gateway address.
func (s *Stack) ListenPacket(port uint16) (net.PacketConn, error) {
	conn := &udpConn{
		stack:    s,
		port:     port,
		incoming: make(chan udpDatagram, 64),
		closeCh:  make(chan struct{}),
	}
	if _, loaded := s.udpPorts.LoadOrStore(port, conn); loaded {
		return nil, fmt.Errorf("netback: udp port %d already bound: %w", port, verr.ErrResourceExhausted)
	}
	return conn, nil
}

func (c *udpConn) deliver(data []byte, from net.UDPAddr) {
	if c.closed.Load() {
		return
	}
	// Drop rather than stall the device's transmit path.
	select {
	case c.incoming <- udpDatagram{payload: append([]byte(nil), data...), from: from}:
	default:
		c.stack.log.Debug("netback: udp receive queue full", "port", c.port)
	}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "deadline exceeded" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func (c *udpConn) ReadFrom(b []byte) (int, net.Addr, error) {
	if c.closed.Load() {
		return 0, nil, net.ErrClosed
	}
	var timeout <-chan time.Time
	if d := c.readDeadline.Load(); d != nil && !d.IsZero() {
		until := time.Until(*d)
		if until <= 0 {
			return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: timeoutError{}}
		}
		timer := time.NewTimer(until)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case dg := <-c.incoming:
		n := copy(b, dg.payload)
		from := dg.from
		return n, &from, nil
	case <-c.closeCh:
		return 0, nil, net.ErrClosed
	case <-timeout:
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: timeoutError{}}
	}
}

func (c *udpConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	if c.closed.Load() {
		return 0, net.ErrClosed
	}
	if d := c.writeDeadline.Load(); d != nil && !d.IsZero() && time.Now().After(*d) {
		return 0, &net.OpError{Op: "write", Net: "udp", Err: timeoutError{}}
	}
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return 0, &net.OpError{Op: "write", Net: "udp", Err: errors.New("address is not a *net.UDPAddr")}
	}
	dst4 := udpAddr.IP.To4()
	if dst4 == nil {
		return 0, &net.OpError{Op: "write", Net: "udp", Err: fmt.Errorf("%v is not an IPv4 address", udpAddr.IP)}
	}
	dstMAC, err := c.stack.guestDstMAC()
	if err != nil {
		return 0, err
	}
	err = c.stack.sendUDP(dstMAC, c.stack.gatewayIP, [4]byte(dst4), c.port, uint16(udpAddr.Port), b)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *udpConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.stack.udpPorts.Delete(c.port)
	close(c.closeCh)
	return nil
}

func (c *udpConn) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IP(c.stack.gatewayIP[:]), Port: int(c.port)}
}

func (c *udpConn) SetDeadline(t time.Time) error {
	c.readDeadline.Store(&t)
	c.writeDeadline.Store(&t)
	return nil
}

func (c *udpConn) SetReadDeadline(t time.Time) error {
	c.readDeadline.Store(&t)
	return nil
}

func (c *udpConn) SetWriteDeadline(t time.Time) error {
	c.writeDeadline.Store(&t)
	return nil
}

var _ net.PacketConn = (*udpConn)(nil)
