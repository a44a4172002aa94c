package netback

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/keelvm/keel/internal/verr"
)

const (
	tcpFIN = 0x01
	tcpSYN = 0x02
	tcpRST = 0x04
	tcpPSH = 0x08
	tcpACK = 0x10
)

type tcpSegment struct {
	srcPort uint16
	dstPort uint16
	seq     uint32
	ack     uint32
	flags   uint8
	payload []byte
}

func parseTCP(data []byte) (tcpSegment, error) {
	if len(data) < tcpHeaderLen {
		return tcpSegment{}, fmt.Errorf("netback: tcp segment too short (%d bytes): %w", len(data), verr.ErrProtocolViolation)
	}
	headerLen := int(data[12]>>4) * 4
	if headerLen < tcpHeaderLen || headerLen > len(data) {
		return tcpSegment{}, fmt.Errorf("netback: tcp data offset %d out of range: %w", headerLen, verr.ErrProtocolViolation)
	}
	return tcpSegment{
		srcPort: binary.BigEndian.Uint16(data[0:2]),
		dstPort: binary.BigEndian.Uint16(data[2:4]),
		seq:     binary.BigEndian.Uint32(data[4:8]),
		ack:     binary.BigEndian.Uint32(data[8:12]),
		flags:   data[13],
		payload: data[headerLen:],
	}, nil
}

// fourTuple identifies a connection. src is the guest side.
type fourTuple struct {
	srcIP   [4]byte
	dstIP   [4]byte
	srcPort uint16
	dstPort uint16
}

type tcpState int

const (
	stateSynReceived tcpState = iota
	stateEstablished
	stateFinWait
	stateClosed
)

// Forward registers a host address dialed whenever the guest connects
// to the gateway on port. Passing the empty string removes the entry.
func (s *Stack) Forward(port uint16, hostAddr string) {
	s.tcpMu.Lock()
	if hostAddr == "" {
		delete(s.forwards, port)
	} else {
		s.forwards[port] = hostAddr
	}
	s.tcpMu.Unlock()
}

// Listen accepts guest connections to the gateway on port.
func (s *Stack) Listen(port uint16) (net.Listener, error) {
	s.tcpMu.Lock()
	defer s.tcpMu.Unlock()
	if _, ok := s.tcpListen[port]; ok {
		return nil, fmt.Errorf("netback: tcp port %d already bound: %w", port, verr.ErrResourceExhausted)
	}
	l := &tcpListener{
		stack:    s,
		port:     port,
		incoming: make(chan *tcpConn, 16),
		closeCh:  make(chan struct{}),
	}
	s.tcpListen[port] = l
	return l, nil
}

// handleTCP demuxes segments to connections and opens new ones on SYN.
func (s *Stack) handleTCP(p ipv4Packet) error {
	seg, err := parseTCP(p.payload)
	if err != nil {
		return err
	}
	key := fourTuple{srcIP: p.src, dstIP: p.dst, srcPort: seg.srcPort, dstPort: seg.dstPort}

	s.tcpMu.Lock()
	conn, ok := s.tcpConns[key]
	if !ok {
		if seg.flags&tcpSYN == 0 {
			s.tcpMu.Unlock()
			return s.sendReset(key, seg)
		}
		listener := s.tcpListen[seg.dstPort]
		hostAddr := s.forwards[seg.dstPort]
		if listener == nil && hostAddr == "" {
			s.tcpMu.Unlock()
			return s.sendReset(key, seg)
		}
		conn = &tcpConn{
			stack:    s,
			key:      key,
			state:    stateSynReceived,
			guestSeq: seg.seq + 1,
			hostSeq:  s.seqSeed + uint32(seg.srcPort)<<16,
			recvBuf:  make(chan []byte, 256),
			closeCh:  make(chan struct{}),
			listener: listener,
			hostAddr: hostAddr,
		}
		s.tcpConns[key] = conn
		s.tcpMu.Unlock()
		return conn.sendSynAck()
	}
	s.tcpMu.Unlock()
	return conn.handleSegment(seg)
}

// sendReset answers an unexpected segment with RST.
func (s *Stack) sendReset(key fourTuple, seg tcpSegment) error {
	if seg.flags&tcpRST != 0 {
		return nil
	}
	return s.sendTCP(key, seg.ack, seg.seq+1, tcpRST|tcpACK, nil)
}

// sendTCP transmits one segment to the guest. key is connection-oriented:
// src is the guest, so the segment goes dstPort -> srcPort.
func (s *Stack) sendTCP(key fourTuple, seq, ack uint32, flags uint8, payload []byte) error {
	dstMAC, err := s.guestDstMAC()
	if err != nil {
		return err
	}
	segLen := tcpHeaderLen + len(payload)
	frame := s.ipv4Frame(dstMAC, key.dstIP, key.srcIP, protoTCP, segLen)
	seg := frame[ethernetHeaderLen+ipv4HeaderLen:]
	binary.BigEndian.PutUint16(seg[0:2], key.dstPort)
	binary.BigEndian.PutUint16(seg[2:4], key.srcPort)
	binary.BigEndian.PutUint32(seg[4:8], seq)
	binary.BigEndian.PutUint32(seg[8:12], ack)
	seg[12] = tcpHeaderLen / 4 << 4
	seg[13] = flags
	binary.BigEndian.PutUint16(seg[14:16], 0xffff)
	copy(seg[tcpHeaderLen:], payload)
	binary.BigEndian.PutUint16(seg[16:18], 0)
	binary.BigEndian.PutUint16(seg[16:18], inetChecksum(seg, pseudoSum(key.dstIP, key.srcIP, protoTCP, segLen)))
	return s.sendFrame(frame)
}

type tcpListener struct {
	stack *Stack
	port  uint16

	incoming chan *tcpConn
	closeCh  chan struct{}
	once     sync.Once
}

func (l *tcpListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.incoming:
		return conn, nil
	case <-l.closeCh:
		return nil, net.ErrClosed
	}
}

func (l *tcpListener) Close() error {
	l.once.Do(func() {
		close(l.closeCh)
		l.stack.tcpMu.Lock()
		delete(l.stack.tcpListen, l.port)
		l.stack.tcpMu.Unlock()
	})
	return nil
}

func (l *tcpListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IP(l.stack.gatewayIP[:]), Port: int(l.port)}
}

// tcpConn is one guest-initiated connection. It implements net.Conn for
// the host side.
type tcpConn struct {
	stack    *Stack
	key      fourTuple
	listener *tcpListener // nil for forwarded connections
	hostAddr string       // forward target, "" for listener connections

	mu       sync.Mutex
	state    tcpState
	guestSeq uint32 // next sequence number expected from the guest
	hostSeq  uint32 // next sequence number we will send
	closed   bool

	recvBuf chan []byte // nil element signals EOF
	closeCh chan struct{}

	readDeadline time.Time
}

func (c *tcpConn) handleSegment(seg tcpSegment) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	if seg.flags&tcpACK != 0 && seg.ack > c.hostSeq {
		c.hostSeq = seg.ack
	}

	switch c.state {
	case stateSynReceived:
		if seg.flags&tcpRST != 0 {
			c.mu.Unlock()
			return c.Close()
		}
		if seg.flags&tcpACK == 0 {
			c.mu.Unlock()
			return nil
		}
		c.state = stateEstablished
		listener := c.listener
		hostAddr := c.hostAddr
		c.mu.Unlock()
		if listener != nil {
			select {
			case listener.incoming <- c:
			case <-listener.closeCh:
				return c.Close()
			}
		} else if hostAddr != "" {
			go c.runForward(hostAddr)
		}
		if len(seg.payload) > 0 || seg.flags&tcpFIN != 0 {
			return c.handleSegment(seg)
		}
		return nil

	case stateEstablished:
		if seg.flags&tcpRST != 0 {
			c.mu.Unlock()
			return c.Close()
		}
		if len(seg.payload) > 0 {
			if seg.seq != c.guestSeq {
				// Out of order; on a loss-free link this means a
				// duplicate. Re-ack and drop.
				c.mu.Unlock()
				return c.sendAck()
			}
			c.guestSeq += uint32(len(seg.payload))
			data := append([]byte(nil), seg.payload...)
			c.deliverLocked(data)
			c.mu.Unlock()
			return c.sendAck()
		}
		if seg.flags&tcpFIN != 0 {
			c.guestSeq++
			c.state = stateFinWait
			c.deliverLocked(nil) // EOF
			c.mu.Unlock()
			if err := c.sendAck(); err != nil {
				return err
			}
			return c.sendFin()
		}
		c.mu.Unlock()
		return nil

	case stateFinWait:
		done := seg.flags&tcpACK != 0 || seg.flags&tcpRST != 0
		c.mu.Unlock()
		if done {
			return c.Close()
		}
		return nil

	default:
		c.mu.Unlock()
		return nil
	}
}

// deliverLocked queues inbound payload for Read. Drops when the reader
// stalls; callers hold c.mu.
func (c *tcpConn) deliverLocked(data []byte) {
	select {
	case c.recvBuf <- data:
	default:
		c.stack.log.Debug("netback: tcp receive queue full",
			"port", c.key.dstPort)
	}
}

func (c *tcpConn) sendSynAck() error {
	c.mu.Lock()
	seq, ack := c.hostSeq, c.guestSeq
	c.hostSeq++
	c.mu.Unlock()
	return c.stack.sendTCP(c.key, seq, ack, tcpSYN|tcpACK, nil)
}

func (c *tcpConn) sendAck() error {
	c.mu.Lock()
	seq, ack := c.hostSeq, c.guestSeq
	c.mu.Unlock()
	return c.stack.sendTCP(c.key, seq, ack, tcpACK, nil)
}

func (c *tcpConn) sendFin() error {
	c.mu.Lock()
	seq, ack := c.hostSeq, c.guestSeq
	c.hostSeq++
	c.mu.Unlock()
	return c.stack.sendTCP(c.key, seq, ack, tcpFIN|tcpACK, nil)
}

// runForward bridges the connection to the registered host socket.
func (c *tcpConn) runForward(hostAddr string) {
	outbound, err := net.DialTimeout("tcp", hostAddr, 10*time.Second)
	if err != nil {
		c.stack.log.Warn("netback: forward dial failed",
			"port", c.key.dstPort, "target", hostAddr, "err", err)
		_ = c.Close()
		return
	}
	defer outbound.Close()
	defer c.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = io.Copy(outbound, c)
		if tc, ok := outbound.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
	}()
	_, _ = io.Copy(c, outbound)
	<-done
}

func (c *tcpConn) Read(b []byte) (int, error) {
	c.mu.Lock()
	deadline := c.readDeadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		until := time.Until(deadline)
		if until <= 0 {
			return 0, &net.OpError{Op: "read", Net: "tcp", Err: timeoutError{}}
		}
		timer := time.NewTimer(until)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case data := <-c.recvBuf:
		if data == nil {
			return 0, io.EOF
		}
		n := copy(b, data)
		if n < len(data) {
			// Requeue the remainder for the next Read.
			c.mu.Lock()
			if !c.closed {
				c.deliverLocked(data[n:])
			}
			c.mu.Unlock()
		}
		return n, nil
	case <-c.closeCh:
		return 0, net.ErrClosed
	case <-timeout:
		return 0, &net.OpError{Op: "read", Net: "tcp", Err: timeoutError{}}
	}
}

func (c *tcpConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	if c.closed || c.state != stateEstablished && c.state != stateFinWait {
		c.mu.Unlock()
		return 0, net.ErrClosed
	}
	seq, ack := c.hostSeq, c.guestSeq
	c.hostSeq += uint32(len(b))
	c.mu.Unlock()
	if err := c.stack.sendTCP(c.key, seq, ack, tcpACK|tcpPSH, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *tcpConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	needFin := c.state == stateEstablished
	c.state = stateClosed
	c.closed = true
	close(c.closeCh)
	c.mu.Unlock()

	var err error
	if needFin {
		err = c.sendFin()
		if err != nil && errors.Is(err, verr.ErrBackendDisconnected) {
			err = nil
		}
	}

	c.stack.tcpMu.Lock()
	delete(c.stack.tcpConns, c.key)
	c.stack.tcpMu.Unlock()
	return err
}

func (c *tcpConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IP(c.key.dstIP[:]), Port: int(c.key.dstPort)}
}

func (c *tcpConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IP(c.key.srcIP[:]), Port: int(c.key.srcPort)}
}

func (c *tcpConn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

func (c *tcpConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	return nil
}

// SetWriteDeadline is accepted but not enforced; writes never block on
// the guest.
func (c *tcpConn) SetWriteDeadline(time.Time) error { return nil }

var _ net.Conn = (*tcpConn)(nil)
