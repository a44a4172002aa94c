// Package netback provides the host side of the guest network: a small
// user-mode L2/L3 stack that answers the guest's ARP, ICMP, DHCP and DNS
// traffic and carries UDP and a minimal TCP subset to host sockets.
//
// The stack sits behind the virtio net device as its backend. Frames the
// guest transmits arrive through Transmit; frames for the guest leave
// through the sink registered with AttachDevice. There is no routing and
// no IPv6: the stack impersonates a single gateway on a /24.
//
// TCP is deliberately tiny (SYN/ACK/FIN only, no retransmit, no window
// scaling). It is enough for inbound service connections on a loss-free
// virtio link and nothing more.
package netback

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keelvm/keel/internal/pcap"
	"github.com/keelvm/keel/internal/verr"
)

const (
	etherTypeIPv4 = 0x0800
	etherTypeARP  = 0x0806

	ethernetHeaderLen = 14
	ipv4HeaderLen     = 20
	udpHeaderLen      = 8
	tcpHeaderLen      = 20

	protoICMP = 1
	protoTCP  = 6
	protoUDP  = 17
)

// Config carries the synthetic network parameters. Zero values select
// the 10.42.0.0/24 defaults.
type Config struct {
	GatewayIP  net.IP           // address the stack answers for (default 10.42.0.1)
	GuestIP    net.IP           // address leased to the guest (default 10.42.0.2)
	Netmask    net.IPMask       // default /24
	GatewayMAC net.HardwareAddr // default 0a:42:00:00:00:01

	// AllowHostDNS lets the DNS server fall back to the host resolver
	// for names missing from the table.
	AllowHostDNS bool

	Logger *slog.Logger
}

// macCell holds an optionally-known MAC address. Bit 48 marks the value
// as set so the zero cell reads as unknown.
type macCell struct{ v atomic.Uint64 }

const macSetBit = 1 << 48

func (c *macCell) set(mac net.HardwareAddr) {
	if len(mac) != 6 {
		return
	}
	c.v.Store(macSetBit | binary.BigEndian.Uint64(append([]byte{0, 0}, mac...)))
}

func (c *macCell) get() (net.HardwareAddr, bool) {
	v := c.v.Load()
	if v&macSetBit == 0 {
		return nil, false
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v&^macSetBit)
	return net.HardwareAddr(buf[2:]), true
}

// Stack is the user-mode host network. It implements the net device's
// backend interface; frames written by the guest enter via Transmit.
type Stack struct {
	log *slog.Logger

	gatewayIP  [4]byte
	guestIP    [4]byte
	netmask    [4]byte
	gatewayMAC net.HardwareAddr

	guestMAC macCell // learned from guest source addresses

	sinkMu sync.RWMutex
	sink   func(frame []byte) error

	captureMu sync.Mutex
	capture   *pcap.Writer

	udpPorts sync.Map // uint16 -> *udpConn

	tcpMu     sync.Mutex
	tcpListen map[uint16]*tcpListener
	tcpConns  map[fourTuple]*tcpConn
	forwards  map[uint16]string
	seqSeed   uint32

	dns  *dnsServer
	dhcp *dhcpServer

	allowHostDNS bool

	closeOnce sync.Once
}

// New builds a Stack. DNS and DHCP are not started until StartDNS and
// StartDHCP are called.
func New(cfg Config) (*Stack, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.GatewayIP == nil {
		cfg.GatewayIP = net.IPv4(10, 42, 0, 1)
	}
	if cfg.GuestIP == nil {
		cfg.GuestIP = net.IPv4(10, 42, 0, 2)
	}
	if cfg.Netmask == nil {
		cfg.Netmask = net.CIDRMask(24, 32)
	}
	if cfg.GatewayMAC == nil {
		cfg.GatewayMAC = net.HardwareAddr{0x0a, 0x42, 0x00, 0x00, 0x00, 0x01}
	}
	if len(cfg.GatewayMAC) != 6 {
		return nil, fmt.Errorf("netback: gateway mac must be 6 bytes, got %d", len(cfg.GatewayMAC))
	}
	s := &Stack{
		log:          cfg.Logger,
		gatewayMAC:   append(net.HardwareAddr(nil), cfg.GatewayMAC...),
		tcpListen:    make(map[uint16]*tcpListener),
		tcpConns:     make(map[fourTuple]*tcpConn),
		forwards:     make(map[uint16]string),
		seqSeed:      uint32(time.Now().UnixNano()),
		allowHostDNS: cfg.AllowHostDNS,
	}
	s.dns = &dnsServer{stack: s, names: make(map[string]net.IP)}
	for dst, src := range map[*[4]byte]net.IP{
		&s.gatewayIP: cfg.GatewayIP,
		&s.guestIP:   cfg.GuestIP,
	} {
		v4 := src.To4()
		if v4 == nil {
			return nil, fmt.Errorf("netback: %v is not an IPv4 address", src)
		}
		copy(dst[:], v4)
	}
	if len(cfg.Netmask) != 4 {
		return nil, fmt.Errorf("netback: netmask must be 4 bytes, got %d", len(cfg.Netmask))
	}
	copy(s.netmask[:], cfg.Netmask)
	return s, nil
}

// AttachDevice registers the function that carries frames to the guest,
// normally the net device's Deliver method.
func (s *Stack) AttachDevice(sink func(frame []byte) error) {
	s.sinkMu.Lock()
	s.sink = sink
	s.sinkMu.Unlock()
}

// Close shuts down DNS, DHCP and every open endpoint. Idempotent.
func (s *Stack) Close() error {
	s.closeOnce.Do(func() {
		s.StopDNS()

		s.tcpMu.Lock()
		listeners := make([]*tcpListener, 0, len(s.tcpListen))
		for _, l := range s.tcpListen {
			listeners = append(listeners, l)
		}
		conns := make([]*tcpConn, 0, len(s.tcpConns))
		for _, c := range s.tcpConns {
			conns = append(conns, c)
		}
		s.tcpMu.Unlock()

		for _, l := range listeners {
			_ = l.Close()
		}
		for _, c := range conns {
			_ = c.Close()
		}

		s.udpPorts.Range(func(_, value any) bool {
			_ = value.(io.Closer).Close()
			return true
		})

		s.captureMu.Lock()
		s.capture = nil
		s.captureMu.Unlock()

		s.sinkMu.Lock()
		s.sink = nil
		s.sinkMu.Unlock()
	})
	return nil
}

// CapturePackets streams every frame in both directions to out in pcap
// format.
func (s *Stack) CapturePackets(out io.Writer) error {
	w, err := pcap.NewWriter(out, 65535, pcap.LinkEthernet)
	if err != nil {
		return fmt.Errorf("netback: write capture header: %w", err)
	}
	s.captureMu.Lock()
	s.capture = w
	s.captureMu.Unlock()
	return nil
}

func (s *Stack) writeCapture(frame []byte) {
	s.captureMu.Lock()
	w := s.capture
	s.captureMu.Unlock()
	if w == nil {
		return
	}
	if err := w.WritePacket(time.Now(), frame); err != nil {
		s.log.Warn("netback: capture write failed", "err", err)
	}
}

// Transmit receives one ethernet frame from the guest. It is the net
// device backend entry point.
func (s *Stack) Transmit(frame []byte) error {
	if len(frame) < ethernetHeaderLen {
		return fmt.Errorf("netback: frame too short (%d bytes): %w", len(frame), verr.ErrProtocolViolation)
	}
	s.writeCapture(frame)

	dst := net.HardwareAddr(frame[0:6])
	src := net.HardwareAddr(frame[6:12])
	etherType := binary.BigEndian.Uint16(frame[12:14])
	payload := frame[ethernetHeaderLen:]

	s.learnGuestMAC(src)

	// Only broadcast and frames addressed to the gateway matter.
	if !isBroadcastMAC(dst) && !macEqual(dst, s.gatewayMAC) {
		return nil
	}

	switch etherType {
	case etherTypeARP:
		return s.handleARP(src, payload)
	case etherTypeIPv4:
		return s.handleIPv4(payload)
	default:
		return nil
	}
}

// sendFrame hands a frame to the attached device. The slice must not be
// retained by the caller after the call returns; Deliver copies.
func (s *Stack) sendFrame(frame []byte) error {
	s.writeCapture(frame)
	s.sinkMu.RLock()
	sink := s.sink
	s.sinkMu.RUnlock()
	if sink == nil {
		return fmt.Errorf("netback: no device attached: %w", verr.ErrBackendDisconnected)
	}
	return sink(frame)
}

func (s *Stack) learnGuestMAC(src net.HardwareAddr) {
	if len(src) != 6 || isBroadcastMAC(src) || macEqual(src, s.gatewayMAC) {
		return
	}
	s.guestMAC.set(src)
}

// guestDstMAC returns the destination MAC for guest-bound unicast.
func (s *Stack) guestDstMAC() (net.HardwareAddr, error) {
	mac, ok := s.guestMAC.get()
	if !ok {
		return nil, errors.New("netback: guest mac not yet learned")
	}
	return mac, nil
}

func isBroadcastMAC(mac net.HardwareAddr) bool {
	for _, b := range mac {
		if b != 0xff {
			return false
		}
	}
	return len(mac) == 6
}

func macEqual(a, b net.HardwareAddr) bool {
	if len(a) != 6 || len(b) != 6 {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// handleARP answers requests for the gateway address.
func (s *Stack) handleARP(srcMAC net.HardwareAddr, payload []byte) error {
	if len(payload) < 28 {
		return fmt.Errorf("netback: arp packet too short (%d bytes): %w", len(payload), verr.ErrProtocolViolation)
	}
	hwType := binary.BigEndian.Uint16(payload[0:2])
	protoType := binary.BigEndian.Uint16(payload[2:4])
	op := binary.BigEndian.Uint16(payload[6:8])
	if hwType != 1 || protoType != etherTypeIPv4 || payload[4] != 6 || payload[5] != 4 {
		return nil
	}
	if op != 1 { // request
		return nil
	}
	senderMAC := payload[8:14]
	senderIP := payload[14:18]
	targetIP := payload[24:28]
	if [4]byte(targetIP) != s.gatewayIP {
		return nil
	}

	frame := make([]byte, ethernetHeaderLen+28)
	copy(frame[0:6], srcMAC)
	copy(frame[6:12], s.gatewayMAC)
	binary.BigEndian.PutUint16(frame[12:14], etherTypeARP)

	reply := frame[ethernetHeaderLen:]
	binary.BigEndian.PutUint16(reply[0:2], 1)
	binary.BigEndian.PutUint16(reply[2:4], etherTypeIPv4)
	reply[4] = 6
	reply[5] = 4
	binary.BigEndian.PutUint16(reply[6:8], 2) // reply
	copy(reply[8:14], s.gatewayMAC)
	copy(reply[14:18], targetIP)
	copy(reply[18:24], senderMAC)
	copy(reply[24:28], senderIP)
	return s.sendFrame(frame)
}

func (s *Stack) handleIPv4(payload []byte) error {
	hdr, err := parseIPv4(payload)
	if err != nil {
		return err
	}

	broadcast := hdr.dst == [4]byte{255, 255, 255, 255}
	if hdr.dst != s.gatewayIP && !broadcast {
		return nil
	}

	switch hdr.protocol {
	case protoICMP:
		return s.handleICMP(hdr)
	case protoUDP:
		return s.handleUDP(hdr)
	case protoTCP:
		return s.handleTCP(hdr)
	default:
		s.log.Debug("netback: drop unsupported protocol", "proto", hdr.protocol)
		return nil
	}
}
