package netback_test

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"

	"github.com/keelvm/keel/internal/netback"
)

const guestNICID = 1

var (
	guestLinkAddr = tcpip.LinkAddress("\x02\x00\x00\x00\x00\x02")
	guestAddr     = tcpip.AddrFrom4([4]byte{10, 42, 0, 2})
	gatewayAddr   = tcpip.AddrFrom4([4]byte{10, 42, 0, 1})
)

func newBackend(t *testing.T) *netback.Stack {
	t.Helper()
	s, err := netback.New(netback.Config{Logger: slog.Default()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// newGuest stands up a full guest-side TCP/IP stack wired to the
// backend through a channel link, standing in for the virtio device.
func newGuest(t *testing.T, back *netback.Stack) *stack.Stack {
	t.Helper()

	ch := channel.New(4096, 1500+header.EthernetMinimumSize, guestLinkAddr)
	gs := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})
	if err := gs.CreateNIC(guestNICID, ethernet.New(ch)); err != nil {
		t.Fatalf("create nic: %v", err)
	}
	protoAddr := tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   guestAddr,
			PrefixLen: 24,
		},
	}
	if err := gs.AddProtocolAddress(guestNICID, protoAddr, stack.AddressProperties{}); err != nil {
		t.Fatalf("add address: %v", err)
	}
	gs.SetRouteTable([]tcpip.Route{{
		Destination: header.IPv4EmptySubnet,
		Gateway:     gatewayAddr,
		NIC:         guestNICID,
	}})

	back.AttachDevice(func(frame []byte) error {
		pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
			Payload: buffer.MakeWithData(append([]byte(nil), frame...)),
		})
		ch.InjectInbound(0, pkt)
		pkt.DecRef()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for {
			pkt := ch.ReadContext(ctx)
			if pkt == nil {
				return
			}
			frame := append([]byte(nil), pkt.ToView().AsSlice()...)
			pkt.DecRef()
			_ = back.Transmit(frame)
		}
	}()
	t.Cleanup(func() {
		cancel()
		gs.Close()
	})
	return gs
}

func TestGuestUDPEcho(t *testing.T) {
	back := newBackend(t)
	gs := newGuest(t, back)

	pc, err := back.ListenPacket(7777)
	require.NoError(t, err)
	defer pc.Close()

	go func() {
		buf := make([]byte, 1500)
		for {
			n, from, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			if _, err := pc.WriteTo(buf[:n], from); err != nil {
				return
			}
		}
	}()

	conn, err := gonet.DialUDP(gs, nil, &tcpip.FullAddress{
		NIC:  guestNICID,
		Addr: gatewayAddr,
		Port: 7777,
	}, ipv4.ProtocolNumber)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	_, err = conn.Write([]byte("ping over the wire"))
	require.NoError(t, err)

	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ping over the wire", string(buf[:n]))
}

func TestGuestDNSQuery(t *testing.T) {
	back := newBackend(t)
	gs := newGuest(t, back)

	require.NoError(t, back.AddHostname("files.test", net.IPv4(10, 42, 0, 50)))
	require.NoError(t, back.StartDNS())

	conn, err := gonet.DialUDP(gs, nil, &tcpip.FullAddress{
		NIC:  guestNICID,
		Addr: gatewayAddr,
		Port: 53,
	}, ipv4.ProtocolNumber)
	require.NoError(t, err)
	defer conn.Close()

	query := new(dns.Msg)
	query.SetQuestion("files.test.", dns.TypeA)
	out, err := query.Pack()
	require.NoError(t, err)

	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	_, err = conn.Write(out)
	require.NoError(t, err)

	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	require.NoError(t, err)

	reply := new(dns.Msg)
	require.NoError(t, reply.Unpack(buf[:n]))
	require.Len(t, reply.Answer, 1)
	a, ok := reply.Answer[0].(*dns.A)
	require.True(t, ok, "answer is %T, want *dns.A", reply.Answer[0])
	require.True(t, a.A.Equal(net.IPv4(10, 42, 0, 50)), "resolved %v", a.A)

	// Unknown names come back NXDOMAIN.
	query = new(dns.Msg)
	query.SetQuestion("missing.test.", dns.TypeA)
	out, err = query.Pack()
	require.NoError(t, err)
	_, err = conn.Write(out)
	require.NoError(t, err)
	n, err = conn.Read(buf)
	require.NoError(t, err)
	require.NoError(t, reply.Unpack(buf[:n]))
	require.Equal(t, dns.RcodeNameError, reply.Rcode)
}

func TestGuestTCPListen(t *testing.T) {
	back := newBackend(t)
	gs := newGuest(t, back)

	ln, err := back.Listen(8080)
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	conn, err := gonet.DialTCP(gs, tcpip.FullAddress{
		NIC:  guestNICID,
		Addr: gatewayAddr,
		Port: 8080,
	}, ipv4.ProtocolNumber)
	require.NoError(t, err)
	defer conn.Close()

	var host net.Conn
	select {
	case host = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("accept timed out")
	}
	defer host.Close()

	_, err = conn.Write([]byte("hello from the guest"))
	require.NoError(t, err)

	require.NoError(t, host.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 1500)
	n, err := host.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello from the guest", string(buf[:n]))

	_, err = host.Write([]byte("hello from the host"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	n, err = conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello from the host", string(buf[:n]))
}

func TestGuestTCPRefused(t *testing.T) {
	back := newBackend(t)
	gs := newGuest(t, back)

	_, err := gonet.DialTCP(gs, tcpip.FullAddress{
		NIC:  guestNICID,
		Addr: gatewayAddr,
		Port: 9999,
	}, ipv4.ProtocolNumber)
	require.Error(t, err)
}

func TestGuestPortForward(t *testing.T) {
	back := newBackend(t)
	gs := newGuest(t, back)

	hostLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer hostLn.Close()

	go func() {
		conn, err := hostLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 1500)
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		_, _ = conn.Write(append([]byte("echo: "), buf[:n]...))
	}()

	back.Forward(9000, hostLn.Addr().String())

	conn, err := gonet.DialTCP(gs, tcpip.FullAddress{
		NIC:  guestNICID,
		Addr: gatewayAddr,
		Port: 9000,
	}, ipv4.ProtocolNumber)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("forwarded"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "echo: forwarded", string(buf[:n]))
}
