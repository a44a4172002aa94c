package netback

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// dnsServer answers A queries from the host-controlled name table over
// the stack's own UDP transport.
type dnsServer struct {
	stack  *Stack
	server *dns.Server

	mu    sync.RWMutex
	names map[string]net.IP
}

// AddHostname maps a name to an address for the embedded DNS server.
// The trailing dot is optional.
func (s *Stack) AddHostname(name string, ip net.IP) error {
	v4 := ip.To4()
	if v4 == nil {
		return fmt.Errorf("netback: %v is not an IPv4 address", ip)
	}
	d := s.dns
	d.mu.Lock()
	d.names[canonicalName(name)] = v4
	d.mu.Unlock()
	return nil
}

// RemoveHostname drops a name from the table.
func (s *Stack) RemoveHostname(name string) {
	d := s.dns
	d.mu.Lock()
	delete(d.names, canonicalName(name))
	d.mu.Unlock()
}

func canonicalName(name string) string {
	return strings.TrimSuffix(strings.ToLower(name), ".")
}

// StartDNS binds UDP port 53 on the gateway and serves A records. The
// names gateway.internal and guest.internal are always resolvable.
func (s *Stack) StartDNS() error {
	d := s.dns
	if d.server != nil {
		return nil
	}

	conn, err := s.ListenPacket(53)
	if err != nil {
		return fmt.Errorf("netback: bind dns port: %w", err)
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", d.handleQuery)
	d.server = &dns.Server{
		Net:        "udp",
		Handler:    mux,
		PacketConn: conn,
	}
	go func() {
		if err := d.server.ActivateAndServe(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Error("netback: dns server exited", "err", err)
		}
	}()
	return nil
}

// StopDNS shuts the DNS server down. Safe to call when never started.
func (s *Stack) StopDNS() {
	d := s.dns
	if d == nil || d.server == nil {
		return
	}
	srv := d.server
	d.server = nil
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = srv.ShutdownContext(ctx)
	if srv.PacketConn != nil {
		_ = srv.PacketConn.Close()
	}
}

func (d *dnsServer) lookup(name string) (net.IP, bool) {
	n := canonicalName(name)
	switch n {
	case "gateway.internal":
		return net.IP(d.stack.gatewayIP[:]), true
	case "guest.internal":
		return net.IP(d.stack.guestIP[:]), true
	}
	d.mu.RLock()
	ip, ok := d.names[n]
	d.mu.RUnlock()
	if ok {
		return ip, true
	}
	if d.stack.allowHostDNS {
		if addr, err := net.ResolveIPAddr("ip4", n); err == nil {
			return addr.IP, true
		}
	}
	return nil, false
}

func (d *dnsServer) handleQuery(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.RecursionAvailable = true

	for _, q := range r.Question {
		if q.Qtype != dns.TypeA {
			continue
		}
		ip, ok := d.lookup(q.Name)
		if !ok {
			d.stack.log.Debug("netback: dns name not found", "name", q.Name)
			m.SetRcode(r, dns.RcodeNameError)
			continue
		}
		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{
				Name:   q.Name,
				Rrtype: dns.TypeA,
				Class:  dns.ClassINET,
				Ttl:    60,
			},
			A: ip,
		})
	}

	_ = w.WriteMsg(m)
}
