//go:build linux

package netback

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// Tap is a kernel TAP device usable as the net device backend for
// bridged setups, bypassing the user-mode stack entirely. Requires
// CAP_NET_ADMIN.
type Tap struct {
	file *os.File
	name string
}

// TapConfig selects the link name and an optional address to assign to
// the host side of the link.
type TapConfig struct {
	Name    string     // default "keel0"
	Address *net.IPNet // assigned to the link when non-nil
}

// OpenTap creates (or attaches to) a TAP link, brings it up and assigns
// the configured address.
func OpenTap(cfg TapConfig) (*Tap, error) {
	if cfg.Name == "" {
		cfg.Name = "keel0"
	}

	// Non-blocking so the runtime poller backs read deadlines.
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("netback: open /dev/net/tun: %w", err)
	}

	ifr, err := unix.NewIfreq(cfg.Name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netback: tap name %q: %w", cfg.Name, err)
	}
	ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netback: create tap %q: %w", cfg.Name, err)
	}

	t := &Tap{file: os.NewFile(uintptr(fd), "/dev/net/tun"), name: cfg.Name}

	link, err := netlink.LinkByName(cfg.Name)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("netback: find tap link %q: %w", cfg.Name, err)
	}
	if cfg.Address != nil {
		if err := netlink.AddrAdd(link, &netlink.Addr{IPNet: cfg.Address}); err != nil && !errors.Is(err, unix.EEXIST) {
			t.Close()
			return nil, fmt.Errorf("netback: assign %v to %q: %w", cfg.Address, cfg.Name, err)
		}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		t.Close()
		return nil, fmt.Errorf("netback: bring up %q: %w", cfg.Name, err)
	}
	return t, nil
}

// Name returns the link name.
func (t *Tap) Name() string { return t.name }

// Transmit writes one guest frame to the kernel. It is the net device
// backend entry point.
func (t *Tap) Transmit(frame []byte) error {
	_, err := t.file.Write(frame)
	return err
}

// Serve reads frames from the kernel and hands each to sink until ctx
// is cancelled or the device is closed.
func (t *Tap) Serve(ctx context.Context, sink func(frame []byte) error) error {
	stop := context.AfterFunc(ctx, func() {
		t.file.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, 65536)
	for {
		n, err := t.file.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, os.ErrClosed) {
				return nil
			}
			return fmt.Errorf("netback: tap read: %w", err)
		}
		if err := sink(buf[:n]); err != nil {
			return err
		}
	}
}

// Close tears the file descriptor down; the link disappears with it.
func (t *Tap) Close() error {
	return t.file.Close()
}
