//go:build !linux

package netback

import (
	"context"
	"errors"
	"net"
)

// Tap attachments need the Linux tun driver.
type Tap struct{}

type TapConfig struct {
	Name    string
	Address *net.IPNet
}

var errTapUnsupported = errors.New("netback: tap attachment requires linux")

func OpenTap(TapConfig) (*Tap, error) { return nil, errTapUnsupported }

func (t *Tap) Name() string { return "" }

func (t *Tap) Transmit([]byte) error { return errTapUnsupported }

func (t *Tap) Serve(context.Context, func(frame []byte) error) error {
	return errTapUnsupported
}

func (t *Tap) Close() error { return nil }
