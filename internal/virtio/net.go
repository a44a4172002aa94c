package virtio

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"net"
	"sync"

	"github.com/keelvm/keel/internal/verr"
)

const (
	NetDeviceID    = 1
	netQueueCount  = 2
	netQueueNumMax = 256

	netQueueReceive  = 0
	netQueueTransmit = 1

	// netHeaderSize is the virtio_net_hdr prefix on every frame.
	netHeaderSize = 12

	virtioNetFeatureMacBit    = 5
	virtioNetFeatureStatusBit = 16

	virtioNetStatusLinkUp = 1

	// netMaxPendingRx bounds frames awaiting guest receive buffers. A
	// fast host-side producer must see backpressure rather than grow
	// the queue without limit.
	netMaxPendingRx = 256
)

// NetBackend carries guest transmit frames toward the host network.
// Frames flowing the other way enter through Net.Deliver.
type NetBackend interface {
	Transmit(frame []byte) error
}

type discardNetBackend struct{}

func (discardNetBackend) Transmit([]byte) error { return nil }

// Net implements the virtio network device class. Queue 0 receives,
// queue 1 transmits. Every frame carries a 12-byte virtio_net_hdr; no
// offloads are negotiated, so the device only zeroes it on receive and
// skips it on transmit.
type Net struct {
	mac     net.HardwareAddr
	backend NetBackend

	mu        sync.Mutex
	dev       *Device
	rx        *Queue
	tx        *Queue
	rxPump    *pump
	txPump    *pump
	pendingRx [][]byte
	linkUp    bool
}

// NewNet creates a network class with the given MAC. A nil backend
// discards transmit frames.
func NewNet(mac net.HardwareAddr, backend NetBackend) (*Net, error) {
	if len(mac) != 6 {
		return nil, fmt.Errorf("virtio-net: MAC must be 6 bytes, got %d", len(mac))
	}
	if backend == nil {
		backend = discardNetBackend{}
	}
	return &Net{
		mac:     append(net.HardwareAddr(nil), mac...),
		backend: backend,
		linkUp:  true,
	}, nil
}

func (n *Net) DeviceID() uint16   { return NetDeviceID }
func (n *Net) DeviceName() string { return "net" }

func (n *Net) DeviceFeatures() uint64 {
	return uint64(1)<<virtioNetFeatureMacBit | uint64(1)<<virtioNetFeatureStatusBit
}

func (n *Net) NumQueues() int          { return netQueueCount }
func (n *Net) QueueMaxSize(int) uint16 { return netQueueNumMax }

func (n *Net) Bind(dev *Device) {
	n.mu.Lock()
	n.dev = dev
	n.mu.Unlock()
}

func (n *Net) ConfigBytes() []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	var buf [12]byte
	copy(buf[0:6], n.mac)
	var status uint16
	if n.linkUp {
		status = virtioNetStatusLinkUp
	}
	binary.LittleEndian.PutUint16(buf[6:8], status)
	binary.LittleEndian.PutUint16(buf[8:10], 1) // max_virtqueue_pairs
	binary.LittleEndian.PutUint16(buf[10:12], 1500)
	return buf[:]
}

func (n *Net) WriteConfig(uint64, uint32) error {
	return fmt.Errorf("virtio-net: config space is read-only")
}

func (n *Net) Activate(features uint64, queues []*Queue) error {
	rx, tx := queues[netQueueReceive], queues[netQueueTransmit]
	if !rx.Ready() || !tx.Ready() {
		return fmt.Errorf("virtio-net: both queues must be ready: %w", verr.ErrProtocolViolation)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.txPump != nil {
		return fmt.Errorf("virtio-net: already active")
	}
	n.rx, n.tx = rx, tx
	dev := n.dev
	fail := func(err error) { dev.Fail(err) }
	n.txPump = newPump(n.drainTx, fail)
	n.rxPump = newPump(n.drainRx, fail)
	n.txPump.start()
	n.rxPump.start()
	n.txPump.notify()
	n.rxPump.notify()
	return nil
}

func (n *Net) Notify(queue int) error {
	n.mu.Lock()
	rxPump, txPump := n.rxPump, n.txPump
	n.mu.Unlock()
	switch queue {
	case netQueueReceive:
		if rxPump != nil {
			rxPump.notify()
		}
	case netQueueTransmit:
		if txPump != nil {
			txPump.notify()
		}
	}
	return nil
}

func (n *Net) Quiesce(ctx context.Context) error {
	n.mu.Lock()
	rxPump, txPump := n.rxPump, n.txPump
	n.mu.Unlock()
	return pauseAll(ctx, txPump, rxPump)
}

func (n *Net) Resume() error {
	n.mu.Lock()
	rxPump, txPump := n.rxPump, n.txPump
	n.mu.Unlock()
	resumeAll(txPump, rxPump)
	return nil
}

func (n *Net) Reset() {
	n.mu.Lock()
	rxPump, txPump := n.rxPump, n.txPump
	n.rxPump, n.txPump = nil, nil
	n.rx, n.tx = nil, nil
	n.pendingRx = nil
	n.mu.Unlock()
	stopJoinAll(txPump, rxPump)
}

func (n *Net) Shutdown(ctx context.Context) error {
	n.Reset()
	return nil
}

type netClassState struct {
	MAC       []byte
	LinkUp    bool
	PendingRx [][]byte
}

func (n *Net) SaveState() ([]byte, error) {
	n.mu.Lock()
	state := netClassState{
		MAC:    append([]byte(nil), n.mac...),
		LinkUp: n.linkUp,
	}
	for _, frame := range n.pendingRx {
		state.PendingRx = append(state.PendingRx, append([]byte(nil), frame...))
	}
	n.mu.Unlock()
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&state); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (n *Net) LoadState(data []byte) error {
	var state netClassState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&state); err != nil {
		return err
	}
	if len(state.MAC) != 6 {
		return fmt.Errorf("virtio-net: snapshot MAC has %d bytes: %w",
			len(state.MAC), verr.ErrMigrationFormatMismatch)
	}
	n.mu.Lock()
	n.mac = state.MAC
	n.linkUp = state.LinkUp
	n.pendingRx = state.PendingRx
	n.mu.Unlock()
	return nil
}

// Deliver queues one host frame for the guest. Returns
// ResourceExhausted when the guest is not draining its receive queue;
// callers treat that as packet loss.
func (n *Net) Deliver(frame []byte) error {
	n.mu.Lock()
	if len(n.pendingRx) >= netMaxPendingRx {
		n.mu.Unlock()
		return fmt.Errorf("virtio-net: %d frames awaiting guest buffers: %w",
			netMaxPendingRx, verr.ErrResourceExhausted)
	}
	n.pendingRx = append(n.pendingRx, append([]byte(nil), frame...))
	rxPump := n.rxPump
	n.mu.Unlock()

	if rxPump != nil {
		rxPump.notify()
	}
	return nil
}

// SetLinkState flips the link-up config bit and signals the change.
func (n *Net) SetLinkState(up bool) error {
	n.mu.Lock()
	changed := n.linkUp != up
	n.linkUp = up
	dev := n.dev
	n.mu.Unlock()
	if !changed || dev == nil {
		return nil
	}
	return dev.SignalConfig()
}

func (n *Net) drainTx() error {
	n.mu.Lock()
	q, dev := n.tx, n.dev
	n.mu.Unlock()
	if q == nil {
		return nil
	}

	for {
		chain, ok, err := q.PopAvail()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		packet, err := q.Gather(chain.Readable())
		if err != nil {
			return err
		}
		if len(packet) < netHeaderSize {
			return fmt.Errorf("virtio-net: transmit buffer of %d bytes lacks header: %w",
				len(packet), verr.ErrProtocolViolation)
		}
		if err := n.backend.Transmit(packet[netHeaderSize:]); err != nil {
			// Transmit is lossy by nature; the frame is gone either way.
			dev.log.Debug("transmit dropped", "len", len(packet)-netHeaderSize, "err", err)
		}
		if err := q.PushUsed(chain.Head, 0); err != nil {
			return err
		}
		if err := dev.SignalUsed(q); err != nil {
			dev.log.Warn("used notification dropped", "err", err)
		}
	}
}

func (n *Net) drainRx() error {
	n.mu.Lock()
	q, dev := n.rx, n.dev
	n.mu.Unlock()
	if q == nil {
		return nil
	}

	for {
		n.mu.Lock()
		if len(n.pendingRx) == 0 {
			n.mu.Unlock()
			return nil
		}
		frame := n.pendingRx[0]
		n.mu.Unlock()

		chain, ok, err := q.PopAvail()
		if err != nil {
			return err
		}
		if !ok {
			// Frames stay pending until the guest posts buffers.
			return nil
		}

		buf := make([]byte, netHeaderSize+len(frame))
		binary.LittleEndian.PutUint16(buf[10:12], 1) // num_buffers
		copy(buf[netHeaderSize:], frame)

		written, err := q.Scatter(chain.Writable(), buf)
		if err != nil {
			return err
		}

		n.mu.Lock()
		if len(n.pendingRx) > 0 {
			n.pendingRx = n.pendingRx[1:]
		}
		n.mu.Unlock()

		if err := q.PushUsed(chain.Head, written); err != nil {
			return err
		}
		if err := dev.SignalUsed(q); err != nil {
			dev.log.Warn("used notification dropped", "err", err)
		}
	}
}

var _ Handler = (*Net)(nil)
