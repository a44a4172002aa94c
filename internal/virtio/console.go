package virtio

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"sync"

	"github.com/keelvm/keel/internal/verr"
)

const (
	ConsoleDeviceID    = 3
	consoleQueueCount  = 2
	consoleQueueNumMax = 256

	consoleQueueReceive  = 0
	consoleQueueTransmit = 1

	consoleFeatureSize = 1 << 0

	// consoleMaxPending bounds buffered host input waiting for guest
	// receive buffers.
	consoleMaxPending = 1 << 16
)

// Console implements the virtio console device class: queue 0 carries
// host-to-guest input, queue 1 guest output. Output goes to the
// configured writer; input arrives through Feed and waits for guest
// receive buffers.
type Console struct {
	out io.Writer

	mu      sync.Mutex
	dev     *Device
	rx      *Queue
	tx      *Queue
	rxPump  *pump
	txPump  *pump
	pending []byte
	cols    uint16
	rows    uint16
}

// NewConsole creates a console writing guest output to out. A nil out
// discards output.
func NewConsole(out io.Writer) *Console {
	if out == nil {
		out = io.Discard
	}
	return &Console{out: out, cols: 80, rows: 24}
}

func (c *Console) DeviceID() uint16       { return ConsoleDeviceID }
func (c *Console) DeviceName() string     { return "console" }
func (c *Console) DeviceFeatures() uint64 { return consoleFeatureSize }
func (c *Console) NumQueues() int         { return consoleQueueCount }
func (c *Console) QueueMaxSize(int) uint16 {
	return consoleQueueNumMax
}

func (c *Console) Bind(dev *Device) {
	c.mu.Lock()
	c.dev = dev
	c.mu.Unlock()
}

func (c *Console) ConfigBytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var buf [12]byte
	binary.LittleEndian.PutUint16(buf[0:2], c.cols)
	binary.LittleEndian.PutUint16(buf[2:4], c.rows)
	binary.LittleEndian.PutUint32(buf[4:8], 1) // max_nr_ports
	return buf[:]
}

func (c *Console) WriteConfig(uint64, uint32) error {
	return fmt.Errorf("virtio-console: config space is read-only")
}

func (c *Console) Activate(features uint64, queues []*Queue) error {
	rx, tx := queues[consoleQueueReceive], queues[consoleQueueTransmit]
	if !tx.Ready() {
		return fmt.Errorf("virtio-console: transmit queue not ready: %w", verr.ErrProtocolViolation)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.txPump != nil {
		return fmt.Errorf("virtio-console: already active")
	}
	c.rx, c.tx = rx, tx
	dev := c.dev
	fail := func(err error) { dev.Fail(err) }
	c.txPump = newPump(c.drainTx, fail)
	c.txPump.start()
	c.txPump.notify()
	if rx.Ready() {
		c.rxPump = newPump(c.drainRx, fail)
		c.rxPump.start()
	}
	return nil
}

func (c *Console) Notify(queue int) error {
	c.mu.Lock()
	rxPump, txPump := c.rxPump, c.txPump
	c.mu.Unlock()
	switch queue {
	case consoleQueueReceive:
		if rxPump != nil {
			rxPump.notify()
		}
	case consoleQueueTransmit:
		if txPump != nil {
			txPump.notify()
		}
	}
	return nil
}

func (c *Console) Quiesce(ctx context.Context) error {
	c.mu.Lock()
	rxPump, txPump := c.rxPump, c.txPump
	c.mu.Unlock()
	return pauseAll(ctx, txPump, rxPump)
}

func (c *Console) Resume() error {
	c.mu.Lock()
	rxPump, txPump := c.rxPump, c.txPump
	c.mu.Unlock()
	resumeAll(txPump, rxPump)
	return nil
}

func (c *Console) Reset() {
	c.mu.Lock()
	rxPump, txPump := c.rxPump, c.txPump
	c.rxPump, c.txPump = nil, nil
	c.rx, c.tx = nil, nil
	c.pending = nil
	c.mu.Unlock()
	stopJoinAll(txPump, rxPump)
}

func (c *Console) Shutdown(ctx context.Context) error {
	c.Reset()
	return nil
}

type consoleClassState struct {
	Pending []byte
	Cols    uint16
	Rows    uint16
}

func (c *Console) SaveState() ([]byte, error) {
	c.mu.Lock()
	state := consoleClassState{
		Pending: append([]byte(nil), c.pending...),
		Cols:    c.cols,
		Rows:    c.rows,
	}
	c.mu.Unlock()
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&state); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Console) LoadState(data []byte) error {
	var state consoleClassState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&state); err != nil {
		return err
	}
	c.mu.Lock()
	c.pending = state.Pending
	c.cols, c.rows = state.Cols, state.Rows
	c.mu.Unlock()
	return nil
}

// Feed queues host input for the guest. Input beyond the pending
// buffer bound is rejected rather than silently dropped.
func (c *Console) Feed(data []byte) error {
	c.mu.Lock()
	if len(c.pending)+len(data) > consoleMaxPending {
		c.mu.Unlock()
		return fmt.Errorf("virtio-console: input buffer full: %w", verr.ErrResourceExhausted)
	}
	c.pending = append(c.pending, data...)
	rxPump := c.rxPump
	c.mu.Unlock()

	if rxPump != nil {
		rxPump.notify()
	}
	return nil
}

// Resize updates the terminal geometry and raises a config change.
func (c *Console) Resize(cols, rows uint16) error {
	c.mu.Lock()
	c.cols, c.rows = cols, rows
	dev := c.dev
	c.mu.Unlock()
	if dev == nil {
		return nil
	}
	return dev.SignalConfig()
}

func (c *Console) drainTx() error {
	c.mu.Lock()
	q, dev := c.tx, c.dev
	c.mu.Unlock()
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
		data, err := q.Gather(chain.Readable())
		if err != nil {
			return err
		}
		if _, err := c.out.Write(data); err != nil {
			return fmt.Errorf("virtio-console: write output: %w", err)
		}
		if err := q.PushUsed(chain.Head, 0); err != nil {
			return err
		}
		if err := dev.SignalUsed(q); err != nil {
			dev.log.Warn("used notification dropped", "err", err)
		}
	}
}

func (c *Console) drainRx() error {
	c.mu.Lock()
	q, dev := c.rx, c.dev
	c.mu.Unlock()
	if q == nil {
		return nil
	}

	for {
		c.mu.Lock()
		pending := len(c.pending)
		c.mu.Unlock()
		if pending == 0 {
			return nil
		}

		chain, ok, err := q.PopAvail()
		if err != nil {
			return err
		}
		if !ok {
			// Input stays pending until the guest posts buffers.
			return nil
		}

		c.mu.Lock()
		data := c.pending
		c.mu.Unlock()

		written, err := q.Scatter(chain.Writable(), data)
		if err != nil {
			return err
		}

		c.mu.Lock()
		c.pending = c.pending[written:]
		c.mu.Unlock()

		if err := q.PushUsed(chain.Head, written); err != nil {
			return err
		}
		if err := dev.SignalUsed(q); err != nil {
			dev.log.Warn("used notification dropped", "err", err)
		}
	}
}

var _ Handler = (*Console)(nil)
