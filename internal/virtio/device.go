package virtio

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/keelvm/keel/internal/gpa"
	"github.com/keelvm/keel/internal/hv"
	"github.com/keelvm/keel/internal/verr"
)

// DeviceState is the lifecycle state of a virtio device. Guest status
// writes drive Reset→Configuring→Active; the lifecycle controller
// drives Active⇄Paused and →Stopped. Failed is reachable from
// everywhere and terminal until a device reset.
type DeviceState uint32

const (
	StateReset DeviceState = iota
	StateConfiguring
	StateActive
	StatePaused
	StateStopped
	StateFailed
)

func (s DeviceState) String() string {
	switch s {
	case StateReset:
		return "reset"
	case StateConfiguring:
		return "configuring"
	case StateActive:
		return "active"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

// Virtio MMIO register layout (modern, version 2).
const (
	VIRTIO_MMIO_MAGIC_VALUE         = 0x000
	VIRTIO_MMIO_VERSION             = 0x004
	VIRTIO_MMIO_DEVICE_ID           = 0x008
	VIRTIO_MMIO_VENDOR_ID           = 0x00c
	VIRTIO_MMIO_DEVICE_FEATURES     = 0x010
	VIRTIO_MMIO_DEVICE_FEATURES_SEL = 0x014
	VIRTIO_MMIO_DRIVER_FEATURES     = 0x020
	VIRTIO_MMIO_DRIVER_FEATURES_SEL = 0x024
	VIRTIO_MMIO_QUEUE_SEL           = 0x030
	VIRTIO_MMIO_QUEUE_NUM_MAX       = 0x034
	VIRTIO_MMIO_QUEUE_NUM           = 0x038
	VIRTIO_MMIO_QUEUE_READY         = 0x044
	VIRTIO_MMIO_QUEUE_NOTIFY        = 0x050
	VIRTIO_MMIO_INTERRUPT_STATUS    = 0x060
	VIRTIO_MMIO_INTERRUPT_ACK       = 0x064
	VIRTIO_MMIO_STATUS              = 0x070
	VIRTIO_MMIO_QUEUE_DESC_LOW      = 0x080
	VIRTIO_MMIO_QUEUE_DESC_HIGH     = 0x084
	VIRTIO_MMIO_QUEUE_AVAIL_LOW     = 0x090
	VIRTIO_MMIO_QUEUE_AVAIL_HIGH    = 0x094
	VIRTIO_MMIO_QUEUE_USED_LOW      = 0x0a0
	VIRTIO_MMIO_QUEUE_USED_HIGH     = 0x0a4
	VIRTIO_MMIO_SHM_SEL             = 0x0ac
	VIRTIO_MMIO_SHM_LEN_LOW         = 0x0b0
	VIRTIO_MMIO_SHM_LEN_HIGH        = 0x0b4
	VIRTIO_MMIO_SHM_BASE_LOW        = 0x0b8
	VIRTIO_MMIO_SHM_BASE_HIGH       = 0x0bc
	VIRTIO_MMIO_CONFIG_GENERATION   = 0x0fc
	VIRTIO_MMIO_CONFIG              = 0x100

	VIRTIO_MMIO_INT_VRING  = 0x1
	VIRTIO_MMIO_INT_CONFIG = 0x2

	virtioMagic   = 0x74726976
	virtioVersion = 2
	keelVendorID  = 0x4c45454b // "KEEL"

	// Device status bits, written by the driver.
	statusAcknowledge = 1
	statusDriver      = 2
	statusDriverOK    = 4
	statusFeaturesOK  = 8
	statusNeedsReset  = 64
	statusFailed      = 128

	// FeatureVersion1 is required by every device class.
	FeatureVersion1 = uint64(1) << 32

	// DefaultMMIOSize is the register window size per device.
	DefaultMMIOSize = 0x200
)

// Handler implements one device class behind the shared MMIO
// transport. The transport serializes all Handler calls except Notify,
// which must be non-blocking (hand off to a worker and return), and
// Reset, which may run concurrently with a failing worker and must be
// safe to call twice.
type Handler interface {
	DeviceID() uint16
	DeviceName() string

	// DeviceFeatures returns the advertised feature bits.
	// FeatureVersion1 is implied and always offered.
	DeviceFeatures() uint64

	NumQueues() int
	QueueMaxSize(queue int) uint16

	// ConfigBytes returns the device config space. It is re-fetched on
	// every access so classes can reflect live state.
	ConfigBytes() []byte

	// WriteConfig handles a driver write inside the config window.
	WriteConfig(offset uint64, value uint32) error

	// Bind attaches the transport before any other call.
	Bind(dev *Device)

	// Activate starts the class workers. The negotiated features are
	// final and the ready queues are validated. Called on the
	// Configuring→Active edge and again after a state restore.
	Activate(features uint64, queues []*Queue) error

	// Notify signals that the driver kicked a queue.
	Notify(queue int) error

	// Quiesce drains in-flight requests and parks the workers.
	Quiesce(ctx context.Context) error

	// Resume restarts parked workers after a Quiesce.
	Resume() error

	// Reset stops workers and drops class state (device reset). Must
	// not wait on the goroutine that reported a failure.
	Reset()

	// Shutdown stops the class permanently.
	Shutdown(ctx context.Context) error

	// SaveState and LoadState carry class state across snapshots,
	// beyond what the transport captures.
	SaveState() ([]byte, error)
	LoadState(data []byte) error
}

// DeviceConfig describes one device instance.
type DeviceConfig struct {
	Handler Handler

	// Space validates queue ring addresses and owns the MMIO window.
	Space *gpa.Space

	// MMIOBase of 0 lets the allocator choose; a fixed base is
	// reserved as-is.
	MMIOBase uint64
	MMIOSize uint64
	IRQLine  uint32

	Logger *slog.Logger

	// OnFailure is invoked (outside all device locks) when the device
	// enters Failed. The failure stays device-local; it never takes
	// the VM down.
	OnFailure func(err error)
}

// Device is the MMIO transport for one virtio device. It implements
// hv.MemoryMappedIODevice and owns the device lifecycle state machine.
//
// Guest protocol violations never surface as MMIO errors: a vCPU exit
// handler treats those as fatal. The device logs the violation, moves
// itself to Failed where the violation is unrecoverable and reports
// through OnFailure. MMIO errors are reserved for malformed accesses.
type Device struct {
	handler   Handler
	space     *gpa.Space
	log       *slog.Logger
	onFailure func(error)

	vm      hv.VirtualMachine
	base    uint64
	size    uint64
	irqLine uint32
	irqHigh atomic.Bool

	mu               sync.Mutex
	state            DeviceState
	status           uint32
	offered          uint64
	required         uint64
	negotiated       uint64
	deviceFeatureSel uint32
	driverFeatureSel uint32
	driverFeatures   [2]uint32
	queueSel         uint32
	configGeneration uint32
	activated        bool
	queues           []*Queue

	interruptStatus atomic.Uint32
}

// NewDevice creates a device for the given class handler. The device
// claims its MMIO window and builds its queues when Init is called
// with the owning VM.
func NewDevice(cfg DeviceConfig) (*Device, error) {
	if cfg.Handler == nil {
		return nil, fmt.Errorf("virtio: device requires a handler")
	}
	if cfg.Space == nil {
		return nil, fmt.Errorf("virtio: device requires an address space")
	}
	if cfg.Handler.NumQueues() <= 0 {
		return nil, fmt.Errorf("virtio: device %q must expose at least one queue", cfg.Handler.DeviceName())
	}
	if cfg.IRQLine == 0 {
		return nil, fmt.Errorf("virtio: device %q requires an IRQ line", cfg.Handler.DeviceName())
	}
	size := cfg.MMIOSize
	if size == 0 {
		size = DefaultMMIOSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Device{
		handler:   cfg.Handler,
		space:     cfg.Space,
		log:       logger.With("device", cfg.Handler.DeviceName()),
		onFailure: cfg.OnFailure,
		base:      cfg.MMIOBase,
		size:      size,
		irqLine:   cfg.IRQLine,
		state:     StateReset,
		required:  FeatureVersion1,
	}
	d.offered = cfg.Handler.DeviceFeatures() | FeatureVersion1
	return d, nil
}

// Init implements hv.Device. It claims the MMIO window from the
// allocator and builds the queues against guest memory.
func (d *Device) Init(vm hv.VirtualMachine) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.vm != nil {
		return fmt.Errorf("virtio: device %q initialized twice", d.handler.DeviceName())
	}
	if d.base == 0 {
		r, err := d.space.Allocate(d.size, 0x1000, gpa.KindMMIO)
		if err != nil {
			return fmt.Errorf("virtio: allocate MMIO window: %w", err)
		}
		d.base = r.Base
	} else {
		if err := d.space.Reserve(gpa.Range{Base: d.base, Size: d.size, Kind: gpa.KindMMIO}); err != nil {
			return fmt.Errorf("virtio: reserve MMIO window %#x: %w", d.base, err)
		}
	}

	d.vm = vm
	d.queues = make([]*Queue, d.handler.NumQueues())
	for i := range d.queues {
		maxSize := d.handler.QueueMaxSize(i)
		if maxSize == 0 || maxSize&(maxSize-1) != 0 {
			return fmt.Errorf("virtio: device %q queue %d max size %d is not a power of 2",
				d.handler.DeviceName(), i, maxSize)
		}
		d.queues[i] = NewQueue(vm, i, maxSize)
	}
	d.handler.Bind(d)
	d.log.Debug("device initialized", "base", fmt.Sprintf("%#x", d.base), "irq", d.irqLine)
	return nil
}

func (d *Device) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{{Address: d.base, Size: d.size}}
}

// MMIOBase returns the allocated register window base.
func (d *Device) MMIOBase() uint64 { return d.base }

// IRQLine returns the interrupt line the device drives.
func (d *Device) IRQLine() uint32 { return d.irqLine }

// CmdlineParam returns the kernel command line fragment that makes
// Linux probe this device.
func (d *Device) CmdlineParam() string {
	return fmt.Sprintf("virtio_mmio.device=4k@0x%x:%d", d.base, d.irqLine)
}

// State returns the current lifecycle state.
func (d *Device) State() DeviceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// NegotiatedFeatures returns the accepted feature set, valid once the
// device has left Configuring.
func (d *Device) NegotiatedFeatures() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.negotiated
}

// Queue returns queue i, or nil when out of range.
func (d *Device) Queue(i int) *Queue {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.queues) {
		return nil
	}
	return d.queues[i]
}

func (d *Device) ReadMMIO(addr uint64, data []byte) error {
	if err := d.checkBounds(addr, uint64(len(data))); err != nil {
		return err
	}
	storeLittleEndian(data, d.readRegister(addr-d.base))
	return nil
}

func (d *Device) WriteMMIO(addr uint64, data []byte) error {
	if err := d.checkBounds(addr, uint64(len(data))); err != nil {
		return err
	}
	d.writeRegister(addr-d.base, littleEndianValue(data))
	return nil
}

func (d *Device) checkBounds(addr, length uint64) error {
	if length == 0 || length > 8 {
		return fmt.Errorf("virtio: unsupported MMIO access length %d", length)
	}
	if addr < d.base || addr+length > d.base+d.size {
		return fmt.Errorf("virtio: MMIO access outside window base=%#x size=%#x addr=%#x", d.base, d.size, addr)
	}
	return nil
}

func (d *Device) writeRegister(offset uint64, value uint32) {
	d.mu.Lock()

	switch offset {
	case VIRTIO_MMIO_DEVICE_FEATURES_SEL:
		d.deviceFeatureSel = value
	case VIRTIO_MMIO_DRIVER_FEATURES_SEL:
		d.driverFeatureSel = value
	case VIRTIO_MMIO_DRIVER_FEATURES:
		if d.state != StateConfiguring {
			d.log.Warn("feature write ignored", "state", d.state.String())
			break
		}
		if d.driverFeatureSel < 2 {
			d.driverFeatures[d.driverFeatureSel] = value
		}
	case VIRTIO_MMIO_QUEUE_SEL:
		d.queueSel = value
	case VIRTIO_MMIO_QUEUE_NUM:
		if q := d.selectedQueueLocked(); q != nil {
			if err := q.SetSize(uint16(value)); err != nil {
				d.log.Error("queue size rejected", "queue", q.Index, "size", value, "err", err)
			}
		}
	case VIRTIO_MMIO_QUEUE_READY:
		q := d.selectedQueueLocked()
		if q == nil {
			break
		}
		if value&1 == 0 {
			q.Reset()
			break
		}
		// Reject bad rings here; the queue stays disabled and the
		// activation edge catches the class consequences.
		if err := q.Validate(d.space); err != nil {
			d.log.Error("queue validation failed", "queue", q.Index, "err", err)
		}
	case VIRTIO_MMIO_QUEUE_DESC_LOW:
		d.patchQueueAddrLocked(regDesc, false, value)
	case VIRTIO_MMIO_QUEUE_DESC_HIGH:
		d.patchQueueAddrLocked(regDesc, true, value)
	case VIRTIO_MMIO_QUEUE_AVAIL_LOW:
		d.patchQueueAddrLocked(regAvail, false, value)
	case VIRTIO_MMIO_QUEUE_AVAIL_HIGH:
		d.patchQueueAddrLocked(regAvail, true, value)
	case VIRTIO_MMIO_QUEUE_USED_LOW:
		d.patchQueueAddrLocked(regUsed, false, value)
	case VIRTIO_MMIO_QUEUE_USED_HIGH:
		d.patchQueueAddrLocked(regUsed, true, value)
	case VIRTIO_MMIO_QUEUE_NOTIFY:
		d.handleNotifyLocked(int(value))
		return
	case VIRTIO_MMIO_INTERRUPT_ACK:
		d.interruptStatus.And(^value)
		d.mu.Unlock()
		if err := d.updateInterruptLine(); err != nil {
			d.log.Error("interrupt ack", "err", err)
		}
		return
	case VIRTIO_MMIO_STATUS:
		d.handleStatusLocked(value)
		return
	default:
		if offset >= VIRTIO_MMIO_CONFIG {
			err := d.handler.WriteConfig(offset-VIRTIO_MMIO_CONFIG, value)
			if err == nil {
				d.configGeneration++
			}
			d.mu.Unlock()
			if err != nil {
				d.log.Warn("config write rejected", "offset", offset-VIRTIO_MMIO_CONFIG, "err", err)
			}
			return
		}
		d.log.Debug("unhandled register write", "offset", fmt.Sprintf("%#x", offset), "value", value)
	}
	d.mu.Unlock()
}

type queueReg int

const (
	regDesc queueReg = iota
	regAvail
	regUsed
)

func (d *Device) patchQueueAddrLocked(reg queueReg, high bool, value uint32) {
	q := d.selectedQueueLocked()
	if q == nil {
		return
	}
	desc, avail, used := q.Addresses()
	patch := func(cur uint64) uint64 {
		if high {
			return (cur &^ (uint64(0xffffffff) << 32)) | uint64(value)<<32
		}
		return (cur &^ uint64(0xffffffff)) | uint64(value)
	}
	switch reg {
	case regDesc:
		desc = patch(desc)
	case regAvail:
		avail = patch(avail)
	case regUsed:
		used = patch(used)
	}
	q.SetAddresses(desc, avail, used)
}

// handleNotifyLocked forwards a guest kick. Called with d.mu held;
// releases it. Kicks outside Active are dropped: for Paused devices
// the worker rescans after resume, anywhere else the kick is a driver
// bug worth a log line but not a VM exit error.
func (d *Device) handleNotifyLocked(queue int) {
	state := d.state
	n := len(d.queues)
	d.mu.Unlock()

	if queue < 0 || queue >= n {
		d.log.Warn("notify for unknown queue", "queue", queue)
		return
	}
	switch state {
	case StateActive:
		if err := d.handler.Notify(queue); err != nil {
			d.log.Error("notify", "queue", queue, "err", err)
		}
	case StatePaused:
	default:
		d.log.Warn("notify ignored", "queue", queue, "state", state.String())
	}
}

// handleStatusLocked runs the guest-driven part of the state machine.
// Called with d.mu held; releases it.
func (d *Device) handleStatusLocked(value uint32) {
	if value == 0 {
		wasActivated := d.resetStateLocked()
		d.mu.Unlock()
		if wasActivated {
			d.handler.Reset()
		}
		// Workers are joined; nothing races the ring teardown.
		for _, q := range d.queues {
			q.Reset()
		}
		d.interruptStatus.Store(0)
		if d.irqHigh.Swap(false) && d.vm != nil {
			_ = d.vm.InjectIRQ(d.irqLine, false)
		}
		d.log.Debug("state transition", "to", StateReset)
		return
	}
	if d.state == StateFailed {
		// Only a reset leaves Failed; other status writes are noise.
		d.mu.Unlock()
		d.log.Warn("status write ignored in failed state", "value", value)
		return
	}
	if value&statusFailed != 0 {
		d.status = value
		d.failLocked(fmt.Errorf("driver set FAILED status: %w", verr.ErrProtocolViolation))
		return
	}

	if value&statusDriver != 0 && d.state == StateReset {
		d.state = StateConfiguring
		d.log.Debug("state transition", "to", StateConfiguring)
	}

	if value&statusFeaturesOK != 0 && d.status&statusFeaturesOK == 0 {
		if d.state != StateConfiguring {
			d.failLocked(fmt.Errorf("FEATURES_OK in state %s: %w", d.state, verr.ErrProtocolViolation))
			return
		}
		driver := uint64(d.driverFeatures[1])<<32 | uint64(d.driverFeatures[0])
		if unoffered := driver &^ d.offered; unoffered != 0 {
			d.failLocked(fmt.Errorf("driver acked unoffered feature bits %#x: %w",
				unoffered, verr.ErrProtocolViolation))
			return
		}
		if missing := d.required &^ driver; missing != 0 {
			d.failLocked(fmt.Errorf("driver rejected required feature bits %#x: %w",
				missing, verr.ErrProtocolViolation))
			return
		}
		// The negotiated set is the intersection of what the device
		// offers and what the driver accepted, final once Active.
		d.negotiated = driver & d.offered
	}

	if value&statusDriverOK != 0 && d.status&statusDriverOK == 0 {
		if d.state != StateConfiguring || value&statusFeaturesOK == 0 && d.status&statusFeaturesOK == 0 {
			d.failLocked(fmt.Errorf("DRIVER_OK before FEATURES_OK: %w", verr.ErrProtocolViolation))
			return
		}
		d.status = value
		d.activateLocked()
		return
	}

	d.status = value
	d.mu.Unlock()
}

// activateLocked performs the Configuring→Active edge: revalidate
// every ready queue against the current allocator state, then start
// the class. Called with d.mu held; releases it.
func (d *Device) activateLocked() {
	queues := make([]*Queue, len(d.queues))
	copy(queues, d.queues)
	for _, q := range queues {
		if !q.Ready() {
			continue
		}
		if err := q.Validate(d.space); err != nil {
			d.failLocked(err)
			return
		}
	}
	features := d.negotiated
	d.state = StateActive
	d.activated = true
	d.mu.Unlock()

	if err := d.handler.Activate(features, queues); err != nil {
		d.Fail(fmt.Errorf("virtio: activate %s: %w", d.handler.DeviceName(), err))
		return
	}
	d.log.Debug("state transition", "to", StateActive, "features", fmt.Sprintf("%#x", features))
}

func (d *Device) readRegister(offset uint64) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch offset {
	case VIRTIO_MMIO_MAGIC_VALUE:
		return virtioMagic
	case VIRTIO_MMIO_VERSION:
		return virtioVersion
	case VIRTIO_MMIO_DEVICE_ID:
		return uint32(d.handler.DeviceID())
	case VIRTIO_MMIO_VENDOR_ID:
		return keelVendorID
	case VIRTIO_MMIO_DEVICE_FEATURES:
		if d.deviceFeatureSel < 2 {
			return uint32(d.offered >> (32 * d.deviceFeatureSel))
		}
		return 0
	case VIRTIO_MMIO_DEVICE_FEATURES_SEL:
		return d.deviceFeatureSel
	case VIRTIO_MMIO_DRIVER_FEATURES:
		if d.driverFeatureSel < 2 {
			return d.driverFeatures[d.driverFeatureSel]
		}
		return 0
	case VIRTIO_MMIO_DRIVER_FEATURES_SEL:
		return d.driverFeatureSel
	case VIRTIO_MMIO_QUEUE_SEL:
		return d.queueSel
	case VIRTIO_MMIO_QUEUE_NUM_MAX:
		if q := d.selectedQueueLocked(); q != nil {
			return uint32(q.MaxSize)
		}
		return 0
	case VIRTIO_MMIO_QUEUE_NUM:
		if q := d.selectedQueueLocked(); q != nil {
			return uint32(q.Size())
		}
		return 0
	case VIRTIO_MMIO_QUEUE_READY:
		if q := d.selectedQueueLocked(); q != nil && q.Ready() {
			return 1
		}
		return 0
	case VIRTIO_MMIO_QUEUE_DESC_LOW, VIRTIO_MMIO_QUEUE_DESC_HIGH,
		VIRTIO_MMIO_QUEUE_AVAIL_LOW, VIRTIO_MMIO_QUEUE_AVAIL_HIGH,
		VIRTIO_MMIO_QUEUE_USED_LOW, VIRTIO_MMIO_QUEUE_USED_HIGH:
		return d.readQueueAddrLocked(offset)
	case VIRTIO_MMIO_INTERRUPT_STATUS:
		return d.interruptStatus.Load()
	case VIRTIO_MMIO_STATUS:
		return d.status
	case VIRTIO_MMIO_SHM_SEL:
		return 0
	case VIRTIO_MMIO_SHM_LEN_LOW, VIRTIO_MMIO_SHM_LEN_HIGH,
		VIRTIO_MMIO_SHM_BASE_LOW, VIRTIO_MMIO_SHM_BASE_HIGH:
		// No shared memory regions.
		return 0xFFFFFFFF
	case VIRTIO_MMIO_CONFIG_GENERATION:
		return d.configGeneration
	default:
		if offset >= VIRTIO_MMIO_CONFIG {
			return readConfigValue(d.handler.ConfigBytes(), offset-VIRTIO_MMIO_CONFIG)
		}
		return 0
	}
}

func (d *Device) readQueueAddrLocked(offset uint64) uint32 {
	q := d.selectedQueueLocked()
	if q == nil {
		return 0
	}
	desc, avail, used := q.Addresses()
	switch offset {
	case VIRTIO_MMIO_QUEUE_DESC_LOW:
		return uint32(desc)
	case VIRTIO_MMIO_QUEUE_DESC_HIGH:
		return uint32(desc >> 32)
	case VIRTIO_MMIO_QUEUE_AVAIL_LOW:
		return uint32(avail)
	case VIRTIO_MMIO_QUEUE_AVAIL_HIGH:
		return uint32(avail >> 32)
	case VIRTIO_MMIO_QUEUE_USED_LOW:
		return uint32(used)
	case VIRTIO_MMIO_QUEUE_USED_HIGH:
		return uint32(used >> 32)
	}
	return 0
}

func (d *Device) selectedQueueLocked() *Queue {
	idx := int(d.queueSel)
	if idx < 0 || idx >= len(d.queues) {
		return nil
	}
	return d.queues[idx]
}

// resetStateLocked clears the transport registers for a device reset
// and reports whether the class was running. The caller releases d.mu,
// joins the class workers, and only then tears down the rings so a
// mid-drain worker never sees a half-reset queue.
func (d *Device) resetStateLocked() bool {
	wasActivated := d.activated
	d.state = StateReset
	d.status = 0
	d.deviceFeatureSel = 0
	d.driverFeatureSel = 0
	d.driverFeatures = [2]uint32{}
	d.negotiated = 0
	d.queueSel = 0
	d.configGeneration = 0
	d.activated = false
	return wasActivated
}

// Fail moves the device to Failed from any state. Safe to call from
// class workers.
func (d *Device) Fail(err error) {
	d.mu.Lock()
	d.failLocked(err)
}

// failLocked marks the device Failed. Called with d.mu held; releases
// it. The class Reset runs on its own goroutine because the caller may
// be the very worker Reset waits for.
func (d *Device) failLocked(err error) {
	if d.state == StateFailed {
		d.mu.Unlock()
		return
	}
	d.state = StateFailed
	d.status |= statusNeedsReset
	wasActivated := d.activated
	d.activated = false
	hook := d.onFailure
	d.mu.Unlock()

	d.log.Error("device failed", "err", err)
	if wasActivated {
		go d.handler.Reset()
	}
	if hook != nil {
		hook(err)
	}
}

// Pause quiesces the device: in-flight requests complete, no new
// avail entries are fetched. No-op unless the device is Active. On
// quiesce failure the device returns to Active and the error is
// reported.
func (d *Device) Pause(ctx context.Context) error {
	d.mu.Lock()
	if d.state != StateActive {
		d.mu.Unlock()
		return nil
	}
	d.state = StatePaused
	d.mu.Unlock()

	if err := d.handler.Quiesce(ctx); err != nil {
		d.mu.Lock()
		if d.state == StatePaused {
			d.state = StateActive
		}
		d.mu.Unlock()
		return &verr.Error{Op: "virtio.pause", Dev: d.handler.DeviceName(), Err: err}
	}
	d.log.Debug("state transition", "to", StatePaused)
	return nil
}

// Resume returns a Paused device to Active. After a state restore it
// also revalidates the rings and restarts the class workers.
func (d *Device) Resume() error {
	d.mu.Lock()
	if d.state != StatePaused {
		d.mu.Unlock()
		return nil
	}

	if !d.activated {
		queues := make([]*Queue, len(d.queues))
		copy(queues, d.queues)
		for _, q := range queues {
			if !q.Ready() {
				continue
			}
			if err := q.Validate(d.space); err != nil {
				d.failLocked(err)
				return err
			}
		}
		features := d.negotiated
		d.state = StateActive
		d.activated = true
		d.mu.Unlock()
		if err := d.handler.Activate(features, queues); err != nil {
			d.Fail(fmt.Errorf("virtio: reactivate %s: %w", d.handler.DeviceName(), err))
			return err
		}
		d.log.Debug("state transition", "to", StateActive)
		return nil
	}

	d.state = StateActive
	d.mu.Unlock()
	if err := d.handler.Resume(); err != nil {
		d.Fail(err)
		return err
	}
	d.log.Debug("state transition", "to", StateActive)
	return nil
}

// Stop moves the device to its terminal Stopped state.
func (d *Device) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.state == StateStopped {
		d.mu.Unlock()
		return nil
	}
	wasActivated := d.activated
	d.state = StateStopped
	d.activated = false
	d.mu.Unlock()

	if wasActivated {
		if err := d.handler.Shutdown(ctx); err != nil {
			return &verr.Error{Op: "virtio.stop", Dev: d.handler.DeviceName(), Err: err}
		}
	}
	d.log.Debug("state transition", "to", StateStopped)
	return nil
}

// SignalUsed raises the used-buffer interrupt for a queue. Callers
// publish through PushUsed first; notification strictly follows the
// used index update and is best-effort.
func (d *Device) SignalUsed(q *Queue) error {
	if q != nil {
		if suppressed, err := q.InterruptsSuppressed(); err == nil && suppressed {
			return nil
		}
	}
	d.interruptStatus.Or(VIRTIO_MMIO_INT_VRING)
	return d.updateInterruptLine()
}

// SignalConfig raises the configuration-change interrupt.
func (d *Device) SignalConfig() error {
	d.mu.Lock()
	d.configGeneration++
	d.mu.Unlock()
	d.interruptStatus.Or(VIRTIO_MMIO_INT_CONFIG)
	return d.updateInterruptLine()
}

func (d *Device) updateInterruptLine() error {
	if d.vm == nil {
		return fmt.Errorf("virtio: device %q has no VM", d.handler.DeviceName())
	}
	level := d.interruptStatus.Load() != 0
	if d.irqHigh.Swap(level) == level {
		return nil
	}
	if err := d.vm.InjectIRQ(d.irqLine, level); err != nil {
		d.log.Error("irq injection failed", "irq", d.irqLine, "err", err)
		return fmt.Errorf("virtio: inject irq %d: %w", d.irqLine, err)
	}
	return nil
}

func littleEndianValue(buf []byte) uint32 {
	switch len(buf) {
	case 1:
		return uint32(buf[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(buf))
	case 4:
		return binary.LittleEndian.Uint32(buf)
	case 8:
		return uint32(binary.LittleEndian.Uint64(buf))
	default:
		panic(fmt.Sprintf("unsupported little-endian width %d", len(buf)))
	}
}

func storeLittleEndian(buf []byte, value uint32) {
	switch len(buf) {
	case 1:
		buf[0] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(buf, value)
	case 8:
		binary.LittleEndian.PutUint64(buf, uint64(value))
	default:
		panic(fmt.Sprintf("unsupported little-endian width %d", len(buf)))
	}
}

// readConfigValue serves a config window read from the class bytes.
// Out-of-range reads return zero.
func readConfigValue(config []byte, offset uint64) uint32 {
	var buf [4]byte
	for i := uint64(0); i < 4; i++ {
		if offset+i < uint64(len(config)) {
			buf[i] = config[offset+i]
		}
	}
	return binary.LittleEndian.Uint32(buf[:])
}

const deviceStateVersion = 1

// QueueSnapshot captures one queue's configuration and cursors.
type QueueSnapshot struct {
	Size         uint16
	MaxSize      uint16
	Ready        bool
	DescAddr     uint64
	AvailAddr    uint64
	UsedAddr     uint64
	LastAvailIdx uint16
	UsedIdx      uint16
}

type deviceSnapshot struct {
	State            uint32
	Status           uint32
	DeviceFeatureSel uint32
	DriverFeatureSel uint32
	DriverFeatures   [2]uint32
	Negotiated       uint64
	QueueSel         uint32
	InterruptStatus  uint32
	ConfigGeneration uint32
	Queues           []QueueSnapshot
	Class            []byte
}

// MigrationID identifies this device inside snapshot manifests. The
// MMIO base makes it stable across identical machine configs.
func (d *Device) MigrationID() string {
	return fmt.Sprintf("virtio-%s@%#x", d.handler.DeviceName(), d.base)
}

// StateVersion returns the transport snapshot format version.
func (d *Device) StateVersion() uint32 { return deviceStateVersion }

// SaveState captures the transport and class state. The device must be
// quiescent (Paused, or never activated).
func (d *Device) SaveState() ([]byte, error) {
	class, err := d.handler.SaveState()
	if err != nil {
		return nil, fmt.Errorf("virtio: save %s class state: %w", d.handler.DeviceName(), err)
	}

	d.mu.Lock()
	snap := deviceSnapshot{
		State:            uint32(d.state),
		Status:           d.status,
		DeviceFeatureSel: d.deviceFeatureSel,
		DriverFeatureSel: d.driverFeatureSel,
		DriverFeatures:   d.driverFeatures,
		Negotiated:       d.negotiated,
		QueueSel:         d.queueSel,
		InterruptStatus:  d.interruptStatus.Load(),
		ConfigGeneration: d.configGeneration,
		Class:            class,
	}
	for _, q := range d.queues {
		snap.Queues = append(snap.Queues, q.snapshot())
	}
	d.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&snap); err != nil {
		return nil, fmt.Errorf("virtio: encode device snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// LoadState restores the transport and class state. An Active snapshot
// is restored as Paused; the lifecycle controller resumes it, which
// revalidates the rings and restarts the class workers.
func (d *Device) LoadState(data []byte) error {
	var snap deviceSnapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return fmt.Errorf("virtio: decode device snapshot: %w", err)
	}

	d.mu.Lock()
	if len(snap.Queues) != len(d.queues) {
		n, m := len(snap.Queues), len(d.queues)
		d.mu.Unlock()
		return fmt.Errorf("virtio: snapshot has %d queues, device has %d: %w",
			n, m, verr.ErrMigrationFormatMismatch)
	}
	for i, qs := range snap.Queues {
		if qs.MaxSize != d.queues[i].MaxSize {
			want, have := qs.MaxSize, d.queues[i].MaxSize
			d.mu.Unlock()
			return fmt.Errorf("virtio: snapshot queue %d max size %d, device has %d: %w",
				i, want, have, verr.ErrMigrationFormatMismatch)
		}
	}

	state := DeviceState(snap.State)
	if state == StateActive {
		state = StatePaused
	}
	d.state = state
	d.status = snap.Status
	d.deviceFeatureSel = snap.DeviceFeatureSel
	d.driverFeatureSel = snap.DriverFeatureSel
	d.driverFeatures = snap.DriverFeatures
	d.negotiated = snap.Negotiated
	d.queueSel = snap.QueueSel
	d.configGeneration = snap.ConfigGeneration
	d.activated = false
	d.interruptStatus.Store(snap.InterruptStatus)
	for i, qs := range snap.Queues {
		d.queues[i].restore(qs)
	}
	d.mu.Unlock()

	if err := d.handler.LoadState(snap.Class); err != nil {
		return fmt.Errorf("virtio: restore %s class state: %w", d.handler.DeviceName(), err)
	}
	return nil
}

var _ hv.MemoryMappedIODevice = (*Device)(nil)
