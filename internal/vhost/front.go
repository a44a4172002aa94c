//go:build linux

package vhost

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"gvisor.dev/gvisor/pkg/eventfd"

	"github.com/keelvm/keel/internal/hv"
	"github.com/keelvm/keel/internal/verr"
	"github.com/keelvm/keel/internal/virtio"
)

// DisconnectPolicy decides what happens to the device when the backend
// session dies outside an orderly shutdown.
type DisconnectPolicy int

const (
	// PolicyReset lets the lifecycle layer reset the device and retry
	// the backend once the guest re-drives negotiation. The machine
	// keeps running. This is the default.
	PolicyReset DisconnectPolicy = iota

	// PolicyFail marks the device failed and takes the whole machine
	// down with it.
	PolicyFail
)

func (p DisconnectPolicy) String() string {
	switch p {
	case PolicyFail:
		return "fail"
	case PolicyReset:
		return "reset"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParseDisconnectPolicy reads a policy from configuration text. The
// empty string selects PolicyReset.
func ParseDisconnectPolicy(s string) (DisconnectPolicy, error) {
	switch s {
	case "", "reset":
		return PolicyReset, nil
	case "fail":
		return PolicyFail, nil
	default:
		return 0, fmt.Errorf("vhost: unknown disconnect policy %q", s)
	}
}

// DefaultCallTimeout bounds every control request. A backend that sits
// on a request longer than this is treated as gone.
const DefaultCallTimeout = 3 * time.Second

// FrontConfig describes one backend session.
type FrontConfig struct {
	// SocketPath is the backend control socket.
	SocketPath string

	// Name tags log lines and errors.
	Name string

	// DeviceID is the virtio device class the backend must serve.
	DeviceID uint16

	// NumQueues the device model exposes to the guest.
	NumQueues int

	// QueueMaxSize per queue. Defaults to 128.
	QueueMaxSize uint16

	// Memory is the guest whose RAM the backend maps.
	Memory hv.MemoryFileVM

	// Policy selects the disconnect behavior.
	Policy DisconnectPolicy

	// CallTimeout overrides DefaultCallTimeout.
	CallTimeout time.Duration

	Logger *slog.Logger
}

// Front is the guest-facing half of a split device. It satisfies
// virtio.Handler, so the MMIO transport drives it like any in-process
// class; every transport callback turns into control messages to the
// backend that owns the data plane.
type Front struct {
	cfg     FrontConfig
	log     *slog.Logger
	timeout time.Duration

	features      uint64
	protoFeatures uint64
	queueNum      int
	config        []byte

	caller *caller

	mu     sync.Mutex
	dev    *virtio.Device
	vrings []*frontVring
	closed bool
}

// NewFront connects to the backend and runs the session handshake. The
// returned Front is ready to hand to virtio.NewDevice.
func NewFront(cfg FrontConfig) (*Front, error) {
	if cfg.SocketPath == "" {
		return nil, fmt.Errorf("vhost: front needs a socket path")
	}
	if cfg.Memory == nil {
		return nil, fmt.Errorf("vhost: front needs a memory-file VM")
	}
	if cfg.DeviceID == 0 {
		return nil, fmt.Errorf("vhost: front needs a device class")
	}
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("vhost-%d", cfg.DeviceID)
	}
	if cfg.NumQueues == 0 {
		cfg.NumQueues = 1
	}
	if cfg.QueueMaxSize == 0 {
		cfg.QueueMaxSize = 128
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}

	f := &Front{
		cfg:     cfg,
		log:     cfg.Logger.With("device", cfg.Name),
		timeout: cfg.CallTimeout,
	}

	conn, err := Dial(cfg.SocketPath)
	if err != nil {
		return nil, err
	}
	f.caller = newCaller(conn, f.backendGone)

	if err := f.handshake(); err != nil {
		f.caller.close()
		return nil, &verr.Error{Op: "vhost.handshake", Dev: cfg.Name, Err: err}
	}
	return f, nil
}

// handshake claims the backend and negotiates the session: device
// features, protocol features, ring count, and the device config
// snapshot the guest will see.
func (f *Front) handshake() error {
	ctx, cancel := f.opCtx()
	defer cancel()

	if err := f.ack(ctx, VHOST_USER_SET_OWNER, nil); err != nil {
		return err
	}

	features, err := f.getU64(ctx, VHOST_USER_GET_FEATURES, nil)
	if err != nil {
		return err
	}
	if features&VHOST_USER_F_PROTOCOL_FEATURES == 0 {
		return fmt.Errorf("backend offers no protocol features: %w", verr.ErrProtocolViolation)
	}
	f.features = features &^ VHOST_USER_F_PROTOCOL_FEATURES

	proto, err := f.getU64(ctx, VHOST_USER_GET_PROTOCOL_FEATURES, nil)
	if err != nil {
		return err
	}
	f.protoFeatures = proto & (VHOST_USER_PROTOCOL_F_MQ | VHOST_USER_PROTOCOL_F_CONFIG | VHOST_USER_PROTOCOL_F_STATUS)
	if f.protoFeatures&VHOST_USER_PROTOCOL_F_CONFIG == 0 {
		return fmt.Errorf("backend cannot serve device config: %w", verr.ErrCapabilityFailure)
	}
	if err := f.ack(ctx, VHOST_USER_SET_PROTOCOL_FEATURES, putU64(f.protoFeatures)); err != nil {
		return err
	}

	f.queueNum = 1
	if f.protoFeatures&VHOST_USER_PROTOCOL_F_MQ != 0 {
		n, err := f.getU64(ctx, VHOST_USER_GET_QUEUE_NUM, nil)
		if err != nil {
			return err
		}
		f.queueNum = int(n)
	}
	if f.queueNum < f.cfg.NumQueues {
		return fmt.Errorf("backend serves %d rings, device needs %d: %w",
			f.queueNum, f.cfg.NumQueues, verr.ErrCapabilityFailure)
	}

	msg, err := f.caller.call(ctx, VHOST_USER_GET_CONFIG, configReq{Offset: 0, Size: maxConfigSize}.encode())
	if err != nil {
		return err
	}
	f.config = msg.Payload
	return nil
}

func (f *Front) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), f.timeout)
}

// ack sends a request whose only legal reply is an ackOK code.
func (f *Front) ack(ctx context.Context, typ MessageType, payload []byte, fds ...int) error {
	msg, err := f.caller.call(ctx, typ, payload, fds...)
	if err != nil {
		return err
	}
	code, err := parseU64(msg.Payload)
	if err != nil {
		return err
	}
	if code != ackOK {
		return fmt.Errorf("%s acked with code %d: %w", typ, code, verr.ErrProtocolViolation)
	}
	return nil
}

func (f *Front) getU64(ctx context.Context, typ MessageType, payload []byte) (uint64, error) {
	msg, err := f.caller.call(ctx, typ, payload)
	if err != nil {
		return 0, err
	}
	return parseU64(msg.Payload)
}

// backendGone runs when the session dies outside Close. The device
// fails; what happens next is the disconnect policy's call.
func (f *Front) backendGone(err error) {
	f.mu.Lock()
	dev := f.dev
	f.mu.Unlock()

	f.log.Warn("backend session lost", "error", err, "policy", f.cfg.Policy)
	if dev != nil {
		dev.Fail(&verr.Error{Op: "vhost.session", Dev: f.cfg.Name, Err: err})
	}
}

// Policy returns the configured disconnect behavior.
func (f *Front) Policy() DisconnectPolicy { return f.cfg.Policy }

func (f *Front) DeviceID() uint16   { return f.cfg.DeviceID }
func (f *Front) DeviceName() string { return f.cfg.Name }

// DeviceFeatures forwards the backend's feature word. The
// protocol-feature bit is already stripped; it is session plumbing and
// never reaches the guest.
func (f *Front) DeviceFeatures() uint64 { return f.features }

func (f *Front) NumQueues() int          { return f.cfg.NumQueues }
func (f *Front) QueueMaxSize(int) uint16 { return f.cfg.QueueMaxSize }

func (f *Front) Bind(dev *virtio.Device) {
	f.mu.Lock()
	f.dev = dev
	f.mu.Unlock()
}

// ConfigBytes returns the config snapshot taken at handshake. The
// session pins it for the device lifetime so the guest never sees a
// backend restart as a config change.
func (f *Front) ConfigBytes() []byte { return f.config }

func (f *Front) WriteConfig(offset uint64, value uint32) error {
	return fmt.Errorf("vhost: %s config space is read-only", f.cfg.Name)
}

// frontVring is the front half of one ring: the three eventfds shared
// with the backend and the watchers that translate backend signals
// into guest interrupts.
type frontVring struct {
	index int
	queue *virtio.Queue

	kick eventfd.Eventfd
	call eventfd.Eventfd
	errs eventfd.Eventfd

	stop     atomic.Bool
	watchers sync.WaitGroup
}

func newFrontVring(index int, queue *virtio.Queue) (*frontVring, error) {
	vr := &frontVring{index: index, queue: queue}
	var err error
	if vr.kick, err = eventfd.Create(); err != nil {
		return nil, fmt.Errorf("vhost: kick eventfd: %w", err)
	}
	if vr.call, err = eventfd.Create(); err != nil {
		vr.kick.Close()
		return nil, fmt.Errorf("vhost: call eventfd: %w", err)
	}
	if vr.errs, err = eventfd.Create(); err != nil {
		vr.kick.Close()
		vr.call.Close()
		return nil, fmt.Errorf("vhost: err eventfd: %w", err)
	}
	return vr, nil
}

// release stops the watchers and closes the eventfds. Safe only once.
func (vr *frontVring) release() {
	vr.stop.Store(true)
	vr.call.Notify()
	vr.errs.Notify()
	vr.watchers.Wait()
	vr.kick.Close()
	vr.call.Close()
	vr.errs.Close()
}

// Activate programs the backend with the negotiated features, the
// guest memory file, and every ready ring, then enables them. Called
// on first activation and again when a restored device resumes.
func (f *Front) Activate(features uint64, queues []*virtio.Queue) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return fmt.Errorf("vhost: %s session is closed: %w", f.cfg.Name, verr.ErrBackendDisconnected)
	}
	if f.vrings != nil {
		f.mu.Unlock()
		return fmt.Errorf("vhost: %s already active", f.cfg.Name)
	}
	dev := f.dev
	f.mu.Unlock()

	ctx, cancel := f.opCtx()
	defer cancel()

	vrings := make([]*frontVring, len(queues))
	fail := func(err error) error {
		for _, vr := range vrings {
			if vr != nil {
				vr.release()
			}
		}
		f.rollbackBackend()
		return err
	}

	if err := f.ack(ctx, VHOST_USER_SET_FEATURES, putU64(features|VHOST_USER_F_PROTOCOL_FEATURES)); err != nil {
		return fail(err)
	}
	if err := f.sendMemTable(ctx); err != nil {
		return fail(err)
	}

	live := 0
	for i, q := range queues {
		if q == nil || !q.Ready() {
			continue
		}
		vr, err := newFrontVring(i, q)
		if err != nil {
			return fail(err)
		}
		vrings[i] = vr
		if err := f.setupVring(ctx, vr); err != nil {
			return fail(err)
		}
		live++
	}
	if live == 0 {
		return fail(fmt.Errorf("no ready rings to enable: %w", verr.ErrProtocolViolation))
	}

	if f.protoFeatures&VHOST_USER_PROTOCOL_F_STATUS != 0 {
		if err := f.ack(ctx, VHOST_USER_SET_STATUS, putU64(deviceStatusRunning)); err != nil {
			return fail(err)
		}
	}

	// Signals raised between enable and here sit in the eventfd
	// counters, so starting the watchers last loses nothing.
	for _, vr := range vrings {
		if vr == nil {
			continue
		}
		vr.watchers.Add(2)
		go f.watchCall(dev, vr)
		go f.watchErr(dev, vr)
	}

	f.mu.Lock()
	f.vrings = vrings
	f.mu.Unlock()

	f.log.Debug("backend activated", "rings", live, "features", fmt.Sprintf("%#x", features))
	return nil
}

// sendMemTable hands the backend the guest RAM as one shared region.
func (f *Front) sendMemTable(ctx context.Context) error {
	file, err := f.cfg.Memory.MemoryFile()
	if err != nil {
		return fmt.Errorf("guest memory not shareable: %v: %w", err, verr.ErrCapabilityFailure)
	}
	defer file.Close()

	table, err := encodeMemTable([]MemRegion{{
		GPA:        f.cfg.Memory.MemoryBase(),
		Size:       f.cfg.Memory.MemorySize(),
		FileOffset: 0,
	}})
	if err != nil {
		return err
	}
	return f.ack(ctx, VHOST_USER_SET_MEM_TABLE, table, int(file.Fd()))
}

// setupVring programs one ring and enables it. The base message
// carries the queue's avail cursor, so a restored device resumes where
// the snapshot stopped.
func (f *Front) setupVring(ctx context.Context, vr *frontVring) error {
	i := uint32(vr.index)
	q := vr.queue

	if err := f.ack(ctx, VHOST_USER_SET_VRING_NUM, VringState{Index: i, Num: uint32(q.Size())}.encode()); err != nil {
		return err
	}
	lastAvail, _ := q.Cursors()
	if err := f.ack(ctx, VHOST_USER_SET_VRING_BASE, VringState{Index: i, Num: uint32(lastAvail)}.encode()); err != nil {
		return err
	}
	desc, avail, used := q.Addresses()
	if err := f.ack(ctx, VHOST_USER_SET_VRING_ADDR, VringAddr{Index: i, Desc: desc, Avail: avail, Used: used}.encode()); err != nil {
		return err
	}
	if err := f.ack(ctx, VHOST_USER_SET_VRING_KICK, encodeVringFD(vr.index, true), vr.kick.FD()); err != nil {
		return err
	}
	if err := f.ack(ctx, VHOST_USER_SET_VRING_CALL, encodeVringFD(vr.index, true), vr.call.FD()); err != nil {
		return err
	}
	if err := f.ack(ctx, VHOST_USER_SET_VRING_ERR, encodeVringFD(vr.index, true), vr.errs.FD()); err != nil {
		return err
	}
	return f.ack(ctx, VHOST_USER_SET_VRING_ENABLE, VringState{Index: i, Num: 1}.encode())
}

// rollbackBackend asks the backend to drop whatever a failed Activate
// managed to program, so a later attempt starts from a reset backend
// instead of a half-enabled one.
func (f *Front) rollbackBackend() {
	if f.caller.cause() != nil {
		return
	}
	if f.protoFeatures&VHOST_USER_PROTOCOL_F_STATUS == 0 {
		return
	}
	ctx, cancel := f.opCtx()
	defer cancel()
	if err := f.ack(ctx, VHOST_USER_SET_STATUS, putU64(0)); err != nil {
		f.log.Warn("backend rollback failed", "error", err)
	}
}

// watchCall turns backend completion signals into used-buffer
// interrupts.
func (f *Front) watchCall(dev *virtio.Device, vr *frontVring) {
	defer vr.watchers.Done()
	for {
		if _, err := vr.call.Read(); err != nil {
			return
		}
		if vr.stop.Load() {
			return
		}
		if err := dev.SignalUsed(vr.queue); err != nil {
			f.log.Warn("used signal failed", "ring", vr.index, "error", err)
		}
	}
}

// watchErr fails the device when the backend raises a ring error.
func (f *Front) watchErr(dev *virtio.Device, vr *frontVring) {
	defer vr.watchers.Done()
	if _, err := vr.errs.Read(); err != nil {
		return
	}
	if vr.stop.Load() {
		return
	}
	dev.Fail(fmt.Errorf("vhost: %s ring %d failed in the backend: %w",
		f.cfg.Name, vr.index, verr.ErrProtocolViolation))
}

// Notify forwards a guest kick to the backend's ring worker.
func (f *Front) Notify(queue int) error {
	f.mu.Lock()
	var vr *frontVring
	if queue >= 0 && queue < len(f.vrings) {
		vr = f.vrings[queue]
	}
	f.mu.Unlock()
	if vr == nil {
		return nil
	}
	return vr.kick.Notify()
}

// Quiesce disables every ring and adopts the backend's cursors. The
// disable ack is the backend's quiescence acknowledgment: its ring
// worker has joined before the reply is sent, so no used write can
// land afterwards.
func (f *Front) Quiesce(ctx context.Context) error {
	f.mu.Lock()
	vrings := f.vrings
	f.mu.Unlock()

	var disabled []*frontVring
	for _, vr := range vrings {
		if vr == nil {
			continue
		}
		if err := f.disableVring(ctx, vr); err != nil {
			for _, back := range disabled {
				rctx, cancel := f.opCtx()
				rerr := f.ack(rctx, VHOST_USER_SET_VRING_ENABLE, VringState{Index: uint32(back.index), Num: 1}.encode())
				cancel()
				if rerr != nil {
					f.log.Warn("ring re-enable failed", "ring", back.index, "error", rerr)
					break
				}
			}
			return err
		}
		disabled = append(disabled, vr)
	}
	return nil
}

// disableVring parks one ring and pulls the backend's view of it back
// into the queue cursors.
func (f *Front) disableVring(ctx context.Context, vr *frontVring) error {
	i := uint32(vr.index)
	if err := f.ack(ctx, VHOST_USER_SET_VRING_ENABLE, VringState{Index: i, Num: 0}.encode()); err != nil {
		return err
	}
	msg, err := f.caller.call(ctx, VHOST_USER_GET_VRING_BASE, VringState{Index: i}.encode())
	if err != nil {
		return err
	}
	state, err := parseVringState(msg.Payload)
	if err != nil {
		return err
	}
	usedIdx, err := f.readUsedIdx(vr.queue)
	if err != nil {
		return err
	}
	vr.queue.SetCursors(uint16(state.Num), usedIdx)
	return nil
}

// readUsedIdx reads the ring's published used index straight from
// guest memory. The backend owns that word while the ring runs; after
// a disable ack it is stable.
func (f *Front) readUsedIdx(q *virtio.Queue) (uint16, error) {
	_, _, used := q.Addresses()
	var buf [2]byte
	if _, err := f.cfg.Memory.ReadAt(buf[:], int64(used+2)); err != nil {
		return 0, fmt.Errorf("vhost: read used index: %w", err)
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// Resume re-enables the rings parked by Quiesce. The backend rescans
// the avail ring on enable, so kicks that arrived while parked are not
// lost.
func (f *Front) Resume() error {
	f.mu.Lock()
	vrings := f.vrings
	f.mu.Unlock()

	ctx, cancel := f.opCtx()
	defer cancel()
	for _, vr := range vrings {
		if vr == nil {
			continue
		}
		if err := f.ack(ctx, VHOST_USER_SET_VRING_ENABLE, VringState{Index: uint32(vr.index), Num: 1}.encode()); err != nil {
			return err
		}
	}
	return nil
}

// Reset tears down the rings and, when the session still lives, resets
// the backend. Safe to call twice and never waits on the control
// socket when the session is already dead.
func (f *Front) Reset() {
	f.mu.Lock()
	vrings := f.vrings
	f.vrings = nil
	f.mu.Unlock()

	live := 0
	for _, vr := range vrings {
		if vr == nil {
			continue
		}
		vr.release()
		live++
	}
	if live == 0 {
		return
	}
	if f.caller.cause() != nil {
		return
	}

	ctx, cancel := f.opCtx()
	defer cancel()
	if f.protoFeatures&VHOST_USER_PROTOCOL_F_STATUS != 0 {
		if err := f.ack(ctx, VHOST_USER_SET_STATUS, putU64(0)); err != nil {
			f.log.Warn("backend reset failed", "error", err)
		}
		return
	}
	for _, vr := range vrings {
		if vr == nil {
			continue
		}
		if err := f.ack(ctx, VHOST_USER_SET_VRING_ENABLE, VringState{Index: uint32(vr.index), Num: 0}.encode()); err != nil {
			f.log.Warn("ring disable failed", "ring", vr.index, "error", err)
			return
		}
	}
}

// Shutdown permanently ends the session.
func (f *Front) Shutdown(ctx context.Context) error {
	f.Reset()
	f.Close()
	return nil
}

// Close tears the control connection down. Idempotent; the deliberate
// close never counts as a backend disconnect.
func (f *Front) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.mu.Unlock()
	f.caller.close()
}

// frontClassState is the class payload inside a device snapshot. The
// rings themselves live in the transport snapshot and in guest memory;
// what must match on restore is the backend identity.
type frontClassState struct {
	DeviceID  uint16
	NumQueues int
	Config    []byte
}

func (f *Front) SaveState() ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(frontClassState{
		DeviceID:  f.cfg.DeviceID,
		NumQueues: f.cfg.NumQueues,
		Config:    f.config,
	})
	if err != nil {
		return nil, fmt.Errorf("vhost: encode state: %w", err)
	}
	return buf.Bytes(), nil
}

// LoadState checks that this session can stand in for the one that
// took the snapshot. A diverging backend is a restore-time reject, not
// a runtime surprise.
func (f *Front) LoadState(data []byte) error {
	var snap frontClassState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return fmt.Errorf("vhost: decode state: %v: %w", err, verr.ErrMigrationFormatMismatch)
	}
	if snap.DeviceID != f.cfg.DeviceID {
		return fmt.Errorf("vhost: snapshot is device class %d, session serves %d: %w",
			snap.DeviceID, f.cfg.DeviceID, verr.ErrMigrationFormatMismatch)
	}
	if snap.NumQueues != f.cfg.NumQueues {
		return fmt.Errorf("vhost: snapshot has %d rings, session has %d: %w",
			snap.NumQueues, f.cfg.NumQueues, verr.ErrMigrationFormatMismatch)
	}
	if !bytes.Equal(snap.Config, f.config) {
		return fmt.Errorf("vhost: backend config diverges from snapshot: %w", verr.ErrMigrationFormatMismatch)
	}
	return nil
}

var _ virtio.Handler = (*Front)(nil)
