//go:build linux

package vhost

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/eventfd"

	"github.com/keelvm/keel/internal/gpa"
	"github.com/keelvm/keel/internal/verr"
	"github.com/keelvm/keel/internal/virtio"
)

// backendProtoFeatures is the protocol feature set every backend
// offers.
const backendProtoFeatures = VHOST_USER_PROTOCOL_F_MQ | VHOST_USER_PROTOCOL_F_CONFIG | VHOST_USER_PROTOCOL_F_STATUS

// errUnknownMessage marks a request type this backend does not speak.
// The session answers it with an error ack and stays up; whether that
// fails the device is the front's call.
var errUnknownMessage = errors.New("unknown message type")

// BackendConfig describes a backend endpoint.
type BackendConfig struct {
	// SocketPath is where the control socket listens. A stale socket
	// file from a previous run is removed.
	SocketPath string

	// Plane serves the device class.
	Plane DataPlane

	Logger *slog.Logger
}

// Backend owns a control socket and runs the data plane for one front
// at a time.
type Backend struct {
	plane DataPlane
	log   *slog.Logger

	listener *net.UnixListener

	mu      sync.Mutex
	closed  bool
	current *Conn
}

// NewBackend binds the control socket.
func NewBackend(cfg BackendConfig) (*Backend, error) {
	if cfg.SocketPath == "" {
		return nil, fmt.Errorf("vhost: backend needs a socket path")
	}
	if cfg.Plane == nil {
		return nil, fmt.Errorf("vhost: backend needs a data plane")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := os.Remove(cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("vhost: remove stale socket %s: %w", cfg.SocketPath, err)
	}
	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: cfg.SocketPath, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("vhost: listen %s: %w", cfg.SocketPath, err)
	}
	return &Backend{
		plane:    cfg.Plane,
		log:      cfg.Logger.With("socket", cfg.SocketPath),
		listener: listener,
	}, nil
}

// Serve accepts front sessions one at a time until Close. A session
// must tear down before the next one starts, so two fronts never share
// the data plane.
func (b *Backend) Serve() error {
	for {
		sock, err := b.listener.AcceptUnix()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("vhost: accept: %w", err)
		}
		conn := NewConn(sock)

		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			conn.Close()
			return nil
		}
		b.current = conn
		b.mu.Unlock()

		newSession(b, conn).serve()

		b.mu.Lock()
		if b.current == conn {
			b.current = nil
		}
		b.mu.Unlock()
	}
}

// Close stops accepting and drops the live session.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	current := b.current
	b.mu.Unlock()

	err := b.listener.Close()
	if current != nil {
		current.Close()
	}
	return err
}

// session is one front's control channel plus everything it programmed:
// the guest memory map, the ring set, and the negotiated features.
type session struct {
	b    *Backend
	conn *Conn
	log  *slog.Logger

	owned         bool
	features      uint64
	featuresSet   bool
	protoFeatures uint64
	status        uint64

	mem    *guestMap
	vrings []*vring
}

func newSession(b *Backend, conn *Conn) *session {
	s := &session{b: b, conn: conn, log: b.log}
	s.vrings = make([]*vring, b.plane.QueueCount())
	for i := range s.vrings {
		s.vrings[i] = &vring{index: i}
	}
	return s
}

func (s *session) serve() {
	defer s.cleanup()
	s.log.Debug("session opened")
	for {
		msg, err := s.conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, verr.ErrBackendDisconnected) {
				s.log.Warn("control channel failed", "error", err)
			}
			return
		}
		err = s.handle(msg)
		msg.CloseFiles()
		if err != nil {
			s.log.Warn("control reply failed", "error", err)
			return
		}
	}
}

// handle answers one request. Every request gets a reply: a value, an
// ok ack, or an error ack. Unknown types are refused without dropping
// the session.
func (s *session) handle(msg *Message) error {
	payload, err := s.dispatch(msg)
	if err != nil {
		code := ackFailed
		if errors.Is(err, errUnknownMessage) {
			code = ackUnknown
			s.log.Warn("unknown control message", "type", uint32(msg.Type))
		} else {
			s.log.Warn("control request failed", "type", msg.Type, "error", err)
		}
		return s.conn.WriteMessage(msg.Type, flagReply|flagError, putU64(code))
	}
	if payload == nil {
		payload = putU64(ackOK)
	}
	return s.conn.WriteMessage(msg.Type, flagReply, payload)
}

func (s *session) dispatch(msg *Message) ([]byte, error) {
	switch msg.Type {
	case VHOST_USER_SET_OWNER:
		if s.owned {
			return nil, fmt.Errorf("session already owned: %w", verr.ErrProtocolViolation)
		}
		s.owned = true
		return nil, nil

	case VHOST_USER_GET_FEATURES:
		return putU64(s.offeredFeatures()), nil

	case VHOST_USER_SET_FEATURES:
		v, err := parseU64(msg.Payload)
		if err != nil {
			return nil, err
		}
		return nil, s.setFeatures(v)

	case VHOST_USER_GET_PROTOCOL_FEATURES:
		return putU64(backendProtoFeatures), nil

	case VHOST_USER_SET_PROTOCOL_FEATURES:
		v, err := parseU64(msg.Payload)
		if err != nil {
			return nil, err
		}
		if err := s.requireOwned(); err != nil {
			return nil, err
		}
		if v&^backendProtoFeatures != 0 {
			return nil, fmt.Errorf("protocol features %#x were never offered: %w",
				v&^backendProtoFeatures, verr.ErrProtocolViolation)
		}
		s.protoFeatures = v
		return nil, nil

	case VHOST_USER_GET_QUEUE_NUM:
		return putU64(uint64(s.b.plane.QueueCount())), nil

	case VHOST_USER_SET_MEM_TABLE:
		return nil, s.setMemTable(msg)

	case VHOST_USER_SET_VRING_NUM:
		state, err := parseVringState(msg.Payload)
		if err != nil {
			return nil, err
		}
		vr, err := s.configurableVring(state.Index)
		if err != nil {
			return nil, err
		}
		if state.Num > math.MaxUint16 {
			return nil, fmt.Errorf("ring %d size %d: %w", state.Index, state.Num, verr.ErrProtocolViolation)
		}
		return nil, vr.queue.SetSize(uint16(state.Num))

	case VHOST_USER_SET_VRING_BASE:
		state, err := parseVringState(msg.Payload)
		if err != nil {
			return nil, err
		}
		vr, err := s.configurableVring(state.Index)
		if err != nil {
			return nil, err
		}
		if state.Num > math.MaxUint16 {
			return nil, fmt.Errorf("ring %d base %d: %w", state.Index, state.Num, verr.ErrProtocolViolation)
		}
		vr.pendingBase = uint16(state.Num)
		vr.hasPendingBase = true
		return nil, nil

	case VHOST_USER_GET_VRING_BASE:
		// Reports the ring's avail cursor. Meaningful once the ring is
		// disabled; while it runs the worker owns the cursor.
		state, err := parseVringState(msg.Payload)
		if err != nil {
			return nil, err
		}
		vr, err := s.vringFor(state.Index)
		if err != nil {
			return nil, err
		}
		lastAvail, _ := vr.queue.Cursors()
		return VringState{Index: state.Index, Num: uint32(lastAvail)}.encode(), nil

	case VHOST_USER_SET_VRING_ADDR:
		a, err := parseVringAddr(msg.Payload)
		if err != nil {
			return nil, err
		}
		vr, err := s.configurableVring(a.Index)
		if err != nil {
			return nil, err
		}
		vr.queue.SetAddresses(a.Desc, a.Avail, a.Used)
		return nil, nil

	case VHOST_USER_SET_VRING_KICK, VHOST_USER_SET_VRING_CALL, VHOST_USER_SET_VRING_ERR:
		return nil, s.setVringFD(msg)

	case VHOST_USER_SET_VRING_ENABLE:
		state, err := parseVringState(msg.Payload)
		if err != nil {
			return nil, err
		}
		vr, err := s.vringFor(state.Index)
		if err != nil {
			return nil, err
		}
		if state.Num == 0 {
			s.disableVring(vr)
			return nil, nil
		}
		return nil, s.enableVring(vr)

	case VHOST_USER_GET_CONFIG:
		return s.getConfig(msg)

	case VHOST_USER_SET_STATUS:
		v, err := parseU64(msg.Payload)
		if err != nil {
			return nil, err
		}
		s.status = v
		if v == 0 {
			s.softReset()
		}
		return nil, nil

	case VHOST_USER_GET_STATUS:
		return putU64(s.status), nil

	default:
		return nil, errUnknownMessage
	}
}

// offeredFeatures is the device feature word shown to fronts: the data
// plane's class bits plus the transport and session bits the backend
// requires.
func (s *session) offeredFeatures() uint64 {
	return s.b.plane.DeviceFeatures() | virtio.FeatureVersion1 | VHOST_USER_F_PROTOCOL_FEATURES
}

func (s *session) requireOwned() error {
	if !s.owned {
		return fmt.Errorf("request before SET_OWNER: %w", verr.ErrProtocolViolation)
	}
	return nil
}

func (s *session) anyEnabled() bool {
	for _, vr := range s.vrings {
		if vr.enabled {
			return true
		}
	}
	return false
}

func (s *session) setFeatures(v uint64) error {
	if err := s.requireOwned(); err != nil {
		return err
	}
	if s.anyEnabled() {
		return fmt.Errorf("features change with enabled rings: %w", verr.ErrProtocolViolation)
	}
	if bad := v &^ s.offeredFeatures(); bad != 0 {
		return fmt.Errorf("features %#x were never offered: %w", bad, verr.ErrProtocolViolation)
	}
	if v&VHOST_USER_F_PROTOCOL_FEATURES == 0 {
		return fmt.Errorf("front cleared the protocol-features bit: %w", verr.ErrProtocolViolation)
	}
	s.features = v &^ VHOST_USER_F_PROTOCOL_FEATURES
	s.featuresSet = true
	return nil
}

// setMemTable replaces the guest memory map. Ring state built against
// the old map is stale, so the rings rebuild from scratch. The mmap
// outlives the carrier descriptors, which close with the message.
func (s *session) setMemTable(msg *Message) error {
	if err := s.requireOwned(); err != nil {
		return err
	}
	if s.anyEnabled() {
		return fmt.Errorf("memory table change with enabled rings: %w", verr.ErrProtocolViolation)
	}
	regions, err := parseMemTable(msg.Payload)
	if err != nil {
		return err
	}
	mem, err := mapRegions(regions, msg.Files)
	if err != nil {
		return err
	}
	if s.mem != nil {
		s.mem.unmap()
	}
	s.mem = mem
	for _, vr := range s.vrings {
		vr.queue = virtio.NewQueue(mem, vr.index, s.b.plane.QueueMaxSize(vr.index))
		vr.pendingBase = 0
		vr.hasPendingBase = false
	}
	s.log.Debug("guest memory mapped", "regions", len(regions))
	return nil
}

// vringFor resolves a ring index once the memory table exists.
func (s *session) vringFor(index uint32) (*vring, error) {
	if s.mem == nil {
		return nil, fmt.Errorf("ring %d configured before SET_MEM_TABLE: %w", index, verr.ErrProtocolViolation)
	}
	if int(index) >= len(s.vrings) {
		return nil, fmt.Errorf("ring %d outside the %d rings served: %w", index, len(s.vrings), verr.ErrProtocolViolation)
	}
	return s.vrings[index], nil
}

// configurableVring additionally requires the ring to be disabled.
func (s *session) configurableVring(index uint32) (*vring, error) {
	vr, err := s.vringFor(index)
	if err != nil {
		return nil, err
	}
	if vr.enabled {
		return nil, fmt.Errorf("ring %d reconfigured while enabled: %w", index, verr.ErrProtocolViolation)
	}
	return vr, nil
}

func (s *session) setVringFD(msg *Message) error {
	index, hasFD, err := parseVringFD(msg.Payload)
	if err != nil {
		return err
	}
	vr, err := s.configurableVring(uint32(index))
	if err != nil {
		return err
	}
	if !hasFD {
		if msg.Type == VHOST_USER_SET_VRING_ERR {
			vr.clearErr()
			return nil
		}
		return fmt.Errorf("%s without a descriptor: %w", msg.Type, verr.ErrProtocolViolation)
	}
	if len(msg.Files) == 0 {
		return fmt.Errorf("%s carried no descriptor: %w", msg.Type, verr.ErrProtocolViolation)
	}
	e, err := dupEventfd(msg.Files[0])
	if err != nil {
		return err
	}
	switch msg.Type {
	case VHOST_USER_SET_VRING_KICK:
		vr.setKick(e)
	case VHOST_USER_SET_VRING_CALL:
		vr.setCall(e)
	default:
		vr.setErr(e)
	}
	return nil
}

func (s *session) getConfig(msg *Message) ([]byte, error) {
	if s.protoFeatures&VHOST_USER_PROTOCOL_F_CONFIG == 0 {
		return nil, fmt.Errorf("config requested before protocol negotiation: %w", verr.ErrProtocolViolation)
	}
	req, err := parseConfigReq(msg.Payload)
	if err != nil {
		return nil, err
	}
	if req.Size == 0 || req.Size > maxConfigSize {
		return nil, fmt.Errorf("config window of %d bytes: %w", req.Size, verr.ErrProtocolViolation)
	}
	cfg := s.b.plane.Config()
	if int(req.Offset) > len(cfg) {
		return nil, fmt.Errorf("config offset %d beyond %d bytes: %w", req.Offset, len(cfg), verr.ErrProtocolViolation)
	}
	// The requested size is an upper bound; the reply carries what the
	// device has.
	end := int(req.Offset) + int(req.Size)
	if end > len(cfg) {
		end = len(cfg)
	}
	return cfg[req.Offset:end], nil
}

// enableVring validates the ring against the memory map and starts its
// worker. A base set since the last enable is adopted together with
// the used index published in guest memory, so a restored ring resumes
// at its snapshot cursors.
func (s *session) enableVring(vr *vring) error {
	if vr.enabled {
		return nil
	}
	if !s.featuresSet {
		return fmt.Errorf("ring %d enabled before SET_FEATURES: %w", vr.index, verr.ErrProtocolViolation)
	}
	if !vr.hasKick || !vr.hasCall {
		return fmt.Errorf("ring %d enabled without kick and call descriptors: %w", vr.index, verr.ErrProtocolViolation)
	}
	if err := vr.queue.Validate(s.mem.space); err != nil {
		return err
	}
	if vr.hasPendingBase {
		usedIdx, err := s.readUsedIdx(vr.queue)
		if err != nil {
			return err
		}
		vr.queue.SetCursors(vr.pendingBase, usedIdx)
		vr.hasPendingBase = false
	}
	vr.stop.Store(false)
	vr.worker.Add(1)
	go s.runVring(vr)
	vr.enabled = true
	return nil
}

// disableVring parks the ring worker. The reply to the disable request
// doubles as the quiescence acknowledgment: the worker has joined
// before it is sent, so no used element or call signal can follow.
func (s *session) disableVring(vr *vring) {
	if !vr.enabled {
		return
	}
	vr.stop.Store(true)
	vr.kick.Notify()
	vr.worker.Wait()
	vr.enabled = false
}

func (s *session) readUsedIdx(q *virtio.Queue) (uint16, error) {
	_, _, used := q.Addresses()
	var buf [2]byte
	if _, err := s.mem.ReadAt(buf[:], int64(used+2)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// runVring is the ring worker: drain the avail ring, then sleep on the
// kick descriptor. A data plane error raises the ring's error
// descriptor and parks the worker until the front resets.
func (s *session) runVring(vr *vring) {
	defer vr.worker.Done()
	for {
		if vr.stop.Load() {
			return
		}
		if err := s.drainVring(vr); err != nil {
			s.log.Error("ring worker failed", "ring", vr.index, "error", err)
			if vr.hasErr {
				vr.errs.Notify()
			}
			return
		}
		if _, err := vr.kick.Read(); err != nil {
			return
		}
	}
}

func (s *session) drainVring(vr *vring) error {
	for {
		if vr.stop.Load() {
			return nil
		}
		chain, ok, err := vr.queue.PopAvail()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		written, err := s.b.plane.Serve(vr.index, vr.queue, chain)
		if err != nil {
			return err
		}
		// Used elements publish before the call signal fires.
		if err := vr.queue.PushUsed(chain.Head, written); err != nil {
			return err
		}
		s.signalUsed(vr)
	}
}

func (s *session) signalUsed(vr *vring) {
	suppressed, err := vr.queue.InterruptsSuppressed()
	if err == nil && suppressed {
		return
	}
	if err := vr.call.Notify(); err != nil {
		s.log.Warn("call signal failed", "ring", vr.index, "error", err)
	}
}

// softReset drops everything the front programmed except the memory
// map and the protocol features, mirroring a device reset.
func (s *session) softReset() {
	for _, vr := range s.vrings {
		s.disableVring(vr)
		vr.releaseFDs()
		vr.pendingBase = 0
		vr.hasPendingBase = false
		if s.mem != nil {
			vr.queue = virtio.NewQueue(s.mem, vr.index, s.b.plane.QueueMaxSize(vr.index))
		} else {
			vr.queue = nil
		}
	}
	s.featuresSet = false
}

func (s *session) cleanup() {
	for _, vr := range s.vrings {
		s.disableVring(vr)
		vr.releaseFDs()
	}
	if s.mem != nil {
		s.mem.unmap()
		s.mem = nil
	}
	if err := s.b.plane.Sync(); err != nil {
		s.log.Warn("data plane sync failed", "error", err)
	}
	s.conn.Close()
	s.log.Debug("session closed")
}

// vring is the backend half of one ring: the queue view over shared
// memory, the signaling descriptors, and the worker.
type vring struct {
	index int
	queue *virtio.Queue

	kick eventfd.Eventfd
	call eventfd.Eventfd
	errs eventfd.Eventfd

	hasKick bool
	hasCall bool
	hasErr  bool

	pendingBase    uint16
	hasPendingBase bool

	enabled bool
	stop    atomic.Bool
	worker  sync.WaitGroup
}

func (vr *vring) setKick(e eventfd.Eventfd) {
	if vr.hasKick {
		vr.kick.Close()
	}
	vr.kick = e
	vr.hasKick = true
}

func (vr *vring) setCall(e eventfd.Eventfd) {
	if vr.hasCall {
		vr.call.Close()
	}
	vr.call = e
	vr.hasCall = true
}

func (vr *vring) setErr(e eventfd.Eventfd) {
	if vr.hasErr {
		vr.errs.Close()
	}
	vr.errs = e
	vr.hasErr = true
}

func (vr *vring) clearErr() {
	if vr.hasErr {
		vr.errs.Close()
		vr.hasErr = false
	}
}

func (vr *vring) releaseFDs() {
	if vr.hasKick {
		vr.kick.Close()
		vr.hasKick = false
	}
	if vr.hasCall {
		vr.call.Close()
		vr.hasCall = false
	}
	vr.clearErr()
}

// dupEventfd takes an owned copy of a received descriptor, so the
// message's files can close without pulling the signal path down.
func dupEventfd(file *os.File) (eventfd.Eventfd, error) {
	fd, err := unix.FcntlInt(file.Fd(), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return eventfd.Eventfd{}, fmt.Errorf("vhost: dup descriptor: %w", err)
	}
	return eventfd.Wrap(fd), nil
}

// guestMap is the backend's window onto guest RAM: the shared regions
// mmapped into this process, plus an address space mirroring the
// front's layout so ring validation applies the same rules on both
// sides.
type guestMap struct {
	regions []mappedRegion
	space   *gpa.Space
}

type mappedRegion struct {
	gpa  uint64
	data []byte
}

func mapRegions(regions []MemRegion, files []*os.File) (*guestMap, error) {
	if len(files) != 1 && len(files) != len(regions) {
		return nil, fmt.Errorf("vhost: %d descriptors for %d regions: %w",
			len(files), len(regions), verr.ErrProtocolViolation)
	}

	var end uint64
	for _, r := range regions {
		if r.Size == 0 {
			return nil, fmt.Errorf("vhost: empty memory region at %#x: %w", r.GPA, verr.ErrProtocolViolation)
		}
		if r.GPA+r.Size < r.GPA {
			return nil, fmt.Errorf("vhost: memory region at %#x overflows: %w", r.GPA, verr.ErrProtocolViolation)
		}
		if r.GPA+r.Size > end {
			end = r.GPA + r.Size
		}
	}
	space, err := gpa.New(0, end)
	if err != nil {
		return nil, err
	}

	m := &guestMap{space: space}
	for i, r := range regions {
		if err := space.Reserve(gpa.Range{Base: r.GPA, Size: r.Size, Kind: gpa.KindRAM}); err != nil {
			m.unmap()
			return nil, fmt.Errorf("vhost: memory region at %#x: %w", r.GPA, err)
		}
		file := files[0]
		if len(files) == len(regions) {
			file = files[i]
		}
		data, err := unix.Mmap(int(file.Fd()), int64(r.FileOffset), int(r.Size),
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			m.unmap()
			return nil, fmt.Errorf("vhost: map region at %#x: %w", r.GPA, err)
		}
		m.regions = append(m.regions, mappedRegion{gpa: r.GPA, data: data})
	}
	return m, nil
}

func (m *guestMap) regionFor(addr uint64) (*mappedRegion, int, error) {
	for i := range m.regions {
		r := &m.regions[i]
		if addr >= r.gpa && addr < r.gpa+uint64(len(r.data)) {
			return r, int(addr - r.gpa), nil
		}
	}
	return nil, 0, fmt.Errorf("vhost: guest address %#x is not mapped", addr)
}

func (m *guestMap) ReadAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	total := 0
	for len(p) > 0 {
		r, start, err := m.regionFor(addr)
		if err != nil {
			return total, err
		}
		n := copy(p, r.data[start:])
		total += n
		p = p[n:]
		addr += uint64(n)
	}
	return total, nil
}

func (m *guestMap) WriteAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	total := 0
	for len(p) > 0 {
		r, start, err := m.regionFor(addr)
		if err != nil {
			return total, err
		}
		n := copy(r.data[start:], p)
		total += n
		p = p[n:]
		addr += uint64(n)
	}
	return total, nil
}

func (m *guestMap) unmap() {
	for _, r := range m.regions {
		unix.Munmap(r.data)
	}
	m.regions = nil
}

var _ virtio.GuestMemory = (*guestMap)(nil)
