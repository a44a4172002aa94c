package vmm

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"

	"github.com/keelvm/keel/internal/gpa"
	"github.com/keelvm/keel/internal/hv"
	"github.com/keelvm/keel/internal/netback"
	"github.com/keelvm/keel/internal/verr"
	"github.com/keelvm/keel/internal/vhost"
	"github.com/keelvm/keel/internal/virtio"
)

// AttachedDevice is one live device slot on a Machine.
type AttachedDevice struct {
	ID     string
	Config DeviceConfig
	Device *virtio.Device

	handler virtio.Handler
	closer  io.Closer
	window  gpa.Range
}

func (ad *AttachedDevice) stop(ctx context.Context, m *Machine) error {
	err := ad.Device.Stop(ctx)
	if ad.closer != nil {
		if cerr := ad.closer.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if ad.window.Size != 0 {
		if ferr := m.space.Free(ad.window); ferr != nil && err == nil {
			err = ferr
		}
	}
	return err
}

// Devices returns a snapshot of the attached device slots.
func (m *Machine) Devices() []*AttachedDevice {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*AttachedDevice(nil), m.devices...)
}

// Device looks up an attached device by id.
func (m *Machine) Device(id string) (*AttachedDevice, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ad := range m.devices {
		if ad.ID == id {
			return ad, true
		}
	}
	return nil, false
}

// AttachDevice adds a device described by configuration. Before boot
// the attachment is queued and materialized by Boot; on a running or
// paused machine it hot-plugs immediately.
func (m *Machine) AttachDevice(ctx context.Context, dc DeviceConfig) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if err := dc.validate("device"); err != nil {
		return err
	}

	m.mu.Lock()
	state := m.state
	if state == StateCreated {
		for _, p := range m.pending {
			if p.ID == dc.ID {
				m.mu.Unlock()
				return fmt.Errorf("vmm: device %q already attached", dc.ID)
			}
		}
		m.pending = append(m.pending, dc)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if state != StateRunning && state != StatePaused {
		return &verr.Error{Op: "device.attach", Dev: dc.ID, Err: fmt.Errorf("machine is %s: %w", state, verr.ErrLifecycle)}
	}
	if _, ok := m.Device(dc.ID); ok {
		return fmt.Errorf("vmm: device %q already attached", dc.ID)
	}

	ad, err := m.buildDevice(dc)
	if err != nil {
		return err
	}
	if err := m.plug(ctx, ad, state == StateRunning); err != nil {
		if ad.closer != nil {
			_ = ad.closer.Close()
		}
		return err
	}
	return nil
}

// AttachHandler hot-plugs a caller-constructed device class, for
// embedders that bring their own backends.
func (m *Machine) AttachHandler(ctx context.Context, id string, h virtio.Handler) (*virtio.Device, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	state := m.state
	m.mu.Unlock()
	if state != StateRunning && state != StatePaused {
		return nil, &verr.Error{Op: "device.attach", Dev: id, Err: fmt.Errorf("machine is %s: %w", state, verr.ErrLifecycle)}
	}
	if _, ok := m.Device(id); ok {
		return nil, fmt.Errorf("vmm: device %q already attached", id)
	}

	ad, err := m.newSlot(DeviceConfig{ID: id}, h, nil)
	if err != nil {
		return nil, err
	}
	if err := m.plug(ctx, ad, state == StateRunning); err != nil {
		return nil, err
	}
	return ad.Device, nil
}

// DetachDevice removes a device slot. The device is stopped, its
// register window unbound and its address-space range freed. On a
// running machine the vCPUs park briefly while the windows change.
func (m *Machine) DetachDevice(ctx context.Context, id string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	state := m.state
	if state == StateCreated {
		for i, p := range m.pending {
			if p.ID == id {
				m.pending = append(m.pending[:i], m.pending[i+1:]...)
				m.mu.Unlock()
				return nil
			}
		}
		m.mu.Unlock()
		return fmt.Errorf("vmm: %w: %q", ErrUnknownDevice, id)
	}
	var ad *AttachedDevice
	idx := -1
	for i, d := range m.devices {
		if d.ID == id {
			ad, idx = d, i
			break
		}
	}
	m.mu.Unlock()
	if ad == nil {
		return fmt.Errorf("vmm: %w: %q", ErrUnknownDevice, id)
	}
	if state != StateRunning && state != StatePaused {
		return &verr.Error{Op: "device.detach", Dev: id, Err: fmt.Errorf("machine is %s: %w", state, verr.ErrLifecycle)}
	}

	unbind := func() error {
		if err := m.vm.RemoveDevice(ad.Device); err != nil {
			return &verr.Error{Op: "device.detach", Dev: id, Err: err}
		}
		return nil
	}
	if state == StateRunning {
		release, err := m.transientPause(ctx)
		if err != nil {
			return &verr.Error{Op: "device.detach", Dev: id, Err: err}
		}
		err = unbind()
		release()
		if err != nil {
			return err
		}
	} else if err := unbind(); err != nil {
		return err
	}

	err := ad.stop(ctx, m)

	m.mu.Lock()
	m.devices = append(m.devices[:idx:idx], m.devices[idx+1:]...)
	m.mu.Unlock()
	if err != nil {
		return &verr.Error{Op: "device.detach", Dev: id, Err: err}
	}
	m.log.Info("device detached", "device", id)
	return nil
}

// materializePending builds and binds the queued device configs
// during boot. The VM exists but no vCPU runs yet, so windows mutate
// freely.
func (m *Machine) materializePending(ctx context.Context) error {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, dc := range pending {
		ad, err := m.buildDevice(dc)
		if err != nil {
			return err
		}
		if err := m.plug(ctx, ad, false); err != nil {
			if ad.closer != nil {
				_ = ad.closer.Close()
			}
			return err
		}
	}
	return nil
}

// plug binds a built slot into the VM. With park set, the vCPUs are
// parked around the window mutation.
func (m *Machine) plug(ctx context.Context, ad *AttachedDevice, park bool) error {
	add := func() error {
		if err := m.vm.AddDevice(ad.Device); err != nil {
			return &verr.Error{Op: "device.attach", Dev: ad.ID, Err: err}
		}
		return nil
	}
	var err error
	if park {
		release, perr := m.transientPause(ctx)
		if perr != nil {
			return &verr.Error{Op: "device.attach", Dev: ad.ID, Err: perr}
		}
		err = add()
		release()
	} else {
		err = add()
	}
	if err != nil {
		return err
	}
	ad.window = gpa.Range{Base: ad.Device.MMIOBase(), Size: virtio.DefaultMMIOSize, Kind: gpa.KindMMIO}

	m.mu.Lock()
	m.devices = append(m.devices, ad)
	m.mu.Unlock()
	m.log.Info("device attached", "device", ad.ID,
		"base", fmt.Sprintf("%#x", ad.Device.MMIOBase()), "irq", ad.Device.IRQLine())
	return nil
}

// buildDevice constructs the class handler and transport for one
// device config. Requires m.vm to exist (vhost backends map its
// memory file).
func (m *Machine) buildDevice(dc DeviceConfig) (*AttachedDevice, error) {
	handler, closer, err := m.buildHandler(dc)
	if err != nil {
		return nil, err
	}
	if dc.FeatureMask != 0 {
		handler = maskedHandler{Handler: handler, mask: dc.FeatureMask}
	}
	ad, err := m.newSlot(dc, handler, closer)
	if err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return nil, err
	}
	return ad, nil
}

func (m *Machine) newSlot(dc DeviceConfig, handler virtio.Handler, closer io.Closer) (*AttachedDevice, error) {
	m.mu.Lock()
	irq := m.nextIRQ
	m.nextIRQ++
	m.mu.Unlock()

	id := dc.ID
	onFailure := m.deviceFailurePolicy(dc)
	dev, err := virtio.NewDevice(virtio.DeviceConfig{
		Handler:   handler,
		Space:     m.space,
		IRQLine:   irq,
		Logger:    m.log,
		OnFailure: onFailure,
	})
	if err != nil {
		return nil, err
	}
	return &AttachedDevice{ID: id, Config: dc, Device: dev, handler: handler, closer: closer}, nil
}

// deviceFailurePolicy maps a device config to the failure hook the
// transport invokes. Only a vhost device with the fail policy takes
// the machine down; every other failure stays device-local.
func (m *Machine) deviceFailurePolicy(dc DeviceConfig) func(error) {
	id := dc.ID
	if dc.Type == "vhost-blk" {
		policy, _ := vhost.ParseDisconnectPolicy(dc.DisconnectPolicy)
		if policy == vhost.PolicyFail {
			return func(err error) {
				m.Fail(&verr.Error{Op: "device.failure", Dev: id, Err: err})
			}
		}
	}
	return func(err error) {
		m.log.Error("device failed", "device", id, "err", err)
	}
}

func (m *Machine) buildHandler(dc DeviceConfig) (virtio.Handler, io.Closer, error) {
	switch dc.Type {
	case "blk":
		flags := os.O_RDWR
		if dc.ReadOnly {
			flags = os.O_RDONLY
		}
		f, err := os.OpenFile(dc.Path, flags, 0)
		if err != nil {
			return nil, nil, fmt.Errorf("vmm: device %q: %w", dc.ID, err)
		}
		backend, err := virtio.NewFileBackend(f, dc.ReadOnly)
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("vmm: device %q: %w", dc.ID, err)
		}
		return virtio.NewBlk(backend, dc.ID), f, nil

	case "net":
		var mac net.HardwareAddr
		if dc.MAC != "" {
			var err error
			mac, err = net.ParseMAC(dc.MAC)
			if err != nil {
				return nil, nil, fmt.Errorf("vmm: device %q: %w", dc.ID, err)
			}
		}
		if dc.Tap != "" {
			tap, err := netback.OpenTap(netback.TapConfig{Name: dc.Tap})
			if err != nil {
				return nil, nil, fmt.Errorf("vmm: device %q: %w", dc.ID, err)
			}
			h, err := virtio.NewNet(mac, tap)
			if err != nil {
				tap.Close()
				return nil, nil, fmt.Errorf("vmm: device %q: %w", dc.ID, err)
			}
			serveCtx, stopServe := context.WithCancel(context.Background())
			go func() {
				if err := tap.Serve(serveCtx, h.Deliver); err != nil && serveCtx.Err() == nil {
					m.log.Error("tap receive loop failed", "device", dc.ID, "err", err)
				}
			}()
			return h, closerFunc(func() error {
				stopServe()
				return tap.Close()
			}), nil
		}
		back, err := netback.New(netback.Config{Logger: m.log})
		if err != nil {
			return nil, nil, fmt.Errorf("vmm: device %q: %w", dc.ID, err)
		}
		if dc.DHCP {
			back.StartDHCP()
		}
		for name, addr := range dc.Hosts {
			if err := back.AddHostname(name, net.ParseIP(addr)); err != nil {
				back.Close()
				return nil, nil, fmt.Errorf("vmm: device %q: %w", dc.ID, err)
			}
		}
		if dc.DNS {
			if err := back.StartDNS(); err != nil {
				back.Close()
				return nil, nil, fmt.Errorf("vmm: device %q: %w", dc.ID, err)
			}
		}
		for port, target := range dc.Forwards {
			back.Forward(port, target)
		}
		h, err := virtio.NewNet(mac, back)
		if err != nil {
			back.Close()
			return nil, nil, fmt.Errorf("vmm: device %q: %w", dc.ID, err)
		}
		back.AttachDevice(h.Deliver)
		return h, closerFunc(back.Close), nil

	case "fs":
		backend, err := memFSFromDir(dc.Path, dc.ReadOnly)
		if err != nil {
			return nil, nil, fmt.Errorf("vmm: device %q: %w", dc.ID, err)
		}
		tag := dc.Tag
		if tag == "" {
			tag = dc.ID
		}
		h, err := virtio.NewFS(tag, backend)
		if err != nil {
			return nil, nil, fmt.Errorf("vmm: device %q: %w", dc.ID, err)
		}
		return h, nil, nil

	case "console":
		return virtio.NewConsole(os.Stdout), nil, nil

	case "vhost-blk":
		policy, err := vhost.ParseDisconnectPolicy(dc.DisconnectPolicy)
		if err != nil {
			return nil, nil, fmt.Errorf("vmm: device %q: %w", dc.ID, err)
		}
		mf, ok := m.vm.(hv.MemoryFileVM)
		if !ok {
			return nil, nil, &verr.Error{Op: "device.attach", Dev: dc.ID,
				Err: fmt.Errorf("hypervisor does not expose guest memory as a file: %w", verr.ErrCapabilityFailure)}
		}
		front, err := vhost.NewFront(vhost.FrontConfig{
			SocketPath: dc.Socket,
			Name:       dc.ID,
			DeviceID:   virtio.BlkDeviceID,
			NumQueues:  1,
			Memory:     mf,
			Policy:     policy,
			Logger:     m.log,
		})
		if err != nil {
			return nil, nil, err
		}
		return front, closerFunc(func() error { front.Close(); return nil }), nil

	default:
		return nil, nil, fmt.Errorf("vmm: device %q has unknown type %q", dc.ID, dc.Type)
	}
}

// memFSFromDir snapshots a host directory into an in-memory FUSE
// backend. Writes from the guest stay in memory; they never reach the
// host tree.
func memFSFromDir(dir string, readOnly bool) (*virtio.MemFS, error) {
	mfs := virtio.NewMemFS(readOnly)
	if dir == "" {
		return mfs, nil
	}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			return mfs.AddDir(rel)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return mfs.AddFile(rel, data)
	})
	if err != nil {
		return nil, err
	}
	return mfs, nil
}

// maskedHandler clears offered feature bits per configuration. The
// transport still offers VIRTIO_F_VERSION_1 regardless of the mask.
type maskedHandler struct {
	virtio.Handler
	mask uint64
}

func (h maskedHandler) DeviceFeatures() uint64 {
	return h.Handler.DeviceFeatures() &^ h.mask
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
