package vmm

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/keelvm/keel/internal/gpa"
	"github.com/keelvm/keel/internal/hv"
	"github.com/keelvm/keel/internal/verr"
)

// StateComponent is one unit of machine state that snapshots and
// migrations carry. Components are identified by a stable id and a
// format version; a target refuses state whose version it does not
// understand.
type StateComponent interface {
	MigrationID() string
	StateVersion() uint32
	SaveState() ([]byte, error)
	LoadState(data []byte) error
}

// StateComponents returns the machine's components in restore order:
// the layout descriptor first, then the vCPUs, then the devices.
// Valid once the machine has booted (or been prepared as a target).
func (m *Machine) StateComponents() []StateComponent {
	m.mu.Lock()
	vm := m.vm
	devices := append([]*AttachedDevice(nil), m.devices...)
	m.mu.Unlock()

	out := []StateComponent{&machineState{m: m}}
	for i := 0; i < m.cfg.CPUs; i++ {
		out = append(out, &VCPUState{vm: vm, id: i})
	}
	for _, ad := range devices {
		out = append(out, ad.Device)
	}
	return out
}

// VCPUState adapts one vCPU's architectural state to the component
// interface. Save and load run on the vCPU's own thread.
type VCPUState struct {
	vm hv.VirtualMachine
	id int
}

func (c *VCPUState) MigrationID() string { return fmt.Sprintf("vcpu%d", c.id) }

func (c *VCPUState) StateVersion() uint32 { return 1 }

func (c *VCPUState) SaveState() ([]byte, error) {
	var out []byte
	err := c.vm.VirtualCPUCall(c.id, func(v hv.VirtualCPU) error {
		b, err := v.SaveState()
		out = b
		return err
	})
	if err != nil {
		return nil, &verr.Error{Op: "vcpu.save", Dev: c.MigrationID(),
			Err: fmt.Errorf("%w: %w", err, verr.ErrCapabilityFailure)}
	}
	return out, nil
}

func (c *VCPUState) LoadState(data []byte) error {
	err := c.vm.VirtualCPUCall(c.id, func(v hv.VirtualCPU) error {
		return v.LoadState(data)
	})
	if err != nil {
		return &verr.Error{Op: "vcpu.load", Dev: c.MigrationID(),
			Err: fmt.Errorf("%w: %w", err, verr.ErrCapabilityFailure)}
	}
	return nil
}

const machineStateVersion = 1

// machineState is the layout descriptor component. Loading it on a
// target verifies the target machine was created from a compatible
// description before any memory or device state is applied.
type machineState struct {
	m *Machine
}

type machineStateBlob struct {
	CPUs        int
	MemoryBytes uint64
	Ranges      []gpa.Range
}

func (s *machineState) MigrationID() string { return "machine" }

func (s *machineState) StateVersion() uint32 { return machineStateVersion }

func (s *machineState) SaveState() ([]byte, error) {
	blob := machineStateBlob{
		CPUs:        s.m.cfg.CPUs,
		MemoryBytes: s.m.cfg.MemoryBytes(),
		Ranges:      s.m.space.Ranges(),
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&blob); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *machineState) LoadState(data []byte) error {
	var blob machineStateBlob
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&blob); err != nil {
		return fmt.Errorf("machine state: %w: %w", err, verr.ErrMigrationFormatMismatch)
	}
	if blob.CPUs != s.m.cfg.CPUs {
		return fmt.Errorf("machine state: source has %d vcpus, target %d: %w",
			blob.CPUs, s.m.cfg.CPUs, verr.ErrMigrationFormatMismatch)
	}
	if blob.MemoryBytes != s.m.cfg.MemoryBytes() {
		return fmt.Errorf("machine state: source has %d bytes of RAM, target %d: %w",
			blob.MemoryBytes, s.m.cfg.MemoryBytes(), verr.ErrMigrationFormatMismatch)
	}
	// The target rebuilt the layout from its own description; the
	// allocations must line up exactly or device windows would land
	// at different guest addresses.
	have := s.m.space.Ranges()
	if len(have) != len(blob.Ranges) {
		return fmt.Errorf("machine state: %d allocated ranges, target has %d: %w",
			len(blob.Ranges), len(have), verr.ErrMigrationFormatMismatch)
	}
	for i, r := range blob.Ranges {
		if have[i] != r {
			return fmt.Errorf("machine state: range %d is %#x+%#x, target has %#x+%#x: %w",
				i, r.Base, r.Size, have[i].Base, have[i].Size, verr.ErrMigrationFormatMismatch)
		}
	}
	return nil
}
