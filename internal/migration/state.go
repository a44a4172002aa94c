package migration

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/keelvm/keel/internal/verr"
)

// Migratable is one unit of machine state the engine carries. The
// lifecycle layer enumerates them; the engine never looks inside the
// blobs.
type Migratable interface {
	// MigrationID is stable across identically configured machines.
	MigrationID() string

	// StateVersion is the blob format version. A target that sees a
	// version it does not know rejects the whole stream.
	StateVersion() uint32

	SaveState() ([]byte, error)
	LoadState(data []byte) error
}

// streamVersion is the frame envelope version, independent of any
// component's own versioning.
const streamVersion = 1

// Manifest opens every stream. The target matches it against its own
// component set before touching any state.
type Manifest struct {
	StreamVersion uint32
	MemoryBytes   uint64
	PageSize      uint64
	Components    []ComponentInfo
}

// ComponentInfo identifies one component and its blob format.
type ComponentInfo struct {
	ID      string
	Version uint32
}

func buildManifest(memoryBytes, pageSize uint64, comps []Migratable) Manifest {
	m := Manifest{
		StreamVersion: streamVersion,
		MemoryBytes:   memoryBytes,
		PageSize:      pageSize,
		Components:    make([]ComponentInfo, 0, len(comps)),
	}
	for _, c := range comps {
		m.Components = append(m.Components, ComponentInfo{ID: c.MigrationID(), Version: c.StateVersion()})
	}
	return m
}

// check hard-rejects any divergence between the source manifest and
// the target's own. There is no negotiation and no skipping: a
// mismatched component set means the machines were not built from the
// same description.
func (m Manifest) check(local Manifest) error {
	if m.StreamVersion != local.StreamVersion {
		return fmt.Errorf("migration: stream version %d, this build speaks %d: %w",
			m.StreamVersion, local.StreamVersion, verr.ErrMigrationFormatMismatch)
	}
	if m.MemoryBytes != local.MemoryBytes {
		return fmt.Errorf("migration: source has %d bytes of RAM, target %d: %w",
			m.MemoryBytes, local.MemoryBytes, verr.ErrMigrationFormatMismatch)
	}
	if m.PageSize != local.PageSize {
		return fmt.Errorf("migration: source page size %d, target %d: %w",
			m.PageSize, local.PageSize, verr.ErrMigrationFormatMismatch)
	}
	if len(m.Components) != len(local.Components) {
		return fmt.Errorf("migration: source has %d components, target %d: %w",
			len(m.Components), len(local.Components), verr.ErrMigrationFormatMismatch)
	}
	for i, c := range m.Components {
		l := local.Components[i]
		if c.ID != l.ID {
			return fmt.Errorf("migration: component %d is %q on the source, %q here: %w",
				i, c.ID, l.ID, verr.ErrMigrationFormatMismatch)
		}
		if c.Version != l.Version {
			return fmt.Errorf("migration: component %q version %d, this build speaks %d: %w",
				c.ID, c.Version, l.Version, verr.ErrMigrationFormatMismatch)
		}
	}
	return nil
}

func encodeManifest(m Manifest) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&m); err != nil {
		return nil, fmt.Errorf("migration: encode manifest: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeManifest(payload []byte) (Manifest, error) {
	var m Manifest
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&m); err != nil {
		return Manifest{}, fmt.Errorf("migration: decode manifest: %w: %w", err, verr.ErrMigrationFormatMismatch)
	}
	return m, nil
}

// stateFrame is one component's blob on the wire.
type stateFrame struct {
	ID   string
	Data []byte
}

func encodeState(id string, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&stateFrame{ID: id, Data: data}); err != nil {
		return nil, fmt.Errorf("migration: encode %s state: %w", id, err)
	}
	return buf.Bytes(), nil
}

func decodeState(payload []byte) (stateFrame, error) {
	var f stateFrame
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&f); err != nil {
		return stateFrame{}, fmt.Errorf("migration: decode state frame: %w: %w", err, verr.ErrMigrationFormatMismatch)
	}
	return f, nil
}
