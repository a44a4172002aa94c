//go:build linux

package vhost

import (
	"github.com/keelvm/keel/internal/virtio"
)

// DataPlane is the device-class half a backend serves: the feature
// word and config space it advertises, and the request executor the
// ring workers call.
type DataPlane interface {
	// DeviceFeatures returns the class feature bits. Transport and
	// session bits are added by the backend.
	DeviceFeatures() uint64

	QueueCount() int
	QueueMaxSize(queue int) uint16

	// Config returns the device config space served to fronts.
	Config() []byte

	// Serve executes one request chain and returns the used length to
	// publish. Called from the ring worker, one chain at a time per
	// ring.
	Serve(queue int, q *virtio.Queue, chain *virtio.Chain) (uint32, error)

	// Sync flushes whatever the plane buffers. Called when a session
	// ends.
	Sync() error
}

// BlockPlane serves a block device from any BlockBackend. The request
// handling is the same code path the in-process block class runs; only
// the transport differs.
type BlockPlane struct {
	backend virtio.BlockBackend
	serial  string
}

// NewBlockPlane wraps a storage backend. The serial tags GET_ID
// replies; empty picks a default.
func NewBlockPlane(backend virtio.BlockBackend, serial string) *BlockPlane {
	if serial == "" {
		serial = "keel-vhost-blk"
	}
	return &BlockPlane{backend: backend, serial: serial}
}

func (p *BlockPlane) DeviceFeatures() uint64        { return virtio.BlockFeatures(p.backend) }
func (p *BlockPlane) QueueCount() int               { return 1 }
func (p *BlockPlane) QueueMaxSize(queue int) uint16 { return virtio.BlkQueueMax }
func (p *BlockPlane) Config() []byte                { return virtio.BlockConfig(p.backend) }
func (p *BlockPlane) Sync() error                   { return p.backend.Sync() }

func (p *BlockPlane) Serve(queue int, q *virtio.Queue, chain *virtio.Chain) (uint32, error) {
	return virtio.ServeBlockRequest(p.backend, p.serial, q, chain)
}

var _ DataPlane = (*BlockPlane)(nil)
