package virtio

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	memfsModeDir  = 0o040000
	memfsModeFile = 0o100000

	memfsDirentAlign = 8
)

type memfsNode struct {
	id       uint64
	mode     uint32
	data     []byte
	children map[string]uint64
}

func (n *memfsNode) isDir() bool { return n.mode&memfsModeDir != 0 }

// MemFS is an in-memory FSBackend: a node table rooted at node 1,
// populated through AddDir and AddFile before (or while) the guest
// mounts it.
type MemFS struct {
	mu       sync.RWMutex
	nodes    map[uint64]*memfsNode
	nextID   uint64
	nextFH   uint64
	handles  map[uint64]uint64 // fh -> node
	readOnly bool
}

// NewMemFS creates an empty tree with a root directory.
func NewMemFS(readOnly bool) *MemFS {
	fs := &MemFS{
		nodes:    make(map[uint64]*memfsNode),
		handles:  make(map[uint64]uint64),
		nextID:   fuseRootID + 1,
		nextFH:   1,
		readOnly: readOnly,
	}
	fs.nodes[fuseRootID] = &memfsNode{
		id:       fuseRootID,
		mode:     memfsModeDir | 0o755,
		children: make(map[string]uint64),
	}
	return fs
}

// AddDir creates a directory and any missing parents.
func (fs *MemFS) AddDir(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	_, err := fs.mkdirAllLocked(path)
	return err
}

// AddFile creates or replaces a file, creating parent directories.
func (fs *MemFS) AddFile(path string, data []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dir, name := splitMemfsPath(path)
	if name == "" {
		return fmt.Errorf("memfs: empty file name in %q", path)
	}
	parent, err := fs.mkdirAllLocked(dir)
	if err != nil {
		return err
	}
	if existing, ok := parent.children[name]; ok {
		node := fs.nodes[existing]
		if node.isDir() {
			return fmt.Errorf("memfs: %q is a directory", path)
		}
		node.data = append([]byte(nil), data...)
		return nil
	}
	node := &memfsNode{
		id:   fs.nextID,
		mode: memfsModeFile | 0o644,
		data: append([]byte(nil), data...),
	}
	fs.nextID++
	fs.nodes[node.id] = node
	parent.children[name] = node.id
	return nil
}

// ReadFile returns a copy of a file's content, for tests and host-side
// inspection.
func (fs *MemFS) ReadFile(path string) ([]byte, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	node := fs.nodes[uint64(fuseRootID)]
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}
		if !node.isDir() {
			return nil, fmt.Errorf("memfs: %q is not a directory", part)
		}
		id, ok := node.children[part]
		if !ok {
			return nil, fmt.Errorf("memfs: %q not found", path)
		}
		node = fs.nodes[id]
	}
	if node.isDir() {
		return nil, fmt.Errorf("memfs: %q is a directory", path)
	}
	return append([]byte(nil), node.data...), nil
}

func (fs *MemFS) mkdirAllLocked(path string) (*memfsNode, error) {
	node := fs.nodes[uint64(fuseRootID)]
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}
		if !node.isDir() {
			return nil, fmt.Errorf("memfs: %q is not a directory", part)
		}
		if id, ok := node.children[part]; ok {
			node = fs.nodes[id]
			continue
		}
		child := &memfsNode{
			id:       fs.nextID,
			mode:     memfsModeDir | 0o755,
			children: make(map[string]uint64),
		}
		fs.nextID++
		fs.nodes[child.id] = child
		node.children[part] = child.id
		node = child
	}
	return node, nil
}

func splitMemfsPath(path string) (dir, name string) {
	path = strings.Trim(path, "/")
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[:i], path[i+1:]
	}
	return "", path
}

func (fs *MemFS) attrLocked(node *memfsNode) FuseAttr {
	attr := FuseAttr{
		Ino:     node.id,
		Mode:    node.mode,
		NLink:   1,
		BlkSize: 4096,
	}
	if node.isDir() {
		attr.NLink = 2
	} else {
		attr.Size = uint64(len(node.data))
		attr.Blocks = (uint64(len(node.data)) + 511) / 512
	}
	return attr
}

func (fs *MemFS) Init() (uint32, uint32) { return 128 * 1024, 0 }

func (fs *MemFS) GetAttr(nodeID uint64) (FuseAttr, int32) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	node, ok := fs.nodes[nodeID]
	if !ok {
		return FuseAttr{}, -int32(unix.ENOENT)
	}
	return fs.attrLocked(node), 0
}

func (fs *MemFS) Lookup(parent uint64, name string) (uint64, FuseAttr, int32) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	dir, ok := fs.nodes[parent]
	if !ok {
		return 0, FuseAttr{}, -int32(unix.ENOENT)
	}
	if !dir.isDir() {
		return 0, FuseAttr{}, -int32(unix.ENOTDIR)
	}
	id, ok := dir.children[name]
	if !ok {
		return 0, FuseAttr{}, -int32(unix.ENOENT)
	}
	return id, fs.attrLocked(fs.nodes[id]), 0
}

func (fs *MemFS) Open(nodeID uint64, flags uint32) (uint64, int32) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	node, ok := fs.nodes[nodeID]
	if !ok {
		return 0, -int32(unix.ENOENT)
	}
	if fs.readOnly && flags&(unix.O_WRONLY|unix.O_RDWR) != 0 {
		return 0, -int32(unix.EROFS)
	}
	if !node.isDir() && flags&unix.O_DIRECTORY != 0 {
		return 0, -int32(unix.ENOTDIR)
	}
	fh := fs.nextFH
	fs.nextFH++
	fs.handles[fh] = nodeID
	return fh, 0
}

func (fs *MemFS) Release(nodeID, fh uint64) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.handles, fh)
}

func (fs *MemFS) Read(nodeID, fh, off uint64, size uint32) ([]byte, int32) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	node, ok := fs.nodes[nodeID]
	if !ok {
		return nil, -int32(unix.ENOENT)
	}
	if node.isDir() {
		return nil, -int32(unix.EISDIR)
	}
	if off >= uint64(len(node.data)) {
		return nil, 0
	}
	end := off + uint64(size)
	if end > uint64(len(node.data)) {
		end = uint64(len(node.data))
	}
	return append([]byte(nil), node.data[off:end]...), 0
}

func (fs *MemFS) Write(nodeID, fh, off uint64, data []byte) (uint32, int32) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.readOnly {
		return 0, -int32(unix.EROFS)
	}
	node, ok := fs.nodes[nodeID]
	if !ok {
		return 0, -int32(unix.ENOENT)
	}
	if node.isDir() {
		return 0, -int32(unix.EISDIR)
	}
	end := off + uint64(len(data))
	if end > uint64(len(node.data)) {
		grown := make([]byte, end)
		copy(grown, node.data)
		node.data = grown
	}
	copy(node.data[off:], data)
	return uint32(len(data)), 0
}

func (fs *MemFS) Flush(nodeID, fh uint64) int32 { return 0 }

// ReadDir encodes fuse_dirent entries starting at entry index off.
// The returned offsets are entry indexes, so a continued listing
// resumes where the previous reply stopped.
func (fs *MemFS) ReadDir(nodeID, off uint64, maxBytes uint32) ([]byte, int32) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	node, ok := fs.nodes[nodeID]
	if !ok {
		return nil, -int32(unix.ENOENT)
	}
	if !node.isDir() {
		return nil, -int32(unix.ENOTDIR)
	}

	names := make([]string, 0, len(node.children))
	for name := range node.children {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []byte
	for i := uint64(0); i < uint64(len(names)); i++ {
		if i < off {
			continue
		}
		name := names[i]
		child := fs.nodes[node.children[name]]
		entry := encodeDirent(child.id, i+1, direntType(child), name)
		if len(out)+len(entry) > int(maxBytes) {
			break
		}
		out = append(out, entry...)
	}
	return out, 0
}

func direntType(node *memfsNode) uint32 {
	if node.isDir() {
		return unix.DT_DIR
	}
	return unix.DT_REG
}

// encodeDirent lays out one struct fuse_dirent, name padded to an
// 8-byte boundary.
func encodeDirent(ino, off uint64, typ uint32, name string) []byte {
	recLen := 24 + len(name)
	padded := (recLen + memfsDirentAlign - 1) &^ (memfsDirentAlign - 1)
	buf := make([]byte, padded)
	binary.LittleEndian.PutUint64(buf[0:8], ino)
	binary.LittleEndian.PutUint64(buf[8:16], off)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(name)))
	binary.LittleEndian.PutUint32(buf[20:24], typ)
	copy(buf[24:], name)
	return buf
}

var _ FSBackend = (*MemFS)(nil)
