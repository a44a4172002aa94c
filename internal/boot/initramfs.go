package boot

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/cavaliergopher/cpio"
)

// InitramfsFile is one entry for an in-memory initramfs build.
type InitramfsFile struct {
	Path string
	Mode fs.FileMode
	Data []byte
}

// BuildInitramfs writes a newc-format cpio archive from the given
// files. Parent directories are emitted implicitly, entries in path
// order.
func BuildInitramfs(files []InitramfsFile) ([]byte, error) {
	sorted := make([]InitramfsFile, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	buf := &bytes.Buffer{}
	w := cpio.NewWriter(buf)

	seen := map[string]bool{}
	for _, f := range sorted {
		name := filepath.ToSlash(f.Path)
		for _, dir := range parentDirs(name) {
			if seen[dir] {
				continue
			}
			seen[dir] = true
			if err := w.WriteHeader(&cpio.Header{Name: dir, Mode: cpio.TypeDir | 0o755}); err != nil {
				return nil, fmt.Errorf("boot: initramfs dir %q: %w", dir, err)
			}
		}
		if seen[name] {
			return nil, fmt.Errorf("boot: duplicate initramfs entry %q", name)
		}
		seen[name] = true

		mode := cpio.FileMode(f.Mode.Perm()) | cpio.TypeReg
		if err := w.WriteHeader(&cpio.Header{Name: name, Mode: mode, Size: int64(len(f.Data))}); err != nil {
			return nil, fmt.Errorf("boot: initramfs file %q: %w", name, err)
		}
		if _, err := w.Write(f.Data); err != nil {
			return nil, fmt.Errorf("boot: initramfs file %q: %w", name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("boot: finish initramfs: %w", err)
	}
	return buf.Bytes(), nil
}

// BuildInitramfsFromDir archives a host directory tree. Symlinks and
// special files are skipped; only the upward-visible file data matters
// for the guest root.
func BuildInitramfsFromDir(root string) ([]byte, error) {
	var files []InitramfsFile
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, InitramfsFile{Path: rel, Mode: info.Mode(), Data: data})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("boot: walk initramfs dir %q: %w", root, err)
	}
	return BuildInitramfs(files)
}

// ReadInitramfs loads a prebuilt archive from disk.
func ReadInitramfs(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("boot: open initramfs: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("boot: read initramfs: %w", err)
	}
	return data, nil
}

func parentDirs(name string) []string {
	var dirs []string
	dir := filepath.ToSlash(filepath.Dir(name))
	for dir != "." && dir != "/" {
		dirs = append(dirs, dir)
		dir = filepath.ToSlash(filepath.Dir(dir))
	}
	for i, j := 0, len(dirs)-1; i < j; i, j = i+1, j-1 {
		dirs[i], dirs[j] = dirs[j], dirs[i]
	}
	return dirs
}
