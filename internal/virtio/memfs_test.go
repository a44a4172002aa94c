package virtio

import (
	"bytes"
	"fmt"
	"testing"

	"golang.org/x/sys/unix"
)

func TestMemFSTree(t *testing.T) {
	fs := NewMemFS(false)
	if err := fs.AddFile("a/b/c.txt", []byte("payload")); err != nil {
		t.Fatalf("AddFile failed: %v", err)
	}

	// Parent directories materialize along the way.
	nodeA, attr, errno := fs.Lookup(fuseRootID, "a")
	if errno != 0 {
		t.Fatalf("Lookup(a) errno = %d, want 0", errno)
	}
	if attr.Mode&memfsModeDir == 0 {
		t.Fatalf("node a mode = %#o, want a directory", attr.Mode)
	}
	nodeB, _, errno := fs.Lookup(nodeA, "b")
	if errno != 0 {
		t.Fatalf("Lookup(b) errno = %d, want 0", errno)
	}
	nodeC, attr, errno := fs.Lookup(nodeB, "c.txt")
	if errno != 0 {
		t.Fatalf("Lookup(c.txt) errno = %d, want 0", errno)
	}
	if attr.Size != 7 {
		t.Errorf("c.txt size = %d, want 7", attr.Size)
	}

	fh, errno := fs.Open(nodeC, uint32(unix.O_RDONLY))
	if errno != 0 {
		t.Fatalf("Open errno = %d, want 0", errno)
	}
	data, errno := fs.Read(nodeC, fh, 0, 100)
	if errno != 0 || string(data) != "payload" {
		t.Errorf("Read = (%q, %d), want (%q, 0)", data, errno, "payload")
	}
	data, errno = fs.Read(nodeC, fh, 3, 100)
	if errno != 0 || string(data) != "load" {
		t.Errorf("offset Read = (%q, %d), want (%q, 0)", data, errno, "load")
	}
	data, errno = fs.Read(nodeC, fh, 100, 10)
	if errno != 0 || len(data) != 0 {
		t.Errorf("past-EOF Read = (%q, %d), want empty success", data, errno)
	}
	fs.Release(nodeC, fh)

	if _, _, errno := fs.Lookup(nodeC, "x"); errno != -int32(unix.ENOTDIR) {
		t.Errorf("Lookup under a file errno = %d, want -ENOTDIR", errno)
	}
	if _, _, errno := fs.Lookup(fuseRootID, "missing"); errno != -int32(unix.ENOENT) {
		t.Errorf("Lookup(missing) errno = %d, want -ENOENT", errno)
	}
	if _, errno := fs.GetAttr(9999); errno != -int32(unix.ENOENT) {
		t.Errorf("GetAttr(9999) errno = %d, want -ENOENT", errno)
	}
}

func TestMemFSWriteGrow(t *testing.T) {
	fs := NewMemFS(false)
	if err := fs.AddFile("f", []byte("abc")); err != nil {
		t.Fatalf("AddFile failed: %v", err)
	}
	node, _, errno := fs.Lookup(fuseRootID, "f")
	if errno != 0 {
		t.Fatalf("Lookup errno = %d, want 0", errno)
	}
	fh, errno := fs.Open(node, uint32(unix.O_RDWR))
	if errno != 0 {
		t.Fatalf("Open errno = %d, want 0", errno)
	}

	n, errno := fs.Write(node, fh, 2, []byte("XYZ"))
	if errno != 0 || n != 3 {
		t.Fatalf("Write = (%d, %d), want (3, 0)", n, errno)
	}
	got, err := fs.ReadFile("f")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(got) != "abXYZ" {
		t.Errorf("content = %q, want %q", got, "abXYZ")
	}

	// Writing past the end zero-fills the gap.
	if _, errno := fs.Write(node, fh, 10, []byte("!")); errno != 0 {
		t.Fatalf("sparse Write errno = %d, want 0", errno)
	}
	got, err = fs.ReadFile("f")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	want := append([]byte("abXYZ"), 0, 0, 0, 0, 0, '!')
	if !bytes.Equal(got, want) {
		t.Errorf("content = %q, want %q", got, want)
	}
}

func TestMemFSReadOnly(t *testing.T) {
	fs := NewMemFS(true)
	if err := fs.AddFile("f", []byte("abc")); err != nil {
		t.Fatalf("AddFile failed: %v", err)
	}
	node, _, errno := fs.Lookup(fuseRootID, "f")
	if errno != 0 {
		t.Fatalf("Lookup errno = %d, want 0", errno)
	}

	if _, errno := fs.Open(node, uint32(unix.O_WRONLY)); errno != -int32(unix.EROFS) {
		t.Errorf("Open(O_WRONLY) errno = %d, want -EROFS", errno)
	}
	fh, errno := fs.Open(node, uint32(unix.O_RDONLY))
	if errno != 0 {
		t.Fatalf("Open(O_RDONLY) errno = %d, want 0", errno)
	}
	if _, errno := fs.Write(node, fh, 0, []byte("x")); errno != -int32(unix.EROFS) {
		t.Errorf("Write errno = %d, want -EROFS", errno)
	}
}

func TestMemFSReadDirPaging(t *testing.T) {
	fs := NewMemFS(false)
	for i := 0; i < 10; i++ {
		if err := fs.AddFile(fmt.Sprintf("f%02d", i), nil); err != nil {
			t.Fatalf("AddFile failed: %v", err)
		}
	}

	// A tiny budget forces several calls; the off cursor resumes cleanly.
	var names []string
	var off uint64
	for {
		data, errno := fs.ReadDir(fuseRootID, off, 64)
		if errno != 0 {
			t.Fatalf("ReadDir errno = %d, want 0", errno)
		}
		if len(data) == 0 {
			break
		}
		ents := parseDirents(t, data)
		for _, ent := range ents {
			names = append(names, ent.name)
		}
		off = ents[len(ents)-1].off
	}

	if len(names) != 10 {
		t.Fatalf("paged ReadDir found %d entries, want 10: %v", len(names), names)
	}
	for i, name := range names {
		if want := fmt.Sprintf("f%02d", i); name != want {
			t.Fatalf("entry %d = %q, want %q (sorted, no duplicates)", i, name, want)
		}
	}

	if _, errno := fs.ReadDir(9999, 0, 4096); errno != -int32(unix.ENOENT) {
		t.Errorf("ReadDir(9999) errno = %d, want -ENOENT", errno)
	}
	node, _, _ := fs.Lookup(fuseRootID, "f00")
	if _, errno := fs.ReadDir(node, 0, 4096); errno != -int32(unix.ENOTDIR) {
		t.Errorf("ReadDir on a file errno = %d, want -ENOTDIR", errno)
	}
}
