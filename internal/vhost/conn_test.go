//go:build linux

package vhost

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/eventfd"

	"github.com/keelvm/keel/internal/verr"
)

// connPair returns two connected control channels.
func connPair(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair failed: %v", err)
	}
	conns := make([]*Conn, 2)
	for i, fd := range fds {
		file := os.NewFile(uintptr(fd), "vhost-test")
		nc, err := net.FileConn(file)
		file.Close()
		if err != nil {
			t.Fatalf("FileConn failed: %v", err)
		}
		sock, ok := nc.(*net.UnixConn)
		if !ok {
			t.Fatalf("FileConn returned %T, want *net.UnixConn", nc)
		}
		conns[i] = NewConn(sock)
	}
	t.Cleanup(func() {
		conns[0].Close()
		conns[1].Close()
	})
	return conns[0], conns[1]
}

func TestConnRoundTrip(t *testing.T) {
	a, b := connPair(t)

	payload := VringState{Index: 1, Num: 256}.encode()
	if err := a.WriteMessage(VHOST_USER_SET_VRING_NUM, flagNeedReply, payload); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	msg, err := b.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if msg.Type != VHOST_USER_SET_VRING_NUM {
		t.Errorf("type = %v, want SET_VRING_NUM", msg.Type)
	}
	if msg.Flags&flagNeedReply == 0 {
		t.Error("need-reply flag did not survive the trip")
	}
	state, err := parseVringState(msg.Payload)
	if err != nil || state != (VringState{Index: 1, Num: 256}) {
		t.Errorf("payload = %+v (%v), want {1 256}", state, err)
	}
}

func TestConnPassesDescriptors(t *testing.T) {
	a, b := connPair(t)

	efd, err := eventfd.Create()
	if err != nil {
		t.Fatalf("eventfd failed: %v", err)
	}
	defer efd.Close()
	if err := efd.Write(7); err != nil {
		t.Fatalf("eventfd write failed: %v", err)
	}

	if err := a.WriteMessage(VHOST_USER_SET_VRING_KICK, 0, encodeVringFD(0, true), efd.FD()); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	msg, err := b.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	defer msg.CloseFiles()
	if len(msg.Files) != 1 {
		t.Fatalf("received %d files, want 1", len(msg.Files))
	}

	// The passed descriptor is the same eventfd object: the count
	// written on one side drains on the other.
	got := eventfd.Wrap(int(msg.Files[0].Fd()))
	v, err := got.Read()
	if err != nil || v != 7 {
		t.Fatalf("read through passed descriptor = (%d, %v), want (7, nil)", v, err)
	}
}

func TestConnVersionMismatch(t *testing.T) {
	a, b := connPair(t)

	hdr := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(VHOST_USER_GET_FEATURES))
	binary.LittleEndian.PutUint32(hdr[4:8], 0x2)
	if _, err := a.sock.Write(hdr); err != nil {
		t.Fatalf("raw write failed: %v", err)
	}
	if _, err := b.ReadMessage(); !errors.Is(err, verr.ErrProtocolViolation) {
		t.Errorf("version mismatch error = %v, want ErrProtocolViolation", err)
	}
}

func TestConnDisconnect(t *testing.T) {
	a, b := connPair(t)
	a.Close()
	if _, err := b.ReadMessage(); !errors.Is(err, verr.ErrBackendDisconnected) {
		t.Errorf("read after close error = %v, want ErrBackendDisconnected", err)
	}
}

func TestCallerTimeoutPoisons(t *testing.T) {
	a, _ := connPair(t)

	var deaths atomic.Int32
	c := newCaller(a, func(error) { deaths.Add(1) })
	t.Cleanup(c.close)

	// The peer never answers.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.call(ctx, VHOST_USER_GET_FEATURES, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("call error = %v, want DeadlineExceeded", err)
	}
	if got := deaths.Load(); got != 1 {
		t.Fatalf("onDead fired %d times, want 1", got)
	}

	// The timeout poisoned the session: later calls fail fast with the
	// original cause and no second death report.
	_, err = c.call(context.Background(), VHOST_USER_GET_FEATURES, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("post-poison call error = %v, want the original cause", err)
	}
	if got := deaths.Load(); got != 1 {
		t.Errorf("onDead fired %d times after poisoning, want 1", got)
	}
}

func TestCallerMismatchedReply(t *testing.T) {
	a, b := connPair(t)

	var deaths atomic.Int32
	c := newCaller(a, func(error) { deaths.Add(1) })
	t.Cleanup(c.close)

	done := make(chan error, 1)
	go func() {
		if _, err := b.ReadMessage(); err != nil {
			done <- err
			return
		}
		done <- b.WriteMessage(VHOST_USER_SET_OWNER, flagReply, putU64(ackOK))
	}()

	_, err := c.call(context.Background(), VHOST_USER_GET_FEATURES, nil)
	if !errors.Is(err, verr.ErrProtocolViolation) {
		t.Fatalf("call error = %v, want ErrProtocolViolation", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("peer failed: %v", err)
	}
	if got := deaths.Load(); got != 1 {
		t.Errorf("onDead fired %d times, want 1", got)
	}
	if c.cause() == nil {
		t.Error("mismatched reply did not poison the session")
	}
}
