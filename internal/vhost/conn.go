//go:build linux

package vhost

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/keelvm/keel/internal/verr"
)

// Conn frames control messages over a unix stream socket and carries
// descriptors as SCM_RIGHTS. Writes are serialized so a header and its
// payload never interleave; reads are single-consumer.
type Conn struct {
	wmu  sync.Mutex
	sock *net.UnixConn
}

// NewConn wraps an established unix socket.
func NewConn(sock *net.UnixConn) *Conn {
	return &Conn{sock: sock}
}

// Dial connects to a backend control socket.
func Dial(path string) (*Conn, error) {
	sock, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("vhost: dial %s: %w", path, err)
	}
	return NewConn(sock), nil
}

// Close shuts the socket down. Concurrent reads unblock with
// net.ErrClosed.
func (c *Conn) Close() error {
	return c.sock.Close()
}

// WriteMessage sends one framed message. Any descriptors ride along as
// rights on the same datagram as the header.
func (c *Conn) WriteMessage(typ MessageType, flags uint32, payload []byte, fds ...int) error {
	if len(payload) > maxPayload {
		return fmt.Errorf("vhost: %s payload is %d bytes: %w", typ, len(payload), verr.ErrProtocolViolation)
	}
	buf := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(typ))
	binary.LittleEndian.PutUint32(buf[4:8], flags|protocolVersion)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(payload)))
	copy(buf[headerSize:], payload)

	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	n, _, err := c.sock.WriteMsgUnix(buf, oob, nil)
	if err != nil {
		return connError(fmt.Errorf("vhost: write %s: %w", typ, err))
	}
	if n != len(buf) {
		return connError(fmt.Errorf("vhost: short write for %s: %w", typ, io.ErrShortWrite))
	}
	return nil
}

// ReadMessage blocks for the next framed message. Received descriptors
// are returned as files the caller owns.
func (c *Conn) ReadMessage() (*Message, error) {
	hdr := make([]byte, headerSize)
	oob := make([]byte, unix.CmsgSpace(4*maxMsgFDs))
	n, oobn, _, _, err := c.sock.ReadMsgUnix(hdr, oob)
	if err != nil {
		return nil, connError(fmt.Errorf("vhost: read header: %w", err))
	}
	files, err := parseRights(oob[:oobn])
	if err != nil {
		return nil, err
	}
	if n < headerSize {
		if _, err := io.ReadFull(c.sock, hdr[n:]); err != nil {
			closeFiles(files)
			return nil, connError(fmt.Errorf("vhost: read header: %w", err))
		}
	}

	typ := MessageType(binary.LittleEndian.Uint32(hdr[0:4]))
	flags := binary.LittleEndian.Uint32(hdr[4:8])
	size := binary.LittleEndian.Uint32(hdr[8:12])

	if v := flags & versionMask; v != protocolVersion {
		closeFiles(files)
		return nil, fmt.Errorf("vhost: peer speaks protocol version %d: %w", v, verr.ErrProtocolViolation)
	}
	if size > maxPayload {
		closeFiles(files)
		return nil, fmt.Errorf("vhost: %s payload is %d bytes: %w", typ, size, verr.ErrProtocolViolation)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(c.sock, payload); err != nil {
		closeFiles(files)
		return nil, connError(fmt.Errorf("vhost: read %s payload: %w", typ, err))
	}
	return &Message{Type: typ, Flags: flags, Payload: payload, Files: files}, nil
}

func parseRights(oob []byte) ([]*os.File, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("vhost: parse control message: %w", err)
	}
	var files []*os.File
	for _, cmsg := range cmsgs {
		fds, err := unix.ParseUnixRights(&cmsg)
		if err != nil {
			closeFiles(files)
			return nil, fmt.Errorf("vhost: parse rights: %w", err)
		}
		for _, fd := range fds {
			unix.CloseOnExec(fd)
			files = append(files, os.NewFile(uintptr(fd), "vhost-rights"))
		}
	}
	return files, nil
}

func closeFiles(files []*os.File) {
	for _, f := range files {
		f.Close()
	}
}

// connError maps socket teardown errors to ErrBackendDisconnected so
// callers can tell a dead peer from a protocol fault.
func connError(err error) error {
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, unix.ECONNRESET),
		errors.Is(err, unix.EPIPE):
		return fmt.Errorf("%v: control socket: %w", err, verr.ErrBackendDisconnected)
	default:
		return err
	}
}

// caller runs the requesting side of the control channel. Requests are
// strictly ordered: one in flight at a time, each blocking until its
// reply, a timeout, or connection death. The first fatal error poisons
// the caller; everything after fails fast with the same cause.
type caller struct {
	conn   *Conn
	onDead func(error)

	callMu sync.Mutex

	mu     sync.Mutex
	poison error
	quit   chan struct{}

	replies chan *Message
	done    chan struct{}
}

func newCaller(conn *Conn, onDead func(error)) *caller {
	c := &caller{
		conn:    conn,
		onDead:  onDead,
		quit:    make(chan struct{}),
		replies: make(chan *Message),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *caller) readLoop() {
	defer close(c.done)
	for {
		msg, err := c.conn.ReadMessage()
		if err != nil {
			if c.kill(err) && c.onDead != nil {
				c.onDead(err)
			}
			return
		}
		select {
		case c.replies <- msg:
		case <-c.quit:
			msg.CloseFiles()
			return
		}
	}
}

// kill records the first fatal error and tears the connection down.
// It reports whether this call was the one that brought it down.
func (c *caller) kill(err error) bool {
	c.mu.Lock()
	if c.poison != nil {
		c.mu.Unlock()
		return false
	}
	c.poison = err
	close(c.quit)
	c.mu.Unlock()
	c.conn.Close()
	return true
}

func (c *caller) cause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.poison
}

// call sends one request and blocks for its reply. Replies must match
// the request type; anything else is a protocol violation that poisons
// the session. An error-flagged reply is a clean refusal and leaves
// the session usable.
func (c *caller) call(ctx context.Context, typ MessageType, payload []byte, fds ...int) (*Message, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	if err := c.cause(); err != nil {
		return nil, err
	}
	if err := c.conn.WriteMessage(typ, flagNeedReply, payload, fds...); err != nil {
		if c.kill(err) && c.onDead != nil {
			c.onDead(err)
		}
		return nil, err
	}

	select {
	case msg := <-c.replies:
		if msg.Type != typ {
			msg.CloseFiles()
			err := fmt.Errorf("vhost: %s reply to %s request: %w", msg.Type, typ, verr.ErrProtocolViolation)
			if c.kill(err) && c.onDead != nil {
				c.onDead(err)
			}
			return nil, err
		}
		if !msg.Reply() {
			msg.CloseFiles()
			err := fmt.Errorf("vhost: %s reply without reply flag: %w", typ, verr.ErrProtocolViolation)
			if c.kill(err) && c.onDead != nil {
				c.onDead(err)
			}
			return nil, err
		}
		if err := msg.Err(); err != nil {
			msg.CloseFiles()
			return nil, err
		}
		return msg, nil
	case <-c.quit:
		return nil, c.cause()
	case <-ctx.Done():
		err := fmt.Errorf("vhost: no reply to %s: %w", typ, ctx.Err())
		if c.kill(err) && c.onDead != nil {
			c.onDead(err)
		}
		return nil, err
	}
}

// close tears the caller down deliberately. The poison it installs
// marks the session closed rather than failed, so onDead never fires.
func (c *caller) close() {
	c.kill(fmt.Errorf("vhost: connection closed: %w", verr.ErrBackendDisconnected))
	<-c.done
}
