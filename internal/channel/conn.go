package channel

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"net"
	"sync"
)

// maxFrameSize bounds a single frame's payload, protecting the resource
// process from a malformed or hostile client claiming an enormous length
// prefix.
const maxFrameSize = 64 << 20

// Frame is one decoded message: its type tag and gob-decoded payload.
type Frame struct {
	Type    MessageType
	Payload any
}

// Conn wraps a net.Conn with the length-prefixed + type-tagged + gob-payload
// framing SPEC_FULL.md §6.1 fixes. Safe for one concurrent reader and one
// concurrent writer (the usual net.Conn contract); Send is additionally
// safe for concurrent callers via an internal write mutex, since both the
// session's request-handling goroutine and its notification-pushing
// goroutine write to the same connection.
type Conn struct {
	nc net.Conn

	writeMu sync.Mutex
}

// NewConn wraps nc.
func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc}
}

// Send frames and writes one message: payload is gob-encoded, then a
// 1-byte type tag and 4-byte big-endian length prefix are prepended.
func (c *Conn) Send(t MessageType, payload any) error {
	var buf bytes.Buffer
	if payload != nil {
		if err := gob.NewEncoder(&buf).Encode(&payload); err != nil {
			return fmt.Errorf("channel: encoding %s payload: %w", t, err)
		}
	}

	frame := make([]byte, 5+buf.Len())
	binary.BigEndian.PutUint32(frame[:4], uint32(1+buf.Len()))
	frame[4] = byte(t)
	copy(frame[5:], buf.Bytes())

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.nc.Write(frame)
	if err != nil {
		return fmt.Errorf("channel: writing frame: %w", err)
	}
	return nil
}

// SendPanic writes the short-write spec §4.10 calls PANIC: a length prefix
// and type tag with no payload, immediately before the server aborts the
// connection on an unrecoverable error.
func (c *Conn) SendPanic() error {
	return c.Send(Panic, nil)
}

// Recv reads and decodes the next frame. The returned Payload is one of the
// *Payload types declared in message.go, or nil for payload-less messages
// (PING, ABORT-SYNCHRONIZATION, SHUTDOWN, REMOVE-FROM-DISK, UPGRADE,
// PANIC).
func (c *Conn) Recv() (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.nc, lenBuf[:]); err != nil {
		return Frame{}, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return Frame{}, fmt.Errorf("channel: zero-length frame")
	}
	if length > maxFrameSize {
		return Frame{}, fmt.Errorf("channel: frame length %d exceeds maximum %d", length, maxFrameSize)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(c.nc, body); err != nil {
		return Frame{}, fmt.Errorf("channel: reading frame body: %w", err)
	}

	t := MessageType(body[0])
	rest := body[1:]
	if len(rest) == 0 {
		return Frame{Type: t}, nil
	}

	var payload any
	if err := gob.NewDecoder(bytes.NewReader(rest)).Decode(&payload); err != nil {
		return Frame{}, fmt.Errorf("channel: decoding %s payload: %w", t, err)
	}
	return Frame{Type: t, Payload: payload}, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.nc.Close()
}
