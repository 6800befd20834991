// Package sim provides the simulated medium that adapters and bridges are
// attached to: in-memory links for tests and single-process topologies, and
// a framed TCP transport for running switches and hosts as separate
// processes.
package sim

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"epona/link"
)

// MaxPayloadLen is the largest payload a frame may carry on the wire.
const MaxPayloadLen = 1500

// MaxFrameLen is the largest frame accepted by ReadFrame.
const MaxFrameLen = link.HeaderLen + MaxPayloadLen

var (
	ErrConnectionClosed = errors.New("sim: connection closed")
	ErrFrameLength      = errors.New("sim: invalid frame length")
)

// Connection carries frames over a stream, each prefixed by its length as a
// 4-byte big-endian integer.
type Connection struct {
	ID       string
	Conn     net.Conn
	LastSeen time.Time

	FramesSent     uint64
	FramesReceived uint64
	BytesSent      uint64
	BytesReceived  uint64

	mutex   sync.RWMutex
	writeMu sync.Mutex
	closed  bool
}

// ConnStats is a copy of a connection's counters.
type ConnStats struct {
	FramesSent     uint64 `json:"frames_sent"`
	FramesReceived uint64 `json:"frames_received"`
	BytesSent      uint64 `json:"bytes_sent"`
	BytesReceived  uint64 `json:"bytes_received"`
}

// NewConnection wraps conn.
func NewConnection(id string, conn net.Conn) *Connection {
	return &Connection{
		ID:       id,
		Conn:     conn,
		LastSeen: time.Now(),
	}
}

// ReadFrame reads one frame into a newly allocated slice.
func (c *Connection) ReadFrame() ([]byte, error) {
	return c.ReadFrameBuffer(make([]byte, MaxFrameLen))
}

// ReadFrameBuffer reads one frame into buf, which must hold MaxFrameLen
// bytes, and returns the filled prefix. The frame is not verified.
func (c *Connection) ReadFrameBuffer(buf []byte) ([]byte, error) {
	if c.IsClosed() {
		return nil, ErrConnectionClosed
	}

	var lengthBytes [4]byte
	if _, err := io.ReadFull(c.Conn, lengthBytes[:]); err != nil {
		return nil, errors.Wrap(err, "failed to read frame length")
	}

	frameLen := binary.BigEndian.Uint32(lengthBytes[:])
	if frameLen < link.HeaderLen || frameLen > MaxFrameLen || int(frameLen) > len(buf) {
		return nil, errors.Wrapf(ErrFrameLength, "%d", frameLen)
	}

	frame := buf[:frameLen]
	if _, err := io.ReadFull(c.Conn, frame); err != nil {
		return nil, errors.Wrap(err, "failed to read frame data")
	}

	c.mutex.Lock()
	c.FramesReceived++
	c.BytesReceived += uint64(frameLen)
	c.LastSeen = time.Now()
	c.mutex.Unlock()

	return frame, nil
}

// WriteFrame writes frame with its length prefix. It is safe for concurrent
// use; each frame is written as one unit.
func (c *Connection) WriteFrame(frame []byte) error {
	if c.IsClosed() {
		return ErrConnectionClosed
	}
	if len(frame) < link.HeaderLen || len(frame) > MaxFrameLen {
		return errors.Wrapf(ErrFrameLength, "%d", len(frame))
	}

	msg := make([]byte, 4+len(frame))
	binary.BigEndian.PutUint32(msg, uint32(len(frame)))
	copy(msg[4:], frame)

	c.writeMu.Lock()
	_, err := c.Conn.Write(msg)
	c.writeMu.Unlock()
	if err != nil {
		return errors.Wrap(err, "failed to write frame")
	}

	c.mutex.Lock()
	c.FramesSent++
	c.BytesSent += uint64(len(frame))
	c.mutex.Unlock()

	return nil
}

// Transmit implements resolver.Transmitter.
func (c *Connection) Transmit(frame []byte) error {
	return c.WriteFrame(frame)
}

// Close closes the underlying stream.
func (c *Connection) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	if err := c.Conn.Close(); err != nil {
		log.WithError(err).WithField("conn", c.ID).Warn("error closing connection")
		return err
	}

	log.WithFields(log.Fields{
		"conn":        c.ID,
		"frames_sent": c.FramesSent,
		"bytes_sent":  c.BytesSent,
		"frames_recv": c.FramesReceived,
		"bytes_recv":  c.BytesReceived,
	}).Debug("connection closed")

	return nil
}

// IsClosed returns true if the connection is closed.
func (c *Connection) IsClosed() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.closed
}

// Stats returns a copy of the counters.
func (c *Connection) Stats() ConnStats {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return ConnStats{
		FramesSent:     c.FramesSent,
		FramesReceived: c.FramesReceived,
		BytesSent:      c.BytesSent,
		BytesReceived:  c.BytesReceived,
	}
}

// RemoteAddr returns the remote address of the connection.
func (c *Connection) RemoteAddr() string {
	if c.Conn != nil && c.Conn.RemoteAddr() != nil {
		return c.Conn.RemoteAddr().String()
	}
	return "unknown"
}

func (c *Connection) String() string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return fmt.Sprintf("Connection[%s, remote=%s, frames_rx=%d, frames_tx=%d, closed=%v]",
		c.ID, c.RemoteAddr(), c.FramesReceived, c.FramesSent, c.closed)
}
