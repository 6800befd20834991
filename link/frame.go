// Package link implements the frame format shared by adapters and bridges on
// the simulated medium, together with the address resolution payload carried
// inside it.
//
// Frame layout (offsets in bytes):
//
//	0   6  source link address
//	6   6  destination link address
//	12  2  protocol number, big endian
//	14  1  checksum
//	15  N  payload
//
// The checksum byte is chosen so that the unsigned sum of every byte of the
// frame, modulo 256, is 0xFF.
package link

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// HeaderLen is the size of the fixed frame header, checksum included.
const HeaderLen = 15

const (
	srcOffset      = 0
	dstOffset      = 6
	protoOffset    = 12
	checksumOffset = 14
)

var (
	ErrShortFrame = errors.New("link: frame too short")
	ErrChecksum   = errors.New("link: checksum mismatch")
)

// Frame is a decoded view of a frame. Payload and Raw alias the buffer the
// frame was decoded from.
type Frame struct {
	Src      HardwareAddr
	Dst      HardwareAddr
	Protocol Protocol
	Checksum byte
	Payload  []byte
	Raw      []byte
}

// Checksum returns the byte that makes the sum of parts plus itself equal
// 0xFF modulo 256.
func Checksum(parts ...[]byte) byte {
	var sum byte
	for _, p := range parts {
		for _, b := range p {
			sum += b
		}
	}
	return ^sum
}

// Encode assembles a frame from its header fields and payload.
func Encode(src, dst HardwareAddr, proto Protocol, payload []byte) []byte {
	frame := make([]byte, HeaderLen+len(payload))
	copy(frame[srcOffset:], src[:])
	copy(frame[dstOffset:], dst[:])
	binary.BigEndian.PutUint16(frame[protoOffset:], uint16(proto))
	copy(frame[HeaderLen:], payload)
	frame[checksumOffset] = Checksum(frame[:checksumOffset], frame[HeaderLen:])
	return frame
}

// Verify reports whether frame is long enough to carry a header and its bytes
// sum to 0xFF modulo 256.
func Verify(frame []byte) bool {
	if len(frame) < HeaderLen {
		return false
	}
	var sum byte
	for _, b := range frame {
		sum += b
	}
	return sum == 0xFF
}

// Decode slices frame into its fields without checking the checksum.
func Decode(frame []byte) (*Frame, error) {
	if len(frame) < HeaderLen {
		return nil, errors.Wrapf(ErrShortFrame, "%d bytes (minimum %d)", len(frame), HeaderLen)
	}

	f := &Frame{
		Protocol: Protocol(binary.BigEndian.Uint16(frame[protoOffset:])),
		Checksum: frame[checksumOffset],
		Payload:  frame[HeaderLen:],
		Raw:      frame,
	}
	copy(f.Src[:], frame[srcOffset:dstOffset])
	copy(f.Dst[:], frame[dstOffset:protoOffset])

	return f, nil
}

// Parse verifies frame and then decodes it.
func Parse(frame []byte) (*Frame, error) {
	if len(frame) < HeaderLen {
		return nil, errors.Wrapf(ErrShortFrame, "%d bytes (minimum %d)", len(frame), HeaderLen)
	}
	if !Verify(frame) {
		return nil, ErrChecksum
	}
	return Decode(frame)
}

// IsBroadcast returns true if the frame is addressed to every receiver.
func (f *Frame) IsBroadcast() bool {
	return f.Dst.IsBroadcast()
}

func (f *Frame) String() string {
	return fmt.Sprintf("Frame[%s -> %s, proto=%s, len=%d]",
		f.Src, f.Dst, f.Protocol, len(f.Raw))
}
