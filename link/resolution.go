package link

import (
	"fmt"

	"github.com/pkg/errors"
)

// ResolutionLen is the size of a resolution message: a 4-byte target network
// address followed by a 1-byte role flag.
const ResolutionLen = 5

// Role says whether a resolution message asks for or answers a mapping.
type Role byte

const (
	RoleRequest Role = 0
	RoleReply   Role = 1
)

var (
	ErrMalformedResolution = errors.New("link: malformed resolution message")
	ErrUnknownRole         = errors.New("link: unknown resolution role")
)

// Resolution is the payload of a ProtoResolution frame.
type Resolution struct {
	Target NetAddr
	Role   Role
}

// Marshal returns the wire form of r.
func (r Resolution) Marshal() []byte {
	b := make([]byte, ResolutionLen)
	copy(b, r.Target[:])
	b[4] = byte(r.Role)
	return b
}

// ParseResolution decodes a resolution payload. The payload must be exactly
// ResolutionLen bytes and carry a known role.
func ParseResolution(b []byte) (Resolution, error) {
	var r Resolution
	if len(b) != ResolutionLen {
		return r, errors.Wrapf(ErrMalformedResolution, "%d bytes (want %d)", len(b), ResolutionLen)
	}
	copy(r.Target[:], b[:4])
	r.Role = Role(b[4])
	if r.Role != RoleRequest && r.Role != RoleReply {
		return r, errors.Wrapf(ErrUnknownRole, "role %d", b[4])
	}
	return r, nil
}

func (r Role) String() string {
	switch r {
	case RoleRequest:
		return "request"
	case RoleReply:
		return "reply"
	}
	return fmt.Sprintf("role(%d)", byte(r))
}
