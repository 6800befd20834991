package link

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/pkg/errors"
)

// HardwareAddr is a 6-byte link address identifying an adapter on the medium.
type HardwareAddr [6]byte

// NetAddr is a 4-byte network-layer address.
type NetAddr [4]byte

// Protocol is the 16-bit protocol number carried in every frame header.
type Protocol uint16

const (
	// ProtoIPv4 is the protocol number the network layer uses for datagrams.
	ProtoIPv4 Protocol = 0x0800
	// ProtoResolution marks frames carrying an address resolution message.
	ProtoResolution Protocol = 0x0806
)

// Broadcast is the destination link address meaning "all receivers".
var Broadcast = HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// ParseHardwareAddr parses a colon or dash separated 6-byte link address.
func ParseHardwareAddr(s string) (HardwareAddr, error) {
	var addr HardwareAddr
	mac, err := net.ParseMAC(s)
	if err != nil {
		return addr, errors.Wrapf(err, "invalid link address %q", s)
	}
	if len(mac) != len(addr) {
		return addr, errors.Errorf("invalid link address %q: want %d bytes, got %d", s, len(addr), len(mac))
	}
	copy(addr[:], mac)
	return addr, nil
}

// IsBroadcast reports whether a is the broadcast address.
func (a HardwareAddr) IsBroadcast() bool {
	return a == Broadcast
}

// IsZero reports whether every byte of a is zero.
func (a HardwareAddr) IsZero() bool {
	return a == HardwareAddr{}
}

func (a HardwareAddr) String() string {
	return net.HardwareAddr(a[:]).String()
}

// ParseNetAddr parses a dotted-quad network address.
func ParseNetAddr(s string) (NetAddr, error) {
	ip, err := netip.ParseAddr(s)
	if err != nil {
		return NetAddr{}, errors.Wrapf(err, "invalid network address %q", s)
	}
	if !ip.Is4() {
		return NetAddr{}, errors.Errorf("invalid network address %q: not a 4-byte address", s)
	}
	return NetAddr(ip.As4()), nil
}

// Addr converts a to a netip.Addr.
func (a NetAddr) Addr() netip.Addr {
	return netip.AddrFrom4(a)
}

func (a NetAddr) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", a[0], a[1], a[2], a[3])
}

func (p Protocol) String() string {
	return fmt.Sprintf("0x%04x", uint16(p))
}
