package resolver

import (
	"net/netip"

	"epona/link"
)

// Transmitter hands a finished frame to the medium.
type Transmitter interface {
	Transmit(frame []byte) error
}

// TransmitFunc adapts a function to Transmitter.
type TransmitFunc func(frame []byte) error

func (f TransmitFunc) Transmit(frame []byte) error { return f(frame) }

// Deliverer receives payloads accepted by the adapter.
type Deliverer interface {
	Deliver(proto link.Protocol, payload []byte)
}

// DeliverFunc adapts a function to Deliverer.
type DeliverFunc func(proto link.Protocol, payload []byte)

func (f DeliverFunc) Deliver(proto link.Protocol, payload []byte) { f(proto, payload) }

// Interface is the network-layer view of the adapter: its own address, the
// extent of its subnet and the gateway for everything outside it.
type Interface interface {
	Address() link.NetAddr
	OnLink(addr link.NetAddr) bool
	Gateway() link.NetAddr
}

// Subnet is an Interface backed by a CIDR prefix.
type Subnet struct {
	prefix  netip.Prefix
	gateway link.NetAddr
}

// NewInterface returns an Interface for the host address and mask in prefix
// (e.g. 10.0.0.2/24) routing off-link traffic through gateway.
func NewInterface(prefix netip.Prefix, gateway link.NetAddr) *Subnet {
	return &Subnet{prefix: prefix, gateway: gateway}
}

func (s *Subnet) Address() link.NetAddr {
	return link.NetAddr(s.prefix.Addr().As4())
}

func (s *Subnet) OnLink(addr link.NetAddr) bool {
	return s.prefix.Masked().Contains(addr.Addr())
}

func (s *Subnet) Gateway() link.NetAddr {
	return s.gateway
}

func (s *Subnet) String() string {
	return s.prefix.String() + " via " + s.gateway.String()
}
