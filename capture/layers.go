// Package capture decodes link frames with gopacket and records the frames
// seen by a node to pcap files.
package capture

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"

	"epona/link"
)

var (
	LayerTypeFrame = gopacket.RegisterLayerType(2071, gopacket.LayerTypeMetadata{
		Name:    "EponaFrame",
		Decoder: gopacket.DecodeFunc(decodeFrame),
	})
	LayerTypeResolution = gopacket.RegisterLayerType(2072, gopacket.LayerTypeMetadata{
		Name:    "EponaResolution",
		Decoder: gopacket.DecodeFunc(decodeResolution),
	})
)

// Frame is the gopacket layer for the link frame header.
type Frame struct {
	layers.BaseLayer
	Src      link.HardwareAddr
	Dst      link.HardwareAddr
	Protocol link.Protocol
	Checksum byte
	// Valid reports whether the frame passed checksum verification.
	Valid bool
}

func (f *Frame) LayerType() gopacket.LayerType { return LayerTypeFrame }

func (f *Frame) CanDecode() gopacket.LayerClass { return LayerTypeFrame }

func (f *Frame) NextLayerType() gopacket.LayerType {
	if f.Protocol == link.ProtoResolution {
		return LayerTypeResolution
	}
	return gopacket.LayerTypePayload
}

// LinkFlow returns the src/dst link address flow.
func (f *Frame) LinkFlow() gopacket.Flow {
	return gopacket.NewFlow(layers.EndpointMAC, f.Src[:], f.Dst[:])
}

func (f *Frame) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	d, err := link.Decode(data)
	if err != nil {
		df.SetTruncated()
		return err
	}

	f.Src = d.Src
	f.Dst = d.Dst
	f.Protocol = d.Protocol
	f.Checksum = d.Checksum
	f.Valid = link.Verify(data)
	f.BaseLayer = layers.BaseLayer{Contents: data[:link.HeaderLen], Payload: d.Payload}
	return nil
}

// SerializeTo prepends the frame header to the buffer. With
// ComputeChecksums set the checksum covers the header and everything
// already in the buffer.
func (f *Frame) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	payload := b.Bytes()
	hdr, err := b.PrependBytes(link.HeaderLen)
	if err != nil {
		return err
	}

	encoded := link.Encode(f.Src, f.Dst, f.Protocol, payload)
	copy(hdr, encoded[:link.HeaderLen])
	if !opts.ComputeChecksums {
		hdr[link.HeaderLen-1] = f.Checksum
	} else {
		f.Checksum = hdr[link.HeaderLen-1]
	}
	return nil
}

func (f *Frame) String() string {
	return fmt.Sprintf("%s -> %s proto=%s valid=%v", f.Src, f.Dst, f.Protocol, f.Valid)
}

func decodeFrame(data []byte, p gopacket.PacketBuilder) error {
	f := &Frame{}
	if err := f.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(f)
	p.SetLinkLayer(f)
	return p.NextDecoder(f.NextLayerType())
}

// Resolution is the gopacket layer for an address resolution message.
type Resolution struct {
	layers.BaseLayer
	Target link.NetAddr
	Role   link.Role
}

func (r *Resolution) LayerType() gopacket.LayerType { return LayerTypeResolution }

func (r *Resolution) CanDecode() gopacket.LayerClass { return LayerTypeResolution }

func (r *Resolution) NextLayerType() gopacket.LayerType { return gopacket.LayerTypeZero }

func (r *Resolution) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < link.ResolutionLen {
		df.SetTruncated()
	}
	msg, err := link.ParseResolution(data)
	if err != nil {
		return errors.Wrap(err, "decode resolution layer")
	}

	r.Target = msg.Target
	r.Role = msg.Role
	r.BaseLayer = layers.BaseLayer{Contents: data[:link.ResolutionLen]}
	return nil
}

func (r *Resolution) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	buf, err := b.PrependBytes(link.ResolutionLen)
	if err != nil {
		return err
	}
	copy(buf, link.Resolution{Target: r.Target, Role: r.Role}.Marshal())
	return nil
}

func (r *Resolution) String() string {
	return fmt.Sprintf("%s %s", r.Role, r.Target)
}

func decodeResolution(data []byte, p gopacket.PacketBuilder) error {
	r := &Resolution{}
	if err := r.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(r)
	return nil
}

// Decode decodes frame into a gopacket.Packet.
func Decode(frame []byte) gopacket.Packet {
	return gopacket.NewPacket(frame, LayerTypeFrame, gopacket.Default)
}
