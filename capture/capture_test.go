package capture

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"epona/link"
)

var (
	hwA = link.HardwareAddr{0x52, 0x54, 0, 0, 0, 0x0a}
	hwB = link.HardwareAddr{0x52, 0x54, 0, 0, 0, 0x0b}
)

func TestDecodeDataFrame(t *testing.T) {
	raw := link.Encode(hwA, hwB, link.ProtoIPv4, []byte("datagram"))
	pkt := Decode(raw)

	require.Nil(t, pkt.ErrorLayer())
	fl := pkt.Layer(LayerTypeFrame)
	require.NotNil(t, fl)
	f := fl.(*Frame)
	assert.Equal(t, hwA, f.Src)
	assert.Equal(t, hwB, f.Dst)
	assert.Equal(t, link.ProtoIPv4, f.Protocol)
	assert.True(t, f.Valid)
	assert.Equal(t, raw[:link.HeaderLen], f.LayerContents())

	require.NotNil(t, pkt.LinkLayer())
	src, dst := pkt.LinkLayer().LinkFlow().Endpoints()
	assert.Equal(t, hwA.String(), src.String())
	assert.Equal(t, hwB.String(), dst.String())

	app := pkt.ApplicationLayer()
	require.NotNil(t, app)
	assert.Equal(t, []byte("datagram"), app.Payload())
}

func TestDecodeResolutionFrame(t *testing.T) {
	msg := link.Resolution{Target: link.NetAddr{10, 0, 0, 9}, Role: link.RoleReply}
	pkt := Decode(link.Encode(hwB, hwA, link.ProtoResolution, msg.Marshal()))

	rl := pkt.Layer(LayerTypeResolution)
	require.NotNil(t, rl)
	r := rl.(*Resolution)
	assert.Equal(t, msg.Target, r.Target)
	assert.Equal(t, link.RoleReply, r.Role)
	assert.Equal(t, "reply 10.0.0.9", r.String())
}

func TestDecodeInvalid(t *testing.T) {
	raw := link.Encode(hwA, hwB, link.ProtoIPv4, []byte("x"))
	raw[0] ^= 0xff

	pkt := Decode(raw)
	f := pkt.Layer(LayerTypeFrame).(*Frame)
	assert.False(t, f.Valid)

	short := Decode(raw[:8])
	assert.NotNil(t, short.ErrorLayer())

	bad := Decode(link.Encode(hwA, hwB, link.ProtoResolution, []byte{1, 2}))
	assert.NotNil(t, bad.ErrorLayer())
}

func TestSerializeLayers(t *testing.T) {
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{ComputeChecksums: true},
		&Frame{Src: hwA, Dst: link.Broadcast, Protocol: link.ProtoResolution},
		&Resolution{Target: link.NetAddr{10, 0, 0, 2}, Role: link.RoleRequest},
	)
	require.NoError(t, err)

	want := link.Encode(hwA, link.Broadcast, link.ProtoResolution,
		link.Resolution{Target: link.NetAddr{10, 0, 0, 2}, Role: link.RoleRequest}.Marshal())
	assert.Equal(t, want, buf.Bytes())
	assert.True(t, link.Verify(buf.Bytes()))
}

func TestTapRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "epona.pcap")
	tap, err := Create(path, 0)
	require.NoError(t, err)

	req := link.Resolution{Target: link.NetAddr{10, 0, 0, 2}, Role: link.RoleRequest}
	frames := [][]byte{
		link.Encode(hwA, link.Broadcast, link.ProtoResolution, req.Marshal()),
		link.Encode(hwA, hwB, link.ProtoIPv4, []byte("hello")),
		link.Encode(hwB, hwA, link.ProtoResolution, []byte{1}),
	}
	for _, f := range frames {
		tap.Capture(f)
	}
	assert.Equal(t, uint64(3), tap.Count())
	require.NoError(t, tap.Close())

	// Frames captured after Close are ignored.
	tap.Capture(frames[0])
	assert.Equal(t, uint64(3), tap.Count())

	records, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.NoError(t, records[0].Err)
	assert.Equal(t, link.Broadcast, records[0].Frame.Dst)
	require.NotNil(t, records[0].Resolution)
	assert.Equal(t, req.Target, records[0].Resolution.Target)
	assert.Equal(t, link.RoleRequest, records[0].Resolution.Role)

	assert.NoError(t, records[1].Err)
	assert.Equal(t, hwB, records[1].Frame.Dst)
	assert.Nil(t, records[1].Resolution)
	assert.Equal(t, []byte("hello"), records[1].Payload)
	assert.Equal(t, len(frames[1]), records[1].Length)

	assert.Error(t, records[2].Err)
	assert.Nil(t, records[2].Resolution)
}

func TestTapSnapLen(t *testing.T) {
	var buf bytes.Buffer
	tap, err := NewTap(&buf, 20)
	require.NoError(t, err)
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	tap.now = func() time.Time { return fixed }

	frame := link.Encode(hwA, hwB, link.ProtoIPv4, bytes.Repeat([]byte{0xaa}, 100))
	tap.Capture(frame)
	require.NoError(t, tap.Close())

	r, err := pcapgo.NewReader(&buf)
	require.NoError(t, err)
	assert.Equal(t, LinkType, r.LinkType())
	assert.Equal(t, uint32(20), r.Snaplen())

	data, ci, err := r.ReadPacketData()
	require.NoError(t, err)
	assert.Len(t, data, 20)
	assert.Equal(t, len(frame), ci.Length)
	assert.True(t, fixed.Equal(ci.Timestamp))
}

func TestTapConcurrentCapture(t *testing.T) {
	var buf bytes.Buffer
	tap, err := NewTap(&buf, 0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				tap.Capture(link.Encode(hwA, hwB, link.ProtoIPv4, []byte{byte(i), byte(j)}))
			}
		}(i)
	}
	wg.Wait()

	records, err := Read(&buf)
	require.NoError(t, err)
	assert.Len(t, records, 400)
	for _, rec := range records {
		assert.True(t, rec.Frame.Valid)
	}
}

func TestReadRejectsOtherLinkType(t *testing.T) {
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeEthernet))

	_, err := Read(&buf)
	assert.True(t, errors.Is(err, ErrLinkType))
}

func TestReadFileMissing(t *testing.T) {
	_, err := ReadFile(filepath.Join(t.TempDir(), "missing.pcap"))
	assert.Error(t, err)
	assert.True(t, os.IsNotExist(errors.Cause(err)))
}
