package resolver

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"epona/link"
	"epona/logging"
	"epona/metrics"
)

var (
	hwA = link.HardwareAddr{0x52, 0x54, 0, 0, 0, 0x0a}
	hwB = link.HardwareAddr{0x52, 0x54, 0, 0, 0, 0x0b}
	hwG = link.HardwareAddr{0x52, 0x54, 0, 0, 0, 0xfe}

	addrA = link.NetAddr{10, 0, 0, 1}
	addrB = link.NetAddr{10, 0, 0, 2}
	addrG = link.NetAddr{10, 0, 0, 254}
)

// wire records transmitted frames and optionally hands them to peers.
type wire struct {
	mu     sync.Mutex
	frames [][]byte
	peers  []*Resolver
}

func (w *wire) Transmit(frame []byte) error {
	w.mu.Lock()
	w.frames = append(w.frames, frame)
	peers := append([]*Resolver(nil), w.peers...)
	w.mu.Unlock()

	for _, p := range peers {
		p.Receive(frame)
	}
	return nil
}

func (w *wire) sent() []*link.Frame {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]*link.Frame, 0, len(w.frames))
	for _, raw := range w.frames {
		f, err := link.Parse(raw)
		if err != nil {
			panic(err)
		}
		out = append(out, f)
	}
	return out
}

func (w *wire) broadcasts() int {
	n := 0
	for _, f := range w.sent() {
		if f.IsBroadcast() {
			n++
		}
	}
	return n
}

type delivery struct {
	proto   link.Protocol
	payload []byte
}

type inbox struct {
	mu    sync.Mutex
	items []delivery
}

func (i *inbox) Deliver(proto link.Protocol, payload []byte) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.items = append(i.items, delivery{proto, append([]byte(nil), payload...)})
}

func (i *inbox) len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.items)
}

func subnet(t *testing.T, cidr string, gw link.NetAddr) *Subnet {
	t.Helper()
	p, err := netip.ParsePrefix(cidr)
	require.NoError(t, err)
	return NewInterface(p, gw)
}

func testOptions(name string) Options {
	return Options{
		Timeout: 20 * time.Millisecond,
		Retries: DefaultRetries,
		Name:    name,
		Logger:  logging.Discard(),
	}
}

// pair wires two adapters on one segment: every frame either transmits is
// received by the other.
func pair(t *testing.T, name string) (*Resolver, *wire, *Resolver, *wire) {
	t.Helper()
	wa, wb := &wire{}, &wire{}
	a := New(hwA, subnet(t, "10.0.0.1/24", addrG), wa, &inbox{}, testOptions(name+"-a"))
	b := New(hwB, subnet(t, "10.0.0.2/24", addrG), wb, &inbox{}, testOptions(name+"-b"))
	wa.peers = []*Resolver{b}
	wb.peers = []*Resolver{a}
	return a, wa, b, wb
}

func TestOutputEncodesFrame(t *testing.T) {
	w := &wire{}
	r := New(hwA, subnet(t, "10.0.0.1/24", addrG), w, &inbox{}, testOptions("output"))

	require.NoError(t, r.Output(link.ProtoIPv4, hwB, []byte("datagram")))

	sent := w.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, hwA, sent[0].Src)
	assert.Equal(t, hwB, sent[0].Dst)
	assert.Equal(t, link.ProtoIPv4, sent[0].Protocol)
	assert.Equal(t, []byte("datagram"), sent[0].Payload)
}

func TestOutputSurfacesTransmitError(t *testing.T) {
	boom := errors.New("medium down")
	tx := TransmitFunc(func([]byte) error { return boom })
	r := New(hwA, subnet(t, "10.0.0.1/24", addrG), tx, &inbox{}, testOptions("output-err"))

	err := r.Output(link.ProtoIPv4, hwB, nil)
	assert.True(t, errors.Is(err, boom))
}

func TestOutputByAddressResolves(t *testing.T) {
	a, wa, b, _ := pair(t, "resolve")

	require.NoError(t, a.OutputByAddress(context.Background(), link.ProtoIPv4, addrB, []byte("hello")))

	hw, ok := a.Lookup(addrB)
	require.True(t, ok)
	assert.Equal(t, hwB, hw)

	sent := wa.sent()
	require.Len(t, sent, 2)
	assert.True(t, sent[0].IsBroadcast())
	assert.Equal(t, link.ProtoResolution, sent[0].Protocol)
	assert.Equal(t, link.Resolution{Target: addrB, Role: link.RoleRequest}.Marshal(), sent[0].Payload)
	assert.Equal(t, hwB, sent[1].Dst)
	assert.Equal(t, []byte("hello"), sent[1].Payload)

	got := b.up.(*inbox)
	require.Equal(t, 1, got.len())
	assert.Equal(t, link.ProtoIPv4, got.items[0].proto)
	assert.Equal(t, []byte("hello"), got.items[0].payload)

	// A second send to a resolved address goes straight out.
	require.NoError(t, a.OutputByAddress(context.Background(), link.ProtoIPv4, addrB, []byte("again")))
	sent = wa.sent()
	require.Len(t, sent, 3)
	assert.Equal(t, hwB, sent[2].Dst)
	assert.Equal(t, 1, wa.broadcasts())
}

func TestOutputByAddressFailsAfterRetries(t *testing.T) {
	tests := []struct {
		name    string
		retries int
	}{
		{name: "default budget", retries: DefaultRetries},
		{name: "no retries", retries: 0},
		{name: "larger budget", retries: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &wire{}
			opts := testOptions("fail-" + tt.name)
			opts.Timeout = 5 * time.Millisecond
			opts.Retries = tt.retries
			r := New(hwA, subnet(t, "10.0.0.1/24", addrG), w, &inbox{}, opts)

			err := r.OutputByAddress(context.Background(), link.ProtoIPv4, addrB, []byte("lost"))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrNoRouteToHost))
			assert.Contains(t, err.Error(), addrB.String())

			assert.Equal(t, tt.retries, w.broadcasts())
			assert.Len(t, w.sent(), tt.retries)
			assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ResolutionFailures.WithLabelValues(opts.Name)))
		})
	}
}

func TestOutputByAddressOffLinkUsesGateway(t *testing.T) {
	wa, wg := &wire{}, &wire{}
	a := New(hwA, subnet(t, "10.0.0.1/24", addrG), wa, &inbox{}, testOptions("offlink-a"))
	gw := New(hwG, subnet(t, "10.0.0.254/24", link.NetAddr{}), wg, &inbox{}, testOptions("offlink-gw"))
	wa.peers = []*Resolver{gw}
	wg.peers = []*Resolver{a}

	remote := link.NetAddr{192, 168, 7, 7}
	require.NoError(t, a.OutputByAddress(context.Background(), link.ProtoIPv4, remote, []byte("far")))

	sent := wa.sent()
	require.Len(t, sent, 2)
	msg, err := link.ParseResolution(sent[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, addrG, msg.Target)
	assert.Equal(t, hwG, sent[1].Dst)

	_, ok := a.Lookup(remote)
	assert.False(t, ok)
}

func TestOutputByAddressLateReply(t *testing.T) {
	// Replies arrive on the inbound path while the outbound path waits.
	var r *Resolver
	tx := TransmitFunc(func(frame []byte) error {
		f, err := link.Parse(frame)
		if err != nil || f.Protocol != link.ProtoResolution {
			return err
		}
		go func() {
			time.Sleep(5 * time.Millisecond)
			reply := link.Resolution{Target: addrB, Role: link.RoleReply}
			r.Receive(link.Encode(hwB, hwA, link.ProtoResolution, reply.Marshal()))
		}()
		return nil
	})
	opts := testOptions("late")
	opts.Timeout = 200 * time.Millisecond
	r = New(hwA, subnet(t, "10.0.0.1/24", addrG), tx, &inbox{}, opts)

	require.NoError(t, r.OutputByAddress(context.Background(), link.ProtoIPv4, addrB, nil))
	hw, ok := r.Lookup(addrB)
	require.True(t, ok)
	assert.Equal(t, hwB, hw)
}

func TestOutputByAddressCancelled(t *testing.T) {
	w := &wire{}
	opts := testOptions("cancel")
	opts.Timeout = time.Second
	r := New(hwA, subnet(t, "10.0.0.1/24", addrG), w, &inbox{}, opts)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := r.OutputByAddress(ctx, link.ProtoIPv4, addrB, nil)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Less(t, time.Since(start), time.Second)
}

func TestReceiveRepliesToRequest(t *testing.T) {
	w := &wire{}
	r := New(hwB, subnet(t, "10.0.0.2/24", addrG), w, &inbox{}, testOptions("reply"))

	req := link.Resolution{Target: addrB, Role: link.RoleRequest}
	r.Receive(link.Encode(hwA, link.Broadcast, link.ProtoResolution, req.Marshal()))

	sent := w.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, hwB, sent[0].Src)
	assert.Equal(t, hwA, sent[0].Dst)
	assert.Equal(t, link.ProtoResolution, sent[0].Protocol)
	assert.Equal(t, link.Resolution{Target: addrB, Role: link.RoleReply}.Marshal(), sent[0].Payload)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ResolutionRequests.WithLabelValues("reply", metrics.DirectionRx)))

	// Requests for other addresses are ignored.
	other := link.Resolution{Target: link.NetAddr{10, 0, 0, 99}, Role: link.RoleRequest}
	r.Receive(link.Encode(hwA, link.Broadcast, link.ProtoResolution, other.Marshal()))
	assert.Len(t, w.sent(), 1)
}

func TestReceiveReplyPopulatesCache(t *testing.T) {
	r := New(hwA, subnet(t, "10.0.0.1/24", addrG), &wire{}, &inbox{}, testOptions("learn"))

	reply := link.Resolution{Target: addrB, Role: link.RoleReply}
	r.Receive(link.Encode(hwB, hwA, link.ProtoResolution, reply.Marshal()))

	assert.Equal(t, map[link.NetAddr]link.HardwareAddr{addrB: hwB}, r.Neighbors())
}

func TestReceiveDrops(t *testing.T) {
	corrupt := link.Encode(hwB, hwA, link.ProtoIPv4, []byte("payload"))
	corrupt[len(corrupt)-1] ^= 0x01

	tests := []struct {
		name   string
		frame  []byte
		reason string
	}{
		{name: "checksum", frame: corrupt, reason: metrics.ReasonChecksum},
		{name: "short", frame: []byte{0xff}, reason: metrics.ReasonChecksum},
		{name: "misdelivered", frame: link.Encode(hwB, hwG, link.ProtoIPv4, []byte("x")), reason: metrics.ReasonMisdelivered},
		{name: "malformed length", frame: link.Encode(hwB, hwA, link.ProtoResolution, []byte{10, 0, 0}), reason: metrics.ReasonMalformed},
		{name: "unknown role", frame: link.Encode(hwB, hwA, link.ProtoResolution, []byte{10, 0, 0, 1, 7}), reason: metrics.ReasonMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, up := &wire{}, &inbox{}
			name := "drop-" + tt.name
			r := New(hwA, subnet(t, "10.0.0.1/24", addrG), w, up, testOptions(name))

			r.Receive(tt.frame)

			assert.Zero(t, up.len())
			assert.Empty(t, w.sent())
			assert.Zero(t, r.cache.Len())
			assert.Equal(t, 1.0, testutil.ToFloat64(metrics.FramesDropped.WithLabelValues(name, tt.reason)))
		})
	}
}

func TestReceiveDelivers(t *testing.T) {
	tests := []struct {
		name string
		dst  link.HardwareAddr
	}{
		{name: "unicast", dst: hwA},
		{name: "broadcast", dst: link.Broadcast},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := &inbox{}
			r := New(hwA, subnet(t, "10.0.0.1/24", addrG), &wire{}, up, testOptions("deliver-"+tt.name))

			r.Receive(link.Encode(hwB, tt.dst, link.Protocol(0x1234), []byte("up")))

			require.Equal(t, 1, up.len())
			assert.Equal(t, link.Protocol(0x1234), up.items[0].proto)
			assert.Equal(t, []byte("up"), up.items[0].payload)
		})
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	r := New(hwA, subnet(t, "10.0.0.1/24", addrG), &wire{}, &inbox{}, Options{Retries: -3, Logger: logging.Discard()})
	assert.Equal(t, DefaultTimeout, r.timeout)
	assert.Equal(t, 0, r.retries)
	assert.Equal(t, hwA.String(), r.Name())
	assert.Equal(t, hwA, r.HardwareAddr())
}

func TestSubnet(t *testing.T) {
	s := subnet(t, "10.0.0.7/24", addrG)

	assert.Equal(t, link.NetAddr{10, 0, 0, 7}, s.Address())
	assert.Equal(t, addrG, s.Gateway())
	assert.True(t, s.OnLink(link.NetAddr{10, 0, 0, 200}))
	assert.False(t, s.OnLink(link.NetAddr{10, 0, 1, 1}))
	assert.Equal(t, "10.0.0.7/24 via 10.0.0.254", s.String())
}
