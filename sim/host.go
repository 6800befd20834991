package sim

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"epona/link"
	"epona/resolver"
)

// HostOptions configures a Host.
type HostOptions struct {
	Name        string
	HWAddr      link.HardwareAddr
	Prefix      netip.Prefix // host address and subnet, e.g. 10.0.0.2/24
	Gateway     link.NetAddr
	Switch      string // switch port to dial
	DialTimeout time.Duration
	Resolver    resolver.Options
	Deliverer   resolver.Deliverer
	Tap         Tap
	Logger      log.FieldLogger
}

// Host is an adapter attached to a switch port over TCP.
type Host struct {
	opts     HostOptions
	log      log.FieldLogger
	conn     *Connection
	resolver *resolver.Resolver

	done chan struct{}
	wg   sync.WaitGroup
}

// NewHost creates a host. It is not connected until Start.
func NewHost(opts HostOptions) *Host {
	if opts.Name == "" {
		opts.Name = opts.HWAddr.String()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.Deliverer == nil {
		opts.Deliverer = resolver.DeliverFunc(func(link.Protocol, []byte) {})
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}

	return &Host{
		opts: opts,
		log:  opts.Logger.WithField("node", opts.Name),
		done: make(chan struct{}),
	}
}

// Start dials the switch and starts the inbound path.
func (h *Host) Start(ctx context.Context) error {
	dialer := net.Dialer{Timeout: h.opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", h.opts.Switch)
	if err != nil {
		return errors.Wrapf(err, "failed to connect to switch %s", h.opts.Switch)
	}
	h.conn = NewConnection(h.opts.Name, conn)

	ropts := h.opts.Resolver
	ropts.Name = h.opts.Name
	ropts.Logger = h.opts.Logger
	iface := resolver.NewInterface(h.opts.Prefix, h.opts.Gateway)
	h.resolver = resolver.New(h.opts.HWAddr, iface, resolver.TransmitFunc(h.transmit), h.opts.Deliverer, ropts)

	h.log.WithFields(log.Fields{
		"hwaddr": h.opts.HWAddr,
		"iface":  iface,
		"switch": h.opts.Switch,
	}).Info("host connected")

	h.wg.Add(1)
	go h.readLoop()
	return nil
}

func (h *Host) transmit(frame []byte) error {
	if h.opts.Tap != nil {
		h.opts.Tap.Capture(frame)
	}
	return h.conn.WriteFrame(frame)
}

func (h *Host) readLoop() {
	defer h.wg.Done()
	defer close(h.done)

	for {
		frame, err := h.conn.ReadFrame()
		if err != nil {
			if !h.conn.IsClosed() {
				h.log.WithError(err).Warn("lost connection to switch")
			}
			return
		}
		if h.opts.Tap != nil {
			h.opts.Tap.Capture(frame)
		}
		h.resolver.Receive(frame)
	}
}

// Send delivers payload to the network address addr.
func (h *Host) Send(ctx context.Context, addr link.NetAddr, payload []byte) error {
	return h.resolver.OutputByAddress(ctx, link.ProtoIPv4, addr, payload)
}

// Resolver returns the host's adapter. It is nil before Start.
func (h *Host) Resolver() *resolver.Resolver { return h.resolver }

// Done is closed when the connection to the switch ends.
func (h *Host) Done() <-chan struct{} { return h.done }

// Stats returns the transport counters.
func (h *Host) Stats() ConnStats {
	if h.conn == nil {
		return ConnStats{}
	}
	return h.conn.Stats()
}

// Stop disconnects from the switch and waits for the inbound path to exit.
func (h *Host) Stop() error {
	if h.conn == nil {
		return nil
	}
	err := h.conn.Close()
	h.wg.Wait()
	h.log.Info("host stopped")
	return err
}
