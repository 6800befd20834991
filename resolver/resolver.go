// Package resolver implements the adapter side of the link layer: sending
// frames by link or network address, and answering and caching address
// resolution messages.
package resolver

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"epona/addrcache"
	"epona/link"
	"epona/metrics"
)

// ErrNoRouteToHost is returned by OutputByAddress when no resolution reply
// arrives within the retry budget.
var ErrNoRouteToHost = errors.New("resolver: no route to host")

const (
	DefaultTimeout = 100 * time.Millisecond
	DefaultRetries = 2
)

// Options tunes a Resolver.
type Options struct {
	Timeout time.Duration // wait per lookup; <= 0 means DefaultTimeout
	Retries int           // broadcast requests after the first lookup
	Name    string        // "node" label for logs and metrics
	Logger  log.FieldLogger
}

// DefaultOptions returns the options used by the simulator.
func DefaultOptions() Options {
	return Options{Timeout: DefaultTimeout, Retries: DefaultRetries}
}

// Resolver is one adapter attached to the medium. Receive runs on the
// inbound path and OutputByAddress on the outbound path; the two only share
// the address cache.
type Resolver struct {
	hwaddr link.HardwareAddr
	iface  Interface
	cache  *addrcache.Cache[link.NetAddr, link.HardwareAddr]
	tx     Transmitter
	up     Deliverer

	timeout time.Duration
	retries int
	name    string
	log     log.FieldLogger
}

// New creates a resolver for the adapter with link address hwaddr.
func New(hwaddr link.HardwareAddr, iface Interface, tx Transmitter, up Deliverer, opts Options) *Resolver {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Name == "" {
		opts.Name = hwaddr.String()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}

	return &Resolver{
		hwaddr:  hwaddr,
		iface:   iface,
		cache:   addrcache.New[link.NetAddr, link.HardwareAddr](),
		tx:      tx,
		up:      up,
		timeout: opts.Timeout,
		retries: opts.Retries,
		name:    opts.Name,
		log:     logger.WithField("node", opts.Name),
	}
}

// HardwareAddr returns the adapter's link address.
func (r *Resolver) HardwareAddr() link.HardwareAddr { return r.hwaddr }

// Interface returns the adapter's network-layer configuration.
func (r *Resolver) Interface() Interface { return r.iface }

// Name returns the node label.
func (r *Resolver) Name() string { return r.name }

// Lookup returns the cached link address for addr without blocking.
func (r *Resolver) Lookup(addr link.NetAddr) (link.HardwareAddr, bool) {
	return r.cache.Lookup(addr)
}

// Neighbors returns a copy of the address cache.
func (r *Resolver) Neighbors() map[link.NetAddr]link.HardwareAddr {
	return r.cache.Snapshot()
}

// Output encodes payload for dst and transmits it.
func (r *Resolver) Output(proto link.Protocol, dst link.HardwareAddr, payload []byte) error {
	frame := link.Encode(r.hwaddr, dst, proto, payload)
	if err := r.tx.Transmit(frame); err != nil {
		return errors.Wrapf(err, "transmit to %s", dst)
	}
	metrics.FramesTransmitted.WithLabelValues(r.name).Inc()
	return nil
}

// OutputByAddress sends payload to the network address addr, resolving the
// link address of addr (or of the gateway when addr is off-link) first.
func (r *Resolver) OutputByAddress(ctx context.Context, proto link.Protocol, addr link.NetAddr, payload []byte) error {
	target := addr
	if !r.iface.OnLink(addr) {
		target = r.iface.Gateway()
	}

	start := time.Now()
	hw, err := r.resolve(ctx, target)
	if err != nil {
		return err
	}
	metrics.ResolutionLatencySeconds.WithLabelValues(r.name).Observe(time.Since(start).Seconds())

	return r.Output(proto, hw, payload)
}

// resolve looks target up, broadcasting up to r.retries requests while it
// stays unknown.
func (r *Resolver) resolve(ctx context.Context, target link.NetAddr) (link.HardwareAddr, error) {
	for attempt := 0; ; attempt++ {
		hw, ok, err := r.await(ctx, target)
		if err != nil {
			return hw, err
		}
		if ok {
			return hw, nil
		}

		if attempt == r.retries {
			metrics.ResolutionFailures.WithLabelValues(r.name).Inc()
			r.log.WithFields(log.Fields{"target": target, "attempts": attempt}).Warn("address resolution failed")
			return hw, errors.Wrapf(ErrNoRouteToHost, "%s", target)
		}
		if err := r.request(target); err != nil {
			return hw, err
		}
	}
}

// await waits up to r.timeout for target to appear in the cache.
func (r *Resolver) await(ctx context.Context, target link.NetAddr) (link.HardwareAddr, bool, error) {
	if err := ctx.Err(); err != nil {
		return link.HardwareAddr{}, false, err
	}

	wctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	hw, err := r.cache.Wait(wctx, target)
	if err == nil {
		return hw, true, nil
	}
	if ctx.Err() != nil {
		return hw, false, ctx.Err()
	}
	// The reply may have landed as the deadline fired.
	hw, ok := r.cache.Lookup(target)
	return hw, ok, nil
}

func (r *Resolver) request(target link.NetAddr) error {
	msg := link.Resolution{Target: target, Role: link.RoleRequest}
	r.log.WithField("target", target).Debug("broadcasting resolution request")
	metrics.ResolutionRequests.WithLabelValues(r.name, metrics.DirectionTx).Inc()
	return r.Output(link.ProtoResolution, link.Broadcast, msg.Marshal())
}

// Receive handles a frame delivered by the medium. Frames that fail
// verification or are addressed elsewhere are dropped and counted.
func (r *Resolver) Receive(frame []byte) {
	metrics.FramesReceived.WithLabelValues(r.name).Inc()

	f, err := link.Parse(frame)
	if err != nil {
		r.drop(metrics.ReasonChecksum, nil).WithError(err).Debug("dropping frame")
		return
	}

	if f.Protocol == link.ProtoResolution {
		r.receiveResolution(f)
		return
	}

	if f.Dst != r.hwaddr && !f.IsBroadcast() {
		r.drop(metrics.ReasonMisdelivered, f).Debug("dropping frame for another adapter")
		return
	}

	metrics.FramesDelivered.WithLabelValues(r.name).Inc()
	r.up.Deliver(f.Protocol, f.Payload)
}

func (r *Resolver) receiveResolution(f *link.Frame) {
	msg, err := link.ParseResolution(f.Payload)
	if err != nil {
		r.drop(metrics.ReasonMalformed, f).WithError(err).Debug("dropping resolution message")
		return
	}

	switch msg.Role {
	case link.RoleRequest:
		if msg.Target != r.iface.Address() {
			return
		}
		metrics.ResolutionRequests.WithLabelValues(r.name, metrics.DirectionRx).Inc()
		reply := link.Resolution{Target: msg.Target, Role: link.RoleReply}
		if err := r.Output(link.ProtoResolution, f.Src, reply.Marshal()); err != nil {
			r.log.WithError(err).WithField("dst", f.Src).Warn("failed to send resolution reply")
		}
	case link.RoleReply:
		metrics.ResolutionReplies.WithLabelValues(r.name).Inc()
		r.log.WithFields(log.Fields{"target": msg.Target, "src": f.Src}).Debug("learned link address")
		r.cache.Put(msg.Target, f.Src)
	}
}

func (r *Resolver) drop(reason string, f *link.Frame) log.FieldLogger {
	metrics.FramesDropped.WithLabelValues(r.name, reason).Inc()
	entry := r.log.WithField("reason", reason)
	if f != nil {
		entry = entry.WithFields(log.Fields{"src": f.Src, "dst": f.Dst, "proto": f.Protocol})
	}
	return entry
}
