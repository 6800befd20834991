// Package bridge implements a learning bridge: frames are forwarded to the
// port their destination was last seen on, or flooded when it is unknown.
package bridge

import (
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"epona/link"
	"epona/metrics"
)

// Forwarder sends a frame out one bridge port.
type Forwarder interface {
	Forward(port int, frame []byte) error
}

// ForwardFunc adapts a function to Forwarder.
type ForwardFunc func(port int, frame []byte) error

func (f ForwardFunc) Forward(port int, frame []byte) error { return f(port, frame) }

// Options tunes a Bridge.
type Options struct {
	// MaxAge expires table entries not refreshed for this long once Start
	// has been called. Zero keeps entries forever.
	MaxAge time.Duration
	// SweepInterval defaults to MaxAge/2.
	SweepInterval time.Duration
	Name          string
	Logger        log.FieldLogger
}

type entry struct {
	port int
	seen time.Time
}

// Stats is a point-in-time copy of the bridge counters.
type Stats struct {
	Received  uint64 `json:"received"`
	Forwarded uint64 `json:"forwarded"`
	Flooded   uint64 `json:"flooded"`
	Dropped   uint64 `json:"dropped"`
	Entries   int    `json:"entries"`
}

// Bridge is a learning bridge with a fixed number of ports.
type Bridge struct {
	nports int
	fwd    Forwarder

	mu    sync.Mutex
	table map[link.HardwareAddr]entry

	maxAge time.Duration
	sweep  time.Duration
	now    func() time.Time
	name   string
	log    log.FieldLogger

	received  atomic.Uint64
	forwarded atomic.Uint64
	flooded   atomic.Uint64
	dropped   atomic.Uint64

	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a bridge with ports numbered 0..nports-1.
func New(nports int, fwd Forwarder, opts Options) *Bridge {
	if opts.Name == "" {
		opts.Name = "bridge"
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = opts.MaxAge / 2
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}

	return &Bridge{
		nports:   nports,
		fwd:      fwd,
		table:    make(map[link.HardwareAddr]entry),
		maxAge:   opts.MaxAge,
		sweep:    opts.SweepInterval,
		now:      time.Now,
		name:     opts.Name,
		log:      logger.WithField("node", opts.Name),
		shutdown: make(chan struct{}),
	}
}

// NumPorts returns the number of ports.
func (b *Bridge) NumPorts() int { return b.nports }

// Name returns the node label.
func (b *Bridge) Name() string { return b.name }

// Receive handles frame arriving on port.
func (b *Bridge) Receive(port int, frame []byte) {
	b.received.Add(1)
	metrics.FramesReceived.WithLabelValues(b.name).Inc()

	if port < 0 || port >= b.nports {
		b.drop(metrics.ReasonBadPort).WithField("port", port).Warn("frame on unknown port")
		return
	}

	f, err := link.Parse(frame)
	if err != nil {
		b.drop(metrics.ReasonChecksum).WithError(err).WithField("port", port).Debug("dropping frame")
		return
	}

	b.mu.Lock()
	b.table[f.Src] = entry{port: port, seen: b.now()}
	dst, found := b.table[f.Dst]
	size := len(b.table)
	b.mu.Unlock()

	metrics.ForwardingTableSize.WithLabelValues(b.name).Set(float64(size))

	switch {
	case found && dst.port == port:
		b.drop(metrics.ReasonSelfForward).WithFields(log.Fields{
			"port": port, "src": f.Src, "dst": f.Dst,
		}).Debug("destination is behind arrival port")
	case found:
		b.forwarded.Add(1)
		metrics.FramesForwarded.WithLabelValues(b.name).Inc()
		b.send(dst.port, frame)
	default:
		b.flooded.Add(1)
		metrics.FramesFlooded.WithLabelValues(b.name).Inc()
		for p := 0; p < b.nports; p++ {
			if p != port {
				b.send(p, frame)
			}
		}
	}
}

func (b *Bridge) send(port int, frame []byte) {
	if err := b.fwd.Forward(port, frame); err != nil {
		b.log.WithError(err).WithField("port", port).Debug("forward failed")
	}
}

func (b *Bridge) drop(reason string) log.FieldLogger {
	b.dropped.Add(1)
	metrics.FramesDropped.WithLabelValues(b.name, reason).Inc()
	return b.log.WithField("reason", reason)
}

// Lookup returns the port addr was last seen on.
func (b *Bridge) Lookup(addr link.HardwareAddr) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.table[addr]
	return e.port, ok
}

// Table returns a copy of the forwarding table.
func (b *Bridge) Table() map[link.HardwareAddr]int {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[link.HardwareAddr]int, len(b.table))
	for addr, e := range b.table {
		out[addr] = e.port
	}
	return out
}

// Len returns the number of learned addresses.
func (b *Bridge) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.table)
}

// Forget removes every entry learned on port, e.g. when its peer goes away.
func (b *Bridge) Forget(port int) int {
	b.mu.Lock()
	removed := 0
	for addr, e := range b.table {
		if e.port == port {
			delete(b.table, addr)
			removed++
		}
	}
	size := len(b.table)
	b.mu.Unlock()

	metrics.ForwardingTableSize.WithLabelValues(b.name).Set(float64(size))
	if removed > 0 {
		b.log.WithFields(log.Fields{"port": port, "removed": removed}).Debug("forgot port entries")
	}
	return removed
}

// Start runs the aging sweeper when MaxAge is set.
func (b *Bridge) Start() {
	if b.maxAge <= 0 {
		return
	}
	b.wg.Add(1)
	go b.sweeper()
}

// Stop halts the sweeper. It is safe to call more than once.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() { close(b.shutdown) })
	b.wg.Wait()
}

func (b *Bridge) sweeper() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-b.shutdown:
			return
		case <-ticker.C:
			b.Expire()
		}
	}
}

// Expire removes entries older than MaxAge and returns how many were
// removed. It does nothing when MaxAge is zero.
func (b *Bridge) Expire() int {
	if b.maxAge <= 0 {
		return 0
	}

	b.mu.Lock()
	now := b.now()
	removed := 0
	for addr, e := range b.table {
		if now.Sub(e.seen) > b.maxAge {
			delete(b.table, addr)
			removed++
		}
	}
	size := len(b.table)
	b.mu.Unlock()

	metrics.ForwardingTableSize.WithLabelValues(b.name).Set(float64(size))
	if removed > 0 {
		b.log.WithField("removed", removed).Info("expired stale table entries")
	}
	return removed
}

// Stats returns the current counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Received:  b.received.Load(),
		Forwarded: b.forwarded.Load(),
		Flooded:   b.flooded.Load(),
		Dropped:   b.dropped.Load(),
		Entries:   b.Len(),
	}
}
