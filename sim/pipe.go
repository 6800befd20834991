package sim

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"epona/bridge"
	"epona/link"
	"epona/resolver"
)

// DefaultQueueLen is the number of frames an Endpoint buffers before
// Transmit starts dropping.
const DefaultQueueLen = 256

var (
	ErrLinkClosed = errors.New("sim: link closed")
	ErrQueueFull  = errors.New("sim: link queue full")
)

// Tap observes every frame crossing a node. capture.Tap implements it.
type Tap interface {
	Capture(frame []byte)
}

// Endpoint is one end of an in-memory link. Frames transmitted on one end
// are handed, in order, to the handler serving the other end.
type Endpoint struct {
	peer    *Endpoint
	queue   chan []byte
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

// Pipe returns the two ends of a new link.
func Pipe(queueLen int) (*Endpoint, *Endpoint) {
	if queueLen <= 0 {
		queueLen = DefaultQueueLen
	}
	a := &Endpoint{queue: make(chan []byte, queueLen), done: make(chan struct{})}
	b := &Endpoint{queue: make(chan []byte, queueLen), done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

// Transmit queues a copy of frame for the peer. It never blocks.
func (e *Endpoint) Transmit(frame []byte) error {
	select {
	case <-e.done:
		return ErrLinkClosed
	case <-e.peer.done:
		return ErrLinkClosed
	default:
	}

	select {
	case e.peer.queue <- append([]byte(nil), frame...):
		return nil
	default:
		e.dropped.Add(1)
		return ErrQueueFull
	}
}

// Serve passes every frame arriving at e to handler until e is closed.
func (e *Endpoint) Serve(handler func(frame []byte)) {
	for {
		select {
		case <-e.done:
			return
		case frame := <-e.queue:
			handler(frame)
		}
	}
}

// Dropped returns the number of frames Transmit discarded on a full queue.
func (e *Endpoint) Dropped() uint64 { return e.dropped.Load() }

// Close stops Serve and fails further transmissions in both directions.
func (e *Endpoint) Close() {
	e.once.Do(func() { close(e.done) })
}

// NetworkOptions configures an in-memory segment.
type NetworkOptions struct {
	Name     string
	Ports    int
	QueueLen int
	Bridge   bridge.Options
	Resolver resolver.Options
	Tap      Tap
	Logger   log.FieldLogger
}

// Network is a single bridge whose ports are in-memory links, with
// adapters attached to the far end of any of them.
type Network struct {
	bridge     *bridge.Bridge
	switchEnds []*Endpoint
	hostEnds   []*Endpoint
	opts       NetworkOptions
	log        log.FieldLogger

	mu    sync.Mutex
	hosts map[int]*resolver.Resolver

	wg sync.WaitGroup
}

// NewNetwork builds the segment and starts serving every bridge port.
func NewNetwork(opts NetworkOptions) *Network {
	if opts.Name == "" {
		opts.Name = "segment"
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}

	n := &Network{
		opts:  opts,
		log:   logger.WithField("node", opts.Name),
		hosts: make(map[int]*resolver.Resolver),
	}
	for i := 0; i < opts.Ports; i++ {
		sw, host := Pipe(opts.QueueLen)
		n.switchEnds = append(n.switchEnds, sw)
		n.hostEnds = append(n.hostEnds, host)
	}

	bopts := opts.Bridge
	bopts.Name = opts.Name
	bopts.Logger = logger
	n.bridge = bridge.New(opts.Ports, bridge.ForwardFunc(n.forward), bopts)
	n.bridge.Start()

	for i, sw := range n.switchEnds {
		port := i
		n.wg.Add(1)
		go func(sw *Endpoint) {
			defer n.wg.Done()
			sw.Serve(func(frame []byte) {
				if n.opts.Tap != nil {
					n.opts.Tap.Capture(frame)
				}
				n.bridge.Receive(port, frame)
			})
		}(sw)
	}
	return n
}

func (n *Network) forward(port int, frame []byte) error {
	return n.switchEnds[port].Transmit(frame)
}

// Attach connects a new adapter to port and starts its inbound path.
func (n *Network) Attach(port int, hw link.HardwareAddr, iface resolver.Interface, up resolver.Deliverer) (*resolver.Resolver, error) {
	if port < 0 || port >= len(n.hostEnds) {
		return nil, errors.Errorf("port %d out of range [0,%d)", port, len(n.hostEnds))
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.hosts[port]; ok {
		return nil, errors.Errorf("port %d already has an adapter", port)
	}

	opts := n.opts.Resolver
	opts.Name = fmt.Sprintf("%s-p%d", n.opts.Name, port)
	if opts.Logger == nil {
		opts.Logger = n.opts.Logger
	}
	end := n.hostEnds[port]
	r := resolver.New(hw, iface, end, up, opts)
	n.hosts[port] = r

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		end.Serve(r.Receive)
	}()

	n.log.WithFields(log.Fields{"port": port, "hwaddr": hw, "addr": iface.Address()}).Debug("attached adapter")
	return r, nil
}

// Bridge returns the segment's bridge.
func (n *Network) Bridge() *bridge.Bridge { return n.bridge }

// Close tears down every link and waits for the serving goroutines.
func (n *Network) Close() {
	for i := range n.switchEnds {
		n.switchEnds[i].Close()
		n.hostEnds[i].Close()
	}
	n.wg.Wait()
	n.bridge.Stop()
}
