package sim

import (
	"fmt"
	"net"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"epona/bridge"
	"epona/metrics"
)

// ErrPortDown is returned when forwarding to a port with no peer attached.
var ErrPortDown = errors.New("sim: port has no peer")

// ServerOptions configures a switch Server.
type ServerOptions struct {
	Name   string
	Listen []string // one TCP listen address per bridge port
	Bridge bridge.Options
	Tap    Tap
	Logger log.FieldLogger
}

// Server runs one learning bridge whose ports are TCP listeners. Each port
// accepts a single peer at a time.
type Server struct {
	name   string
	addrs  []string
	bridge *bridge.Bridge
	ports  []*switchPort
	tap    Tap
	log    log.FieldLogger

	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type switchPort struct {
	index    int
	listener net.Listener

	mu   sync.Mutex
	conn *Connection
}

// PortStats describes one switch port.
type PortStats struct {
	Index  int        `json:"index"`
	Listen string     `json:"listen"`
	Remote string     `json:"remote,omitempty"`
	Conn   *ConnStats `json:"conn,omitempty"`
}

// ServerStats is a snapshot of a switch.
type ServerStats struct {
	Name           string       `json:"name"`
	Bridge         bridge.Stats `json:"bridge"`
	ConnectedPorts int          `json:"connected_ports"`
	Ports          []PortStats  `json:"ports"`
}

// NewServer creates a switch. Nothing is bound until Start.
func NewServer(opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}

	s := &Server{
		name:     opts.Name,
		addrs:    opts.Listen,
		tap:      opts.Tap,
		log:      logger.WithField("node", opts.Name),
		shutdown: make(chan struct{}),
	}
	for i := range opts.Listen {
		s.ports = append(s.ports, &switchPort{index: i})
	}

	bopts := opts.Bridge
	bopts.Name = opts.Name
	bopts.Logger = logger
	s.bridge = bridge.New(len(opts.Listen), s, bopts)
	return s
}

// Start binds every port and begins accepting peers.
func (s *Server) Start() error {
	s.log.WithField("listen", s.addrs).Info("starting switch")

	for i, addr := range s.addrs {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			for _, p := range s.ports[:i] {
				_ = p.listener.Close()
			}
			return errors.Wrapf(err, "failed to listen on port %d (%s)", i, addr)
		}
		s.ports[i].listener = ln
	}

	s.bridge.Start()

	for _, p := range s.ports {
		s.log.WithFields(log.Fields{"port": p.index, "addr": p.listener.Addr().String()}).Info("listening")
		s.wg.Add(1)
		go s.acceptLoop(p)
	}
	return nil
}

// Stop closes every listener and peer and waits for their goroutines.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.log.Info("stopping switch")
		close(s.shutdown)

		for _, p := range s.ports {
			if p.listener != nil {
				_ = p.listener.Close()
			}
			if c := p.current(); c != nil {
				_ = c.Close()
			}
		}

		s.wg.Wait()
		s.bridge.Stop()
		s.log.Info("switch stopped")
	})
}

func (s *Server) acceptLoop(p *switchPort) {
	defer s.wg.Done()

	for {
		conn, err := p.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.WithError(err).WithField("port", p.index).Warn("failed to accept connection")
			continue
		}

		c := NewConnection(fmt.Sprintf("%s/%d-%s", s.name, p.index, conn.RemoteAddr()), conn)
		if !p.attach(c) {
			s.log.WithFields(log.Fields{"port": p.index, "remote": c.RemoteAddr()}).Warn("port busy, rejecting peer")
			_ = c.Close()
			continue
		}
		select {
		case <-s.shutdown:
			// Stop may already have swept the ports.
			p.detach(c)
			_ = c.Close()
			return
		default:
		}

		metrics.ConnectedPorts.WithLabelValues(s.name).Inc()
		s.log.WithFields(log.Fields{"port": p.index, "remote": c.RemoteAddr()}).Info("peer connected")

		s.wg.Add(1)
		go s.handleConnection(p, c)
	}
}

func (s *Server) handleConnection(p *switchPort, c *Connection) {
	defer s.wg.Done()
	defer s.cleanupConnection(p, c)

	for {
		buf := readBuffers.get()
		frame, err := c.ReadFrameBuffer(buf)
		if err != nil {
			readBuffers.put(buf)
			if !c.IsClosed() {
				s.log.WithError(err).WithField("port", p.index).Debug("peer read ended")
			}
			return
		}

		if s.tap != nil {
			s.tap.Capture(frame)
		}
		s.bridge.Receive(p.index, frame)
		readBuffers.put(buf)
	}
}

func (s *Server) cleanupConnection(p *switchPort, c *Connection) {
	_ = c.Close()
	s.bridge.Forget(p.index)
	p.detach(c)
	metrics.ConnectedPorts.WithLabelValues(s.name).Dec()
	s.log.WithFields(log.Fields{"port": p.index, "remote": c.RemoteAddr()}).Info("peer disconnected")
}

// Forward implements bridge.Forwarder over the connected peers.
func (s *Server) Forward(port int, frame []byte) error {
	c := s.ports[port].current()
	if c == nil {
		return errors.Wrapf(ErrPortDown, "port %d", port)
	}
	return c.WriteFrame(frame)
}

// Name returns the switch name.
func (s *Server) Name() string { return s.name }

// Bridge returns the switch's bridge.
func (s *Server) Bridge() *bridge.Bridge { return s.bridge }

// Addrs returns the bound address of every port, or the configured
// addresses before Start.
func (s *Server) Addrs() []string {
	out := make([]string, len(s.ports))
	for i, p := range s.ports {
		if p.listener != nil {
			out[i] = p.listener.Addr().String()
		} else {
			out[i] = s.addrs[i]
		}
	}
	return out
}

// Stats returns the current switch statistics.
func (s *Server) Stats() ServerStats {
	st := ServerStats{
		Name:   s.name,
		Bridge: s.bridge.Stats(),
	}
	addrs := s.Addrs()
	for i, p := range s.ports {
		ps := PortStats{Index: i, Listen: addrs[i]}
		if c := p.current(); c != nil {
			cs := c.Stats()
			ps.Remote = c.RemoteAddr()
			ps.Conn = &cs
			st.ConnectedPorts++
		}
		st.Ports = append(st.Ports, ps)
	}
	return st
}

func (p *switchPort) attach(c *Connection) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		return false
	}
	p.conn = c
	return true
}

func (p *switchPort) detach(c *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == c {
		p.conn = nil
	}
}

func (p *switchPort) current() *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}
