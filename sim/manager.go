package sim

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Manager runs several isolated switches in one process. Frames never cross
// from one switch to another.
type Manager struct {
	servers map[string]*Server
	started map[string]bool
	mutex   sync.RWMutex
}

// ManagerStats aggregates the statistics of every switch.
type ManagerStats struct {
	Received       uint64                 `json:"received"`
	Forwarded      uint64                 `json:"forwarded"`
	Flooded        uint64                 `json:"flooded"`
	Dropped        uint64                 `json:"dropped"`
	TableEntries   int                    `json:"table_entries"`
	ConnectedPorts int                    `json:"connected_ports"`
	Bridges        map[string]ServerStats `json:"bridges"`
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		servers: make(map[string]*Server),
		started: make(map[string]bool),
	}
}

// AddBridge registers a new switch. It is started by StartAll.
func (m *Manager) AddBridge(opts ServerOptions) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, exists := m.servers[opts.Name]; exists {
		return errors.Errorf("bridge %q already exists", opts.Name)
	}
	if len(opts.Listen) == 0 {
		return errors.Errorf("bridge %q has no ports", opts.Name)
	}

	m.servers[opts.Name] = NewServer(opts)
	log.WithFields(log.Fields{"bridge": opts.Name, "ports": len(opts.Listen)}).Info("created bridge")
	return nil
}

// RemoveBridge stops and forgets a switch.
func (m *Manager) RemoveBridge(name string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	s, exists := m.servers[name]
	if !exists {
		return errors.Errorf("bridge %q does not exist", name)
	}

	s.Stop()
	delete(m.servers, name)
	delete(m.started, name)

	log.WithField("bridge", name).Info("removed bridge")
	return nil
}

// StartAll starts every switch that is not running yet. On failure the
// switches started by this call are stopped again.
func (m *Manager) StartAll() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var startedNow []string
	for _, name := range m.sortedNames() {
		if m.started[name] {
			continue
		}
		if err := m.servers[name].Start(); err != nil {
			for _, n := range startedNow {
				m.servers[n].Stop()
				delete(m.started, n)
			}
			return errors.Wrapf(err, "failed to start bridge %q", name)
		}
		m.started[name] = true
		startedNow = append(startedNow, name)
	}
	return nil
}

// StopAll stops every switch.
func (m *Manager) StopAll() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for _, name := range m.sortedNames() {
		m.servers[name].Stop()
		delete(m.started, name)
	}
}

// Bridges returns the names of the managed switches in sorted order.
func (m *Manager) Bridges() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.sortedNames()
}

// Server returns the named switch.
func (m *Manager) Server(name string) (*Server, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	s, ok := m.servers[name]
	return s, ok
}

// Stats returns totals across all switches plus each switch's own stats.
func (m *Manager) Stats() ManagerStats {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	out := ManagerStats{Bridges: make(map[string]ServerStats, len(m.servers))}
	for name, s := range m.servers {
		st := s.Stats()
		out.Received += st.Bridge.Received
		out.Forwarded += st.Bridge.Forwarded
		out.Flooded += st.Bridge.Flooded
		out.Dropped += st.Bridge.Dropped
		out.TableEntries += st.Bridge.Entries
		out.ConnectedPorts += st.ConnectedPorts
		out.Bridges[name] = st
	}
	return out
}

func (m *Manager) sortedNames() []string {
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
