// Package network runs a local network of flynode nodes in-process, for
// testing replication and peer churn.
package network

import (
	"sync"

	"go.uber.org/zap"

	"github.com/cyberfly-io/flynode/flynodetest/network/config"
	"github.com/cyberfly-io/flynode/pkg/log"
)

type Manager struct {
	nodes []*Node

	tls bool

	mu sync.Mutex

	logger log.Logger
}

func NewManager(opts ...Option) *Manager {
	options := options{
		logger: log.NewNopLogger(),
	}
	for _, o := range opts {
		o.apply(&options)
	}

	return &Manager{
		tls:    options.tls,
		logger: options.logger.WithSubsystem("network.manager"),
	}
}

// Update adds or removes nodes to match the configured number of nodes.
func (m *Manager) Update(config *config.Config) {
	m.logger.Info("update", zap.Any("config", config))

	m.mu.Lock()
	defer m.mu.Unlock()

	m.tls = config.TLS

	// Update the active nodes to ensure we have the correct number.
	if config.Nodes > len(m.nodes) {
		added := config.Nodes - len(m.nodes)
		for i := 0; i != added; i++ {
			m.addNodeLocked()
		}
	} else if len(m.nodes) > config.Nodes {
		removed := len(m.nodes) - config.Nodes
		for i := 0; i != removed; i++ {
			m.removeNodeLocked()
		}
	}
}

// Churn replaces the oldest node with a new node.
func (m *Manager) Churn() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.nodes) == 0 {
		return
	}
	m.removeNodeLocked()
	m.addNodeLocked()
}

func (m *Manager) Nodes() []*Node {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Copy nodes to avoid race conditions when m.nodes is updated.
	var nodes []*Node
	nodes = append(nodes, m.nodes...)
	return nodes
}

func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := len(m.nodes)
	for i := 0; i != removed; i++ {
		m.removeNodeLocked()
	}
}

func (m *Manager) addNodeLocked() {
	var bootstrap []string
	for _, node := range m.nodes {
		bootstrap = append(bootstrap, node.GossipAddr())
	}

	node := NewNode(
		WithBootstrap(bootstrap),
		WithTLS(m.tls),
		WithLogger(m.logger),
	)
	node.Start()

	m.logger.Info(
		"added node",
		zap.String("node-id", node.NodeID()),
		zap.String("api-url", node.APIURL()),
		zap.String("admin-url", node.AdminURL()),
	)

	m.nodes = append(m.nodes, node)
}

func (m *Manager) removeNodeLocked() {
	// Remove the oldest node.
	node := m.nodes[0]
	m.nodes = m.nodes[1:]

	m.logger.Info("remove node", zap.String("node-id", node.NodeID()))
	node.Stop()
}
