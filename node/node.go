// Package node runs a flynode node.
//
// A Node owns the lifecycle of the node components: the storage, the peer
// registry, the gossip engine, the sync coordinator and optionally LAN
// discovery. Each start creates a fresh set of components, so a node can be
// stopped and started again, and multiple nodes can run in one process.
//
// Every operation that touches the runtime fails with
// errdefs.ErrNodeNotRunning unless the node is running. Stopping the node
// waits (bounded by the drain timeout) for in-flight operations before
// closing the storage.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-sockaddr"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/cyberfly-io/flynode/node/discovery"
	"github.com/cyberfly-io/flynode/node/gossip"
	"github.com/cyberfly-io/flynode/node/registry"
	"github.com/cyberfly-io/flynode/node/storage"
	"github.com/cyberfly-io/flynode/node/syncer"
	"github.com/cyberfly-io/flynode/pkg/errdefs"
	"github.com/cyberfly-io/flynode/pkg/identity"
	"github.com/cyberfly-io/flynode/pkg/log"
)

// syncTopic is the internal gossip topic signed writes are pushed on.
const syncTopic = gossip.InternalTopicPrefix + "sync"

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "stopped":
		*s = StateStopped
	case "starting":
		*s = StateStarting
	case "running":
		*s = StateRunning
	case "stopping":
		*s = StateStopping
	default:
		return fmt.Errorf("unknown state: %s", string(b))
	}
	return nil
}

// StartOptions override the configured values for a single start.
type StartOptions struct {
	// DataDir overrides the configured data directory.
	DataDir string

	// SecretKey is the node secret key, either a 32 byte seed or a 64 byte
	// ed25519 private key. If empty the key is loaded from the data
	// directory, or generated if none exists.
	SecretKey []byte

	// BootstrapPeers overrides the configured bootstrap addresses.
	BootstrapPeers []string

	// Region overrides the configured region.
	Region string
}

// runtime contains the components of a started node.
type runtime struct {
	ctx    context.Context
	cancel context.CancelFunc

	keyPair      *identity.KeyPair
	nodeID       string
	dataDir      string
	region       string
	bootstrap    []string
	capabilities registry.Capabilities
	startedAt    time.Time

	storage   *storage.Storage
	registry  *registry.Registry
	gossip    *gossip.Gossip
	syncer    *syncer.Syncer
	discovery *discovery.Discovery

	// inflight tracks running operations, which must complete before the
	// storage is closed.
	inflight sync.WaitGroup
	// loops tracks the background goroutines.
	loops sync.WaitGroup
}

type Node struct {
	config  *Config
	version string

	state *atomic.Int32

	// rt is the runtime of the running node, or nil if stopped.
	rt *runtime
	// nodeID and publicKey are kept after stopping to describe the node.
	nodeID    string
	publicKey string

	// mu protects the above fields and state transitions to and from
	// running.
	mu sync.RWMutex

	// lifecycle serialises Start and Stop.
	lifecycle sync.Mutex

	events  *broker
	metrics *Metrics

	logger log.Logger
}

func New(config *Config, opts ...Option) *Node {
	options := defaultOptions()
	for _, o := range opts {
		o.apply(&options)
	}

	return &Node{
		config:  config,
		version: options.version,
		state:   atomic.NewInt32(int32(StateStopped)),
		events:  newBroker(),
		metrics: options.metrics,
		logger:  options.logger.WithSubsystem("node"),
	}
}

// Start starts the node.
//
// Returns errdefs.ErrAlreadyRunning if the node isn't stopped, or
// errdefs.ErrStorageOpenFailed if the data directory is unusable. If start
// fails the node is left stopped with nothing running.
func (n *Node) Start(ctx context.Context, opts StartOptions) error {
	n.lifecycle.Lock()
	defer n.lifecycle.Unlock()

	if !n.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return errdefs.ErrAlreadyRunning
	}

	rt, err := n.start(ctx, opts)
	if err != nil {
		n.state.Store(int32(StateStopped))
		n.logger.Error("failed to start node", zap.Error(err))
		return err
	}

	n.mu.Lock()
	n.rt = rt
	n.nodeID = rt.nodeID
	n.publicKey = rt.keyPair.PublicKeyHex()
	n.state.Store(int32(StateRunning))
	n.mu.Unlock()

	n.metrics.Running.Set(1)
	n.events.Publish(Event{
		Type:   EventStarted,
		NodeID: rt.nodeID,
	})

	n.logger.Info(
		"node started",
		zap.String("node-id", rt.nodeID),
		zap.String("addr", rt.gossip.Address()),
		zap.String("data-dir", rt.dataDir),
	)

	return nil
}

// Stop stops the node. Background loops are cancelled immediately, then
// in-flight operations are given until the drain timeout (or ctx is
// cancelled) to complete before the storage is closed.
//
// Returns errdefs.ErrNodeNotRunning if the node isn't running.
func (n *Node) Stop(ctx context.Context) error {
	n.lifecycle.Lock()
	defer n.lifecycle.Unlock()

	n.mu.Lock()
	if State(n.state.Load()) != StateRunning {
		n.mu.Unlock()
		return errdefs.ErrNodeNotRunning
	}
	n.state.Store(int32(StateStopping))
	rt := n.rt
	n.mu.Unlock()

	n.logger.Info("stopping node", zap.String("node-id", rt.nodeID))

	rt.cancel()
	if rt.discovery != nil {
		rt.discovery.Stop()
	}

	var errs error
	if err := rt.gossip.Close(); err != nil {
		errs = errors.Join(errs, fmt.Errorf("gossip: %w", err))
	}

	n.drain(ctx, rt)
	rt.loops.Wait()

	if err := rt.storage.Close(); err != nil {
		errs = errors.Join(errs, fmt.Errorf("storage: %w", err))
	}

	n.mu.Lock()
	n.rt = nil
	n.state.Store(int32(StateStopped))
	n.mu.Unlock()

	n.metrics.Running.Set(0)
	n.events.Publish(Event{
		Type:   EventStopped,
		NodeID: rt.nodeID,
	})

	n.logger.Info("node stopped", zap.String("node-id", rt.nodeID))

	return errs
}

// IsRunning returns whether the node is running.
func (n *Node) IsRunning() bool {
	return n.State() == StateRunning
}

func (n *Node) State() State {
	return State(n.state.Load())
}

// Subscribe returns a channel of node events. Events are dropped if the
// channel buffer is full. The returned function unsubscribes and closes the
// channel.
//
// Subscriptions remain across restarts.
func (n *Node) Subscribe(buffer int) (<-chan Event, func()) {
	return n.events.Subscribe(buffer)
}

func (n *Node) Metrics() *Metrics {
	return n.metrics
}

func (n *Node) start(ctx context.Context, opts StartOptions) (*runtime, error) {
	dataDir := opts.DataDir
	if dataDir == "" {
		dataDir = n.config.DataDir
	}
	region := opts.Region
	if region == "" {
		region = n.config.Region
	}
	bootstrap := opts.BootstrapPeers
	if len(bootstrap) == 0 {
		bootstrap = n.config.Bootstrap
	}
	capabilities, err := parseCapabilities(n.config.Capabilities)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("data dir: %s: %w", dataDir, errors.Join(errdefs.ErrStorageOpenFailed, err))
	}

	keyPair, err := n.keyPair(dataDir, opts.SecretKey)
	if err != nil {
		return nil, err
	}
	peerID, err := keyPair.PeerID()
	if err != nil {
		return nil, err
	}
	nodeID := peerID.String()

	if err := ctx.Err(); err != nil {
		return nil, errdefs.Timeout(err)
	}

	watcher := &eventWatcher{broker: n.events}

	store, err := storage.Open(filepath.Join(dataDir, "store"), n.metrics.Storage, n.logger)
	if err != nil {
		return nil, err
	}

	gossipConfig := n.config.Gossip
	streamLn, packetLn, err := listen(gossipConfig.BindAddr)
	if err != nil {
		store.Close()
		return nil, err
	}
	port := streamLn.Addr().(*net.TCPAddr).Port
	gossipConfig.BindAddr = streamLn.Addr().String()
	if gossipConfig.AdvertiseAddr == "" {
		gossipConfig.AdvertiseAddr = advertiseAddr(n.config.Gossip.BindAddr, port)
	}

	reg := registry.New(
		nodeID,
		gossipConfig.PeerExpiry,
		registry.WithWatcher(watcher),
		registry.WithMetrics(n.metrics.Registry),
		registry.WithLogger(n.logger),
	)

	g := gossip.New(
		gossip.LocalNode{
			NodeID:       nodeID,
			KeyPair:      keyPair,
			Region:       region,
			Version:      n.version,
			Capabilities: capabilities,
		},
		&gossipConfig,
		reg,
		streamLn,
		packetLn,
		gossip.WithWatcher(watcher),
		gossip.WithMetrics(n.metrics.Gossip),
		gossip.WithLogger(n.logger),
	)

	s := syncer.New(
		nodeID,
		&n.config.Sync,
		store,
		reg,
		g,
		syncer.WithWatcher(watcher),
		syncer.WithMetrics(n.metrics.Syncer),
		syncer.WithLogger(n.logger),
	)
	g.Handle(gossip.StreamTypeSync, s.ServeStream)
	g.Subscribe(syncTopic, s.HandleGossip)

	rtCtx, cancel := context.WithCancel(context.Background())
	rt := &runtime{
		ctx:          rtCtx,
		cancel:       cancel,
		keyPair:      keyPair,
		nodeID:       nodeID,
		dataDir:      dataDir,
		region:       region,
		bootstrap:    bootstrap,
		capabilities: capabilities,
		startedAt:    time.Now(),
		storage:      store,
		registry:     reg,
		gossip:       g,
		syncer:       s,
	}

	for _, addr := range bootstrap {
		g.AddCandidate(addr)
	}
	if len(bootstrap) > 0 {
		b := newBootstrapper(
			bootstrap, &n.config.Reconnect, g, reg, gossipConfig.AnnounceInterval, n.logger,
		)
		rt.loops.Add(len(bootstrap))
		b.Run(rtCtx, rt.loops.Done)
	}

	if n.config.Discovery.MDNS {
		d := discovery.New(
			nodeID,
			n.version,
			port,
			&n.config.Discovery,
			func(_ string, addr string) {
				g.AddCandidate(addr)
			},
			n.logger,
		)
		if err := d.Start(); err != nil {
			// LAN discovery is optional so the node runs without it.
			n.logger.Warn("failed to start discovery", zap.Error(err))
			n.events.Publish(Event{
				Type:   EventError,
				NodeID: nodeID,
				Error:  err.Error(),
			})
		} else {
			rt.discovery = d
		}
	}

	rt.loops.Add(1)
	go n.syncLoop(rt)

	g.Announce()

	return rt, nil
}

func (n *Node) keyPair(dataDir string, secretKey []byte) (*identity.KeyPair, error) {
	if len(secretKey) > 0 {
		return identity.KeyPairFromSecretKey(secretKey)
	}

	kp, generated, err := loadOrGenerateKey(dataDir)
	if err != nil {
		if errors.Is(err, errdefs.ErrInvalidKeyFormat) {
			return nil, err
		}
		return nil, errors.Join(errdefs.ErrStorageOpenFailed, err)
	}
	if generated {
		n.logger.Info(
			"generated node key",
			zap.String("path", filepath.Join(dataDir, secretKeyFile)),
		)
	}
	return kp, nil
}

// syncLoop requests a full sync after the initial delay, then requests the
// operations since the last received operation every sync interval.
func (n *Node) syncLoop(rt *runtime) {
	defer rt.loops.Done()

	timer := time.NewTimer(n.config.InitialSyncDelay)
	defer timer.Stop()

	full := true
	for {
		select {
		case <-rt.ctx.Done():
			return
		case <-timer.C:
		}

		var since *int64
		if !full {
			since = rt.syncer.Watermark()
		}
		_, err := rt.syncer.RequestSync(rt.ctx, since)
		switch {
		case err == nil:
			full = false
		case rt.ctx.Err() != nil:
			return
		case errors.Is(err, errdefs.ErrNetworkUnreachable):
			n.logger.Debug("no peers to sync with")
		default:
			n.logger.Warn("sync failed", zap.Error(err))
			n.events.Publish(Event{
				Type:   EventError,
				NodeID: rt.nodeID,
				Error:  err.Error(),
			})
		}

		timer.Reset(n.config.SyncInterval)
	}
}

// drain waits for in-flight operations to complete, up to the drain
// timeout.
func (n *Node) drain(ctx context.Context, rt *runtime) {
	done := make(chan struct{})
	go func() {
		rt.inflight.Wait()
		close(done)
	}()

	timer := time.NewTimer(n.config.DrainTimeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		n.logger.Warn("timed out waiting for in-flight operations")
	case <-ctx.Done():
		n.logger.Warn("stop cancelled waiting for in-flight operations")
	}
}

// acquire returns the runtime and registers an in-flight operation, which
// must be released with rt.inflight.Done.
func (n *Node) acquire() (*runtime, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if State(n.state.Load()) != StateRunning || n.rt == nil {
		return nil, errdefs.ErrNodeNotRunning
	}
	n.rt.inflight.Add(1)
	return n.rt, nil
}

// current returns the runtime if the node is running or stopping, without
// registering an operation.
func (n *Node) current() *runtime {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.rt
}

// listen binds the gossip TCP and UDP listeners to the same port.
func listen(bindAddr string) (net.Listener, net.PacketConn, error) {
	streamLn, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("gossip listen: %s: %w", bindAddr, err)
	}

	host, _, err := net.SplitHostPort(bindAddr)
	if err != nil {
		streamLn.Close()
		return nil, nil, fmt.Errorf("invalid bind addr: %s: %w", bindAddr, err)
	}
	port := streamLn.Addr().(*net.TCPAddr).Port

	packetLn, err := net.ListenPacket("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		streamLn.Close()
		return nil, nil, fmt.Errorf("gossip listen packet: %s: %w", bindAddr, err)
	}
	return streamLn, packetLn, nil
}

// advertiseAddr returns the address to advertise for the bind address. If
// the bind address doesn't include an IP the private IP is used.
func advertiseAddr(bindAddr string, port int) string {
	host, _, _ := net.SplitHostPort(bindAddr)
	if host == "" || host == "0.0.0.0" || host == "::" {
		ip, err := sockaddr.GetPrivateIP()
		if err != nil || ip == "" {
			ip = "127.0.0.1"
		}
		host = ip
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
