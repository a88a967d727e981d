package network

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cyberfly-io/flynode/bridge"
	"github.com/cyberfly-io/flynode/node"
	"github.com/cyberfly-io/flynode/pkg/log"
	"github.com/cyberfly-io/flynode/pkg/testutil"
	"github.com/cyberfly-io/flynode/server/admin"
	"github.com/cyberfly-io/flynode/server/api"
	"github.com/cyberfly-io/flynode/server/config"
)

const shutdownTimeout = time.Second * 5

// Node is an in-process flynode node with its API and admin servers,
// listening on loopback with random ports.
type Node struct {
	node   *node.Node
	bridge *bridge.Bridge

	apiServer   *api.Server
	apiLn       net.Listener
	adminServer *admin.Server
	adminLn     net.Listener

	bootstrap  []string
	dataDir    string
	rootCAPool *x509.CertPool

	wg sync.WaitGroup

	logger log.Logger
}

func NewNode(opts ...Option) *Node {
	options := options{
		logger: log.NewNopLogger(),
	}
	for _, o := range opts {
		o.apply(&options)
	}

	dataDir, err := os.MkdirTemp("", "flynode")
	if err != nil {
		panic("data dir: " + err.Error())
	}

	conf := config.Default()
	conf.Node.DataDir = dataDir
	conf.Node.Gossip.BindAddr = "127.0.0.1:0"
	conf.Node.InitialSyncDelay = time.Second
	conf.Node.DrainTimeout = time.Second
	conf.API.BindAddr = "127.0.0.1:0"
	conf.Admin.BindAddr = "127.0.0.1:0"

	// If TLS is enabled, generate a certificate signed by a new root CA.
	var tlsConfig *tls.Config
	var rootCAPool *x509.CertPool
	if options.tls {
		pool, cert, err := testutil.LocalTLSServerCert()
		if err != nil {
			panic("tls cert: " + err.Error())
		}
		rootCAPool = pool
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	apiLn, err := net.Listen("tcp", conf.API.BindAddr)
	if err != nil {
		panic("api listen: " + err.Error())
	}
	adminLn, err := net.Listen("tcp", conf.Admin.BindAddr)
	if err != nil {
		panic("admin listen: " + err.Error())
	}

	// Nodes in a network share a log, so tag each record with the node API
	// address.
	logger := options.logger.With(zap.String("api-addr", apiLn.Addr().String()))

	n := node.New(&conf.Node, node.WithLogger(logger))
	b := bridge.New(n, conf.API.Timeout)

	adminServer := admin.NewServer(nil, n.IsRunning, tlsConfig, logger)
	adminServer.AddStatus("/node", node.NewNodeStatus(n))
	adminServer.AddStatus("/peers", node.NewPeerStatus(n))
	adminServer.AddStatus("/storage", node.NewStorageStatus(n))

	return &Node{
		node:        n,
		bridge:      b,
		apiServer:   api.NewServer(b, &conf.API, nil, nil, tlsConfig, logger),
		apiLn:       apiLn,
		adminServer: adminServer,
		adminLn:     adminLn,
		bootstrap:   options.bootstrap,
		dataDir:     dataDir,
		rootCAPool:  rootCAPool,
		logger:      logger,
	}
}

// Node returns the underlying node.
func (n *Node) Node() *node.Node {
	return n.node
}

func (n *Node) NodeID() string {
	return n.node.Status().NodeID
}

func (n *Node) GossipAddr() string {
	return n.node.Info().Address
}

func (n *Node) APIURL() string {
	return n.url(n.apiLn)
}

func (n *Node) AdminURL() string {
	return n.url(n.adminLn)
}

// RootCAPool returns the root CA that signed the server certificate, or nil
// if TLS isn't enabled.
func (n *Node) RootCAPool() *x509.CertPool {
	return n.rootCAPool
}

func (n *Node) Start() {
	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		if err := n.apiServer.Serve(n.apiLn); err != nil {
			n.logger.Error("api server serve", zap.Error(err))
		}
	}()
	go func() {
		defer n.wg.Done()
		if err := n.adminServer.Serve(n.adminLn); err != nil {
			n.logger.Error("admin server serve", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()
	if err := n.node.Start(ctx, node.StartOptions{
		BootstrapPeers: n.bootstrap,
	}); err != nil {
		panic("start node: " + err.Error())
	}
}

func (n *Node) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := n.apiServer.Shutdown(ctx); err != nil {
		n.logger.Warn("failed to shutdown api server", zap.Error(err))
	}
	if err := n.adminServer.Shutdown(ctx); err != nil {
		n.logger.Warn("failed to shutdown admin server", zap.Error(err))
	}
	n.wg.Wait()

	n.bridge.Close()
	if n.node.IsRunning() {
		if err := n.node.Stop(ctx); err != nil {
			n.logger.Warn("failed to stop node", zap.Error(err))
		}
	}

	_ = os.RemoveAll(n.dataDir)
}

func (n *Node) url(ln net.Listener) string {
	if n.rootCAPool != nil {
		return "https://" + ln.Addr().String()
	}
	return "http://" + ln.Addr().String()
}
