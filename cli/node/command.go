package node

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	rungroup "github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cyberfly-io/flynode/bridge"
	"github.com/cyberfly-io/flynode/node"
	"github.com/cyberfly-io/flynode/pkg/auth"
	"github.com/cyberfly-io/flynode/pkg/build"
	pkgconfig "github.com/cyberfly-io/flynode/pkg/config"
	"github.com/cyberfly-io/flynode/pkg/log"
	"github.com/cyberfly-io/flynode/pkg/middleware"
	"github.com/cyberfly-io/flynode/server/admin"
	"github.com/cyberfly-io/flynode/server/api"
	"github.com/cyberfly-io/flynode/server/config"
)

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "run a flynode node",
		Long: `Run a flynode node.

The node joins the peer-to-peer network, replicating signed database writes
and gossip messages with its peers.

The node exposes two ports: an 'api' port used by applications to read and
write data and control the node, and an 'admin' port used to inspect the
status of the node and export metrics.

Use '--node.bootstrap' to configure the gossip addresses of existing nodes to
join, or enable '--node.discovery.mdns' to discover peers on the local
network.

Examples:
  # Start a node with the default configuration.
  flynode node

  # Start a node and join an existing network.
  flynode node --node.bootstrap 10.26.104.14:8100,10.26.104.75:8100

  # Start a node that listens for API requests on all interfaces and requires
  # clients to authenticate with an HMAC signed JWT.
  flynode node --api.bind-addr :8101 --api.auth.hmac-secret-key my-secret

  # Start the servers but wait for the node to be started via the API.
  flynode node --start=false
`,
	}

	conf := config.Default()

	var configPath string
	cmd.Flags().StringVar(
		&configPath,
		"config.path",
		"",
		`
YAML config file path.`,
	)

	var configExpandEnv bool
	cmd.Flags().BoolVar(
		&configExpandEnv,
		"config.expand-env",
		false,
		`
Whether to expand environment variables in the config file.

This will replaces references to ${VAR} or $VAR with the corresponding
environment variable. The replacement is case-sensitive.

References to undefined variables will be replaced with an empty string. A
default value can be given using form ${VAR:default}.`,
	)

	start := true
	cmd.Flags().BoolVar(
		&start,
		"start",
		start,
		`
Whether to start the node on launch.

If disabled only the API and admin servers are started, and the node must be
started with 'POST /v1/node/start'.`,
	)

	// Register flags and set default values.
	conf.RegisterFlags(cmd.Flags())

	cmd.Run = func(cmd *cobra.Command, args []string) {
		if configPath != "" {
			if err := pkgconfig.Load(configPath, conf, configExpandEnv); err != nil {
				fmt.Printf("load config: %s\n", err.Error())
				os.Exit(1)
			}
		}

		if err := conf.Validate(); err != nil {
			fmt.Printf("invalid config: %s\n", err.Error())
			os.Exit(1)
		}

		logger, err := log.NewLogger(conf.Log.Level, conf.Log.Subsystems)
		if err != nil {
			fmt.Printf("failed to setup logger: %s\n", err.Error())
			os.Exit(1)
		}

		if err := run(conf, start, logger); err != nil {
			logger.Error("failed to run node", zap.Error(err))
			os.Exit(1)
		}
	}

	return cmd
}

func run(conf *config.Config, start bool, logger log.Logger) error {
	logger.Info(
		"starting flynode",
		zap.String("version", build.Version),
		zap.Any("conf", conf),
	)

	registry := prometheus.NewRegistry()

	nodeMetrics := node.NewMetrics()
	nodeMetrics.Register(registry)

	n := node.New(
		&conf.Node,
		node.WithVersion(build.Version),
		node.WithMetrics(nodeMetrics),
		node.WithLogger(logger),
	)
	b := bridge.New(n, conf.API.Timeout)
	defer b.Close()

	adminTLS, err := conf.Admin.TLS.Load()
	if err != nil {
		return fmt.Errorf("admin tls: %w", err)
	}
	adminLn, err := net.Listen("tcp", conf.Admin.BindAddr)
	if err != nil {
		return fmt.Errorf("admin listen: %s: %w", conf.Admin.BindAddr, err)
	}
	adminServer := admin.NewServer(registry, n.IsRunning, adminTLS, logger)
	adminServer.AddStatus("/node", node.NewNodeStatus(n))
	adminServer.AddStatus("/peers", node.NewPeerStatus(n))
	adminServer.AddStatus("/storage", node.NewStorageStatus(n))

	var verifier auth.Verifier
	if conf.API.Auth.Enabled() {
		loadCtx, cancel := context.WithTimeout(context.Background(), time.Second*30)
		authConf, err := conf.API.Auth.Load(loadCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("api auth: %w", err)
		}
		verifier = auth.NewJWTVerifier(authConf)
	}

	apiMetrics := middleware.NewMetrics("api")
	apiMetrics.Register(registry)

	apiTLS, err := conf.API.TLS.Load()
	if err != nil {
		return fmt.Errorf("api tls: %w", err)
	}
	apiLn, err := net.Listen("tcp", conf.API.BindAddr)
	if err != nil {
		return fmt.Errorf("api listen: %s: %w", conf.API.BindAddr, err)
	}
	apiServer := api.NewServer(b, &conf.API, verifier, apiMetrics, apiTLS, logger)

	if start {
		startCtx, cancel := context.WithTimeout(context.Background(), conf.API.Timeout)
		err := n.Start(startCtx, node.StartOptions{})
		cancel()
		if err != nil {
			return fmt.Errorf("start node: %w", err)
		}
	}

	var group rungroup.Group

	// Termination handler.
	signalCtx, signalCancel := context.WithCancel(context.Background())
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	group.Add(func() error {
		select {
		case sig := <-signalCh:
			logger.Info(
				"received shutdown signal",
				zap.String("signal", sig.String()),
			)
			return nil
		case <-signalCtx.Done():
			return nil
		}
	}, func(error) {
		signalCancel()
	})

	// API server.
	group.Add(func() error {
		if err := apiServer.Serve(apiLn); err != nil {
			return fmt.Errorf("api server serve: %w", err)
		}
		return nil
	}, func(error) {
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			conf.GracePeriod,
		)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to gracefully shutdown api server", zap.Error(err))
		}

		logger.Info("api server shut down")
	})

	// Admin server.
	group.Add(func() error {
		if err := adminServer.Serve(adminLn); err != nil {
			return fmt.Errorf("admin server serve: %w", err)
		}
		return nil
	}, func(error) {
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			conf.GracePeriod,
		)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to gracefully shutdown admin server", zap.Error(err))
		}

		logger.Info("admin server shut down")
	})

	if err := group.Run(); err != nil {
		return err
	}

	// Stop the node once the servers have shut down so in-flight requests
	// complete first.
	if n.IsRunning() {
		stopCtx, cancel := context.WithTimeout(context.Background(), conf.GracePeriod)
		defer cancel()

		if err := n.Stop(stopCtx); err != nil {
			logger.Warn("failed to gracefully stop node", zap.Error(err))
		}
	}

	logger.Info("shutdown complete")

	return nil
}
