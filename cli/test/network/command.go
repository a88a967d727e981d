package network

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	rungroup "github.com/oklog/run"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cyberfly-io/flynode/flynodetest/network"
	"github.com/cyberfly-io/flynode/flynodetest/network/config"
	"github.com/cyberfly-io/flynode/pkg/build"
	pkgconfig "github.com/cyberfly-io/flynode/pkg/config"
	"github.com/cyberfly-io/flynode/pkg/log"
)

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "network",
		Short: "run a local network of flynode nodes",
		Long: `Run a local network of flynode nodes.

Each node listens on loopback with random ports. The API and admin URLs of
each node are logged when the node is added.

To test peers joining and leaving the network, configure the 'churn' interval
which defines how often to stop a node and replace it with a new one.

The network configuration is dynamic and can be reloaded from
'--config.path' by sending a SIGHUP signal to the process.

Examples:
  # Start a network of 5 nodes.
  flynode test network --nodes 5

  # Start a network and replace one node every 10 seconds.
  flynode test network --churn.interval 10s
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

	// Register flags and set default values.
	conf.RegisterFlags(cmd.Flags())

	var logger log.Logger

	loadConfig := func() error {
		if configPath != "" {
			if err := pkgconfig.Load(configPath, conf, false); err != nil {
				return fmt.Errorf("load: %w", err)
			}
		}

		if err := conf.Validate(); err != nil {
			return fmt.Errorf("validate: %w", err)
		}

		return nil
	}

	cmd.PreRun = func(_ *cobra.Command, _ []string) {
		if err := loadConfig(); err != nil {
			fmt.Println(err.Error())
			os.Exit(1)
		}

		var err error
		logger, err = log.NewLogger(conf.Log.Level, conf.Log.Subsystems)
		if err != nil {
			fmt.Printf("failed to setup logger: %s\n", err.Error())
			os.Exit(1)
		}
	}

	cmd.Run = func(_ *cobra.Command, _ []string) {
		if err := runNetwork(conf, loadConfig, logger); err != nil {
			logger.Error("failed to run network", zap.Error(err))
			os.Exit(1)
		}
	}

	return cmd
}

func runNetwork(
	conf *config.Config,
	loadConfig func() error,
	logger log.Logger,
) error {
	logger.Info(
		"starting network",
		zap.String("version", build.Version),
	)
	logger.Debug("network config", zap.Any("config", conf))

	defer func() {
		logger.Info("shutdown complete")
	}()

	manager := network.NewManager(network.WithLogger(logger))
	defer manager.Close()

	manager.Update(conf)

	var group rungroup.Group

	// Config reload.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	hupCancel := make(chan struct{})
	group.Add(func() error {
		for {
			select {
			case <-hup:
				logger.Info("received hup signal")

				if err := loadConfig(); err != nil {
					logger.Error("failed to load config", zap.Error(err))
					continue
				}

				manager.Update(conf)
			case <-hupCancel:
				return nil
			}
		}
	}, func(error) {
		close(hupCancel)
	})

	// Churn.
	if conf.Churn.Interval > 0 {
		churnCtx, churnCancel := context.WithCancel(context.Background())
		group.Add(func() error {
			ticker := time.NewTicker(conf.Churn.Interval)
			defer ticker.Stop()

			for {
				select {
				case <-ticker.C:
					manager.Churn()
				case <-churnCtx.Done():
					return nil
				}
			}
		}, func(error) {
			churnCancel()
		})
	}

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

	return group.Run()
}
