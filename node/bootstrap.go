package node

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cyberfly-io/flynode/node/gossip"
	"github.com/cyberfly-io/flynode/node/registry"
	"github.com/cyberfly-io/flynode/pkg/backoff"
	"github.com/cyberfly-io/flynode/pkg/log"
)

// bootstrapper keeps the node joined to its bootstrap peers.
//
// Each bootstrap address is retried with exponential backoff until the join
// succeeds. Once joined, the address is monitored and rejoined if the peer
// expires. Attempts across all addresses share a connection budget.
type bootstrapper struct {
	addrs    []string
	config   *ReconnectConfig
	gossip   *gossip.Gossip
	registry *registry.Registry

	limiter *rate.Limiter

	// pollInterval is the interval to check a joined peer is still known.
	pollInterval time.Duration

	logger log.Logger
}

func newBootstrapper(
	addrs []string,
	config *ReconnectConfig,
	g *gossip.Gossip,
	reg *registry.Registry,
	pollInterval time.Duration,
	logger log.Logger,
) *bootstrapper {
	limit := rate.Every(config.BudgetInterval / time.Duration(config.Budget))
	return &bootstrapper{
		addrs:        addrs,
		config:       config,
		gossip:       g,
		registry:     reg,
		limiter:      rate.NewLimiter(limit, config.Budget),
		pollInterval: pollInterval,
		logger:       logger.WithSubsystem("node.bootstrap"),
	}
}

// Run maintains the connection to each bootstrap address until ctx is
// cancelled.
func (b *bootstrapper) Run(ctx context.Context, done func()) {
	for _, addr := range b.addrs {
		addr := addr
		go func() {
			defer done()
			b.maintain(ctx, addr)
		}()
	}
}

func (b *bootstrapper) maintain(ctx context.Context, addr string) {
	backoff := backoff.New(0, b.config.MinBackoff, b.config.MaxBackoff)
	for {
		nodeID, ok := b.join(ctx, addr, backoff)
		if !ok {
			return
		}
		backoff.Reset()

		if !b.monitor(ctx, nodeID) {
			return
		}

		b.logger.Info(
			"bootstrap peer lost; rejoining",
			zap.String("addr", addr),
			zap.String("node-id", nodeID),
		)
	}
}

// join attempts to join the address until it succeeds. Returns false if ctx
// was cancelled.
func (b *bootstrapper) join(ctx context.Context, addr string, backoff *backoff.Backoff) (string, bool) {
	for {
		if err := b.limiter.Wait(ctx); err != nil {
			return "", false
		}

		nodeID, err := b.gossip.Join(ctx, addr)
		if err == nil {
			b.logger.Info(
				"joined bootstrap peer",
				zap.String("addr", addr),
				zap.String("node-id", nodeID),
			)
			return nodeID, true
		}
		if ctx.Err() != nil {
			return "", false
		}

		b.logger.Warn(
			"failed to join bootstrap peer",
			zap.String("addr", addr),
			zap.Int("attempts", backoff.Attempts()+1),
			zap.Error(err),
		)
		// Keep announcing to the address so the peer can discover this node
		// even if it can't accept streams.
		b.gossip.AddCandidate(addr)

		if !backoff.Wait(ctx) {
			return "", false
		}
	}
}

// monitor blocks until the peer is no longer known. Returns false if ctx was
// cancelled.
func (b *bootstrapper) monitor(ctx context.Context, nodeID string) bool {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}

		if _, ok := b.registry.Peer(nodeID); !ok {
			return true
		}
	}
}
