// Package syncer replicates signed operations between nodes.
//
// A node requests the operations a peer has applied since a watermark
// timestamp, or all operations when no watermark is given. The peer streams
// the operations in chunks ordered by timestamp. Each received operation is
// verified against its database owner before being merged with
// last-write-wins, so a peer can't inject writes on behalf of an owner.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cyberfly-io/flynode/node/gossip"
	"github.com/cyberfly-io/flynode/node/registry"
	"github.com/cyberfly-io/flynode/node/storage"
	"github.com/cyberfly-io/flynode/pkg/errdefs"
	"github.com/cyberfly-io/flynode/pkg/identity"
	"github.com/cyberfly-io/flynode/pkg/log"
)

// Store is the storage operations are read from and merged into.
type Store interface {
	Put(e *storage.Entry) (bool, error)
	Changes(since *int64) ([]*storage.Entry, error)
}

// PeerSource selects sync targets.
type PeerSource interface {
	Peers() []registry.Peer
	ConnectedPeers() []registry.Peer
	MarkConnected(nodeID string) bool
}

// Transport opens streams to peers.
type Transport interface {
	OpenStream(ctx context.Context, addr string, t gossip.StreamType) (*gossip.Stream, error)
}

// Result summarises a sync request or a batch of applied operations.
type Result struct {
	// Targets is the number of peers sync was requested from.
	Targets int `json:"targets"`
	// Succeeded is the number of targets whose exchange completed.
	Succeeded int `json:"succeeded"`
	// Received is the number of operations received.
	Received int `json:"received"`
	// Merged is the number of received operations that were applied.
	Merged int `json:"merged"`
	// Discarded is the number of received operations that failed
	// verification.
	Discarded int `json:"discarded"`
}

func (r *Result) add(o Result) {
	r.Targets += o.Targets
	r.Succeeded += o.Succeeded
	r.Received += o.Received
	r.Merged += o.Merged
	r.Discarded += o.Discarded
}

type Syncer struct {
	nodeID string
	config *Config

	store     Store
	peers     PeerSource
	transport Transport

	// syncOperations is the number of completed sync exchanges.
	syncOperations *atomic.Int64
	// watermark is the greatest timestamp of a verified received operation.
	watermark *atomic.Int64

	metrics *Metrics
	watcher Watcher

	logger log.Logger
}

func New(
	nodeID string,
	config *Config,
	store Store,
	peers PeerSource,
	transport Transport,
	opts ...Option,
) *Syncer {
	options := defaultOptions()
	for _, o := range opts {
		o.apply(&options)
	}

	return &Syncer{
		nodeID:         nodeID,
		config:         config,
		store:          store,
		peers:          peers,
		transport:      transport,
		syncOperations: atomic.NewInt64(0),
		watermark:      atomic.NewInt64(0),
		metrics:        options.metrics,
		watcher:        options.watcher,
		logger:         options.logger.WithSubsystem("syncer"),
	}
}

// SyncOperations returns the number of completed sync exchanges.
func (s *Syncer) SyncOperations() int64 {
	return s.syncOperations.Load()
}

// Watermark returns the greatest timestamp of a verified operation received
// from a peer, or nil if no operations have been received.
func (s *Syncer) Watermark() *int64 {
	w := s.watermark.Load()
	if w == 0 {
		return nil
	}
	return &w
}

// RequestSync requests the operations with a timestamp greater than since
// from up to MaxTargets peers, or all operations if since is nil.
//
// Returns errdefs.ErrNetworkUnreachable if there are no peers to sync with,
// or the last error if no exchange completed.
func (s *Syncer) RequestSync(ctx context.Context, since *int64) (Result, error) {
	targets := s.targets()
	if len(targets) == 0 {
		return Result{}, fmt.Errorf("no sync targets: %w", errdefs.ErrNetworkUnreachable)
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	var mu sync.Mutex
	result := Result{Targets: len(targets)}
	var lastErr error

	var g errgroup.Group
	for _, target := range targets {
		target := target
		g.Go(func() error {
			r, err := s.syncWith(ctx, target, since)

			mu.Lock()
			defer mu.Unlock()

			result.add(r)
			if err != nil {
				lastErr = err
				s.logger.Warn(
					"sync failed",
					zap.String("node-id", target.NodeID),
					zap.String("addr", target.Address),
					zap.Error(err),
				)
				return nil
			}
			result.Succeeded++
			return nil
		})
	}
	_ = g.Wait()

	if result.Succeeded == 0 {
		return result, lastErr
	}

	s.logger.Info(
		"sync completed",
		zap.Int("targets", result.Targets),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("received", result.Received),
		zap.Int("merged", result.Merged),
		zap.Int("discarded", result.Discarded),
	)

	return result, nil
}

// Apply verifies and merges operations received outside of a sync exchange,
// such as operations pushed by peers.
func (s *Syncer) Apply(ops []Operation) Result {
	var result Result
	for _, op := range ops {
		s.apply(op, &result)
	}
	return result
}

// HandleGossip applies an operation pushed by a peer on the internal sync
// topic.
func (s *Syncer) HandleGossip(env gossip.Envelope) {
	op, err := DecodeOperation(env.Payload)
	if err != nil {
		s.logger.Warn(
			"invalid pushed operation",
			zap.String("from", env.From),
			zap.Error(err),
		)
		return
	}

	result := s.Apply([]Operation{op})
	if result.Merged > 0 {
		s.watcher.OnSync(env.From, result)
	}
}

// ServeStream responds to a sync request from a peer.
func (s *Syncer) ServeStream(stream *gossip.Stream) error {
	_ = stream.SetDeadline(time.Now().Add(s.config.Timeout))

	var req request
	if err := stream.Decode(&req); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if err := identity.ValidateTimestamp(req.Timestamp); err != nil {
		return fmt.Errorf("request: %w", err)
	}

	s.metrics.Served.Inc()

	entries, err := s.store.Changes(req.Since)
	if err != nil {
		return fmt.Errorf("changes: %w", err)
	}

	s.logger.Debug(
		"serving sync request",
		zap.String("requester", req.Requester),
		zap.Int("operations", len(entries)),
	)

	for start := 0; ; start += s.config.ChunkSize {
		end := start + s.config.ChunkSize
		if end > len(entries) {
			end = len(entries)
		}

		c := chunk{
			Operations: make([]Operation, 0, end-start),
			HasMore:    end < len(entries),
		}
		for _, e := range entries[start:end] {
			c.Operations = append(c.Operations, OperationFromEntry(e))
		}
		if err := stream.Encode(&c); err != nil {
			return fmt.Errorf("encode: %w", err)
		}
		if err := stream.Flush(); err != nil {
			return fmt.Errorf("flush: %w", err)
		}

		if !c.HasMore {
			return nil
		}
	}
}

func (s *Syncer) syncWith(ctx context.Context, target registry.Peer, since *int64) (Result, error) {
	start := time.Now()

	var result Result
	err := s.exchange(ctx, target, since, &result)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, os.ErrDeadlineExceeded) {
			err = fmt.Errorf("%w: %w", errdefs.ErrTimeout, err)
		}
		s.metrics.Requests.With(resultLabels("failed")).Inc()
		return result, fmt.Errorf("sync: %s: %w", target.NodeID, err)
	}

	s.metrics.Requests.With(resultLabels("ok")).Inc()
	s.metrics.RequestLatency.Observe(time.Since(start).Seconds())

	s.syncOperations.Inc()
	s.peers.MarkConnected(target.NodeID)
	s.watcher.OnSync(target.NodeID, result)

	return result, nil
}

func (s *Syncer) exchange(ctx context.Context, target registry.Peer, since *int64, result *Result) error {
	stream, err := s.transport.OpenStream(ctx, target.Address, gossip.StreamTypeSync)
	if err != nil {
		return err
	}
	defer stream.Close()

	if err := stream.Encode(&request{
		Requester: s.nodeID,
		Since:     since,
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if err := stream.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	for {
		var c chunk
		if err := stream.Decode(&c); err != nil {
			return fmt.Errorf("decode: %w", err)
		}
		for _, op := range c.Operations {
			s.apply(op, result)
		}
		if !c.HasMore {
			return nil
		}
	}
}

// apply verifies and merges a received operation, recording the outcome in
// result.
func (s *Syncer) apply(op Operation, result *Result) {
	result.Received++

	e := op.Entry()
	if err := verify(e, time.Now()); err != nil {
		result.Discarded++
		s.metrics.Operations.With(resultLabels("discarded")).Inc()
		s.logger.Debug(
			"discarded operation",
			zap.String("op-id", op.OpID),
			zap.String("db", op.DbName),
			zap.Error(err),
		)
		return
	}

	applied, err := s.store.Put(e)
	if err != nil {
		result.Discarded++
		s.metrics.Operations.With(resultLabels("discarded")).Inc()
		s.logger.Warn(
			"failed to merge operation",
			zap.String("op-id", op.OpID),
			zap.String("db", op.DbName),
			zap.Error(err),
		)
		return
	}

	s.advanceWatermark(op.Timestamp)

	if !applied {
		s.metrics.Operations.With(resultLabels("stale")).Inc()
		return
	}
	result.Merged++
	s.metrics.Operations.With(resultLabels("merged")).Inc()
}

// verify checks the entry is signed by its database owner and isn't from
// the future. Old timestamps are accepted so a full sync can replay history.
func verify(e *storage.Entry, now time.Time) error {
	if err := storage.Verify(e); err != nil {
		return err
	}
	if e.Timestamp > now.Add(identity.MaxTimestampSkew).UnixMilli() {
		return fmt.Errorf("timestamp %d: %w", e.Timestamp, errdefs.ErrTimestampOutOfRange)
	}
	return nil
}

func (s *Syncer) advanceWatermark(ts int64) {
	for {
		w := s.watermark.Load()
		if ts <= w {
			return
		}
		if s.watermark.CompareAndSwap(w, ts) {
			return
		}
	}
}

// targets selects up to MaxTargets random connected peers, or discovered
// peers if no peers are connected.
func (s *Syncer) targets() []registry.Peer {
	peers := s.peers.ConnectedPeers()
	if len(peers) == 0 {
		peers = s.peers.Peers()
	}

	targets := make([]registry.Peer, 0, len(peers))
	for _, p := range peers {
		if p.Address == "" || p.NodeID == s.nodeID {
			continue
		}
		targets = append(targets, p)
	}
	rand.Shuffle(len(targets), func(i, j int) {
		targets[i], targets[j] = targets[j], targets[i]
	})
	if len(targets) > s.config.MaxTargets {
		targets = targets[:s.config.MaxTargets]
	}
	return targets
}
