package node

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/cyberfly-io/flynode/node/gossip"
	"github.com/cyberfly-io/flynode/node/registry"
	"github.com/cyberfly-io/flynode/node/storage"
	"github.com/cyberfly-io/flynode/node/syncer"
	"github.com/cyberfly-io/flynode/pkg/errdefs"
	"github.com/cyberfly-io/flynode/pkg/identity"
	"github.com/cyberfly-io/flynode/pkg/status"
)

// StoreRequest is a signed write to a database owned by PublicKey.
type StoreRequest struct {
	DbName string `json:"db_name"`
	Key    string `json:"key"`
	Value  []byte `json:"value"`

	// PublicKey is the hex encoded public key of the database owner.
	PublicKey string `json:"public_key"`

	// Signature is the hex encoded signature by the owner of either the
	// signed message (db_name:key:value) or, if OpID and Timestamp are set,
	// the operation message.
	Signature string `json:"signature"`

	// Timestamp is the write time in milliseconds since the epoch. If zero
	// the current time is used.
	Timestamp int64 `json:"timestamp,omitempty"`

	// OpID identifies the write. If empty a random ID is generated.
	OpID string `json:"op_id,omitempty"`
}

// StoreData verifies and writes a signed entry, then pushes the write to
// peers.
//
// The write is rejected with errdefs.ErrPayloadTooLarge if the value exceeds
// storage.MaxValueSize, errdefs.ErrUnauthorized if the database isn't owned
// by the public key, or errdefs.ErrInvalidSignature if the signature doesn't
// match. Rejected writes leave the storage unchanged.
//
// Returns whether the write was applied. A write older than the existing
// entry for the key isn't applied.
func (n *Node) StoreData(ctx context.Context, req StoreRequest) (bool, error) {
	rt, err := n.acquire()
	if err != nil {
		return false, err
	}
	defer rt.inflight.Done()

	applied, err := n.storeData(ctx, rt, req)
	n.observe("store_data", err)
	return applied, err
}

func (n *Node) storeData(ctx context.Context, rt *runtime, req StoreRequest) (bool, error) {
	if len(req.Value) > storage.MaxValueSize {
		return false, fmt.Errorf("value size %d: %w", len(req.Value), errdefs.ErrPayloadTooLarge)
	}

	ts := req.Timestamp
	if ts != 0 {
		if err := identity.ValidateTimestamp(ts); err != nil {
			return false, err
		}
	} else {
		ts = time.Now().UnixMilli()
	}
	opID := req.OpID
	if opID == "" {
		opID = uuid.New().String()
	}

	e := &storage.Entry{
		DbName:    req.DbName,
		Key:       req.Key,
		Value:     req.Value,
		PublicKey: req.PublicKey,
		Signature: req.Signature,
		Timestamp: ts,
		OpID:      opID,
	}
	if err := storage.Verify(e); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, errdefs.Timeout(err)
	}

	applied, err := rt.storage.Put(e)
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}

	payload, err := syncer.EncodeOperation(syncer.OperationFromEntry(e))
	if err == nil {
		_, err = rt.gossip.Publish(syncTopic, payload)
	}
	if err != nil {
		// The write is stored and will reach peers on their next sync.
		n.logger.Warn(
			"failed to push operation",
			zap.String("db", e.DbName),
			zap.String("key", e.Key),
			zap.Error(err),
		)
	}
	return true, nil
}

// StoreDataLocal writes an unsigned entry that is never replicated to
// peers.
func (n *Node) StoreDataLocal(ctx context.Context, dbName, key string, value []byte) error {
	rt, err := n.acquire()
	if err != nil {
		return err
	}
	defer rt.inflight.Done()

	err = n.storeDataLocal(ctx, rt, dbName, key, value)
	n.observe("store_data_local", err)
	return err
}

func (n *Node) storeDataLocal(ctx context.Context, rt *runtime, dbName, key string, value []byte) error {
	if len(value) > storage.MaxValueSize {
		return fmt.Errorf("value size %d: %w", len(value), errdefs.ErrPayloadTooLarge)
	}
	if err := ctx.Err(); err != nil {
		return errdefs.Timeout(err)
	}

	_, err := rt.storage.Put(&storage.Entry{
		DbName:    dbName,
		Key:       key,
		Value:     value,
		Timestamp: time.Now().UnixMilli(),
		OpID:      uuid.New().String(),
		Local:     true,
	})
	return err
}

// GetData returns the entry with the given key, or errdefs.ErrNotFound.
func (n *Node) GetData(ctx context.Context, dbName, key string) (*storage.Entry, error) {
	rt, err := n.acquire()
	if err != nil {
		return nil, err
	}
	defer rt.inflight.Done()

	if err := ctx.Err(); err != nil {
		return nil, errdefs.Timeout(err)
	}
	e, err := rt.storage.Get(dbName, key)
	n.observe("get_data", err)
	return e, err
}

// DeleteData removes the entry with the given key from the local storage.
// Deleting a missing key succeeds.
func (n *Node) DeleteData(ctx context.Context, dbName, key string) error {
	rt, err := n.acquire()
	if err != nil {
		return err
	}
	defer rt.inflight.Done()

	if err := ctx.Err(); err != nil {
		return errdefs.Timeout(err)
	}
	err = rt.storage.Delete(dbName, key)
	n.observe("delete_data", err)
	return err
}

// EntryIterator iterates over a snapshot of entries. The node waits for open
// iterators when stopping, so the iterator must be closed once done.
type EntryIterator struct {
	*storage.Iterator

	release func()
}

func (i *EntryIterator) Close() {
	i.Iterator.Close()
	i.release()
}

// Entries returns an iterator over the entries in the database, ordered by
// key.
func (n *Node) Entries(ctx context.Context, dbName string) (*EntryIterator, error) {
	return n.iterate(ctx, "get_all_entries", func(s *storage.Storage) (*storage.Iterator, error) {
		return s.Entries(dbName)
	})
}

// AllEntries returns an iterator over the entries in every database,
// ordered by database then key.
func (n *Node) AllEntries(ctx context.Context) (*EntryIterator, error) {
	return n.iterate(ctx, "get_all_data", func(s *storage.Storage) (*storage.Iterator, error) {
		return s.AllEntries()
	})
}

func (n *Node) iterate(
	ctx context.Context,
	op string,
	f func(s *storage.Storage) (*storage.Iterator, error),
) (*EntryIterator, error) {
	rt, err := n.acquire()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		rt.inflight.Done()
		return nil, errdefs.Timeout(err)
	}

	it, err := f(rt.storage)
	n.observe(op, err)
	if err != nil {
		rt.inflight.Done()
		return nil, err
	}
	released := false
	return &EntryIterator{
		Iterator: it,
		release: func() {
			if !released {
				released = true
				rt.inflight.Done()
			}
		},
	}, nil
}

// Databases returns the names of the databases with at least one entry.
func (n *Node) Databases() ([]string, error) {
	rt, err := n.acquire()
	if err != nil {
		return nil, err
	}
	defer rt.inflight.Done()

	return rt.storage.Databases(), nil
}

// Keys returns the keys in the database.
func (n *Node) Keys(dbName string) ([]string, error) {
	rt, err := n.acquire()
	if err != nil {
		return nil, err
	}
	defer rt.inflight.Done()

	return rt.storage.Keys(dbName)
}

// RequestSync requests the operations with a timestamp greater than since
// from peers, or all operations if since is nil, and merges them into the
// local storage.
func (n *Node) RequestSync(ctx context.Context, since *int64) (syncer.Result, error) {
	rt, err := n.acquire()
	if err != nil {
		return syncer.Result{}, err
	}
	defer rt.inflight.Done()

	ctx, cancel := withRuntime(ctx, rt)
	defer cancel()

	result, err := rt.syncer.RequestSync(ctx, since)
	n.observe("request_sync", err)
	return result, err
}

// SendGossip publishes the message on the topic to peers. Delivery is best
// effort.
//
// Returns the ID of the published message.
func (n *Node) SendGossip(ctx context.Context, topic string, message []byte) (string, error) {
	rt, err := n.acquire()
	if err != nil {
		return "", err
	}
	defer rt.inflight.Done()

	id, err := n.sendGossip(ctx, rt, topic, message)
	n.observe("send_gossip", err)
	return id, err
}

func (n *Node) sendGossip(ctx context.Context, rt *runtime, topic string, message []byte) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("missing topic")
	}
	if strings.HasPrefix(topic, gossip.InternalTopicPrefix) {
		return "", fmt.Errorf("topic %s is reserved: %w", topic, errdefs.ErrUnauthorized)
	}
	if len(message) > storage.MaxValueSize {
		return "", fmt.Errorf("message size %d: %w", len(message), errdefs.ErrPayloadTooLarge)
	}
	if err := ctx.Err(); err != nil {
		return "", errdefs.Timeout(err)
	}
	return rt.gossip.Publish(topic, message)
}

// SendLatencyRequest measures the latency to the peer, returning
// errdefs.ErrTimeout if the peer doesn't respond in time.
func (n *Node) SendLatencyRequest(ctx context.Context, nodeID string) (time.Duration, error) {
	rt, err := n.acquire()
	if err != nil {
		return 0, err
	}
	defer rt.inflight.Done()

	ctx, cancel := withRuntime(ctx, rt)
	defer cancel()

	latency, err := rt.gossip.SendLatencyRequest(ctx, nodeID)
	n.observe("send_latency_request", err)
	return latency, err
}

// Peers returns the known peers that haven't expired, or nil if the node
// isn't running.
func (n *Node) Peers() []registry.Peer {
	rt := n.current()
	if rt == nil {
		return nil
	}
	return rt.registry.Peers()
}

// Peer returns the known state of the peer, or false if the peer is unknown
// or the node isn't running.
func (n *Node) Peer(nodeID string) (registry.Peer, bool) {
	rt := n.current()
	if rt == nil {
		return registry.Peer{}, false
	}
	return rt.registry.Peer(nodeID)
}

func (n *Node) observe(op string, err error) {
	n.metrics.Operations.With(operationLabels(op, err)).Inc()
}

// withRuntime returns a context that is cancelled when either ctx or the
// runtime context is cancelled, so blocking operations return when the node
// stops.
func withRuntime(ctx context.Context, rt *runtime) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(rt.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func operationLabels(op string, err error) prometheus.Labels {
	result := "ok"
	if err != nil {
		result = status.KindOf(err)
	}
	return prometheus.Labels{
		"op":     op,
		"result": result,
	}
}
