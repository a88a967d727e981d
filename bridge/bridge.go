// Package bridge exposes a node to an embedding host application.
//
// Keys, signatures and database owners cross the boundary hex encoded.
// Operations that don't touch the node return immediately, while node
// operations return a Future or a Stream so the host never blocks on network
// or storage I/O.
package bridge

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cyberfly-io/flynode/node"
	"github.com/cyberfly-io/flynode/node/registry"
	"github.com/cyberfly-io/flynode/node/storage"
	"github.com/cyberfly-io/flynode/node/syncer"
	"github.com/cyberfly-io/flynode/pkg/dbname"
	"github.com/cyberfly-io/flynode/pkg/identity"
)

const (
	// DefaultTimeout is the default deadline of node operations.
	DefaultTimeout = time.Minute

	streamBuffer = 64
)

// KeyPair is a hex encoded ed25519 key pair.
type KeyPair struct {
	PublicKey string `json:"public_key"`
	SecretKey string `json:"secret_key"`
}

// DbEntry is a stored entry as returned to the host.
type DbEntry struct {
	DbName string `json:"db_name"`
	Key    string `json:"key"`
	Value  []byte `json:"value"`

	// ValueBytes is the value as a JSON document, or nil if the value isn't
	// valid JSON.
	ValueBytes json.RawMessage `json:"value_bytes,omitempty"`

	PublicKey string `json:"public_key,omitempty"`
	Signature string `json:"signature,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func dbEntry(e *storage.Entry) DbEntry {
	return DbEntry{
		DbName:     e.DbName,
		Key:        e.Key,
		Value:      e.Value,
		ValueBytes: e.Structured(),
		PublicKey:  e.PublicKey,
		Signature:  e.Signature,
		Timestamp:  e.Timestamp,
	}
}

// Bridge runs node operations asynchronously.
type Bridge struct {
	node    *node.Node
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// New returns a bridge to the given node. Each operation is bounded by
// timeout, or DefaultTimeout if zero.
func New(n *node.Node, timeout time.Duration) *Bridge {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		node:    n,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Close cancels all outstanding operations.
func (b *Bridge) Close() {
	b.cancel()
}

func GenerateKeyPair() (KeyPair, error) {
	kp, err := identity.GenerateKeyPair()
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{
		PublicKey: kp.PublicKeyHex(),
		SecretKey: kp.SecretKeyHex(),
	}, nil
}

func GeneratePeerIDFromSecretKey(secretKey string) (string, error) {
	b, err := identity.ParseSecretKey(secretKey)
	if err != nil {
		return "", err
	}
	id, err := identity.PeerIDFromSecretKey(b)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// SignMessageWithKey returns the hex encoded signature of message.
func SignMessageWithKey(secretKey string, message []byte) (string, error) {
	b, err := identity.ParseSecretKey(secretKey)
	if err != nil {
		return "", err
	}
	sig, err := identity.Sign(b, message)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig), nil
}

// VerifyMessageSignature returns whether signature is a valid signature of
// message by publicKey. Malformed inputs don't verify.
func VerifyMessageSignature(publicKey string, message []byte, signature string) bool {
	return identity.VerifyHex(publicKey, message, signature)
}

func GenerateDbName(name string, publicKey string) (string, error) {
	pub, err := identity.ParsePublicKey(publicKey)
	if err != nil {
		return "", err
	}
	return dbname.Generate(name, pub), nil
}

func ExtractNameFromDb(dbName string) (string, error) {
	return dbname.Extract(dbName)
}

func VerifyDbName(dbName string, publicKey string) bool {
	return dbname.VerifyHex(dbName, publicKey)
}

// ValidateTimestamp checks the timestamp, in milliseconds since the epoch,
// is within the accepted clock skew window.
func ValidateTimestamp(ts int64) error {
	return identity.ValidateTimestamp(ts)
}

// StartNode starts the node. secretKey is the hex encoded node key, or empty
// to use the key in the data directory.
func (b *Bridge) StartNode(
	dataDir string,
	secretKey string,
	bootstrapPeers []string,
	region string,
) *Future[struct{}] {
	var key []byte
	if secretKey != "" {
		var err error
		key, err = identity.ParseSecretKey(secretKey)
		if err != nil {
			return Resolved(struct{}{}, err)
		}
	}

	return run(b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, b.node.Start(ctx, node.StartOptions{
			DataDir:        dataDir,
			SecretKey:      key,
			BootstrapPeers: bootstrapPeers,
			Region:         region,
		})
	})
}

func (b *Bridge) StopNode() *Future[struct{}] {
	return run(b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, b.node.Stop(ctx)
	})
}

func (b *Bridge) IsNodeRunning() bool {
	return b.node.IsRunning()
}

func (b *Bridge) GetNodeStatus() node.Status {
	return b.node.Status()
}

func (b *Bridge) GetNodeInfo() node.Info {
	return b.node.Info()
}

func (b *Bridge) GetPeers() []registry.Peer {
	return b.node.Peers()
}

// StoreData writes a value signed by the database owner. The future resolves
// to whether the write was applied.
func (b *Bridge) StoreData(
	dbName string,
	key string,
	value []byte,
	publicKey string,
	signature string,
) *Future[bool] {
	return b.Store(node.StoreRequest{
		DbName:    dbName,
		Key:       key,
		Value:     value,
		PublicKey: publicKey,
		Signature: signature,
	})
}

// Store is StoreData with an explicit timestamp and operation ID.
func (b *Bridge) Store(req node.StoreRequest) *Future[bool] {
	return run(b, func(ctx context.Context) (bool, error) {
		return b.node.StoreData(ctx, req)
	})
}

func (b *Bridge) StoreDataLocal(dbName string, key string, value []byte) *Future[struct{}] {
	return run(b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, b.node.StoreDataLocal(ctx, dbName, key, value)
	})
}

func (b *Bridge) GetData(dbName string, key string) *Future[DbEntry] {
	return run(b, func(ctx context.Context) (DbEntry, error) {
		e, err := b.node.GetData(ctx, dbName, key)
		if err != nil {
			return DbEntry{}, err
		}
		return dbEntry(e), nil
	})
}

func (b *Bridge) DeleteData(dbName string, key string) *Future[struct{}] {
	return run(b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, b.node.DeleteData(ctx, dbName, key)
	})
}

// GetAllData streams the entries in every database.
func (b *Bridge) GetAllData() *Stream[DbEntry] {
	return b.entries(func(ctx context.Context) (*node.EntryIterator, error) {
		return b.node.AllEntries(ctx)
	})
}

// GetAllEntries streams the entries in the database.
func (b *Bridge) GetAllEntries(dbName string) *Stream[DbEntry] {
	return b.entries(func(ctx context.Context) (*node.EntryIterator, error) {
		return b.node.Entries(ctx, dbName)
	})
}

func (b *Bridge) ListDatabases() ([]string, error) {
	return b.node.Databases()
}

func (b *Bridge) ListKeys(dbName string) ([]string, error) {
	return b.node.Keys(dbName)
}

// RequestSync requests operations newer than since from peers, or all
// operations if since is nil.
func (b *Bridge) RequestSync(since *int64) *Future[syncer.Result] {
	return run(b, func(ctx context.Context) (syncer.Result, error) {
		return b.node.RequestSync(ctx, since)
	})
}

// SendGossip publishes a message, resolving to the message ID.
func (b *Bridge) SendGossip(topic string, message []byte) *Future[string] {
	return run(b, func(ctx context.Context) (string, error) {
		return b.node.SendGossip(ctx, topic, message)
	})
}

// SendLatencyRequest measures the latency to the peer, resolving to the
// latency in milliseconds.
func (b *Bridge) SendLatencyRequest(peerID string) *Future[int64] {
	return run(b, func(ctx context.Context) (int64, error) {
		latency, err := b.node.SendLatencyRequest(ctx, peerID)
		if err != nil {
			return 0, err
		}
		return latency.Milliseconds(), nil
	})
}

// Subscribe returns a stream of node events, which ends when the stream or
// the bridge is closed.
func (b *Bridge) Subscribe() *Stream[node.Event] {
	events, unsubscribe := b.node.Subscribe(streamBuffer)
	return newStream(b.ctx, streamBuffer, func(ctx context.Context, send func(node.Event) bool) error {
		defer unsubscribe()

		for {
			select {
			case e := <-events:
				if !send(e) {
					return nil
				}
			case <-ctx.Done():
				return nil
			}
		}
	})
}

func (b *Bridge) entries(
	open func(ctx context.Context) (*node.EntryIterator, error),
) *Stream[DbEntry] {
	ctx, cancel := context.WithTimeout(b.ctx, b.timeout)
	return newStream(ctx, streamBuffer, func(ctx context.Context, send func(DbEntry) bool) error {
		defer cancel()

		it, err := open(ctx)
		if err != nil {
			return err
		}
		defer it.Close()

		for it.Next() {
			if !send(dbEntry(it.Entry())) {
				return fmt.Errorf("stream closed: %w", ctx.Err())
			}
		}
		return it.Err()
	})
}

func run[T any](b *Bridge, f func(ctx context.Context) (T, error)) *Future[T] {
	return Go(func() (T, error) {
		ctx, cancel := context.WithTimeout(b.ctx, b.timeout)
		defer cancel()
		return f(ctx)
	})
}
