package node

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberfly-io/flynode/node/storage"
	"github.com/cyberfly-io/flynode/pkg/dbname"
	"github.com/cyberfly-io/flynode/pkg/errdefs"
	"github.com/cyberfly-io/flynode/pkg/identity"
)

func testConfig(t *testing.T) *Config {
	config := DefaultConfig()
	config.DataDir = t.TempDir()
	config.Gossip.BindAddr = "127.0.0.1:0"
	config.Gossip.AnnounceInterval = time.Hour
	config.Gossip.PeerExpiry = time.Hour * 2
	config.Gossip.ProbeInterval = time.Hour
	config.InitialSyncDelay = time.Hour
	config.SyncInterval = time.Hour
	config.DrainTimeout = time.Second
	return &config
}

func startNode(t *testing.T, config *Config, opts StartOptions) *Node {
	n := New(config)
	require.NoError(t, n.Start(context.Background(), opts))
	t.Cleanup(func() {
		if n.IsRunning() {
			assert.NoError(t, n.Stop(context.Background()))
		}
	})
	return n
}

func signedRequest(t *testing.T, kp *identity.KeyPair, name, key, value string) StoreRequest {
	dbName := dbname.Generate(name, kp.PublicKey)
	sig := kp.Sign(storage.SignedMessage(dbName, key, []byte(value)))
	return StoreRequest{
		DbName:    dbName,
		Key:       key,
		Value:     []byte(value),
		PublicKey: kp.PublicKeyHex(),
		Signature: hex.EncodeToString(sig),
	}
}

func TestNode_Lifecycle(t *testing.T) {
	t.Run("fresh start", func(t *testing.T) {
		config := testConfig(t)
		n := startNode(t, config, StartOptions{})

		status := n.Status()
		assert.True(t, status.IsRunning)
		assert.Equal(t, 0, status.ConnectedPeers)
		assert.Equal(t, 0, status.DiscoveredPeers)
		assert.NotEmpty(t, status.NodeID)

		info := n.Info()
		assert.Equal(t, status.NodeID, info.NodeID)
		assert.Equal(t, StateRunning, info.State)
		assert.NotEmpty(t, info.Address)
		assert.NotNil(t, info.StartedAt)

		// The generated key is persisted.
		_, err := os.Stat(filepath.Join(config.DataDir, secretKeyFile))
		assert.NoError(t, err)
	})

	t.Run("restart keeps identity", func(t *testing.T) {
		config := testConfig(t)
		n := New(config)

		require.NoError(t, n.Start(context.Background(), StartOptions{}))
		nodeID := n.Status().NodeID
		require.NoError(t, n.Stop(context.Background()))

		status := n.Status()
		assert.False(t, status.IsRunning)
		assert.Equal(t, nodeID, status.NodeID)
		assert.Equal(t, StateStopped, n.Info().State)

		require.NoError(t, n.Start(context.Background(), StartOptions{}))
		assert.Equal(t, nodeID, n.Status().NodeID)
		require.NoError(t, n.Stop(context.Background()))
	})

	t.Run("secret key", func(t *testing.T) {
		kp, err := identity.GenerateKeyPair()
		require.NoError(t, err)
		expected, err := kp.PeerID()
		require.NoError(t, err)

		n := startNode(t, testConfig(t), StartOptions{
			SecretKey: kp.SecretKey,
			Region:    "eu-west",
		})
		info := n.Info()
		assert.Equal(t, expected.String(), info.NodeID)
		assert.Equal(t, kp.PublicKeyHex(), info.PublicKey)
		assert.Equal(t, "eu-west", info.Region)
	})

	t.Run("invalid secret key", func(t *testing.T) {
		n := New(testConfig(t))
		err := n.Start(context.Background(), StartOptions{
			SecretKey: []byte("short"),
		})
		assert.ErrorIs(t, err, errdefs.ErrInvalidKeyFormat)
		assert.False(t, n.IsRunning())
	})

	t.Run("already running", func(t *testing.T) {
		n := startNode(t, testConfig(t), StartOptions{})
		assert.ErrorIs(t, n.Start(context.Background(), StartOptions{}), errdefs.ErrAlreadyRunning)
	})

	t.Run("not running", func(t *testing.T) {
		n := New(testConfig(t))

		assert.ErrorIs(t, n.Stop(context.Background()), errdefs.ErrNodeNotRunning)

		_, err := n.GetData(context.Background(), "db", "key")
		assert.ErrorIs(t, err, errdefs.ErrNodeNotRunning)
		assert.ErrorIs(t, n.StoreDataLocal(context.Background(), "db", "key", nil), errdefs.ErrNodeNotRunning)
		_, err = n.RequestSync(context.Background(), nil)
		assert.ErrorIs(t, err, errdefs.ErrNodeNotRunning)
		_, err = n.SendGossip(context.Background(), "topic", nil)
		assert.ErrorIs(t, err, errdefs.ErrNodeNotRunning)
		_, err = n.Databases()
		assert.ErrorIs(t, err, errdefs.ErrNodeNotRunning)

		assert.False(t, n.Status().IsRunning)
		assert.Nil(t, n.Peers())
	})

	t.Run("storage open failed", func(t *testing.T) {
		dir := t.TempDir()
		file := filepath.Join(dir, "file")
		require.NoError(t, os.WriteFile(file, []byte("foo"), 0o600))

		config := testConfig(t)
		config.DataDir = filepath.Join(file, "data")
		n := New(config)
		err := n.Start(context.Background(), StartOptions{})
		assert.ErrorIs(t, err, errdefs.ErrStorageOpenFailed)
		assert.Equal(t, StateStopped, n.State())
	})

	t.Run("events", func(t *testing.T) {
		n := New(testConfig(t))
		events, unsubscribe := n.Subscribe(16)
		defer unsubscribe()

		require.NoError(t, n.Start(context.Background(), StartOptions{}))
		require.NoError(t, n.Stop(context.Background()))

		e := <-events
		assert.Equal(t, EventStarted, e.Type)
		e = <-events
		assert.Equal(t, EventStopped, e.Type)
	})
}

func TestNode_StoreData(t *testing.T) {
	n := startNode(t, testConfig(t), StartOptions{})

	owner, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	other, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	t.Run("ok", func(t *testing.T) {
		req := signedRequest(t, owner, "mydb", "key", "value")
		applied, err := n.StoreData(context.Background(), req)
		require.NoError(t, err)
		assert.True(t, applied)

		e, err := n.GetData(context.Background(), req.DbName, "key")
		require.NoError(t, err)
		assert.Equal(t, []byte("value"), e.Value)
		assert.Equal(t, owner.PublicKeyHex(), e.PublicKey)
		assert.False(t, e.Local)
	})

	t.Run("signed by other key", func(t *testing.T) {
		req := signedRequest(t, owner, "mydb", "forged", "value")
		sig := other.Sign(storage.SignedMessage(req.DbName, req.Key, req.Value))
		req.Signature = hex.EncodeToString(sig)

		_, err := n.StoreData(context.Background(), req)
		assert.ErrorIs(t, err, errdefs.ErrInvalidSignature)

		_, err = n.GetData(context.Background(), req.DbName, "forged")
		assert.ErrorIs(t, err, errdefs.ErrNotFound)
	})

	t.Run("not owner", func(t *testing.T) {
		// Signed correctly by other, but the database is owned by owner.
		req := signedRequest(t, other, "mydb", "forged", "value")
		req.DbName = dbname.Generate("mydb", owner.PublicKey)
		sig := other.Sign(storage.SignedMessage(req.DbName, req.Key, req.Value))
		req.Signature = hex.EncodeToString(sig)

		_, err := n.StoreData(context.Background(), req)
		assert.ErrorIs(t, err, errdefs.ErrUnauthorized)

		_, err = n.GetData(context.Background(), req.DbName, "forged")
		assert.ErrorIs(t, err, errdefs.ErrNotFound)
	})

	t.Run("tampered value", func(t *testing.T) {
		req := signedRequest(t, owner, "mydb", "tampered", "value")
		req.Value = []byte("other")

		_, err := n.StoreData(context.Background(), req)
		assert.ErrorIs(t, err, errdefs.ErrInvalidSignature)
	})

	t.Run("payload too large", func(t *testing.T) {
		value := string(make([]byte, 2<<20))
		req := signedRequest(t, owner, "mydb", "large", value)

		_, err := n.StoreData(context.Background(), req)
		assert.ErrorIs(t, err, errdefs.ErrPayloadTooLarge)
	})

	t.Run("timestamp out of range", func(t *testing.T) {
		req := signedRequest(t, owner, "mydb", "old", "value")
		req.Timestamp = time.Now().Add(-time.Hour * 2).UnixMilli()

		_, err := n.StoreData(context.Background(), req)
		assert.ErrorIs(t, err, errdefs.ErrTimestampOutOfRange)
	})

	t.Run("last write wins", func(t *testing.T) {
		now := time.Now()
		older := signedRequest(t, owner, "mydb", "lww", "older")
		older.Timestamp = now.Add(-time.Second).UnixMilli()
		newer := signedRequest(t, owner, "mydb", "lww", "newer")
		newer.Timestamp = now.UnixMilli()

		applied, err := n.StoreData(context.Background(), newer)
		require.NoError(t, err)
		assert.True(t, applied)

		applied, err = n.StoreData(context.Background(), older)
		require.NoError(t, err)
		assert.False(t, applied)

		e, err := n.GetData(context.Background(), newer.DbName, "lww")
		require.NoError(t, err)
		assert.Equal(t, []byte("newer"), e.Value)
	})
}

func TestNode_StoreDataLocal(t *testing.T) {
	n := startNode(t, testConfig(t), StartOptions{})
	ctx := context.Background()

	require.NoError(t, n.StoreDataLocal(ctx, "local", "k1", []byte("v1")))
	require.NoError(t, n.StoreDataLocal(ctx, "local", "k2", []byte("v2")))

	e, err := n.GetData(ctx, "local", "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), e.Value)
	assert.True(t, e.Local)

	dbs, err := n.Databases()
	require.NoError(t, err)
	assert.Equal(t, []string{"local"}, dbs)

	keys, err := n.Keys("local")
	require.NoError(t, err)
	assert.Equal(t, []string{"k1", "k2"}, keys)

	it, err := n.AllEntries(ctx)
	require.NoError(t, err)
	var values []string
	for it.Next() {
		values = append(values, string(it.Entry().Value))
	}
	require.NoError(t, it.Err())
	it.Close()
	assert.Equal(t, []string{"v1", "v2"}, values)

	status := n.Status()
	assert.Equal(t, int64(2), status.TotalKeys)
	assert.Greater(t, status.StorageSizeBytes, int64(0))

	require.NoError(t, n.DeleteData(ctx, "local", "k1"))
	_, err = n.GetData(ctx, "local", "k1")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	// Deleting a missing key succeeds.
	require.NoError(t, n.DeleteData(ctx, "local", "k1"))

	err = n.StoreDataLocal(ctx, "local", "large", make([]byte, 2<<20))
	assert.ErrorIs(t, err, errdefs.ErrPayloadTooLarge)
}

func TestNode_SendGossip(t *testing.T) {
	n := startNode(t, testConfig(t), StartOptions{})

	_, err := n.SendGossip(context.Background(), "_sync", []byte("foo"))
	assert.ErrorIs(t, err, errdefs.ErrUnauthorized)

	_, err = n.SendGossip(context.Background(), "topic", make([]byte, 2<<20))
	assert.ErrorIs(t, err, errdefs.ErrPayloadTooLarge)

	// Publishing with no peers succeeds.
	id, err := n.SendGossip(context.Background(), "topic", []byte("foo"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = n.RequestSync(context.Background(), nil)
	assert.ErrorIs(t, err, errdefs.ErrNetworkUnreachable)
}

func TestNode_Network(t *testing.T) {
	n1 := startNode(t, testConfig(t), StartOptions{})
	events, unsubscribe := n1.Subscribe(64)
	defer unsubscribe()

	n2 := startNode(t, testConfig(t), StartOptions{
		BootstrapPeers: []string{n1.Info().Address},
	})

	n1ID := n1.Status().NodeID
	n2ID := n2.Status().NodeID

	require.Eventually(t, func() bool {
		return n2.Status().ConnectedPeers == 1 && n1.Status().DiscoveredPeers == 1
	}, time.Second*5, time.Millisecond*10)

	peers := n2.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, n1ID, peers[0].NodeID)

	owner, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	t.Run("push", func(t *testing.T) {
		req := signedRequest(t, owner, "mydb", "pushed", "value")
		_, err := n1.StoreData(context.Background(), req)
		require.NoError(t, err)

		assert.Eventually(t, func() bool {
			e, err := n2.GetData(context.Background(), req.DbName, "pushed")
			return err == nil && string(e.Value) == "value"
		}, time.Second*5, time.Millisecond*10)
	})

	t.Run("sync", func(t *testing.T) {
		result, err := n2.RequestSync(context.Background(), nil)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Succeeded)
		assert.Equal(t, 1, result.Received)
		assert.Equal(t, int64(1), n2.Status().SyncOperations)
	})

	t.Run("gossip", func(t *testing.T) {
		_, err := n2.SendGossip(context.Background(), "chat", []byte("hello"))
		require.NoError(t, err)

		timeout := time.After(time.Second * 5)
		for {
			select {
			case e := <-events:
				if e.Type != EventGossipReceived {
					continue
				}
				assert.Equal(t, n2ID, e.NodeID)
				assert.Equal(t, "chat", e.Gossip.Topic)
				assert.Equal(t, []byte("hello"), e.Gossip.Payload)
				return
			case <-timeout:
				t.Fatal("gossip not received")
			}
		}
	})

	t.Run("latency", func(t *testing.T) {
		latency, err := n2.SendLatencyRequest(context.Background(), n1ID)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, latency, time.Duration(0))

		status := n2.Status()
		assert.Equal(t, int64(1), status.LatencyRequestsSent)
		assert.Equal(t, int64(1), status.LatencyResponsesReceived)

		_, err = n2.SendLatencyRequest(context.Background(), "unknown")
		assert.ErrorIs(t, err, errdefs.ErrNotFound)
	})
}
