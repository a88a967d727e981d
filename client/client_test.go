package client

import (
	"context"
	"encoding/hex"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberfly-io/flynode/bridge"
	"github.com/cyberfly-io/flynode/node"
	"github.com/cyberfly-io/flynode/node/storage"
	"github.com/cyberfly-io/flynode/pkg/dbname"
	"github.com/cyberfly-io/flynode/pkg/errdefs"
	"github.com/cyberfly-io/flynode/pkg/identity"
	"github.com/cyberfly-io/flynode/pkg/log"
	"github.com/cyberfly-io/flynode/server/api"
	"github.com/cyberfly-io/flynode/server/config"
)

type testNode struct {
	node   *node.Node
	server *api.Server
	url    string
}

func newTestNode(t *testing.T) *testNode {
	conf := node.DefaultConfig()
	conf.DataDir = t.TempDir()
	conf.Gossip.BindAddr = "127.0.0.1:0"
	conf.Gossip.AnnounceInterval = time.Hour
	conf.Gossip.PeerExpiry = time.Hour * 2
	conf.Gossip.ProbeInterval = time.Hour
	conf.InitialSyncDelay = time.Hour
	conf.SyncInterval = time.Hour
	conf.DrainTimeout = time.Second

	n := node.New(&conf)
	b := bridge.New(n, time.Second*10)

	apiConf := config.Default().API
	server := api.NewServer(b, &apiConf, nil, nil, nil, log.NewNopLogger())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		_ = server.Serve(ln)
	}()

	t.Cleanup(func() {
		_ = server.Shutdown(context.Background())
		b.Close()
		if n.IsRunning() {
			_ = n.Stop(context.Background())
		}
	})

	return &testNode{
		node:   n,
		server: server,
		url:    "http://" + ln.Addr().String(),
	}
}

func newTestClient(t *testing.T, url string) *Client {
	client, err := New(WithURL(url))
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestClient_Node(t *testing.T) {
	n := newTestNode(t)
	client := newTestClient(t, n.url)

	_, err := client.Peers(context.Background())
	assert.ErrorIs(t, err, errdefs.ErrNodeNotRunning)

	info, err := client.Start(context.Background(), api.StartRequest{
		Region: "eu-west",
	})
	require.NoError(t, err)
	assert.Equal(t, "eu-west", info.Region)
	assert.Equal(t, node.StateRunning, info.State)

	s, err := client.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, s.IsRunning)
	assert.Equal(t, info.NodeID, s.NodeID)

	peers, err := client.Peers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, peers)

	_, err = client.Sync(context.Background(), nil)
	assert.ErrorIs(t, err, errdefs.ErrNetworkUnreachable)

	id, err := client.Gossip(context.Background(), "chat", []byte("hello"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = client.Latency(context.Background(), "unknown")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	require.NoError(t, client.Stop(context.Background()))
	assert.False(t, n.node.IsRunning())
}

func TestClient_Data(t *testing.T) {
	n := newTestNode(t)
	client := newTestClient(t, n.url)

	_, err := client.Start(context.Background(), api.StartRequest{})
	require.NoError(t, err)

	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	dbName := dbname.Generate("users", kp.PublicKey)

	t.Run("store", func(t *testing.T) {
		value := []byte(`{"name":"alice"}`)
		sig := kp.Sign(storage.SignedMessage(dbName, "alice", value))
		applied, err := client.Store(context.Background(), node.StoreRequest{
			DbName:    dbName,
			Key:       "alice",
			Value:     value,
			PublicKey: kp.PublicKeyHex(),
			Signature: hex.EncodeToString(sig),
		})
		require.NoError(t, err)
		assert.True(t, applied)

		entry, err := client.Get(context.Background(), dbName, "alice")
		require.NoError(t, err)
		assert.Equal(t, value, entry.Value)
		assert.JSONEq(t, string(value), string(entry.ValueBytes))

		dbs, err := client.Databases(context.Background())
		require.NoError(t, err)
		assert.Contains(t, dbs, dbName)
	})

	t.Run("store invalid signature", func(t *testing.T) {
		sig := kp.Sign(storage.SignedMessage(dbName, "bob", []byte("foo")))
		_, err := client.Store(context.Background(), node.StoreRequest{
			DbName:    dbName,
			Key:       "bob",
			Value:     []byte("bar"),
			PublicKey: kp.PublicKeyHex(),
			Signature: hex.EncodeToString(sig),
		})
		assert.ErrorIs(t, err, errdefs.ErrInvalidSignature)
	})

	t.Run("local", func(t *testing.T) {
		require.NoError(t, client.StoreLocal(context.Background(), "cache", "a/b", []byte("v1")))

		entry, err := client.Get(context.Background(), "cache", "a/b")
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), entry.Value)

		keys, err := client.Keys(context.Background(), "cache")
		require.NoError(t, err)
		assert.Equal(t, []string{"a/b"}, keys)

		require.NoError(t, client.Delete(context.Background(), "cache", "a/b"))
		_, err = client.Get(context.Background(), "cache", "a/b")
		assert.ErrorIs(t, err, errdefs.ErrNotFound)
	})

	t.Run("entries", func(t *testing.T) {
		for _, key := range []string{"k1", "k2"} {
			require.NoError(t, client.StoreLocal(context.Background(), "entries", key, []byte(key)))
		}

		var keys []string
		err := client.Entries(context.Background(), "entries", func(e bridge.DbEntry) error {
			keys = append(keys, e.Key)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"k1", "k2"}, keys)

		var all int
		err = client.Entries(context.Background(), "", func(e bridge.DbEntry) error {
			all++
			return nil
		})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, all, 3)
	})

	t.Run("entries stop", func(t *testing.T) {
		errStop := errors.New("stop")
		var calls int
		err := client.Entries(context.Background(), "", func(e bridge.DbEntry) error {
			calls++
			return errStop
		})
		assert.ErrorIs(t, err, errStop)
		assert.Equal(t, 1, calls)
	})
}

func TestClient_Subscribe(t *testing.T) {
	t.Run("events", func(t *testing.T) {
		n := newTestNode(t)
		client := newTestClient(t, n.url)

		sub, err := client.Subscribe(context.Background())
		require.NoError(t, err)
		defer sub.Close()

		_, err = client.Start(context.Background(), api.StartRequest{})
		require.NoError(t, err)

		select {
		case e := <-sub.C():
			assert.Equal(t, node.EventStarted, e.Type)
		case <-time.After(time.Second * 5):
			t.Fatal("timeout")
		}

		require.NoError(t, client.Stop(context.Background()))

		select {
		case e := <-sub.C():
			assert.Equal(t, node.EventStopped, e.Type)
		case <-time.After(time.Second * 5):
			t.Fatal("timeout")
		}
	})

	t.Run("close", func(t *testing.T) {
		n := newTestNode(t)
		client := newTestClient(t, n.url)

		sub, err := client.Subscribe(context.Background())
		require.NoError(t, err)
		sub.Close()

		_, ok := <-sub.C()
		assert.False(t, ok)
		assert.NoError(t, sub.Err())
	})

	t.Run("cancelled", func(t *testing.T) {
		// Nothing listening on the port, so connect retries until
		// cancelled.
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		url := "http://" + ln.Addr().String()
		ln.Close()

		client := newTestClient(t, url)

		ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*200)
		defer cancel()
		_, err = client.Subscribe(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestNew(t *testing.T) {
	_, err := New(WithURL("ftp://localhost"))
	assert.Error(t, err)

	client, err := New()
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8101/v1/events", client.eventsURL())
}
