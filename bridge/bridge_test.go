package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberfly-io/flynode/node"
	"github.com/cyberfly-io/flynode/node/storage"
	"github.com/cyberfly-io/flynode/pkg/errdefs"
)

func testBridge(t *testing.T) *Bridge {
	config := node.DefaultConfig()
	config.DataDir = t.TempDir()
	config.Gossip.BindAddr = "127.0.0.1:0"
	config.Gossip.AnnounceInterval = time.Hour
	config.Gossip.PeerExpiry = time.Hour * 2
	config.Gossip.ProbeInterval = time.Hour
	config.InitialSyncDelay = time.Hour
	config.SyncInterval = time.Hour

	b := New(node.New(&config), time.Second*10)
	t.Cleanup(func() {
		if b.IsNodeRunning() {
			_, err := b.StopNode().Wait(context.Background())
			assert.NoError(t, err)
		}
		b.Close()
	})
	return b
}

func TestFuture(t *testing.T) {
	t.Run("wait", func(t *testing.T) {
		f := Go(func() (int, error) {
			return 5, nil
		})
		v, err := f.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 5, v)
	})

	t.Run("then", func(t *testing.T) {
		f := Go(func() (int, error) {
			return 0, errdefs.ErrTimeout
		})

		ch := make(chan error, 1)
		f.Then(func(_ int, err error) {
			ch <- err
		})
		assert.ErrorIs(t, <-ch, errdefs.ErrTimeout)
	})

	t.Run("wait cancelled", func(t *testing.T) {
		block := make(chan struct{})
		defer close(block)
		f := Go(func() (int, error) {
			<-block
			return 0, nil
		})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := f.Wait(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestStream(t *testing.T) {
	t.Run("collect", func(t *testing.T) {
		s := newStream(context.Background(), 0, func(_ context.Context, send func(int) bool) error {
			for i := 0; i != 3; i++ {
				send(i)
			}
			return nil
		})
		values, err := s.Collect()
		require.NoError(t, err)
		assert.Equal(t, []int{0, 1, 2}, values)
	})

	t.Run("error", func(t *testing.T) {
		s := newStream(context.Background(), 0, func(_ context.Context, send func(int) bool) error {
			send(1)
			return errors.New("failed")
		})
		values, err := s.Collect()
		assert.EqualError(t, err, "failed")
		assert.Equal(t, []int{1}, values)
	})

	t.Run("close", func(t *testing.T) {
		done := make(chan struct{})
		s := newStream(context.Background(), 0, func(_ context.Context, send func(int) bool) error {
			defer close(done)
			for i := 0; ; i++ {
				if !send(i) {
					return nil
				}
			}
		})
		<-s.C()
		s.Close()
		<-done
	})
}

func TestIdentity(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	sig, err := SignMessageWithKey(kp.SecretKey, []byte("foo"))
	require.NoError(t, err)
	assert.True(t, VerifyMessageSignature(kp.PublicKey, []byte("foo"), sig))
	assert.False(t, VerifyMessageSignature(kp.PublicKey, []byte("bar"), sig))
	assert.False(t, VerifyMessageSignature("invalid", []byte("foo"), sig))

	peerID, err := GeneratePeerIDFromSecretKey(kp.SecretKey)
	require.NoError(t, err)
	assert.NotEmpty(t, peerID)

	_, err = GeneratePeerIDFromSecretKey("abcd")
	assert.ErrorIs(t, err, errdefs.ErrInvalidKeyFormat)

	dbName, err := GenerateDbName("mydb", kp.PublicKey)
	require.NoError(t, err)
	assert.True(t, VerifyDbName(dbName, kp.PublicKey))
	name, err := ExtractNameFromDb(dbName)
	require.NoError(t, err)
	assert.Equal(t, "mydb", name)

	assert.NoError(t, ValidateTimestamp(time.Now().UnixMilli()))
	assert.ErrorIs(t, ValidateTimestamp(time.Now().Add(time.Hour).UnixMilli()), errdefs.ErrTimestampOutOfRange)
}

func TestBridge(t *testing.T) {
	b := testBridge(t)
	ctx := context.Background()

	_, err := b.GetData("db", "key").Wait(ctx)
	assert.ErrorIs(t, err, errdefs.ErrNodeNotRunning)

	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	_, err = b.StartNode("", kp.SecretKey, nil, "eu").Wait(ctx)
	require.NoError(t, err)
	assert.True(t, b.IsNodeRunning())
	assert.True(t, b.GetNodeStatus().IsRunning)
	assert.Equal(t, "eu", b.GetNodeInfo().Region)
	assert.Empty(t, b.GetPeers())

	_, err = b.StartNode("", "", nil, "").Wait(ctx)
	assert.ErrorIs(t, err, errdefs.ErrAlreadyRunning)

	t.Run("signed", func(t *testing.T) {
		dbName, err := GenerateDbName("mydb", kp.PublicKey)
		require.NoError(t, err)
		value := []byte(`{"foo":"bar"}`)
		sig, err := SignMessageWithKey(kp.SecretKey, storage.SignedMessage(dbName, "key", value))
		require.NoError(t, err)

		applied, err := b.StoreData(dbName, "key", value, kp.PublicKey, sig).Wait(ctx)
		require.NoError(t, err)
		assert.True(t, applied)

		e, err := b.GetData(dbName, "key").Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, value, e.Value)
		assert.JSONEq(t, `{"foo":"bar"}`, string(e.ValueBytes))

		entries, err := b.GetAllEntries(dbName).Collect()
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "key", entries[0].Key)
	})

	t.Run("local", func(t *testing.T) {
		_, err := b.StoreDataLocal("local", "key", []byte("value")).Wait(ctx)
		require.NoError(t, err)

		e, err := b.GetData("local", "key").Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, []byte("value"), e.Value)
		assert.Nil(t, e.ValueBytes)

		keys, err := b.ListKeys("local")
		require.NoError(t, err)
		assert.Equal(t, []string{"key"}, keys)

		_, err = b.DeleteData("local", "key").Wait(ctx)
		require.NoError(t, err)
		_, err = b.GetData("local", "key").Wait(ctx)
		assert.ErrorIs(t, err, errdefs.ErrNotFound)
	})

	t.Run("all data", func(t *testing.T) {
		entries, err := b.GetAllData().Collect()
		require.NoError(t, err)
		assert.Len(t, entries, 1)

		dbs, err := b.ListDatabases()
		require.NoError(t, err)
		assert.Len(t, dbs, 1)
	})

	t.Run("network", func(t *testing.T) {
		_, err := b.RequestSync(nil).Wait(ctx)
		assert.ErrorIs(t, err, errdefs.ErrNetworkUnreachable)

		_, err = b.SendLatencyRequest("unknown").Wait(ctx)
		assert.ErrorIs(t, err, errdefs.ErrNotFound)

		id, err := b.SendGossip("topic", []byte("foo")).Wait(ctx)
		require.NoError(t, err)
		assert.NotEmpty(t, id)
	})

	t.Run("events", func(t *testing.T) {
		events := b.Subscribe()
		defer events.Close()

		_, err := b.StopNode().Wait(ctx)
		require.NoError(t, err)

		e := <-events.C()
		assert.Equal(t, node.EventStopped, e.Type)
	})
}
