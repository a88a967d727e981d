package network

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberfly-io/flynode/client"
	"github.com/cyberfly-io/flynode/flynodetest/network/config"
	"github.com/cyberfly-io/flynode/node"
	"github.com/cyberfly-io/flynode/node/storage"
	"github.com/cyberfly-io/flynode/pkg/dbname"
	"github.com/cyberfly-io/flynode/pkg/identity"
	statusclient "github.com/cyberfly-io/flynode/server/status/client"
)

func newClient(t *testing.T, n *Node, opts ...client.Option) *client.Client {
	opts = append(opts, client.WithURL(n.APIURL()))
	c, err := client.New(opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestManager(t *testing.T) {
	t.Run("replicate", func(t *testing.T) {
		manager := NewManager()
		defer manager.Close()

		conf := config.Default()
		conf.Nodes = 3
		manager.Update(conf)

		nodes := manager.Nodes()
		require.Len(t, nodes, 3)

		// Every node connects to the nodes started before it.
		require.Eventually(t, func() bool {
			return nodes[2].Node().Status().ConnectedPeers == 2
		}, time.Second*10, time.Millisecond*10)

		kp, err := identity.GenerateKeyPair()
		require.NoError(t, err)
		dbName := dbname.Generate("users", kp.PublicKey)
		value := []byte(`{"name":"alice"}`)
		sig := kp.Sign(storage.SignedMessage(dbName, "alice", value))

		applied, err := newClient(t, nodes[0]).Store(context.Background(), node.StoreRequest{
			DbName:    dbName,
			Key:       "alice",
			Value:     value,
			PublicKey: kp.PublicKeyHex(),
			Signature: hex.EncodeToString(sig),
		})
		require.NoError(t, err)
		assert.True(t, applied)

		for _, n := range nodes[1:] {
			c := newClient(t, n)
			assert.Eventually(t, func() bool {
				e, err := c.Get(context.Background(), dbName, "alice")
				return err == nil && string(e.Value) == string(value)
			}, time.Second*10, time.Millisecond*10)
		}
	})

	t.Run("scale down", func(t *testing.T) {
		manager := NewManager()
		defer manager.Close()

		conf := config.Default()
		conf.Nodes = 2
		manager.Update(conf)
		oldest := manager.Nodes()[0]

		conf.Nodes = 1
		manager.Update(conf)

		nodes := manager.Nodes()
		require.Len(t, nodes, 1)
		assert.NotEqual(t, oldest.NodeID(), nodes[0].NodeID())
		assert.False(t, oldest.Node().IsRunning())
	})

	t.Run("churn", func(t *testing.T) {
		manager := NewManager()
		defer manager.Close()

		conf := config.Default()
		conf.Nodes = 2
		manager.Update(conf)
		before := manager.Nodes()

		manager.Churn()

		after := manager.Nodes()
		require.Len(t, after, 2)
		assert.Equal(t, before[1].NodeID(), after[0].NodeID())
		assert.NotEqual(t, before[0].NodeID(), after[1].NodeID())
	})

	t.Run("tls", func(t *testing.T) {
		manager := NewManager()
		defer manager.Close()

		conf := config.Default()
		conf.Nodes = 1
		conf.TLS = true
		manager.Update(conf)

		n := manager.Nodes()[0]
		require.NotNil(t, n.RootCAPool())

		c := newClient(t, n, client.WithTLSConfig(&tls.Config{
			RootCAs:    n.RootCAPool(),
			MinVersion: tls.VersionTLS12,
		}))
		s, err := c.Status(context.Background())
		require.NoError(t, err)
		assert.True(t, s.IsRunning)

		// Clients must verify the node certificate.
		insecure := newClient(t, n)
		_, err = insecure.Status(context.Background())
		assert.Error(t, err)
	})

	t.Run("admin status", func(t *testing.T) {
		manager := NewManager()
		defer manager.Close()

		conf := config.Default()
		conf.Nodes = 1
		manager.Update(conf)

		n := manager.Nodes()[0]
		u, err := url.Parse(n.AdminURL())
		require.NoError(t, err)

		c := statusclient.NewClient(u)
		defer c.Close()

		status, err := statusclient.NewNode(c).Status(context.Background())
		require.NoError(t, err)
		assert.Equal(t, n.NodeID(), status.NodeID)
	})
}
