package registry

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWatcher struct {
	discovered []string
	connected  []string
	expired    []string
}

func (w *fakeWatcher) OnDiscovered(p Peer) {
	w.discovered = append(w.discovered, p.NodeID)
}

func (w *fakeWatcher) OnConnected(p Peer) {
	w.connected = append(w.connected, p.NodeID)
}

func (w *fakeWatcher) OnExpired(p Peer) {
	w.expired = append(w.expired, p.NodeID)
}

var _ Watcher = &fakeWatcher{}

func newRegistry() (*Registry, *clock.Mock, *fakeWatcher) {
	c := clock.NewMock()
	w := &fakeWatcher{}
	r := New("local", 5*time.Minute, WithClock(c), WithWatcher(w))
	return r, c, w
}

func TestRegistry_Observe(t *testing.T) {
	t.Run("new peer", func(t *testing.T) {
		r, _, w := newRegistry()

		assert.True(t, r.Observe(Peer{
			NodeID:  "node-1",
			Address: "10.0.0.1:8100",
			Region:  "eu-west",
		}))

		p, ok := r.Peer("node-1")
		require.True(t, ok)
		assert.Equal(t, StateDiscovered, p.State)
		assert.Equal(t, "10.0.0.1:8100", p.Address)
		assert.Equal(t, "eu-west", p.Region)
		assert.Nil(t, p.LatencyMs)

		assert.Equal(t, []string{"node-1"}, w.discovered)
	})

	t.Run("refresh", func(t *testing.T) {
		r, c, w := newRegistry()

		r.Observe(Peer{NodeID: "node-1", Address: "10.0.0.1:8100"})
		c.Add(time.Minute)
		assert.False(t, r.Observe(Peer{
			NodeID:       "node-1",
			Address:      "10.0.0.2:8100",
			Capabilities: Capabilities{Mobile: true},
		}))

		p, ok := r.Peer("node-1")
		require.True(t, ok)
		assert.Equal(t, "10.0.0.2:8100", p.Address)
		assert.True(t, p.IsMobile)
		assert.Equal(t, c.Now(), p.LastSeen)
		assert.Equal(t, c.Now().Add(-time.Minute), p.FirstSeen)

		// Only notified once.
		assert.Equal(t, []string{"node-1"}, w.discovered)
	})

	t.Run("ignore local", func(t *testing.T) {
		r, _, w := newRegistry()

		assert.False(t, r.Observe(Peer{NodeID: "local"}))
		assert.Empty(t, r.Peers())
		assert.Empty(t, w.discovered)
	})
}

func TestRegistry_Connected(t *testing.T) {
	t.Run("latency marks connected", func(t *testing.T) {
		r, _, w := newRegistry()

		r.Observe(Peer{NodeID: "node-1"})
		assert.True(t, r.UpdateLatency("node-1", 25*time.Millisecond))

		p, ok := r.Peer("node-1")
		require.True(t, ok)
		assert.Equal(t, StateConnected, p.State)
		require.NotNil(t, p.LatencyMs)
		assert.Equal(t, int64(25), *p.LatencyMs)

		assert.Equal(t, []string{"node-1"}, w.connected)

		// Already connected so not notified again.
		assert.True(t, r.MarkConnected("node-1"))
		assert.Equal(t, []string{"node-1"}, w.connected)

		connected := r.ConnectedPeers()
		require.Len(t, connected, 1)
		assert.Equal(t, "node-1", connected[0].NodeID)
	})

	t.Run("unknown peer", func(t *testing.T) {
		r, _, _ := newRegistry()

		assert.False(t, r.MarkConnected("node-1"))
		assert.False(t, r.UpdateLatency("node-1", time.Millisecond))
	})

	t.Run("mark discovered", func(t *testing.T) {
		r, _, _ := newRegistry()

		r.Observe(Peer{NodeID: "node-1"})
		r.MarkConnected("node-1")
		assert.True(t, r.MarkDiscovered("node-1"))

		p, ok := r.Peer("node-1")
		require.True(t, ok)
		assert.Equal(t, StateDiscovered, p.State)
		assert.Empty(t, r.ConnectedPeers())
	})

	t.Run("latency kept on refresh", func(t *testing.T) {
		r, _, _ := newRegistry()

		r.Observe(Peer{NodeID: "node-1"})
		r.UpdateLatency("node-1", 10*time.Millisecond)
		r.Observe(Peer{NodeID: "node-1", Address: "10.0.0.1:8100"})

		p, ok := r.Peer("node-1")
		require.True(t, ok)
		assert.Equal(t, StateConnected, p.State)
		require.NotNil(t, p.LatencyMs)
		assert.Equal(t, int64(10), *p.LatencyMs)
	})
}

func TestRegistry_Expiry(t *testing.T) {
	t.Run("refreshed within window", func(t *testing.T) {
		r, c, _ := newRegistry()

		r.Observe(Peer{NodeID: "node-1"})
		c.Add(4 * time.Minute)
		r.Observe(Peer{NodeID: "node-1"})
		c.Add(4 * time.Minute)

		assert.Len(t, r.Peers(), 1)
		assert.Empty(t, r.RemoveExpired())
	})

	t.Run("not refreshed", func(t *testing.T) {
		r, c, w := newRegistry()

		r.Observe(Peer{NodeID: "node-1"})
		r.Observe(Peer{NodeID: "node-2"})
		c.Add(4 * time.Minute)
		r.Touch("node-2")
		c.Add(time.Minute + time.Second)

		// Hidden before the sweep.
		peers := r.Peers()
		require.Len(t, peers, 1)
		assert.Equal(t, "node-2", peers[0].NodeID)
		_, ok := r.Peer("node-1")
		assert.False(t, ok)

		discovered, connected := r.Stats()
		assert.Equal(t, 1, discovered)
		assert.Equal(t, 0, connected)

		removed := r.RemoveExpired()
		require.Len(t, removed, 1)
		assert.Equal(t, "node-1", removed[0].NodeID)
		assert.Equal(t, StateExpired, removed[0].State)
		assert.Equal(t, []string{"node-1"}, w.expired)
	})

	t.Run("rediscovered after expiry", func(t *testing.T) {
		r, c, w := newRegistry()

		r.Observe(Peer{NodeID: "node-1"})
		r.MarkConnected("node-1")
		c.Add(6 * time.Minute)

		assert.True(t, r.Observe(Peer{NodeID: "node-1"}))
		p, ok := r.Peer("node-1")
		require.True(t, ok)
		assert.Equal(t, StateDiscovered, p.State)
		assert.Equal(t, []string{"node-1", "node-1"}, w.discovered)
	})

	t.Run("expired cannot connect", func(t *testing.T) {
		r, c, _ := newRegistry()

		r.Observe(Peer{NodeID: "node-1"})
		c.Add(6 * time.Minute)
		assert.False(t, r.MarkConnected("node-1"))
		assert.False(t, r.Touch("node-1"))
	})
}

func TestState_Text(t *testing.T) {
	for _, s := range []State{StateDiscovered, StateConnected, StateExpired} {
		b, err := s.MarshalText()
		require.NoError(t, err)

		var parsed State
		require.NoError(t, parsed.UnmarshalText(b))
		assert.Equal(t, s, parsed)
	}

	var s State
	assert.Error(t, s.UnmarshalText([]byte("foo")))
}
