package discovery

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberfly-io/flynode/pkg/log"
)

func newEntry(nodeID string, ip string, port int) *zeroconf.ServiceEntry {
	entry := zeroconf.NewServiceEntry(nodeID, DefaultService, DefaultDomain)
	entry.Port = port
	entry.Text = []string{"node_id=" + nodeID, "version=test"}
	if ip != "" {
		entry.AddrIPv4 = []net.IP{net.ParseIP(ip)}
	}
	return entry
}

func TestDiscovery(t *testing.T) {
	t.Run("register", func(t *testing.T) {
		var (
			gotInstance string
			gotService  string
			gotPort     int
			gotTXT      []string
		)

		config := DefaultConfig()
		config.MDNS = true
		d := New("local", "test", 8100, &config, func(string, string) {}, log.NewNopLogger())
		d.register = func(instance, service, _ string, port int, text []string, _ []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotPort = port
			gotTXT = text
			return nil, nil
		}
		d.browse = func(ctx context.Context, _, _ string, _ chan<- *zeroconf.ServiceEntry) error {
			<-ctx.Done()
			return nil
		}

		require.NoError(t, d.Start())
		d.Stop()

		assert.Equal(t, "local", gotInstance)
		assert.Equal(t, DefaultService, gotService)
		assert.Equal(t, 8100, gotPort)
		assert.Equal(t, []string{"node_id=local", "version=test"}, gotTXT)
	})

	t.Run("discover", func(t *testing.T) {
		var mu sync.Mutex
		found := make(map[string]string)
		calls := 0

		config := DefaultConfig()
		config.MDNS = true
		config.Interval = time.Millisecond * 50
		config.ScanTimeout = time.Millisecond * 20
		d := New("local", "test", 8100, &config, func(nodeID, addr string) {
			mu.Lock()
			defer mu.Unlock()
			found[nodeID] = addr
			calls++
		}, log.NewNopLogger())
		d.register = func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
			return nil, nil
		}
		d.browse = func(ctx context.Context, _, _ string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- newEntry("local", "10.0.0.1", 8100)
			entries <- newEntry("peer-1", "10.0.0.2", 8100)
			entries <- newEntry("peer-2", "10.0.0.3", 8200)
			return nil
		}

		require.NoError(t, d.Start())
		defer d.Stop()

		assert.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(found) == 2
		}, time.Second, time.Millisecond*10)

		// Wait for further scans and check unchanged nodes aren't reported
		// again.
		time.Sleep(time.Millisecond * 150)

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, map[string]string{
			"peer-1": "10.0.0.2:8100",
			"peer-2": "10.0.0.3:8200",
		}, found)
		assert.Equal(t, 2, calls)
		assert.Equal(t, found, d.Found())
	})
}

func TestParseEntry(t *testing.T) {
	tests := []struct {
		name   string
		entry  *zeroconf.ServiceEntry
		nodeID string
		addr   string
		ok     bool
	}{
		{
			name:   "ok",
			entry:  newEntry("peer", "10.0.0.2", 8100),
			nodeID: "peer",
			addr:   "10.0.0.2:8100",
			ok:     true,
		},
		{
			name:  "local node",
			entry: newEntry("local", "10.0.0.2", 8100),
		},
		{
			name:  "missing address",
			entry: newEntry("peer", "", 8100),
		},
		{
			name:  "missing port",
			entry: newEntry("peer", "10.0.0.2", 0),
		},
		{
			name: "missing node id",
			entry: func() *zeroconf.ServiceEntry {
				e := newEntry("peer", "10.0.0.2", 8100)
				e.Text = []string{"version=test"}
				return e
			}(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nodeID, addr, ok := parseEntry(tt.entry, "local")
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.nodeID, nodeID)
			assert.Equal(t, tt.addr, addr)
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	config := DefaultConfig()
	assert.NoError(t, config.Validate())

	config.MDNS = true
	assert.NoError(t, config.Validate())

	config.ScanTimeout = config.Interval * 2
	assert.Error(t, config.Validate())
}
