package gossip

import (
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/cyberfly-io/flynode/pkg/identity"
)

const (
	seenCacheSize = 1 << 16
	// seenCacheTTL covers the window in which a message timestamp is
	// accepted, so a replayed message is either cached or rejected as too
	// old.
	seenCacheTTL = identity.MaxTimestampAge + identity.MaxTimestampSkew

	maxCandidates = 256
)

// seenCache records the IDs of recently received messages.
type seenCache struct {
	lru *expirable.LRU[string, struct{}]

	// mu makes MarkSeen atomic.
	mu sync.Mutex
}

func newSeenCache() *seenCache {
	return &seenCache{
		lru: expirable.NewLRU[string, struct{}](seenCacheSize, nil, seenCacheTTL),
	}
}

func (c *seenCache) Seen(id string) bool {
	return c.lru.Contains(id)
}

// MarkSeen records the ID, returning false if it was already recorded.
func (c *seenCache) MarkSeen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lru.Contains(id) {
		return false
	}
	c.lru.Add(id, struct{}{})
	return true
}

// candidates are addresses that may belong to peers, such as bootstrap
// addresses or addresses learned from peer lists, which are announced to
// until they expire.
type candidates struct {
	addrs map[string]time.Time

	mu sync.Mutex

	expiry time.Duration
}

func newCandidates(expiry time.Duration) *candidates {
	return &candidates{
		addrs:  make(map[string]time.Time),
		expiry: expiry,
	}
}

// Add adds or refreshes the address.
func (c *candidates) Add(addr string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.addrs[addr]; !ok && len(c.addrs) >= maxCandidates {
		return
	}
	c.addrs[addr] = now
}

func (c *candidates) Remove(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.addrs, addr)
}

// List returns the unexpired candidates, removing those that expired.
func (c *candidates) List(now time.Time) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	addrs := make([]string, 0, len(c.addrs))
	for addr, added := range c.addrs {
		if now.Sub(added) > c.expiry {
			delete(c.addrs, addr)
			continue
		}
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}
