package node

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cyberfly-io/flynode/node/registry"
	"github.com/cyberfly-io/flynode/pkg/errdefs"
	"github.com/cyberfly-io/flynode/server/status"
)

// DatabaseStats contains the entry count of a database.
type DatabaseStats struct {
	Name string `json:"name"`
	Keys int    `json:"keys"`
}

// StorageStats describes the local storage.
type StorageStats struct {
	Databases []DatabaseStats `json:"databases"`
	TotalKeys int64           `json:"total_keys"`
	SizeBytes int64           `json:"size_bytes"`
}

// NodeStatus exposes the node status and info on the admin server.
type NodeStatus struct {
	node *Node
}

func NewNodeStatus(n *Node) *NodeStatus {
	return &NodeStatus{
		node: n,
	}
}

func (s *NodeStatus) Register(group *gin.RouterGroup) {
	group.GET("", s.statusRoute)
	group.GET("/info", s.infoRoute)
}

func (s *NodeStatus) statusRoute(c *gin.Context) {
	c.JSON(http.StatusOK, s.node.Status())
}

func (s *NodeStatus) infoRoute(c *gin.Context) {
	c.JSON(http.StatusOK, s.node.Info())
}

// PeerStatus exposes the peer registry on the admin server.
type PeerStatus struct {
	node *Node
}

func NewPeerStatus(n *Node) *PeerStatus {
	return &PeerStatus{
		node: n,
	}
}

func (s *PeerStatus) Register(group *gin.RouterGroup) {
	group.GET("", s.listPeersRoute)
	group.GET("/:id", s.getPeerRoute)
}

func (s *PeerStatus) listPeersRoute(c *gin.Context) {
	peers := s.node.Peers()
	if peers == nil {
		peers = []registry.Peer{}
	}
	c.JSON(http.StatusOK, peers)
}

func (s *PeerStatus) getPeerRoute(c *gin.Context) {
	peer, ok := s.node.Peer(c.Param("id"))
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}
	c.JSON(http.StatusOK, peer)
}

// StorageStatus exposes the local storage on the admin server.
type StorageStatus struct {
	node *Node
}

func NewStorageStatus(n *Node) *StorageStatus {
	return &StorageStatus{
		node: n,
	}
}

func (s *StorageStatus) Register(group *gin.RouterGroup) {
	group.GET("", s.statsRoute)
	group.GET("/:db", s.keysRoute)
}

func (s *StorageStatus) statsRoute(c *gin.Context) {
	stats, err := s.node.StorageStats()
	if err != nil {
		if errors.Is(err, errdefs.ErrNodeNotRunning) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *StorageStatus) keysRoute(c *gin.Context) {
	keys, err := s.node.Keys(c.Param("db"))
	if err != nil {
		if errors.Is(err, errdefs.ErrNodeNotRunning) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusInternalServerError)
		return
	}
	if len(keys) == 0 {
		c.Status(http.StatusNotFound)
		return
	}
	c.JSON(http.StatusOK, keys)
}

// StorageStats returns the entry count of each database.
func (n *Node) StorageStats() (StorageStats, error) {
	rt, err := n.acquire()
	if err != nil {
		return StorageStats{}, err
	}
	defer rt.inflight.Done()

	stats := StorageStats{
		Databases: []DatabaseStats{},
		TotalKeys: rt.storage.TotalKeys(),
		SizeBytes: rt.storage.SizeBytes(),
	}
	for _, name := range rt.storage.Databases() {
		keys, err := rt.storage.Keys(name)
		if err != nil {
			return StorageStats{}, err
		}
		stats.Databases = append(stats.Databases, DatabaseStats{
			Name: name,
			Keys: len(keys),
		})
	}
	return stats, nil
}

var (
	_ status.Handler = &NodeStatus{}
	_ status.Handler = &PeerStatus{}
	_ status.Handler = &StorageStatus{}
)
