package registry

// Watcher is notified when peers change state.
//
// Watcher is called without the registry lock held, though must not block.
type Watcher interface {
	// OnDiscovered notifies that a new peer was discovered.
	OnDiscovered(peer Peer)

	// OnConnected notifies that a direct exchange with the peer completed
	// for the first time since it was discovered.
	OnConnected(peer Peer)

	// OnExpired notifies that a peer expired and was removed.
	OnExpired(peer Peer)
}

type nopWatcher struct {
}

func (w *nopWatcher) OnDiscovered(_ Peer) {}

func (w *nopWatcher) OnConnected(_ Peer) {}

func (w *nopWatcher) OnExpired(_ Peer) {}

var _ Watcher = &nopWatcher{}
