package syncer

// Watcher is notified when operations are received from peers.
//
// The implementations of Watcher must not block.
type Watcher interface {
	// OnSync notifies that operations were received from the peer, either
	// by a completed sync exchange or by a pushed operation.
	OnSync(nodeID string, result Result)
}

type nopWatcher struct {
}

func (w *nopWatcher) OnSync(_ string, _ Result) {}

var _ Watcher = &nopWatcher{}
