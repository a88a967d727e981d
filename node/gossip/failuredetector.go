package gossip

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// heartbeatWindow records the intervals between messages received from a
// peer in a ring buffer.
type heartbeatWindow struct {
	last time.Time

	intervals []time.Duration
	next      int
	full      bool
	sum       time.Duration
}

func newHeartbeatWindow(sampleSize int) *heartbeatWindow {
	return &heartbeatWindow{
		intervals: make([]time.Duration, sampleSize),
	}
}

func (w *heartbeatWindow) add(interval time.Duration) {
	if w.next == len(w.intervals) {
		w.next = 0
		w.full = true
	}
	if w.full {
		w.sum -= w.intervals[w.next]
	}
	w.intervals[w.next] = interval
	w.sum += interval
	w.next++
}

func (w *heartbeatWindow) mean() float64 {
	n := w.next
	if w.full {
		n = len(w.intervals)
	}
	if n == 0 {
		return 0
	}
	return float64(w.sum) / float64(n)
}

// failureDetector estimates whether peers have failed using a simplified
// "Phi Accrual Failure Detector", where phi is the time since the last
// message relative to the mean interval between messages.
type failureDetector struct {
	windows map[string]*heartbeatWindow

	// mu protects the above fields.
	mu sync.Mutex

	// bootstrapInterval is the assumed interval of the first sample, so
	// peers with few samples aren't suspected too early.
	bootstrapInterval time.Duration
	sampleSize        int

	clock clock.Clock
}

func newFailureDetector(
	bootstrapInterval time.Duration,
	sampleSize int,
	clock clock.Clock,
) *failureDetector {
	return &failureDetector{
		windows:           make(map[string]*heartbeatWindow),
		bootstrapInterval: bootstrapInterval,
		sampleSize:        sampleSize,
		clock:             clock,
	}
}

// Report records that a message was received from the peer.
func (d *failureDetector) Report(nodeID string) {
	d.ReportAt(nodeID, d.clock.Now())
}

func (d *failureDetector) ReportAt(nodeID string, t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	w, ok := d.windows[nodeID]
	if !ok {
		w = newHeartbeatWindow(d.sampleSize)
		d.windows[nodeID] = w
	}
	if w.last.IsZero() {
		w.add(d.bootstrapInterval)
	} else {
		w.add(t.Sub(w.last))
	}
	w.last = t
}

// Phi returns the suspicion level of the peer. The higher phi the more
// likely the peer has failed. A peer that has never been reported has a phi
// of zero.
func (d *failureDetector) Phi(nodeID string) float64 {
	return d.PhiAt(nodeID, d.clock.Now())
}

func (d *failureDetector) PhiAt(nodeID string, t time.Time) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	w, ok := d.windows[nodeID]
	if !ok || w.last.IsZero() {
		return 0
	}
	mean := w.mean()
	if mean <= 0 {
		return 0
	}
	return float64(t.Sub(w.last)) / mean
}

// Remove discards the state of the peer.
func (d *failureDetector) Remove(nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.windows, nodeID)
}
