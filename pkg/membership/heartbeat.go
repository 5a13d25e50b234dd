package membership

import (
	"sync"
	"time"
)

// Tracker records the last-seen time of each member's heartbeat. The map
// is local to this replica and never replicated; only the periodic delta
// decision reaches the log (as a CmdHbOnlineChanged command).
//
// Every replica keeps its map warm, leader or not, so that a newly
// elected leader reaps from its own observations.
type Tracker struct {
	mu       sync.Mutex
	lastSeen map[uint64]time.Time
	now      func() time.Time
}

// NewTracker creates a tracker. now may be nil for the wall clock; tests
// inject their own.
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		lastSeen: make(map[uint64]time.Time),
		now:      now,
	}
}

// Ping records a heartbeat for id.
func (t *Tracker) Ping(id uint64) {
	t.mu.Lock()
	t.lastSeen[id] = t.now()
	t.mu.Unlock()
}

// LastSeen returns the recorded heartbeat time for id.
func (t *Tracker) LastSeen(id uint64) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.lastSeen[id]
	return ts, ok
}

// Forget drops id from the map, typically after an explicit leave.
func (t *Tracker) Forget(id uint64) {
	t.mu.Lock()
	delete(t.lastSeen, id)
	t.mu.Unlock()
}

// Delta computes the online/offline digest against the replicated view.
// online maps each known member id to its current replicated online
// flag. A member with no recorded heartbeat counts as stale, which is
// what makes recovery converge: restored members are marked offline
// until their heartbeats repopulate the map.
func (t *Tracker) Delta(online map[uint64]bool, threshold time.Duration) (comingOnline, goingOffline []uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for id, isOnline := range online {
		ts, seen := t.lastSeen[id]
		fresh := seen && now.Sub(ts) <= threshold
		if isOnline && !fresh {
			goingOffline = append(goingOffline, id)
		} else if !isOnline && fresh {
			comingOnline = append(comingOnline, id)
		}
	}

	sortIDs(comingOnline)
	sortIDs(goingOffline)
	return comingOnline, goingOffline
}
