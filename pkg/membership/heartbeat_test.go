package membership

import (
	"testing"
	"time"
)

func TestTrackerDelta(t *testing.T) {
	now := time.Unix(1000, 0)
	tracker := NewTracker(func() time.Time { return now })

	// m1 pinged long ago, m2 pings now, m3 never does.
	tracker.Ping(1)
	now = now.Add(10 * time.Second)
	tracker.Ping(2)

	online := map[uint64]bool{
		1: false, // stale heartbeat while marked offline: no change
		2: false, // just pinged
		3: true,  // online but silent
	}

	// id 1's ping is 10s old, id 2's is fresh.
	coming, going := tracker.Delta(online, 5*time.Second)

	if len(coming) != 1 || coming[0] != 2 {
		t.Errorf("Expected coming online [2], got %v", coming)
	}
	if len(going) != 1 || going[0] != 3 {
		t.Errorf("Expected going offline [3], got %v", going)
	}
}

func TestTrackerDeltaEmptyWhenConverged(t *testing.T) {
	now := time.Unix(1000, 0)
	tracker := NewTracker(func() time.Time { return now })

	tracker.Ping(1)
	tracker.Ping(2)

	online := map[uint64]bool{1: true, 2: true}
	coming, going := tracker.Delta(online, 5*time.Second)
	if len(coming) != 0 || len(going) != 0 {
		t.Errorf("Expected empty delta, got coming=%v going=%v", coming, going)
	}
}

func TestTrackerUnknownMembersGoOffline(t *testing.T) {
	// A fresh tracker (e.g. after recovery) has no observations; every
	// member still marked online in the replicated state is reported as
	// going offline until its heartbeats arrive.
	tracker := NewTracker(nil)

	online := map[uint64]bool{7: true, 8: false}
	coming, going := tracker.Delta(online, time.Second)
	if len(coming) != 0 {
		t.Errorf("Expected nobody coming online, got %v", coming)
	}
	if len(going) != 1 || going[0] != 7 {
		t.Errorf("Expected going offline [7], got %v", going)
	}
}

func TestTrackerForget(t *testing.T) {
	tracker := NewTracker(nil)
	tracker.Ping(1)

	if _, ok := tracker.LastSeen(1); !ok {
		t.Fatal("Expected a recorded heartbeat")
	}
	tracker.Forget(1)
	if _, ok := tracker.LastSeen(1); ok {
		t.Error("Expected heartbeat to be forgotten")
	}
}

func TestTrackerDeltaIsSorted(t *testing.T) {
	now := time.Unix(1000, 0)
	tracker := NewTracker(func() time.Time { return now })

	online := map[uint64]bool{30: true, 10: true, 20: true}
	_, going := tracker.Delta(online, time.Second)

	if len(going) != 3 {
		t.Fatalf("Expected 3 ids, got %d", len(going))
	}
	for i := 1; i < len(going); i++ {
		if going[i-1] >= going[i] {
			t.Errorf("Delta ids not sorted: %v", going)
		}
	}
}
