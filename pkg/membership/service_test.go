package membership_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vzdtic/bifrost/pkg/membership"
	"github.com/vzdtic/bifrost/pkg/testkit"
)

func testServiceConfig() membership.ServiceConfig {
	return membership.ServiceConfig{
		ReapInterval:     100 * time.Millisecond,
		OfflineThreshold: 500 * time.Millisecond,
		EventQueueSize:   1024,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", msg)
}

func TestMembershipLifecycle(t *testing.T) {
	cluster, err := testkit.NewCluster(1, testServiceConfig())
	if err != nil {
		t.Fatalf("Failed to create cluster: %v", err)
	}
	defer cluster.Cleanup()

	if err := cluster.Start(); err != nil {
		t.Fatalf("Failed to start cluster: %v", err)
	}
	if _, err := cluster.WaitForLeader(5 * time.Second); err != nil {
		t.Fatalf("No leader: %v", err)
	}

	ctx := context.Background()
	conn := cluster.Conn(0)
	observer := membership.NewObserverClient(conn, nil)

	for _, name := range []string{"g1", "g2", "g3"} {
		if _, err := observer.NewGroup(ctx, name); err != nil {
			t.Fatalf("new_group(%s) failed: %v", name, err)
		}
	}

	var (
		anyJoined    atomic.Int64
		anyLeft      atomic.Int64
		anyOffline   atomic.Int64
		anyOnline    atomic.Int64
		g1Joined     atomic.Int64
		g1Offline    atomic.Int64
		leaderChange atomic.Int64
	)

	watches := make([]*membership.Watch, 0, 7)
	mustWatch := func(w *membership.Watch, err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("Failed to subscribe: %v", err)
		}
		watches = append(watches, w)
	}

	mustWatch(observer.OnAnyMemberJoined(ctx, func(membership.MemberEvent) { anyJoined.Add(1) }))
	mustWatch(observer.OnAnyMemberLeft(ctx, func(membership.MemberEvent) { anyLeft.Add(1) }))
	mustWatch(observer.OnAnyMemberOffline(ctx, func(membership.MemberEvent) { anyOffline.Add(1) }))
	mustWatch(observer.OnAnyMemberOnline(ctx, func(membership.MemberEvent) { anyOnline.Add(1) }))
	mustWatch(observer.OnGroupMemberJoined(ctx, "g1", func(membership.MemberEvent) { g1Joined.Add(1) }))
	mustWatch(observer.OnGroupMemberOffline(ctx, "g1", func(membership.MemberEvent) { g1Offline.Add(1) }))
	mustWatch(observer.OnGroupLeaderChanged(ctx, "g3", func(membership.LeaderChangedEvent) { leaderChange.Add(1) }))
	defer func() {
		for _, w := range watches {
			w.Close()
		}
	}()

	s1, err := membership.NewMemberService(ctx, conn, "server1", 50*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("Failed to create member 1: %v", err)
	}
	s2, err := membership.NewMemberService(ctx, conn, "server2", 50*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("Failed to create member 2: %v", err)
	}
	s3, err := membership.NewMemberService(ctx, conn, "server3", 50*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("Failed to create member 3: %v", err)
	}
	defer s1.Close()
	defer s2.Close()
	defer s3.Close()

	for _, m := range []*membership.MemberService{s1, s2, s3} {
		if ok, err := m.JoinGroup(ctx, "g1"); err != nil || !ok {
			t.Fatalf("join_group(g1) failed: ok=%v err=%v", ok, err)
		}
	}
	for _, m := range []*membership.MemberService{s1, s2} {
		if ok, err := m.JoinGroup(ctx, "g2"); err != nil || !ok {
			t.Fatalf("join_group(g2) failed: ok=%v err=%v", ok, err)
		}
	}
	if ok, err := s1.JoinGroup(ctx, "g3"); err != nil || !ok {
		t.Fatalf("join_group(g3) failed: ok=%v err=%v", ok, err)
	}

	g1 := membership.GroupIDOf("g1")
	g2 := membership.GroupIDOf("g2")
	g3 := membership.GroupIDOf("g3")

	// Three members spread across three groups.
	all, err := observer.AllMembers(ctx, false)
	if err != nil {
		t.Fatalf("all_members failed: %v", err)
	}
	if len(all.Members) != 3 {
		t.Errorf("Expected 3 members, got %d", len(all.Members))
	}
	allOnline, err := observer.AllMembers(ctx, true)
	if err != nil {
		t.Fatalf("all_members(online) failed: %v", err)
	}
	if len(allOnline.Members) != 3 {
		t.Errorf("Expected 3 online members, got %d", len(allOnline.Members))
	}

	for gid, want := range map[uint64]int{g1: 3, g2: 2, g3: 1} {
		res, err := observer.GroupMembers(ctx, gid, false)
		if err != nil || !res.Found {
			t.Fatalf("group_members(%d) failed: found=%v err=%v", gid, res.Found, err)
		}
		if len(res.Members) != want {
			t.Errorf("Group %d: expected %d members, got %d", gid, want, len(res.Members))
		}
	}

	leader, err := observer.GroupLeader(ctx, g3)
	if err != nil || !leader.Found {
		t.Fatalf("group_leader(g3) failed: %v", err)
	}
	if leader.Leader == nil || leader.Leader.ID != s1.ID() {
		t.Errorf("Expected s1 to lead g3")
	}

	waitFor(t, 2*time.Second, func() bool { return anyJoined.Load() == 3 }, "3 joined events")
	waitFor(t, 2*time.Second, func() bool { return g1Joined.Load() == 3 }, "3 group joined events")

	// Stop s1's heartbeats; membership stays, liveness decays.
	s1.Close()

	waitFor(t, 5*time.Second, func() bool {
		res, err := observer.AllMembers(ctx, true)
		return err == nil && len(res.Members) == 2
	}, "s1 to go offline")

	res, err := observer.GroupMembers(ctx, g1, true)
	if err != nil || !res.Found {
		t.Fatalf("group_members(g1, online) failed: %v", err)
	}
	if len(res.Members) != 2 {
		t.Errorf("Expected 2 online members in g1, got %d", len(res.Members))
	}

	res, err = observer.GroupMembers(ctx, g3, true)
	if err != nil || !res.Found {
		t.Fatalf("group_members(g3, online) failed: %v", err)
	}
	if len(res.Members) != 0 {
		t.Errorf("Expected 0 online members in g3, got %d", len(res.Members))
	}

	leader, err = observer.GroupLeader(ctx, g3)
	if err != nil || !leader.Found {
		t.Fatalf("group_leader(g3) failed: %v", err)
	}
	if leader.Leader != nil {
		t.Errorf("Expected g3 leaderless, got %d", leader.Leader.ID)
	}

	waitFor(t, 2*time.Second, func() bool { return anyOffline.Load() == 1 }, "1 offline event")
	waitFor(t, 2*time.Second, func() bool { return g1Offline.Load() == 1 }, "1 group offline event")
	waitFor(t, 2*time.Second, func() bool { return leaderChange.Load() >= 1 }, "g3 leader change")

	if anyOnline.Load() != 0 {
		t.Errorf("Expected no online events, got %d", anyOnline.Load())
	}

	// Explicit leave removes the member outright.
	if ok, err := s2.Leave(ctx); err != nil || !ok {
		t.Fatalf("leave failed: ok=%v err=%v", ok, err)
	}

	all, err = observer.AllMembers(ctx, false)
	if err != nil {
		t.Fatalf("all_members failed: %v", err)
	}
	if len(all.Members) != 2 {
		t.Errorf("Expected 2 members after leave, got %d", len(all.Members))
	}

	res, err = observer.GroupMembers(ctx, g2, false)
	if err != nil || !res.Found {
		t.Fatalf("group_members(g2) failed: %v", err)
	}
	if len(res.Members) != 1 {
		t.Errorf("Expected 1 member in g2 after leave, got %d", len(res.Members))
	}

	waitFor(t, 2*time.Second, func() bool { return anyLeft.Load() == 1 }, "1 left event")
}

func TestMemberComesBackOnline(t *testing.T) {
	cluster, err := testkit.NewCluster(1, testServiceConfig())
	if err != nil {
		t.Fatalf("Failed to create cluster: %v", err)
	}
	defer cluster.Cleanup()

	if err := cluster.Start(); err != nil {
		t.Fatalf("Failed to start cluster: %v", err)
	}
	if _, err := cluster.WaitForLeader(5 * time.Second); err != nil {
		t.Fatalf("No leader: %v", err)
	}

	ctx := context.Background()
	conn := cluster.Conn(0)
	observer := membership.NewObserverClient(conn, nil)

	s1, err := membership.NewMemberService(ctx, conn, "server1", 50*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("Failed to create member: %v", err)
	}
	s1.Close()

	waitFor(t, 5*time.Second, func() bool {
		res, err := observer.AllMembers(ctx, true)
		return err == nil && len(res.Members) == 0
	}, "member to go offline")

	// A new heartbeat loop under the same address revives the member.
	s1b, err := membership.NewMemberService(ctx, conn, "server1", 50*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("Failed to recreate member: %v", err)
	}
	defer s1b.Close()

	if s1b.ID() != s1.ID() {
		t.Errorf("Rejoin produced a different id: %d vs %d", s1b.ID(), s1.ID())
	}

	waitFor(t, 5*time.Second, func() bool {
		res, err := observer.AllMembers(ctx, true)
		return err == nil && len(res.Members) == 1
	}, "member to come back online")
}

func TestSnapshotRestoreMatchesOriginal(t *testing.T) {
	cluster, err := testkit.NewCluster(1, testServiceConfig())
	if err != nil {
		t.Fatalf("Failed to create cluster: %v", err)
	}
	defer cluster.Cleanup()

	if err := cluster.Start(); err != nil {
		t.Fatalf("Failed to start cluster: %v", err)
	}
	if _, err := cluster.WaitForLeader(5 * time.Second); err != nil {
		t.Fatalf("No leader: %v", err)
	}

	ctx := context.Background()
	conn := cluster.Conn(0)
	observer := membership.NewObserverClient(conn, nil)

	if _, err := observer.NewGroup(ctx, "g1"); err != nil {
		t.Fatalf("new_group failed: %v", err)
	}
	id1, err := observer.Join(ctx, "server1")
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if _, err := observer.Join(ctx, "server2"); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if ok, err := observer.JoinGroup(ctx, "g1", id1); err != nil || !ok {
		t.Fatalf("join_group failed: ok=%v err=%v", ok, err)
	}

	blob, err := cluster.Masters[0].Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	// A fresh replica restores the blob and answers identically.
	restoredCluster, err := testkit.NewCluster(1, testServiceConfig())
	if err != nil {
		t.Fatalf("Failed to create restore cluster: %v", err)
	}
	defer restoredCluster.Cleanup()

	if err := restoredCluster.Masters[0].Restore(blob); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if err := restoredCluster.Start(); err != nil {
		t.Fatalf("Failed to start restore cluster: %v", err)
	}
	if _, err := restoredCluster.WaitForLeader(5 * time.Second); err != nil {
		t.Fatalf("No leader on restored cluster: %v", err)
	}

	restoredObserver := membership.NewObserverClient(restoredCluster.Conn(0), nil)

	want, err := observer.AllMembers(ctx, false)
	if err != nil {
		t.Fatalf("all_members on original failed: %v", err)
	}
	got, err := restoredObserver.AllMembers(ctx, false)
	if err != nil {
		t.Fatalf("all_members on restored failed: %v", err)
	}
	if len(want.Members) != len(got.Members) || want.Version != got.Version {
		t.Errorf("Restored member set differs: want %d/%d, got %d/%d",
			len(want.Members), want.Version, len(got.Members), got.Version)
	}

	g1 := membership.GroupIDOf("g1")
	wantGroup, err := observer.GroupMembers(ctx, g1, false)
	if err != nil {
		t.Fatalf("group_members on original failed: %v", err)
	}
	gotGroup, err := restoredObserver.GroupMembers(ctx, g1, false)
	if err != nil {
		t.Fatalf("group_members on restored failed: %v", err)
	}
	if len(wantGroup.Members) != len(gotGroup.Members) || wantGroup.Version != gotGroup.Version {
		t.Errorf("Restored group differs")
	}

	// Replaying the next command on both sides keeps them identical.
	id3, err := observer.Join(ctx, "server3")
	if err != nil {
		t.Fatalf("join on original failed: %v", err)
	}
	id3r, err := restoredObserver.Join(ctx, "server3")
	if err != nil {
		t.Fatalf("join on restored failed: %v", err)
	}
	if id3 != id3r {
		t.Errorf("Divergent ids after replay: %d vs %d", id3, id3r)
	}
}
