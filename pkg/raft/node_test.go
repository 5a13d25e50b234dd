package raft_test

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vzdtic/bifrost/pkg/raft"
	"github.com/vzdtic/bifrost/pkg/rpc"
	"github.com/vzdtic/bifrost/pkg/wal"
)

// appendSM records every applied payload, once per log entry.
type appendSM struct {
	mu      sync.Mutex
	applied []string
}

func (s *appendSM) Apply(entry *raft.LogEntry) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = append(s.applied, string(entry.Data))
	return entry.Data, nil
}

func (s *appendSM) Snapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s.applied); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *appendSM) Restore(data []byte) error {
	var applied []string
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&applied); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = applied
	return nil
}

func (s *appendSM) count(payload string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.applied {
		if p == payload {
			n++
		}
	}
	return n
}

type testCluster struct {
	nodes     []*raft.Node
	sms       []*appendSM
	transport *rpc.LocalTransport
}

func newTestCluster(t *testing.T, size int) *testCluster {
	t.Helper()

	transport := rpc.NewLocalTransport()
	c := &testCluster{
		nodes:     make([]*raft.Node, size),
		sms:       make([]*appendSM, size),
		transport: transport,
	}

	for i := 0; i < size; i++ {
		id := fmt.Sprintf("node-%d", i)
		peers := make([]string, 0, size-1)
		for j := 0; j < size; j++ {
			if j != i {
				peers = append(peers, fmt.Sprintf("node-%d", j))
			}
		}

		w, err := wal.New(t.TempDir())
		if err != nil {
			t.Fatalf("Failed to open WAL: %v", err)
		}

		config := raft.NodeConfig{
			ID:                 id,
			Peers:              peers,
			ElectionTimeoutMin: 150 * time.Millisecond,
			ElectionTimeoutMax: 300 * time.Millisecond,
			HeartbeatInterval:  50 * time.Millisecond,
		}

		node := raft.NewNode(config, transport, w, nil)
		sm := &appendSM{}
		node.RegisterStateMachine(sm)
		transport.Register(id, node)

		c.nodes[i] = node
		c.sms[i] = sm
	}

	return c
}

func (c *testCluster) start(t *testing.T) {
	t.Helper()
	for _, node := range c.nodes {
		if err := node.Start(); err != nil {
			t.Fatalf("Failed to start node: %v", err)
		}
	}
	c.nodes[0].Bootstrap()
}

func (c *testCluster) stop() {
	for _, node := range c.nodes {
		node.Stop()
	}
}

func (c *testCluster) waitForLeader(t *testing.T, timeout time.Duration) *raft.Node {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, node := range c.nodes {
			if node.IsLeader() {
				return node
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("No leader elected within timeout")
	return nil
}

func (c *testCluster) waitForLeaderExcluding(t *testing.T, excluded string, timeout time.Duration) *raft.Node {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, node := range c.nodes {
			if node.ID() != excluded && node.IsLeader() {
				return node
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("No replacement leader elected within timeout")
	return nil
}

func TestSingleNodeBecomesLeader(t *testing.T) {
	c := newTestCluster(t, 1)
	defer c.stop()
	c.start(t)

	leader := c.waitForLeader(t, 2*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := leader.Propose(ctx, 2, 0, []byte("hello"))
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	if string(result.Data) != "hello" {
		t.Errorf("Expected echoed result, got %q", result.Data)
	}
	if c.sms[0].count("hello") != 1 {
		t.Errorf("Expected exactly 1 application, got %d", c.sms[0].count("hello"))
	}
}

func TestThreeNodesElectOneLeader(t *testing.T) {
	c := newTestCluster(t, 3)
	defer c.stop()
	c.start(t)

	c.waitForLeader(t, 5*time.Second)
	time.Sleep(300 * time.Millisecond)

	leaders := 0
	for _, node := range c.nodes {
		if node.IsLeader() {
			leaders++
		}
	}
	if leaders != 1 {
		t.Errorf("Expected exactly 1 leader, got %d", leaders)
	}
}

func TestCommandReplicatesToAllNodes(t *testing.T) {
	c := newTestCluster(t, 3)
	defer c.stop()
	c.start(t)

	leader := c.waitForLeader(t, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if _, err := leader.Propose(ctx, 2, 0, []byte("replicated")); err != nil {
		t.Fatalf("Propose failed: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		done := 0
		for _, sm := range c.sms {
			if sm.count("replicated") == 1 {
				done++
			}
		}
		if done == len(c.sms) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	for i, sm := range c.sms {
		if n := sm.count("replicated"); n != 1 {
			t.Errorf("Node %d applied the command %d times", i, n)
		}
	}
}

func TestProposeOnFollowerFails(t *testing.T) {
	c := newTestCluster(t, 3)
	defer c.stop()
	c.start(t)

	leader := c.waitForLeader(t, 5*time.Second)

	var follower *raft.Node
	for _, node := range c.nodes {
		if node != leader {
			follower = node
			break
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := follower.Propose(ctx, 2, 0, []byte("nope")); !errors.Is(err, raft.ErrNotLeader) {
		t.Errorf("Expected ErrNotLeader, got %v", err)
	}
}

func TestLeaderHandoff(t *testing.T) {
	c := newTestCluster(t, 3)
	defer c.stop()
	c.start(t)

	leader := c.waitForLeader(t, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := leader.Propose(ctx, 2, 0, []byte("before")); err != nil {
		t.Fatalf("Propose before handoff failed: %v", err)
	}

	// Cut the leader off; the rest elect a replacement.
	c.transport.Partition(leader.ID())

	newLeader := c.waitForLeaderExcluding(t, leader.ID(), 5*time.Second)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel2()
	if _, err := newLeader.Propose(ctx2, 2, 0, []byte("after")); err != nil {
		t.Fatalf("Propose after handoff failed: %v", err)
	}

	// Heal and let the old leader catch up.
	c.transport.Heal(leader.ID())
	time.Sleep(time.Second)

	// No command is applied twice anywhere.
	for i, sm := range c.sms {
		for _, payload := range []string{"before", "after"} {
			if n := sm.count(payload); n > 1 {
				t.Errorf("Node %d applied %q %d times", i, payload, n)
			}
		}
	}
	if n := c.sms[0].count("after"); n > 1 {
		t.Errorf("Duplicate application on node 0: %d", n)
	}
}

func TestSnapshotRestoreOnRestart(t *testing.T) {
	dir := t.TempDir()

	transport := rpc.NewLocalTransport()
	w, err := wal.New(dir)
	if err != nil {
		t.Fatalf("Failed to open WAL: %v", err)
	}

	config := raft.NodeConfig{
		ID:                 "node-0",
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
	}

	node := raft.NewNode(config, transport, w, nil)
	sm := &appendSM{}
	node.RegisterStateMachine(sm)
	transport.Register("node-0", node)

	if err := node.Start(); err != nil {
		t.Fatalf("Failed to start node: %v", err)
	}
	node.Bootstrap()

	deadline := time.Now().Add(2 * time.Second)
	for !node.IsLeader() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var lastIndex uint64
	for i := 0; i < 5; i++ {
		result, err := node.Propose(ctx, 2, 0, []byte(fmt.Sprintf("cmd-%d", i)))
		if err != nil {
			t.Fatalf("Propose %d failed: %v", i, err)
		}
		lastIndex = result.Index
	}

	if err := node.TakeSnapshot(lastIndex); err != nil {
		t.Fatalf("TakeSnapshot failed: %v", err)
	}
	node.Stop()

	// Restart from the same storage; the snapshot rebuilds the state
	// machine without replaying the compacted prefix.
	w2, err := wal.New(dir)
	if err != nil {
		t.Fatalf("Failed to reopen WAL: %v", err)
	}
	node2 := raft.NewNode(config, rpc.NewLocalTransport(), w2, nil)
	sm2 := &appendSM{}
	node2.RegisterStateMachine(sm2)

	if err := node2.Start(); err != nil {
		t.Fatalf("Failed to restart node: %v", err)
	}
	defer node2.Stop()

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sm2.count("cmd-4") == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	for i := 0; i < 5; i++ {
		payload := fmt.Sprintf("cmd-%d", i)
		if n := sm2.count(payload); n != 1 {
			t.Errorf("Expected %q applied once after restart, got %d", payload, n)
		}
	}
}
