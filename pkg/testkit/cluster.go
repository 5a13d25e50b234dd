package testkit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/vzdtic/bifrost/pkg/membership"
	"github.com/vzdtic/bifrost/pkg/pubsub"
	"github.com/vzdtic/bifrost/pkg/raft"
	"github.com/vzdtic/bifrost/pkg/rpc"
	"github.com/vzdtic/bifrost/pkg/rsm"
	"github.com/vzdtic/bifrost/pkg/wal"
)

// Cluster is an in-process consensus cluster with a membership service
// on every node, wired over the in-memory transport.
type Cluster struct {
	Nodes     []*raft.Node
	Masters   []*rsm.MasterStateMachine
	Services  []*membership.Service
	Transport *rpc.LocalTransport
	WALs      []*wal.WAL
	walDirs   []string
}

// NewCluster builds a cluster of the given size. Every node gets its own
// WAL directory, master state machine, and membership service; nothing
// is started yet.
func NewCluster(size int, config membership.ServiceConfig) (*Cluster, error) {
	transport := rpc.NewLocalTransport()

	nodeIDs := make([]string, size)
	for i := 0; i < size; i++ {
		nodeIDs[i] = fmt.Sprintf("node-%d", i)
	}

	c := &Cluster{
		Nodes:     make([]*raft.Node, size),
		Masters:   make([]*rsm.MasterStateMachine, size),
		Services:  make([]*membership.Service, size),
		Transport: transport,
		WALs:      make([]*wal.WAL, size),
		walDirs:   make([]string, size),
	}

	for i := 0; i < size; i++ {
		peers := make([]string, 0, size-1)
		for j := 0; j < size; j++ {
			if i != j {
				peers = append(peers, nodeIDs[j])
			}
		}

		walDir, err := os.MkdirTemp("", "bifrost-test-wal-")
		if err != nil {
			c.Cleanup()
			return nil, err
		}
		c.walDirs[i] = walDir

		w, err := wal.New(walDir)
		if err != nil {
			c.Cleanup()
			return nil, err
		}
		c.WALs[i] = w

		nodeConfig := raft.NodeConfig{
			ID:                 nodeIDs[i],
			Peers:              peers,
			ElectionTimeoutMin: 150 * time.Millisecond,
			ElectionTimeoutMax: 300 * time.Millisecond,
			HeartbeatInterval:  50 * time.Millisecond,
			SnapshotThreshold:  0, // tests snapshot explicitly
		}

		node := raft.NewNode(nodeConfig, transport, w, zap.NewNop().Sugar())
		master := rsm.NewMasterStateMachine(nil)
		node.RegisterStateMachine(master)

		c.Nodes[i] = node
		c.Masters[i] = master
		c.Services[i] = membership.NewService(node, master, config, nil)
		transport.Register(nodeIDs[i], node)
	}

	return c, nil
}

// Start starts every node and service and arms an immediate election.
func (c *Cluster) Start() error {
	for _, node := range c.Nodes {
		if err := node.Start(); err != nil {
			return err
		}
	}
	for _, svc := range c.Services {
		svc.Start()
	}
	if len(c.Nodes) > 0 {
		c.Nodes[0].Bootstrap()
	}
	return nil
}

// Stop stops every service and node.
func (c *Cluster) Stop() {
	for _, svc := range c.Services {
		if svc != nil {
			svc.Stop()
		}
	}
	for _, node := range c.Nodes {
		if node != nil {
			node.Stop()
		}
	}
}

// Cleanup stops the cluster and removes its WAL directories.
func (c *Cluster) Cleanup() {
	c.Stop()
	time.Sleep(50 * time.Millisecond)
	for _, dir := range c.walDirs {
		if dir != "" {
			os.RemoveAll(dir)
		}
	}
}

// WaitForLeader blocks until some node considers itself leader.
func (c *Cluster) WaitForLeader(timeout time.Duration) (*raft.Node, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, node := range c.Nodes {
			if node.IsLeader() {
				return node, nil
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil, errors.New("no leader elected within timeout")
}

// LeaderService returns the membership service running on the leader.
func (c *Cluster) LeaderService(timeout time.Duration) (*membership.Service, error) {
	leader, err := c.WaitForLeader(timeout)
	if err != nil {
		return nil, err
	}
	for i, node := range c.Nodes {
		if node == leader {
			return c.Services[i], nil
		}
	}
	return nil, errors.New("leader has no service")
}

// Conn returns an in-process client connection to node i's service.
func (c *Cluster) Conn(i int) *LocalConn {
	return &LocalConn{svc: c.Services[i]}
}

// LocalConn adapts a Service into the client-side Conn, skipping the
// RPC layer entirely. Errors are folded into the same taxonomy the
// remote client produces.
type LocalConn struct {
	svc *membership.Service
}

func (c *LocalConn) Execute(ctx context.Context, smID, fnID uint64, data []byte) ([]byte, error) {
	out, err := c.svc.Execute(ctx, smID, fnID, data)
	if err != nil {
		return nil, mapExecErr(err)
	}
	return out, nil
}

func (c *LocalConn) Query(_ context.Context, smID, fnID uint64, data []byte) ([]byte, error) {
	return c.svc.Query(smID, fnID, data)
}

func (c *LocalConn) Ping(_ context.Context, id uint64) error {
	c.svc.Ping(id)
	return nil
}

func (c *LocalConn) Subscribe(_ context.Context, smID, fnID, filter uint64) (pubsub.EventStream, error) {
	sub, err := c.svc.Subscribe(smID, fnID, filter)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func mapExecErr(err error) error {
	if _, ok := err.(*rsm.ExecError); ok {
		return err
	}
	switch {
	case errors.Is(err, raft.ErrNotLeader),
		errors.Is(err, raft.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return rsm.ErrNotCommitted
	default:
		return rsm.ErrUnknown
	}
}
