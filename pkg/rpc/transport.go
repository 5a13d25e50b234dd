package rpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/vzdtic/bifrost/pkg/raft"
)

// GRPCTransport carries consensus peer RPCs over gRPC. Connections are
// created lazily and reused; a failed peer's connection is rebuilt on
// the next call by gRPC's own reconnect machinery.
type GRPCTransport struct {
	mu        sync.RWMutex
	peerAddrs map[string]string
	conns     map[string]*grpc.ClientConn
	timeout   time.Duration
}

// NewGRPCTransport creates a transport. peerAddrs maps node ids to their
// listen addresses.
func NewGRPCTransport(peerAddrs map[string]string) *GRPCTransport {
	addrs := make(map[string]string, len(peerAddrs))
	for id, addr := range peerAddrs {
		addrs[id] = addr
	}
	return &GRPCTransport{
		peerAddrs: addrs,
		conns:     make(map[string]*grpc.ClientConn),
		timeout:   2 * time.Second,
	}
}

// SetPeer adds or updates a peer address, e.g. after a config change.
func (t *GRPCTransport) SetPeer(id, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peerAddrs[id] = addr
}

// RemovePeer drops a peer and its connection.
func (t *GRPCTransport) RemovePeer(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peerAddrs, id)
	if conn, ok := t.conns[id]; ok {
		conn.Close()
		delete(t.conns, id)
	}
}

func (t *GRPCTransport) RequestVote(target string, args *raft.RequestVoteArgs) (*raft.RequestVoteReply, error) {
	conn, err := t.getConn(target)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	var reply raft.RequestVoteReply
	if err := conn.Invoke(ctx, methodRequestVote, args, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (t *GRPCTransport) AppendEntries(target string, args *raft.AppendEntriesArgs) (*raft.AppendEntriesReply, error) {
	conn, err := t.getConn(target)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	var reply raft.AppendEntriesReply
	if err := conn.Invoke(ctx, methodAppendEntries, args, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (t *GRPCTransport) InstallSnapshot(target string, args *raft.InstallSnapshotArgs) (*raft.InstallSnapshotReply, error) {
	conn, err := t.getConn(target)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	var reply raft.InstallSnapshotReply
	if err := conn.Invoke(ctx, methodInstallSnapshot, args, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Close closes every peer connection.
func (t *GRPCTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, conn := range t.conns {
		conn.Close()
		delete(t.conns, id)
	}
}

func (t *GRPCTransport) getConn(target string) (*grpc.ClientConn, error) {
	t.mu.RLock()
	if conn, ok := t.conns[target]; ok {
		t.mu.RUnlock()
		return conn, nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	if conn, ok := t.conns[target]; ok {
		return conn, nil
	}

	addr, ok := t.peerAddrs[target]
	if !ok {
		return nil, fmt.Errorf("unknown peer %s: %w", target, raft.ErrNodeNotFound)
	}

	conn, err := grpc.Dial(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(Codec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	t.conns[target] = conn
	return conn, nil
}
