package main

import (
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vzdtic/bifrost/pkg/membership"
	"github.com/vzdtic/bifrost/pkg/raft"
	"github.com/vzdtic/bifrost/pkg/rpc"
	"github.com/vzdtic/bifrost/pkg/rsm"
	"github.com/vzdtic/bifrost/pkg/wal"
)

func main() {
	nodeID := flag.String("id", "", "Node ID")
	addr := flag.String("addr", "", "gRPC listen address (e.g., localhost:5000)")
	peers := flag.String("peers", "", "Comma-separated list of peer addresses (id1=addr1,id2=addr2)")
	walDir := flag.String("wal", "", "WAL directory path")
	bootstrap := flag.Bool("bootstrap", false, "Bootstrap a fresh cluster from this node")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	if *nodeID == "" || *addr == "" {
		flag.Usage()
		os.Exit(1)
	}

	peerAddrs := make(map[string]string)
	peerIDs := make([]string, 0)
	if *peers != "" {
		for _, peer := range strings.Split(*peers, ",") {
			parts := strings.SplitN(peer, "=", 2)
			if len(parts) == 2 {
				peerAddrs[parts[0]] = parts[1]
				if parts[0] != *nodeID {
					peerIDs = append(peerIDs, parts[0])
				}
			}
		}
	}
	peerAddrs[*nodeID] = *addr

	walPath := *walDir
	if walPath == "" {
		walPath = "/tmp/bifrost-wal-" + *nodeID
	}

	sugar.Infow("starting membership node",
		"node", *nodeID, "addr", *addr, "peers", peerIDs, "wal", walPath)

	storage, err := wal.New(walPath)
	if err != nil {
		sugar.Fatalw("failed to open WAL", "error", err)
	}

	transport := rpc.NewGRPCTransport(peerAddrs)

	config := raft.NodeConfig{
		ID:                 *nodeID,
		Peers:              peerIDs,
		ElectionTimeoutMin: 500 * time.Millisecond,
		ElectionTimeoutMax: 1000 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
		SnapshotThreshold:  1000,
	}

	node := raft.NewNode(config, transport, storage, sugar)
	master := rsm.NewMasterStateMachine(sugar)
	node.RegisterStateMachine(master)

	service := membership.NewService(node, master, membership.DefaultServiceConfig(), sugar)

	server := rpc.NewServer(*addr, node, service, peerAddrs, sugar)
	if err := server.Start(); err != nil {
		sugar.Fatalw("failed to start gRPC server", "error", err)
	}

	if err := node.Start(); err != nil {
		sugar.Fatalw("failed to start node", "error", err)
	}
	service.Start()

	if *bootstrap {
		node.Bootstrap()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	sugar.Infow("shutting down")

	service.Stop()
	server.Stop()
	transport.Close()
	node.Stop()

	sugar.Infow("shutdown complete")
}
