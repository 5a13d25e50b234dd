package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/vzdtic/bifrost/pkg/pubsub"
	"github.com/vzdtic/bifrost/pkg/raft"
	"github.com/vzdtic/bifrost/pkg/rsm"
)

// Backend is what the server serves: replicated execution, local
// queries, heartbeats, and event subscriptions.
type Backend interface {
	Execute(ctx context.Context, smID, fnID uint64, data []byte) ([]byte, error)
	Query(smID, fnID uint64, data []byte) ([]byte, error)
	Ping(id uint64)
	Subscribe(smID, fnID, filter uint64) (*pubsub.Subscription, error)
	LeaderID() string
}

// Server hosts the RSM, heartbeat, and consensus peer services on one
// gRPC listener.
type Server struct {
	addr       string
	backend    Backend
	node       *raft.Node
	peerAddrs  map[string]string
	grpcServer *grpc.Server
	listener   net.Listener
	logger     *zap.SugaredLogger
}

// NewServer creates a server. peerAddrs maps consensus node ids to their
// client-visible addresses; it feeds the leader hint in redirects.
func NewServer(addr string, node *raft.Node, backend Backend, peerAddrs map[string]string, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if peerAddrs == nil {
		peerAddrs = make(map[string]string)
	}
	return &Server{
		addr:      addr,
		backend:   backend,
		node:      node,
		peerAddrs: peerAddrs,
		logger:    logger,
	}
}

// Start begins listening and serving.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener

	s.grpcServer = grpc.NewServer(grpc.ForceServerCodec(Codec{}))
	s.grpcServer.RegisterService(&hostServiceDesc, s)
	s.grpcServer.RegisterService(&heartbeatServiceDesc, s)
	if s.node != nil {
		s.grpcServer.RegisterService(&consensusServiceDesc, s)
	}

	go func() {
		if err := s.grpcServer.Serve(listener); err != nil {
			s.logger.Warnw("gRPC server stopped", "addr", s.addr, "error", err)
		}
	}()

	return nil
}

// Run serves until ctx is cancelled, then drains gracefully.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		s.Stop()
		return ctx.Err()
	})
	return g.Wait()
}

// Stop drains in-flight RPCs and closes the listener.
func (s *Server) Stop() {
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Handlers.

func (s *Server) execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	data, err := s.backend.Execute(ctx, req.SmID, req.FnID, req.Data)
	resp := &ExecuteResponse{
		Data:    data,
		ErrCode: executeErrCode(err),
	}
	if resp.ErrCode == rsm.CodeNotCommitted {
		if leader := s.backend.LeaderID(); leader != "" {
			resp.LeaderHint = s.peerAddrs[leader]
		}
	}
	return resp, nil
}

func (s *Server) query(_ context.Context, req *QueryRequest) (*QueryResponse, error) {
	data, err := s.backend.Query(req.SmID, req.FnID, req.Data)
	return &QueryResponse{
		Data:    data,
		ErrCode: rsm.CodeOf(err),
	}, nil
}

func (s *Server) ping(_ context.Context, req *PingRequest) (*PingResponse, error) {
	s.backend.Ping(req.ID)
	return &PingResponse{}, nil
}

// subscribe pumps bus events onto the stream until the client goes away.
// Disconnection silently removes the subscription; nothing survives a
// subscriber restart.
func (s *Server) subscribe(req *SubscribeRequest, stream grpc.ServerStream) error {
	sub, err := s.backend.Subscribe(req.SmID, req.FnID, req.Filter)
	if err != nil {
		return err
	}
	defer sub.Close()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			msg := &EventMessage{
				SmID:    ev.SmID,
				FnID:    ev.FnID,
				Filter:  ev.Filter,
				Payload: ev.Payload,
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

// executeErrCode folds propose failures into the wire taxonomy. A leader
// change or timeout maps to NotCommitted: the command may or may not
// land, and retrying is safe because every command is idempotent.
func executeErrCode(err error) rsm.ErrCode {
	switch {
	case err == nil:
		return rsm.CodeOK
	case errors.Is(err, raft.ErrNotLeader),
		errors.Is(err, raft.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return rsm.CodeNotCommitted
	default:
		return rsm.CodeOf(err)
	}
}

// Consensus peer handlers.

func (s *Server) requestVote(_ context.Context, args *raft.RequestVoteArgs) (*raft.RequestVoteReply, error) {
	return s.node.HandleRequestVote(args), nil
}

func (s *Server) appendEntries(_ context.Context, args *raft.AppendEntriesArgs) (*raft.AppendEntriesReply, error) {
	return s.node.HandleAppendEntries(args), nil
}

func (s *Server) installSnapshot(_ context.Context, args *raft.InstallSnapshotArgs) (*raft.InstallSnapshotReply, error) {
	return s.node.HandleInstallSnapshot(args), nil
}

// Service descriptors. Hand-written: the wire surface is small and gob
// carries the payloads, so there is no generated scaffolding.

var hostServiceDesc = grpc.ServiceDesc{
	ServiceName: hostServiceName,
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: executeHandler},
		{MethodName: "Query", Handler: queryHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: subscribeHandler, ServerStreams: true},
	},
}

var heartbeatServiceDesc = grpc.ServiceDesc{
	ServiceName: heartbeatServiceName,
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Ping", Handler: pingHandler},
	},
}

var consensusServiceDesc = grpc.ServiceDesc{
	ServiceName: consensusServiceName,
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestVote", Handler: requestVoteHandler},
		{MethodName: "AppendEntries", Handler: appendEntriesHandler},
		{MethodName: "InstallSnapshot", Handler: installSnapshotHandler},
	},
}

func executeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ExecuteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodExecute}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).execute(ctx, req.(*ExecuteRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func queryHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(QueryRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).query(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodQuery}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).query(ctx, req.(*QueryRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func pingHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(PingRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).ping(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodPing}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).ping(ctx, req.(*PingRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func subscribeHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(SubscribeRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(*Server).subscribe(in, stream)
}

func requestVoteHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(raft.RequestVoteArgs)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).requestVote(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodRequestVote}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).requestVote(ctx, req.(*raft.RequestVoteArgs))
	}
	return interceptor(ctx, in, info, handler)
}

func appendEntriesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(raft.AppendEntriesArgs)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).appendEntries(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodAppendEntries}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).appendEntries(ctx, req.(*raft.AppendEntriesArgs))
	}
	return interceptor(ctx, in, info, handler)
}

func installSnapshotHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(raft.InstallSnapshotArgs)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).installSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodInstallSnapshot}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).installSnapshot(ctx, req.(*raft.InstallSnapshotArgs))
	}
	return interceptor(ctx, in, info, handler)
}
