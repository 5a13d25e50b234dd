package rpc

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/vzdtic/bifrost/pkg/pubsub"
	"github.com/vzdtic/bifrost/pkg/rsm"
)

// DefaultMaxRetries bounds command retries before TooManyRetry.
const DefaultMaxRetries = 5

var subscribeStreamDesc = grpc.StreamDesc{
	StreamName:    "Subscribe",
	ServerStreams: true,
}

// Client talks to a membership cluster through any of its servers. It
// follows leader hints for commands, retries transient failures with
// exponential backoff, and folds transport failures into the
// replicated-execution taxonomy: ServersUnreachable when nothing
// answers, NotCommitted when a leader was lost mid-flight, TooManyRetry
// once the retry budget runs out.
type Client struct {
	mu         sync.Mutex
	seeds      []string
	conns      map[string]*grpc.ClientConn
	leaderAddr string
	nextSeed   int
	maxRetries uint64
	logger     *zap.SugaredLogger
}

// NewClient creates a client over the given seed addresses.
func NewClient(seeds []string, logger *zap.SugaredLogger) *Client {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Client{
		seeds:      append([]string(nil), seeds...),
		conns:      make(map[string]*grpc.ClientConn),
		maxRetries: DefaultMaxRetries,
		logger:     logger,
	}
}

// Execute proposes a replicated command, following leader hints and
// retrying until committed or out of budget.
func (c *Client) Execute(ctx context.Context, smID, fnID uint64, data []byte) ([]byte, error) {
	req := &ExecuteRequest{SmID: smID, FnID: fnID, Data: data}

	var (
		resp    ExecuteResponse
		sawWire bool
	)

	op := func() error {
		addr := c.target()
		conn, err := c.getConn(addr)
		if err != nil {
			c.rotate(addr)
			return err
		}

		resp = ExecuteResponse{}
		if err := conn.Invoke(ctx, methodExecute, req, &resp); err != nil {
			c.logger.Debugw("execute RPC failed", "addr", addr, "error", err)
			c.rotate(addr)
			return err
		}

		sawWire = true
		switch resp.ErrCode {
		case rsm.CodeOK:
			return nil
		case rsm.CodeNotCommitted:
			if resp.LeaderHint != "" {
				c.setLeader(resp.LeaderHint)
			} else {
				c.rotate(addr)
			}
			return rsm.ErrNotCommitted
		default:
			// Routing and execution errors are never retried.
			return backoff.Permanent(rsm.FromCode(resp.ErrCode))
		}
	}

	err := backoff.Retry(op, c.newBackOff(ctx))
	if err == nil {
		return resp.Data, nil
	}

	var execErr *rsm.ExecError
	if errors.As(err, &execErr) {
		if execErr.Code == rsm.CodeNotCommitted {
			// The retry budget ran out chasing leaders.
			return nil, rsm.ErrTooManyRetry
		}
		return nil, execErr
	}
	if sawWire {
		return nil, rsm.ErrTooManyRetry
	}
	return nil, rsm.ErrServersUnreachable
}

// Query dispatches a read-only operation against any reachable server.
func (c *Client) Query(ctx context.Context, smID, fnID uint64, data []byte) ([]byte, error) {
	req := &QueryRequest{SmID: smID, FnID: fnID, Data: data}

	var (
		resp    QueryResponse
		sawWire bool
	)

	op := func() error {
		addr := c.target()
		conn, err := c.getConn(addr)
		if err != nil {
			c.rotate(addr)
			return err
		}

		resp = QueryResponse{}
		if err := conn.Invoke(ctx, methodQuery, req, &resp); err != nil {
			c.logger.Debugw("query RPC failed", "addr", addr, "error", err)
			c.rotate(addr)
			return err
		}

		sawWire = true
		if resp.ErrCode != rsm.CodeOK {
			return backoff.Permanent(rsm.FromCode(resp.ErrCode))
		}
		return nil
	}

	err := backoff.Retry(op, c.newBackOff(ctx))
	if err == nil {
		return resp.Data, nil
	}

	var execErr *rsm.ExecError
	if errors.As(err, &execErr) {
		return nil, execErr
	}
	if sawWire {
		return nil, rsm.ErrTooManyRetry
	}
	return nil, rsm.ErrServersUnreachable
}

// Ping sends one heartbeat to the current target. Pings are cheap and
// periodic; a lost one is simply replaced by the next, so there is no
// retry loop here.
func (c *Client) Ping(ctx context.Context, id uint64) error {
	addr := c.target()
	conn, err := c.getConn(addr)
	if err != nil {
		c.rotate(addr)
		return rsm.ErrCannotConstructClient
	}

	var resp PingResponse
	if err := conn.Invoke(ctx, methodPing, &PingRequest{ID: id}, &resp); err != nil {
		c.rotate(addr)
		return rsm.ErrServersUnreachable
	}
	return nil
}

// Subscribe opens an event stream on a reachable server.
func (c *Client) Subscribe(ctx context.Context, smID, fnID, filter uint64) (pubsub.EventStream, error) {
	addr := c.target()
	conn, err := c.getConn(addr)
	if err != nil {
		c.rotate(addr)
		return nil, rsm.ErrCannotConstructClient
	}

	streamCtx, cancel := context.WithCancel(ctx)
	cs, err := conn.NewStream(streamCtx, &subscribeStreamDesc, methodSubscribe)
	if err != nil {
		cancel()
		c.rotate(addr)
		return nil, rsm.ErrServersUnreachable
	}

	req := &SubscribeRequest{SmID: smID, FnID: fnID, Filter: filter}
	if err := cs.SendMsg(req); err != nil {
		cancel()
		return nil, rsm.ErrServersUnreachable
	}
	if err := cs.CloseSend(); err != nil {
		cancel()
		return nil, rsm.ErrServersUnreachable
	}

	return &clientStream{cs: cs, cancel: cancel}, nil
}

// Close tears down every connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for addr, conn := range c.conns {
		conn.Close()
		delete(c.conns, addr)
	}
}

// clientStream adapts a grpc stream to pubsub.EventStream.
type clientStream struct {
	cs     grpc.ClientStream
	cancel context.CancelFunc
}

func (s *clientStream) Recv() (*pubsub.Event, error) {
	var msg EventMessage
	if err := s.cs.RecvMsg(&msg); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, err
	}
	return &pubsub.Event{
		SmID:    msg.SmID,
		FnID:    msg.FnID,
		Filter:  msg.Filter,
		Payload: msg.Payload,
	}, nil
}

func (s *clientStream) Close() error {
	// Cancelling the stream context tears the subscription down on the
	// server side as well.
	s.cancel()
	return nil
}

func (c *Client) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	return backoff.WithContext(backoff.WithMaxRetries(b, c.maxRetries), ctx)
}

// target prefers the known leader, falling back to seed rotation.
func (c *Client) target() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.leaderAddr != "" {
		return c.leaderAddr
	}
	if len(c.seeds) == 0 {
		return ""
	}
	return c.seeds[c.nextSeed%len(c.seeds)]
}

func (c *Client) setLeader(addr string) {
	c.mu.Lock()
	c.leaderAddr = addr
	c.mu.Unlock()
}

// rotate abandons addr as a target and moves to the next seed.
func (c *Client) rotate(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.leaderAddr == addr {
		c.leaderAddr = ""
	}
	c.nextSeed++
}

func (c *Client) getConn(addr string) (*grpc.ClientConn, error) {
	if addr == "" {
		return nil, rsm.ErrCannotConstructClient
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.conns[addr]; ok {
		return conn, nil
	}

	conn, err := grpc.Dial(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(Codec{})),
	)
	if err != nil {
		return nil, err
	}

	c.conns[addr] = conn
	return conn, nil
}
