package membership

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultHeartbeatInterval is how often a member pings the cluster.
const DefaultHeartbeatInterval = time.Second

// MemberService is an ObserverClient bound to a local member identity.
// It joins on construction and keeps the member alive with a heartbeat
// loop. Close stops the heartbeats only — the member then drifts to
// offline naturally; Leave removes it from the replicated state first.
type MemberService struct {
	observer *ObserverClient
	conn     Conn
	id       uint64
	address  string
	interval time.Duration
	logger   *zap.SugaredLogger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewMemberService joins address into the cluster and starts the
// heartbeat loop.
func NewMemberService(ctx context.Context, conn Conn, address string, interval time.Duration, logger *zap.SugaredLogger) (*MemberService, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}

	observer := NewObserverClient(conn, logger)
	id, err := observer.Join(ctx, address)
	if err != nil {
		return nil, err
	}

	m := &MemberService{
		observer: observer,
		conn:     conn,
		id:       id,
		address:  address,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}

	go m.heartbeatLoop()

	return m, nil
}

// ID returns the member's id.
func (m *MemberService) ID() uint64 {
	return m.id
}

// Address returns the address the member joined under.
func (m *MemberService) Address() string {
	return m.address
}

// Client returns the underlying observer client.
func (m *MemberService) Client() *ObserverClient {
	return m.observer
}

// JoinGroup adds this member to a named group.
func (m *MemberService) JoinGroup(ctx context.Context, group string) (bool, error) {
	return m.observer.JoinGroup(ctx, group, m.id)
}

// LeaveGroup removes this member from a group.
func (m *MemberService) LeaveGroup(ctx context.Context, group string) (bool, error) {
	return m.observer.LeaveGroup(ctx, GroupIDOf(group), m.id)
}

// Leave removes the member from the replicated state and stops the
// heartbeat loop.
func (m *MemberService) Leave(ctx context.Context) (bool, error) {
	ok, err := m.observer.Leave(ctx, m.id)
	m.Close()
	return ok, err
}

// Close stops the heartbeat loop. The member stays registered and will
// transition to offline once its heartbeats go stale.
func (m *MemberService) Close() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
}

func (m *MemberService) heartbeatLoop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	// First ping goes out right away so a freshly joined member is never
	// reaped while waiting for the first tick.
	m.ping()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
		}
		m.ping()
	}
}

func (m *MemberService) ping() {
	ctx, cancel := context.WithTimeout(context.Background(), m.interval)
	defer cancel()

	if err := m.conn.Ping(ctx, m.id); err != nil {
		m.logger.Debugw("heartbeat ping failed", "member", m.id, "error", err)
	}
}
