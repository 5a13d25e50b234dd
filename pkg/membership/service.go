package membership

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/vzdtic/bifrost/pkg/pubsub"
	"github.com/vzdtic/bifrost/pkg/raft"
	"github.com/vzdtic/bifrost/pkg/rsm"
)

// ServiceConfig tunes the reaper and the event bus.
type ServiceConfig struct {
	// ReapInterval is how often the leader scans the heartbeat map.
	ReapInterval time.Duration
	// OfflineThreshold is how stale a heartbeat may be before the member
	// is declared offline.
	OfflineThreshold time.Duration
	// EventQueueSize bounds each subscriber's event buffer.
	EventQueueSize int
}

// DefaultServiceConfig returns the production defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ReapInterval:     time.Second,
		OfflineThreshold: 5 * time.Second,
		EventQueueSize:   pubsub.DefaultQueueSize,
	}
}

// Service hosts the membership state machine on a consensus node: it
// registers the state machine with the RSM host, receives heartbeat
// pings, and runs the leader-only reaper that turns heartbeat staleness
// into replicated online/offline digests.
type Service struct {
	node    *raft.Node
	master  *rsm.MasterStateMachine
	sm      *StateMachine
	bus     *pubsub.Bus
	tracker *Tracker
	config  ServiceConfig
	logger  *zap.SugaredLogger
	stopCh  chan struct{}
}

// NewService wires a membership state machine into the given host under
// DefaultServiceID.
func NewService(node *raft.Node, master *rsm.MasterStateMachine, config ServiceConfig, logger *zap.SugaredLogger) *Service {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if config.ReapInterval <= 0 {
		config.ReapInterval = time.Second
	}
	if config.OfflineThreshold <= 0 {
		config.OfflineThreshold = 5 * time.Second
	}

	bus := pubsub.NewBus(config.EventQueueSize)
	sm := NewStateMachine(DefaultServiceID, bus, logger)
	master.Register(sm)

	return &Service{
		node:    node,
		master:  master,
		sm:      sm,
		bus:     bus,
		tracker: NewTracker(nil),
		config:  config,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the reaper loop.
func (s *Service) Start() {
	go s.reapLoop()
}

// Stop stops the reaper. The state machine stays registered; replicated
// commands keep applying until the node itself stops.
func (s *Service) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

// StateMachine exposes the underlying state machine, mainly for tests.
func (s *Service) StateMachine() *StateMachine {
	return s.sm
}

// Bus exposes the event bus for in-process subscribers.
func (s *Service) Bus() *pubsub.Bus {
	return s.bus
}

// Tracker exposes the heartbeat tracker.
func (s *Service) Tracker() *Tracker {
	return s.tracker
}

// Execute proposes a replicated command and waits for its application.
func (s *Service) Execute(ctx context.Context, smID, fnID uint64, data []byte) ([]byte, error) {
	result, err := s.node.Propose(ctx, smID, fnID, data)
	if err != nil {
		return nil, err
	}
	if result.Err != nil {
		return nil, result.Err
	}
	return result.Data, nil
}

// Query dispatches a read-only operation against last-applied state.
func (s *Service) Query(smID, fnID uint64, data []byte) ([]byte, error) {
	entry := &raft.LogEntry{SmID: smID, FnID: fnID, Data: data}
	return s.master.Query(entry)
}

// Ping records a heartbeat. Pings bypass consensus entirely.
func (s *Service) Ping(id uint64) {
	s.tracker.Ping(id)
}

// Subscribe attaches a subscriber to the event bus.
func (s *Service) Subscribe(smID, fnID, filter uint64) (*pubsub.Subscription, error) {
	return s.bus.Subscribe(smID, fnID, filter), nil
}

// IsLeader reports whether the local node currently leads the group.
func (s *Service) IsLeader() bool {
	return s.node.IsLeader()
}

// LeaderID returns the consensus leader's node id, if known.
func (s *Service) LeaderID() string {
	return s.node.LeaderID()
}

// reapLoop periodically turns heartbeat staleness into a single
// replicated digest. Only the consensus leader proposes; followers keep
// their maps warm for failover. Reapplying a digest that carries
// already-up-to-date ids is a no-op, so a leader change mid-reap is
// harmless.
func (s *Service) reapLoop() {
	ticker := time.NewTicker(s.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		}

		if !s.node.IsLeader() {
			continue
		}

		comingOnline, goingOffline := s.tracker.Delta(s.sm.OnlineMap(), s.config.OfflineThreshold)
		if len(comingOnline) == 0 && len(goingOffline) == 0 {
			continue
		}

		data, err := encode(hbOnlineChangedReq{Online: comingOnline, Offline: goingOffline})
		if err != nil {
			s.logger.Warnw("failed to encode heartbeat digest", "error", err)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.config.ReapInterval)
		_, err = s.node.Propose(ctx, DefaultServiceID, CmdHbOnlineChanged, data)
		cancel()
		if err != nil {
			s.logger.Debugw("heartbeat digest not committed", "error", err,
				"coming_online", len(comingOnline), "going_offline", len(goingOffline))
		}
	}
}
