package rsm

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/vzdtic/bifrost/pkg/raft"
)

// snapshotItem pairs a sub-state-machine id with its snapshot blob.
type snapshotItem struct {
	SmID uint64
	Data []byte
}

// MasterStateMachine multiplexes sub-state-machines onto a single
// replicated log. It routes committed entries by sm id, aggregates
// per-sub snapshots into one blob, and buffers recovery snapshots for
// subs that have not registered yet (snapshot replay can precede
// registration during boot).
type MasterStateMachine struct {
	mu        sync.RWMutex
	subs      map[uint64]SubStateMachine
	snapshots map[uint64][]byte
	configs   *Configs
	logger    *zap.SugaredLogger
}

// NewMasterStateMachine creates a master with an empty registry and a
// fresh config sub.
func NewMasterStateMachine(logger *zap.SugaredLogger) *MasterStateMachine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &MasterStateMachine{
		subs:      make(map[uint64]SubStateMachine),
		snapshots: make(map[uint64][]byte),
		configs:   NewConfigs(),
		logger:    logger,
	}
}

// Register adds a sub-state-machine under its id. If a buffered snapshot
// is waiting for this id it is handed to the sub before the sub goes
// live, so registration order and snapshot replay order are decoupled.
func (m *MasterStateMachine) Register(sub SubStateMachine) RegisterResult {
	id := sub.ID()
	if id < 2 {
		return RegisterReserved
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subs[id]; ok {
		return RegisterExists
	}

	if snapshot, ok := m.snapshots[id]; ok {
		if err := sub.Recover(snapshot); err != nil {
			m.logger.Warnw("failed to recover sub from buffered snapshot", "sm", id, "error", err)
		}
		delete(m.snapshots, id)
	}

	m.subs[id] = sub
	return RegisterOK
}

// Has reports whether a sub is registered under id.
func (m *MasterStateMachine) Has(id uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.subs[id]
	return ok
}

// Clear drops every registered sub.
func (m *MasterStateMachine) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = make(map[uint64]SubStateMachine)
}

// Configs returns the config sub (consensus peer set mirror).
func (m *MasterStateMachine) Configs() *Configs {
	return m.configs
}

// Apply routes a committed entry to the sub registered under its sm id.
// Called from the driver's single apply goroutine.
func (m *MasterStateMachine) Apply(entry *raft.LogEntry) ([]byte, error) {
	if entry.SmID == raft.ConfigSmID {
		return m.configs.ApplyCmd(entry.FnID, entry.Data)
	}

	m.mu.RLock()
	sub, ok := m.subs[entry.SmID]
	m.mu.RUnlock()

	if !ok {
		m.logger.Debugw("no state machine for command", "sm", entry.SmID, "registered", m.registeredIDs())
		return nil, ErrSmNotFound
	}

	return sub.ApplyCmd(entry.FnID, entry.Data)
}

// Query dispatches a read-only entry against last-applied state. It does
// not advance the log.
func (m *MasterStateMachine) Query(entry *raft.LogEntry) ([]byte, error) {
	if entry.SmID == raft.ConfigSmID {
		return m.configs.ExecQry(entry.FnID, entry.Data)
	}

	m.mu.RLock()
	sub, ok := m.subs[entry.SmID]
	m.mu.RUnlock()

	if !ok {
		m.logger.Debugw("no state machine for query", "sm", entry.SmID, "registered", m.registeredIDs())
		return nil, ErrSmNotFound
	}

	return sub.ExecQry(entry.FnID, entry.Data)
}

// Snapshot aggregates every sub's snapshot, plus the config sub, into a
// single blob: a gob-encoded sequence of (sm_id, sub_blob) items.
func (m *MasterStateMachine) Snapshot() ([]byte, error) {
	m.mu.RLock()
	subs := make([]SubStateMachine, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.RUnlock()

	items := make([]snapshotItem, 0, len(subs)+1)
	for _, sub := range subs {
		data, err := sub.Snapshot()
		if err != nil {
			return nil, fmt.Errorf("snapshot of sm %d: %w", sub.ID(), err)
		}
		if data != nil {
			items = append(items, snapshotItem{SmID: sub.ID(), Data: data})
		}
	}

	configData, err := m.configs.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot of config sub: %w", err)
	}
	items = append(items, snapshotItem{SmID: raft.ConfigSmID, Data: configData})

	sort.Slice(items, func(i, j int) bool { return items[i].SmID < items[j].SmID })

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(items); err != nil {
		return nil, fmt.Errorf("failed to encode snapshot items: %w", err)
	}
	return buf.Bytes(), nil
}

// Restore fans the aggregate blob back out: registered subs recover
// immediately, the rest of the items are buffered until their sub
// registers.
func (m *MasterStateMachine) Restore(data []byte) error {
	var items []snapshotItem
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&items); err != nil {
		return fmt.Errorf("failed to decode snapshot items: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, item := range items {
		if item.SmID == raft.ConfigSmID {
			if err := m.configs.Recover(item.Data); err != nil {
				return fmt.Errorf("failed to recover config sub: %w", err)
			}
			continue
		}
		if sub, ok := m.subs[item.SmID]; ok {
			if err := sub.Recover(item.Data); err != nil {
				return fmt.Errorf("failed to recover sm %d: %w", item.SmID, err)
			}
		} else {
			m.snapshots[item.SmID] = item.Data
		}
	}

	return nil
}

func (m *MasterStateMachine) registeredIDs() []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uint64, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
