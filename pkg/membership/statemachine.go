package membership

import (
	"sync"

	"go.uber.org/zap"

	"github.com/vzdtic/bifrost/pkg/pubsub"
	"github.com/vzdtic/bifrost/pkg/rsm"
)

type memberState struct {
	id      uint64
	address string
	online  bool
	groups  map[uint64]struct{}
}

type groupState struct {
	id        uint64
	name      string
	members   map[uint64]struct{}
	leader    uint64
	hasLeader bool
	version   uint64
}

// StateMachine is the replicated membership state: members, groups, and
// deterministically elected group leaders. Every mutation happens inside
// ApplyCmd on the host's apply goroutine; events produced by a command
// are collected under the write lock and handed to the bus after it is
// released, before the next entry is applied, preserving log order.
type StateMachine struct {
	mu            sync.RWMutex
	serviceID     uint64
	members       map[uint64]*memberState
	groups        map[uint64]*groupState
	memberVersion uint64
	bus           *pubsub.Bus
	logger        *zap.SugaredLogger
}

// NewStateMachine creates a membership state machine publishing events
// on bus under serviceID.
func NewStateMachine(serviceID uint64, bus *pubsub.Bus, logger *zap.SugaredLogger) *StateMachine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &StateMachine{
		serviceID: serviceID,
		members:   make(map[uint64]*memberState),
		groups:    make(map[uint64]*groupState),
		bus:       bus,
		logger:    logger,
	}
}

func (s *StateMachine) ID() uint64 {
	return s.serviceID
}

// ApplyCmd applies one replicated command. Commands are idempotent on
// replay; validation failures are boolean results, not errors.
func (s *StateMachine) ApplyCmd(fnID uint64, data []byte) ([]byte, error) {
	var (
		result []byte
		events []pubsub.Event
		err    error
	)

	s.mu.Lock()
	switch fnID {
	case CmdHbOnlineChanged:
		result, events, err = s.applyHbOnlineChanged(data)
	case CmdJoin:
		result, events, err = s.applyJoin(data)
	case CmdLeave:
		result, events, err = s.applyLeave(data)
	case CmdJoinGroup:
		result, events, err = s.applyJoinGroup(data)
	case CmdLeaveGroup:
		result, events, err = s.applyLeaveGroup(data)
	case CmdNewGroup:
		result, events, err = s.applyNewGroup(data)
	case CmdDelGroup:
		result, events, err = s.applyDelGroup(data)
	default:
		err = rsm.ErrFnNotFound
	}
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}

	// Fan-out happens outside the state lock but before the host moves
	// on to the next entry.
	for _, ev := range events {
		s.bus.Publish(ev)
	}

	return result, nil
}

// ExecQry answers a read-only query against last-applied state.
func (s *StateMachine) ExecQry(fnID uint64, data []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch fnID {
	case QryGroupLeader:
		return s.queryGroupLeader(data)
	case QryGroupMembers:
		return s.queryGroupMembers(data)
	case QryAllMembers:
		return s.queryAllMembers(data)
	default:
		return nil, rsm.ErrFnNotFound
	}
}

// Commands. All run under the write lock.

func (s *StateMachine) applyJoin(data []byte) ([]byte, []pubsub.Event, error) {
	var req joinReq
	if err := decode(data, &req); err != nil {
		return nil, nil, rsm.ErrUnknown
	}

	id := MemberIDOf(req.Address)
	if _, ok := s.members[id]; ok {
		// Also the id-collision path: a different address hashing onto an
		// existing member yields the existing id, no duplicate.
		result, err := encode(joinResp{OK: true, ID: id})
		return result, nil, wrapEncodeErr(err)
	}

	m := &memberState{
		id:      id,
		address: req.Address,
		online:  true,
		groups:  make(map[uint64]struct{}),
	}
	s.members[id] = m
	s.memberVersion++

	events := []pubsub.Event{s.memberEvent(EvAnyMemberJoined, 0, m, s.memberVersion)}

	result, err := encode(joinResp{OK: true, ID: id})
	return result, events, wrapEncodeErr(err)
}

func (s *StateMachine) applyLeave(data []byte) ([]byte, []pubsub.Event, error) {
	var req leaveReq
	if err := decode(data, &req); err != nil {
		return nil, nil, rsm.ErrUnknown
	}

	m, ok := s.members[req.ID]
	if !ok {
		result, err := encode(boolResp{OK: false})
		return result, nil, wrapEncodeErr(err)
	}

	var events []pubsub.Event
	for _, gid := range sortedIDs(m.groups) {
		events = append(events, s.removeFromGroup(s.groups[gid], m)...)
	}

	delete(s.members, req.ID)
	s.memberVersion++
	events = append(events, s.memberEvent(EvAnyMemberLeft, 0, m, s.memberVersion))

	result, err := encode(boolResp{OK: true})
	return result, events, wrapEncodeErr(err)
}

func (s *StateMachine) applyJoinGroup(data []byte) ([]byte, []pubsub.Event, error) {
	var req joinGroupReq
	if err := decode(data, &req); err != nil {
		return nil, nil, rsm.ErrUnknown
	}

	g, ok := s.groups[GroupIDOf(req.GroupName)]
	if !ok {
		result, err := encode(boolResp{OK: false})
		return result, nil, wrapEncodeErr(err)
	}
	m, ok := s.members[req.ID]
	if !ok {
		result, err := encode(boolResp{OK: false})
		return result, nil, wrapEncodeErr(err)
	}
	if _, ok := g.members[m.id]; ok {
		result, err := encode(boolResp{OK: false})
		return result, nil, wrapEncodeErr(err)
	}

	g.members[m.id] = struct{}{}
	m.groups[g.id] = struct{}{}
	g.version++

	events := []pubsub.Event{s.memberEvent(EvGroupMemberJoined, g.id, m, g.version)}
	events = append(events, s.recomputeLeader(g)...)

	result, err := encode(boolResp{OK: true})
	return result, events, wrapEncodeErr(err)
}

func (s *StateMachine) applyLeaveGroup(data []byte) ([]byte, []pubsub.Event, error) {
	var req leaveGroupReq
	if err := decode(data, &req); err != nil {
		return nil, nil, rsm.ErrUnknown
	}

	g, ok := s.groups[req.Group]
	if !ok {
		result, err := encode(boolResp{OK: false})
		return result, nil, wrapEncodeErr(err)
	}
	m, ok := s.members[req.ID]
	if !ok {
		result, err := encode(boolResp{OK: false})
		return result, nil, wrapEncodeErr(err)
	}
	if _, ok := g.members[m.id]; !ok {
		result, err := encode(boolResp{OK: false})
		return result, nil, wrapEncodeErr(err)
	}

	events := s.removeFromGroup(g, m)

	result, err := encode(boolResp{OK: true})
	return result, events, wrapEncodeErr(err)
}

func (s *StateMachine) applyNewGroup(data []byte) ([]byte, []pubsub.Event, error) {
	var req newGroupReq
	if err := decode(data, &req); err != nil {
		return nil, nil, rsm.ErrUnknown
	}

	id := GroupIDOf(req.Name)
	if _, ok := s.groups[id]; ok {
		result, err := encode(newGroupResp{ID: id, Existed: true})
		return result, nil, wrapEncodeErr(err)
	}

	s.groups[id] = &groupState{
		id:      id,
		name:    req.Name,
		members: make(map[uint64]struct{}),
	}

	result, err := encode(newGroupResp{ID: id})
	return result, nil, wrapEncodeErr(err)
}

func (s *StateMachine) applyDelGroup(data []byte) ([]byte, []pubsub.Event, error) {
	var req delGroupReq
	if err := decode(data, &req); err != nil {
		return nil, nil, rsm.ErrUnknown
	}

	g, ok := s.groups[req.ID]
	if !ok {
		result, err := encode(boolResp{OK: false})
		return result, nil, wrapEncodeErr(err)
	}

	var events []pubsub.Event
	for _, mid := range sortedIDs(g.members) {
		m := s.members[mid]
		delete(m.groups, g.id)
		g.version++
		events = append(events, s.memberEvent(EvGroupMemberLeft, g.id, m, g.version))
	}

	delete(s.groups, req.ID)

	result, err := encode(boolResp{OK: true})
	return result, events, wrapEncodeErr(err)
}

func (s *StateMachine) applyHbOnlineChanged(data []byte) ([]byte, []pubsub.Event, error) {
	var req hbOnlineChangedReq
	if err := decode(data, &req); err != nil {
		return nil, nil, rsm.ErrUnknown
	}

	var events []pubsub.Event

	for _, id := range req.Online {
		m, ok := s.members[id]
		if !ok || m.online {
			// Unknown or already up to date: replayed digests are no-ops.
			continue
		}
		m.online = true
		s.memberVersion++
		events = append(events, s.memberEvent(EvAnyMemberOnline, 0, m, s.memberVersion))
		events = append(events, s.flipGroups(m, EvGroupMemberOnline)...)
	}

	for _, id := range req.Offline {
		m, ok := s.members[id]
		if !ok || !m.online {
			continue
		}
		m.online = false
		s.memberVersion++
		events = append(events, s.memberEvent(EvAnyMemberOffline, 0, m, s.memberVersion))
		events = append(events, s.flipGroups(m, EvGroupMemberOffline)...)
	}

	return nil, events, nil
}

// flipGroups emits the per-group online/offline event for every group
// containing m and recomputes each group's leader.
func (s *StateMachine) flipGroups(m *memberState, fnID uint64) []pubsub.Event {
	var events []pubsub.Event
	for _, gid := range sortedIDs(m.groups) {
		g := s.groups[gid]
		g.version++
		events = append(events, s.memberEvent(fnID, g.id, m, g.version))
		events = append(events, s.recomputeLeader(g)...)
	}
	return events
}

// removeFromGroup detaches m from g, emitting the left event and any
// leader change.
func (s *StateMachine) removeFromGroup(g *groupState, m *memberState) []pubsub.Event {
	delete(g.members, m.id)
	delete(m.groups, g.id)
	g.version++

	events := []pubsub.Event{s.memberEvent(EvGroupMemberLeft, g.id, m, g.version)}
	return append(events, s.recomputeLeader(g)...)
}

// recomputeLeader re-derives g's leader from its online member set: the
// online member minimizing id XOR group id. The XOR ranking is keyed by
// group id so one member does not end up leading every group it is in.
func (s *StateMachine) recomputeLeader(g *groupState) []pubsub.Event {
	var (
		best    uint64
		hasBest bool
	)
	for mid := range g.members {
		m := s.members[mid]
		if m == nil || !m.online {
			continue
		}
		if !hasBest || mid^g.id < best^g.id {
			best = mid
			hasBest = true
		}
	}

	if hasBest == g.hasLeader && (!hasBest || best == g.leader) {
		return nil
	}

	var oldView, newView *Member
	if g.hasLeader {
		if old := s.members[g.leader]; old != nil {
			v := s.memberView(old)
			oldView = &v
		}
	}
	g.leader = best
	g.hasLeader = hasBest
	if hasBest {
		v := s.memberView(s.members[best])
		newView = &v
	}

	g.version++
	payload, err := encode(LeaderChangedEvent{Old: oldView, New: newView, Version: g.version})
	if err != nil {
		s.logger.Warnw("failed to encode leader change event", "group", g.id, "error", err)
		return nil
	}

	return []pubsub.Event{{
		SmID:    s.serviceID,
		FnID:    EvGroupLeaderChanged,
		Filter:  g.id,
		Payload: payload,
	}}
}

// Queries. All run under the read lock.

func (s *StateMachine) queryGroupLeader(data []byte) ([]byte, error) {
	var req groupLeaderReq
	if err := decode(data, &req); err != nil {
		return nil, rsm.ErrUnknown
	}

	g, ok := s.groups[req.Group]
	if !ok {
		return encodeOrUnknown(GroupLeaderResult{})
	}

	result := GroupLeaderResult{Found: true, Version: g.version}
	if g.hasLeader {
		if m := s.members[g.leader]; m != nil {
			v := s.memberView(m)
			result.Leader = &v
		}
	}
	return encodeOrUnknown(result)
}

func (s *StateMachine) queryGroupMembers(data []byte) ([]byte, error) {
	var req groupMembersReq
	if err := decode(data, &req); err != nil {
		return nil, rsm.ErrUnknown
	}

	g, ok := s.groups[req.Group]
	if !ok {
		return encodeOrUnknown(GroupMembersResult{})
	}

	result := GroupMembersResult{Found: true, Version: g.version}
	for _, mid := range sortedIDs(g.members) {
		m := s.members[mid]
		if m == nil || (req.OnlineOnly && !m.online) {
			continue
		}
		result.Members = append(result.Members, s.memberView(m))
	}
	return encodeOrUnknown(result)
}

func (s *StateMachine) queryAllMembers(data []byte) ([]byte, error) {
	var req allMembersReq
	if err := decode(data, &req); err != nil {
		return nil, rsm.ErrUnknown
	}

	result := AllMembersResult{Version: s.memberVersion}
	for _, mid := range s.sortedMemberIDs() {
		m := s.members[mid]
		if req.OnlineOnly && !m.online {
			continue
		}
		result.Members = append(result.Members, s.memberView(m))
	}
	return encodeOrUnknown(result)
}

// OnlineMap reports each member's online flag; the reaper diffs it
// against the heartbeat tracker.
func (s *StateMachine) OnlineMap() map[uint64]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	online := make(map[uint64]bool, len(s.members))
	for id, m := range s.members {
		online[id] = m.online
	}
	return online
}

// Snapshot / recovery.

type memberImage struct {
	ID      uint64
	Address string
	Online  bool
	Groups  []uint64
}

type groupImage struct {
	ID        uint64
	Name      string
	Members   []uint64
	Leader    uint64
	HasLeader bool
	Version   uint64
}

type smImage struct {
	Members       []memberImage
	Groups        []groupImage
	MemberVersion uint64
}

func (s *StateMachine) Snapshot() ([]byte, error) {
	s.mu.RLock()
	image := smImage{MemberVersion: s.memberVersion}
	for _, mid := range s.sortedMemberIDs() {
		m := s.members[mid]
		image.Members = append(image.Members, memberImage{
			ID:      m.id,
			Address: m.address,
			Online:  m.online,
			Groups:  sortedIDs(m.groups),
		})
	}
	for _, gid := range s.sortedGroupIDs() {
		g := s.groups[gid]
		image.Groups = append(image.Groups, groupImage{
			ID:        g.id,
			Name:      g.name,
			Members:   sortedIDs(g.members),
			Leader:    g.leader,
			HasLeader: g.hasLeader,
			Version:   g.version,
		})
	}
	s.mu.RUnlock()

	return encode(image)
}

func (s *StateMachine) Recover(data []byte) error {
	var image smImage
	if err := decode(data, &image); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.members = make(map[uint64]*memberState, len(image.Members))
	for _, mi := range image.Members {
		m := &memberState{
			id:      mi.ID,
			address: mi.Address,
			online:  mi.Online,
			groups:  make(map[uint64]struct{}, len(mi.Groups)),
		}
		for _, gid := range mi.Groups {
			m.groups[gid] = struct{}{}
		}
		s.members[mi.ID] = m
	}

	s.groups = make(map[uint64]*groupState, len(image.Groups))
	for _, gi := range image.Groups {
		g := &groupState{
			id:        gi.ID,
			name:      gi.Name,
			members:   make(map[uint64]struct{}, len(gi.Members)),
			leader:    gi.Leader,
			hasLeader: gi.HasLeader,
			version:   gi.Version,
		}
		for _, mid := range gi.Members {
			g.members[mid] = struct{}{}
		}
		s.groups[gi.ID] = g
	}

	s.memberVersion = image.MemberVersion
	return nil
}

// Helpers.

func (s *StateMachine) memberView(m *memberState) Member {
	return Member{
		ID:      m.id,
		Address: m.address,
		Online:  m.online,
		Groups:  sortedIDs(m.groups),
	}
}

func (s *StateMachine) memberEvent(fnID, filter uint64, m *memberState, version uint64) pubsub.Event {
	payload, err := encode(MemberEvent{Member: s.memberView(m), Version: version})
	if err != nil {
		s.logger.Warnw("failed to encode member event", "fn", fnID, "error", err)
	}
	return pubsub.Event{
		SmID:    s.serviceID,
		FnID:    fnID,
		Filter:  filter,
		Payload: payload,
	}
}

func (s *StateMachine) sortedMemberIDs() []uint64 {
	ids := make([]uint64, 0, len(s.members))
	for id := range s.members {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}

func (s *StateMachine) sortedGroupIDs() []uint64 {
	ids := make([]uint64, 0, len(s.groups))
	for id := range s.groups {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}

func encodeOrUnknown(v interface{}) ([]byte, error) {
	data, err := encode(v)
	if err != nil {
		return nil, rsm.ErrUnknown
	}
	return data, nil
}

func wrapEncodeErr(err error) error {
	if err != nil {
		return rsm.ErrUnknown
	}
	return nil
}
