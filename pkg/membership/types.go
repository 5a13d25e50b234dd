package membership

import (
	"bytes"
	"encoding/gob"
	"sort"
)

// Command function ids, applied in log order.
const (
	CmdHbOnlineChanged uint64 = iota
	CmdJoin
	CmdLeave
	CmdJoinGroup
	CmdLeaveGroup
	CmdNewGroup
	CmdDelGroup
)

// Query function ids, dispatched locally against last-applied state.
const (
	QryGroupLeader uint64 = iota + 64
	QryGroupMembers
	QryAllMembers
)

// Event function ids, published on the subscription bus. Group-scoped
// events carry the group id as the filter key; any-scoped events carry
// no meaningful filter and are published under filter 0.
const (
	EvGroupMemberOffline uint64 = iota + 128
	EvAnyMemberOffline
	EvGroupMemberOnline
	EvAnyMemberOnline
	EvGroupMemberJoined
	EvAnyMemberJoined
	EvGroupMemberLeft
	EvAnyMemberLeft
	EvGroupLeaderChanged
)

// Member is the client-visible view of a member.
type Member struct {
	ID      uint64
	Address string
	Online  bool
	Groups  []uint64
}

// Command payloads.

type hbOnlineChangedReq struct {
	Online  []uint64
	Offline []uint64
}

type joinReq struct {
	Address string
}

type joinResp struct {
	OK bool
	ID uint64
}

type leaveReq struct {
	ID uint64
}

type joinGroupReq struct {
	GroupName string
	ID        uint64
}

type leaveGroupReq struct {
	Group uint64
	ID    uint64
}

type newGroupReq struct {
	Name string
}

type newGroupResp struct {
	ID      uint64
	Existed bool
}

type delGroupReq struct {
	ID uint64
}

type boolResp struct {
	OK bool
}

// Query payloads.

type groupLeaderReq struct {
	Group uint64
}

// GroupLeaderResult answers a group_leader query. Version increments on
// every mutation of the group, leader transitions included.
type GroupLeaderResult struct {
	Found   bool
	Leader  *Member
	Version uint64
}

type groupMembersReq struct {
	Group      uint64
	OnlineOnly bool
}

// GroupMembersResult answers a group_members query.
type GroupMembersResult struct {
	Found   bool
	Members []Member
	Version uint64
}

type allMembersReq struct {
	OnlineOnly bool
}

// AllMembersResult answers an all_members query. Version increments on
// every mutation of the member set.
type AllMembersResult struct {
	Members []Member
	Version uint64
}

// Event payloads.

// MemberEvent is the payload of every per-member event; Version is the
// logical clock of the entity the event is scoped to.
type MemberEvent struct {
	Member  Member
	Version uint64
}

// LeaderChangedEvent carries a group leader transition. Either side may
// be nil. Version is strictly increasing per group.
type LeaderChangedEvent struct {
	Old     *Member
	New     *Member
	Version uint64
}

func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func sortedIDs(set map[uint64]struct{}) []uint64 {
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}

func sortIDs(ids []uint64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
