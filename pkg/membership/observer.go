package membership

import (
	"context"
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/vzdtic/bifrost/pkg/pubsub"
)

// ErrGroupExists is returned by NewGroup when the group id is taken; the
// existing id accompanies it.
var ErrGroupExists = errors.New("group already exists")

// Conn is the transport the clients speak over: a gRPC connection to a
// membership server, or an in-process hookup in tests. Errors returned
// by its methods carry the replicated-execution taxonomy.
type Conn interface {
	Execute(ctx context.Context, smID, fnID uint64, data []byte) ([]byte, error)
	Query(ctx context.Context, smID, fnID uint64, data []byte) ([]byte, error)
	Ping(ctx context.Context, id uint64) error
	Subscribe(ctx context.Context, smID, fnID, filter uint64) (pubsub.EventStream, error)
}

// ObserverClient issues membership commands and queries and registers
// event subscriptions. It holds no member identity of its own.
type ObserverClient struct {
	conn   Conn
	svcID  uint64
	logger *zap.SugaredLogger
}

func NewObserverClient(conn Conn, logger *zap.SugaredLogger) *ObserverClient {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ObserverClient{
		conn:   conn,
		svcID:  DefaultServiceID,
		logger: logger,
	}
}

// Commands.

// Join registers a member under hash(address) and returns the id. A
// repeated join, or a join whose address collides with an existing id,
// returns the existing id without creating a duplicate.
func (c *ObserverClient) Join(ctx context.Context, address string) (uint64, error) {
	data, err := encode(joinReq{Address: address})
	if err != nil {
		return 0, err
	}
	out, err := c.conn.Execute(ctx, c.svcID, CmdJoin, data)
	if err != nil {
		return 0, err
	}
	var resp joinResp
	if err := decode(out, &resp); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

// Leave removes a member and detaches it from all its groups. Returns
// false for unknown ids.
func (c *ObserverClient) Leave(ctx context.Context, id uint64) (bool, error) {
	data, err := encode(leaveReq{ID: id})
	if err != nil {
		return false, err
	}
	return c.execBool(ctx, CmdLeave, data)
}

// JoinGroup adds a member to a named group.
func (c *ObserverClient) JoinGroup(ctx context.Context, group string, id uint64) (bool, error) {
	data, err := encode(joinGroupReq{GroupName: group, ID: id})
	if err != nil {
		return false, err
	}
	return c.execBool(ctx, CmdJoinGroup, data)
}

// LeaveGroup removes a member from a group by group id.
func (c *ObserverClient) LeaveGroup(ctx context.Context, group, id uint64) (bool, error) {
	data, err := encode(leaveGroupReq{Group: group, ID: id})
	if err != nil {
		return false, err
	}
	return c.execBool(ctx, CmdLeaveGroup, data)
}

// NewGroup creates an empty group and returns its id. If the group
// already exists the existing id is returned with ErrGroupExists.
func (c *ObserverClient) NewGroup(ctx context.Context, name string) (uint64, error) {
	data, err := encode(newGroupReq{Name: name})
	if err != nil {
		return 0, err
	}
	out, err := c.conn.Execute(ctx, c.svcID, CmdNewGroup, data)
	if err != nil {
		return 0, err
	}
	var resp newGroupResp
	if err := decode(out, &resp); err != nil {
		return 0, err
	}
	if resp.Existed {
		return resp.ID, ErrGroupExists
	}
	return resp.ID, nil
}

// DelGroup removes a group, detaching all its members.
func (c *ObserverClient) DelGroup(ctx context.Context, id uint64) (bool, error) {
	data, err := encode(delGroupReq{ID: id})
	if err != nil {
		return false, err
	}
	return c.execBool(ctx, CmdDelGroup, data)
}

func (c *ObserverClient) execBool(ctx context.Context, fnID uint64, data []byte) (bool, error) {
	out, err := c.conn.Execute(ctx, c.svcID, fnID, data)
	if err != nil {
		return false, err
	}
	var resp boolResp
	if err := decode(out, &resp); err != nil {
		return false, err
	}
	return resp.OK, nil
}

// Queries.

// GroupLeader returns the group's current leader (nil when the group has
// no online members) and the group's version. Found is false for
// unknown groups.
func (c *ObserverClient) GroupLeader(ctx context.Context, group uint64) (GroupLeaderResult, error) {
	data, err := encode(groupLeaderReq{Group: group})
	if err != nil {
		return GroupLeaderResult{}, err
	}
	out, err := c.conn.Query(ctx, c.svcID, QryGroupLeader, data)
	if err != nil {
		return GroupLeaderResult{}, err
	}
	var resp GroupLeaderResult
	if err := decode(out, &resp); err != nil {
		return GroupLeaderResult{}, err
	}
	return resp, nil
}

// GroupMembers lists a group's members, optionally online ones only.
func (c *ObserverClient) GroupMembers(ctx context.Context, group uint64, onlineOnly bool) (GroupMembersResult, error) {
	data, err := encode(groupMembersReq{Group: group, OnlineOnly: onlineOnly})
	if err != nil {
		return GroupMembersResult{}, err
	}
	out, err := c.conn.Query(ctx, c.svcID, QryGroupMembers, data)
	if err != nil {
		return GroupMembersResult{}, err
	}
	var resp GroupMembersResult
	if err := decode(out, &resp); err != nil {
		return GroupMembersResult{}, err
	}
	return resp, nil
}

// AllMembers lists every member, optionally online ones only.
func (c *ObserverClient) AllMembers(ctx context.Context, onlineOnly bool) (AllMembersResult, error) {
	data, err := encode(allMembersReq{OnlineOnly: onlineOnly})
	if err != nil {
		return AllMembersResult{}, err
	}
	out, err := c.conn.Query(ctx, c.svcID, QryAllMembers, data)
	if err != nil {
		return AllMembersResult{}, err
	}
	var resp AllMembersResult
	if err := decode(out, &resp); err != nil {
		return AllMembersResult{}, err
	}
	return resp, nil
}

// Subscriptions. Each On* call opens one stream; the handler runs on a
// dedicated goroutine in stream order. Closing the watch tears the
// stream down; a server-side disconnect ends it silently.

// Watch is a handle on an active subscription.
type Watch struct {
	stream pubsub.EventStream
	once   sync.Once
}

func (w *Watch) Close() {
	w.once.Do(func() {
		w.stream.Close()
	})
}

func (c *ObserverClient) OnAnyMemberJoined(ctx context.Context, h func(MemberEvent)) (*Watch, error) {
	return c.watchMember(ctx, EvAnyMemberJoined, pubsub.FilterAny, h)
}

func (c *ObserverClient) OnAnyMemberLeft(ctx context.Context, h func(MemberEvent)) (*Watch, error) {
	return c.watchMember(ctx, EvAnyMemberLeft, pubsub.FilterAny, h)
}

func (c *ObserverClient) OnAnyMemberOnline(ctx context.Context, h func(MemberEvent)) (*Watch, error) {
	return c.watchMember(ctx, EvAnyMemberOnline, pubsub.FilterAny, h)
}

func (c *ObserverClient) OnAnyMemberOffline(ctx context.Context, h func(MemberEvent)) (*Watch, error) {
	return c.watchMember(ctx, EvAnyMemberOffline, pubsub.FilterAny, h)
}

func (c *ObserverClient) OnGroupMemberJoined(ctx context.Context, group string, h func(MemberEvent)) (*Watch, error) {
	return c.watchMember(ctx, EvGroupMemberJoined, GroupIDOf(group), h)
}

func (c *ObserverClient) OnGroupMemberLeft(ctx context.Context, group string, h func(MemberEvent)) (*Watch, error) {
	return c.watchMember(ctx, EvGroupMemberLeft, GroupIDOf(group), h)
}

func (c *ObserverClient) OnGroupMemberOnline(ctx context.Context, group string, h func(MemberEvent)) (*Watch, error) {
	return c.watchMember(ctx, EvGroupMemberOnline, GroupIDOf(group), h)
}

func (c *ObserverClient) OnGroupMemberOffline(ctx context.Context, group string, h func(MemberEvent)) (*Watch, error) {
	return c.watchMember(ctx, EvGroupMemberOffline, GroupIDOf(group), h)
}

func (c *ObserverClient) OnGroupLeaderChanged(ctx context.Context, group string, h func(LeaderChangedEvent)) (*Watch, error) {
	stream, err := c.conn.Subscribe(ctx, c.svcID, EvGroupLeaderChanged, GroupIDOf(group))
	if err != nil {
		return nil, err
	}

	go func() {
		for {
			ev, err := stream.Recv()
			if err != nil {
				if err != io.EOF {
					c.logger.Debugw("subscription stream closed", "fn", EvGroupLeaderChanged, "error", err)
				}
				return
			}
			var payload LeaderChangedEvent
			if err := decode(ev.Payload, &payload); err != nil {
				c.logger.Warnw("failed to decode leader change event", "error", err)
				continue
			}
			h(payload)
		}
	}()

	return &Watch{stream: stream}, nil
}

func (c *ObserverClient) watchMember(ctx context.Context, fnID, filter uint64, h func(MemberEvent)) (*Watch, error) {
	stream, err := c.conn.Subscribe(ctx, c.svcID, fnID, filter)
	if err != nil {
		return nil, err
	}

	go func() {
		for {
			ev, err := stream.Recv()
			if err != nil {
				if err != io.EOF {
					c.logger.Debugw("subscription stream closed", "fn", fnID, "error", err)
				}
				return
			}
			var payload MemberEvent
			if err := decode(ev.Payload, &payload); err != nil {
				c.logger.Warnw("failed to decode member event", "fn", fnID, "error", err)
				continue
			}
			h(payload)
		}
	}()

	return &Watch{stream: stream}, nil
}
