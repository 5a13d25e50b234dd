package rpc

import "github.com/vzdtic/bifrost/pkg/rsm"

// Service and method names. These are the gRPC route strings; changing
// them breaks mixed-version clusters.
const (
	hostServiceName      = "bifrost.rsm.Host"
	heartbeatServiceName = "bifrost.membership.Heartbeat"
	consensusServiceName = "bifrost.raft.Consensus"
)

const (
	methodExecute   = "/" + hostServiceName + "/Execute"
	methodQuery     = "/" + hostServiceName + "/Query"
	methodSubscribe = "/" + hostServiceName + "/Subscribe"

	methodPing = "/" + heartbeatServiceName + "/Ping"

	methodRequestVote     = "/" + consensusServiceName + "/RequestVote"
	methodAppendEntries   = "/" + consensusServiceName + "/AppendEntries"
	methodInstallSnapshot = "/" + consensusServiceName + "/InstallSnapshot"
)

// ExecuteRequest proposes a replicated command.
type ExecuteRequest struct {
	SmID uint64
	FnID uint64
	Data []byte
}

// ExecuteResponse carries the state machine's result or a taxonomy
// error code. LeaderHint names the current leader's client address when
// the contacted server could not commit the command itself.
type ExecuteResponse struct {
	Data       []byte
	ErrCode    rsm.ErrCode
	LeaderHint string
}

// QueryRequest dispatches a read-only operation.
type QueryRequest struct {
	SmID uint64
	FnID uint64
	Data []byte
}

// QueryResponse carries a query result or a taxonomy error code.
type QueryResponse struct {
	Data    []byte
	ErrCode rsm.ErrCode
}

// PingRequest is a heartbeat. It is answered locally, never replicated.
type PingRequest struct {
	ID uint64
}

// PingResponse acknowledges a heartbeat.
type PingResponse struct{}

// SubscribeRequest opens an event stream for one (sm, fn, filter) key.
type SubscribeRequest struct {
	SmID   uint64
	FnID   uint64
	Filter uint64
}

// EventMessage is one bus event on a subscription stream.
type EventMessage struct {
	SmID    uint64
	FnID    uint64
	Filter  uint64
	Payload []byte
}
