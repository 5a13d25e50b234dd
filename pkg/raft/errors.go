package raft

import "errors"

var (
	ErrNotLeader           = errors.New("not the leader")
	ErrTimeout             = errors.New("operation timed out")
	ErrNodeNotFound        = errors.New("node not found")
	ErrNodeStopped         = errors.New("node has been stopped")
	ErrConfigChangePending = errors.New("a configuration change is already in progress")
)
