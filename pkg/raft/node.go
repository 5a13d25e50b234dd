package raft

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Node is a single member of the consensus group. It owns the replicated
// log and drives the registered state machine: entries are applied one at
// a time, in log order, from a single apply goroutine.
type Node struct {
	mu sync.RWMutex

	// Node identity and configuration
	id     string
	config NodeConfig
	logger *zap.SugaredLogger

	// Persistent state
	currentTerm uint64
	votedFor    string
	log         []LogEntry

	// Volatile state
	state       NodeState
	commitIndex uint64
	lastApplied uint64

	// Leader state
	nextIndex  map[string]uint64
	matchIndex map[string]uint64

	// Cluster configuration
	cluster       *ClusterConfig
	configPending bool

	// Channels
	stopCh          chan struct{}
	electionResetCh chan struct{}

	// Pending operations
	pendingCommands map[uint64]*pendingCommand

	// Components
	transport Transport
	storage   Storage
	sm        StateMachine

	// Snapshot state
	snapshot           *Snapshot
	snapshotThreshold  uint64
	snapshotInProgress int32

	// Leader tracking
	leaderID         string
	lastHeartbeat    time.Time
	electionDeadline time.Time
	electionMu       sync.Mutex

	stopped int32
}

// NewNode creates a node. The state machine may be registered later with
// RegisterStateMachine but must be in place before Start.
func NewNode(config NodeConfig, transport Transport, storage Storage, logger *zap.SugaredLogger) *Node {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	n := &Node{
		id:                config.ID,
		config:            config,
		logger:            logger,
		log:               make([]LogEntry, 0),
		state:             Follower,
		nextIndex:         make(map[string]uint64),
		matchIndex:        make(map[string]uint64),
		cluster:           NewClusterConfig(),
		stopCh:            make(chan struct{}),
		electionResetCh:   make(chan struct{}, 1),
		pendingCommands:   make(map[uint64]*pendingCommand),
		transport:         transport,
		storage:           storage,
		snapshotThreshold: config.SnapshotThreshold,
		electionDeadline:  time.Now().Add(config.ElectionTimeoutMax),
	}

	n.cluster.AddNode(config.ID)
	for _, peer := range config.Peers {
		n.cluster.AddNode(peer)
	}

	// Dummy entry at index 0 anchors log arithmetic.
	n.log = append(n.log, LogEntry{Index: 0, Term: 0, SmID: NoopSmID})

	return n
}

// RegisterStateMachine installs the state machine the node applies
// committed entries to, together with its snapshot/restore hooks.
func (n *Node) RegisterStateMachine(sm StateMachine) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sm = sm
}

func (n *Node) Start() error {
	if err := n.restore(); err != nil {
		n.logger.Warnw("failed to restore state", "node", n.id, "error", err)
	}

	go n.run()
	go n.applyLoop()

	return nil
}

func (n *Node) Stop() {
	if !atomic.CompareAndSwapInt32(&n.stopped, 0, 1) {
		return
	}
	close(n.stopCh)
	if n.storage != nil {
		n.storage.Close()
	}
}

// Bootstrap arms an immediate election so a fresh cluster converges on a
// leader without waiting out the full randomized timeout. For a
// single-node cluster the node becomes leader on its first candidacy.
func (n *Node) Bootstrap() {
	n.electionMu.Lock()
	n.electionDeadline = time.Now()
	n.electionMu.Unlock()
	select {
	case n.electionResetCh <- struct{}{}:
	default:
	}
}

func (n *Node) run() {
	for {
		select {
		case <-n.stopCh:
			return
		default:
		}

		n.mu.RLock()
		state := n.state
		n.mu.RUnlock()

		switch state {
		case Follower:
			n.runFollower()
		case Candidate:
			n.runCandidate()
		case Leader:
			n.runLeader()
		}
	}
}

func (n *Node) runFollower() {
	for {
		select {
		case <-n.stopCh:
			return
		default:
		}

		n.electionMu.Lock()
		deadline := n.electionDeadline
		n.electionMu.Unlock()

		timeout := time.Until(deadline)
		if timeout <= 0 {
			n.mu.Lock()
			if n.state == Follower {
				n.becomeCandidate()
			}
			n.mu.Unlock()
			return
		}

		select {
		case <-n.stopCh:
			return
		case <-n.electionResetCh:
		case <-time.After(timeout):
		}
	}
}

func (n *Node) runCandidate() {
	n.mu.Lock()
	n.currentTerm++
	n.votedFor = n.id
	currentTerm := n.currentTerm
	lastLogIndex := n.getLastLogIndex()
	lastLogTerm := n.getLastLogTerm()
	n.persist()
	n.mu.Unlock()

	n.logger.Infow("starting election", "node", n.id, "term", currentTerm)

	votesReceived := int32(1)
	votesNeeded := int32(n.cluster.Size()/2 + 1)

	// Self-vote may already carry the election (single-node cluster).
	if votesReceived >= votesNeeded {
		n.mu.Lock()
		if n.state == Candidate && n.currentTerm == currentTerm {
			n.becomeLeader()
		}
		n.mu.Unlock()
		return
	}

	for _, peer := range n.cluster.GetNodes() {
		if peer == n.id {
			continue
		}

		go func(peer string) {
			args := &RequestVoteArgs{
				Term:         currentTerm,
				CandidateID:  n.id,
				LastLogIndex: lastLogIndex,
				LastLogTerm:  lastLogTerm,
			}

			reply, err := n.transport.RequestVote(peer, args)
			if err != nil {
				return
			}

			n.mu.Lock()
			defer n.mu.Unlock()

			if reply.Term > n.currentTerm {
				n.becomeFollower(reply.Term)
				return
			}

			if n.state != Candidate || n.currentTerm != currentTerm {
				return
			}

			if reply.VoteGranted {
				votes := atomic.AddInt32(&votesReceived, 1)
				if votes >= votesNeeded && n.state == Candidate {
					n.becomeLeader()
					// Wake runCandidate so the new leader starts sending
					// heartbeats now instead of after its election timer.
					select {
					case n.electionResetCh <- struct{}{}:
					default:
					}
				}
			}
		}(peer)
	}

	timer := time.NewTimer(n.randomElectionTimeout())
	defer timer.Stop()

	select {
	case <-n.stopCh:
	case <-timer.C:
	case <-n.electionResetCh:
	}
}

func (n *Node) runLeader() {
	n.sendHeartbeats()

	ticker := time.NewTicker(n.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			n.mu.RLock()
			isLeader := n.state == Leader
			n.mu.RUnlock()

			if !isLeader {
				return
			}

			n.sendHeartbeats()
			n.advanceCommitIndex()
			n.maybeSnapshot()
		case <-n.electionResetCh:
			// Ignored while leading.
		}
	}
}

func (n *Node) resetElectionDeadline() {
	n.electionMu.Lock()
	defer n.electionMu.Unlock()
	n.electionDeadline = time.Now().Add(n.randomElectionTimeout())
}

func (n *Node) sendHeartbeats() {
	n.mu.RLock()
	if n.state != Leader {
		n.mu.RUnlock()
		return
	}
	currentTerm := n.currentTerm
	commitIndex := n.commitIndex
	n.mu.RUnlock()

	for _, peer := range n.cluster.GetNodes() {
		if peer == n.id {
			continue
		}
		go n.sendAppendEntries(peer, currentTerm, commitIndex)
	}
}

func (n *Node) sendAppendEntries(peer string, term uint64, leaderCommit uint64) {
	n.mu.RLock()
	if n.state != Leader || n.currentTerm != term {
		n.mu.RUnlock()
		return
	}

	nextIdx := n.nextIndex[peer]
	if nextIdx == 0 {
		nextIdx = n.getLastLogIndex() + 1
	}

	snapshotIdx := uint64(0)
	if n.snapshot != nil {
		snapshotIdx = n.snapshot.LastIncludedIndex
	}

	if snapshotIdx > 0 && nextIdx <= snapshotIdx {
		n.mu.RUnlock()
		n.sendSnapshot(peer)
		return
	}

	prevLogIndex := nextIdx - 1
	prevLogTerm := uint64(0)

	if prevLogIndex > 0 {
		if snapshotIdx > 0 && prevLogIndex == snapshotIdx {
			prevLogTerm = n.snapshot.LastIncludedTerm
		} else {
			logIdx := n.logIndexToArrayIndex(prevLogIndex)
			if logIdx >= 0 && logIdx < len(n.log) {
				prevLogTerm = n.log[logIdx].Term
			}
		}
	}

	entries := make([]LogEntry, 0)
	startIdx := n.logIndexToArrayIndex(nextIdx)
	if startIdx >= 0 && startIdx < len(n.log) {
		entries = append(entries, n.log[startIdx:]...)
	}

	args := &AppendEntriesArgs{
		Term:         term,
		LeaderID:     n.id,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  prevLogTerm,
		Entries:      entries,
		LeaderCommit: leaderCommit,
	}
	n.mu.RUnlock()

	reply, err := n.transport.AppendEntries(peer, args)
	if err != nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if reply.Term > n.currentTerm {
		n.becomeFollower(reply.Term)
		return
	}

	if n.state != Leader || n.currentTerm != term {
		return
	}

	if reply.Success {
		newNextIndex := nextIdx + uint64(len(entries))
		if newNextIndex > n.nextIndex[peer] {
			n.nextIndex[peer] = newNextIndex
		}
		newMatchIndex := newNextIndex - 1
		if newMatchIndex > n.matchIndex[peer] {
			n.matchIndex[peer] = newMatchIndex
		}
		n.tryAdvanceCommitIndex()
	} else {
		if reply.ConflictTerm > 0 {
			lastIndex := uint64(0)
			for i := len(n.log) - 1; i >= 0; i-- {
				if n.log[i].Term == reply.ConflictTerm {
					lastIndex = n.log[i].Index
					break
				}
			}
			if lastIndex > 0 {
				n.nextIndex[peer] = lastIndex + 1
			} else {
				n.nextIndex[peer] = reply.ConflictIndex
			}
		} else if reply.ConflictIndex > 0 {
			n.nextIndex[peer] = reply.ConflictIndex
		} else if n.nextIndex[peer] > 1 {
			n.nextIndex[peer]--
		}
	}
}

func (n *Node) logIndexToArrayIndex(logIndex uint64) int {
	if len(n.log) == 0 {
		return -1
	}
	baseIndex := n.log[0].Index
	if logIndex < baseIndex {
		return -1
	}
	return int(logIndex - baseIndex)
}

func (n *Node) sendSnapshot(peer string) {
	n.mu.RLock()
	if n.state != Leader || n.snapshot == nil {
		n.mu.RUnlock()
		return
	}

	args := &InstallSnapshotArgs{
		Term:              n.currentTerm,
		LeaderID:          n.id,
		LastIncludedIndex: n.snapshot.LastIncludedIndex,
		LastIncludedTerm:  n.snapshot.LastIncludedTerm,
		Data:              n.snapshot.Data,
	}
	n.mu.RUnlock()

	reply, err := n.transport.InstallSnapshot(peer, args)
	if err != nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if reply.Term > n.currentTerm {
		n.becomeFollower(reply.Term)
		return
	}

	n.nextIndex[peer] = args.LastIncludedIndex + 1
	n.matchIndex[peer] = args.LastIncludedIndex
}

func (n *Node) tryAdvanceCommitIndex() {
	if n.state != Leader {
		return
	}

	matchIndices := make([]uint64, 0, n.cluster.Size())
	matchIndices = append(matchIndices, n.getLastLogIndex())

	for _, peer := range n.cluster.GetNodes() {
		if peer == n.id {
			continue
		}
		matchIndices = append(matchIndices, n.matchIndex[peer])
	}

	sort.Slice(matchIndices, func(i, j int) bool {
		return matchIndices[i] > matchIndices[j]
	})

	majority := n.cluster.Size() / 2
	if majority >= len(matchIndices) {
		return
	}

	newCommitIndex := matchIndices[majority]

	// Only commit entries from the current term.
	if newCommitIndex > n.commitIndex {
		logIdx := n.logIndexToArrayIndex(newCommitIndex)
		if logIdx >= 0 && logIdx < len(n.log) && n.log[logIdx].Term == n.currentTerm {
			n.commitIndex = newCommitIndex
		}
	}
}

func (n *Node) advanceCommitIndex() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tryAdvanceCommitIndex()
}

func (n *Node) HandleRequestVote(args *RequestVoteArgs) *RequestVoteReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	reply := &RequestVoteReply{
		Term:        n.currentTerm,
		VoteGranted: false,
	}

	if args.Term < n.currentTerm {
		return reply
	}

	if args.Term > n.currentTerm {
		n.becomeFollower(args.Term)
	}

	reply.Term = n.currentTerm

	if (n.votedFor == "" || n.votedFor == args.CandidateID) && n.isLogUpToDate(args.LastLogIndex, args.LastLogTerm) {
		n.votedFor = args.CandidateID
		reply.VoteGranted = true
		n.persist()
		n.resetElectionTimer()
		n.logger.Debugw("granted vote", "node", n.id, "candidate", args.CandidateID, "term", args.Term)
	}

	return reply
}

func (n *Node) HandleAppendEntries(args *AppendEntriesArgs) *AppendEntriesReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	reply := &AppendEntriesReply{
		Term:    n.currentTerm,
		Success: false,
	}

	if args.Term < n.currentTerm {
		return reply
	}

	if args.Term > n.currentTerm || n.state == Candidate {
		n.becomeFollower(args.Term)
	}

	n.leaderID = args.LeaderID
	n.lastHeartbeat = time.Now()
	n.resetElectionTimer()

	reply.Term = n.currentTerm

	if args.PrevLogIndex > 0 {
		logIdx := n.logIndexToArrayIndex(args.PrevLogIndex)
		if logIdx < 0 || logIdx >= len(n.log) {
			reply.ConflictIndex = uint64(len(n.log))
			if len(n.log) > 0 {
				reply.ConflictIndex = n.log[len(n.log)-1].Index + 1
			}
			reply.ConflictTerm = 0
			return reply
		}

		if n.log[logIdx].Term != args.PrevLogTerm {
			conflictTerm := n.log[logIdx].Term
			reply.ConflictTerm = conflictTerm

			for i := logIdx; i >= 0; i-- {
				if n.log[i].Term != conflictTerm {
					reply.ConflictIndex = n.log[i+1].Index
					break
				}
				if i == 0 {
					reply.ConflictIndex = n.log[0].Index
				}
			}
			return reply
		}
	}

	for i, entry := range args.Entries {
		logIdx := n.logIndexToArrayIndex(args.PrevLogIndex + 1 + uint64(i))
		if logIdx >= 0 && logIdx < len(n.log) {
			if n.log[logIdx].Term != entry.Term {
				n.log = n.log[:logIdx]
				n.log = append(n.log, entry)
			}
		} else {
			n.log = append(n.log, entry)
		}
	}

	if len(args.Entries) > 0 {
		n.persist()
	}

	if args.LeaderCommit > n.commitIndex {
		lastNewIndex := args.PrevLogIndex + uint64(len(args.Entries))
		if args.LeaderCommit < lastNewIndex {
			n.commitIndex = args.LeaderCommit
		} else {
			n.commitIndex = lastNewIndex
		}
	}

	reply.Success = true
	return reply
}

func (n *Node) HandleInstallSnapshot(args *InstallSnapshotArgs) *InstallSnapshotReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	reply := &InstallSnapshotReply{
		Term: n.currentTerm,
	}

	if args.Term < n.currentTerm {
		return reply
	}

	if args.Term > n.currentTerm {
		n.becomeFollower(args.Term)
	}

	n.leaderID = args.LeaderID
	n.resetElectionTimer()

	// Discard log entries covered by the snapshot.
	n.log = []LogEntry{{
		Index: args.LastIncludedIndex,
		Term:  args.LastIncludedTerm,
		SmID:  NoopSmID,
	}}

	n.snapshot = &Snapshot{
		LastIncludedIndex: args.LastIncludedIndex,
		LastIncludedTerm:  args.LastIncludedTerm,
		Data:              args.Data,
	}

	if args.LastIncludedIndex > n.commitIndex {
		n.commitIndex = args.LastIncludedIndex
	}
	if args.LastIncludedIndex > n.lastApplied {
		n.lastApplied = args.LastIncludedIndex
	}

	if n.sm != nil {
		if err := n.sm.Restore(args.Data); err != nil {
			n.logger.Warnw("failed to restore snapshot", "node", n.id, "error", err)
		}
	}
	n.persist()

	if n.storage != nil {
		n.storage.SaveSnapshot(n.snapshot)
	}

	n.logger.Infow("installed snapshot", "node", n.id, "index", args.LastIncludedIndex)

	return reply
}

// Submit appends an entry to the local log if this node is the leader.
// Returns the assigned index and term.
func (n *Node) Submit(smID, fnID uint64, data []byte) (uint64, uint64, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != Leader {
		return 0, 0, false
	}

	entry := LogEntry{
		Index: n.getLastLogIndex() + 1,
		Term:  n.currentTerm,
		SmID:  smID,
		FnID:  fnID,
		Data:  data,
	}

	n.log = append(n.log, entry)
	n.persist()

	n.logger.Debugw("appended entry", "node", n.id, "index", entry.Index, "sm", smID, "fn", fnID)

	return entry.Index, entry.Term, true
}

// Propose submits a command and blocks until it is committed and applied,
// returning whatever the state machine returned for it. Fails fast with
// ErrNotLeader when this node is not the leader.
func (n *Node) Propose(ctx context.Context, smID, fnID uint64, data []byte) (ApplyResult, error) {
	index, term, isLeader := n.Submit(smID, fnID, data)
	if !isLeader {
		return ApplyResult{}, ErrNotLeader
	}

	resultCh := make(chan ApplyResult, 1)
	pending := &pendingCommand{
		Index:    index,
		Term:     term,
		ResultCh: resultCh,
	}

	n.mu.Lock()
	n.pendingCommands[index] = pending
	n.mu.Unlock()

	select {
	case result := <-resultCh:
		if result.Term != term {
			// The slot was filled by a different leader's entry.
			return ApplyResult{}, ErrNotLeader
		}
		return result, nil
	case <-ctx.Done():
		n.mu.Lock()
		delete(n.pendingCommands, index)
		n.mu.Unlock()
		return ApplyResult{}, ctx.Err()
	case <-n.stopCh:
		return ApplyResult{}, ErrNodeStopped
	}
}

// ReadBarrier confirms leadership with a quorum round and waits until the
// apply index catches up with the commit index observed at call time.
// Queries issued after a successful barrier are linearizable.
func (n *Node) ReadBarrier(ctx context.Context) error {
	n.mu.RLock()
	if n.state != Leader {
		n.mu.RUnlock()
		return ErrNotLeader
	}
	readIdx := n.commitIndex
	currentTerm := n.currentTerm
	n.mu.RUnlock()

	if !n.confirmLeadership(currentTerm) {
		return ErrNotLeader
	}

	for {
		n.mu.RLock()
		lastApplied := n.lastApplied
		n.mu.RUnlock()

		if lastApplied >= readIdx {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-n.stopCh:
			return ErrNodeStopped
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (n *Node) confirmLeadership(term uint64) bool {
	n.mu.RLock()
	if n.state != Leader || n.currentTerm != term {
		n.mu.RUnlock()
		return false
	}
	peers := n.cluster.GetNodes()
	needed := n.cluster.Size()/2 + 1
	args := &AppendEntriesArgs{
		Term:         n.currentTerm,
		LeaderID:     n.id,
		PrevLogIndex: n.getLastLogIndex(),
		PrevLogTerm:  n.getLastLogTerm(),
		LeaderCommit: n.commitIndex,
	}
	n.mu.RUnlock()

	if needed == 1 {
		return true
	}

	ackCount := int32(1)
	done := make(chan struct{}, 1)

	for _, peer := range peers {
		if peer == n.id {
			continue
		}

		go func(peer string) {
			reply, err := n.transport.AppendEntries(peer, args)
			if err != nil {
				return
			}
			if reply.Success {
				if atomic.AddInt32(&ackCount, 1) >= int32(needed) {
					select {
					case done <- struct{}{}:
					default:
					}
				}
			}
		}(peer)
	}

	select {
	case <-done:
		return true
	case <-time.After(n.config.HeartbeatInterval * 3):
		return atomic.LoadInt32(&ackCount) >= int32(needed)
	}
}

// Join proposes adding a node to the consensus peer set.
func (n *Node) Join(ctx context.Context, nodeID string) error {
	return n.changeMembership(ctx, nodeID, ConfigFnAddNode)
}

// Leave proposes removing a node from the consensus peer set.
func (n *Node) Leave(ctx context.Context, nodeID string) error {
	return n.changeMembership(ctx, nodeID, ConfigFnDelNode)
}

func (n *Node) changeMembership(ctx context.Context, nodeID string, fn uint64) error {
	n.mu.Lock()
	if n.state != Leader {
		n.mu.Unlock()
		return ErrNotLeader
	}
	if n.configPending {
		n.mu.Unlock()
		return ErrConfigChangePending
	}
	n.configPending = true
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		n.configPending = false
		n.mu.Unlock()
	}()

	_, err := n.Propose(ctx, ConfigSmID, fn, []byte(nodeID))
	return err
}

func (n *Node) applyConfigChange(entry *LogEntry) {
	nodeID := string(entry.Data)
	switch entry.FnID {
	case ConfigFnAddNode:
		if !n.cluster.HasNode(nodeID) {
			n.cluster.AddNode(nodeID)
			n.mu.Lock()
			n.nextIndex[nodeID] = n.getLastLogIndex() + 1
			n.matchIndex[nodeID] = 0
			n.mu.Unlock()
		}
	case ConfigFnDelNode:
		if n.cluster.HasNode(nodeID) {
			n.cluster.RemoveNode(nodeID)
			n.mu.Lock()
			delete(n.nextIndex, nodeID)
			delete(n.matchIndex, nodeID)
			n.mu.Unlock()
		}
	}
}

func (n *Node) applyLoop() {
	for {
		select {
		case <-n.stopCh:
			return
		default:
		}

		n.mu.RLock()
		commitIndex := n.commitIndex
		lastApplied := n.lastApplied
		n.mu.RUnlock()

		for i := lastApplied + 1; i <= commitIndex; i++ {
			n.mu.RLock()
			arrIdx := n.logIndexToArrayIndex(i)
			if arrIdx < 0 || arrIdx >= len(n.log) {
				n.mu.RUnlock()
				break
			}
			entry := n.log[arrIdx]
			n.mu.RUnlock()

			var data []byte
			var applyErr error

			switch entry.SmID {
			case NoopSmID:
				// Leader no-op, nothing to apply.
			case ConfigSmID:
				n.applyConfigChange(&entry)
				if n.sm != nil {
					data, applyErr = n.sm.Apply(&entry)
				}
			default:
				if n.sm != nil {
					data, applyErr = n.sm.Apply(&entry)
				}
			}

			n.mu.Lock()
			n.lastApplied = i
			if pending, ok := n.pendingCommands[i]; ok {
				result := ApplyResult{
					Index: i,
					Term:  entry.Term,
					Data:  data,
					Err:   applyErr,
				}
				select {
				case pending.ResultCh <- result:
				default:
				}
				delete(n.pendingCommands, i)
			}
			n.mu.Unlock()
		}

		time.Sleep(2 * time.Millisecond)
	}
}

func (n *Node) maybeSnapshot() {
	if atomic.LoadInt32(&n.snapshotInProgress) == 1 {
		return
	}

	n.mu.RLock()
	tooLong := n.snapshotThreshold > 0 && uint64(len(n.log)) > n.snapshotThreshold
	lastApplied := n.lastApplied
	n.mu.RUnlock()

	if !tooLong {
		return
	}

	go func() {
		if atomic.CompareAndSwapInt32(&n.snapshotInProgress, 0, 1) {
			defer atomic.StoreInt32(&n.snapshotInProgress, 0)
			if err := n.TakeSnapshot(lastApplied); err != nil {
				n.logger.Warnw("snapshot failed", "node", n.id, "error", err)
			}
		}
	}()
}

// TakeSnapshot captures the state machine at the given applied index and
// compacts the log up to it. Serialization runs against a point-in-time
// blob produced by the state machine, outside the apply path.
func (n *Node) TakeSnapshot(index uint64) error {
	if n.sm == nil {
		return nil
	}

	data, err := n.sm.Snapshot()
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	arrIdx := n.logIndexToArrayIndex(index)
	if arrIdx <= 0 || arrIdx >= len(n.log) {
		return nil
	}

	snapshot := &Snapshot{
		LastIncludedIndex: index,
		LastIncludedTerm:  n.log[arrIdx].Term,
		Data:              data,
	}

	// Keep only entries after the snapshot point.
	n.log = append([]LogEntry(nil), n.log[arrIdx:]...)
	n.log[0] = LogEntry{
		Index: index,
		Term:  snapshot.LastIncludedTerm,
		SmID:  NoopSmID,
	}

	if n.storage != nil {
		if err := n.storage.SaveSnapshot(snapshot); err != nil {
			return err
		}
	}

	n.snapshot = snapshot
	n.persist()
	n.logger.Infow("created snapshot", "node", n.id, "index", index)

	return nil
}

// Helper functions

func (n *Node) becomeFollower(term uint64) {
	n.logger.Infow("becoming follower", "node", n.id, "term", term)
	n.state = Follower
	n.currentTerm = term
	n.votedFor = ""
	n.leaderID = ""

	for idx, pending := range n.pendingCommands {
		result := ApplyResult{
			Index: idx,
			Err:   ErrNotLeader,
		}
		select {
		case pending.ResultCh <- result:
		default:
		}
	}
	n.pendingCommands = make(map[uint64]*pendingCommand)

	n.persist()
	n.resetElectionDeadline()
}

func (n *Node) becomeCandidate() {
	n.logger.Infow("becoming candidate", "node", n.id, "term", n.currentTerm+1)
	n.state = Candidate
}

func (n *Node) becomeLeader() {
	n.logger.Infow("becoming leader", "node", n.id, "term", n.currentTerm)
	n.state = Leader
	n.leaderID = n.id

	lastLogIndex := n.getLastLogIndex()
	for _, peer := range n.cluster.GetNodes() {
		if peer != n.id {
			n.nextIndex[peer] = lastLogIndex + 1
			n.matchIndex[peer] = 0
		}
	}

	// No-op entry asserts leadership and unblocks commitment of prior terms.
	noopEntry := LogEntry{
		Index: lastLogIndex + 1,
		Term:  n.currentTerm,
		SmID:  NoopSmID,
	}
	n.log = append(n.log, noopEntry)
	n.persist()
	n.tryAdvanceCommitIndex()
}

func (n *Node) getLastLogIndex() uint64 {
	if len(n.log) == 0 {
		if n.snapshot != nil {
			return n.snapshot.LastIncludedIndex
		}
		return 0
	}
	return n.log[len(n.log)-1].Index
}

func (n *Node) getLastLogTerm() uint64 {
	if len(n.log) == 0 {
		if n.snapshot != nil {
			return n.snapshot.LastIncludedTerm
		}
		return 0
	}
	return n.log[len(n.log)-1].Term
}

func (n *Node) isLogUpToDate(lastLogIndex, lastLogTerm uint64) bool {
	myLastTerm := n.getLastLogTerm()
	myLastIndex := n.getLastLogIndex()

	if lastLogTerm != myLastTerm {
		return lastLogTerm > myLastTerm
	}
	return lastLogIndex >= myLastIndex
}

func (n *Node) randomElectionTimeout() time.Duration {
	min := int64(n.config.ElectionTimeoutMin)
	max := int64(n.config.ElectionTimeoutMax)
	if max <= min {
		return n.config.ElectionTimeoutMin
	}
	return time.Duration(min + rand.Int63n(max-min))
}

func (n *Node) resetElectionTimer() {
	select {
	case n.electionResetCh <- struct{}{}:
	default:
	}
	n.resetElectionDeadline()
}

func (n *Node) persist() {
	if n.storage == nil {
		return
	}

	state := &PersistentState{
		CurrentTerm: n.currentTerm,
		VotedFor:    n.votedFor,
		Log:         n.log,
	}

	if err := n.storage.Save(state); err != nil {
		n.logger.Warnw("failed to persist state", "node", n.id, "error", err)
	}
}

func (n *Node) restore() error {
	if n.storage == nil {
		return nil
	}

	snapshot, err := n.storage.LoadSnapshot()
	if err == nil && snapshot != nil {
		n.snapshot = snapshot
		if n.sm != nil {
			if err := n.sm.Restore(snapshot.Data); err != nil {
				return err
			}
		}
		n.lastApplied = snapshot.LastIncludedIndex
		n.commitIndex = snapshot.LastIncludedIndex

		n.log = []LogEntry{{
			Index: snapshot.LastIncludedIndex,
			Term:  snapshot.LastIncludedTerm,
			SmID:  NoopSmID,
		}}
	}

	state, err := n.storage.Load()
	if err != nil {
		return err
	}

	if state != nil {
		n.currentTerm = state.CurrentTerm
		n.votedFor = state.VotedFor
		if len(state.Log) > 0 {
			n.log = state.Log
		}
	}

	return nil
}

// Getters

func (n *Node) GetState() (uint64, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.currentTerm, n.state == Leader
}

// LeaderID returns the id of the current leader as far as this node
// knows, or the empty string during elections.
func (n *Node) LeaderID() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.leaderID
}

func (n *Node) ID() string {
	return n.id
}

func (n *Node) IsLeader() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state == Leader
}

func (n *Node) CommitIndex() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.commitIndex
}

func (n *Node) LastApplied() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.lastApplied
}

// NumMembers returns the size of the consensus peer set.
func (n *Node) NumMembers() int {
	return n.cluster.Size()
}

// Members returns the ids of the consensus peer set.
func (n *Node) Members() []string {
	return n.cluster.GetNodes()
}
