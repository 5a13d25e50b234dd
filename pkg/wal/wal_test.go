package wal

import (
	"bytes"
	"testing"

	"github.com/vzdtic/bifrost/pkg/raft"
)

func TestSaveLoadAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	w, err := New(dir)
	if err != nil {
		t.Fatalf("Failed to open WAL: %v", err)
	}

	state := &raft.PersistentState{
		CurrentTerm: 3,
		VotedFor:    "node-1",
		Log: []raft.LogEntry{
			{Index: 1, Term: 1, SmID: 2, FnID: 4, Data: []byte("a")},
			{Index: 2, Term: 3, SmID: 2, FnID: 5, Data: []byte("b")},
		},
	}
	if err := w.Save(state); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	w2, err := New(dir)
	if err != nil {
		t.Fatalf("Failed to reopen WAL: %v", err)
	}
	defer w2.Close()

	loaded, err := w2.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded == nil {
		t.Fatal("Expected persisted state")
	}
	if loaded.CurrentTerm != 3 || loaded.VotedFor != "node-1" {
		t.Errorf("Unexpected state: term=%d votedFor=%s", loaded.CurrentTerm, loaded.VotedFor)
	}
	if len(loaded.Log) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(loaded.Log))
	}
	if loaded.Log[1].SmID != 2 || loaded.Log[1].FnID != 5 || !bytes.Equal(loaded.Log[1].Data, []byte("b")) {
		t.Errorf("Entry 2 corrupted: %+v", loaded.Log[1])
	}
}

func TestLoadEmptyWAL(t *testing.T) {
	w, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to open WAL: %v", err)
	}
	defer w.Close()

	state, err := w.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if state != nil {
		t.Errorf("Expected nil state from empty WAL, got %+v", state)
	}

	snap, err := w.LoadSnapshot()
	if err != nil {
		t.Fatalf("LoadSnapshot failed: %v", err)
	}
	if snap != nil {
		t.Errorf("Expected nil snapshot, got %+v", snap)
	}
}

func TestSaveOverwritesPrevious(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir)
	if err != nil {
		t.Fatalf("Failed to open WAL: %v", err)
	}

	for term := uint64(1); term <= 5; term++ {
		if err := w.Save(&raft.PersistentState{CurrentTerm: term}); err != nil {
			t.Fatalf("Save failed at term %d: %v", term, err)
		}
	}
	w.Close()

	w2, err := New(dir)
	if err != nil {
		t.Fatalf("Failed to reopen WAL: %v", err)
	}
	defer w2.Close()

	loaded, _ := w2.Load()
	if loaded == nil || loaded.CurrentTerm != 5 {
		t.Errorf("Expected latest term 5, got %+v", loaded)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir)
	if err != nil {
		t.Fatalf("Failed to open WAL: %v", err)
	}

	snap := &raft.Snapshot{
		LastIncludedIndex: 10,
		LastIncludedTerm:  2,
		Data:              []byte("blob"),
	}
	if err := w.SaveSnapshot(snap); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}
	w.Close()

	w2, err := New(dir)
	if err != nil {
		t.Fatalf("Failed to reopen WAL: %v", err)
	}
	defer w2.Close()

	loaded, err := w2.LoadSnapshot()
	if err != nil {
		t.Fatalf("LoadSnapshot failed: %v", err)
	}
	if loaded == nil {
		t.Fatal("Expected snapshot")
	}
	if loaded.LastIncludedIndex != 10 || loaded.LastIncludedTerm != 2 {
		t.Errorf("Snapshot metadata corrupted: %+v", loaded)
	}
	if !bytes.Equal(loaded.Data, []byte("blob")) {
		t.Errorf("Snapshot data corrupted: %q", loaded.Data)
	}
}
