package kv

import (
	"bytes"
	"testing"

	"github.com/vzdtic/bifrost/pkg/rsm"
)

func TestSetGetDelete(t *testing.T) {
	store := New()

	set, err := EncodeSet("k1", []byte("v1"))
	if err != nil {
		t.Fatalf("EncodeSet failed: %v", err)
	}
	if _, err := store.ApplyCmd(CmdSet, set); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	get, _ := EncodeGet("k1")
	out, err := store.ExecQry(QryGet, get)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	value, found, err := DecodeGet(out)
	if err != nil {
		t.Fatalf("DecodeGet failed: %v", err)
	}
	if !found || !bytes.Equal(value, []byte("v1")) {
		t.Errorf("Expected v1, got found=%v value=%q", found, value)
	}

	del, _ := EncodeDelete("k1")
	if _, err := store.ApplyCmd(CmdDelete, del); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	out, err = store.ExecQry(QryGet, get)
	if err != nil {
		t.Fatalf("Get after delete failed: %v", err)
	}
	if _, found, _ := DecodeGet(out); found {
		t.Error("Expected key to be gone")
	}
}

func TestUnknownFnID(t *testing.T) {
	store := New()
	if _, err := store.ApplyCmd(999, nil); err != rsm.ErrFnNotFound {
		t.Errorf("Expected FnNotFound, got %v", err)
	}
	if _, err := store.ExecQry(999, nil); err != rsm.ErrFnNotFound {
		t.Errorf("Expected FnNotFound, got %v", err)
	}
}

func TestSnapshotRecover(t *testing.T) {
	store := New()
	for _, kv := range [][2]string{{"a", "1"}, {"b", "2"}, {"c", "3"}} {
		set, _ := EncodeSet(kv[0], []byte(kv[1]))
		store.ApplyCmd(CmdSet, set)
	}

	blob, err := store.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	restored := New()
	if err := restored.Recover(blob); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	get, _ := EncodeGet("b")
	out, err := restored.ExecQry(QryGet, get)
	if err != nil {
		t.Fatalf("Get on restored store failed: %v", err)
	}
	value, found, _ := DecodeGet(out)
	if !found || !bytes.Equal(value, []byte("2")) {
		t.Errorf("Expected b=2 after recover, got found=%v value=%q", found, value)
	}
}
