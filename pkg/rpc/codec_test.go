package rpc

import (
	"bytes"
	"testing"

	"github.com/vzdtic/bifrost/pkg/rsm"
)

func TestCodecRoundTrip(t *testing.T) {
	codec := Codec{}

	in := &ExecuteRequest{SmID: 7, FnID: 3, Data: []byte("payload")}
	data, err := codec.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	out := &ExecuteRequest{}
	if err := codec.Unmarshal(data, out); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if out.SmID != 7 || out.FnID != 3 || !bytes.Equal(out.Data, []byte("payload")) {
		t.Errorf("Round trip corrupted message: %+v", out)
	}
}

func TestCodecCarriesErrorCodes(t *testing.T) {
	codec := Codec{}

	in := &ExecuteResponse{ErrCode: rsm.CodeNotCommitted, LeaderHint: "127.0.0.1:5001"}
	data, err := codec.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	out := &ExecuteResponse{}
	if err := codec.Unmarshal(data, out); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if out.ErrCode != rsm.CodeNotCommitted {
		t.Errorf("Expected NotCommitted, got %v", out.ErrCode)
	}
	if out.LeaderHint != "127.0.0.1:5001" {
		t.Errorf("Leader hint lost: %q", out.LeaderHint)
	}
}

func TestCodecName(t *testing.T) {
	if (Codec{}).Name() != "gob" {
		t.Errorf("Unexpected codec name %q", Codec{}.Name())
	}
}
