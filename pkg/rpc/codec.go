package rpc

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// Codec is a gob codec for gRPC. The wire surface carries no generated
// protobuf types; every message is a plain struct encoded with gob,
// which is self-describing and length-prefixed. Both ends force this
// codec, so the encoding is identical across replicas by construction.
type Codec struct{}

func (Codec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("gob marshal: %w", err)
	}
	return buf.Bytes(), nil
}

func (Codec) Unmarshal(data []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("gob unmarshal: %w", err)
	}
	return nil
}

func (Codec) Name() string {
	return "gob"
}
