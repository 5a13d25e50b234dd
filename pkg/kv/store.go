package kv

import (
	"bytes"
	"encoding/gob"
	"sort"
	"sync"

	"github.com/OneOfOne/xxhash"

	"github.com/vzdtic/bifrost/pkg/rsm"
)

// ServiceName derives the store's sm id on the RSM host.
const ServiceName = "BIFROST_KV_STORE_SERVICE"

// DefaultServiceID is the id the store registers under.
var DefaultServiceID = xxhash.ChecksumString64(ServiceName)

// Command and query function ids.
const (
	CmdSet uint64 = iota
	CmdDelete
)

const (
	QryGet uint64 = iota + 64
	QryKeys
)

type setReq struct {
	Key   string
	Value []byte
}

type deleteReq struct {
	Key string
}

type getReq struct {
	Key string
}

type getResp struct {
	Found bool
	Value []byte
}

// Store is an in-memory key-value sub-state-machine. It shares the
// membership service's log and demonstrates a second sub multiplexed on
// the same RSM host.
type Store struct {
	mu        sync.RWMutex
	serviceID uint64
	data      map[string][]byte
}

// New creates a store under DefaultServiceID.
func New() *Store {
	return &Store{
		serviceID: DefaultServiceID,
		data:      make(map[string][]byte),
	}
}

func (s *Store) ID() uint64 {
	return s.serviceID
}

func (s *Store) ApplyCmd(fnID uint64, data []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch fnID {
	case CmdSet:
		var req setReq
		if err := decode(data, &req); err != nil {
			return nil, rsm.ErrUnknown
		}
		s.data[req.Key] = req.Value
		return nil, nil
	case CmdDelete:
		var req deleteReq
		if err := decode(data, &req); err != nil {
			return nil, rsm.ErrUnknown
		}
		delete(s.data, req.Key)
		return nil, nil
	default:
		return nil, rsm.ErrFnNotFound
	}
}

func (s *Store) ExecQry(fnID uint64, data []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch fnID {
	case QryGet:
		var req getReq
		if err := decode(data, &req); err != nil {
			return nil, rsm.ErrUnknown
		}
		value, ok := s.data[req.Key]
		return encode(getResp{Found: ok, Value: value})
	case QryKeys:
		keys := make([]string, 0, len(s.data))
		for k := range s.data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return encode(keys)
	default:
		return nil, rsm.ErrFnNotFound
	}
}

func (s *Store) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return encode(s.data)
}

func (s *Store) Recover(data []byte) error {
	var image map[string][]byte
	if err := decode(data, &image); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if image == nil {
		image = make(map[string][]byte)
	}
	s.data = image
	return nil
}

// EncodeSet builds a Set command payload.
func EncodeSet(key string, value []byte) ([]byte, error) {
	return encode(setReq{Key: key, Value: value})
}

// EncodeDelete builds a Delete command payload.
func EncodeDelete(key string) ([]byte, error) {
	return encode(deleteReq{Key: key})
}

// EncodeGet builds a Get query payload.
func EncodeGet(key string) ([]byte, error) {
	return encode(getReq{Key: key})
}

// DecodeGet unpacks a Get query result.
func DecodeGet(data []byte) ([]byte, bool, error) {
	var resp getResp
	if err := decode(data, &resp); err != nil {
		return nil, false, err
	}
	return resp.Value, resp.Found, nil
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
