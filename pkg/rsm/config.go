package rsm

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sort"
	"sync"

	"github.com/vzdtic/bifrost/pkg/raft"
)

// Config sub query function ids.
const (
	ConfigQryMembers uint64 = 100
)

// Configs is the configuration sub-state-machine (sm id 0). It mirrors
// the consensus peer set so that the aggregate snapshot always carries
// it; the driver owns the authoritative copy and applies the same
// entries to it.
type Configs struct {
	mu      sync.RWMutex
	members map[string]bool
	version uint64
}

func NewConfigs() *Configs {
	return &Configs{
		members: make(map[string]bool),
	}
}

func (c *Configs) ID() uint64 {
	return raft.ConfigSmID
}

func (c *Configs) ApplyCmd(fnID uint64, data []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	nodeID := string(data)
	switch fnID {
	case raft.ConfigFnAddNode:
		if !c.members[nodeID] {
			c.members[nodeID] = true
			c.version++
		}
		return nil, nil
	case raft.ConfigFnDelNode:
		if c.members[nodeID] {
			delete(c.members, nodeID)
			c.version++
		}
		return nil, nil
	default:
		return nil, ErrFnNotFound
	}
}

func (c *Configs) ExecQry(fnID uint64, data []byte) ([]byte, error) {
	switch fnID {
	case ConfigQryMembers:
		members := c.Members()
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(members); err != nil {
			return nil, ErrUnknown
		}
		return buf.Bytes(), nil
	default:
		return nil, ErrFnNotFound
	}
}

// Members returns the peer ids, sorted.
func (c *Configs) Members() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	members := make([]string, 0, len(c.members))
	for id := range c.members {
		members = append(members, id)
	}
	sort.Strings(members)
	return members
}

func (c *Configs) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

type configsImage struct {
	Members []string
	Version uint64
}

func (c *Configs) Snapshot() ([]byte, error) {
	image := configsImage{
		Members: c.Members(),
		Version: c.Version(),
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(image); err != nil {
		return nil, fmt.Errorf("failed to encode config image: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *Configs) Recover(data []byte) error {
	var image configsImage
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&image); err != nil {
		return fmt.Errorf("failed to decode config image: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.members = make(map[string]bool, len(image.Members))
	for _, id := range image.Members {
		c.members[id] = true
	}
	c.version = image.Version
	return nil
}
