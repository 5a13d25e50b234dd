package membership

import "github.com/OneOfOne/xxhash"

// Service identity strings. The ids derived from them are part of the
// wire protocol; all replicas and clients must agree on them.
const (
	ServiceName          = "BIFROST_MEMBERSHIP_SERVICE"
	HeartbeatServiceName = "MEMBERSHIP_HB_RPC_SERVICE"
)

var (
	// DefaultServiceID is the sm id the membership state machine is
	// registered under on the RSM host.
	DefaultServiceID = HashIdent(ServiceName)
	// HeartbeatServiceID identifies the heartbeat RPC service. Pings are
	// not routed through consensus.
	HeartbeatServiceID = HashIdent(HeartbeatServiceName)
)

// HashIdent maps an identifier string to a stable 64-bit id. xxhash64 is
// pinned for the life of a deployment; changing it re-keys every member
// and group.
func HashIdent(s string) uint64 {
	return xxhash.ChecksumString64(s)
}

// MemberIDOf derives a member id from its address. Distinct addresses
// hashing to the same id collapse into one identity (join returns the
// existing member).
func MemberIDOf(address string) uint64 {
	return HashIdent(address)
}

// GroupIDOf derives a group id from its name.
func GroupIDOf(name string) uint64 {
	return HashIdent(name)
}
