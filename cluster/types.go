// Package cluster defines the wire-level topology types shared between the
// proxy's metadata engine and the broker control plane: cluster names, slot
// ranges, migration metadata and the full ProxyClusterMeta pushed by SETDB.
package cluster

import (
	"fmt"
)

// AdminClusterName is reserved: commands addressed to it are answered by the
// proxy itself instead of being routed to a backend.
const AdminClusterName = "admin"

// DefaultClusterName is what a freshly accepted session is pinned to until
// SELECT-like cluster switching or auto_select_db resolves it.
const DefaultClusterName = ""

// NumSlots is the fixed Redis Cluster slot space.
const NumSlots = 16384

// ClusterName is a validated, non-empty logical cluster identifier.
type ClusterName string

// Validate enforces the bounded, non-empty identifier invariant from the
// data model table.
func (c ClusterName) Validate() error {
	if len(c) == 0 {
		return fmt.Errorf("cluster name must not be empty")
	}
	if len(c) > 255 {
		return fmt.Errorf("cluster name %q exceeds 255 bytes", string(c))
	}
	return nil
}

func (c ClusterName) String() string { return string(c) }

// IsAdmin reports whether this name routes to the proxy's built-in admin
// handling instead of a backend cluster.
func (c ClusterName) IsAdmin() bool { return string(c) == AdminClusterName }

// MigrationMeta identifies one migration uniquely by epoch and carries the
// four addresses both sides need to talk to each other.
type MigrationMeta struct {
	Epoch           uint64
	SrcProxyAddress string
	SrcNodeAddress  string
	DstProxyAddress string
	DstNodeAddress  string
}

func (m MigrationMeta) Equals(o MigrationMeta) bool {
	return m.Epoch == o.Epoch &&
		m.SrcProxyAddress == o.SrcProxyAddress &&
		m.SrcNodeAddress == o.SrcNodeAddress &&
		m.DstProxyAddress == o.DstProxyAddress &&
		m.DstNodeAddress == o.DstNodeAddress
}

func (m MigrationMeta) String() string {
	return fmt.Sprintf("epoch=%d src=%s(%s) dst=%s(%s)",
		m.Epoch, m.SrcNodeAddress, m.SrcProxyAddress, m.DstNodeAddress, m.DstProxyAddress)
}

// SlotRangeTagKind distinguishes the three tag states a SlotRange can carry.
type SlotRangeTagKind uint8

const (
	TagNone SlotRangeTagKind = iota
	TagMigrating
	TagImporting
)

func (k SlotRangeTagKind) String() string {
	switch k {
	case TagMigrating:
		return "MIGRATING"
	case TagImporting:
		return "IMPORTING"
	default:
		return "NONE"
	}
}

// SlotRangeTag is either TagNone or carries the MigrationMeta for the
// migration currently touching this range.
type SlotRangeTag struct {
	Kind SlotRangeTagKind
	Meta MigrationMeta
}

func NoTag() SlotRangeTag { return SlotRangeTag{Kind: TagNone} }

func MigratingTag(meta MigrationMeta) SlotRangeTag {
	return SlotRangeTag{Kind: TagMigrating, Meta: meta}
}

func ImportingTag(meta MigrationMeta) SlotRangeTag {
	return SlotRangeTag{Kind: TagImporting, Meta: meta}
}

// AsImporting normalizes a Migrating tag to Importing carrying the same
// meta, used when a SWITCH command arrives on the destination side and must
// be matched against the stored (Importing) task. See spec §4.3.
func (t SlotRangeTag) AsImporting() SlotRangeTag {
	if t.Kind == TagMigrating {
		return ImportingTag(t.Meta)
	}
	return t
}

// SlotRange is an inclusive [Start, End] range in [0, NumSlots).
type SlotRange struct {
	Start int
	End   int
	Tag   SlotRangeTag
}

func (r SlotRange) Validate() error {
	if r.Start < 0 || r.End >= NumSlots || r.Start > r.End {
		return fmt.Errorf("invalid slot range %d-%d", r.Start, r.End)
	}
	return nil
}

func (r SlotRange) Contains(slot int) bool { return slot >= r.Start && slot <= r.End }

func (r SlotRange) String() string { return fmt.Sprintf("%d-%d", r.Start, r.End) }

// MetaFlags are the flags carried by a SETDB/SETPEER push.
type MetaFlags struct {
	Force bool
}

func (f MetaFlags) String() string {
	if f.Force {
		return "FORCE"
	}
	return "NOFLAG"
}

// NodeSlots maps a backend node address to the slot ranges it owns within
// one cluster.
type NodeSlots map[string][]SlotRange

// ClusterSlots maps cluster name to per-node slot ranges.
type ClusterSlots map[ClusterName]NodeSlots

// ProxyClusterMeta is the full topology pushed by the broker via SETDB
// (local map) and SETPEER (peer map), combined under one epoch.
type ProxyClusterMeta struct {
	Epoch uint64
	Flags MetaFlags
	Local ClusterSlots
	Peer  ClusterSlots
}

// Clone produces a deep-enough copy for safe independent mutation; slices
// of SlotRange are value types so a shallow per-map copy suffices.
func (m ProxyClusterMeta) Clone() ProxyClusterMeta {
	return ProxyClusterMeta{
		Epoch: m.Epoch,
		Flags: m.Flags,
		Local: cloneClusterSlots(m.Local),
		Peer:  cloneClusterSlots(m.Peer),
	}
}

func cloneClusterSlots(in ClusterSlots) ClusterSlots {
	if in == nil {
		return nil
	}
	out := make(ClusterSlots, len(in))
	for cn, nodes := range in {
		nodeCopy := make(NodeSlots, len(nodes))
		for addr, ranges := range nodes {
			rangesCopy := make([]SlotRange, len(ranges))
			copy(rangesCopy, ranges)
			nodeCopy[addr] = rangesCopy
		}
		out[cn] = nodeCopy
	}
	return out
}

// ReplicaRole distinguishes master/slave replication intent, as carried by
// SETREPL.
type ReplicaRole uint8

const (
	RoleMaster ReplicaRole = iota
	RoleReplica
)

func (r ReplicaRole) String() string {
	if r == RoleReplica {
		return "slave"
	}
	return "master"
}

// ReplicaMeta is one SETREPL entry: a node's replication intent.
type ReplicaMeta struct {
	Role         ReplicaRole
	Cluster      ClusterName
	NodeAddress  string
	MasterAddress string
}

// ReplicatorMeta is the full replication intent pushed by SETREPL.
type ReplicatorMeta struct {
	Epoch   uint64
	Intents []ReplicaMeta
}
