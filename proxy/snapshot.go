// Package proxy implements the server-proxy's hot path: command routing,
// backend dispatch, migration bookkeeping and the single-writer metadata
// manager that republishes them all on every topology change.
package proxy

import (
	"sort"

	"github.com/undermoon-go/server-proxy/cluster"
)

// backendRange is one contiguous slot range owned by a single backend node,
// flattened out of cluster.NodeSlots for O(log n) slot lookup.
type backendRange struct {
	start, end int
	node       string
	tag        cluster.SlotRangeTag
}

// clusterBackendMap is the routing table for one logical cluster: a sorted
// list of backendRanges covering [0, NumSlots), built once per MetaSnapshot
// and never mutated afterwards.
type clusterBackendMap struct {
	ranges []backendRange
}

func buildClusterBackendMap(nodes cluster.NodeSlots) *clusterBackendMap {
	m := &clusterBackendMap{}
	for addr, ranges := range nodes {
		for _, r := range ranges {
			m.ranges = append(m.ranges, backendRange{start: r.Start, end: r.End, node: addr, tag: r.Tag})
		}
	}
	sort.Slice(m.ranges, func(i, j int) bool { return m.ranges[i].start < m.ranges[j].start })
	return m
}

// lookup returns the backendRange owning slot, and whether one was found.
func (m *clusterBackendMap) lookup(slot int) (backendRange, bool) {
	if m == nil {
		return backendRange{}, false
	}
	i := sort.Search(len(m.ranges), func(i int) bool { return m.ranges[i].end >= slot })
	if i < len(m.ranges) && m.ranges[i].start <= slot && slot <= m.ranges[i].end {
		return m.ranges[i], true
	}
	return backendRange{}, false
}

// MetaSnapshot is the full immutable view of cluster topology at one epoch:
// built once under MetaManager's lock, then published via a single atomic
// pointer swap so concurrent command-routing reads never block and never
// observe a half-built map. This mirrors the teacher's Smap/rmd
// clone-then-swap discipline in cluster/map.go and ais/rebmeta.go.
type MetaSnapshot struct {
	Epoch uint64
	Flags cluster.MetaFlags

	local map[cluster.ClusterName]*clusterBackendMap
	peer  map[cluster.ClusterName]*clusterBackendMap

	localRaw cluster.ClusterSlots
	peerRaw  cluster.ClusterSlots
}

// BuildMetaSnapshot compiles a ProxyClusterMeta into its routable form.
func BuildMetaSnapshot(meta cluster.ProxyClusterMeta) *MetaSnapshot {
	s := &MetaSnapshot{
		Epoch:    meta.Epoch,
		Flags:    meta.Flags,
		local:    make(map[cluster.ClusterName]*clusterBackendMap, len(meta.Local)),
		peer:     make(map[cluster.ClusterName]*clusterBackendMap, len(meta.Peer)),
		localRaw: meta.Local,
		peerRaw:  meta.Peer,
	}
	for cn, nodes := range meta.Local {
		s.local[cn] = buildClusterBackendMap(nodes)
	}
	for cn, nodes := range meta.Peer {
		s.peer[cn] = buildClusterBackendMap(nodes)
	}
	return s
}

// ClusterNames lists every locally owned cluster name.
func (s *MetaSnapshot) ClusterNames() []cluster.ClusterName {
	names := make([]cluster.ClusterName, 0, len(s.localRaw))
	for cn := range s.localRaw {
		names = append(names, cn)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// HasCluster reports whether cn is present in the local map.
func (s *MetaSnapshot) HasCluster(cn cluster.ClusterName) bool {
	_, ok := s.localRaw[cn]
	return ok
}

// NodeSlotsFor returns the raw NodeSlots backing cn, used by the cluster
// view emitters to render CLUSTER NODES/SLOTS without re-walking ranges.
func (s *MetaSnapshot) NodeSlotsFor(cn cluster.ClusterName) (cluster.NodeSlots, bool) {
	ns, ok := s.localRaw[cn]
	return ns, ok
}

// routeResult is what LookupBackend returns: which node owns the slot,
// whether the range is mid-migration on either side, and the range's own
// bounds so the caller can look the task up in the MigrationMap.
type routeResult struct {
	Found      bool
	Node       string
	Tag        cluster.SlotRangeTag
	Start, End int
}

// LookupBackend resolves (cluster, slot) to a backend node in the local map.
func (s *MetaSnapshot) LookupBackend(cn cluster.ClusterName, slot int) routeResult {
	bm, ok := s.local[cn]
	if !ok {
		return routeResult{}
	}
	r, found := bm.lookup(slot)
	if !found {
		return routeResult{}
	}
	return routeResult{Found: true, Node: r.node, Tag: r.tag, Start: r.start, End: r.end}
}

// LookupPeerBackend resolves (cluster, slot) against the peer map, used to
// build MOVED replies when the local map doesn't cover a slot.
func (s *MetaSnapshot) LookupPeerBackend(cn cluster.ClusterName, slot int) routeResult {
	bm, ok := s.peer[cn]
	if !ok {
		return routeResult{}
	}
	r, found := bm.lookup(slot)
	if !found {
		return routeResult{}
	}
	return routeResult{Found: true, Node: r.node, Tag: r.tag, Start: r.start, End: r.end}
}
