package proxy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/OneOfOne/xxhash"

	"github.com/undermoon-go/server-proxy/cluster"
)

// GenClusterNodes renders the CLUSTER NODES text reply for cn: one line per
// node, slot ranges appended, migrating/importing ranges annotated with
// [<slot>->-<dst>] / [<slot>-<-<src>] the way real Redis Cluster does.
func GenClusterNodes(snap *MetaSnapshot, cn cluster.ClusterName, selfAddr string) string {
	nodes, ok := snap.NodeSlotsFor(cn)
	if !ok {
		return ""
	}

	addrs := make([]string, 0, len(nodes))
	for addr := range nodes {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	var b strings.Builder
	for _, addr := range addrs {
		ranges := nodes[addr]
		flags := "master"
		if addr == selfAddr {
			flags += ",myself"
		}
		fmt.Fprintf(&b, "%s %s %s - 0 0 %d connected", nodeID(addr), addr, flags, snap.Epoch)
		for _, r := range ranges {
			b.WriteByte(' ')
			b.WriteString(slotRangeToken(r))
		}
		b.WriteString("\r\n")
	}
	return b.String()
}

// GenClusterSlots builds the CLUSTER SLOTS entries: one [start, end, addr]
// entry per owned range, the shape clients use to build their own local
// slot map. The session renders addr as [host, port]; no node id is
// included. A range mid-migration is omitted
// from its source (clients shouldn't be steered there for new commands) and
// a range being imported is only advertised once its migration has reached
// PreCommit, the same threshold that flips the router's ASK/MOVED behavior.
func GenClusterSlots(snap *MetaSnapshot, cn cluster.ClusterName, migrations *MigrationMap) [][3]interface{} {
	nodes, ok := snap.NodeSlotsFor(cn)
	if !ok {
		return nil
	}
	var out [][3]interface{}
	for addr, ranges := range nodes {
		for _, r := range ranges {
			switch r.Tag.Kind {
			case cluster.TagMigrating:
				continue
			case cluster.TagImporting:
				t, ok := migrations.Get(cn, r)
				if !ok || t.State < StatePreCommit {
					continue
				}
			}
			out = append(out, [3]interface{}{r.Start, r.End, addr})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0].(int) < out[j][0].(int) })
	return out
}

func slotRangeToken(r cluster.SlotRange) string {
	base := r.String()
	switch r.Tag.Kind {
	case cluster.TagMigrating:
		return fmt.Sprintf("%s[%d->-%s]", base, r.Start, nodeID(r.Tag.Meta.DstNodeAddress))
	case cluster.TagImporting:
		return fmt.Sprintf("%s[%d-<-%s]", base, r.Start, nodeID(r.Tag.Meta.SrcNodeAddress))
	default:
		return base
	}
}

// nodeID derives a stable pseudo node-id from an address. This proxy runs no
// gossip protocol, so there's no real 40-hex-char cluster node id; a 64-bit
// digest of the address, hex-padded, serves clients that only use the id as
// an opaque key, the same role idDigest plays for Snode identity.
func nodeID(addr string) string {
	return fmt.Sprintf("%016x", xxhash.ChecksumString64(addr))
}
