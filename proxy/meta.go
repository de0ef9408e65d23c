package proxy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"

	"github.com/undermoon-go/server-proxy/cluster"
	"github.com/undermoon-go/server-proxy/cmn"
)

// MetaManager is the proxy's single metadata owner: every SETDB/SETPEER
// push takes its lock, builds a brand new MetaSnapshot, and publishes it
// with one atomic store, so command routing (the hot path) never blocks on
// a mutex and never observes a half-built snapshot. This is the Go
// translation of the teacher's clone-then-swap discipline in
// ais/rebmeta.go, generalized from rebalance metadata to cluster topology.
type MetaManager struct {
	mu   sync.Mutex
	snap atomic.Pointer[MetaSnapshot]

	migrations  *MigrationMap
	deleteTasks *DeleteKeysTaskMap
	backends    *BackendRegistry
	deleteRate  uint64

	selfAddress string
}

func NewMetaManager(selfAddress string, backends *BackendRegistry, deleteRate uint64) *MetaManager {
	m := &MetaManager{
		migrations:  NewMigrationMap(),
		deleteTasks: NewDeleteKeysTaskMap(),
		backends:    backends,
		deleteRate:  deleteRate,
		selfAddress: selfAddress,
	}
	m.snap.Store(BuildMetaSnapshot(cluster.ProxyClusterMeta{}))
	return m
}

// Snapshot returns the current published snapshot. Safe for concurrent use
// from any number of command-routing goroutines.
func (m *MetaManager) Snapshot() *MetaSnapshot {
	return m.snap.Load()
}

// SetMeta applies a SETDB/SETPEER push: epoch must advance (unless Force is
// set), then a new snapshot is built, migrations are diffed against it, and
// only once both are ready is the new snapshot published and delete-key
// cleanup tasks launched for ranges that just finished migrating away.
func (m *MetaManager) SetMeta(meta cluster.ProxyClusterMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.snap.Load()
	if !meta.Flags.Force && meta.Epoch <= current.Epoch {
		return cmn.NewError(cmn.KindOldEpoch, "pushed epoch %d <= current epoch %d", meta.Epoch, current.Epoch)
	}

	next := BuildMetaSnapshot(meta)
	started, retired := m.migrations.Diff(meta)

	m.snap.Store(next)

	for _, t := range started {
		glog.Infof("migration started: cluster=%s range=%s meta=%s", t.Cluster, t.Range, t.Meta)
	}
	m.launchDeleteTasks(meta, retired)
	return nil
}

// launchDeleteTasks starts a DeleteKeysTask for every source node whose
// migration just finished, retaining whatever ranges it still owns in the
// new topology so the scan only removes stale, migrated-away keys.
func (m *MetaManager) launchDeleteTasks(meta cluster.ProxyClusterMeta, retired []*MigrationTask) {
	if len(retired) == 0 {
		return
	}
	leftSlotsAfterChange := make(map[cluster.ClusterName]map[string][]cluster.SlotRange)
	for _, t := range retired {
		addr := t.Meta.SrcNodeAddress
		if addr == "" {
			continue
		}
		if _, ok := leftSlotsAfterChange[t.Cluster]; !ok {
			leftSlotsAfterChange[t.Cluster] = make(map[string][]cluster.SlotRange)
		}
		if _, ok := leftSlotsAfterChange[t.Cluster][addr]; ok {
			continue
		}
		var retained []cluster.SlotRange
		if nodes, ok := meta.Local[t.Cluster]; ok {
			retained = nodes[addr]
		}
		leftSlotsAfterChange[t.Cluster][addr] = retained
	}

	launched := m.deleteTasks.Replace(leftSlotsAfterChange, func(address string, ranges []cluster.SlotRange) *DeleteKeysTask {
		sender := m.backends.Get(address)
		return NewDeleteKeysTask(address, ranges, sender, m.deleteRate)
	})
	for _, t := range launched {
		t.Start(context.Background())
	}
}

// HandleSwitch applies a TMPSWITCH command: the epoch must not be ahead of
// the manager's own published epoch (NotReady if it is — this holds even
// before the matching SETDB/SETPEER has landed and a task exists to check
// against), and the Migrating tag in the wire command is normalized to
// Importing before matching against the tracked task, since TMPSWITCH
// always targets the destination's view of a range.
func (m *MetaManager) HandleSwitch(cn cluster.ClusterName, r cluster.SlotRange, switchEpoch uint64, stage SwitchStage) error {
	if switchEpoch > m.Epoch() {
		return errNotReady(cn, r)
	}
	r.Tag = r.Tag.AsImporting()
	return m.migrations.HandleSwitch(cn, r, switchEpoch, stage)
}

// Migrations returns the manager's migration state machine, for the router
// and cluster-view emitters to consult read-only migration task state.
func (m *MetaManager) Migrations() *MigrationMap {
	return m.migrations
}

// FinishedMigrationTasks returns the retained tail of completed migrations,
// for diagnostics. INFOMGR lists only the active tasks, not these.
func (m *MetaManager) FinishedMigrationTasks() []MigrationTask {
	return m.migrations.FinishedTasks()
}

// TrySelectDB resolves the cluster name a newly accepted (or SELECT'd)
// session should use: the requested name if it exists in the current
// snapshot, otherwise an error, matching the control plane's single
// always-know-your-cluster invariant.
func (m *MetaManager) TrySelectDB(name cluster.ClusterName) (cluster.ClusterName, error) {
	snap := m.Snapshot()
	if snap.HasCluster(name) {
		return name, nil
	}
	return "", cmn.NewError(cmn.KindInvalidArg, "cluster %q not found", name)
}

// Info renders the INFOMGR text block: cluster topology, then migration
// state, then the deleting_tasks line, in the same three-section shape the
// teacher's manager.rs info() produces.
func (m *MetaManager) Info() string {
	snap := m.Snapshot()

	var b strings.Builder
	b.WriteString("# Cluster\r\n")
	for _, cn := range snap.ClusterNames() {
		fmt.Fprintf(&b, "cluster:%s\r\n", cn)
		b.WriteString(GenClusterNodes(snap, cn, m.selfAddress))
	}

	b.WriteString("# Migration\r\n")
	for _, t := range m.migrations.Snapshot() {
		fmt.Fprintf(&b, "migration:%s %s state=%s meta=%s\r\n", t.Cluster, t.Range, t.State, t.Meta)
	}
	b.WriteString(m.deleteTasks.Info())
	b.WriteString("\r\n")
	return b.String()
}

// Epoch returns the currently published epoch, for GETEPOCH.
func (m *MetaManager) Epoch() uint64 {
	return m.Snapshot().Epoch
}
