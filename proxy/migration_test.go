package proxy

import (
	"testing"

	"github.com/undermoon-go/server-proxy/cluster"
	"github.com/undermoon-go/server-proxy/cmn"
)

func metaFor(meta cluster.MigrationMeta, kind cluster.SlotRangeTagKind) cluster.ProxyClusterMeta {
	tag := cluster.NoTag()
	switch kind {
	case cluster.TagMigrating:
		tag = cluster.MigratingTag(meta)
	case cluster.TagImporting:
		tag = cluster.ImportingTag(meta)
	}
	return cluster.ProxyClusterMeta{
		Epoch: meta.Epoch,
		Local: cluster.ClusterSlots{
			"mydb": cluster.NodeSlots{
				meta.DstNodeAddress: {{Start: 0, End: 100, Tag: tag}},
			},
		},
	}
}

func TestMigrationMapDiffStartsAndRetires(t *testing.T) {
	m := NewMigrationMap()
	mig := cluster.MigrationMeta{Epoch: 1, SrcNodeAddress: "src:1", DstNodeAddress: "dst:1"}

	started, retired := m.Diff(metaFor(mig, cluster.TagImporting))
	if len(started) != 1 || len(retired) != 0 {
		t.Fatalf("expected one started task, got started=%d retired=%d", len(started), len(retired))
	}

	// A repeat of the same tagged meta should not start a second task.
	started, retired = m.Diff(metaFor(mig, cluster.TagImporting))
	if len(started) != 0 || len(retired) != 0 {
		t.Fatalf("expected no change on repeat push, got started=%d retired=%d", len(started), len(retired))
	}

	// The range disappearing (migration finished, tag gone) retires it.
	done := cluster.ProxyClusterMeta{Epoch: 2, Local: cluster.ClusterSlots{
		"mydb": cluster.NodeSlots{"dst:1": {{Start: 0, End: 100}}},
	}}
	started, retired = m.Diff(done)
	if len(started) != 0 || len(retired) != 1 {
		t.Fatalf("expected one retired task, got started=%d retired=%d", len(started), len(retired))
	}
}

func TestMigrationMapHandleSwitchProgression(t *testing.T) {
	m := NewMigrationMap()
	mig := cluster.MigrationMeta{Epoch: 5, SrcNodeAddress: "src:1", DstNodeAddress: "dst:1"}
	m.Diff(metaFor(mig, cluster.TagImporting))

	r := cluster.SlotRange{Start: 0, End: 100}
	if err := m.HandleSwitch("mydb", r, 5, SwitchPre); err != nil {
		t.Fatalf("PRE switch failed: %v", err)
	}
	task, ok := m.Get("mydb", r)
	if !ok {
		t.Fatalf("expected task to exist")
	}
	if task.State != StatePreCommit {
		t.Fatalf("expected PRE_COMMIT after a PRE switch, got %s", task.State)
	}

	if err := m.HandleSwitch("mydb", r, 5, SwitchCommit); err != nil {
		t.Fatalf("COMMIT switch failed: %v", err)
	}
	task, _ = m.Get("mydb", r)
	if task.State != StateDone {
		t.Fatalf("expected DONE after COMMIT switch, got %s", task.State)
	}
}

func TestMigrationMapHandleSwitchNotReady(t *testing.T) {
	m := NewMigrationMap()
	mig := cluster.MigrationMeta{Epoch: 5, SrcNodeAddress: "src:1", DstNodeAddress: "dst:1"}
	m.Diff(metaFor(mig, cluster.TagImporting))

	r := cluster.SlotRange{Start: 0, End: 100}
	err := m.HandleSwitch("mydb", r, 6, SwitchPre)
	if cmn.KindOf(err) != cmn.KindNotReady {
		t.Fatalf("expected KindNotReady, got %v", cmn.KindOf(err))
	}
}

func TestMigrationMapHandleSwitchUnknownRange(t *testing.T) {
	m := NewMigrationMap()
	err := m.HandleSwitch("mydb", cluster.SlotRange{Start: 0, End: 100}, 1, SwitchPre)
	if cmn.KindOf(err) != cmn.KindNotInProgress {
		t.Fatalf("expected KindNotInProgress, got %v", cmn.KindOf(err))
	}
}

func TestMigrationMapHandleSwitchMatchesNormalizedTag(t *testing.T) {
	m := NewMigrationMap()
	mig := cluster.MigrationMeta{Epoch: 5, SrcNodeAddress: "src:1", DstNodeAddress: "dst:1"}
	m.Diff(metaFor(mig, cluster.TagImporting))

	r := cluster.SlotRange{Start: 0, End: 100, Tag: cluster.MigratingTag(mig)}
	r.Tag = r.Tag.AsImporting()
	if err := m.HandleSwitch("mydb", r, 5, SwitchPre); err != nil {
		t.Fatalf("expected normalized Importing tag to match tracked task: %v", err)
	}
}
