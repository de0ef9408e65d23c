package proxy

import (
	"testing"

	"github.com/undermoon-go/server-proxy/cluster"
	"github.com/undermoon-go/server-proxy/cmn"
)

func testSnapshot(t *testing.T) *MetaSnapshot {
	t.Helper()
	meta := cluster.ProxyClusterMeta{
		Epoch: 1,
		Local: cluster.ClusterSlots{
			"mydb": cluster.NodeSlots{
				"127.0.0.1:7000": {{Start: 0, End: 8191}},
				"127.0.0.1:7001": {{Start: 8192, End: 16383}},
			},
		},
	}
	return BuildMetaSnapshot(meta)
}

func TestRouteSingleKey(t *testing.T) {
	snap := testSnapshot(t)
	decision, err := Route(snap, "mydb", [][]byte{[]byte("GET"), []byte("foo")}, NewMigrationMap(), false)
	if err != nil {
		t.Fatalf("Route returned error: %v", err)
	}
	if decision.Node == "" {
		t.Fatalf("expected a resolved node")
	}
}

func TestRouteCrossSlot(t *testing.T) {
	snap := testSnapshot(t)
	_, err := Route(snap, "mydb", [][]byte{[]byte("MGET"), []byte("foo"), []byte("bar"), []byte("baz")}, NewMigrationMap(), false)
	if err == nil {
		t.Fatalf("expected CROSSSLOT error")
	}
	if cmn.KindOf(err) != cmn.KindCrossSlot {
		t.Fatalf("expected KindCrossSlot, got %v", cmn.KindOf(err))
	}
}

func TestRouteHashTagSameSlot(t *testing.T) {
	snap := testSnapshot(t)
	_, err := Route(snap, "mydb", [][]byte{[]byte("MGET"), []byte("{user1}.a"), []byte("{user1}.b")}, NewMigrationMap(), false)
	if err != nil {
		t.Fatalf("keys sharing a hash tag must not CROSSSLOT: %v", err)
	}
}

func TestRouteKeylessCommand(t *testing.T) {
	snap := testSnapshot(t)
	decision, err := Route(snap, "mydb", [][]byte{[]byte("PING")}, NewMigrationMap(), false)
	if err != nil {
		t.Fatalf("Route returned error: %v", err)
	}
	if !decision.NoKeys {
		t.Fatalf("expected NoKeys for PING")
	}
}

func TestRouteUnknownCommand(t *testing.T) {
	snap := testSnapshot(t)
	_, err := Route(snap, "mydb", [][]byte{[]byte("NOTACOMMAND"), []byte("foo")}, NewMigrationMap(), false)
	if cmn.KindOf(err) != cmn.KindUnknownCmd {
		t.Fatalf("expected KindUnknownCmd, got %v", cmn.KindOf(err))
	}
}

func TestRouteNotCovered(t *testing.T) {
	snap := testSnapshot(t)
	_, err := Route(snap, "unknown-cluster", [][]byte{[]byte("GET"), []byte("foo")}, NewMigrationMap(), false)
	if cmn.KindOf(err) != cmn.KindNotCovered {
		t.Fatalf("expected KindNotCovered, got %v", cmn.KindOf(err))
	}
}

func TestRouteFallsBackToPeerMapWhenNotOwnedLocally(t *testing.T) {
	meta := cluster.ProxyClusterMeta{
		Epoch: 2,
		Peer: cluster.ClusterSlots{
			"mydb": cluster.NodeSlots{
				"127.0.0.1:8000": {{Start: 0, End: 16383}},
			},
		},
	}
	snap := BuildMetaSnapshot(meta)
	decision, err := Route(snap, "mydb", [][]byte{[]byte("GET"), []byte("foo")}, NewMigrationMap(), false)
	if err != nil {
		t.Fatalf("Route returned error: %v", err)
	}
	if decision.Redirect == nil || decision.Redirect.Ask || decision.Redirect.Addr != "127.0.0.1:8000" {
		t.Fatalf("expected MOVED redirect to peer node, got %+v", decision)
	}
}

func importingSnapshot() *MetaSnapshot {
	meta := cluster.ProxyClusterMeta{
		Epoch: 2,
		Local: cluster.ClusterSlots{
			"mydb": cluster.NodeSlots{
				"127.0.0.1:7000": {{
					Start: 0, End: 16383,
					Tag: cluster.ImportingTag(cluster.MigrationMeta{
						Epoch: 2, SrcNodeAddress: "127.0.0.1:8000", DstNodeAddress: "127.0.0.1:7000",
					}),
				}},
			},
		},
	}
	return BuildMetaSnapshot(meta)
}

func TestRouteImportingWithoutASKINGRedirectsToSource(t *testing.T) {
	snap := importingSnapshot()
	decision, err := Route(snap, "mydb", [][]byte{[]byte("GET"), []byte("foo")}, NewMigrationMap(), false)
	if err != nil {
		t.Fatalf("Route returned error: %v", err)
	}
	if decision.Redirect == nil || decision.Redirect.Ask || decision.Redirect.Addr != "127.0.0.1:8000" {
		t.Fatalf("expected MOVED redirect to source node, got %+v", decision)
	}
}

func TestRouteImportingWithASKINGForwardsLocally(t *testing.T) {
	snap := importingSnapshot()
	decision, err := Route(snap, "mydb", [][]byte{[]byte("GET"), []byte("foo")}, NewMigrationMap(), true)
	if err != nil {
		t.Fatalf("Route returned error: %v", err)
	}
	if decision.Redirect != nil || decision.Node != "127.0.0.1:7000" {
		t.Fatalf("expected a local forward, got %+v", decision)
	}
}

func migratingSnapshotAndTask(state MigrationState) (*MetaSnapshot, *MigrationMap) {
	r := cluster.SlotRange{
		Start: 0, End: 16383,
		Tag: cluster.MigratingTag(cluster.MigrationMeta{
			Epoch: 2, SrcNodeAddress: "127.0.0.1:7000", DstNodeAddress: "127.0.0.1:8000",
		}),
	}
	meta := cluster.ProxyClusterMeta{
		Epoch: 2,
		Local: cluster.ClusterSlots{
			"mydb": cluster.NodeSlots{"127.0.0.1:7000": {r}},
		},
	}
	snap := BuildMetaSnapshot(meta)
	migrations := NewMigrationMap()
	migrations.Diff(meta)
	task, ok := migrations.Get("mydb", r)
	if !ok {
		panic("expected Diff to track the migrating range")
	}
	task.State = state
	return snap, migrations
}

func TestRouteMigratingBeforePreCommitForwardsToSource(t *testing.T) {
	snap, migrations := migratingSnapshotAndTask(StatePreSwitch)
	decision, err := Route(snap, "mydb", [][]byte{[]byte("GET"), []byte("foo")}, migrations, false)
	if err != nil {
		t.Fatalf("Route returned error: %v", err)
	}
	if decision.Redirect != nil || decision.Node != "127.0.0.1:7000" {
		t.Fatalf("expected a local forward to the source node, got %+v", decision)
	}
}

func TestRouteMigratingAfterPreCommitRedirectsAsk(t *testing.T) {
	snap, migrations := migratingSnapshotAndTask(StatePreCommit)
	decision, err := Route(snap, "mydb", [][]byte{[]byte("GET"), []byte("foo")}, migrations, false)
	if err != nil {
		t.Fatalf("Route returned error: %v", err)
	}
	if decision.Redirect == nil || !decision.Redirect.Ask || decision.Redirect.Addr != "127.0.0.1:8000" {
		t.Fatalf("expected ASK redirect to destination node, got %+v", decision)
	}
}
