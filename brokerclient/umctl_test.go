package brokerclient

import (
	"strings"
	"testing"

	"github.com/undermoon-go/server-proxy/cluster"
)

func TestParseSetDBSimple(t *testing.T) {
	tokens := strings.Fields("1 NOFLAG mydb 127.0.0.1:7000 0-8191 mydb 127.0.0.1:7001 8192-16383")
	meta, err := ParseSetDB(tokens)
	if err != nil {
		t.Fatalf("ParseSetDB failed: %v", err)
	}
	if meta.Epoch != 1 {
		t.Fatalf("expected epoch 1, got %d", meta.Epoch)
	}
	nodes := meta.Local["mydb"]
	if len(nodes) != 2 {
		t.Fatalf("expected 2 backend nodes, got %d", len(nodes))
	}
	ranges := nodes["127.0.0.1:7000"]
	if len(ranges) != 1 || ranges[0].Start != 0 || ranges[0].End != 8191 {
		t.Fatalf("unexpected ranges for 127.0.0.1:7000: %+v", ranges)
	}
}

func TestParseSetDBWithMigratingMeta(t *testing.T) {
	tokens := strings.Fields(
		"2 NOFLAG mydb 127.0.0.1:7000 MIGRATING 2 127.0.0.1:6000 127.0.0.1:7000 127.0.0.1:6001 127.0.0.1:7001 0-100",
	)
	meta, err := ParseSetDB(tokens)
	if err != nil {
		t.Fatalf("ParseSetDB failed: %v", err)
	}
	r := meta.Local["mydb"]["127.0.0.1:7000"][0]
	if r.Tag.Kind != cluster.TagMigrating {
		t.Fatalf("expected a Migrating tag, got %v", r.Tag.Kind)
	}
	if r.Tag.Meta.DstNodeAddress != "127.0.0.1:7001" {
		t.Fatalf("unexpected migration meta: %+v", r.Tag.Meta)
	}
}

func TestParseSetDBForceFlag(t *testing.T) {
	tokens := strings.Fields("5 FORCE mydb 127.0.0.1:7000 0-16383")
	meta, err := ParseSetDB(tokens)
	if err != nil {
		t.Fatalf("ParseSetDB failed: %v", err)
	}
	if !meta.Flags.Force {
		t.Fatalf("expected Force flag to be set")
	}
}

func TestParseSetDBInvalidRange(t *testing.T) {
	tokens := strings.Fields("1 NOFLAG mydb 127.0.0.1:7000 16383-0")
	if _, err := ParseSetDB(tokens); err == nil {
		t.Fatalf("expected an error for an inverted slot range")
	}
}

func TestParseSetDBTruncated(t *testing.T) {
	tokens := strings.Fields("1 NOFLAG mydb")
	if _, err := ParseSetDB(tokens); err == nil {
		t.Fatalf("expected an error for a truncated db entry")
	}
}

func TestParseSetReplMasterAndReplica(t *testing.T) {
	tokens := strings.Fields("3 MASTER mydb 127.0.0.1:7000 REPLICA mydb 127.0.0.1:7001 127.0.0.1:7000")
	repl, err := ParseSetRepl(tokens)
	if err != nil {
		t.Fatalf("ParseSetRepl failed: %v", err)
	}
	if repl.Epoch != 3 || len(repl.Intents) != 2 {
		t.Fatalf("unexpected parse result: %+v", repl)
	}
	if repl.Intents[0].Role != cluster.RoleMaster {
		t.Fatalf("expected first intent to be master")
	}
	if repl.Intents[1].Role != cluster.RoleReplica || repl.Intents[1].MasterAddress != "127.0.0.1:7000" {
		t.Fatalf("unexpected replica intent: %+v", repl.Intents[1])
	}
}

func TestParseTmpSwitchCommit(t *testing.T) {
	tokens := strings.Fields("4 mydb 127.0.0.1:7000 IMPORTING 4 127.0.0.1:6000 127.0.0.1:8000 127.0.0.1:6001 127.0.0.1:7000 0-100 COMMIT")
	arg, err := ParseTmpSwitch(tokens)
	if err != nil {
		t.Fatalf("ParseTmpSwitch failed: %v", err)
	}
	if !arg.Commit {
		t.Fatalf("expected COMMIT stage")
	}
	if arg.Cluster != "mydb" || arg.Range.Start != 0 || arg.Range.End != 100 {
		t.Fatalf("unexpected switch arg: %+v", arg)
	}
}

func TestParseTmpSwitchInvalidStage(t *testing.T) {
	tokens := strings.Fields("4 mydb 127.0.0.1:7000 0-100 LATER")
	if _, err := ParseTmpSwitch(tokens); err == nil {
		t.Fatalf("expected an error for an invalid switch stage")
	}
}
