package proxy

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/undermoon-go/server-proxy/cluster"
	"github.com/undermoon-go/server-proxy/respproto"
)

// fakeExecutor serves SCAN against an in-memory key set and records DELs.
type fakeExecutor struct {
	mu      sync.Mutex
	keys    []string
	deleted []string
	batch   int
}

func newFakeExecutor(keys []string) *fakeExecutor {
	return &fakeExecutor{keys: keys, batch: scanBatchSize}
}

func (f *fakeExecutor) Execute(ctx context.Context, args [][]byte) (respproto.Value, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := string(args[0])
	switch name {
	case "SCAN":
		cursor, _ := strconv.Atoi(string(args[1]))
		end := cursor + f.batch
		if end > len(f.keys) {
			end = len(f.keys)
		}
		page := f.keys[cursor:end]
		next := 0
		if end < len(f.keys) {
			next = end
		}
		items := make([]respproto.Value, len(page))
		for i, k := range page {
			items[i] = respproto.BulkString([]byte(k))
		}
		return respproto.Array([]respproto.Value{
			respproto.BulkString([]byte(strconv.Itoa(next))),
			respproto.Array(items),
		}), nil
	case "DEL":
		for _, k := range args[1:] {
			f.deleted = append(f.deleted, string(k))
		}
		return respproto.Integer(int64(len(args) - 1)), nil
	default:
		return respproto.Error("ERR unexpected command"), nil
	}
}

func TestDeleteKeysTaskRetainsOwnedSlots(t *testing.T) {
	keys := []string{"{r}.a", "{r}.b", "{d}.a", "{d}.b", "{d}.c"}
	exec := newFakeExecutor(keys)

	retainSlot := cluster.KeyHashSlot("{r}.a")
	retain := []cluster.SlotRange{{Start: retainSlot, End: retainSlot}}

	task := NewDeleteKeysTask("node:1", retain, exec, 100000)
	cancel := task.Start(context.Background())
	defer cancel()

	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("task did not finish in time")
	}
	if err := task.Err(); err != nil {
		t.Fatalf("task finished with error: %v", err)
	}

	exec.mu.Lock()
	defer exec.mu.Unlock()
	for _, k := range exec.deleted {
		if k == "{r}.a" {
			t.Fatalf("retained key %q was deleted", k)
		}
	}
	if len(exec.deleted) != 3 {
		t.Fatalf("expected 3 deletions of non-retained keys, got %d: %v", len(exec.deleted), exec.deleted)
	}
}

func TestDeleteKeysTaskStopIsSynchronous(t *testing.T) {
	keys := make([]string, 1000)
	for i := range keys {
		keys[i] = "k" + strconv.Itoa(i)
	}
	exec := newFakeExecutor(keys)
	task := NewDeleteKeysTask("node:1", nil, exec, 1)
	task.Start(context.Background())
	task.Stop()

	select {
	case <-task.Done():
	default:
		t.Fatalf("Stop returned before the task goroutine exited")
	}
}

func TestDeleteKeysTaskMapReplacePreservesExisting(t *testing.T) {
	m := NewDeleteKeysTaskMap()
	exec := newFakeExecutor(nil)

	var created int
	factory := func(address string, ranges []cluster.SlotRange) *DeleteKeysTask {
		created++
		return NewDeleteKeysTask(address, ranges, exec, 100000)
	}

	left := map[cluster.ClusterName]map[string][]cluster.SlotRange{
		"mydb": {"node:1": {{Start: 0, End: 100}}},
	}
	launched := m.Replace(left, factory)
	if len(launched) != 1 || created != 1 {
		t.Fatalf("expected one task launched, got %d (created=%d)", len(launched), created)
	}

	launched = m.Replace(left, factory)
	if len(launched) != 0 || created != 1 {
		t.Fatalf("expected no new task for an unchanged entry, got %d (created=%d)", len(launched), created)
	}

	launched = m.Replace(map[cluster.ClusterName]map[string][]cluster.SlotRange{}, factory)
	if len(launched) != 0 {
		t.Fatalf("expected no launches when removing an entry, got %d", len(launched))
	}
}
