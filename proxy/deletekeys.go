package proxy

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/undermoon-go/server-proxy/cluster"
	"github.com/undermoon-go/server-proxy/cmn"
	"github.com/undermoon-go/server-proxy/respproto"
)

// scanBatchSize matches the teacher's SCAN_DEFAULT_SIZE: keys are scanned
// and deleted in batches of this size, and delete_rate is expressed in
// keys/sec rather than batches/sec.
const scanBatchSize = 10

// BackendExecutor is the minimal surface DeleteKeysTask needs from a
// backend connection: issue one command, get one reply. BackendSender
// satisfies it directly.
type BackendExecutor interface {
	Execute(ctx context.Context, args [][]byte) (respproto.Value, error)
}

// DeleteKeysTask scans one backend node and deletes every key outside the
// slot ranges it still owns, cleaning up data stranded there after a slot
// range migrated away. It paces itself against delete_rate keys/sec and
// stops as soon as SCAN's cursor returns to 0 or the context is canceled.
type DeleteKeysTask struct {
	Address       string
	RetainRanges  []cluster.SlotRange
	limiter       *rate.Limiter
	executor      BackendExecutor
	cancel        context.CancelFunc
	done          chan struct{}
	mu            sync.Mutex
	err           error
}

func newDeleteKeysRateLimiter(deleteRate uint64) *rate.Limiter {
	if deleteRate == 0 {
		deleteRate = 1
	}
	batchesPerSec := float64(deleteRate) / float64(scanBatchSize)
	if batchesPerSec <= 0 {
		batchesPerSec = 1
	}
	return rate.NewLimiter(rate.Limit(batchesPerSec), 1)
}

// NewDeleteKeysTask builds a task; call Start to launch its goroutine.
func NewDeleteKeysTask(address string, retain []cluster.SlotRange, executor BackendExecutor, deleteRate uint64) *DeleteKeysTask {
	return &DeleteKeysTask{
		Address:      address,
		RetainRanges: retain,
		limiter:      newDeleteKeysRateLimiter(deleteRate),
		executor:     executor,
		done:         make(chan struct{}),
	}
}

func (t *DeleteKeysTask) retains(slot int) bool {
	for _, r := range t.RetainRanges {
		if r.Contains(slot) {
			return true
		}
	}
	return false
}

// Info renders this task's ranges the way INFOMGR's deleting_tasks line
// expects: "start-end,start-end".
func (t *DeleteKeysTask) Info() string {
	parts := make([]string, len(t.RetainRanges))
	for i, r := range t.RetainRanges {
		parts[i] = r.String()
	}
	return strings.Join(parts, ",")
}

// Start launches the scan-and-delete loop in its own goroutine. Cancel via
// the returned CancelFunc, or via the context passed to Start.
func (t *DeleteKeysTask) Start(ctx context.Context) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	go t.run(ctx)
	return cancel
}

// Stop cancels the task and blocks until its goroutine exits. A task that
// was never started has no goroutine, and Stop returns at once.
func (t *DeleteKeysTask) Stop() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	<-t.done
}

// Done reports whether the task's goroutine has exited.
func (t *DeleteKeysTask) Done() <-chan struct{} { return t.done }

// Err returns the terminal error, if the task stopped abnormally.
func (t *DeleteKeysTask) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *DeleteKeysTask) setErr(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
}

func (t *DeleteKeysTask) run(ctx context.Context) {
	defer close(t.done)

	cursor := uint64(0)
	for {
		if err := t.limiter.Wait(ctx); err != nil {
			return
		}
		next, err := t.scanAndDeleteOnce(ctx, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.setErr(cmn.Wrap(err, "delete keys task"))
			return
		}
		if next == 0 {
			return
		}
		cursor = next
	}
}

func (t *DeleteKeysTask) scanAndDeleteOnce(ctx context.Context, cursor uint64) (uint64, error) {
	scanArgs := [][]byte{[]byte("SCAN"), []byte(strconv.FormatUint(cursor, 10))}
	reply, err := t.executor.Execute(ctx, scanArgs)
	if err != nil {
		return 0, err
	}
	next, keys, err := parseScanReply(reply)
	if err != nil {
		return 0, err
	}

	toDelete := make([][]byte, 0, len(keys))
	for _, k := range keys {
		if !t.retains(cluster.KeyHashSlot(string(k))) {
			toDelete = append(toDelete, k)
		}
	}
	if len(toDelete) > 0 {
		delArgs := make([][]byte, 0, len(toDelete)+1)
		delArgs = append(delArgs, []byte("DEL"))
		delArgs = append(delArgs, toDelete...)
		delReply, err := t.executor.Execute(ctx, delArgs)
		if err != nil {
			return 0, err
		}
		if delReply.Kind == respproto.KindError {
			return 0, fmt.Errorf("DEL failed: %s", delReply.Str)
		}
	}
	return next, nil
}

func parseScanReply(v respproto.Value) (next uint64, keys [][]byte, err error) {
	if v.Kind != respproto.KindArray || len(v.Array) != 2 {
		return 0, nil, cmn.NewError(cmn.KindInvalidReply, "malformed SCAN reply")
	}
	cursorVal := v.Array[0]
	n, err := strconv.ParseUint(string(cursorVal.Bytes()), 10, 64)
	if err != nil {
		return 0, nil, cmn.NewError(cmn.KindInvalidReply, "malformed SCAN cursor: %v", err)
	}
	keysVal := v.Array[1]
	if keysVal.Kind != respproto.KindArray {
		return 0, nil, cmn.NewError(cmn.KindInvalidReply, "malformed SCAN keys")
	}
	out := make([][]byte, 0, len(keysVal.Array))
	for _, k := range keysVal.Array {
		out = append(out, k.Bytes())
	}
	return n, out, nil
}

// DeleteKeysTaskMap owns every DeleteKeysTask, keyed by cluster name and
// backend address, mirroring the teacher's task_map shape in
// DeleteKeysTaskMap::update_from_old_task_map.
type DeleteKeysTaskMap struct {
	mu    sync.Mutex
	tasks map[cluster.ClusterName]map[string]*DeleteKeysTask
}

func NewDeleteKeysTaskMap() *DeleteKeysTaskMap {
	return &DeleteKeysTaskMap{tasks: make(map[cluster.ClusterName]map[string]*DeleteKeysTask)}
}

// Replace swaps in a new generation of tasks built from leftSlotsAfterChange,
// stopping tasks whose (cluster, address) no longer appears and reusing
// ones that do, so an unrelated topology change doesn't restart a task
// that's mid-scan.
func (m *DeleteKeysTaskMap) Replace(leftSlotsAfterChange map[cluster.ClusterName]map[string][]cluster.SlotRange, newTask func(address string, ranges []cluster.SlotRange) *DeleteKeysTask) []*DeleteKeysTask {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := make(map[cluster.ClusterName]map[string]*DeleteKeysTask, len(leftSlotsAfterChange))
	var launched []*DeleteKeysTask
	var stopped []*DeleteKeysTask

	for cn, nodes := range leftSlotsAfterChange {
		nextNodes := make(map[string]*DeleteKeysTask, len(nodes))
		for addr, ranges := range nodes {
			if old, ok := m.tasks[cn]; ok {
				if existing, ok := old[addr]; ok {
					nextNodes[addr] = existing
					continue
				}
			}
			t := newTask(addr, ranges)
			nextNodes[addr] = t
			launched = append(launched, t)
		}
		next[cn] = nextNodes
	}

	for cn, nodes := range m.tasks {
		for addr, t := range nodes {
			if nextNodes, ok := next[cn]; ok {
				if _, ok := nextNodes[addr]; ok {
					continue
				}
			}
			stopped = append(stopped, t)
		}
	}

	m.tasks = next
	for _, t := range stopped {
		t.Stop()
	}
	return launched
}

// Info renders the full deleting_tasks: line used by INFOMGR.
func (m *DeleteKeysTaskMap) Info() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var parts []string
	for cn, nodes := range m.tasks {
		for addr, t := range nodes {
			parts = append(parts, fmt.Sprintf("%s-%s-(%s)", cn, addr, t.Info()))
		}
	}
	return "deleting_tasks:" + strings.Join(parts, ",")
}
