package proxy

import (
	"sync"

	"github.com/undermoon-go/server-proxy/cluster"
)

// MigrationState is a stage in the migration state machine described by the
// metadata engine: a migration only ever moves forward, and every
// transition is idempotent against a repeated SETDB/SWITCH push.
type MigrationState uint8

const (
	StateInit MigrationState = iota
	StatePreBlocking
	StatePreSwitch
	StatePreCommit
	StateCommitting
	StateDone
	StateAborted
)

func (s MigrationState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StatePreBlocking:
		return "PRE_BLOCKING"
	case StatePreSwitch:
		return "PRE_SWITCH"
	case StatePreCommit:
		return "PRE_COMMIT"
	case StateCommitting:
		return "COMMITTING"
	case StateDone:
		return "DONE"
	case StateAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// SwitchStage is the two-phase commit stage carried by a TMPSWITCH command.
type SwitchStage uint8

const (
	SwitchPre SwitchStage = iota
	SwitchCommit
)

// MigrationTask tracks one slot range's migration from src to dst, keyed by
// (cluster, range.Start, range.End) in MigrationMap. Every field after
// construction is only ever mutated under MigrationMap's lock.
type MigrationTask struct {
	Cluster cluster.ClusterName
	Range   cluster.SlotRange
	Meta    cluster.MigrationMeta
	State   MigrationState
}

func newMigrationTask(cn cluster.ClusterName, r cluster.SlotRange, meta cluster.MigrationMeta) *MigrationTask {
	return &MigrationTask{Cluster: cn, Range: r, Meta: meta, State: StateInit}
}

func (t *MigrationTask) key() migrationKey {
	return migrationKey{cluster: t.Cluster, start: t.Range.Start, end: t.Range.End}
}

type migrationKey struct {
	cluster cluster.ClusterName
	start   int
	end     int
}

// MigrationMap owns every in-flight and recently finished migration task.
// set_meta diffs the new topology's Migrating/Importing tags against this
// map to discover newly started and newly completed migrations; handle_switch
// advances one task's state. Both paths take the same mutex, matching the
// teacher's single-writer MetaManager.
type MigrationMap struct {
	mu       sync.Mutex
	tasks    map[migrationKey]*MigrationTask
	finished []*MigrationTask
}

const maxFinishedRetained = 128

func NewMigrationMap() *MigrationMap {
	return &MigrationMap{tasks: make(map[migrationKey]*MigrationTask)}
}

// Diff reconciles the migration map against a freshly built snapshot: ranges
// tagged Migrating/Importing that aren't yet tracked start a new task at
// StateInit; tracked tasks whose range disappeared (migration completed and
// ownership moved) are retired into finished.
func (m *MigrationMap) Diff(meta cluster.ProxyClusterMeta) (started, retired []*MigrationTask) {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := make(map[migrationKey]bool)
	for cn, nodes := range meta.Local {
		for _, ranges := range nodes {
			for _, r := range ranges {
				if r.Tag.Kind == cluster.TagNone {
					continue
				}
				k := migrationKey{cluster: cn, start: r.Start, end: r.End}
				live[k] = true
				if _, ok := m.tasks[k]; !ok {
					t := newMigrationTask(cn, r, r.Tag.Meta)
					m.tasks[k] = t
					started = append(started, t)
				}
			}
		}
	}

	for k, t := range m.tasks {
		if !live[k] {
			t.State = StateDone
			m.finished = append(m.finished, t)
			retired = append(retired, t)
			delete(m.tasks, k)
		}
	}
	if len(m.finished) > maxFinishedRetained {
		m.finished = m.finished[len(m.finished)-maxFinishedRetained:]
	}
	return started, retired
}

// HandleSwitch advances the task matching (cluster, range) through the
// state machine. A PRE switch moves a task that has not reached PreCommit
// straight to PreCommit; a COMMIT switch moves a PreCommit task to Done.
// Tasks are looked up by cluster and range bounds only, so the range's tag
// does not affect matching; MetaManager.HandleSwitch normalizes a Migrating
// tag to Importing before calling this.
func (m *MigrationMap) HandleSwitch(cn cluster.ClusterName, r cluster.SlotRange, switchEpoch uint64, stage SwitchStage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := migrationKey{cluster: cn, start: r.Start, end: r.End}
	t, ok := m.tasks[k]
	if !ok {
		return errNotInProgress(cn, r)
	}
	if switchEpoch > t.Meta.Epoch {
		return errNotReady(cn, r)
	}

	switch stage {
	case SwitchPre:
		return m.advancePre(t)
	case SwitchCommit:
		return m.advanceCommit(t)
	default:
		return errInvalidArg("unknown switch stage")
	}
}

func (m *MigrationMap) advancePre(t *MigrationTask) error {
	switch t.State {
	case StateInit, StatePreBlocking:
		t.State = StatePreSwitch
	case StatePreSwitch, StatePreCommit:
		// idempotent repeat of the same phase.
	default:
		return errAlreadyEnded(t)
	}
	if t.State == StatePreSwitch {
		t.State = StatePreCommit
	}
	return nil
}

func (m *MigrationMap) advanceCommit(t *MigrationTask) error {
	switch t.State {
	case StatePreCommit, StateCommitting:
		t.State = StateDone
	case StateDone:
		// idempotent repeat.
	default:
		return errAlreadyStarted(t)
	}
	return nil
}

// Get returns the task tracking (cluster, range), if any.
func (m *MigrationMap) Get(cn cluster.ClusterName, r cluster.SlotRange) (*MigrationTask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[migrationKey{cluster: cn, start: r.Start, end: r.End}]
	return t, ok
}

// Snapshot returns a defensive copy of all active tasks, used by INFOMGR.
func (m *MigrationMap) Snapshot() []MigrationTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MigrationTask, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, *t)
	}
	return out
}

// FinishedTasks returns a defensive copy of the retained-completed list.
func (m *MigrationMap) FinishedTasks() []MigrationTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MigrationTask, len(m.finished))
	for i, t := range m.finished {
		out[i] = *t
	}
	return out
}
