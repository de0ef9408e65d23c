// Package replication runs the per-node replication intents SETREPL pushes
// down: a replica keeps telling its Redis node who its master is, while a
// master side does nothing beyond bookkeeping. Grounded on
// replication/redis_replicator.rs's split between RedisMasterReplicator
// (no-op) and RedisReplicaReplicator (a resend loop with a stop channel).
package replication

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/undermoon-go/server-proxy/cluster"
	"github.com/undermoon-go/server-proxy/respproto"
)

// resendInterval matches the teacher's 5-second SLAVEOF resend cadence.
const resendInterval = 5 * time.Second

// Replicator drives one node's replication intent. A master replicator is a
// no-op placeholder (masters don't need periodic commands); a replica
// replicator resends SLAVEOF on a ticker until stopped.
type Replicator interface {
	Start(ctx context.Context)
	Stop()
}

// NewReplicator builds the right Replicator variant for intent.Role.
func NewReplicator(intent cluster.ReplicaMeta, dialTimeout time.Duration) Replicator {
	if intent.Role == cluster.RoleMaster {
		return &masterReplicator{intent: intent}
	}
	return &replicaReplicator{intent: intent, dialTimeout: dialTimeout}
}

// masterReplicator mirrors RedisMasterReplicator: starting and stopping it
// are no-ops because nothing needs to run continuously on the master side.
// start_migrating/commit_migrating have no Go equivalent here for the same
// reason the Rust source left them as TODO no-ops: migration-aware
// replication throttling isn't implemented by either side yet.
type masterReplicator struct {
	intent cluster.ReplicaMeta
}

func (r *masterReplicator) Start(context.Context) {}
func (r *masterReplicator) Stop()                 {}

// replicaReplicator periodically issues SLAVEOF <master-host> <master-port>
// against its own node, so that node keeps tracking the configured master
// even across the node's own restarts or transient disconnects.
type replicaReplicator struct {
	intent      cluster.ReplicaMeta
	dialTimeout time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (r *replicaReplicator) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(ctx)
}

func (r *replicaReplicator) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *replicaReplicator) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(resendInterval)
	defer ticker.Stop()

	r.sendSlaveOf(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sendSlaveOf(ctx)
		}
	}
}

func (r *replicaReplicator) sendSlaveOf(ctx context.Context) {
	host, port, err := net.SplitHostPort(r.intent.MasterAddress)
	if err != nil {
		glog.Warningf("replicator: invalid master address %q for %s: %v", r.intent.MasterAddress, r.intent.NodeAddress, err)
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, r.dialTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", r.intent.NodeAddress)
	if err != nil {
		glog.Warningf("replicator: dial %s failed: %v", r.intent.NodeAddress, err)
		return
	}
	defer conn.Close()

	cmd := respproto.EncodeCommand([][]byte{[]byte("SLAVEOF"), []byte(host), []byte(port)})
	if _, err := conn.Write(cmd); err != nil {
		glog.Warningf("replicator: SLAVEOF to %s failed: %v", r.intent.NodeAddress, err)
		return
	}
	reader := bufio.NewReader(conn)
	if _, err := respproto.Decode(reader); err != nil {
		glog.Warningf("replicator: SLAVEOF reply from %s failed: %v", r.intent.NodeAddress, err)
	}
}

// Supervisor owns one Replicator per node address and reconciles them
// against each SETREPL push: new intents start a replicator, intents that
// vanish stop theirs, matching the MetaManager's single-writer discipline
// but scoped to replication bookkeeping only.
type Supervisor struct {
	mu          sync.Mutex
	byAddress   map[string]Replicator
	dialTimeout time.Duration
}

func NewSupervisor(dialTimeout time.Duration) *Supervisor {
	return &Supervisor{byAddress: make(map[string]Replicator), dialTimeout: dialTimeout}
}

// Reconcile applies a fresh ReplicatorMeta, starting replicators for new
// node addresses and stopping ones no longer present.
func (s *Supervisor) Reconcile(meta cluster.ReplicatorMeta) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]Replicator, len(meta.Intents))
	for _, intent := range meta.Intents {
		if existing, ok := s.byAddress[intent.NodeAddress]; ok {
			next[intent.NodeAddress] = existing
			continue
		}
		rep := NewReplicator(intent, s.dialTimeout)
		rep.Start(context.Background())
		next[intent.NodeAddress] = rep
	}

	for addr, rep := range s.byAddress {
		if _, ok := next[addr]; !ok {
			rep.Stop()
		}
	}
	s.byAddress = next
}

// StopAll stops every tracked replicator, used on shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rep := range s.byAddress {
		rep.Stop()
	}
	s.byAddress = make(map[string]Replicator)
}
