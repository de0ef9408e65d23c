package proxy

import (
	"bytes"
	"strings"

	"github.com/undermoon-go/server-proxy/cluster"
	"github.com/undermoon-go/server-proxy/cmn"
)

// keySpec describes where a command's keys live among its arguments, the
// same classification Redis Cluster's own command table uses to decide
// CROSSSLOT behavior.
type keySpec struct {
	// firstKey is the 1-based index of the first key argument; 0 means the
	// command carries no keys (PING, INFO, CLUSTER, ...).
	firstKey int
	// lastKey is the 1-based index of the last key argument; negative
	// counts back from the end (-1 == last argument).
	lastKey int
	// step is the stride between consecutive key arguments (2 for MSET's
	// key-value pairs, 1 otherwise).
	step int
	// admin routes to the proxy itself instead of a backend.
	admin bool
	// blocking marks commands (BLPOP, BRPOP, ...) that may wait on the
	// backend; the session sends them through the same sender as other
	// commands but without its per-command timeout.
	blocking bool
}

var commandTable = map[string]keySpec{
	"GET":         {firstKey: 1, lastKey: 1, step: 1},
	"SET":         {firstKey: 1, lastKey: 1, step: 1},
	"SETNX":       {firstKey: 1, lastKey: 1, step: 1},
	"SETEX":       {firstKey: 1, lastKey: 1, step: 1},
	"GETSET":      {firstKey: 1, lastKey: 1, step: 1},
	"APPEND":      {firstKey: 1, lastKey: 1, step: 1},
	"STRLEN":      {firstKey: 1, lastKey: 1, step: 1},
	"INCR":        {firstKey: 1, lastKey: 1, step: 1},
	"DECR":        {firstKey: 1, lastKey: 1, step: 1},
	"INCRBY":      {firstKey: 1, lastKey: 1, step: 1},
	"DECRBY":      {firstKey: 1, lastKey: 1, step: 1},
	"EXPIRE":      {firstKey: 1, lastKey: 1, step: 1},
	"PEXPIRE":     {firstKey: 1, lastKey: 1, step: 1},
	"TTL":         {firstKey: 1, lastKey: 1, step: 1},
	"PTTL":        {firstKey: 1, lastKey: 1, step: 1},
	"TYPE":        {firstKey: 1, lastKey: 1, step: 1},
	"PERSIST":     {firstKey: 1, lastKey: 1, step: 1},
	"DUMP":        {firstKey: 1, lastKey: 1, step: 1},
	"HGET":        {firstKey: 1, lastKey: 1, step: 1},
	"HSET":        {firstKey: 1, lastKey: 1, step: 1},
	"HDEL":        {firstKey: 1, lastKey: 1, step: 1},
	"HGETALL":     {firstKey: 1, lastKey: 1, step: 1},
	"HMGET":       {firstKey: 1, lastKey: 1, step: 1},
	"HMSET":       {firstKey: 1, lastKey: 1, step: 1},
	"HINCRBY":     {firstKey: 1, lastKey: 1, step: 1},
	"LPUSH":       {firstKey: 1, lastKey: 1, step: 1},
	"RPUSH":       {firstKey: 1, lastKey: 1, step: 1},
	"LPOP":        {firstKey: 1, lastKey: 1, step: 1},
	"RPOP":        {firstKey: 1, lastKey: 1, step: 1},
	"LRANGE":      {firstKey: 1, lastKey: 1, step: 1},
	"LLEN":        {firstKey: 1, lastKey: 1, step: 1},
	"SADD":        {firstKey: 1, lastKey: 1, step: 1},
	"SREM":        {firstKey: 1, lastKey: 1, step: 1},
	"SMEMBERS":    {firstKey: 1, lastKey: 1, step: 1},
	"SISMEMBER":   {firstKey: 1, lastKey: 1, step: 1},
	"ZADD":        {firstKey: 1, lastKey: 1, step: 1},
	"ZREM":        {firstKey: 1, lastKey: 1, step: 1},
	"ZRANGE":      {firstKey: 1, lastKey: 1, step: 1},
	"ZSCORE":      {firstKey: 1, lastKey: 1, step: 1},
	"EXISTS":      {firstKey: 1, lastKey: -1, step: 1},
	"DEL":         {firstKey: 1, lastKey: -1, step: 1},
	"UNLINK":      {firstKey: 1, lastKey: -1, step: 1},
	"MGET":        {firstKey: 1, lastKey: -1, step: 1},
	"MSET":        {firstKey: 1, lastKey: -2, step: 2},
	"MSETNX":      {firstKey: 1, lastKey: -2, step: 2},
	"WATCH":       {firstKey: 1, lastKey: -1, step: 1},
	"BLPOP":       {firstKey: 1, lastKey: -2, step: 1, blocking: true},
	"BRPOP":       {firstKey: 1, lastKey: -2, step: 1, blocking: true},
	"BRPOPLPUSH":  {firstKey: 1, lastKey: 2, step: 1, blocking: true},
	"PING":        {},
	"ECHO":        {},
	"SELECT":      {admin: true},
	"AUTH":        {admin: true},
	"INFO":        {admin: true},
	"COMMAND":     {admin: true},
	"CLUSTER":     {admin: true},
	"UMCTL":       {admin: true},
	"ASKING":      {admin: true},
	"READONLY":    {admin: true},
	"READWRITE":   {admin: true},
	"DBSIZE":      {admin: true},
	"FLUSHALL":    {admin: true},
	"FLUSHDB":     {admin: true},
	"SCAN":        {admin: true},
	"CONFIG":      {admin: true},
}

// lookupSpec normalizes the command name and looks it up, returning
// KindUnknownCmd when it has no entry.
func lookupSpec(name []byte) (keySpec, error) {
	upper := strings.ToUpper(string(name))
	spec, ok := commandTable[upper]
	if !ok {
		return keySpec{}, cmn.NewError(cmn.KindUnknownCmd, "unknown command %q", upper)
	}
	return spec, nil
}

// commandKeys extracts every key argument from args (args[0] is the command
// name) according to spec.
func commandKeys(args [][]byte, spec keySpec) [][]byte {
	if spec.firstKey == 0 {
		return nil
	}
	last := spec.lastKey
	if last < 0 {
		last = len(args) + last
	}
	if spec.firstKey > last || last >= len(args) {
		return nil
	}
	var keys [][]byte
	step := spec.step
	if step <= 0 {
		step = 1
	}
	for i := spec.firstKey; i <= last; i += step {
		keys = append(keys, args[i])
	}
	return keys
}

// RouteDecision is the outcome of routing one command.
type RouteDecision struct {
	Admin    bool
	Blocking bool
	NoKeys   bool
	Node     string
	Redirect *Redirect
}

// Redirect describes a MOVED/ASK reply the proxy must send back instead of
// forwarding the command.
type Redirect struct {
	Ask  bool
	Slot int
	Addr string
}

// Route resolves args (a full command line, args[0] the name) against snap
// for the named cluster, applying the CROSSSLOT and MOVED/ASK rules from the
// command router's invariants. migrations supplies the in-flight migration
// state needed to decide when a Migrating range has to start answering ASK,
// and asking is the per-connection one-shot flag set by a preceding ASKING
// command, needed to decide whether an Importing range should serve the
// command locally instead of redirecting it back to the source.
func Route(snap *MetaSnapshot, cn cluster.ClusterName, args [][]byte, migrations *MigrationMap, asking bool) (RouteDecision, error) {
	if len(args) == 0 {
		return RouteDecision{}, cmn.NewError(cmn.KindProtocolError, "empty command")
	}
	spec, err := lookupSpec(args[0])
	if err != nil {
		return RouteDecision{}, err
	}
	if spec.admin {
		return RouteDecision{Admin: true}, nil
	}

	keys := commandKeys(args, spec)
	if len(keys) == 0 {
		return RouteDecision{NoKeys: true}, nil
	}

	slot, err := crossSlotCheck(keys)
	if err != nil {
		return RouteDecision{}, err
	}

	result := snap.LookupBackend(cn, slot)
	if result.Found {
		switch result.Tag.Kind {
		case cluster.TagMigrating:
			// The source still serves the range until the migration has
			// passed PreCommit; past that point the destination owns reads,
			// so an ASK points the client there instead of answering locally.
			r := cluster.SlotRange{Start: result.Start, End: result.End}
			if t, ok := migrations.Get(cn, r); ok && t.State >= StatePreCommit {
				return RouteDecision{Redirect: &Redirect{Ask: true, Slot: slot, Addr: result.Tag.Meta.DstNodeAddress}}, nil
			}
			return RouteDecision{Node: result.Node, Blocking: spec.blocking}, nil
		case cluster.TagImporting:
			// Without a preceding ASKING, the client hasn't been told this
			// node now owns the range, so it gets a MOVED back to the
			// source; ASKING marks exactly one command as following that
			// redirect, and that one is served locally.
			if asking {
				return RouteDecision{Node: result.Node, Blocking: spec.blocking}, nil
			}
			return RouteDecision{Redirect: &Redirect{Ask: false, Slot: slot, Addr: result.Tag.Meta.SrcNodeAddress}}, nil
		default:
			return RouteDecision{Node: result.Node, Blocking: spec.blocking}, nil
		}
	}

	if peer := snap.LookupPeerBackend(cn, slot); peer.Found {
		return RouteDecision{Redirect: &Redirect{Ask: false, Slot: slot, Addr: peer.Node}}, nil
	}

	return RouteDecision{}, cmn.NewError(cmn.KindNotCovered, "slot %d not covered for cluster %s", slot, cn)
}

// crossSlotCheck hashes every key and fails with KindCrossSlot unless they
// all land on the same slot.
func crossSlotCheck(keys [][]byte) (int, error) {
	slot := cluster.KeyHashSlot(string(keys[0]))
	for _, k := range keys[1:] {
		if cluster.KeyHashSlot(string(k)) != slot {
			return 0, cmn.NewError(cmn.KindCrossSlot, "keys don't hash to the same slot")
		}
	}
	return slot, nil
}

// CommandName extracts and upper-cases a command's name for admin dispatch.
func CommandName(args [][]byte) string {
	if len(args) == 0 {
		return ""
	}
	return strings.ToUpper(string(args[0]))
}

// IsASKING reports whether args is exactly the ASKING command, used by the
// session layer to set the per-connection asking flag.
func IsASKING(args [][]byte) bool {
	return len(args) == 1 && bytes.EqualFold(args[0], []byte("ASKING"))
}
