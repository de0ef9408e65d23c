// Package brokerclient parses the UMCTL control-plane command grammar the
// broker pushes to the proxy over a normal Redis connection: SETDB/SETPEER
// topology pushes, SETREPL replication intents, and the TMPSWITCH/INFOMGR/
// GETEPOCH single-shot commands. Grounded on the tokenized parser in
// common/db.rs's HostDBMap::parse.
package brokerclient

import (
	"strconv"
	"strings"

	"github.com/undermoon-go/server-proxy/cluster"
	"github.com/undermoon-go/server-proxy/cmn"
)

// ParseSetDB parses the token stream following SETDB or SETPEER:
//
//	<epoch> <flags> (<cluster> <backend> [MIGRATING <meta>|IMPORTING <meta>] <start>-<end>)*
func ParseSetDB(tokens []string) (cluster.ProxyClusterMeta, error) {
	if len(tokens) < 2 {
		return cluster.ProxyClusterMeta{}, cmn.NewError(cmn.KindInvalidCmd, "SETDB requires at least epoch and flags")
	}
	epoch, err := parseEpoch(tokens[0])
	if err != nil {
		return cluster.ProxyClusterMeta{}, err
	}
	flags, err := parseFlags(tokens[1])
	if err != nil {
		return cluster.ProxyClusterMeta{}, err
	}

	local := make(cluster.ClusterSlots)
	rest := tokens[2:]
	for len(rest) > 0 {
		cn, addr, r, consumed, err := parseDBEntry(rest)
		if err != nil {
			return cluster.ProxyClusterMeta{}, err
		}
		if _, ok := local[cn]; !ok {
			local[cn] = make(cluster.NodeSlots)
		}
		local[cn][addr] = append(local[cn][addr], r)
		rest = rest[consumed:]
	}

	return cluster.ProxyClusterMeta{Epoch: epoch, Flags: flags, Local: local}, nil
}

func parseEpoch(tok string) (uint64, error) {
	epoch, err := strconv.ParseUint(tok, 10, 64)
	if err != nil {
		return 0, cmn.NewError(cmn.KindInvalidCmd, "invalid epoch %q", tok)
	}
	return epoch, nil
}

func parseFlags(tok string) (cluster.MetaFlags, error) {
	switch strings.ToUpper(tok) {
	case "FORCE":
		return cluster.MetaFlags{Force: true}, nil
	case "NOFLAG", "":
		return cluster.MetaFlags{}, nil
	default:
		return cluster.MetaFlags{}, cmn.NewError(cmn.KindInvalidCmd, "invalid flags token %q", tok)
	}
}

// parseDBEntry consumes one "<cluster> <backend> [MIGRATING <meta>|IMPORTING
// <meta>] <start>-<end>" tuple from tokens and reports how many tokens it ate.
func parseDBEntry(tokens []string) (cn cluster.ClusterName, addr string, r cluster.SlotRange, consumed int, err error) {
	if len(tokens) < 3 {
		return "", "", cluster.SlotRange{}, 0, cmn.NewError(cmn.KindInvalidCmd, "truncated db entry")
	}
	cn = cluster.ClusterName(tokens[0])
	addr = tokens[1]
	idx := 2

	tag := cluster.NoTag()
	switch strings.ToUpper(tokens[idx]) {
	case "MIGRATING":
		meta, n, perr := parseMigrationMeta(tokens[idx+1:])
		if perr != nil {
			return "", "", cluster.SlotRange{}, 0, perr
		}
		tag = cluster.MigratingTag(meta)
		idx += 1 + n
	case "IMPORTING":
		meta, n, perr := parseMigrationMeta(tokens[idx+1:])
		if perr != nil {
			return "", "", cluster.SlotRange{}, 0, perr
		}
		tag = cluster.ImportingTag(meta)
		idx += 1 + n
	}

	if idx >= len(tokens) {
		return "", "", cluster.SlotRange{}, 0, cmn.NewError(cmn.KindInvalidCmd, "missing slot range")
	}
	start, end, perr := parseSlotRangeToken(tokens[idx])
	if perr != nil {
		return "", "", cluster.SlotRange{}, 0, perr
	}
	idx++

	r = cluster.SlotRange{Start: start, End: end, Tag: tag}
	if verr := r.Validate(); verr != nil {
		return "", "", cluster.SlotRange{}, 0, cmn.NewError(cmn.KindInvalidCmd, "%v", verr)
	}
	return cn, addr, r, idx, nil
}

// parseMigrationMeta reads the 4-address tuple "<epoch> <src_proxy>
// <src_node> <dst_proxy> <dst_node>" that follows MIGRATING/IMPORTING.
func parseMigrationMeta(tokens []string) (cluster.MigrationMeta, int, error) {
	if len(tokens) < 5 {
		return cluster.MigrationMeta{}, 0, cmn.NewError(cmn.KindInvalidCmd, "truncated migration meta")
	}
	epoch, err := parseEpoch(tokens[0])
	if err != nil {
		return cluster.MigrationMeta{}, 0, err
	}
	return cluster.MigrationMeta{
		Epoch:           epoch,
		SrcProxyAddress: tokens[1],
		SrcNodeAddress:  tokens[2],
		DstProxyAddress: tokens[3],
		DstNodeAddress:  tokens[4],
	}, 5, nil
}

func parseSlotRangeToken(tok string) (start, end int, err error) {
	parts := strings.SplitN(tok, "-", 2)
	if len(parts) != 2 {
		return 0, 0, cmn.NewError(cmn.KindInvalidCmd, "invalid slot range %q", tok)
	}
	start, serr := strconv.Atoi(parts[0])
	end, eerr := strconv.Atoi(parts[1])
	if serr != nil || eerr != nil {
		return 0, 0, cmn.NewError(cmn.KindInvalidCmd, "invalid slot range %q", tok)
	}
	return start, end, nil
}

// ParseSetRepl parses the token stream following SETREPL:
//
//	<epoch> (<role> <cluster> <node-addr> <master-addr>?)*
func ParseSetRepl(tokens []string) (cluster.ReplicatorMeta, error) {
	if len(tokens) < 1 {
		return cluster.ReplicatorMeta{}, cmn.NewError(cmn.KindInvalidCmd, "SETREPL requires at least epoch")
	}
	epoch, err := parseEpoch(tokens[0])
	if err != nil {
		return cluster.ReplicatorMeta{}, err
	}

	var intents []cluster.ReplicaMeta
	rest := tokens[1:]
	for len(rest) > 0 {
		intent, consumed, err := parseReplEntry(rest)
		if err != nil {
			return cluster.ReplicatorMeta{}, err
		}
		intents = append(intents, intent)
		rest = rest[consumed:]
	}
	return cluster.ReplicatorMeta{Epoch: epoch, Intents: intents}, nil
}

func parseReplEntry(tokens []string) (cluster.ReplicaMeta, int, error) {
	if len(tokens) < 3 {
		return cluster.ReplicaMeta{}, 0, cmn.NewError(cmn.KindInvalidCmd, "truncated repl entry")
	}
	var role cluster.ReplicaRole
	switch strings.ToUpper(tokens[0]) {
	case "MASTER":
		role = cluster.RoleMaster
	case "REPLICA", "SLAVE":
		role = cluster.RoleReplica
	default:
		return cluster.ReplicaMeta{}, 0, cmn.NewError(cmn.KindInvalidCmd, "invalid repl role %q", tokens[0])
	}
	cn := cluster.ClusterName(tokens[1])
	nodeAddr := tokens[2]
	idx := 3

	masterAddr := ""
	if role == cluster.RoleReplica && idx < len(tokens) {
		masterAddr = tokens[idx]
		idx++
	}
	return cluster.ReplicaMeta{Role: role, Cluster: cn, NodeAddress: nodeAddr, MasterAddress: masterAddr}, idx, nil
}

// SwitchArg is a parsed TMPSWITCH command: <version> <meta> <PRE|COMMIT>.
type SwitchArg struct {
	Cluster cluster.ClusterName
	Range   cluster.SlotRange
	Epoch   uint64
	Commit  bool
}

// ParseTmpSwitch parses the token stream following TMPSWITCH. The wire form
// repeats the same MIGRATING/IMPORTING db-entry grammar for the single range
// being switched, followed by PRE or COMMIT.
func ParseTmpSwitch(tokens []string) (SwitchArg, error) {
	if len(tokens) < 2 {
		return SwitchArg{}, cmn.NewError(cmn.KindInvalidCmd, "TMPSWITCH requires epoch and a db entry")
	}
	epoch, err := parseEpoch(tokens[0])
	if err != nil {
		return SwitchArg{}, err
	}
	cn, _, r, consumed, err := parseDBEntry(tokens[1:])
	if err != nil {
		return SwitchArg{}, err
	}
	idx := 1 + consumed
	if idx >= len(tokens) {
		return SwitchArg{}, cmn.NewError(cmn.KindInvalidCmd, "TMPSWITCH missing PRE|COMMIT")
	}
	var commit bool
	switch strings.ToUpper(tokens[idx]) {
	case "PRE":
		commit = false
	case "COMMIT":
		commit = true
	default:
		return SwitchArg{}, cmn.NewError(cmn.KindInvalidCmd, "invalid TMPSWITCH stage %q", tokens[idx])
	}
	return SwitchArg{Cluster: cn, Range: r, Epoch: epoch, Commit: commit}, nil
}
