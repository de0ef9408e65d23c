// Package session runs the proxy's TCP accept loop: one goroutine per
// client connection, decoding RESP2 commands and dispatching them either to
// the admin handler (UMCTL, CLUSTER, INFO, PING, SELECT, ...) or to the
// command router, which resolves a backend and proxies the reply back
// unchanged. Grounded on the accept-loop/per-connection-goroutine shape in
// HyperCache's resp server and radix.v2's pooled-connection model.
package session

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/undermoon-go/server-proxy/brokerclient"
	"github.com/undermoon-go/server-proxy/cluster"
	"github.com/undermoon-go/server-proxy/cmn"
	"github.com/undermoon-go/server-proxy/metrics"
	"github.com/undermoon-go/server-proxy/proxy"
	"github.com/undermoon-go/server-proxy/replication"
	"github.com/undermoon-go/server-proxy/respproto"
)

// Server accepts client connections and serves them against a MetaManager.
type Server struct {
	address     string
	meta        *proxy.MetaManager
	backends    *proxy.BackendRegistry
	replicators *replication.Supervisor
	metrics     *metrics.Registry

	autoSelectDB bool

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

func NewServer(address string, meta *proxy.MetaManager, backends *proxy.BackendRegistry, replicators *replication.Supervisor, reg *metrics.Registry, autoSelectDB bool) *Server {
	return &Server{
		address:      address,
		meta:         meta,
		backends:     backends,
		replicators:  replicators,
		metrics:      reg,
		autoSelectDB: autoSelectDB,
	}
}

// ListenAndServe blocks accepting connections until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.address)
	if err != nil {
		return cmn.Wrap(err, "listen")
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
				glog.Warningf("accept error: %v", err)
				continue
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

// connState tracks the per-connection pieces routing needs: which logical
// cluster this connection is pinned to, and whether the next command should
// be treated as ASKING-qualified.
type connState struct {
	cluster cluster.ClusterName
	asking  bool
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	state := &connState{cluster: cluster.ClusterName(cluster.DefaultClusterName)}

	for {
		args, err := respproto.DecodeCommand(reader)
		if err != nil {
			return
		}
		reply := s.dispatch(ctx, state, args)
		if _, err := writer.Write(reply.Encode()); err != nil {
			return
		}
		if err := writer.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, state *connState, args [][]byte) respproto.Value {
	if len(args) == 0 {
		return respproto.Error("ERR empty command")
	}
	name := proxy.CommandName(args)

	if proxy.IsASKING(args) {
		state.asking = true
		return respproto.SimpleString("OK")
	}

	switch name {
	case "PING":
		return respproto.SimpleString("PONG")
	case "SELECT":
		return s.handleSelect(state, args)
	case "UMCTL":
		return s.handleUMCTL(args)
	case "CLUSTER":
		return s.handleCluster(state, args)
	case "INFO":
		return respproto.BulkString([]byte(s.meta.Info()))
	}

	return s.route(ctx, state, args)
}

func (s *Server) handleSelect(state *connState, args [][]byte) respproto.Value {
	if len(args) != 2 {
		return respproto.Error("ERR wrong number of arguments for 'select' command")
	}
	name := cluster.ClusterName(args[1])
	selected, err := s.meta.TrySelectDB(name)
	if err != nil {
		if s.autoSelectDB {
			snap := s.meta.Snapshot()
			names := snap.ClusterNames()
			if len(names) == 1 {
				state.cluster = names[0]
				return respproto.SimpleString("OK")
			}
		}
		return respproto.Error("ERR " + err.Error())
	}
	state.cluster = selected
	return respproto.SimpleString("OK")
}

func (s *Server) handleUMCTL(args [][]byte) respproto.Value {
	if len(args) < 2 {
		return respproto.Error("ERR wrong number of arguments for 'umctl' command")
	}
	sub := strings.ToUpper(string(args[1]))
	tokens := make([]string, len(args)-2)
	for i, a := range args[2:] {
		tokens[i] = string(a)
	}

	switch sub {
	case "SETDB":
		meta, err := brokerclient.ParseSetDB(tokens)
		if err != nil {
			return respproto.Error("ERR " + err.Error())
		}
		if err := s.meta.SetMeta(meta); err != nil {
			return respproto.Error("ERR " + err.Error())
		}
		return respproto.SimpleString("OK")
	case "SETPEER":
		meta, err := brokerclient.ParseSetDB(tokens)
		if err != nil {
			return respproto.Error("ERR " + err.Error())
		}
		meta.Peer, meta.Local = meta.Local, meta.Peer
		if err := s.meta.SetMeta(meta); err != nil {
			return respproto.Error("ERR " + err.Error())
		}
		return respproto.SimpleString("OK")
	case "SETREPL":
		repl, err := brokerclient.ParseSetRepl(tokens)
		if err != nil {
			return respproto.Error("ERR " + err.Error())
		}
		s.replicators.Reconcile(repl)
		return respproto.SimpleString("OK")
	case "TMPSWITCH":
		arg, err := brokerclient.ParseTmpSwitch(tokens)
		if err != nil {
			return respproto.Error("ERR " + err.Error())
		}
		stage := proxy.SwitchPre
		if arg.Commit {
			stage = proxy.SwitchCommit
		}
		if err := s.meta.HandleSwitch(arg.Cluster, arg.Range, arg.Epoch, stage); err != nil {
			return respproto.Error("ERR " + err.Error())
		}
		return respproto.SimpleString("OK")
	case "INFOMGR":
		return respproto.BulkString([]byte(s.meta.Info()))
	case "GETEPOCH":
		return respproto.Integer(int64(s.meta.Epoch()))
	default:
		return respproto.Error("ERR unknown UMCTL subcommand " + sub)
	}
}

func (s *Server) handleCluster(state *connState, args [][]byte) respproto.Value {
	if len(args) < 2 {
		return respproto.Error("ERR wrong number of arguments for 'cluster' command")
	}
	snap := s.meta.Snapshot()
	sub := strings.ToUpper(string(args[1]))
	switch sub {
	case "NODES":
		return respproto.BulkString([]byte(proxy.GenClusterNodes(snap, state.cluster, s.address)))
	case "SLOTS":
		entries := proxy.GenClusterSlots(snap, state.cluster, s.meta.Migrations())
		out := make([]respproto.Value, len(entries))
		for i, e := range entries {
			addr, port := splitAddr(e[2].(string))
			out[i] = respproto.Array([]respproto.Value{
				respproto.Integer(int64(e[0].(int))),
				respproto.Integer(int64(e[1].(int))),
				respproto.Array([]respproto.Value{
					respproto.BulkString([]byte(addr)),
					respproto.Integer(int64(port)),
				}),
			})
		}
		return respproto.Array(out)
	default:
		return respproto.Error("ERR unsupported CLUSTER subcommand " + sub)
	}
}

func splitAddr(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func (s *Server) route(ctx context.Context, state *connState, args [][]byte) respproto.Value {
	asking := state.asking
	state.asking = false

	snap := s.meta.Snapshot()
	decision, err := proxy.Route(snap, state.cluster, args, s.meta.Migrations(), asking)
	if err != nil {
		s.metrics.BackendErrors.WithLabelValues("route").Inc()
		return respproto.Error(redisErrorPrefix(err) + " " + err.Error())
	}
	s.metrics.CommandsRouted.WithLabelValues(proxy.CommandName(args)).Inc()

	if decision.Admin || decision.NoKeys {
		return respproto.Error("ERR unsupported command outside of a backend route")
	}
	if decision.Redirect != nil {
		if decision.Redirect.Ask {
			s.metrics.RedirectsIssued.WithLabelValues("ask").Inc()
			return respproto.Error("ASK " + strconv.Itoa(decision.Redirect.Slot) + " " + decision.Redirect.Addr)
		}
		s.metrics.RedirectsIssued.WithLabelValues("moved").Inc()
		return respproto.Error("MOVED " + strconv.Itoa(decision.Redirect.Slot) + " " + decision.Redirect.Addr)
	}

	sender := s.backends.Get(decision.Node)
	var exec proxy.BackendExecutor = sender
	if asking {
		exec = sender.WithASKING()
	}
	reqCtx := ctx
	var cancel context.CancelFunc
	if !decision.Blocking {
		reqCtx, cancel = context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
	}
	reply, err := exec.Execute(reqCtx, args)
	if err != nil {
		s.metrics.BackendErrors.WithLabelValues(decision.Node).Inc()
		return respproto.Error("ERR " + err.Error())
	}
	return reply
}

func redisErrorPrefix(err error) string {
	switch cmn.KindOf(err) {
	case cmn.KindCrossSlot:
		return "CROSSSLOT"
	case cmn.KindUnknownCmd:
		return "ERR unknown command"
	case cmn.KindNotCovered:
		return "CLUSTERDOWN"
	default:
		return "ERR"
	}
}
