// Command server-proxy runs the undermoon server-proxy: a sharded,
// Redis-protocol-compatible cluster proxy that takes its topology entirely
// from UMCTL pushes. Grounded on the CLI-flags-plus-config-file startup
// shape of the teacher's ais/daemon.go and the original Rust binary's
// gen_conf()/main() wiring.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"

	"github.com/undermoon-go/server-proxy/cmn"
	"github.com/undermoon-go/server-proxy/metrics"
	"github.com/undermoon-go/server-proxy/proxy"
	"github.com/undermoon-go/server-proxy/replication"
	"github.com/undermoon-go/server-proxy/session"
)

func main() {
	flag.Parse()

	confPath := cmn.DefaultConfigPath
	if args := flag.Args(); len(args) > 0 {
		confPath = args[0]
	}

	cfg, err := cmn.LoadConfig(confPath)
	if err != nil {
		glog.Warningf("config: %v (continuing with defaults/env overrides)", err)
	}

	if err := run(cfg); err != nil {
		glog.Fatalf("server-proxy exited: %v", err)
	}
}

func run(cfg cmn.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg := metrics.NewRegistry()
	reg.MustRegister()

	backends := proxy.NewBackendRegistry(proxy.SenderConfig{
		DialTimeout: cfg.DialTimeout,
		QueueSize:   cfg.BackendQueueSize,
		BackoffMin:  cfg.ReconnectBackoffMin,
		BackoffMax:  cfg.ReconnectBackoffMax,
	})
	defer backends.CloseAll()

	meta := proxy.NewMetaManager(cfg.AnnounceAddress, backends, cfg.DeleteRate)
	replicators := replication.NewSupervisor(cfg.DialTimeout)
	defer replicators.StopAll()

	srv := session.NewServer(cfg.Address, meta, backends, replicators, reg, cfg.AutoSelectDB)

	go serveMetrics(ctx, cfg.MetricsAddress, reg)

	glog.Infof("server-proxy listening on %s (announce %s)", cfg.Address, cfg.AnnounceAddress)
	return srv.ListenAndServe(ctx)
}

func serveMetrics(ctx context.Context, address string, reg *metrics.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	httpSrv := &http.Server{Addr: address, Handler: mux}

	go func() {
		<-ctx.Done()
		httpSrv.Close()
	}()

	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		glog.Warningf("metrics server: %v", err)
	}
}
