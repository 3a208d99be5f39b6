package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mtereshkin/galago/cache"
	"github.com/mtereshkin/galago/group/gossip"
	"github.com/mtereshkin/galago/gtid"
	"github.com/mtereshkin/galago/ist"
	"github.com/mtereshkin/galago/replicator"
	"github.com/mtereshkin/galago/safestate"
	"github.com/mtereshkin/galago/writeset"
)

type shutdownFunc func(ctx context.Context) error

var noopShutdown = func(ctx context.Context) error { return nil }

func setupLogger() (kitlog.Logger, shutdownFunc) {
	logger := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))

	if !opts.Verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	return logger, noopShutdown
}

func setupSafeState(logger kitlog.Logger) (*safestate.Store, shutdownFunc) {
	path := filepath.Join(opts.Node.DataDir, "safe_state.db")

	st, err := safestate.Open(path)
	if err != nil {
		level.Error(logger).Log("msg", "failed to open safe state store", "path", path, "err", err)
		os.Exit(1)
	}

	shutdown := func(ctx context.Context) error {
		return st.Close()
	}

	return st, shutdown
}

func setupGroup(logger kitlog.Logger, st *safestate.Store) (*gossip.Group, shutdownFunc) {
	marker, err := st.Get()
	if err != nil {
		level.Error(logger).Log("msg", "saved state is unusable", "err", err)
		os.Exit(1)
	}

	if !marker.Safe {
		level.Warn(logger).Log("msg", "saved state is unsafe, full state transfer will be requested")
	}

	grp, err := gossip.New(gossip.Config{
		Logger:      logger,
		NodeName:    opts.Node.Name,
		BindAddr:    opts.Gossip.BindAddr,
		JoinAddrs:   parseAddrs(opts.Gossip.JoinAddrs),
		UUID:        marker.UUID,
		LastApplied: marker.Seqno,
	})
	if err != nil {
		level.Error(logger).Log("msg", "failed to start group channel", "err", err)
		os.Exit(1)
	}

	shutdown := func(ctx context.Context) error {
		logger.Log("msg", "leaving group")
		return grp.Close(true)
	}

	return grp, shutdown
}

func setupReplicator(
	wg *sync.WaitGroup,
	logger kitlog.Logger,
	grp *gossip.Group,
	st *safestate.Store,
	c *cache.Cache,
) (*replicator.Replicator, shutdownFunc) {
	conf := replicator.DefaultConfig()
	conf.Logger = logger
	conf.DonorHint = opts.SST.Donor
	conf.SSTRetryInterval = time.Millisecond * time.Duration(opts.SST.RetryInterval)
	conf.ISTReceiver = ist.ReceiverConfig{
		Logger:        logger,
		BindAddr:      opts.IST.BindAddr,
		AdvertiseHost: opts.IST.AdvertiseHost,
	}

	// The daemon has no storage engine of its own; writesets land in the
	// cache only, which is enough to serve as a donor for chained joins.
	// With SSTRequest left unset a gap announced by a view is closed with the
	// trivial snapshot: the node takes the group position without receiving
	// any write-sets.
	conf.Apply = func(ctx context.Context, ws *writeset.WriteSet) error {
		return nil
	}
	conf.SSTDonate = func(ctx context.Context, req []byte, stateID gtid.GTID, bypass bool) error {
		return fmt.Errorf("no snapshot method configured")
	}

	rep, err := replicator.New(conf, grp, st, c)
	if err != nil {
		level.Error(logger).Log("msg", "failed to create replicator", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())

	wg.Add(1)

	go func() {
		defer wg.Done()

		if err := rep.Run(ctx); err != nil && ctx.Err() == nil {
			level.Error(logger).Log("msg", "replicator loop exited", "err", err)
		}
	}()

	shutdown := func(ctx context.Context) error {
		cancel()
		return rep.Close(true)
	}

	return rep, shutdown
}

func setupMetricsServer(wg *sync.WaitGroup, logger kitlog.Logger) (*http.Server, shutdownFunc) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    opts.Metrics.BindAddr,
		Handler: mux,
	}

	wg.Add(1)

	go func() {
		defer wg.Done()

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			level.Error(logger).Log("msg", "metrics server failed", "err", err)
		}
	}()

	shutdown := func(ctx context.Context) error {
		logger.Log("msg", "shutting down metrics server")
		return srv.Shutdown(ctx)
	}

	return srv, shutdown
}
