package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/allgram/clubfeed/internal/config"
	"github.com/allgram/clubfeed/internal/feed"
	"github.com/allgram/clubfeed/internal/httpapi"
	"github.com/allgram/clubfeed/internal/ops"
)

func loadConfig(cctx *cli.Context) (*config.Config, *ops.Logger, error) {
	cfg, err := config.Load(cctx.String("config"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	log := ops.NewLogger(&cfg.Logging)
	ops.SetDefault(log)
	return cfg, log, nil
}

func runServe(cctx *cli.Context) error {
	cfg, log, err := loadConfig(cctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			log.LogPanic(r, string(debug.Stack()))
			panic(r)
		}
	}()

	ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := ops.NewMetrics(reg)

	st, err := buildStack(ctx, cfg, log, metrics, nil)
	if err != nil {
		return err
	}
	defer st.Close()

	log.LogStartup(versioninfo.Short(), len(st.clubs))

	g, gctx := errgroup.WithContext(ctx)
	for _, worker := range st.workers {
		g.Go(func() error { return worker(gctx) })
	}
	for _, f := range st.feeds() {
		g.Go(func() error { return f.Run(gctx) })
	}
	combined := feed.NewCombined(st.feeds()...)
	if cfg.HTTP.Enabled {
		server := httpapi.New(st.clubs, combined, reg, log, versioninfo.Short())
		g.Go(func() error { return server.Serve(gctx, cfg.HTTP.Address()) })
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	reason := "signal"
	if err != nil {
		reason = err.Error()
	}
	log.LogShutdown(reason)
	return err
}
