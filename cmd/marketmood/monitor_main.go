package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quantfoundry/marketmood/internal/cache"
	"github.com/quantfoundry/marketmood/internal/config"
	"github.com/quantfoundry/marketmood/internal/monitor"
	"github.com/quantfoundry/marketmood/internal/pairs"
	"github.com/quantfoundry/marketmood/internal/pipeline"
	"github.com/quantfoundry/marketmood/internal/store"
)

// runMonitorLoop ticks the full pipeline for one pair until interrupted.
func runMonitorLoop(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	mcfg := cfg.Tuning.Monitor
	flags := cmd.Flags()
	if flags.Changed("pair") {
		mcfg.Pair, _ = flags.GetString("pair")
	}
	if flags.Changed("interval") {
		mcfg.Interval, _ = flags.GetDuration("interval")
	}
	if flags.Changed("channels") {
		mcfg.Channels, _ = flags.GetStringSlice("channels")
	}
	if flags.Changed("posts-limit") {
		mcfg.PostLimit, _ = flags.GetInt("posts-limit")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	// Every tick harvests and analyzes, so all components come up front.
	deps, cleanup, err := buildDeps(ctx, cfg, st, pipeline.Options{
		Events:  pipeline.EventsToday,
		Posts:   pipeline.PostsHot,
		Analyze: true,
	})
	if err != nil {
		return err
	}
	defer cleanup()

	agg := pairs.New(st)
	if cfg.Redis.Addr != "" {
		pc := cache.New(cfg.Redis, cfg.Tuning.Pairs.CacheTTL)
		defer pc.Close()
		agg.UseCache(pc)
	}

	return monitor.New(pipeline.New(deps), agg, mcfg, deps.Metrics).Run(ctx)
}
