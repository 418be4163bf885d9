package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/quantfoundry/marketmood/internal/analyze"
	"github.com/quantfoundry/marketmood/internal/cache"
	"github.com/quantfoundry/marketmood/internal/calendar"
	"github.com/quantfoundry/marketmood/internal/config"
	"github.com/quantfoundry/marketmood/internal/forum"
	"github.com/quantfoundry/marketmood/internal/metrics"
	"github.com/quantfoundry/marketmood/internal/pairs"
	"github.com/quantfoundry/marketmood/internal/pipeline"
	"github.com/quantfoundry/marketmood/internal/store"
)

type rootFlags struct {
	opts     pipeline.Options
	pair     string
	pairAll  bool
	lookback time.Duration
}

// runRoot executes one composed pipeline invocation: harvest and/or
// analyze per the action flags, then print pair sentiment if asked.
func runRoot(cmd *cobra.Command, args []string) error {
	rf, err := parseRootFlags(cmd.Flags())
	if err != nil {
		return err
	}
	if !rf.opts.HasWork() && rf.pair == "" && !rf.pairAll {
		return cmd.Help()
	}
	if err := rf.opts.Validate(); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	if rf.opts.HasWork() {
		if err := runPipeline(ctx, cfg, st, rf.opts); err != nil {
			return err
		}
	}
	if rf.pair != "" || rf.pairAll {
		if err := printPairs(ctx, cfg, st, rf); err != nil {
			return err
		}
	}
	return nil
}

func parseRootFlags(flags *pflag.FlagSet) (rootFlags, error) {
	var rf rootFlags

	eventsTok, _ := flags.GetString("scrape-events")
	events, err := pipeline.ParseEventsPeriod(eventsTok)
	if err != nil {
		return rf, err
	}
	postsTok, _ := flags.GetString("scrape-posts")
	posts, err := pipeline.ParsePostsSort(postsTok)
	if err != nil {
		return rf, err
	}

	rf.opts.Events = events
	rf.opts.Posts = posts
	rf.opts.TopWindow, _ = flags.GetString("top-window")
	rf.opts.Channels, _ = flags.GetStringSlice("channels")
	rf.opts.PostLimit, _ = flags.GetInt("posts-limit")
	rf.opts.Analyze, _ = flags.GetBool("analyze")
	rf.opts.ReprocessModelErrors, _ = flags.GetBool("reprocess-errors")
	rf.opts.DryRun, _ = flags.GetBool("dry-run")
	rf.pair, _ = flags.GetString("pair")
	rf.pairAll, _ = flags.GetBool("pair-all")
	rf.lookback, _ = flags.GetDuration("lookback")
	return rf, nil
}

// buildDeps constructs only the components the selected phases need:
// the browser, forum client and LLM client all cost startup time or
// quota, so a posts-only run never launches a browser.
func buildDeps(ctx context.Context, cfg *config.Config, st *store.Store, opts pipeline.Options) (pipeline.Deps, func(), error) {
	deps := pipeline.Deps{
		Store:              st,
		Metrics:            metrics.NewRegistry(),
		StaleModelPatterns: cfg.Tuning.Analyzer.StaleModelPatterns,
		BeginDryRun: func(ctx context.Context) (pipeline.Store, error) {
			return st.BeginDryRun(ctx)
		},
	}

	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	if opts.Events != pipeline.EventsNone {
		scraper := calendar.NewScraper(cfg.Tuning.Scraper)
		cleanups = append(cleanups, scraper.Close)
		deps.Scraper = scraper
	}
	if opts.Posts != pipeline.PostsNone {
		client, err := forum.NewClient(cfg.Forum)
		if err != nil {
			cleanup()
			return pipeline.Deps{}, nil, err
		}
		deps.Forum = client
	}
	if opts.Analyze {
		analyzer, err := analyze.NewAnalyzer(ctx, cfg.LLM, cfg.Tuning.Analyzer)
		if err != nil {
			cleanup()
			return pipeline.Deps{}, nil, err
		}
		deps.Analyzer = analyzer
	}
	return deps, cleanup, nil
}

func runPipeline(ctx context.Context, cfg *config.Config, st *store.Store, opts pipeline.Options) error {
	deps, cleanup, err := buildDeps(ctx, cfg, st, opts)
	if err != nil {
		return err
	}
	defer cleanup()

	p := pipeline.New(deps)
	sum, err := p.Run(ctx, opts)
	if sum != nil {
		log.Info().
			Str("run_id", sum.RunID).
			Bool("dry_run", sum.DryRun).
			Int("events_scraped", sum.EventsScraped).
			Int("events_upserted", sum.EventsUpserted).
			Int("posts_fetched", sum.PostsFetched).
			Int("posts_upserted", sum.PostsUpserted).
			Int("events_analyzed", sum.EventsAnalyzed).
			Int("posts_analyzed", sum.PostsAnalyzed).
			Int("analysis_failures", sum.AnalysisFailures).
			Int("rescored", sum.Rescored).
			Dur("took", sum.Duration).
			Msg("run summary")
		log.Debug().Interface("counters", p.Metrics().Snapshot()).Msg("run counters")
	}
	return err
}

func printPairs(ctx context.Context, cfg *config.Config, st *store.Store, rf rootFlags) error {
	lookback := rf.lookback
	if lookback <= 0 {
		lookback = cfg.Tuning.Pairs.Lookback
	}

	agg := pairs.New(st)
	if cfg.Redis.Addr != "" {
		pc := cache.New(cfg.Redis, cfg.Tuning.Pairs.CacheTTL)
		defer pc.Close()
		if err := pc.Ping(ctx); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).
				Msg("pair cache unreachable, computing directly")
		} else {
			agg.UseCache(pc)
		}
	}

	if rf.pairAll {
		sents, err := agg.AllPairs(ctx, lookback)
		if err != nil {
			return err
		}
		for _, s := range sents {
			fmt.Println(s)
		}
		return nil
	}

	s, err := agg.Pair(ctx, rf.pair, lookback)
	if err != nil {
		return err
	}
	fmt.Println(s)
	return nil
}
