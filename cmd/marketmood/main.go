package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const (
	appName = "marketmood"
	version = "v0.1.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.Kitchen,
		NoColor:    !term.IsTerminal(int(os.Stderr.Fd())),
	})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Financial news sentiment pipeline",
		Version: version,
		Long: `marketmood harvests the economic calendar and finance forum posts,
scores both with an LLM, and aggregates the scores into currency-pair
sentiment.

Action flags compose: one invocation can scrape, fetch, analyze and
print pair sentiment in a single run. With no action flags the command
prints this help and exits.`,
		RunE:          runRoot,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.Flags().String("scrape-events", "", "Scrape calendar events (today|week|month)")
	rootCmd.Flags().String("scrape-posts", "", "Fetch forum posts (hot|new|top)")
	rootCmd.Flags().Int("posts-limit", 0, "Posts per channel (default 25)")
	rootCmd.Flags().StringSlice("channels", nil, "Channels to fetch (default finance set)")
	rootCmd.Flags().String("top-window", "", "Window for the top sort (hour|day|week|month|year|all)")
	rootCmd.Flags().Bool("analyze", false, "Score unscored events and posts")
	rootCmd.Flags().String("pair", "", "Print sentiment for one pair, e.g. EURUSD")
	rootCmd.Flags().Bool("pair-all", false, "Print sentiment for every supported pair")
	rootCmd.Flags().Duration("lookback", 0, "Aggregation window (default 168h)")
	rootCmd.Flags().Bool("reprocess-errors", false, "Clear and rescore items scored by stale models")
	rootCmd.Flags().Bool("dry-run", false, "Keep every write in one transaction and roll it back")

	backfillCmd := &cobra.Command{
		Use:   "backfill",
		Short: "Scrape historical calendar weeks into the store",
		Long:  "Walks Monday-anchored weeks from --start to --end, scraping and upserting each, with a resumable checkpoint file",
		RunE:  runBackfill,
	}

	backfillCmd.Flags().String("start", "", "First day to cover (YYYY-MM-DD, required)")
	backfillCmd.Flags().String("end", "", "Last day to cover (YYYY-MM-DD, default today)")
	backfillCmd.Flags().String("checkpoint", "", "Checkpoint file path (default from tuning)")

	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Harvest, analyze and print pair sentiment on an interval",
		Long:  "Runs the full pipeline for one pair's currencies and channels every interval and prints the aggregated sentiment after each tick",
		RunE:  runMonitorLoop,
	}

	monitorCmd.Flags().String("pair", "", "Pair to monitor (default EURUSD)")
	monitorCmd.Flags().Duration("interval", 0, "Tick interval (default 30m)")
	monitorCmd.Flags().StringSlice("channels", nil, "Channels to fetch each tick")
	monitorCmd.Flags().Int("posts-limit", 0, "Posts per channel each tick")

	symbolCmd := &cobra.Command{
		Use:   "symbol TICKER",
		Short: "Print aggregate post sentiment for one ticker",
		Long:  "Aggregates stored per-symbol scores across every scored post that mentions the ticker",
		Args:  cobra.ExactArgs(1),
		RunE:  runSymbol,
	}

	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(symbolCmd)

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		fmt.Fprintf(os.Stderr, "%s\n\n", err)
		_ = cmd.Usage()
		os.Exit(2)
		return nil
	})

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
