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

	"github.com/quantfoundry/marketmood/internal/backfill"
	"github.com/quantfoundry/marketmood/internal/calendar"
	"github.com/quantfoundry/marketmood/internal/config"
	"github.com/quantfoundry/marketmood/internal/store"
)

const dayLayout = "2006-01-02"

// runBackfill walks historical calendar weeks into the store.
func runBackfill(cmd *cobra.Command, args []string) error {
	startTok, _ := cmd.Flags().GetString("start")
	endTok, _ := cmd.Flags().GetString("end")
	checkpoint, _ := cmd.Flags().GetString("checkpoint")

	if startTok == "" {
		return fmt.Errorf("--start is required (YYYY-MM-DD)")
	}
	start, err := time.ParseInLocation(dayLayout, startTok, time.UTC)
	if err != nil {
		return fmt.Errorf("bad --start %q: %w", startTok, err)
	}
	end := time.Now().UTC()
	if endTok != "" {
		if end, err = time.ParseInLocation(dayLayout, endTok, time.UTC); err != nil {
			return fmt.Errorf("bad --end %q: %w", endTok, err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	tuning := cfg.Tuning.Backfill
	if checkpoint != "" {
		tuning.CheckpointPath = checkpoint
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	scraper := calendar.NewScraper(cfg.Tuning.Scraper)
	defer scraper.Close()

	prog, err := backfill.New(scraper, st, tuning, nil).Run(ctx, start, end)
	if prog != nil {
		log.Info().
			Int("weeks_planned", prog.WeeksPlanned).
			Int("weeks_done", prog.WeeksDone).
			Int("weeks_skipped", prog.WeeksSkipped).
			Int("weeks_failed", prog.WeeksFailed).
			Int("events_upserted", prog.EventsUpserted).
			Bool("aborted", prog.Aborted).
			Msg("backfill summary")
	}
	return err
}
