package backfill

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantfoundry/marketmood/internal/calendar"
	"github.com/quantfoundry/marketmood/internal/config"
	"github.com/quantfoundry/marketmood/internal/metrics"
)

// Scraper is the weekly harvest surface; *calendar.Scraper satisfies it.
type Scraper interface {
	ScrapeWeek(ctx context.Context, date time.Time) (calendar.Events, error)
}

// Store persists harvested weeks; *store.Store satisfies it.
type Store interface {
	UpsertEvents(ctx context.Context, events calendar.Events) (int, error)
}

// Progress is what one backfill run covered.
type Progress struct {
	WeeksPlanned   int
	WeeksSkipped   int
	WeeksDone      int
	WeeksFailed    int
	EventsUpserted int
	Aborted        bool
}

// Driver iterates Monday-anchored weeks ascending over a range,
// scraping and upserting each, checkpointing after every week.
type Driver struct {
	scraper Scraper
	store   Store
	cfg     config.BackfillTuning
	metrics *metrics.Registry
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
	logger  zerolog.Logger
}

// New builds a driver with the given tuning.
func New(scraper Scraper, store Store, cfg config.BackfillTuning, reg *metrics.Registry) *Driver {
	if cfg.WeekRetries < 1 {
		cfg.WeekRetries = 1
	}
	if cfg.MaxConsecutiveFail < 1 {
		cfg.MaxConsecutiveFail = 1
	}
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	return &Driver{
		scraper: scraper,
		store:   store,
		cfg:     cfg,
		metrics: reg,
		sleep:   sleepCtx,
		now:     time.Now,
		logger:  log.With().Str("component", "backfill").Logger(),
	}
}

// Run covers [start, end] week by week. Weeks at or before the
// checkpoint anchor are skipped, so rerunning after an interruption
// resumes cleanly without duplicating rows (the store's natural-key
// upserts absorb the partially completed week itself). A week that
// exhausts its retries joins failed_weeks and the run continues; a
// streak of MaxConsecutiveFail failed weeks aborts, since that pattern
// means the source is refusing us, not flaking.
func (d *Driver) Run(ctx context.Context, start, end time.Time) (*Progress, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("backfill: end %s before start %s",
			end.Format(anchorLayout), start.Format(anchorLayout))
	}

	cp, err := LoadCheckpoint(d.cfg.CheckpointPath)
	if err != nil {
		return nil, err
	}
	if cp.StartedAt.IsZero() {
		cp.StartedAt = d.now().UTC()
	}

	first := calendar.WeekAnchor(start)
	last := calendar.WeekAnchor(end)
	prog := &Progress{}
	consecutive := 0

	d.logger.Info().
		Time("first_week", first).
		Time("last_week", last).
		Str("checkpoint", d.cfg.CheckpointPath).
		Msg("backfill started")

	for anchor := first; !anchor.After(last); anchor = anchor.AddDate(0, 0, 7) {
		prog.WeeksPlanned++

		if done, ok := cp.LastAnchor(); ok && !anchor.After(done) {
			prog.WeeksSkipped++
			continue
		}
		if err := ctx.Err(); err != nil {
			return prog, err
		}

		events, err := d.scrapeWeek(ctx, anchor)
		if err != nil {
			if ctx.Err() != nil {
				return prog, err
			}
			consecutive++
			prog.WeeksFailed++
			d.metrics.RecordBackfillWeek(false)
			cp.FailWeek(anchor, d.now())
			if err := cp.Save(d.cfg.CheckpointPath); err != nil {
				return prog, err
			}
			d.logger.Error().Err(err).
				Time("week", anchor).
				Int("consecutive_failures", consecutive).
				Msg("week abandoned after retries")

			if consecutive >= d.cfg.MaxConsecutiveFail {
				prog.Aborted = true
				return prog, fmt.Errorf("backfill: %d consecutive weeks failed, aborting at %s",
					consecutive, anchor.Format(anchorLayout))
			}
			if err := d.interWeekWait(ctx, anchor, last); err != nil {
				return prog, err
			}
			continue
		}

		n, err := d.store.UpsertEvents(ctx, events)
		if err != nil {
			// A refused write is the database, not the source; burning
			// through more weeks would lose everything scraped.
			return prog, fmt.Errorf("backfill: persist week %s: %w",
				anchor.Format(anchorLayout), err)
		}
		prog.EventsUpserted += n
		prog.WeeksDone++
		consecutive = 0
		d.metrics.RecordBackfillWeek(true)

		cp.CompleteWeek(anchor, d.now())
		if err := cp.Save(d.cfg.CheckpointPath); err != nil {
			return prog, err
		}
		d.logger.Info().
			Time("week", anchor).
			Int("events", n).
			Msg("week backfilled")

		if err := d.interWeekWait(ctx, anchor, last); err != nil {
			return prog, err
		}
	}

	d.logger.Info().
		Int("done", prog.WeeksDone).
		Int("skipped", prog.WeeksSkipped).
		Int("failed", prog.WeeksFailed).
		Int("events", prog.EventsUpserted).
		Msg("backfill finished")
	return prog, nil
}

// scrapeWeek retries one week with growing backoff between attempts.
func (d *Driver) scrapeWeek(ctx context.Context, anchor time.Time) (calendar.Events, error) {
	var lastErr error
	for attempt := 1; attempt <= d.cfg.WeekRetries; attempt++ {
		events, err := d.scraper.ScrapeWeek(ctx, anchor)
		if err == nil {
			return events, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, err
		}
		d.logger.Warn().Err(err).
			Time("week", anchor).
			Int("attempt", attempt).
			Msg("week scrape failed")
		if attempt < d.cfg.WeekRetries {
			if err := d.sleep(ctx, retryBackoff(attempt)); err != nil {
				return nil, err
			}
		}
	}
	return nil, lastErr
}

// interWeekWait spaces week requests with jitter on top of the
// scraper's own politeness, except after the final week.
func (d *Driver) interWeekWait(ctx context.Context, anchor, last time.Time) error {
	if !anchor.Before(last) {
		return nil
	}
	return d.sleep(ctx, jitterBetween(d.cfg.MinWeekDelay, d.cfg.MaxWeekDelay))
}

// retryBackoff is 30s doubled per attempt, capped at five minutes:
// 30s, 60s, 120s, then 240s for every later attempt.
func retryBackoff(attempt int) time.Duration {
	exp := attempt - 1
	if exp < 0 {
		exp = 0
	}
	if exp > 3 {
		exp = 3
	}
	d := 30 * time.Second << uint(exp)
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}

func jitterBetween(min, max time.Duration) time.Duration {
	if min < 0 {
		min = 0
	}
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
