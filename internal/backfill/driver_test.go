package backfill

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfoundry/marketmood/internal/calendar"
	"github.com/quantfoundry/marketmood/internal/config"
)

// scriptedScraper fails each week a scripted number of times before
// succeeding; a negative count fails forever.
type scriptedScraper struct {
	failures map[string]int
	attempts map[string]int
	calls    []string
	perWeek  calendar.Events
}

func (s *scriptedScraper) ScrapeWeek(_ context.Context, date time.Time) (calendar.Events, error) {
	key := date.Format(anchorLayout)
	if s.attempts == nil {
		s.attempts = map[string]int{}
	}
	s.attempts[key]++
	s.calls = append(s.calls, key)
	if n := s.failures[key]; n < 0 || s.attempts[key] <= n {
		return nil, calendar.ErrBotChallenge
	}
	return s.perWeek, nil
}

type captureStore struct {
	upserts int
	events  int
	err     error
}

func (s *captureStore) UpsertEvents(_ context.Context, events calendar.Events) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.upserts++
	s.events += len(events)
	return len(events), nil
}

func testTuning(t *testing.T) config.BackfillTuning {
	t.Helper()
	return config.BackfillTuning{
		CheckpointPath:     filepath.Join(t.TempDir(), "checkpoint.json"),
		MinWeekDelay:       8 * time.Second,
		MaxWeekDelay:       15 * time.Second,
		WeekRetries:        3,
		MaxConsecutiveFail: 5,
	}
}

// newTestDriver swaps the sleeper for a recorder so tests finish
// instantly, and pins the clock.
func newTestDriver(scraper Scraper, st Store, cfg config.BackfillTuning, sleeps *[]time.Duration) *Driver {
	d := New(scraper, st, cfg, nil)
	d.sleep = func(_ context.Context, dur time.Duration) error {
		*sleeps = append(*sleeps, dur)
		return nil
	}
	d.now = func() time.Time {
		return time.Date(2024, time.June, 20, 9, 0, 0, 0, time.UTC)
	}
	return d
}

var weekEvents = calendar.Events{
	{
		Timestamp: time.Date(2024, time.June, 7, 12, 30, 0, 0, time.UTC),
		Currency:  "USD",
		Name:      "Non-Farm Payrolls",
		Impact:    calendar.ImpactHigh,
		Actual:    "272K",
	},
	{
		Timestamp: time.Date(2024, time.June, 6, 12, 15, 0, 0, time.UTC),
		Currency:  "EUR",
		Name:      "Main Refinancing Rate",
		Impact:    calendar.ImpactHigh,
		Actual:    "4.25%",
	},
}

func TestDriver_Run_CoversRangeWeekByWeek(t *testing.T) {
	scraper := &scriptedScraper{perWeek: weekEvents}
	st := &captureStore{}
	cfg := testTuning(t)
	var sleeps []time.Duration
	d := newTestDriver(scraper, st, cfg, &sleeps)

	// Mid-week bounds snap to their Monday anchors.
	start := time.Date(2024, time.June, 5, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, time.June, 19, 0, 0, 0, 0, time.UTC)

	prog, err := d.Run(context.Background(), start, end)
	require.NoError(t, err)

	assert.Equal(t, []string{"2024-06-03", "2024-06-10", "2024-06-17"}, scraper.calls)
	assert.Equal(t, 3, prog.WeeksPlanned)
	assert.Equal(t, 3, prog.WeeksDone)
	assert.Zero(t, prog.WeeksSkipped)
	assert.Zero(t, prog.WeeksFailed)
	assert.Equal(t, 6, prog.EventsUpserted)
	assert.False(t, prog.Aborted)
	assert.Equal(t, 3, st.upserts)

	cp, err := LoadCheckpoint(cfg.CheckpointPath)
	require.NoError(t, err)
	assert.Equal(t, "2024-06-17", cp.LastCompletedWeekAnchor)
	assert.Empty(t, cp.FailedWeeks)
	assert.False(t, cp.StartedAt.IsZero())

	// Jittered pauses between weeks, none after the last.
	require.Len(t, sleeps, 2)
	for _, s := range sleeps {
		assert.GreaterOrEqual(t, s, cfg.MinWeekDelay)
		assert.Less(t, s, cfg.MaxWeekDelay)
	}
}

func TestDriver_Run_ResumeSkipsCompletedWeeks(t *testing.T) {
	scraper := &scriptedScraper{perWeek: weekEvents}
	st := &captureStore{}
	cfg := testTuning(t)
	var sleeps []time.Duration
	d := newTestDriver(scraper, st, cfg, &sleeps)

	seed := Checkpoint{LastCompletedWeekAnchor: "2024-06-10"}
	require.NoError(t, seed.Save(cfg.CheckpointPath))

	start := time.Date(2024, time.June, 3, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, time.June, 17, 0, 0, 0, 0, time.UTC)

	prog, err := d.Run(context.Background(), start, end)
	require.NoError(t, err)

	assert.Equal(t, []string{"2024-06-17"}, scraper.calls,
		"weeks at or before the checkpoint must not be re-scraped")
	assert.Equal(t, 3, prog.WeeksPlanned)
	assert.Equal(t, 2, prog.WeeksSkipped)
	assert.Equal(t, 1, prog.WeeksDone)
}

func TestDriver_Run_FailedWeekRecordedAndRunContinues(t *testing.T) {
	scraper := &scriptedScraper{
		perWeek:  weekEvents,
		failures: map[string]int{"2024-06-10": -1},
	}
	st := &captureStore{}
	cfg := testTuning(t)
	var sleeps []time.Duration
	d := newTestDriver(scraper, st, cfg, &sleeps)

	start := time.Date(2024, time.June, 3, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, time.June, 17, 0, 0, 0, 0, time.UTC)

	prog, err := d.Run(context.Background(), start, end)
	require.NoError(t, err, "one bad week must not fail the whole run")

	assert.Equal(t, 2, prog.WeeksDone)
	assert.Equal(t, 1, prog.WeeksFailed)
	assert.False(t, prog.Aborted)
	assert.Equal(t, cfg.WeekRetries, scraper.attempts["2024-06-10"])

	cp, err := LoadCheckpoint(cfg.CheckpointPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-06-10"}, cp.FailedWeeks)
	assert.Equal(t, "2024-06-17", cp.LastCompletedWeekAnchor)

	// Growing pauses between the retries of the bad week.
	assert.Contains(t, sleeps, 30*time.Second)
	assert.Contains(t, sleeps, 60*time.Second)
}

func TestDriver_Run_AbortsAfterConsecutiveFailures(t *testing.T) {
	scraper := &scriptedScraper{
		perWeek: weekEvents,
		failures: map[string]int{
			"2024-06-03": -1,
			"2024-06-10": -1,
			"2024-06-17": -1,
		},
	}
	st := &captureStore{}
	cfg := testTuning(t)
	cfg.MaxConsecutiveFail = 2
	var sleeps []time.Duration
	d := newTestDriver(scraper, st, cfg, &sleeps)

	start := time.Date(2024, time.June, 3, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, time.June, 17, 0, 0, 0, 0, time.UTC)

	prog, err := d.Run(context.Background(), start, end)
	require.ErrorContains(t, err, "consecutive weeks failed")

	assert.True(t, prog.Aborted)
	assert.Equal(t, 2, prog.WeeksFailed)
	assert.Zero(t, scraper.attempts["2024-06-17"],
		"the streak must stop the run before the third week")

	cp, cpErr := LoadCheckpoint(cfg.CheckpointPath)
	require.NoError(t, cpErr)
	assert.Equal(t, []string{"2024-06-03", "2024-06-10"}, cp.FailedWeeks)
}

func TestDriver_Run_SuccessResetsFailureStreak(t *testing.T) {
	scraper := &scriptedScraper{
		perWeek: weekEvents,
		failures: map[string]int{
			"2024-06-03": -1,
			"2024-06-17": -1,
		},
	}
	st := &captureStore{}
	cfg := testTuning(t)
	cfg.MaxConsecutiveFail = 2
	var sleeps []time.Duration
	d := newTestDriver(scraper, st, cfg, &sleeps)

	start := time.Date(2024, time.June, 3, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, time.June, 17, 0, 0, 0, 0, time.UTC)

	prog, err := d.Run(context.Background(), start, end)
	require.NoError(t, err)

	assert.Equal(t, 2, prog.WeeksFailed)
	assert.Equal(t, 1, prog.WeeksDone)
	assert.False(t, prog.Aborted, "an interleaved success breaks the streak")
}

func TestDriver_Run_StoreFailureAbortsImmediately(t *testing.T) {
	scraper := &scriptedScraper{perWeek: weekEvents}
	st := &captureStore{err: assert.AnError}
	cfg := testTuning(t)
	var sleeps []time.Duration
	d := newTestDriver(scraper, st, cfg, &sleeps)

	start := time.Date(2024, time.June, 3, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, time.June, 17, 0, 0, 0, 0, time.UTC)

	prog, err := d.Run(context.Background(), start, end)
	require.ErrorContains(t, err, "persist week 2024-06-03")
	require.ErrorIs(t, err, assert.AnError)

	assert.Zero(t, prog.WeeksDone)
	assert.Equal(t, []string{"2024-06-03"}, scraper.calls,
		"a dead database must not burn through more weeks")

	cp, cpErr := LoadCheckpoint(cfg.CheckpointPath)
	require.NoError(t, cpErr)
	assert.Empty(t, cp.LastCompletedWeekAnchor,
		"an unpersisted week must not be marked complete")
}

func TestDriver_Run_CancellationKeepsCheckpoint(t *testing.T) {
	scraper := &scriptedScraper{perWeek: weekEvents}
	st := &captureStore{}
	cfg := testTuning(t)

	ctx, cancel := context.WithCancel(context.Background())
	d := New(scraper, st, cfg, nil)
	d.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	start := time.Date(2024, time.June, 3, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, time.June, 17, 0, 0, 0, 0, time.UTC)

	prog, err := d.Run(ctx, start, end)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, prog.WeeksDone)

	cp, cpErr := LoadCheckpoint(cfg.CheckpointPath)
	require.NoError(t, cpErr)
	assert.Equal(t, "2024-06-03", cp.LastCompletedWeekAnchor,
		"completed weeks survive an interrupt so the rerun resumes")
}

func TestDriver_Run_EndBeforeStart(t *testing.T) {
	d := New(&scriptedScraper{}, &captureStore{}, testTuning(t), nil)

	_, err := d.Run(context.Background(),
		time.Date(2024, time.June, 17, 0, 0, 0, 0, time.UTC),
		time.Date(2024, time.June, 3, 0, 0, 0, 0, time.UTC))
	assert.ErrorContains(t, err, "before start")
}

func TestRetryBackoff(t *testing.T) {
	assert.Equal(t, 30*time.Second, retryBackoff(1))
	assert.Equal(t, 60*time.Second, retryBackoff(2))
	assert.Equal(t, 120*time.Second, retryBackoff(3))
	assert.Equal(t, 240*time.Second, retryBackoff(4))
	assert.Equal(t, 240*time.Second, retryBackoff(9), "backoff stops growing")
	assert.Equal(t, 30*time.Second, retryBackoff(0))
}

func TestJitterBetween(t *testing.T) {
	for i := 0; i < 50; i++ {
		got := jitterBetween(8*time.Second, 15*time.Second)
		assert.GreaterOrEqual(t, got, 8*time.Second)
		assert.Less(t, got, 15*time.Second)
	}
	assert.Equal(t, 5*time.Second, jitterBetween(5*time.Second, 5*time.Second))
	assert.Equal(t, 5*time.Second, jitterBetween(5*time.Second, time.Second))
}
