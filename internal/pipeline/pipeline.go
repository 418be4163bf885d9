// Package pipeline sequences one ingestion run: scrape calendar events,
// fetch forum posts, persist both, then score whatever is unscored.
// Phases are independently skippable; a failing phase is collected and
// the rest still run, so a broken calendar never starves the forum
// harvest. Only auth failures and cancellation abort mid-run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantfoundry/marketmood/internal/analyze"
	"github.com/quantfoundry/marketmood/internal/calendar"
	"github.com/quantfoundry/marketmood/internal/forum"
	"github.com/quantfoundry/marketmood/internal/metrics"
	"github.com/quantfoundry/marketmood/internal/store"
)

// Scraper harvests calendar events; *calendar.Scraper satisfies it.
type Scraper interface {
	ScrapeDay(ctx context.Context, date time.Time) (calendar.Events, error)
	ScrapeWeek(ctx context.Context, date time.Time) (calendar.Events, error)
	ScrapeMonth(ctx context.Context, date time.Time) (calendar.Events, error)
}

// Forum fetches channel listings; *forum.Client satisfies it.
type Forum interface {
	FetchHot(ctx context.Context, channels []string, limit int) ([]forum.Post, error)
	FetchNew(ctx context.Context, channels []string, limit int) ([]forum.Post, error)
	FetchTop(ctx context.Context, channels []string, window string, limit int) ([]forum.Post, error)
}

// Analyzer scores batches; *analyze.Analyzer satisfies it.
type Analyzer interface {
	BatchEvents(ctx context.Context, events []analyze.EventInput) []analyze.Result
	BatchPosts(ctx context.Context, posts []analyze.PostInput) []analyze.Result
}

// Store is the persistence surface a run needs; *store.Store satisfies
// it, as does a dry-run session of one.
type Store interface {
	UpsertEvents(ctx context.Context, events calendar.Events) (int, error)
	UpsertPosts(ctx context.Context, posts []forum.Post) (int, error)
	UnscoredEvents(ctx context.Context) ([]store.Event, error)
	UnscoredPosts(ctx context.Context) ([]store.Post, error)
	UpdateEventScore(ctx context.Context, id int64, score float64, raw map[string]interface{}) error
	UpdatePostScore(ctx context.Context, id int64, score float64, symbols []string, symbolSentiments map[string]float64, raw map[string]interface{}) error
	EventsWithModelErrors(ctx context.Context, patterns []string) ([]store.Event, error)
	PostsWithModelErrors(ctx context.Context, patterns []string) ([]store.Post, error)
	ClearEventScore(ctx context.Context, id int64) error
	ClearPostScore(ctx context.Context, id int64) error
	Rollback() error
}

// Deps wires a pipeline. Only the components for the phases a caller
// actually selects need to be present; Run rejects options it cannot
// serve. BeginDryRun opens a rollback-only session over the same
// database when dry-run is requested.
type Deps struct {
	Scraper  Scraper
	Forum    Forum
	Analyzer Analyzer
	Store    Store

	BeginDryRun func(ctx context.Context) (Store, error)

	Metrics *metrics.Registry

	// StaleModelPatterns drive the reprocess phase; empty disables it.
	StaleModelPatterns []string

	Now func() time.Time
}

// Summary is what one run did.
type Summary struct {
	RunID            string
	DryRun           bool
	EventsScraped    int
	EventsUpserted   int
	PostsFetched     int
	PostsUpserted    int
	EventsAnalyzed   int
	PostsAnalyzed    int
	AnalysisFailures int
	Rescored         int
	Warnings         []string
	Duration         time.Duration
}

func (s *Summary) warn(logger zerolog.Logger, phase, msg string) {
	s.Warnings = append(s.Warnings, phase+": "+msg)
	logger.Warn().Str("phase", phase).Msg(msg)
}

// Pipeline runs the harvest and analyze phases in order.
type Pipeline struct {
	scraper       Scraper
	forum         Forum
	analyzer      Analyzer
	store         Store
	beginDryRun   func(ctx context.Context) (Store, error)
	metrics       *metrics.Registry
	stalePatterns []string
	now           func() time.Time
	logger        zerolog.Logger
}

// New builds a pipeline from its dependencies.
func New(deps Deps) *Pipeline {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewRegistry()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Pipeline{
		scraper:       deps.Scraper,
		forum:         deps.Forum,
		analyzer:      deps.Analyzer,
		store:         deps.Store,
		beginDryRun:   deps.BeginDryRun,
		metrics:       deps.Metrics,
		stalePatterns: deps.StaleModelPatterns,
		now:           deps.Now,
		logger:        log.With().Str("component", "pipeline").Logger(),
	}
}

// Metrics exposes the run counters for end-of-run reporting.
func (p *Pipeline) Metrics() *metrics.Registry {
	return p.metrics
}

// Run executes the selected phases in order: scrape events, upsert,
// fetch posts, upsert, reprocess stale scores, analyze events, analyze
// posts. Phase failures are collected and returned joined after the
// remaining phases ran; cancellation and forum auth failures abort
// immediately. The summary is returned alongside any error.
func (p *Pipeline) Run(ctx context.Context, opts Options) (*Summary, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := p.preflight(opts); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	logger := p.logger.With().Str("run_id", runID).Bool("dry_run", opts.DryRun).Logger()
	started := p.now()

	sum := &Summary{RunID: runID, DryRun: opts.DryRun}
	defer func() { sum.Duration = p.now().Sub(started) }()

	st := p.store
	if opts.DryRun {
		session, err := p.beginDryRun(ctx)
		if err != nil {
			return sum, fmt.Errorf("pipeline: open dry-run session: %w", err)
		}
		st = session
		defer func() {
			if err := session.Rollback(); err != nil {
				logger.Error().Err(err).Msg("dry-run rollback failed")
			}
		}()
	}

	logger.Info().
		Str("events", string(opts.Events)).
		Str("posts", string(opts.Posts)).
		Bool("analyze", opts.Analyze).
		Bool("reprocess", opts.ReprocessModelErrors).
		Msg("pipeline run started")

	var phaseErrs []error
	fail := func(phase string, err error) bool {
		logger.Error().Err(err).Str("phase", phase).Msg("phase failed")
		phaseErrs = append(phaseErrs, fmt.Errorf("%s: %w", phase, err))
		// Cancellation and credential failures end the run; anything
		// else lets the remaining phases try.
		return ctx.Err() != nil || errors.Is(err, forum.ErrAuth)
	}

	if opts.Events != EventsNone {
		if abort := p.runEventHarvest(ctx, st, opts, sum, logger, fail); abort {
			return sum, errors.Join(phaseErrs...)
		}
	}

	if opts.Posts != PostsNone {
		if abort := p.runPostHarvest(ctx, st, opts, sum, logger, fail); abort {
			return sum, errors.Join(phaseErrs...)
		}
	}

	if opts.ReprocessModelErrors {
		if err := p.reprocess(ctx, st, sum, logger); err != nil {
			if fail("reprocess", err) {
				return sum, errors.Join(phaseErrs...)
			}
		}
	}

	if opts.Analyze {
		if err := p.analyzeEvents(ctx, st, sum, logger); err != nil {
			if fail("analyze-events", err) {
				return sum, errors.Join(phaseErrs...)
			}
		}
		if err := p.analyzePosts(ctx, st, sum, logger); err != nil {
			if fail("analyze-posts", err) {
				return sum, errors.Join(phaseErrs...)
			}
		}
	}

	logger.Info().
		Int("events_scraped", sum.EventsScraped).
		Int("events_upserted", sum.EventsUpserted).
		Int("posts_fetched", sum.PostsFetched).
		Int("posts_upserted", sum.PostsUpserted).
		Int("events_analyzed", sum.EventsAnalyzed).
		Int("posts_analyzed", sum.PostsAnalyzed).
		Int("rescored", sum.Rescored).
		Int("warnings", len(sum.Warnings)).
		Msg("pipeline run finished")

	return sum, errors.Join(phaseErrs...)
}

// preflight rejects option combinations the wiring cannot serve.
func (p *Pipeline) preflight(opts Options) error {
	if p.store == nil {
		return errors.New("pipeline: store is required")
	}
	if opts.Events != EventsNone && p.scraper == nil {
		return errors.New("pipeline: events phase requested without a scraper")
	}
	if opts.Posts != PostsNone && p.forum == nil {
		return errors.New("pipeline: posts phase requested without a forum client")
	}
	if opts.Analyze && p.analyzer == nil {
		return errors.New("pipeline: analyze phase requested without an analyzer")
	}
	if opts.DryRun && p.beginDryRun == nil {
		return errors.New("pipeline: dry-run requested without a session opener")
	}
	return nil
}

func (p *Pipeline) runEventHarvest(ctx context.Context, st Store, opts Options, sum *Summary, logger zerolog.Logger, fail func(string, error) bool) bool {
	events, err := p.scrapeEvents(ctx, opts.Events)
	if err != nil {
		return fail("scrape-events", err)
	}
	events = events.FilterByCurrencies(opts.Currencies...).Distinct()
	sum.EventsScraped = len(events)
	p.metrics.EventsScraped.Add(float64(len(events)))

	n, err := st.UpsertEvents(ctx, events)
	if err != nil {
		return fail("store-events", err)
	}
	sum.EventsUpserted = n
	p.metrics.EventsUpserted.Add(float64(n))

	logger.Info().Int("scraped", len(events)).Int("upserted", n).Msg("event harvest done")
	return false
}

func (p *Pipeline) scrapeEvents(ctx context.Context, period EventsPeriod) (calendar.Events, error) {
	date := p.now()
	switch period {
	case EventsToday:
		return p.scraper.ScrapeDay(ctx, date)
	case EventsWeek:
		return p.scraper.ScrapeWeek(ctx, date)
	case EventsMonth:
		return p.scraper.ScrapeMonth(ctx, date)
	default:
		return nil, nil
	}
}

func (p *Pipeline) runPostHarvest(ctx context.Context, st Store, opts Options, sum *Summary, logger zerolog.Logger, fail func(string, error) bool) bool {
	posts, err := p.fetchPosts(ctx, opts)
	if err != nil {
		return fail("fetch-posts", err)
	}
	sum.PostsFetched = len(posts)
	p.metrics.PostsFetched.Add(float64(len(posts)))

	n, err := st.UpsertPosts(ctx, posts)
	if err != nil {
		return fail("store-posts", err)
	}
	sum.PostsUpserted = n
	p.metrics.PostsUpserted.Add(float64(n))

	logger.Info().Int("fetched", len(posts)).Int("upserted", n).Msg("post harvest done")
	return false
}

func (p *Pipeline) fetchPosts(ctx context.Context, opts Options) ([]forum.Post, error) {
	switch opts.Posts {
	case PostsHot:
		return p.forum.FetchHot(ctx, opts.Channels, opts.PostLimit)
	case PostsNew:
		return p.forum.FetchNew(ctx, opts.Channels, opts.PostLimit)
	case PostsTop:
		return p.forum.FetchTop(ctx, opts.Channels, opts.TopWindow, opts.PostLimit)
	default:
		return nil, nil
	}
}

// reprocess clears scores whose raw reply matches a stale-model
// pattern. Cleared items are unscored again, so a following analyze
// phase rescores them with the current model.
func (p *Pipeline) reprocess(ctx context.Context, st Store, sum *Summary, logger zerolog.Logger) error {
	if len(p.stalePatterns) == 0 {
		logger.Debug().Msg("no stale model patterns configured, reprocess skipped")
		return nil
	}

	events, err := st.EventsWithModelErrors(ctx, p.stalePatterns)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := st.ClearEventScore(ctx, ev.ID); err != nil {
			sum.warn(logger, "reprocess", fmt.Sprintf("clear event %d: %v", ev.ID, err))
			continue
		}
		sum.Rescored++
	}

	posts, err := st.PostsWithModelErrors(ctx, p.stalePatterns)
	if err != nil {
		return err
	}
	for _, post := range posts {
		if err := st.ClearPostScore(ctx, post.ID); err != nil {
			sum.warn(logger, "reprocess", fmt.Sprintf("clear post %d: %v", post.ID, err))
			continue
		}
		sum.Rescored++
	}

	if sum.Rescored > 0 {
		logger.Info().Int("cleared", sum.Rescored).Msg("stale scores cleared for rescoring")
	}
	return nil
}

func (p *Pipeline) analyzeEvents(ctx context.Context, st Store, sum *Summary, logger zerolog.Logger) error {
	events, err := st.UnscoredEvents(ctx)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		logger.Debug().Msg("no unscored events")
		return nil
	}

	inputs := make([]analyze.EventInput, len(events))
	for i, ev := range events {
		inputs[i] = analyze.EventInput{
			Name:     ev.Name,
			Currency: ev.Currency,
			Impact:   ev.Impact,
			Actual:   strOf(ev.Actual),
			Forecast: strOf(ev.Forecast),
			Previous: strOf(ev.Previous),
		}
	}

	results := p.analyzer.BatchEvents(ctx, inputs)
	for i, r := range results {
		// A cancelled batch pads the tail with unsent requests;
		// persisting those as zero scores would hide them from the
		// next run.
		if err := ctx.Err(); err != nil {
			return err
		}
		p.noteModelCosts(r)
		if err := st.UpdateEventScore(ctx, events[i].ID, r.Score, r.RawPayload()); err != nil {
			sum.warn(logger, "analyze-events", fmt.Sprintf("persist event %d: %v", events[i].ID, err))
			continue
		}
		sum.EventsAnalyzed++
		if r.Failed() {
			sum.AnalysisFailures++
		}
		p.metrics.RecordAnalyzed("event", r.Failed())
	}

	logger.Info().Int("analyzed", sum.EventsAnalyzed).Msg("event analysis done")
	return nil
}

func (p *Pipeline) analyzePosts(ctx context.Context, st Store, sum *Summary, logger zerolog.Logger) error {
	posts, err := st.UnscoredPosts(ctx)
	if err != nil {
		return err
	}
	if len(posts) == 0 {
		logger.Debug().Msg("no unscored posts")
		return nil
	}

	inputs := make([]analyze.PostInput, len(posts))
	for i, post := range posts {
		inputs[i] = analyze.PostInput{
			Title:   post.Title,
			Channel: post.Channel,
			Body:    strOf(post.Body),
			URL:     strOf(post.URL),
			Flair:   strOf(post.Flair),
		}
	}

	results := p.analyzer.BatchPosts(ctx, inputs)
	for i, r := range results {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.noteModelCosts(r)
		if err := st.UpdatePostScore(ctx, posts[i].ID, r.Score, r.Symbols, r.SymbolSentiments, r.RawPayload()); err != nil {
			sum.warn(logger, "analyze-posts", fmt.Sprintf("persist post %d: %v", posts[i].ID, err))
			continue
		}
		sum.PostsAnalyzed++
		if r.Failed() {
			sum.AnalysisFailures++
		}
		p.metrics.RecordAnalyzed("post", r.Failed())
	}

	logger.Info().Int("analyzed", sum.PostsAnalyzed).Msg("post analysis done")
	return nil
}

func (p *Pipeline) noteModelCosts(r analyze.Result) {
	if r.Meta.Retries > 0 {
		p.metrics.ModelRetries.Add(float64(r.Meta.Retries))
	}
	if r.Meta.ImageDownloadFailed {
		p.metrics.ImageFailures.Inc()
	}
}

func strOf(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
