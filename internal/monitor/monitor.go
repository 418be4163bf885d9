// Package monitor runs the harvest-analyze-aggregate cycle for one
// currency pair on a fixed interval and prints the pair sentiment
// after every tick.
package monitor

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantfoundry/marketmood/internal/config"
	"github.com/quantfoundry/marketmood/internal/metrics"
	"github.com/quantfoundry/marketmood/internal/pairs"
	"github.com/quantfoundry/marketmood/internal/pipeline"
)

// Runner executes one harvest+analyze pass; *pipeline.Pipeline
// satisfies it.
type Runner interface {
	Run(ctx context.Context, opts pipeline.Options) (*pipeline.Summary, error)
}

// Aggregator turns persisted scores into pair sentiment;
// *pairs.Aggregator satisfies it.
type Aggregator interface {
	Pair(ctx context.Context, pair string, lookback time.Duration) (pairs.Sentiment, error)
}

// Monitor drives ticks one at a time: each tick runs to completion
// before the next is considered, so ticks never overlap.
type Monitor struct {
	runner  Runner
	agg     Aggregator
	cfg     config.MonitorTuning
	metrics *metrics.Registry
	out     io.Writer
	now     func() time.Time
	tickSrc func(time.Duration) (<-chan time.Time, func())
	logger  zerolog.Logger
}

// New builds a monitor for the configured pair. A nil registry gets a
// private one.
func New(runner Runner, agg Aggregator, cfg config.MonitorTuning, reg *metrics.Registry) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Minute
	}
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	return &Monitor{
		runner:  runner,
		agg:     agg,
		cfg:     cfg,
		metrics: reg,
		out:     os.Stdout,
		now:     time.Now,
		tickSrc: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
		logger: log.With().Str("component", "monitor").Logger(),
	}
}

// SetOutput redirects the per-tick sentiment lines (stdout by default).
func (m *Monitor) SetOutput(w io.Writer) {
	if w != nil {
		m.out = w
	}
}

// Run ticks once immediately, then on every interval until ctx is
// cancelled. A tick in flight when the interrupt arrives finishes
// first; its own deadline of one interval bounds how long that grace
// can last when a source hangs.
func (m *Monitor) Run(ctx context.Context) error {
	base, quote, err := pairs.Parse(m.cfg.Pair)
	if err != nil {
		return err
	}
	m.logger.Info().
		Str("pair", m.cfg.Pair).
		Dur("interval", m.cfg.Interval).
		Strs("channels", m.cfg.Channels).
		Msg("monitor started")

	tickC, stop := m.tickSrc(m.cfg.Interval)
	defer stop()

	m.tick(ctx, base, quote)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("monitor stopped")
			return nil
		case <-tickC:
			m.tick(ctx, base, quote)
			select {
			case <-tickC:
				m.logger.Warn().
					Dur("interval", m.cfg.Interval).
					Msg("tick overran the interval, dropping missed ticks")
			default:
			}
		}
	}
}

func (m *Monitor) tick(ctx context.Context, base, quote string) {
	if ctx.Err() != nil {
		return
	}
	// Detached from the loop's cancellation so an interrupt lets the
	// tick finish instead of tearing through a half-harvested cycle.
	tickCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.Interval)
	defer cancel()

	m.metrics.MonitorTicks.Inc()
	started := m.now()

	sum, err := m.runner.Run(tickCtx, pipeline.Options{
		Events:               pipeline.EventsToday,
		Posts:                pipeline.PostsHot,
		Channels:             m.cfg.Channels,
		PostLimit:            m.cfg.PostLimit,
		Currencies:           []string{base, quote},
		Analyze:              true,
		ReprocessModelErrors: true,
	})
	if err != nil {
		// The aggregate still reflects whatever the run persisted, so
		// a degraded harvest is reported, not fatal.
		m.logger.Error().Err(err).Msg("tick harvest degraded")
	}

	sent, err := m.agg.Pair(tickCtx, m.cfg.Pair, 0)
	if err != nil {
		m.logger.Error().Err(err).Msg("tick aggregation failed")
		return
	}
	fmt.Fprintf(m.out, "[%s] %s\n", m.now().UTC().Format(time.RFC3339), sent)

	ev := m.logger.Info().
		Dur("took", m.now().Sub(started)).
		Float64("value", sent.Value).
		Str("signal", sent.Signal)
	if sum != nil {
		ev = ev.Int("events_analyzed", sum.EventsAnalyzed).
			Int("posts_analyzed", sum.PostsAnalyzed)
	}
	ev.Msg("tick complete")
}
