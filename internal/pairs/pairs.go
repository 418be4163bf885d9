// Package pairs turns per-currency event scores into a directional
// sentiment for a currency pair: mean of the base side minus mean of
// the quote side over a lookback window, clamped to [-1, 1].
package pairs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantfoundry/marketmood/internal/store"
)

// DefaultLookback is the window scored events are averaged over when
// the caller does not pick one.
const DefaultLookback = 168 * time.Hour

// signalThreshold is the band edge separating a directional signal
// from Neutral.
const signalThreshold = 0.3

// Signal tags attached to a computed sentiment.
const (
	SignalBase    = "Favor base strength"
	SignalQuote   = "Favor quote strength"
	SignalNeutral = "Neutral"
)

// ErrBadPair reports a pair outside the supported set.
var ErrBadPair = errors.New("pairs: unsupported pair")

// supportedOrder fixes the evaluation and display order for AllPairs.
var supportedOrder = []string{
	"EURUSD", "GBPUSD", "USDJPY", "USDCHF", "AUDUSD",
	"USDCAD", "NZDUSD", "EURGBP", "EURJPY", "GBPJPY",
}

var supported = func() map[string]struct{} {
	m := make(map[string]struct{}, len(supportedOrder))
	for _, p := range supportedOrder {
		m[p] = struct{}{}
	}
	return m
}()

// Supported returns the supported pairs in canonical order.
func Supported() []string {
	out := make([]string, len(supportedOrder))
	copy(out, supportedOrder)
	return out
}

// Parse normalizes a pair token ("EURUSD", "eur/usd", "EUR-USD") and
// splits it into base and quote, or returns ErrBadPair.
func Parse(pair string) (base, quote string, err error) {
	p := strings.ToUpper(strings.TrimSpace(pair))
	p = strings.NewReplacer("/", "", "-", "", "_", "").Replace(p)
	if _, ok := supported[p]; !ok {
		return "", "", fmt.Errorf("%w: %q", ErrBadPair, pair)
	}
	return p[:3], p[3:], nil
}

// Sentiment is one computed pair reading.
type Sentiment struct {
	Pair       string        `json:"pair"`
	Base       string        `json:"base"`
	Quote      string        `json:"quote"`
	Value      float64       `json:"value"`
	BaseAvg    float64       `json:"base_avg"`
	BaseCount  int           `json:"base_count"`
	QuoteAvg   float64       `json:"quote_avg"`
	QuoteCount int           `json:"quote_count"`
	Lookback   time.Duration `json:"lookback"`
	Signal     string        `json:"signal"`
	ComputedAt time.Time     `json:"computed_at"`
}

// String renders the one-line form the CLI and monitor print.
func (s Sentiment) String() string {
	return fmt.Sprintf("%s/%s %+.4f  %s  (%s %+.4f over %d events, %s %+.4f over %d events, lookback %s)",
		s.Base, s.Quote, s.Value, s.Signal,
		s.Base, s.BaseAvg, s.BaseCount,
		s.Quote, s.QuoteAvg, s.QuoteCount,
		s.Lookback)
}

// EventSource serves scored events per currency; *store.Store
// satisfies it.
type EventSource interface {
	EventsForCurrency(ctx context.Context, currency string, since time.Time) ([]store.Event, error)
}

// Cache is an optional read-through store for computed sentiments.
// Implementations own their error handling; a failed lookup is a miss.
type Cache interface {
	Get(ctx context.Context, pair string, lookback time.Duration) (Sentiment, bool)
	Put(ctx context.Context, sentiment Sentiment)
}

// Aggregator computes pair sentiment from an event source.
type Aggregator struct {
	source EventSource
	cache  Cache
	now    func() time.Time
	logger zerolog.Logger
}

// New builds an aggregator over the given source.
func New(source EventSource) *Aggregator {
	return &Aggregator{
		source: source,
		now:    time.Now,
		logger: log.With().Str("component", "pairs").Logger(),
	}
}

// UseCache attaches a cache consulted before computing and updated
// after.
func (a *Aggregator) UseCache(c Cache) {
	a.cache = c
}

// Pair computes the sentiment for one pair over the lookback window.
// A lookback of zero or less means DefaultLookback. A side with no
// scored events contributes a neutral 0.0 average.
func (a *Aggregator) Pair(ctx context.Context, pair string, lookback time.Duration) (Sentiment, error) {
	base, quote, err := Parse(pair)
	if err != nil {
		return Sentiment{}, err
	}
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	canonical := base + quote

	if a.cache != nil {
		if cached, ok := a.cache.Get(ctx, canonical, lookback); ok {
			return cached, nil
		}
	}

	now := a.now().UTC()
	since := now.Add(-lookback)

	baseAvg, baseCount, err := a.sideAverage(ctx, base, since)
	if err != nil {
		return Sentiment{}, err
	}
	quoteAvg, quoteCount, err := a.sideAverage(ctx, quote, since)
	if err != nil {
		return Sentiment{}, err
	}

	value := clamp(baseAvg - quoteAvg)
	s := Sentiment{
		Pair:       canonical,
		Base:       base,
		Quote:      quote,
		Value:      value,
		BaseAvg:    baseAvg,
		BaseCount:  baseCount,
		QuoteAvg:   quoteAvg,
		QuoteCount: quoteCount,
		Lookback:   lookback,
		Signal:     signalFor(value),
		ComputedAt: now,
	}

	a.logger.Debug().
		Str("pair", canonical).
		Float64("value", value).
		Int("base_events", baseCount).
		Int("quote_events", quoteCount).
		Msg("pair sentiment computed")

	if a.cache != nil {
		a.cache.Put(ctx, s)
	}
	return s, nil
}

// AllPairs evaluates every supported pair in canonical order.
func (a *Aggregator) AllPairs(ctx context.Context, lookback time.Duration) ([]Sentiment, error) {
	out := make([]Sentiment, 0, len(supportedOrder))
	for _, p := range supportedOrder {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s, err := a.Pair(ctx, p, lookback)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (a *Aggregator) sideAverage(ctx context.Context, currency string, since time.Time) (float64, int, error) {
	events, err := a.source.EventsForCurrency(ctx, currency, since)
	if err != nil {
		return 0, 0, fmt.Errorf("pairs: load %s events: %w", currency, err)
	}
	sum := 0.0
	count := 0
	for _, ev := range events {
		if ev.SentimentScore == nil {
			continue
		}
		sum += *ev.SentimentScore
		count++
	}
	if count == 0 {
		return 0, 0, nil
	}
	return sum / float64(count), count, nil
}

func signalFor(value float64) string {
	switch {
	case value >= signalThreshold:
		return SignalBase
	case value <= -signalThreshold:
		return SignalQuote
	default:
		return SignalNeutral
	}
}

func clamp(v float64) float64 {
	if v > 1.0 {
		return 1.0
	}
	if v < -1.0 {
		return -1.0
	}
	return v
}
