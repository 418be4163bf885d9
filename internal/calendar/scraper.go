package calendar

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/quantfoundry/marketmood/internal/config"
)

var (
	// ErrNetwork covers transient transport failures (timeouts, 5xx, 429).
	ErrNetwork = errors.New("calendar: network failure")
	// ErrPageStructure means the rendered page no longer matches the
	// expected calendar markup.
	ErrPageStructure = errors.New("calendar: unexpected page structure")
	// ErrBotChallenge means the page served challenge markup instead of
	// the calendar. Retried with backoff.
	ErrBotChallenge = errors.New("calendar: bot challenge")
	// ErrBlocked is a permanent 4xx refusal. Never retried.
	ErrBlocked = errors.New("calendar: request blocked")
)

// renderFunc loads a URL in the renderer and returns the final HTML and
// HTTP status of the main document. Injected in tests.
type renderFunc func(ctx context.Context, url string) (html string, status int, err error)

// Scraper fetches calendar pages through a headless browser and parses
// them into Events. One browser is created lazily and reused until Close.
// Not safe for concurrent use.
type Scraper struct {
	cfg     config.ScraperTuning
	logger  zerolog.Logger
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	render  renderFunc
	backoff func(attempt int) time.Duration

	mu           sync.Mutex
	browserCtx   context.Context
	cancelAlloc  context.CancelFunc
	cancelBrowse context.CancelFunc
}

// NewScraper builds a scraper from tuning. The browser is not started
// until the first scrape.
func NewScraper(tuning config.ScraperTuning) *Scraper {
	if tuning.MaxRetries < 0 {
		tuning.MaxRetries = 0
	}
	if tuning.BreakerFailures <= 0 {
		tuning.BreakerFailures = 4
	}
	s := &Scraper{
		cfg:     tuning,
		logger:  log.With().Str("component", "calendar").Logger(),
		limiter: rate.NewLimiter(rate.Every(tuning.MinDelay), 1),
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "calendar-page",
		MaxRequests: 1,
		Interval:    2 * time.Minute,
		Timeout:     5 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(tuning.BreakerFailures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit state changed")
		},
	})
	s.render = s.renderPage
	s.backoff = backoffDelay
	return s
}

// ScrapeWeek returns the events of the week containing date, ordered by
// UTC timestamp. The week page is addressed by its Monday anchor.
func (s *Scraper) ScrapeWeek(ctx context.Context, date time.Time) (Events, error) {
	anchor := WeekAnchor(date)
	return s.scrapeURL(ctx, weekURL(s.cfg.BaseURL, anchor), anchor)
}

// ScrapeDay returns the events of a single source-timezone calendar day.
func (s *Scraper) ScrapeDay(ctx context.Context, date time.Time) (Events, error) {
	return s.scrapeURL(ctx, dayURL(s.cfg.BaseURL, date), date)
}

// ScrapeMonth returns the events of the month containing date.
func (s *Scraper) ScrapeMonth(ctx context.Context, date time.Time) (Events, error) {
	anchor := time.Date(date.Year(), date.Month(), 1, 0, 0, 0, 0, date.Location())
	return s.scrapeURL(ctx, monthURL(s.cfg.BaseURL, date.Year(), date.Month()), anchor)
}

// Close shuts the browser down. Safe to call multiple times.
func (s *Scraper) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelBrowse != nil {
		s.cancelBrowse()
		s.cancelBrowse = nil
	}
	if s.cancelAlloc != nil {
		s.cancelAlloc()
		s.cancelAlloc = nil
	}
	s.browserCtx = nil
}

func (s *Scraper) scrapeURL(ctx context.Context, url string, anchor time.Time) (Events, error) {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := s.backoff(attempt)
			s.logger.Warn().
				Str("url", url).
				Int("attempt", attempt).
				Dur("backoff", delay).
				Err(lastErr).
				Msg("retrying page load")
			if err := sleepCtx(ctx, delay); err != nil {
				return nil, err
			}
		}
		if err := s.politeWait(ctx); err != nil {
			return nil, err
		}

		out, err := s.breaker.Execute(func() (interface{}, error) {
			return s.loadPage(ctx, url)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, ErrBlocked) {
				return nil, err
			}
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return nil, fmt.Errorf("%w: circuit open for %s", ErrNetwork, url)
			}
			lastErr = err
			continue
		}

		events, err := parsePage(out.(string), anchor, s.logger)
		if err != nil {
			return nil, err
		}
		s.logger.Debug().Str("url", url).Int("events", len(events)).Msg("page scraped")
		return events, nil
	}
	return nil, fmt.Errorf("scrape %s: retries exhausted: %w", url, lastErr)
}

func (s *Scraper) loadPage(ctx context.Context, url string) (string, error) {
	html, status, err := s.render(ctx, url)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	switch {
	case status == 429:
		return "", fmt.Errorf("%w: status 429", ErrNetwork)
	case status == 401 || status == 403 || status == 404:
		return "", fmt.Errorf("%w: status %d", ErrBlocked, status)
	case status >= 500:
		return "", fmt.Errorf("%w: status %d", ErrNetwork, status)
	}
	if isBotChallenge(html) {
		return "", ErrBotChallenge
	}
	return html, nil
}

// politeWait enforces the inter-request delay plus random jitter.
func (s *Scraper) politeWait(ctx context.Context) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	if s.cfg.MaxJitter > 0 {
		return sleepCtx(ctx, time.Duration(rand.Int63n(int64(s.cfg.MaxJitter))))
	}
	return nil
}

// renderPage is the chromedp-backed renderFunc.
func (s *Scraper) renderPage(ctx context.Context, url string) (string, int, error) {
	browser, err := s.ensureBrowser()
	if err != nil {
		return "", 0, err
	}

	runCtx, cancel := context.WithTimeout(browser, s.cfg.NavTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	resp, err := chromedp.RunResponse(runCtx, chromedp.Navigate(url))
	if err != nil {
		if ctx.Err() != nil {
			return "", 0, ctx.Err()
		}
		return "", 0, fmt.Errorf("navigate %s: %w", url, err)
	}
	status := 0
	if resp != nil {
		status = int(resp.Status)
	}

	var html string
	err = chromedp.Run(runCtx,
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			return "", status, ctx.Err()
		}
		return "", status, fmt.Errorf("render %s: %w", url, err)
	}
	return html, status, nil
}

// ensureBrowser lazily starts the exec allocator and browser tab.
func (s *Scraper) ensureBrowser() (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.browserCtx != nil {
		return s.browserCtx, nil
	}

	opts := chromedp.DefaultExecAllocatorOptions[:]
	if !s.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	opts = append(opts,
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.UserAgent(s.cfg.UserAgent),
	)

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, cancelBrowse := chromedp.NewContext(allocCtx)

	s.browserCtx = browserCtx
	s.cancelAlloc = cancelAlloc
	s.cancelBrowse = cancelBrowse
	s.logger.Info().Bool("headless", s.cfg.Headless).Msg("browser started")
	return browserCtx, nil
}

var challengeMarkers = []string{
	"just a moment",
	"checking your browser",
	"cf-browser-verification",
	"challenge-platform",
	"attention required",
}

func isBotChallenge(html string) bool {
	lower := strings.ToLower(html)
	for _, marker := range challengeMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// backoffDelay is 2^attempt seconds capped at one minute.
func backoffDelay(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > time.Minute {
		return time.Minute
	}
	return d
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
