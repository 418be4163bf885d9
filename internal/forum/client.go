package forum

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/quantfoundry/marketmood/internal/config"
)

const (
	tokenURL = "https://www.reddit.com/api/v1/access_token"
	apiBase  = "https://oauth.reddit.com"

	requestTimeout = 15 * time.Second
)

var (
	// ErrAuth marks credential failures. Callers must not retry these.
	ErrAuth = errors.New("forum: authentication failed")
	// ErrTransient marks request failures worth retrying on a later run.
	ErrTransient = errors.New("forum: transient request failure")
)

// topWindows are the listing windows the API accepts for top sorting.
var topWindows = map[string]bool{
	"hour":  true,
	"day":   true,
	"week":  true,
	"month": true,
	"year":  true,
	"all":   true,
}

// Client reads channel listings with OAuth client credentials. The API
// allows 60 requests per minute per client, enforced here so bursts of
// channels never draw throttling responses.
type Client struct {
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
	base    string
	now     func() time.Time
}

// NewClient builds an authenticated client. It fails fast when
// credentials are missing rather than surfacing a 401 per channel later.
func NewClient(cfg config.ForumConfig) (*Client, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("%w: client id and secret are required", ErrAuth)
	}

	agent := cfg.UserAgent
	if agent == "" {
		agent = "marketmood/0.1"
	}

	// The token endpoint rejects default library agents, so the custom
	// agent has to ride on the token request as well as listing calls.
	base := &http.Client{
		Transport: &agentTransport{base: http.DefaultTransport, agent: agent},
		Timeout:   requestTimeout,
	}
	creds := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	httpClient := creds.Client(ctx)
	httpClient.Timeout = requestTimeout

	c := &Client{
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Every(time.Minute/60), 5),
		logger:  log.With().Str("component", "forum").Logger(),
		base:    apiBase,
		now:     time.Now,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "forum-api",
		MaxRequests: 1,
		Interval:    2 * time.Minute,
		Timeout:     5 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state change")
		},
	})
	return c, nil
}

// FetchHot returns the hot listing for each channel.
func (c *Client) FetchHot(ctx context.Context, channels []string, limit int) ([]Post, error) {
	return c.fetch(ctx, channels, "hot", "", limit)
}

// FetchNew returns the newest posts for each channel.
func (c *Client) FetchNew(ctx context.Context, channels []string, limit int) ([]Post, error) {
	return c.fetch(ctx, channels, "new", "", limit)
}

// FetchTop returns the top posts for each channel within window
// (hour, day, week, month, year or all). Unknown windows fall back to day.
func (c *Client) FetchTop(ctx context.Context, channels []string, window string, limit int) ([]Post, error) {
	if !topWindows[window] {
		if window != "" {
			c.logger.Warn().Str("window", window).Msg("Unknown top window, using day")
		}
		window = "day"
	}
	return c.fetch(ctx, channels, "top", window, limit)
}

// fetch walks the channel list. A failing channel is logged and skipped
// so one bad channel cannot starve the rest of the harvest; auth errors
// and caller cancellation abort the whole walk.
func (c *Client) fetch(ctx context.Context, channels []string, sort, window string, limit int) ([]Post, error) {
	if len(channels) == 0 {
		channels = DefaultChannels
	}
	if limit <= 0 {
		limit = DefaultPostLimit
	}

	var (
		posts   []Post
		lastErr error
	)
	for _, channel := range channels {
		got, err := c.fetchChannel(ctx, channel, sort, window, limit)
		if err != nil {
			if errors.Is(err, ErrAuth) {
				return posts, err
			}
			if ctx.Err() != nil {
				return posts, ctx.Err()
			}
			lastErr = err
			c.logger.Warn().Err(err).
				Str("channel", channel).
				Str("sort", sort).
				Msg("Channel fetch failed, continuing")
			continue
		}
		posts = append(posts, got...)
	}
	if len(posts) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return posts, nil
}

func (c *Client) fetchChannel(ctx context.Context, channel, sort, window string, limit int) ([]Post, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/r/%s/%s?limit=%d&raw_json=1", c.base, channel, sort, limit)
	if window != "" {
		url += "&t=" + window
	}

	body, err := c.breaker.Execute(func() (interface{}, error) {
		return c.get(ctx, url)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit open for %s", ErrTransient, channel)
		}
		return nil, err
	}

	var envelope listingEnvelope
	if err := json.Unmarshal(body.([]byte), &envelope); err != nil {
		return nil, fmt.Errorf("%w: decode listing for %s: %v", ErrTransient, channel, err)
	}

	fetchedAt := c.now().UTC()
	posts := make([]Post, 0, len(envelope.Data.Children))
	for _, child := range envelope.Data.Children {
		posts = append(posts, child.Data.toPost(fetchedAt))
	}
	c.logger.Debug().
		Str("channel", channel).
		Str("sort", sort).
		Int("posts", len(posts)).
		Msg("Fetched channel listing")
	return posts, nil
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrTransient, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// The token source surfaces bad credentials as a RetrieveError
		// on the first authenticated call.
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return nil, fmt.Errorf("%w: token request rejected: %v", ErrAuth, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d from %s", ErrAuth, resp.StatusCode, url)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d from %s", ErrTransient, resp.StatusCode, url)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: unexpected status %d from %s", ErrTransient, resp.StatusCode, url)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrTransient, err)
	}
	return body, nil
}

// agentTransport stamps the configured user agent on every request.
type agentTransport struct {
	base  http.RoundTripper
	agent string
}

func (t *agentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", t.agent)
	return t.base.RoundTrip(clone)
}
