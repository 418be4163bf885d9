// Package analyze scores harvested events and posts with a multimodal
// LLM. Every Analyze call returns a Result; model, parsing and image
// failures degrade to a neutral score with the failure recorded in the
// result instead of an error.
package analyze

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/genai"

	"github.com/quantfoundry/marketmood/internal/config"
)

const defaultModel = "gemini-2.0-flash"

// generateFunc submits one prompt, with an optional inline image, and
// returns the model's text reply.
type generateFunc func(ctx context.Context, prompt string, img *imageData) (string, error)

// Analyzer scores events and posts. Safe for concurrent use; Batch
// methods fan out over a bounded worker pool.
type Analyzer struct {
	client  *genai.Client
	model   string
	tuning  config.AnalyzerTuning
	logger  zerolog.Logger
	images  *imageFetcher
	isImage func(string) bool

	generate   generateFunc
	fetchImage func(ctx context.Context, url string) (*imageData, error)
}

// NewAnalyzer builds an analyzer against the hosted model API. A missing
// API key is the one failure that surfaces at construction.
func NewAnalyzer(ctx context.Context, cfg config.LLMConfig, tuning config.AnalyzerTuning) (*Analyzer, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("analyze: LLM API key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("analyze: create model client: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}

	logger := log.With().Str("component", "analyze").Logger()
	a := &Analyzer{
		client:  client,
		model:   model,
		tuning:  tuning,
		logger:  logger,
		images:  newImageFetcher(tuning, logger),
		isImage: IsImageURL,
	}
	a.generate = a.generateContent
	a.fetchImage = a.images.fetch
	return a, nil
}

// AnalyzeEvent scores one economic event.
func (a *Analyzer) AnalyzeEvent(ctx context.Context, ev EventInput) Result {
	prompt := buildEventPrompt(ev)
	text, retries, err := a.generateWithRetry(ctx, prompt, nil)
	meta := Meta{Model: a.model, Retries: retries}
	if err != nil {
		a.logger.Warn().Err(err).Str("event", ev.Name).Msg("Event analysis failed")
		meta.FailureReason = err.Error()
		return Result{Raw: map[string]interface{}{"error": err.Error()}, Meta: meta}
	}
	return a.buildResult(text, meta, false)
}

// AnalyzePost scores one forum post. When the post links an image the
// image rides along on the request; a dead image switches to a fallback
// prompt that names the unavailable URL instead of silently analyzing
// an apparently text-only post.
func (a *Analyzer) AnalyzePost(ctx context.Context, post PostInput) Result {
	var img *imageData
	meta := Meta{Model: a.model}

	if a.isImage(post.URL) {
		var err error
		img, err = a.fetchImage(ctx, post.URL)
		if err != nil {
			meta.ImageDownloadFailed = true
			meta.FailureReason = err.Error()
		}
	}

	state := imageNone
	switch {
	case img != nil:
		state = imageAttached
	case meta.ImageDownloadFailed:
		state = imageUnavailable
	}
	prompt := buildPostPrompt(post, state)

	text, retries, err := a.generateWithRetry(ctx, prompt, img)
	meta.Retries = retries
	if err != nil {
		a.logger.Warn().Err(err).Str("title", post.Title).Msg("Post analysis failed")
		if meta.FailureReason == "" {
			meta.FailureReason = err.Error()
		}
		return Result{Raw: map[string]interface{}{"error": err.Error()}, Meta: meta}
	}

	result := a.buildResult(text, meta, true)

	// The model names the symbols it scored; the regex pass over the
	// post text widens the stored list without touching the scores.
	extracted := ExtractSymbols(post.Title + " " + post.Body)
	result.Symbols = mergeSymbols(result.Symbols, extracted)
	result.SymbolSentiments = filterSentiments(result.SymbolSentiments, result.Symbols)
	return result
}

// BatchEvents analyzes events on the worker pool. Output index i always
// holds the result for input index i and one bad item never aborts the
// rest.
func (a *Analyzer) BatchEvents(ctx context.Context, events []EventInput) []Result {
	results := make([]Result, len(events))
	a.runBatch(ctx, len(events), func(i int) {
		if err := ctx.Err(); err != nil {
			results[i] = a.cancelledResult(err)
			return
		}
		results[i] = a.AnalyzeEvent(ctx, events[i])
	})
	return results
}

// BatchPosts analyzes posts on the worker pool, preserving input order.
func (a *Analyzer) BatchPosts(ctx context.Context, posts []PostInput) []Result {
	results := make([]Result, len(posts))
	a.runBatch(ctx, len(posts), func(i int) {
		if err := ctx.Err(); err != nil {
			results[i] = a.cancelledResult(err)
			return
		}
		results[i] = a.AnalyzePost(ctx, posts[i])
	})
	return results
}

func (a *Analyzer) runBatch(ctx context.Context, n int, work func(int)) {
	if n == 0 {
		return
	}
	workers := a.tuning.Workers
	if workers <= 0 {
		workers = 1
	}
	if workers > n {
		workers = n
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				work(i)
			}
		}()
	}
	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
}

func (a *Analyzer) cancelledResult(err error) Result {
	return Result{
		Raw:  map[string]interface{}{"error": err.Error()},
		Meta: Meta{Model: a.model, FailureReason: err.Error()},
	}
}

// buildResult parses the reply text into a Result. The raw reply is
// always kept so stale or broken responses can be found and rescored
// later.
func (a *Analyzer) buildResult(text string, meta Meta, wantSymbols bool) Result {
	p := parseResponse(text)
	raw := map[string]interface{}{
		"text":  text,
		"model": a.model,
	}
	if p.Note != "" {
		raw["parse_note"] = p.Note
	}
	result := Result{
		Score:     p.Score,
		Reasoning: p.Reasoning,
		Raw:       raw,
		Meta:      meta,
	}
	if wantSymbols {
		result.Symbols = p.Symbols
		result.SymbolSentiments = p.SymbolSentiments
	}
	return result
}

// generateWithRetry runs one model call, retrying only quota and rate
// pressure. Other API errors fail straight through; retrying a schema
// or auth failure just burns quota.
func (a *Analyzer) generateWithRetry(ctx context.Context, prompt string, img *imageData) (string, int, error) {
	maxRetries := a.tuning.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	baseDelay := a.tuning.BaseDelay
	if baseDelay <= 0 {
		baseDelay = time.Second
	}

	retries := 0
	var text string
	err := retry.Do(
		func() error {
			got, err := a.generate(ctx, prompt, img)
			if err != nil {
				return err
			}
			text = got
			return nil
		},
		retry.Attempts(uint(maxRetries)+1),
		retry.Delay(baseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return isRateLimited(err) && ctx.Err() == nil
		}),
		retry.OnRetry(func(attempt uint, err error) {
			retries++
			a.logger.Warn().
				Uint("retry", attempt+1).
				Err(err).
				Msg("Model call rate limited, backing off")
		}),
	)
	return text, retries, err
}

// generateContent is the live model transport.
func (a *Analyzer) generateContent(ctx context.Context, prompt string, img *imageData) (string, error) {
	parts := []*genai.Part{genai.NewPartFromText(prompt)}
	if img != nil {
		parts = append(parts, genai.NewPartFromBytes(img.data, img.mime))
	}

	resp, err := a.client.Models.GenerateContent(
		ctx,
		a.model,
		[]*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)},
		nil,
	)
	if err != nil {
		return "", err
	}

	var text string
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if part.Text != "" {
				text = part.Text
			}
		}
	}
	if text == "" {
		return "", errors.New("model returned no text candidates")
	}
	return text, nil
}

// isRateLimited matches quota and throughput errors across the API's
// error spellings.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"429", "rate limit", "resource exhausted", "resource_exhausted", "quota"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
