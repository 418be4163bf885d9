package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// SearchSymbolSentiment aggregates scored posts that list the symbol:
// how many there are, their average overall score, the average of the
// symbol's own per-post score where the model provided one, and the
// newest post time.
func (s *Store) SearchSymbolSentiment(ctx context.Context, symbol string) (SymbolSentiment, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return SymbolSentiment{}, fmt.Errorf("store: empty symbol")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT
			COUNT(*) AS post_count,
			COALESCE(AVG(sentiment_score), 0) AS avg_score,
			COALESCE(AVG((symbol_sentiments ->> $1)::double precision), 0) AS symbol_score,
			MAX(timestamp) AS latest
		FROM forum_posts
		WHERE $1 = ANY(symbols)
		  AND sentiment_score IS NOT NULL`

	result := SymbolSentiment{Symbol: symbol}
	if err := sqlx.GetContext(ctx, s.q(), &result, query, symbol); err != nil {
		return SymbolSentiment{}, fmt.Errorf("search symbol %s: %w", symbol, err)
	}
	return result, nil
}

// EventsWithModelErrors returns scored events whose raw reply error or
// model name matches any pattern (case-insensitive substring). These
// are candidates for rescoring after a model retirement.
func (s *Store) EventsWithModelErrors(ctx context.Context, patterns []string) ([]Event, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT ` + eventColumns + `
		FROM economic_events
		WHERE sentiment_score IS NOT NULL
		  AND (raw_response ->> 'error' ILIKE ANY($1)
		    OR raw_response ->> 'model' ILIKE ANY($1))
		ORDER BY timestamp ASC`

	var events []Event
	if err := sqlx.SelectContext(ctx, s.q(), &events, query, likePatterns(patterns)); err != nil {
		return nil, fmt.Errorf("query events with model errors: %w", err)
	}
	return events, nil
}

// PostsWithModelErrors is the post-side counterpart of
// EventsWithModelErrors.
func (s *Store) PostsWithModelErrors(ctx context.Context, patterns []string) ([]Post, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT ` + postColumns + `
		FROM forum_posts
		WHERE sentiment_score IS NOT NULL
		  AND (raw_response ->> 'error' ILIKE ANY($1)
		    OR raw_response ->> 'model' ILIKE ANY($1))
		ORDER BY timestamp ASC`

	var posts []Post
	if err := sqlx.SelectContext(ctx, s.q(), &posts, query, likePatterns(patterns)); err != nil {
		return nil, fmt.Errorf("query posts with model errors: %w", err)
	}
	return posts, nil
}

// ClearEventScore resets one event to unscored so the next analyze
// pass picks it up again.
func (s *Store) ClearEventScore(ctx context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		UPDATE economic_events
		SET sentiment_score = NULL, raw_response = NULL, updated_at = NOW()
		WHERE id = $1`
	res, err := s.q().ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("clear event %d score: %w", id, err)
	}
	return requireOneRow(res, "event", id)
}

// ClearPostScore resets one post to unscored, dropping its symbol
// scores along with the overall score.
func (s *Store) ClearPostScore(ctx context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		UPDATE forum_posts
		SET sentiment_score = NULL, symbol_sentiments = NULL, raw_response = NULL, updated_at = NOW()
		WHERE id = $1`
	res, err := s.q().ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("clear post %d score: %w", id, err)
	}
	return requireOneRow(res, "post", id)
}

// likePatterns wraps raw substrings for ILIKE ANY matching.
func likePatterns(patterns []string) pq.StringArray {
	wrapped := make(pq.StringArray, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		wrapped = append(wrapped, "%"+p+"%")
	}
	return wrapped
}
