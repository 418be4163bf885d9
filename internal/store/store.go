// Package store persists harvested events and posts in postgres and
// serves the queries the analyze and aggregation phases run on them.
// All writes are upserts on the entities' natural keys, so repeated
// harvests of the same period never duplicate rows.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantfoundry/marketmood/internal/calendar"
	"github.com/quantfoundry/marketmood/internal/config"
	"github.com/quantfoundry/marketmood/internal/forum"
)

const defaultTimeout = 30 * time.Second

// ErrNoSession is returned by Rollback on a store that is not a
// dry-run session.
var ErrNoSession = errors.New("store: not a dry-run session")

// Store is the persistence layer over a bounded postgres pool. The
// zero-tx form commits each write call in its own transaction; a
// dry-run session from BeginDryRun rides one transaction that is
// always rolled back.
type Store struct {
	db      *sqlx.DB
	tx      *sqlx.Tx
	timeout time.Duration
	logger  zerolog.Logger
}

// Open connects to postgres with the configured pool bounds and
// verifies the connection.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns())
	db.SetMaxIdleConns(cfg.PoolSize)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db), nil
}

// New wraps an existing connection pool.
func New(db *sqlx.DB) *Store {
	return &Store{
		db:      db,
		timeout: defaultTimeout,
		logger:  log.With().Str("component", "store").Logger(),
	}
}

// Close releases the pool. Dry-run sessions must not close the shared
// pool; roll them back instead.
func (s *Store) Close() error {
	if s.tx != nil {
		return s.Rollback()
	}
	return s.db.Close()
}

// BeginDryRun opens a session whose writes all ride one transaction.
// The session sees its own uncommitted rows, so a dry-run pipeline can
// scrape and then analyze what it scraped; Rollback discards the lot.
func (s *Store) BeginDryRun(ctx context.Context) (*Store, error) {
	if s.tx != nil {
		return nil, errors.New("store: already in a dry-run session")
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin dry-run: %w", err)
	}
	return &Store{
		db:      s.db,
		tx:      tx,
		timeout: s.timeout,
		logger:  s.logger.With().Bool("dry_run", true).Logger(),
	}, nil
}

// Rollback discards a dry-run session.
func (s *Store) Rollback() error {
	if s.tx == nil {
		return ErrNoSession
	}
	err := s.tx.Rollback()
	s.tx = nil
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("store: rollback dry-run: %w", err)
	}
	s.logger.Info().Msg("dry-run session rolled back")
	return nil
}

// InDryRun reports whether this store is a rollback-only session.
func (s *Store) InDryRun() bool {
	return s.tx != nil
}

// q is the query target: the session transaction when present,
// otherwise the pool.
func (s *Store) q() sqlx.ExtContext {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// withTx runs fn in the session transaction when one exists, otherwise
// in a fresh per-call transaction that commits on success.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

const upsertEventSQL = `
	INSERT INTO economic_events
		(timestamp, currency, event_name, impact, actual, forecast, previous, tentative, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
	ON CONFLICT (timestamp, event_name, currency) DO UPDATE SET
		impact = EXCLUDED.impact,
		actual = EXCLUDED.actual,
		forecast = EXCLUDED.forecast,
		previous = EXCLUDED.previous,
		tentative = EXCLUDED.tentative,
		updated_at = NOW()`

// UpsertEvents writes scraped events, matching on the natural key
// (timestamp, event_name, currency). Existing rows get their non-key
// columns and updated_at refreshed; scores are never touched here, so
// re-harvesting a period cannot unscore it. One transaction per call.
func (s *Store) UpsertEvents(ctx context.Context, events calendar.Events) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	count := 0
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		stmt, err := tx.PrepareContext(ctx, upsertEventSQL)
		if err != nil {
			return fmt.Errorf("prepare event upsert: %w", err)
		}
		defer stmt.Close()

		for _, ev := range events {
			if _, err := stmt.ExecContext(ctx, eventArgs(ev)...); err != nil {
				return fmt.Errorf("upsert event %q: %w", ev.Name, describePqErr(err))
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.logger.Debug().Int("count", count).Msg("events upserted")
	return count, nil
}

const upsertPostSQL = `
	INSERT INTO forum_posts
		(external_id, channel, title, body, url, score, num_comments, flair, timestamp, fetched_at, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
	ON CONFLICT (external_id) DO UPDATE SET
		channel = EXCLUDED.channel,
		title = EXCLUDED.title,
		body = EXCLUDED.body,
		url = EXCLUDED.url,
		score = EXCLUDED.score,
		num_comments = EXCLUDED.num_comments,
		flair = EXCLUDED.flair,
		fetched_at = EXCLUDED.fetched_at,
		updated_at = NOW()`

// UpsertPosts writes fetched posts, matching on external_id. Sentiment
// columns are left alone so refreshed listings never clear scores.
func (s *Store) UpsertPosts(ctx context.Context, posts []forum.Post) (int, error) {
	if len(posts) == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	count := 0
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		stmt, err := tx.PrepareContext(ctx, upsertPostSQL)
		if err != nil {
			return fmt.Errorf("prepare post upsert: %w", err)
		}
		defer stmt.Close()

		for _, p := range posts {
			if _, err := stmt.ExecContext(ctx, postArgs(p)...); err != nil {
				return fmt.Errorf("upsert post %s: %w", p.ExternalID, describePqErr(err))
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.logger.Debug().Int("count", count).Msg("posts upserted")
	return count, nil
}

const eventColumns = `id, timestamp, currency, event_name, impact, actual, forecast, previous,
		tentative, sentiment_score, raw_response, created_at, updated_at`

// UnscoredEvents returns the events awaiting analysis: no score yet,
// an actual value to reason about, and not a holiday row.
func (s *Store) UnscoredEvents(ctx context.Context) ([]Event, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT ` + eventColumns + `
		FROM economic_events
		WHERE sentiment_score IS NULL
		  AND actual IS NOT NULL
		  AND impact <> 'holiday'
		ORDER BY timestamp ASC`

	var events []Event
	if err := sqlx.SelectContext(ctx, s.q(), &events, query); err != nil {
		return nil, fmt.Errorf("query unscored events: %w", err)
	}
	return events, nil
}

const postColumns = `id, external_id, channel, title, body, url, score, num_comments, flair,
		timestamp, fetched_at, symbols, symbol_sentiments, sentiment_score, raw_response,
		created_at, updated_at`

// UnscoredPosts returns the posts awaiting analysis.
func (s *Store) UnscoredPosts(ctx context.Context) ([]Post, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT ` + postColumns + `
		FROM forum_posts
		WHERE sentiment_score IS NULL
		ORDER BY timestamp ASC`

	var posts []Post
	if err := sqlx.SelectContext(ctx, s.q(), &posts, query); err != nil {
		return nil, fmt.Errorf("query unscored posts: %w", err)
	}
	return posts, nil
}

// UpdateEventScore writes one event's analysis outcome. The score is
// clamped to [-1, 1]; raw is the analyzer's reply payload.
func (s *Store) UpdateEventScore(ctx context.Context, id int64, score float64, raw map[string]interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rawJSON, err := marshalRaw(raw)
	if err != nil {
		return fmt.Errorf("marshal raw response: %w", err)
	}

	query := `
		UPDATE economic_events
		SET sentiment_score = $2, raw_response = $3, updated_at = NOW()
		WHERE id = $1`
	res, err := s.q().ExecContext(ctx, query, id, clampScore(score), rawJSON)
	if err != nil {
		return fmt.Errorf("update event %d score: %w", id, err)
	}
	return requireOneRow(res, "event", id)
}

// UpdatePostScore writes one post's analysis outcome: overall score,
// the symbol list, per-symbol scores and the raw reply.
func (s *Store) UpdatePostScore(ctx context.Context, id int64, score float64, symbols []string, symbolSentiments map[string]float64, raw map[string]interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rawJSON, err := marshalRaw(raw)
	if err != nil {
		return fmt.Errorf("marshal raw response: %w", err)
	}
	var sentimentsJSON []byte
	if len(symbolSentiments) > 0 {
		clamped := make(map[string]float64, len(symbolSentiments))
		for k, v := range symbolSentiments {
			clamped[k] = clampScore(v)
		}
		if sentimentsJSON, err = marshalRaw(mapToInterface(clamped)); err != nil {
			return fmt.Errorf("marshal symbol sentiments: %w", err)
		}
	}

	query := `
		UPDATE forum_posts
		SET sentiment_score = $2, symbols = $3, symbol_sentiments = $4, raw_response = $5, updated_at = NOW()
		WHERE id = $1`
	res, err := s.q().ExecContext(ctx, query, id, clampScore(score), pq.StringArray(symbols), sentimentsJSON, rawJSON)
	if err != nil {
		return fmt.Errorf("update post %d score: %w", id, err)
	}
	return requireOneRow(res, "post", id)
}

// EventsForCurrency returns the scored events for one currency since
// the given instant, newest first. The aggregator averages these.
func (s *Store) EventsForCurrency(ctx context.Context, currency string, since time.Time) ([]Event, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT ` + eventColumns + `
		FROM economic_events
		WHERE currency = $1
		  AND timestamp >= $2
		  AND sentiment_score IS NOT NULL
		ORDER BY timestamp DESC`

	var events []Event
	if err := sqlx.SelectContext(ctx, s.q(), &events, query, currency, since.UTC()); err != nil {
		return nil, fmt.Errorf("query events for %s: %w", currency, err)
	}
	return events, nil
}

func mapToInterface(m map[string]float64) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func requireOneRow(res sql.Result, kind string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return nil // driver cannot report; assume the update landed
	}
	if n == 0 {
		return fmt.Errorf("%s %d not found", kind, id)
	}
	return nil
}

// describePqErr annotates postgres error codes that warrant special
// reading. Natural-key conflicts are resolved in SQL by the ON CONFLICT
// clause; a 23505 here means some other unique index fired.
func describePqErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("unexpected unique violation on %s: %w", pqErr.Constraint, err)
	}
	return err
}
