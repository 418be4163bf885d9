package store

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/quantfoundry/marketmood/internal/calendar"
	"github.com/quantfoundry/marketmood/internal/forum"
)

// Event is one persisted economic calendar row. The natural key is
// (Timestamp, Name, Currency); ID is the synthetic store identity.
//
// Expected table shape (economic_events): unique (timestamp, event_name,
// currency); indexes on timestamp desc, currency, impact, (timestamp,
// currency) and event_name.
type Event struct {
	ID             int64     `db:"id"`
	Timestamp      time.Time `db:"timestamp"`
	Currency       string    `db:"currency"`
	Name           string    `db:"event_name"`
	Impact         string    `db:"impact"`
	Actual         *string   `db:"actual"`
	Forecast       *string   `db:"forecast"`
	Previous       *string   `db:"previous"`
	Tentative      bool      `db:"tentative"`
	SentimentScore *float64  `db:"sentiment_score"`
	RawResponse    []byte    `db:"raw_response"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// Scored reports whether the analyze phase has filled the score.
func (e Event) Scored() bool {
	return e.SentimentScore != nil
}

// Post is one persisted forum submission, keyed by the source's
// globally unique external id.
//
// Expected table shape (forum_posts): unique external_id; indexes on
// channel, timestamp desc, (channel, timestamp desc), score desc,
// fetched_at and a GIN index on symbols for containment queries.
type Post struct {
	ID               int64          `db:"id"`
	ExternalID       string         `db:"external_id"`
	Channel          string         `db:"channel"`
	Title            string         `db:"title"`
	Body             *string        `db:"body"`
	URL              *string        `db:"url"`
	Score            int            `db:"score"`
	NumComments      int            `db:"num_comments"`
	Flair            *string        `db:"flair"`
	Timestamp        time.Time      `db:"timestamp"`
	FetchedAt        time.Time      `db:"fetched_at"`
	Symbols          pq.StringArray `db:"symbols"`
	SymbolSentiments []byte         `db:"symbol_sentiments"`
	SentimentScore   *float64       `db:"sentiment_score"`
	RawResponse      []byte         `db:"raw_response"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

// Scored reports whether the analyze phase has filled the score.
func (p Post) Scored() bool {
	return p.SentimentScore != nil
}

// SentimentBySymbol decodes the per-symbol score mapping. A post with
// no mapping yields nil.
func (p Post) SentimentBySymbol() (map[string]float64, error) {
	if len(p.SymbolSentiments) == 0 {
		return nil, nil
	}
	var m map[string]float64
	if err := json.Unmarshal(p.SymbolSentiments, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// SymbolSentiment aggregates scored posts mentioning one symbol.
type SymbolSentiment struct {
	Symbol      string     `db:"-"`
	PostCount   int        `db:"post_count"`
	AvgScore    float64    `db:"avg_score"`
	SymbolScore float64    `db:"symbol_score"`
	Latest      *time.Time `db:"latest"`
}

// nullable converts a source string to its stored form: blank values
// become SQL NULL so "no data" and "empty cell" collapse to one shape.
func nullable(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// clampScore pins a sentiment score to [-1, 1] at write time.
func clampScore(s float64) float64 {
	if s > 1.0 {
		return 1.0
	}
	if s < -1.0 {
		return -1.0
	}
	return s
}

// eventArgs flattens a scraped event into upsert parameters, normalizing
// the impact token to lowercase and blank cells to NULL.
func eventArgs(ev calendar.Event) []interface{} {
	return []interface{}{
		ev.Timestamp.UTC(),
		ev.Currency,
		ev.Name,
		strings.ToLower(string(ev.Impact)),
		nullable(ev.Actual),
		nullable(ev.Forecast),
		nullable(ev.Previous),
		ev.Tentative,
	}
}

// postArgs flattens a fetched post into upsert parameters.
func postArgs(p forum.Post) []interface{} {
	return []interface{}{
		p.ExternalID,
		p.Channel,
		p.Title,
		nullable(p.Body),
		nullable(p.URL),
		p.Score,
		p.NumComments,
		nullable(p.Flair),
		p.CreatedAt.UTC(),
		p.FetchedAt.UTC(),
	}
}

// marshalRaw encodes the analyzer's raw payload for the JSONB column.
// A nil map stores NULL rather than an empty object.
func marshalRaw(raw map[string]interface{}) ([]byte, error) {
	if raw == nil {
		return nil, nil
	}
	return json.Marshal(raw)
}
