package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfoundry/marketmood/internal/calendar"
	"github.com/quantfoundry/marketmood/internal/forum"
)

// newTestStore wires a Store onto a sqlmock connection.
func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	s := New(sqlx.NewDb(mockDB, "postgres"))
	return s, mock
}

var nfp = calendar.Event{
	Timestamp: time.Date(2024, time.June, 7, 12, 30, 0, 0, time.UTC),
	Currency:  "USD",
	Name:      "Non-Farm Payrolls",
	Impact:    calendar.ImpactHigh,
	Actual:    "272K",
	Forecast:  "180K",
	Previous:  "165K",
}

func TestStore_UpsertEvents(t *testing.T) {
	s, mock := newTestStore(t)

	cpi := calendar.Event{
		Timestamp: time.Date(2024, time.June, 12, 12, 30, 0, 0, time.UTC),
		Currency:  "USD",
		Name:      "CPI m/m",
		Impact:    calendar.ImpactHigh,
		Actual:    "0.0%",
		Forecast:  "0.1%",
		Previous:  "0.3%",
	}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO economic_events`)
	prep.ExpectExec().
		WithArgs(nfp.Timestamp, "USD", "Non-Farm Payrolls", "high", "272K", "180K", "165K", false).
		WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().
		WithArgs(cpi.Timestamp, "USD", "CPI m/m", "high", "0.0%", "0.1%", "0.3%", false).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	count, err := s.UpsertEvents(context.Background(), calendar.Events{nfp, cpi})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UpsertEvents_ConflictTargetIsNaturalKey(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`ON CONFLICT \(timestamp, event_name, currency\) DO UPDATE`)
	prep.ExpectExec().
		WithArgs(nfp.Timestamp, "USD", "Non-Farm Payrolls", "high", "272K", "180K", "165K", false).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	_, err := s.UpsertEvents(context.Background(), calendar.Events{nfp})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet(),
		"repeat runs must resolve on the natural key, in SQL, without surfacing conflicts")
}

func TestStore_UpsertEvents_BlankCellsStoredAsNull(t *testing.T) {
	s, mock := newTestStore(t)

	holiday := calendar.Event{
		Timestamp: time.Date(2024, time.December, 25, 0, 0, 0, 0, time.UTC),
		Currency:  "EUR",
		Name:      "Christmas Day",
		Impact:    calendar.ImpactHoliday,
		AllDay:    true,
	}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO economic_events`)
	prep.ExpectExec().
		WithArgs(holiday.Timestamp, "EUR", "Christmas Day", "holiday", nil, nil, nil, false).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	_, err := s.UpsertEvents(context.Background(), calendar.Events{holiday})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UpsertEvents_TentativeFlagPersisted(t *testing.T) {
	s, mock := newTestStore(t)

	tentative := nfp
	tentative.Tentative = true

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO economic_events`)
	prep.ExpectExec().
		WithArgs(nfp.Timestamp, "USD", "Non-Farm Payrolls", "high", "272K", "180K", "165K", true).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	_, err := s.UpsertEvents(context.Background(), calendar.Events{tentative})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UpsertEvents_Empty(t *testing.T) {
	s, mock := newTestStore(t)

	count, err := s.UpsertEvents(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.NoError(t, mock.ExpectationsWereMet(), "an empty batch must not open a transaction")
}

func TestStore_UpsertEvents_RollsBackOnError(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO economic_events`)
	prep.ExpectExec().
		WithArgs(nfp.Timestamp, "USD", "Non-Farm Payrolls", "high", "272K", "180K", "165K", false).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	count, err := s.UpsertEvents(context.Background(), calendar.Events{nfp})
	assert.Error(t, err)
	assert.Zero(t, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UpsertPosts(t *testing.T) {
	s, mock := newTestStore(t)

	created := time.Date(2024, time.June, 7, 9, 0, 0, 0, time.UTC)
	fetched := time.Date(2024, time.June, 7, 9, 5, 0, 0, time.UTC)
	post := forum.Post{
		ExternalID:  "1abcde",
		Channel:     "wallstreetbets",
		Title:       "NVDA earnings play",
		Body:        "all in",
		URL:         "https://i.redd.it/chart.png",
		Score:       512,
		NumComments: 77,
		Flair:       "YOLO",
		CreatedAt:   created,
		FetchedAt:   fetched,
	}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO forum_posts`)
	prep.ExpectExec().
		WithArgs("1abcde", "wallstreetbets", "NVDA earnings play", "all in",
			"https://i.redd.it/chart.png", 512, 77, "YOLO", created, fetched).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	count, err := s.UpsertPosts(context.Background(), []forum.Post{post})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UpsertPosts_DoesNotTouchSentimentColumns(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`ON CONFLICT \(external_id\) DO UPDATE`)
	prep.ExpectExec().
		WithArgs("1abcde", "stocks", "title", nil, nil, 1, 0, nil,
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	_, err := s.UpsertPosts(context.Background(), []forum.Post{{
		ExternalID: "1abcde", Channel: "stocks", Title: "title", Score: 1,
	}})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	// The upsert statement must never list the analysis columns, or a
	// re-harvest would wipe scores and break analyze idempotency.
	assert.NotContains(t, upsertPostSQL, "sentiment_score")
	assert.NotContains(t, upsertPostSQL, "symbol_sentiments")
}

func TestStore_UnscoredEvents(t *testing.T) {
	s, mock := newTestStore(t)

	rows := sqlmock.NewRows([]string{
		"id", "timestamp", "currency", "event_name", "impact", "actual", "forecast",
		"previous", "tentative", "sentiment_score", "raw_response", "created_at", "updated_at",
	}).AddRow(
		int64(7), nfp.Timestamp, "USD", "Non-Farm Payrolls", "high", "272K", "180K",
		"165K", false, nil, nil, nfp.Timestamp, nfp.Timestamp,
	)
	mock.ExpectQuery(`SELECT (.+) FROM economic_events\s+WHERE sentiment_score IS NULL\s+AND actual IS NOT NULL\s+AND impact <> 'holiday'`).
		WillReturnRows(rows)

	events, err := s.UnscoredEvents(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(7), events[0].ID)
	assert.Equal(t, "Non-Farm Payrolls", events[0].Name)
	assert.Equal(t, "272K", deref(events[0].Actual))
	assert.False(t, events[0].Scored())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UnscoredPosts(t *testing.T) {
	s, mock := newTestStore(t)

	ts := time.Date(2024, time.June, 7, 9, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"id", "external_id", "channel", "title", "body", "url", "score", "num_comments",
		"flair", "timestamp", "fetched_at", "symbols", "symbol_sentiments",
		"sentiment_score", "raw_response", "created_at", "updated_at",
	}).AddRow(
		int64(3), "1abcde", "stocks", "NVDA thread", nil, nil, 10, 2,
		nil, ts, ts, nil, nil,
		nil, nil, ts, ts,
	)
	mock.ExpectQuery(`SELECT (.+) FROM forum_posts\s+WHERE sentiment_score IS NULL`).
		WillReturnRows(rows)

	posts, err := s.UnscoredPosts(context.Background())
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, "1abcde", posts[0].ExternalID)
	assert.False(t, posts[0].Scored())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UpdateEventScore_ClampsOutOfRange(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec(`UPDATE economic_events\s+SET sentiment_score = \$2, raw_response = \$3, updated_at = NOW\(\)`).
		WithArgs(int64(7), 1.0, []byte(`{"text":"strong beat"}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpdateEventScore(context.Background(), 7, 1.7, map[string]interface{}{"text": "strong beat"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet(), "a 1.7 score must be stored as 1.0")
}

func TestStore_UpdateEventScore_NilRawStoresNull(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec(`UPDATE economic_events`).
		WithArgs(int64(7), -0.25, []byte(nil)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpdateEventScore(context.Background(), 7, -0.25, nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UpdateEventScore_MissingRow(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec(`UPDATE economic_events`).
		WithArgs(int64(99), 0.5, []byte(nil)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.UpdateEventScore(context.Background(), 99, 0.5, nil)
	assert.ErrorContains(t, err, "not found")
}

func TestStore_UpdatePostScore(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec(`UPDATE forum_posts\s+SET sentiment_score = \$2, symbols = \$3, symbol_sentiments = \$4, raw_response = \$5`).
		WithArgs(int64(3), 0.7,
			pq.StringArray{"NVDA", "AAPL", "BTC"},
			[]byte(`{"AAPL":-0.7,"BTC":0.3,"NVDA":0.9}`),
			[]byte(`{"model":"gemini-2.0-flash"}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpdatePostScore(context.Background(), 3, 0.7,
		[]string{"NVDA", "AAPL", "BTC"},
		map[string]float64{"NVDA": 0.9, "AAPL": -0.7, "BTC": 0.3},
		map[string]interface{}{"model": "gemini-2.0-flash"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UpdatePostScore_ClampsSymbolScores(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec(`UPDATE forum_posts`).
		WithArgs(int64(3), 1.0,
			pq.StringArray{"NVDA"},
			[]byte(`{"NVDA":1}`),
			[]byte(nil)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpdatePostScore(context.Background(), 3, 2.5,
		[]string{"NVDA"}, map[string]float64{"NVDA": 3.0}, nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet(),
		"per-symbol scores are clamped to [-1, 1] like the overall score")
}

func TestStore_EventsForCurrency(t *testing.T) {
	s, mock := newTestStore(t)

	since := time.Date(2024, time.May, 31, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"id", "timestamp", "currency", "event_name", "impact", "actual", "forecast",
		"previous", "tentative", "sentiment_score", "raw_response", "created_at", "updated_at",
	}).AddRow(
		int64(7), nfp.Timestamp, "USD", "Non-Farm Payrolls", "high", "272K", "180K",
		"165K", false, 0.8, []byte(`{"model":"m"}`), nfp.Timestamp, nfp.Timestamp,
	)
	mock.ExpectQuery(`SELECT (.+) FROM economic_events\s+WHERE currency = \$1\s+AND timestamp >= \$2\s+AND sentiment_score IS NOT NULL`).
		WithArgs("USD", since).
		WillReturnRows(rows)

	events, err := s.EventsForCurrency(context.Background(), "USD", since)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.True(t, events[0].Scored())
	assert.Equal(t, 0.8, *events[0].SentimentScore)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_DryRun_SingleTransactionRolledBack(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	// Both writes and the read ride the session transaction: no commit,
	// no nested begin.
	prep := mock.ExpectPrepare(`INSERT INTO economic_events`)
	prep.ExpectExec().
		WithArgs(nfp.Timestamp, "USD", "Non-Farm Payrolls", "high", "272K", "180K", "165K", false).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`SELECT (.+) FROM economic_events\s+WHERE sentiment_score IS NULL`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "timestamp", "currency", "event_name", "impact", "actual", "forecast",
			"previous", "tentative", "sentiment_score", "raw_response", "created_at", "updated_at",
		}).AddRow(
			int64(1), nfp.Timestamp, "USD", "Non-Farm Payrolls", "high", "272K", "180K",
			"165K", false, nil, nil, nfp.Timestamp, nfp.Timestamp,
		))
	mock.ExpectExec(`UPDATE economic_events`).
		WithArgs(int64(1), 0.8, []byte(nil)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	session, err := s.BeginDryRun(context.Background())
	require.NoError(t, err)
	require.True(t, session.InDryRun())
	assert.False(t, s.InDryRun(), "the parent store stays usable outside the session")

	count, err := session.UpsertEvents(context.Background(), calendar.Events{nfp})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	unscored, err := session.UnscoredEvents(context.Background())
	require.NoError(t, err)
	require.Len(t, unscored, 1, "the session must see its own uncommitted writes")

	require.NoError(t, session.UpdateEventScore(context.Background(), unscored[0].ID, 0.8, nil))
	require.NoError(t, session.Rollback())

	assert.ErrorIs(t, session.Rollback(), ErrNoSession)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_BeginDryRun_NestedRejected(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	session, err := s.BeginDryRun(context.Background())
	require.NoError(t, err)

	_, err = session.BeginDryRun(context.Background())
	assert.Error(t, err)

	require.NoError(t, session.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Rollback_WithoutSession(t *testing.T) {
	s, _ := newTestStore(t)
	assert.ErrorIs(t, s.Rollback(), ErrNoSession)
}
