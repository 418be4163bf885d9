package backfill

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpoint_SaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")

	cp := Checkpoint{}
	now := time.Date(2024, time.June, 7, 10, 0, 0, 0, time.UTC)
	cp.StartedAt = now
	cp.CompleteWeek(time.Date(2024, time.June, 3, 0, 0, 0, 0, time.UTC), now)
	cp.FailWeek(time.Date(2024, time.May, 27, 0, 0, 0, 0, time.UTC), now)

	require.NoError(t, cp.Save(path))

	got, err := LoadCheckpoint(path)
	require.NoError(t, err)
	assert.Equal(t, "2024-06-03", got.LastCompletedWeekAnchor)
	assert.Equal(t, []string{"2024-05-27"}, got.FailedWeeks)
	assert.True(t, got.StartedAt.Equal(now))

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "the temp file must be renamed away")
}

func TestLoadCheckpoint_MissingFileIsFreshStart(t *testing.T) {
	got, err := LoadCheckpoint(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, Checkpoint{}, got)

	_, ok := got.LastAnchor()
	assert.False(t, ok)
}

func TestLoadCheckpoint_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	require.NoError(t, os.WriteFile(path, []byte("{torn write"), 0o644))

	_, err := LoadCheckpoint(path)
	assert.ErrorContains(t, err, "parse checkpoint")
}

func TestCheckpoint_LastAnchor(t *testing.T) {
	anchor, ok := Checkpoint{LastCompletedWeekAnchor: "2024-06-03"}.LastAnchor()
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, time.June, 3, 0, 0, 0, 0, time.UTC), anchor)

	_, ok = Checkpoint{LastCompletedWeekAnchor: "June 3rd"}.LastAnchor()
	assert.False(t, ok, "an unreadable marker restarts rather than crashing")
}

func TestCheckpoint_FailWeekDeduplicates(t *testing.T) {
	now := time.Now()
	anchor := time.Date(2024, time.June, 10, 0, 0, 0, 0, time.UTC)

	cp := Checkpoint{}
	cp.FailWeek(anchor, now)
	cp.FailWeek(anchor, now)

	assert.Equal(t, []string{"2024-06-10"}, cp.FailedWeeks)
}
