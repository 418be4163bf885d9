// Package backfill drives the calendar scraper over a historical date
// range, one week at a time, checkpointing progress so an interrupted
// run resumes where it stopped.
package backfill

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// anchorLayout is the ISO date form week anchors take in the
// checkpoint file.
const anchorLayout = "2006-01-02"

// Checkpoint is the persisted progress of a backfill. Anchors are
// Monday dates in ISO form.
type Checkpoint struct {
	LastCompletedWeekAnchor string    `json:"last_completed_week_anchor,omitempty"`
	FailedWeeks             []string  `json:"failed_weeks,omitempty"`
	StartedAt               time.Time `json:"started_at,omitempty"`
	UpdatedAt               time.Time `json:"updated_at,omitempty"`
}

// LastAnchor parses the completed-week marker. ok is false when the
// checkpoint is fresh or the marker is unreadable.
func (c Checkpoint) LastAnchor() (time.Time, bool) {
	if c.LastCompletedWeekAnchor == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(anchorLayout, c.LastCompletedWeekAnchor)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// CompleteWeek records a finished week.
func (c *Checkpoint) CompleteWeek(anchor, now time.Time) {
	c.LastCompletedWeekAnchor = anchor.Format(anchorLayout)
	c.UpdatedAt = now.UTC()
}

// FailWeek records a week whose retries were exhausted. Recording the
// same week twice keeps one entry.
func (c *Checkpoint) FailWeek(anchor, now time.Time) {
	day := anchor.Format(anchorLayout)
	for _, w := range c.FailedWeeks {
		if w == day {
			return
		}
	}
	c.FailedWeeks = append(c.FailedWeeks, day)
	c.UpdatedAt = now.UTC()
}

// LoadCheckpoint reads the checkpoint file. A missing file is a fresh
// start, not an error.
func LoadCheckpoint(path string) (Checkpoint, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Checkpoint{}, nil
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("backfill: read checkpoint %s: %w", path, err)
	}
	var c Checkpoint
	if err := json.Unmarshal(raw, &c); err != nil {
		return Checkpoint{}, fmt.Errorf("backfill: parse checkpoint %s: %w", path, err)
	}
	return c, nil
}

// Save writes the checkpoint atomically: full write to a sibling temp
// file, then rename, so a crash never leaves a torn file behind.
func (c Checkpoint) Save(path string) error {
	raw, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("backfill: encode checkpoint: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("backfill: write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("backfill: replace checkpoint: %w", err)
	}
	return nil
}
