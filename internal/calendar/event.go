// Package calendar scrapes economic calendar events from a rendered
// calendar page and normalizes them into UTC-stamped Event records.
package calendar

import (
	"sort"
	"time"
)

// Impact is the canonical event impact level.
type Impact string

const (
	ImpactHigh    Impact = "high"
	ImpactMedium  Impact = "medium"
	ImpactLow     Impact = "low"
	ImpactHoliday Impact = "holiday"
)

// Event is one scraped calendar row. Timestamp is always UTC.
// (Timestamp, Name, Currency) is the natural key used by the store.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Currency  string    `json:"currency"`
	Name      string    `json:"event_name"`
	Impact    Impact    `json:"impact"`
	Actual    string    `json:"actual,omitempty"`
	Forecast  string    `json:"forecast,omitempty"`
	Previous  string    `json:"previous,omitempty"`
	AllDay    bool      `json:"all_day,omitempty"`
	Tentative bool      `json:"tentative,omitempty"`
}

// Key returns the natural identity of the event.
func (e Event) Key() string {
	return e.Timestamp.UTC().Format(time.RFC3339) + "|" + e.Name + "|" + e.Currency
}

// Events is a scraped result set with the usual slice helpers.
type Events []Event

// SortByTime orders events by UTC timestamp ascending, in place,
// and returns the slice for chaining.
func (ev Events) SortByTime() Events {
	sort.SliceStable(ev, func(i, j int) bool {
		return ev[i].Timestamp.Before(ev[j].Timestamp)
	})
	return ev
}

// FilterByCurrencies returns the events whose currency is in the given set.
// An empty set returns the input unchanged.
func (ev Events) FilterByCurrencies(currencies ...string) Events {
	if len(currencies) == 0 {
		return ev
	}
	want := make(map[string]struct{}, len(currencies))
	for _, c := range currencies {
		want[c] = struct{}{}
	}
	out := make(Events, 0, len(ev))
	for _, e := range ev {
		if _, ok := want[e.Currency]; ok {
			out = append(out, e)
		}
	}
	return out
}

// Distinct removes duplicate events by natural key, keeping the first seen.
func (ev Events) Distinct() Events {
	seen := make(map[string]struct{}, len(ev))
	out := make(Events, 0, len(ev))
	for _, e := range ev {
		k := e.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, e)
	}
	return out
}

// FilterByDateRange returns events with from <= Timestamp < to.
func (ev Events) FilterByDateRange(from, to time.Time) Events {
	out := make(Events, 0, len(ev))
	for _, e := range ev {
		if !e.Timestamp.Before(from) && e.Timestamp.Before(to) {
			out = append(out, e)
		}
	}
	return out
}
