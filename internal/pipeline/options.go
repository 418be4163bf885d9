package pipeline

import (
	"fmt"
	"strings"
)

// EventsPeriod selects the calendar scrape scope for a run.
type EventsPeriod string

const (
	EventsNone  EventsPeriod = ""
	EventsToday EventsPeriod = "today"
	EventsWeek  EventsPeriod = "week"
	EventsMonth EventsPeriod = "month"
)

// PostsSort selects the forum listing for a run.
type PostsSort string

const (
	PostsNone PostsSort = ""
	PostsHot  PostsSort = "hot"
	PostsNew  PostsSort = "new"
	PostsTop  PostsSort = "top"
)

// Options selects the phases of one pipeline run and their scope.
// The zero value does nothing; see HasWork.
type Options struct {
	// Events picks the calendar scrape period, EventsNone to skip.
	Events EventsPeriod
	// Posts picks the forum listing sort, PostsNone to skip.
	Posts PostsSort
	// TopWindow bounds the top listing (hour..all); empty means day.
	TopWindow string
	// Channels overrides the channels to fetch; empty means the
	// client's defaults.
	Channels []string
	// PostLimit bounds posts per channel; zero means the client's
	// default.
	PostLimit int
	// Currencies, when set, narrows scraped events to these currencies
	// before persisting. The monitor scopes runs to a pair this way.
	Currencies []string
	// Analyze scores unscored items after the harvest phases.
	Analyze bool
	// ReprocessModelErrors clears scores produced by stale models so
	// the analyze phase rescores them.
	ReprocessModelErrors bool
	// DryRun keeps every write in one transaction and rolls it back.
	DryRun bool
}

// ParseEventsPeriod maps a CLI token onto an EventsPeriod.
func ParseEventsPeriod(s string) (EventsPeriod, error) {
	switch EventsPeriod(strings.ToLower(strings.TrimSpace(s))) {
	case EventsNone, EventsPeriod("none"):
		return EventsNone, nil
	case EventsToday:
		return EventsToday, nil
	case EventsWeek:
		return EventsWeek, nil
	case EventsMonth:
		return EventsMonth, nil
	}
	return EventsNone, fmt.Errorf("unknown events period %q (want today, week or month)", s)
}

// ParsePostsSort maps a CLI token onto a PostsSort.
func ParsePostsSort(s string) (PostsSort, error) {
	switch PostsSort(strings.ToLower(strings.TrimSpace(s))) {
	case PostsNone, PostsSort("none"):
		return PostsNone, nil
	case PostsHot:
		return PostsHot, nil
	case PostsNew:
		return PostsNew, nil
	case PostsTop:
		return PostsTop, nil
	}
	return PostsNone, fmt.Errorf("unknown posts sort %q (want hot, new or top)", s)
}

// Validate rejects option combinations the run could not honor.
func (o Options) Validate() error {
	switch o.Events {
	case EventsNone, EventsToday, EventsWeek, EventsMonth:
	default:
		return fmt.Errorf("pipeline: unknown events period %q", o.Events)
	}
	switch o.Posts {
	case PostsNone, PostsHot, PostsNew, PostsTop:
	default:
		return fmt.Errorf("pipeline: unknown posts sort %q", o.Posts)
	}
	if o.TopWindow != "" && o.Posts != PostsTop {
		return fmt.Errorf("pipeline: top window set without top sort")
	}
	if o.PostLimit < 0 {
		return fmt.Errorf("pipeline: negative post limit %d", o.PostLimit)
	}
	return nil
}

// HasWork reports whether any phase would run.
func (o Options) HasWork() bool {
	return o.Events != EventsNone || o.Posts != PostsNone || o.Analyze || o.ReprocessModelErrors
}
