package calendar

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// The source renders all times in US Eastern Time, which alternates
// between EST (UTC-5) and EDT (UTC-4).
var eastern = func() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		panic("calendar: load America/New_York: " + err.Error())
	}
	return loc
}()

var monthAbbrevs = []string{
	"jan", "feb", "mar", "apr", "may", "jun",
	"jul", "aug", "sep", "oct", "nov", "dec",
}

// timeKind classifies a parsed time cell.
type timeKind int

const (
	timeClock timeKind = iota
	timeAllDay
	timeTentative
	timeUnknown
)

var clockRe = regexp.MustCompile(`^(\d{1,2}):(\d{2})(am|pm)$`)

// parseCellTime parses a time cell like "8:30am", "All Day" or "Tentative".
// For clock times it returns the 24h hour and minute; sentinels and
// unparseable values return 00:00 with the matching kind.
func parseCellTime(s string) (hour, minute int, kind timeKind) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "":
		return 0, 0, timeUnknown
	case "tentative":
		return 0, 0, timeTentative
	case "all day":
		return 0, 0, timeAllDay
	}

	m := clockRe.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, timeUnknown
	}
	hour, _ = strconv.Atoi(m[1])
	minute, _ = strconv.Atoi(m[2])
	if m[3] == "am" {
		if hour == 12 {
			hour = 0
		}
	} else if hour != 12 {
		hour += 12
	}
	return hour, minute, timeClock
}

var (
	// No leading \b: the rendered weekday and month spans can collapse
	// into one word ("MonNov 25").
	cellDateRe = regexp.MustCompile(`(?i)(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\s*(\d{1,2})\b`)
	cellYearRe = regexp.MustCompile(`,\s*(\d{4})\s*$`)
)

// parseCellDate parses a date cell like "Mon Nov 25", "MonNov 25" (the
// rendered spans may collapse without a space) or "Nov 25, 2025".
// year supplies the missing year when the cell has none.
func parseCellDate(s string, year int) (time.Time, error) {
	s = strings.Join(strings.Fields(s), " ")
	if m := cellYearRe.FindStringSubmatch(s); m != nil {
		year, _ = strconv.Atoi(m[1])
		s = strings.TrimSpace(s[:len(s)-len(m[0])])
	}

	m := cellDateRe.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, fmt.Errorf("unparseable date cell %q", s)
	}
	month := 0
	for i, abbr := range monthAbbrevs {
		if strings.ToLower(m[1]) == abbr {
			month = i + 1
			break
		}
	}
	day, _ := strconv.Atoi(m[2])

	d := time.Date(year, time.Month(month), day, 0, 0, 0, 0, eastern)
	if d.Day() != day || d.Month() != time.Month(month) {
		return time.Time{}, fmt.Errorf("invalid date cell %q", s)
	}
	return d, nil
}

// adjustYear moves a parsed date into the scraped period's year when the
// page spans a year boundary (a late-December week showing January rows).
func adjustYear(d, anchor time.Time) time.Time {
	switch {
	case d.Month() == time.January && anchor.Month() == time.December:
		return d.AddDate(1, 0, 0)
	case d.Month() == time.December && anchor.Month() == time.January:
		return d.AddDate(-1, 0, 0)
	}
	return d
}

// etToUTC builds the UTC instant for a source-local date and clock time.
// Ambiguous fall-back local times resolve to the first occurrence.
func etToUTC(day time.Time, hour, minute int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, eastern).UTC()
}

// WeekAnchor returns the Monday of d's calendar week, the unit of weekly
// scrape URLs and backfill progress.
func WeekAnchor(d time.Time) time.Time {
	delta := (int(d.Weekday()) + 6) % 7
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, d.Location()).AddDate(0, 0, -delta)
}

// weekURL renders the week page URL, e.g. "…/calendar?week=nov25.2024".
func weekURL(base string, d time.Time) string {
	return fmt.Sprintf("%s?week=%s%d.%d", base, monthAbbrevs[d.Month()-1], d.Day(), d.Year())
}

// dayURL renders the single-day page URL, e.g. "…/calendar?day=nov24.2025".
func dayURL(base string, d time.Time) string {
	return fmt.Sprintf("%s?day=%s%d.%d", base, monthAbbrevs[d.Month()-1], d.Day(), d.Year())
}

// monthURL renders the month page URL, e.g. "…/calendar?month=nov.2024".
func monthURL(base string, year int, month time.Month) string {
	return fmt.Sprintf("%s?month=%s.%d", base, monthAbbrevs[month-1], year)
}
