package calendar

import (
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
)

const (
	selectorRow      = ".calendar__row"
	selectorDate     = ".calendar__date"
	selectorTime     = ".calendar__time"
	selectorCurrency = ".calendar__currency"
	selectorImpact   = ".calendar__impact span"
	selectorEvent    = ".calendar__event"
	selectorActual   = ".calendar__actual"
	selectorForecast = ".calendar__forecast"
	selectorPrevious = ".calendar__previous"
)

// parseImpact maps the impact marker class to the canonical impact set.
// Unknown markers default to low.
func parseImpact(class string) Impact {
	switch {
	case strings.Contains(class, "impact-red"):
		return ImpactHigh
	case strings.Contains(class, "impact-ora"):
		return ImpactMedium
	case strings.Contains(class, "impact-yel"):
		return ImpactLow
	case strings.Contains(class, "impact-gra"):
		return ImpactHoliday
	default:
		return ImpactLow
	}
}

// parsePage extracts events from the rendered calendar HTML. anchor supplies
// the year (and year-boundary context) for date cells that omit it.
//
// Calendar rows omit the date cell when they share it with the preceding
// row, and omit the time cell within a same-time block, so both carry
// forward while walking. Rows that fail to parse are logged and skipped.
func parsePage(html string, anchor time.Time, logger zerolog.Logger) (Events, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPageStructure, err)
	}

	rows := doc.Find(selectorRow)
	if rows.Length() == 0 {
		return nil, fmt.Errorf("%w: no calendar rows", ErrPageStructure)
	}

	var (
		events   Events
		curDate  time.Time
		haveDate bool
		curHour  int
		curMin   int
		curKind  = timeUnknown
	)

	rows.EachWithBreak(func(i int, row *goquery.Selection) bool {
		if txt := cellText(row, selectorDate); txt != "" {
			d, err := parseCellDate(txt, anchor.Year())
			if err != nil {
				logger.Warn().Int("row", i).Str("cell", txt).Msg("skipping unparseable date cell")
			} else {
				curDate = adjustYear(d, anchor)
				haveDate = true
				// a new day invalidates the carried time
				curKind = timeUnknown
				curHour, curMin = 0, 0
			}
		}

		if txt := cellText(row, selectorTime); txt != "" {
			curHour, curMin, curKind = parseCellTime(txt)
		}

		currency := cellText(row, selectorCurrency)
		name := cellText(row, selectorEvent)
		if currency == "" || name == "" {
			return true // day-break or spacer row
		}
		if !haveDate {
			logger.Warn().Int("row", i).Str("event", name).Msg("skipping row before any date cell")
			return true
		}

		// Clock times are ET and convert through the source zone. The
		// sentinels (All Day, Tentative, missing) have no clock to
		// convert and are stamped 00:00 UTC of the source date.
		var ts time.Time
		if curKind == timeClock {
			ts = etToUTC(curDate, curHour, curMin)
		} else {
			ts = time.Date(curDate.Year(), curDate.Month(), curDate.Day(), 0, 0, 0, 0, time.UTC)
		}

		class, _ := row.Find(selectorImpact).First().Attr("class")
		ev := Event{
			Timestamp: ts,
			Currency:  currency,
			Name:      name,
			Impact:    parseImpact(class),
			Actual:    cellText(row, selectorActual),
			Forecast:  cellText(row, selectorForecast),
			Previous:  cellText(row, selectorPrevious),
			AllDay:    curKind == timeAllDay,
			Tentative: curKind == timeTentative,
		}
		events = append(events, ev)
		return true
	})

	return events.SortByTime(), nil
}

func cellText(row *goquery.Selection, selector string) string {
	return strings.TrimSpace(row.Find(selector).First().Text())
}
