package calendar

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// weekFixture mimics the rendered calendar for the week of Mon Nov 25 2024
// (EST, UTC-5). Data rows omit the date cell; same-time blocks omit the
// time cell.
const weekFixture = `<html><body>
<table class="calendar__table">
<tr class="calendar__row calendar__row--day-breaker">
  <td class="calendar__cell calendar__date"><span>Mon</span> <span>Nov 25</span></td>
</tr>
<tr class="calendar__row">
  <td class="calendar__cell calendar__time">8:30am</td>
  <td class="calendar__cell calendar__currency">USD</td>
  <td class="calendar__cell calendar__impact"><span class="icon icon--ff-impact-red" title="High Impact Expected"></span></td>
  <td class="calendar__cell calendar__event"><span class="calendar__event-title">Core Durable Goods Orders m/m</span></td>
  <td class="calendar__cell calendar__actual">0.5%</td>
  <td class="calendar__cell calendar__forecast">0.2%</td>
  <td class="calendar__cell calendar__previous">0.4%</td>
</tr>
<tr class="calendar__row">
  <td class="calendar__cell calendar__time"></td>
  <td class="calendar__cell calendar__currency">EUR</td>
  <td class="calendar__cell calendar__impact"><span class="icon icon--ff-impact-ora" title="Medium Impact Expected"></span></td>
  <td class="calendar__cell calendar__event">German Ifo Business Climate</td>
  <td class="calendar__cell calendar__actual"></td>
  <td class="calendar__cell calendar__forecast">86.0</td>
  <td class="calendar__cell calendar__previous">85.7</td>
</tr>
<tr class="calendar__row">
  <td class="calendar__cell calendar__time">Tentative</td>
  <td class="calendar__cell calendar__currency">GBP</td>
  <td class="calendar__cell calendar__impact"><span class="icon icon--ff-impact-yel" title="Low Impact Expected"></span></td>
  <td class="calendar__cell calendar__event">BOE Gov Bailey Speaks</td>
  <td class="calendar__cell calendar__actual"></td>
  <td class="calendar__cell calendar__forecast"></td>
  <td class="calendar__cell calendar__previous"></td>
</tr>
<tr class="calendar__row calendar__row--day-breaker">
  <td class="calendar__cell calendar__date"><span>Tue</span> <span>Nov 26</span></td>
</tr>
<tr class="calendar__row">
  <td class="calendar__cell calendar__time">All Day</td>
  <td class="calendar__cell calendar__currency">JPY</td>
  <td class="calendar__cell calendar__impact"><span class="icon icon--ff-impact-gra" title="Non-Economic"></span></td>
  <td class="calendar__cell calendar__event">Bank Holiday</td>
  <td class="calendar__cell calendar__actual"></td>
  <td class="calendar__cell calendar__forecast"></td>
  <td class="calendar__cell calendar__previous"></td>
</tr>
<tr class="calendar__row">
  <td class="calendar__cell calendar__time">2:00pm</td>
  <td class="calendar__cell calendar__currency">USD</td>
  <td class="calendar__cell calendar__impact"><span class="icon icon--ff-impact-unknown"></span></td>
  <td class="calendar__cell calendar__event">FOMC Meeting Minutes</td>
  <td class="calendar__cell calendar__actual"></td>
  <td class="calendar__cell calendar__forecast"></td>
  <td class="calendar__cell calendar__previous"></td>
</tr>
<tr class="calendar__row">
  <td class="calendar__cell calendar__time"></td>
  <td class="calendar__cell calendar__currency"></td>
  <td class="calendar__cell calendar__event"></td>
</tr>
</table>
</body></html>`

func TestParsePage_WeekFixture(t *testing.T) {
	anchor := time.Date(2024, time.November, 25, 0, 0, 0, 0, time.UTC)
	events, err := parsePage(weekFixture, anchor, zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, events, 5, "spacer row must be skipped")

	// Sorted ascending: the tentative row sits at source-date midnight UTC.
	tentative := events[0]
	assert.Equal(t, "GBP", tentative.Currency)
	assert.Equal(t, "BOE Gov Bailey Speaks", tentative.Name)
	assert.True(t, tentative.Tentative)
	assert.Equal(t, time.Date(2024, time.November, 25, 0, 0, 0, 0, time.UTC), tentative.Timestamp)
	assert.Equal(t, ImpactLow, tentative.Impact)

	durable := events[1]
	assert.Equal(t, "USD", durable.Currency)
	assert.Equal(t, "Core Durable Goods Orders m/m", durable.Name)
	assert.Equal(t, ImpactHigh, durable.Impact)
	assert.Equal(t, time.Date(2024, time.November, 25, 13, 30, 0, 0, time.UTC), durable.Timestamp,
		"8:30am EST is 13:30 UTC")
	assert.Equal(t, "0.5%", durable.Actual)
	assert.Equal(t, "0.2%", durable.Forecast)
	assert.Equal(t, "0.4%", durable.Previous)

	ifo := events[2]
	assert.Equal(t, "EUR", ifo.Currency)
	assert.Equal(t, ImpactMedium, ifo.Impact)
	assert.Equal(t, durable.Timestamp, ifo.Timestamp, "empty time cell carries the previous clock")
	assert.Empty(t, ifo.Actual)

	holiday := events[3]
	assert.Equal(t, "JPY", holiday.Currency)
	assert.Equal(t, ImpactHoliday, holiday.Impact)
	assert.True(t, holiday.AllDay)
	assert.Equal(t, time.Date(2024, time.November, 26, 0, 0, 0, 0, time.UTC), holiday.Timestamp)

	fomc := events[4]
	assert.Equal(t, "FOMC Meeting Minutes", fomc.Name)
	assert.Equal(t, ImpactLow, fomc.Impact, "unknown impact marker defaults to low")
	assert.Equal(t, time.Date(2024, time.November, 26, 19, 0, 0, 0, time.UTC), fomc.Timestamp,
		"2:00pm EST is 19:00 UTC and the date advanced with the day breaker")
}

func TestParsePage_AllUTC(t *testing.T) {
	anchor := time.Date(2024, time.November, 25, 0, 0, 0, 0, time.UTC)
	events, err := parsePage(weekFixture, anchor, zerolog.Nop())
	require.NoError(t, err)
	for _, e := range events {
		_, offset := e.Timestamp.Zone()
		assert.Zero(t, offset, "event %s must be UTC", e.Name)
	}
}

func TestParsePage_NoRows(t *testing.T) {
	_, err := parsePage("<html><body><div>maintenance</div></body></html>", time.Now(), zerolog.Nop())
	assert.ErrorIs(t, err, ErrPageStructure)
}

func TestParsePage_OnlyDayBreakers(t *testing.T) {
	const empty = `<html><body><table>
	<tr class="calendar__row calendar__row--day-breaker">
	  <td class="calendar__cell calendar__date"><span>Mon</span> <span>Nov 25</span></td>
	</tr>
	</table></body></html>`

	events, err := parsePage(empty, time.Date(2024, time.November, 25, 0, 0, 0, 0, time.UTC), zerolog.Nop())
	require.NoError(t, err)
	assert.Empty(t, events, "a week with no events is not an error")
}

func TestParseImpact(t *testing.T) {
	assert.Equal(t, ImpactHigh, parseImpact("icon icon--ff-impact-red"))
	assert.Equal(t, ImpactMedium, parseImpact("icon icon--ff-impact-ora"))
	assert.Equal(t, ImpactLow, parseImpact("icon icon--ff-impact-yel"))
	assert.Equal(t, ImpactHoliday, parseImpact("icon icon--ff-impact-gra"))
	assert.Equal(t, ImpactLow, parseImpact("some-other-class"))
	assert.Equal(t, ImpactLow, parseImpact(""))
}
