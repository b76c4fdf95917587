// Package clock maps instants onto the service's fixed-offset local calendar.
//
// The local day is UTC+9 with no daylight saving and no timezone database
// lookup. Daily quotas and their reset boundary are keyed on it.
package clock

import "time"

// LocalOffset is the fixed shift from UTC to local time.
const LocalOffset = 9 * time.Hour

const (
	dateLayout   = "2006-01-02"
	rolloverTail = "T24:00:00+09:00"
)

// LocalDateKey formats the local calendar day containing t as YYYY-MM-DD.
func LocalDateKey(t time.Time) string {
	return t.UTC().Add(LocalOffset).Format(dateLayout)
}

// LocalRolloverInstant returns the end of t's local day as
// "<date>T24:00:00+09:00". The hour is not normalized.
func LocalRolloverInstant(t time.Time) string {
	return LocalDateKey(t) + rolloverTail
}

// NextLocalMidnight is the normalized instant LocalRolloverInstant denotes.
func NextLocalMidnight(t time.Time) time.Time {
	shifted := t.UTC().Add(LocalOffset)
	startOfDay := time.Date(shifted.Year(), shifted.Month(), shifted.Day(), 0, 0, 0, 0, time.UTC)
	return startOfDay.Add(24 * time.Hour).Add(-LocalOffset)
}
