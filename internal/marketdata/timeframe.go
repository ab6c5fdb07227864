package marketdata

import (
	"fmt"
	"strings"
	"time"
)

// Timeframe is the bar period reference levels are computed from. The value
// is the bar label the Alpaca data API takes.
type Timeframe string

const (
	Daily   Timeframe = "1Day"
	Weekly  Timeframe = "1Week"
	Monthly Timeframe = "1Month"
)

// ParseTimeframe accepts "1Day", "1Week", "1Month" and their short forms.
// An empty label means Daily.
func ParseTimeframe(s string) (Timeframe, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "1day", "day", "1d":
		return Daily, nil
	case "1week", "week", "1w":
		return Weekly, nil
	case "1month", "month":
		return Monthly, nil
	}
	return "", fmt.Errorf("unsupported timeframe %q (want 1Day, 1Week or 1Month)", s)
}

// Cutoff is the start of the period that is still forming at now. Bars dated
// before it are complete. A change of cutoff means a new reference period.
//
// Weeks start on Sunday at 00:00 UTC so both Monday-stamped (Alpaca) and
// Sunday-stamped (Polygon) weekly bars of the current week fall after it.
func (tf Timeframe) Cutoff(now time.Time) time.Time {
	now = now.UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	switch tf {
	case Weekly:
		return today.AddDate(0, 0, -int(today.Weekday()))
	case Monthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return LastTradingDay(now).AddDate(0, 0, 1)
	}
}

// Window is the query range for the newest n completed periods before now.
// end is the last calendar day that can carry a completed bar.
func (tf Timeframe) Window(now time.Time, n int) (start, end, cutoff time.Time) {
	if n <= 0 {
		n = 1
	}
	cutoff = tf.Cutoff(now)
	end = cutoff.AddDate(0, 0, -1)
	switch tf {
	case Weekly:
		start = cutoff.AddDate(0, 0, -7*(n+2))
	case Monthly:
		start = cutoff.AddDate(0, -(n + 2), 0)
	default:
		// widen the window so holidays inside it still leave enough bars
		start = end.AddDate(0, 0, -(7 + 2*n))
	}
	return start, end, cutoff
}
