// Package marketdata defines the upstream collaborators the monitor consumes:
// daily session bars, latest prices, and the observations decoded from the stream.
package marketdata

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/samber/lo"
)

// ErrUnavailable is returned when upstream has no data for the request.
var ErrUnavailable = errors.New("market data unavailable")

// Bar is one session's aggregate.
type Bar struct {
	Date  time.Time `json:"date"`
	Open  float64   `json:"open"`
	High  float64   `json:"high"`
	Low   float64   `json:"low"`
	Close float64   `json:"close"`
}

// Source tags where an observation came from.
type Source string

const (
	SourceQuote Source = "quote"
	SourceTrade Source = "trade"
	SourcePoll  Source = "poll"
)

// Observation is a transient (symbol, price, time) triple. It is never stored.
type Observation struct {
	Symbol     string
	Price      float64
	Source     Source
	EventTime  time.Time // upstream timestamp, zero if absent
	ReceivedAt time.Time // wall clock used for cooldown decisions
}

// SessionSource fetches bars of one timeframe, daily unless configured otherwise.
type SessionSource interface {
	// PriorSessions returns up to sessionsBack completed bars ending before
	// the period in progress, oldest first.
	PriorSessions(ctx context.Context, symbol string, sessionsBack int) ([]Bar, error)
	// CurrentSession returns the most recent available bar, which may be the
	// period in progress.
	CurrentSession(ctx context.Context, symbol string) (Bar, error)
}

// PriceSource returns the latest traded price.
type PriceSource interface {
	LatestPrice(ctx context.Context, symbol string) (float64, error)
}

// Provider is everything the monitor needs from a brokerage/data vendor.
type Provider interface {
	SessionSource
	PriceSource
	Name() string
}

// NormalizeSymbol canonicalises a ticker to upper case without spaces.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// NormalizeSymbols canonicalises, drops empties and removes duplicates, keeping order.
func NormalizeSymbols(symbols []string) []string {
	out := lo.Map(symbols, func(s string, _ int) string { return NormalizeSymbol(s) })
	out = lo.Compact(out)
	return lo.Uniq(out)
}

// LastTradingDay returns the most recent weekday strictly before now, at
// midnight UTC. Exchange holidays are not modelled; upstream simply returns
// no bar for them and callers fall back.
func LastTradingDay(now time.Time) time.Time {
	d := time.Date(now.UTC().Year(), now.UTC().Month(), now.UTC().Day(), 0, 0, 0, 0, time.UTC)
	for {
		d = d.AddDate(0, 0, -1)
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			return d
		}
	}
}
