// Package polygon serves daily sessions and latest prices from Polygon
// aggregates. It is an alternative reference-data provider to alpaca.
package polygon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	polygonrest "github.com/polygon-io/client-go/rest"
	rmodels "github.com/polygon-io/client-go/rest/models"

	"pivotwatch/internal/marketdata"
)

type Provider struct {
	rest *polygonrest.Client
	tf   marketdata.Timeframe
	log  *slog.Logger
	now  func() time.Time
}

func New(apiKey string, tf marketdata.Timeframe, logger *slog.Logger) *Provider {
	return NewWithHTTPClient(apiKey, tf, &http.Client{Timeout: 10 * time.Second}, logger)
}

func NewWithHTTPClient(apiKey string, tf marketdata.Timeframe, hc *http.Client, logger *slog.Logger) *Provider {
	if tf == "" {
		tf = marketdata.Daily
	}
	return &Provider{
		rest: polygonrest.NewWithClient(apiKey, hc),
		tf:   tf,
		log:  logger,
		now:  time.Now,
	}
}

// timespan maps the reference timeframe onto Polygon's aggregate span.
func timespan(tf marketdata.Timeframe) rmodels.Timespan {
	switch tf {
	case marketdata.Weekly:
		return rmodels.Week
	case marketdata.Monthly:
		return rmodels.Month
	default:
		return rmodels.Day
	}
}

func (p *Provider) Name() string { return "polygon" }

func (p *Provider) aggs(ctx context.Context, sym string, span rmodels.Timespan, from, to time.Time, order rmodels.Order, limit int) ([]marketdata.Bar, error) {
	params := &rmodels.ListAggsParams{
		Ticker:     sym,
		Timespan:   span,
		Multiplier: 1,
		From:       rmodels.Millis(from),
		To:         rmodels.Millis(to),
	}
	adj := false
	params.Limit = &limit
	params.Order = &order
	params.Adjusted = &adj

	var out []marketdata.Bar
	iter := p.rest.ListAggs(ctx, params)
	for iter.Next() {
		a := iter.Item()
		out = append(out, marketdata.Bar{
			Date:  time.Time(a.Timestamp).UTC(),
			Open:  a.Open,
			High:  a.High,
			Low:   a.Low,
			Close: a.Close,
		})
		if len(out) >= limit {
			break
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("polygon aggs %s: %w", sym, err)
	}
	return out, nil
}

// PriorSessions returns the newest sessionsBack completed aggregates of the
// configured timeframe, oldest first. Daily ones end at the last weekday
// before today (UTC).
func (p *Provider) PriorSessions(ctx context.Context, symbol string, sessionsBack int) ([]marketdata.Bar, error) {
	if sessionsBack <= 0 {
		sessionsBack = 1
	}
	sym := marketdata.NormalizeSymbol(symbol)
	from, end, cutoff := p.tf.Window(p.now(), sessionsBack)

	bars, err := p.aggs(ctx, sym, timespan(p.tf), from, cutoff, rmodels.Asc, 500)
	if err != nil {
		return nil, err
	}
	kept := bars[:0]
	for _, b := range bars {
		if b.Date.Before(cutoff) && b.High > 0 {
			kept = append(kept, b)
		}
	}
	if len(kept) == 0 {
		return nil, fmt.Errorf("%w: no %s aggregates for %s through %s", marketdata.ErrUnavailable, p.tf, sym, end.Format(time.DateOnly))
	}
	if len(kept) > sessionsBack {
		kept = kept[len(kept)-sessionsBack:]
	}
	return kept, nil
}

// CurrentSession returns the most recent aggregate of the configured
// timeframe, possibly still forming.
func (p *Provider) CurrentSession(ctx context.Context, symbol string) (marketdata.Bar, error) {
	sym := marketdata.NormalizeSymbol(symbol)
	now := p.now().UTC()
	from, _, _ := p.tf.Window(now, 1)
	bars, err := p.aggs(ctx, sym, timespan(p.tf), from, now.AddDate(0, 0, 1), rmodels.Desc, 1)
	if err != nil {
		return marketdata.Bar{}, err
	}
	if len(bars) == 0 || bars[0].High <= 0 {
		return marketdata.Bar{}, fmt.Errorf("%w: no recent aggregate for %s", marketdata.ErrUnavailable, sym)
	}
	return bars[0], nil
}

// LatestPrice is the close of the newest minute aggregate in the last day.
func (p *Provider) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	sym := marketdata.NormalizeSymbol(symbol)
	now := p.now()
	bars, err := p.aggs(ctx, sym, rmodels.Minute, now.Add(-24*time.Hour), now.Add(time.Minute), rmodels.Desc, 1)
	if err != nil {
		return 0, err
	}
	if len(bars) == 0 || bars[0].Close <= 0 {
		return 0, fmt.Errorf("%w: no recent minute aggregate for %s", marketdata.ErrUnavailable, sym)
	}
	return bars[0].Close, nil
}

var _ marketdata.Provider = (*Provider)(nil)
