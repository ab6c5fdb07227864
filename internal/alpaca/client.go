// Package alpaca is a minimal market data REST client: daily bars, snapshots
// and latest trades.
package alpaca

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/samber/lo"

	"pivotwatch/internal/marketdata"
)

const (
	DefaultDataURL   = "https://data.alpaca.markets/v2"
	DefaultStreamURL = "wss://stream.data.alpaca.markets/v2/iex"
	DefaultFeed      = "iex"

	headerKeyID  = "APCA-API-KEY-ID"
	headerSecret = "APCA-API-SECRET-KEY"
)

// APIError is a non-2xx response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("alpaca status %d: %s", e.Status, e.Body)
}

// Unwrap maps "no such data" statuses onto marketdata.ErrUnavailable.
func (e *APIError) Unwrap() error {
	if e.Status == http.StatusNotFound || e.Status == http.StatusUnprocessableEntity {
		return marketdata.ErrUnavailable
	}
	return nil
}

type Client struct {
	baseURL string
	key     string
	secret  string
	feed    string
	tf      marketdata.Timeframe
	httpc   *http.Client
	logger  *slog.Logger

	now func() time.Time
}

func NewClient(baseURL, key, secret, feed string, tf marketdata.Timeframe, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultDataURL
	}
	if feed == "" {
		feed = DefaultFeed
	}
	if tf == "" {
		tf = marketdata.Daily
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     key,
		secret:  secret,
		feed:    feed,
		tf:      tf,
		httpc:   &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
		now:     time.Now,
	}
}

func (c *Client) Name() string { return "alpaca" }

func (c *Client) url(p string, q url.Values) string {
	u := fmt.Sprintf("%s%s", c.baseURL, p)
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (c *Client) get(ctx context.Context, p string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(p, q), nil)
	if err != nil {
		return err
	}
	req.Header.Set(headerKeyID, c.key)
	req.Header.Set(headerSecret, c.secret)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("alpaca unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", p, err)
	}
	return nil
}

type wireBar struct {
	T time.Time `json:"t"`
	O float64   `json:"o"`
	H float64   `json:"h"`
	L float64   `json:"l"`
	C float64   `json:"c"`
}

func (b wireBar) bar() marketdata.Bar {
	return marketdata.Bar{Date: b.T, Open: b.O, High: b.H, Low: b.L, Close: b.C}
}

// bars fetches bars of the client's timeframe dated between start and end.
func (c *Client) bars(ctx context.Context, sym string, start, end time.Time) ([]wireBar, error) {
	q := url.Values{}
	q.Set("timeframe", string(c.tf))
	q.Set("start", start.Format(time.DateOnly))
	q.Set("end", end.Format(time.DateOnly))
	q.Set("limit", "1000")
	q.Set("adjustment", "raw")
	q.Set("feed", c.feed)

	var resp struct {
		Bars []wireBar `json:"bars"`
	}
	if err := c.get(ctx, "/stocks/"+url.PathEscape(sym)+"/bars", q, &resp); err != nil {
		return nil, err
	}
	return resp.Bars, nil
}

// PriorSessions fetches the newest sessionsBack completed bars of the
// configured timeframe, oldest first. For daily bars that ends at the last
// weekday before today (UTC).
func (c *Client) PriorSessions(ctx context.Context, symbol string, sessionsBack int) ([]marketdata.Bar, error) {
	if sessionsBack <= 0 {
		sessionsBack = 1
	}
	start, end, cutoff := c.tf.Window(c.now(), sessionsBack)
	sym := marketdata.NormalizeSymbol(symbol)
	raw, err := c.bars(ctx, sym, start, end)
	if err != nil {
		return nil, err
	}

	bars := lo.FilterMap(raw, func(b wireBar, _ int) (marketdata.Bar, bool) {
		return b.bar(), b.T.Before(cutoff) && b.H > 0
	})
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w: no %s bars for %s through %s", marketdata.ErrUnavailable, c.tf, sym, end.Format(time.DateOnly))
	}
	if len(bars) > sessionsBack {
		bars = bars[len(bars)-sessionsBack:]
	}
	c.logger.Debug("alpaca bars",
		slog.String("symbol", sym),
		slog.String("timeframe", string(c.tf)),
		slog.Int("count", len(bars)),
		slog.String("last", bars[len(bars)-1].Date.Format(time.DateOnly)),
	)
	return bars, nil
}

type snapshot struct {
	DailyBar     *wireBar `json:"dailyBar"`
	PrevDailyBar *wireBar `json:"prevDailyBar"`
	LatestTrade  *struct {
		P float64 `json:"p"`
	} `json:"latestTrade"`
}

// CurrentSession returns the bar still forming for the configured timeframe.
// Daily uses the snapshot: today's running bar, or the previous one when the
// market has not opened yet.
func (c *Client) CurrentSession(ctx context.Context, symbol string) (marketdata.Bar, error) {
	sym := marketdata.NormalizeSymbol(symbol)
	if c.tf != marketdata.Daily {
		now := c.now().UTC()
		start, _, _ := c.tf.Window(now, 1)
		raw, err := c.bars(ctx, sym, start, now)
		if err != nil {
			return marketdata.Bar{}, err
		}
		for i := len(raw) - 1; i >= 0; i-- {
			if raw[i].H > 0 {
				return raw[i].bar(), nil
			}
		}
		return marketdata.Bar{}, fmt.Errorf("%w: no %s bars for %s", marketdata.ErrUnavailable, c.tf, sym)
	}

	var s snapshot
	if err := c.get(ctx, "/stocks/"+url.PathEscape(sym)+"/snapshot", url.Values{"feed": {c.feed}}, &s); err != nil {
		return marketdata.Bar{}, err
	}
	for _, b := range []*wireBar{s.DailyBar, s.PrevDailyBar} {
		if b != nil && b.H > 0 {
			return b.bar(), nil
		}
	}
	return marketdata.Bar{}, fmt.Errorf("%w: empty snapshot for %s", marketdata.ErrUnavailable, sym)
}

// LatestPrice returns the last trade price.
func (c *Client) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	sym := marketdata.NormalizeSymbol(symbol)
	var resp struct {
		Trade *struct {
			P float64 `json:"p"`
		} `json:"trade"`
	}
	if err := c.get(ctx, "/stocks/"+url.PathEscape(sym)+"/trades/latest", url.Values{"feed": {c.feed}}, &resp); err != nil {
		return 0, err
	}
	if resp.Trade == nil || resp.Trade.P <= 0 {
		return 0, fmt.Errorf("%w: no latest trade for %s", marketdata.ErrUnavailable, sym)
	}
	return resp.Trade.P, nil
}

// Ping checks credentials and reachability with a cheap request.
func (c *Client) Ping(ctx context.Context, symbol string) error {
	_, err := c.LatestPrice(ctx, symbol)
	if errors.Is(err, marketdata.ErrUnavailable) {
		return nil
	}
	return err
}

var _ marketdata.Provider = (*Client)(nil)
