package monitor

import (
	"context"
	"time"

	"pivotwatch/internal/feed"
	"pivotwatch/internal/levels"
	"pivotwatch/internal/marketdata"
	"pivotwatch/internal/pivot"
)

// Settings are the operator-visible knobs, echoed by status surfaces.
type Settings struct {
	Symbols   []string      `json:"symbols"`
	Threshold float64       `json:"threshold"`
	Cooldown  time.Duration `json:"cooldown"`
	Timeframe string        `json:"timeframe"`
	Formula   pivot.Formula `json:"formula"`
	Provider  string        `json:"provider"`
}

// FeedStatus reports the stream connection.
type FeedStatus interface {
	Status() feed.Status
}

// Status is the whole-process view served on /api/status and /status.
type Status struct {
	Feed       feed.Status `json:"feed"`
	Symbols    int         `json:"symbols"`
	Loaded     int         `json:"loaded"`
	QueueDepth int         `json:"queue_depth"`
	StartedAt  time.Time   `json:"started_at"`
	Uptime     string      `json:"uptime"`
}

// Service is the read side shared by the HTTP API and chat commands.
type Service struct {
	settings Settings
	store    *levels.Store
	prices   marketdata.PriceSource
	feed     FeedStatus
	pipeline *Pipeline
	started  time.Time
}

func NewService(settings Settings, store *levels.Store, prices marketdata.PriceSource, fs FeedStatus, p *Pipeline) *Service {
	settings.Symbols = marketdata.NormalizeSymbols(settings.Symbols)
	return &Service{
		settings: settings,
		store:    store,
		prices:   prices,
		feed:     fs,
		pipeline: p,
		started:  time.Now(),
	}
}

func (s *Service) Settings() Settings { return s.settings }

func (s *Service) Symbols() []string { return s.settings.Symbols }

// Levels is a non-blocking lookup.
func (s *Service) Levels(symbol string) (pivot.Levels, bool) { return s.store.Get(symbol) }

// AllLevels copies every loaded set.
func (s *Service) AllLevels() map[string]pivot.Levels { return s.store.Snapshot() }

// EnsureLevels loads a symbol's set on demand, including symbols outside the
// configured watch list.
func (s *Service) EnsureLevels(ctx context.Context, symbol string) (pivot.Levels, error) {
	return s.store.Ensure(ctx, symbol)
}

func (s *Service) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	return s.prices.LatestPrice(ctx, symbol)
}

func (s *Service) Status() Status {
	st := Status{
		Symbols:   len(s.settings.Symbols),
		Loaded:    s.store.Len(),
		StartedAt: s.started,
		Uptime:    time.Since(s.started).Truncate(time.Second).String(),
	}
	if s.feed != nil {
		st.Feed = s.feed.Status()
	}
	if s.pipeline != nil {
		st.QueueDepth = s.pipeline.Depth()
	}
	return st
}
