package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"pivotwatch/internal/pivot"
)

// Refresher recomputes level sets in bulk.
type Refresher interface {
	Refresh(ctx context.Context, symbols []string) map[string]error
	Snapshot() map[string]pivot.Levels
}

// Digester publishes the refreshed table.
type Digester interface {
	SendDigest(ctx context.Context, symbols []string, loaded map[string]pivot.Levels) error
}

// RefreshTask reloads every watched symbol's levels and optionally posts a
// digest. It is meant to be checked often: a run only reloads once boundary
// reports a new reference period or maxAge has passed since the last reload.
type RefreshTask struct {
	symbols  []string
	store    Refresher
	digest   Digester
	boundary func(time.Time) time.Time
	maxAge   time.Duration
	log      *slog.Logger
	now      func() time.Time

	lastBoundary time.Time
	lastRun      time.Time
}

// NewRefreshTask treats whatever the store holds now as current, so the first
// reload waits for the next boundary. A nil boundary leaves only maxAge.
func NewRefreshTask(symbols []string, store Refresher, digest Digester,
	boundary func(time.Time) time.Time, maxAge time.Duration, logger *slog.Logger) *RefreshTask {
	t := &RefreshTask{
		symbols:  symbols,
		store:    store,
		digest:   digest,
		boundary: boundary,
		maxAge:   maxAge,
		log:      logger,
		now:      time.Now,
	}
	t.mark(t.now())
	return t
}

func (t *RefreshTask) Name() string { return "level-refresh" }

func (t *RefreshTask) mark(now time.Time) {
	t.lastRun = now
	if t.boundary != nil {
		t.lastBoundary = t.boundary(now)
	}
}

func (t *RefreshTask) due(now time.Time) bool {
	if t.boundary != nil && !t.boundary(now).Equal(t.lastBoundary) {
		return true
	}
	return t.maxAge > 0 && now.Sub(t.lastRun) >= t.maxAge
}

func (t *RefreshTask) Run(ctx context.Context) error {
	now := t.now()
	if !t.due(now) {
		t.log.Debug("levels current; refresh skipped", slog.Time("since", t.lastRun))
		return nil
	}
	failed := t.store.Refresh(ctx, t.symbols)
	for sym, err := range failed {
		t.log.Warn("level refresh failed; keeping previous set",
			slog.String("symbol", sym),
			slog.String("err", err.Error()),
		)
	}
	loaded := t.store.Snapshot()
	t.log.Info("levels refreshed", slog.Int("loaded", len(loaded)), slog.Int("failed", len(failed)))

	if t.digest != nil && len(loaded) > 0 {
		dctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := t.digest.SendDigest(dctx, t.symbols, loaded); err != nil {
			t.log.Warn("digest delivery failed", slog.String("err", err.Error()))
		}
	}
	if len(t.symbols) > 0 && len(failed) == len(t.symbols) {
		// not marked, so the next check tries again
		return fmt.Errorf("refresh failed for all %d symbols", len(failed))
	}
	t.mark(now)
	return nil
}

// PruneTask drops expired cooldown records.
type PruneTask struct {
	tracker interface{ Prune(now time.Time) int }
	log     *slog.Logger
}

func NewPruneTask(tracker interface{ Prune(now time.Time) int }, logger *slog.Logger) *PruneTask {
	return &PruneTask{tracker: tracker, log: logger}
}

func (t *PruneTask) Name() string { return "cooldown-prune" }

func (t *PruneTask) Run(context.Context) error {
	if n := t.tracker.Prune(time.Now()); n > 0 {
		t.log.Debug("cooldown records pruned", slog.Int("count", n))
	}
	return nil
}
