// Package crossing decides whether an observed price sits on a reference level.
package crossing

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"pivotwatch/internal/levels"
	"pivotwatch/internal/metrics"
	"pivotwatch/internal/pivot"
)

// DefaultThreshold admits near-exact matches only.
const DefaultThreshold = 0.01

// LevelSource resolves, and if needed populates, a symbol's level set.
type LevelSource interface {
	Ensure(ctx context.Context, symbol string) (pivot.Levels, error)
}

// Gate is the cooldown filter consulted before an alert is emitted.
type Gate interface {
	ShouldEmit(symbol string, level pivot.LevelName, price float64, now time.Time) bool
}

type Detector struct {
	levels    LevelSource
	gate      Gate
	threshold float64
	log       *slog.Logger
}

func NewDetector(src LevelSource, gate Gate, threshold float64, logger *slog.Logger) *Detector {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Detector{levels: src, gate: gate, threshold: threshold, log: logger}
}

func (d *Detector) Threshold() float64 { return d.threshold }

// OnPrice returns an alert when price is within threshold of a level and the
// cooldown allows it. Missing level data yields no alert and no error.
func (d *Detector) OnPrice(ctx context.Context, symbol string, price float64, now time.Time) (Alert, bool) {
	lv, err := d.levels.Ensure(ctx, symbol)
	if err != nil {
		lvl := slog.LevelWarn
		if errors.Is(err, levels.ErrRecentFailure) {
			lvl = slog.LevelDebug
		}
		d.log.Log(ctx, lvl, "no reference levels",
			slog.String("symbol", symbol),
			slog.String("err", err.Error()),
		)
		return Alert{}, false
	}

	m, ok := Nearest(lv, price, d.threshold)
	if !ok {
		d.log.Debug("no level within threshold",
			slog.String("symbol", symbol),
			slog.Float64("price", price),
		)
		return Alert{}, false
	}

	if !d.gate.ShouldEmit(symbol, m.Level, price, now) {
		metrics.AlertsSuppressed.Inc()
		d.log.Debug("crossing suppressed by cooldown",
			slog.String("symbol", symbol),
			slog.String("level", string(m.Level)),
			slog.Float64("price", price),
		)
		return Alert{}, false
	}

	metrics.Alerts.WithLabelValues(string(m.Level)).Inc()
	return Alert{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Level:      m.Level,
		LevelValue: m.Value,
		Price:      price,
		Distance:   m.Distance,
		Direction:  m.Direction,
		Time:       now,
	}, true
}

// Nearest picks the single level with minimum distance strictly below
// threshold. Ties go to the first level in pivot.Order.
func Nearest(lv pivot.Levels, price, threshold float64) (Match, bool) {
	var best Match
	found := false
	for _, name := range pivot.Order {
		v, _ := lv.Value(name)
		dist := math.Abs(price - v)
		if !(dist < threshold) {
			continue
		}
		if found && dist >= best.Distance {
			continue
		}
		best = Match{Level: name, Value: v, Distance: dist, Direction: DirectionOf(price, v)}
		found = true
	}
	return best, found
}

// DirectionOf is Down when price sits above the level, Up otherwise.
func DirectionOf(price, level float64) Direction {
	if price > level {
		return Down
	}
	return Up
}
