package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"pivotwatch/internal/marketdata"
)

// Submitter accepts observations without blocking.
type Submitter interface {
	Submit(obs marketdata.Observation) bool
}

// LevelIndex reports whether a symbol has levels loaded.
type LevelIndex interface {
	Has(symbol string) bool
}

// PollTask fetches the latest price of every watched symbol that already has
// levels and feeds it through the same pipeline as streamed prices. It keeps
// alerts flowing when the stream is degraded.
type PollTask struct {
	symbols []string
	levels  LevelIndex
	prices  marketdata.PriceSource
	out     Submitter
	log     *slog.Logger
	now     func() time.Time
}

func NewPollTask(symbols []string, levels LevelIndex, prices marketdata.PriceSource, out Submitter, logger *slog.Logger) *PollTask {
	return &PollTask{
		symbols: marketdata.NormalizeSymbols(symbols),
		levels:  levels,
		prices:  prices,
		out:     out,
		log:     logger,
		now:     time.Now,
	}
}

func (t *PollTask) Name() string { return "price-poll" }

func (t *PollTask) Run(ctx context.Context) error {
	watched := lo.Filter(t.symbols, func(sym string, _ int) bool { return t.levels.Has(sym) })
	if len(watched) == 0 {
		t.log.Debug("poll skipped: no levels loaded")
		return nil
	}
	var errs []error
	for _, sym := range watched {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		price, err := t.prices.LatestPrice(ctx, sym)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sym, err))
			continue
		}
		if price <= 0 {
			t.log.Debug("poll returned non-positive price", slog.String("symbol", sym), slog.Float64("price", price))
			continue
		}
		t.out.Submit(marketdata.Observation{
			Symbol:     sym,
			Price:      price,
			Source:     marketdata.SourcePoll,
			ReceivedAt: t.now(),
		})
	}
	if len(errs) == len(watched) {
		return errors.Join(errs...)
	}
	for _, err := range errs {
		t.log.Warn("poll failed", slog.String("err", err.Error()))
	}
	return nil
}
