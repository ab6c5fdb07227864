// Package levels owns the per-symbol reference level sets.
package levels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"pivotwatch/internal/marketdata"
	"pivotwatch/internal/metrics"
	"pivotwatch/internal/pivot"
)

var (
	// ErrDataUnavailable means no session at all could be found for a symbol.
	ErrDataUnavailable = errors.New("reference data unavailable")
	// ErrRecentFailure is returned, joined with the original error, while a
	// failed symbol waits out retryAfter.
	ErrRecentFailure = errors.New("recent fetch failed")
)

const (
	// fetchTimeout bounds a shared fetch, which outlives any single caller.
	fetchTimeout = 30 * time.Second
	retryAfter   = time.Minute
)

type failure struct {
	at  time.Time
	err error
}

// Store maps symbol -> level set. Reads are lock-free against an immutable
// map snapshot; writers copy the map and swap the pointer, so readers see
// either the old or the new map, never a mix.
type Store struct {
	src     marketdata.SessionSource
	formula pivot.Formula
	log     *slog.Logger

	writeMu sync.Mutex
	sets    atomic.Pointer[map[string]pivot.Levels]
	group   singleflight.Group

	failMu   sync.Mutex
	failures map[string]failure
	now      func() time.Time
}

func NewStore(src marketdata.SessionSource, formula pivot.Formula, logger *slog.Logger) *Store {
	s := &Store{src: src, formula: formula, log: logger, failures: map[string]failure{}, now: time.Now}
	empty := map[string]pivot.Levels{}
	s.sets.Store(&empty)
	return s
}

// Get is a non-blocking read.
func (s *Store) Get(symbol string) (pivot.Levels, bool) {
	l, ok := (*s.sets.Load())[marketdata.NormalizeSymbol(symbol)]
	return l, ok
}

// Has reports whether a set is loaded for symbol.
func (s *Store) Has(symbol string) bool {
	_, ok := s.Get(symbol)
	return ok
}

// Len is the number of loaded symbols.
func (s *Store) Len() int { return len(*s.sets.Load()) }

// Snapshot returns a copy of the current map.
func (s *Store) Snapshot() map[string]pivot.Levels {
	return maps.Clone(*s.sets.Load())
}

// Ensure returns the loaded set for symbol, fetching it if absent. Concurrent
// callers for the same symbol share one upstream fetch, which is not tied to
// any caller's ctx: a caller that gives up leaves the fetch running for the
// rest. After a failed fetch the symbol is not retried for retryAfter.
func (s *Store) Ensure(ctx context.Context, symbol string) (pivot.Levels, error) {
	sym := marketdata.NormalizeSymbol(symbol)
	if l, ok := s.Get(sym); ok {
		return l, nil
	}
	if err := s.recentFailure(sym); err != nil {
		return pivot.Levels{}, err
	}
	ch := s.group.DoChan(sym, func() (any, error) {
		if l, ok := s.Get(sym); ok {
			return l, nil
		}
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		l, err := s.load(fctx, sym)
		if err != nil {
			s.fail(sym, err)
			return pivot.Levels{}, err
		}
		s.put(sym, l)
		return l, nil
	})
	select {
	case <-ctx.Done():
		return pivot.Levels{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return pivot.Levels{}, r.Err
		}
		return r.Val.(pivot.Levels), nil
	}
}

func (s *Store) recentFailure(sym string) error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	f, ok := s.failures[sym]
	if !ok {
		return nil
	}
	if s.now().Sub(f.at) >= retryAfter {
		delete(s.failures, sym)
		return nil
	}
	return errors.Join(ErrRecentFailure, f.err)
}

func (s *Store) fail(sym string, err error) {
	s.failMu.Lock()
	s.failures[sym] = failure{at: s.now(), err: err}
	s.failMu.Unlock()
}

func (s *Store) clearFailures(syms ...string) {
	s.failMu.Lock()
	for _, sym := range syms {
		delete(s.failures, sym)
	}
	s.failMu.Unlock()
}

// ReplaceAll atomically swaps in a whole new map.
func (s *Store) ReplaceAll(sets map[string]pivot.Levels) {
	next := make(map[string]pivot.Levels, len(sets))
	for sym, l := range sets {
		next[marketdata.NormalizeSymbol(sym)] = l
	}
	s.writeMu.Lock()
	s.sets.Store(&next)
	s.writeMu.Unlock()
	s.clearFailures(slices.Collect(maps.Keys(next))...)
}

// Refresh recomputes every symbol and swaps the result in with ReplaceAll.
// A symbol whose fetch fails keeps its previous set; the failures are returned.
func (s *Store) Refresh(ctx context.Context, symbols []string) map[string]error {
	prev := s.Snapshot()
	next := make(map[string]pivot.Levels, len(symbols))
	failed := map[string]error{}
	for _, sym := range marketdata.NormalizeSymbols(symbols) {
		if err := ctx.Err(); err != nil {
			failed[sym] = err
			continue
		}
		l, err := s.load(ctx, sym)
		if err != nil {
			failed[sym] = err
			if old, ok := prev[sym]; ok {
				next[sym] = old
			}
			continue
		}
		next[sym] = l
	}
	s.ReplaceAll(next)
	return failed
}

func (s *Store) put(sym string, l pivot.Levels) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	cur := *s.sets.Load()
	if _, ok := cur[sym]; ok {
		return
	}
	next := maps.Clone(cur)
	next[sym] = l
	s.sets.Store(&next)
	s.clearFailures(sym)
}

// load resolves the reference session: the prior completed session when
// available, otherwise the most recent available session on its own.
func (s *Store) load(ctx context.Context, sym string) (pivot.Levels, error) {
	bars, err := s.src.PriorSessions(ctx, sym, 1)
	if err == nil && len(bars) > 0 {
		b := bars[len(bars)-1]
		metrics.LevelFetches.WithLabelValues("ok").Inc()
		s.log.Debug("reference session loaded",
			slog.String("symbol", sym),
			slog.Time("date", b.Date),
		)
		return pivot.Compute(sessionOf(b), s.formula), nil
	}
	if err == nil {
		err = marketdata.ErrUnavailable
	}
	s.log.Warn("prior session unavailable, falling back to latest session",
		slog.String("symbol", sym),
		slog.String("err", err.Error()),
	)

	b, cerr := s.src.CurrentSession(ctx, sym)
	if cerr != nil {
		metrics.LevelFetches.WithLabelValues("error").Inc()
		return pivot.Levels{}, fmt.Errorf("%w: %s: %w", ErrDataUnavailable, sym, errors.Join(err, cerr))
	}
	metrics.LevelFetches.WithLabelValues("fallback").Inc()
	return pivot.Compute(sessionOf(b), s.formula), nil
}

func sessionOf(b marketdata.Bar) pivot.Session {
	return pivot.Session{High: b.High, Low: b.Low, Close: b.Close}
}
