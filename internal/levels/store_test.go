package levels

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pivotwatch/internal/marketdata"
	"pivotwatch/internal/pivot"
)

type fakeSource struct {
	mu       sync.Mutex
	prior    map[string][]marketdata.Bar
	priorErr error
	current  map[string]marketdata.Bar
	release  chan struct{}

	priorCalls   atomic.Int32
	currentCalls atomic.Int32
}

func (f *fakeSource) PriorSessions(ctx context.Context, symbol string, _ int) ([]marketdata.Bar, error) {
	f.priorCalls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.priorErr != nil {
		return nil, f.priorErr
	}
	return f.prior[symbol], nil
}

func (f *fakeSource) CurrentSession(_ context.Context, symbol string) (marketdata.Bar, error) {
	f.currentCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.current[symbol]
	if !ok {
		return marketdata.Bar{}, marketdata.ErrUnavailable
	}
	return b, nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func bar(h, l, c float64) marketdata.Bar {
	return marketdata.Bar{Date: time.Date(2025, 3, 7, 0, 0, 0, 0, time.UTC), High: h, Low: l, Close: c}
}

func TestEnsureLoadsPriorSession(t *testing.T) {
	src := &fakeSource{prior: map[string][]marketdata.Bar{"AAPL": {bar(1, 1, 1), bar(110, 90, 100)}}}
	s := NewStore(src, pivot.Classic, discard())

	_, ok := s.Get("AAPL")
	assert.False(t, ok)

	l, err := s.Ensure(context.Background(), " aapl ")
	require.NoError(t, err)
	assert.InDelta(t, 100.0, l.Pivot, 1e-9)

	got, ok := s.Get("AAPL")
	require.True(t, ok)
	assert.Equal(t, l, got)

	// Cached: no further upstream calls.
	_, err = s.Ensure(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.EqualValues(t, 1, src.priorCalls.Load())
}

func TestEnsureSingleFetchUnderConcurrency(t *testing.T) {
	src := &fakeSource{
		prior:   map[string][]marketdata.Bar{"MSFT": {bar(410, 400, 405)}},
		release: make(chan struct{}),
	}
	s := NewStore(src, pivot.Classic, discard())

	const n = 32
	var wg sync.WaitGroup
	results := make([]pivot.Levels, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.Ensure(context.Background(), "MSFT")
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(src.release)
	wg.Wait()

	assert.EqualValues(t, 1, src.priorCalls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0], results[i])
	}
}

func TestEnsureFallsBackToCurrentSession(t *testing.T) {
	src := &fakeSource{
		priorErr: marketdata.ErrUnavailable,
		current:  map[string]marketdata.Bar{"NEWCO": bar(22, 18, 20)},
	}
	s := NewStore(src, pivot.Classic, discard())

	l, err := s.Ensure(context.Background(), "NEWCO")
	require.NoError(t, err)
	assert.Equal(t, pivot.Compute(pivot.Session{High: 22, Low: 18, Close: 20}, pivot.Classic), l)
	assert.EqualValues(t, 1, src.currentCalls.Load())
}

func TestEnsureFallsBackOnEmptyHistory(t *testing.T) {
	src := &fakeSource{
		prior:   map[string][]marketdata.Bar{},
		current: map[string]marketdata.Bar{"NEWCO": bar(22, 18, 20)},
	}
	s := NewStore(src, pivot.Additive, discard())

	_, err := s.Ensure(context.Background(), "NEWCO")
	require.NoError(t, err)
	assert.True(t, s.Has("NEWCO"))
}

func TestEnsureFailsWithNoSessions(t *testing.T) {
	src := &fakeSource{priorErr: errors.New("boom")}
	s := NewStore(src, pivot.Classic, discard())

	_, err := s.Ensure(context.Background(), "GHOST")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDataUnavailable)
	assert.False(t, s.Has("GHOST"))

	// Within retryAfter the failure is replayed without another fetch.
	_, err = s.Ensure(context.Background(), "GHOST")
	assert.ErrorIs(t, err, ErrRecentFailure)
	assert.ErrorIs(t, err, ErrDataUnavailable)
	assert.EqualValues(t, 1, src.priorCalls.Load())
}

func TestEnsureRetriesAfterBackoff(t *testing.T) {
	src := &fakeSource{priorErr: errors.New("boom")}
	s := NewStore(src, pivot.Classic, discard())
	now := time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		_, err := s.Ensure(context.Background(), "GHOST")
		require.Error(t, err)
	}
	assert.EqualValues(t, 1, src.priorCalls.Load())

	now = now.Add(retryAfter)
	src.mu.Lock()
	src.priorErr = nil
	src.prior = map[string][]marketdata.Bar{"GHOST": {bar(11, 9, 10)}}
	src.mu.Unlock()

	l, err := s.Ensure(context.Background(), "GHOST")
	require.NoError(t, err)
	assert.InDelta(t, 10.0, l.Pivot, 1e-9)
	assert.EqualValues(t, 2, src.priorCalls.Load())
}

func TestReplaceAllClearsRecentFailure(t *testing.T) {
	src := &fakeSource{priorErr: errors.New("boom")}
	s := NewStore(src, pivot.Classic, discard())
	_, err := s.Ensure(context.Background(), "GHOST")
	require.Error(t, err)

	s.ReplaceAll(map[string]pivot.Levels{"GHOST": {Pivot: 3}})
	l, err := s.Ensure(context.Background(), "GHOST")
	require.NoError(t, err)
	assert.Equal(t, 3.0, l.Pivot)
}

func TestEnsureSharedFetchSurvivesCancelledCaller(t *testing.T) {
	src := &fakeSource{
		prior:   map[string][]marketdata.Bar{"MSFT": {bar(410, 400, 405)}},
		release: make(chan struct{}),
	}
	s := NewStore(src, pivot.Classic, discard())

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := s.Ensure(firstCtx, "MSFT")
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return src.priorCalls.Load() == 1 }, time.Second, 5*time.Millisecond)

	type result struct {
		l   pivot.Levels
		err error
	}
	second := make(chan result, 1)
	go func() {
		l, err := s.Ensure(context.Background(), "MSFT")
		second <- result{l, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(src.release)
	r := <-second
	require.NoError(t, r.err)
	assert.InDelta(t, 405.0, r.l.Pivot, 1e-9)
	assert.EqualValues(t, 1, src.priorCalls.Load())
	assert.True(t, s.Has("MSFT"))
}

func TestReplaceAllIsWholesale(t *testing.T) {
	s := NewStore(&fakeSource{}, pivot.Classic, discard())
	s.ReplaceAll(map[string]pivot.Levels{"aapl": {Pivot: 1}, "MSFT": {Pivot: 2}})
	assert.Equal(t, 2, s.Len())

	before := s.Snapshot()
	s.ReplaceAll(map[string]pivot.Levels{"TSLA": {Pivot: 3}})
	assert.Equal(t, 1, s.Len())
	assert.False(t, s.Has("AAPL"))
	assert.Len(t, before, 2, "snapshots are copies")
}

func TestReplaceAllConcurrentReaders(t *testing.T) {
	s := NewStore(&fakeSource{}, pivot.Classic, discard())
	a := map[string]pivot.Levels{"X": {Pivot: 1}, "Y": {Pivot: 1}}
	b := map[string]pivot.Levels{"X": {Pivot: 2}, "Y": {Pivot: 2}}
	s.ReplaceAll(a)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ctx.Err() == nil; i++ {
			if i%2 == 0 {
				s.ReplaceAll(b)
			} else {
				s.ReplaceAll(a)
			}
		}
	}()
	for ctx.Err() == nil {
		snap := s.Snapshot()
		require.Equal(t, snap["X"], snap["Y"], "reader observed a partially updated map")
	}
	wg.Wait()
}

func TestRefreshKeepsPreviousOnFailure(t *testing.T) {
	src := &fakeSource{prior: map[string][]marketdata.Bar{"AAPL": {bar(110, 90, 100)}}}
	s := NewStore(src, pivot.Classic, discard())
	s.ReplaceAll(map[string]pivot.Levels{"AAPL": {Pivot: 1}, "MSFT": {Pivot: 2}})

	failed := s.Refresh(context.Background(), []string{"AAPL", "MSFT", "TSLA"})

	assert.Len(t, failed, 2)
	assert.Contains(t, failed, "MSFT")
	assert.Contains(t, failed, "TSLA")

	aapl, _ := s.Get("AAPL")
	assert.InDelta(t, 100.0, aapl.Pivot, 1e-9)
	msft, ok := s.Get("MSFT")
	require.True(t, ok)
	assert.Equal(t, 2.0, msft.Pivot)
	assert.False(t, s.Has("TSLA"))
}
