package notify

import (
	"bytes"
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

	"pivotwatch/internal/crossing"
	"pivotwatch/internal/pivot"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func sampleAlert() crossing.Alert {
	return crossing.Alert{ID: "a1", Symbol: "AAPL", Level: pivot.R1, LevelValue: 10.5, Price: 10.49, Direction: crossing.Up}
}

func TestFailingSinkDoesNotBlockOthers(t *testing.T) {
	var got atomic.Int32
	failing := SinkFunc{ID: "broken", Fn: func(context.Context, crossing.Alert) error { return errors.New("boom") }}
	good := SinkFunc{ID: "good", Fn: func(context.Context, crossing.Alert) error { got.Add(1); return nil }}
	d := NewDispatcher(quietLogger(), 4, time.Second, failing, good)

	err := d.send(context.Background(), sampleAlert())
	assert.ErrorIs(t, err, ErrDelivery)
	assert.Contains(t, err.Error(), "broken")
	assert.Equal(t, int32(1), got.Load())
}

func TestEveryFailingSinkIsReported(t *testing.T) {
	fail := func(id string) Sink {
		return SinkFunc{ID: id, Fn: func(context.Context, crossing.Alert) error { return errors.New(id + " down") }}
	}
	d := NewDispatcher(quietLogger(), 4, time.Second, fail("chat"), fail("hook"))

	err := d.send(context.Background(), sampleAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat down")
	assert.Contains(t, err.Error(), "hook down")
}

func TestSlowSinkTimesOut(t *testing.T) {
	slow := SinkFunc{ID: "slow", Fn: func(ctx context.Context, _ crossing.Alert) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	d := NewDispatcher(quietLogger(), 4, 20*time.Millisecond, slow)

	start := time.Now()
	err := d.send(context.Background(), sampleAlert())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDeliverIsNonBlocking(t *testing.T) {
	d := NewDispatcher(quietLogger(), 1, time.Second)
	assert.True(t, d.Deliver(sampleAlert()))
	assert.False(t, d.Deliver(sampleAlert()))
}

func TestRunDeliversQueuedAlerts(t *testing.T) {
	var mu sync.Mutex
	var ids []string
	sink := SinkFunc{ID: "mem", Fn: func(_ context.Context, a crossing.Alert) error {
		mu.Lock()
		ids = append(ids, a.ID)
		mu.Unlock()
		return nil
	}}
	d := NewDispatcher(quietLogger(), 8, time.Second)
	d.Add(sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	for _, id := range []string{"x", "y", "z"} {
		a := sampleAlert()
		a.ID = id
		require.True(t, d.Deliver(a))
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ids) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"x", "y", "z"}, ids)
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	s := LogSink{Log: slog.New(slog.NewTextHandler(&buf, nil))}
	require.NoError(t, s.Send(context.Background(), sampleAlert()))
	assert.Contains(t, buf.String(), "symbol=AAPL")
	assert.Contains(t, buf.String(), "level=R1")
}
