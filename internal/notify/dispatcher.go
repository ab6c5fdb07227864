// Package notify fans alerts out to delivery sinks on a dedicated goroutine so
// slow or failing sinks never hold up detection.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pivotwatch/internal/crossing"
	"pivotwatch/internal/metrics"
)

// ErrDelivery wraps any sink failure.
var ErrDelivery = errors.New("alert delivery failed")

const (
	DefaultQueueSize   = 128
	DefaultSendTimeout = 10 * time.Second
)

// Sink delivers one alert somewhere.
type Sink interface {
	Name() string
	Send(ctx context.Context, a crossing.Alert) error
}

type Dispatcher struct {
	sinks   []Sink
	queue   chan crossing.Alert
	timeout time.Duration
	log     *slog.Logger
}

func NewDispatcher(logger *slog.Logger, queueSize int, timeout time.Duration, sinks ...Sink) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	return &Dispatcher{
		sinks:   sinks,
		queue:   make(chan crossing.Alert, queueSize),
		timeout: timeout,
		log:     logger,
	}
}

// Add registers another sink. Call before Run.
func (d *Dispatcher) Add(s Sink) { d.sinks = append(d.sinks, s) }

// Deliver queues an alert without blocking.
func (d *Dispatcher) Deliver(a crossing.Alert) bool {
	select {
	case d.queue <- a:
		return true
	default:
		metrics.DeliveriesFailed.WithLabelValues("queue").Inc()
		d.log.Warn("alert queue full; dropping",
			slog.String("symbol", a.Symbol),
			slog.String("level", string(a.Level)),
		)
		return false
	}
}

// Run sends queued alerts until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-d.queue:
			if err := d.send(ctx, a); err != nil {
				d.log.Warn("alert delivery incomplete",
					slog.String("id", a.ID),
					slog.String("err", err.Error()),
				)
			}
		}
	}
}

// send delivers to every sink concurrently and joins every failure. One
// sink failing does not stop the others.
func (d *Dispatcher) send(ctx context.Context, a crossing.Alert) error {
	errs := make([]error, len(d.sinks))
	var wg sync.WaitGroup
	for i, s := range d.sinks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sctx, cancel := context.WithTimeout(ctx, d.timeout)
			defer cancel()
			if err := s.Send(sctx, a); err != nil {
				metrics.DeliveriesFailed.WithLabelValues(s.Name()).Inc()
				errs[i] = fmt.Errorf("%w: %s: %w", ErrDelivery, s.Name(), err)
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// LogSink writes alerts to the structured log.
type LogSink struct {
	Log *slog.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Send(_ context.Context, a crossing.Alert) error {
	s.Log.Info("ALERT",
		slog.String("symbol", a.Symbol),
		slog.String("level", string(a.Level)),
		slog.Float64("level_value", a.LevelValue),
		slog.Float64("price", a.Price),
		slog.String("direction", string(a.Direction)),
		slog.Time("time", a.Time),
	)
	return nil
}

// SinkFunc adapts a function into a named Sink.
type SinkFunc struct {
	ID string
	Fn func(ctx context.Context, a crossing.Alert) error
}

func (f SinkFunc) Name() string { return f.ID }

func (f SinkFunc) Send(ctx context.Context, a crossing.Alert) error { return f.Fn(ctx, a) }
