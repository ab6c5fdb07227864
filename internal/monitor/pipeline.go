// Package monitor moves observations from producers (stream, poller) to the
// crossing detector and on to alert delivery, off the producers' goroutines.
package monitor

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"pivotwatch/internal/crossing"
	"pivotwatch/internal/marketdata"
	"pivotwatch/internal/metrics"
)

const (
	DefaultWorkers   = 4
	DefaultQueueSize = 256
)

// Evaluator turns a price into at most one alert.
type Evaluator interface {
	OnPrice(ctx context.Context, symbol string, price float64, now time.Time) (crossing.Alert, bool)
}

// Deliverer accepts alerts without blocking.
type Deliverer interface {
	Deliver(a crossing.Alert) bool
}

// Pipeline fans observations out to a fixed set of workers. A symbol always
// hashes to the same worker, so its observations are evaluated in arrival order.
type Pipeline struct {
	eval   Evaluator
	out    Deliverer
	log    *slog.Logger
	shards []chan marketdata.Observation

	mu      sync.Mutex
	running bool
}

func NewPipeline(eval Evaluator, out Deliverer, workers, queueSize int, logger *slog.Logger) *Pipeline {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	shards := make([]chan marketdata.Observation, workers)
	for i := range shards {
		shards[i] = make(chan marketdata.Observation, queueSize)
	}
	return &Pipeline{eval: eval, out: out, log: logger, shards: shards}
}

func (p *Pipeline) shard(symbol string) chan marketdata.Observation {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return p.shards[h.Sum32()%uint32(len(p.shards))]
}

// Submit enqueues obs and never blocks. A full queue drops the observation.
func (p *Pipeline) Submit(obs marketdata.Observation) bool {
	obs.Symbol = marketdata.NormalizeSymbol(obs.Symbol)
	if obs.Symbol == "" || !(obs.Price > 0) {
		return false
	}
	if obs.ReceivedAt.IsZero() {
		obs.ReceivedAt = time.Now()
	}
	select {
	case p.shard(obs.Symbol) <- obs:
		metrics.Observations.WithLabelValues(string(obs.Source)).Inc()
		return true
	default:
		metrics.ObservationsDropped.Inc()
		p.log.Warn("observation queue full; dropping",
			slog.String("symbol", obs.Symbol),
			slog.Float64("price", obs.Price),
		)
		return false
	}
}

// Run processes observations until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, ch := range p.shards {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(ctx, ch)
		}()
	}
	p.log.Info("pipeline started", slog.Int("workers", len(p.shards)))
	wg.Wait()
	p.log.Info("pipeline stopped")
}

func (p *Pipeline) worker(ctx context.Context, ch <-chan marketdata.Observation) {
	for {
		select {
		case <-ctx.Done():
			return
		case obs := <-ch:
			p.process(ctx, obs)
		}
	}
}

func (p *Pipeline) process(ctx context.Context, obs marketdata.Observation) {
	alert, ok := p.eval.OnPrice(ctx, obs.Symbol, obs.Price, obs.ReceivedAt)
	if !ok {
		return
	}
	p.log.Info("pivot crossing",
		slog.String("symbol", alert.Symbol),
		slog.String("level", string(alert.Level)),
		slog.Float64("level_value", alert.LevelValue),
		slog.Float64("price", alert.Price),
		slog.String("direction", string(alert.Direction)),
		slog.String("source", string(obs.Source)),
	)
	p.out.Deliver(alert)
}

// Depth is the total number of queued observations.
func (p *Pipeline) Depth() int {
	n := 0
	for _, ch := range p.shards {
		n += len(ch)
	}
	return n
}
