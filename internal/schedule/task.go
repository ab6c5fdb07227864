// Package schedule runs periodic background tasks.
package schedule

import (
	"context"
	"log/slog"
	"time"
)

type Task interface {
	Run(ctx context.Context) error
	Name() string
}

// Every runs task each interval until ctx is cancelled. A failed run is logged
// and does not stop the schedule. With immediate set the first run happens
// right away instead of after one interval.
func Every(ctx context.Context, log *slog.Logger, interval time.Duration, immediate bool, task Task) {
	if interval <= 0 {
		log.Warn("task disabled", slog.String("task", task.Name()))
		return
	}
	log.Info("task scheduled", slog.String("task", task.Name()), slog.Duration("every", interval))

	run := func() {
		start := time.Now()
		if err := task.Run(ctx); err != nil && ctx.Err() == nil {
			log.Warn("task failed", slog.String("task", task.Name()), slog.String("err", err.Error()))
			return
		}
		log.Debug("task done", slog.String("task", task.Name()), slog.Duration("took", time.Since(start)))
	}

	if immediate {
		run()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}
