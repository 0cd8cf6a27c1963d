package maintenance

import (
	"context"
	"time"

	"fitnesse-backend/internal/observability"
)

// Janitor runs a Cleaner on a fixed interval inside a long-running process.
type Janitor struct {
	cleaner  Cleaner
	interval time.Duration
	logger   *observability.Logger
}

func NewJanitor(cleaner Cleaner, interval time.Duration, logger *observability.Logger) *Janitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Janitor{cleaner: cleaner, interval: interval, logger: logger}
}

// Run sweeps once per interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

func (j *Janitor) RunOnce(ctx context.Context) {
	result, err := j.cleaner.Cleanup(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		j.logger.Error("state_cleanup_failed", map[string]any{"error": err.Error(), "trigger": "janitor"})
		observability.CaptureError(err, map[string]string{"component": "janitor"})
		return
	}

	var total int64
	for _, n := range result {
		total += n
	}
	if total > 0 {
		j.logger.Info("state_cleanup_completed", map[string]any{"deleted": result, "trigger": "janitor"})
	}
}
