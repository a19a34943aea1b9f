package main

import (
	"context"
	"log/slog"
	"time"
)

type journalPruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

type pruneTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) pruneTicker

func newTimeTicker(d time.Duration) pruneTicker {
	return timeTicker{ticker: time.NewTicker(d)}
}

// runJournalPruner deletes journal events older than retention on every
// tick until ctx is done. A zero retention or interval disables it.
func runJournalPruner(
	ctx context.Context,
	logger *slog.Logger,
	pruner journalPruner,
	retention, interval time.Duration,
	newTicker tickerFactory,
	now func() time.Time,
) {
	if pruner == nil || retention <= 0 || interval <= 0 {
		return
	}
	if newTicker == nil {
		newTicker = newTimeTicker
	}
	if now == nil {
		now = time.Now
	}
	ticker := newTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			removed, err := pruner.Prune(ctx, now().Add(-retention))
			if err != nil {
				if ctx.Err() == nil && logger != nil {
					logger.Error("failed to prune journal", "error", err)
				}
				continue
			}
			if removed > 0 && logger != nil {
				logger.Info("pruned journal events", "removed", removed, "retention", retention.String())
			}
		}
	}
}
