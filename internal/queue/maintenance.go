package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// newMaintenance schedules retry promotion, stale lease recovery and pruning
// of completed jobs for every registered queue
func (c *Client) newMaintenance(ctx context.Context) (*cron.Cron, error) {
	sched := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	tasks := []struct {
		name     string
		interval time.Duration
		run      func(context.Context)
	}{
		{"promote", c.cfg.PromoteInterval, c.promoteDue},
		{"reclaim", c.cfg.ReclaimInterval, c.reclaimStale},
		{"prune", c.cfg.PruneInterval, c.pruneCompleted},
	}

	for _, t := range tasks {
		run := t.run
		if _, err := sched.AddFunc(fmt.Sprintf("@every %s", t.interval), func() { run(ctx) }); err != nil {
			return nil, fmt.Errorf("failed to schedule %s maintenance: %w", t.name, err)
		}
	}
	return sched, nil
}

func (c *Client) promoteDue(ctx context.Context) {
	for _, q := range c.Queues() {
		n, err := c.store.PromoteDue(ctx, q)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Error("Failed to promote due jobs", slog.String("queue", q), slog.Any("error", err))
			}
			continue
		}
		if n > 0 {
			c.logger.Debug("Promoted due jobs", slog.String("queue", q), slog.Int("count", n))
		}
	}
}

func (c *Client) reclaimStale(ctx context.Context) {
	for _, q := range c.Queues() {
		reclaimed, buried, err := c.store.ReclaimStale(ctx, q)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Error("Failed to reclaim stale jobs", slog.String("queue", q), slog.Any("error", err))
			}
			continue
		}
		if reclaimed > 0 || buried > 0 {
			c.metrics.reclaimed.WithLabelValues(q, string(StateWaiting)).Add(float64(reclaimed))
			c.metrics.reclaimed.WithLabelValues(q, string(StateDead)).Add(float64(buried))
			c.logger.Warn("Reclaimed stalled jobs",
				slog.String("queue", q),
				slog.Int("requeued", reclaimed),
				slog.Int("buried", buried),
			)
		}
	}
}

func (c *Client) pruneCompleted(ctx context.Context) {
	cutoff := c.now().Add(-c.cfg.CompletedRetention)
	for _, q := range c.Queues() {
		n, err := c.store.PruneCompleted(ctx, q, cutoff)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Error("Failed to prune completed jobs", slog.String("queue", q), slog.Any("error", err))
			}
			continue
		}
		if n > 0 {
			c.logger.Info("Pruned completed jobs", slog.String("queue", q), slog.Int("count", n))
		}
	}
}
