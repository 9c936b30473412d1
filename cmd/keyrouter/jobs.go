package main

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	keyrouter "github.com/ineyio/keyrouter"
)

// startJobs schedules the periodic maintenance jobs. The returned cron must
// be stopped on shutdown.
func (a *app) startJobs(ctx context.Context) (*cron.Cron, error) {
	c := cron.New()

	if a.settings.SnapshotSchedule != "" {
		if _, err := c.AddFunc(a.settings.SnapshotSchedule, func() { a.logSnapshot(ctx) }); err != nil {
			return nil, fmt.Errorf("schedule snapshot job: %w", err)
		}
	}

	if p, ok := a.ledger.(keyrouter.LedgerPurger); ok && a.settings.PurgeSchedule != "" {
		idle := a.settings.PurgeIdle
		_, err := c.AddFunc(a.settings.PurgeSchedule, func() {
			n, err := p.Purge(ctx, idle)
			if err != nil {
				a.logger.Error("ledger purge failed", "error", err)
				return
			}
			a.logger.Info("ledger purged", "removed", n, "idle_for", idle.String())
		})
		if err != nil {
			return nil, fmt.Errorf("schedule purge job: %w", err)
		}
	}

	if a.settings.RefreshSchedule != "" {
		if _, err := c.AddFunc(a.settings.RefreshSchedule, a.cached.Invalidate); err != nil {
			return nil, fmt.Errorf("schedule registry refresh: %w", err)
		}
	}

	c.Start()
	return c, nil
}

func (a *app) logSnapshot(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	snap, err := a.router.Snapshot(ctx)
	if err != nil {
		a.logger.Error("snapshot failed", "error", err)
		return
	}
	for _, st := range snap.Instances {
		attrs := []any{
			"instance", st.Key.String(),
			"family", st.Family,
			"enabled", st.Enabled,
			"rpm_used", st.Usage.Minute.Used,
			"rph_used", st.Usage.Hour.Used,
			"rpd_used", st.Usage.Day.Used,
			"total_used", st.Usage.Total.Used,
		}
		if st.Exclusion != nil {
			attrs = append(attrs, "excluded_until", st.Exclusion.RetryAt, "reason", string(st.Exclusion.Reason))
		}
		a.logger.Info("instance usage", attrs...)
	}
}
