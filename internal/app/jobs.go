package app

import (
	"context"

	"changenotify/internal/batching"
	"changenotify/internal/config"
	"changenotify/internal/maintenance"
	logx "changenotify/pkg/logx"
)

// Maintenance job names.
const (
	JobExpire     = "expire"
	JobBatchFlush = "batch_flush"
	JobAuditPrune = "audit_prune"
)

// jobs builds the maintenance jobs for rt. Jobs with an empty schedule are
// disabled.
func (a *App) jobs(rt *config.Runtime) []maintenance.Job {
	m := rt.Maintenance
	expireAfter := rt.ExpireAfter
	retention := m.AuditRetention

	var out []maintenance.Job
	add := func(name, schedule string, run func(ctx context.Context) error) {
		if schedule == "" {
			a.log.Info("maintenance job disabled", logx.String("job", name))
			return
		}
		out = append(out, maintenance.Job{Name: name, Schedule: schedule, Timeout: m.JobTimeout, Run: run})
	}

	add(JobExpire, m.Expire, func(ctx context.Context) error {
		_, err := a.tracker.CleanupExpired(ctx, expireAfter)
		return err
	})
	add(JobBatchFlush, m.BatchFlush, func(ctx context.Context) error {
		_, err := a.batcher.FlushDue(ctx)
		return err
	})
	add(JobAuditPrune, m.AuditPrune, func(ctx context.Context) error {
		n, err := a.store.PruneEvents(ctx, a.now().Add(-retention))
		if n > 0 {
			a.log.Info("audit events pruned", logx.Int("count", n), logx.Duration("retention", retention))
		}
		return err
	})
	return out
}

// FlushBatches delivers every buffered batch now.
func (a *App) FlushBatches(ctx context.Context) (int, error) {
	return a.batcher.FlushAll(ctx, batching.TriggerManual)
}
