package app

import (
	"context"
	"fmt"
	"slices"
	"time"

	"changenotify/internal/batching"
	"changenotify/internal/channel"
	"changenotify/internal/config"
	"changenotify/internal/runtime/supervisor"
	"changenotify/internal/spool"
	logx "changenotify/pkg/logx"
)

// StartAudit starts the supervisor and the audit recorder only. One-shot
// commands use it so their deliveries still land in the audit trail.
func (a *App) StartAudit(ctx context.Context) {
	if a.sup != nil {
		return
	}
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.audit.Attach()
	a.sup.GoRestart("audit", a.audit.Run)
}

// Start runs the full service: audit trail, resumed deliveries, maintenance
// jobs, spool inbox, ops server and config hot reload.
func (a *App) Start(ctx context.Context) error {
	a.StartAudit(ctx)
	runCtx := a.sup.Context()

	n, err := a.tracker.Resume(runCtx)
	if err != nil {
		return fmt.Errorf("resume deliveries: %w", err)
	}
	if n > 0 {
		a.log.Info("deliveries resumed", logx.Int("count", n))
	}

	a.maint.Start(runCtx)

	if a.rt.SpoolOn {
		sp, err := spool.New(a.rt.Spool, a.disp, a.log, a.metrics)
		if err != nil {
			return err
		}
		a.spool = sp
		a.sup.GoRestart("spool", sp.Run)
	}

	a.ops.Apply(runCtx, a.rt.Ops)

	a.cfgm.SetValidator(a.validateReload)
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last, _ := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts to the newest version.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							cfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyReload(c, last, cfg)
				last = cfg
			}
		}
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch)

	a.log.Info("started",
		logx.Strings("channels", channelNames(a.channels)),
		logx.Bool("spool", a.rt.SpoolOn),
		logx.Bool("ops", a.rt.Ops.Enabled),
	)
	return nil
}

// validateReload rejects reloads this process cannot apply live.
func (a *App) validateReload(_ context.Context, cfg *config.Config) error {
	rt, err := config.Resolve(cfg)
	if err != nil {
		return err
	}
	if _, errs := channel.Build(rt.Channels, logx.Nop()); len(errs) > 0 && len(errs) == len(cfg.Channels.Names()) {
		return fmt.Errorf("no configured channel could be initialized")
	}
	return nil
}

func (a *App) applyReload(ctx context.Context, old, cfg *config.Config) {
	sections := config.ChangedSections(old, cfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	rt, err := config.Resolve(cfg)
	if err != nil {
		a.log.Warn("config reload rejected", logx.Err(err))
		return
	}
	if restart := config.RequiresRestart(sections); len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.Strings("sections", restart))
	}

	for _, s := range sections {
		switch s {
		case "logging":
			if a.logs != nil {
				if err := a.logs.Apply(rt.Logging); err != nil {
					a.log.Warn("logging reload failed; keeping previous sinks", logx.Err(err))
				}
			}
		case "delivery":
			a.tracker.Apply(rt.Retry)
		case "batching":
			a.batcher.Apply(rt.Batching)
		case "channels":
			next, _ := channel.Build(rt.Channels, a.log)
			a.channels.Swap(next)
		case "directory":
			if err := a.dir.Reload(rt.Directory); err != nil {
				a.log.Warn("directory reload failed; keeping previous", logx.Err(err))
			}
		case "dispatch":
			a.disp.Apply(rt.Dispatch)
		case "maintenance":
			if err := a.maint.Set(a.jobs(rt)); err != nil {
				a.log.Warn("maintenance reload failed; keeping previous", logx.Err(err))
			}
		case "ops":
			a.ops.Apply(ctx, rt.Ops)
		}
	}
	// Expiry age and audit retention are captured by the job closures.
	if slices.Contains(sections, "delivery") && !slices.Contains(sections, "maintenance") {
		if err := a.maint.Set(a.jobs(rt)); err != nil {
			a.log.Warn("maintenance reload failed; keeping previous", logx.Err(err))
		}
	}
	a.rt = rt
	a.log.Info("config reloaded", config.SummarizeChange(old, cfg)...)
}

// Stop shuts components down in dependency order. Each step is bounded so
// one slow component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Buffered batches go out before the senders and storage go away.
	step("batches", 10*time.Second, func(c context.Context) error {
		_, err := a.batcher.FlushAll(c, batching.TriggerShutdown)
		return err
	})
	a.sup.Cancel()
	step("maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	step("ops", 2*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("delivery", 5*time.Second, a.tracker.Stop)
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped", logx.String("reason", string(reason)))
	a.closeLogs()
	return nil
}

func channelNames(r *channel.Registry) []string {
	var out []string
	for _, ch := range r.Channels() {
		out = append(out, string(ch))
	}
	return out
}
