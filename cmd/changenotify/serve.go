package main

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"changenotify/internal/app"
	logx "changenotify/pkg/logx"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the service: spool inbox, retries, maintenance jobs and ops endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), o)
		},
	}
}

func serve(ctx context.Context, o *rootOptions) error {
	a, err := o.open()
	if err != nil {
		return err
	}
	log := a.Logger()

	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Debug("sd_notify ready failed", logx.Err(err))
	}

	wdCtx, wdCancel := context.WithCancel(ctx)
	defer wdCancel()
	go watchdog(wdCtx, log)

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}
	wdCancel()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	fatal := a.Err()
	if err := a.Stop(stopCtx, reason); err != nil {
		log.Warn("stop failed", logx.Err(err))
	}
	return fatal
}

// watchdog pings systemd at half the configured interval. It is a no-op when
// the unit has no WatchdogSec.
func watchdog(ctx context.Context, log logx.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				log.Debug("sd_notify watchdog failed", logx.Err(err))
			}
		}
	}
}
