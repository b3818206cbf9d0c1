package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"changenotify/internal/app"
	"changenotify/internal/channel"
	"changenotify/internal/config"
	"changenotify/internal/domain"
	logx "changenotify/pkg/logx"
)

func newMetricsCmd(o *rootOptions) *cobra.Command {
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Delivery success and retry rates over a time range",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), o, func(a *app.App) error {
				to := time.Now()
				m, err := a.Tracker().Metrics(cmd.Context(), to.Add(-since), to)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if o.jsonOut {
					return printJSON(w, m)
				}
				title(w, fmt.Sprintf("%s to %s", m.From.Format(time.RFC3339), m.To.Format(time.RFC3339)))
				return renderTable(w, []string{"METRIC", "VALUE"}, [][]string{
					{"sent", fmt.Sprint(m.TotalSent)},
					{"delivered", fmt.Sprint(m.TotalDelivered)},
					{"failed", fmt.Sprint(m.TotalFailed)},
					{"retried", fmt.Sprint(m.TotalRetried)},
					{"success rate", fmt.Sprintf("%.1f%%", m.SuccessRate)},
					{"retry rate", fmt.Sprintf("%.1f%%", m.RetryRate)},
					{"avg delivery", fmt.Sprintf("%.2fs", m.AverageDeliveryTime)},
				})
			})
		},
	}
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "range length ending now")
	return cmd
}

func newExpireCmd(o *rootOptions) *cobra.Command {
	var maxAge time.Duration
	cmd := &cobra.Command{
		Use:   "expire",
		Short: "Expire pending and retrying records older than --max-age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), o, func(a *app.App) error {
				age := maxAge
				if age <= 0 {
					age = a.Runtime().ExpireAfter
				}
				n, err := a.Tracker().CleanupExpired(cmd.Context(), age)
				if err != nil {
					return err
				}
				if o.jsonOut {
					return printJSON(cmd.OutOrStdout(), map[string]any{"expired": n, "max_age": age.String()})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "expired %d records older than %s\n", n, age)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "age threshold (default delivery.expire_after)")
	return cmd
}

func newConfigCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Config file tooling",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the config and try to initialize every channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m := config.NewManager(o.configPath)
			cfg, rt, err := m.Load()
			if err != nil {
				return err
			}
			reg, errs := channel.Build(rt.Channels, logx.Nop())
			w := cmd.OutOrStdout()
			rows := make([][]string, 0, len(cfg.Channels.Names()))
			for _, name := range cfg.Channels.Names() {
				state := "ok"
				if err := errs[domain.Channel(name)]; err != nil {
					state = err.Error()
				}
				rows = append(rows, []string{name, state})
			}
			if o.jsonOut {
				out := map[string]string{}
				for _, r := range rows {
					out[r[0]] = r[1]
				}
				if err := printJSON(w, map[string]any{"path": m.Path(), "channels": out, "timezone": rt.Location.String()}); err != nil {
					return err
				}
			} else {
				title(w, fmt.Sprintf("%s: valid (timezone %s)", m.Path(), rt.Location))
				if len(rows) > 0 {
					if err := renderTable(w, []string{"CHANNEL", "STATE"}, rows); err != nil {
						return err
					}
				}
			}
			if len(errs) > 0 {
				return fmt.Errorf("%d of %d channels failed to initialize", len(errs), len(errs)+len(reg.Channels()))
			}
			return nil
		},
	})
	return cmd
}
