package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"changenotify/internal/app"
	"changenotify/internal/domain"
	"changenotify/internal/storage"
)

func newPrefsCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prefs",
		Short: "Inspect and edit per-user channel preferences",
	}
	cmd.AddCommand(newPrefsListCmd(o), newPrefsSetCmd(o), newPrefsDisableCmd(o))
	return cmd
}

func newPrefsListCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list <user>",
		Short: "List a user's preferences",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), o, func(a *app.App) error {
				prefs, err := a.Preferences().GetPreferences(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printPrefs(cmd.OutOrStdout(), o.jsonOut, prefs)
			})
		},
	}
}

type setOptions struct {
	severity      string
	frequency     string
	businessHours bool
	batch         bool
	batchSize     int
	batchWindow   int
	timezone      string
	disabled      bool
}

func newPrefsSetCmd(o *rootOptions) *cobra.Command {
	so := setOptions{}
	cmd := &cobra.Command{
		Use:   "set <user> <channel>",
		Short: "Create or update one preference",
		Long: `Only flags given on the command line change; the rest keep the stored value
(or the defaults for a new preference: severity all, frequency immediate,
enabled).`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ch, err := domain.ParseChannel(args[1])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), o, func(a *app.App) error {
				ctx := cmd.Context()
				prefs, err := a.Preferences().GetPreferences(ctx, args[0])
				if err != nil && !errors.Is(err, storage.ErrNotFound) {
					return err
				}
				p := domain.Preference{UserID: args[0], Channel: ch, Enabled: true}
				for _, cur := range prefs {
					if cur.Channel == ch {
						p = cur
					}
				}
				if err := so.apply(cmd, &p); err != nil {
					return err
				}
				if err := a.Preferences().Upsert(ctx, p); err != nil {
					return err
				}
				stored, err := a.Preferences().GetPreferences(ctx, args[0])
				if err != nil {
					return err
				}
				return printPrefs(cmd.OutOrStdout(), o.jsonOut, stored)
			})
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&so.severity, "severity", "", "minimum severity (low, medium, high, critical, all)")
	fl.StringVar(&so.frequency, "frequency", "", "immediate, hourly, daily, weekly, business_hours or custom")
	fl.BoolVar(&so.businessHours, "business-hours", false, "only deliver non-critical events during business hours")
	fl.BoolVar(&so.batch, "batch", false, "collect notifications into batches")
	fl.IntVar(&so.batchSize, "batch-size", 0, "flush a batch at this many notifications")
	fl.IntVar(&so.batchWindow, "batch-window", 0, "flush a batch after this many minutes")
	fl.StringVar(&so.timezone, "timezone", "", "IANA timezone for business hours")
	fl.BoolVar(&so.disabled, "disabled", false, "store the preference disabled")
	return cmd
}

func (so setOptions) apply(cmd *cobra.Command, p *domain.Preference) error {
	changed := cmd.Flags().Changed
	if changed("severity") {
		s, err := domain.ParseSeverity(so.severity)
		if err != nil {
			return err
		}
		p.SeverityFilter = s
	}
	if changed("frequency") {
		f, err := domain.ParseFrequency(so.frequency)
		if err != nil {
			return err
		}
		p.Frequency = f
	}
	if changed("business-hours") {
		p.BusinessHoursOnly = so.businessHours
	}
	if changed("batch") {
		p.BatchEnabled = so.batch
	}
	if changed("batch-size") {
		p.BatchSize = so.batchSize
	}
	if changed("batch-window") {
		p.BatchWindowMinutes = so.batchWindow
	}
	if changed("timezone") {
		p.Timezone = so.timezone
	}
	if changed("disabled") {
		p.Enabled = !so.disabled
	}
	return nil
}

func newPrefsDisableCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "disable <user> <channel>",
		Short: "Turn a channel off for a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ch, err := domain.ParseChannel(args[1])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), o, func(a *app.App) error {
				if err := a.Preferences().Disable(cmd.Context(), args[0], ch); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s disabled for %s\n", ch, args[0])
				return nil
			})
		},
	}
}

func printPrefs(w io.Writer, jsonOut bool, prefs []domain.Preference) error {
	if jsonOut {
		return printJSON(w, prefs)
	}
	rows := make([][]string, 0, len(prefs))
	for _, p := range prefs {
		batch := "-"
		if p.BatchEnabled {
			batch = fmt.Sprintf("%d / %dm", p.BatchSize, p.BatchWindowMinutes)
		}
		rows = append(rows, []string{
			string(p.Channel),
			fmt.Sprint(p.Enabled),
			string(p.SeverityFilter),
			string(p.Frequency),
			fmt.Sprint(p.BusinessHoursOnly),
			batch,
			cell(p.Timezone),
			cell(p.UpdatedAt),
		})
	}
	return renderTable(w, []string{"CHANNEL", "ENABLED", "SEVERITY", "FREQUENCY", "BUSINESS HOURS", "BATCH", "TIMEZONE", "UPDATED"}, rows)
}
