package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"changenotify/internal/app"
	"changenotify/internal/domain"
	"changenotify/internal/history"
	"changenotify/internal/storage"
)

func newHistoryCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Query, replay and audit delivery records",
	}
	cmd.AddCommand(
		newHistoryListCmd(o),
		newHistorySearchCmd(o),
		newHistoryShowCmd(o),
		newHistoryBulkCmd(o, history.BulkResend, "resend <id>...", "Resend failed or expired records as fresh deliveries"),
		newHistoryBulkCmd(o, history.BulkCancel, "cancel <id>...", "Cancel pending or retrying records"),
		newHistoryArchiveCmd(o),
		newHistoryStatsCmd(o),
	)
	return cmd
}

// withApp opens the app, starts the audit trail and always stops it.
func withApp(ctx context.Context, o *rootOptions, fn func(a *app.App) error) error {
	a, err := o.open()
	if err != nil {
		return err
	}
	a.StartAudit(ctx)
	defer func() { _ = a.Stop(context.Background(), app.StopCommand) }()
	return fn(a)
}

type listOptions struct {
	statuses  []string
	channel   string
	user      string
	event     string
	recipient string
	since     time.Duration
	page      int
	size      int
	archived  bool
}

func (lo listOptions) filter(now time.Time) (history.Filter, error) {
	f := history.Filter{
		UserID:          lo.user,
		SourceEventID:   lo.event,
		Recipient:       lo.recipient,
		IncludeArchived: lo.archived,
	}
	var errs []error
	for _, s := range lo.statuses {
		st, err := domain.ParseStatus(s)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		f.Statuses = append(f.Statuses, st)
	}
	if lo.channel != "" {
		ch, err := domain.ParseChannel(lo.channel)
		if err != nil {
			errs = append(errs, err)
		}
		f.Channel = ch
	}
	if lo.since > 0 {
		f.From = now.Add(-lo.since)
	}
	return f, errors.Join(errs...)
}

func newHistoryListCmd(o *rootOptions) *cobra.Command {
	lo := listOptions{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List delivery records, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := lo.filter(time.Now())
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), o, func(a *app.App) error {
				res, err := a.History().List(cmd.Context(), f, history.Page{Page: lo.page, Size: lo.size})
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if o.jsonOut {
					return printJSON(w, res)
				}
				if err := renderTable(w, recordHeaders, recordRows(res.Records)); err != nil {
					return err
				}
				fmt.Fprintf(w, "page %d/%d, %d records\n", res.Page, max(res.Pages, 1), res.Total)
				return nil
			})
		},
	}
	fl := cmd.Flags()
	fl.StringSliceVar(&lo.statuses, "status", nil, "only these statuses (comma separated)")
	fl.StringVar(&lo.channel, "channel", "", "only this channel")
	fl.StringVar(&lo.user, "user", "", "only this user id")
	fl.StringVar(&lo.event, "event", "", "only records of this source event")
	fl.StringVar(&lo.recipient, "recipient", "", "recipient substring")
	fl.DurationVar(&lo.since, "since", 0, "only records created within this long")
	fl.IntVar(&lo.page, "page", 1, "page number (1-based)")
	fl.IntVar(&lo.size, "size", history.DefaultPageSize, "page size")
	fl.BoolVar(&lo.archived, "archived", false, "include archived records")
	return cmd
}

func newHistorySearchCmd(o *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <text>",
		Short: "Search subjects, bodies and errors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), o, func(a *app.App) error {
				recs, err := a.History().Search(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				if o.jsonOut {
					return printJSON(cmd.OutOrStdout(), recs)
				}
				return renderTable(cmd.OutOrStdout(), recordHeaders, recordRows(recs))
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", history.DefaultPageSize, "maximum results")
	return cmd
}

func newHistoryShowCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one record with its audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), o, func(a *app.App) error {
				rec, events, err := a.History().Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if o.jsonOut {
					return printJSON(w, map[string]any{"record": rec, "events": events})
				}
				return printRecord(w, rec, events)
			})
		},
	}
}

func printRecord(w io.Writer, rec domain.Record, events []storage.DeliveryEvent) error {
	title(w, rec.ID)
	rows := [][]string{
		{"status", statusText(rec.Status)},
		{"channel", string(rec.Channel)},
		{"user", cell(rec.UserID)},
		{"recipient", cell(rec.Recipient)},
		{"event", cell(rec.SourceEventID)},
		{"severity", string(rec.Severity)},
		{"retries", fmt.Sprintf("%d/%d", rec.RetryCount, rec.MaxRetries)},
		{"subject", cell(rec.Subject)},
		{"created", cell(rec.CreatedAt)},
		{"sent", cell(rec.SentAt)},
		{"delivery time", cell(rec.DeliveryTime)},
		{"message id", cell(rec.MessageID)},
		{"batch", cell(rec.BatchID)},
		{"replaced by", cell(rec.ReplacedBy)},
		{"archived", fmt.Sprint(rec.Archived)},
		{"error", cell(rec.ErrorMessage)},
	}
	if err := renderTable(w, []string{"FIELD", "VALUE"}, rows); err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	trail := make([][]string, 0, len(events))
	for _, e := range events {
		trail = append(trail, []string{cell(e.At), e.Type, statusText(e.Status), fmt.Sprint(e.RetryCount), cell(e.Error)})
	}
	return renderTable(w, []string{"AT", "EVENT", "STATUS", "RETRY", "ERROR"}, trail)
}

func newHistoryBulkCmd(o *rootOptions, op history.BulkOp, use, short string) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), o, func(a *app.App) error {
				res, err := a.History().Bulk(cmd.Context(), op, args)
				if err != nil {
					return err
				}
				if op == history.BulkResend && wait > 0 {
					waitCtx, cancel := context.WithTimeout(cmd.Context(), wait)
					_ = a.Tracker().Wait(waitCtx)
					cancel()
				}
				return printBulk(cmd.OutOrStdout(), o.jsonOut, res)
			})
		},
	}
	if op == history.BulkResend {
		cmd.Flags().DurationVar(&wait, "wait", 2*time.Minute, "how long to let retries of the resent records play out")
	}
	return cmd
}

func newHistoryArchiveCmd(o *rootOptions) *cobra.Command {
	var undo bool
	cmd := &cobra.Command{
		Use:   "archive <id>...",
		Short: "Flag records for audit retention",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), o, func(a *app.App) error {
				if !undo {
					res, err := a.History().Bulk(cmd.Context(), history.BulkArchive, args)
					if err != nil {
						return err
					}
					return printBulk(cmd.OutOrStdout(), o.jsonOut, res)
				}
				res := history.BulkResult{Op: "unarchive", Failed: map[string]string{}}
				for _, id := range args {
					if err := a.History().Archive(cmd.Context(), id, false); err != nil {
						res.Failed[id] = err.Error()
						continue
					}
					res.Succeeded = append(res.Succeeded, id)
				}
				return printBulk(cmd.OutOrStdout(), o.jsonOut, res)
			})
		},
	}
	cmd.Flags().BoolVar(&undo, "undo", false, "clear the archive flag instead")
	return cmd
}

func printBulk(w io.Writer, jsonOut bool, res history.BulkResult) error {
	if jsonOut {
		if err := printJSON(w, res); err != nil {
			return err
		}
	} else {
		rows := make([][]string, 0, len(res.Succeeded)+len(res.Failed))
		for _, id := range res.Succeeded {
			rows = append(rows, []string{id, "ok"})
		}
		for id, msg := range res.Failed {
			rows = append(rows, []string{id, msg})
		}
		if err := renderTable(w, []string{"ID", string(res.Op)}, rows); err != nil {
			return err
		}
	}
	if len(res.Failed) > 0 {
		return fmt.Errorf("%s failed for %d of %d records", res.Op, len(res.Failed), len(res.Failed)+len(res.Succeeded))
	}
	return nil
}

func newHistoryStatsCmd(o *rootOptions) *cobra.Command {
	var (
		since time.Duration
		top   int
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Delivery rollups over a time range",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), o, func(a *app.App) error {
				to := time.Now()
				from := to.Add(-since)
				an, err := a.History().Analytics(cmd.Context(), from, to, top)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if o.jsonOut {
					return printJSON(w, an)
				}
				title(w, fmt.Sprintf("%s to %s", from.Format(time.RFC3339), to.Format(time.RFC3339)))
				rows := [][]string{
					{"records", fmt.Sprint(an.Total)},
					{"avg delivery", fmt.Sprintf("%.2fs", an.AverageDeliveryTime)},
				}
				for _, st := range domain.Statuses {
					if n := an.ByStatus[st]; n > 0 {
						rows = append(rows, []string{"status " + string(st), fmt.Sprint(n)})
					}
				}
				for _, ch := range domain.Channels {
					if n := an.ByChannel[ch]; n > 0 {
						rows = append(rows, []string{"channel " + string(ch), fmt.Sprint(n)})
					}
				}
				if err := renderTable(w, []string{"METRIC", "VALUE"}, rows); err != nil {
					return err
				}
				if len(an.TopRecipients) == 0 {
					return nil
				}
				tr := make([][]string, 0, len(an.TopRecipients))
				for _, rc := range an.TopRecipients {
					tr = append(tr, []string{rc.Recipient, fmt.Sprint(rc.Count)})
				}
				return renderTable(w, []string{"RECIPIENT", "RECORDS"}, tr)
			})
		},
	}
	cmd.Flags().DurationVar(&since, "since", 7*24*time.Hour, "range length ending now")
	cmd.Flags().IntVar(&top, "top", 10, "top recipients to show")
	return cmd
}
