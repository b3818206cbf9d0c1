package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"changenotify/internal/app"
	"changenotify/internal/dispatch"
	"changenotify/internal/domain"
	"changenotify/internal/history"
	"changenotify/internal/render"
	"changenotify/internal/spool"
	logx "changenotify/pkg/logx"
)

type sendOptions struct {
	wait    time.Duration
	targets []string
}

func newSendCmd(o *rootOptions) *cobra.Command {
	so := &sendOptions{}
	cmd := &cobra.Command{
		Use:   "send [event.json|-]",
		Short: "Dispatch one change event and wait for the delivery outcomes",
		Long: `Reads a spool-format file ({"event": {...}, "targets": [...]}) and fans the
event out to the targeted roles. Without an argument the event is read from
stdin when stdin is not a terminal.

Retries play out for up to --wait before the command reports; records that
are still retrying resume the next time the service starts.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "-"
			if len(args) == 1 {
				path = args[0]
			} else if isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()) {
				return errors.New("no event file given and stdin is a terminal")
			}
			b, err := readInput(cmd.InOrStdin(), path)
			if err != nil {
				return err
			}
			f, err := spool.DecodeFile(b)
			if err != nil {
				return err
			}
			if len(so.targets) > 0 {
				if f.Targets, err = parseTargets(so.targets); err != nil {
					return err
				}
			}
			return runSend(cmd.Context(), cmd.OutOrStdout(), o, so, f)
		},
	}
	cmd.Flags().DurationVar(&so.wait, "wait", 2*time.Minute, "how long to let retries play out")
	cmd.Flags().StringArrayVarP(&so.targets, "target", "t", nil, "role[:template] to notify, repeatable (overrides the file)")
	return cmd
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

func parseTargets(specs []string) ([]dispatch.RoleTarget, error) {
	out := make([]dispatch.RoleTarget, 0, len(specs))
	for _, s := range specs {
		role, tpl, _ := strings.Cut(s, ":")
		role = strings.TrimSpace(role)
		if role == "" {
			return nil, fmt.Errorf("target %q: empty role", s)
		}
		t := dispatch.RoleTarget{Role: role}
		if tpl != "" {
			k, err := render.ParseKind(tpl)
			if err != nil {
				return nil, fmt.Errorf("target %q: %w", s, err)
			}
			t.Template = k
		}
		out = append(out, t)
	}
	return out, nil
}

type sendReport struct {
	Summary  dispatch.Summary `json:"summary"`
	Records  []domain.Record  `json:"records"`
	TimedOut bool             `json:"timed_out,omitempty"`
}

func runSend(ctx context.Context, w io.Writer, o *rootOptions, so *sendOptions, f spool.File) error {
	a, err := o.open()
	if err != nil {
		return err
	}
	a.StartAudit(ctx)
	defer func() { _ = a.Stop(context.Background(), app.StopCommand) }()

	targets := a.Targets(f.Targets)
	if len(targets) == 0 {
		return errors.New("no targets: pass --target or set dispatch.default_targets")
	}
	sum, err := a.Dispatcher().Dispatch(ctx, f.Event, targets)
	if err != nil {
		return err
	}
	// Batch buffers live in memory; deliver them before the process exits.
	if _, err := a.FlushBatches(ctx); err != nil {
		a.Logger().Warn("batch flush failed", logx.Err(err))
	}

	rep := sendReport{Summary: sum}
	waitCtx, cancel := context.WithTimeout(ctx, so.wait)
	err = a.Tracker().Wait(waitCtx)
	cancel()
	if errors.Is(err, context.DeadlineExceeded) {
		rep.TimedOut = true
	} else if err != nil {
		return err
	}

	page, err := a.History().List(ctx, history.Filter{SourceEventID: sum.EventID}, history.Page{Size: history.MaxPageSize})
	if err != nil {
		return err
	}
	rep.Records = page.Records

	if o.jsonOut {
		return printJSON(w, rep)
	}
	title(w, fmt.Sprintf("event %s: sent %d, failed %d, retrying %d, skipped %d, batched %d",
		sum.EventID, sum.TotalSent, sum.TotalFailed, sum.TotalRetrying, sum.TotalSkipped, sum.TotalBatched))
	if len(sum.RolesNotified) > 0 {
		fmt.Fprintf(w, "roles: %s\n", strings.Join(sum.RolesNotified, ", "))
	}
	if rep.TimedOut {
		fmt.Fprintf(w, "still retrying after %s; the service resumes these on start\n", so.wait)
	}
	if len(rep.Records) == 0 {
		fmt.Fprintln(w, "no delivery records")
		return nil
	}
	return renderTable(w, recordHeaders, recordRows(rep.Records))
}
