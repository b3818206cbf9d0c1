// Command changenotify runs the compliance change notification service and
// its operator tooling.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	// Timezones must resolve on hosts without a zoneinfo database.
	_ "time/tzdata"

	"github.com/spf13/cobra"

	"changenotify/internal/app"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd(nil).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	jsonOut    bool

	// appOpts is extended by tests (fake senders, fixed clock).
	appOpts []app.Option
}

func (o *rootOptions) open() (*app.App, error) {
	return app.New(o.configPath, o.appOpts...)
}

func newRootCmd(appOpts []app.Option) *cobra.Command {
	o := &rootOptions{appOpts: appOpts}
	root := &cobra.Command{
		Use:           "changenotify",
		Short:         "Notify stakeholders about regulatory form and document changes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&o.configPath, "config", "c", "./config.yaml", "path to the config file (yaml or json)")
	root.PersistentFlags().BoolVar(&o.jsonOut, "json", false, "print JSON instead of tables")

	root.AddCommand(
		newServeCmd(o),
		newSendCmd(o),
		newHistoryCmd(o),
		newPrefsCmd(o),
		newMetricsCmd(o),
		newExpireCmd(o),
		newConfigCmd(o),
	)
	return root
}
