// Command honeygridctl is the HoneyGrid operator CLI. It reads the
// collector's API and can send test events as an agent.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pranaynidhi/ST5062CEM-CW2/internal/api"
)

var version = "dev"

type options struct {
	apiURL  string
	jsonOut bool
	timeout time.Duration
	verbose bool
}

func (o *options) client() *api.Client {
	return api.NewClient(o.apiURL, nil)
}

func (o *options) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), o.timeout)
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "honeygridctl",
		Short:         "Operate a HoneyGrid collector",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			level := zerolog.WarnLevel
			if opts.verbose {
				level = zerolog.DebugLevel
			}
			zerolog.SetGlobalLevel(level)
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()})
		},
	}

	apiDefault := "http://127.0.0.1:9090"
	if v := os.Getenv("HONEYGRID_API"); v != "" {
		apiDefault = v
	}
	pf := root.PersistentFlags()
	pf.StringVar(&opts.apiURL, "api", apiDefault, "collector API base URL (env HONEYGRID_API)")
	pf.BoolVar(&opts.jsonOut, "json", false, "JSON output")
	pf.DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newHealthCmd(opts),
		newAgentsCmd(opts),
		newAckCmd(opts),
		newEventsCmd(opts),
		newEventCmd(opts),
		newTokensCmd(opts),
		newStatsCmd(opts),
		newSessionsCmd(opts),
		newSendCmd(opts),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "honeygridctl: %v\n", err)
		os.Exit(1)
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
