package main

import (
	"fmt"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pranaynidhi/ST5062CEM-CW2/internal/protocol"
	"github.com/pranaynidhi/ST5062CEM-CW2/internal/store"
)

const timeLayout = "2006-01-02 15:04:05"

func newHealthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show collector health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			h, err := opts.client().Health(ctx)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd, h)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  version=%s uptime=%s sessions=%d\n", h.Status, h.Version, h.Uptime, h.Sessions)
			return nil
		},
	}
}

func newAgentsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "agents [agent-id]",
		Short: "List agents, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			c := opts.client()

			var agents []store.Agent
			if len(args) == 1 {
				a, err := c.GetAgent(ctx, args[0])
				if err != nil {
					return err
				}
				agents = []store.Agent{a}
			} else {
				var err error
				if agents, err = c.ListAgents(ctx); err != nil {
					return err
				}
			}
			if opts.jsonOut {
				return printJSON(cmd, agents)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "AGENT\tSTATUS\tLAST SEEN\tREMOTE")
			for _, a := range agents {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.AgentID, a.Status, a.LastSeen.Local().Format(timeLayout), a.RemoteAddr)
			}
			return w.Flush()
		},
	}
}

func newAckCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "ack <agent-id>",
		Short: "Acknowledge a triggered agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			a, err := opts.client().AcknowledgeAgent(ctx, args[0])
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd, a)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", a.AgentID, a.Status)
			return nil
		},
	}
}

func newEventsCmd(opts *options) *cobra.Command {
	var (
		f            store.EventFilter
		kind         string
		since, until string
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query recorded events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if kind != "" {
				k, ok := protocol.ParseEventKind(kind)
				if !ok {
					return fmt.Errorf("unknown event kind %q", kind)
				}
				f.Kind = k
			}
			var err error
			if f.Since, err = parseWhen(since); err != nil {
				return fmt.Errorf("--since: %w", err)
			}
			if f.Until, err = parseWhen(until); err != nil {
				return fmt.Errorf("--until: %w", err)
			}

			ctx, cancel := opts.context(cmd)
			defer cancel()
			events, err := opts.client().ListEvents(ctx, f)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd, events)
			}
			return printEvents(cmd, events)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.AgentID, "agent", "", "only events from this agent")
	fl.StringVar(&f.TokenID, "token", "", "only events for this token")
	fl.StringVar(&kind, "kind", "", "created, modified, deleted, moved or accessed")
	fl.StringVar(&since, "since", "", "RFC 3339 time or a duration ago such as 1h")
	fl.StringVar(&until, "until", "", "RFC 3339 time or a duration ago")
	fl.IntVar(&f.Limit, "limit", 0, "maximum events (server default 100)")
	return cmd
}

func newEventCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "event <event-id>",
		Short: "Show one event with its extra fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid event id %q", args[0])
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			ev, err := opts.client().GetEvent(ctx, id)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd, ev)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "event %d\n", ev.EventID)
			fmt.Fprintf(out, "  agent:     %s\n", ev.AgentID)
			fmt.Fprintf(out, "  token:     %s\n", ev.TokenID)
			fmt.Fprintf(out, "  kind:      %s\n", ev.Kind)
			fmt.Fprintf(out, "  path:      %s\n", ev.Path)
			fmt.Fprintf(out, "  timestamp: %s\n", ev.Timestamp.Local().Format(timeLayout))
			fmt.Fprintf(out, "  received:  %s\n", ev.ReceivedAt.Local().Format(timeLayout))
			keys := make([]string, 0, len(ev.Extra))
			for k := range ev.Extra {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(out, "  %s: %v\n", k, ev.Extra[k])
			}
			return nil
		},
	}
}

func newTokensCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Manage the honeytoken registry",
	}

	var agentID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List registered tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			tokens, err := opts.client().ListTokens(ctx, agentID)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd, tokens)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TOKEN\tNAME\tAGENT\tPATH\tDEPLOYED")
			for _, t := range tokens {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.TokenID, t.Name, t.AgentID, t.DeployedPath, t.DeployedAt.Local().Format(timeLayout))
			}
			return w.Flush()
		},
	}
	list.Flags().StringVar(&agentID, "agent", "", "only tokens deployed on this agent")

	var t store.Token
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a deployed token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			saved, err := opts.client().RegisterToken(ctx, t)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd, saved)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s on %s\n", saved.TokenID, saved.AgentID)
			return nil
		},
	}
	af := add.Flags()
	af.StringVar(&t.TokenID, "id", "", "token id")
	af.StringVar(&t.Name, "name", "", "display name")
	af.StringVar(&t.DeployedPath, "path", "", "path the token is deployed at")
	af.StringVar(&t.AgentID, "agent", "", "agent watching the token")
	for _, name := range []string{"id", "path", "agent"} {
		add.MarkFlagRequired(name)
	}

	cmd.AddCommand(list, add)
	return cmd
}

func newStatsCmd(opts *options) *cobra.Command {
	var window time.Duration
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show event and agent statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			s, err := opts.client().Stats(ctx, window)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd, s)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "events: %d total, %d in last %s\n", s.TotalEvents, s.WindowEvents, s.Window)
			fmt.Fprintf(out, "agents: %d  tokens: %d\n", s.TotalAgents, s.TotalTokens)
			for status, n := range s.AgentsByStatus {
				fmt.Fprintf(out, "  %-10s %d\n", status, n)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&window, "window", 24*time.Hour, "statistics window")
	return cmd
}

func newSessionsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List live agent sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			infos, err := opts.client().Sessions(ctx)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd, infos)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tAGENT\tSTATE\tREMOTE\tSTARTED\tACCEPTED\tREJECTED")
			for _, s := range infos {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\n", s.ID, s.SenderID, s.State, s.RemoteAddr,
					s.StartedAt.Local().Format(timeLayout), s.Accepted, s.Rejected)
			}
			return w.Flush()
		},
	}
}

func printEvents(cmd *cobra.Command, events []store.Event) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTIME\tAGENT\tTOKEN\tKIND\tPATH")
	for _, ev := range events {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", ev.EventID, ev.Timestamp.Local().Format(timeLayout), ev.AgentID, ev.TokenID, ev.Kind, ev.Path)
	}
	return w.Flush()
}

// parseWhen accepts RFC 3339 or a duration before now
func parseWhen(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return time.Now().Add(-d), nil
	}
	return time.Parse(time.RFC3339, raw)
}
