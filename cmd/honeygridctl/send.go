package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pranaynidhi/ST5062CEM-CW2/internal/agent"
	"github.com/pranaynidhi/ST5062CEM-CW2/internal/protocol"
	"github.com/pranaynidhi/ST5062CEM-CW2/internal/transport"
)

type sendOptions struct {
	addr       string
	transport  string
	caFile     string
	certFile   string
	keyFile    string
	serverName string

	agentID string
	tokenID string
	path    string
	kind    string
	extra   map[string]string
	count   int
}

func newSendCmd(opts *options) *cobra.Command {
	so := &sendOptions{}
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send test events to a collector as an agent",
		Long: "Connects with the agent's client certificate, announces the agent " +
			"with a heartbeat and sends --count events, shaped to the collector's rate limit.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSend(cmd, opts, so)
		},
	}
	f := cmd.Flags()
	f.StringVar(&so.addr, "addr", "127.0.0.1:8443", "collector address")
	f.StringVar(&so.transport, "transport", "tls", "tls or quic")
	f.StringVar(&so.caFile, "ca", "ca.crt", "CA certificate")
	f.StringVar(&so.certFile, "cert", "agent.crt", "agent certificate")
	f.StringVar(&so.keyFile, "key", "agent.key", "agent private key")
	f.StringVar(&so.serverName, "server-name", "", "expected collector certificate name (default host of --addr)")
	f.StringVar(&so.agentID, "agent", "", "agent id; must match the certificate common name")
	f.StringVar(&so.tokenID, "token", "", "token id")
	f.StringVar(&so.path, "path", "", "token path")
	f.StringVar(&so.kind, "kind", string(protocol.EventAccessed), "event kind")
	f.StringToStringVar(&so.extra, "extra", nil, "extra payload fields, key=value")
	f.IntVar(&so.count, "count", 1, "number of events")
	for _, name := range []string{"agent", "token", "path"} {
		cmd.MarkFlagRequired(name)
	}
	return cmd
}

func runSend(cmd *cobra.Command, opts *options, so *sendOptions) error {
	kind, ok := protocol.ParseEventKind(so.kind)
	if !ok {
		return fmt.Errorf("unknown event kind %q", so.kind)
	}
	tlsConf, err := transport.ClientTLSConfig(so.caFile, so.certFile, so.keyFile, so.serverName)
	if err != nil {
		return err
	}
	extra := protocol.Payload{}
	for k, v := range so.extra {
		extra[k] = v
	}

	s := agent.New(agent.Config{
		AgentID:    so.agentID,
		AckTimeout: opts.timeout,
	}, func(ctx context.Context) (agent.Conn, error) {
		return transport.Dial(ctx, transport.Kind(so.transport), so.addr, tlsConf)
	})
	defer s.Close()

	ctx := cmd.Context()
	connectCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	if err := s.Connect(connectCtx); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	start := time.Now()
	for i := 0; i < so.count; i++ {
		ack, err := s.SendEvent(ctx, so.tokenID, so.path, kind, extra)
		if err != nil {
			fmt.Fprintf(out, "event %d: %v\n", i+1, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if !opts.jsonOut {
			fmt.Fprintf(out, "event %d: %s (%s)\n", i+1, ack.Status, ack.Ref)
		}
	}

	stats := s.Stats()
	if opts.jsonOut {
		return printJSON(cmd, stats)
	}
	fmt.Fprintf(out, "sent=%d accepted=%d rejected=%d failed=%d reconnects=%d in %s\n",
		stats.Sent, stats.Accepted, stats.Rejected, stats.Failed, stats.Reconnects, time.Since(start).Round(time.Millisecond))
	return nil
}
