package localupcli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/localup/localup/pkg/access"
	"github.com/localup/localup/pkg/agent"
	"github.com/localup/localup/pkg/client"
	"github.com/localup/localup/pkg/tunnelconfig"
	"github.com/localup/localup/pkg/wire"
)

var (
	agentConfigFile string
	agentRelayAddr  string
	agentTransport  string
	agentToken      string
	agentInsecure   bool
	agentAllowCIDRs []string
	agentAllowPorts []string
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run an access-gated forwarder for arbitrary internal targets",
	Long: `agent connects to a relay like client does, but instead of forwarding
to one fixed local port, it dials whatever target address the relay
requests, subject to an allow-list of CIDR ranges and ports. Use it to
expose a whole internal network segment through one tunnel rather than
a single service.`,
	RunE: runAgent,
}

func init() {
	agentCmd.Flags().StringVar(&agentConfigFile, "config", "", "path to an agent YAML config file")
	agentCmd.Flags().StringVar(&agentRelayAddr, "relay", "", "relay address, host:port")
	agentCmd.Flags().StringVar(&agentTransport, "transport", "quic", "transport: quic, websocket, or h2")
	agentCmd.Flags().StringVar(&agentToken, "token", "", "authentication token for the relay")
	agentCmd.Flags().BoolVar(&agentInsecure, "insecure", false, "skip TLS certificate verification")
	agentCmd.Flags().StringArrayVar(&agentAllowCIDRs, "allow-cidr", nil, "CIDR range dial targets must fall within (repeatable)")
	agentCmd.Flags().StringArrayVar(&agentAllowPorts, "allow-port", nil, "port or port range dial targets must fall within (repeatable)")
	rootCmd.AddCommand(agentCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	log := newLogger()

	cfg := tunnelconfig.AgentConfig{
		ClientConfig: tunnelconfig.ClientConfig{
			RelayAddr: agentRelayAddr,
			Transport: agentTransport,
			Token:     agentToken,
			Insecure:  agentInsecure,
			Protocol:  "tcp",
		},
		AllowCIDRs: agentAllowCIDRs,
		AllowPorts: agentAllowPorts,
	}
	if agentConfigFile != "" {
		loaded, err := tunnelconfig.LoadAgentConfig(agentConfigFile)
		if err != nil {
			return err
		}
		cfg = *loaded
	}
	if cfg.RelayAddr == "" {
		return fmt.Errorf("agent: --relay is required (or set relay_addr in --config)")
	}

	allow, err := access.NewList(cfg.AllowCIDRs, cfg.AllowPorts)
	if err != nil {
		return fmt.Errorf("agent: invalid access list: %w", err)
	}

	dialer, err := newClientDialer(cfg.Transport)
	if err != nil {
		return err
	}

	events := make(chan client.Event, 8)
	a := agent.New(agent.Config{
		Session: client.Config{
			RelayAddr: cfg.RelayAddr,
			Token:     cfg.Token,
			Dialer:    dialer,
			Insecure:  cfg.Insecure,
			Protocols: []wire.ProtocolRequest{{Kind: "tcp", RemotePort: cfg.RemotePort}},
			ClientMeta: map[string]string{
				"client_version": Version,
				"mode":           "agent",
			},
			Backoff: client.DefaultBackoff(),
			Events:  events,
		},
		Allow:  allow,
		Logger: log,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go logClientEvents(log, events)

	return a.Run(ctx)
}
