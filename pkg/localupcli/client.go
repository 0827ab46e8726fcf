package localupcli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/localup/localup/pkg/client"
	"github.com/localup/localup/pkg/transport"
	"github.com/localup/localup/pkg/transport/h2"
	"github.com/localup/localup/pkg/transport/quicc"
	"github.com/localup/localup/pkg/transport/ws"
	"github.com/localup/localup/pkg/tunnelconfig"
	"github.com/localup/localup/pkg/wire"
)

var (
	clientConfigFile string
	clientRelayAddr  string
	clientTransport  string
	clientToken      string
	clientInsecure   bool
	clientLocalPort  int
	clientProtocol   string
	clientSubdomain  string
	clientDomain     string
	clientRemotePort int
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Expose a local service through a relay",
	Long: `client connects to a relay, requests a public endpoint for a local
service, and forwards inbound traffic to it until interrupted. It
reconnects automatically with backoff if the relay connection drops.`,
	RunE: runClient,
}

func init() {
	clientCmd.Flags().StringVar(&clientConfigFile, "config", "", "path to a client YAML config file")
	clientCmd.Flags().StringVar(&clientRelayAddr, "relay", "", "relay address, host:port")
	clientCmd.Flags().StringVar(&clientTransport, "transport", "quic", "transport: quic, websocket, or h2")
	clientCmd.Flags().StringVar(&clientToken, "token", "", "authentication token for the relay")
	clientCmd.Flags().BoolVar(&clientInsecure, "insecure", false, "skip TLS certificate verification")
	clientCmd.Flags().IntVar(&clientLocalPort, "local-port", 0, "local port to forward to")
	clientCmd.Flags().StringVar(&clientProtocol, "protocol", "http", "protocol: tcp, tls, http, or https")
	clientCmd.Flags().StringVar(&clientSubdomain, "subdomain", "", "requested subdomain (http/https only)")
	clientCmd.Flags().StringVar(&clientDomain, "domain", "", "custom domain (https only)")
	clientCmd.Flags().IntVar(&clientRemotePort, "remote-port", 0, "requested public port (tcp/tls only, 0 = allocate)")
	rootCmd.AddCommand(clientCmd)
}

func runClient(cmd *cobra.Command, args []string) error {
	log := newLogger()

	cfg := tunnelconfig.ClientConfig{
		RelayAddr:  clientRelayAddr,
		Transport:  clientTransport,
		Token:      clientToken,
		Insecure:   clientInsecure,
		LocalPort:  clientLocalPort,
		Protocol:   clientProtocol,
		Subdomain:  clientSubdomain,
		Domain:     clientDomain,
		RemotePort: clientRemotePort,
	}
	if clientConfigFile != "" {
		loaded, err := tunnelconfig.LoadClientConfig(clientConfigFile)
		if err != nil {
			return err
		}
		cfg = *loaded
	}
	if cfg.RelayAddr == "" {
		return fmt.Errorf("client: --relay is required (or set relay_addr in --config)")
	}
	if cfg.LocalPort == 0 {
		return fmt.Errorf("client: --local-port is required (or set local_port in --config)")
	}

	dialer, err := newClientDialer(cfg.Transport)
	if err != nil {
		return err
	}

	proto := wire.ProtocolRequest{
		Kind:         cfg.Protocol,
		LocalPort:    cfg.LocalPort,
		RemotePort:   cfg.RemotePort,
		Subdomain:    cfg.Subdomain,
		CustomDomain: cfg.Domain,
	}

	events := make(chan client.Event, 8)
	sess := client.New(client.Config{
		RelayAddr: cfg.RelayAddr,
		Token:     cfg.Token,
		Dialer:    dialer,
		Insecure:  cfg.Insecure,
		LocalPort: cfg.LocalPort,
		Protocols: []wire.ProtocolRequest{proto},
		ClientMeta: map[string]string{
			"client_version": Version,
		},
		Backoff: client.DefaultBackoff(),
		Events:  events,
		Logger:  log,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go logClientEvents(log, events)

	return sess.Run(ctx)
}

func logClientEvents(log interface{ Info(string, ...any) }, events <-chan client.Event) {
	for ev := range events {
		if ev.PublicURL != "" {
			log.Info("tunnel established", "state", ev.State.String(), "url", ev.PublicURL)
			continue
		}
		if ev.Err != nil {
			log.Info("tunnel event", "state", ev.State.String(), "attempt", ev.Attempt, "err", ev.Err.Error())
			continue
		}
		log.Info("tunnel event", "state", ev.State.String(), "attempt", ev.Attempt)
	}
}

// newClientDialer builds the transport.Dialer matching the requested
// transport name.
func newClientDialer(name string) (transport.Dialer, error) {
	switch name {
	case "quic", "":
		return quicc.NewDialer(), nil
	case "websocket":
		return ws.NewDialer(""), nil
	case "h2":
		return h2.NewDialer(""), nil
	default:
		return nil, fmt.Errorf("client: unknown transport %q", name)
	}
}
