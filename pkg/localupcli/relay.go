package localupcli

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/localup/localup/pkg/audit"
	"github.com/localup/localup/pkg/auth/jwtauth"
	"github.com/localup/localup/pkg/certprovider"
	"github.com/localup/localup/pkg/domain/counter"
	"github.com/localup/localup/pkg/httputil"
	"github.com/localup/localup/pkg/metrics"
	"github.com/localup/localup/pkg/ratelimit"
	"github.com/localup/localup/pkg/relay"
	"github.com/localup/localup/pkg/storage/memstore"
	"github.com/localup/localup/pkg/tracing"
	"github.com/localup/localup/pkg/transport"
	"github.com/localup/localup/pkg/transport/h2"
	"github.com/localup/localup/pkg/transport/quicc"
	"github.com/localup/localup/pkg/transport/ws"
	"github.com/localup/localup/pkg/tunnelconfig"
)

var (
	relayConfigFile string
	relayListenAddr string
	relayTransport  string
	relayBaseDomain string
	relayCertFile   string
	relayKeyFile    string
	relayJWTSecret  string
	relayHTTPAddr   string
	relayAdminAddr  string
	relayAuditLog   string
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the public-facing relay server",
	Long: `relay accepts tunnel client connections, authenticates them, assigns
public subdomains and ports, and forwards inbound traffic to the owning
client over the selected transport (quic, websocket, or h2).`,
	RunE: runRelay,
}

func init() {
	relayCmd.Flags().StringVar(&relayConfigFile, "config", "", "path to a relay YAML config file")
	relayCmd.Flags().StringVar(&relayListenAddr, "listen", ":7000", "tunnel transport listen address")
	relayCmd.Flags().StringVar(&relayTransport, "transport", "quic", "transport: quic, websocket, or h2")
	relayCmd.Flags().StringVar(&relayBaseDomain, "base-domain", "tunnels.localup.test", "base domain for generated subdomains")
	relayCmd.Flags().StringVar(&relayCertFile, "cert", "", "TLS certificate file (self-signed dev cert if unset)")
	relayCmd.Flags().StringVar(&relayKeyFile, "key", "", "TLS key file (self-signed dev cert if unset)")
	relayCmd.Flags().StringVar(&relayJWTSecret, "jwt-secret", "", "HS256 secret for client JWT authentication")
	relayCmd.Flags().StringVar(&relayHTTPAddr, "http-addr", ":8080", "public HTTP ingress listen address")
	relayCmd.Flags().StringVar(&relayAdminAddr, "admin-addr", "", "status/metrics listen address (empty disables)")
	relayCmd.Flags().StringVar(&relayAuditLog, "audit-log", "", "audit log destination: a file path, \"stdout\", or empty to disable")
	rootCmd.AddCommand(relayCmd)
}

func runRelay(cmd *cobra.Command, args []string) error {
	log := newLogger()

	cfg := tunnelconfig.RelayConfig{
		ListenAddr: relayListenAddr,
		Transport:  relayTransport,
		BaseDomain: relayBaseDomain,
		CertFile:   relayCertFile,
		KeyFile:    relayKeyFile,
		JWTSecret:  relayJWTSecret,
		HTTPAddr:   relayHTTPAddr,
		AdminAddr:  relayAdminAddr,
	}
	if relayConfigFile != "" {
		loaded, err := tunnelconfig.LoadRelayConfig(relayConfigFile)
		if err != nil {
			return err
		}
		cfg = *loaded
	}
	if cfg.JWTSecret == "" {
		return fmt.Errorf("relay: --jwt-secret is required (or set jwt_secret in --config)")
	}

	tlsConf, err := loadOrGenerateTLS(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ln, err := newRelayListener(ctx, cfg.Transport, cfg.ListenAddr, tlsConf)
	if err != nil {
		return err
	}
	defer ln.Close()

	pool := relay.DefaultPortPool()
	if cfg.TCPPortMin != 0 && cfg.TCPPortMax != 0 {
		pool = relay.NewPortPool(cfg.TCPPortMin, cfg.TCPPortMax)
	}

	auditLogger, err := newAuditLogger(relayAuditLog)
	if err != nil {
		return err
	}

	srv := relay.NewServer(relay.Config{
		Auth:       jwtauth.New(cfg.JWTSecret),
		Domain:     counter.New(cfg.BaseDomain),
		Store:      memstore.New(),
		PortPool:   pool,
		BaseDomain: cfg.BaseDomain,
		Logger:     log,
		Tracer:     tracing.NewTracer("localup-relay"),
		Audit:      auditLogger,
	})

	httpIngress := relay.NewHTTPIngress(srv, log).WithRateLimit(ratelimit.PerIPConfig{
		Rate:  100,
		Burst: 200,
	})

	metricsRegistry := metrics.Init()

	log.Info("relay listening", "transport", cfg.Transport, "addr", cfg.ListenAddr, "base_domain", cfg.BaseDomain)

	errCh := make(chan error, 3)
	go func() { errCh <- srv.Serve(ctx, ln) }()
	go func() { errCh <- httpIngress.Serve(ctx, cfg.HTTPAddr) }()
	if cfg.AdminAddr != "" {
		go func() { errCh <- serveAdmin(ctx, cfg.AdminAddr, srv, metricsRegistry) }()
	}

	select {
	case err := <-errCh:
		if ctx.Err() != nil {
			return nil
		}
		return err
	case <-ctx.Done():
		return nil
	}
}

func loadOrGenerateTLS(certFile, keyFile string) (*tls.Config, error) {
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load TLS cert/key: %w", err)
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
	}

	dir, err := certprovider.DefaultDir()
	if err != nil {
		return nil, err
	}
	data, err := certprovider.NewSelfSigned(dir).Acquire("")
	if err != nil {
		return nil, fmt.Errorf("generate self-signed dev certificate: %w", err)
	}
	cert, err := tls.X509KeyPair(data.CertPEM, data.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("load generated dev certificate: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// newRelayListener builds the transport.Listener for the requested
// transport. QUIC listens for its own protocol directly; WebSocket
// and H2 ride an http.Server, so this starts one bound to addr and
// returns a Listener backed by its accepted connections.
func newRelayListener(ctx context.Context, name, addr string, tlsConf *tls.Config) (transport.Listener, error) {
	switch name {
	case "quic", "":
		return quicc.NewFactory(tlsConf).NewListener(ctx, addr)

	case "websocket":
		handler := ws.NewHandler()
		mux := http.NewServeMux()
		mux.Handle("/", handler)
		return serveHTTPListener(ctx, addr, tlsConf, mux, func(tcpAddr net.Addr) transport.Listener {
			return ws.NewListenerFromHandler(handler, tcpAddr)
		})

	case "h2":
		handler := h2.NewHandler()
		mux := http.NewServeMux()
		mux.Handle("/", handler)
		return serveHTTPListener(ctx, addr, tlsConf, mux, func(tcpAddr net.Addr) transport.Listener {
			return h2.NewListenerFromHandler(handler, tcpAddr)
		})

	default:
		return nil, fmt.Errorf("relay: unknown transport %q", name)
	}
}

// newAuditLogger builds the audit.AuditLogger named by dest: "stdout"
// for an ndjson stream on stdout, a file path to append ndjson entries
// to, or an empty string to disable audit logging entirely.
func newAuditLogger(dest string) (audit.AuditLogger, error) {
	switch dest {
	case "":
		return &audit.NoOpLogger{}, nil
	case "stdout":
		return audit.NewStdoutLogger(), nil
	default:
		return audit.NewFileLogger(dest)
	}
}

// serveAdmin exposes a Prometheus-format /metrics endpoint and a
// plain-JSON /status endpoint on addr until ctx is cancelled. This is
// a plaintext, unauthenticated operator surface — bind it to a
// loopback or management network, not the public internet.
func serveAdmin(ctx context.Context, addr string, srv *relay.Server, registry *metrics.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", registry.Handler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"routes": srv.Registry().Count(),
		})
	})

	httpSrv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = httpSrv.Close()
	}()
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("relay: admin server: %w", err)
	}
	return nil
}

// serveHTTPListener binds addr, starts serving mux over TLS in the
// background, and builds the transport.Listener the caller wants from
// the bound address.
func serveHTTPListener(ctx context.Context, addr string, tlsConf *tls.Config, mux http.Handler, build func(net.Addr) transport.Listener) (transport.Listener, error) {
	var lc net.ListenConfig
	rawLn, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("relay: listen on %s: %w", addr, err)
	}

	srv := &http.Server{Handler: mux}
	if tlsConf != nil {
		srv.TLSConfig = tlsConf
	}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	go func() {
		if tlsConf != nil {
			_ = srv.ServeTLS(rawLn, "", "")
		} else {
			_ = srv.Serve(rawLn)
		}
	}()

	return build(rawLn.Addr()), nil
}
