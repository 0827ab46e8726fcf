package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/localup/localup/pkg/audit"
	"github.com/localup/localup/pkg/auth"
	"github.com/localup/localup/pkg/domain"
	"github.com/localup/localup/pkg/metrics"
	"github.com/localup/localup/pkg/registry"
	"github.com/localup/localup/pkg/relay/pendingreq"
	"github.com/localup/localup/pkg/storage"
	"github.com/localup/localup/pkg/tasktracker"
	"github.com/localup/localup/pkg/tracing"
	"github.com/localup/localup/pkg/transport"
	"github.com/localup/localup/pkg/util"
	"github.com/localup/localup/pkg/wire"
)

// RequestTimeout bounds how long the relay waits for a client to
// answer a dispatched HTTPRequest before failing the caller with 504.
const RequestTimeout = 30 * time.Second

// Config configures a Server.
type Config struct {
	Auth       auth.Validator
	Domain     domain.Provider
	Store      storage.Store
	PortPool   *PortPool
	BaseDomain string
	Logger     *slog.Logger
	Tracer     *tracing.Tracer   // nil disables span creation
	Audit      audit.AuditLogger // nil disables audit logging
}

// Server is the relay's control plane: it accepts client connections,
// handshakes them, registers their requested routes, and dispatches
// inbound public traffic to the right connection's data streams.
type Server struct {
	cfg      Config
	log      *slog.Logger
	registry *registry.Registry
	pending  *pendingreq.Table
	tasks    *tasktracker.Tracker

	mu    sync.Mutex
	conns map[string]*clientConn // tunnel_id -> owning connection
}

// clientConn is the relay's bookkeeping for one accepted client
// connection: its transport, control stream, and the routes it owns,
// so they can be torn down together when the connection dies.
type clientConn struct {
	conn     transport.Connection
	control  transport.Stream
	tunnelID string
	writeMu  sync.Mutex
	keys     []registry.RouteKey
}

func (c *clientConn) send(m wire.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wire.Encode(c.control, m)
}

// NewServer builds a Server. A nil PortPool defaults to
// DefaultPortPool.
func NewServer(cfg Config) *Server {
	if cfg.PortPool == nil {
		cfg.PortPool = DefaultPortPool()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.Audit == nil {
		cfg.Audit = &audit.NoOpLogger{}
	}
	return &Server{
		cfg:      cfg,
		log:      log,
		registry: registry.New(),
		pending:  pendingreq.New(),
		tasks:    tasktracker.New(),
		conns:    make(map[string]*clientConn),
	}
}

// Registry exposes the route table, e.g. for an admin/status endpoint.
func (s *Server) Registry() *registry.Registry { return s.registry }

// AuditHTTP records a request/response pair dispatched through
// DispatchHTTP, if audit logging is configured. Bodies are truncated
// to util.MaxLogBodySize before being attached as preview text.
func (s *Server) AuditHTTP(host string, req *wire.HTTPRequest, resp *wire.HTTPResponse, remote net.Addr, dispatchErr error) {
	traceID := ""
	if req != nil {
		traceID = req.ReqID
	}
	entry := audit.NewAuditEntry(audit.EventRequestReceived, traceID)
	if remote != nil {
		entry.WithClient(&audit.ClientInfo{RemoteAddr: remote.String()})
	}
	if req != nil {
		entry.WithRequest(&audit.RequestInfo{
			Method:      req.Method,
			Path:        req.Path,
			BodySize:    int64(len(req.Body)),
			BodyPreview: util.TruncateBody(string(req.Body), util.MaxLogBodySize),
			ContentType: firstHeader(req.Headers, "Content-Type"),
		})
	}
	if resp != nil {
		entry.WithResponse(&audit.ResponseInfo{
			StatusCode:  resp.Status,
			BodySize:    int64(len(resp.Body)),
			BodyPreview: util.TruncateBody(string(resp.Body), util.MaxLogBodySize),
		})
		entry.Event = audit.EventResponseSent
	}
	if dispatchErr != nil {
		entry.WithMetadata(&audit.EntryMetadata{Error: &audit.ErrorInfo{Message: dispatchErr.Error()}, Tags: map[string]string{"host": host}})
	}
	_ = s.cfg.Audit.Log(*entry)
}

// Serve accepts connections from ln until ctx is cancelled or Accept
// fails.
func (s *Server) Serve(ctx context.Context, ln transport.Listener) error {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("relay: accept: %w", err)
		}
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn transport.Connection) {
	defer conn.Close()

	cc, err := s.handshake(ctx, conn)
	if err != nil {
		s.log.Warn("handshake failed", "remote", conn.RemoteAddr(), "error", err)
		return
	}

	connCtx, cancel := context.WithCancel(ctx)
	s.tasks.Track(cc.tunnelID, cancel)
	defer s.tasks.Abort(cc.tunnelID)

	s.mu.Lock()
	s.conns[cc.tunnelID] = cc
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, cc.tunnelID)
		s.mu.Unlock()
		for _, k := range cc.keys {
			s.registry.Unregister(k)
			adjustTunnelGauge(routeKindLabel(k.Kind), -1)
		}
		if s.cfg.Domain != nil {
			for _, k := range cc.keys {
				if k.Host != "" {
					_ = s.cfg.Domain.Release(ctx, trimBaseDomain(k.Host, s.cfg.BaseDomain))
				}
			}
		}
		s.audit(audit.EventTunnelDisconnect, cc.tunnelID, conn, nil, nil)
	}()

	if err := s.controlLoop(connCtx, cc); err != nil {
		s.log.Info("client connection ended", "tunnel_id", cc.tunnelID, "error", err)
	}
}

// handshake validates the client's token, assigns subdomains/ports for
// every requested protocol, registers the resulting routes (adopting
// an existing registration from the same tunnel, per registry.Register's
// register-or-adopt semantics), and replies with a HandshakeAck.
func (s *Server) handshake(ctx context.Context, conn transport.Connection) (*clientConn, error) {
	control, err := conn.ControlStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("open control stream: %w", err)
	}

	dec := wire.NewDecoder()
	msg, err := readOneMessage(control, dec)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	hs, ok := msg.(*wire.Handshake)
	if !ok {
		return nil, fmt.Errorf("expected Handshake, got %T", msg)
	}

	result, err := s.cfg.Auth.Validate(ctx, hs.Token)
	if err != nil {
		_ = wire.Encode(control, &wire.ErrorMessage{Code: wire.ErrCodeAuthFailed, Message: err.Error()})
		incHandshakeOutcome("auth_failed")
		s.audit(audit.EventAuthFailed, "", conn, nil, err)
		return nil, fmt.Errorf("auth: %w", err)
	}

	cc := &clientConn{conn: conn, control: control, tunnelID: result.TunnelID}
	if cc.tunnelID == "" {
		cc.tunnelID = uuid.NewString()
	}

	endpoints, keys, err := s.registerProtocols(ctx, hs, result, cc.tunnelID)
	if err != nil {
		_ = wire.Encode(control, &wire.ErrorMessage{Code: wire.ErrCodeConflict, Message: err.Error()})
		incHandshakeOutcome("conflict")
		s.audit(audit.EventHandshake, cc.tunnelID, conn, nil, err)
		return nil, err
	}
	cc.keys = keys
	incHandshakeOutcome("ok")
	s.audit(audit.EventTunnelConnected, cc.tunnelID, conn, tunnelInfoFor(cc.tunnelID, hs, keys), nil)

	if s.cfg.Store != nil {
		protoNames := make([]string, len(hs.Protocols))
		for i, p := range hs.Protocols {
			protoNames[i] = p.Kind
		}
		now := time.Now()
		_ = s.cfg.Store.Save(ctx, &storage.Record{
			TunnelID:   cc.tunnelID,
			UserID:     result.UserID,
			Protocols:  protoNames,
			CreatedAt:  now,
			LastSeenAt: now,
			Metadata:   hs.ClientMeta,
		})
	}

	ack := &wire.HandshakeAck{TunnelID: cc.tunnelID, Endpoints: endpoints}
	if err := wire.Encode(control, ack); err != nil {
		return nil, fmt.Errorf("send handshake ack: %w", err)
	}
	return cc, nil
}

// registerProtocols assigns a route for each requested protocol and
// registers it. On any failure it unregisters everything it already
// registered in this call before returning, so a partial handshake
// never leaves orphaned routes.
func (s *Server) registerProtocols(ctx context.Context, hs *wire.Handshake, result auth.Result, tunnelID string) ([]wire.Endpoint, []registry.RouteKey, error) {
	var endpoints []wire.Endpoint
	var keys []registry.RouteKey

	rollback := func() {
		for _, k := range keys {
			s.registry.Unregister(k)
		}
	}

	for _, p := range hs.Protocols {
		if !result.IsProtocolAllowed(p.Kind) {
			rollback()
			return nil, nil, fmt.Errorf("relay: protocol %q not allowed", p.Kind)
		}

		switch p.Kind {
		case "tcp":
			port := p.RemotePort
			var err error
			if port != 0 {
				err = s.cfg.PortPool.Reserve(uint16(port))
			} else {
				var allocated uint16
				allocated, err = s.cfg.PortPool.Allocate()
				port = int(allocated)
			}
			if err != nil {
				rollback()
				return nil, nil, fmt.Errorf("relay: %w", err)
			}
			key := registry.TCPPortKey(uint16(port))
			if err := s.registry.Register(key, &registry.RouteTarget{TunnelID: tunnelID}); err != nil {
				s.cfg.PortPool.Release(uint16(port))
				rollback()
				return nil, nil, err
			}
			keys = append(keys, key)
			endpoints = append(endpoints, wire.Endpoint{Protocol: "tcp", Port: port, PublicURL: fmt.Sprintf("tcp://%s:%d", s.cfg.BaseDomain, port)})

		case "http", "https":
			host, err := s.resolveHost(ctx, p, tunnelID)
			if err != nil {
				rollback()
				return nil, nil, err
			}
			key := registry.HTTPHostKey(host)
			if err := s.registry.Register(key, &registry.RouteTarget{TunnelID: tunnelID}); err != nil {
				rollback()
				return nil, nil, err
			}
			keys = append(keys, key)
			url := host
			if s.cfg.Domain != nil {
				url = s.cfg.Domain.GeneratePublicURL(trimBaseDomain(host, s.cfg.BaseDomain))
			}
			endpoints = append(endpoints, wire.Endpoint{Protocol: p.Kind, Host: host, PublicURL: url})

		case "tls":
			host, err := s.resolveHost(ctx, p, tunnelID)
			if err != nil {
				rollback()
				return nil, nil, err
			}
			key := registry.TLSSNIKey(host)
			if err := s.registry.Register(key, &registry.RouteTarget{TunnelID: tunnelID}); err != nil {
				rollback()
				return nil, nil, err
			}
			keys = append(keys, key)
			endpoints = append(endpoints, wire.Endpoint{Protocol: "tls", Host: host})

		default:
			rollback()
			return nil, nil, fmt.Errorf("relay: unknown protocol kind %q", p.Kind)
		}
	}

	for _, k := range keys {
		adjustTunnelGauge(routeKindLabel(k.Kind), 1)
	}

	return endpoints, keys, nil
}

// routeKindLabel maps a route key's kind to the protocol label used by
// metrics.TunnelsTotal.
func routeKindLabel(k registry.RouteKind) string {
	switch k {
	case registry.KindTCPPort:
		return "tcp"
	case registry.KindTLSSNI:
		return "tls"
	case registry.KindHTTPHost:
		return "http"
	default:
		return "unknown"
	}
}

// adjustTunnelGauge adds delta to metrics.TunnelsTotal's protocol
// series, a no-op if metrics.Init was never called.
func adjustTunnelGauge(protocol string, delta float64) {
	if metrics.TunnelsTotal == nil {
		return
	}
	if vec, err := metrics.TunnelsTotal.WithLabels(protocol); err == nil {
		vec.Add(delta)
	}
}

// incHandshakeOutcome increments metrics.HandshakesTotal for outcome,
// a no-op if metrics.Init was never called.
func incHandshakeOutcome(outcome string) {
	if metrics.HandshakesTotal == nil {
		return
	}
	if vec, err := metrics.HandshakesTotal.WithLabels(outcome); err == nil {
		_ = vec.Inc()
	}
}

// audit records a tunnel lifecycle event, if audit logging is configured.
// tunnelID may be empty (e.g. a handshake that failed before one was
// assigned); failErr, when non-nil, is attached as entry metadata.
func (s *Server) audit(event, tunnelID string, conn transport.Connection, tunnel *audit.TunnelInfo, failErr error) {
	entry := audit.NewAuditEntry(event, tunnelID)
	entry.WithClient(&audit.ClientInfo{RemoteAddr: conn.RemoteAddr().String()})
	if tunnel != nil {
		entry.WithTunnel(tunnel)
	}
	if failErr != nil {
		entry.WithMetadata(&audit.EntryMetadata{Error: &audit.ErrorInfo{Message: failErr.Error()}})
	}
	_ = s.cfg.Audit.Log(*entry)
}

// firstHeader returns the first value for key in a wire header map,
// case-sensitively (the relay always writes canonical header casing).
func firstHeader(h map[string][]string, key string) string {
	if v := h[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// tunnelInfoFor builds the audit TunnelInfo for a freshly handshaken
// tunnel from its requested protocols and the routes it registered.
func tunnelInfoFor(tunnelID string, hs *wire.Handshake, keys []registry.RouteKey) *audit.TunnelInfo {
	protos := make([]string, len(hs.Protocols))
	for i, p := range hs.Protocols {
		protos[i] = p.Kind
	}
	info := &audit.TunnelInfo{ID: tunnelID, Protocols: protos}
	for _, k := range keys {
		if k.Host != "" {
			info.Host = k.Host
		}
		if k.Port != 0 {
			info.Port = int(k.Port)
		}
	}
	return info
}

func (s *Server) resolveHost(ctx context.Context, p wire.ProtocolRequest, tunnelID string) (string, error) {
	if p.CustomDomain != "" {
		return p.CustomDomain, nil
	}
	if s.cfg.Domain == nil {
		if p.Subdomain != "" {
			return p.Subdomain + "." + s.cfg.BaseDomain, nil
		}
		return "", errors.New("relay: no domain provider configured and no subdomain requested")
	}
	sub := p.Subdomain
	if sub == "" {
		var err error
		sub, err = s.cfg.Domain.GenerateSubdomain(ctx)
		if err != nil {
			return "", err
		}
	}
	if err := s.cfg.Domain.Reserve(ctx, sub, tunnelID); err != nil {
		return "", err
	}
	return sub + "." + s.cfg.BaseDomain, nil
}

func trimBaseDomain(host, base string) string {
	suffix := "." + base
	if len(host) > len(suffix) && host[len(host)-len(suffix):] == suffix {
		return host[:len(host)-len(suffix)]
	}
	return host
}

// controlLoop reads control-stream messages from an established
// client connection: heartbeats and client-initiated disconnects.
// HTTPResponse messages are routed to the pending-request table.
func (s *Server) controlLoop(ctx context.Context, cc *clientConn) error {
	defer s.pending.FailAll(502, "tunnel disconnected")

	go s.acceptDataStreams(ctx, cc)

	dec := wire.NewDecoder()
	for {
		msg, err := readOneMessage(cc.control, dec)
		if err != nil {
			return fmt.Errorf("control stream: %w", err)
		}

		switch m := msg.(type) {
		case *wire.Ping:
			if err := cc.send(&wire.Pong{TimestampMS: m.TimestampMS}); err != nil {
				return fmt.Errorf("send pong: %w", err)
			}
		case *wire.HTTPResponse:
			s.pending.Complete(m)
		case *wire.Disconnect:
			return fmt.Errorf("client disconnected: %s", m.Reason)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// acceptDataStreams accepts client-opened data streams, used only for
// large HTTP response bodies referenced by HTTPResponse.BodyStreamID;
// the relay itself opens the data streams used for TCP forwarding.
func (s *Server) acceptDataStreams(ctx context.Context, cc *clientConn) {
	// Reserved for future body-stream consumption by HTTP ingress
	// callers that need to read a BodyStreamID; the current HTTP
	// ingress path only forwards inline bodies (see DESIGN.md).
	<-ctx.Done()
}

// DialTCP opens a data stream to the tunnel owning port, sends the
// TCPOpen header, and bridges conn bidirectionally with a two-goroutine
// io.Copy pump — the relay-side half of TCP forwarding.
func (s *Server) DialTCP(ctx context.Context, port uint16, public net.Conn) error {
	target, err := s.registry.Lookup(registry.TCPPortKey(port))
	if err != nil {
		return err
	}

	cc, err := s.connFor(target.TunnelID)
	if err != nil {
		return err
	}

	stream, err := cc.conn.OpenStream(ctx)
	if err != nil {
		return fmt.Errorf("relay: open data stream: %w", err)
	}
	defer stream.Close()

	if err := wire.Encode(stream, &wire.TCPOpen{TargetAddr: public.RemoteAddr().String()}); err != nil {
		return fmt.Errorf("relay: send tcp open: %w", err)
	}

	bridge(stream, public, s.log)
	return nil
}

func (s *Server) connFor(tunnelID string) (*clientConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cc, ok := s.conns[tunnelID]
	if !ok {
		return nil, fmt.Errorf("relay: no active connection for tunnel %s", tunnelID)
	}
	return cc, nil
}

// DispatchHTTP serializes req as a wire.HTTPRequest, sends it to the
// tunnel owning host, and waits (bounded by RequestTimeout) for the
// correlated HTTPResponse.
func (s *Server) DispatchHTTP(ctx context.Context, host string, req *wire.HTTPRequest) (*wire.HTTPResponse, error) {
	var span *tracing.Span
	if s.cfg.Tracer != nil {
		ctx, span = s.cfg.Tracer.Start(ctx, "relay.dispatch_http")
		span.SetKind(tracing.SpanKindServer)
		span.SetAttribute("http.host", host)
		defer span.End()
	}

	target, err := s.registry.LookupHost(registry.KindHTTPHost, host)
	if err != nil {
		if span != nil {
			span.SetStatus(tracing.StatusError, err.Error())
		}
		return nil, err
	}
	cc, err := s.connFor(target.TunnelID)
	if err != nil {
		if span != nil {
			span.SetStatus(tracing.StatusError, err.Error())
		}
		return nil, err
	}
	if span != nil {
		span.SetAttribute("tunnel.id", cc.tunnelID)
	}

	req.ReqID = uuid.NewString()

	waitCtx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()
	wait := s.pending.Register(waitCtx, req.ReqID)

	if err := cc.send(req); err != nil {
		err = fmt.Errorf("relay: dispatch http request: %w", err)
		if span != nil {
			span.SetStatus(tracing.StatusError, err.Error())
		}
		return nil, err
	}

	start := time.Now()
	resp, err := wait()
	observeHTTPDispatch(resp, err, time.Since(start))
	if span != nil {
		if err != nil {
			span.SetStatus(tracing.StatusError, err.Error())
		} else {
			span.SetStatus(tracing.StatusOK, "")
		}
	}
	return resp, err
}

// observeHTTPDispatch records metrics.RequestsTotal/RequestDuration for
// one dispatched HTTP request, a no-op if metrics.Init was never
// called.
func observeHTTPDispatch(resp *wire.HTTPResponse, err error, d time.Duration) {
	if metrics.RequestDuration != nil {
		if vec, verr := metrics.RequestDuration.WithLabels("http"); verr == nil {
			vec.Observe(d.Seconds())
		}
	}
	if metrics.RequestsTotal == nil {
		return
	}
	status := "error"
	if err == nil && resp != nil {
		status = fmt.Sprintf("%d", resp.Status)
	}
	if vec, verr := metrics.RequestsTotal.WithLabels("http", status); verr == nil {
		_ = vec.Inc()
	}
}

func readOneMessage(r io.Reader, dec *wire.Decoder) (wire.Message, error) {
	buf := make([]byte, 64*1024)
	for {
		msg, err := dec.Next()
		if err == nil {
			return msg, nil
		}
		if !errors.Is(err, wire.ErrNeedMore) {
			return nil, err
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
		}
		if rerr != nil {
			return nil, rerr
		}
	}
}

// bridge copies bytes bidirectionally between a transport stream and
// a public-facing net.Conn, mirroring pkg/client's identical helper
// on the relay side of the same TCP forwarding path.
func bridge(stream transport.Stream, public net.Conn, log *slog.Logger) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		_, err := io.Copy(public, stream)
		if err != nil {
			log.Debug("bridge stream->public ended", "error", err)
		}
		if tc, ok := public.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
	}()

	go func() {
		defer wg.Done()
		_, err := io.Copy(stream, public)
		if err != nil {
			log.Debug("bridge public->stream ended", "error", err)
		}
		_ = stream.CloseWrite()
	}()

	wg.Wait()
}
