package metrics

import "sync"

// Default metrics for the relay and tunnel client.
// These are initialized by calling Init().
var (
	// TunnelsTotal is a gauge of the total number of currently
	// connected tunnels.
	// Labels: protocol (tcp, tls, http, https)
	TunnelsTotal *Gauge

	// HandshakesTotal counts handshake attempts by outcome.
	// Labels: outcome (ok, auth_failed, conflict)
	HandshakesTotal *Counter

	// RequestsTotal counts requests dispatched to a tunnel.
	// Labels: protocol, status
	RequestsTotal *Counter

	// RequestDuration tracks HTTP dispatch latency in seconds, from
	// sending the HTTPRequest to its response, error or timeout.
	// TCP forwards are not observed.
	// Labels: protocol
	RequestDuration *Histogram

	// ActiveDataStreams tracks the number of open data streams across
	// all tunnels.
	ActiveDataStreams *Gauge

	// BytesTransferred counts bytes forwarded between a public
	// connection and its tunnel's data stream.
	// Labels: direction (inbound, outbound)
	BytesTransferred *Counter

	// ReconnectsTotal counts client reconnect attempts by outcome.
	// Labels: outcome (ok, failed)
	ReconnectsTotal *Counter

	// RateLimitedTotal counts requests rejected by per-IP rate
	// limiting at the public ingress.
	// Labels: ingress (http, tcp)
	RateLimitedTotal *Counter

	// ErrorsTotal counts errors by type.
	// Labels: type (timeout, auth, conflict, internal)
	ErrorsTotal *Counter

	// UptimeSeconds is a gauge of the process uptime in seconds.
	UptimeSeconds *Gauge

	// defaultRegistry is the global metrics registry.
	defaultRegistry *Registry

	// initOnce ensures Init() is only called once.
	initOnce sync.Once
)

// Init initializes the default metrics and returns the registry.
// This function is idempotent and safe to call multiple times.
func Init() *Registry {
	initOnce.Do(func() {
		defaultRegistry = NewRegistry()

		TunnelsTotal = defaultRegistry.NewGauge(
			"localup_tunnels_total",
			"Total number of currently connected tunnels",
			"protocol",
		)

		HandshakesTotal = defaultRegistry.NewCounter(
			"localup_handshakes_total",
			"Total number of handshake attempts by outcome",
			"outcome",
		)

		RequestsTotal = defaultRegistry.NewCounter(
			"localup_requests_total",
			"Total number of requests dispatched to a tunnel",
			"protocol", "status",
		)

		RequestDuration = defaultRegistry.NewHistogram(
			"localup_request_duration_seconds",
			"Duration of requests dispatched to a tunnel in seconds",
			DefaultBuckets,
			"protocol",
		)

		ActiveDataStreams = defaultRegistry.NewGauge(
			"localup_active_data_streams",
			"Number of open data streams across all tunnels",
		)

		BytesTransferred = defaultRegistry.NewCounter(
			"localup_bytes_transferred_total",
			"Total bytes forwarded between public connections and tunnel data streams",
			"direction",
		)

		ReconnectsTotal = defaultRegistry.NewCounter(
			"localup_reconnects_total",
			"Total number of client reconnect attempts by outcome",
			"outcome",
		)

		RateLimitedTotal = defaultRegistry.NewCounter(
			"localup_rate_limited_total",
			"Total number of requests rejected by per-IP rate limiting",
			"ingress",
		)

		ErrorsTotal = defaultRegistry.NewCounter(
			"localup_errors_total",
			"Total number of errors by type",
			"type",
		)

		UptimeSeconds = defaultRegistry.NewGauge(
			"localup_uptime_seconds",
			"Process uptime in seconds",
		)
	})

	return defaultRegistry
}

// DefaultRegistry returns the default metrics registry.
// Returns nil if Init() has not been called.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Reset resets all default metrics. Useful for testing.
// This also resets the initOnce, allowing Init() to be called again.
func Reset() {
	initOnce = sync.Once{}
	defaultRegistry = nil
	TunnelsTotal = nil
	HandshakesTotal = nil
	RequestsTotal = nil
	RequestDuration = nil
	ActiveDataStreams = nil
	BytesTransferred = nil
	ReconnectsTotal = nil
	RateLimitedTotal = nil
	ErrorsTotal = nil
	UptimeSeconds = nil
}
