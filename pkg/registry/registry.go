// Package registry implements the relay-side route table mapping a
// public-facing route key (TCP port, TLS SNI host, or HTTP host) to
// the tunnel connection that owns it.
package registry

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Errors returned by Registry operations.
var (
	ErrAlreadyExists = errors.New("registry: route already exists")
	ErrNotFound      = errors.New("registry: route not found")
)

// RouteKind discriminates the three route key shapes. Go has no tagged
// union, so RouteKey carries a Kind plus only the fields relevant to
// that kind, used directly as a map key since it is comparable.
type RouteKind uint8

const (
	KindTCPPort RouteKind = iota + 1
	KindTLSSNI
	KindHTTPHost
)

// RouteKey identifies one registered public endpoint. Equality is
// exact structural equality; wildcard matching is a distinct lookup
// operation (LookupHost) layered on top of the exact store.
type RouteKey struct {
	Kind RouteKind
	Port uint16 // KindTCPPort
	Host string // KindTLSSNI, KindHTTPHost (may carry a "*." prefix)
}

func TCPPortKey(port uint16) RouteKey   { return RouteKey{Kind: KindTCPPort, Port: port} }
func TLSSNIKey(host string) RouteKey    { return RouteKey{Kind: KindTLSSNI, Host: host} }
func HTTPHostKey(host string) RouteKey  { return RouteKey{Kind: KindHTTPHost, Host: host} }

// RouteTarget is the value side of the registry: which tunnel owns
// this route and which connection to open a data stream on. The
// registry treats TargetAddress as opaque; only the dispatcher (pkg/relay)
// interprets it.
type RouteTarget struct {
	TunnelID         string
	OwnerConnectionID string
	TargetAddress    string
	Metadata         map[string]string
}

// bucket is one shard of the sharded concurrent map. Go has no
// DashMap equivalent in the stack this repository draws from, so the
// idiomatic answer is a small, fixed number of sync.RWMutex-guarded
// maps, sharded by key hash — the same per-bucket-locking shape
// pkg/ratelimit uses for its per-IP token buckets, generalized here to
// more than one lock.
type bucket struct {
	mu     sync.RWMutex
	routes map[RouteKey]*RouteTarget
}

const shardCount = 16

// Registry is the thread-safe exact route store plus wildcard lookup.
type Registry struct {
	shards [shardCount]*bucket
}

// New returns an empty Registry.
func New() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &bucket{routes: make(map[RouteKey]*RouteTarget)}
	}
	return r
}

func (r *Registry) shardFor(k RouteKey) *bucket {
	h := fnv32(k)
	return r.shards[h%shardCount]
}

func fnv32(k RouteKey) uint32 {
	const offset32 = 2166136261
	const prime32 = 16777619
	h := uint32(offset32)
	h = (h ^ uint32(k.Kind)) * prime32
	h = (h ^ uint32(k.Port)) * prime32
	for i := 0; i < len(k.Host); i++ {
		h = (h ^ uint32(k.Host[i])) * prime32
	}
	return h
}

// Register installs target under key. If key is already held by the
// same TunnelID, re-registration succeeds and replaces the stored
// target (register-or-adopt: enables idempotent reconnects across a
// client's retry loop). If held by a different tunnel, it fails with
// ErrAlreadyExists.
func (r *Registry) Register(key RouteKey, target *RouteTarget) error {
	b := r.shardFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.routes[key]; ok && existing.TunnelID != target.TunnelID {
		return fmt.Errorf("%w: %v", ErrAlreadyExists, key)
	}
	b.routes[key] = target
	return nil
}

// Lookup performs an exact key lookup.
func (r *Registry) Lookup(key RouteKey) (*RouteTarget, error) {
	b := r.shardFor(key)
	b.mu.RLock()
	defer b.mu.RUnlock()

	t, ok := b.routes[key]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, key)
	}
	return t, nil
}

// Unregister removes key if present. Unregistering an absent key is a
// no-op, matching the idempotent-cleanup a dying connection needs.
func (r *Registry) Unregister(key RouteKey) {
	b := r.shardFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.routes, key)
}

// Exists reports whether key is currently registered.
func (r *Registry) Exists(key RouteKey) bool {
	b := r.shardFor(key)
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.routes[key]
	return ok
}

// Count returns the total number of registered routes across all
// kinds.
func (r *Registry) Count() int {
	n := 0
	for _, b := range r.shards {
		b.mu.RLock()
		n += len(b.routes)
		b.mu.RUnlock()
	}
	return n
}

// All returns a snapshot of every registered (key, target) pair.
func (r *Registry) All() map[RouteKey]*RouteTarget {
	out := make(map[RouteKey]*RouteTarget, r.Count())
	for _, b := range r.shards {
		b.mu.RLock()
		for k, v := range b.routes {
			out[k] = v
		}
		b.mu.RUnlock()
	}
	return out
}

// UnregisterTunnel removes every route owned by tunnelID, used when a
// connection dies with routes still registered.
func (r *Registry) UnregisterTunnel(tunnelID string) {
	for _, b := range r.shards {
		b.mu.Lock()
		for k, v := range b.routes {
			if v.TunnelID == tunnelID {
				delete(b.routes, k)
			}
		}
		b.mu.Unlock()
	}
}

// NormalizeHTTPHost strips a ":port" suffix from an HTTP Host header
// value ("example.com:8080 → example.com").
func NormalizeHTTPHost(host string) string {
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		return host[:i]
	}
	return host
}

// LookupHost resolves an HTTP/TLS host through exact match first, then
// wildcard fallback: iteratively stripping the leftmost label and
// trying "*.<remainder>" until only the suffix remains. The longest
// matching suffix wins; an exact match always beats any wildcard. This
// tie-break is this repository's own design choice, documented here
// as the stable, permanent behavior.
func (r *Registry) LookupHost(kind RouteKind, host string) (*RouteTarget, error) {
	host = NormalizeHTTPHost(host)
	host = strings.ToLower(host)

	if t, err := r.Lookup(RouteKey{Kind: kind, Host: host}); err == nil {
		return t, nil
	}

	remainder := host
	for {
		i := strings.IndexByte(remainder, '.')
		if i < 0 {
			break
		}
		remainder = remainder[i+1:]
		if remainder == "" {
			break
		}
		wildcard := RouteKey{Kind: kind, Host: "*." + remainder}
		if t, err := r.Lookup(wildcard); err == nil {
			return t, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrNotFound, host)
}

// ExtractHost reads the Host header from an HTTP header map in an
// ASCII case-insensitive manner (net/http already normalizes header
// keys to canonical case on the server side, but callers forwarding
// raw maps over the wire protocol cannot rely on that).
func ExtractHost(headers map[string][]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, "Host") && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}
