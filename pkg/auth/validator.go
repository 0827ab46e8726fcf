// Package auth defines the pluggable authentication contract the
// relay's handshake handler calls into, plus the AuthResult it
// produces. Concrete validators (JWT, API key, mTLS) live in
// sub-packages.
package auth

import "context"

// Result is the validated identity and permissions produced by a
// Validator, consumed by the handshake handler to decide which
// protocols/regions a client may request and to tag registered routes
// with a tunnel_id. Empty allow-lists mean "all allowed" — confirmed
// unambiguous by cross-referencing the reference auth validator's own
// test for this exact behavior.
type Result struct {
	TunnelID         string
	UserID           string
	AllowedProtocols []string
	AllowedRegions   []string
	Metadata         map[string]string
}

// IsProtocolAllowed reports whether protocol may be requested by this
// identity. An empty AllowedProtocols means everything is allowed.
func (r Result) IsProtocolAllowed(protocol string) bool {
	if len(r.AllowedProtocols) == 0 {
		return true
	}
	for _, p := range r.AllowedProtocols {
		if p == protocol {
			return true
		}
	}
	return false
}

// IsRegionAllowed reports whether region may be requested by this
// identity. An empty AllowedRegions means everything is allowed.
func (r Result) IsRegionAllowed(region string) bool {
	if len(r.AllowedRegions) == 0 {
		return true
	}
	for _, rg := range r.AllowedRegions {
		if rg == region {
			return true
		}
	}
	return false
}

// Validator is implemented by every authentication strategy the
// handshake handler can be configured with. Implementations must be
// safe for concurrent use.
type Validator interface {
	Validate(ctx context.Context, token string) (Result, error)
}

// Kind-tagged sentinel errors the relay maps to close codes in the
// non-recoverable Auth error kind: the client supervisor must not
// reconnect on these.
type Error struct {
	msg string
}

func (e *Error) Error() string { return e.msg }

func newError(msg string) *Error { return &Error{msg: msg} }

var (
	ErrInvalidToken         = newError("auth: invalid token")
	ErrTokenExpired         = newError("auth: token expired")
	ErrAuthenticationFailed = newError("auth: authentication failed")
)
