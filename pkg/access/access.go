// Package access implements the agent mode's allow-list: a small set
// of CIDR ranges and port ranges gating which private targets an agent
// is permitted to forward TcpOpen requests to.
package access

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// Errors returned by Validate, matching the relay's access-control
// error kind rather than a boolean allow/deny.
var (
	ErrCIDRNotAllowed   = errors.New("access: address not in an allowed CIDR range")
	ErrPortNotAllowed   = errors.New("access: port not in an allowed range")
	ErrInvalidAddress   = errors.New("access: invalid host:port address")
)

// PortRange is an inclusive [Start, End] port range.
type PortRange struct {
	Start uint16
	End   uint16
}

// Contains reports whether port falls within the range, inclusive.
func (r PortRange) Contains(port uint16) bool {
	return port >= r.Start && port <= r.End
}

// ParsePortRange parses either a single port ("22") or a range
// ("80-443"). It errors if Start > End.
func ParsePortRange(s string) (PortRange, error) {
	var startStr, endStr string
	if i := indexByte(s, '-'); i >= 0 {
		startStr, endStr = s[:i], s[i+1:]
	} else {
		startStr, endStr = s, s
	}

	start, err := strconv.ParseUint(startStr, 10, 16)
	if err != nil {
		return PortRange{}, fmt.Errorf("access: invalid port range %q: %w", s, err)
	}
	end, err := strconv.ParseUint(endStr, 10, 16)
	if err != nil {
		return PortRange{}, fmt.Errorf("access: invalid port range %q: %w", s, err)
	}
	if start > end {
		return PortRange{}, fmt.Errorf("access: invalid port range %q: start > end", s)
	}

	return PortRange{Start: uint16(start), End: uint16(end)}, nil
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// List is the agent mode's access-control allow-list. An empty CIDRs
// slice means "no restriction on address"; an empty Ports slice means
// "no restriction on port" — both axes independently default open.
type List struct {
	CIDRs []*net.IPNet
	Ports []PortRange
}

// NewList parses CIDR and port-range strings into a List. Bare IP
// addresses (no "/bits" suffix) are treated as a single-address
// network (/32 for IPv4, /128 for IPv6), matching how the access
// control allow-list is configured operationally via repeatable
// --allow-cidr flags.
func NewList(cidrs []string, ports []string) (*List, error) {
	l := &List{}

	for _, c := range cidrs {
		_, ipNet, err := net.ParseCIDR(c)
		if err != nil {
			ip := net.ParseIP(c)
			if ip == nil {
				return nil, fmt.Errorf("access: invalid CIDR or IP %q: %w", c, err)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			ipNet = &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
		}
		l.CIDRs = append(l.CIDRs, ipNet)
	}

	for _, p := range ports {
		pr, err := ParsePortRange(p)
		if err != nil {
			return nil, err
		}
		l.Ports = append(l.Ports, pr)
	}

	return l, nil
}

// AllowAll returns a List with no restrictions on either axis.
func AllowAll() *List { return &List{} }

// Validate checks addr (a "host:port" string) against the list.
// Matching is linear; lists are expected to stay small (O(10)) per
// policy, so this is never a hot-path bottleneck.
func (l *List) Validate(addr string) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidAddress, addr)
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidAddress, addr)
	}

	if len(l.Ports) > 0 {
		allowed := false
		for _, r := range l.Ports {
			if r.Contains(uint16(port)) {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: port %d", ErrPortNotAllowed, port)
		}
	}

	if len(l.CIDRs) > 0 {
		ip := net.ParseIP(host)
		if ip == nil {
			ips, err := net.LookupIP(host)
			if err != nil || len(ips) == 0 {
				return fmt.Errorf("%w: %s", ErrInvalidAddress, host)
			}
			ip = ips[0]
		}

		allowed := false
		for _, n := range l.CIDRs {
			if n.Contains(ip) {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: %s", ErrCIDRNotAllowed, host)
		}
	}

	return nil
}

// IsEmpty reports whether the list imposes no restriction at all
// (neither CIDRs nor ports configured). Agents log a warning at
// startup when this is the case, since it means "deny nothing".
func (l *List) IsEmpty() bool {
	return len(l.CIDRs) == 0 && len(l.Ports) == 0
}
