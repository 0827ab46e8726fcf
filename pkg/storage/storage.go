// Package storage defines the TunnelStorage external interface:
// durable bookkeeping of active/recent tunnels, independent of the
// relay's in-memory route registry (pkg/registry), which exists only
// for the lifetime of a process. Persistent/relational storage is an
// external collaborator; this package only commits to the interface
// and a reference in-memory implementation (pkg/storage/memstore).
package storage

import (
	"context"
	"time"
)

// Record is the durable representation of one tunnel, independent
// of which connection currently serves it.
type Record struct {
	TunnelID   string
	UserID     string
	Subdomain  string
	CustomDomain string
	Protocols  []string
	CreatedAt  time.Time
	LastSeenAt time.Time
	Metadata   map[string]string
}

// Store is the TunnelStorage interface.
type Store interface {
	// Save upserts rec.
	Save(ctx context.Context, rec *Record) error

	// Get returns the record for tunnelID, or ErrNotFound.
	Get(ctx context.Context, tunnelID string) (*Record, error)

	// ListActive returns every record whose LastSeenAt is within
	// maxAge of now.
	ListActive(ctx context.Context, maxAge time.Duration) ([]*Record, error)

	// Delete removes tunnelID's record, if present.
	Delete(ctx context.Context, tunnelID string) error

	// Touch updates LastSeenAt for tunnelID to now without requiring
	// the full record.
	Touch(ctx context.Context, tunnelID string, now time.Time) error
}

// ErrNotFound is returned by Get/Touch when no record exists for the
// requested tunnel ID.
var ErrNotFound = notFoundErr{}

type notFoundErr struct{}

func (notFoundErr) Error() string { return "storage: tunnel record not found" }
