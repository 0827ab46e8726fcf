// Package apikey implements auth.Validator over a hashed long-lived
// API key table, the alternative to JWTs for agents that need a
// durable credential instead of a short-lived signed token.
package apikey

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/localup/localup/pkg/auth"
)

// entry is one registered key's identity and permissions.
type entry struct {
	result auth.Result
}

// Table is a concurrent-safe hashed API key store. Keys are never
// held in plaintext after registration: Register hashes the key
// immediately, and Validate looks up the hash of the presented token
// in a map. Hashing a bearer credential for map lookup
// is exactly what the standard library's crypto/sha256 is for, so no
// third-party hashing library is pulled in for this.
type Table struct {
	mu      sync.RWMutex
	entries map[string]entry // hex(sha256(key)) -> entry
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{entries: make(map[string]entry)}
}

func hash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Register adds key, granting result when it is presented to Validate.
func (t *Table) Register(key string, result auth.Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[hash(key)] = entry{result: result}
}

// Revoke removes key from the table.
func (t *Table) Revoke(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, hash(key))
}

// Validate implements auth.Validator. The presented token is hashed
// before lookup so no plaintext key is ever compared or logged; the
// map key itself is the SHA-256 digest, so the lookup is a direct,
// constant-structure index rather than a linear scan.
func (t *Table) Validate(_ context.Context, token string) (auth.Result, error) {
	h := hash(token)

	t.mu.RLock()
	e, ok := t.entries[h]
	t.mu.RUnlock()

	if !ok {
		return auth.Result{}, fmt.Errorf("%w: unknown api key", auth.ErrInvalidToken)
	}
	return e.result, nil
}
