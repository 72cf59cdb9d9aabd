// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"time"
)

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// Hasher provides one-way hashing for secrets such as passwords.
type Hasher interface {
	// Hash generates a hash from plaintext.
	Hash(plaintext string) ([]byte, error)

	// Compare checks if plaintext matches hash.
	Compare(hash []byte, plaintext string) bool
}

// -----------------------------------------------------------------------------
// Cache Ports
// -----------------------------------------------------------------------------

// CacheStore is the optional persistent second tier of the schema cache.
// A miss is reported as (nil, false, nil); errors are reserved for store failures.
type CacheStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	Invalidate(ctx context.Context, key string) error

	// InvalidatePrefix removes every key starting with prefix, including
	// entries written by other processes sharing the store.
	InvalidatePrefix(ctx context.Context, prefix string) error
}

// -----------------------------------------------------------------------------
// Authorization Ports
// -----------------------------------------------------------------------------

// Principal identifies the caller of an operation. The engine never
// inspects it beyond handing it to the Authorizer.
type Principal struct {
	ID    string
	Roles []string
}

// Authorizer is the external authorization oracle.
type Authorizer interface {
	// CheckAccess reports whether the principal holds the permission slug.
	CheckAccess(ctx context.Context, p Principal, permission string) (bool, error)
}

// -----------------------------------------------------------------------------
// Observability Ports
// -----------------------------------------------------------------------------

// Metrics receives engine measurements.
type Metrics interface {
	// SchemaCache records a cache lookup; tier is "memory" or "store".
	SchemaCache(model, tier string, hit bool)

	// SchemaLoad records a parse+compile of a schema document.
	SchemaLoad(model string, d time.Duration, err error)

	// Operation records one engine operation (list, create, attach, ...).
	Operation(model, op string, d time.Duration, err error)
}

// NopMetrics discards all measurements.
type NopMetrics struct{}

func (NopMetrics) SchemaCache(string, string, bool) {}

func (NopMetrics) SchemaLoad(string, time.Duration, error) {}

func (NopMetrics) Operation(string, string, time.Duration, error) {}
