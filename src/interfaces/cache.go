package interfaces

import (
	"context"
	"time"
)

// -----------------------------------------------------------------------------
// ICache defines the contract for the TTL cache backends (memory/redis).
// -----------------------------------------------------------------------------

type ICache interface {

	// -----------------------------------------------------------------------------

	// Get looks up the key and unmarshals the stored value into dest.
	// Returns false on a miss or an expired entry. Backend failures are
	// treated as misses so the caller always falls through to the source.
	Get(ctx context.Context, key string, dest interface{}) bool

	// -----------------------------------------------------------------------------

	// Set stores the value under key with the given TTL. Backend failures
	// are logged and swallowed, never surfaced to the caller.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration)

	// -----------------------------------------------------------------------------

	// Delete removes the key if present.
	Delete(ctx context.Context, key string)

	// -----------------------------------------------------------------------------

	// Close releases backend resources.
	Close() error
}
