// CLAUDE:SUMMARY Expiring key/value store (transients) with memory, SQL, and noop backends.
package transient

import (
	"context"
	"time"
)

// Store is an expiring key/value store. Values are short strings (cached
// catalog answers, rendered notes); expiry is judged at read time.
//
// Get reports ok=true only for a present and unexpired entry. Implementations
// must not delete expired rows on read: an expired entry and an absent one
// are indistinguishable to callers, and eager deletion would race writers
// that are about to refresh the same key. Removal of expired rows is the
// sweeper's job.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Sweeper is implemented by stores that can garbage-collect expired rows.
// The agent runs Sweep on a timer; nothing in the read path depends on it.
type Sweeper interface {
	Sweep(ctx context.Context) (removed int64, err error)
}

// Noop returns a Store that never holds anything: reads miss, writes are
// dropped. Used when caching is disabled by configuration; callers then pay
// the upstream cost on every lookup, which is the documented trade-off.
func Noop() Store { return noopStore{} }

type noopStore struct{}

func (noopStore) Get(context.Context, string) (string, bool, error) { return "", false, nil }
func (noopStore) Set(context.Context, string, string, time.Duration) error {
	return nil
}
func (noopStore) Delete(context.Context, string) error { return nil }
func (noopStore) Close() error                         { return nil }
