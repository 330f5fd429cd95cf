// Package limits resolves per-subscriber device limits from the subscription
// panel, with a bounded TTL cache in front of it.
package limits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maypok86/otter"

	"github.com/tetherguard/tether/internal/subsapi"
)

// Entry is the cached policy for one subscriber. A zero Limit means the
// panel defines no device limit and the detector skips the subscriber.
type Entry struct {
	Limit  uint32
	UUID   string
	Status string
}

// HasPolicy reports whether a device limit applies to this subscriber.
func (e Entry) HasPolicy() bool {
	return e.Limit > 0
}

// API is the slice of the panel client the resolver needs.
type API interface {
	GetUser(ctx context.Context, subscriber string) (subsapi.User, error)
}

// Resolver caches panel lookups. Successful lookups (including "no limit"
// and "unknown subscriber") are cached for the TTL; transport failures are
// not cached, so a recovering panel is retried on the next evaluation.
type Resolver struct {
	api   API
	cache otter.Cache[string, Entry]
}

// NewResolver builds a resolver bounded to maxEntries subscribers with the
// given cache TTL.
func NewResolver(api API, maxEntries int, ttl time.Duration) *Resolver {
	cache, err := otter.MustBuilder[string, Entry](maxEntries).
		Cost(func(_ string, _ Entry) uint32 { return 1 }).
		WithTTL(ttl).
		Build()
	if err != nil {
		panic("limits: failed to create cache: " + err.Error())
	}
	return &Resolver{api: api, cache: cache}
}

// Resolve returns the policy entry for a subscriber, consulting the panel on
// a cache miss. An unknown subscriber resolves to a no-policy entry.
func (r *Resolver) Resolve(ctx context.Context, subscriber string) (Entry, error) {
	if e, ok := r.cache.Get(subscriber); ok {
		return e, nil
	}

	user, err := r.api.GetUser(ctx, subscriber)
	if err != nil {
		if errors.Is(err, subsapi.ErrNotFound) {
			e := Entry{}
			r.cache.Set(subscriber, e)
			return e, nil
		}
		return Entry{}, fmt.Errorf("limits: resolve %s: %w", subscriber, err)
	}

	e := Entry{UUID: user.UUID, Status: user.Status}
	if user.HasLimit() {
		e.Limit = *user.DeviceLimit
	}
	r.cache.Set(subscriber, e)
	return e, nil
}

// Invalidate drops a subscriber's cached entry. The admin facade calls this
// after limit changes on the panel side.
func (r *Resolver) Invalidate(subscriber string) {
	r.cache.Delete(subscriber)
}

// Size returns the number of cached entries, for health output.
func (r *Resolver) Size() int {
	return r.cache.Size()
}
