// Package throttle bounds concurrent model calls per API origin.
package throttle

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// MockOrigin is the key shared by all endpoints without a URL.
const MockOrigin = "mock"

// DefaultPerOrigin is the number of concurrent calls allowed per origin.
const DefaultPerOrigin = 2

// OriginKey reduces an API URL to its lowercased scheme://host. URLs that do
// not parse into a scheme and host are keyed by their lowercased text.
func OriginKey(apiURL string) string {
	raw := strings.TrimSpace(apiURL)
	if raw == "" {
		return MockOrigin
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return strings.ToLower(raw)
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}

type origin struct {
	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

// Registry hands out per-origin permits. Origins are created lazily and
// never removed. The zero value is not usable; call NewRegistry.
type Registry struct {
	perOrigin int64
	rps       float64

	mu      sync.Mutex // guards creation only
	origins sync.Map   // string -> *origin
}

// NewRegistry returns a registry allowing perOrigin concurrent calls per
// origin. A positive rps additionally caps call starts per second.
func NewRegistry(perOrigin int, rps float64) *Registry {
	if perOrigin <= 0 {
		perOrigin = DefaultPerOrigin
	}
	return &Registry{perOrigin: int64(perOrigin), rps: rps}
}

// PerOrigin returns the configured per-origin limit.
func (r *Registry) PerOrigin() int {
	return int(r.perOrigin)
}

func (r *Registry) get(key string) *origin {
	if o, ok := r.origins.Load(key); ok {
		return o.(*origin)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.origins.Load(key); ok {
		return o.(*origin)
	}
	o := &origin{sem: semaphore.NewWeighted(r.perOrigin)}
	if r.rps > 0 {
		o.limiter = rate.NewLimiter(rate.Limit(r.rps), max(int(r.rps), 1))
	}
	r.origins.Store(key, o)
	return o
}

// Acquire blocks until a permit for apiURL's origin is free or ctx is done.
// The returned release must be called exactly once.
func (r *Registry) Acquire(ctx context.Context, apiURL string) (func(), error) {
	key := OriginKey(apiURL)
	o := r.get(key)
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return nil, eris.Wrapf(err, "throttle: acquire %s", key)
	}
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			o.sem.Release(1)
			return nil, eris.Wrapf(err, "throttle: rate wait %s", key)
		}
	}
	var once sync.Once
	return func() { once.Do(func() { o.sem.Release(1) }) }, nil
}

// Origins returns the number of origins seen so far.
func (r *Registry) Origins() int {
	n := 0
	r.origins.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
