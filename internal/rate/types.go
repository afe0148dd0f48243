package rate

import (
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
)

// Declaration defines a provider's request budget.
type Declaration struct {
	provider  string
	perMinute int
	burst     int
	cacheTTL  time.Duration
	cacheable func(*http.Request) bool
	clock     clock.Clock
}

// Provider creates a new declaration for a provider.
func Provider(name string) Declaration {
	return Declaration{provider: name}
}

func (d Declaration) ProviderName() string {
	return d.provider
}

// MaxRequestsPerMinute sets the refill rate. Zero disables limiting.
func (d Declaration) MaxRequestsPerMinute(limit int) Declaration {
	d.perMinute = limit
	return d
}

// Burst caps how many tokens may accumulate. Defaults to the per-minute limit.
func (d Declaration) Burst(n int) Declaration {
	d.burst = n
	return d
}

// CacheFor keeps successful GET responses for ttl so they can be served
// while the guard blocks.
func (d Declaration) CacheFor(ttl time.Duration) Declaration {
	d.cacheTTL = ttl
	return d
}

// CacheWhen restricts caching to requests fn accepts. Without it every GET
// is cacheable.
func (d Declaration) CacheWhen(fn func(*http.Request) bool) Declaration {
	d.cacheable = fn
	return d
}

func (d Declaration) WithClock(c clock.Clock) Declaration {
	d.clock = c
	return d
}

func (d Declaration) Limited() bool {
	return d.perMinute > 0
}

func (d Declaration) cacheAllowed(req *http.Request) bool {
	if d.cacheTTL <= 0 || req.Method != http.MethodGet {
		return false
	}
	return d.cacheable == nil || d.cacheable(req)
}

func (d Declaration) capacity() int {
	if d.burst > 0 {
		return d.burst
	}
	return d.perMinute
}

func (d Declaration) clockOrDefault() clock.Clock {
	if d.clock == nil {
		return clock.New()
	}
	return d.clock
}
