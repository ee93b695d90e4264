package apiclient

import (
	"time"
)

// RetryPolicy controls how a failed call is retried. It is an immutable value:
// resolution produces a fresh policy per call by overlaying the client default
// with the matching endpoint entry and any per-call overrides.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the initial attempt.
	// A call makes at most MaxRetries+1 attempts.
	// Default: 3
	MaxRetries int

	// BaseDelay is the delay before the first retry.
	// Default: 1 second
	BaseDelay time.Duration

	// MaxDelay caps the computed backoff delay.
	// Default: 30 seconds
	MaxDelay time.Duration

	// Multiplier is the exponential growth factor.
	// The delay before retry n is BaseDelay * Multiplier^(n-1), capped at MaxDelay.
	// Default: 2.0
	Multiplier float64

	// RetryableStatusCodes lists HTTP status codes that warrant another attempt.
	// Default: 408, 429, 500, 502, 503, 504
	RetryableStatusCodes []int

	// RetryableErrorKinds lists error classifications that warrant another
	// attempt when no HTTP status is available.
	// Default: network, timeout, server_error, rate_limited
	RetryableErrorKinds []ErrorKind

	// Jitter randomizes each delay by a uniform factor in [0.5, 1.0] to avoid
	// synchronized retry bursts across concurrent callers.
	// Default: true
	Jitter bool
}

// DefaultRetryPolicy returns the retry policy used when nothing overrides it.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:           3,
		BaseDelay:            time.Second,
		MaxDelay:             30 * time.Second,
		Multiplier:           2.0,
		RetryableStatusCodes: []int{408, 429, 500, 502, 503, 504},
		RetryableErrorKinds:  []ErrorKind{KindNetwork, KindTimeout, KindServerError, KindRateLimited},
		Jitter:               true,
	}
}

// RetryOverrides is a partial RetryPolicy. Nil fields leave the base policy
// untouched; non-nil fields replace it. Slice fields replace wholesale when
// non-nil rather than merging.
type RetryOverrides struct {
	MaxRetries           *int
	BaseDelay            *time.Duration
	MaxDelay             *time.Duration
	Multiplier           *float64
	RetryableStatusCodes []int
	RetryableErrorKinds  []ErrorKind
	Jitter               *bool
}

func (p RetryPolicy) apply(o *RetryOverrides) RetryPolicy {
	if o == nil {
		return p
	}
	if o.MaxRetries != nil {
		p.MaxRetries = *o.MaxRetries
	}
	if o.BaseDelay != nil {
		p.BaseDelay = *o.BaseDelay
	}
	if o.MaxDelay != nil {
		p.MaxDelay = *o.MaxDelay
	}
	if o.Multiplier != nil {
		p.Multiplier = *o.Multiplier
	}
	if o.RetryableStatusCodes != nil {
		p.RetryableStatusCodes = o.RetryableStatusCodes
	}
	if o.RetryableErrorKinds != nil {
		p.RetryableErrorKinds = o.RetryableErrorKinds
	}
	if o.Jitter != nil {
		p.Jitter = *o.Jitter
	}
	return p
}

// resolveRetryPolicy overlays the base policy with the endpoint-table entry
// and then the per-call overrides. Pure; evaluated once per call.
func resolveRetryPolicy(base RetryPolicy, endpoint, call *RetryOverrides) RetryPolicy {
	return base.apply(endpoint).apply(call)
}

// CacheConfig controls read-through caching for GET requests.
type CacheConfig struct {
	// Enabled turns caching on for the call. Only GET responses are ever cached.
	// Default: true
	Enabled bool

	// TTL is how long an entry may be served at all. Older entries are misses.
	// Default: 5 minutes
	TTL time.Duration

	// StaleAfter is the age past which an entry is served stale while a
	// background refresh runs. Clamped to TTL when larger or unset.
	// Default: 1 minute
	StaleAfter time.Duration

	// StaleWhileRevalidate enables background refresh on stale hits.
	// Default: true
	StaleWhileRevalidate bool

	// Tags label the entry for group invalidation after related mutations.
	Tags []string
}

// DefaultCacheConfig returns the cache configuration used when nothing
// overrides it.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled:              true,
		TTL:                  5 * time.Minute,
		StaleAfter:           time.Minute,
		StaleWhileRevalidate: true,
	}
}

// CacheOverrides is a partial CacheConfig, overlaid the same way as
// RetryOverrides.
type CacheOverrides struct {
	Disabled             *bool
	TTL                  *time.Duration
	StaleAfter           *time.Duration
	StaleWhileRevalidate *bool
	Tags                 []string
}

func (c CacheConfig) apply(o *CacheOverrides) CacheConfig {
	if o == nil {
		return c
	}
	if o.Disabled != nil {
		c.Enabled = !*o.Disabled
	}
	if o.TTL != nil {
		c.TTL = *o.TTL
	}
	if o.StaleAfter != nil {
		c.StaleAfter = *o.StaleAfter
	}
	if o.StaleWhileRevalidate != nil {
		c.StaleWhileRevalidate = *o.StaleWhileRevalidate
	}
	if o.Tags != nil {
		c.Tags = o.Tags
	}
	return c
}

func resolveCacheConfig(base CacheConfig, endpoint, call *CacheOverrides) CacheConfig {
	return base.apply(endpoint).apply(call)
}

// EndpointConfig holds per-endpoint tuning, keyed in the client's endpoint
// table by URL path prefix. The longest matching prefix wins at call time.
type EndpointConfig struct {
	Retry *RetryOverrides
	Cache *CacheOverrides
}

// matchEndpoint returns the table entry with the longest prefix of path.
func matchEndpoint(table map[string]EndpointConfig, path string) (EndpointConfig, bool) {
	var (
		best    EndpointConfig
		bestLen = -1
		found   bool
	)
	for prefix, cfg := range table {
		if len(prefix) > bestLen && hasPathPrefix(path, prefix) {
			best = cfg
			bestLen = len(prefix)
			found = true
		}
	}
	return best, found
}

func hasPathPrefix(path, prefix string) bool {
	if len(path) < len(prefix) {
		return false
	}
	return path[:len(prefix)] == prefix
}
