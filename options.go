package apiclient

import (
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// ClientConfig holds the client's composition-root settings. Everything is
// injectable so tests can instantiate fresh breakers, caches, and recorders
// per case.
type ClientConfig struct {
	// BaseURL is prepended to every endpoint path.
	BaseURL string

	// RetryPolicy is the default policy before endpoint and per-call overlays.
	RetryPolicy RetryPolicy

	// CacheConfig is the default cache behavior before overlays.
	CacheConfig CacheConfig

	// Endpoints maps URL path prefixes to per-endpoint tuning. The longest
	// matching prefix wins at call time.
	Endpoints map[string]EndpointConfig

	// Breaker guards the backend. One instance per client, shared by all
	// concurrent calls so failures accumulate toward one threshold.
	// Default: NewBreaker() with the client's logger.
	Breaker *Breaker

	// Cache stores GET responses. Shared across concurrent calls.
	// Default: NewCacheStore()
	Cache *CacheStore

	// Recorder receives one CallMetrics per dispatched call.
	// Default: NoopRecorder
	Recorder Recorder

	// Logger for request-path events.
	// Default: slog.Default()
	Logger *slog.Logger

	// ErrorClassifier overrides the policy-driven retry decision.
	ErrorClassifier ErrorClassifier

	// RequestTimeout bounds each individual attempt, not the whole call.
	// Default: 30 seconds
	RequestTimeout time.Duration

	// Header is sent with every request.
	Header http.Header
}

// ClientOption is a functional option for configuring a Client.
type ClientOption func(*ClientConfig)

// DefaultClientConfig returns client configuration with sensible defaults.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		RetryPolicy:    DefaultRetryPolicy(),
		CacheConfig:    DefaultCacheConfig(),
		Recorder:       NoopRecorder{},
		Logger:         slog.Default(),
		RequestTimeout: 30 * time.Second,
		Header:         make(http.Header),
	}
}

// WithBaseURL sets the backend base URL.
//
// Example:
//
//	apiclient.WithBaseURL("https://api.example.up.railway.app")
func WithBaseURL(baseURL string) ClientOption {
	return func(c *ClientConfig) {
		c.BaseURL = baseURL
	}
}

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(policy RetryPolicy) ClientOption {
	return func(c *ClientConfig) {
		c.RetryPolicy = policy
	}
}

// WithCacheConfig replaces the default cache configuration.
func WithCacheConfig(cfg CacheConfig) ClientOption {
	return func(c *ClientConfig) {
		c.CacheConfig = cfg
	}
}

// WithEndpointConfig registers per-endpoint tuning for a URL path prefix.
//
// Example:
//
//	apiclient.WithEndpointConfig("/projects", apiclient.EndpointConfig{
//	    Cache: &apiclient.CacheOverrides{Tags: []string{"projects"}},
//	})
func WithEndpointConfig(prefix string, cfg EndpointConfig) ClientOption {
	return func(c *ClientConfig) {
		if c.Endpoints == nil {
			c.Endpoints = make(map[string]EndpointConfig)
		}
		c.Endpoints[prefix] = cfg
	}
}

// WithEndpoints replaces the whole endpoint table.
func WithEndpoints(table map[string]EndpointConfig) ClientOption {
	return func(c *ClientConfig) {
		c.Endpoints = table
	}
}

// WithBreaker injects a circuit breaker instance. Useful for sharing one
// breaker across clients targeting the same backend, or for tests.
func WithBreaker(b *Breaker) ClientOption {
	return func(c *ClientConfig) {
		c.Breaker = b
	}
}

// WithCacheStore injects a cache store instance.
func WithCacheStore(s *CacheStore) ClientOption {
	return func(c *ClientConfig) {
		c.Cache = s
	}
}

// WithRecorder sets the metrics sink.
func WithRecorder(r Recorder) ClientOption {
	return func(c *ClientConfig) {
		c.Recorder = r
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *ClientConfig) {
		c.Logger = logger
	}
}

// WithErrorClassifier sets a custom retry classifier for failure surfaces the
// policy-driven decision cannot see.
func WithErrorClassifier(classifier ErrorClassifier) ClientOption {
	return func(c *ClientConfig) {
		c.ErrorClassifier = classifier
	}
}

// WithRequestTimeout bounds each individual attempt. Zero disables the
// per-attempt timer; the caller's context still applies.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *ClientConfig) {
		c.RequestTimeout = d
	}
}

// WithDefaultHeader adds a header sent with every request.
func WithDefaultHeader(key, value string) ClientOption {
	return func(c *ClientConfig) {
		if c.Header == nil {
			c.Header = make(http.Header)
		}
		c.Header.Set(key, value)
	}
}

// WithBearerToken sets the Authorization header for every request. Session
// mechanics live with the caller; this is just the hook.
func WithBearerToken(token string) ClientOption {
	return WithDefaultHeader("Authorization", "Bearer "+token)
}

// requestOptions holds per-call settings, resolved once per call.
type requestOptions struct {
	body           any
	params         url.Values
	header         http.Header
	timeout        time.Duration
	retry          *RetryOverrides
	cache          *CacheOverrides
	invalidateTags []string
	skipCache      bool
}

// RequestOption is a functional option applied to a single call.
type RequestOption func(*requestOptions)

// WithBody sets the request body. []byte and string pass through verbatim;
// anything else is JSON-encoded.
func WithBody(body any) RequestOption {
	return func(o *requestOptions) {
		o.body = body
	}
}

// WithParams merges query parameters into the request URL.
func WithParams(params url.Values) RequestOption {
	return func(o *requestOptions) {
		if o.params == nil {
			o.params = make(url.Values)
		}
		for k, vs := range params {
			for _, v := range vs {
				o.params.Add(k, v)
			}
		}
	}
}

// WithParam adds one query parameter.
func WithParam(key, value string) RequestOption {
	return func(o *requestOptions) {
		if o.params == nil {
			o.params = make(url.Values)
		}
		o.params.Add(key, value)
	}
}

// WithRequestHeader adds a header to this call only.
func WithRequestHeader(key, value string) RequestOption {
	return func(o *requestOptions) {
		if o.header == nil {
			o.header = make(http.Header)
		}
		o.header.Add(key, value)
	}
}

// WithCallTimeout overrides the per-attempt timeout for this call.
func WithCallTimeout(d time.Duration) RequestOption {
	return func(o *requestOptions) {
		o.timeout = d
	}
}

// WithRetryOverrides overlays retry settings for this call. Per-call
// overrides win over the endpoint table, which wins over the client default.
func WithRetryOverrides(overrides RetryOverrides) RequestOption {
	return func(o *requestOptions) {
		o.retry = &overrides
	}
}

// WithCacheOverrides overlays cache settings for this call.
func WithCacheOverrides(overrides CacheOverrides) RequestOption {
	return func(o *requestOptions) {
		o.cache = &overrides
	}
}

// WithInvalidateTags names the cache tags a successful mutation invalidates,
// so reads are never served data superseded by this write. Only the caller
// knows which tags a mutation affects.
func WithInvalidateTags(tags ...string) RequestOption {
	return func(o *requestOptions) {
		o.invalidateTags = append(o.invalidateTags, tags...)
	}
}

// WithoutCache bypasses the cache for this call entirely.
func WithoutCache() RequestOption {
	return func(o *requestOptions) {
		o.skipCache = true
	}
}
