// Package apiclient is the resilient core for outbound calls to the backend.
// Every logical request flows through a read-through cache with
// stale-while-revalidate semantics, a circuit breaker, and a retry executor
// with exponential backoff and jitter, and emits one structured metrics
// record per dispatched call. Failures come back as *APIError with a
// machine-readable code so callers can branch without parsing messages.
package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// Client orchestrates resilient calls against one backend. It owns the shared
// circuit breaker and cache; all other per-call state is independent, so a
// single Client is safe for concurrent use.
type Client struct {
	transport  Transport
	baseURL    string
	policy     RetryPolicy
	cacheCfg   CacheConfig
	endpoints  map[string]EndpointConfig
	breaker    *Breaker
	cache      *CacheStore
	recorder   Recorder
	logger     *slog.Logger
	classifier ErrorClassifier
	timeout    time.Duration
	header     http.Header

	refresh singleflight.Group
	stats   *clientStats
}

// New creates a Client around a Transport.
//
// Example:
//
//	client := apiclient.New(
//	    apiclient.NewHTTPTransport(),
//	    apiclient.WithBaseURL("https://api.example.up.railway.app"),
//	    apiclient.WithRecorder(apiclient.NewLogRecorder(logger)),
//	)
func New(transport Transport, opts ...ClientOption) *Client {
	config := DefaultClientConfig()
	for _, opt := range opts {
		opt(config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Breaker == nil {
		config.Breaker = NewBreaker(WithBreakerLogger(config.Logger))
	}
	if config.Cache == nil {
		config.Cache = NewCacheStore()
	}
	if config.Recorder == nil {
		config.Recorder = NoopRecorder{}
	}

	return &Client{
		transport:  transport,
		baseURL:    config.BaseURL,
		policy:     config.RetryPolicy,
		cacheCfg:   config.CacheConfig,
		endpoints:  config.Endpoints,
		breaker:    config.Breaker,
		cache:      config.Cache,
		recorder:   config.Recorder,
		logger:     config.Logger,
		classifier: config.ErrorClassifier,
		timeout:    config.RequestTimeout,
		header:     config.Header,
		stats:      &clientStats{},
	}
}

// Request issues one logical call. GETs consult the cache first: a fresh hit
// returns immediately, a stale hit returns immediately and schedules a
// detached background refresh, a miss dispatches through the breaker and the
// retry executor. Mutations bypass the cache and invalidate the tags named
// with WithInvalidateTags on success. Failures are returned as *APIError.
func (c *Client) Request(ctx context.Context, method, endpoint string, opts ...RequestOption) (*Response, error) {
	ro := &requestOptions{}
	for _, opt := range opts {
		opt(ro)
	}

	c.stats.addCall()

	epCfg, _ := matchEndpoint(c.endpoints, endpoint)
	policy := resolveRetryPolicy(c.policy, epCfg.Retry, ro.retry)
	cacheCfg := resolveCacheConfig(c.cacheCfg, epCfg.Cache, ro.cache)

	rawURL, err := c.buildURL(endpoint, ro.params)
	if err != nil {
		return nil, &APIError{
			Message: fmt.Sprintf("invalid request URL for %s", endpoint),
			Code:    CodeBadRequest,
			Kind:    KindClientError,
			Err:     err,
		}
	}

	cacheable := method == http.MethodGet && cacheCfg.Enabled && !ro.skipCache
	key := CacheKey(method, rawURL)

	if cacheable {
		if value, state := c.cache.Get(key); state != CacheMiss {
			c.stats.addCacheHit(state)
			c.logger.Debug("cache hit",
				"endpoint", endpoint,
				"state", state.String())
			if state == CacheStale && cacheCfg.StaleWhileRevalidate {
				c.scheduleRefresh(ctx, method, endpoint, rawURL, key, policy, cacheCfg, ro)
			}
			return value, nil
		}
		c.stats.addCacheMiss()
	}

	resp, err := c.do(ctx, method, endpoint, rawURL, policy, ro)
	if err != nil {
		return nil, err
	}

	if cacheable {
		c.cache.Set(key, resp, cacheCfg)
	}
	if method != http.MethodGet {
		for _, tag := range ro.invalidateTags {
			c.cache.InvalidateTag(tag)
		}
	}

	return resp, nil
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, endpoint string, opts ...RequestOption) (*Response, error) {
	return c.Request(ctx, http.MethodGet, endpoint, opts...)
}

// Post issues a POST request with the given body.
func (c *Client) Post(ctx context.Context, endpoint string, body any, opts ...RequestOption) (*Response, error) {
	return c.Request(ctx, http.MethodPost, endpoint, append([]RequestOption{WithBody(body)}, opts...)...)
}

// Put issues a PUT request with the given body.
func (c *Client) Put(ctx context.Context, endpoint string, body any, opts ...RequestOption) (*Response, error) {
	return c.Request(ctx, http.MethodPut, endpoint, append([]RequestOption{WithBody(body)}, opts...)...)
}

// Patch issues a PATCH request with the given body.
func (c *Client) Patch(ctx context.Context, endpoint string, body any, opts ...RequestOption) (*Response, error) {
	return c.Request(ctx, http.MethodPatch, endpoint, append([]RequestOption{WithBody(body)}, opts...)...)
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, endpoint string, opts ...RequestOption) (*Response, error) {
	return c.Request(ctx, http.MethodDelete, endpoint, opts...)
}

// do dispatches one call through the breaker and the retry executor, enhances
// the terminal error, and records metrics exactly once whatever the outcome.
func (c *Client) do(ctx context.Context, method, endpoint, rawURL string, policy RetryPolicy, ro *requestOptions) (*Response, error) {
	requestID := uuid.NewString()
	start := time.Now()

	req, err := c.buildRequest(method, rawURL, ro, requestID)
	if err != nil {
		return nil, &APIError{
			Message: fmt.Sprintf("could not build request for %s", endpoint),
			Code:    CodeBadRequest,
			Kind:    KindClientError,
			Err:     err,
		}
	}

	timeout := ro.timeout
	if timeout == 0 {
		timeout = c.timeout
	}

	retries := 0
	onRetry := func(rc RetryContext) {
		retries = rc.Attempt
		c.stats.addRetry()
		c.logger.Debug("retrying request",
			"endpoint", endpoint,
			"method", method,
			"attempt", rc.Attempt,
			"total_attempts", rc.TotalAttempts,
			"next_delay", rc.NextDelay,
			"request_id", requestID,
			"error", rc.LastError)
	}

	// The breaker wraps the whole retried call: one exhausted call is one
	// failure toward the threshold, not one per attempt.
	resp, err := c.breaker.Execute(func() (*Response, error) {
		return Retry(ctx, policy, c.classifier, onRetry, func(ctx context.Context) (*Response, error) {
			return c.attempt(ctx, req, endpoint, timeout)
		})
	})

	var apiErr *APIError
	if err != nil {
		apiErr = Enhance(err)
	}

	metrics := CallMetrics{
		Endpoint:      endpoint,
		Method:        method,
		Latency:       time.Since(start),
		Success:       err == nil,
		RetryAttempts: retries,
		RequestID:     requestID,
	}
	switch {
	case resp != nil:
		metrics.StatusCode = resp.StatusCode
	case apiErr != nil:
		metrics.StatusCode = apiErr.Status
	}
	c.recorder.RecordAPICall(metrics)

	if err != nil {
		c.stats.addFailure(apiErr)
		c.logger.Warn("request failed",
			"endpoint", endpoint,
			"method", method,
			"status", apiErr.Status,
			"code", apiErr.Code,
			"retries", retries,
			"request_id", requestID,
			"error", apiErr)
		return nil, apiErr
	}

	c.stats.addSuccess()
	if retries > 0 {
		c.logger.Info("request succeeded after retry",
			"endpoint", endpoint,
			"method", method,
			"retries", retries,
			"request_id", requestID)
	}
	return resp, nil
}

// attempt performs one transport exchange, racing it against the per-attempt
// timer. Non-2xx responses become errors here so the retry decision can see
// the status code.
func (c *Client) attempt(ctx context.Context, req *Request, endpoint string, timeout time.Duration) (*Response, error) {
	attemptCtx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	resp, err := c.transport.RoundTrip(attemptCtx, req)
	if err != nil {
		if parentErr := ctx.Err(); parentErr != nil {
			// The caller is gone; no point dressing this up as a backend failure.
			return nil, parentErr
		}
		if errors.Is(err, context.DeadlineExceeded) {
			// The attempt timer lost the race, not the caller. Kept distinct
			// from context.DeadlineExceeded so the retry decision treats it
			// as transient.
			return nil, &APIError{
				Message: fmt.Sprintf("request to %s timed out after %s", endpoint, timeout),
				Kind:    KindTimeout,
			}
		}
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, errorFromResponse(resp)
	}
	return resp, nil
}

// scheduleRefresh re-executes the full pipeline for a stale entry on a
// detached context: the triggering read has already returned, and the refresh
// must survive the caller's cancellation. Concurrent stale hits for the same
// key coalesce into one upstream call. Refresh failures are logged, never
// surfaced.
func (c *Client) scheduleRefresh(ctx context.Context, method, endpoint, rawURL, key string, policy RetryPolicy, cacheCfg CacheConfig, ro *requestOptions) {
	bgCtx := context.WithoutCancel(ctx)
	go func() {
		_, err, _ := c.refresh.Do(key, func() (any, error) {
			resp, err := c.do(bgCtx, method, endpoint, rawURL, policy, ro)
			if err != nil {
				return nil, err
			}
			c.cache.Set(key, resp, cacheCfg)
			return resp, nil
		})
		if err != nil {
			c.logger.Warn("background refresh failed",
				"endpoint", endpoint,
				"error", err)
		}
	}()
}

// InvalidateTag drops every cached entry labeled with tag.
func (c *Client) InvalidateTag(tag string) {
	c.cache.InvalidateTag(tag)
}

// ClearCache drops all cached entries.
func (c *Client) ClearCache() {
	c.cache.Clear()
}

// Health returns the circuit breaker's view of backend health.
func (c *Client) Health() HealthStatus {
	return c.breaker.Health()
}

func (c *Client) buildURL(endpoint string, params url.Values) (string, error) {
	full := endpoint
	if c.baseURL != "" {
		full = strings.TrimRight(c.baseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	}
	u, err := url.Parse(full)
	if err != nil {
		return "", err
	}
	if len(params) > 0 {
		q := u.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Client) buildRequest(method, rawURL string, ro *requestOptions, requestID string) (*Request, error) {
	header := make(http.Header)
	for k, vs := range c.header {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	for k, vs := range ro.header {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	header.Set("X-Request-ID", requestID)

	var body []byte
	if ro.body != nil {
		switch b := ro.body.(type) {
		case []byte:
			body = b
		case string:
			body = []byte(b)
		case json.RawMessage:
			body = b
		default:
			encoded, err := json.Marshal(ro.body)
			if err != nil {
				return nil, fmt.Errorf("encoding request body: %w", err)
			}
			body = encoded
		}
		if header.Get("Content-Type") == "" {
			header.Set("Content-Type", "application/json")
		}
	}
	if header.Get("Accept") == "" {
		header.Set("Accept", "application/json")
	}

	return &Request{
		Method: method,
		URL:    rawURL,
		Header: header,
		Body:   body,
	}, nil
}

// clientStats tracks aggregate call statistics.
type clientStats struct {
	mu             sync.RWMutex
	totalCalls     int64
	totalRetries   int64
	totalSuccesses int64
	totalFailures  int64
	cacheFresh     int64
	cacheStale     int64
	cacheMisses    int64
	lastError      error
	lastCallTime   time.Time
}

func (s *clientStats) addCall() {
	s.mu.Lock()
	s.totalCalls++
	s.lastCallTime = time.Now()
	s.mu.Unlock()
}

func (s *clientStats) addRetry() {
	s.mu.Lock()
	s.totalRetries++
	s.mu.Unlock()
}

func (s *clientStats) addSuccess() {
	s.mu.Lock()
	s.totalSuccesses++
	s.mu.Unlock()
}

func (s *clientStats) addFailure(err error) {
	s.mu.Lock()
	s.totalFailures++
	s.lastError = err
	s.mu.Unlock()
}

func (s *clientStats) addCacheHit(state CacheState) {
	s.mu.Lock()
	if state == CacheStale {
		s.cacheStale++
	} else {
		s.cacheFresh++
	}
	s.mu.Unlock()
}

func (s *clientStats) addCacheMiss() {
	s.mu.Lock()
	s.cacheMisses++
	s.mu.Unlock()
}

// ClientStats is a snapshot of aggregate call statistics.
type ClientStats struct {
	// TotalCalls is the number of logical calls issued, cache hits included.
	TotalCalls int64

	// TotalRetries is the number of retry attempts spent across all calls.
	TotalRetries int64

	// TotalSuccesses is the number of dispatched calls that succeeded.
	TotalSuccesses int64

	// TotalFailures is the number of dispatched calls that failed terminally.
	TotalFailures int64

	// CacheFresh, CacheStale, and CacheMisses count GET cache lookups.
	CacheFresh  int64
	CacheStale  int64
	CacheMisses int64

	// LastError is the most recent terminal failure, if any.
	LastError error

	// LastCallTime is the time of the most recent logical call.
	LastCallTime time.Time
}

// Stats returns a snapshot of the client's aggregate statistics.
// This method is thread-safe.
func (c *Client) Stats() ClientStats {
	c.stats.mu.RLock()
	defer c.stats.mu.RUnlock()

	return ClientStats{
		TotalCalls:     c.stats.totalCalls,
		TotalRetries:   c.stats.totalRetries,
		TotalSuccesses: c.stats.totalSuccesses,
		TotalFailures:  c.stats.totalFailures,
		CacheFresh:     c.stats.cacheFresh,
		CacheStale:     c.stats.cacheStale,
		CacheMisses:    c.stats.cacheMisses,
		LastError:      c.stats.lastError,
		LastCallTime:   c.stats.lastCallTime,
	}
}
