package apiclient_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	apiclient "github.com/videoplanet/apiclient"
)

var _ = Describe("Client", func() {
	var (
		ctx       context.Context
		cancel    context.CancelFunc
		transport *stubTransport
		recorder  *captureRecorder
		policy    apiclient.RetryPolicy
	)

	newClient := func(opts ...apiclient.ClientOption) *apiclient.Client {
		base := []apiclient.ClientOption{
			apiclient.WithBaseURL("https://api.test"),
			apiclient.WithLogger(quietLogger()),
			apiclient.WithRecorder(recorder),
			apiclient.WithRetryPolicy(policy),
		}
		return apiclient.New(transport, append(base, opts...)...)
	}

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		transport = &stubTransport{}
		recorder = &captureRecorder{}
		policy = apiclient.DefaultRetryPolicy()
		policy.BaseDelay = 10 * time.Millisecond
		policy.MaxDelay = 50 * time.Millisecond
		policy.Jitter = false
	})

	AfterEach(func() {
		cancel()
	})

	Describe("retry pipeline", func() {
		It("retries through transient server errors and returns the payload", func() {
			transport.fn = func(ctx context.Context, call int, req *apiclient.Request) (*apiclient.Response, error) {
				if call < 3 {
					return jsonResponse(503, `{"error":"unavailable"}`), nil
				}
				return jsonResponse(200, `{"projects":[{"id":1}]}`), nil
			}
			client := newClient()

			start := time.Now()
			resp, err := client.Get(ctx, "/projects")
			elapsed := time.Since(start)

			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(200))
			Expect(resp.JSON("projects.0.id").Int()).To(Equal(int64(1)))
			Expect(transport.calls()).To(Equal(3))
			// Two backoffs: 10ms + 20ms.
			Expect(elapsed).To(BeNumerically(">=", 30*time.Millisecond))

			records := recorder.all()
			Expect(records).To(HaveLen(1))
			Expect(records[0].Endpoint).To(Equal("/projects"))
			Expect(records[0].Method).To(Equal(http.MethodGet))
			Expect(records[0].StatusCode).To(Equal(200))
			Expect(records[0].Success).To(BeTrue())
			Expect(records[0].RetryAttempts).To(Equal(2))
			Expect(records[0].RequestID).NotTo(BeEmpty())
		})

		It("surfaces 404 immediately with the endpoint-not-found code", func() {
			transport.fn = func(ctx context.Context, call int, req *apiclient.Request) (*apiclient.Response, error) {
				return jsonResponse(404, `{"message":"Not found."}`), nil
			}
			client := newClient()

			_, err := client.Get(ctx, "/users/login")
			Expect(err).To(HaveOccurred())

			var apiErr *apiclient.APIError
			Expect(errors.As(err, &apiErr)).To(BeTrue())
			Expect(apiErr.Code).To(Equal(apiclient.CodeEndpointNotFound))
			Expect(apiErr.Status).To(Equal(404))
			Expect(apiErr.Message).To(ContainSubstring("backend deployment"))
			Expect(apiErr.Details).To(HaveKeyWithValue("message", "Not found."))
			Expect(transport.calls()).To(Equal(1))

			records := recorder.all()
			Expect(records).To(HaveLen(1))
			Expect(records[0].Success).To(BeFalse())
			Expect(records[0].StatusCode).To(Equal(404))
			Expect(records[0].RetryAttempts).To(Equal(0))
		})

		It("maps transport failures to connection-failed after exhausting retries", func() {
			transport.fn = func(ctx context.Context, call int, req *apiclient.Request) (*apiclient.Response, error) {
				return nil, errors.New("dial tcp 127.0.0.1:9999: connection refused")
			}
			retryOnce := policy
			retryOnce.MaxRetries = 1
			client := newClient(apiclient.WithRetryPolicy(retryOnce))

			_, err := client.Get(ctx, "/projects")
			var apiErr *apiclient.APIError
			Expect(errors.As(err, &apiErr)).To(BeTrue())
			Expect(apiErr.Code).To(Equal(apiclient.CodeConnectionFailed))
			Expect(apiErr.Status).To(Equal(0))
			Expect(transport.calls()).To(Equal(2))
		})

		It("classifies per-attempt timeouts as retryable", func() {
			transport.fn = func(ctx context.Context, call int, req *apiclient.Request) (*apiclient.Response, error) {
				if call == 1 {
					<-ctx.Done()
					return nil, ctx.Err()
				}
				return jsonResponse(200, `{}`), nil
			}
			client := newClient()

			resp, err := client.Get(ctx, "/projects", apiclient.WithCallTimeout(50*time.Millisecond))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(200))
			Expect(transport.calls()).To(Equal(2))

			records := recorder.all()
			Expect(records).To(HaveLen(1))
			Expect(records[0].RetryAttempts).To(Equal(1))
		})

		It("returns the timeout code when every attempt times out", func() {
			transport.fn = func(ctx context.Context, call int, req *apiclient.Request) (*apiclient.Response, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			retryOnce := policy
			retryOnce.MaxRetries = 1
			client := newClient(apiclient.WithRetryPolicy(retryOnce))

			_, err := client.Get(ctx, "/projects", apiclient.WithCallTimeout(30*time.Millisecond))
			var apiErr *apiclient.APIError
			Expect(errors.As(err, &apiErr)).To(BeTrue())
			Expect(apiErr.Code).To(Equal(apiclient.CodeTimeout))
			Expect(apiErr.Kind).To(Equal(apiclient.KindTimeout))
			Expect(transport.calls()).To(Equal(2))
		})

		It("stops the call when the caller cancels mid-retry", func() {
			callCtx, callCancel := context.WithCancel(ctx)
			defer callCancel()

			transport.fn = func(ctx context.Context, call int, req *apiclient.Request) (*apiclient.Response, error) {
				if call == 1 {
					callCancel()
				}
				return jsonResponse(503, `{}`), nil
			}
			client := newClient()

			_, err := client.Get(callCtx, "/projects")
			var apiErr *apiclient.APIError
			Expect(errors.As(err, &apiErr)).To(BeTrue())
			Expect(apiErr.Code).To(Equal(apiclient.CodeCancelled))
			Expect(transport.calls()).To(BeNumerically("<=", 2))
		})
	})

	Describe("request construction", func() {
		It("sends default headers, bearer token, and a request id", func() {
			var gotReq *apiclient.Request
			transport.fn = func(ctx context.Context, call int, req *apiclient.Request) (*apiclient.Response, error) {
				gotReq = req
				return jsonResponse(200, `{}`), nil
			}
			client := newClient(
				apiclient.WithBearerToken("session-token"),
				apiclient.WithDefaultHeader("X-App", "planner"),
			)

			_, err := client.Get(ctx, "/projects", apiclient.WithParam("page", "2"))
			Expect(err).NotTo(HaveOccurred())
			Expect(gotReq.URL).To(Equal("https://api.test/projects?page=2"))
			Expect(gotReq.Header.Get("Authorization")).To(Equal("Bearer session-token"))
			Expect(gotReq.Header.Get("X-App")).To(Equal("planner"))
			Expect(gotReq.Header.Get("X-Request-ID")).NotTo(BeEmpty())

			records := recorder.all()
			Expect(records[0].RequestID).To(Equal(gotReq.Header.Get("X-Request-ID")))
		})

		It("JSON-encodes structured bodies", func() {
			var gotReq *apiclient.Request
			transport.fn = func(ctx context.Context, call int, req *apiclient.Request) (*apiclient.Response, error) {
				gotReq = req
				return jsonResponse(201, `{}`), nil
			}
			client := newClient()

			_, err := client.Post(ctx, "/projects", map[string]string{"name": "launch video"})
			Expect(err).NotTo(HaveOccurred())
			Expect(gotReq.Method).To(Equal(http.MethodPost))
			Expect(gotReq.Header.Get("Content-Type")).To(Equal("application/json"))
			Expect(string(gotReq.Body)).To(MatchJSON(`{"name":"launch video"}`))
		})
	})

	Describe("caching", func() {
		It("serves fresh hits without dispatching", func() {
			transport.fn = func(ctx context.Context, call int, req *apiclient.Request) (*apiclient.Response, error) {
				return jsonResponse(200, `{"projects":[]}`), nil
			}
			client := newClient()

			_, err := client.Get(ctx, "/projects")
			Expect(err).NotTo(HaveOccurred())
			resp, err := client.Get(ctx, "/projects")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp).NotTo(BeNil())

			Expect(transport.calls()).To(Equal(1))
			Expect(recorder.all()).To(HaveLen(1))
			Expect(client.Stats().CacheFresh).To(Equal(int64(1)))
		})

		It("serves stale entries and coalesces concurrent background refreshes", func() {
			transport.fn = func(ctx context.Context, call int, req *apiclient.Request) (*apiclient.Response, error) {
				if call > 1 {
					// Slow refresh keeps the singleflight window open.
					time.Sleep(150 * time.Millisecond)
				}
				return jsonResponse(200, fmt.Sprintf(`{"version":%d}`, call)), nil
			}
			client := newClient(apiclient.WithCacheConfig(apiclient.CacheConfig{
				Enabled:              true,
				TTL:                  2 * time.Second,
				StaleAfter:           50 * time.Millisecond,
				StaleWhileRevalidate: true,
			}))

			resp, err := client.Get(ctx, "/projects")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.JSON("version").Int()).To(Equal(int64(1)))

			time.Sleep(80 * time.Millisecond)

			var wg sync.WaitGroup
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer GinkgoRecover()
					resp, err := client.Get(ctx, "/projects")
					Expect(err).NotTo(HaveOccurred())
					// Stale value served immediately, not the refresh result.
					Expect(resp.JSON("version").Int()).To(Equal(int64(1)))
				}()
			}
			wg.Wait()

			Eventually(transport.calls).Should(Equal(2))
			Consistently(transport.calls, 300*time.Millisecond).Should(Equal(2))

			resp, err = client.Get(ctx, "/projects")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.JSON("version").Int()).To(Equal(int64(2)))
		})

		It("survives the triggering caller's cancellation during refresh", func() {
			transport.fn = func(ctx context.Context, call int, req *apiclient.Request) (*apiclient.Response, error) {
				if call > 1 {
					select {
					case <-ctx.Done():
						return nil, ctx.Err()
					case <-time.After(100 * time.Millisecond):
					}
				}
				return jsonResponse(200, fmt.Sprintf(`{"version":%d}`, call)), nil
			}
			client := newClient(apiclient.WithCacheConfig(apiclient.CacheConfig{
				Enabled:              true,
				TTL:                  2 * time.Second,
				StaleAfter:           30 * time.Millisecond,
				StaleWhileRevalidate: true,
			}))

			_, err := client.Get(ctx, "/projects")
			Expect(err).NotTo(HaveOccurred())
			time.Sleep(50 * time.Millisecond)

			readerCtx, readerCancel := context.WithCancel(ctx)
			_, err = client.Get(readerCtx, "/projects")
			Expect(err).NotTo(HaveOccurred())
			readerCancel()

			// The detached refresh completes despite the canceled reader.
			Eventually(transport.calls, time.Second).Should(Equal(2))
			Eventually(func() int64 {
				resp, err := client.Get(ctx, "/projects")
				Expect(err).NotTo(HaveOccurred())
				return resp.JSON("version").Int()
			}, time.Second).Should(Equal(int64(2)))
		})

		It("bypasses the cache when asked", func() {
			transport.fn = func(ctx context.Context, call int, req *apiclient.Request) (*apiclient.Response, error) {
				return jsonResponse(200, `{}`), nil
			}
			client := newClient()

			_, _ = client.Get(ctx, "/projects", apiclient.WithoutCache())
			_, _ = client.Get(ctx, "/projects", apiclient.WithoutCache())
			Expect(transport.calls()).To(Equal(2))
		})

		It("never caches mutations", func() {
			transport.fn = func(ctx context.Context, call int, req *apiclient.Request) (*apiclient.Response, error) {
				return jsonResponse(201, `{}`), nil
			}
			client := newClient()

			_, _ = client.Post(ctx, "/projects", map[string]string{"name": "a"})
			_, _ = client.Post(ctx, "/projects", map[string]string{"name": "b"})
			Expect(transport.calls()).To(Equal(2))
		})

		It("invalidates tagged entries after a successful mutation", func() {
			transport.fn = func(ctx context.Context, call int, req *apiclient.Request) (*apiclient.Response, error) {
				if req.Method == http.MethodPost {
					return jsonResponse(201, `{}`), nil
				}
				return jsonResponse(200, fmt.Sprintf(`{"version":%d}`, call)), nil
			}
			client := newClient(apiclient.WithEndpointConfig("/projects", apiclient.EndpointConfig{
				Cache: &apiclient.CacheOverrides{Tags: []string{"projects"}},
			}))

			_, err := client.Get(ctx, "/projects")
			Expect(err).NotTo(HaveOccurred())
			_, err = client.Get(ctx, "/projects")
			Expect(err).NotTo(HaveOccurred())
			Expect(transport.calls()).To(Equal(1))

			_, err = client.Post(ctx, "/projects", map[string]string{"name": "new"}, apiclient.WithInvalidateTags("projects"))
			Expect(err).NotTo(HaveOccurred())

			resp, err := client.Get(ctx, "/projects")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.JSON("version").Int()).To(Equal(int64(3)))
			Expect(transport.calls()).To(Equal(3))
		})
	})

	Describe("configuration overlays", func() {
		It("resolves retry settings by longest endpoint prefix", func() {
			transport.fn = func(ctx context.Context, call int, req *apiclient.Request) (*apiclient.Response, error) {
				return jsonResponse(503, `{}`), nil
			}
			client := newClient(
				apiclient.WithEndpointConfig("/projects", apiclient.EndpointConfig{
					Retry: &apiclient.RetryOverrides{MaxRetries: ptr(4)},
				}),
				apiclient.WithEndpointConfig("/projects/archive", apiclient.EndpointConfig{
					Retry: &apiclient.RetryOverrides{MaxRetries: ptr(0)},
				}),
			)

			_, err := client.Get(ctx, "/projects/archive", apiclient.WithoutCache())
			Expect(err).To(HaveOccurred())
			Expect(transport.calls()).To(Equal(1))
		})

		It("lets per-call overrides win over the endpoint table", func() {
			transport.fn = func(ctx context.Context, call int, req *apiclient.Request) (*apiclient.Response, error) {
				return jsonResponse(503, `{}`), nil
			}
			client := newClient(apiclient.WithEndpointConfig("/projects", apiclient.EndpointConfig{
				Retry: &apiclient.RetryOverrides{MaxRetries: ptr(4)},
			}))

			_, err := client.Get(ctx, "/projects",
				apiclient.WithoutCache(),
				apiclient.WithRetryOverrides(apiclient.RetryOverrides{MaxRetries: ptr(1)}),
			)
			Expect(err).To(HaveOccurred())
			Expect(transport.calls()).To(Equal(2))
		})
	})

	Describe("circuit breaking", func() {
		It("fails fast with the circuit-open code once the breaker trips", func() {
			transport.fn = func(ctx context.Context, call int, req *apiclient.Request) (*apiclient.Response, error) {
				return jsonResponse(500, `{}`), nil
			}
			noRetries := policy
			noRetries.MaxRetries = 0
			client := newClient(
				apiclient.WithRetryPolicy(noRetries),
				apiclient.WithBreaker(apiclient.NewBreaker(
					apiclient.WithFailureThreshold(2),
					apiclient.WithOpenTimeout(time.Minute),
					apiclient.WithBreakerLogger(quietLogger()),
				)),
			)

			_, _ = client.Get(ctx, "/projects", apiclient.WithoutCache())
			_, _ = client.Get(ctx, "/projects", apiclient.WithoutCache())
			Expect(transport.calls()).To(Equal(2))

			_, err := client.Get(ctx, "/projects", apiclient.WithoutCache())
			var apiErr *apiclient.APIError
			Expect(errors.As(err, &apiErr)).To(BeTrue())
			Expect(apiErr.Code).To(Equal(apiclient.CodeCircuitOpen))
			Expect(apiErr.Kind).To(Equal(apiclient.KindCircuitOpen))
			// The wrapped operation is never invoked.
			Expect(transport.calls()).To(Equal(2))
			Expect(client.Health().Healthy).To(BeFalse())

			// Metrics are still emitted for the rejected call.
			records := recorder.all()
			Expect(records).To(HaveLen(3))
			Expect(records[2].Success).To(BeFalse())
			Expect(records[2].StatusCode).To(Equal(http.StatusServiceUnavailable))
		})

		It("counts one exhausted call as one breaker failure", func() {
			transport.fn = func(ctx context.Context, call int, req *apiclient.Request) (*apiclient.Response, error) {
				return jsonResponse(500, `{}`), nil
			}
			retryTwice := policy
			retryTwice.MaxRetries = 2
			client := newClient(
				apiclient.WithRetryPolicy(retryTwice),
				apiclient.WithBreaker(apiclient.NewBreaker(
					apiclient.WithFailureThreshold(2),
					apiclient.WithOpenTimeout(time.Minute),
					apiclient.WithBreakerLogger(quietLogger()),
				)),
			)

			// Three attempts inside, but only one failure toward the breaker.
			_, err := client.Get(ctx, "/projects", apiclient.WithoutCache())
			Expect(err).To(HaveOccurred())
			Expect(transport.calls()).To(Equal(3))
			Expect(client.Health().Healthy).To(BeTrue())
		})
	})

	Describe("statistics", func() {
		It("tracks calls, retries, and outcomes", func() {
			transport.fn = func(ctx context.Context, call int, req *apiclient.Request) (*apiclient.Response, error) {
				if call == 1 {
					return jsonResponse(503, `{}`), nil
				}
				return jsonResponse(200, `{}`), nil
			}
			client := newClient()

			_, err := client.Get(ctx, "/projects")
			Expect(err).NotTo(HaveOccurred())

			stats := client.Stats()
			Expect(stats.TotalCalls).To(Equal(int64(1)))
			Expect(stats.TotalRetries).To(Equal(int64(1)))
			Expect(stats.TotalSuccesses).To(Equal(int64(1)))
			Expect(stats.TotalFailures).To(Equal(int64(0)))
		})
	})
})
