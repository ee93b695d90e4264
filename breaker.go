package apiclient

import (
	"context"
	"errors"
	"log/slog"
	"time"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	"github.com/sony/gobreaker/v2"
)

// CircuitBreakerState represents the state of the circuit breaker.
type CircuitBreakerState int

const (
	// StateClosed means the circuit is closed and requests flow normally.
	StateClosed CircuitBreakerState = iota

	// StateHalfOpen means the circuit is testing if the service has recovered.
	StateHalfOpen

	// StateOpen means the circuit is open and requests are rejected immediately.
	StateOpen
)

// String returns the string representation of the circuit breaker state.
func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreakerCounts holds the internal counts of the circuit breaker.
type CircuitBreakerCounts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// BreakerConfig holds circuit breaker configuration.
type BreakerConfig struct {
	// Name identifies the breaker in logs and state-change callbacks.
	// Default: "api-client"
	Name string

	// FailureThreshold is the number of consecutive failures that opens the
	// circuit. One fully retried-and-exhausted call counts as one failure.
	// Default: 5
	FailureThreshold uint32

	// SuccessThreshold is the number of consecutive half-open successes that
	// close the circuit again.
	// Default: 2
	SuccessThreshold uint32

	// OpenTimeout is how long the circuit stays open before admitting a probe.
	// Default: 60 seconds
	OpenTimeout time.Duration

	// ErrorClassifier decides which errors count as failures. Rate limits,
	// timeouts, and client errors should not starve an otherwise healthy
	// backend of traffic.
	ErrorClassifier CircuitBreakerErrorClassifier

	// OnStateChange is called whenever the circuit breaker changes state.
	OnStateChange func(name string, from, to CircuitBreakerState)

	// Logger for circuit breaker operations.
	// Default: slog.Default()
	Logger *slog.Logger
}

// BreakerOption is a functional option for configuring a Breaker.
type BreakerOption func(*BreakerConfig)

// WithFailureThreshold sets the consecutive-failure count that opens the circuit.
func WithFailureThreshold(n uint32) BreakerOption {
	return func(c *BreakerConfig) {
		c.FailureThreshold = n
	}
}

// WithSuccessThreshold sets the consecutive-success count that closes the circuit.
func WithSuccessThreshold(n uint32) BreakerOption {
	return func(c *BreakerConfig) {
		c.SuccessThreshold = n
	}
}

// WithOpenTimeout sets how long the circuit stays open before a probe is allowed.
func WithOpenTimeout(d time.Duration) BreakerOption {
	return func(c *BreakerConfig) {
		c.OpenTimeout = d
	}
}

// WithBreakerName sets the breaker's name for logs and callbacks.
func WithBreakerName(name string) BreakerOption {
	return func(c *BreakerConfig) {
		c.Name = name
	}
}

// WithBreakerErrorClassifier sets a custom classifier for breaker decisions.
func WithBreakerErrorClassifier(classifier CircuitBreakerErrorClassifier) BreakerOption {
	return func(c *BreakerConfig) {
		c.ErrorClassifier = classifier
	}
}

// WithBreakerStateChange sets a callback for circuit breaker state changes.
func WithBreakerStateChange(fn func(name string, from, to CircuitBreakerState)) BreakerOption {
	return func(c *BreakerConfig) {
		c.OnStateChange = fn
	}
}

// WithBreakerLogger sets a custom logger for circuit breaker operations.
func WithBreakerLogger(logger *slog.Logger) BreakerOption {
	return func(c *BreakerConfig) {
		c.Logger = logger
	}
}

// DefaultBreakerConfig returns breaker configuration with sensible defaults.
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		Name:             "api-client",
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      60 * time.Second,
		ErrorClassifier:  DefaultCircuitBreakerErrorClassifier(),
		Logger:           slog.Default(),
	}
}

// statusTripClassifier trips on server errors and status-less transport
// failures. Rate limits, timeouts, client errors, and context cancellation
// are transient or caller-side and leave the circuit alone.
type statusTripClassifier struct {
	tripStatuses []int
}

// DefaultCircuitBreakerErrorClassifier returns the default breaker classifier:
// 5xx responses and connection-level failures trip; everything else does not.
func DefaultCircuitBreakerErrorClassifier() CircuitBreakerErrorClassifier {
	return &statusTripClassifier{
		tripStatuses: []int{500, 502, 503, 504},
	}
}

func (c *statusTripClassifier) ShouldTripCircuit(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, jperrors.ErrRateLimited) || jperrors.IsTimeout(err) {
		return false
	}
	if kind := extractKind(err); kind == KindTimeout || kind == KindRateLimited {
		return false
	}

	status := extractStatusCode(err)
	if status == 0 {
		// No status means the backend was never reached; count it.
		return true
	}
	return containsStatus(c.tripStatuses, status)
}

// Breaker guards the backend with a classic three-state circuit breaker.
// It wraps the entire retry-governed call, so one logical call's exhausted
// retries count as a single failure toward the threshold rather than one per
// attempt.
type Breaker struct {
	cb         *gobreaker.CircuitBreaker[*Response]
	logger     *slog.Logger
	classifier CircuitBreakerErrorClassifier
}

// NewBreaker creates a circuit breaker from the provided options.
//
// Example:
//
//	breaker := apiclient.NewBreaker(
//	    apiclient.WithFailureThreshold(5),
//	    apiclient.WithOpenTimeout(60*time.Second),
//	)
func NewBreaker(opts ...BreakerOption) *Breaker {
	config := DefaultBreakerConfig()
	for _, opt := range opts {
		opt(config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultCircuitBreakerErrorClassifier()
	}

	classifier := config.ErrorClassifier
	failureThreshold := config.FailureThreshold
	if failureThreshold == 0 {
		failureThreshold = 5
	}
	successThreshold := config.SuccessThreshold
	if successThreshold == 0 {
		successThreshold = 2
	}

	settings := gobreaker.Settings{
		Name: config.Name,
		// Half-open admits SuccessThreshold probes; that many consecutive
		// successes close the circuit, any failure reopens it.
		MaxRequests: successThreshold,
		Timeout:     config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			config.Logger.Warn("circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String())

			if config.OnStateChange != nil {
				config.OnStateChange(name, convertGobreakerState(from), convertGobreakerState(to))
			}
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return !classifier.ShouldTripCircuit(err)
		},
	}

	return &Breaker{
		cb:         gobreaker.NewCircuitBreaker[*Response](settings),
		logger:     config.Logger,
		classifier: classifier,
	}
}

// Execute runs op through the circuit breaker. When the circuit is open the
// call is rejected immediately without invoking op; the rejection is wrapped
// with jperrors so callers can distinguish it from backend failures:
//   - gobreaker.ErrOpenState becomes a circuit breaker error in the "open" state
//   - gobreaker.ErrTooManyRequests becomes one in the "half-open" state
func (b *Breaker) Execute(op func() (*Response, error)) (*Response, error) {
	resp, err := b.cb.Execute(op)
	if err != nil {
		switch {
		case errors.Is(err, gobreaker.ErrOpenState):
			counts := b.cb.Counts()
			b.logger.Warn("circuit breaker is open, request rejected",
				"error", err,
				"state", b.cb.State(),
				"counts", counts)
			return nil, jperrors.NewCircuitBreakerError(
				"request rejected",
				"execute",
				"open",
				jperrors.WithCause(err),
				jperrors.WithCounts(jperrors.CircuitCounts{
					Requests:             counts.Requests,
					TotalSuccesses:       counts.TotalSuccesses,
					TotalFailures:        counts.TotalFailures,
					ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
					ConsecutiveFailures:  counts.ConsecutiveFailures,
				}),
			)
		case errors.Is(err, gobreaker.ErrTooManyRequests):
			b.logger.Debug("circuit breaker in half-open state, too many requests",
				"error", err)
			return nil, jperrors.NewCircuitBreakerError(
				"too many requests in half-open state",
				"execute",
				"half-open",
				jperrors.WithCause(err),
			)
		default:
			b.logger.Debug("request failed through circuit breaker",
				"error", err,
				"should_trip", b.classifier.ShouldTripCircuit(err))
		}
		return nil, err
	}

	return resp, nil
}

// State returns the current state of the circuit breaker.
func (b *Breaker) State() CircuitBreakerState {
	return convertGobreakerState(b.cb.State())
}

// Counts returns the current counts of the circuit breaker.
func (b *Breaker) Counts() CircuitBreakerCounts {
	counts := b.cb.Counts()
	return CircuitBreakerCounts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

// convertGobreakerState converts gobreaker.State to our CircuitBreakerState.
func convertGobreakerState(state gobreaker.State) CircuitBreakerState {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}
