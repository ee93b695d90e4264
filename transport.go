package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"
)

// Transport performs a single HTTP exchange against the backend.
// Implementations must honor ctx cancellation and return either a response
// (regardless of status code) or a transport-level error. The client core is
// transport-agnostic: it only inspects status code, headers, and body.
//
// Example:
//
//	type loggingTransport struct {
//	    next apiclient.Transport
//	}
//
//	func (t *loggingTransport) RoundTrip(ctx context.Context, req *apiclient.Request) (*apiclient.Response, error) {
//	    log.Printf("%s %s", req.Method, req.URL)
//	    return t.next.RoundTrip(ctx, req)
//	}
type Transport interface {
	// RoundTrip executes one HTTP request attempt.
	// The context should be used to control timeouts and cancellation.
	RoundTrip(ctx context.Context, req *Request) (*Response, error)
}

// Request is the wire-level request handed to a Transport.
// Built once per logical call by the client and reused across retry attempts.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is the wire-level result of a transport exchange.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the response body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decoding response body: %w", err)
	}
	return nil
}

// JSON returns the value at the given gjson path in the response body.
// Convenient for pulling single fields without declaring a struct.
func (r *Response) JSON(path string) gjson.Result {
	return gjson.GetBytes(r.Body, path)
}

// HTTPTransport adapts net/http to the Transport interface.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport creates an HTTPTransport backed by a dedicated http.Client.
// The client carries no timeout of its own; per-attempt timeouts are applied
// by the caller through the context.
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{
		client: &http.Client{},
	}
}

// NewHTTPTransportWithClient wraps an existing http.Client, for callers that
// need custom TLS settings, proxies, or connection pooling.
func NewHTTPTransportWithClient(client *http.Client) *HTTPTransport {
	return &HTTPTransport{client: client}
}

// RoundTrip implements Transport using the underlying http.Client.
func (t *HTTPTransport) RoundTrip(ctx context.Context, req *Request) (*Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	for key, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       respBody,
	}, nil
}

var _ Transport = (*HTTPTransport)(nil)
