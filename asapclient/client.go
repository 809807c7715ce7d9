// Package asapclient is the outbound half of the protocol: a JSON-RPC
// client with retries, exponential backoff, per-URL circuit breakers, a
// manifest cache, and a shared keep-alive connection pool.
package asapclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/sync/semaphore"

	"github.com/asaplabs/asap-go/asap"
	"github.com/asaplabs/asap-go/breaker"
	"github.com/asaplabs/asap-go/logger"
	"github.com/asaplabs/asap-go/metrics"
)

// Client defaults.
const (
	DefaultTimeout          = 30 * time.Second
	DefaultMaxRetries       = 3
	DefaultBaseDelay        = 500 * time.Millisecond
	DefaultMaxDelay         = 30 * time.Second
	DefaultPoolSize         = 100
	DefaultManifestTTL      = 5 * time.Minute
	DefaultBatchConcurrency = 8

	// breakerCapacity bounds the per-URL breaker registry; manifests can be
	// fetched from many hosts over a client's lifetime.
	breakerCapacity = 128
)

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client, replacing the built-in
// pooled transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithMaxRetries sets the total number of attempts per send.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithBackoff sets the base and maximum retry delays.
func WithBackoff(base, max time.Duration) Option {
	return func(c *Client) {
		c.baseDelay = base
		c.maxDelay = max
	}
}

// WithJitter enables or disables randomized jitter on retry delays.
func WithJitter(enabled bool) Option {
	return func(c *Client) { c.jitter = enabled }
}

// WithAuth sets the Authorization header on all requests.
func WithAuth(scheme, token string) Option {
	return func(c *Client) {
		c.authScheme = scheme
		c.authToken = token
	}
}

// WithRequireHTTPS controls whether http:// targets are rejected. Enabled
// by default; disable only for tests and local development.
func WithRequireHTTPS(require bool) Option {
	return func(c *Client) { c.requireHTTPS = require }
}

// WithBreaker sets the failure threshold and open-state timeout applied to
// every per-URL breaker.
func WithBreaker(threshold int, timeout time.Duration) Option {
	return func(c *Client) {
		c.breakerOpts = []breaker.Option{
			breaker.WithThreshold(threshold),
			breaker.WithTimeout(timeout),
		}
	}
}

// WithPoolSize sets the connection pool capacity.
func WithPoolSize(n int) Option {
	return func(c *Client) { c.poolSize = n }
}

// WithManifestTTL sets how long fetched manifests are cached.
func WithManifestTTL(d time.Duration) Option {
	return func(c *Client) { c.manifestTTL = d }
}

type manifestEntry struct {
	manifest  *asap.Manifest
	expiresAt time.Time
}

// BatchResult is one element of a SendBatch outcome: the response envelope
// or the error for the envelope at the same index.
type BatchResult struct {
	Envelope *asap.Envelope
	Err      error
}

// Client sends envelopes to a remote agent. A Client owns its circuit
// breakers and connection pool; release both with Close.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	transport    *http.Transport
	timeout      time.Duration
	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
	jitter       bool
	authScheme   string
	authToken    string
	requireHTTPS bool
	poolSize     int
	manifestTTL  time.Duration
	breakerOpts  []breaker.Option
	breakers     *breaker.Registry

	mu        sync.RWMutex
	manifests map[string]manifestEntry
}

// New creates a Client targeting baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		timeout:      DefaultTimeout,
		maxRetries:   DefaultMaxRetries,
		baseDelay:    DefaultBaseDelay,
		maxDelay:     DefaultMaxDelay,
		jitter:       true,
		requireHTTPS: true,
		poolSize:     DefaultPoolSize,
		manifestTTL:  DefaultManifestTTL,
		manifests:    make(map[string]manifestEntry),
	}
	for _, opt := range opts {
		opt(c)
	}

	hook := breaker.WithStateChangeHook(func(name string, from, to breaker.State) {
		metrics.RecordBreakerTransition(to.String())
		logger.Info("breaker state change", "url", name, "from", from.String(), "to", to.String())
	})
	c.breakers = breaker.NewRegistry(breakerCapacity, append(c.breakerOpts, hook)...)

	if c.httpClient == nil {
		c.transport = &http.Transport{
			MaxIdleConns:        c.poolSize,
			MaxIdleConnsPerHost: c.poolSize,
			IdleConnTimeout:     90 * time.Second,
		}
		c.httpClient = &http.Client{Transport: c.transport, Timeout: c.timeout}
	}
	return c
}

// Close releases idle connections, drops the breaker registry, and clears
// the manifest cache. The Client must not be used afterwards.
func (c *Client) Close() {
	if c.transport != nil {
		c.transport.CloseIdleConnections()
	}
	c.breakers.Clear()
	c.mu.Lock()
	c.manifests = make(map[string]manifestEntry)
	c.mu.Unlock()
}

func (c *Client) checkScheme(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("asapclient: parse url: %w", err)
	}
	if u.Scheme == "https" {
		return nil
	}
	if u.Scheme == "http" && !c.requireHTTPS {
		return nil
	}
	return fmt.Errorf("asapclient: scheme %q rejected for %s (https required)", u.Scheme, raw)
}

func (c *Client) setAuth(req *http.Request) {
	if c.authToken != "" {
		req.Header.Set("Authorization", c.authScheme+" "+c.authToken)
	}
}

// Send posts an envelope wrapped in an asap.send request and returns the
// response envelope. Retryable failures are retried with exponential
// backoff up to the configured attempt budget; the per-URL circuit breaker
// is consulted before every attempt.
func (c *Client) Send(ctx context.Context, env *asap.Envelope) (*asap.Envelope, error) {
	const op = "client.send"

	if err := c.checkScheme(c.baseURL); err != nil {
		return nil, err
	}
	rpcReq, err := asap.NewSendRequest(uuid.NewString(), env)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(rpcReq)
	if err != nil {
		return nil, fmt.Errorf("asapclient: marshal request: %w", err)
	}

	b := c.breakers.Get(c.baseURL)
	start := time.Now()
	var lastErr error

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if !b.Allow() {
			metrics.RecordClientSend(env.PayloadType, "circuit_open", time.Since(start).Seconds())
			return nil, asap.NewError(asap.AreaTransport, asap.KindCircuitOpen, op, b.OpenError()).
				WithDetails(map[string]any{"url": c.baseURL})
		}

		logger.EnvelopeSent(env.ID, env.PayloadType, env.Recipient, attempt+1)
		resp, retryAfter, err := c.attempt(ctx, b, body)
		if err == nil {
			metrics.RecordClientSend(env.PayloadType, "success", time.Since(start).Seconds())
			return resp, nil
		}
		lastErr = err

		var retryable *retryableError
		if !errors.As(err, &retryable) {
			metrics.RecordClientSend(env.PayloadType, "error", time.Since(start).Seconds())
			return nil, err
		}
		if attempt == c.maxRetries-1 {
			break
		}

		metrics.RecordRetry(retryable.reason)
		delay := retryAfter
		if delay <= 0 {
			delay = c.backoffDelay(attempt)
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	metrics.RecordClientSend(env.PayloadType, "exhausted", time.Since(start).Seconds())
	var re *retryableError
	if errors.As(lastErr, &re) {
		lastErr = re.err
	}
	return nil, lastErr
}

// retryableError marks an attempt failure the retry loop may try again.
type retryableError struct {
	reason string
	err    error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// attempt performs one POST and classifies the outcome. retryAfter is
// non-zero only when the server supplied a numeric Retry-After on a 429.
func (c *Client) attempt(ctx context.Context, b *breaker.Breaker, body []byte) (*asap.Envelope, time.Duration, error) {
	const op = "client.send"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/asap", bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("asapclient: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setAuth(httpReq)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		b.RecordFailure()
		kind := asap.KindConnectionRefused
		reason := "network"
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			kind = asap.KindReadTimeout
			reason = "timeout"
		}
		return nil, 0, &retryableError{reason: reason,
			err: asap.NewError(asap.AreaTransport, kind, op, err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var rpcResp asap.JSONRPCResponse
		if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
			b.RecordFailure()
			return nil, 0, &retryableError{reason: "bad_response",
				err: fmt.Errorf("asapclient: decode response: %w", err)}
		}
		b.RecordSuccess()
		if rpcResp.Error != nil {
			return nil, 0, rpcResp.Error.AsProtocolError(op)
		}
		var result asap.SendResult
		if err := json.Unmarshal(rpcResp.Result, &result); err != nil {
			return nil, 0, fmt.Errorf("asapclient: decode result: %w", err)
		}
		return result.Envelope, 0, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		// Server push-back is not a breaker failure.
		var retryAfter time.Duration
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs >= 0 {
			retryAfter = time.Duration(secs) * time.Second
		}
		return nil, retryAfter, &retryableError{reason: "rate_limited",
			err: asap.FromPeer(op, resp.StatusCode, "rate limited", nil)}

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		b.RecordFailure()
		return nil, 0, asap.FromPeer(op, resp.StatusCode, http.StatusText(resp.StatusCode), nil)

	default:
		b.RecordFailure()
		return nil, 0, &retryableError{reason: "server_error",
			err: asap.FromPeer(op, resp.StatusCode, http.StatusText(resp.StatusCode), nil)}
	}
}

func (c *Client) backoffDelay(attempt int) time.Duration {
	delay := c.baseDelay << attempt
	if delay > c.maxDelay || delay <= 0 {
		delay = c.maxDelay
	}
	if c.jitter {
		delay += time.Duration(rand.Float64() * 0.1 * float64(delay))
	}
	return delay
}

// SendBatch sends envelopes concurrently and returns one result per input,
// in input order. Individual failures do not abort the batch.
func (c *Client) SendBatch(ctx context.Context, envs []*asap.Envelope) []BatchResult {
	results := make([]BatchResult, len(envs))

	var wg sync.WaitGroup
	sem := semaphore.NewWeighted(DefaultBatchConcurrency)
	for i, env := range envs {
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = BatchResult{Err: err}
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			resp, err := c.Send(ctx, env)
			results[i] = BatchResult{Envelope: resp, Err: err}
		}()
	}
	wg.Wait()
	return results
}

// GetManifest fetches an agent manifest, serving from the TTL cache when
// fresh. An empty url targets the client's base URL at the well-known
// manifest path.
func (c *Client) GetManifest(ctx context.Context, rawURL string) (*asap.Manifest, error) {
	if rawURL == "" {
		rawURL = c.baseURL + asap.ManifestPath
	}
	if err := c.checkScheme(rawURL); err != nil {
		return nil, err
	}

	c.mu.RLock()
	entry, ok := c.manifests[rawURL]
	c.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.manifest, nil
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("asapclient: get manifest: %w", err)
	}
	c.setAuth(httpReq)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, asap.NewError(asap.AreaTransport, asap.KindConnectionRefused, "client.get_manifest", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, asap.FromPeer("client.get_manifest", resp.StatusCode,
			http.StatusText(resp.StatusCode), nil)
	}

	var man asap.Manifest
	if err := json.NewDecoder(resp.Body).Decode(&man); err != nil {
		return nil, fmt.Errorf("asapclient: decode manifest: %w", err)
	}
	if err := man.Validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.manifests[rawURL] = manifestEntry{
		manifest:  &man,
		expiresAt: time.Now().Add(c.manifestTTL),
	}
	c.mu.Unlock()

	return &man, nil
}
