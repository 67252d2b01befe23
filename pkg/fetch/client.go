// Package fetch provides the resilient network client used by all source
// connectors: declarative retry policies, per-host politeness intervals and
// per-host circuit breakers around a tuned HTTP transport.
package fetch

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/garimpo-io/garimpo/pkg/errors"
	"github.com/garimpo-io/garimpo/pkg/logger"
	"github.com/garimpo-io/garimpo/pkg/metrics"
)

// Config configures the HTTP client
type Config struct {
	// Timeouts
	RequestTimeout        time.Duration
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration
	KeepAlive             time.Duration

	// Connection settings
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	EnableHTTP2         bool

	// Circuit breaker; a zero threshold disables breakers entirely
	BreakerThreshold uint32
	BreakerCooldown  time.Duration

	UserAgent string
}

// DefaultConfig returns defaults sized for a polite regulatory-data crawler,
// not a high-throughput API client. The upstream registries are shared public
// infrastructure and a handful of connections per host is plenty.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:        60 * time.Second,
		DialTimeout:           15 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		KeepAlive:             30 * time.Second,
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   8,
		EnableHTTP2:           true,
		BreakerThreshold:      5,
		BreakerCooldown:       30 * time.Second,
		UserAgent:             "garimpo/1.0",
	}
}

// Stats represents client request counters
type Stats struct {
	TotalRequests  int64
	FailedRequests int64
}

// Client is the shared fetcher. One client serves all workers of a run: the
// host gate and the per-host breakers only work if every request funnels
// through the same instance.
type Client struct {
	config     Config
	logger     *zap.Logger
	httpClient *http.Client
	transport  *http.Transport
	gate       *HostGate

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker

	totalRequests  int64
	failedRequests int64
}

// NewClient creates a client around the given host gate. A nil gate gets an
// unthrottled default.
func NewClient(config Config, gate *HostGate) *Client {
	if gate == nil {
		gate = NewHostGate(0)
	}

	c := &Client{
		config:   config,
		logger:   logger.Get().With(zap.String("component", "fetch_client")),
		gate:     gate,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}

	c.transport = &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   config.DialTimeout,
			KeepAlive: config.KeepAlive,
		}).DialContext,
		MaxIdleConns:          config.MaxIdleConns,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
		ResponseHeaderTimeout: config.ResponseHeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}

	if config.EnableHTTP2 {
		if err := http2.ConfigureTransport(c.transport); err != nil {
			c.logger.Warn("failed to configure HTTP/2", zap.Error(err))
		}
	}

	c.httpClient = &http.Client{
		Transport: c.transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}

	return c
}

// Gate returns the host gate shared by this client.
func (c *Client) Gate() *HostGate {
	return c.gate
}

// Fetch retrieves one document under the given retry policy. Transient
// failures (connection errors, timeouts, 429, 5xx) are retried up to the
// policy's attempt budget; other failures return immediately. Every attempt,
// including retries, waits for the host's politeness slot first.
func (c *Client) Fetch(ctx context.Context, req Request, policy Policy) (*RawDocument, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "invalid request url").
			WithDetail("url", req.URL)
	}
	host := u.Host

	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := c.gate.Wait(ctx, host); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeTimeout, "cancelled waiting for host slot").
				WithDetail("host", host)
		}

		doc, err := c.attempt(ctx, req, host)
		if err == nil {
			return doc, nil
		}
		lastErr = err
		atomic.AddInt64(&c.failedRequests, 1)
		metrics.FetchFailures.WithLabelValues(req.Source, string(errors.TypeOf(err))).Inc()

		if !errors.IsRetryable(err) {
			return nil, err
		}
		if attempt == policy.MaxAttempts {
			break
		}

		delay := policy.BackoffDelay(attempt - 1)
		if ra, ok := errors.DetailOf(err, "retry_after").(time.Duration); ok && ra > delay {
			delay = ra
		}

		logger.WithContext(ctx).Debug("retrying fetch",
			zap.String("url", req.URL),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "cancelled during retry backoff")
		case <-timer.C:
		}
	}

	return nil, errors.Wrap(lastErr, errors.TypeOf(lastErr),
		fmt.Sprintf("all %d attempts failed", policy.MaxAttempts)).
		WithDetail("attempts", policy.MaxAttempts).
		WithDetail("url", req.URL)
}

// Head probes a URL for its server validators without downloading the body.
// It shares the host gate with Fetch but never retries.
func (c *Client) Head(ctx context.Context, source, rawURL string) (etag, lastModified string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", errors.Wrap(err, errors.ErrorTypeValidation, "invalid request url")
	}
	if err := c.gate.Wait(ctx, u.Host); err != nil {
		return "", "", errors.Wrap(err, errors.ErrorTypeTimeout, "cancelled waiting for host slot")
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodHead, rawURL, nil)
	if err != nil {
		return "", "", errors.Wrap(err, errors.ErrorTypeValidation, "building request")
	}
	httpReq.Header.Set("User-Agent", c.config.UserAgent)

	atomic.AddInt64(&c.totalRequests, 1)
	metrics.FetchAttempts.WithLabelValues(source, u.Host).Inc()

	out, err := c.execute(u.Host, func() (interface{}, error) {
		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return nil, classifyTransport(attemptCtx, err)
		}
		return resp, nil
	})
	if err != nil {
		atomic.AddInt64(&c.failedRequests, 1)
		return "", "", err
	}
	resp := out.(*http.Response)
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", "", classifyStatus(resp)
	}
	return resp.Header.Get("ETag"), resp.Header.Get("Last-Modified"), nil
}

// attempt performs a single request/response cycle through the host breaker.
func (c *Client) attempt(ctx context.Context, req Request, host string) (*RawDocument, error) {
	out, err := c.execute(host, func() (interface{}, error) {
		return c.roundTrip(ctx, req, host)
	})
	if err != nil {
		return nil, err
	}
	return out.(*RawDocument), nil
}

// execute runs fn through the host's circuit breaker. fn must return errors
// already mapped to the taxonomy so the breaker's success predicate sees
// classified failures.
func (c *Client) execute(host string, fn func() (interface{}, error)) (interface{}, error) {
	br := c.breaker(host)
	if br == nil {
		return fn()
	}
	out, err := br.Execute(fn)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "host circuit open").
			WithDetail("host", host)
	}
	return out, err
}

func (c *Client) roundTrip(ctx context.Context, req Request, host string) (*RawDocument, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	httpReq, err := c.newRequest(attemptCtx, req)
	if err != nil {
		return nil, err
	}

	atomic.AddInt64(&c.totalRequests, 1)
	metrics.FetchAttempts.WithLabelValues(req.Source, host).Inc()

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(attemptCtx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain a little so the connection can be reused
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, classifyStatus(resp)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "reading response body").
			WithDetail("url", req.URL)
	}

	return &RawDocument{
		Source:       req.Source,
		DocumentID:   req.DocumentID,
		RefDate:      req.RefDate,
		FetchedAt:    time.Now().UTC(),
		Payload:      payload,
		Fingerprint:  Fingerprint(payload),
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}, nil
}

func (c *Client) newRequest(ctx context.Context, req Request) (*http.Request, error) {
	var body io.Reader
	if req.Form != nil {
		body = strings.NewReader(req.Form.Encode())
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method(), req.URL, body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "building request").
			WithDetail("url", req.URL)
	}

	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if req.Form != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", c.config.UserAgent)
	}

	return httpReq, nil
}

// breaker returns the lazily created circuit breaker for a host. Responses
// that classify as non-retryable (404 probes, other 4xx) count as successes:
// the breaker guards host health, not request validity.
func (c *Client) breaker(host string) *gobreaker.CircuitBreaker {
	if c.config.BreakerThreshold == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if br, ok := c.breakers[host]; ok {
		return br
	}

	threshold := c.config.BreakerThreshold
	br := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Timeout:     c.config.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("host circuit state change",
				zap.String("host", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	c.breakers[host] = br
	return br
}

// Stats returns current request counters
func (c *Client) Stats() Stats {
	return Stats{
		TotalRequests:  atomic.LoadInt64(&c.totalRequests),
		FailedRequests: atomic.LoadInt64(&c.failedRequests),
	}
}

// Close releases idle connections
func (c *Client) Close() {
	c.transport.CloseIdleConnections()
}

// classifyTransport maps a transport-level failure to the error taxonomy.
// attemptCtx is the per-attempt context: an expired deadline there is a
// retryable timeout, anything else is a connection failure.
func classifyTransport(attemptCtx context.Context, err error) *errors.Error {
	if attemptCtx.Err() != nil {
		return errors.Wrap(err, errors.ErrorTypeTimeout, "request timed out")
	}
	return errors.Wrap(err, errors.ErrorTypeConnection, "request failed")
}

// classifyStatus maps a non-2xx response to the error taxonomy. 429 and 5xx
// are transient, 404 is a typed absence so discovery probes can treat it as
// expected, and remaining 4xx fail immediately.
func classifyStatus(resp *http.Response) *errors.Error {
	status := resp.StatusCode
	switch {
	case status == http.StatusTooManyRequests:
		e := errors.New(errors.ErrorTypeRateLimit, "server throttled request").
			WithDetail("status", status)
		if d := parseRetryAfter(resp.Header.Get("Retry-After")); d > 0 {
			e = e.WithDetail("retry_after", d)
		}
		return e
	case status >= 500:
		return errors.Newf(errors.ErrorTypeHTTP, "server error %d", status).
			WithDetail("status", status)
	case status == http.StatusNotFound:
		return errors.New(errors.ErrorTypeNotFound, "resource not found").
			WithDetail("status", status)
	default:
		return errors.Newf(errors.ErrorTypeHTTP, "unexpected status %d", status).
			WithDetail("status", status)
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
