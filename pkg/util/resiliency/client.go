// Package resiliency wraps outbound HTTP with retries, per-host circuit
// breaking and trace propagation.
package resiliency

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrCircuitOpen is returned while a host's breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// RequestFunc builds a fresh request for each attempt.
type RequestFunc func(ctx context.Context) (*http.Request, error)

// Client retries transport errors and 5xx responses with exponential
// backoff. Each host gets its own breaker.
type Client struct {
	client       *http.Client
	maxRetries   uint
	initial      time.Duration
	threshold    int
	resetTimeout time.Duration

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// Option configures a Client.
type Option func(*Client)

func WithMaxRetries(n uint) Option { return func(c *Client) { c.maxRetries = n } }

func WithInitialBackoff(d time.Duration) Option { return func(c *Client) { c.initial = d } }

func WithTimeout(d time.Duration) Option { return func(c *Client) { c.client.Timeout = d } }

// WithBreaker sets the consecutive-failure threshold and the open period.
func WithBreaker(threshold int, reset time.Duration) Option {
	return func(c *Client) {
		c.threshold = threshold
		c.resetTimeout = reset
	}
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		maxRetries:   3,
		initial:      100 * time.Millisecond,
		threshold:    5,
		resetTimeout: 10 * time.Second,
		breakers:     make(map[string]*CircuitBreaker),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) breaker(host string) *CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[host]
	if !ok {
		b = NewCircuitBreaker(host, c.threshold, c.resetTimeout)
		c.breakers[host] = b
	}
	return b
}

// Do runs build and sends the request until it succeeds, returns a non-5xx
// status, the retries run out or ctx ends. The caller closes the body.
func (c *Client) Do(ctx context.Context, build RequestFunc) (*http.Response, error) {
	probe, err := build(ctx)
	if err != nil {
		return nil, err
	}
	br := c.breaker(probe.URL.Host)
	if !br.Allow() {
		return nil, fmt.Errorf("%w for %s", ErrCircuitOpen, br.name)
	}

	first := true
	op := func() (*http.Response, error) {
		req := probe
		if !first {
			next, err := build(ctx)
			if err != nil {
				return nil, backoff.Permanent(err)
			}
			req = next
		}
		first = false
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("%s %s: status %d", req.Method, req.URL.Redacted(), resp.StatusCode)
		}
		return resp, nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.initial
	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(c.maxRetries+1),
	)
	if err != nil {
		br.Failure()
		return nil, err
	}
	br.Success()
	return resp, nil
}

// CircuitBreaker opens after threshold consecutive failures and lets one
// probe through once resetTimeout has passed.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        string // "CLOSED", "OPEN", "HALF_OPEN"
	clock        func() time.Time
}

func NewCircuitBreaker(name string, threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: timeout,
		state:        "CLOSED",
		clock:        time.Now,
	}
}

func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == "OPEN" {
		if cb.clock().Sub(cb.lastFailure) > cb.resetTimeout {
			cb.state = "HALF_OPEN"
			return true
		}
		return false
	}
	return true
}

func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = "CLOSED"
	cb.failureCount = 0
}

func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = cb.clock()
	if cb.state == "HALF_OPEN" || cb.failureCount >= cb.threshold {
		cb.state = "OPEN"
	}
}

// State reports "CLOSED", "OPEN" or "HALF_OPEN".
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
