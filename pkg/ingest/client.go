package ingest

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"
)

// retryClient wraps http.Client with exponential backoff plus jitter and a
// per-host circuit breaker, so one dead origin cannot stall a whole crawl.
type retryClient struct {
	client     *http.Client
	maxRetries int

	mu       sync.Mutex
	breakers map[string]*circuitBreaker
}

func newRetryClient(timeout time.Duration) *retryClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &retryClient{
		client:     &http.Client{Timeout: timeout},
		maxRetries: 3,
		breakers:   make(map[string]*circuitBreaker),
	}
}

func (c *retryClient) breakerFor(host string) *circuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	cb, ok := c.breakers[host]
	if !ok {
		cb = newCircuitBreaker(5, 10*time.Second)
		c.breakers[host] = cb
	}
	return cb
}

// Get fetches the URL, retrying 5xx and transport errors. 4xx responses are
// returned as-is; the caller decides.
func (c *retryClient) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	cb := c.breakerFor(req.URL.Host)
	if !cb.Allow() {
		return nil, fmt.Errorf("circuit open for %s", req.URL.Host)
	}

	var resp *http.Response
	for attempt := 0; ; attempt++ {
		resp, err = c.client.Do(req)
		if err == nil && resp.StatusCode < 500 {
			cb.Success()
			return resp, nil
		}
		if resp != nil {
			_ = resp.Body.Close()
		}
		if attempt == c.maxRetries {
			break
		}
		backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
		jitter := time.Duration(rand.Intn(50)) * time.Millisecond
		select {
		case <-ctx.Done():
			cb.Failure()
			return nil, ctx.Err()
		case <-time.After(backoff + jitter):
		}
	}

	cb.Failure()
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("fetch %s: status %d after %d attempts", url, resp.StatusCode, c.maxRetries+1)
}

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// circuitBreaker is a minimal failure-detection state machine.
type circuitBreaker struct {
	mu           sync.Mutex
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        breakerState
}

func newCircuitBreaker(threshold int, resetTimeout time.Duration) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, resetTimeout: resetTimeout}
}

func (cb *circuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == breakerOpen {
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = breakerHalfOpen
			return true
		}
		return false
	}
	return true
}

func (cb *circuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = breakerClosed
	cb.failureCount = 0
}

func (cb *circuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = time.Now()
	if cb.failureCount >= cb.threshold {
		cb.state = breakerOpen
	}
}
