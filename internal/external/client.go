// Package external holds the shared outbound HTTP client. Platform posts,
// token refreshes and alert email all go through a BaseClient, which wraps
// each upstream in its own circuit breaker.
package external

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
)

// ErrCircuitOpen is returned without contacting the upstream while its
// breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

var errUpstreamStatus = errors.New("upstream error status")

// Doer is satisfied by *http.Client and *BaseClient.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// BaseClient wraps an *http.Client with a circuit breaker. It never retries;
// retry policy belongs to the dispatch engine.
type BaseClient struct {
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker[*http.Response]
	userAgent string
}

// NewBaseClient creates a BaseClient whose breaker opens after
// failureThreshold consecutive 5xx, 429 or transport failures.
func NewBaseClient(httpClient *http.Client, name, userAgent string, failureThreshold uint32) *BaseClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if failureThreshold == 0 {
		failureThreshold = 5
	}
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
	})
	return &BaseClient{client: httpClient, breaker: cb, userAgent: userAgent}
}

// Do sends req through the breaker. Upstream error statuses are returned as
// normal responses so callers can classify them.
func (c *BaseClient) Do(req *http.Request) (*http.Response, error) {
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		r, doErr := c.client.Do(req)
		if doErr != nil {
			return nil, doErr
		}
		if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
			return r, fmt.Errorf("%w: %d", errUpstreamStatus, r.StatusCode)
		}
		return r, nil
	})

	switch {
	case err == nil:
		return resp, nil
	case errors.Is(err, errUpstreamStatus) && resp != nil:
		return resp, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, c.breaker.Name())
	default:
		return nil, err
	}
}

// State exposes the breaker state for health reporting.
func (c *BaseClient) State() string {
	return c.breaker.State().String()
}

// ReadBody reads at most limit bytes of a response body.
func ReadBody(r io.Reader, limit int64) []byte {
	b, _ := io.ReadAll(io.LimitReader(r, limit))
	return b
}

// Truncate shortens s to at most max bytes without splitting a UTF-8 rune.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !isRuneStart(s[max]) {
		max--
	}
	return s[:max]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

var _ Doer = (*BaseClient)(nil)
