// Package transport holds the HTTP plumbing shared by service clients.
package transport

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/charmbracelet/log"
)

// DefaultMaxTries disables retries.
const DefaultMaxTries = 1

// Option configures a Retry transport.
type Option func(*Retry)

// WithMaxTries bounds the attempts per request, including the first.
func WithMaxTries(tries uint) Option {
	return func(r *Retry) {
		if tries > 0 {
			r.maxTries = tries
		}
	}
}

// WithBackOff replaces the exponential backoff policy.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(r *Retry) {
		if newBackOff != nil {
			r.newBackOff = newBackOff
		}
	}
}

// WithMethods replaces the set of retried methods.
func WithMethods(methods ...string) Option {
	return func(r *Retry) {
		r.methods = map[string]struct{}{}
		for _, method := range methods {
			r.methods[strings.ToUpper(strings.TrimSpace(method))] = struct{}{}
		}
	}
}

// WithLogger logs retried attempts.
func WithLogger(logger *log.Logger) Option {
	return func(r *Retry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Retry is an http.RoundTripper that repeats idempotent requests on
// connection errors, 429 and 5xx answers. The last attempt's response is
// returned as is so callers still see the status and body.
type Retry struct {
	base       http.RoundTripper
	maxTries   uint
	newBackOff func() backoff.BackOff
	methods    map[string]struct{}
	logger     *log.Logger
}

// NewRetry wraps base, or http.DefaultTransport when base is nil.
func NewRetry(base http.RoundTripper, options ...Option) *Retry {
	if base == nil {
		base = http.DefaultTransport
	}
	r := &Retry{
		base:     base,
		maxTries: DefaultMaxTries,
		newBackOff: func() backoff.BackOff {
			policy := backoff.NewExponentialBackOff()
			policy.InitialInterval = 200 * time.Millisecond
			policy.MaxInterval = 2 * time.Second
			return policy
		},
		methods: map[string]struct{}{
			http.MethodGet: {},
			http.MethodPut: {},
		},
		logger: log.New(io.Discard),
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(r)
	}
	return r
}

type retryableStatus struct {
	code int
}

func (e *retryableStatus) Error() string {
	return fmt.Sprintf("retryable status %d", e.code)
}

// RoundTrip implements http.RoundTripper.
func (r *Retry) RoundTrip(req *http.Request) (*http.Response, error) {
	if !r.retries(req) {
		return r.base.RoundTrip(req)
	}

	attempt := uint(0)
	operation := func() (*http.Response, error) {
		attempt++
		outgoing, err := rewind(req, attempt)
		if err != nil {
			return nil, backoff.Permanent(err)
		}

		resp, err := r.base.RoundTrip(outgoing)
		if err != nil {
			if req.Context().Err() != nil {
				return nil, backoff.Permanent(err)
			}
			r.logger.Warn("request failed, retrying", "method", req.Method, "url", req.URL.String(), "attempt", attempt, "err", err)
			return nil, err
		}
		if !retryableCode(resp.StatusCode) || attempt >= r.maxTries {
			return resp, nil
		}

		delay := retryAfter(resp.Header.Get("Retry-After"))
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		r.logger.Warn("retryable response", "method", req.Method, "url", req.URL.String(), "status", resp.StatusCode, "attempt", attempt)
		if delay > 0 {
			return nil, backoff.RetryAfter(delay)
		}
		return nil, &retryableStatus{code: resp.StatusCode}
	}

	return backoff.Retry(req.Context(), operation,
		backoff.WithBackOff(r.newBackOff()),
		backoff.WithMaxTries(r.maxTries),
	)
}

func (r *Retry) retries(req *http.Request) bool {
	if r.maxTries <= 1 {
		return false
	}
	if _, ok := r.methods[req.Method]; !ok {
		return false
	}
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

// rewind returns req for the first attempt and a copy with a fresh body after.
func rewind(req *http.Request, attempt uint) (*http.Request, error) {
	if attempt == 1 || req.GetBody == nil {
		return req, nil
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("rewind request body: %w", err)
	}
	clone := req.Clone(req.Context())
	clone.Body = body
	return clone, nil
}

func retryableCode(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

// retryAfter parses a delay in seconds; dates and garbage yield 0.
func retryAfter(header string) int {
	seconds, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || seconds <= 0 {
		return 0
	}
	return seconds
}
