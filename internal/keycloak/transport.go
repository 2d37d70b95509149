package keycloak

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	// requestTimeout bounds every admin API call.
	requestTimeout = 30 * time.Second

	// maxAttempts caps the retry loop: one call plus two retries.
	maxAttempts = 3

	// maxErrorBody bounds how much of an error response is retained.
	maxErrorBody = 16 << 10
)

// APIError is an admin API response outside the 2xx range. The body is kept
// for logs; user-facing messages are derived elsewhere.
type APIError struct {
	Status int
	Method string
	Path   string
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// retryable reports whether a response status is worth retrying. Only
// transient conditions qualify; any other 4xx is terminal.
func retryable(status int) bool {
	switch {
	case status >= 500:
		return true
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// Doer performs an authenticated HTTP request. *auth.Session satisfies it.
type Doer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// doRetry runs an admin request with exponential backoff. The factory builds
// a fresh request per attempt so bodies are never replayed from a consumed
// reader. Network failures and transient statuses are retried up to
// maxAttempts; terminal statuses abort immediately.
func doRetry(ctx context.Context, doer Doer, build func() (*http.Request, error)) (*http.Response, error) {
	op := func() (*http.Response, error) {
		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		req, err := build()
		if err != nil {
			cancel()
			return nil, backoff.Permanent(err)
		}
		resp, err := doer.Do(reqCtx, req.WithContext(reqCtx))
		if err != nil {
			cancel()
			return nil, err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			// Cancel fires when the caller closes the body.
			resp.Body = &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}
			return resp, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		cancel()

		apiErr := &APIError{
			Status: resp.StatusCode,
			Method: req.Method,
			Path:   req.URL.Path,
			Body:   string(body),
		}
		if retryable(resp.StatusCode) {
			return nil, apiErr
		}
		return nil, backoff.Permanent(error(apiErr))
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(maxAttempts),
	)
}

// cancelReadCloser ties a context cancel to the response body's Close.
type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
