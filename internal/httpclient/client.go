// Package httpclient builds the retrying HTTP clients used to reach the
// classifier, reasoning and threat-intel services.
package httpclient

import (
	"context"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/whisper/guardian/internal/logging"
)

// Option customises the underlying retryablehttp client.
type Option func(*retryablehttp.Client)

// WithMaxRetries sets the maximum number of retries.
func WithMaxRetries(n int) Option {
	return func(c *retryablehttp.Client) {
		c.RetryMax = n
	}
}

// WithRetryWait sets the backoff bounds between retries.
func WithRetryWait(min, max time.Duration) Option {
	return func(c *retryablehttp.Client) {
		c.RetryWaitMin = min
		c.RetryWaitMax = max
	}
}

// WithLogger routes retry logging through a component logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(c *retryablehttp.Client) {
		c.Logger = retryablehttp.LeveledLogger(logging.Leveled{Inner: logger})
	}
}

// WithRetryPolicy replaces DefaultRetryPolicy.
func WithRetryPolicy(policy retryablehttp.CheckRetry) Option {
	return func(c *retryablehttp.Client) {
		c.CheckRetry = policy
	}
}

// New returns a standard *http.Client backed by retryablehttp over a pooled
// cleanhttp transport. Connection errors and 5xx responses (except 501) are
// retried with exponential backoff; 429 is returned to the caller.
func New(timeout time.Duration, options ...Option) *http.Client {
	rc := retryablehttp.NewClient()
	rc.HTTPClient.Transport = cleanhttp.DefaultPooledTransport()
	rc.RetryMax = 3
	rc.RetryWaitMin = time.Second
	rc.RetryWaitMax = 10 * time.Second
	rc.Logger = retryablehttp.LeveledLogger(logging.Leveled{Inner: zap.NewNop().Sugar()})
	rc.CheckRetry = DefaultRetryPolicy

	for _, opt := range options {
		opt(rc)
	}

	client := rc.StandardClient()
	client.Timeout = timeout
	return client
}

// DefaultRetryPolicy wraps retryablehttp.DefaultRetryPolicy but treats 429 as
// non-retryable so callers can apply their own rate-limit handling.
func DefaultRetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && resp.StatusCode == http.StatusTooManyRequests {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}
