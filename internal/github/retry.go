package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gh "github.com/google/go-github/v57/github"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/covergate/internal/logging"
)

// RetryConfig configures retry behavior for GitHub API calls.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts.
	// Default: 3
	MaxRetries int

	// InitialBackoff is the initial backoff duration.
	// Default: 1 second
	InitialBackoff time.Duration

	// MaxBackoff caps every wait, including rate limit waits.
	// Default: 30 seconds
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	// Default: 2
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration for GitHub API calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// ApplyDefaults sets default values for unset fields.
func (c *RetryConfig) ApplyDefaults() {
	defaults := DefaultRetryConfig()

	if c.InitialBackoff == 0 {
		c.InitialBackoff = defaults.InitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = defaults.MaxBackoff
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = defaults.BackoffMultiplier
	}
}

// ErrRetriesExhausted wraps the last error once every attempt failed.
var ErrRetriesExhausted = errors.New("github: retries exhausted")

// retrier runs GitHub operations with exponential backoff. It honors rate
// limit reset times and Retry-After hints, capped at MaxBackoff.
type retrier struct {
	config RetryConfig
	logger *logging.Logger
	now    func() time.Time
}

func newRetrier(config RetryConfig, logger *logging.Logger) *retrier {
	config.ApplyDefaults()
	if logger == nil {
		logger = logging.Nop()
	}
	return &retrier{config: config, logger: logger, now: time.Now}
}

func (r *retrier) do(ctx context.Context, op string, operation func() (*gh.Response, error)) (*gh.Response, error) {
	var lastErr error
	var lastResp *gh.Response
	backoff := r.config.InitialBackoff
	start := r.now()

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		resp, err := operation()
		if err == nil {
			if attempt > 0 {
				r.logger.Info(ctx, "GitHub API operation recovered after retries",
					zap.String("op", op),
					zap.Int("attempts", attempt),
					zap.Duration("total_time", r.now().Sub(start)),
				)
			}
			return resp, nil
		}

		lastErr = err
		lastResp = resp

		if !isRetryable(err, resp) {
			r.logger.Debug(ctx, "GitHub API error is not retryable",
				zap.String("op", op),
				zap.Error(err),
				zap.Int("status_code", statusCode(resp)),
			)
			return resp, err
		}
		if attempt == r.config.MaxRetries {
			break
		}

		wait := backoff
		if d, ok := r.rateLimitBackoff(err, resp); ok {
			wait = d
			r.logger.Info(ctx, "GitHub API rate limit hit, adjusting backoff",
				zap.String("op", op),
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", r.config.MaxRetries+1),
				zap.Duration("backoff", wait),
			)
		} else {
			r.logger.Info(ctx, "Retrying GitHub API operation after transient error",
				zap.String("op", op),
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", r.config.MaxRetries+1),
				zap.Error(err),
				zap.Int("status_code", statusCode(resp)),
				zap.Duration("backoff", wait),
			)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%s canceled: %w", op, ctx.Err())
		case <-timer.C:
		}
		backoff = time.Duration(float64(backoff) * r.config.BackoffMultiplier)
		if backoff > r.config.MaxBackoff {
			backoff = r.config.MaxBackoff
		}
	}

	r.logger.Warn(ctx, "GitHub API operation failed after all retries exhausted",
		zap.String("op", op),
		zap.Int("total_attempts", r.config.MaxRetries+1),
		zap.Duration("total_time", r.now().Sub(start)),
		zap.Error(lastErr),
		zap.Int("status_code", statusCode(lastResp)),
	)
	return lastResp, fmt.Errorf("%w: %s after %d retries: %w", ErrRetriesExhausted, op, r.config.MaxRetries, lastErr)
}

// isRetryable reports whether a GitHub API error is transient.
func isRetryable(err error, resp *gh.Response) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var rateErr *gh.RateLimitError
	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return true
	}

	if resp != nil && resp.Response != nil {
		switch code := resp.Response.StatusCode; code {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		case http.StatusForbidden:
			// Secondary rate limits answer 403 with rate headers.
			return resp.Rate.Limit > 0 && resp.Rate.Remaining == 0
		default:
			return code >= 500 && code < 600
		}
	}

	// No response: network errors, timeouts and the like.
	return true
}

// rateLimitBackoff returns the wait for a rate-limited response, honoring the
// reset time or Retry-After, capped at MaxBackoff.
func (r *retrier) rateLimitBackoff(err error, resp *gh.Response) (time.Duration, bool) {
	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &abuseErr) && abuseErr.RetryAfter != nil {
		return r.capped(*abuseErr.RetryAfter), true
	}

	var reset time.Time
	var rateErr *gh.RateLimitError
	switch {
	case errors.As(err, &rateErr):
		reset = rateErr.Rate.Reset.Time
	case resp != nil && resp.Response != nil &&
		(resp.Response.StatusCode == http.StatusTooManyRequests ||
			(resp.Response.StatusCode == http.StatusForbidden && resp.Rate.Limit > 0)):
		reset = resp.Rate.Reset.Time
	default:
		return 0, false
	}

	if reset.IsZero() {
		return r.config.MaxBackoff, true
	}
	// One second of slack so the window has actually reset.
	wait := reset.Sub(r.now()) + time.Second
	if wait < time.Second {
		wait = time.Second
	}
	return r.capped(wait), true
}

func (r *retrier) capped(d time.Duration) time.Duration {
	if d > r.config.MaxBackoff {
		return r.config.MaxBackoff
	}
	return d
}

func statusCode(resp *gh.Response) int {
	if resp != nil && resp.Response != nil {
		return resp.Response.StatusCode
	}
	return 0
}
