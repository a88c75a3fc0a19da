// Package classify is the single place that turns a raw apiclient error
// (or a context timeout) into the uniform result.Result envelope
// everything downstream acts on.
package classify

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wisbric/autoengine/internal/result"
	"github.com/wisbric/autoengine/pkg/apiclient"
)

// Options parameterizes the classifier: exponential backoff base/cap and a
// floor on rate-limit mutes when the platform gives no usable reset hint.
type Options struct {
	BackoffBaseMS int
	BackoffCapMS  int
	MaxAttempts   int
	MinMuteMS     int
}

// DefaultOptions mirrors the config package's env defaults.
func DefaultOptions() Options {
	return Options{BackoffBaseMS: 2000, BackoffCapMS: 60000, MaxAttempts: 3, MinMuteMS: 900000}
}

// Classifier turns errors into result.Result values.
type Classifier struct {
	opts Options
}

// New builds a Classifier with opts.
func New(opts Options) *Classifier {
	return &Classifier{opts: opts}
}

// bodyMarkers are substrings the platform is known to include in an error
// body when an action was already performed — these arrive as a 4xx rather
// than the 2xx the caller might expect, so they must be special-cased
// before the generic status-code switch.
var bodyMarkers = []string{
	"already liked",
	"already retweeted",
	"already reposted",
	"you have already",
}

// Classify produces a Result for the outcome of a single dispatch attempt.
// attempt is the 1-based attempt count so far, used to size backoff and to
// cap retries. priorAuthExpired decides whether a second consecutive auth
// failure escalates to auth_fatal.
func (c *Classifier) Classify(err error, attempt int, priorAuthExpired bool) result.Result {
	if err == nil {
		return result.OK()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return c.retryable(result.ClassProviderTimeout, err, attempt)
	}

	var apiErr *apiclient.APIError
	if !errors.As(err, &apiErr) {
		return result.Wrap(result.ClassProvider5xx, err)
	}

	body := strings.ToLower(apiErr.Body)
	for _, marker := range bodyMarkers {
		if strings.Contains(body, marker) {
			return result.Wrap(result.ClassDuplicate, err)
		}
	}

	switch {
	case apiErr.StatusCode == http.StatusTooManyRequests:
		return c.rateLimited(apiErr, err)
	case apiErr.StatusCode == http.StatusUnauthorized:
		if priorAuthExpired {
			return result.Wrap(result.ClassAuthFatal, err)
		}
		return result.Wrap(result.ClassAuthExpired, err)
	case apiErr.StatusCode == http.StatusBadRequest, apiErr.StatusCode == http.StatusUnprocessableEntity:
		return result.Wrap(result.ClassInvalidRequest, err)
	case apiErr.StatusCode == http.StatusForbidden && strings.Contains(body, "policy"):
		return result.Wrap(result.ClassContentPolicyReject, err)
	case apiErr.StatusCode >= 500:
		return c.retryable(result.ClassProvider5xx, err, attempt)
	default:
		return result.Wrap(result.ClassUnknownFatal, err)
	}
}

func (c *Classifier) retryable(class result.Class, err error, attempt int) result.Result {
	if attempt >= c.opts.MaxAttempts {
		return result.Wrap(result.ClassUnknownFatal, err)
	}
	backoff := c.opts.BackoffBaseMS * int(math.Pow(2, float64(attempt-1)))
	if backoff > c.opts.BackoffCapMS {
		backoff = c.opts.BackoffCapMS
	}
	r := result.Wrap(class, err)
	r.BackoffMS = backoff
	return r
}

func (c *Classifier) rateLimited(apiErr *apiclient.APIError, err error) result.Result {
	muteMS := c.opts.MinMuteMS
	if reset := resetDelayMS(apiErr); reset > muteMS {
		muteMS = reset
	}

	class := result.ClassRateLimitedShort
	if apiErr.Headers.Get("x-24hour-limit-limit") != "" {
		class = result.ClassRateLimited24h
	}

	r := result.Wrap(class, err)
	r.MuteMS = muteMS
	return r
}

// resetDelayMS reads whichever rate-limit reset header the platform sent
// (Retry-After in seconds, or the X-Rate-Limit-Reset unix timestamp) and
// returns the delay until then in milliseconds, or 0 if neither is usable.
func resetDelayMS(apiErr *apiclient.APIError) int {
	if ra := apiErr.Headers.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			return secs * 1000
		}
	}
	if reset := apiErr.Headers.Get("x-rate-limit-reset"); reset != "" {
		if unix, err := strconv.ParseInt(reset, 10, 64); err == nil {
			delay := time.Until(time.Unix(unix, 0))
			if delay > 0 {
				return int(delay / time.Millisecond)
			}
		}
	}
	return 0
}
