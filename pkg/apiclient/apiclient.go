// Package apiclient produces a per-account authenticated HTTP client for
// the external microblogging platform, caches it with a TTL, and retries
// once through a credential refresh on 401.
package apiclient

import (
	"context"
	"net/http"
	"time"
)

// RateLimitInfo is what every operation surfaces from the platform's
// rate-limit headers.
type RateLimitInfo struct {
	Limit         int
	Remaining     int
	ResetAt       time.Time
	Window24hUse  int
	Window24hCap  int
	Window24hReset time.Time
	HasWindow24h  bool
}

// SearchParams bounds a single search call.
type SearchParams struct {
	SinceID string
	MaxResults int
}

// SearchItem is one raw item returned by the platform's search endpoint.
type SearchItem struct {
	PostID       string
	AuthorHandle string
	CreatedAt    time.Time
	Text         string
	IsReply      bool
	IsRepost     bool
	IsQuote      bool
}

// SearchResult is the decoded response of a search call.
type SearchResult struct {
	Items   []SearchItem
	NewestID string
}

// MeResult is the decoded response of a "who am I" call, used by
// NewClient's optional validation step.
type MeResult struct {
	UserID   string
	Username string
}

// Client is the per-account authenticated surface the Scanner, Planner, and
// Scheduler talk to. Implementations must be safe for sequential use by a
// single account worker; the factory never hands the same *Client to two
// goroutines concurrently.
type Client interface {
	Search(ctx context.Context, query string, params SearchParams) (SearchResult, RateLimitInfo, error)
	Like(ctx context.Context, userID, postID string) (RateLimitInfo, error)
	Repost(ctx context.Context, userID, postID string) (RateLimitInfo, error)
	Reply(ctx context.Context, text, inReplyTo, mediaID string) (RateLimitInfo, error)
	Me(ctx context.Context) (MeResult, RateLimitInfo, error)
}

// APIError wraps a non-2xx platform response with what the Error Classifier
// (pkg/classify) needs to categorize it.
type APIError struct {
	StatusCode int
	Body       string
	Headers    http.Header
}

func (e *APIError) Error() string {
	return "platform API error: HTTP " + http.StatusText(e.StatusCode)
}
