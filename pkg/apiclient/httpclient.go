package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/wisbric/autoengine/pkg/credential"
)

// httpClient is the concrete Client implementation: a thin net/http
// wrapper, one typed method per endpoint, status-code + JSON decode error
// handling.
type httpClient struct {
	baseURL string
	auth    authSigner
	http    *http.Client
}

type authSigner interface {
	// Sign sets whatever Authorization header(s) the request needs.
	Sign(req *http.Request, form url.Values)
}

func newHTTPClient(baseURL string, creds credential.Credentials) *httpClient {
	var signer authSigner
	if creds.Modern != nil {
		signer = bearerSigner{token: creds.Modern.AccessToken}
	} else if creds.Legacy != nil {
		signer = oauth1Signer{
			appKey: creds.Legacy.AppKey, appSecret: creds.Legacy.AppSecret,
			token: creds.Legacy.AccessToken, tokenSecret: creds.Legacy.AccessSecret,
		}
	}
	return &httpClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		auth:    signer,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *httpClient) do(ctx context.Context, method, path string, query, form url.Values, out any) (RateLimitInfo, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return RateLimitInfo{}, fmt.Errorf("building request: %w", err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if c.auth != nil {
		c.auth.Sign(req, form)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return RateLimitInfo{}, fmt.Errorf("calling platform API: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	rl := parseRateLimit(resp.Header)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return rl, fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return rl, &APIError{StatusCode: resp.StatusCode, Body: string(raw), Headers: resp.Header}
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return rl, fmt.Errorf("decoding response: %w", err)
		}
	}
	return rl, nil
}

func parseRateLimit(h http.Header) RateLimitInfo {
	var rl RateLimitInfo
	rl.Limit, _ = strconv.Atoi(h.Get("x-rate-limit-limit"))
	rl.Remaining, _ = strconv.Atoi(h.Get("x-rate-limit-remaining"))
	if resetSec, err := strconv.ParseInt(h.Get("x-rate-limit-reset"), 10, 64); err == nil {
		rl.ResetAt = time.Unix(resetSec, 0)
	}
	if h.Get("x-24hour-limit-limit") != "" {
		rl.HasWindow24h = true
		rl.Window24hCap, _ = strconv.Atoi(h.Get("x-24hour-limit-limit"))
		used, _ := strconv.Atoi(h.Get("x-24hour-limit-remaining"))
		if rl.Window24hCap > 0 {
			rl.Window24hUse = rl.Window24hCap - used
		}
		if resetSec, err := strconv.ParseInt(h.Get("x-24hour-limit-reset"), 10, 64); err == nil {
			rl.Window24hReset = time.Unix(resetSec, 0)
		}
	}
	return rl
}

type searchResponseWire struct {
	Items []struct {
		ID        string    `json:"id"`
		Author    string    `json:"author_handle"`
		CreatedAt time.Time `json:"created_at"`
		Text      string    `json:"text"`
		IsReply   bool      `json:"is_reply"`
		IsRepost  bool      `json:"is_repost"`
		IsQuote   bool      `json:"is_quote"`
	} `json:"items"`
	NewestID string `json:"newest_id"`
}

func (c *httpClient) Search(ctx context.Context, query string, params SearchParams) (SearchResult, RateLimitInfo, error) {
	q := url.Values{"q": {query}}
	if params.SinceID != "" {
		q.Set("since_id", params.SinceID)
	}
	if params.MaxResults > 0 {
		q.Set("max_results", strconv.Itoa(params.MaxResults))
	}

	var wire searchResponseWire
	rl, err := c.do(ctx, http.MethodGet, "/search", q, nil, &wire)
	if err != nil {
		return SearchResult{}, rl, err
	}

	result := SearchResult{NewestID: wire.NewestID, Items: make([]SearchItem, 0, len(wire.Items))}
	for _, it := range wire.Items {
		result.Items = append(result.Items, SearchItem{
			PostID: it.ID, AuthorHandle: it.Author, CreatedAt: it.CreatedAt,
			Text: it.Text, IsReply: it.IsReply, IsRepost: it.IsRepost, IsQuote: it.IsQuote,
		})
	}
	return result, rl, nil
}

func (c *httpClient) Like(ctx context.Context, userID, postID string) (RateLimitInfo, error) {
	form := url.Values{"user_id": {userID}, "post_id": {postID}}
	return c.do(ctx, http.MethodPost, "/likes", nil, form, nil)
}

func (c *httpClient) Repost(ctx context.Context, userID, postID string) (RateLimitInfo, error) {
	form := url.Values{"user_id": {userID}, "post_id": {postID}}
	return c.do(ctx, http.MethodPost, "/reposts", nil, form, nil)
}

func (c *httpClient) Reply(ctx context.Context, text, inReplyTo, mediaID string) (RateLimitInfo, error) {
	form := url.Values{"text": {text}, "in_reply_to": {inReplyTo}}
	if mediaID != "" {
		form.Set("media_id", mediaID)
	}
	return c.do(ctx, http.MethodPost, "/reply-post", nil, form, nil)
}

func (c *httpClient) Me(ctx context.Context) (MeResult, RateLimitInfo, error) {
	var wire struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	}
	rl, err := c.do(ctx, http.MethodGet, "/me", nil, nil, &wire)
	if err != nil {
		return MeResult{}, rl, err
	}
	return MeResult{UserID: wire.ID, Username: wire.Username}, rl, nil
}
