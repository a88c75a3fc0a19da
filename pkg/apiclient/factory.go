package apiclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wisbric/autoengine/pkg/credential"
)

// ClientOptions controls per-call behavior of ClientFor.
type ClientOptions struct {
	// SkipValidation skips the optional Me() probe some callers use to
	// confirm a freshly built client is usable before handing it to a
	// worker loop.
	SkipValidation bool
}

type cacheEntry struct {
	client    Client
	expiresAt time.Time
}

// Factory produces a per-account authenticated client, cached with a TTL
// keyed by account id, and retries once through a credential refresh on
// HTTP 401.
type Factory struct {
	creds         *credential.Store
	baseURL       string
	ttl           time.Duration
	refreshWindow time.Duration

	mu       sync.Mutex
	cache    map[string]*cacheEntry
	inFlight map[string]*sync.WaitGroup // per-key init barrier
}

// NewFactory creates a Factory backed by creds, pointing at baseURL, with
// clients cached for ttl. refreshWindow is how far ahead of a Modern
// credential's expiry build proactively refreshes it, rather than waiting
// for a live 401; zero disables proactive refresh (reactive-only).
func NewFactory(creds *credential.Store, baseURL string, ttl time.Duration, refreshWindow time.Duration) *Factory {
	return &Factory{
		creds:         creds,
		baseURL:       baseURL,
		ttl:           ttl,
		refreshWindow: refreshWindow,
		cache:         make(map[string]*cacheEntry),
		inFlight:      make(map[string]*sync.WaitGroup),
	}
}

// ClientFor returns a Client for accountID, building and caching one if
// necessary. Concurrent calls for the same accountID block on a single
// construction rather than racing duplicate refreshes.
func (f *Factory) ClientFor(ctx context.Context, accountID string, opts ClientOptions) (Client, error) {
	f.mu.Lock()
	if e, ok := f.cache[accountID]; ok && time.Now().Before(e.expiresAt) {
		f.mu.Unlock()
		return e.client, nil
	}
	if wg, building := f.inFlight[accountID]; building {
		f.mu.Unlock()
		wg.Wait()
		f.mu.Lock()
		if e, ok := f.cache[accountID]; ok && time.Now().Before(e.expiresAt) {
			f.mu.Unlock()
			return e.client, nil
		}
		f.mu.Unlock()
		return f.ClientFor(ctx, accountID, opts) // retry after the other builder finished
	}
	wg := &sync.WaitGroup{}
	wg.Add(1)
	f.inFlight[accountID] = wg
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		delete(f.inFlight, accountID)
		f.mu.Unlock()
		wg.Done()
	}()

	client, err := f.build(ctx, accountID, opts)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.cache[accountID] = &cacheEntry{client: client, expiresAt: time.Now().Add(f.ttl)}
	f.mu.Unlock()
	return client, nil
}

func (f *Factory) build(ctx context.Context, accountID string, opts ClientOptions) (Client, error) {
	creds, _, err := f.creds.Get(accountID)
	if err != nil {
		return nil, fmt.Errorf("resolving credentials for %s: %w", accountID, err)
	}
	if f.refreshWindow > 0 && creds.NeedsProactiveRefresh(time.Now(), f.refreshWindow) {
		refreshed, err := f.creds.Refresh(ctx, accountID)
		if err != nil {
			return nil, fmt.Errorf("proactively refreshing credentials for %s: %w", accountID, err)
		}
		creds = refreshed
	}
	base := newHTTPClient(f.baseURL, creds)
	wrapped := &refreshingClient{factory: f, accountID: accountID, underlying: base}

	if !opts.SkipValidation {
		if _, _, err := wrapped.Me(ctx); err != nil {
			return nil, fmt.Errorf("validating client for %s: %w", accountID, err)
		}
	}
	return wrapped, nil
}

// Invalidate drops any cached client for accountID, forcing the next
// ClientFor to rebuild from the current credential store state.
func (f *Factory) Invalidate(accountID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.cache, accountID)
}

// refreshingClient wraps an httpClient and retries exactly once through a
// credential refresh when the platform returns HTTP 401.
type refreshingClient struct {
	factory    *Factory
	accountID  string
	underlying Client
}

func isUnauthorized(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 401
	}
	return false
}

func (c *refreshingClient) rebuild(ctx context.Context) error {
	if _, err := c.factory.creds.Refresh(ctx, c.accountID); err != nil {
		return err
	}
	creds, _, err := c.factory.creds.Get(c.accountID)
	if err != nil {
		return err
	}
	c.underlying = newHTTPClient(c.factory.baseURL, creds)
	c.factory.Invalidate(c.accountID)
	return nil
}

func (c *refreshingClient) Search(ctx context.Context, query string, params SearchParams) (SearchResult, RateLimitInfo, error) {
	res, rl, err := c.underlying.Search(ctx, query, params)
	if err != nil && isUnauthorized(err) {
		if rerr := c.rebuild(ctx); rerr == nil {
			return c.underlying.Search(ctx, query, params)
		}
	}
	return res, rl, err
}

func (c *refreshingClient) Like(ctx context.Context, userID, postID string) (RateLimitInfo, error) {
	rl, err := c.underlying.Like(ctx, userID, postID)
	if err != nil && isUnauthorized(err) {
		if rerr := c.rebuild(ctx); rerr == nil {
			return c.underlying.Like(ctx, userID, postID)
		}
	}
	return rl, err
}

func (c *refreshingClient) Repost(ctx context.Context, userID, postID string) (RateLimitInfo, error) {
	rl, err := c.underlying.Repost(ctx, userID, postID)
	if err != nil && isUnauthorized(err) {
		if rerr := c.rebuild(ctx); rerr == nil {
			return c.underlying.Repost(ctx, userID, postID)
		}
	}
	return rl, err
}

func (c *refreshingClient) Reply(ctx context.Context, text, inReplyTo, mediaID string) (RateLimitInfo, error) {
	rl, err := c.underlying.Reply(ctx, text, inReplyTo, mediaID)
	if err != nil && isUnauthorized(err) {
		if rerr := c.rebuild(ctx); rerr == nil {
			return c.underlying.Reply(ctx, text, inReplyTo, mediaID)
		}
	}
	return rl, err
}

func (c *refreshingClient) Me(ctx context.Context) (MeResult, RateLimitInfo, error) {
	res, rl, err := c.underlying.Me(ctx)
	if err != nil && isUnauthorized(err) {
		if rerr := c.rebuild(ctx); rerr == nil {
			return c.underlying.Me(ctx)
		}
	}
	return res, rl, err
}
