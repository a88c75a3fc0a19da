package credential

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/wisbric/autoengine/internal/telemetry"
	"github.com/wisbric/autoengine/pkg/model"
)

// OAuthEndpoint describes where modern-credential refreshes are sent. The
// platform's actual client id/secret are provider-wide, not per-account.
type OAuthEndpoint struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
}

// Store persists Account + Credentials pairs, encrypted at rest, and
// exposes refresh for modern accounts.
//
// Concurrency: a per-account mutex so refreshes for one account never
// serialize behind another, plus a coarse mutex protecting the accounts
// map itself and the write-through cache.
type Store struct {
	path     string
	key      []byte
	endpoint OAuthEndpoint
	logger   *slog.Logger

	mu       sync.RWMutex
	accounts map[string]*record

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewStore loads (or initializes) the credential store at path, encrypted
// with encryptionKey (32 raw bytes, given directly or as hex or base64).
func NewStore(path, encryptionKey string, endpoint OAuthEndpoint, logger *slog.Logger) (*Store, error) {
	key, err := parseKey(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("credential store: %w", err)
	}
	s := &Store{
		path:     path,
		key:      key,
		endpoint: endpoint,
		logger:   logger,
		accounts: make(map[string]*record),
		locks:    make(map[string]*sync.Mutex),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) lockFor(accountID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[accountID] = l
	}
	return l
}

func (s *Store) load() error {
	var f file
	raw, err := readEncrypted(s.path, s.key)
	if err != nil {
		if isNotExist(err) {
			return nil // first run, nothing persisted yet
		}
		return fmt.Errorf("loading credential store: %w", err)
	}
	if err := decodeFile(raw, &f); err != nil {
		return fmt.Errorf("decoding credential store: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range f.Records {
		r := f.Records[i]
		s.accounts[r.Account.ID] = &r
	}
	return nil
}

func (s *Store) flushLocked() error {
	f := file{Records: make([]record, 0, len(s.accounts))}
	for _, r := range s.accounts {
		f.Records = append(f.Records, *r)
	}
	return writeEncrypted(s.path, s.key, f)
}

// List returns every known account (without credential material).
func (s *Store) List() []model.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Account, 0, len(s.accounts))
	for _, r := range s.accounts {
		out = append(out, r.Account)
	}
	return out
}

// Get returns the credentials and account metadata for accountID.
func (s *Store) Get(accountID string) (Credentials, model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.accounts[accountID]
	if !ok {
		return Credentials{}, model.Account{}, ErrNotFound
	}
	return r.Credentials, r.Account, nil
}

// AddAccount registers a new account with its credentials, persisting
// immediately.
func (s *Store) AddAccount(acct model.Account, creds Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[acct.ID] = &record{Account: acct, Credentials: creds}
	return s.flushLocked()
}

// RemoveAccount deletes an account and its credentials.
func (s *Store) RemoveAccount(accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, accountID)
	return s.flushLocked()
}

// MarkRequiresReconnection flips an account's status so the Planner
// excludes it from future planning until it is reconnected.
func (s *Store) MarkRequiresReconnection(accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.accounts[accountID]
	if !ok {
		return ErrNotFound
	}
	r.Account.Status = model.AccountRequiresReconnect
	return s.flushLocked()
}

// Refresh performs a modern-credential OAuth2 refresh, atomically replacing
// the stored token and expiry. Legacy credentials cannot be refreshed.
func (s *Store) Refresh(ctx context.Context, accountID string) (Credentials, error) {
	lock := s.lockFor(accountID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	r, ok := s.accounts[accountID]
	if !ok {
		s.mu.Unlock()
		return Credentials{}, ErrNotFound
	}
	if r.Credentials.Modern == nil {
		s.mu.Unlock()
		return Credentials{}, ErrLegacyImmutable
	}
	current := *r.Credentials.Modern
	s.mu.Unlock()

	cfg := &oauth2.Config{
		ClientID:     s.endpoint.ClientID,
		ClientSecret: s.endpoint.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: s.endpoint.TokenURL},
	}
	// Force the token source to treat the token as expired so it always
	// exercises the refresh_token grant rather than returning the cached
	// access token unchanged.
	expired := &oauth2.Token{
		AccessToken:  current.AccessToken,
		RefreshToken: current.RefreshToken,
		Expiry:       time.Now().Add(-time.Hour),
	}
	newTok, err := cfg.TokenSource(ctx, expired).Token()
	if err != nil {
		telemetry.TokenRefreshTotal.WithLabelValues("reauth_required").Inc()
		if markErr := s.MarkRequiresReconnection(accountID); markErr != nil {
			s.logger.Error("marking account requires_reconnection", "account_id", accountID, "error", markErr)
		}
		return Credentials{}, fmt.Errorf("%w: %v", ErrReauthRequired, err)
	}

	updated := Modern{
		AccessToken:  newTok.AccessToken,
		RefreshToken: current.RefreshToken,
		ExpiresAt:    newTok.Expiry,
		Scopes:       current.Scopes,
	}
	if newTok.RefreshToken != "" {
		updated.RefreshToken = newTok.RefreshToken
	}

	s.mu.Lock()
	r.Credentials.Modern = &updated
	err = s.flushLocked()
	s.mu.Unlock()
	if err != nil {
		return Credentials{}, fmt.Errorf("persisting refreshed credentials: %w", err)
	}

	telemetry.TokenRefreshTotal.WithLabelValues("ok").Inc()
	return Credentials{Modern: &updated}, nil
}
