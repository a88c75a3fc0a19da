// Package credential persists per-account credentials (legacy 1-leg and
// modern 2-leg OAuth), encrypted at rest, and exposes a refresh operation
// for the modern flow.
//
// Credentials is a closed variant: exactly one of Legacy or Modern is set.
// The API Client Factory (pkg/apiclient) pattern-matches on it once, when
// it builds the account's client.
package credential

import (
	"errors"
	"time"

	"github.com/wisbric/autoengine/pkg/model"
)

// ErrNotFound is returned by Get/Refresh when the account id is unknown.
var ErrNotFound = errors.New("credential: account not found")

// ErrReauthRequired is returned by Refresh when the provider rejects the
// refresh attempt outright (the stored refresh token is no longer valid).
var ErrReauthRequired = errors.New("credential: reauthorization required")

// ErrLegacyImmutable is returned if Refresh is called on a legacy account.
var ErrLegacyImmutable = errors.New("credential: legacy credentials are immutable")

// Legacy holds a 1-leg OAuth quadruple. Immutable once registered.
type Legacy struct {
	AppKey      string
	AppSecret   string
	AccessToken string
	AccessSecret string
}

// Modern holds a 2-leg OAuth pair plus expiry and granted scopes.
type Modern struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       []string
}

// Credentials is the closed Legacy|Modern variant for one account.
type Credentials struct {
	Legacy *Legacy
	Modern *Modern
}

// Kind reports which variant is populated.
func (c Credentials) Kind() model.AuthKind {
	if c.Modern != nil {
		return model.AuthKindModern
	}
	return model.AuthKindLegacy
}

// NeedsProactiveRefresh reports whether a Modern credential's expiry falls
// within window of now.
func (c Credentials) NeedsProactiveRefresh(now time.Time, window time.Duration) bool {
	if c.Modern == nil {
		return false
	}
	return !c.Modern.ExpiresAt.IsZero() && c.Modern.ExpiresAt.Sub(now) <= window
}

// record is the on-disk shape for one account (serialized, then encrypted).
type record struct {
	Account     model.Account `json:"account"`
	Credentials Credentials   `json:"credentials"`
}

// file is the whole-store on-disk shape, prior to encryption.
type file struct {
	Records []record `json:"records"`
}
