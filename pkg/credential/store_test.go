package credential

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/wisbric/autoengine/pkg/model"
)

func testKey() string {
	return "0123456789abcdef0123456789abcdef"[:32]
}

func newTestStore(t *testing.T, endpoint OAuthEndpoint) *Store {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	s, err := NewStore(filepath.Join(dir, "credentials.enc"), testKey(), endpoint, logger)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestAddGetRemoveAccount(t *testing.T) {
	s := newTestStore(t, OAuthEndpoint{})

	acct := model.Account{ID: "A1", Username: "alice", AuthKind: model.AuthKindLegacy, AddedAt: time.Now(), Status: model.AccountActive}
	creds := Credentials{Legacy: &Legacy{AppKey: "k", AppSecret: "s", AccessToken: "t", AccessSecret: "ts"}}

	if err := s.AddAccount(acct, creds); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}

	got, gotAcct, err := s.Get("A1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Legacy == nil || got.Legacy.AppKey != "k" {
		t.Fatalf("got wrong credentials: %+v", got)
	}
	if gotAcct.Username != "alice" {
		t.Fatalf("got wrong account: %+v", gotAcct)
	}

	if err := s.RemoveAccount("A1"); err != nil {
		t.Fatalf("RemoveAccount: %v", err)
	}
	if _, _, err := s.Get("A1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after remove, got %v", err)
	}
}

func TestReloadsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.enc")
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))

	s1, err := NewStore(path, testKey(), OAuthEndpoint{}, logger)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	acct := model.Account{ID: "A1", Username: "alice", AuthKind: model.AuthKindModern, AddedAt: time.Now(), Status: model.AccountActive}
	creds := Credentials{Modern: &Modern{AccessToken: "at", RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Hour)}}
	if err := s1.AddAccount(acct, creds); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}

	s2, err := NewStore(path, testKey(), OAuthEndpoint{}, logger)
	if err != nil {
		t.Fatalf("reopening store: %v", err)
	}
	got, _, err := s2.Get("A1")
	if err != nil {
		t.Fatalf("Get after reload: %v", err)
	}
	if got.Modern == nil || got.Modern.AccessToken != "at" {
		t.Fatalf("credentials did not survive reload: %+v", got)
	}
}

func TestRefreshSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"expires_in":    3600,
			"token_type":    "bearer",
		})
	}))
	defer srv.Close()

	s := newTestStore(t, OAuthEndpoint{ClientID: "cid", ClientSecret: "secret", TokenURL: srv.URL})
	acct := model.Account{ID: "A1", Username: "alice", AuthKind: model.AuthKindModern, AddedAt: time.Now(), Status: model.AccountActive}
	creds := Credentials{Modern: &Modern{AccessToken: "old", RefreshToken: "rt", ExpiresAt: time.Now().Add(-time.Minute)}}
	if err := s.AddAccount(acct, creds); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}

	updated, err := s.Refresh(context.Background(), "A1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if updated.Modern.AccessToken != "new-access" {
		t.Fatalf("expected refreshed access token, got %q", updated.Modern.AccessToken)
	}

	_, acctAfter, err := s.Get("A1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if acctAfter.Status != model.AccountActive {
		t.Fatalf("expected account to remain active, got %q", acctAfter.Status)
	}
}

func TestRefreshReauthRequired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
	}))
	defer srv.Close()

	s := newTestStore(t, OAuthEndpoint{ClientID: "cid", ClientSecret: "secret", TokenURL: srv.URL})
	acct := model.Account{ID: "A1", Username: "alice", AuthKind: model.AuthKindModern, AddedAt: time.Now(), Status: model.AccountActive}
	creds := Credentials{Modern: &Modern{AccessToken: "old", RefreshToken: "rt", ExpiresAt: time.Now().Add(-time.Minute)}}
	if err := s.AddAccount(acct, creds); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}

	if _, err := s.Refresh(context.Background(), "A1"); err == nil {
		t.Fatalf("expected an error from Refresh")
	}

	_, acctAfter, err := s.Get("A1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if acctAfter.Status != model.AccountRequiresReconnect {
		t.Fatalf("expected requires_reconnection, got %q", acctAfter.Status)
	}
}

func TestRefreshLegacyImmutable(t *testing.T) {
	s := newTestStore(t, OAuthEndpoint{})
	acct := model.Account{ID: "A1", Username: "alice", AuthKind: model.AuthKindLegacy, AddedAt: time.Now(), Status: model.AccountActive}
	creds := Credentials{Legacy: &Legacy{AppKey: "k", AppSecret: "s", AccessToken: "t", AccessSecret: "ts"}}
	if err := s.AddAccount(acct, creds); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}

	if _, err := s.Refresh(context.Background(), "A1"); err != ErrLegacyImmutable {
		t.Fatalf("expected ErrLegacyImmutable, got %v", err)
	}
}
