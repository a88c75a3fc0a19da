package scanner

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

	"github.com/wisbric/autoengine/pkg/apiclient"
	"github.com/wisbric/autoengine/pkg/credential"
	"github.com/wisbric/autoengine/pkg/idempotency"
	"github.com/wisbric/autoengine/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// fakeClient implements apiclient.Client for scanner tests without an HTTP
// server.
type fakeClient struct {
	items []apiclient.SearchItem
}

func (f *fakeClient) Search(ctx context.Context, query string, params apiclient.SearchParams) (apiclient.SearchResult, apiclient.RateLimitInfo, error) {
	return apiclient.SearchResult{Items: f.items, NewestID: "last"}, apiclient.RateLimitInfo{}, nil
}
func (f *fakeClient) Like(ctx context.Context, userID, postID string) (apiclient.RateLimitInfo, error) {
	return apiclient.RateLimitInfo{}, nil
}
func (f *fakeClient) Repost(ctx context.Context, userID, postID string) (apiclient.RateLimitInfo, error) {
	return apiclient.RateLimitInfo{}, nil
}
func (f *fakeClient) Reply(ctx context.Context, text, inReplyTo, mediaID string) (apiclient.RateLimitInfo, error) {
	return apiclient.RateLimitInfo{}, nil
}
func (f *fakeClient) Me(ctx context.Context) (apiclient.MeResult, apiclient.RateLimitInfo, error) {
	return apiclient.MeResult{}, apiclient.RateLimitInfo{}, nil
}

func TestChunksSplitsIntoBoundedGroups(t *testing.T) {
	handles := make([]string, 25)
	for i := range handles {
		handles[i] = "h"
	}
	got := chunks(handles, ChunkSize)
	if len(got) != 3 {
		t.Fatalf("len(chunks) = %d, want 3", len(got))
	}
	if len(got[0]) != 10 || len(got[1]) != 10 || len(got[2]) != 5 {
		t.Fatalf("chunk sizes = %d/%d/%d, want 10/10/5", len(got[0]), len(got[1]), len(got[2]))
	}
}

func TestChunkQueryBuildsFromClauseAndExclusions(t *testing.T) {
	q := chunkQuery([]string{"alice", "bob"})
	want := "from:alice OR from:bob -is_repost -is_reply"
	if q != want {
		t.Fatalf("chunkQuery = %q, want %q", q, want)
	}
}

func TestFullyCoveredFiltersPostsDoneByEveryAccount(t *testing.T) {
	dir := t.TempDir()
	idem, err := idempotency.NewLedger(filepath.Join(dir, "idempotency.json"))
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	s := New(nil, idem, testLogger())

	now := time.Now()
	_ = idem.Record("P1", "A1", model.ActionLike, now)
	_ = idem.Record("P1", "A1", model.ActionRepost, now)
	_ = idem.Record("P1", "A1", model.ActionReply, now)
	_ = idem.Record("P1", "A2", model.ActionLike, now)
	_ = idem.Record("P1", "A2", model.ActionRepost, now)
	_ = idem.Record("P1", "A2", model.ActionReply, now)

	if !s.fullyCovered("P1", []string{"A1", "A2"}) {
		t.Fatal("P1 should be fully covered by A1 and A2 across all kinds")
	}
	if s.fullyCovered("P2", []string{"A1", "A2"}) {
		t.Fatal("P2 was never recorded and must not be fully covered")
	}

	// A2 is missing a reply record for P3.
	_ = idem.Record("P3", "A1", model.ActionLike, now)
	_ = idem.Record("P3", "A1", model.ActionRepost, now)
	_ = idem.Record("P3", "A1", model.ActionReply, now)
	_ = idem.Record("P3", "A2", model.ActionLike, now)
	_ = idem.Record("P3", "A2", model.ActionRepost, now)
	if s.fullyCovered("P3", []string{"A1", "A2"}) {
		t.Fatal("P3 is missing A2's reply, must not be fully covered")
	}
}

func TestScanSearchesChunksAgainstPlatformAPI(t *testing.T) {
	platform := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/me" { // the factory's validation probe
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "u1", "username": "scanner"})
			return
		}
		if r.URL.Path != "/search" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{
				{
					"id":            "P1",
					"author_handle": "alice",
					"created_at":    time.Now().UTC().Format(time.RFC3339),
					"text":          "hello world",
					"is_reply":      false,
					"is_repost":     false,
					"is_quote":      false,
				},
				{
					"id":            "P2",
					"author_handle": "alice",
					"created_at":    time.Now().UTC().Format(time.RFC3339),
					"text":          "a reply, should be filtered",
					"is_reply":      true,
					"is_repost":     false,
					"is_quote":      false,
				},
			},
			"newest_id": "P1",
		})
	}))
	defer platform.Close()

	dir := t.TempDir()
	store, err := credential.NewStore(filepath.Join(dir, "credentials.enc"), "0123456789abcdef0123456789abcdef",
		credential.OAuthEndpoint{}, testLogger())
	if err != nil {
		t.Fatalf("credential.NewStore: %v", err)
	}
	acct := model.Account{ID: "A1", Username: "bot1", AuthKind: model.AuthKindLegacy, AddedAt: time.Now(), Status: model.AccountActive}
	creds := credential.Credentials{Legacy: &credential.Legacy{AppKey: "k", AppSecret: "s", AccessToken: "t", AccessSecret: "ts"}}
	if err := store.AddAccount(acct, creds); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}

	idem, err := idempotency.NewLedger(filepath.Join(dir, "idempotency.json"))
	if err != nil {
		t.Fatalf("idempotency.NewLedger: %v", err)
	}

	factory := apiclient.NewFactory(store, platform.URL, time.Minute, 0)
	s := New(factory, idem, testLogger())

	results, err := s.Scan(context.Background(), []string{"alice"}, []string{"A1"}, []string{"A1"})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(results))
	}
	if results[0].ScanningAccountID != "A1" {
		t.Fatalf("ScanningAccountID = %q, want A1", results[0].ScanningAccountID)
	}
	if len(results[0].Posts) != 1 {
		t.Fatalf("len(posts) = %d, want 1 (reply must be filtered)", len(results[0].Posts))
	}
	if results[0].Posts[0].PostID != "P1" {
		t.Fatalf("posts[0].PostID = %q, want P1", results[0].Posts[0].PostID)
	}
}

func TestNextRotationAccountCyclesThroughPool(t *testing.T) {
	s := New(nil, nil, testLogger())
	pool := []string{"A1", "A2", "A3"}
	got := []string{
		s.nextRotationAccount(pool),
		s.nextRotationAccount(pool),
		s.nextRotationAccount(pool),
		s.nextRotationAccount(pool),
	}
	want := []string{"A1", "A2", "A3", "A1"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rotation[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}
