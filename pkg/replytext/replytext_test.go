package replytext

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/wisbric/autoengine/pkg/model"
)

func TestNormalizeDedupsAndCaps(t *testing.T) {
	in := []string{"hello", "hello", "  world  ", ""}
	out := Normalize(in, 10)
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2 (deduped, blank dropped), got %v", len(out), out)
	}
	if out[0] != "hello" || out[1] != "world" {
		t.Fatalf("out = %v, want [hello world]", out)
	}
}

func TestNormalizeTruncatesToMaxLength(t *testing.T) {
	long := strings.Repeat("x", MaxTextLength+50)
	out := Normalize([]string{long}, 10)
	if len(out[0]) != MaxTextLength {
		t.Fatalf("len(out[0]) = %d, want %d", len(out[0]), MaxTextLength)
	}
}

func TestNormalizeRespectsMaxLen(t *testing.T) {
	out := Normalize([]string{"a", "b", "c"}, 2)
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2", len(out))
	}
}

func TestHTTPProviderGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(generateResponse{Texts: []string{"nice post!", "nice post!", "great thread"}})
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "key")
	posts := []model.Post{{PostID: "P1", Text: "a"}, {PostID: "P2", Text: "b"}}
	texts, err := p.Generate(context.Background(), posts, "friendly")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(texts) != 2 {
		t.Fatalf("len(texts) = %d, want 2 (deduped + capped to batch size)", len(texts))
	}
}

func TestHTTPProviderDropsOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "")
	texts, err := p.Generate(context.Background(), []model.Post{{PostID: "P1", Text: "a"}}, "friendly")
	if err != nil {
		t.Fatalf("Generate should not return an error on provider failure, got: %v", err)
	}
	if texts != nil {
		t.Fatalf("texts = %v, want nil (dropped, not retried)", texts)
	}
}

func TestImagePolicyDisabled(t *testing.T) {
	p := ImagePolicy{Enabled: false, Probability: 1.0, Dir: "reply-images"}
	media, err := p.Attach(func(string) ([]string, error) { return []string{"a.png"}, nil })
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if media != "" {
		t.Fatalf("media = %q, want empty when policy disabled", media)
	}
}

func TestImagePolicyEmptyDirectory(t *testing.T) {
	p := ImagePolicy{Enabled: true, Probability: 1.0, Dir: "reply-images"}
	media, err := p.Attach(func(string) ([]string, error) { return nil, nil })
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if media != "" {
		t.Fatalf("media = %q, want empty with no candidate images", media)
	}
}

func TestImagePolicyAlwaysAttachesAtProbabilityOne(t *testing.T) {
	p := ImagePolicy{Enabled: true, Probability: 1.0, Dir: "reply-images"}
	names := []string{"a.png", "b.png", "c.png"}
	media, err := p.Attach(func(string) ([]string, error) { return names, nil })
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	found := false
	for _, n := range names {
		if n == media {
			found = true
		}
	}
	if !found {
		t.Fatalf("media = %q, want one of %v", media, names)
	}
}
