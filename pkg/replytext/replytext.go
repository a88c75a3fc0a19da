// Package replytext produces deduplicated, length-capped reply texts for a
// batch of posts via a pluggable external call, and applies an optional
// image-attachment policy. Anything feeding an outbound action — the image
// attach draw included — uses crypto/rand, never math/rand.
package replytext

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/wisbric/autoengine/pkg/model"
)

// MaxTextLength is the hard cap every returned reply text must respect.
const MaxTextLength = 280

// Provider generates reply texts for a batch of posts. Implementations must
// be idempotent per call: no internal state carried between calls.
type Provider interface {
	Generate(ctx context.Context, posts []model.Post, style string) ([]string, error)
}

// HTTPProvider calls an external text-generation endpoint over HTTP: one
// typed request/response pair, bearer-key auth. A non-2xx status yields no
// texts and no error.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewHTTPProvider builds a provider pointed at baseURL, authenticated with
// apiKey.
func NewHTTPProvider(baseURL, apiKey string) *HTTPProvider {
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 20 * time.Second},
	}
}

type generateRequest struct {
	Posts []string `json:"posts"`
	Style string   `json:"style"`
}

type generateResponse struct {
	Texts []string `json:"texts"`
}

// Generate calls the external provider and then applies dedup + length-cap
// post-processing locally, so a misbehaving provider can never violate the
// contract this package promises its callers.
func (p *HTTPProvider) Generate(ctx context.Context, posts []model.Post, style string) ([]string, error) {
	texts := make([]string, len(posts))
	for i, post := range posts {
		texts[i] = post.Text
	}

	body, err := json.Marshal(generateRequest{Posts: texts, Style: style})
	if err != nil {
		return nil, fmt.Errorf("marshalling generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		// Provider failure: caller drops the reply action for this batch,
		// so we return no error here, just no texts.
		return nil, nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil
	}

	var wire generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, nil
	}
	return Normalize(wire.Texts, len(posts)), nil
}

// Normalize deduplicates texts, truncates each to MaxTextLength, and caps
// the result to at most maxLen entries — applied uniformly regardless of
// which Provider produced the raw texts.
func Normalize(texts []string, maxLen int) []string {
	seen := make(map[string]bool, len(texts))
	out := make([]string, 0, len(texts))
	for _, t := range texts {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		if len(t) > MaxTextLength {
			t = t[:MaxTextLength]
		}
		seen[t] = true
		out = append(out, t)
		if len(out) >= maxLen {
			break
		}
	}
	return out
}

// ImagePolicy decides, per reply, whether to attach a local image and which
// one. A uniform crypto/rand draw is compared against Probability; on a hit
// one of the files listed under Dir is chosen, also via crypto/rand.
type ImagePolicy struct {
	Enabled     bool
	Probability float64
	Dir         string
}

// Attach returns a media id (the image's base filename) if the policy
// fires, or "" if it doesn't (including when disabled or the directory is
// empty). listDir is injected so tests don't need a real filesystem.
func (p ImagePolicy) Attach(listDir func(dir string) ([]string, error)) (string, error) {
	if !p.Enabled || p.Probability <= 0 {
		return "", nil
	}
	if listDir == nil {
		listDir = defaultListDir
	}
	names, err := listDir(p.Dir)
	if err != nil || len(names) == 0 {
		return "", err
	}

	draw, err := randomFloat()
	if err != nil {
		return "", fmt.Errorf("drawing image attach probability: %w", err)
	}
	if draw >= p.Probability {
		return "", nil
	}

	idx, err := randomIndex(len(names))
	if err != nil {
		return "", fmt.Errorf("selecting attach image: %w", err)
	}
	return names[idx], nil
}

func defaultListDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing reply image directory %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, filepath.Base(e.Name()))
		}
	}
	sort.Strings(names)
	return names, nil
}

func randomFloat() (float64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return float64(binary.BigEndian.Uint64(buf[:])>>11) / (1 << 53), nil
}

func randomIndex(n int) (int, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return int(binary.BigEndian.Uint64(buf[:]) % uint64(n)), nil
}
