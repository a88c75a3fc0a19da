// Package scanner walks the watch-list in chunks on each Supervisor tick,
// searches for new posts using a rotating account client, and filters down
// to posts worth handing to the Planner.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/wisbric/autoengine/internal/telemetry"
	"github.com/wisbric/autoengine/pkg/apiclient"
	"github.com/wisbric/autoengine/pkg/idempotency"
	"github.com/wisbric/autoengine/pkg/model"
)

// ChunkSize is the max number of watch-list handles per search query.
const ChunkSize = 10

// PageLimit is the max number of items paged per chunk.
const PageLimit = 10

// Result is one chunk's surviving posts plus the account whose client was
// used to search it — the Planner excludes that account from
// action-consumption for these posts.
type Result struct {
	Posts            []model.Post
	ScanningAccountID string
}

// Scanner walks the watch-list and surfaces new posts worth acting on.
type Scanner struct {
	clients  *apiclient.Factory
	idem     *idempotency.Ledger
	logger   *slog.Logger
	chunkSize int
	pageLimit int

	mu          sync.Mutex
	rotateIndex int
	sinceID     map[string]string // chunk signature -> high-water-mark post id
}

// New builds a Scanner.
func New(clients *apiclient.Factory, idem *idempotency.Ledger, logger *slog.Logger) *Scanner {
	return &Scanner{
		clients:   clients,
		idem:      idem,
		logger:    logger,
		chunkSize: ChunkSize,
		pageLimit: PageLimit,
		sinceID:   make(map[string]string),
	}
}

func chunks(handles []string, size int) [][]string {
	var out [][]string
	for i := 0; i < len(handles); i += size {
		end := i + size
		if end > len(handles) {
			end = len(handles)
		}
		out = append(out, handles[i:end])
	}
	return out
}

func chunkQuery(handles []string) string {
	parts := make([]string, len(handles))
	for i, h := range handles {
		parts[i] = "from:" + h
	}
	query := ""
	for i, p := range parts {
		if i > 0 {
			query += " OR "
		}
		query += p
	}
	return query + " -is_repost -is_reply"
}

func chunkKey(handles []string) string {
	sorted := append([]string(nil), handles...)
	sort.Strings(sorted)
	key := ""
	for _, h := range sorted {
		key += h + ","
	}
	return key
}

// Scan snapshots watchList, splits it into chunks, and searches each chunk
// on a rotating account client drawn from rotationPool. activeAccountIDs is
// used for the fully-covered filter (step 4): a post already performed by
// every active account for every kind is dropped.
func (s *Scanner) Scan(ctx context.Context, watchList []string, rotationPool []string, activeAccountIDs []string) ([]Result, error) {
	if len(rotationPool) == 0 {
		return nil, fmt.Errorf("scanner: no accounts available to rotate through")
	}

	var results []Result
	for _, chunk := range chunks(watchList, s.chunkSize) {
		accountID := s.nextRotationAccount(rotationPool)
		posts, err := s.scanChunk(ctx, chunk, accountID, activeAccountIDs)
		if err != nil {
			s.logger.Warn("scan chunk failed", "error", err, "account_id", accountID, "chunk_size", len(chunk))
			continue
		}
		if len(posts) > 0 {
			results = append(results, Result{Posts: posts, ScanningAccountID: accountID})
		}
	}
	return results, nil
}

func (s *Scanner) nextRotationAccount(pool []string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	account := pool[s.rotateIndex%len(pool)]
	s.rotateIndex++
	return account
}

func (s *Scanner) scanChunk(ctx context.Context, handles []string, accountID string, activeAccountIDs []string) ([]model.Post, error) {
	client, err := s.clients.ClientFor(ctx, accountID, apiclient.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("acquiring rotation client for %s: %w", accountID, err)
	}

	key := chunkKey(handles)
	s.mu.Lock()
	sinceID := s.sinceID[key]
	s.mu.Unlock()

	res, _, err := client.Search(ctx, chunkQuery(handles), apiclient.SearchParams{SinceID: sinceID, MaxResults: s.pageLimit})
	if err != nil {
		return nil, fmt.Errorf("searching chunk: %w", err)
	}
	if res.NewestID != "" {
		s.mu.Lock()
		s.sinceID[key] = res.NewestID
		s.mu.Unlock()
	}

	var surviving []model.Post
	for _, item := range res.Items {
		if item.IsReply {
			telemetry.ScanFilteredTotal.WithLabelValues("is_reply").Inc()
			continue
		}
		if item.IsRepost {
			telemetry.ScanFilteredTotal.WithLabelValues("is_repost").Inc()
			continue
		}
		if s.fullyCovered(item.PostID, activeAccountIDs) {
			telemetry.ScanFilteredTotal.WithLabelValues("fully_covered").Inc()
			continue
		}
		telemetry.ScanSurvivedTotal.Inc()
		surviving = append(surviving, model.Post{
			PostID: item.PostID, AuthorHandle: item.AuthorHandle, CreatedAt: item.CreatedAt,
			Text: item.Text, IsReply: item.IsReply, IsRepost: item.IsRepost, IsQuote: item.IsQuote,
		})
	}
	return surviving, nil
}

// fullyCovered reports whether every active account has already performed
// every action kind on postID.
func (s *Scanner) fullyCovered(postID string, activeAccountIDs []string) bool {
	if len(activeAccountIDs) == 0 {
		return false
	}
	for _, accountID := range activeAccountIDs {
		covered := s.idem.CoveredKinds(postID, accountID)
		for _, kind := range model.AllActionKinds {
			if !covered[kind] {
				return false
			}
		}
	}
	return true
}
