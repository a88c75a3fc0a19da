// Package idempotency answers "has accountID already performed kind on
// postID" in O(1), and persists every recorded action so a restart never
// repeats work.
package idempotency

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/wisbric/autoengine/internal/atomicfile"
	"github.com/wisbric/autoengine/internal/telemetry"
	"github.com/wisbric/autoengine/pkg/model"
)

// Entry records when accountID performed kind against a post.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
}

// fileShape is the on-disk layout: post_id -> account_id -> kind -> entry.
type fileShape struct {
	Posts map[string]map[string]map[model.ActionKind]Entry `json:"posts"`
}

// Ledger tracks which (post, account, kind) actions have already completed.
// Reads never touch disk; writes are appended to the
// in-memory map and flushed to a single snapshot file synchronously, since
// idempotency checks sit on the hot path immediately before every dispatch
// and must survive a crash between check and execute (see pkg/scheduler's
// pending-intent log for the other half of that guarantee).
type Ledger struct {
	path string

	mu    sync.RWMutex
	posts map[string]map[string]map[model.ActionKind]Entry
}

// NewLedger loads path if present, or starts empty.
func NewLedger(path string) (*Ledger, error) {
	l := &Ledger{path: path, posts: make(map[string]map[string]map[model.ActionKind]Entry)}
	var loaded fileShape
	if err := atomicfile.ReadJSON(path, &loaded); err == nil {
		if loaded.Posts != nil {
			l.posts = loaded.Posts
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return l, nil
}

// HasPerformed reports whether accountID has already performed kind on
// postID.
func (l *Ledger) HasPerformed(postID, accountID string, kind model.ActionKind) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	hit := l.lookupLocked(postID, accountID, kind)
	if hit {
		telemetry.IdempotencyHitsTotal.Inc()
	}
	return hit
}

func (l *Ledger) lookupLocked(postID, accountID string, kind model.ActionKind) bool {
	byAccount, ok := l.posts[postID]
	if !ok {
		return false
	}
	byKind, ok := byAccount[accountID]
	if !ok {
		return false
	}
	_, ok = byKind[kind]
	return ok
}

// Record marks postID/accountID/kind as performed at ts and flushes the
// snapshot to disk. Safe to call more than once for the same triple; later
// calls are no-ops against the in-memory map (first write wins).
func (l *Ledger) Record(postID, accountID string, kind model.ActionKind, ts time.Time) error {
	l.mu.Lock()
	if l.lookupLocked(postID, accountID, kind) {
		l.mu.Unlock()
		return nil
	}
	if l.posts[postID] == nil {
		l.posts[postID] = make(map[string]map[model.ActionKind]Entry)
	}
	if l.posts[postID][accountID] == nil {
		l.posts[postID][accountID] = make(map[model.ActionKind]Entry)
	}
	l.posts[postID][accountID][kind] = Entry{Timestamp: ts}
	snapshot := l.snapshotLocked()
	l.mu.Unlock()
	return atomicfile.WriteJSON(l.path, snapshot)
}

func (l *Ledger) snapshotLocked() fileShape {
	return fileShape{Posts: l.posts}
}

// CoveredKinds returns the set of ActionKind already performed by accountID
// on postID, used by the Planner to skip candidate kinds up front rather
// than relying solely on the Scheduler's re-check.
func (l *Ledger) CoveredKinds(postID, accountID string) map[model.ActionKind]bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	covered := make(map[model.ActionKind]bool)
	byAccount, ok := l.posts[postID]
	if !ok {
		return covered
	}
	for kind := range byAccount[accountID] {
		covered[kind] = true
	}
	return covered
}
