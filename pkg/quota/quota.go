// Package quota tracks a global daily action budget, split evenly across
// active accounts with the remainder going to the earliest-added accounts,
// and enforces per-account, per-global-pack limits atomically.
package quota

import (
	"errors"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/wisbric/autoengine/internal/atomicfile"
	"github.com/wisbric/autoengine/internal/telemetry"
	"github.com/wisbric/autoengine/pkg/model"
)

// accountEntry is one account's allocation bookkeeping, ordered by AddedAt
// so remainder shares and quota snapshots are deterministic.
type accountEntry struct {
	AddedAt   time.Time         `json:"added_at"`
	DailyLimit int              `json:"daily_limit"`
	DailyUsed model.QuotaDistribution `json:"daily_used"`
}

type fileState struct {
	GlobalTotal int                      `json:"global_total"`
	GlobalUsed  int                      `json:"global_used"`
	DailyLimit  int                      `json:"daily_limit"`
	DailyUsed   int                      `json:"daily_used"`
	Distribution model.QuotaDistribution `json:"distribution"`
	Accounts    map[string]*accountEntry `json:"accounts"`
	LastReset   string                   `json:"last_reset_date"` // YYYY-MM-DD, UTC
}

// Weights assigns the per-kind share of an account's daily limit used when
// computing its per-kind cap; the default is like=0.40, repost=0.10,
// reply=0.50.
type Weights struct {
	Like, Repost, Reply float64
}

// Ledger guards all mutation through Consume/CanConsume under mu; the
// on-disk snapshot is flushed at most once per second (debounced) so a burst
// of consumes doesn't serialize on disk I/O.
type Ledger struct {
	path    string
	weights Weights
	now     func() time.Time

	mu    sync.Mutex
	state fileState

	flushMu      sync.Mutex
	pendingFlush bool
	lastFlush    time.Time
}

// NewLedger loads path if it exists, or starts empty. globalTotal and
// dailyLimit seed the pack's fixed ceilings; they are re-applied on every
// load so config changes take effect without manual ledger editing.
func NewLedger(path string, globalTotal, dailyLimit int, weights Weights, now func() time.Time) (*Ledger, error) {
	if now == nil {
		now = time.Now
	}
	l := &Ledger{path: path, weights: weights, now: now}
	var loaded fileState
	if err := atomicfile.ReadJSON(path, &loaded); err == nil {
		l.state = loaded
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if l.state.Accounts == nil {
		l.state.Accounts = make(map[string]*accountEntry)
	}
	l.state.GlobalTotal = globalTotal
	l.state.DailyLimit = dailyLimit
	l.resetIfNewDayLocked()
	return l, nil
}

// RegisterAccount adds accountID to the allocation pool (no-op if present)
// and recomputes the even-share-plus-remainder distribution.
func (l *Ledger) RegisterAccount(accountID string, addedAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.state.Accounts[accountID]; !ok {
		l.state.Accounts[accountID] = &accountEntry{AddedAt: addedAt}
	}
	l.recomputeAllocationLocked()
	l.scheduleFlush()
}

// RemoveAccount drops accountID from the pool and recomputes.
func (l *Ledger) RemoveAccount(accountID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.state.Accounts, accountID)
	l.recomputeAllocationLocked()
	l.scheduleFlush()
}

// recomputeAllocationLocked splits DailyLimit evenly across registered
// accounts; any remainder (DailyLimit % n) goes one-each to the accounts
// with the earliest AddedAt, so allocation is deterministic and stable
// across process restarts.
func (l *Ledger) recomputeAllocationLocked() {
	n := len(l.state.Accounts)
	if n == 0 {
		return
	}
	share := l.state.DailyLimit / n
	remainder := l.state.DailyLimit % n

	ids := make([]string, 0, n)
	for id := range l.state.Accounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return l.state.Accounts[ids[i]].AddedAt.Before(l.state.Accounts[ids[j]].AddedAt)
	})

	for i, id := range ids {
		limit := share
		if i < remainder {
			limit++
		}
		l.state.Accounts[id].DailyLimit = limit
	}
}

func (l *Ledger) resetIfNewDayLocked() {
	today := l.now().UTC().Format("2006-01-02")
	if l.state.LastReset == today {
		return
	}
	l.state.LastReset = today
	l.state.GlobalUsed = 0
	l.state.DailyUsed = 0
	l.state.Distribution = model.QuotaDistribution{}
	for _, a := range l.state.Accounts {
		a.DailyUsed = model.QuotaDistribution{}
	}
}

// CanConsume reports whether one action of kind by accountID would fit
// within both the account's remaining daily share and the global pack,
// without mutating state.
func (l *Ledger) CanConsume(accountID string, kind model.ActionKind) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetIfNewDayLocked()
	return l.canConsumeLocked(accountID, kind)
}

func (l *Ledger) canConsumeLocked(accountID string, kind model.ActionKind) bool {
	if l.state.GlobalUsed >= l.state.GlobalTotal {
		return false
	}
	acct, ok := l.state.Accounts[accountID]
	if !ok {
		return false
	}
	return usedOf(acct.DailyUsed, kind) < perKindCap(acct.DailyLimit, kind, l.weights)
}

// Consume attempts to atomically record one action of kind by accountID. It
// never partially applies: either the whole consume succeeds, or nothing
// changes and a telemetry.QuotaDeniedTotal counter is incremented with the
// reason.
func (l *Ledger) Consume(accountID string, kind model.ActionKind) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetIfNewDayLocked()

	if l.state.GlobalUsed >= l.state.GlobalTotal {
		telemetry.QuotaDeniedTotal.WithLabelValues("global_exhausted").Inc()
		return false
	}
	acct, ok := l.state.Accounts[accountID]
	if !ok {
		telemetry.QuotaDeniedTotal.WithLabelValues("unknown_account").Inc()
		return false
	}
	if usedOf(acct.DailyUsed, kind) >= perKindCap(acct.DailyLimit, kind, l.weights) {
		telemetry.QuotaDeniedTotal.WithLabelValues("account_kind_exhausted").Inc()
		return false
	}

	addTo(&acct.DailyUsed, kind)
	addTo(&l.state.Distribution, kind)
	l.state.GlobalUsed++
	l.state.DailyUsed++

	telemetry.QuotaUsedTotal.Set(float64(l.state.GlobalUsed))
	telemetry.QuotaDailyUsed.Set(float64(l.state.DailyUsed))
	l.scheduleFlush()
	return true
}

// Snapshot returns a read-only copy of the ledger's current state.
func (l *Ledger) Snapshot() model.QuotaSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetIfNewDayLocked()

	accounts := make(map[string]model.AccountQuota, len(l.state.Accounts))
	for id, a := range l.state.Accounts {
		accounts[id] = model.AccountQuota{DailyLimit: a.DailyLimit, DailyUsed: a.DailyUsed}
	}
	return model.QuotaSnapshot{
		GlobalTotal:  l.state.GlobalTotal,
		GlobalUsed:   l.state.GlobalUsed,
		DailyLimit:   l.state.DailyLimit,
		DailyUsed:    l.state.DailyUsed,
		Distribution: l.state.Distribution,
		Accounts:     accounts,
		LastReset:    l.state.LastReset,
	}
}

// scheduleFlush must be called with mu held. It performs an immediate flush
// if at least a second has passed since the last one, otherwise marks a
// flush pending; Flush (or the next Consume a second later) picks it up.
func (l *Ledger) scheduleFlush() {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()
	if time.Since(l.lastFlush) < time.Second {
		l.pendingFlush = true
		return
	}
	l.lastFlush = time.Now()
	l.pendingFlush = false
	snapshot := l.state
	go func() { _ = atomicfile.WriteJSON(l.path, snapshot) }()
}

// Flush forces an immediate synchronous write, bypassing the debounce. Used
// on graceful shutdown so no consume is lost.
func (l *Ledger) Flush() error {
	l.mu.Lock()
	snapshot := l.state
	l.mu.Unlock()
	l.flushMu.Lock()
	l.lastFlush = time.Now()
	l.pendingFlush = false
	l.flushMu.Unlock()
	return atomicfile.WriteJSON(l.path, snapshot)
}

func usedOf(d model.QuotaDistribution, kind model.ActionKind) int {
	switch kind {
	case model.ActionLike:
		return d.Like
	case model.ActionRepost:
		return d.Repost
	case model.ActionReply:
		return d.Reply
	}
	return 0
}

func addTo(d *model.QuotaDistribution, kind model.ActionKind) {
	switch kind {
	case model.ActionLike:
		d.Like++
	case model.ActionRepost:
		d.Repost++
	case model.ActionReply:
		d.Reply++
	}
}

func perKindCap(dailyLimit int, kind model.ActionKind, w Weights) int {
	var weight float64
	switch kind {
	case model.ActionLike:
		weight = w.Like
	case model.ActionRepost:
		weight = w.Repost
	case model.ActionReply:
		weight = w.Reply
	}
	limit := int(float64(dailyLimit) * weight)
	if limit < 1 {
		limit = 1
	}
	return limit
}
