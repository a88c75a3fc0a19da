// Package mute implements the Mute Registry. It suspends dispatch for an
// account until a deadline, with max-merge semantics so overlapping mutes
// never shorten an existing suspension: mute(A,d1) then mute(A,d2) leaves
// the account muted until max(d1,d2).
package mute

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/wisbric/autoengine/internal/atomicfile"
	"github.com/wisbric/autoengine/internal/telemetry"
	"github.com/wisbric/autoengine/pkg/model"
)

type fileShape struct {
	Accounts map[string]model.MuteRecord `json:"accounts"`
}

// Registry tracks per-account mute deadlines.
type Registry struct {
	path string
	now  func() time.Time

	mu       sync.RWMutex
	accounts map[string]model.MuteRecord
}

// NewRegistry loads path if present, or starts empty.
func NewRegistry(path string, now func() time.Time) (*Registry, error) {
	if now == nil {
		now = time.Now
	}
	r := &Registry{path: path, now: now, accounts: make(map[string]model.MuteRecord)}
	var loaded fileShape
	if err := atomicfile.ReadJSON(path, &loaded); err == nil {
		if loaded.Accounts != nil {
			r.accounts = loaded.Accounts
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return r, nil
}

// Mute suspends accountID until now+duration, for reason. If accountID is
// already muted with a later deadline, the existing deadline is kept
// (max-merge): a fresh, shorter mute never shortens an active one.
func (r *Registry) Mute(accountID string, duration time.Duration, reason string) error {
	r.mu.Lock()
	candidate := r.now().Add(duration)
	existing, ok := r.accounts[accountID]
	if ok && existing.Until.After(candidate) {
		r.mu.Unlock()
		return nil
	}
	r.accounts[accountID] = model.MuteRecord{Until: candidate, Reason: reason}
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	telemetry.MutesAppliedTotal.WithLabelValues(reason).Inc()
	return atomicfile.WriteJSON(r.path, snapshot)
}

// IsMuted reports whether accountID is currently muted.
func (r *Registry) IsMuted(accountID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.accounts[accountID]
	if !ok {
		return false
	}
	return r.now().Before(rec.Until)
}

// Until returns the mute deadline for accountID and whether one exists
// (expired entries still return their stale deadline; callers should pair
// this with IsMuted).
func (r *Registry) Until(accountID string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.accounts[accountID]
	return rec.Until, ok
}

// Clear removes any mute on accountID immediately. The control surface
// exposes no unmute route that calls it.
func (r *Registry) Clear(accountID string) error {
	r.mu.Lock()
	delete(r.accounts, accountID)
	snapshot := r.snapshotLocked()
	r.mu.Unlock()
	return atomicfile.WriteJSON(r.path, snapshot)
}

// Snapshot returns a copy of every account's mute state, expired or not.
func (r *Registry) Snapshot() map[string]model.MuteRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]model.MuteRecord, len(r.accounts))
	for k, v := range r.accounts {
		out[k] = v
	}
	return out
}

func (r *Registry) snapshotLocked() fileShape {
	cp := make(map[string]model.MuteRecord, len(r.accounts))
	for k, v := range r.accounts {
		cp[k] = v
	}
	return fileShape{Accounts: cp}
}
