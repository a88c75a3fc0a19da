// Package planner turns surviving posts from the Scanner into candidate
// (account, kind) PlannedActions, respecting the Quota Ledger, Idempotency
// Ledger, and Mute Registry, with randomized delays and reply-text
// binding.
package planner

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/wisbric/autoengine/pkg/idempotency"
	"github.com/wisbric/autoengine/pkg/model"
	"github.com/wisbric/autoengine/pkg/mute"
	"github.com/wisbric/autoengine/pkg/quota"
	"github.com/wisbric/autoengine/pkg/replytext"
)

// DelayBounds bounds the uniform random scheduling delay applied to every
// PlannedAction (default: 60s–120s).
type DelayBounds struct {
	Min, Max time.Duration
}

// Planner turns surviving posts into scheduled actions.
type Planner struct {
	idem    *idempotency.Ledger
	quota   *quota.Ledger
	mutes   *mute.Registry
	replies replytext.Provider
	images  replytext.ImagePolicy
	delays  DelayBounds
	now     func() time.Time
}

// New builds a Planner.
func New(idem *idempotency.Ledger, q *quota.Ledger, mutes *mute.Registry, replies replytext.Provider, images replytext.ImagePolicy, delays DelayBounds, now func() time.Time) *Planner {
	if now == nil {
		now = time.Now
	}
	return &Planner{idem: idem, quota: q, mutes: mutes, replies: replies, images: images, delays: delays, now: now}
}

// Plan computes PlannedActions for posts against accounts. excludeAccountID
// (optional; "" to not exclude any) is the scanning account for this chunk,
// which must not have actions planned against its own scan results.
func (p *Planner) Plan(ctx context.Context, posts []model.Post, accounts []model.Account, excludeAccountID string) ([]model.PlannedAction, error) {
	sortedPosts := append([]model.Post(nil), posts...)
	sort.Slice(sortedPosts, func(i, j int) bool { return sortedPosts[i].PostID < sortedPosts[j].PostID })

	eligible := eligibleAccounts(accounts, excludeAccountID)
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].AddedAt.Before(eligible[j].AddedAt) })

	var actions []model.PlannedAction
	var order uint64
	for _, post := range sortedPosts {
		replyAccounts := make([]model.Account, 0)
		for _, account := range eligible {
			if p.mutes.IsMuted(account.ID) {
				continue
			}
			for _, kind := range candidateKinds(post) {
				if p.idem.HasPerformed(post.PostID, account.ID, kind) {
					continue
				}
				if !p.quota.CanConsume(account.ID, kind) {
					continue
				}
				if kind == model.ActionReply {
					replyAccounts = append(replyAccounts, account)
					continue // bound to text below, appended after generation
				}
				actions = append(actions, p.newAction(post, account, kind, &order))
			}
		}
		if len(replyAccounts) > 0 {
			bound, err := p.bindReplies(ctx, post, replyAccounts, &order)
			if err != nil {
				return nil, fmt.Errorf("binding reply text for post %s: %w", post.PostID, err)
			}
			actions = append(actions, bound...)
		}
	}
	return actions, nil
}

func eligibleAccounts(accounts []model.Account, excludeAccountID string) []model.Account {
	out := make([]model.Account, 0, len(accounts))
	for _, a := range accounts {
		if a.ID == excludeAccountID {
			continue
		}
		if a.Status != model.AccountActive {
			continue
		}
		out = append(out, a)
	}
	return out
}

func candidateKinds(post model.Post) []model.ActionKind {
	kinds := []model.ActionKind{model.ActionLike}
	if !post.IsReply {
		kinds = append(kinds, model.ActionRepost)
	}
	kinds = append(kinds, model.ActionReply)
	return kinds
}

// bindReplies generates exactly one reply text per eligible account (no
// reuse across accounts) and drops any account for which no unique text
// is available.
func (p *Planner) bindReplies(ctx context.Context, post model.Post, accounts []model.Account, order *uint64) ([]model.PlannedAction, error) {
	if p.replies == nil || len(accounts) == 0 {
		return nil, nil
	}
	batch := make([]model.Post, len(accounts))
	for i := range accounts {
		batch[i] = post
	}
	texts, err := p.replies.Generate(ctx, batch, "engagement")
	if err != nil {
		return nil, err
	}

	var actions []model.PlannedAction
	for i, account := range accounts {
		if i >= len(texts) {
			break // provider returned fewer unique texts than requested accounts
		}
		mediaID, err := p.images.Attach(nil)
		if err != nil {
			return nil, err
		}
		action := p.newAction(post, account, model.ActionReply, order)
		action.Text = texts[i]
		action.MediaID = mediaID
		actions = append(actions, action)
	}
	return actions, nil
}

func (p *Planner) newAction(post model.Post, account model.Account, kind model.ActionKind, order *uint64) model.PlannedAction {
	delay := p.randomDelay()
	scheduledAt := p.now().Add(delay)
	*order++
	return model.PlannedAction{
		ID:          uuid.NewString(),
		PostID:      post.PostID,
		AccountID:   account.ID,
		Kind:        kind,
		ScheduledAt: scheduledAt,
		Priority:    p.priorityFor(delay),
		EnqueueOrder: *order,
	}
}

// priorityFor buckets delay into thirds of the configured [Min,Max] delay
// range: the soonest third is urgent, the middle third normal, the rest low.
func (p *Planner) priorityFor(delay time.Duration) model.Priority {
	span := p.delays.Max - p.delays.Min
	if span <= 0 {
		return model.PriorityNormal
	}
	elapsed := delay - p.delays.Min
	switch {
	case elapsed <= span/3:
		return model.PriorityUrgent
	case elapsed <= 2*span/3:
		return model.PriorityNormal
	default:
		return model.PriorityLow
	}
}

func (p *Planner) randomDelay() time.Duration {
	span := p.delays.Max - p.delays.Min
	if span <= 0 {
		return p.delays.Min
	}
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	frac := float64(binary.BigEndian.Uint64(buf[:])>>11) / (1 << 53)
	return p.delays.Min + time.Duration(frac*float64(span))
}
