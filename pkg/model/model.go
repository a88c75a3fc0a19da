// Package model holds the entity types shared across the automation engine:
// accounts, watch targets, posts, planned actions, receipts, and quota/mute
// snapshots. None of these types own persistence; that belongs to the
// package that is the source of truth for each (credential, quota,
// idempotency, mute).
package model

import "time"

// AuthKind distinguishes the two supported credential shapes.
type AuthKind string

const (
	AuthKindLegacy AuthKind = "legacy"
	AuthKindModern AuthKind = "modern"
)

// AccountStatus tracks whether an account can currently be dispatched to.
type AccountStatus string

const (
	AccountActive              AccountStatus = "active"
	AccountRequiresReconnect   AccountStatus = "requires_reconnection"
)

// Account is an authenticated identity usable to perform actions.
type Account struct {
	ID       string
	Username string
	AuthKind AuthKind
	AddedAt  time.Time
	Status   AccountStatus
}

// ActionKind enumerates the engagement actions the engine can perform.
type ActionKind string

const (
	ActionLike   ActionKind = "like"
	ActionRepost ActionKind = "repost"
	ActionReply  ActionKind = "reply"
)

// AllActionKinds lists every kind in a fixed, stable order — used wherever a
// deterministic iteration order matters (allocation, snapshot rendering).
var AllActionKinds = []ActionKind{ActionLike, ActionRepost, ActionReply}

// Post is a discovered item from the watch-list scan. It is ephemeral: only
// its ID feeds the idempotency ledger, nothing else about it is persisted.
type Post struct {
	PostID       string
	AuthorHandle string
	CreatedAt    time.Time
	Text         string
	IsReply      bool
	IsRepost     bool
	IsQuote      bool
}

// Priority buckets a PlannedAction by how soon it must execute.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// PlannedAction is a single (post, account, kind) unit of work queued by the
// Planner and consumed by a per-account scheduler worker.
type PlannedAction struct {
	ID           string
	PostID       string
	AccountID    string
	Kind         ActionKind
	Text         string // bound reply text, only set for ActionReply
	MediaID      string // optional reply image attachment
	ScheduledAt  time.Time
	Priority     Priority
	AttemptCount int
	EnqueueOrder uint64 // tie-break for strict FIFO at identical ScheduledAt
}

// ReceiptStatus is the terminal outcome class recorded for an attempt.
type ReceiptStatus string

const (
	ReceiptOK           ReceiptStatus = "ok"
	ReceiptDuplicate    ReceiptStatus = "duplicate"
	ReceiptRateLimited  ReceiptStatus = "rate_limited"
	ReceiptAuthFailed   ReceiptStatus = "auth_failed"
	ReceiptFatal        ReceiptStatus = "fatal"
	ReceiptQuotaBlocked ReceiptStatus = "quota_blocked"
	ReceiptCancelled    ReceiptStatus = "cancelled"
)

// ActionReceipt is the immutable record of an attempted action.
type ActionReceipt struct {
	PostID     string        `json:"post_id"`
	AccountID  string        `json:"account_id"`
	Kind       ActionKind    `json:"kind"`
	Status     ReceiptStatus `json:"status"`
	Timestamp  time.Time     `json:"timestamp"`
	ErrorClass string        `json:"error_class,omitempty"`
}

// QuotaDistribution tracks per-kind usage within a day.
type QuotaDistribution struct {
	Like   int `json:"like"`
	Repost int `json:"repost"`
	Reply  int `json:"reply"`
}

// AccountQuota is one account's share of the daily budget.
type AccountQuota struct {
	DailyLimit int               `json:"daily_limit"`
	DailyUsed  QuotaDistribution `json:"daily_used"`
}

// QuotaSnapshot is a read-only view of the quota ledger's state.
type QuotaSnapshot struct {
	GlobalTotal  int                     `json:"global_total"`
	GlobalUsed   int                     `json:"global_used"`
	DailyLimit   int                     `json:"daily_limit"`
	DailyUsed    int                     `json:"daily_used"`
	Distribution QuotaDistribution       `json:"distribution"`
	Accounts     map[string]AccountQuota `json:"accounts"`
	LastReset    string                  `json:"last_reset_date"`
}

// MuteRecord is a time-bounded suspension of dispatch for an account.
type MuteRecord struct {
	Until  time.Time `json:"until"`
	Reason string    `json:"reason"`
}

// RateLimitWindow captures the last observed rate-limit headers for an
// account's API client, plus a rolling 24h counter.
type RateLimitWindow struct {
	Limit        int
	Remaining    int
	ResetAt      time.Time
	Window24hUse int
	Window24hCap int
	WindowReset  time.Time
}

const (
	MuteReasonRateLimitShort      = "rate_limit_short"
	MuteReasonRateLimit24h        = "rate_limit_24h"
	MuteReasonAuthFailed          = "auth_failed"
	MuteReasonExplicit            = "explicit"
	MuteReasonRateLimitPreemptive = "rate_limit_preemptive"
)
