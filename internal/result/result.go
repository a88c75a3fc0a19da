// Package result defines the uniform outcome envelope every operation in
// the automation engine returns instead of relying on exception-style
// control flow: every dispatch attempt is classified by the Error
// Classifier into one of a fixed set of Classes.
package result

import "time"

// Class is the error taxonomy every dispatch outcome is classified into.
type Class string

const (
	ClassOK                   Class = "ok"
	ClassDuplicate            Class = "duplicate"
	ClassQuotaExceeded        Class = "quota_exceeded"
	ClassAlreadyPerformed     Class = "already_performed"
	ClassRateLimitedShort     Class = "rate_limited_short"
	ClassRateLimited24h       Class = "rate_limited_24h"
	ClassAuthExpired          Class = "auth_expired"
	ClassAuthFatal            Class = "auth_fatal"
	ClassProviderTimeout      Class = "provider_timeout"
	ClassProvider5xx          Class = "provider_5xx"
	ClassInvalidRequest       Class = "invalid_request"
	ClassContentPolicyReject  Class = "content_policy_rejected"
	ClassUnknownFatal         Class = "unknown_fatal"
	ClassCancelled            Class = "cancelled"
)

// Result is what the Error Classifier (pkg/classify) produces and what the
// scheduler acts on. BackoffMS and MuteMS are zero unless the class calls
// for one.
type Result struct {
	Class    Class
	Err      error
	BackoffMS int
	MuteMS    int
}

// Retryable reports whether the scheduler should requeue with backoff
// rather than drop the item or escalate.
func (r Result) Retryable() bool {
	switch r.Class {
	case ClassProviderTimeout, ClassProvider5xx:
		return true
	default:
		return false
	}
}

// Fatal reports whether the result should be surfaced as a receipt with no
// further retry (but is not account-fatal).
func (r Result) Fatal() bool {
	switch r.Class {
	case ClassInvalidRequest, ClassContentPolicyReject, ClassUnknownFatal:
		return true
	default:
		return false
	}
}

// Backoff returns BackoffMS as a time.Duration for convenience at call
// sites.
func (r Result) Backoff() time.Duration {
	return time.Duration(r.BackoffMS) * time.Millisecond
}

// Mute returns MuteMS as a time.Duration for convenience at call sites.
func (r Result) Mute() time.Duration {
	return time.Duration(r.MuteMS) * time.Millisecond
}

// OK builds a ClassOK result.
func OK() Result { return Result{Class: ClassOK} }

// Wrap builds a non-OK result from a class and an underlying error.
func Wrap(class Class, err error) Result {
	return Result{Class: class, Err: err}
}
