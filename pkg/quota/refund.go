package quota

import "github.com/wisbric/autoengine/pkg/model"

// Refund undoes one prior Consume of kind by accountID. The Scheduler calls
// this when a provisional consume taken before dispatch turns out not to
// correspond to a real platform action: duplicate, rate-limited, retryable,
// or any other non-ok outcome. It is a no-op (never goes negative) if there
// is nothing to refund.
func (l *Ledger) Refund(accountID string, kind model.ActionKind) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.state.Accounts[accountID]
	if !ok {
		return
	}
	if usedOf(acct.DailyUsed, kind) <= 0 {
		return
	}
	subtractFrom(&acct.DailyUsed, kind)
	subtractFrom(&l.state.Distribution, kind)
	if l.state.GlobalUsed > 0 {
		l.state.GlobalUsed--
	}
	if l.state.DailyUsed > 0 {
		l.state.DailyUsed--
	}
	l.scheduleFlush()
}

func subtractFrom(d *model.QuotaDistribution, kind model.ActionKind) {
	switch kind {
	case model.ActionLike:
		d.Like--
	case model.ActionRepost:
		d.Repost--
	case model.ActionReply:
		d.Reply--
	}
}
