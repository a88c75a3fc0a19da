package quota

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/wisbric/autoengine/pkg/model"
)

var testWeights = Weights{Like: 0.40, Repost: 0.10, Reply: 0.50}

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestRegisterAccountSplitsRemainderToEarliest(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLedger(filepath.Join(dir, "quota.json"), 1000, 10, testWeights, fixedNow(time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC)))
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	l.RegisterAccount("A1", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l.RegisterAccount("A2", time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))
	l.RegisterAccount("A3", time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC))

	snap := l.Snapshot()
	// 10 / 3 = 3 remainder 1; earliest-added account gets the extra share.
	if snap.Accounts["A1"].DailyLimit != 4 {
		t.Fatalf("A1 DailyLimit = %d, want 4", snap.Accounts["A1"].DailyLimit)
	}
	if snap.Accounts["A2"].DailyLimit != 3 || snap.Accounts["A3"].DailyLimit != 3 {
		t.Fatalf("A2/A3 DailyLimit = %d/%d, want 3/3", snap.Accounts["A2"].DailyLimit, snap.Accounts["A3"].DailyLimit)
	}
}

func TestConsumeRespectsPerKindCapAndGlobalPack(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLedger(filepath.Join(dir, "quota.json"), 2, 10, testWeights, fixedNow(time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC)))
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	l.RegisterAccount("A1", time.Now())

	if !l.Consume("A1", model.ActionLike) {
		t.Fatal("first like should be allowed")
	}
	if !l.Consume("A1", model.ActionRepost) {
		t.Fatal("first repost should be allowed")
	}
	// Global pack total is 2; it's now exhausted regardless of per-account room.
	if l.Consume("A1", model.ActionReply) {
		t.Fatal("consume should fail once the global pack is exhausted")
	}
}

func TestConsumeDeniesUnknownAccount(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLedger(filepath.Join(dir, "quota.json"), 100, 10, testWeights, fixedNow(time.Now()))
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	if l.Consume("ghost", model.ActionLike) {
		t.Fatal("consume for an unregistered account must be denied")
	}
}

func TestResetIfNewDayClearsUsage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quota.json")
	day1 := time.Date(2026, 7, 29, 23, 0, 0, 0, time.UTC)
	l, err := NewLedger(path, 100, 10, testWeights, fixedNow(day1))
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	l.RegisterAccount("A1", time.Now())
	l.Consume("A1", model.ActionLike)
	if err := l.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	day2 := day1.Add(2 * time.Hour) // crosses into 2026-07-30 UTC
	l2, err := NewLedger(path, 100, 10, testWeights, fixedNow(day2))
	if err != nil {
		t.Fatalf("NewLedger (reload): %v", err)
	}
	snap := l2.Snapshot()
	if snap.GlobalUsed != 0 {
		t.Fatalf("GlobalUsed after day rollover = %d, want 0", snap.GlobalUsed)
	}
}

func TestConsumeNeverPartiallyApplies(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLedger(filepath.Join(dir, "quota.json"), 100, 1, testWeights, fixedNow(time.Now()))
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	l.RegisterAccount("A1", time.Now())

	before := l.Snapshot()
	ok := l.Consume("A1", model.ActionReply) // reply cap is max(1*0.5,1)=1, so this should succeed once
	if !ok {
		t.Fatal("first reply should succeed")
	}
	ok = l.Consume("A1", model.ActionReply) // second should be denied, and leave state untouched
	if ok {
		t.Fatal("second reply should be denied under a cap of 1")
	}
	after := l.Snapshot()
	if after.Accounts["A1"].DailyUsed.Reply != before.Accounts["A1"].DailyUsed.Reply+1 {
		t.Fatalf("denied consume must not mutate DailyUsed: before=%d after=%d",
			before.Accounts["A1"].DailyUsed.Reply, after.Accounts["A1"].DailyUsed.Reply)
	}
}

func TestRefundUndoesConsume(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLedger(filepath.Join(dir, "quota.json"), 100, 10, testWeights, fixedNow(time.Now()))
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	l.RegisterAccount("A1", time.Now())

	if !l.Consume("A1", model.ActionLike) {
		t.Fatal("consume should succeed")
	}
	l.Refund("A1", model.ActionLike)

	snap := l.Snapshot()
	if snap.GlobalUsed != 0 || snap.Accounts["A1"].DailyUsed.Like != 0 {
		t.Fatalf("expected refund to zero out usage, got global=%d like=%d", snap.GlobalUsed, snap.Accounts["A1"].DailyUsed.Like)
	}
}

func TestRefundNeverGoesNegative(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLedger(filepath.Join(dir, "quota.json"), 100, 10, testWeights, fixedNow(time.Now()))
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	l.RegisterAccount("A1", time.Now())
	l.Refund("A1", model.ActionLike) // nothing consumed yet
	snap := l.Snapshot()
	if snap.GlobalUsed != 0 {
		t.Fatalf("GlobalUsed = %d, want 0", snap.GlobalUsed)
	}
}
