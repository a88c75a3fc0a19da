package planner

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/wisbric/autoengine/pkg/idempotency"
	"github.com/wisbric/autoengine/pkg/model"
	"github.com/wisbric/autoengine/pkg/mute"
	"github.com/wisbric/autoengine/pkg/quota"
	"github.com/wisbric/autoengine/pkg/replytext"
)

var testWeights = quota.Weights{Like: 0.40, Repost: 0.10, Reply: 0.50}

type fakeReplies struct {
	texts []string
}

func (f *fakeReplies) Generate(ctx context.Context, posts []model.Post, style string) ([]string, error) {
	return f.texts, nil
}

func newTestPlanner(t *testing.T, accounts []model.Account, replies replytext.Provider) *Planner {
	t.Helper()
	dir := t.TempDir()
	idem, err := idempotency.NewLedger(filepath.Join(dir, "idempotency.json"))
	if err != nil {
		t.Fatalf("idempotency.NewLedger: %v", err)
	}
	q, err := quota.NewLedger(filepath.Join(dir, "quota.json"), 1000, 100, testWeights, nil)
	if err != nil {
		t.Fatalf("quota.NewLedger: %v", err)
	}
	for _, a := range accounts {
		q.RegisterAccount(a.ID, a.AddedAt)
	}
	mutes, err := mute.NewRegistry(filepath.Join(dir, "mutes.json"), nil)
	if err != nil {
		t.Fatalf("mute.NewRegistry: %v", err)
	}
	images := replytext.ImagePolicy{Enabled: false}
	return New(idem, q, mutes, replies, images, DelayBounds{Min: 60 * time.Second, Max: 120 * time.Second}, nil)
}

func TestPlanProducesLikeRepostReplyForEligiblePost(t *testing.T) {
	accounts := []model.Account{{ID: "A1", Status: model.AccountActive, AddedAt: time.Now()}}
	p := newTestPlanner(t, accounts, &fakeReplies{texts: []string{"nice!"}})

	posts := []model.Post{{PostID: "P1", IsReply: false}}
	actions, err := p.Plan(context.Background(), posts, accounts, "")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	kinds := map[model.ActionKind]bool{}
	for _, a := range actions {
		kinds[a.Kind] = true
	}
	if !kinds[model.ActionLike] || !kinds[model.ActionRepost] || !kinds[model.ActionReply] {
		t.Fatalf("expected like+repost+reply candidates, got %+v", actions)
	}
}

func TestPlanSkipsRepostForReplyPosts(t *testing.T) {
	accounts := []model.Account{{ID: "A1", Status: model.AccountActive, AddedAt: time.Now()}}
	p := newTestPlanner(t, accounts, &fakeReplies{texts: []string{"nice!"}})

	posts := []model.Post{{PostID: "P1", IsReply: true}}
	actions, err := p.Plan(context.Background(), posts, accounts, "")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	for _, a := range actions {
		if a.Kind == model.ActionRepost {
			t.Fatal("repost must not be planned for a post that is itself a reply")
		}
	}
}

func TestPlanExcludesScanningAccount(t *testing.T) {
	accounts := []model.Account{
		{ID: "A1", Status: model.AccountActive, AddedAt: time.Now()},
		{ID: "A2", Status: model.AccountActive, AddedAt: time.Now()},
	}
	p := newTestPlanner(t, accounts, &fakeReplies{texts: []string{"nice!", "nice!"}})

	posts := []model.Post{{PostID: "P1"}}
	actions, err := p.Plan(context.Background(), posts, accounts, "A1")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	for _, a := range actions {
		if a.AccountID == "A1" {
			t.Fatal("the scanning account must be excluded from its own chunk's planned actions")
		}
	}
}

func TestPlanSkipsAlreadyPerformed(t *testing.T) {
	accounts := []model.Account{{ID: "A1", Status: model.AccountActive, AddedAt: time.Now()}}
	p := newTestPlanner(t, accounts, &fakeReplies{texts: []string{"nice!"}})
	_ = p.idem.Record("P1", "A1", model.ActionLike, time.Now())

	posts := []model.Post{{PostID: "P1"}}
	actions, err := p.Plan(context.Background(), posts, accounts, "")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	for _, a := range actions {
		if a.Kind == model.ActionLike {
			t.Fatal("already-performed like must not be replanned")
		}
	}
}

func TestPlanSkipsMutedAccounts(t *testing.T) {
	accounts := []model.Account{{ID: "A1", Status: model.AccountActive, AddedAt: time.Now()}}
	p := newTestPlanner(t, accounts, &fakeReplies{texts: []string{"nice!"}})
	_ = p.mutes.Mute("A1", time.Hour, "explicit")

	posts := []model.Post{{PostID: "P1"}}
	actions, err := p.Plan(context.Background(), posts, accounts, "")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(actions) != 0 {
		t.Fatalf("expected no actions for a fully muted account set, got %+v", actions)
	}
}

func TestPlanBindsUniqueReplyTextPerAccountNoReuse(t *testing.T) {
	accounts := []model.Account{
		{ID: "A1", Status: model.AccountActive, AddedAt: time.Now()},
		{ID: "A2", Status: model.AccountActive, AddedAt: time.Now().Add(time.Second)},
	}
	p := newTestPlanner(t, accounts, &fakeReplies{texts: []string{"text-one"}}) // only one unique text available

	posts := []model.Post{{PostID: "P1"}}
	actions, err := p.Plan(context.Background(), posts, accounts, "")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	replyCount := 0
	for _, a := range actions {
		if a.Kind == model.ActionReply {
			replyCount++
		}
	}
	if replyCount != 1 {
		t.Fatalf("replyCount = %d, want 1 (only one unique text was available for two accounts)", replyCount)
	}
}

func TestPlanDeterministicOrderingByPostIDThenAddedAt(t *testing.T) {
	accounts := []model.Account{
		{ID: "A2", Status: model.AccountActive, AddedAt: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)},
		{ID: "A1", Status: model.AccountActive, AddedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	p := newTestPlanner(t, accounts, nil)

	posts := []model.Post{{PostID: "P2"}, {PostID: "P1"}}
	actions, err := p.Plan(context.Background(), posts, accounts, "")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(actions) == 0 {
		t.Fatal("expected at least like/repost actions")
	}
	if actions[0].PostID != "P1" {
		t.Fatalf("first action PostID = %s, want P1 (posts ordered ascending)", actions[0].PostID)
	}
	if actions[0].AccountID != "A1" {
		t.Fatalf("first action AccountID = %s, want A1 (accounts ordered by AddedAt)", actions[0].AccountID)
	}
}
