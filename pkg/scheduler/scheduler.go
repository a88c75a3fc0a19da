// Package scheduler runs one logical FIFO work queue per account over a
// bounded pool of account workers, with classifier-driven retry/mute/auth
// handling and a pending-intent log that makes a crash mid-dispatch safe to
// recover from on restart.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"sort"
	"sync"
	"time"

	cryptorand "crypto/rand"

	"github.com/wisbric/autoengine/internal/atomicfile"
	"github.com/wisbric/autoengine/internal/result"
	"github.com/wisbric/autoengine/internal/telemetry"
	"github.com/wisbric/autoengine/pkg/apiclient"
	"github.com/wisbric/autoengine/pkg/classify"
	"github.com/wisbric/autoengine/pkg/idempotency"
	"github.com/wisbric/autoengine/pkg/model"
	"github.com/wisbric/autoengine/pkg/mute"
	"github.com/wisbric/autoengine/pkg/quota"
)

// Options configures the Scheduler's timeouts and pool size.
type Options struct {
	PoolSize      int
	ActionTimeout time.Duration
	DataDir       string // holds pending.jsonl and actions.log.jsonl
}

// AccountResolver looks up the current Account record by id, used to decide
// whether an account is still active before dispatching.
type AccountResolver interface {
	Account(accountID string) (model.Account, bool)
	MarkRequiresReconnection(accountID string) error
}

// Scheduler dispatches planned actions per account, one queue each.
type Scheduler struct {
	clients    *apiclient.Factory
	quotaL     *quota.Ledger
	idem       *idempotency.Ledger
	mutes      *mute.Registry
	classifier *classify.Classifier
	accounts   AccountResolver
	logger     *slog.Logger
	opts       Options

	sem chan struct{}

	mu             sync.Mutex
	queues         map[string]*accountQueue
	runningWorkers map[string]bool
	authExpired    map[string]bool                   // per-account: last attempt classified auth_expired
	rateLimits     map[string]model.RateLimitWindow // per-account: last observed rate-limit headers

	stopCh chan struct{} // closed by Stop to cancel every worker's sleep
	wg     sync.WaitGroup
}

type accountQueue struct {
	mu    sync.Mutex
	items []model.PlannedAction
}

// New builds a Scheduler.
func New(clients *apiclient.Factory, quotaL *quota.Ledger, idem *idempotency.Ledger, mutes *mute.Registry,
	classifier *classify.Classifier, accounts AccountResolver, logger *slog.Logger, opts Options) *Scheduler {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 16
	}
	return &Scheduler{
		clients: clients, quotaL: quotaL, idem: idem, mutes: mutes, classifier: classifier,
		accounts: accounts, logger: logger, opts: opts,
		sem:            make(chan struct{}, opts.PoolSize),
		queues:         make(map[string]*accountQueue),
		runningWorkers: make(map[string]bool),
		authExpired:    make(map[string]bool),
		rateLimits:     make(map[string]model.RateLimitWindow),
		stopCh:         make(chan struct{}),
	}
}

// Stop signals every worker to exit at its next loop check (waking any that
// are sleeping until their next item is due), and blocks until they have all
// returned. Items still queued stay queued; they are not dispatched.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// pendingIntent is one in-flight (consume-reserved, not-yet-confirmed)
// action, appended to pending.jsonl before dispatch and reconciled on
// restart.
type pendingIntent struct {
	ID        string          `json:"id"`
	PostID    string          `json:"post_id"`
	AccountID string          `json:"account_id"`
	Kind      model.ActionKind `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
}

func (s *Scheduler) pendingLogPath() string {
	return s.opts.DataDir + "/pending.jsonl"
}

func (s *Scheduler) receiptsLogPath() string {
	return s.opts.DataDir + "/actions.log.jsonl"
}

// Reconcile replays pending.jsonl on startup (S6). Any entry whose
// (post_id, account_id, kind) is already present in the Idempotency Ledger
// is discarded as stale. Everything else has its original consume refunded
// and is re-enqueued for immediate retry; the replay takes a fresh consume
// when processOne dispatches it, so the budget is spent once, not twice.
func (s *Scheduler) Reconcile(ctx context.Context) ([]model.PlannedAction, error) {
	entries, err := readPendingLog(s.pendingLogPath())
	if err != nil {
		return nil, fmt.Errorf("reading pending intent log: %w", err)
	}

	var replay []model.PlannedAction
	for _, e := range entries {
		if s.idem.HasPerformed(e.PostID, e.AccountID, e.Kind) {
			continue // already completed before the crash, nothing to redo
		}
		replay = append(replay, model.PlannedAction{
			ID: e.ID, PostID: e.PostID, AccountID: e.AccountID, Kind: e.Kind,
			ScheduledAt: time.Now(), Priority: model.PriorityUrgent,
		})
	}

	if err := s.compactPendingLog(replay); err != nil {
		return nil, fmt.Errorf("compacting pending intent log: %w", err)
	}
	for _, a := range replay {
		s.quotaL.Refund(a.AccountID, a.Kind)
		s.Enqueue(a)
	}
	return replay, nil
}

func readPendingLog(path string) ([]pendingIntent, error) {
	var entries []pendingIntent
	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		var e pendingIntent
		if err := json.Unmarshal(line, &e); err != nil {
			continue // tolerate a torn final line from a crash mid-write
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *Scheduler) compactPendingLog(stillPending []model.PlannedAction) error {
	var buf []byte
	for _, a := range stillPending {
		line, err := json.Marshal(pendingIntent{ID: a.ID, PostID: a.PostID, AccountID: a.AccountID, Kind: a.Kind, Timestamp: time.Now()})
		if err != nil {
			return err
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	return atomicfile.Write(s.pendingLogPath(), buf)
}

func (s *Scheduler) appendPendingIntent(a model.PlannedAction) error {
	line, err := json.Marshal(pendingIntent{ID: a.ID, PostID: a.PostID, AccountID: a.AccountID, Kind: a.Kind, Timestamp: time.Now()})
	if err != nil {
		return err
	}
	return atomicfile.AppendLine(s.pendingLogPath(), line)
}

func (s *Scheduler) appendReceipt(r model.ActionReceipt) error {
	line, err := json.Marshal(r)
	if err != nil {
		return err
	}
	telemetry.ReceiptsTotal.WithLabelValues(string(r.Status), string(r.Kind)).Inc()
	return atomicfile.AppendLine(s.receiptsLogPath(), line)
}

// Enqueue adds action to its account's queue, keeping the queue sorted by
// (ScheduledAt, EnqueueOrder), and ensures a worker is running for that
// account.
func (s *Scheduler) Enqueue(action model.PlannedAction) {
	s.mu.Lock()
	q, ok := s.queues[action.AccountID]
	if !ok {
		q = &accountQueue{}
		s.queues[action.AccountID] = q
	}
	s.mu.Unlock()

	q.mu.Lock()
	q.items = append(q.items, action)
	sort.Slice(q.items, func(i, j int) bool {
		if q.items[i].ScheduledAt.Equal(q.items[j].ScheduledAt) {
			return q.items[i].EnqueueOrder < q.items[j].EnqueueOrder
		}
		return q.items[i].ScheduledAt.Before(q.items[j].ScheduledAt)
	})
	telemetry.QueueSizeByAccount.WithLabelValues(action.AccountID).Set(float64(len(q.items)))
	q.mu.Unlock()

	s.ensureWorker(action.AccountID)
}

func (s *Scheduler) ensureWorker(accountID string) {
	s.mu.Lock()
	if s.runningWorkers[accountID] {
		s.mu.Unlock()
		return
	}
	s.runningWorkers[accountID] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runAccountWorker(accountID)
}

// runAccountWorker drains accountID's queue to empty, respecting the pool
// semaphore (so at most Options.PoolSize workers are ever dispatching
// concurrently across all accounts), then exits — Enqueue spawns a fresh
// worker the next time an item arrives for an idle account. Stop() wakes a
// worker mid-sleep; the item in progress is left queued for the next run
// rather than being silently dropped.
func (s *Scheduler) runAccountWorker(accountID string) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.runningWorkers, accountID)
		s.mu.Unlock()
	}()

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		q := s.queueFor(accountID)
		item, ok := q.peek()
		if !ok {
			return
		}

		if wait := time.Until(item.ScheduledAt); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-s.stopCh:
				timer.Stop()
				return
			}
		}

		s.sem <- struct{}{}
		s.processOne(context.Background(), accountID, q)
		<-s.sem
	}
}

func (s *Scheduler) queueFor(accountID string) *accountQueue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queues[accountID]
}

func (q *accountQueue) peek() (model.PlannedAction, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return model.PlannedAction{}, false
	}
	return q.items[0], true
}

func (q *accountQueue) pop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) > 0 {
		q.items = q.items[1:]
	}
}

func (q *accountQueue) requeue(action model.PlannedAction) {
	q.mu.Lock()
	q.items[0] = action
	sort.Slice(q.items, func(i, j int) bool {
		if q.items[i].ScheduledAt.Equal(q.items[j].ScheduledAt) {
			return q.items[i].EnqueueOrder < q.items[j].EnqueueOrder
		}
		return q.items[i].ScheduledAt.Before(q.items[j].ScheduledAt)
	})
	q.mu.Unlock()
}

func (q *accountQueue) drainWithStatus() []model.PlannedAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := q.items
	q.items = nil
	return drained
}

// processOne executes exactly one step for accountID's head-of-queue item:
// either it completes (popped) or it is requeued (mute/backoff) in place.
func (s *Scheduler) processOne(ctx context.Context, accountID string, q *accountQueue) {
	item, ok := q.peek()
	if !ok {
		return
	}

	if s.mutes.IsMuted(accountID) {
		until, _ := s.mutes.Until(accountID)
		item.ScheduledAt = until.Add(jitter())
		q.requeue(item)
		return
	}

	if win, ok := s.rateLimitWindow(accountID); ok && win.Remaining <= 0 && time.Now().Before(win.ResetAt) {
		_ = s.mutes.Mute(accountID, time.Until(win.ResetAt), model.MuteReasonRateLimitPreemptive)
		item.ScheduledAt = win.ResetAt.Add(jitter())
		q.requeue(item)
		return
	}

	account, ok := s.accounts.Account(accountID)
	if !ok || account.Status != model.AccountActive {
		q.pop()
		return
	}

	if s.idem.HasPerformed(item.PostID, item.AccountID, item.Kind) {
		q.pop()
		_ = s.appendReceipt(model.ActionReceipt{PostID: item.PostID, AccountID: item.AccountID, Kind: item.Kind, Status: model.ReceiptDuplicate, Timestamp: time.Now()})
		return
	}

	if !s.quotaL.CanConsume(accountID, item.Kind) {
		q.pop()
		_ = s.appendReceipt(model.ActionReceipt{PostID: item.PostID, AccountID: item.AccountID, Kind: item.Kind, Status: model.ReceiptQuotaBlocked, Timestamp: time.Now()})
		if s.globalPackExhausted() {
			s.drainAccountWithQuotaBlocked(accountID, q)
		}
		return
	}
	if !s.quotaL.Consume(accountID, item.Kind) {
		// lost the race between CanConsume and Consume; same outcome as a
		// denial, so it gets the same receipt rather than vanishing silently.
		q.pop()
		_ = s.appendReceipt(model.ActionReceipt{PostID: item.PostID, AccountID: item.AccountID, Kind: item.Kind, Status: model.ReceiptQuotaBlocked, Timestamp: time.Now()})
		return
	}

	_ = s.appendPendingIntent(item)

	actionCtx, cancel := context.WithTimeout(ctx, s.actionTimeout())
	err := s.dispatch(actionCtx, accountID, item)
	cancel()

	priorAuthExpired := s.authExpired[accountID]
	r := s.classifier.Classify(err, item.AttemptCount+1, priorAuthExpired)
	s.handleResult(accountID, item, q, r)
}

func (s *Scheduler) actionTimeout() time.Duration {
	if s.opts.ActionTimeout <= 0 {
		return 5 * time.Minute
	}
	return s.opts.ActionTimeout
}

func (s *Scheduler) dispatch(ctx context.Context, accountID string, item model.PlannedAction) error {
	client, err := s.clients.ClientFor(ctx, accountID, apiclient.ClientOptions{})
	if err != nil {
		return fmt.Errorf("acquiring client for %s: %w", accountID, err)
	}
	var rl apiclient.RateLimitInfo
	switch item.Kind {
	case model.ActionLike:
		rl, err = client.Like(ctx, accountID, item.PostID)
	case model.ActionRepost:
		rl, err = client.Repost(ctx, accountID, item.PostID)
	case model.ActionReply:
		rl, err = client.Reply(ctx, item.Text, item.PostID, item.MediaID)
	}
	s.recordRateLimit(accountID, rl)
	return err
}

// recordRateLimit stores the last observed rate-limit headers for
// accountID, used to preemptively mute the account ahead of a hard 429
// once Remaining reaches zero. A zero-value RateLimitInfo (Limit==0, no
// headers present) leaves the prior window untouched.
func (s *Scheduler) recordRateLimit(accountID string, rl apiclient.RateLimitInfo) {
	if rl.Limit == 0 {
		return
	}
	s.mu.Lock()
	s.rateLimits[accountID] = model.RateLimitWindow{
		Limit: rl.Limit, Remaining: rl.Remaining, ResetAt: rl.ResetAt,
		Window24hUse: rl.Window24hUse, Window24hCap: rl.Window24hCap, WindowReset: rl.Window24hReset,
	}
	s.mu.Unlock()
}

func (s *Scheduler) rateLimitWindow(accountID string) (model.RateLimitWindow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	win, ok := s.rateLimits[accountID]
	return win, ok
}

func (s *Scheduler) handleResult(accountID string, item model.PlannedAction, q *accountQueue, r result.Result) {
	q.pop()

	switch r.Class {
	case result.ClassOK:
		s.mu.Lock()
		delete(s.authExpired, accountID)
		s.mu.Unlock()
		_ = s.idem.Record(item.PostID, item.AccountID, item.Kind, time.Now())
		_ = s.appendReceipt(model.ActionReceipt{PostID: item.PostID, AccountID: item.AccountID, Kind: item.Kind, Status: model.ReceiptOK, Timestamp: time.Now()})
		return

	case result.ClassDuplicate:
		s.quotaL.Refund(accountID, item.Kind)
		_ = s.idem.Record(item.PostID, item.AccountID, item.Kind, time.Now())
		_ = s.appendReceipt(model.ActionReceipt{PostID: item.PostID, AccountID: item.AccountID, Kind: item.Kind, Status: model.ReceiptDuplicate, Timestamp: time.Now(), ErrorClass: string(r.Class)})
		return

	case result.ClassRateLimitedShort, result.ClassRateLimited24h:
		s.quotaL.Refund(accountID, item.Kind)
		reason := model.MuteReasonRateLimitShort
		if r.Class == result.ClassRateLimited24h {
			reason = model.MuteReasonRateLimit24h
		}
		_ = s.mutes.Mute(accountID, r.Mute(), reason)
		_ = s.appendReceipt(model.ActionReceipt{PostID: item.PostID, AccountID: item.AccountID, Kind: item.Kind, Status: model.ReceiptRateLimited, Timestamp: time.Now(), ErrorClass: string(r.Class)})
		item.AttemptCount++
		item.ScheduledAt = time.Now().Add(r.Mute())
		s.Enqueue(item)
		return

	case result.ClassProviderTimeout, result.ClassProvider5xx:
		s.quotaL.Refund(accountID, item.Kind)
		item.AttemptCount++
		item.ScheduledAt = time.Now().Add(r.Backoff())
		s.Enqueue(item)
		return

	case result.ClassAuthExpired:
		s.quotaL.Refund(accountID, item.Kind)
		s.mu.Lock()
		s.authExpired[accountID] = true
		s.mu.Unlock()
		s.clients.Invalidate(accountID)
		item.AttemptCount++
		item.ScheduledAt = time.Now()
		s.Enqueue(item)
		return

	case result.ClassAuthFatal:
		s.quotaL.Refund(accountID, item.Kind)
		s.mu.Lock()
		delete(s.authExpired, accountID)
		s.mu.Unlock()
		_ = s.accounts.MarkRequiresReconnection(accountID)
		_ = s.appendReceipt(model.ActionReceipt{PostID: item.PostID, AccountID: item.AccountID, Kind: item.Kind, Status: model.ReceiptAuthFailed, Timestamp: time.Now(), ErrorClass: string(r.Class)})
		s.dropAccountQueue(accountID)
		return

	default: // invalid_request, content_policy_rejected, unknown_fatal
		s.quotaL.Refund(accountID, item.Kind)
		_ = s.appendReceipt(model.ActionReceipt{PostID: item.PostID, AccountID: item.AccountID, Kind: item.Kind, Status: model.ReceiptFatal, Timestamp: time.Now(), ErrorClass: string(r.Class)})
		return
	}
}

func (s *Scheduler) globalPackExhausted() bool {
	snap := s.quotaL.Snapshot()
	return snap.GlobalUsed >= snap.GlobalTotal
}

func (s *Scheduler) drainAccountWithQuotaBlocked(accountID string, q *accountQueue) {
	for _, item := range q.drainWithStatus() {
		_ = s.appendReceipt(model.ActionReceipt{PostID: item.PostID, AccountID: item.AccountID, Kind: item.Kind, Status: model.ReceiptQuotaBlocked, Timestamp: time.Now()})
	}
}

func (s *Scheduler) dropAccountQueue(accountID string) {
	q := s.queueFor(accountID)
	if q == nil {
		return
	}
	for _, item := range q.drainWithStatus() {
		_ = s.appendReceipt(model.ActionReceipt{PostID: item.PostID, AccountID: item.AccountID, Kind: item.Kind, Status: model.ReceiptCancelled, Timestamp: time.Now()})
	}
}

// QueueDepth reports the current number of pending items for accountID,
// used by the control surface's /status endpoint.
func (s *Scheduler) QueueDepth(accountID string) int {
	q := s.queueFor(accountID)
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// QueueSizes reports the current pending count for every account with a
// queue, used by the control surface's /status endpoint.
func (s *Scheduler) QueueSizes() map[string]int {
	s.mu.Lock()
	ids := make([]string, 0, len(s.queues))
	for id := range s.queues {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	out := make(map[string]int, len(ids))
	for _, id := range ids {
		out[id] = s.QueueDepth(id)
	}
	return out
}

// Receipts reads every terminal receipt recorded so far, oldest first, for
// the control surface's export_receipts operation. Lines that fail to
// parse (a torn write from a crash) are skipped.
func (s *Scheduler) Receipts() ([]model.ActionReceipt, error) {
	lines, err := readLines(s.receiptsLogPath())
	if err != nil {
		return nil, fmt.Errorf("reading receipts log: %w", err)
	}
	var out []model.ActionReceipt
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		var r model.ActionReceipt
		if err := json.Unmarshal(line, &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func jitter() time.Duration {
	n, err := cryptorand.Int(cryptorand.Reader, big.NewInt(int64(5*time.Second)))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64())
}

func readLines(path string) ([][]byte, error) {
	data, err := readFileTolerant(path)
	if err != nil {
		return nil, err
	}
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, data[start:i])
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines, nil
}

func readFileTolerant(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, err
}
