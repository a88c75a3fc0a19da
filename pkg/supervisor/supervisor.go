// Package supervisor drives the idle → scanning → actioning → idle tick
// cycle: on each tick it runs the Scanner, hands surviving posts to the
// Planner, and enqueues the resulting actions on the Scheduler. It also
// owns enable/disable toggling and graceful, deadline-bounded shutdown.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wisbric/autoengine/internal/telemetry"
	"github.com/wisbric/autoengine/pkg/credential"
	"github.com/wisbric/autoengine/pkg/model"
	"github.com/wisbric/autoengine/pkg/planner"
	"github.com/wisbric/autoengine/pkg/quota"
	"github.com/wisbric/autoengine/pkg/scanner"
	"github.com/wisbric/autoengine/pkg/scheduler"
	"github.com/wisbric/autoengine/pkg/watchlist"
)

// State is one of the three phases of a tick.
type State string

const (
	StateIdle      State = "idle"
	StateScanning  State = "scanning"
	StateActioning State = "actioning"
)

// Options configures tick cadence and timeouts.
type Options struct {
	TickInterval          time.Duration
	FirstScanTimeout      time.Duration
	PeriodicScanTimeout   time.Duration
	ShutdownDrainDeadline time.Duration
}

// Status is the control surface's read-only view of the Supervisor.
type Status struct {
	Enabled             bool           `json:"enabled"`
	State               State          `json:"state"`
	LastTickAt          time.Time      `json:"last_tick_at"`
	InFlight            int            `json:"in_flight"`
	QueueSizesByAccount map[string]int `json:"queue_sizes_by_account"`
}

// Supervisor is the background orchestrator tying the Scanner, Planner,
// and Scheduler together.
type Supervisor struct {
	scanner   *scanner.Scanner
	planner   *planner.Planner
	scheduler *scheduler.Scheduler
	quota     *quota.Ledger
	accounts  *credential.Store
	watchlist *watchlist.List
	logger    *slog.Logger
	opts      Options
	rdb       *redis.Client // optional; nil disables pub/sub broadcast

	mu            sync.Mutex
	enabled       bool
	state         State
	lastTickAt    time.Time
	inFlight      int
	firstTickDone bool

	kickCh chan struct{}
}

// New builds a Supervisor. rdb may be nil to disable pub/sub broadcast.
func New(sc *scanner.Scanner, pl *planner.Planner, sched *scheduler.Scheduler, q *quota.Ledger, accounts *credential.Store, wl *watchlist.List, logger *slog.Logger, opts Options, rdb *redis.Client) *Supervisor {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 30 * time.Minute
	}
	if opts.FirstScanTimeout <= 0 {
		opts.FirstScanTimeout = 5 * time.Minute
	}
	if opts.PeriodicScanTimeout <= 0 {
		opts.PeriodicScanTimeout = 10 * time.Minute
	}
	if opts.ShutdownDrainDeadline <= 0 {
		opts.ShutdownDrainDeadline = 30 * time.Second
	}
	return &Supervisor{
		scanner:   sc,
		planner:   pl,
		scheduler: sched,
		quota:     q,
		accounts:  accounts,
		watchlist: wl,
		logger:    logger,
		opts:      opts,
		rdb:       rdb,
		state:     StateIdle,
		kickCh:    make(chan struct{}, 1),
	}
}

// Enable turns the Supervisor on and triggers an immediate first tick.
// Idempotent: enabling an already-enabled Supervisor is a no-op.
func (s *Supervisor) Enable() {
	s.mu.Lock()
	already := s.enabled
	s.enabled = true
	s.mu.Unlock()
	if !already {
		select {
		case s.kickCh <- struct{}{}:
		default:
		}
	}
}

// Disable stops new ticks from starting. In-flight actions already queued
// on the Scheduler continue to drain on their own; Disable does not cancel
// them. Idempotent.
func (s *Supervisor) Disable() {
	s.mu.Lock()
	s.enabled = false
	s.mu.Unlock()
}

func (s *Supervisor) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Status reports the current state for the control surface.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	st := Status{
		Enabled:    s.enabled,
		State:      s.state,
		LastTickAt: s.lastTickAt,
		InFlight:   s.inFlight,
	}
	s.mu.Unlock()
	st.QueueSizesByAccount = s.scheduler.QueueSizes()
	return st
}

// SetWatchlist replaces the watch list; the new list takes effect on the
// next tick boundary.
func (s *Supervisor) SetWatchlist(handles []string) error {
	return s.watchlist.Set(handles)
}

// AddAccount registers a new account with the Credential Store and gives it
// a quota allocation.
func (s *Supervisor) AddAccount(acct model.Account, creds credential.Credentials) error {
	if err := s.accounts.AddAccount(acct, creds); err != nil {
		return err
	}
	s.quota.RegisterAccount(acct.ID, acct.AddedAt)
	return nil
}

// RemoveAccount deregisters an account from both the Credential Store and
// the Quota Ledger.
func (s *Supervisor) RemoveAccount(accountID string) error {
	if err := s.accounts.RemoveAccount(accountID); err != nil {
		return err
	}
	s.quota.RemoveAccount(accountID)
	return nil
}

// Accounts lists every registered account.
func (s *Supervisor) Accounts() []model.Account {
	return s.accounts.List()
}

// QuotaSnapshot reports the current global/daily/per-account quota state.
func (s *Supervisor) QuotaSnapshot() model.QuotaSnapshot {
	return s.quota.Snapshot()
}

// Receipts returns every terminal action receipt recorded so far.
func (s *Supervisor) Receipts() ([]model.ActionReceipt, error) {
	return s.scheduler.Receipts()
}

// Run blocks, driving the tick loop until ctx is cancelled, at which point
// it performs a graceful, deadline-bounded shutdown and returns.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.shutdown()
		case <-ticker.C:
			if s.Enabled() {
				s.runTick(ctx)
			}
		case <-s.kickCh:
			if s.Enabled() {
				s.runTick(ctx)
			}
		}
	}
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Supervisor) runTick(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	s.inFlight++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.lastTickAt = time.Now()
		s.mu.Unlock()
		telemetry.TickDuration.Observe(time.Since(start).Seconds())
	}()

	s.setState(StateScanning)

	s.mu.Lock()
	timeout := s.opts.PeriodicScanTimeout
	if !s.firstTickDone {
		timeout = s.opts.FirstScanTimeout
		s.firstTickDone = true
	}
	s.mu.Unlock()

	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	accounts := s.accounts.List()
	active := activeAccountIDs(accounts)

	results, err := s.scanner.Scan(scanCtx, s.watchlist.Handles(), active, active)
	if err != nil {
		if errors.Is(scanCtx.Err(), context.DeadlineExceeded) {
			s.logger.Warn("scan phase timed out", "timeout", timeout)
		} else {
			s.logger.Error("scan phase failed", "error", err)
		}
		s.setState(StateIdle)
		return
	}

	s.setState(StateActioning)
	var planned int
	for _, res := range results {
		actions, err := s.planner.Plan(ctx, res.Posts, accounts, res.ScanningAccountID)
		if err != nil {
			s.logger.Error("planning failed", "error", err, "scanning_account", res.ScanningAccountID)
			continue
		}
		for _, a := range actions {
			s.scheduler.Enqueue(a)
		}
		planned += len(actions)
	}

	s.publish(ctx, "tick", map[string]any{
		"chunks":  len(results),
		"planned": planned,
	})
	s.setState(StateIdle)
}

func activeAccountIDs(accounts []model.Account) []string {
	ids := make([]string, 0, len(accounts))
	for _, a := range accounts {
		if a.Status == model.AccountActive {
			ids = append(ids, a.ID)
		}
	}
	return ids
}

// shutdown disables new ticks, waits up to the drain deadline for queued
// work to finish, then stops the Scheduler (cancelling any still-sleeping
// workers) and flushes the Quota Ledger's debounced writer.
func (s *Supervisor) shutdown() error {
	s.Disable()

	deadline := time.Now().Add(s.opts.ShutdownDrainDeadline)
	for time.Now().Before(deadline) {
		if totalQueued(s.scheduler.QueueSizes()) == 0 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	s.scheduler.Stop()
	if err := s.quota.Flush(); err != nil {
		s.logger.Error("flushing quota ledger on shutdown", "error", err)
	}
	s.logger.Info("supervisor shut down")
	return nil
}

func totalQueued(sizes map[string]int) int {
	total := 0
	for _, n := range sizes {
		total += n
	}
	return total
}

func (s *Supervisor) publish(ctx context.Context, channel string, payload any) {
	if s.rdb == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("marshalling pub/sub payload", "channel", channel, "error", err)
		return
	}
	if err := s.rdb.Publish(ctx, "autoengine:"+channel, data).Err(); err != nil {
		s.logger.Warn("publishing status event", "channel", channel, "error", err)
	}
}
