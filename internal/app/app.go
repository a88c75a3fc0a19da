// Package app wires together every component of the automation engine —
// ledgers, credential store, API client factory, classifier, reply-text
// provider, scanner, planner, scheduler, supervisor, and the control
// surface HTTP server — and runs it to completion.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wisbric/autoengine/internal/config"
	"github.com/wisbric/autoengine/internal/httpserver"
	"github.com/wisbric/autoengine/internal/telemetry"
	"github.com/wisbric/autoengine/pkg/apiclient"
	"github.com/wisbric/autoengine/pkg/classify"
	"github.com/wisbric/autoengine/pkg/credential"
	"github.com/wisbric/autoengine/pkg/idempotency"
	"github.com/wisbric/autoengine/pkg/model"
	"github.com/wisbric/autoengine/pkg/mute"
	"github.com/wisbric/autoengine/pkg/opsnotify"
	"github.com/wisbric/autoengine/pkg/planner"
	"github.com/wisbric/autoengine/pkg/quota"
	"github.com/wisbric/autoengine/pkg/replytext"
	"github.com/wisbric/autoengine/pkg/scanner"
	"github.com/wisbric/autoengine/pkg/scheduler"
	"github.com/wisbric/autoengine/pkg/supervisor"
	"github.com/wisbric/autoengine/pkg/watchlist"
)

// Run wires every component from cfg, starts the control surface, and
// blocks until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting automation engine", "listen", cfg.ListenAddr(), "data_dir", cfg.DataDir)

	notifier := opsnotify.New(cfg.SlackBotToken, cfg.SlackOpsChannel, logger)
	if notifier.IsEnabled() {
		logger.Info("slack ops notifications enabled", "channel", cfg.SlackOpsChannel)
	}

	weights := quota.Weights{Like: cfg.WeightLike, Repost: cfg.WeightRepost, Reply: cfg.WeightReply}
	quotaLedger, err := quota.NewLedger(cfg.DataDir+"/quota.json", cfg.GlobalPackTotal, cfg.DailyLimit, weights, nil)
	if err != nil {
		notifier.LedgerCorrupted(ctx, "quota", err)
		return fmt.Errorf("loading quota ledger: %w", err)
	}

	idemLedger, err := idempotency.NewLedger(cfg.DataDir + "/idempotency.json")
	if err != nil {
		notifier.LedgerCorrupted(ctx, "idempotency", err)
		return fmt.Errorf("loading idempotency ledger: %w", err)
	}

	muteRegistry, err := mute.NewRegistry(cfg.DataDir+"/mutes.json", nil)
	if err != nil {
		notifier.LedgerCorrupted(ctx, "mute", err)
		return fmt.Errorf("loading mute registry: %w", err)
	}

	watchList, err := watchlist.NewList(cfg.DataDir + "/watchlist.json")
	if err != nil {
		notifier.LedgerCorrupted(ctx, "watchlist", err)
		return fmt.Errorf("loading watch list: %w", err)
	}

	credStore, err := credential.NewStore(cfg.DataDir+"/credentials.enc", cfg.EncryptionKey, credential.OAuthEndpoint{}, logger)
	if err != nil {
		notifier.LedgerCorrupted(ctx, "credential", err)
		return fmt.Errorf("loading credential store: %w", err)
	}
	for _, acct := range credStore.List() {
		quotaLedger.RegisterAccount(acct.ID, acct.AddedAt)
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parsing redis url: %w", err)
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
	}

	clients := apiclient.NewFactory(credStore, cfg.PlatformAPIBaseURL, cfg.ClientCacheTTL, cfg.RefreshWindow)

	var replies replytext.Provider
	if cfg.ReplyProviderURL != "" {
		replies = replytext.NewHTTPProvider(cfg.ReplyProviderURL, cfg.ReplyProviderKey)
	} else {
		replies = noopReplyProvider{}
	}
	images := replytext.ImagePolicy{
		Enabled:     cfg.ReplyImageEnable,
		Probability: cfg.ReplyImageProb,
		Dir:         cfg.ReplyImageDir,
	}

	sc := scanner.New(clients, idemLedger, logger)
	pl := planner.New(idemLedger, quotaLedger, muteRegistry, replies, images, planner.DelayBounds{Min: cfg.MinDelay, Max: cfg.MaxDelay}, nil)

	classifier := classify.New(classify.Options{
		BackoffBaseMS: cfg.BackoffBaseMS,
		BackoffCapMS:  cfg.BackoffCapMS,
		MaxAttempts:   cfg.MaxAttempts,
		MinMuteMS:     cfg.MinMuteMS,
	})
	resolver := storeResolver{store: credStore}
	sched := scheduler.New(clients, quotaLedger, idemLedger, muteRegistry, classifier, resolver, logger, scheduler.Options{
		PoolSize:      cfg.PoolSize,
		ActionTimeout: cfg.ActionTimeout,
		DataDir:       cfg.DataDir,
	})

	if _, err := sched.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconciling pending intents: %w", err)
	}

	sup := supervisor.New(sc, pl, sched, quotaLedger, credStore, watchList, logger, supervisor.Options{
		TickInterval:          cfg.TickInterval,
		FirstScanTimeout:      cfg.FirstScanTimeout,
		PeriodicScanTimeout:   cfg.PeriodicScanTimeout,
		ShutdownDrainDeadline: cfg.ShutdownDrainDeadline,
	}, rdb)

	metricsReg := telemetry.NewMetricsRegistry()
	srv := httpserver.NewServer(httpserver.Config{CORSAllowedOrigins: []string{"*"}}, sup, metricsReg, logger)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("control surface listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	supErrCh := make(chan error, 1)
	go func() { supErrCh <- sup.Run(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutting down control surface", "error", err)
		}
		return <-supErrCh
	case err := <-errCh:
		return err
	case err := <-supErrCh:
		return err
	}
}

// noopReplyProvider is used when no reply-text provider is configured:
// posts are still liked/reposted, just never replied to.
type noopReplyProvider struct{}

func (noopReplyProvider) Generate(ctx context.Context, posts []model.Post, style string) ([]string, error) {
	return nil, nil
}
