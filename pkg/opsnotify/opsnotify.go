// Package opsnotify posts a short Slack message for the handful of events
// an operator needs to react to promptly: an account dropping into
// requires_reconnection, the global daily pack running dry, or a ledger
// failing to load at startup.
package opsnotify

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// Notifier posts ops alerts to a single configured Slack channel.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// New creates a Notifier. If botToken is empty, the notifier is a no-op
// (log-only), so the control surface works the same whether or not Slack
// is configured.
func New(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{client: client, channel: channel, logger: logger}
}

// IsEnabled reports whether alerts are actually sent to Slack.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// AccountRequiresReconnection alerts that an account's credentials were
// rejected outright and need manual reauthorization.
func (n *Notifier) AccountRequiresReconnection(ctx context.Context, accountID, handle string) error {
	return n.post(ctx, fmt.Sprintf(":warning: account `%s` (%s) requires reconnection — automation paused for this account until reauthorized.", accountID, handle))
}

// GlobalPackExhausted alerts that the shared daily action budget has been
// fully consumed.
func (n *Notifier) GlobalPackExhausted(ctx context.Context, used, total int) error {
	return n.post(ctx, fmt.Sprintf(":no_entry: global action pack exhausted (%d/%d) — all accounts are quota-blocked until the next reset.", used, total))
}

// LedgerCorrupted alerts that a ledger file failed to parse at startup,
// the one condition that aborts the process entirely.
func (n *Notifier) LedgerCorrupted(ctx context.Context, ledger string, cause error) error {
	return n.post(ctx, fmt.Sprintf(":rotating_light: %s ledger is corrupted and could not be loaded: %v — process exiting.", ledger, cause))
}

func (n *Notifier) post(ctx context.Context, text string) error {
	if !n.IsEnabled() {
		n.logger.Debug("slack notifier disabled, skipping ops alert", "text", text)
		return nil
	}
	_, _, err := n.client.PostMessageContext(ctx, n.channel, goslack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("posting ops alert to slack: %w", err)
	}
	return nil
}
