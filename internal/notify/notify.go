// Package notify delivers reaction-engine escalations and notifications,
// grounded on the Slack client shape used elsewhere in the pack
// (pkg/slack's thin wrapper over slack-go), adapted to a one-shot
// "post a message" contract instead of threaded alert deduplication.
package notify

import (
	"context"
	"fmt"
	"time"

	goslack "github.com/slack-go/slack"
	"go.uber.org/zap"
)

// Message is one notify/escalate payload.
type Message struct {
	Reason    string
	SessionID string
	Branch    string
	PRNumber  int
}

func (m Message) text() string {
	if m.PRNumber != 0 {
		return fmt.Sprintf("[%s] %s (branch=%s, pr=#%d)", m.SessionID, m.Reason, m.Branch, m.PRNumber)
	}
	return fmt.Sprintf("[%s] %s (branch=%s)", m.SessionID, m.Reason, m.Branch)
}

// Notifier delivers a Message somewhere a human will see it.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// New returns a SlackNotifier when token and channel are both set, or a
// LogNotifier otherwise — so a project with no Slack webhook configured
// still gets its escalations somewhere durable.
func New(token, channel string, logger *zap.Logger) Notifier {
	if token == "" || channel == "" {
		return &LogNotifier{logger: logger}
	}
	return &SlackNotifier{
		api:     goslack.New(token),
		channel: channel,
		logger:  logger,
	}
}

// SlackNotifier posts to a fixed Slack channel.
type SlackNotifier struct {
	api     *goslack.Client
	channel string
	logger  *zap.Logger
	Timeout time.Duration
}

// Notify posts msg to the configured channel.
func (n *SlackNotifier) Notify(ctx context.Context, msg Message) error {
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, _, err := n.api.PostMessageContext(ctx, n.channel, goslack.MsgOptionText(msg.text(), false))
	if err != nil {
		if n.logger != nil {
			n.logger.Error("notify: slack post failed", zap.Error(err), zap.String("session_id", msg.SessionID))
		}
		return fmt.Errorf("post to slack: %w", err)
	}
	return nil
}

// LogNotifier logs instead of delivering anywhere, the fallback for
// projects with no Slack webhook configured.
type LogNotifier struct {
	logger *zap.Logger
}

// Notify logs msg at warn level.
func (n *LogNotifier) Notify(ctx context.Context, msg Message) error {
	if n.logger != nil {
		n.logger.Warn("notify", zap.String("session_id", msg.SessionID), zap.String("reason", msg.Reason),
			zap.String("branch", msg.Branch), zap.Int("pr_number", msg.PRNumber))
	}
	return nil
}
