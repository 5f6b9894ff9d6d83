// Package notify posts run-completion and stuck-review-queue alerts to
// Slack, the teacher's own out-of-band alerting channel for long-running
// background work.
package notify

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/slack-go/slack"

	"github.com/spec-harvester/harvester/pkg/orchestrator"
)

// Notifier posts harvest-api alerts to a single Slack channel via a bot
// token. A nil Client (New with an empty token) disables posting (used in tests and
// local dev where no channel is configured).
type Notifier struct {
	Client  *slack.Client
	Channel string
	Log     logr.Logger
}

// New builds a Notifier. An empty token returns a Notifier whose methods
// are no-ops, so callers can construct one unconditionally.
func New(token, channel string, log logr.Logger) *Notifier {
	var client *slack.Client
	if token != "" {
		client = slack.New(token)
	}
	return &Notifier{Client: client, Channel: channel, Log: log}
}

// RunCompleted announces a finished run with its stop reason and field
// count, the run-level signal a catalog operator watches for.
func (n *Notifier) RunCompleted(ctx context.Context, summary orchestrator.RunSummary) {
	if n.Client == nil {
		return
	}
	text := fmt.Sprintf("run %s (%s/%s) finished: status=%s stop_reason=%s rounds=%d fields=%d",
		summary.RunID, summary.Category, summary.ProductID, summary.Status, summary.StopReason, summary.Rounds, len(summary.Fields))
	n.post(text)
}

// StuckReviewQueue warns that count keys have sat in the review queue past
// the configured staleness window, prompting a human to clear the backlog.
func (n *Notifier) StuckReviewQueue(ctx context.Context, count int, oldestAgeHours float64) {
	if n.Client == nil {
		return
	}
	text := fmt.Sprintf("review queue backlog: %d keys pending, oldest %.1fh", count, oldestAgeHours)
	n.post(text)
}

func (n *Notifier) post(text string) {
	_, _, err := n.Client.PostMessage(n.Channel, slack.MsgOptionText(text, false))
	if err != nil {
		n.Log.Info("notify: slack post failed", "error", err.Error())
	}
}
