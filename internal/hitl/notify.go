package hitl

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"golang.org/x/oauth2"

	taskflowerrors "github.com/taskflow/taskflow/internal/errors"
	"github.com/taskflow/taskflow/internal/types"
)

// Notifier posts to the incident-channel rung of the escalation ladder
// (spec §4.5). The bot token is wrapped in an oauth2.StaticTokenSource
// so the Slack client's transport goes through the standard
// golang.org/x/oauth2 HTTP client rather than a hand-rolled
// Authorization-header round tripper.
type Notifier struct {
	client  *slack.Client
	channel string
}

// NewNotifier returns nil when botToken is empty, so an Engine built
// without Slack configured simply skips the incident-channel rung
// rather than failing to start.
func NewNotifier(botToken, channel string) *Notifier {
	if botToken == "" {
		return nil
	}
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: botToken})
	httpClient := oauth2.NewClient(context.Background(), src)
	return &Notifier{
		client:  slack.New(botToken, slack.OptionHTTPClient(httpClient)),
		channel: channel,
	}
}

// PostIncident announces a review item's final escalation (spec §4.5:
// "breach... incident channel"). A nil Notifier makes this a no-op.
func (n *Notifier) PostIncident(ctx context.Context, item *types.ReviewItem, reason string) error {
	if n == nil {
		return nil
	}
	text := fmt.Sprintf("Task %s escalated to the incident channel: %s (risk score %d, %d promotions)",
		item.TaskID, reason, item.RiskScore, item.Promotions)
	_, _, err := n.client.PostMessageContext(ctx, n.channel, slack.MsgOptionText(text, false))
	if err != nil {
		return taskflowerrors.Wrap(err, taskflowerrors.ErrorTypeDependency, "post hitl incident message")
	}
	return nil
}
