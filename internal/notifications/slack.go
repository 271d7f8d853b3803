package notifications

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Harvey-AU/index-bee/internal/pipeline"
	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"
)

// SlackNotifier posts a run summary to a Slack incoming webhook
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
}

// NewSlackNotifier creates a notifier for webhookURL. A nil client uses a
// client with a 10 second timeout.
func NewSlackNotifier(webhookURL string, client *http.Client) *SlackNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &SlackNotifier{webhookURL: webhookURL, client: client}
}

// Notify sends the summary of a finished run
func (n *SlackNotifier) Notify(ctx context.Context, s pipeline.Summary) error {
	msg := &slack.WebhookMessage{
		Text:   fallbackText(s),
		Blocks: &slack.Blocks{BlockSet: buildMessageBlocks(s)},
	}

	if err := slack.PostWebhookCustomHTTPContext(ctx, n.webhookURL, n.client, msg); err != nil {
		return fmt.Errorf("failed to post Slack run summary: %w", err)
	}

	log.Info().
		Str("run_id", s.RunID).
		Int("succeeded", s.Succeeded).
		Int("failed", s.Failed).
		Msg("Slack run summary sent")
	return nil
}

func fallbackText(s pipeline.Summary) string {
	return fmt.Sprintf("Indexing run for %s: %d submitted, %d succeeded, %d failed",
		s.SitemapURL, s.Attempted, s.Succeeded, s.Failed)
}

func buildMessageBlocks(s pipeline.Summary) []slack.Block {
	var emoji string
	switch {
	case s.Attempted == 0:
		emoji = ":zzz:"
	case s.Failed == 0:
		emoji = ":white_check_mark:"
	case s.Succeeded == 0:
		emoji = ":x:"
	default:
		emoji = ":warning:"
	}

	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject(
				"mrkdwn",
				fmt.Sprintf("%s *Indexing run complete:* %s", emoji, s.SitemapURL),
				false,
				false,
			),
			nil,
			nil,
		),
		slack.NewSectionBlock(
			nil,
			[]*slack.TextBlockObject{
				field("Submitted", s.Attempted),
				field("Succeeded", s.Succeeded),
				field("Failed", s.Failed),
				field("New URLs", s.Added),
				field("Pending", s.After.Pending),
				slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Duration*\n%s", formatDuration(s.Elapsed)), false, false),
			},
			nil,
		),
	}

	if s.Interrupted {
		blocks = append(blocks, slack.NewContextBlock("",
			slack.NewTextBlockObject("mrkdwn", "Run was interrupted before all batches were submitted", false, false),
		))
	}

	blocks = append(blocks, slack.NewContextBlock("",
		slack.NewTextBlockObject("mrkdwn", "Run ID: "+s.RunID, false, false),
	))

	return blocks
}

func field(label string, value int) *slack.TextBlockObject {
	return slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*%s*\n%d", label, value), false, false)
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
