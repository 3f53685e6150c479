package notify

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/slack-go/slack"
)

// Slack posts run events to an incoming webhook.
type Slack struct {
	webhookURL string
}

// NewSlack returns a Slack notifier for the given incoming webhook URL.
func NewSlack(webhookURL string) *Slack {
	return &Slack{webhookURL: webhookURL}
}

// Notify implements Notifier.
func (s *Slack) Notify(ctx context.Context, ev Event) error {
	color := "good"
	if ev.Status != "success" {
		color = "danger"
	}

	fields := []slack.AttachmentField{
		{Title: "Status", Value: ev.Status, Short: true},
		{Title: "Duration", Value: ev.Duration.Round(1e9).String(), Short: true},
	}
	if ev.Error != "" {
		fields = append(fields, slack.AttachmentField{Title: "Error", Value: ev.Error})
	}
	if n, ok := ev.Result["total_bytes"].(int64); ok {
		fields = append(fields, slack.AttachmentField{
			Title: "Size", Value: humanize.IBytes(uint64(n)), Short: true,
		})
	}

	msg := &slack.WebhookMessage{
		Attachments: []slack.Attachment{{
			Color:  color,
			Title:  fmt.Sprintf("Task %s finished", ev.Task),
			Fields: fields,
		}},
	}
	return slack.PostWebhookContext(ctx, s.webhookURL, msg)
}
