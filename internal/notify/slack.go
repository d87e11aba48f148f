package notify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/slack-go/slack"
)

const maxRetries = 3

// slackClient is the subset of the slack API used for posting.
type slackClient interface {
	PostMessage(channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackNotifier posts notices to a Slack channel as colored attachments.
type SlackNotifier struct {
	client    slackClient
	channelID string
}

// SlackOpts holds parameters for creating a SlackNotifier.
type SlackOpts struct {
	BotToken  string
	ChannelID string
}

// NewSlack creates a SlackNotifier.
func NewSlack(opts SlackOpts) (*SlackNotifier, error) {
	if opts.BotToken == "" {
		return nil, fmt.Errorf("notify: slack: bot token is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("notify: slack: channel id is required")
	}
	return &SlackNotifier{client: slack.New(opts.BotToken), channelID: opts.ChannelID}, nil
}

// Notify implements Notifier.
func (s *SlackNotifier) Notify(ctx context.Context, n Notice) error {
	opts := []slack.MsgOption{
		slack.MsgOptionText(n.Title, false),
		slack.MsgOptionAttachments(noticeToAttachment(n)),
	}
	err := retryOnRateLimit(ctx, func() error {
		_, _, err := s.client.PostMessage(s.channelID, opts...)
		return err
	})
	if err != nil {
		return fmt.Errorf("notify: slack: post message: %w", err)
	}
	return nil
}

func noticeToAttachment(n Notice) slack.Attachment {
	att := slack.Attachment{
		Title:    n.Title,
		Text:     n.Body,
		Color:    n.Severity.Color(),
		Fallback: n.Title,
	}
	for _, f := range n.Fields {
		att.Fields = append(att.Fields, slack.AttachmentField{
			Title: f.Name,
			Value: f.Value,
			Short: f.Short,
		})
	}
	return att
}

// retryOnRateLimit calls fn and retries on Slack rate limit errors,
// honoring RetryAfter when Slack provides it.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var rle *slack.RateLimitedError
		if !errors.As(err, &rle) || attempt == maxRetries {
			return err
		}
		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
