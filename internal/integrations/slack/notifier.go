// Package slack posts operator-facing escalations. Expired review
// items and permanently failed forms end up in the configured channel;
// everything else stays in the logs.
package slack

import (
	"fmt"
	"log"

	"github.com/slack-go/slack"

	"tallyflow/internal/domain"
)

type Notifier struct {
	api     *slack.Client
	channel string
}

func New(token, channel string) *Notifier {
	return &Notifier{
		api:     slack.New(token),
		channel: channel,
	}
}

// ReviewExpired reports a review item that sat open past its TTL.
func (n *Notifier) ReviewExpired(item domain.ReviewItem) error {
	msg := fmt.Sprintf(":hourglass: Review item `%s` expired unreviewed (form %d, cell %s, priority %s): %s",
		item.ID, item.FormID, item.CellID, item.Priority, item.Reason)
	_, _, err := n.api.PostMessage(n.channel, slack.MsgOptionText(msg, false))
	if err != nil {
		return fmt.Errorf("posting review expiry: %w", err)
	}
	log.Printf("slack notified expired item=%s channel=%s", item.ID, n.channel)
	return nil
}

// FormFailed reports a form that exhausted its retries.
func (n *Notifier) FormFailed(form domain.FormRecord, reason string) error {
	msg := fmt.Sprintf(":rotating_light: Form %d (%s/%s station %s) failed permanently after %d attempts: %s",
		form.ID, form.Department, form.Municipality, form.Station, form.RetryCount, reason)
	_, _, err := n.api.PostMessage(n.channel, slack.MsgOptionText(msg, false))
	if err != nil {
		return fmt.Errorf("posting form failure: %w", err)
	}
	log.Printf("slack notified failed form=%d channel=%s", form.ID, n.channel)
	return nil
}
