package notify

import (
	"context"

	"github.com/samandr77/jacaranda/internal/entity"
)

const (
	RelayChannelName = "kafka"

	EventTypeOTPEmail = "otp.email"
)

// Event is the relay wire format consumed by the notifier.
type Event struct {
	Type    string `json:"type"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
	HTML    string `json:"html"`
}

func (e Event) Message() Message {
	return Message{To: e.To, Subject: e.Subject, Text: e.Text, HTML: e.HTML}
}

type Publisher interface {
	Publish(ctx context.Context, key string, event any) error
}

// RelayChannel hands the message to the broker; delivery counts as successful once the write is acknowledged.
type RelayChannel struct {
	pub Publisher
}

func NewRelayChannel(pub Publisher) *RelayChannel {
	return &RelayChannel{pub: pub}
}

func (c *RelayChannel) Name() string {
	return RelayChannelName
}

func (c *RelayChannel) Send(ctx context.Context, msg Message) error {
	err := c.pub.Publish(ctx, msg.To, Event{
		Type:    EventTypeOTPEmail,
		To:      msg.To,
		Subject: msg.Subject,
		Text:    msg.Text,
		HTML:    msg.HTML,
	})
	if err != nil {
		return &entity.DeliveryFailure{Channel: RelayChannelName, Reason: entity.FailureReasonNetwork, Err: err}
	}

	return nil
}
