package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/samandr77/jacaranda/internal/notify"
	"github.com/samandr77/jacaranda/pkg/logger"
)

type Mailer interface {
	Send(ctx context.Context, msg notify.Message) error
}

type EventHandler struct {
	l      *slog.Logger
	mailer Mailer
}

func NewEventHandler(l *slog.Logger, mailer Mailer) *EventHandler {
	return &EventHandler{l: l, mailer: mailer}
}

func (h *EventHandler) SendOTPEmail(ctx context.Context, msg kafka.Message) error {
	var event notify.Event

	err := json.Unmarshal(msg.Value, &event)
	if err != nil {
		return fmt.Errorf("unmarshal event: %w", err)
	}

	if event.Type != notify.EventTypeOTPEmail {
		h.l.WarnContext(ctx, "skip unknown event", "type", event.Type)
		return nil
	}

	if event.To == "" {
		return fmt.Errorf("event without recipient at offset %d", msg.Offset)
	}

	err = h.mailer.Send(ctx, event.Message())
	if err != nil {
		return fmt.Errorf("send otp email: %w", err)
	}

	h.l.InfoContext(ctx, "relayed otp email", "to", logger.MaskContact(event.To))

	return nil
}
