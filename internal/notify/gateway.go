package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/samandr77/jacaranda/internal/entity"
	"github.com/samandr77/jacaranda/pkg/logger"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
)

type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Gateway tries its channels in order on every attempt and retries the whole walk with linear backoff.
type Gateway struct {
	l        *slog.Logger
	channels []Channel
	cfg      Config
	sleep    func(ctx context.Context, d time.Duration)
}

func NewGateway(l *slog.Logger, cfg Config, channels ...Channel) *Gateway {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}

	if cfg.BaseDelay < 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}

	return &Gateway{
		l:        l.With("component", "notify"),
		channels: channels,
		cfg:      cfg,
		sleep:    sleepCtx,
	}
}

// WithSleep replaces the backoff wait, tests use it to skip real delays.
func (g *Gateway) WithSleep(fn func(ctx context.Context, d time.Duration)) *Gateway {
	g.sleep = fn
	return g
}

// SendOTP returns the name of the channel that accepted the message or the last channel failure.
func (g *Gateway) SendOTP(ctx context.Context, msg Message) (string, error) {
	if len(g.channels) == 0 {
		return "", &entity.DeliveryFailure{Channel: "none", Reason: entity.FailureReasonDisabled}
	}

	var last *entity.DeliveryFailure

	for _, ch := range g.channels {
		err := ch.Send(ctx, msg)
		if err == nil {
			deliveriesTotal.WithLabelValues(ch.Name(), outcomeSuccess).Inc()
			return ch.Name(), nil
		}

		last = entity.AsDeliveryFailure(ch.Name(), err)

		deliveriesTotal.WithLabelValues(ch.Name(), outcomeFailure).Inc()

		if last.Reason != entity.FailureReasonDisabled {
			g.l.WarnContext(ctx, "channel failed, trying next",
				"channel", ch.Name(),
				"reason", last.Reason,
				"to", logger.MaskContact(msg.To),
				"error", last,
			)
		}
	}

	return last.Channel, last
}

// SendOTPWithRetry never returns an error; a failed delivery is reported through the result.
func (g *Gateway) SendOTPWithRetry(ctx context.Context, to, code string, ttl time.Duration) entity.DeliveryResult {
	// the caller may go away, the delivery must still finish
	ctx = context.WithoutCancel(ctx)

	msg, err := NewOTPMessage(to, code, ttl)
	if err != nil {
		return entity.DeliveryResult{Err: err}
	}

	var res entity.DeliveryResult

	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		res.Attempts = attempt

		method, err := g.SendOTP(ctx, msg)
		res.Method = method

		if err == nil {
			res.Success = true
			res.Err = nil

			g.l.InfoContext(ctx, "otp delivered", "method", method, "attempt", attempt, "to", logger.MaskContact(to))

			return res
		}

		res.Err = err

		if attempt < g.cfg.MaxAttempts {
			g.sleep(ctx, time.Duration(attempt)*g.cfg.BaseDelay)
		}
	}

	g.l.ErrorContext(ctx, "otp delivery failed", "attempts", res.Attempts, "to", logger.MaskContact(to), "error", res.Err)

	return res
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
