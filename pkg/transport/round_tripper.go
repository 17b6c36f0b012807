package transport

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/samandr77/jacaranda/pkg/logger"
)

// LoggingRoundTripper forwards the request id and logs every outgoing call without its body.
type LoggingRoundTripper struct {
	Transport http.RoundTripper
	Service   string
}

func NewLoggingRoundTripper(service string, transport http.RoundTripper) *LoggingRoundTripper {
	if transport == nil {
		transport = http.DefaultTransport
	}

	return &LoggingRoundTripper{Transport: transport, Service: service}
}

func (t *LoggingRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	ctx := r.Context()

	reqID := logger.RequestIDFromCtx(ctx)
	if reqID != "" {
		r.Header.Set("X-Request-Id", reqID)
	}

	target := fmt.Sprintf("%s %s", r.Method, r.URL.Redacted())

	slog.InfoContext(ctx, "outgoing request", "service", t.Service, "request", target)

	start := time.Now()

	resp, err := t.Transport.RoundTrip(r)
	if err != nil {
		slog.WarnContext(ctx, "outgoing request failed", "service", t.Service, "request", target, "error", err)
		return nil, fmt.Errorf("round trip: %w", err)
	}

	slog.InfoContext(ctx, "incoming response",
		"service", t.Service,
		"response", target,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return resp, nil
}
