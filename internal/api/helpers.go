package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/samandr77/jacaranda/internal/entity"
)

const errInternalText = "an error occurred"

const (
	kindValidation         = "validation_error"
	kindInvalidCredentials = "invalid_credentials"
	kindBanned             = "banned"
	kindRateLimited        = "rate_limited"
	kindInvalidOTP         = "invalid_otp"
	kindNotFound           = "not_found"
	kindForbidden          = "forbidden"
	kindUnauthorized       = "unauthorized"
	kindServerError        = "server_error"
)

type ResponseError struct {
	Error      string `json:"error"`
	Detail     string `json:"detail"`
	RetryAfter *int64 `json:"retry_after,omitempty"`
}

func sendErr(ctx context.Context, w http.ResponseWriter, code int, kind string, err error, detail string) {
	if code >= http.StatusInternalServerError {
		slog.ErrorContext(ctx, detail, "error", err, "http_code", code)
	} else {
		slog.WarnContext(ctx, detail, "error", err, "http_code", code)
	}

	sendJSON(ctx, w, code, ResponseError{Error: kind, Detail: detail})
}

func sendJSON(ctx context.Context, w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	err := json.NewEncoder(w).Encode(data)
	if err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err, "http_code", code)
	}
}

// sendServiceErr maps a service error onto the wire taxonomy. Unclassified errors never leak their text.
func sendServiceErr(ctx context.Context, w http.ResponseWriter, err error) {
	var (
		rl *entity.RateLimitedError
		ve *entity.ValidationError
	)

	switch {
	case errors.As(err, &rl):
		seconds := int64(math.Ceil(rl.RetryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}

		w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
		slog.WarnContext(ctx, "rate limited", "retry_after", seconds)
		sendJSON(ctx, w, http.StatusTooManyRequests, ResponseError{
			Error:      kindRateLimited,
			Detail:     "Too many attempts. Please try again later.",
			RetryAfter: &seconds,
		})
	case errors.As(err, &ve):
		sendErr(ctx, w, http.StatusBadRequest, kindValidation, err, ve.Reason.Error())
	case errors.Is(err, entity.ErrInvalidCredentials):
		sendErr(ctx, w, http.StatusUnauthorized, kindInvalidCredentials, err, "Invalid credentials")
	case errors.Is(err, entity.ErrBanned):
		sendErr(ctx, w, http.StatusForbidden, kindBanned, err, "Your account has been banned")
	case errors.Is(err, entity.ErrInvalidOTP):
		sendErr(ctx, w, http.StatusBadRequest, kindInvalidOTP, err, "Invalid or expired OTP")
	case errors.Is(err, entity.ErrNotFound):
		sendErr(ctx, w, http.StatusNotFound, kindNotFound, err, "User not found")
	case errors.Is(err, entity.ErrForbidden):
		sendErr(ctx, w, http.StatusForbidden, kindForbidden, err, "You do not have permission to perform this action")
	case errors.Is(err, entity.ErrUnauthorized):
		sendErr(ctx, w, http.StatusUnauthorized, kindUnauthorized, err, "Authentication credentials were not provided")
	default:
		sendErr(ctx, w, http.StatusInternalServerError, kindServerError, err, errInternalText)
	}
}

func sendBadRequest(ctx context.Context, w http.ResponseWriter, err error) {
	sendErr(ctx, w, http.StatusBadRequest, kindValidation, err, "Malformed request body")
}
