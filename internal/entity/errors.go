package entity

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrValidation         = errors.New("validation error")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrBanned             = errors.New("identity is banned")
	ErrRateLimited        = errors.New("rate limited")
	ErrInvalidOTP         = errors.New("invalid or expired otp")
	ErrNotFound           = errors.New("not found")
	ErrDelivery           = errors.New("delivery failed")
	ErrForbidden          = errors.New("forbidden")
	ErrUnauthorized       = errors.New("unauthorized")
)

var (
	ErrDisplayNameTaken = errors.New("username already exists")
	ErrContactTaken     = errors.New("email already exists")
)

var (
	ErrPasswordInvalidLen     = errors.New("password must be at least 8 characters and at most 72 bytes")
	ErrPasswordAllDigits      = errors.New("password can't be entirely numeric")
	ErrPasswordSameAsName     = errors.New("password is too similar to the username")
	ErrPasswordMismatch       = errors.New("passwords do not match")
	ErrEmailInvalidLen        = errors.New("email length exceeds 254 characters")
	ErrEmailInvalidFormat     = errors.New("incorrect email format")
	ErrDisplayNameInvalidLen  = errors.New("username must be from 1 to 50 characters")
	ErrCannotBanElevated      = errors.New("cannot ban admin users")
	ErrNoUsableContactAddress = errors.New("email address is required")
	ErrLoginFieldsRequired    = errors.New("email and password are required")
	ErrOTPFieldsRequired      = errors.New("user_id and otp are required")
	ErrUserIDRequired         = errors.New("user_id is required")
	ErrAllFieldsRequired      = errors.New("all fields are required")
)

type ValidationError struct {
	Field  string
	Reason error
}

func NewValidationError(field string, reason error) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason.Error()
	}

	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Reason }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s: retry after %s", ErrRateLimited, e.RetryAfter)
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }
