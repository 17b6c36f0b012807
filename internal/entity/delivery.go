package entity

import (
	"errors"
	"fmt"
)

type DeliveryStatus string

const (
	DeliveryStatusSent    DeliveryStatus = "sent"
	DeliveryStatusPending DeliveryStatus = "pending"
)

type FailureReason string

const (
	FailureReasonNetwork  FailureReason = "network"
	FailureReasonStatus   FailureReason = "status"
	FailureReasonRejected FailureReason = "rejected"
	FailureReasonDisabled FailureReason = "disabled"
)

// DeliveryFailure is the typed error every notification channel reports.
type DeliveryFailure struct {
	Channel    string
	Reason     FailureReason
	StatusCode int
	Err        error
}

func (e *DeliveryFailure) Error() string {
	msg := fmt.Sprintf("%s delivery failed (%s)", e.Channel, e.Reason)

	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *DeliveryFailure) Unwrap() error { return e.Err }

func (e *DeliveryFailure) Is(target error) bool { return target == ErrDelivery }

// AsDeliveryFailure wraps any channel error into a DeliveryFailure, keeping an existing one as is.
func AsDeliveryFailure(channel string, err error) *DeliveryFailure {
	var df *DeliveryFailure
	if errors.As(err, &df) {
		if df.Channel == "" {
			df.Channel = channel
		}

		return df
	}

	return &DeliveryFailure{Channel: channel, Reason: FailureReasonRejected, Err: err}
}

type DeliveryResult struct {
	Success  bool
	Method   string
	Attempts int
	Err      error
}

func (r DeliveryResult) Status() DeliveryStatus {
	if r.Success {
		return DeliveryStatusSent
	}

	return DeliveryStatusPending
}
