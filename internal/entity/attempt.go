package entity

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

type AttemptOutcome string

const (
	AttemptOutcomeOTPSent            AttemptOutcome = "otp_sent"
	AttemptOutcomeOTPPending         AttemptOutcome = "otp_pending"
	AttemptOutcomeInvalidCredentials AttemptOutcome = "invalid_credentials"
	AttemptOutcomeBanned             AttemptOutcome = "banned"
	AttemptOutcomeLocked             AttemptOutcome = "locked"
)

// Attempt is one row of the login audit trail. Lockout decisions never read it.
type Attempt struct {
	ID         uuid.UUID
	IdentityID *int64
	Login      string
	IPAddress  string
	Outcome    AttemptOutcome
	CreatedAt  time.Time
}
