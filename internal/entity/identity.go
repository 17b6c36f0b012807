package entity

import "time"

type Identity struct {
	ID           int64     `json:"id"`
	DisplayName  string    `json:"username"`
	Contact      string    `json:"email"`
	PasswordHash string    `json:"-"`
	IsActive     bool      `json:"is_active"`
	IsBanned     bool      `json:"is_banned"`
	IsAdmin      bool      `json:"is_admin"`
	IsStaff      bool      `json:"is_staff"`
	IsSuperuser  bool      `json:"is_superuser"`
	Anonymous    bool      `json:"is_anonymous"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HasElevatedRole is the only place admin-equivalence is decided.
func (i Identity) HasElevatedRole() bool {
	return i.IsAdmin || i.IsStaff || i.IsSuperuser
}

type RoleFlags struct {
	IsAdmin     bool `json:"is_admin"`
	IsStaff     bool `json:"is_staff"`
	IsSuperuser bool `json:"is_superuser"`
}

func (i Identity) Roles() RoleFlags {
	return RoleFlags{
		IsAdmin:     i.IsAdmin,
		IsStaff:     i.IsStaff,
		IsSuperuser: i.IsSuperuser,
	}
}

// Principal is an authenticated identity with its capability computed once per request.
type Principal struct {
	Identity     Identity
	Elevated     bool
	SessionToken string
}

func NewPrincipal(identity Identity, sessionToken string) Principal {
	return Principal{
		Identity:     identity,
		Elevated:     identity.HasElevatedRole(),
		SessionToken: sessionToken,
	}
}

type LoginState string

const (
	LoginStateAnonymous       LoginState = "ANONYMOUS"
	LoginStatePasswordPending LoginState = "PASSWORD_PENDING"
	LoginStateOTPPending      LoginState = "OTP_PENDING"
	LoginStateAuthenticated   LoginState = "AUTHENTICATED"
	LoginStateRejected        LoginState = "REJECTED"
)
