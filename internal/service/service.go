package service

//go:generate go run go.uber.org/mock/mockgen@latest -source=service.go -destination=../mocks/mock_service.go -package=mocks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/samandr77/jacaranda/internal/entity"
	"github.com/samandr77/jacaranda/internal/ledger"
	"github.com/samandr77/jacaranda/pkg/logger"
)

type IdentityRepository interface {
	FindByContact(ctx context.Context, contact string) (entity.Identity, error)
	FindByName(ctx context.Context, name string) (entity.Identity, error)
	FindByID(ctx context.Context, id int64) (entity.Identity, error)
	Create(ctx context.Context, identity entity.Identity) (entity.Identity, error)
	UpdateAnonymous(ctx context.Context, id int64, anonymous bool) error
	UpdateBanned(ctx context.Context, id int64, banned bool) error
}

type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(hash, password string) (bool, error)
	CompareDummy(password string)
}

type Ledger interface {
	IsLocked(ctx context.Context, key ledger.Key) (bool, time.Duration, error)
	RecordFailure(ctx context.Context, key ledger.Key) (int64, error)
}

type OTPIssuer interface {
	Issue(ctx context.Context, identityID int64) (string, error)
	IssueAndSend(ctx context.Context, identityID int64, address string) (entity.DeliveryResult, error)
	Verify(ctx context.Context, identityID int64, code string) (bool, error)
	Consume(ctx context.Context, identityID int64) (bool, error)
	Revoke(ctx context.Context, identityID int64) error
}

type Sessions interface {
	Create(ctx context.Context, identityID int64) (string, error)
	Lookup(ctx context.Context, token string) (int64, error)
	Destroy(ctx context.Context, token string) error
}

type AttemptRecorder interface {
	SaveAttempt(ctx context.Context, attempt entity.Attempt) error
}

type ContactCodec interface {
	Open(sealed string) (string, error)
}

type Deps struct {
	Identities IdentityRepository
	Hasher     PasswordHasher
	Ledger     Ledger
	OTP        OTPIssuer
	Sessions   Sessions
	Tickets    *TicketSigner
	// Optional.
	Attempts AttemptRecorder
	Contacts ContactCodec
}

type Service struct {
	identities IdentityRepository
	hasher     PasswordHasher
	ledger     Ledger
	otp        OTPIssuer
	sessions   Sessions
	tickets    *TicketSigner
	attempts   AttemptRecorder
	contacts   ContactCodec
}

func NewService(d Deps) *Service {
	return &Service{
		identities: d.Identities,
		hasher:     d.Hasher,
		ledger:     d.Ledger,
		otp:        d.OTP,
		sessions:   d.Sessions,
		tickets:    d.Tickets,
		attempts:   d.Attempts,
		contacts:   d.Contacts,
	}
}

type LoginResult struct {
	State          entity.LoginState
	IdentityID     int64
	DeliveryStatus entity.DeliveryStatus
	DeliveryMethod string
	PendingToken   string
}

type VerifyResult struct {
	Identity     entity.Identity
	SessionToken string
	State        entity.LoginState
}

type ResendResult struct {
	DeliveryStatus entity.DeliveryStatus
	DeliveryMethod string
}

type WhoAmIResult struct {
	LoggedIn  bool
	Identity  entity.Identity
	Anonymous bool
}

type RegisterInput struct {
	DisplayName     string
	Contact         string
	Password        string
	ConfirmPassword string
}

// BeginLogin runs the password step. Unknown identities and wrong passwords fail identically.
func (s *Service) BeginLogin(ctx context.Context, login, password, clientAddr string) (LoginResult, error) {
	login = strings.TrimSpace(login)
	if login == "" || password == "" {
		return LoginResult{}, entity.NewValidationError("", entity.ErrLoginFieldsRequired)
	}

	ctx = logger.SetLogType(ctx, "security")
	key := ledger.NewKey(clientAddr, login)

	locked, retryAfter, err := s.ledger.IsLocked(ctx, key)
	if err != nil {
		slog.ErrorContext(ctx, "check lockout", "ip", clientAddr, "error", err)
		return LoginResult{}, fmt.Errorf("check lockout: %w", err)
	}

	if locked {
		slog.WarnContext(ctx, "login rejected, client is locked out", "ip", clientAddr, "retry_after", retryAfter)
		s.recordAttempt(ctx, nil, login, clientAddr, entity.AttemptOutcomeLocked)
		loginAttemptsTotal.WithLabelValues(string(entity.AttemptOutcomeLocked)).Inc()

		return LoginResult{State: entity.LoginStateRejected}, &entity.RateLimitedError{RetryAfter: retryAfter}
	}

	identity, byContact, err := s.resolve(ctx, login)
	if errors.Is(err, entity.ErrNotFound) {
		s.hasher.CompareDummy(password)
		return s.rejectCredentials(ctx, key, nil, login, clientAddr)
	}

	if err != nil {
		slog.ErrorContext(ctx, "resolve identity", "error", err)
		return LoginResult{}, fmt.Errorf("resolve identity: %w", err)
	}

	ok, err := s.hasher.Compare(identity.PasswordHash, password)
	if err != nil {
		slog.ErrorContext(ctx, "compare password", "user_id", identity.ID, "error", err)
		return LoginResult{}, fmt.Errorf("compare password: %w", err)
	}

	if !ok || !identity.IsActive {
		return s.rejectCredentials(ctx, key, &identity.ID, login, clientAddr)
	}

	if identity.IsBanned {
		slog.WarnContext(ctx, "login rejected, identity is banned", "user_id", identity.ID, "ip", clientAddr)
		s.recordAttempt(ctx, &identity.ID, login, clientAddr, entity.AttemptOutcomeBanned)
		loginAttemptsTotal.WithLabelValues(string(entity.AttemptOutcomeBanned)).Inc()

		return LoginResult{State: entity.LoginStateRejected}, entity.ErrBanned
	}

	ctx = withUser(ctx, identity.ID)

	address := login
	if !byContact {
		address = s.storedAddress(ctx, identity)
	}

	delivery := s.issueForLogin(ctx, identity.ID, address)

	ticket, err := s.tickets.Issue(identity.ID)
	if err != nil {
		slog.ErrorContext(ctx, "issue pending ticket", "error", err)
		return LoginResult{}, err
	}

	outcome := entity.AttemptOutcomeOTPSent
	if !delivery.Success {
		outcome = entity.AttemptOutcomeOTPPending
	}

	s.recordAttempt(ctx, &identity.ID, login, clientAddr, outcome)
	loginAttemptsTotal.WithLabelValues(string(outcome)).Inc()

	slog.InfoContext(ctx, "password accepted, otp pending",
		"email_status", delivery.Status(), "delivery_method", delivery.Method, "attempts", delivery.Attempts)

	return LoginResult{
		State:          entity.LoginStateOTPPending,
		IdentityID:     identity.ID,
		DeliveryStatus: delivery.Status(),
		DeliveryMethod: delivery.Method,
		PendingToken:   ticket,
	}, nil
}

func (s *Service) resolve(ctx context.Context, login string) (entity.Identity, bool, error) {
	identity, err := s.identities.FindByContact(ctx, login)
	if err == nil {
		return identity, true, nil
	}

	if !errors.Is(err, entity.ErrNotFound) {
		return entity.Identity{}, false, err
	}

	identity, err = s.identities.FindByName(ctx, login)
	if err != nil {
		return entity.Identity{}, false, err
	}

	return identity, false, nil
}

func (s *Service) rejectCredentials(
	ctx context.Context, key ledger.Key, identityID *int64, login, clientAddr string,
) (LoginResult, error) {
	n, err := s.ledger.RecordFailure(ctx, key)
	if err != nil {
		slog.ErrorContext(ctx, "record login failure", "ip", clientAddr, "error", err)
		return LoginResult{}, fmt.Errorf("record failure: %w", err)
	}

	slog.WarnContext(ctx, "invalid credentials", "ip", clientAddr, "failures", n)
	s.recordAttempt(ctx, identityID, login, clientAddr, entity.AttemptOutcomeInvalidCredentials)
	loginAttemptsTotal.WithLabelValues(string(entity.AttemptOutcomeInvalidCredentials)).Inc()

	return LoginResult{State: entity.LoginStateRejected}, entity.ErrInvalidCredentials
}

// issueForLogin never fails the password step: a held cooldown keeps the previous code live.
func (s *Service) issueForLogin(ctx context.Context, identityID int64, address string) entity.DeliveryResult {
	if address == "" {
		_, err := s.otp.Issue(ctx, identityID)
		if err != nil && !errors.Is(err, entity.ErrRateLimited) {
			slog.ErrorContext(ctx, "issue otp", "error", err)
		}

		slog.WarnContext(ctx, "identity has no usable contact address")

		return entity.DeliveryResult{Err: entity.ErrNoUsableContactAddress}
	}

	delivery, err := s.otp.IssueAndSend(ctx, identityID, address)
	if errors.Is(err, entity.ErrRateLimited) {
		slog.InfoContext(ctx, "otp cooldown held, previous code stays live")
		return entity.DeliveryResult{Err: err}
	}

	if err != nil {
		slog.ErrorContext(ctx, "issue otp", "error", err)
		return entity.DeliveryResult{Err: err}
	}

	if !delivery.Success {
		slog.WarnContext(ctx, "otp delivery failed", "to", logger.MaskContact(address), "error", delivery.Err)
	}

	return delivery
}

// storedAddress returns the identity's contact, opening it when sealed. Decode errors are swallowed.
func (s *Service) storedAddress(ctx context.Context, identity entity.Identity) string {
	if identity.Contact == "" {
		return ""
	}

	if looksLikeAddress(identity.Contact) {
		return identity.Contact
	}

	if s.contacts == nil {
		return ""
	}

	plain, err := s.contacts.Open(identity.Contact)
	if err != nil {
		slog.DebugContext(ctx, "stored contact could not be opened", "error", err)
		return ""
	}

	return plain
}

func (s *Service) ResolveTicket(token string) (int64, error) {
	return s.tickets.Parse(token)
}

func (s *Service) VerifyOTP(ctx context.Context, identityID int64, code string) (VerifyResult, error) {
	code = strings.TrimSpace(code)
	if identityID <= 0 || code == "" {
		return VerifyResult{}, entity.NewValidationError("", entity.ErrOTPFieldsRequired)
	}

	ctx = logger.SetLogType(withUser(ctx, identityID), "security")

	ok, err := s.otp.Verify(ctx, identityID, code)
	if err != nil {
		slog.ErrorContext(ctx, "verify otp", "error", err)
		return VerifyResult{}, fmt.Errorf("verify otp: %w", err)
	}

	if !ok {
		slog.WarnContext(ctx, "invalid or expired otp")
		return VerifyResult{}, entity.ErrInvalidOTP
	}

	identity, err := s.identities.FindByID(ctx, identityID)
	if err != nil {
		if !errors.Is(err, entity.ErrNotFound) {
			slog.ErrorContext(ctx, "load identity for otp", "error", err)
		}

		return VerifyResult{}, err
	}

	if identity.IsBanned {
		err = s.otp.Revoke(ctx, identityID)
		if err != nil {
			slog.ErrorContext(ctx, "revoke otp of banned identity", "error", err)
		}

		slog.WarnContext(ctx, "otp rejected, identity was banned after password step")

		return VerifyResult{}, entity.ErrBanned
	}

	consumed, err := s.otp.Consume(ctx, identityID)
	if err != nil && !consumed {
		slog.ErrorContext(ctx, "consume otp", "error", err)
		return VerifyResult{}, fmt.Errorf("consume otp: %w", err)
	}

	if !consumed {
		slog.WarnContext(ctx, "otp already consumed")
		return VerifyResult{}, entity.ErrInvalidOTP
	}

	token, err := s.sessions.Create(ctx, identityID)
	if err != nil {
		slog.ErrorContext(ctx, "create session", "error", err)
		return VerifyResult{}, fmt.Errorf("create session: %w", err)
	}

	slog.InfoContext(ctx, "otp verified, session created")

	return VerifyResult{Identity: identity, SessionToken: token, State: entity.LoginStateAuthenticated}, nil
}

// ResendOTP issues a fresh code. A failed delivery is reported as pending, not as an error.
func (s *Service) ResendOTP(ctx context.Context, identityID int64, override string) (ResendResult, error) {
	if identityID <= 0 {
		return ResendResult{}, entity.NewValidationError("user_id", entity.ErrUserIDRequired)
	}

	ctx = withUser(ctx, identityID)

	identity, err := s.identities.FindByID(ctx, identityID)
	if err != nil {
		if !errors.Is(err, entity.ErrNotFound) {
			slog.ErrorContext(ctx, "load identity for resend", "error", err)
		}

		return ResendResult{}, err
	}

	if identity.IsBanned {
		return ResendResult{}, entity.ErrBanned
	}

	address := NormalizeContact(override)
	if address != "" && !looksLikeAddress(address) {
		return ResendResult{}, entity.NewValidationError("email", entity.ErrEmailInvalidFormat)
	}

	if address == "" {
		address = s.storedAddress(ctx, identity)
	}

	if address == "" {
		return ResendResult{}, entity.NewValidationError("email", entity.ErrNoUsableContactAddress)
	}

	delivery, err := s.otp.IssueAndSend(ctx, identityID, address)
	if err != nil {
		if errors.Is(err, entity.ErrRateLimited) {
			slog.InfoContext(ctx, "resend rejected by cooldown")
		} else {
			slog.ErrorContext(ctx, "resend otp", "error", err)
		}

		return ResendResult{}, err
	}

	if !delivery.Success {
		slog.WarnContext(ctx, "otp resend delivery failed", "to", logger.MaskContact(address), "error", delivery.Err)
	}

	return ResendResult{DeliveryStatus: delivery.Status(), DeliveryMethod: delivery.Method}, nil
}

func (s *Service) Logout(ctx context.Context, sessionToken string) error {
	err := s.sessions.Destroy(ctx, sessionToken)
	if err != nil {
		slog.ErrorContext(ctx, "destroy session", "error", err)
		return err
	}

	return nil
}

// Authenticate resolves a session token. Sessions of banned, inactive or deleted identities are destroyed.
func (s *Service) Authenticate(ctx context.Context, sessionToken string) (entity.Principal, error) {
	identityID, err := s.sessions.Lookup(ctx, sessionToken)
	if err != nil {
		return entity.Principal{}, err
	}

	identity, err := s.identities.FindByID(ctx, identityID)
	if err != nil && !errors.Is(err, entity.ErrNotFound) {
		return entity.Principal{}, fmt.Errorf("load session identity: %w", err)
	}

	if err != nil || identity.IsBanned || !identity.IsActive {
		destroyErr := s.sessions.Destroy(ctx, sessionToken)
		if destroyErr != nil {
			slog.ErrorContext(ctx, "destroy stale session", "user_id", identityID, "error", destroyErr)
		}

		return entity.Principal{}, entity.ErrUnauthorized
	}

	return entity.NewPrincipal(identity, sessionToken), nil
}

func (s *Service) WhoAmI(ctx context.Context, sessionToken string) (WhoAmIResult, error) {
	p, err := s.Authenticate(ctx, sessionToken)
	if errors.Is(err, entity.ErrUnauthorized) {
		return WhoAmIResult{}, nil
	}

	if err != nil {
		return WhoAmIResult{}, err
	}

	return WhoAmIResult{
		LoggedIn:  true,
		Identity:  p.Identity,
		Anonymous: p.Identity.Anonymous && !p.Elevated,
	}, nil
}

// ToggleAnonymous stores the requested mode. Elevated identities are always stored as non-anonymous.
func (s *Service) ToggleAnonymous(ctx context.Context, p entity.Principal, desired bool) (bool, error) {
	effective := desired && !p.Elevated

	err := s.identities.UpdateAnonymous(ctx, p.Identity.ID, effective)
	if err != nil {
		slog.ErrorContext(ctx, "update anonymous mode", "error", err)
		return false, err
	}

	return effective, nil
}

func (s *Service) Register(ctx context.Context, in RegisterInput) (entity.Identity, error) {
	in.DisplayName = strings.TrimSpace(in.DisplayName)
	in.Contact = NormalizeContact(in.Contact)

	if in.DisplayName == "" || in.Contact == "" || in.Password == "" || in.ConfirmPassword == "" {
		return entity.Identity{}, entity.NewValidationError("", entity.ErrAllFieldsRequired)
	}

	if in.Password != in.ConfirmPassword {
		return entity.Identity{}, entity.NewValidationError("password", entity.ErrPasswordMismatch)
	}

	if err := ValidateDisplayName(in.DisplayName); err != nil {
		return entity.Identity{}, entity.NewValidationError("username", err)
	}

	if err := ValidateEmail(in.Contact); err != nil {
		return entity.Identity{}, entity.NewValidationError("email", err)
	}

	if err := ValidatePassword(in.Password, in.DisplayName); err != nil {
		return entity.Identity{}, entity.NewValidationError("password", err)
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		slog.ErrorContext(ctx, "hash password", "error", err)
		return entity.Identity{}, err
	}

	identity, err := s.identities.Create(ctx, entity.Identity{
		DisplayName:  in.DisplayName,
		Contact:      in.Contact,
		PasswordHash: hash,
		IsActive:     true,
	})

	switch {
	case errors.Is(err, entity.ErrDisplayNameTaken):
		return entity.Identity{}, entity.NewValidationError("username", err)
	case errors.Is(err, entity.ErrContactTaken):
		return entity.Identity{}, entity.NewValidationError("email", err)
	case err != nil:
		slog.ErrorContext(ctx, "create identity", "error", err)
		return entity.Identity{}, err
	}

	slog.InfoContext(withUser(ctx, identity.ID), "identity registered", "email", logger.MaskContact(identity.Contact))

	return identity, nil
}

// SetBanned bans or unbans the target. Banning revokes the target's pending code.
func (s *Service) SetBanned(ctx context.Context, actor entity.Principal, targetID int64, banned bool) (entity.Identity, error) {
	if !actor.Elevated {
		return entity.Identity{}, entity.ErrForbidden
	}

	ctx = logger.SetLogType(ctx, "security")

	target, err := s.identities.FindByID(ctx, targetID)
	if err != nil {
		return entity.Identity{}, err
	}

	if banned && target.HasElevatedRole() {
		return entity.Identity{}, entity.NewValidationError("", entity.ErrCannotBanElevated)
	}

	err = s.identities.UpdateBanned(ctx, targetID, banned)
	if err != nil {
		slog.ErrorContext(ctx, "update ban state", "target_id", targetID, "error", err)
		return entity.Identity{}, err
	}

	if banned {
		err = s.otp.Revoke(ctx, targetID)
		if err != nil {
			slog.ErrorContext(ctx, "revoke otp of banned identity", "target_id", targetID, "error", err)
		}
	}

	slog.InfoContext(ctx, "ban state changed", "target_id", targetID, "banned", banned)

	target.IsBanned = banned

	return target, nil
}

func (s *Service) recordAttempt(
	ctx context.Context, identityID *int64, login, clientAddr string, outcome entity.AttemptOutcome,
) {
	if s.attempts == nil {
		return
	}

	id, err := uuid.NewV7()
	if err != nil {
		slog.ErrorContext(ctx, "generate attempt id", "error", err)
		return
	}

	err = s.attempts.SaveAttempt(ctx, entity.Attempt{
		ID:         id,
		IdentityID: identityID,
		Login:      strings.ToLower(login),
		IPAddress:  clientAddr,
		Outcome:    outcome,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		slog.ErrorContext(ctx, "save login attempt", "outcome", outcome, "error", err)
	}
}

func withUser(ctx context.Context, identityID int64) context.Context {
	return logger.SetUserID(ctx, strconv.FormatInt(identityID, 10))
}
