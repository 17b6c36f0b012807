package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/samandr77/jacaranda/internal/entity"
	"github.com/samandr77/jacaranda/internal/service"
	"github.com/samandr77/jacaranda/pkg/logger"
)

type Service interface {
	BeginLogin(ctx context.Context, login, password, clientAddr string) (service.LoginResult, error)
	ResolveTicket(token string) (int64, error)
	VerifyOTP(ctx context.Context, identityID int64, code string) (service.VerifyResult, error)
	ResendOTP(ctx context.Context, identityID int64, override string) (service.ResendResult, error)
	Logout(ctx context.Context, sessionToken string) error
	WhoAmI(ctx context.Context, sessionToken string) (service.WhoAmIResult, error)
	ToggleAnonymous(ctx context.Context, p entity.Principal, desired bool) (bool, error)
	Register(ctx context.Context, in service.RegisterInput) (entity.Identity, error)
	SetBanned(ctx context.Context, actor entity.Principal, targetID int64, banned bool) (entity.Identity, error)
}

type SessionCookie struct {
	Name   string
	Secure bool
	TTL    time.Duration
}

type Handler struct {
	s      Service
	cookie SessionCookie
}

func NewHandler(s Service, cookie SessionCookie) *Handler {
	if cookie.Name == "" {
		cookie.Name = "sessionid"
	}

	return &Handler{s: s, cookie: cookie}
}

// ID accepts both 1 and "1" on the wire.
type ID int64

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*id = 0
		return nil
	}

	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %q: %w", b, err)
	}

	*id = ID(n)

	return nil
}

// @Summary Health check
// @Tags system
// @Produce plain
// @Success 200 {string} string "ok"
// @Router  /api/health [get]
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok\n"))
}

type RegisterRequest struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
}

type RegisterResponse struct {
	Success bool   `json:"success"`
	UserID  int64  `json:"user_id"`
	Message string `json:"message"`
}

// @Summary Register
// @Tags auth
// @Accept  json
// @Produce json
// @Param   request body RegisterRequest true "New account"
// @Success 200 {object} RegisterResponse
// @Failure 400 {object} ResponseError
// @Router  /api/auth/register/ [post]
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	ctx := logger.SetLogType(r.Context(), "auth")

	var req RegisterRequest

	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		sendBadRequest(ctx, w, err)
		return
	}

	identity, err := h.s.Register(ctx, service.RegisterInput{
		DisplayName:     req.Username,
		Contact:         req.Email,
		Password:        req.Password,
		ConfirmPassword: req.ConfirmPassword,
	})
	if err != nil {
		sendServiceErr(ctx, w, err)
		return
	}

	sendJSON(ctx, w, http.StatusOK, RegisterResponse{
		Success: true,
		UserID:  identity.ID,
		Message: "Registration successful",
	})
}

type LoginRequest struct {
	// Contact address or display name.
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	MFARequired    bool   `json:"mfa_required"`
	UserID         int64  `json:"user_id"`
	EmailStatus    string `json:"email_status"`
	DeliveryMethod string `json:"delivery_method,omitempty"`
	PendingToken   string `json:"pending_token"`
	Message        string `json:"message"`
}

// @Summary Password step of the login
// @Description Checks the password and sends a one-time code. A failed e-mail delivery still returns 200 with email_status "pending".
// @Tags auth
// @Accept  json
// @Produce json
// @Param   request body LoginRequest true "Credentials"
// @Success 200 {object} LoginResponse
// @Failure 400 {object} ResponseError
// @Failure 401 {object} ResponseError
// @Failure 403 {object} ResponseError
// @Failure 429 {object} ResponseError
// @Router  /api/auth/login/ [post]
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	ctx := logger.SetLogType(r.Context(), "auth")

	var req LoginRequest

	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		sendBadRequest(ctx, w, err)
		return
	}

	res, err := h.s.BeginLogin(ctx, req.Email, req.Password, entity.IPFromCtx(ctx))
	if err != nil {
		sendServiceErr(ctx, w, err)
		return
	}

	msg := "OTP sent to your email"
	if res.DeliveryStatus != entity.DeliveryStatusSent {
		msg = "OTP sent to your email (delivery may be delayed)"
	}

	sendJSON(ctx, w, http.StatusOK, LoginResponse{
		MFARequired:    true,
		UserID:         res.IdentityID,
		EmailStatus:    string(res.DeliveryStatus),
		DeliveryMethod: res.DeliveryMethod,
		PendingToken:   res.PendingToken,
		Message:        msg,
	})
}

type VerifyOTPRequest struct {
	UserID       ID     `json:"user_id"`
	PendingToken string `json:"pending_token,omitempty"`
	OTP          string `json:"otp"`
}

type VerifyOTPResponse struct {
	Success bool   `json:"success"`
	UserID  int64  `json:"user_id"`
	Message string `json:"message"`
	entity.RoleFlags
	Username string `json:"username"`
}

// @Summary OTP step of the login
// @Description Consumes the one-time code and opens a session cookie.
// @Tags auth
// @Accept  json
// @Produce json
// @Param   request body VerifyOTPRequest true "user_id or pending_token, and the code"
// @Success 200 {object} VerifyOTPResponse
// @Failure 400 {object} ResponseError
// @Failure 403 {object} ResponseError
// @Failure 404 {object} ResponseError
// @Router  /api/auth/verify-otp/ [post]
func (h *Handler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	ctx := logger.SetLogType(r.Context(), "auth")

	var req VerifyOTPRequest

	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		sendBadRequest(ctx, w, err)
		return
	}

	identityID := int64(req.UserID)

	if req.PendingToken != "" {
		identityID, err = h.s.ResolveTicket(req.PendingToken)
		if err != nil {
			sendServiceErr(ctx, w, err)
			return
		}
	}

	res, err := h.s.VerifyOTP(ctx, identityID, req.OTP)
	if err != nil {
		sendServiceErr(ctx, w, err)
		return
	}

	http.SetCookie(w, h.sessionCookie(res.SessionToken, int(h.cookie.TTL.Seconds())))

	sendJSON(ctx, w, http.StatusOK, VerifyOTPResponse{
		Success:   true,
		UserID:    res.Identity.ID,
		Message:   "Login successful",
		RoleFlags: res.Identity.Roles(),
		Username:  res.Identity.DisplayName,
	})
}

type ResendOTPRequest struct {
	UserID ID     `json:"user_id"`
	Email  string `json:"email,omitempty"`
}

type ResendOTPResponse struct {
	Success        bool   `json:"success"`
	EmailStatus    string `json:"email_status"`
	DeliveryMethod string `json:"delivery_method,omitempty"`
	Message        string `json:"message"`
}

// @Summary Resend the one-time code
// @Tags auth
// @Accept  json
// @Produce json
// @Param   request body ResendOTPRequest true "Identity and optional address override"
// @Success 200 {object} ResendOTPResponse
// @Failure 400 {object} ResponseError
// @Failure 403 {object} ResponseError
// @Failure 404 {object} ResponseError
// @Failure 429 {object} ResponseError
// @Router  /api/auth/resend-otp/ [post]
func (h *Handler) ResendOTP(w http.ResponseWriter, r *http.Request) {
	ctx := logger.SetLogType(r.Context(), "auth")

	var req ResendOTPRequest

	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		sendBadRequest(ctx, w, err)
		return
	}

	res, err := h.s.ResendOTP(ctx, int64(req.UserID), req.Email)
	if err != nil {
		sendServiceErr(ctx, w, err)
		return
	}

	msg := "OTP code has been resent to your email"
	if res.DeliveryStatus != entity.DeliveryStatusSent {
		msg = "OTP code was issued, delivery may be delayed"
	}

	sendJSON(ctx, w, http.StatusOK, ResendOTPResponse{
		Success:        true,
		EmailStatus:    string(res.DeliveryStatus),
		DeliveryMethod: res.DeliveryMethod,
		Message:        msg,
	})
}

type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// @Summary Logout
// @Tags auth
// @Produce json
// @Success 200 {object} SuccessResponse
// @Failure 401 {object} ResponseError
// @Router  /api/auth/logout/ [post]
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	p, _ := entity.PrincipalFromCtx(ctx)

	err := h.s.Logout(ctx, p.SessionToken)
	if err != nil {
		sendServiceErr(ctx, w, err)
		return
	}

	http.SetCookie(w, h.sessionCookie("", -1))
	sendJSON(ctx, w, http.StatusOK, SuccessResponse{Success: true, Message: "Logout successful"})
}

type WhoAmIResponse struct {
	LoggedIn bool   `json:"logged_in"`
	UserID   int64  `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	*entity.RoleFlags
	IsAnonymous *bool `json:"is_anonymous,omitempty"`
}

// @Summary Current session state
// @Tags auth
// @Produce json
// @Success 200 {object} WhoAmIResponse
// @Router  /api/auth/whoami/ [get]
func (h *Handler) WhoAmI(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	res, err := h.s.WhoAmI(ctx, sessionToken(r, h.cookie.Name))
	if err != nil {
		sendServiceErr(ctx, w, err)
		return
	}

	if !res.LoggedIn {
		sendJSON(ctx, w, http.StatusOK, WhoAmIResponse{})
		return
	}

	roles := res.Identity.Roles()
	anonymous := res.Anonymous

	sendJSON(ctx, w, http.StatusOK, WhoAmIResponse{
		LoggedIn:    true,
		UserID:      res.Identity.ID,
		Username:    res.Identity.DisplayName,
		RoleFlags:   &roles,
		IsAnonymous: &anonymous,
	})
}

type ToggleAnonymousRequest struct {
	IsAnonymous bool `json:"is_anonymous"`
}

type ToggleAnonymousResponse struct {
	Success     bool   `json:"success"`
	IsAnonymous bool   `json:"is_anonymous"`
	Message     string `json:"message"`
}

// @Summary Toggle anonymous posting
// @Description Admin, staff and superuser accounts always stay non-anonymous.
// @Tags auth
// @Accept  json
// @Produce json
// @Param   request body ToggleAnonymousRequest true "Desired mode"
// @Success 200 {object} ToggleAnonymousResponse
// @Failure 401 {object} ResponseError
// @Router  /api/auth/toggle-anonymous/ [post]
func (h *Handler) ToggleAnonymous(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ToggleAnonymousRequest

	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		sendBadRequest(ctx, w, err)
		return
	}

	p, _ := entity.PrincipalFromCtx(ctx)

	effective, err := h.s.ToggleAnonymous(ctx, p, req.IsAnonymous)
	if err != nil {
		sendServiceErr(ctx, w, err)
		return
	}

	msg := "Anonymous mode disabled"

	switch {
	case p.Elevated:
		msg = "Admin users cannot use anonymous mode"
	case effective:
		msg = "Anonymous mode enabled"
	}

	sendJSON(ctx, w, http.StatusOK, ToggleAnonymousResponse{Success: true, IsAnonymous: effective, Message: msg})
}

type BanResponse struct {
	Success  bool   `json:"success"`
	UserID   int64  `json:"user_id"`
	IsBanned bool   `json:"is_banned"`
	Message  string `json:"message"`
}

// @Summary Ban a user
// @Tags users
// @Produce json
// @Param   id path int true "User id"
// @Success 200 {object} BanResponse
// @Failure 400 {object} ResponseError
// @Failure 403 {object} ResponseError
// @Failure 404 {object} ResponseError
// @Router  /api/users/{id}/ban/ [post]
func (h *Handler) Ban(w http.ResponseWriter, r *http.Request) {
	h.setBanned(w, r, true)
}

// @Summary Unban a user
// @Tags users
// @Produce json
// @Param   id path int true "User id"
// @Success 200 {object} BanResponse
// @Failure 403 {object} ResponseError
// @Failure 404 {object} ResponseError
// @Router  /api/users/{id}/unban/ [post]
func (h *Handler) Unban(w http.ResponseWriter, r *http.Request) {
	h.setBanned(w, r, false)
}

func (h *Handler) setBanned(w http.ResponseWriter, r *http.Request, banned bool) {
	ctx := logger.SetLogType(r.Context(), "security")

	targetID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		sendErr(ctx, w, http.StatusNotFound, kindNotFound, err, "User not found")
		return
	}

	p, _ := entity.PrincipalFromCtx(ctx)

	target, err := h.s.SetBanned(ctx, p, targetID, banned)
	if err != nil {
		sendServiceErr(ctx, w, err)
		return
	}

	msg := "User unbanned"
	if banned {
		msg = "User banned"
	}

	sendJSON(ctx, w, http.StatusOK, BanResponse{Success: true, UserID: target.ID, IsBanned: target.IsBanned, Message: msg})
}

func (h *Handler) sessionCookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     h.cookie.Name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}
