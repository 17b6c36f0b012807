package service

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/samandr77/jacaranda/internal/entity"
)

const ticketAudience = "otp-pending"

var ErrEmptyTicketSecret = errors.New("JWT_SECRET is required")

// TicketSigner issues short-lived tokens naming the identity that passed the password step.
type TicketSigner struct {
	secret []byte
	ttl    time.Duration
}

func NewTicketSigner(secret string, ttl time.Duration) (*TicketSigner, error) {
	if secret == "" {
		return nil, ErrEmptyTicketSecret
	}

	return &TicketSigner{secret: []byte(secret), ttl: ttl}, nil
}

func (t *TicketSigner) Issue(identityID int64) (string, error) {
	now := time.Now()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(identityID, 10),
		Audience:  jwt.ClaimStrings{ticketAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
	}).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign ticket: %w", err)
	}

	return token, nil
}

// Parse returns entity.ErrInvalidOTP for any token that is malformed, forged or expired.
func (t *TicketSigner) Parse(token string) (int64, error) {
	var claims jwt.RegisteredClaims

	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(ticketAudience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", entity.ErrInvalidOTP, err)
	}

	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, entity.ErrInvalidOTP
	}

	return id, nil
}
