package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/samandr77/jacaranda/internal/cache"
	"github.com/samandr77/jacaranda/internal/entity"
)

const (
	DefaultCodeTTL     = 5 * time.Minute
	DefaultCooldown    = 10 * time.Second
	DefaultVerifyLimit = 5

	codeDigits = 6

	codePrefix     = "auth:otp:"
	failPrefix     = "auth:otp:fail:"
	cooldownPrefix = "auth:otp:cooldown:"
)

var codeSpace = big.NewInt(1_000_000)

type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) (int64, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

type Sender interface {
	SendOTPWithRetry(ctx context.Context, to, code string, ttl time.Duration) entity.DeliveryResult
}

type Config struct {
	CodeTTL     time.Duration
	Cooldown    time.Duration
	VerifyLimit int64
}

type Issuer struct {
	store  Store
	sender Sender
	cfg    Config
}

func NewIssuer(store Store, sender Sender, cfg Config) *Issuer {
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = DefaultCodeTTL
	}

	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}

	if cfg.VerifyLimit <= 0 {
		cfg.VerifyLimit = DefaultVerifyLimit
	}

	return &Issuer{store: store, sender: sender, cfg: cfg}
}

func (i *Issuer) CodeTTL() time.Duration {
	return i.cfg.CodeTTL
}

// Generate returns a uniformly random six digit code, leading zeros kept.
func Generate() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}

	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}

// Issue replaces the live code for the identity. It fails with *entity.RateLimitedError while the resend cooldown is held.
func (i *Issuer) Issue(ctx context.Context, identityID int64) (string, error) {
	id := strconv.FormatInt(identityID, 10)

	acquired, err := i.store.SetNX(ctx, cooldownPrefix+id, "1", i.cfg.Cooldown)
	if err != nil {
		return "", fmt.Errorf("acquire cooldown: %w", err)
	}

	if !acquired {
		remaining, err := i.store.TTL(ctx, cooldownPrefix+id)
		if err != nil || remaining <= 0 {
			remaining = i.cfg.Cooldown
		}

		return "", &entity.RateLimitedError{RetryAfter: remaining}
	}

	code, err := Generate()
	if err != nil {
		return "", err
	}

	err = i.store.Set(ctx, codePrefix+id, code, i.cfg.CodeTTL)
	if err != nil {
		return "", fmt.Errorf("store code: %w", err)
	}

	_, err = i.store.Delete(ctx, failPrefix+id)
	if err != nil {
		return "", fmt.Errorf("reset verify counter: %w", err)
	}

	return code, nil
}

// IssueAndSend issues a fresh code and delivers it. A failed delivery is not an error; the code stays live.
func (i *Issuer) IssueAndSend(ctx context.Context, identityID int64, address string) (entity.DeliveryResult, error) {
	code, err := i.Issue(ctx, identityID)
	if err != nil {
		return entity.DeliveryResult{}, err
	}

	return i.sender.SendOTPWithRetry(ctx, address, code, i.cfg.CodeTTL), nil
}

// Verify compares the submitted code with the live one. Too many mismatches revoke the code.
func (i *Issuer) Verify(ctx context.Context, identityID int64, code string) (bool, error) {
	id := strconv.FormatInt(identityID, 10)

	stored, err := i.store.Get(ctx, codePrefix+id)
	if errors.Is(err, cache.ErrMiss) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("load code: %w", err)
	}

	if stored == code {
		return true, nil
	}

	fails, err := i.store.Incr(ctx, failPrefix+id, i.cfg.CodeTTL)
	if err != nil {
		return false, fmt.Errorf("count mismatch: %w", err)
	}

	if fails >= i.cfg.VerifyLimit {
		err = i.Revoke(ctx, identityID)
		if err != nil {
			return false, err
		}
	}

	return false, nil
}

// Consume deletes the live code. Only the caller that removed it gets true.
func (i *Issuer) Consume(ctx context.Context, identityID int64) (bool, error) {
	id := strconv.FormatInt(identityID, 10)

	n, err := i.store.Delete(ctx, codePrefix+id)
	if err != nil {
		return false, fmt.Errorf("consume code: %w", err)
	}

	if n == 0 {
		return false, nil
	}

	_, err = i.store.Delete(ctx, failPrefix+id)
	if err != nil {
		return true, fmt.Errorf("reset verify counter: %w", err)
	}

	return true, nil
}

func (i *Issuer) Revoke(ctx context.Context, identityID int64) error {
	id := strconv.FormatInt(identityID, 10)

	_, err := i.store.Delete(ctx, codePrefix+id, failPrefix+id)
	if err != nil {
		return fmt.Errorf("revoke code: %w", err)
	}

	return nil
}
