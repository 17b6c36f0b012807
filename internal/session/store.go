package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/samandr77/jacaranda/internal/cache"
	"github.com/samandr77/jacaranda/internal/entity"
)

const (
	DefaultTTL = 14 * 24 * time.Hour

	tokenBytes = 32
	keyPrefix  = "auth:session:"
)

type Backend interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) (int64, error)
}

type Store struct {
	backend Backend
	ttl     time.Duration
}

func NewStore(backend Backend, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Store{backend: backend, ttl: ttl}
}

func (s *Store) TTL() time.Duration {
	return s.ttl
}

func (s *Store) Create(ctx context.Context, identityID int64) (string, error) {
	b := make([]byte, tokenBytes)

	_, err := rand.Read(b)
	if err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}

	token := base64.RawURLEncoding.EncodeToString(b)

	err = s.backend.Set(ctx, keyPrefix+token, strconv.FormatInt(identityID, 10), s.ttl)
	if err != nil {
		return "", fmt.Errorf("save session: %w", err)
	}

	return token, nil
}

// Lookup returns entity.ErrUnauthorized for unknown or expired tokens.
func (s *Store) Lookup(ctx context.Context, token string) (int64, error) {
	if token == "" {
		return 0, entity.ErrUnauthorized
	}

	v, err := s.backend.Get(ctx, keyPrefix+token)
	if errors.Is(err, cache.ErrMiss) {
		return 0, entity.ErrUnauthorized
	}

	if err != nil {
		return 0, fmt.Errorf("load session: %w", err)
	}

	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse session %q: %w", v, err)
	}

	return id, nil
}

func (s *Store) Destroy(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}

	_, err := s.backend.Delete(ctx, keyPrefix+token)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	return nil
}
