package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/samandr77/jacaranda/internal/cache"
)

const (
	DefaultWindow    = 10 * time.Minute
	DefaultThreshold = 5

	failPrefix = "auth:fail:"
	lockPrefix = "auth:lock:"
)

// Key scopes a failure counter to one client address and one submitted login.
type Key struct {
	Client   string
	Identity string
}

func NewKey(client, identity string) Key {
	return Key{
		Client:   client,
		Identity: strings.ToLower(strings.TrimSpace(identity)),
	}
}

func (k Key) String() string {
	return k.Client + ":" + k.Identity
}

type Store interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// Ledger counts failed logins in a rolling window and locks the key once the threshold is reached.
type Ledger struct {
	store     Store
	window    time.Duration
	threshold int64
}

func New(store Store, window time.Duration, threshold int64) *Ledger {
	if window <= 0 {
		window = DefaultWindow
	}

	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	return &Ledger{store: store, window: window, threshold: threshold}
}

func (l *Ledger) Window() time.Duration {
	return l.window
}

func (l *Ledger) RecordFailure(ctx context.Context, key Key) (int64, error) {
	n, err := l.store.Incr(ctx, failPrefix+key.String(), l.window)
	if err != nil {
		return 0, fmt.Errorf("record failure: %w", err)
	}

	if n >= l.threshold {
		err = l.Lock(ctx, key, l.window)
		if err != nil {
			return n, err
		}
	}

	return n, nil
}

// IsLocked returns the remaining lock duration when the key is locked.
func (l *Ledger) IsLocked(ctx context.Context, key Key) (bool, time.Duration, error) {
	lockKey := lockPrefix + key.String()

	locked, err := l.store.Exists(ctx, lockKey)
	if err != nil {
		return false, 0, fmt.Errorf("check lock: %w", err)
	}

	if !locked {
		return false, 0, nil
	}

	remaining, err := l.store.TTL(ctx, lockKey)
	if err != nil {
		return true, l.window, fmt.Errorf("lock ttl: %w", err)
	}

	if remaining <= 0 {
		remaining = time.Second
	}

	return true, remaining, nil
}

// Lock sets the lock key on its own TTL, independent of the failure counter.
func (l *Ledger) Lock(ctx context.Context, key Key, ttl time.Duration) error {
	err := l.store.Set(ctx, lockPrefix+key.String(), "1", ttl)
	if err != nil {
		return fmt.Errorf("lock: %w", err)
	}

	return nil
}

var _ Store = (*cache.Store)(nil)
