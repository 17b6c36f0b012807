package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

type AttemptPurger interface {
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// PurgeAttempts returns a job that drops audit rows older than retention.
func PurgeAttempts(repo AttemptPurger, retention time.Duration) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		n, err := repo.DeleteOlderThan(ctx, time.Now().UTC().Add(-retention))
		if err != nil {
			return fmt.Errorf("purge login attempts: %w", err)
		}

		if n > 0 {
			slog.InfoContext(ctx, "purged login attempts", "count", n, "retention", retention.String())
		}

		return nil
	}
}
