package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/samandr77/jacaranda/internal/entity"
)

type AttemptRepository struct {
	db *pgxpool.Pool
}

func NewAttemptRepository(db *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{db: db}
}

func (r *AttemptRepository) SaveAttempt(ctx context.Context, attempt entity.Attempt) error {
	q := `
	INSERT INTO login_attempts (id, identity_id, login, ip_address, outcome, created_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.Exec(
		ctx,
		q,
		attempt.ID,
		attempt.IdentityID,
		attempt.Login,
		attempt.IPAddress,
		attempt.Outcome,
		attempt.CreatedAt)
	if err != nil {
		return err
	}

	return nil
}

func (r *AttemptRepository) AttemptsByLogin(ctx context.Context, login string, since time.Time) ([]entity.Attempt, error) {
	q := `
		SELECT id, identity_id, login, ip_address, outcome, created_at
		FROM login_attempts
		WHERE login = $1 AND created_at > $2
		ORDER BY created_at DESC
	`

	rows, err := r.db.Query(ctx, q, login, since)
	if err != nil {
		return nil, err
	}

	defer rows.Close()

	var attempts []entity.Attempt

	for rows.Next() {
		var attempt entity.Attempt

		err := rows.Scan(
			&attempt.ID,
			&attempt.IdentityID,
			&attempt.Login,
			&attempt.IPAddress,
			&attempt.Outcome,
			&attempt.CreatedAt,
		)
		if err != nil {
			return nil, err
		}

		attempts = append(attempts, attempt)
	}

	return attempts, rows.Err()
}

// DeleteOlderThan purges the audit trail and returns the number of removed rows.
func (r *AttemptRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM login_attempts WHERE created_at < $1`, before)
	if err != nil {
		return 0, err
	}

	return tag.RowsAffected(), nil
}
