package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	pgx "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/samandr77/jacaranda/internal/entity"
)

const uniqueViolation = "23505"

var identityColumns = []string{
	"id",
	"display_name",
	"contact",
	"password_hash",
	"is_active",
	"is_banned",
	"is_admin",
	"is_staff",
	"is_superuser",
	"is_anonymous",
	"created_at",
	"updated_at",
}

type IdentityRepository struct {
	db *pgxpool.Pool
}

func NewIdentityRepository(db *pgxpool.Pool) *IdentityRepository {
	return &IdentityRepository{db: db}
}

func (r *IdentityRepository) FindByContact(ctx context.Context, contact string) (entity.Identity, error) {
	return r.findOne(ctx, sq.Expr("LOWER(contact) = LOWER(?)", contact))
}

func (r *IdentityRepository) FindByName(ctx context.Context, name string) (entity.Identity, error) {
	return r.findOne(ctx, sq.Expr("LOWER(display_name) = LOWER(?)", name))
}

func (r *IdentityRepository) FindByID(ctx context.Context, id int64) (entity.Identity, error) {
	return r.findOne(ctx, sq.Eq{"id": id})
}

func (r *IdentityRepository) findOne(ctx context.Context, pred sq.Sqlizer) (entity.Identity, error) {
	q, args, err := sq.Select(identityColumns...).
		From("identities").
		Where(pred).
		Limit(1).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return entity.Identity{}, fmt.Errorf("build query: %w", err)
	}

	return scanIdentity(r.db.QueryRow(ctx, q, args...))
}

func (r *IdentityRepository) Create(ctx context.Context, identity entity.Identity) (entity.Identity, error) {
	q, args, err := sq.Insert("identities").
		Columns("display_name", "contact", "password_hash", "is_active", "is_admin", "is_staff", "is_superuser").
		Values(
			identity.DisplayName,
			identity.Contact,
			identity.PasswordHash,
			identity.IsActive,
			identity.IsAdmin,
			identity.IsStaff,
			identity.IsSuperuser,
		).
		Suffix("RETURNING " + strings.Join(identityColumns, ", ")).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return entity.Identity{}, fmt.Errorf("build query: %w", err)
	}

	created, err := scanIdentity(r.db.QueryRow(ctx, q, args...))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			if strings.Contains(pgErr.ConstraintName, "contact") {
				return entity.Identity{}, entity.ErrContactTaken
			}

			if strings.Contains(pgErr.ConstraintName, "display_name") {
				return entity.Identity{}, entity.ErrDisplayNameTaken
			}
		}

		return entity.Identity{}, err
	}

	return created, nil
}

func (r *IdentityRepository) UpdateAnonymous(ctx context.Context, id int64, anonymous bool) error {
	return r.update(ctx, id, "is_anonymous", anonymous)
}

func (r *IdentityRepository) UpdateBanned(ctx context.Context, id int64, banned bool) error {
	return r.update(ctx, id, "is_banned", banned)
}

func (r *IdentityRepository) update(ctx context.Context, id int64, column string, value any) error {
	q, args, err := sq.Update("identities").
		Set(column, value).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}

	tag, err := r.db.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", column, err)
	}

	if tag.RowsAffected() == 0 {
		return entity.ErrNotFound
	}

	return nil
}

func scanIdentity(row pgx.Row) (entity.Identity, error) {
	var i entity.Identity

	err := row.Scan(
		&i.ID,
		&i.DisplayName,
		&i.Contact,
		&i.PasswordHash,
		&i.IsActive,
		&i.IsBanned,
		&i.IsAdmin,
		&i.IsStaff,
		&i.IsSuperuser,
		&i.Anonymous,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return i, entity.ErrNotFound
		}

		return i, err
	}

	return i, nil
}
