package actors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// PGRepository stores actors in PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewPGRepository constructs a PostgreSQL repository.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const actorColumns = `id, name, status, failed_attempt_count, locked_until, password_hash, totp_secret, created_at, updated_at`

func scanActor(row pgx.Row) (Actor, error) {
	var (
		actor       Actor
		status      string
		lockedUntil pgtype.Timestamptz
	)
	err := row.Scan(&actor.ID, &actor.Name, &status, &actor.FailedAttemptCount, &lockedUntil,
		&actor.PasswordHash, &actor.TOTPSecret, &actor.CreatedAt, &actor.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Actor{}, shared.ErrNotFound
		}
		return Actor{}, err
	}
	actor.Status = Status(status)
	if lockedUntil.Valid {
		t := lockedUntil.Time.UTC()
		actor.LockedUntil = &t
	}
	actor.CreatedAt = actor.CreatedAt.UTC()
	actor.UpdatedAt = actor.UpdatedAt.UTC()
	return actor, nil
}

func lockedParam(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t.UTC(), Valid: true}
}

// Get fetches an actor by id.
func (r *PGRepository) Get(ctx context.Context, id string) (Actor, error) {
	actor, err := scanActor(r.pool.QueryRow(ctx, `SELECT `+actorColumns+` FROM actors WHERE id = $1`, id))
	if err != nil && !errors.Is(err, shared.ErrNotFound) {
		return Actor{}, fmt.Errorf("actors: get: %w", err)
	}
	return actor, err
}

// List returns all actors ordered by id.
func (r *PGRepository) List(ctx context.Context) ([]Actor, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+actorColumns+` FROM actors ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("actors: list: %w", err)
	}
	defer rows.Close()
	var out []Actor
	for rows.Next() {
		actor, err := scanActor(rows)
		if err != nil {
			return nil, fmt.Errorf("actors: list: %w", err)
		}
		out = append(out, actor)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("actors: list: %w", err)
	}
	return out, nil
}

// Insert stores a new actor.
func (r *PGRepository) Insert(ctx context.Context, a Actor) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO actors (`+actorColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.Name, string(a.Status), a.FailedAttemptCount, lockedParam(a.LockedUntil), a.PasswordHash, a.TOTPSecret, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("actors: insert: %w", shared.ErrDuplicate)
		}
		return fmt.Errorf("actors: insert: %w", err)
	}
	return nil
}

// Update replaces the profile columns of an actor.
func (r *PGRepository) Update(ctx context.Context, a Actor) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE actors
SET name = $2, status = $3, password_hash = $4, totp_secret = $5, updated_at = $6
WHERE id = $1`,
		a.ID, a.Name, string(a.Status), a.PasswordHash, a.TOTPSecret, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("actors: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// SetLockout overwrites the lockout columns.
func (r *PGRepository) SetLockout(ctx context.Context, id string, failedAttempts int, lockedUntil *time.Time, now time.Time) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE actors
SET failed_attempt_count = $2, locked_until = $3, updated_at = $4
WHERE id = $1`, id, failedAttempts, lockedParam(lockedUntil), now)
	if err != nil {
		return fmt.Errorf("actors: set lockout: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// Delete removes an actor.
func (r *PGRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM actors WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("actors: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// RegisterFailure increments the counter in a single statement.
func (r *PGRepository) RegisterFailure(ctx context.Context, id string, maxAttempts int, lockedUntil, now time.Time) (Actor, error) {
	actor, err := scanActor(r.pool.QueryRow(ctx, `
UPDATE actors
SET failed_attempt_count = CASE WHEN failed_attempt_count + 1 >= $2 THEN 0 ELSE failed_attempt_count + 1 END,
    locked_until = CASE WHEN failed_attempt_count + 1 >= $2 THEN $3 ELSE locked_until END,
    updated_at = $4
WHERE id = $1
RETURNING `+actorColumns, id, maxAttempts, lockedUntil, now))
	if err != nil && !errors.Is(err, shared.ErrNotFound) {
		return Actor{}, fmt.Errorf("actors: register failure: %w", err)
	}
	return actor, err
}

// ResetFailures zeroes the counter and clears any elapsed lock.
func (r *PGRepository) ResetFailures(ctx context.Context, id string, now time.Time) error {
	_, err := r.pool.Exec(ctx, `
UPDATE actors
SET failed_attempt_count = 0, locked_until = NULL, updated_at = $2
WHERE id = $1
  AND (failed_attempt_count <> 0 OR locked_until IS NOT NULL)
  AND (locked_until IS NULL OR locked_until <= $2)`, id, now)
	if err != nil {
		return fmt.Errorf("actors: reset failures: %w", err)
	}
	return nil
}

var _ Repository = (*PGRepository)(nil)
