package limiter

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PG is a PostgreSQL-backed limiter implementation with sliding window and lockout.
type PG struct {
	pool     Querier
	window   time.Duration
	maxFails int
	blockFor time.Duration
}

// Querier is the subset of a pgx pool the limiter uses.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed limiter over a pool such as postgres.DB.Pool.
func NewPG(q Querier, window time.Duration, maxFails int, blockFor time.Duration) *PG {
	return &PG{pool: q, window: window, maxFails: maxFails, blockFor: blockFor}
}

// Allow reports whether provisioning is currently allowed and a retry-after duration.
func (l *PG) Allow(ctx context.Context, fingerprint []byte) (bool, time.Duration, error) {
	const q = `SELECT blocked_until, updated_at FROM provision_limiter WHERE fingerprint=$1`
	var blockedUntil time.Time
	var updatedAt time.Time
	err := l.pool.QueryRow(ctx, q, fingerprint).Scan(&blockedUntil, &updatedAt)
	switch {
	case err == nil:
		if blockedUntil.After(time.Now()) {
			return false, time.Until(blockedUntil), nil
		}
		return true, 0, nil
	case errors.Is(err, pgx.ErrNoRows):
		return true, 0, nil
	default:
		return false, 0, err
	}
}

// Success resets counters for the card.
func (l *PG) Success(ctx context.Context, fingerprint []byte) error {
	const q = `
INSERT INTO provision_limiter (fingerprint, fail_count, blocked_until, updated_at)
VALUES ($1,0,'epoch',now())
ON CONFLICT (fingerprint)
DO UPDATE SET fail_count=0, blocked_until='epoch', updated_at=now()`
	_, err := l.pool.Exec(ctx, q, fingerprint)
	return err
}

// Failure records a failed session; may set a block until a future time.
func (l *PG) Failure(ctx context.Context, fingerprint []byte) (bool, time.Duration, error) {
	now := time.Now()

	const q = `
INSERT INTO provision_limiter (fingerprint, fail_count, blocked_until, updated_at)
VALUES ($1,1,'epoch',now())
ON CONFLICT (fingerprint) DO UPDATE
SET
  fail_count = CASE WHEN EXCLUDED.updated_at - provision_limiter.updated_at > $2::interval THEN 1 ELSE provision_limiter.fail_count + 1 END,
  updated_at = now()
RETURNING fail_count`
	var fails int
	if err := l.pool.QueryRow(ctx, q, fingerprint, l.window).Scan(&fails); err != nil {
		return false, 0, err
	}
	if fails >= l.maxFails {
		blockUntil := now.Add(l.blockFor)
		const upd = `UPDATE provision_limiter SET blocked_until=$2 WHERE fingerprint=$1`
		if _, err := l.pool.Exec(ctx, upd, fingerprint, blockUntil); err != nil {
			return false, 0, err
		}
		return true, l.blockFor, nil
	}
	return false, 0, nil
}
