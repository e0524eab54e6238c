package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/tap-wallet/internal/errs"
)

// KeyRepo implements KeyRepository using PostgreSQL.
type KeyRepo struct{ db *DB }

// NewKeyRepo constructs a key repository.
func NewKeyRepo(db *DB) *KeyRepo { return &KeyRepo{db: db} }

// PutKey inserts wrapped key material.
func (r *KeyRepo) PutKey(ctx context.Context, handle string, wrapped []byte) error {
	const q = `INSERT INTO device_keys (handle, wrapped) VALUES ($1, $2)`
	_, err := r.db.Pool.Exec(ctx, q, handle, wrapped)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// GetKey selects wrapped key material.
func (r *KeyRepo) GetKey(ctx context.Context, handle string) ([]byte, error) {
	const q = `SELECT wrapped FROM device_keys WHERE handle=$1`
	var wrapped []byte
	if err := r.db.Pool.QueryRow(ctx, q, handle).Scan(&wrapped); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return wrapped, nil
}

// DeleteKey removes wrapped key material.
func (r *KeyRepo) DeleteKey(ctx context.Context, handle string) error {
	const q = `DELETE FROM device_keys WHERE handle=$1`
	_, err := r.db.Pool.Exec(ctx, q, handle)
	return err
}

// GetMeta selects a keystore metadata value.
func (r *KeyRepo) GetMeta(ctx context.Context, name string) ([]byte, error) {
	const q = `SELECT value FROM keystore_meta WHERE name=$1`
	var v []byte
	if err := r.db.Pool.QueryRow(ctx, q, name).Scan(&v); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return v, nil
}

// PutMeta inserts a keystore metadata value once.
func (r *KeyRepo) PutMeta(ctx context.Context, name string, value []byte) error {
	const q = `INSERT INTO keystore_meta (name, value) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`
	tag, err := r.db.Pool.Exec(ctx, q, name, value)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrAlreadyExists
	}
	return nil
}
