package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/tap-wallet/internal/errs"
)

// KeyRepository persists wrapped device keys and keystore metadata in SQLite.
type KeyRepository struct {
	db *sql.DB
}

// NewKeyRepository constructs a key repository over an initialized database.
func NewKeyRepository(db *sql.DB) *KeyRepository {
	return &KeyRepository{db: db}
}

// PutKey inserts wrapped key material.
func (r *KeyRepository) PutKey(ctx context.Context, handle string, wrapped []byte) error {
	const q = `INSERT INTO device_keys (handle, wrapped, created_at) VALUES (?, ?, ?)`
	_, err := r.db.ExecContext(ctx, q, handle, wrapped, time.Now().UTC())
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert key: %w", err)
	}
	return nil
}

// GetKey selects wrapped key material.
func (r *KeyRepository) GetKey(ctx context.Context, handle string) ([]byte, error) {
	var wrapped []byte
	err := r.db.QueryRowContext(ctx, `SELECT wrapped FROM device_keys WHERE handle = ?`, handle).Scan(&wrapped)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	return wrapped, err
}

// DeleteKey removes wrapped key material.
func (r *KeyRepository) DeleteKey(ctx context.Context, handle string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM device_keys WHERE handle = ?`, handle)
	return err
}

// GetMeta selects a metadata value.
func (r *KeyRepository) GetMeta(ctx context.Context, name string) ([]byte, error) {
	var v []byte
	err := r.db.QueryRowContext(ctx, `SELECT value FROM keystore_meta WHERE name = ?`, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	return v, err
}

// PutMeta inserts a metadata value once.
func (r *KeyRepository) PutMeta(ctx context.Context, name string, value []byte) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO keystore_meta (name, value) VALUES (?, ?)`, name, value)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}
