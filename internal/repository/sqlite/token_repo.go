package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/tap-wallet/internal/errs"
	"github.com/and161185/tap-wallet/internal/model"
)

// TokenRepository persists tokens in SQLite.
type TokenRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewTokenRepository constructs a token repository over an initialized database.
func NewTokenRepository(db *sql.DB) *TokenRepository {
	return &TokenRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const tokenCols = `token_ref, masked_dpan, state, device_key_handle, session_id, atc, reason, created_at, updated_at`

// Create inserts a token.
func (r *TokenRepository) Create(ctx context.Context, t *model.Token) error {
	const q = `
		INSERT INTO tokens (token_ref, masked_dpan, state, device_key_handle, session_id, atc, reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	now := r.now()
	_, err := r.db.ExecContext(ctx, q,
		t.TokenRef, t.MaskedDPAN, string(t.State), t.DeviceKeyHandle, t.SessionID.String(), t.ATC, t.Reason, now, now)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	t.CreatedAt, t.UpdatedAt = now, now
	return nil
}

// Get returns a token by ref.
func (r *TokenRepository) Get(ctx context.Context, tokenRef string) (*model.Token, error) {
	q := `SELECT ` + tokenCols + ` FROM tokens WHERE token_ref = ?`
	t, err := scanToken(r.db.QueryRowContext(ctx, q, tokenRef))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	return t, err
}

// List returns every token, oldest first.
func (r *TokenRepository) List(ctx context.Context) ([]model.Token, error) {
	q := `SELECT ` + tokenCols + ` FROM tokens ORDER BY created_at ASC, token_ref ASC`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query tokens: %w", err)
	}
	defer rows.Close()

	var out []model.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// UpdateState is a compare-and-set on the state column.
func (r *TokenRepository) UpdateState(ctx context.Context, tokenRef string, from, to model.TokenState, reason string) error {
	const q = `UPDATE tokens SET state = ?, reason = ?, updated_at = ? WHERE token_ref = ? AND state = ?`
	res, err := r.db.ExecContext(ctx, q, string(to), reason, r.now(), tokenRef, string(from))
	if err != nil {
		return fmt.Errorf("update token state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := r.Get(ctx, tokenRef); err != nil {
		return err
	}
	return errs.ErrVersionConflict
}

// IncrementATC bumps the counter in one statement and returns the new value.
func (r *TokenRepository) IncrementATC(ctx context.Context, tokenRef string) (int64, error) {
	const q = `UPDATE tokens SET atc = atc + 1, updated_at = ? WHERE token_ref = ? AND atc < ? RETURNING atc`
	var atc int64
	err := r.db.QueryRowContext(ctx, q, r.now(), tokenRef, int64(model.MaxATC)).Scan(&atc)
	if err == nil {
		return atc, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("increment atc: %w", err)
	}
	if _, err := r.Get(ctx, tokenRef); err != nil {
		return 0, err
	}
	return 0, errs.ErrCounterExhausted
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (*model.Token, error) {
	var (
		t     model.Token
		state string
	)
	if err := row.Scan(&t.TokenRef, &t.MaskedDPAN, &state, &t.DeviceKeyHandle, &t.SessionID,
		&t.ATC, &t.Reason, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.State = model.TokenState(state)
	return &t, nil
}
