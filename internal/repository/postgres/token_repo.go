package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/tap-wallet/internal/errs"
	"github.com/and161185/tap-wallet/internal/model"
)

// TokenRepo implements TokenRepository using PostgreSQL.
type TokenRepo struct{ db *DB }

// NewTokenRepo constructs a token repository.
func NewTokenRepo(db *DB) *TokenRepo { return &TokenRepo{db: db} }

const tokenCols = `token_ref, masked_dpan, state, device_key_handle, session_id, atc, reason, created_at, updated_at`

// Create inserts a token row.
func (r *TokenRepo) Create(ctx context.Context, t *model.Token) error {
	const q = `
INSERT INTO tokens (token_ref, masked_dpan, state, device_key_handle, session_id, atc, reason)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.db.Pool.Exec(ctx, q,
		t.TokenRef, t.MaskedDPAN, string(t.State), t.DeviceKeyHandle, t.SessionID, t.ATC, t.Reason)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// Get selects a token by ref.
func (r *TokenRepo) Get(ctx context.Context, tokenRef string) (*model.Token, error) {
	q := `SELECT ` + tokenCols + ` FROM tokens WHERE token_ref=$1`
	t, err := scanToken(r.db.Pool.QueryRow(ctx, q, tokenRef))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

// List returns every token, oldest first.
func (r *TokenRepo) List(ctx context.Context) ([]model.Token, error) {
	q := `SELECT ` + tokenCols + ` FROM tokens ORDER BY created_at ASC`
	rows, err := r.db.Pool.Query(ctx, q)
	if err != nil {
		return nil, err
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

// UpdateState changes state under a row lock when the current state matches from.
func (r *TokenRepo) UpdateState(
	ctx context.Context, tokenRef string, from, to model.TokenState, reason string,
) (err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const sel = `SELECT state FROM tokens WHERE token_ref=$1 FOR UPDATE`
	const upd = `UPDATE tokens SET state=$2, reason=$3, updated_at=now() WHERE token_ref=$1`

	var cur string
	if err = tx.QueryRow(ctx, sel, tokenRef).Scan(&cur); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return errs.ErrNotFound
		}
		return err
	}
	if model.TokenState(cur) != from {
		return errs.ErrVersionConflict
	}
	_, err = tx.Exec(ctx, upd, tokenRef, string(to), reason)
	return err
}

// IncrementATC bumps the counter in one statement and returns the new value.
func (r *TokenRepo) IncrementATC(ctx context.Context, tokenRef string) (int64, error) {
	const q = `UPDATE tokens SET atc=atc+1, updated_at=now() WHERE token_ref=$1 AND atc<$2 RETURNING atc`
	var atc int64
	err := r.db.Pool.QueryRow(ctx, q, tokenRef, int64(model.MaxATC)).Scan(&atc)
	if err == nil {
		return atc, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}

	const sel = `SELECT atc FROM tokens WHERE token_ref=$1`
	if err := r.db.Pool.QueryRow(ctx, sel, tokenRef).Scan(&atc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, errs.ErrNotFound
		}
		return 0, err
	}
	return 0, errs.ErrCounterExhausted
}

func scanToken(row pgx.Row) (*model.Token, error) {
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
