package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/tap-wallet/internal/errs"
	"github.com/and161185/tap-wallet/internal/model"
)

func newDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return &DB{Pool: mock}, mock
}

var tokenColumns = []string{"token_ref", "masked_dpan", "state", "device_key_handle", "session_id", "atc", "reason", "created_at", "updated_at"}

func TestTokenRepo_Create_OK_and_Duplicate(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewTokenRepo(db)
	ctx := context.Background()
	tok := &model.Token{
		TokenRef:        "T1",
		MaskedDPAN:      "411111******1111",
		State:           model.TokenPendingVerification,
		DeviceKeyHandle: "h1",
		SessionID:       uuid.Must(uuid.NewV4()),
	}

	mock.ExpectExec(`INSERT INTO tokens \(token_ref, masked_dpan, state, device_key_handle, session_id, atc, reason\)`).
		WithArgs("T1", "411111******1111", "PENDING_VERIFICATION", "h1", tok.SessionID, int64(0), "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, r.Create(ctx, tok))

	mock.ExpectExec(`INSERT INTO tokens`).
		WithArgs("T1", "411111******1111", "PENDING_VERIFICATION", "h1", tok.SessionID, int64(0), "").
		WillReturnError(&pgconn.PgError{Code: "23505"})
	require.ErrorIs(t, r.Create(ctx, tok), errs.ErrAlreadyExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTokenRepo_Get(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewTokenRepo(db)
	ctx := context.Background()
	sid := uuid.Must(uuid.NewV4())
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT .* FROM tokens WHERE token_ref=\$1`).
		WithArgs("T1").
		WillReturnRows(pgxmock.NewRows(tokenColumns).
			AddRow("T1", "411111******1111", "ACTIVE", "h1", sid, int64(7), "", now, now))
	tok, err := r.Get(ctx, "T1")
	require.NoError(t, err)
	require.Equal(t, model.TokenActive, tok.State)
	require.Equal(t, int64(7), tok.ATC)
	require.Equal(t, sid, tok.SessionID)

	mock.ExpectQuery(`SELECT .* FROM tokens WHERE token_ref=\$1`).
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)
	_, err = r.Get(ctx, "nope")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestTokenRepo_List(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewTokenRepo(db)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT .* FROM tokens ORDER BY created_at ASC`).
		WillReturnRows(pgxmock.NewRows(tokenColumns).
			AddRow("T1", "411111******1111", "ACTIVE", "h1", uuid.Must(uuid.NewV4()), int64(1), "", now, now).
			AddRow("T2", "555555******4444", "REVOKED", "h2", uuid.Must(uuid.NewV4()), int64(0), "lost", now, now))
	out, err := r.List(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, model.TokenRevoked, out[1].State)
	require.Equal(t, "lost", out[1].Reason)
}

func TestTokenRepo_UpdateState(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewTokenRepo(db)
	ctx := context.Background()

	// ok
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT state FROM tokens WHERE token_ref=\$1 FOR UPDATE`).
		WithArgs("T1").
		WillReturnRows(pgxmock.NewRows([]string{"state"}).AddRow("ACTIVE"))
	mock.ExpectExec(`UPDATE tokens SET state=\$2, reason=\$3, updated_at=now\(\) WHERE token_ref=\$1`).
		WithArgs("T1", "SUSPENDED", "lost phone").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	require.NoError(t, r.UpdateState(ctx, "T1", model.TokenActive, model.TokenSuspended, "lost phone"))

	// stored state moved on
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT state FROM tokens WHERE token_ref=\$1 FOR UPDATE`).
		WithArgs("T1").
		WillReturnRows(pgxmock.NewRows([]string{"state"}).AddRow("REVOKED"))
	mock.ExpectRollback()
	require.ErrorIs(t, r.UpdateState(ctx, "T1", model.TokenActive, model.TokenSuspended, ""), errs.ErrVersionConflict)

	// unknown
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT state FROM tokens WHERE token_ref=\$1 FOR UPDATE`).
		WithArgs("T9").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()
	require.ErrorIs(t, r.UpdateState(ctx, "T9", model.TokenActive, model.TokenSuspended, ""), errs.ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTokenRepo_IncrementATC(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewTokenRepo(db)
	ctx := context.Background()

	mock.ExpectQuery(`UPDATE tokens SET atc=atc\+1, updated_at=now\(\) WHERE token_ref=\$1 AND atc<\$2 RETURNING atc`).
		WithArgs("T1", int64(model.MaxATC)).
		WillReturnRows(pgxmock.NewRows([]string{"atc"}).AddRow(int64(1)))
	atc, err := r.IncrementATC(ctx, "T1")
	require.NoError(t, err)
	require.Equal(t, int64(1), atc)

	// at the ceiling
	mock.ExpectQuery(`UPDATE tokens SET atc=atc\+1`).
		WithArgs("T1", int64(model.MaxATC)).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT atc FROM tokens WHERE token_ref=\$1`).
		WithArgs("T1").
		WillReturnRows(pgxmock.NewRows([]string{"atc"}).AddRow(int64(model.MaxATC)))
	_, err = r.IncrementATC(ctx, "T1")
	require.ErrorIs(t, err, errs.ErrCounterExhausted)

	// unknown
	mock.ExpectQuery(`UPDATE tokens SET atc=atc\+1`).
		WithArgs("T9", int64(model.MaxATC)).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT atc FROM tokens WHERE token_ref=\$1`).
		WithArgs("T9").
		WillReturnError(pgx.ErrNoRows)
	_, err = r.IncrementATC(ctx, "T9")
	require.ErrorIs(t, err, errs.ErrNotFound)

	// driver error passes through
	boom := errors.New("conn reset")
	mock.ExpectQuery(`UPDATE tokens SET atc=atc\+1`).
		WithArgs("T1", int64(model.MaxATC)).
		WillReturnError(boom)
	_, err = r.IncrementATC(ctx, "T1")
	require.ErrorIs(t, err, boom)

	require.NoError(t, mock.ExpectationsWereMet())
}
