package postgres

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/tap-wallet/internal/errs"
)

func TestKeyRepo_PutGetDelete(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewKeyRepo(db)
	ctx := context.Background()
	w := []byte("wrapped")

	mock.ExpectExec(`INSERT INTO device_keys \(handle, wrapped\) VALUES \(\$1, \$2\)`).
		WithArgs("h1", w).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, r.PutKey(ctx, "h1", w))

	mock.ExpectExec(`INSERT INTO device_keys`).
		WithArgs("h1", w).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	require.ErrorIs(t, r.PutKey(ctx, "h1", w), errs.ErrAlreadyExists)

	mock.ExpectQuery(`SELECT wrapped FROM device_keys WHERE handle=\$1`).
		WithArgs("h1").
		WillReturnRows(pgxmock.NewRows([]string{"wrapped"}).AddRow(w))
	got, err := r.GetKey(ctx, "h1")
	require.NoError(t, err)
	require.Equal(t, w, got)

	mock.ExpectQuery(`SELECT wrapped FROM device_keys WHERE handle=\$1`).
		WithArgs("h2").
		WillReturnError(pgx.ErrNoRows)
	_, err = r.GetKey(ctx, "h2")
	require.ErrorIs(t, err, errs.ErrNotFound)

	mock.ExpectExec(`DELETE FROM device_keys WHERE handle=\$1`).
		WithArgs("h1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	require.NoError(t, r.DeleteKey(ctx, "h1"))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestKeyRepo_Meta(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewKeyRepo(db)
	ctx := context.Background()

	mock.ExpectExec(`INSERT INTO keystore_meta \(name, value\) VALUES \(\$1, \$2\) ON CONFLICT \(name\) DO NOTHING`).
		WithArgs("kek_salt", []byte("salt")).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, r.PutMeta(ctx, "kek_salt", []byte("salt")))

	mock.ExpectExec(`INSERT INTO keystore_meta`).
		WithArgs("kek_salt", []byte("salt")).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	require.ErrorIs(t, r.PutMeta(ctx, "kek_salt", []byte("salt")), errs.ErrAlreadyExists)

	mock.ExpectQuery(`SELECT value FROM keystore_meta WHERE name=\$1`).
		WithArgs("kek_salt").
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow([]byte("salt")))
	v, err := r.GetMeta(ctx, "kek_salt")
	require.NoError(t, err)
	require.Equal(t, []byte("salt"), v)

	mock.ExpectQuery(`SELECT value FROM keystore_meta WHERE name=\$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)
	_, err = r.GetMeta(ctx, "missing")
	require.ErrorIs(t, err, errs.ErrNotFound)
}
