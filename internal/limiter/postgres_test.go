package limiter

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"

	"github.com/and161185/tap-wallet/internal/repository/postgres"
)

type fakeRow struct{ scan func(dest ...any) error }

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

type fakePool struct {
	qrErr         error
	qrBlockedTill *time.Time
	qrUpdatedAt   time.Time
	qrFailsRet    int

	lastExecSQL  string
	lastExecArgs []any
	execErr      error
}

func (f *fakePool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.lastExecSQL = sql
	f.lastExecArgs = args
	return pgconn.CommandTag{}, f.execErr
}

func (f *fakePool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	switch {
	case strings.Contains(sql, "SELECT blocked_until"):
		return fakeRow{scan: func(dest ...any) error {
			if f.qrErr != nil {
				return f.qrErr
			}

			if f.qrBlockedTill != nil {
				*(dest[0].(*time.Time)) = *f.qrBlockedTill
			} else {
				*(dest[0].(*time.Time)) = time.Time{}
			}
			*(dest[1].(*time.Time)) = f.qrUpdatedAt
			return nil
		}}

	case strings.Contains(sql, "RETURNING fail_count"):
		return fakeRow{scan: func(dest ...any) error {
			if f.qrErr != nil {
				return f.qrErr
			}
			*(dest[0].(*int)) = f.qrFailsRet
			return nil
		}}
	default:
		return fakeRow{scan: func(dest ...any) error { return errors.New("unexpected query") }}
	}
}

func TestAllow_NoRow_Allows(t *testing.T) {
	fp := &fakePool{qrErr: pgx.ErrNoRows}
	l := NewPG(fp, 15*time.Minute, 5, 15*time.Minute)

	ok, dur, err := l.Allow(context.Background(), []byte("fp"))
	if err != nil || !ok || dur != 0 {
		t.Fatalf("Allow no-row: ok=%v dur=%v err=%v", ok, dur, err)
	}
}

func TestAllow_BlockedUntilFuture(t *testing.T) {
	fut := time.Now().Add(10 * time.Minute)
	fp := &fakePool{qrBlockedTill: &fut, qrUpdatedAt: time.Now()}
	l := NewPG(fp, 15*time.Minute, 5, 15*time.Minute)

	ok, dur, err := l.Allow(context.Background(), []byte("fp"))
	if err != nil || ok || dur <= 0 {
		t.Fatalf("Allow blocked: ok=%v dur=%v err=%v", ok, dur, err)
	}
}

func TestAllow_PastOrEpoch_Allows(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	fp := &fakePool{qrBlockedTill: &past, qrUpdatedAt: time.Now()}
	l := NewPG(fp, 15*time.Minute, 5, 15*time.Minute)

	ok, dur, err := l.Allow(context.Background(), []byte("fp"))
	if err != nil || !ok || dur != 0 {
		t.Fatalf("Allow past: ok=%v dur=%v err=%v", ok, dur, err)
	}
}

func TestAllow_DBError_Propagates(t *testing.T) {
	fp := &fakePool{qrErr: errors.New("db boom")}
	l := NewPG(fp, 15*time.Minute, 5, 15*time.Minute)

	ok, _, err := l.Allow(context.Background(), []byte("fp"))
	if err == nil || ok {
		t.Fatalf("want error propagate, got ok=%v err=%v", ok, err)
	}
}

func TestSuccess_ExecError_Propagates(t *testing.T) {
	fp := &fakePool{execErr: errors.New("exec fail")}
	l := NewPG(fp, 15*time.Minute, 5, 15*time.Minute)

	if err := l.Success(context.Background(), []byte("fp")); err == nil {
		t.Fatalf("want exec error")
	}
}

func TestSuccess_OK(t *testing.T) {
	fp := &fakePool{}
	l := NewPG(fp, 15*time.Minute, 5, 15*time.Minute)

	if err := l.Success(context.Background(), []byte("fp")); err != nil {
		t.Fatalf("success err: %v", err)
	}
	if !strings.Contains(fp.lastExecSQL, "INSERT INTO provision_limiter") {
		t.Fatalf("unexpected exec: %s", fp.lastExecSQL)
	}
}

func TestFailure_Increments_NoBlock(t *testing.T) {
	fp := &fakePool{qrFailsRet: 2}
	l := NewPG(fp, 5*time.Minute, 5, 15*time.Minute)

	blocked, dur, err := l.Failure(context.Background(), []byte("fp"))
	if err != nil || blocked || dur != 0 {
		t.Fatalf("Failure no block: blocked=%v dur=%v err=%v", blocked, dur, err)
	}
}

func TestFailure_BlocksAtThreshold(t *testing.T) {
	fp := &fakePool{qrFailsRet: 5}
	l := NewPG(fp, 5*time.Minute, 5, 10*time.Minute)

	blocked, dur, err := l.Failure(context.Background(), []byte("fp"))
	if err != nil || !blocked || dur != 10*time.Minute {
		t.Fatalf("Failure block: blocked=%v dur=%v err=%v", blocked, dur, err)
	}
	if !strings.Contains(fp.lastExecSQL, "UPDATE provision_limiter SET blocked_until") {
		t.Fatalf("must update blocked_until, exec=%s", fp.lastExecSQL)
	}
	if fp2, ok := fp.lastExecArgs[0].([]byte); !ok || string(fp2) != "fp" {
		t.Fatalf("block must be keyed by fingerprint, args=%v", fp.lastExecArgs)
	}
}

func TestFailure_DBErrorOnReturning(t *testing.T) {
	fp := &fakePool{qrErr: errors.New("query error")}
	l := NewPG(fp, 5*time.Minute, 5, 10*time.Minute)

	if _, _, err := l.Failure(context.Background(), []byte("fp")); err == nil {
		t.Fatalf("want error from returning fail_count")
	}
}

func TestNewPG_OverRepositoryPool(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()
	db := &postgres.DB{Pool: mock}

	mock.ExpectQuery("SELECT blocked_until, updated_at FROM provision_limiter").
		WithArgs([]byte("fp")).
		WillReturnError(pgx.ErrNoRows)

	l := NewPG(db.Pool, 15*time.Minute, 5, 15*time.Minute)
	ok, _, err := l.Allow(context.Background(), []byte("fp"))
	if err != nil || !ok {
		t.Fatalf("Allow: ok=%v err=%v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
