package keystore

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/tap-wallet/internal/errs"
	"github.com/and161185/tap-wallet/internal/repository/sqlite"
)

func newRepo(t *testing.T) *sqlite.KeyRepository {
	t.Helper()
	db, err := sqlite.InitDB(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.CloseDB(db) })
	return sqlite.NewKeyRepository(db)
}

func TestOpen_CreatesThenVerifiesSecret(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	log := zaptest.NewLogger(t)

	s1, err := Open(ctx, repo, []byte("secret"), log)
	require.NoError(t, err)
	h, _, err := s1.Generate(ctx)
	require.NoError(t, err)

	s2, err := Open(ctx, repo, []byte("secret"), log)
	require.NoError(t, err)
	_, err = s2.Key(ctx, h)
	require.NoError(t, err, "reopened store must unwrap keys from the first one")

	_, err = Open(ctx, repo, []byte("other"), log)
	require.ErrorIs(t, err, ErrWrongSecret)

	_, err = Open(ctx, repo, nil, log)
	require.Error(t, err)
}

func TestGenerateKeyDestroy(t *testing.T) {
	ctx := context.Background()
	s := NewWithKEK(newRepo(t), bytes.Repeat([]byte{7}, 32), zaptest.NewLogger(t))

	h, kcv, err := s.Generate(ctx)
	require.NoError(t, err)
	require.Len(t, kcv, 3)

	k, err := s.Key(ctx, h)
	require.NoError(t, err)
	require.Equal(t, h, k.Handle())
	require.Equal(t, kcv, KCV(k.master))

	require.NoError(t, s.Destroy(ctx, h))
	_, err = s.Key(ctx, h)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestCompute_DependsOnATCAndData(t *testing.T) {
	t.Parallel()
	k := &CryptogramKey{handle: "h", master: bytes.Repeat([]byte{1}, MasterKeyLen)}

	a1, err := k.Compute(1, []byte("data"))
	require.NoError(t, err)
	require.Len(t, a1, 8)
	again, _ := k.Compute(1, []byte("data"))
	require.Equal(t, a1, again)

	a2, _ := k.Compute(2, []byte("data"))
	require.NotEqual(t, a1, a2)
	a3, _ := k.Compute(1, []byte("other"))
	require.NotEqual(t, a1, a3)

	other := &CryptogramKey{master: bytes.Repeat([]byte{2}, MasterKeyLen)}
	a4, _ := other.Compute(1, []byte("data"))
	require.NotEqual(t, a1, a4)
}

func TestDeviceIdentity_Stable(t *testing.T) {
	ctx := context.Background()
	s := NewWithKEK(newRepo(t), bytes.Repeat([]byte{9}, 32), nil)

	k1, err := s.DeviceIdentity(ctx)
	require.NoError(t, err)
	k2, err := s.DeviceIdentity(ctx)
	require.NoError(t, err)
	require.True(t, k1.Equal(k2))
}
