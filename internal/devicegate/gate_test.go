package devicegate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/tap-wallet/internal/errs"
	"github.com/and161185/tap-wallet/internal/model"
)

func TestGate_Lifecycle(t *testing.T) {
	t.Parallel()
	g := New(zaptest.NewLogger(t))
	require.Equal(t, model.StateInitPending, g.State())
	require.ErrorIs(t, g.Check(), errs.ErrGateClosed)
	_, done := g.Status()
	require.False(t, done)

	calls := 0
	pass := CheckerFunc(func(context.Context) (model.DeviceSecurityStatus, error) {
		calls++
		return model.DeviceSecurityStatus{Passed: true}, nil
	})
	st := g.Initialize(context.Background(), pass)
	require.True(t, st.Passed)
	require.Equal(t, model.StateReady, g.State())
	require.NoError(t, g.Check())

	fail := CheckerFunc(func(context.Context) (model.DeviceSecurityStatus, error) {
		calls++
		return model.DeviceSecurityStatus{FailureReason: model.ReasonRooted}, nil
	})
	st = g.Initialize(context.Background(), fail)
	require.True(t, st.Passed, "second Initialize returns the cached status")
	require.Equal(t, 1, calls)
}

func TestGate_Failures(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		st   model.DeviceSecurityStatus
		err  error
		want model.FailureReason
	}{
		{"rooted", model.DeviceSecurityStatus{FailureReason: model.ReasonRooted}, nil, model.ReasonRooted},
		{"checker error", model.DeviceSecurityStatus{Passed: true}, errors.New("boom"), model.ReasonUnknown},
		{"no reason", model.DeviceSecurityStatus{}, nil, model.ReasonUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := New(nil)
			st := g.Initialize(context.Background(), CheckerFunc(func(context.Context) (model.DeviceSecurityStatus, error) {
				return tc.st, tc.err
			}))
			require.False(t, st.Passed)
			require.Equal(t, tc.want, st.FailureReason)
			require.Equal(t, model.StateInitFailed, g.State())
			require.ErrorIs(t, g.Check(), errs.ErrGateClosed)
		})
	}
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestProbe(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	exe := filepath.Join(dir, "wallet")
	writeFile(t, exe, "binary")
	sum := sha256.Sum256([]byte("binary"))
	digest := hex.EncodeToString(sum[:])
	ps := filepath.Join(dir, "power_supply")
	writeFile(t, filepath.Join(ps, "BAT0", "type"), "Battery\n")
	writeFile(t, filepath.Join(ps, "BAT0", "capacity"), "50\n")
	writeFile(t, filepath.Join(ps, "BAT0", "status"), "Discharging\n")
	writeFile(t, filepath.Join(ps, "AC", "type"), "Mains\n")

	base := Probe{
		SuPaths:        []string{filepath.Join(dir, "su")},
		Executable:     exe,
		ExpectedDigest: digest,
		PowerSupplyDir: ps,
		MinBattery:     15,
	}
	st, err := base.CheckDeviceSecurity(context.Background())
	require.NoError(t, err)
	require.True(t, st.Passed)

	tampered := base
	tampered.ExpectedDigest = "00"
	st, err = tampered.CheckDeviceSecurity(context.Background())
	require.NoError(t, err)
	require.Equal(t, model.ReasonIntegrityFailed, st.FailureReason)

	drained := base
	drained.MinBattery = 60
	st, err = drained.CheckDeviceSecurity(context.Background())
	require.NoError(t, err)
	require.Equal(t, model.ReasonLowBattery, st.FailureReason)

	noBattery := drained
	noBattery.PowerSupplyDir = filepath.Join(dir, "missing")
	st, err = noBattery.CheckDeviceSecurity(context.Background())
	require.NoError(t, err)
	require.True(t, st.Passed)

	writeFile(t, filepath.Join(dir, "su"), "")
	st, err = base.CheckDeviceSecurity(context.Background())
	require.NoError(t, err)
	require.False(t, st.Passed)
	require.Equal(t, model.ReasonRooted, st.FailureReason)
}

func TestProbe_MissingExecutable(t *testing.T) {
	t.Parallel()
	p := Probe{Executable: filepath.Join(t.TempDir(), "nope"), ExpectedDigest: "ab"}
	_, err := p.CheckDeviceSecurity(context.Background())
	require.Error(t, err)
}

func TestCheckDeviceSecurity_WritableSystemDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := Probe{SystemDirs: []string{filepath.Join(dir, "missing"), dir}}

	st, err := p.CheckDeviceSecurity(context.Background())
	require.NoError(t, err)
	require.Equal(t, model.ReasonRooted, st.FailureReason, "temp dir is writable")

	p.SystemDirs = []string{filepath.Join(dir, "missing")}
	st, err = p.CheckDeviceSecurity(context.Background())
	require.NoError(t, err)
	require.True(t, st.Passed)
}
