package sandbox

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/and161185/tap-wallet/internal/attest"
	"github.com/and161185/tap-wallet/internal/devicegate"
	"github.com/and161185/tap-wallet/internal/emv"
	"github.com/and161185/tap-wallet/internal/errs"
	"github.com/and161185/tap-wallet/internal/keystore"
	"github.com/and161185/tap-wallet/internal/model"
	"github.com/and161185/tap-wallet/internal/network/grpcnet"
	"github.com/and161185/tap-wallet/internal/provisioning"
	"github.com/and161185/tap-wallet/internal/repository/sqlite"
	"github.com/and161185/tap-wallet/internal/terminal"
	"github.com/and161185/tap-wallet/internal/token"
	"github.com/and161185/tap-wallet/internal/verification"
)

var signKey = []byte("sandbox-signing-key")

type wallet struct {
	p      *provisioning.Provisioner
	tokens *token.Manager
	gate   *devicegate.Gate
	client *grpcnet.Client
	anon   *grpcnet.Client
	health healthpb.HealthClient
	lis    *bufconn.Listener
}

func startSandbox(t *testing.T, cfg Config) *bufconn.Listener {
	t.Helper()
	log := zaptest.NewLogger(t)
	cfg.Log = log
	sb, err := New(cfg)
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	srv := NewGRPCServer(signKey, log)
	Register(srv, sb)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis
}

func dial(t *testing.T, lis *bufconn.Listener, creds *attest.DeviceCredentials) *grpc.ClientConn {
	t.Helper()
	o := grpcnet.DialOptions{
		Plaintext: true,
		Log:       zaptest.NewLogger(t),
		Extra: []grpc.DialOption{grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		})},
	}
	if creds != nil {
		o.Creds = creds
	}
	cc, err := grpcnet.Dial("passthrough:///sandbox", o)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })
	return cc
}

func newWallet(t *testing.T, cfg Config) *wallet {
	t.Helper()
	ctx := context.Background()
	log := zaptest.NewLogger(t)
	lis := startSandbox(t, cfg)

	db, err := sqlite.InitDB(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.CloseDB(db) })

	keys := keystore.NewWithKEK(sqlite.NewKeyRepository(db), make([]byte, 32), log)
	priv, err := keys.DeviceIdentity(ctx)
	require.NoError(t, err)
	deviceID := attest.DeviceID(&priv.PublicKey)

	cc := dial(t, lis, &attest.DeviceCredentials{Key: signKey, DeviceID: deviceID})
	client := grpcnet.New(cc, time.Second, log)
	netKey, err := client.NetworkKey(ctx)
	require.NoError(t, err)

	gate := devicegate.New(log)
	tokens := token.NewManager(sqlite.NewTokenRepository(db), keys, gate, log)
	p := provisioning.New(provisioning.Deps{
		Gate: gate,
		Checker: devicegate.CheckerFunc(func(context.Context) (model.DeviceSecurityStatus, error) {
			return model.DeviceSecurityStatus{Passed: true}, nil
		}),
		Tokens:         tokens,
		Verifier:       verification.New(client, log),
		Network:        client,
		Identity:       keys,
		NetworkKey:     netKey,
		FingerprintKey: []byte("fp"),
		DeviceInfo:     provisioning.DeviceInfo{Model: "sandbox-test"},
		Log:            log,
	})
	p.Initialize(ctx)

	anon := dial(t, lis, nil)
	return &wallet{
		p:      p,
		tokens: tokens,
		gate:   gate,
		client: client,
		anon:   grpcnet.New(anon, time.Second, log),
		health: healthpb.NewHealthClient(anon),
		lis:    lis,
	}
}

func fundingCard(pan string) model.Card { return model.Card{PAN: pan, Expiry: "12/30"} }

func TestSandbox_VerificationThenTap(t *testing.T) {
	t.Parallel()
	w := newWallet(t, Config{})
	ctx := context.Background()

	s, err := w.p.SubmitCard(ctx, fundingCard("4111111111111111"))
	require.NoError(t, err)
	require.Equal(t, model.StateVerifying, s.State)
	require.Equal(t, []model.VerificationMethod{model.MethodOTP, model.MethodSMS}, s.Methods)

	_, err = w.p.StartVerification(ctx, s.ID, model.MethodOTP)
	require.NoError(t, err)
	_, err = w.p.ConfirmVerification(ctx, s.ID, "000000")
	require.ErrorIs(t, err, errs.ErrChallengeRejected)

	s, err = w.p.ConfirmVerification(ctx, s.ID, DefaultOTPCode)
	require.NoError(t, err)
	require.Equal(t, model.StateActive, s.State)

	tok, err := w.tokens.Get(ctx, s.TokenRef)
	require.NoError(t, err)
	require.Equal(t, model.TokenActive, tok.State)
	require.Equal(t, "411111******1111", tok.MaskedDPAN)

	e := emv.New(w.tokens, w.gate, zaptest.NewLogger(t))
	e.UseToken(s.TokenRef)
	res, err := terminal.Tap(ctx, e, terminal.DefaultParams())
	require.NoError(t, err)
	require.Equal(t, uint16(1), res.ATC)
	require.Equal(t, "411111******1111", res.MaskedDPAN)
}

func TestSandbox_EvenPANIsEligible(t *testing.T) {
	t.Parallel()
	w := newWallet(t, Config{})
	s, err := w.p.SubmitCard(context.Background(), fundingCard("4242424242424242"))
	require.NoError(t, err)
	require.Equal(t, model.StateActive, s.State)
}

func TestSandbox_ActivationPollsThenConfirms(t *testing.T) {
	t.Parallel()
	w := newWallet(t, Config{ActivationPolls: 2})
	ctx := context.Background()

	s, err := w.p.SubmitCard(ctx, fundingCard("5555555555554444"))
	require.NoError(t, err)
	require.Equal(t, model.StatePendingActivation, s.State)

	for i := 0; i < 2; i++ {
		_, err = w.p.ConfirmActivation(ctx, s.ID)
		require.ErrorIs(t, err, errs.ErrActivationPending)
	}
	s, err = w.p.ConfirmActivation(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateActive, s.State)
}

func TestSandbox_ActivationDeclined(t *testing.T) {
	t.Parallel()
	w := newWallet(t, Config{})
	ctx := context.Background()

	s, err := w.p.SubmitCard(ctx, fundingCard("5100000000000008"))
	require.NoError(t, err)
	require.Equal(t, model.StatePendingActivation, s.State)

	s, err = w.p.ConfirmActivation(ctx, s.ID)
	require.ErrorIs(t, err, errs.ErrRejected)
	require.Equal(t, model.StateFailed, s.State)

	tok, err := w.tokens.Get(ctx, s.TokenRef)
	require.NoError(t, err)
	require.Equal(t, model.TokenRevoked, tok.State)
}

func TestSandbox_DeclinedBIN(t *testing.T) {
	t.Parallel()
	w := newWallet(t, Config{})
	s, err := w.p.SubmitCard(context.Background(), fundingCard("4000000000000002"))
	require.ErrorIs(t, err, errs.ErrRejected)
	require.Equal(t, model.StateFailed, s.State)
}

func TestSandbox_RequiresDeviceToken(t *testing.T) {
	t.Parallel()
	w := newWallet(t, Config{})
	ctx := context.Background()

	_, err := w.anon.NetworkKey(ctx)
	require.NoError(t, err, "network key is public")

	_, err = w.anon.Issue(ctx, "C1", model.MethodOTP)
	require.Equal(t, codes.Unauthenticated, status.Code(err))

	resp, err := w.health.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestSandbox_UnknownRefs(t *testing.T) {
	t.Parallel()
	w := newWallet(t, Config{})
	ctx := context.Background()

	_, err := w.client.ActivationStatus(ctx, "nope")
	require.ErrorIs(t, err, errs.ErrNotFound)
	_, err = w.client.Confirm(ctx, "nope", "123456")
	require.ErrorIs(t, err, errs.ErrNotFound)
	_, err = w.client.Provision(ctx, provisioning.ProvisionRequest{CardRef: "nope", KeyAttestation: []byte{1}})
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSandbox_ProvisionWithoutVerificationRejected(t *testing.T) {
	t.Parallel()
	w := newWallet(t, Config{})
	ctx := context.Background()

	s, err := w.p.SubmitCard(ctx, fundingCard("4111111111111111"))
	require.NoError(t, err)
	_, err = w.client.Provision(ctx, provisioning.ProvisionRequest{CardRef: s.CardRef, KeyAttestation: []byte{1}})
	require.ErrorIs(t, err, errs.ErrRejected)

	_, err = w.client.Issue(ctx, s.CardRef, model.MethodEmail)
	require.ErrorIs(t, err, errs.ErrInvalidInput, "method not offered")
}

func TestSandbox_RefsAreBoundToDevice(t *testing.T) {
	t.Parallel()
	w := newWallet(t, Config{})
	ctx := context.Background()
	other := grpcnet.New(dial(t, w.lis, &attest.DeviceCredentials{Key: signKey, DeviceID: "another-device"}), time.Second, zaptest.NewLogger(t))

	s, err := w.p.SubmitCard(ctx, fundingCard("4111111111111111"))
	require.NoError(t, err)
	_, err = other.Issue(ctx, s.CardRef, model.MethodOTP)
	require.ErrorIs(t, err, errs.ErrRejected)

	id, err := w.client.Issue(ctx, s.CardRef, model.MethodOTP)
	require.NoError(t, err)
	_, err = other.Confirm(ctx, id, DefaultOTPCode)
	require.ErrorIs(t, err, errs.ErrRejected)

	_, err = w.p.StartVerification(ctx, s.ID, model.MethodOTP)
	require.NoError(t, err)
	s, err = w.p.ConfirmVerification(ctx, s.ID, DefaultOTPCode)
	require.NoError(t, err)
	require.Equal(t, model.StateActive, s.State)

	pending, err := w.p.SubmitCard(ctx, fundingCard("5555555555554444"))
	require.NoError(t, err)
	require.Equal(t, model.StatePendingActivation, pending.State)
	_, err = other.ActivationStatus(ctx, pending.TokenRef)
	require.ErrorIs(t, err, errs.ErrRejected)

	pending, err = w.p.ConfirmActivation(ctx, pending.ID)
	require.ErrorIs(t, err, errs.ErrActivationPending, "foreign poll is not counted")
	pending, err = w.p.ConfirmActivation(ctx, pending.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateActive, pending.State)
}
