package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/and161185/tap-wallet/internal/attest"
	"github.com/and161185/tap-wallet/internal/config"
	"github.com/and161185/tap-wallet/internal/crypto/walletcrypto"
	"github.com/and161185/tap-wallet/internal/devicegate"
	"github.com/and161185/tap-wallet/internal/emv"
	"github.com/and161185/tap-wallet/internal/keystore"
	"github.com/and161185/tap-wallet/internal/limiter"
	"github.com/and161185/tap-wallet/internal/migrate"
	"github.com/and161185/tap-wallet/internal/network/grpcnet"
	"github.com/and161185/tap-wallet/internal/provisioning"
	"github.com/and161185/tap-wallet/internal/repository"
	"github.com/and161185/tap-wallet/internal/repository/postgres"
	"github.com/and161185/tap-wallet/internal/repository/sqlite"
	"github.com/and161185/tap-wallet/internal/token"
	"github.com/and161185/tap-wallet/internal/verification"
)

// newChecker builds the device security checker; replaced in tests.
var newChecker = func(cfg config.Config) devicegate.Checker {
	return devicegate.DefaultProbe(cfg.Device.ExpectedDigest, cfg.Device.MinBattery)
}

// app is the wallet's object graph for one command.
type app struct {
	cfg     config.Config
	log     *zap.Logger
	gate    *devicegate.Gate
	checker devicegate.Checker
	keys    *keystore.Store
	tokens  *token.Manager
	lim     limiter.Limiter
	closers []func()
}

// openApp opens the store, unlocks the keystore, restores tokens and runs the device check.
func openApp(ctx context.Context, cfg config.Config, log *zap.Logger) (*app, error) {
	if cfg.Store.Secret == "" {
		return nil, errors.New("store.secret is required (set TAPWALLET_STORE_SECRET)")
	}
	a := &app{cfg: cfg, log: log, gate: devicegate.New(log), checker: newChecker(cfg)}

	var (
		tokenRepo repository.TokenRepository
		keyRepo   repository.KeyRepository
	)
	switch cfg.Store.Driver {
	case "postgres":
		if err := migrate.Up(ctx, cfg.Store.DSN); err != nil {
			return nil, fmt.Errorf("migrate up: %w", err)
		}
		db, err := postgres.New(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		tokenRepo, keyRepo = postgres.NewTokenRepo(db), postgres.NewKeyRepo(db)
		a.lim = limiter.NewPG(db.Pool, cfg.Limiter.Window, cfg.Limiter.MaxFails, cfg.Limiter.BlockFor)
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Store.DSN), 0o700); err != nil {
			return nil, err
		}
		db, err := sqlite.InitDB(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = sqlite.CloseDB(db) })
		tokenRepo, keyRepo = sqlite.NewTokenRepository(db), sqlite.NewKeyRepository(db)
		a.lim = limiter.NewMemory(cfg.Limiter.Window, cfg.Limiter.MaxFails, cfg.Limiter.BlockFor)
	}

	keys, err := keystore.Open(ctx, keyRepo, []byte(cfg.Store.Secret), log)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.keys = keys
	a.tokens = token.NewManager(tokenRepo, keys, a.gate, log)
	if err := a.tokens.Load(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.gate.Initialize(ctx, a.checker)
	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) deviceID(ctx context.Context) (string, error) {
	priv, err := a.keys.DeviceIdentity(ctx)
	if err != nil {
		return "", err
	}
	return attest.DeviceID(&priv.PublicKey), nil
}

// dial connects to the network with device bearer credentials.
func (a *app) dial(ctx context.Context) (*grpc.ClientConn, *grpcnet.Client, error) {
	if a.cfg.Network.APIKey == "" {
		return nil, nil, errors.New("network.api_key is required")
	}
	id, err := a.deviceID(ctx)
	if err != nil {
		return nil, nil, err
	}
	cc, err := grpcnet.Dial(a.cfg.Network.Addr, grpcnet.DialOptions{
		CACert:     a.cfg.Network.CACert,
		SkipVerify: a.cfg.Network.Insecure,
		Plaintext:  a.cfg.Network.Plaintext,
		Creds: &attest.DeviceCredentials{
			Key:      []byte(a.cfg.Network.APIKey),
			DeviceID: id,
			Secure:   !a.cfg.Network.Plaintext,
		},
		Log: a.log,
	})
	if err != nil {
		return nil, nil, err
	}
	a.closers = append(a.closers, func() { _ = cc.Close() })
	return cc, grpcnet.New(cc, a.cfg.Network.Timeout, a.log), nil
}

// provisioner wires a Provisioner to the network.
func (a *app) provisioner(ctx context.Context, client *grpcnet.Client) (*provisioning.Provisioner, error) {
	netKey, err := client.NetworkKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("network key: %w", err)
	}
	fpKey, err := walletcrypto.DeriveKey([]byte(a.cfg.Store.Secret), nil, []byte("tapwallet-fingerprint"), 32)
	if err != nil {
		return nil, err
	}
	p := provisioning.New(provisioning.Deps{
		Gate:    a.gate,
		Checker: a.checker,
		Tokens:  a.tokens,
		Verifier: verification.New(client, a.log,
			verification.WithTTL(a.cfg.Verification.TTL),
			verification.WithMaxAttempts(a.cfg.Verification.MaxAttempts),
		),
		Network:        client,
		Identity:       a.keys,
		NetworkKey:     netKey,
		Limiter:        a.lim,
		FingerprintKey: fpKey,
		DeviceInfo:     provisioning.DeviceInfo{Model: a.cfg.Device.Model, OSVersion: osVersion()},
		SessionTTL:     a.cfg.Session.TTL,
		Log:            a.log,
	})
	p.Initialize(ctx)
	return p, nil
}

// engine builds the card emulation with the configured AIDs.
func (a *app) engine() (*emv.Engine, error) {
	apps, err := appsFromConfig(a.cfg.EMV.AIDs)
	if err != nil {
		return nil, err
	}
	return emv.New(a.tokens, a.gate, a.log, emv.WithApps(apps), emv.WithBudget(a.cfg.EMV.Budget)), nil
}

var aidLabels = map[string]string{
	"A0000000031010": "VISA",
	"A0000000041010": "MASTERCARD",
	"A00000002501":   "AMEX",
	"A0000001523010": "DISCOVER",
}

func appsFromConfig(aids []string) ([]emv.App, error) {
	apps := make([]emv.App, 0, len(aids))
	for i, s := range aids {
		s = strings.ToUpper(strings.TrimSpace(s))
		aid, err := emv.ParseAID(s)
		if err != nil {
			return nil, err
		}
		label := aidLabels[s]
		if label == "" {
			label = fmt.Sprintf("APP%d", i+1)
		}
		apps = append(apps, emv.App{AID: aid, Label: label, Priority: byte(i + 1)})
	}
	return apps, nil
}

func osVersion() string {
	b, err := os.ReadFile("/proc/sys/kernel/osrelease")
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(b))
}
