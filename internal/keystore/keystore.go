// Package keystore owns device-bound key material: per-token cryptogram keys and the device identity key.
// Keys are stored wrapped under a KEK derived from the store secret and never leave the package in clear.
package keystore

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/tap-wallet/internal/crypto/walletcrypto"
	"github.com/and161185/tap-wallet/internal/errs"
	"github.com/and161185/tap-wallet/internal/repository"
)

const (
	metaSalt       = "kek_salt"
	metaCheck      = "kek_check"
	identityHandle = "device-identity"

	// MasterKeyLen is the size of a per-token cryptogram master key.
	MasterKeyLen = 16
	acLen        = 8
)

// ErrWrongSecret indicates the store secret does not match the one the store was created with.
var ErrWrongSecret = errors.New("keystore: wrong secret")

// Store wraps and unwraps device keys.
type Store struct {
	repo repository.KeyRepository
	kek  []byte
	log  *zap.Logger
}

// Open derives the KEK from secret, creating salt and verifier on first use.
func Open(ctx context.Context, repo repository.KeyRepository, secret []byte, log *zap.Logger) (*Store, error) {
	if len(secret) == 0 {
		return nil, errors.New("keystore: empty secret")
	}
	salt, err := repo.GetMeta(ctx, metaSalt)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		if salt, err = walletcrypto.Rand(walletcrypto.SaltLen); err != nil {
			return nil, err
		}
		kek := walletcrypto.DeriveKEK(secret, salt)
		if err := repo.PutMeta(ctx, metaSalt, salt); err != nil {
			return nil, fmt.Errorf("keystore: store salt: %w", err)
		}
		if err := repo.PutMeta(ctx, metaCheck, walletcrypto.SecretCheck(kek)); err != nil {
			return nil, fmt.Errorf("keystore: store check: %w", err)
		}
		return NewWithKEK(repo, kek, log), nil
	case err != nil:
		return nil, fmt.Errorf("keystore: load salt: %w", err)
	}

	kek := walletcrypto.DeriveKEK(secret, salt)
	check, err := repo.GetMeta(ctx, metaCheck)
	if err != nil {
		return nil, fmt.Errorf("keystore: load check: %w", err)
	}
	if !walletcrypto.VerifySecret(kek, check) {
		return nil, ErrWrongSecret
	}
	return NewWithKEK(repo, kek, log), nil
}

// NewWithKEK builds a store over an already derived KEK.
func NewWithKEK(repo repository.KeyRepository, kek []byte, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{repo: repo, kek: kek, log: log}
}

// Generate creates a random cryptogram master key and returns its handle and key check value.
func (s *Store) Generate(ctx context.Context) (string, []byte, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", nil, err
	}
	handle := id.String()
	key, err := walletcrypto.Rand(MasterKeyLen)
	if err != nil {
		return "", nil, err
	}
	wrapped, err := walletcrypto.WrapKey(s.kek, key, []byte(handle))
	if err != nil {
		return "", nil, err
	}
	if err := s.repo.PutKey(ctx, handle, wrapped); err != nil {
		return "", nil, fmt.Errorf("keystore: put key: %w", err)
	}
	s.log.Debug("device key generated", zap.String("handle", handle))
	return handle, KCV(key), nil
}

// Key unwraps the key behind handle into a cryptogram capability.
func (s *Store) Key(ctx context.Context, handle string) (*CryptogramKey, error) {
	wrapped, err := s.repo.GetKey(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("keystore: get key: %w", err)
	}
	key, err := walletcrypto.UnwrapKey(s.kek, wrapped, []byte(handle))
	if err != nil {
		return nil, fmt.Errorf("keystore: unwrap: %w", err)
	}
	return &CryptogramKey{handle: handle, master: key}, nil
}

// Destroy deletes the key behind handle.
func (s *Store) Destroy(ctx context.Context, handle string) error {
	if err := s.repo.DeleteKey(ctx, handle); err != nil {
		return fmt.Errorf("keystore: delete key: %w", err)
	}
	s.log.Debug("device key destroyed", zap.String("handle", handle))
	return nil
}

// DeviceIdentity loads the P-256 device identity key, creating it on first use.
func (s *Store) DeviceIdentity(ctx context.Context) (*ecdsa.PrivateKey, error) {
	wrapped, err := s.repo.GetKey(ctx, identityHandle)
	if err == nil {
		der, err := walletcrypto.UnwrapKey(s.kek, wrapped, []byte(identityHandle))
		if err != nil {
			return nil, fmt.Errorf("keystore: unwrap identity: %w", err)
		}
		return x509.ParseECPrivateKey(der)
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	if wrapped, err = walletcrypto.WrapKey(s.kek, der, []byte(identityHandle)); err != nil {
		return nil, err
	}
	if err := s.repo.PutKey(ctx, identityHandle, wrapped); err != nil {
		if errors.Is(err, errs.ErrAlreadyExists) {
			return s.DeviceIdentity(ctx)
		}
		return nil, err
	}
	s.log.Info("device identity created")
	return priv, nil
}

// CryptogramKey computes application cryptograms without exposing the master key.
type CryptogramKey struct {
	handle string
	master []byte
}

// Handle returns the keystore handle.
func (k *CryptogramKey) Handle() string { return k.handle }

// Compute returns the 8-byte application cryptogram over data for the given ATC.
// Session key = HKDF(master, "tapwallet-ac" || ATC); AC = HMAC-SHA256(session key, data || ATC)[:8].
func (k *CryptogramKey) Compute(atc uint16, data []byte) ([]byte, error) {
	var a [2]byte
	binary.BigEndian.PutUint16(a[:], atc)
	info := append([]byte("tapwallet-ac"), a[:]...)
	sk, err := walletcrypto.DeriveKey(k.master, nil, info, MasterKeyLen)
	if err != nil {
		return nil, err
	}
	m := hmac.New(sha256.New, sk)
	m.Write(data)
	m.Write(a[:])
	return m.Sum(nil)[:acLen], nil
}

// KCV is the 3-byte key check value published in key attestations.
func KCV(key []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(make([]byte, 16))
	return m.Sum(nil)[:3]
}
