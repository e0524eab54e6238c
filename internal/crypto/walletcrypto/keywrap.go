// Package walletcrypto contains on-device primitives for key wrapping, card sealing and fingerprints.
package walletcrypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Params
const (
	KeyLen  = 32
	SaltLen = 16

	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1
)

// Rand returns n cryptographically secure random bytes.
func Rand(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// DeriveKEK derives the store key-encryption key from the store secret and salt using Argon2id.
func DeriveKEK(secret, salt []byte) []byte {
	return argon2.IDKey(secret, salt, argonTime, argonMemory, argonThreads, KeyLen)
}

// SecretCheck returns a verifier stored next to the salt so a wrong secret is detected before unwrapping.
func SecretCheck(kek []byte) []byte {
	m := hmac.New(sha256.New, kek)
	m.Write([]byte("tapwallet-kek-check"))
	return m.Sum(nil)
}

// VerifySecret compares a derived KEK against a stored verifier.
func VerifySecret(kek, check []byte) bool {
	return subtle.ConstantTimeCompare(SecretCheck(kek), check) == 1
}

// WrapKey encrypts key material with KEK using XChaCha20-Poly1305, random nonce, and aad bound to the handle.
func WrapKey(kek, key, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, err
	}
	nonce, err := Rand(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(key)+aead.Overhead())
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, key, aad)...)
	return out, nil
}

// UnwrapKey decrypts wrapped key material using KEK and the same aad.
func UnwrapKey(kek, wrapped, aad []byte) ([]byte, error) {
	if len(wrapped) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("wrapped too short")
	}
	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, err
	}
	nonce := wrapped[:chacha20poly1305.NonceSizeX]
	ct := wrapped[chacha20poly1305.NonceSizeX:]
	return aead.Open(nil, nonce, ct, aad)
}

// DeriveKey expands secret via HKDF-SHA256 with the given salt and info.
func DeriveKey(secret, salt, info []byte, n int) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, info)
	key := make([]byte, n)
	_, err := r.Read(key)
	return key, err
}

// Fingerprint is a keyed, non-reversible digest of a PAN for rate limiting.
func Fingerprint(key []byte, pan string) []byte {
	m := hmac.New(sha256.New, key)
	m.Write([]byte(pan))
	return m.Sum(nil)
}
