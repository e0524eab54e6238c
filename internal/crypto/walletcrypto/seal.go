package walletcrypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/and161185/tap-wallet/internal/model"
)

var sealInfo = []byte("tapwallet-card-seal")

// sealedCard is the wire envelope of an encrypted card.
type sealedCard struct {
	Ephemeral  []byte `cbor:"1,keyasint"` // uncompressed P-256 point
	Nonce      []byte `cbor:"2,keyasint"`
	Ciphertext []byte `cbor:"3,keyasint"`
}

// SealCard encrypts the card to the network's P-256 key (ephemeral ECDH, HKDF, XChaCha20-Poly1305).
func SealCard(networkKey *ecdh.PublicKey, card model.Card) ([]byte, error) {
	if networkKey == nil {
		return nil, errors.New("seal card: no network key")
	}
	eph, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	shared, err := eph.ECDH(networkKey)
	if err != nil {
		return nil, err
	}
	ephPub := eph.PublicKey().Bytes()
	key, err := DeriveKey(shared, ephPub, sealInfo, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}

	card.PAN = model.NormalizePAN(card.PAN)
	pt, err := cbor.Marshal(card)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce, err := Rand(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(sealedCard{
		Ephemeral:  ephPub,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, pt, ephPub),
	})
}

// OpenCard reverses SealCard with the network's private key.
func OpenCard(networkKey *ecdh.PrivateKey, sealed []byte) (model.Card, error) {
	var env sealedCard
	if err := cbor.Unmarshal(sealed, &env); err != nil {
		return model.Card{}, fmt.Errorf("open card: %w", err)
	}
	eph, err := ecdh.P256().NewPublicKey(env.Ephemeral)
	if err != nil {
		return model.Card{}, fmt.Errorf("open card: %w", err)
	}
	shared, err := networkKey.ECDH(eph)
	if err != nil {
		return model.Card{}, err
	}
	key, err := DeriveKey(shared, env.Ephemeral, sealInfo, chacha20poly1305.KeySize)
	if err != nil {
		return model.Card{}, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return model.Card{}, err
	}
	if len(env.Nonce) != chacha20poly1305.NonceSizeX {
		return model.Card{}, errors.New("open card: bad nonce")
	}
	pt, err := aead.Open(nil, env.Nonce, env.Ciphertext, env.Ephemeral)
	if err != nil {
		return model.Card{}, fmt.Errorf("open card: %w", err)
	}
	var card model.Card
	if err := cbor.Unmarshal(pt, &card); err != nil {
		return model.Card{}, fmt.Errorf("open card: %w", err)
	}
	return card, nil
}
