// Package attest produces and verifies COSE_Sign1 attestations signed by the device identity key.
package attest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gofrs/uuid/v5"
	"github.com/veraison/go-cose"
)

// ErrInvalidAttestation indicates a malformed envelope or a bad signature.
var ErrInvalidAttestation = errors.New("attest: invalid attestation")

// DeviceClaims is the payload of a device attestation.
type DeviceClaims struct {
	DeviceID string `cbor:"1,keyasint"`
	Key      []byte `cbor:"2,keyasint"` // COSE_Key of the identity public key
	IssuedAt int64  `cbor:"3,keyasint"`
}

// KeyClaims binds a freshly generated token key to a card reference.
type KeyClaims struct {
	DeviceID  string `cbor:"1,keyasint"`
	CardRef   string `cbor:"2,keyasint"`
	KeyHandle string `cbor:"3,keyasint"`
	KCV       []byte `cbor:"4,keyasint"`
	IssuedAt  int64  `cbor:"5,keyasint"`
}

// DeviceID derives a stable identifier from the identity public key.
func DeviceID(pub *ecdsa.PublicKey) string {
	sum := sha256.Sum256(elliptic.MarshalCompressed(pub.Curve, pub.X, pub.Y))
	return uuid.NewV5(uuid.NamespaceOID, fmt.Sprintf("%x", sum)).String()
}

// Device returns a self-signed attestation of the identity key.
func Device(priv *ecdsa.PrivateKey, now time.Time) ([]byte, error) {
	key, err := cose.NewKeyFromPublic(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("attest: cose key: %w", err)
	}
	rawKey, err := key.MarshalCBOR()
	if err != nil {
		return nil, fmt.Errorf("attest: encode cose key: %w", err)
	}
	id := DeviceID(&priv.PublicKey)
	return sign(priv, id, DeviceClaims{DeviceID: id, Key: rawKey, IssuedAt: now.Unix()})
}

// Key returns an attestation of a token key signed by the device identity.
func Key(priv *ecdsa.PrivateKey, c KeyClaims) ([]byte, error) {
	c.DeviceID = DeviceID(&priv.PublicKey)
	return sign(priv, c.DeviceID, c)
}

func sign(priv *ecdsa.PrivateKey, kid string, claims any) ([]byte, error) {
	payload, err := cbor.Marshal(claims)
	if err != nil {
		return nil, fmt.Errorf("attest: encode claims: %w", err)
	}
	signer, err := cose.NewSigner(cose.AlgorithmES256, priv)
	if err != nil {
		return nil, fmt.Errorf("attest: signer: %w", err)
	}
	headers := cose.Headers{
		Protected:   cose.ProtectedHeader{cose.HeaderLabelAlgorithm: cose.AlgorithmES256},
		Unprotected: cose.UnprotectedHeader{cose.HeaderLabelKeyID: []byte(kid)},
	}
	return cose.Sign1(rand.Reader, signer, headers, payload, nil)
}

// VerifyDevice checks a device attestation against the key it carries and returns
// the claims together with the attested public key.
func VerifyDevice(raw []byte) (*DeviceClaims, *ecdsa.PublicKey, error) {
	var msg cose.Sign1Message
	if err := msg.UnmarshalCBOR(raw); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidAttestation, err)
	}
	var claims DeviceClaims
	if err := cbor.Unmarshal(msg.Payload, &claims); err != nil {
		return nil, nil, fmt.Errorf("%w: claims: %v", ErrInvalidAttestation, err)
	}
	var key cose.Key
	if err := key.UnmarshalCBOR(claims.Key); err != nil {
		return nil, nil, fmt.Errorf("%w: cose key: %v", ErrInvalidAttestation, err)
	}
	pk, err := key.PublicKey()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: public key: %v", ErrInvalidAttestation, err)
	}
	pub, ok := pk.(*ecdsa.PublicKey)
	if !ok {
		return nil, nil, fmt.Errorf("%w: not an EC2 key", ErrInvalidAttestation)
	}
	if err := verify(&msg, pub); err != nil {
		return nil, nil, err
	}
	if DeviceID(pub) != claims.DeviceID {
		return nil, nil, fmt.Errorf("%w: device id does not match key", ErrInvalidAttestation)
	}
	return &claims, pub, nil
}

// VerifyKey checks a key attestation against the device public key.
func VerifyKey(raw []byte, device *ecdsa.PublicKey) (*KeyClaims, error) {
	var msg cose.Sign1Message
	if err := msg.UnmarshalCBOR(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAttestation, err)
	}
	if err := verify(&msg, device); err != nil {
		return nil, err
	}
	var claims KeyClaims
	if err := cbor.Unmarshal(msg.Payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: claims: %v", ErrInvalidAttestation, err)
	}
	if claims.DeviceID != DeviceID(device) {
		return nil, fmt.Errorf("%w: foreign device", ErrInvalidAttestation)
	}
	return &claims, nil
}

func verify(msg *cose.Sign1Message, pub *ecdsa.PublicKey) error {
	verifier, err := cose.NewVerifier(cose.AlgorithmES256, pub)
	if err != nil {
		return fmt.Errorf("attest: verifier: %w", err)
	}
	if err := msg.Verify(nil, verifier); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAttestation, err)
	}
	return nil
}
