package attest

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL bounds device bearer tokens.
const DefaultTokenTTL = 5 * time.Minute

// MintDeviceToken signs an HS256 bearer token with sub = deviceID.
func MintDeviceToken(key []byte, deviceID string, now time.Time, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   deviceID,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

// ParseDeviceToken verifies an HS256 bearer token and returns its subject.
func ParseDeviceToken(key []byte, tok string) (string, error) {
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(tok, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return key, nil
	}, jwt.WithLeeway(30*time.Second))
	if err != nil || !parsed.Valid {
		return "", errors.New("invalid token")
	}
	if claims.Subject == "" {
		return "", errors.New("empty subject")
	}
	return claims.Subject, nil
}

// DeviceCredentials attaches a fresh device token to every RPC.
type DeviceCredentials struct {
	Key      []byte
	DeviceID string
	TTL      time.Duration
	Secure   bool
	Now      func() time.Time
}

func (c *DeviceCredentials) GetRequestMetadata(ctx context.Context, _ ...string) (map[string]string, error) {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	ttl := c.TTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	tok, err := MintDeviceToken(c.Key, c.DeviceID, now(), ttl)
	if err != nil {
		return nil, err
	}
	return map[string]string{"authorization": "Bearer " + tok}, nil
}

func (c *DeviceCredentials) RequireTransportSecurity() bool { return c.Secure }
