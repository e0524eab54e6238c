// Package limiter throttles provisioning attempts per card fingerprint.
package limiter

import (
	"context"
	"time"
)

// Limiter controls provisioning attempts and temporary lockouts for one card.
// The key is a keyed fingerprint of the PAN, never the PAN itself.
type Limiter interface {
	// Allow reports whether provisioning is currently allowed and optional retry-after.
	Allow(ctx context.Context, fingerprint []byte) (bool, time.Duration, error)
	// Success resets counters after a card reached ACTIVE.
	Success(ctx context.Context, fingerprint []byte) error
	// Failure records a failed session; may place a temporary block.
	Failure(ctx context.Context, fingerprint []byte) (bool, time.Duration, error)
}
