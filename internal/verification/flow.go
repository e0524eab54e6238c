// Package verification issues and confirms cardholder verification challenges (OTP, out-of-band, 3DS).
package verification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/tap-wallet/internal/errs"
	"github.com/and161185/tap-wallet/internal/model"
)

const (
	DefaultTTL         = 5 * time.Minute
	DefaultMaxAttempts = 3
)

// Network is the issuer-side verification capability.
type Network interface {
	Issue(ctx context.Context, cardRef string, method model.VerificationMethod) (challengeID string, err error)
	Confirm(ctx context.Context, challengeID, code string) (verified bool, err error)
}

// Option configures a Flow.
type Option func(*Flow)

func WithTTL(d time.Duration) Option {
	return func(f *Flow) {
		if d > 0 {
			f.ttl = d
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(f *Flow) {
		if n > 0 {
			f.maxAttempts = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(f *Flow) { f.now = now }
}

// Flow keeps at most one active challenge per session.
type Flow struct {
	net         Network
	log         *zap.Logger
	ttl         time.Duration
	maxAttempts int
	now         func() time.Time

	mu     sync.Mutex
	active map[uuid.UUID]*model.VerificationChallenge
}

func New(net Network, log *zap.Logger, opts ...Option) *Flow {
	if log == nil {
		log = zap.NewNop()
	}
	f := &Flow{
		net:         net,
		log:         log,
		ttl:         DefaultTTL,
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
		active:      map[uuid.UUID]*model.VerificationChallenge{},
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Start issues a challenge for sessionID, replacing any prior one.
func (f *Flow) Start(ctx context.Context, sessionID uuid.UUID, cardRef string, method model.VerificationMethod) (model.VerificationChallenge, error) {
	if !method.Valid() {
		return model.VerificationChallenge{}, fmt.Errorf("%w: unknown verification method %q", errs.ErrInvalidInput, method)
	}
	id, err := f.net.Issue(ctx, cardRef, method)
	if err != nil {
		return model.VerificationChallenge{}, fmt.Errorf("issue challenge: %w", err)
	}

	ch := &model.VerificationChallenge{
		ID:                id,
		SessionID:         sessionID,
		Method:            method,
		ExpiresAt:         f.now().Add(f.ttl),
		AttemptsRemaining: f.maxAttempts,
	}
	f.mu.Lock()
	if prior, ok := f.active[sessionID]; ok {
		f.log.Debug("challenge replaced", zap.String("session", sessionID.String()), zap.String("prior", prior.ID))
	}
	f.active[sessionID] = ch
	f.mu.Unlock()

	f.log.Info("challenge issued",
		zap.String("session", sessionID.String()),
		zap.String("method", string(method)),
		zap.Time("expires_at", ch.ExpiresAt),
	)
	return *ch, nil
}

// Confirm checks code against the session's active challenge.
// Errors: ErrState (no challenge), ErrChallengeExpired, ErrChallengeRejected
// (wrapping ErrAttemptsExhausted on the last attempt), ErrVerificationPending
// for an out-of-band challenge not yet approved. Network errors consume no attempt.
func (f *Flow) Confirm(ctx context.Context, sessionID uuid.UUID, code string) error {
	f.mu.Lock()
	ch, ok := f.active[sessionID]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("%w: no active challenge", errs.ErrState)
	}
	if !f.now().Before(ch.ExpiresAt) {
		delete(f.active, sessionID)
		f.mu.Unlock()
		return errs.ErrChallengeExpired
	}
	if ch.Method.CodeBased() && !validCode(code) {
		f.mu.Unlock()
		return fmt.Errorf("%w: %w: code must be 4 to 8 digits", errs.ErrChallengeRejected, errs.ErrInvalidInput)
	}
	id, method := ch.ID, ch.Method
	f.mu.Unlock()

	verified, err := f.net.Confirm(ctx, id, code)
	if err != nil {
		return fmt.Errorf("confirm challenge: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active[sessionID] != ch {
		return fmt.Errorf("%w: challenge superseded", errs.ErrChallengeRejected)
	}
	if verified {
		delete(f.active, sessionID)
		f.log.Info("challenge verified", zap.String("session", sessionID.String()))
		return nil
	}
	if !method.CodeBased() && code == "" {
		return errs.ErrVerificationPending
	}

	ch.AttemptsRemaining--
	f.log.Info("challenge rejected",
		zap.String("session", sessionID.String()),
		zap.Int("attempts_remaining", ch.AttemptsRemaining),
	)
	if ch.AttemptsRemaining <= 0 {
		delete(f.active, sessionID)
		return fmt.Errorf("%w: %w", errs.ErrChallengeRejected, errs.ErrAttemptsExhausted)
	}
	return fmt.Errorf("%w: %d attempts remaining", errs.ErrChallengeRejected, ch.AttemptsRemaining)
}

// Invalidate drops the session's challenge, if any.
func (f *Flow) Invalidate(sessionID uuid.UUID) {
	f.mu.Lock()
	delete(f.active, sessionID)
	f.mu.Unlock()
}

// Active returns a copy of the session's challenge.
func (f *Flow) Active(sessionID uuid.UUID) (model.VerificationChallenge, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.active[sessionID]
	if !ok {
		return model.VerificationChallenge{}, false
	}
	return *ch, true
}

func validCode(code string) bool {
	if len(code) < 4 || len(code) > 8 {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
