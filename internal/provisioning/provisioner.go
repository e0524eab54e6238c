// Package provisioning drives a card from entry to an ACTIVE device token:
// device gating, eligibility, verification, provisioning and activation.
package provisioning

import (
	"context"
	"crypto/ecdh"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/tap-wallet/internal/attest"
	"github.com/and161185/tap-wallet/internal/crypto/walletcrypto"
	"github.com/and161185/tap-wallet/internal/devicegate"
	"github.com/and161185/tap-wallet/internal/errs"
	"github.com/and161185/tap-wallet/internal/limiter"
	"github.com/and161185/tap-wallet/internal/model"
	"github.com/and161185/tap-wallet/internal/token"
)

// DefaultSessionTTL bounds how long a session may stay non-terminal.
const DefaultSessionTTL = 15 * time.Minute

// Tokens is the part of the token lifecycle manager provisioning needs.
type Tokens interface {
	NewDeviceKey(ctx context.Context) (handle string, kcv []byte, err error)
	DiscardDeviceKey(ctx context.Context, handle string) error
	Create(ctx context.Context, p token.CreateParams) (model.Token, error)
	Activate(ctx context.Context, tokenRef string) (model.Token, error)
	Revoke(ctx context.Context, tokenRef, reason string) (model.Token, error)
}

// Verifier is the verification sub-flow.
type Verifier interface {
	Start(ctx context.Context, sessionID uuid.UUID, cardRef string, method model.VerificationMethod) (model.VerificationChallenge, error)
	Confirm(ctx context.Context, sessionID uuid.UUID, code string) error
	Invalidate(sessionID uuid.UUID)
}

// Identity provides the device identity key used to sign attestations.
type Identity interface {
	DeviceIdentity(ctx context.Context) (*ecdsa.PrivateKey, error)
}

// Deps are the provisioner's collaborators. Limiter may be nil.
type Deps struct {
	Gate           *devicegate.Gate
	Checker        devicegate.Checker
	Tokens         Tokens
	Verifier       Verifier
	Network        Network
	Identity       Identity
	NetworkKey     *ecdh.PublicKey // card sealing key published by the network
	Limiter        limiter.Limiter
	FingerprintKey []byte
	DeviceInfo     DeviceInfo
	SessionTTL     time.Duration
	Log            *zap.Logger
	Now            func() time.Time
}

type entry struct {
	mu          sync.Mutex
	s           model.ProvisioningSession
	fingerprint []byte
	keyHandle   string             // generated device key not yet bound to a token
	cancel      context.CancelFunc // in-flight network call
}

// Provisioner owns all provisioning sessions.
type Provisioner struct {
	d   Deps
	log *zap.Logger
	now func() time.Time

	mu       sync.Mutex
	sessions map[uuid.UUID]*entry
	events   hub
}

func New(d Deps) *Provisioner {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.SessionTTL <= 0 {
		d.SessionTTL = DefaultSessionTTL
	}
	return &Provisioner{d: d, log: d.Log, now: d.Now, sessions: map[uuid.UUID]*entry{}}
}

// Initialize runs the device security check once and opens or closes the gate.
func (p *Provisioner) Initialize(ctx context.Context) model.DeviceSecurityStatus {
	return p.d.Gate.Initialize(ctx, p.d.Checker)
}

// Subscribe returns a channel of state transitions and a func that stops delivery.
func (p *Provisioner) Subscribe() (<-chan Event, func()) {
	return p.events.subscribe()
}

// ProvisionFromSource asks src for a card and submits it.
func (p *Provisioner) ProvisionFromSource(ctx context.Context, src CardSource, prompt string) (model.ProvisioningSession, error) {
	if err := p.d.Gate.Check(); err != nil {
		return model.ProvisioningSession{}, err
	}
	card, err := src.RequestCard(ctx, prompt)
	if err != nil {
		return model.ProvisioningSession{}, fmt.Errorf("card entry: %w", err)
	}
	return p.SubmitCard(ctx, card)
}

// SubmitCard validates card, opens a session and runs eligibility, continuing
// into provisioning when the card is ELIGIBLE.
func (p *Provisioner) SubmitCard(ctx context.Context, card model.Card) (model.ProvisioningSession, error) {
	if err := p.d.Gate.Check(); err != nil {
		return model.ProvisioningSession{}, err
	}
	card.PAN = model.NormalizePAN(card.PAN)
	if err := card.Validate(); err != nil {
		return model.ProvisioningSession{}, fmt.Errorf("%w: %v", errs.ErrInvalidInput, err)
	}

	fp := walletcrypto.Fingerprint(p.d.FingerprintKey, card.PAN)
	if p.d.Limiter != nil {
		ok, retry, err := p.d.Limiter.Allow(ctx, fp)
		if err != nil {
			return model.ProvisioningSession{}, fmt.Errorf("limiter: %w", err)
		}
		if !ok {
			return model.ProvisioningSession{}, fmt.Errorf("%w: retry in %s", errs.ErrRateLimited, retry.Round(time.Second))
		}
	}

	id, err := uuid.NewV4()
	if err != nil {
		return model.ProvisioningSession{}, err
	}
	now := p.now()
	e := &entry{
		s:           model.ProvisioningSession{ID: id, State: model.StateReady, CreatedAt: now, LastTransitionAt: now},
		fingerprint: fp,
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	p.mu.Lock()
	p.sessions[id] = e
	p.mu.Unlock()
	p.transition(e, model.StateEligibilityChecking, nil)
	p.log.Info("session opened", zap.String("session", id.String()), zap.String("card", card.Masked()))

	req, err := p.eligibilityRequest(ctx, card)
	if err != nil {
		return p.fail(ctx, e, err)
	}

	var res EligibilityResult
	err = p.call(ctx, e, func(ctx context.Context) error {
		var err error
		res, err = p.d.Network.CheckEligibility(ctx, req)
		return err
	})
	if err != nil {
		return p.fail(ctx, e, fmt.Errorf("eligibility: %w", err))
	}

	e.s.CardRef = res.CardRef
	e.s.Methods = slices.Clone(res.Methods)
	switch res.Status {
	case EligibilityEligible:
		p.transition(e, model.StateProvisioning, nil)
		return p.provision(ctx, e)
	case EligibilityPendingVerification:
		if len(res.Methods) == 0 {
			return p.fail(ctx, e, fmt.Errorf("%w: no verification methods offered", errs.ErrRejected))
		}
		p.transition(e, model.StateVerifying, nil)
		return e.s, nil
	default:
		return p.fail(ctx, e, fmt.Errorf("%w: eligibility status %q", errs.ErrRejected, res.Status))
	}
}

func (p *Provisioner) eligibilityRequest(ctx context.Context, card model.Card) (EligibilityRequest, error) {
	sealed, err := walletcrypto.SealCard(p.d.NetworkKey, card)
	if err != nil {
		return EligibilityRequest{}, fmt.Errorf("seal card: %w", err)
	}
	priv, err := p.d.Identity.DeviceIdentity(ctx)
	if err != nil {
		return EligibilityRequest{}, fmt.Errorf("device identity: %w", err)
	}
	att, err := attest.Device(priv, p.now())
	if err != nil {
		return EligibilityRequest{}, err
	}
	info := p.d.DeviceInfo
	info.DeviceID = attest.DeviceID(&priv.PublicKey)
	return EligibilityRequest{EncryptedCard: sealed, Attestation: att, DeviceInfo: info}, nil
}

// StartVerification issues a challenge over one of the methods eligibility offered.
func (p *Provisioner) StartVerification(ctx context.Context, sessionID uuid.UUID, method model.VerificationMethod) (model.VerificationChallenge, error) {
	if err := p.d.Gate.Check(); err != nil {
		return model.VerificationChallenge{}, err
	}
	e, err := p.lookup(sessionID)
	if err != nil {
		return model.VerificationChallenge{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.s.State != model.StateVerifying {
		return model.VerificationChallenge{}, fmt.Errorf("%w: session is %s", errs.ErrState, e.s.State)
	}
	if err := idle(e); err != nil {
		return model.VerificationChallenge{}, err
	}
	if !slices.Contains(e.s.Methods, method) {
		return model.VerificationChallenge{}, fmt.Errorf("%w: method %s not offered", errs.ErrInvalidInput, method)
	}

	var ch model.VerificationChallenge
	err = p.call(ctx, e, func(ctx context.Context) error {
		var err error
		ch, err = p.d.Verifier.Start(ctx, sessionID, e.s.CardRef, method)
		return err
	})
	if errors.Is(err, errs.ErrAborted) {
		p.d.Verifier.Invalidate(sessionID)
		return model.VerificationChallenge{}, err
	}
	if err != nil {
		return model.VerificationChallenge{}, err
	}
	e.s.VerificationMethod = method
	return ch, nil
}

// ConfirmVerification submits code for the session's active challenge.
// A wrong code with attempts left or an out-of-band approval still pending leaves the
// session in VERIFYING; expiry, exhaustion and network errors fail it.
func (p *Provisioner) ConfirmVerification(ctx context.Context, sessionID uuid.UUID, code string) (model.ProvisioningSession, error) {
	if err := p.d.Gate.Check(); err != nil {
		return model.ProvisioningSession{}, err
	}
	e, err := p.lookup(sessionID)
	if err != nil {
		return model.ProvisioningSession{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.s.State != model.StateVerifying {
		return e.s, fmt.Errorf("%w: session is %s", errs.ErrState, e.s.State)
	}
	if err := idle(e); err != nil {
		return e.s, err
	}

	err = p.call(ctx, e, func(ctx context.Context) error {
		return p.d.Verifier.Confirm(ctx, sessionID, code)
	})
	switch {
	case err == nil:
		p.transition(e, model.StateProvisioning, nil)
		return p.provision(ctx, e)
	case errors.Is(err, errs.ErrAborted):
		return e.s, err
	case errors.Is(err, errs.ErrChallengeExpired), errors.Is(err, errs.ErrAttemptsExhausted):
		return p.fail(ctx, e, err)
	case errors.Is(err, errs.ErrChallengeRejected),
		errors.Is(err, errs.ErrVerificationPending),
		errors.Is(err, errs.ErrState):
		return e.s, err
	default:
		p.d.Verifier.Invalidate(sessionID)
		return p.fail(ctx, e, fmt.Errorf("verification: %w", err))
	}
}

// provision binds a new device key to a token. Caller holds e.mu with the session in PROVISIONING.
func (p *Provisioner) provision(ctx context.Context, e *entry) (model.ProvisioningSession, error) {
	handle, kcv, err := p.d.Tokens.NewDeviceKey(ctx)
	if err != nil {
		return p.fail(ctx, e, fmt.Errorf("device key: %w", err))
	}
	e.keyHandle = handle

	priv, err := p.d.Identity.DeviceIdentity(ctx)
	if err != nil {
		return p.fail(ctx, e, fmt.Errorf("device identity: %w", err))
	}
	keyAtt, err := attest.Key(priv, attest.KeyClaims{
		CardRef:   e.s.CardRef,
		KeyHandle: handle,
		KCV:       kcv,
		IssuedAt:  p.now().Unix(),
	})
	if err != nil {
		return p.fail(ctx, e, err)
	}

	var res ProvisionResult
	err = p.call(ctx, e, func(ctx context.Context) error {
		var err error
		res, err = p.d.Network.Provision(ctx, ProvisionRequest{CardRef: e.s.CardRef, KeyAttestation: keyAtt})
		return err
	})
	if errors.Is(err, errs.ErrAborted) {
		return e.s, err
	}
	if err != nil {
		return p.fail(ctx, e, fmt.Errorf("provision: %w", err))
	}

	tok, err := p.d.Tokens.Create(ctx, token.CreateParams{
		SessionID:       e.s.ID,
		TokenRef:        res.TokenRef,
		MaskedDPAN:      res.MaskedDPAN,
		DeviceKeyHandle: handle,
	})
	if err != nil {
		return p.fail(ctx, e, fmt.Errorf("create token: %w", err))
	}
	e.keyHandle = ""
	e.s.TokenRef = tok.TokenRef

	if res.RequiresActivation {
		p.transition(e, model.StatePendingActivation, nil)
		return e.s, nil
	}
	if _, err := p.d.Tokens.Activate(ctx, tok.TokenRef); err != nil {
		return p.fail(ctx, e, fmt.Errorf("activate token: %w", err))
	}
	p.succeed(ctx, e)
	return e.s, nil
}

// ConfirmActivation polls the network for issuer activation of the session's token.
func (p *Provisioner) ConfirmActivation(ctx context.Context, sessionID uuid.UUID) (model.ProvisioningSession, error) {
	if err := p.d.Gate.Check(); err != nil {
		return model.ProvisioningSession{}, err
	}
	e, err := p.lookup(sessionID)
	if err != nil {
		return model.ProvisioningSession{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.s.State != model.StatePendingActivation {
		return e.s, fmt.Errorf("%w: session is %s", errs.ErrState, e.s.State)
	}
	if err := idle(e); err != nil {
		return e.s, err
	}

	var st ActivationStatus
	err = p.call(ctx, e, func(ctx context.Context) error {
		var err error
		st, err = p.d.Network.ActivationStatus(ctx, e.s.TokenRef)
		return err
	})
	if errors.Is(err, errs.ErrAborted) {
		return e.s, err
	}
	if err != nil {
		return p.fail(ctx, e, fmt.Errorf("activation status: %w", err))
	}

	switch st {
	case ActivationConfirmed:
		if _, err := p.d.Tokens.Activate(ctx, e.s.TokenRef); err != nil {
			return p.fail(ctx, e, fmt.Errorf("activate token: %w", err))
		}
		p.succeed(ctx, e)
		return e.s, nil
	case ActivationPending:
		return e.s, errs.ErrActivationPending
	default:
		return p.fail(ctx, e, fmt.Errorf("%w: activation %s", errs.ErrRejected, st))
	}
}

// Cancel aborts a non-terminal session and cancels its in-flight call.
// On a terminal session it returns the snapshot unchanged.
func (p *Provisioner) Cancel(sessionID uuid.UUID) (model.ProvisioningSession, error) {
	e, err := p.lookup(sessionID)
	if err != nil {
		return model.ProvisioningSession{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p.abort(e, errs.ErrUserCancelled)
	return e.s, nil
}

// abort moves e to ABORTED and releases what the session holds. Caller holds e.mu.
func (p *Provisioner) abort(e *entry, cause error) {
	if e.s.State.Terminal() {
		return
	}
	if e.cancel != nil {
		e.cancel()
	}
	p.d.Verifier.Invalidate(e.s.ID)
	p.release(context.Background(), e, "session aborted")
	p.transition(e, model.StateAborted, cause)
}

// Session returns the session snapshot.
func (p *Provisioner) Session(sessionID uuid.UUID) (model.ProvisioningSession, error) {
	e, err := p.lookup(sessionID)
	if err != nil {
		return model.ProvisioningSession{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s, nil
}

func (p *Provisioner) lookup(id uuid.UUID) (*entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, errs.ErrNotFound)
	}
	return e, nil
}

// idle refuses a second operation while one is waiting on the network for e. Caller holds e.mu.
func idle(e *entry) error {
	if e.cancel != nil {
		return fmt.Errorf("%w: operation in progress", errs.ErrState)
	}
	return nil
}

// call runs fn with e.mu released and a context Cancel can interrupt.
// It returns ErrAborted if the session was aborted meanwhile, whatever fn returned.
func (p *Provisioner) call(ctx context.Context, e *entry, fn func(context.Context) error) error {
	callCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.mu.Unlock()

	err := fn(callCtx)

	e.mu.Lock()
	cancel()
	e.cancel = nil
	if e.s.State == model.StateAborted {
		p.log.Info("late response discarded", zap.String("session", e.s.ID.String()), zap.Error(err))
		return errs.ErrAborted
	}
	return err
}

// fail moves e to FAILED and returns the snapshot with cause. Caller holds e.mu.
func (p *Provisioner) fail(ctx context.Context, e *entry, cause error) (model.ProvisioningSession, error) {
	if e.s.State == model.StateAborted {
		return e.s, errs.ErrAborted
	}
	if e.s.State.Terminal() {
		return e.s, cause
	}
	p.release(ctx, e, "provisioning failed")
	p.transition(e, model.StateFailed, cause)
	if p.d.Limiter != nil {
		if blocked, retry, err := p.d.Limiter.Failure(ctx, e.fingerprint); err != nil {
			p.log.Warn("limiter failure", zap.Error(err))
		} else if blocked {
			p.log.Warn("card temporarily blocked", zap.String("session", e.s.ID.String()), zap.Duration("retry", retry))
		}
	}
	return e.s, cause
}

func (p *Provisioner) succeed(ctx context.Context, e *entry) {
	p.transition(e, model.StateActive, nil)
	if p.d.Limiter != nil {
		if err := p.d.Limiter.Success(ctx, e.fingerprint); err != nil {
			p.log.Warn("limiter success", zap.Error(err))
		}
	}
}

// release discards an unbound device key and revokes a token that never became ACTIVE.
func (p *Provisioner) release(ctx context.Context, e *entry, reason string) {
	if e.keyHandle != "" {
		if err := p.d.Tokens.DiscardDeviceKey(ctx, e.keyHandle); err != nil {
			p.log.Warn("discard device key", zap.String("session", e.s.ID.String()), zap.Error(err))
		}
		e.keyHandle = ""
	}
	if e.s.TokenRef != "" && e.s.State != model.StateActive {
		if _, err := p.d.Tokens.Revoke(ctx, e.s.TokenRef, reason); err != nil {
			p.log.Warn("revoke pending token", zap.String("token", e.s.TokenRef), zap.Error(err))
		}
	}
}

var transitions = map[model.SessionState][]model.SessionState{
	model.StateReady:               {model.StateEligibilityChecking},
	model.StateEligibilityChecking: {model.StateVerifying, model.StateProvisioning, model.StateFailed, model.StateAborted},
	model.StateVerifying:           {model.StateProvisioning, model.StateFailed, model.StateAborted},
	model.StateProvisioning:        {model.StatePendingActivation, model.StateActive, model.StateFailed, model.StateAborted},
	model.StatePendingActivation:   {model.StateActive, model.StateFailed, model.StateAborted},
}

// transition applies and publishes a state change. Caller holds e.mu.
func (p *Provisioner) transition(e *entry, to model.SessionState, cause error) {
	from := e.s.State
	if !slices.Contains(transitions[from], to) {
		panic(fmt.Sprintf("provisioning: illegal transition %s -> %s", from, to))
	}
	now := p.now()
	e.s.State = to
	e.s.LastTransitionAt = now

	fields := []zap.Field{
		zap.String("session", e.s.ID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	p.log.Info("session transition", fields...)
	p.events.publish(Event{SessionID: e.s.ID, From: from, To: to, At: now, Err: cause})
}
