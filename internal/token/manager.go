// Package token owns the token lifecycle: creation, activation, suspension, revocation and
// the read-only active-token lookup used during a tap.
package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/tap-wallet/internal/errs"
	"github.com/and161185/tap-wallet/internal/keystore"
	"github.com/and161185/tap-wallet/internal/model"
	"github.com/and161185/tap-wallet/internal/repository"
)

// KeyStore is the device key capability the manager exclusively owns.
type KeyStore interface {
	Generate(ctx context.Context) (handle string, kcv []byte, err error)
	Key(ctx context.Context, handle string) (*keystore.CryptogramKey, error)
	Destroy(ctx context.Context, handle string) error
}

// Gate reports whether the device passed its startup security check.
type Gate interface {
	Check() error
}

// CreateParams describes a token returned by the provisioning network.
type CreateParams struct {
	SessionID       uuid.UUID
	TokenRef        string
	MaskedDPAN      string
	DeviceKeyHandle string
	Activate        bool // activate right after insert
}

// ActiveToken is the state captured at lookup time for one tap.
type ActiveToken struct {
	Token model.Token
	key   *keystore.CryptogramKey
}

type snapshot map[string]model.Token

// Manager is the authoritative tokenRef -> Token owner.
// Writes serialize on writeMu; reads go to an immutable snapshot swapped after each write.
type Manager struct {
	repo repository.TokenRepository
	keys KeyStore
	gate Gate
	log  *zap.Logger

	writeMu sync.Mutex
	snap    atomic.Pointer[snapshot]
	keyMu   sync.RWMutex
	keyMemo map[string]*keystore.CryptogramKey
}

// NewManager constructs a manager; call Load to restore persisted tokens.
func NewManager(repo repository.TokenRepository, keys KeyStore, gate Gate, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{repo: repo, keys: keys, gate: gate, log: log, keyMemo: map[string]*keystore.CryptogramKey{}}
	empty := snapshot{}
	m.snap.Store(&empty)
	return m
}

// Load rebuilds the in-memory snapshot from the repository.
func (m *Manager) Load(ctx context.Context) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	all, err := m.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("load tokens: %w", err)
	}
	s := make(snapshot, len(all))
	for _, t := range all {
		s[t.TokenRef] = t
	}
	m.snap.Store(&s)
	m.log.Info("tokens loaded", zap.Int("count", len(s)))
	return nil
}

// NewDeviceKey generates the key a new token will be bound to.
func (m *Manager) NewDeviceKey(ctx context.Context) (string, []byte, error) {
	if err := m.gate.Check(); err != nil {
		return "", nil, err
	}
	return m.keys.Generate(ctx)
}

// DiscardDeviceKey destroys a key that never got bound to a token.
func (m *Manager) DiscardDeviceKey(ctx context.Context, handle string) error {
	return m.keys.Destroy(ctx, handle)
}

// Create inserts a token in PENDING_VERIFICATION and, if requested, activates it.
func (m *Manager) Create(ctx context.Context, p CreateParams) (model.Token, error) {
	if err := m.gate.Check(); err != nil {
		return model.Token{}, err
	}
	if p.TokenRef == "" || p.DeviceKeyHandle == "" || p.MaskedDPAN == "" {
		return model.Token{}, fmt.Errorf("%w: token ref, masked dpan and key handle required", errs.ErrInvalidInput)
	}

	m.writeMu.Lock()
	t := model.Token{
		TokenRef:        p.TokenRef,
		MaskedDPAN:      p.MaskedDPAN,
		State:           model.TokenPendingVerification,
		DeviceKeyHandle: p.DeviceKeyHandle,
		SessionID:       p.SessionID,
	}
	err := m.repo.Create(ctx, &t)
	if errors.Is(err, errs.ErrAlreadyExists) {
		if cur, gerr := m.repo.Get(ctx, p.TokenRef); gerr == nil && cur.State == model.TokenActive {
			err = errs.ErrAlreadyActive
		}
	}
	if err != nil {
		m.writeMu.Unlock()
		return model.Token{}, fmt.Errorf("create token %s: %w", p.TokenRef, err)
	}
	m.put(t)
	m.writeMu.Unlock()

	m.log.Info("token created", zap.String("token", t.TokenRef), zap.String("dpan", t.MaskedDPAN))
	if p.Activate {
		return m.Activate(ctx, t.TokenRef)
	}
	return t, nil
}

// Activate moves a token to ACTIVE. Re-activating an ACTIVE token is a no-op success.
func (m *Manager) Activate(ctx context.Context, tokenRef string) (model.Token, error) {
	if err := m.gate.Check(); err != nil {
		return model.Token{}, err
	}
	return m.transition(ctx, tokenRef, model.TokenActive, "", func(cur model.TokenState) (bool, error) {
		switch cur {
		case model.TokenActive:
			return false, nil
		case model.TokenRevoked:
			return false, errs.ErrRevoked
		}
		return true, nil
	})
}

// Suspend moves an ACTIVE token to SUSPENDED. Suspending a SUSPENDED token is a no-op.
func (m *Manager) Suspend(ctx context.Context, tokenRef, reason string) (model.Token, error) {
	if err := m.gate.Check(); err != nil {
		return model.Token{}, err
	}
	return m.transition(ctx, tokenRef, model.TokenSuspended, reason, func(cur model.TokenState) (bool, error) {
		switch cur {
		case model.TokenSuspended:
			return false, nil
		case model.TokenRevoked:
			return false, errs.ErrRevoked
		case model.TokenPendingVerification:
			return false, fmt.Errorf("%w: token not yet active", errs.ErrState)
		}
		return true, nil
	})
}

// Revoke terminally revokes a token and destroys its device key. Revoking twice is a no-op.
// Revocation is allowed with the device gate closed.
func (m *Manager) Revoke(ctx context.Context, tokenRef, reason string) (model.Token, error) {
	t, err := m.transition(ctx, tokenRef, model.TokenRevoked, reason, func(cur model.TokenState) (bool, error) {
		return cur != model.TokenRevoked, nil
	})
	if err != nil {
		return t, err
	}

	m.keyMu.Lock()
	delete(m.keyMemo, t.DeviceKeyHandle)
	m.keyMu.Unlock()
	if err := m.keys.Destroy(ctx, t.DeviceKeyHandle); err != nil {
		m.log.Warn("destroy device key", zap.String("token", tokenRef), zap.Error(err))
	}
	return t, nil
}

// transition applies a state change after allow approves the current state.
// allow returning (false, nil) means the target is already reached.
func (m *Manager) transition(
	ctx context.Context, tokenRef string, to model.TokenState, reason string,
	allow func(model.TokenState) (bool, error),
) (model.Token, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	cur, err := m.repo.Get(ctx, tokenRef)
	if err != nil {
		return model.Token{}, fmt.Errorf("token %s: %w", tokenRef, err)
	}
	apply, err := allow(cur.State)
	if err != nil {
		return *cur, fmt.Errorf("token %s: %w", tokenRef, err)
	}
	if !apply {
		m.put(*cur)
		return *cur, nil
	}
	if err := m.repo.UpdateState(ctx, tokenRef, cur.State, to, reason); err != nil {
		return *cur, fmt.Errorf("token %s: %w", tokenRef, err)
	}
	from := cur.State
	cur.State, cur.Reason = to, reason
	m.put(*cur)

	m.log.Info("token state changed",
		zap.String("token", tokenRef),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return *cur, nil
}

// put swaps in a copy of the snapshot containing t. Caller holds writeMu.
func (m *Manager) put(t model.Token) {
	old := *m.snap.Load()
	next := make(snapshot, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[t.TokenRef] = t
	m.snap.Store(&next)
}

// Get returns the persisted token.
func (m *Manager) Get(ctx context.Context, tokenRef string) (model.Token, error) {
	t, err := m.repo.Get(ctx, tokenRef)
	if err != nil {
		return model.Token{}, err
	}
	return *t, nil
}

// List returns all persisted tokens.
func (m *Manager) List(ctx context.Context) ([]model.Token, error) {
	return m.repo.List(ctx)
}

// LookupActive returns the token and its key capability only if it is ACTIVE.
// It reads the snapshot and never waits on writers.
func (m *Manager) LookupActive(ctx context.Context, tokenRef string) (*ActiveToken, error) {
	if err := m.gate.Check(); err != nil {
		return nil, err
	}
	t, ok := (*m.snap.Load())[tokenRef]
	if !ok || t.State != model.TokenActive {
		return nil, errs.ErrTokenNotActive
	}

	m.keyMu.RLock()
	key := m.keyMemo[t.DeviceKeyHandle]
	m.keyMu.RUnlock()
	if key == nil {
		k, err := m.keys.Key(ctx, t.DeviceKeyHandle)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrTokenNotActive, err)
		}
		m.keyMu.Lock()
		m.keyMemo[t.DeviceKeyHandle] = k
		m.keyMu.Unlock()
		key = k
	}
	return &ActiveToken{Token: t, key: key}, nil
}

// FindActive returns the first ACTIVE token whose ref is in refs order, used when a terminal selects by AID.
func (m *Manager) FindActive(ctx context.Context, refs []string) (*ActiveToken, error) {
	for _, ref := range refs {
		at, err := m.LookupActive(ctx, ref)
		if err == nil {
			return at, nil
		}
		if errors.Is(err, errs.ErrGateClosed) {
			return nil, err
		}
	}
	return nil, errs.ErrTokenNotActive
}

// GenerateAC persists the next ATC, then computes the cryptogram with the key captured in at.
// State is not re-read: a revoke after lookup affects the next tap.
func (m *Manager) GenerateAC(ctx context.Context, at *ActiveToken, data []byte) (uint16, []byte, error) {
	if at == nil || at.key == nil {
		return 0, nil, errs.ErrTokenNotActive
	}
	n, err := m.repo.IncrementATC(ctx, at.Token.TokenRef)
	if err != nil {
		return 0, nil, fmt.Errorf("increment atc: %w", err)
	}
	ac, err := at.key.Compute(uint16(n), data)
	if err != nil {
		return 0, nil, err
	}
	return uint16(n), ac, nil
}
