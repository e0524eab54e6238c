// Package devicegate holds the process-wide result of the device security check.
package devicegate

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/and161185/tap-wallet/internal/errs"
	"github.com/and161185/tap-wallet/internal/model"
)

// Checker inspects the device once at startup.
type Checker interface {
	CheckDeviceSecurity(ctx context.Context) (model.DeviceSecurityStatus, error)
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) (model.DeviceSecurityStatus, error)

func (f CheckerFunc) CheckDeviceSecurity(ctx context.Context) (model.DeviceSecurityStatus, error) {
	return f(ctx)
}

// Gate is INIT_PENDING until Initialize, then READY or INIT_FAILED for the rest of the process.
type Gate struct {
	log  *zap.Logger
	once sync.Once

	mu     sync.RWMutex
	state  model.SessionState
	status model.DeviceSecurityStatus
}

func New(log *zap.Logger) *Gate {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{log: log, state: model.StateInitPending}
}

// Initialize runs c once. Later calls return the cached status without running c.
// A checker error is treated as a failed check with reason UNKNOWN.
func (g *Gate) Initialize(ctx context.Context, c Checker) model.DeviceSecurityStatus {
	g.once.Do(func() {
		st, err := c.CheckDeviceSecurity(ctx)
		if err != nil {
			g.log.Error("device security check", zap.Error(err))
			st = model.DeviceSecurityStatus{Passed: false, FailureReason: model.ReasonUnknown}
		}
		if !st.Passed && st.FailureReason == "" {
			st.FailureReason = model.ReasonUnknown
		}
		if st.Passed {
			st.FailureReason = ""
		}

		g.mu.Lock()
		g.status = st
		g.state = model.StateReady
		if !st.Passed {
			g.state = model.StateInitFailed
		}
		g.mu.Unlock()

		g.log.Info("device gate initialized",
			zap.Bool("passed", st.Passed),
			zap.String("reason", string(st.FailureReason)),
		)
	})
	st, _ := g.Status()
	return st
}

// Status returns the check result and whether Initialize has completed.
func (g *Gate) Status() (model.DeviceSecurityStatus, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.status, g.state != model.StateInitPending
}

func (g *Gate) State() model.SessionState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Check returns ErrGateClosed unless the gate is READY.
func (g *Gate) Check() error {
	if s := g.State(); s != model.StateReady {
		return errs.ErrGateClosed
	}
	return nil
}
