package provisioning

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/tap-wallet/internal/errs"
)

// ExpireStale aborts non-terminal sessions older than the session TTL and purges
// terminal sessions whose last transition is older than the TTL.
func (p *Provisioner) ExpireStale(now time.Time) (aborted, purged int) {
	p.mu.Lock()
	entries := make([]*entry, 0, len(p.sessions))
	for _, e := range p.sessions {
		entries = append(entries, e)
	}
	p.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		switch {
		case !e.s.State.Terminal() && now.Sub(e.s.CreatedAt) > p.d.SessionTTL:
			p.abort(e, fmt.Errorf("%w: session timeout", errs.ErrAborted))
			aborted++
		case e.s.State.Terminal() && now.Sub(e.s.LastTransitionAt) > p.d.SessionTTL:
			p.mu.Lock()
			delete(p.sessions, e.s.ID)
			p.mu.Unlock()
			purged++
		}
		e.mu.Unlock()
	}
	return aborted, purged
}

// Run calls ExpireStale every interval until ctx is done.
func (p *Provisioner) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if a, d := p.ExpireStale(p.now()); a+d > 0 {
				p.log.Info("sessions swept", zap.Int("aborted", a), zap.Int("purged", d))
			}
		}
	}
}
