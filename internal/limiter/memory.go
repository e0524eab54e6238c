package limiter

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	fails        int
	blockedUntil time.Time
	updatedAt    time.Time
}

// Memory is an in-process limiter with the same window semantics as PG.
// It backs the on-device store, where counters need not outlive the process.
type Memory struct {
	window   time.Duration
	maxFails int
	blockFor time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// NewMemory constructs an in-memory limiter.
func NewMemory(window time.Duration, maxFails int, blockFor time.Duration) *Memory {
	return &Memory{
		window:   window,
		maxFails: maxFails,
		blockFor: blockFor,
		now:      time.Now,
		entries:  map[string]*entry{},
	}
}

func (l *Memory) Allow(_ context.Context, fingerprint []byte) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[string(fingerprint)]
	if !ok {
		return true, 0, nil
	}
	if now := l.now(); e.blockedUntil.After(now) {
		return false, e.blockedUntil.Sub(now), nil
	}
	return true, 0, nil
}

func (l *Memory) Success(_ context.Context, fingerprint []byte) error {
	l.mu.Lock()
	delete(l.entries, string(fingerprint))
	l.mu.Unlock()
	return nil
}

func (l *Memory) Failure(_ context.Context, fingerprint []byte) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	e, ok := l.entries[string(fingerprint)]
	if !ok || now.Sub(e.updatedAt) > l.window {
		e = &entry{}
		l.entries[string(fingerprint)] = e
	}
	e.fails++
	e.updatedAt = now
	if e.fails >= l.maxFails {
		e.blockedUntil = now.Add(l.blockFor)
		return true, l.blockFor, nil
	}
	return false, 0, nil
}
