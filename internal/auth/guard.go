// ABOUTME: Login guard that locks out source addresses after repeated failures
// ABOUTME: Soft lock after a few failures, hard lock after many; state lives in memory only

package auth

import (
	"sync"
	"time"

	"github.com/2389/clawcontrol/internal/apperr"
)

// LockState describes where an address sits in the lockout ladder.
type LockState int

const (
	StateClean LockState = iota
	StateWarned
	StateSoftLocked
	StateHardLocked
)

func (s LockState) String() string {
	switch s {
	case StateClean:
		return "clean"
	case StateWarned:
		return "warned"
	case StateSoftLocked:
		return "soft_locked"
	case StateHardLocked:
		return "hard_locked"
	default:
		return "unknown"
	}
}

// GuardConfig sets the lockout thresholds.
type GuardConfig struct {
	SoftThreshold int
	SoftDuration  time.Duration
	HardThreshold int
	HardDuration  time.Duration
}

// DefaultGuardConfig returns 5 failures / 15 minutes and 20 failures / 24 hours.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		SoftThreshold: 5,
		SoftDuration:  15 * time.Minute,
		HardThreshold: 20,
		HardDuration:  24 * time.Hour,
	}
}

type attemptRecord struct {
	failures    int
	lockedUntil time.Time
}

// LoginGuard tracks failed logins per source address.
// Failure counts survive the expiry of a soft lock and are only reset by a
// successful login or a process restart.
type LoginGuard struct {
	mu      sync.Mutex
	cfg     GuardConfig
	records map[string]*attemptRecord
	now     func() time.Time
}

// NewLoginGuard creates an empty guard.
func NewLoginGuard(cfg GuardConfig) *LoginGuard {
	return &LoginGuard{
		cfg:     cfg,
		records: make(map[string]*attemptRecord),
		now:     time.Now,
	}
}

// Check returns a RateLimited error if addr is currently locked out.
func (g *LoginGuard) Check(addr string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[addr]
	if !ok {
		return nil
	}
	now := g.now()
	if !rec.lockedUntil.After(now) {
		return nil
	}
	hard := rec.failures >= g.cfg.HardThreshold
	return apperr.RateLimited("auth.login", rec.lockedUntil.Sub(now), hard)
}

// RecordFailure counts a failed attempt from addr and returns the resulting state.
func (g *LoginGuard) RecordFailure(addr string) LockState {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[addr]
	if !ok {
		rec = &attemptRecord{}
		g.records[addr] = rec
	}
	rec.failures++

	now := g.now()
	switch {
	case rec.failures >= g.cfg.HardThreshold:
		rec.lockedUntil = now.Add(g.cfg.HardDuration)
	case rec.failures >= g.cfg.SoftThreshold:
		rec.lockedUntil = now.Add(g.cfg.SoftDuration)
	}
	return g.stateLocked(rec, now)
}

// Clear forgets addr after a successful login.
func (g *LoginGuard) Clear(addr string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.records, addr)
}

// State reports the current lock state of addr.
func (g *LoginGuard) State(addr string) LockState {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[addr]
	if !ok {
		return StateClean
	}
	return g.stateLocked(rec, g.now())
}

// Failures returns the failure count recorded for addr.
func (g *LoginGuard) Failures(addr string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	if rec, ok := g.records[addr]; ok {
		return rec.failures
	}
	return 0
}

func (g *LoginGuard) stateLocked(rec *attemptRecord, now time.Time) LockState {
	switch {
	case rec.lockedUntil.After(now) && rec.failures >= g.cfg.HardThreshold:
		return StateHardLocked
	case rec.lockedUntil.After(now):
		return StateSoftLocked
	case rec.failures > 0:
		return StateWarned
	default:
		return StateClean
	}
}
