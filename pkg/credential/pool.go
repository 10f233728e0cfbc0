// Package credential manages the pool of API credentials used by the
// completion dispatcher. The pool owns all rotation and health state;
// callers interact only through Select* and Report* methods.
package credential

import (
	"sort"
	"sync"
	"time"

	"github.com/seapen/seapen/pkg/logger"
)

const (
	// A credential reaching this many failures is cooled down even
	// without a server rate-limit signal.
	circuitBreakerThreshold = 3
	circuitBreakerCooldown  = 60 * time.Second

	// Failure counters go stale after this long without a new failure.
	failureResetAfter = 10 * time.Minute
)

// Credential is an API secret plus its rotation and health metadata.
type Credential struct {
	Slot          int       `json:"slot"`
	Secret        string    `json:"secret"`
	Valid         bool      `json:"valid"`
	RateLimited   bool      `json:"rate_limited"`
	CooldownUntil time.Time `json:"cooldown_until"`
	FailureCount  int       `json:"failure_count"`
	LastFailureAt time.Time `json:"last_failure_at"`
	UsageCount    int       `json:"usage_count"`
	AddedAt       time.Time `json:"added_at"`
}

func (c *Credential) usable(now time.Time) bool {
	return c.Valid && !c.RateLimited && !now.Before(c.CooldownUntil)
}

// Pool holds credentials in insertion order. Safe for concurrent use;
// selection and the bookkeeping it depends on happen under one lock.
type Pool struct {
	mu       sync.Mutex
	creds    []*Credential
	nextSlot int
	now      func() time.Time
}

func NewPool() *Pool {
	return &Pool{now: time.Now}
}

// NewPoolWithClock is used by tests to control time.
func NewPoolWithClock(now func() time.Time) *Pool {
	return &Pool{now: now}
}

// Add registers a secret in the next free slot and returns it.
func (p *Pool) Add(secret string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextSlot++
	slot := p.nextSlot
	p.creds = append(p.creds, &Credential{
		Slot:    slot,
		Secret:  secret,
		Valid:   true,
		AddedAt: p.now(),
	})
	return slot
}

// Remove deletes a credential. Explicit user action is the only path
// that physically removes one.
func (p *Pool) Remove(slot int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, c := range p.creds {
		if c.Slot == slot {
			p.creds = append(p.creds[:i], p.creds[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.creds)
}

// sweep clears expired cooldowns and stale failure counters.
// Callers must hold p.mu.
func (p *Pool) sweep(now time.Time) {
	for _, c := range p.creds {
		if !c.CooldownUntil.IsZero() && !now.Before(c.CooldownUntil) {
			c.CooldownUntil = time.Time{}
			c.RateLimited = false
		}
		if c.FailureCount > 0 && !c.LastFailureAt.IsZero() && now.Sub(c.LastFailureAt) >= failureResetAfter {
			c.FailureCount = 0
		}
	}
}

// SelectBest returns a copy of the healthiest usable credential:
// a clean one (no failures, no cooldown) if available, otherwise the
// usable credential with the fewest failures, ties broken by insertion
// order. Returns nil when nothing is usable.
func (p *Pool) SelectBest() *Credential {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.sweep(now)

	var best *Credential
	for _, c := range p.creds {
		if !c.usable(now) {
			continue
		}
		if c.FailureCount == 0 {
			out := *c
			return &out
		}
		if best == nil || c.FailureCount < best.FailureCount {
			best = c
		}
	}
	if best == nil {
		return nil
	}
	out := *best
	return &out
}

// SelectAllUsable returns copies of every usable credential, sorted
// ascending by failure count with insertion order as tie-breaker.
func (p *Pool) SelectAllUsable() []Credential {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.sweep(now)

	var usable []Credential
	for _, c := range p.creds {
		if c.usable(now) {
			usable = append(usable, *c)
		}
	}
	sort.SliceStable(usable, func(i, j int) bool {
		return usable[i].FailureCount < usable[j].FailureCount
	})
	return usable
}

// ReportRateLimited records a server-signaled rate limit.
func (p *Pool) ReportRateLimited(slot int, cooldown time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := p.find(slot)
	if c == nil {
		return
	}
	now := p.now()
	c.RateLimited = true
	c.CooldownUntil = now.Add(cooldown)
	c.FailureCount++
	c.LastFailureAt = now
	// The circuit breaker floor applies whatever the signal source:
	// three failures always mean a real cooldown.
	if c.FailureCount >= circuitBreakerThreshold && cooldown < circuitBreakerCooldown {
		c.CooldownUntil = now.Add(circuitBreakerCooldown)
	}
}

// ReportAuthFailure invalidates a credential until it is re-validated
// externally.
func (p *Pool) ReportAuthFailure(slot int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c := p.find(slot); c != nil {
		c.Valid = false
		c.LastFailureAt = p.now()
	}
}

// ReportGenericFailure counts a non-auth, non-rate-limit failure.
// Three failures trip the circuit breaker: a forced cooldown distinct
// from server-signaled rate limiting.
func (p *Pool) ReportGenericFailure(slot int, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := p.find(slot)
	if c == nil {
		return
	}
	now := p.now()
	c.FailureCount++
	c.LastFailureAt = now
	if c.FailureCount >= circuitBreakerThreshold {
		c.CooldownUntil = now.Add(circuitBreakerCooldown)
		logger.WarnCF("credential", "Circuit breaker tripped", map[string]any{
			"slot":     slot,
			"failures": c.FailureCount,
			"reason":   reason,
			"cooldown": circuitBreakerCooldown.String(),
		})
	}
}

// ReportSuccess resets failure state and counts the use.
func (p *Pool) ReportSuccess(slot int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c := p.find(slot); c != nil {
		c.UsageCount++
		c.FailureCount = 0
	}
}

// Revalidate re-enables a credential previously disabled by an auth
// failure, e.g. after the user rotated the secret.
func (p *Pool) Revalidate(slot int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c := p.find(slot); c != nil {
		c.Valid = true
		c.FailureCount = 0
		c.RateLimited = false
		c.CooldownUntil = time.Time{}
		return true
	}
	return false
}

// Snapshot returns copies of all credentials in insertion order.
func (p *Pool) Snapshot() []Credential {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Credential, len(p.creds))
	for i, c := range p.creds {
		out[i] = *c
	}
	return out
}

func (p *Pool) find(slot int) *Credential {
	for _, c := range p.creds {
		if c.Slot == slot {
			return c
		}
	}
	return nil
}
