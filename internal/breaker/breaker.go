// Package breaker implements the Circuit Breaker (C6): per-credential
// failure tracking with closed/half-open/open states.
package breaker

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/agentoven/botgateway/pkg/models"
)

const (
	// shardCount follows §9's design note: a sharded map keyed by
	// credentialId with a mutex per shard, avoiding a single global lock.
	shardCount = 32

	defaultFailureThreshold = 5
	defaultCoolDown         = 30 * time.Second
)

type entry struct {
	state            models.BreakerState
	consecutiveFails int
	openedAt         time.Time
	lastError        string
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Breaker tracks circuit-breaker state per credential.
type Breaker struct {
	shards           [shardCount]*shard
	failureThreshold int
	coolDown         time.Duration
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithFailureThreshold overrides the default consecutive-failure threshold (5).
func WithFailureThreshold(n int) Option { return func(b *Breaker) { b.failureThreshold = n } }

// WithCoolDown overrides the default open-state cool-down (30s).
func WithCoolDown(d time.Duration) Option { return func(b *Breaker) { b.coolDown = d } }

// New constructs a Breaker with default threshold=5, coolDown=30s.
func New(opts ...Option) *Breaker {
	b := &Breaker{failureThreshold: defaultFailureThreshold, coolDown: defaultCoolDown}
	for i := range b.shards {
		b.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Breaker) shardFor(credentialID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(credentialID))
	return b.shards[h.Sum32()%shardCount]
}

// IsAvailable reports whether requests may flow to credentialID. A breaker
// in the open state transitions itself to half-open once the cool-down has
// elapsed, per §4.6's open -> half-open transition.
func (b *Breaker) IsAvailable(credentialID string) bool {
	s := b.shardFor(credentialID)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[credentialID]
	if !ok {
		return true
	}
	switch e.state {
	case models.BreakerClosed, models.BreakerHalfOpen:
		return true
	case models.BreakerOpen:
		if time.Since(e.openedAt) >= b.coolDown {
			e.state = models.BreakerHalfOpen
			return true
		}
		return false
	}
	return true
}

// RecordSuccess clears failure count and closes a half-open breaker.
// Streaming responses that begin with a 2xx are a success for breaker
// purposes even if the stream aborts midway — callers in
// internal/forwarder only ever call this once headers have been sent.
func (b *Breaker) RecordSuccess(credentialID string) {
	s := b.shardFor(credentialID)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[credentialID]
	if !ok {
		return
	}
	e.state = models.BreakerClosed
	e.consecutiveFails = 0
	e.lastError = ""
}

// RecordFailure increments the consecutive failure count and trips the
// breaker open once it reaches the threshold, or reopens immediately on a
// failed half-open probe.
func (b *Breaker) RecordFailure(credentialID, errMsg string) {
	s := b.shardFor(credentialID)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[credentialID]
	if !ok {
		e = &entry{state: models.BreakerClosed}
		s.entries[credentialID] = e
	}
	e.lastError = errMsg

	if e.state == models.BreakerHalfOpen {
		e.state = models.BreakerOpen
		e.openedAt = time.Now()
		e.consecutiveFails++
		return
	}

	e.consecutiveFails++
	if e.consecutiveFails >= b.failureThreshold {
		e.state = models.BreakerOpen
		e.openedAt = time.Now()
	}
}

// Status is a snapshot of a credential's breaker state.
type Status struct {
	State            models.BreakerState
	ConsecutiveFails int
	OpenedAt         time.Time
	LastError        string
}

// StatusFor returns the current status, or nil if the credential has never
// recorded a failure (i.e. is implicitly closed).
func (b *Breaker) StatusFor(credentialID string) *Status {
	s := b.shardFor(credentialID)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[credentialID]
	if !ok {
		return nil
	}
	return &Status{State: e.state, ConsecutiveFails: e.consecutiveFails, OpenedAt: e.openedAt, LastError: e.lastError}
}

// Reset clears all tracked state for a credential, returning it to closed.
func (b *Breaker) Reset(credentialID string) {
	s := b.shardFor(credentialID)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, credentialID)
}
