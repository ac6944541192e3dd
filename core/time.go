// Time & anti-replay: bounds how far an event's claimed timestamp may drift
// from the local clock, and rejects events whose (signer, entropy) pair has
// already been seen within the replay window.
//
// Grounded on core/ledger.go's nonces map[Address]uint64 (one counter per
// signer, checked and bumped atomically under the ledger's lock),
// generalized from a monotonic per-account counter to a seen-set keyed by
// (public key hash, entropy nonce) since the spec's entropy field is random
// rather than sequential.
package core

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Clock abstracts wall-clock access so tests can use clock.NewMock instead
// of real time.
type Clock = clock.Clock

var systemClock Clock = clock.New()

// TimestampEnforcer rejects events whose MetaTimestamp falls outside
// [now-tolerance, now+tolerance].
type TimestampEnforcer struct {
	Clock     Clock
	Tolerance time.Duration
}

// NewTimestampEnforcer returns an enforcer using the real system clock.
func NewTimestampEnforcer(tolerance time.Duration) *TimestampEnforcer {
	return &TimestampEnforcer{Clock: systemClock, Tolerance: tolerance}
}

// Validate implements Validator, per spec.md §8's "timestamp skew" property.
func (e *TimestampEnforcer) Validate(_ context.Context, _ *PipelineContext, ev *Event) (Verdict, error) {
	ts, ok := GetTimestamp(ev.Meta)
	if !ok {
		return Abstain, nil
	}
	now := e.Clock.Now()
	claimed := time.UnixMilli(ts)
	drift := claimed.Sub(now)
	if drift < 0 {
		drift = -drift
	}
	if drift > e.Tolerance {
		return Deny, wrapKind(KindTime, "timestamp skew", ErrDenied)
	}
	return Allow, nil
}

// replayKey is the dedup key: which signer said what nonce.
type replayKey struct {
	signer  AteHash
	entropy uint64
}

// AntiReplay rejects events that repeat a (signer, entropy) pair already
// seen within the sliding window, sweeping entries older than the window on
// every Validate call rather than running a separate background goroutine.
type AntiReplay struct {
	mu     sync.Mutex
	clock  Clock
	window time.Duration
	seen   map[replayKey]time.Time
}

// NewAntiReplay returns a validator that remembers signer/entropy pairs for
// window before allowing them to be forgotten.
func NewAntiReplay(window time.Duration) *AntiReplay {
	return &AntiReplay{clock: systemClock, window: window, seen: make(map[replayKey]time.Time)}
}

// Validate implements Validator.
func (a *AntiReplay) Validate(_ context.Context, _ *PipelineContext, ev *Event) (Verdict, error) {
	entropy, ok := GetEntropy(ev.Meta)
	if !ok {
		return Abstain, nil
	}
	sigs := GetSignatures(ev.Meta)
	if len(sigs) == 0 {
		return Abstain, nil
	}

	now := a.clock.Now()
	a.mu.Lock()
	defer a.mu.Unlock()

	for k, seenAt := range a.seen {
		if now.Sub(seenAt) > a.window {
			delete(a.seen, k)
		}
	}

	for _, sig := range sigs {
		key := replayKey{signer: sig.PublicKeyHash, entropy: entropy}
		if _, dup := a.seen[key]; dup {
			return Deny, wrapKind(KindTime, "anti-replay", ErrDenied)
		}
	}
	for _, sig := range sigs {
		a.seen[replayKey{signer: sig.PublicKeyHash, entropy: entropy}] = now
	}
	return Allow, nil
}

// Len reports how many (signer, entropy) pairs are currently tracked,
// mainly for tests asserting the sweep actually reclaims memory.
func (a *AntiReplay) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.seen)
}
