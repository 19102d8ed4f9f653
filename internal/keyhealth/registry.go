// Package keyhealth tracks the health of each provider API key and picks the
// best one for the next call. Every mutation arrives through Registry.Report;
// the state itself lives in a Store shared by all grader processes.
package keyhealth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// ErrNoKeyAvailable is matched by every "all keys throttled" error.
var ErrNoKeyAvailable = errors.New("no provider key available")

// ErrUnknownKey is returned when reporting for a key the registry never issued.
var ErrUnknownKey = errors.New("unknown provider key")

// NoKeyAvailableError carries when the earliest throttled key frees up.
// RetryAt is zero when no keys are configured at all.
type NoKeyAvailableError struct {
	RetryAt time.Time
}

func (e *NoKeyAvailableError) Error() string {
	if e.RetryAt.IsZero() {
		return "no provider keys configured"
	}
	return fmt.Sprintf("all provider keys throttled until %s", e.RetryAt.Format(time.RFC3339))
}

func (e *NoKeyAvailableError) Is(target error) bool { return target == ErrNoKeyAvailable }

// KeyHandle identifies a key for one call. The secret never leaves the
// provider package's hands.
type KeyHandle struct {
	ID     string
	secret string
}

// Secret returns the raw API key.
func (h KeyHandle) Secret() string { return h.secret }

// Outcome is what the caller observed for one provider round-trip.
type Outcome struct {
	Success     bool
	Latency     time.Duration
	RateLimited bool
}

// Config holds the scoring and cooldown constants.
type Config struct {
	ThrottleBase     time.Duration
	ThrottleMax      time.Duration
	LatencyReference time.Duration
	MinRotationKeys  int
}

const (
	defaultThrottleBase     = 10 * time.Second
	defaultThrottleMax      = 10 * time.Minute
	defaultLatencyReference = 5 * time.Second
	defaultMinRotationKeys  = 3

	latencyAlpha = 0.2
	scoreEpsilon = 1e-9

	weightSuccess      = 0.6
	weightLatency      = 0.25
	weightAvailability = 0.15
)

func (c *Config) setDefaults() {
	if c.ThrottleBase <= 0 {
		c.ThrottleBase = defaultThrottleBase
	}
	if c.ThrottleMax < c.ThrottleBase {
		c.ThrottleMax = max(defaultThrottleMax, c.ThrottleBase)
	}
	if c.LatencyReference <= 0 {
		c.LatencyReference = defaultLatencyReference
	}
	if c.MinRotationKeys <= 0 {
		c.MinRotationKeys = defaultMinRotationKeys
	}
}

type keyRef struct {
	id     string
	ref    string
	secret string
}

// Registry is safe for concurrent use. Callers never hold its lock across
// a provider call.
type Registry struct {
	// mu serializes selection within a process so that concurrent callers
	// observe each other's MarkSelected and fan out over tied keys.
	mu    sync.Mutex
	cfg   Config
	now   func() time.Time
	store Store
	keys  []keyRef
	byID  map[string]keyRef
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithStore sets where key state lives. The default is a MemoryStore.
func WithStore(s Store) Option {
	return func(r *Registry) { r.store = s }
}

// New creates a registry for secrets, naming them key-1..key-n. Blank and
// duplicate secrets are skipped. State is stored under a fingerprint of each
// secret, so reordering the configured keys keeps their history.
func New(secrets []string, cfg Config, opts ...Option) *Registry {
	cfg.setDefaults()
	r := &Registry{
		cfg:  cfg,
		now:  time.Now,
		byID: make(map[string]keyRef, len(secrets)),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.store == nil {
		r.store = NewMemoryStore()
	}

	seen := make(map[string]bool, len(secrets))
	for _, s := range secrets {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		k := keyRef{id: fmt.Sprintf("key-%d", len(r.keys)+1), ref: fingerprint(s), secret: s}
		r.keys = append(r.keys, k)
		r.byID[k.id] = k
	}
	return r
}

func fingerprint(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:8])
}

// Len returns the number of configured keys.
func (r *Registry) Len() int {
	return len(r.keys)
}

// RotationEnabled reports whether enough keys are configured to rotate.
func (r *Registry) RotationEnabled() bool {
	return r.Len() >= r.cfg.MinRotationKeys
}

// MinRotationKeys is the configured rotation minimum.
func (r *Registry) MinRotationKeys() int { return r.cfg.MinRotationKeys }

func (r *Registry) refs() []string {
	refs := make([]string, len(r.keys))
	for i, k := range r.keys {
		refs[i] = k.ref
	}
	return refs
}

// Select returns the healthiest key that is not throttled. Ties go to the
// key selected least recently. Selection is advisory: the same key may be
// handed to concurrent callers, in this process or another.
func (r *Registry) Select(ctx context.Context) (KeyHandle, error) {
	if len(r.keys) == 0 {
		return KeyHandle{}, &NoKeyAvailableError{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	states, err := r.store.Load(ctx, r.refs())
	if err != nil {
		return KeyHandle{}, err
	}

	now := r.now()
	var (
		best      = -1
		bestScore float64
		retryAt   time.Time
	)
	for i := range states {
		s := &states[i]
		if s.throttled(now) {
			if retryAt.IsZero() || s.ThrottledUntil.Before(retryAt) {
				retryAt = s.ThrottledUntil
			}
			continue
		}
		score := r.score(s, now)
		switch {
		case best < 0, score > bestScore+scoreEpsilon:
			best, bestScore = i, score
		case math.Abs(score-bestScore) <= scoreEpsilon && s.LastSelectedAt.Before(states[best].LastSelectedAt):
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return KeyHandle{}, &NoKeyAvailableError{RetryAt: retryAt}
	}

	k := r.keys[best]
	if err := r.store.MarkSelected(ctx, k.ref, now); err != nil {
		return KeyHandle{}, err
	}
	return KeyHandle{ID: k.id, secret: k.secret}, nil
}

// Report records the outcome of one call made with h.
func (r *Registry) Report(ctx context.Context, h KeyHandle, o Outcome) error {
	k, ok := r.byID[h.ID]
	if !ok {
		return fmt.Errorf("report %q: %w", h.ID, ErrUnknownKey)
	}
	return r.store.Apply(ctx, k.ref, Update{
		Outcome:      o,
		At:           r.now(),
		ThrottleBase: r.cfg.ThrottleBase,
		ThrottleMax:  r.cfg.ThrottleMax,
	})
}

func (r *Registry) score(s *State, now time.Time) float64 {
	availability := 1.0
	if s.throttled(now) {
		availability = 0
	}
	return weightSuccess*s.successRate() +
		weightLatency*s.latencyScore(r.cfg.LatencyReference) +
		weightAvailability*availability
}
