package keyhealth

import (
	"context"
	"sync"
	"time"
)

// State is the health record of one key. Every process that grades with the
// same keys reads and folds outcomes into the same records.
type State struct {
	SuccessCount        int64
	FailureCount        int64
	ConsecutiveFailures int64
	AvgLatencyMs        float64
	LatencySamples      int64
	ThrottledUntil      time.Time
	LastUsedAt          time.Time
	LastSelectedAt      time.Time
}

// Update is one observed outcome together with the cooldown policy needed to
// fold it into a State.
type Update struct {
	Outcome
	At           time.Time
	ThrottleBase time.Duration
	ThrottleMax  time.Duration
}

// Store persists key state. Apply must be atomic per key.
type Store interface {
	Load(ctx context.Context, refs []string) ([]State, error)
	MarkSelected(ctx context.Context, ref string, at time.Time) error
	Apply(ctx context.Context, ref string, u Update) error
}

// MemoryStore keeps state in process. It suits a single grader process and
// tests; deployments with several processes use RedisStore.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]*State
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]*State)}
}

func (m *MemoryStore) Load(_ context.Context, refs []string) ([]State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]State, len(refs))
	for i, ref := range refs {
		if s, ok := m.states[ref]; ok {
			out[i] = *s
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkSelected(_ context.Context, ref string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state(ref).LastSelectedAt = at
	return nil
}

func (m *MemoryStore) Apply(_ context.Context, ref string, u Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state(ref).apply(u)
	return nil
}

func (m *MemoryStore) state(ref string) *State {
	s, ok := m.states[ref]
	if !ok {
		s = &State{}
		m.states[ref] = s
	}
	return s
}

// apply folds u into s. RedisStore's script performs the same steps.
func (s *State) apply(u Update) {
	s.LastUsedAt = u.At
	s.recordLatency(u.Latency)

	if u.Success {
		s.SuccessCount++
		s.ConsecutiveFailures = 0
		s.ThrottledUntil = time.Time{}
		return
	}

	s.FailureCount++
	s.ConsecutiveFailures++
	if u.RateLimited {
		s.ThrottledUntil = u.At.Add(cooldown(u.ThrottleBase, u.ThrottleMax, s.ConsecutiveFailures))
	}
}

func (s *State) recordLatency(d time.Duration) {
	if d <= 0 {
		return
	}
	ms := float64(d) / float64(time.Millisecond)
	if s.LatencySamples == 0 {
		s.AvgLatencyMs = ms
	} else {
		s.AvgLatencyMs = latencyAlpha*ms + (1-latencyAlpha)*s.AvgLatencyMs
	}
	s.LatencySamples++
}

// cooldown is base * 2^(failures-1), capped at maxCooldown.
func cooldown(base, maxCooldown time.Duration, consecutiveFailures int64) time.Duration {
	d := base
	for i := int64(1); i < consecutiveFailures; i++ {
		d *= 2
		if d >= maxCooldown {
			return maxCooldown
		}
	}
	return min(d, maxCooldown)
}

func (s *State) throttled(now time.Time) bool {
	return !s.ThrottledUntil.IsZero() && s.ThrottledUntil.After(now)
}

func (s *State) successRate() float64 {
	total := s.SuccessCount + s.FailureCount
	if total == 0 {
		return 1
	}
	return float64(s.SuccessCount) / float64(total)
}

func (s *State) latencyScore(reference time.Duration) float64 {
	if s.LatencySamples == 0 {
		return 1
	}
	refMs := float64(reference) / float64(time.Millisecond)
	return 1 / (1 + s.AvgLatencyMs/refMs)
}
