package keyhealth

import (
	"context"
	"math"
	"time"
)

// KeyMetrics is the read-only view of one key.
type KeyMetrics struct {
	KeyID           string     `json:"keyId"`
	SuccessCount    int64      `json:"successCount"`
	FailureCount    int64      `json:"failureCount"`
	SuccessRate     float64    `json:"successRate"`
	AvgResponseTime float64    `json:"avgResponseTime"`
	IsThrottled     bool       `json:"isThrottled"`
	ThrottledUntil  *time.Time `json:"throttledUntil"`
	HealthScore     float64    `json:"healthScore"`
	LastUsedAt      *time.Time `json:"lastUsedAt"`
}

// Summary aggregates every key.
type Summary struct {
	TotalCalls     int64   `json:"totalCalls"`
	TotalSuccesses int64   `json:"totalSuccesses"`
	TotalFailures  int64   `json:"totalFailures"`
	AvgSuccessRate float64 `json:"avgSuccessRate"`
	ThrottledCount int     `json:"throttledCount"`
	AvailableCount int     `json:"availableCount"`
}

// Snapshot returns the metrics of every key in configuration order.
func (r *Registry) Snapshot(ctx context.Context) ([]KeyMetrics, error) {
	states, err := r.store.Load(ctx, r.refs())
	if err != nil {
		return nil, err
	}

	now := r.now()
	out := make([]KeyMetrics, 0, len(states))
	for i := range states {
		s := &states[i]
		m := KeyMetrics{
			KeyID:           r.keys[i].id,
			SuccessCount:    s.SuccessCount,
			FailureCount:    s.FailureCount,
			SuccessRate:     round(s.successRate(), 4),
			AvgResponseTime: round(s.AvgLatencyMs, 1),
			IsThrottled:     s.throttled(now),
			HealthScore:     round(r.score(s, now), 4),
		}
		if m.IsThrottled {
			until := s.ThrottledUntil.UTC()
			m.ThrottledUntil = &until
		}
		if !s.LastUsedAt.IsZero() {
			used := s.LastUsedAt.UTC()
			m.LastUsedAt = &used
		}
		out = append(out, m)
	}
	return out, nil
}

// Summarize folds a snapshot into totals.
func Summarize(keys []KeyMetrics) Summary {
	var s Summary
	var rateSum float64
	for _, k := range keys {
		s.TotalSuccesses += k.SuccessCount
		s.TotalFailures += k.FailureCount
		rateSum += k.SuccessRate
		if k.IsThrottled {
			s.ThrottledCount++
		} else {
			s.AvailableCount++
		}
	}
	s.TotalCalls = s.TotalSuccesses + s.TotalFailures
	if len(keys) > 0 {
		s.AvgSuccessRate = round(rateSum/float64(len(keys)), 4)
	}
	return s
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
