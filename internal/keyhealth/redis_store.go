package keyhealth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces the per-key hashes.
const DefaultRedisPrefix = "grader:keyhealth"

const (
	fieldSuccess        = "success"
	fieldFailure        = "failure"
	fieldConsecutive    = "consecutive_failures"
	fieldAvgLatency     = "avg_latency_ms"
	fieldLatencySamples = "latency_samples"
	fieldThrottledUntil = "throttled_until"
	fieldLastUsed       = "last_used"
	fieldLastSelected   = "last_selected"
)

// applyScript folds one outcome into a key hash atomically. Times are unix
// milliseconds.
//
// KEYS[1] hash; ARGV: success, rate_limited, latency_ms, now_ms, base_ms,
// max_ms, alpha.
var applyScript = redis.NewScript(`
local key = KEYS[1]
local latency = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local base = tonumber(ARGV[5])
local cap = tonumber(ARGV[6])
local alpha = tonumber(ARGV[7])

redis.call('HSET', key, 'last_used', ARGV[4])
if latency > 0 then
	local samples = tonumber(redis.call('HGET', key, 'latency_samples') or '0')
	local avg = latency
	if samples > 0 then
		avg = alpha * latency + (1 - alpha) * tonumber(redis.call('HGET', key, 'avg_latency_ms'))
	end
	redis.call('HSET', key, 'avg_latency_ms', string.format('%.4f', avg))
	redis.call('HINCRBY', key, 'latency_samples', 1)
end

if ARGV[1] == '1' then
	redis.call('HINCRBY', key, 'success', 1)
	redis.call('HSET', key, 'consecutive_failures', '0', 'throttled_until', '0')
	return 0
end

redis.call('HINCRBY', key, 'failure', 1)
local n = redis.call('HINCRBY', key, 'consecutive_failures', 1)
if ARGV[2] == '1' then
	local d = base
	for i = 2, n do
		d = d * 2
		if d >= cap then
			break
		end
	end
	if d > cap then
		d = cap
	end
	redis.call('HSET', key, 'throttled_until', string.format('%.0f', now + d))
end
return n
`)

// RedisStore shares key state between every grader process through one hash
// per key, so a key throttled by one worker is skipped by all of them and
// the admin API reports what the workers observed.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a store under prefix (DefaultRedisPrefix when empty).
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) key(ref string) string {
	return r.prefix + ":" + ref
}

func (r *RedisStore) Load(ctx context.Context, refs []string) ([]State, error) {
	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(refs))
	for i, ref := range refs {
		cmds[i] = pipe.HGetAll(ctx, r.key(ref))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load key health: %w", err)
	}

	out := make([]State, len(refs))
	for i, cmd := range cmds {
		s, err := parseState(cmd.Val())
		if err != nil {
			return nil, fmt.Errorf("parse key health %s: %w", refs[i], err)
		}
		out[i] = s
	}
	return out, nil
}

func (r *RedisStore) MarkSelected(ctx context.Context, ref string, at time.Time) error {
	if err := r.client.HSet(ctx, r.key(ref), fieldLastSelected, at.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("mark key selected: %w", err)
	}
	return nil
}

func (r *RedisStore) Apply(ctx context.Context, ref string, u Update) error {
	latencyMs := float64(u.Latency) / float64(time.Millisecond)
	err := applyScript.Run(ctx, r.client, []string{r.key(ref)},
		flag(u.Success),
		flag(u.RateLimited),
		strconv.FormatFloat(max(latencyMs, 0), 'f', 3, 64),
		strconv.FormatInt(u.At.UnixMilli(), 10),
		strconv.FormatInt(u.ThrottleBase.Milliseconds(), 10),
		strconv.FormatInt(u.ThrottleMax.Milliseconds(), 10),
		strconv.FormatFloat(latencyAlpha, 'f', -1, 64),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("apply key outcome: %w", err)
	}
	return nil
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func parseState(h map[string]string) (State, error) {
	var (
		s   State
		err error
	)
	ints := []struct {
		field string
		dst   *int64
	}{
		{fieldSuccess, &s.SuccessCount},
		{fieldFailure, &s.FailureCount},
		{fieldConsecutive, &s.ConsecutiveFailures},
		{fieldLatencySamples, &s.LatencySamples},
	}
	for _, f := range ints {
		if v, ok := h[f.field]; ok {
			if *f.dst, err = strconv.ParseInt(v, 10, 64); err != nil {
				return s, fmt.Errorf("%s: %w", f.field, err)
			}
		}
	}
	if v, ok := h[fieldAvgLatency]; ok {
		if s.AvgLatencyMs, err = strconv.ParseFloat(v, 64); err != nil {
			return s, fmt.Errorf("%s: %w", fieldAvgLatency, err)
		}
	}

	times := []struct {
		field string
		dst   *time.Time
	}{
		{fieldThrottledUntil, &s.ThrottledUntil},
		{fieldLastUsed, &s.LastUsedAt},
		{fieldLastSelected, &s.LastSelectedAt},
	}
	for _, f := range times {
		v, ok := h[f.field]
		if !ok {
			continue
		}
		ms, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			return s, fmt.Errorf("%s: %w", f.field, perr)
		}
		if ms > 0 {
			*f.dst = time.UnixMilli(ms).UTC()
		}
	}
	return s, nil
}
