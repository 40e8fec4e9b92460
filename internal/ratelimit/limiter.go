package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter enforces global and per-sender hourly send ceilings with atomic
// check-and-increment against UTC hour-bucketed Redis counters. Prevents the
// race conditions of GET → check → INCR patterns by doing both in one script.
type Limiter struct {
	redis *redis.Client

	globalCeiling int
	senderCeiling int

	admitScript *redis.Script
}

// keyPrefix is compatibility-critical: counters written here are shared with
// other consumers of the same KV.
const keyPrefix = "reachSessionLimit"

// counterTTL is how long a bucket lives after its first write.
const counterTTL = 3600

// Lua script for atomic admission. Checks the global counter and, when a
// sender key is supplied, the sender counter BEFORE incrementing either, so
// a reject never charges the budget.
const admitLuaScript = `
local globalKey = KEYS[1]
local senderKey = KEYS[2]
local globalLimit = tonumber(ARGV[1])
local senderLimit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
local hasSender = ARGV[4] == "1"

local g = tonumber(redis.call("GET", globalKey) or "0")
if g + 1 > globalLimit then
    return {0, globalLimit - g}
end

if hasSender then
    local s = tonumber(redis.call("GET", senderKey) or "0")
    if s + 1 > senderLimit then
        return {0, senderLimit - s}
    end
end

local ng = redis.call("INCR", globalKey)
if ng == 1 then
    redis.call("EXPIRE", globalKey, ttl)
end

if hasSender then
    local ns = redis.call("INCR", senderKey)
    if ns == 1 then
        redis.call("EXPIRE", senderKey, ttl)
    end
end

return {1, globalLimit - ng}
`

// Admission is the outcome of a TryAdmit call. A rejected admission is a
// control-flow outcome, not an error: the caller reschedules to ResetAt.
type Admission struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Usage is a read-only counter snapshot for observability.
type Usage struct {
	GlobalCount   int64 `json:"globalCount"`
	GlobalCeiling int   `json:"globalCeiling"`
	SenderCount   int64 `json:"senderCount,omitempty"`
	SenderCeiling int   `json:"senderCeiling,omitempty"`
}

// NewLimiter creates a limiter with a pre-compiled admission script.
func NewLimiter(redisClient *redis.Client, globalCeiling, senderCeiling int) *Limiter {
	return &Limiter{
		redis:         redisClient,
		globalCeiling: globalCeiling,
		senderCeiling: senderCeiling,
		admitScript:   redis.NewScript(admitLuaScript),
	}
}

// hourKey returns the UTC hour-bucketed counter key for a scope. Buckets are
// UTC to avoid DST anomalies.
func hourKey(scope string, t time.Time) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, scope, t.UTC().Format("2006-01-02-15"))
}

// nextHour returns the start of the next UTC hour after t.
func nextHour(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour).Add(time.Hour)
}

// TryAdmit atomically charges one send against the global counter and, when
// senderID is non-empty, the sender counter. On reject nothing is charged
// and ResetAt is the start of the next UTC hour.
func (l *Limiter) TryAdmit(ctx context.Context, senderID string) (Admission, error) {
	now := time.Now()

	globalKey := hourKey("global", now)
	senderKey := globalKey
	hasSender := "0"
	if senderID != "" {
		senderKey = hourKey(senderID, now)
		hasSender = "1"
	}

	result, err := l.admitScript.Run(ctx, l.redis,
		[]string{globalKey, senderKey},
		l.globalCeiling,
		l.senderCeiling,
		counterTTL,
		hasSender,
	).Slice()
	if err != nil {
		return Admission{}, fmt.Errorf("admission check failed: %w", err)
	}

	allowed := result[0].(int64) == 1
	remaining := int(result[1].(int64))
	if remaining < 0 {
		remaining = 0
	}

	return Admission{
		Allowed:   allowed,
		Remaining: remaining,
		ResetAt:   nextHour(now),
	}, nil
}

// Inspect returns the current hour's counter values without charging them.
func (l *Limiter) Inspect(ctx context.Context, senderID string) (Usage, error) {
	now := time.Now()

	pipe := l.redis.Pipeline()
	globalCmd := pipe.Get(ctx, hourKey("global", now))
	var senderCmd *redis.StringCmd
	if senderID != "" {
		senderCmd = pipe.Get(ctx, hourKey(senderID, now))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Usage{}, fmt.Errorf("usage snapshot failed: %w", err)
	}

	usage := Usage{GlobalCeiling: l.globalCeiling}
	usage.GlobalCount, _ = globalCmd.Int64()
	if senderCmd != nil {
		usage.SenderCount, _ = senderCmd.Int64()
		usage.SenderCeiling = l.senderCeiling
	}
	return usage, nil
}
