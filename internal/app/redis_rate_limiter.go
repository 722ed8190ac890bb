package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ecocapital/ledger-service/internal/domain"
)

const postingScope = "postings"

// allowPostingScript admits a posting only while the window still has room.
// Refused postings are not counted, so a blocked actor is let back in as soon
// as the window expires. Returns {allowed, remaining, ttl_ms}.
var allowPostingScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local used = tonumber(redis.call("GET", KEYS[1]) or "0")
if used >= limit then
  local ttl = redis.call("PTTL", KEYS[1])
  if ttl < 0 then
    redis.call("PEXPIRE", KEYS[1], window)
    ttl = window
  end
  return {0, 0, ttl}
end
used = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], window)
  ttl = window
end
return {1, limit - used, ttl}
`)

// PostingDecision is the outcome of counting one posting against an actor's window.
type PostingDecision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAfter time.Duration
}

// RetryAfterSeconds rounds ResetAfter up to whole seconds, never below one.
func (d PostingDecision) RetryAfterSeconds() int {
	seconds := int((d.ResetAfter + time.Second - 1) / time.Second)
	if seconds < 1 {
		return 1
	}
	return seconds
}

func unlimitedPosting(limit int) PostingDecision {
	return PostingDecision{Allowed: true, Limit: limit, Remaining: limit}
}

// RedisPostingRateLimiter counts postings per actor in a fixed window shared by
// every instance of the service.
type RedisPostingRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisPostingRateLimiter(client redis.UniversalClient, prefix string) *RedisPostingRateLimiter {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "ledger:rate_limit"
	}
	return &RedisPostingRateLimiter{client: client, prefix: trimmedPrefix}
}

// AllowPosting decides whether actor may submit one more posting. A nil limiter,
// a non-positive limit or an anonymous actor always passes.
func (r *RedisPostingRateLimiter) AllowPosting(ctx context.Context, actor domain.Actor, limit int, window time.Duration) (PostingDecision, error) {
	if r == nil || r.client == nil || limit <= 0 || strings.TrimSpace(actor.ID) == "" {
		return unlimitedPosting(limit), nil
	}
	if window < time.Second {
		window = time.Second
	}

	raw, err := allowPostingScript.Run(ctx, r.client, []string{r.postingKey(actor)}, limit, window.Milliseconds()).Result()
	if err != nil {
		return PostingDecision{}, fmt.Errorf("posting rate limit for %s: %w", actor.ID, err)
	}
	return decodePostingDecision(raw, limit, window)
}

// postingKey is <prefix>:postings:<role>:<actor>.
func (r *RedisPostingRateLimiter) postingKey(actor domain.Actor) string {
	role := actor.Role
	if role == "" {
		role = domain.RoleUser
	}
	return fmt.Sprintf("%s:%s:%s:%s", r.prefix, postingScope, role, strings.TrimSpace(actor.ID))
}

func decodePostingDecision(raw interface{}, limit int, window time.Duration) (PostingDecision, error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 3 {
		return PostingDecision{}, fmt.Errorf("unexpected posting limiter reply: %v", raw)
	}
	fields := make([]int64, len(values))
	for i, v := range values {
		n, ok := v.(int64)
		if !ok {
			return PostingDecision{}, fmt.Errorf("unexpected posting limiter field %d: %T", i, v)
		}
		fields[i] = n
	}

	decision := PostingDecision{
		Allowed:    fields[0] == 1,
		Limit:      limit,
		Remaining:  int(fields[1]),
		ResetAfter: time.Duration(fields[2]) * time.Millisecond,
	}
	if decision.Remaining < 0 {
		decision.Remaining = 0
	}
	if decision.ResetAfter <= 0 {
		decision.ResetAfter = window
	}
	return decision, nil
}
