package ratelimit

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// incrScript increments the bucket and sets its expiry on first use, in one step.
var incrScript = goredis.NewScript(`
local c = redis.call('INCR', KEYS[1])
if c == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return c
`)

// RedisLimiter keeps counters in Redis so every worker process shares them.
type RedisLimiter struct {
	Client goredis.Scripter
	Now    func() time.Time
}

func NewRedisLimiter(client goredis.Scripter) *RedisLimiter {
	return &RedisLimiter{Client: client, Now: time.Now}
}

func (l *RedisLimiter) Admit(ctx context.Context, senderID string, limit int) (Decision, error) {
	now := l.Now()
	key := BucketKey(senderID, now)
	count, err := incrScript.Run(ctx, l.Client, []string{key}, counterTTL.Milliseconds()).Int64()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit/redis: incr %s: %w", key, err)
	}
	return decide(count, limit, now), nil
}

var _ Limiter = (*RedisLimiter)(nil)
