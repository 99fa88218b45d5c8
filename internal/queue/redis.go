package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis layout, all under the queue name:
//
//	{name}:delayed   sorted set, score = due time (unix ms)
//	{name}:active    sorted set, score = lease deadline (unix ms)
//	{name}:dead      sorted set, score = dead-letter time (unix ms)
//	{name}:job:{id}  hash with payload, deliveries, attempts, postponements, reason
//
// Every state change that touches more than one key runs as a Lua script so
// two workers never lease the same entry.

var leaseScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
    return false
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[2], id)
local k = ARGV[3] .. id
local d = redis.call('HINCRBY', k, 'deliveries', 1)
local h = redis.call('HMGET', k, 'payload', 'attempts', 'postponements')
return {id, d, h[1] or '', h[2] or '0', h[3] or '0'}
`)

// holdsLease is prepended to the settle scripts. holds is true when the entry
// is in the active set under the given delivery number. Delivery 0 skips the
// number check and instead requires an expired lease (used by Reclaim).
const holdsLease = `
local function holds(active, entry, id, now, delivery)
    local deadline = redis.call('ZSCORE', active, id)
    if not deadline then
        return false
    end
    local want = tonumber(delivery)
    if want > 0 then
        return tonumber(redis.call('HGET', entry, 'deliveries') or '0') == want
    end
    return tonumber(deadline) <= tonumber(now)
end
`

// KEYS: active, delayed, dead, entry. ARGV: id, now, due, max postponements, delivery.
var postponeScript = goredis.NewScript(holdsLease + `
if not holds(KEYS[1], KEYS[4], ARGV[1], ARGV[2], ARGV[5]) then
    return -1
end
local p = redis.call('HINCRBY', KEYS[4], 'postponements', 1)
redis.call('ZREM', KEYS[1], ARGV[1])
local max = tonumber(ARGV[4])
if max > 0 and p > max then
    redis.call('HSET', KEYS[4], 'reason', 'postponement ceiling reached')
    redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
    return 1
end
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 0
`)

// KEYS: active, delayed, dead, entry.
// ARGV: id, now, max attempts, backoff initial ms, backoff max ms, cause, delivery.
var failScript = goredis.NewScript(holdsLease + `
if not holds(KEYS[1], KEYS[4], ARGV[1], ARGV[2], ARGV[7]) then
    return {-1, 0, 0}
end
local a = redis.call('HINCRBY', KEYS[4], 'attempts', 1)
redis.call('ZREM', KEYS[1], ARGV[1])
local max = tonumber(ARGV[3])
if max > 0 and a >= max then
    redis.call('HSET', KEYS[4], 'reason', 'retries exhausted: ' .. ARGV[6])
    redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
    return {1, a, 0}
end
local delay = tonumber(ARGV[4]) * (2 ^ (a - 1))
local cap = tonumber(ARGV[5])
if cap > 0 and delay > cap then
    delay = cap
end
redis.call('HSET', KEYS[4], 'last_error', ARGV[6])
redis.call('ZADD', KEYS[2], tonumber(ARGV[2]) + delay, ARGV[1])
return {0, a, delay}
`)

// KEYS: active, delayed, entry. ARGV: id, now, delivery.
var ackScript = goredis.NewScript(holdsLease + `
if redis.call('EXISTS', KEYS[3]) == 0 then
    return 0
end
if not holds(KEYS[1], KEYS[3], ARGV[1], ARGV[2], ARGV[3]) then
    return -1
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('DEL', KEYS[3])
return 1
`)

// KEYS: delayed, entry. ARGV: id.
var removeScript = goredis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
    redis.call('DEL', KEYS[2])
    return 1
end
return 0
`)

// RedisQueue is the shared DelayQueue used when several worker processes run
// against one Redis.
type RedisQueue struct {
	Client       goredis.UniversalClient
	Name         string
	Policy       Policy
	PollInterval time.Duration
	Sink         DeadLetterSink
	Log          zerolog.Logger
	Now          func() time.Time
}

func NewRedisQueue(client goredis.UniversalClient, name string, policy Policy, poll time.Duration) *RedisQueue {
	return &RedisQueue{
		Client:       client,
		Name:         name,
		Policy:       policy,
		PollInterval: poll,
		Log:          zerolog.Nop(),
		Now:          time.Now,
	}
}

func (q *RedisQueue) delayedKey() string { return q.Name + ":delayed" }
func (q *RedisQueue) activeKey() string  { return q.Name + ":active" }
func (q *RedisQueue) deadKey() string    { return q.Name + ":dead" }
func (q *RedisQueue) entryPrefix() string {
	return q.Name + ":job:"
}
func (q *RedisQueue) entryKey(jobID string) string { return q.entryPrefix() + jobID }

func unixMs(t time.Time) int64 { return t.UnixMilli() }

func (q *RedisQueue) Enqueue(ctx context.Context, jobID string, payload []byte, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	due := unixMs(q.Now().Add(delay))

	pipe := q.Client.TxPipeline()
	pipe.HSet(ctx, q.entryKey(jobID), "payload", payload)
	pipe.ZRem(ctx, q.activeKey(), jobID)
	pipe.ZRem(ctx, q.deadKey(), jobID)
	pipe.ZAdd(ctx, q.delayedKey(), goredis.Z{Score: float64(due), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue/redis: enqueue %s: %w", jobID, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	ticker := time.NewTicker(pollEvery(q.PollInterval))
	defer ticker.Stop()

	for {
		d, err := q.tryLease(ctx)
		if err != nil || d != nil {
			return d, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *RedisQueue) tryLease(ctx context.Context) (*Delivery, error) {
	now := q.Now()
	res, err := leaseScript.Run(ctx, q.Client,
		[]string{q.delayedKey(), q.activeKey()},
		unixMs(now), unixMs(now.Add(q.Policy.Lease)), q.entryPrefix(),
	).Slice()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue/redis: lease: %w", err)
	}
	if len(res) != 5 {
		return nil, fmt.Errorf("queue/redis: lease: unexpected reply %v", res)
	}

	jobID, _ := res[0].(string)
	delivery, _ := res[1].(int64)
	payload, _ := res[2].(string)
	return &Delivery{
		JobID:         jobID,
		Payload:       []byte(payload),
		Delivery:      delivery,
		Attempts:      atoi(res[3]),
		Postponements: atoi(res[4]),
	}, nil
}

func atoi(v any) int {
	switch x := v.(type) {
	case int64:
		return int(x)
	case string:
		n, _ := strconv.Atoi(x)
		return n
	}
	return 0
}

func (q *RedisQueue) Postpone(ctx context.Context, jobID string, delivery int64, delay time.Duration) (bool, error) {
	if delivery < 1 {
		return false, ErrNotLeased
	}
	now := q.Now()
	res, err := postponeScript.Run(ctx, q.Client,
		[]string{q.activeKey(), q.delayedKey(), q.deadKey(), q.entryKey(jobID)},
		jobID, unixMs(now), unixMs(now.Add(delay)), q.Policy.MaxPostponements, delivery,
	).Int()
	if err != nil {
		return false, fmt.Errorf("queue/redis: postpone %s: %w", jobID, err)
	}
	switch res {
	case -1:
		return false, ErrNotLeased
	case 1:
		q.buried(ctx, jobID)
		return true, nil
	}
	return false, nil
}

func (q *RedisQueue) Ack(ctx context.Context, jobID string, delivery int64) error {
	if delivery < 1 {
		return ErrNotLeased
	}
	res, err := ackScript.Run(ctx, q.Client,
		[]string{q.activeKey(), q.delayedKey(), q.entryKey(jobID)},
		jobID, unixMs(q.Now()), delivery,
	).Int()
	if err != nil {
		return fmt.Errorf("queue/redis: ack %s: %w", jobID, err)
	}
	if res == -1 {
		return ErrNotLeased
	}
	return nil
}

func (q *RedisQueue) Fail(ctx context.Context, jobID string, delivery int64, cause string) (FailOutcome, error) {
	if delivery < 1 {
		return FailOutcome{}, ErrNotLeased
	}
	return q.fail(ctx, jobID, delivery, cause)
}

// fail runs the fail script. delivery 0 fails whichever lease has expired.
func (q *RedisQueue) fail(ctx context.Context, jobID string, delivery int64, cause string) (FailOutcome, error) {
	res, err := failScript.Run(ctx, q.Client,
		[]string{q.activeKey(), q.delayedKey(), q.deadKey(), q.entryKey(jobID)},
		jobID, unixMs(q.Now()), q.Policy.MaxAttempts,
		q.Policy.Backoff.Initial.Milliseconds(), q.Policy.Backoff.Max.Milliseconds(), cause, delivery,
	).Int64Slice()
	if err != nil {
		return FailOutcome{}, fmt.Errorf("queue/redis: fail %s: %w", jobID, err)
	}
	if len(res) != 3 || res[0] == -1 {
		return FailOutcome{}, ErrNotLeased
	}

	out := FailOutcome{Attempts: int(res[1])}
	if res[0] == 1 {
		out.DeadLettered = true
		q.buried(ctx, jobID)
		return out, nil
	}
	out.RetryIn = time.Duration(res[2]) * time.Millisecond
	return out, nil
}

func (q *RedisQueue) Remove(ctx context.Context, jobID string) (bool, error) {
	n, err := removeScript.Run(ctx, q.Client, []string{q.delayedKey(), q.entryKey(jobID)}, jobID).Int()
	if err != nil {
		return false, fmt.Errorf("queue/redis: remove %s: %w", jobID, err)
	}
	return n == 1, nil
}

func (q *RedisQueue) Reclaim(ctx context.Context) (int, error) {
	ids, err := q.Client.ZRangeByScore(ctx, q.activeKey(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(unixMs(q.Now()), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("queue/redis: reclaim scan: %w", err)
	}

	n := 0
	for _, id := range ids {
		_, err := q.fail(ctx, id, 0, ReasonLeaseExpired)
		if errors.Is(err, ErrNotLeased) {
			// settled or re-leased between the scan and the fail
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (q *RedisQueue) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	zs, err := q.Client.ZRevRangeWithScores(ctx, q.deadKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("queue/redis: dead letters: %w", err)
	}

	out := make([]DeadLetter, 0, len(zs))
	for _, z := range zs {
		id, _ := z.Member.(string)
		dl, err := q.deadLetter(ctx, id, time.UnixMilli(int64(z.Score)))
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, nil
}

func (q *RedisQueue) deadLetter(ctx context.Context, jobID string, at time.Time) (DeadLetter, error) {
	vals, err := q.Client.HMGet(ctx, q.entryKey(jobID), "payload", "attempts", "postponements", "reason").Result()
	if err != nil {
		return DeadLetter{}, fmt.Errorf("queue/redis: read dead letter %s: %w", jobID, err)
	}
	payload, _ := vals[0].(string)
	reason, _ := vals[3].(string)
	return DeadLetter{
		JobID:         jobID,
		Payload:       []byte(payload),
		Attempts:      atoi(vals[1]),
		Postponements: atoi(vals[2]),
		Reason:        reason,
		At:            at.UTC(),
	}, nil
}

// buried logs and forwards a freshly dead-lettered entry to the sink.
func (q *RedisQueue) buried(ctx context.Context, jobID string) {
	dl, err := q.deadLetter(ctx, jobID, q.Now())
	if err != nil {
		q.Log.Error().Err(err).Str("job_id", jobID).Msg("dead letter lookup failed")
		return
	}
	q.Log.Warn().Str("job_id", dl.JobID).Str("reason", dl.Reason).Msg("job dead-lettered")
	if q.Sink == nil {
		return
	}
	if err := q.Sink.DeadLettered(ctx, dl); err != nil {
		q.Log.Error().Err(err).Str("job_id", jobID).Msg("dead letter sink failed")
	}
}

var _ DelayQueue = (*RedisQueue)(nil)
