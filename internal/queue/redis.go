package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/rendis/weave/pkg/schema"
)

// DefaultRedisPrefix namespaces every key the Redis driver writes.
const DefaultRedisPrefix = "weave:queue"

// claimScanLimit bounds how many ready jobs one claim inspects when skipping
// saturated groups.
const claimScanLimit = 64

// Key layout, per queue q:
//
//	<prefix>:<q>:ready      ZSET job id -> ready-at (unix ms)
//	<prefix>:<q>:active     ZSET job id -> lock expiry (unix ms)
//	<prefix>:<q>:job:<id>   HASH data, attempt, max, group, owner
var (
	pushScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then return 0 end
redis.call('HSET', KEYS[2], 'data', ARGV[1], 'attempt', ARGV[2], 'max', ARGV[3], 'group', ARGV[4])
redis.call('ZADD', KEYS[1], ARGV[5], ARGV[6])
return 1
`)

	claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[4]))
local skip = {}
for i = 6, #ARGV do skip[ARGV[i]] = true end
for _, id in ipairs(ids) do
  local key = ARGV[5] .. id
  local group = redis.call('HGET', key, 'group')
  if not group or not skip[group] then
    redis.call('ZREM', KEYS[1], id)
    redis.call('ZADD', KEYS[2], ARGV[2], id)
    redis.call('HSET', key, 'owner', ARGV[3])
    return {id, redis.call('HGET', key, 'data'), redis.call('HGET', key, 'attempt')}
  end
end
return false
`)

	extendScript = redis.NewScript(`
local key = ARGV[4] .. ARGV[1]
if redis.call('HGET', key, 'owner') ~= ARGV[2] then return 0 end
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then return 0 end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

	ackScript = redis.NewScript(`
local key = ARGV[3] .. ARGV[1]
if redis.call('HGET', key, 'owner') ~= ARGV[2] then return 0 end
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then return 0 end
redis.call('DEL', key)
return 1
`)

	nackScript = redis.NewScript(`
local key = ARGV[3] .. ARGV[1]
if redis.call('HGET', key, 'owner') ~= ARGV[2] then return 0 end
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then return 0 end
redis.call('HINCRBY', key, 'attempt', 1)
redis.call('HDEL', key, 'owner')
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
return 1
`)

	reclaimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local requeued, deadIds, deadData, deadAttempts = {}, {}, {}, {}
for _, id in ipairs(ids) do
  local key = ARGV[2] .. id
  redis.call('ZREM', KEYS[1], id)
  redis.call('HDEL', key, 'owner')
  local attempt = redis.call('HINCRBY', key, 'attempt', 1)
  local max = tonumber(redis.call('HGET', key, 'max')) or 1
  if attempt >= max then
    table.insert(deadIds, id)
    table.insert(deadData, redis.call('HGET', key, 'data'))
    table.insert(deadAttempts, attempt)
    redis.call('DEL', key)
  else
    redis.call('ZADD', KEYS[2], ARGV[1], id)
    table.insert(requeued, id)
  end
end
return {requeued, deadIds, deadData, deadAttempts}
`)
)

// RedisDriver is a Driver backed by Redis. All state transitions run as Lua
// scripts, so they are atomic with respect to other workers.
type RedisDriver struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisDriver wraps a connected client. An empty prefix uses
// DefaultRedisPrefix.
func NewRedisDriver(client redis.UniversalClient, prefix string) *RedisDriver {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisDriver{client: client, prefix: prefix}
}

func (d *RedisDriver) readyKey(queue string) string  { return fmt.Sprintf("%s:%s:ready", d.prefix, queue) }
func (d *RedisDriver) activeKey(queue string) string { return fmt.Sprintf("%s:%s:active", d.prefix, queue) }
func (d *RedisDriver) jobPrefix(queue string) string { return fmt.Sprintf("%s:%s:job:", d.prefix, queue) }

func (d *RedisDriver) Push(ctx context.Context, job *schema.QueueJob) error {
	stored := *job
	stored.MaxAttempts = defaultMaxAttempts(stored.MaxAttempts)
	stored.LockOwner = ""
	stored.LockExpiresAt = nil
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	ok, err := pushScript.Run(ctx, d.client,
		[]string{d.readyKey(job.Queue), d.jobPrefix(job.Queue) + job.ID},
		string(data), stored.Attempt, stored.MaxAttempts, stored.GroupKey, stored.ReadyAt.UnixMilli(), job.ID,
	).Int()
	if err != nil {
		return fmt.Errorf("push job %s: %w", job.ID, err)
	}
	if ok == 0 {
		return schema.NewErrorf(schema.ErrCodeConflict, "job %s already queued", job.ID)
	}
	return nil
}

func (d *RedisDriver) Claim(ctx context.Context, queue, owner string, lockUntil, now time.Time, exclude []string) (*schema.QueueJob, error) {
	args := []any{now.UnixMilli(), lockUntil.UnixMilli(), owner, claimScanLimit, d.jobPrefix(queue)}
	for _, g := range exclude {
		args = append(args, g)
	}
	res, err := claimScript.Run(ctx, d.client, []string{d.readyKey(queue), d.activeKey(queue)}, args...).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim from %s: %w", queue, err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("claim from %s: unexpected reply of %d elements", queue, len(res))
	}
	data, _ := res[1].(string)
	attempt, _ := strconv.Atoi(fmt.Sprint(res[2]))
	job, err := decodeJob(data, attempt)
	if err != nil {
		return nil, err
	}
	job.LockOwner = owner
	until := lockUntil
	job.LockExpiresAt = &until
	return job, nil
}

func (d *RedisDriver) ExtendLock(ctx context.Context, queue, jobID, owner string, until time.Time) error {
	ok, err := extendScript.Run(ctx, d.client, []string{d.activeKey(queue)},
		jobID, owner, until.UnixMilli(), d.jobPrefix(queue)).Int()
	if err != nil {
		return fmt.Errorf("extend lock on %s: %w", jobID, err)
	}
	if ok == 0 {
		return lockLost(queue, jobID, owner)
	}
	return nil
}

func (d *RedisDriver) Ack(ctx context.Context, queue, jobID, owner string) error {
	ok, err := ackScript.Run(ctx, d.client, []string{d.activeKey(queue)},
		jobID, owner, d.jobPrefix(queue)).Int()
	if err != nil {
		return fmt.Errorf("ack %s: %w", jobID, err)
	}
	if ok == 0 {
		return lockLost(queue, jobID, owner)
	}
	return nil
}

func (d *RedisDriver) Nack(ctx context.Context, queue, jobID, owner string, retryAt time.Time) error {
	ok, err := nackScript.Run(ctx, d.client, []string{d.activeKey(queue), d.readyKey(queue)},
		jobID, owner, d.jobPrefix(queue), retryAt.UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("nack %s: %w", jobID, err)
	}
	if ok == 0 {
		return lockLost(queue, jobID, owner)
	}
	return nil
}

func (d *RedisDriver) ReclaimExpired(ctx context.Context, queue string, now time.Time) (*ReclaimResult, error) {
	res, err := reclaimScript.Run(ctx, d.client, []string{d.activeKey(queue), d.readyKey(queue)},
		now.UnixMilli(), d.jobPrefix(queue)).Slice()
	if err != nil {
		return nil, fmt.Errorf("reclaim %s: %w", queue, err)
	}
	if len(res) != 4 {
		return nil, fmt.Errorf("reclaim %s: unexpected reply of %d elements", queue, len(res))
	}
	out := &ReclaimResult{Requeued: stringsOf(res[0])}
	data := stringsOf(res[2])
	attempts, _ := res[3].([]any)
	for i := range data {
		attempt := 0
		if i < len(attempts) {
			if n, ok := attempts[i].(int64); ok {
				attempt = int(n)
			}
		}
		job, err := decodeJob(data[i], attempt)
		if err != nil {
			return nil, err
		}
		out.Dead = append(out.Dead, job)
	}
	return out, nil
}

func decodeJob(data string, attempt int) (*schema.QueueJob, error) {
	var job schema.QueueJob
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	job.Attempt = attempt
	return &job, nil
}

func stringsOf(v any) []string {
	items, _ := v.([]any)
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

var _ Driver = (*RedisDriver)(nil)
