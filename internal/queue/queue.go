package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultNamespace is compatibility-critical: other processes attach to the
// same queue by namespace.
const DefaultNamespace = "reachinboxScheduler"

const (
	// MaxAttempts is the task attempt budget. The first failure schedules a
	// retry after backoff(1); the third failure is final.
	MaxAttempts = 3

	// baseBackoff is the first retry delay; each further retry multiplies
	// by backoffFactor (5 s, 25 s, 125 s).
	baseBackoff   = 5 * time.Second
	backoffFactor = 5

	// completedRetention / completedCap bound the completed-task history.
	completedRetention = 24 * time.Hour
	completedCap       = 1000

	// failedRetention bounds the failed-task history.
	failedRetention = 7 * 24 * time.Hour

	// promoteBatch is how many due delayed tasks one Reserve promotes.
	promoteBatch = 100
)

// ErrEmpty is returned by Reserve when no task is ready.
var ErrEmpty = errors.New("queue: no task ready")

// ErrTaskNotFound is returned when an operation references a task whose
// record no longer exists.
var ErrTaskNotFound = errors.New("queue: task not found")

// Queue is a durable delayed task queue over Redis. Delayed tasks live in a
// sorted set scored by ready-at; due tasks are promoted to a ready list and
// reserved into an active list so a crash never loses them.
type Queue struct {
	redis *redis.Client
	ns    string

	now func() time.Time

	enqueueScript *redis.Script
	promoteScript *redis.Script
	reserveScript *redis.Script
}

// Lua script for idempotent enqueue: a task id that already has a record, or
// that sits in completed/failed retention, is a no-op.
const enqueueLuaScript = `
local taskKey = KEYS[1]
local delayed = KEYS[2]
local completed = KEYS[3]
local failed = KEYS[4]
local id = ARGV[1]

if redis.call("EXISTS", taskKey) == 1 then
    return 0
end
if redis.call("ZSCORE", completed, id) then
    return 0
end
if redis.call("ZSCORE", failed, id) then
    return 0
end

redis.call("HSET", taskKey, "type", ARGV[2], "payload", ARGV[3], "attempts", "0")
redis.call("ZADD", delayed, ARGV[4], id)
return 1
`

// Lua script promoting due delayed tasks onto the ready list.
const promoteLuaScript = `
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
for _, id in ipairs(due) do
    redis.call("ZREM", KEYS[1], id)
    redis.call("RPUSH", KEYS[2], id)
end
return #due
`

// Lua script reserving one ready task. The move to the active list and the
// reservedAt stamp land in one atomic step: a crash can never leave an active
// id whose record is unstamped. Ids without a record are dropped here.
const reserveLuaScript = `
local id = redis.call("LMOVE", KEYS[1], KEYS[2], "LEFT", "RIGHT")
if not id then
    return false
end
local taskKey = KEYS[3] .. id
if redis.call("EXISTS", taskKey) == 0 then
    redis.call("LREM", KEYS[2], 0, id)
    return ""
end
redis.call("HSET", taskKey, "reservedAt", ARGV[1])
return id
`

// New creates a queue in the given namespace. An empty namespace uses
// DefaultNamespace.
func New(redisClient *redis.Client, namespace string) *Queue {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Queue{
		redis:         redisClient,
		ns:            namespace,
		now:           time.Now,
		enqueueScript: redis.NewScript(enqueueLuaScript),
		promoteScript: redis.NewScript(promoteLuaScript),
		reserveScript: redis.NewScript(reserveLuaScript),
	}
}

func (q *Queue) delayedKey() string   { return q.ns + ":delayed" }
func (q *Queue) readyKey() string     { return q.ns + ":ready" }
func (q *Queue) activeKey() string    { return q.ns + ":active" }
func (q *Queue) completedKey() string { return q.ns + ":completed" }
func (q *Queue) failedKey() string    { return q.ns + ":failed" }
func (q *Queue) taskKey(id string) string {
	return q.ns + ":task:" + id
}

// Enqueue appends a task with the given delay. Idempotent on the task id: a
// second enqueue of the same id never creates a duplicate.
func (q *Queue) Enqueue(ctx context.Context, id string, payload TaskPayload, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding task payload: %w", err)
	}

	readyAt := q.now().Add(delay).UnixMilli()
	created, err := q.enqueueScript.Run(ctx, q.redis,
		[]string{q.taskKey(id), q.delayedKey(), q.completedKey(), q.failedKey()},
		id, TaskType, string(data), readyAt,
	).Int64()
	if err != nil {
		return fmt.Errorf("enqueueing task: %w", err)
	}

	if created == 0 {
		log.Printf("[Queue] Duplicate enqueue for %s ignored", id)
	}
	return nil
}

// Reserve yields a task whose ready-at has passed, hidden from other
// consumers while held. Returns ErrEmpty when nothing is due.
func (q *Queue) Reserve(ctx context.Context) (*Task, error) {
	now := q.now()

	_, err := q.promoteScript.Run(ctx, q.redis,
		[]string{q.delayedKey(), q.readyKey()},
		now.UnixMilli(), promoteBatch,
	).Int64()
	if err != nil {
		return nil, fmt.Errorf("promoting delayed tasks: %w", err)
	}

	id, err := q.reserveScript.Run(ctx, q.redis,
		[]string{q.readyKey(), q.activeKey(), q.ns + ":task:"},
		now.UnixMilli(),
	).Text()
	if err == redis.Nil {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("reserving task: %w", err)
	}
	if id == "" {
		// An orphaned id was dropped; nothing reservable this round.
		return nil, ErrEmpty
	}

	task, err := q.loadTask(ctx, id)
	if err != nil {
		q.redis.LRem(ctx, q.activeKey(), 0, id)
		return nil, err
	}
	return task, nil
}

func (q *Queue) loadTask(ctx context.Context, id string) (*Task, error) {
	fields, err := q.redis.HGetAll(ctx, q.taskKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("loading task %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrTaskNotFound
	}

	task := &Task{ID: id}
	if err := json.Unmarshal([]byte(fields["payload"]), &task.Payload); err != nil {
		return nil, fmt.Errorf("decoding task %s payload: %w", id, err)
	}
	task.Attempts, _ = strconv.Atoi(fields["attempts"])
	return task, nil
}

// Ack removes a finished task from durable storage, keeping its id in the
// completed retention set so replays of the same dispatch stay no-ops.
func (q *Queue) Ack(ctx context.Context, task *Task) error {
	now := q.now()

	pipe := q.redis.TxPipeline()
	pipe.LRem(ctx, q.activeKey(), 0, task.ID)
	pipe.Del(ctx, q.taskKey(task.ID))
	pipe.ZAdd(ctx, q.completedKey(), redis.Z{Score: float64(now.UnixMilli()), Member: task.ID})
	// Cap the completed history at completedCap entries.
	pipe.ZRemRangeByRank(ctx, q.completedKey(), 0, int64(-completedCap-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("acking task %s: %w", task.ID, err)
	}
	return nil
}

// Reschedule returns a task to the delayed state with a new ready-at. The
// task keeps its identity and attempt count: rescheduling is not a retry.
func (q *Queue) Reschedule(ctx context.Context, task *Task, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	readyAt := q.now().Add(delay).UnixMilli()

	pipe := q.redis.TxPipeline()
	pipe.LRem(ctx, q.activeKey(), 0, task.ID)
	pipe.HDel(ctx, q.taskKey(task.ID), "reservedAt")
	pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(readyAt), Member: task.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rescheduling task %s: %w", task.ID, err)
	}
	return nil
}

// Fail advances the attempt counter and applies the retry policy: retries
// with exponential backoff while attempts remain, otherwise the task moves
// to the failed retention set with its last error recorded.
func (q *Queue) Fail(ctx context.Context, task *Task, taskErr error) error {
	attempts, err := q.redis.HIncrBy(ctx, q.taskKey(task.ID), "attempts", 1).Result()
	if err != nil {
		return fmt.Errorf("recording attempt for %s: %w", task.ID, err)
	}
	task.Attempts = int(attempts)

	errMsg := ""
	if taskErr != nil {
		errMsg = taskErr.Error()
	}

	if attempts >= MaxAttempts {
		now := q.now()
		pipe := q.redis.TxPipeline()
		pipe.LRem(ctx, q.activeKey(), 0, task.ID)
		pipe.HSet(ctx, q.taskKey(task.ID), "error", errMsg, "failedAt", now.UnixMilli())
		pipe.HDel(ctx, q.taskKey(task.ID), "reservedAt")
		pipe.ZAdd(ctx, q.failedKey(), redis.Z{Score: float64(now.UnixMilli()), Member: task.ID})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failing task %s: %w", task.ID, err)
		}
		log.Printf("[Queue] Task %s failed permanently after %d attempts: %s", task.ID, attempts, errMsg)
		return nil
	}

	delay := Backoff(int(attempts))
	readyAt := q.now().Add(delay).UnixMilli()

	pipe := q.redis.TxPipeline()
	pipe.LRem(ctx, q.activeKey(), 0, task.ID)
	pipe.HSet(ctx, q.taskKey(task.ID), "error", errMsg)
	pipe.HDel(ctx, q.taskKey(task.ID), "reservedAt")
	pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(readyAt), Member: task.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("retrying task %s: %w", task.ID, err)
	}

	log.Printf("[Queue] Task %s attempt %d failed, retrying in %s: %s", task.ID, attempts, delay, errMsg)
	return nil
}

// Backoff returns the delay before the retry that follows the given failed
// attempt: 5 s, 25 s, 125 s.
func Backoff(attempt int) time.Duration {
	delay := baseBackoff
	for i := 1; i < attempt; i++ {
		delay *= backoffFactor
	}
	return delay
}

// Metrics returns queue depth counters.
func (q *Queue) Metrics(ctx context.Context) (Metrics, error) {
	pipe := q.redis.Pipeline()
	waiting := pipe.LLen(ctx, q.readyKey())
	active := pipe.LLen(ctx, q.activeKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	completed := pipe.ZCard(ctx, q.completedKey())
	failed := pipe.ZCard(ctx, q.failedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Metrics{}, fmt.Errorf("reading queue metrics: %w", err)
	}

	return Metrics{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// RequeueStuck returns tasks held in the active list longer than age back to
// the ready list. If a worker crashes mid-processing its reservation would
// otherwise be stuck forever; attempt counts are left untouched so recovered
// tasks keep their full retry budget.
func (q *Queue) RequeueStuck(ctx context.Context, age time.Duration) (int, error) {
	ids, err := q.redis.LRange(ctx, q.activeKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("scanning active tasks: %w", err)
	}

	cutoff := q.now().Add(-age).UnixMilli()
	requeued := 0

	for _, id := range ids {
		reservedAt, err := q.redis.HGet(ctx, q.taskKey(id), "reservedAt").Int64()
		if err == redis.Nil {
			exists, existsErr := q.redis.Exists(ctx, q.taskKey(id)).Result()
			if existsErr != nil {
				continue
			}
			if exists == 0 {
				// No record at all: orphaned id, drop it.
				q.redis.LRem(ctx, q.activeKey(), 0, id)
				continue
			}
			// A record without a stamp is a reservation that never
			// completed; reclaim it regardless of age.
			reservedAt = 0
		} else if err != nil {
			continue
		}
		if reservedAt > cutoff {
			continue
		}

		pipe := q.redis.TxPipeline()
		pipe.LRem(ctx, q.activeKey(), 0, id)
		pipe.HDel(ctx, q.taskKey(id), "reservedAt")
		pipe.RPush(ctx, q.readyKey(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			continue
		}
		requeued++
	}

	if requeued > 0 {
		log.Printf("[Queue] Requeued %d stuck tasks", requeued)
	}
	return requeued, nil
}

// Sweep applies the retention policy: completed ids older than 24 h and
// failed tasks older than 7 d are dropped, along with the failed records.
func (q *Queue) Sweep(ctx context.Context) error {
	now := q.now()

	completedCutoff := strconv.FormatInt(now.Add(-completedRetention).UnixMilli(), 10)
	if err := q.redis.ZRemRangeByScore(ctx, q.completedKey(), "-inf", completedCutoff).Err(); err != nil {
		return fmt.Errorf("sweeping completed tasks: %w", err)
	}

	failedCutoff := strconv.FormatInt(now.Add(-failedRetention).UnixMilli(), 10)
	expired, err := q.redis.ZRangeByScore(ctx, q.failedKey(), &redis.ZRangeBy{
		Min: "-inf", Max: failedCutoff,
	}).Result()
	if err != nil {
		return fmt.Errorf("sweeping failed tasks: %w", err)
	}

	for _, id := range expired {
		pipe := q.redis.TxPipeline()
		pipe.Del(ctx, q.taskKey(id))
		pipe.ZRem(ctx, q.failedKey(), id)
		pipe.Exec(ctx)
	}
	return nil
}
