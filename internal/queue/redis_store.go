package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// claimScript pops the oldest waiting id into the active list and takes the
// lease in one step. Ids whose hash is gone are dropped.
//
// KEYS[1] wait list, KEYS[2] active list
// ARGV[1] job key prefix, ARGV[2] token, ARGV[3] lease deadline ms, ARGV[4] now ms
var claimScript = redis.NewScript(`
while true do
	local id = redis.call('RPOPLPUSH', KEYS[1], KEYS[2])
	if not id then
		return false
	end
	local key = ARGV[1] .. id
	if redis.call('EXISTS', key) == 1 then
		redis.call('HINCRBY', key, 'attempts', 1)
		redis.call('HSET', key, 'state', 'active', 'token', ARGV[2], 'lease_until', ARGV[3], 'updated_at', ARGV[4])
		return id
	end
	redis.call('LREM', KEYS[2], 1, id)
end
`)

// RedisStore keeps every job in a hash and indexes it by state:
//
//	{<prefix>:<queue>}:wait       list, LPUSH in, RPOPLPUSH out
//	{<prefix>:<queue>}:active     list of claimed ids
//	{<prefix>:<queue>}:retry      zset scored by run_at
//	{<prefix>:<queue>}:completed  zset scored by finished_at
//	{<prefix>:<queue>}:dead       zset scored by finished_at
//	{<prefix>:<queue>}:job:<id>   hash
//
// The hash tag keeps all keys of a queue in one cluster slot, which the
// claim script and the settle transactions rely on.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a store on rdb with keys under prefix
func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisStore{
		rdb:    rdb,
		prefix: prefix,
		now:    time.Now,
	}
}

func (s *RedisStore) key(queue, part string) string {
	return "{" + s.prefix + ":" + queue + "}:" + part
}

func (s *RedisStore) jobKey(queue, id string) string {
	return s.key(queue, "job:"+id)
}

func (s *RedisStore) stateKey(queue string, state State) string {
	switch state {
	case StateWaiting:
		return s.key(queue, "wait")
	case StateRetrying:
		return s.key(queue, "retry")
	default:
		return s.key(queue, string(state))
	}
}

// Add implements Store
func (s *RedisStore) Add(ctx context.Context, job *Job) (bool, error) {
	key := s.jobKey(job.Queue, job.ID)
	created := false

	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return nil
		}

		now := s.now()
		job.State = StateWaiting
		job.CreatedAt = now
		job.UpdatedAt = now

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, jobToMap(job))
			pipe.LPush(ctx, s.stateKey(job.Queue, StateWaiting), job.ID)
			return nil
		})
		if err == nil {
			created = true
		}
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		// a concurrent Add of the same id won
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to add job %s: %w", job.ID, err)
	}
	return created, nil
}

// Claim implements Store
func (s *RedisStore) Claim(ctx context.Context, queue string, lease time.Duration) (*Job, error) {
	now := s.now()
	token := uuid.NewString()

	id, err := claimScript.Run(ctx, s.rdb,
		[]string{s.stateKey(queue, StateWaiting), s.stateKey(queue, StateActive)},
		s.key(queue, "job:"), token, msOf(now.Add(lease)), msOf(now),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job from %s: %w", queue, err)
	}

	return s.Get(ctx, queue, id)
}

// settleAttempts bounds the optimistic retries of one settlement
const settleAttempts = 10

// settle runs fn atomically if job still holds its lease. A transaction
// aborted by a concurrent write is retried; ErrLeaseLost is returned only
// once the stored token or state no longer match.
func (s *RedisStore) settle(ctx context.Context, job *Job, fn func(pipe redis.Pipeliner, now time.Time)) error {
	key := s.jobKey(job.Queue, job.ID)

	for attempt := 0; attempt < settleAttempts; attempt++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			vals, err := tx.HMGet(ctx, key, "token", "state").Result()
			if err != nil {
				return err
			}
			token, _ := vals[0].(string)
			state, _ := vals[1].(string)
			if token == "" || token != job.Token || State(state) != StateActive {
				return ErrLeaseLost
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				fn(pipe, s.now())
				return nil
			})
			return err
		}, key)

		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("job %s kept changing during settlement: %w", job.ID, redis.TxFailedErr)
}

// Extend implements Store
func (s *RedisStore) Extend(ctx context.Context, job *Job, lease time.Duration) error {
	return s.settle(ctx, job, func(pipe redis.Pipeliner, now time.Time) {
		job.LeaseUntil = now.Add(lease)
		pipe.HSet(ctx, s.jobKey(job.Queue, job.ID), "lease_until", msOf(job.LeaseUntil))
	})
}

// Complete implements Store
func (s *RedisStore) Complete(ctx context.Context, job *Job) error {
	err := s.settle(ctx, job, func(pipe redis.Pipeliner, now time.Time) {
		pipe.LRem(ctx, s.stateKey(job.Queue, StateActive), 1, job.ID)
		pipe.HSet(ctx, s.jobKey(job.Queue, job.ID),
			"state", string(StateCompleted),
			"finished_at", msOf(now),
			"updated_at", msOf(now),
			"token", "",
			"lease_until", 0,
		)
		pipe.ZAdd(ctx, s.stateKey(job.Queue, StateCompleted), redis.Z{Score: float64(msOf(now)), Member: job.ID})
	})
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", job.ID, err)
	}
	job.State = StateCompleted
	return nil
}

// Retry implements Store
func (s *RedisStore) Retry(ctx context.Context, job *Job, runAt time.Time, reason Reason, lastErr string) error {
	err := s.settle(ctx, job, func(pipe redis.Pipeliner, now time.Time) {
		pipe.LRem(ctx, s.stateKey(job.Queue, StateActive), 1, job.ID)
		pipe.HSet(ctx, s.jobKey(job.Queue, job.ID),
			"state", string(StateRetrying),
			"run_at", msOf(runAt),
			"updated_at", msOf(now),
			"last_error", lastErr,
			"reason", string(reason),
			"token", "",
			"lease_until", 0,
		)
		pipe.ZAdd(ctx, s.stateKey(job.Queue, StateRetrying), redis.Z{Score: float64(msOf(runAt)), Member: job.ID})
	})
	if err != nil {
		return fmt.Errorf("failed to schedule retry of job %s: %w", job.ID, err)
	}
	job.State = StateRetrying
	job.RunAt = runAt
	return nil
}

// Bury implements Store
func (s *RedisStore) Bury(ctx context.Context, job *Job, reason Reason, lastErr string) error {
	err := s.settle(ctx, job, func(pipe redis.Pipeliner, now time.Time) {
		s.bury(ctx, pipe, job.Queue, job.ID, now, reason, lastErr)
	})
	if err != nil {
		return fmt.Errorf("failed to bury job %s: %w", job.ID, err)
	}
	job.State = StateDead
	return nil
}

func (s *RedisStore) bury(ctx context.Context, pipe redis.Pipeliner, queue, id string, now time.Time, reason Reason, lastErr string) {
	pipe.LRem(ctx, s.stateKey(queue, StateActive), 1, id)
	pipe.HSet(ctx, s.jobKey(queue, id),
		"state", string(StateDead),
		"finished_at", msOf(now),
		"updated_at", msOf(now),
		"last_error", lastErr,
		"reason", string(reason),
		"token", "",
		"lease_until", 0,
	)
	pipe.ZAdd(ctx, s.stateKey(queue, StateDead), redis.Z{Score: float64(msOf(now)), Member: id})
}

// PromoteDue implements Store
func (s *RedisStore) PromoteDue(ctx context.Context, queue string) (int, error) {
	retryKey := s.stateKey(queue, StateRetrying)

	ids, err := s.rdb.ZRangeByScore(ctx, retryKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(msOf(s.now()), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list due jobs of %s: %w", queue, err)
	}

	promoted := 0
	for _, id := range ids {
		key := s.jobKey(queue, id)
		moved := false

		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			state, err := tx.HGet(ctx, key, "state").Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if State(state) != StateRetrying {
				// stale index entry
				return tx.ZRem(ctx, retryKey, id).Err()
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.ZRem(ctx, retryKey, id)
				pipe.LPush(ctx, s.stateKey(queue, StateWaiting), id)
				pipe.HSet(ctx, key, "state", string(StateWaiting), "updated_at", msOf(s.now()))
				return nil
			})
			moved = err == nil
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return promoted, fmt.Errorf("failed to promote job %s: %w", id, err)
		}
		if moved {
			promoted++
		}
	}
	return promoted, nil
}

// ReclaimStale implements Store
func (s *RedisStore) ReclaimStale(ctx context.Context, queue string) (int, int, error) {
	activeKey := s.stateKey(queue, StateActive)

	ids, err := s.rdb.LRange(ctx, activeKey, 0, -1).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list active jobs of %s: %w", queue, err)
	}

	reclaimed, buried := 0, 0
	for _, id := range ids {
		key := s.jobKey(queue, id)
		var outcome State

		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			vals, err := tx.HMGet(ctx, key, "state", "lease_until", "attempts", "max_attempts").Result()
			if err != nil {
				return err
			}
			if vals[0] == nil {
				return tx.LRem(ctx, activeKey, 1, id).Err()
			}

			now := s.now()
			state, _ := vals[0].(string)
			if State(state) != StateActive || parseInt(vals[1]) >= msOf(now) {
				return nil
			}

			attempts, maxAttempts := parseInt(vals[2]), parseInt(vals[3])
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if attempts >= maxAttempts {
					s.bury(ctx, pipe, queue, id, now, ReasonStalled, "lease expired before the job was settled")
					outcome = StateDead
					return nil
				}
				pipe.LRem(ctx, activeKey, 1, id)
				// oldest end, so the job is claimed next
				pipe.RPush(ctx, s.stateKey(queue, StateWaiting), id)
				pipe.HSet(ctx, key,
					"state", string(StateWaiting),
					"updated_at", msOf(now),
					"reason", string(ReasonStalled),
					"token", "",
					"lease_until", 0,
				)
				outcome = StateWaiting
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return reclaimed, buried, fmt.Errorf("failed to reclaim job %s: %w", id, err)
		}

		switch outcome {
		case StateWaiting:
			reclaimed++
		case StateDead:
			buried++
		}
	}
	return reclaimed, buried, nil
}

// PruneCompleted implements Store
func (s *RedisStore) PruneCompleted(ctx context.Context, queue string, cutoff time.Time) (int, error) {
	completedKey := s.stateKey(queue, StateCompleted)

	ids, err := s.rdb.ZRangeByScore(ctx, completedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(msOf(cutoff), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list completed jobs of %s: %w", queue, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.Del(ctx, s.jobKey(queue, id))
			pipe.ZRem(ctx, completedKey, id)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune completed jobs of %s: %w", queue, err)
	}
	return len(ids), nil
}

// Requeue implements Store
func (s *RedisStore) Requeue(ctx context.Context, queue, id string) error {
	key := s.jobKey(queue, id)

	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		state, err := tx.HGet(ctx, key, "state").Result()
		if errors.Is(err, redis.Nil) {
			return ErrJobNotFound
		}
		if err != nil {
			return err
		}
		if State(state) != StateDead {
			return ErrJobNotDead
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, s.stateKey(queue, StateDead), id)
			pipe.LPush(ctx, s.stateKey(queue, StateWaiting), id)
			pipe.HSet(ctx, key,
				"state", string(StateWaiting),
				"attempts", 0,
				"updated_at", msOf(s.now()),
				"finished_at", 0,
				"reason", "",
			)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("failed to requeue job %s: concurrent update", id)
	}
	if err != nil {
		return fmt.Errorf("failed to requeue job %s: %w", id, err)
	}
	return nil
}

// Get implements Store
func (s *RedisStore) Get(ctx context.Context, queue, id string) (*Job, error) {
	vals, err := s.rdb.HGetAll(ctx, s.jobKey(queue, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	if len(vals) == 0 {
		return nil, ErrJobNotFound
	}
	return mapToJob(vals), nil
}

// List implements Store. Waiting and active jobs are listed newest first,
// retrying jobs by due time, completed and dead jobs most recent first.
func (s *RedisStore) List(ctx context.Context, queue string, state State, offset, limit int64) ([]*Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	start, stop := offset, offset+limit-1
	key := s.stateKey(queue, state)

	var ids []string
	var err error
	switch state {
	case StateWaiting, StateActive:
		ids, err = s.rdb.LRange(ctx, key, start, stop).Result()
	case StateRetrying:
		ids, err = s.rdb.ZRange(ctx, key, start, stop).Result()
	case StateCompleted, StateDead:
		ids, err = s.rdb.ZRevRange(ctx, key, start, stop).Result()
	default:
		return nil, fmt.Errorf("unknown job state %q", state)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s jobs of %s: %w", state, queue, err)
	}
	if len(ids) == 0 {
		return []*Job{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.jobKey(queue, id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load %s jobs of %s: %w", state, queue, err)
	}

	jobs := make([]*Job, 0, len(ids))
	for _, cmd := range cmds {
		if vals := cmd.Val(); len(vals) > 0 {
			jobs = append(jobs, mapToJob(vals))
		}
	}
	return jobs, nil
}

// Counts implements Store
func (s *RedisStore) Counts(ctx context.Context, queue string) (*Stats, error) {
	var waiting, active, retrying, completed, dead *redis.IntCmd

	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		waiting = pipe.LLen(ctx, s.stateKey(queue, StateWaiting))
		active = pipe.LLen(ctx, s.stateKey(queue, StateActive))
		retrying = pipe.ZCard(ctx, s.stateKey(queue, StateRetrying))
		completed = pipe.ZCard(ctx, s.stateKey(queue, StateCompleted))
		dead = pipe.ZCard(ctx, s.stateKey(queue, StateDead))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs of %s: %w", queue, err)
	}

	return &Stats{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Retrying:  retrying.Val(),
		Completed: completed.Val(),
		Dead:      dead.Val(),
	}, nil
}

func jobToMap(j *Job) map[string]interface{} {
	return map[string]interface{}{
		"id":               j.ID,
		"queue":            j.Queue,
		"payload":          string(j.Payload),
		"state":            string(j.State),
		"attempts":         j.Attempts,
		"max_attempts":     j.MaxAttempts,
		"backoff_strategy": string(j.BackoffStrategy),
		"backoff_ms":       j.BackoffDelay.Milliseconds(),
		"created_at":       msOf(j.CreatedAt),
		"updated_at":       msOf(j.UpdatedAt),
		"run_at":           msOf(j.RunAt),
		"finished_at":      msOf(j.FinishedAt),
		"lease_until":      msOf(j.LeaseUntil),
		"token":            j.Token,
		"last_error":       j.LastError,
		"reason":           string(j.Reason),
	}
}

func mapToJob(m map[string]string) *Job {
	attempts, _ := strconv.Atoi(m["attempts"])
	maxAttempts, _ := strconv.Atoi(m["max_attempts"])
	backoffMS, _ := strconv.ParseInt(m["backoff_ms"], 10, 64)

	return &Job{
		ID:              m["id"],
		Queue:           m["queue"],
		Payload:         []byte(m["payload"]),
		State:           State(m["state"]),
		Attempts:        attempts,
		MaxAttempts:     maxAttempts,
		BackoffStrategy: BackoffStrategy(m["backoff_strategy"]),
		BackoffDelay:    time.Duration(backoffMS) * time.Millisecond,
		CreatedAt:       parseMS(m["created_at"]),
		UpdatedAt:       parseMS(m["updated_at"]),
		RunAt:           parseMS(m["run_at"]),
		FinishedAt:      parseMS(m["finished_at"]),
		LeaseUntil:      parseMS(m["lease_until"]),
		LastError:       m["last_error"],
		Reason:          Reason(m["reason"]),
		Token:           m["token"],
	}
}

// msOf stores zero times as 0
func msOf(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func parseMS(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func parseInt(v interface{}) int64 {
	s, _ := v.(string)
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
