package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	client *Client
	store  *RedisStore
	clock  *testClock
	mr     *miniredis.Miniredis
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := &testClock{now: time.Date(2024, 5, 2, 9, 30, 0, 0, time.UTC)}
	store := NewRedisStore(rdb, "test")
	store.now = clock.Now

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := NewClient(store, cfg, logger, nil)
	client.now = clock.Now

	return &fixture{client: client, store: store, clock: clock, mr: mr}
}

func (f *fixture) register(t *testing.T, queue string, h Handler) *registration {
	t.Helper()
	require.NoError(t, f.client.Process(queue, h))
	for _, r := range f.client.regs {
		if r.queue == queue {
			return r
		}
	}
	t.Fatalf("queue %s not registered", queue)
	return nil
}

func TestEnqueue_Dedup(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	first, err := f.client.Enqueue(ctx, "sendmail", map[string]string{"to": "a@example.org", "subject": "s"})
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Len(t, first.ID, 64)

	// same content, different key order
	second, err := f.client.Enqueue(ctx, "sendmail", json.RawMessage(`{"subject":"s","to":"a@example.org"}`))
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.ID, second.ID)

	byKey, err := f.client.Enqueue(ctx, "link-verifier", map[string]any{"recordId": "abc"}, WithJobID("link-verifier:abc_3"))
	require.NoError(t, err)
	assert.True(t, byKey.Created)

	again, err := f.client.Enqueue(ctx, "link-verifier", map[string]any{"recordId": "abc", "version": 3}, WithJobID("link-verifier:abc_3"))
	require.NoError(t, err)
	assert.False(t, again.Created)

	stats, err := f.client.Stats(ctx, "sendmail")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Waiting)

	job, err := f.client.Job(ctx, "sendmail", first.ID)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, job.State)
	assert.Equal(t, 30, job.MaxAttempts)
	assert.Equal(t, BackoffExponential, job.BackoffStrategy)
	assert.Equal(t, time.Second, job.BackoffDelay)
	assert.Equal(t, f.clock.Now(), job.CreatedAt)
}

func TestEnqueue_InvalidOptions(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.client.Enqueue(ctx, "", 1)
	assert.Error(t, err)

	_, err = f.client.Enqueue(ctx, "q", 1, WithMaxAttempts(0))
	assert.Error(t, err)

	_, err = f.client.Enqueue(ctx, "q", 1, WithBackoff("linear", time.Second))
	assert.Error(t, err)

	_, err = f.client.Enqueue(ctx, "q", func() {})
	assert.Error(t, err)
}

func TestDeriveJobID(t *testing.T) {
	a, err := DeriveJobID("q", json.RawMessage(`{"a":1,"b":[1,2]}`))
	require.NoError(t, err)
	b, err := DeriveJobID("q", json.RawMessage(` {"b":[1,2], "a":1}`))
	require.NoError(t, err)
	c, err := DeriveJobID("other", json.RawMessage(`{"a":1,"b":[1,2]}`))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	_, err = DeriveJobID("q", json.RawMessage(`{`))
	assert.Error(t, err)
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		name     string
		strategy BackoffStrategy
		attempt  int
		max      time.Duration
		expected time.Duration
	}{
		{"first retry", BackoffExponential, 1, 0, time.Second},
		{"second retry", BackoffExponential, 2, 0, 2 * time.Second},
		{"fifth retry", BackoffExponential, 5, 0, 16 * time.Second},
		{"capped", BackoffExponential, 20, time.Hour, time.Hour},
		{"overflow capped", BackoffExponential, 200, 24 * time.Hour, 24 * time.Hour},
		{"zero attempt", BackoffExponential, 0, 0, time.Second},
		{"fixed", BackoffFixed, 7, 0, time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Backoff(tt.strategy, time.Second, tt.attempt, tt.max))
		})
	}
}

func TestProcessNext_Success(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	var got struct {
		To string `json:"to"`
	}
	reg := f.register(t, "sendmail", func(ctx context.Context, job *Job) error {
		return job.Decode(&got)
	})

	h, err := f.client.Enqueue(ctx, "sendmail", map[string]string{"to": "owner@example.org"})
	require.NoError(t, err)

	handled, err := f.client.processNext(ctx, reg)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, "owner@example.org", got.To)

	job, err := f.client.Job(ctx, "sendmail", h.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, job.State)
	assert.Equal(t, 1, job.Attempts)
	assert.Empty(t, job.Token)
	assert.Equal(t, f.clock.Now(), job.FinishedAt)

	stats, err := f.client.Stats(ctx, "sendmail")
	require.NoError(t, err)
	assert.Equal(t, Stats{Completed: 1}, *stats)

	// completed ids still deduplicate
	again, err := f.client.Enqueue(ctx, "sendmail", map[string]string{"to": "owner@example.org"})
	require.NoError(t, err)
	assert.False(t, again.Created)

	handled, err = f.client.processNext(ctx, reg)
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestProcessNext_RetryAtNextBackoff(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	var calls int
	reg := f.register(t, "link-verifier", func(ctx context.Context, job *Job) error {
		calls++
		if calls == 1 {
			return Retryable(ReasonTimeout, context.DeadlineExceeded)
		}
		return nil
	})

	h, err := f.client.Enqueue(ctx, "link-verifier", map[string]string{"recordId": "abc"})
	require.NoError(t, err)

	handled, err := f.client.processNext(ctx, reg)
	require.NoError(t, err)
	require.True(t, handled)

	job, err := f.client.Job(ctx, "link-verifier", h.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRetrying, job.State)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, ReasonTimeout, job.Reason)
	assert.Contains(t, job.LastError, "deadline exceeded")
	assert.Equal(t, f.clock.Now().Add(time.Second), job.RunAt)

	// not due yet
	handled, err = f.client.processNext(ctx, reg)
	require.NoError(t, err)
	assert.False(t, handled)

	f.clock.Advance(999 * time.Millisecond)
	n, err := f.store.PromoteDue(ctx, "link-verifier")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.clock.Advance(time.Millisecond)
	n, err = f.store.PromoteDue(ctx, "link-verifier")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	handled, err = f.client.processNext(ctx, reg)
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, 2, calls)

	job, err = f.client.Job(ctx, "link-verifier", h.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, job.State)
	assert.Equal(t, 2, job.Attempts)
}

func TestProcessNext_DeadAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	var calls int
	reg := f.register(t, "link-verifier", func(ctx context.Context, job *Job) error {
		calls++
		return Retryable(ReasonNoMatch, errors.New("marker not found"))
	})

	h, err := f.client.Enqueue(ctx, "link-verifier", map[string]string{"recordId": "abc"})
	require.NoError(t, err)

	for i := 1; i <= 30; i++ {
		handled, err := f.client.processNext(ctx, reg)
		require.NoError(t, err)
		require.True(t, handled, "attempt %d", i)

		f.clock.Advance(25 * time.Hour)
		_, err = f.store.PromoteDue(ctx, "link-verifier")
		require.NoError(t, err)
	}

	job, err := f.client.Job(ctx, "link-verifier", h.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDead, job.State)
	assert.Equal(t, 30, job.Attempts)
	assert.Equal(t, ReasonNoMatch, job.Reason)

	handled, err := f.client.processNext(ctx, reg)
	require.NoError(t, err)
	assert.False(t, handled)
	assert.Equal(t, 30, calls)

	dead, err := f.client.Jobs(ctx, "link-verifier", StateDead, 0, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, h.ID, dead[0].ID)
}

func TestProcessNext_PanicIsFailure(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	reg := f.register(t, "sendmail", func(ctx context.Context, job *Job) error {
		panic("boom")
	})

	h, err := f.client.Enqueue(ctx, "sendmail", 1)
	require.NoError(t, err)

	handled, err := f.client.processNext(ctx, reg)
	require.NoError(t, err)
	require.True(t, handled)

	job, err := f.client.Job(ctx, "sendmail", h.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRetrying, job.State)
	assert.Equal(t, ReasonUnknown, job.Reason)
	assert.Contains(t, job.LastError, "panic")
}

func TestProcessNext_JobTimeout(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	require.NoError(t, f.client.Process("slow", func(ctx context.Context, job *Job) error {
		<-ctx.Done()
		return Retryable(ReasonTimeout, ctx.Err())
	}, WithJobTimeout(20*time.Millisecond)))
	reg := f.client.regs[0]

	h, err := f.client.Enqueue(ctx, "slow", 1, WithMaxAttempts(1))
	require.NoError(t, err)

	handled, err := f.client.processNext(ctx, reg)
	require.NoError(t, err)
	require.True(t, handled)

	job, err := f.client.Job(ctx, "slow", h.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDead, job.State)
	assert.Equal(t, ReasonTimeout, job.Reason)
}

func TestReclaimStale(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	retryable, err := f.client.Enqueue(ctx, "sendmail", "a")
	require.NoError(t, err)
	last, err := f.client.Enqueue(ctx, "sendmail", "b", WithMaxAttempts(1))
	require.NoError(t, err)

	first, err := f.store.Claim(ctx, "sendmail", 30*time.Second)
	require.NoError(t, err)
	second, err := f.store.Claim(ctx, "sendmail", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, retryable.ID, first.ID)
	assert.Equal(t, last.ID, second.ID)

	// leases still valid
	reclaimed, buried, err := f.store.ReclaimStale(ctx, "sendmail")
	require.NoError(t, err)
	assert.Zero(t, reclaimed)
	assert.Zero(t, buried)

	f.clock.Advance(31 * time.Second)
	reclaimed, buried, err = f.store.ReclaimStale(ctx, "sendmail")
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)
	assert.Equal(t, 1, buried)

	job, err := f.client.Job(ctx, "sendmail", retryable.ID)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, job.State)
	assert.Equal(t, ReasonStalled, job.Reason)
	assert.Empty(t, job.Token)

	job, err = f.client.Job(ctx, "sendmail", last.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDead, job.State)
	assert.Equal(t, ReasonStalled, job.Reason)

	// the stalled worker can no longer settle
	assert.ErrorIs(t, f.store.Complete(ctx, first), ErrLeaseLost)
	assert.ErrorIs(t, f.store.Extend(ctx, first, time.Minute), ErrLeaseLost)

	// a new claim takes a fresh lease and counts the attempt
	again, err := f.store.Claim(ctx, "sendmail", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, retryable.ID, again.ID)
	assert.Equal(t, 2, again.Attempts)
	assert.NotEqual(t, first.Token, again.Token)
	require.NoError(t, f.store.Complete(ctx, again))
}

func TestExtendKeepsLease(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.client.Enqueue(ctx, "sendmail", "a")
	require.NoError(t, err)
	job, err := f.store.Claim(ctx, "sendmail", 30*time.Second)
	require.NoError(t, err)

	f.clock.Advance(20 * time.Second)
	require.NoError(t, f.store.Extend(ctx, job, 30*time.Second))

	f.clock.Advance(20 * time.Second)
	reclaimed, buried, err := f.store.ReclaimStale(ctx, "sendmail")
	require.NoError(t, err)
	assert.Zero(t, reclaimed+buried)
}

func TestProcessNext_HeartbeatDoesNotLoseSettlement(t *testing.T) {
	f := newFixture(t, Config{LeaseDuration: 3 * time.Millisecond})
	ctx := context.Background()

	var handled atomic.Int64
	reg := f.register(t, "sendmail", func(ctx context.Context, job *Job) error {
		// long enough for several lease extensions
		time.Sleep(2 * time.Millisecond)
		if handled.Add(1)%5 == 0 {
			return errors.New("smtp unavailable")
		}
		return nil
	})

	const total = 60
	for i := 0; i < total; i++ {
		_, err := f.client.Enqueue(ctx, "sendmail", map[string]int{"n": i})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				ok, err := f.client.processNext(ctx, reg)
				assert.NoError(t, err)
				if !ok {
					return
				}
			}
		}()
	}
	wg.Wait()

	stats, err := f.client.Stats(ctx, "sendmail")
	require.NoError(t, err)
	assert.Equal(t, int64(total), handled.Load())
	assert.Zero(t, stats.Active)
	assert.Zero(t, stats.Waiting)
	assert.Equal(t, int64(total), stats.Completed+stats.Retrying)
	assert.Equal(t, int64(total/5), stats.Retrying)
}

func TestNewRedisStore_KeyLayout(t *testing.T) {
	tests := []struct {
		name    string
		prefix  string
		wantKey string
	}{
		{"configured prefix", "forms", "{forms:sendmail}:wait"},
		{"default prefix", "", "{node-events:sendmail}:wait"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mr := miniredis.RunT(t)
			rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = rdb.Close() })

			store := NewRedisStore(rdb, tt.prefix)
			created, err := store.Add(context.Background(), &Job{ID: "j1", Queue: "sendmail", Payload: []byte(`{}`), MaxAttempts: 1})
			require.NoError(t, err)
			require.True(t, created)

			assert.True(t, mr.Exists(tt.wantKey))
			assert.True(t, mr.Exists(strings.TrimSuffix(tt.wantKey, "wait")+"job:j1"))
		})
	}
}

func TestRetryDeadJob(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	reg := f.register(t, "sendmail", func(ctx context.Context, job *Job) error {
		return Retryable(ReasonTransport, errors.New("smtp down"))
	})

	h, err := f.client.Enqueue(ctx, "sendmail", "a", WithMaxAttempts(1))
	require.NoError(t, err)

	assert.ErrorIs(t, f.client.Retry(ctx, "sendmail", h.ID), ErrJobNotDead)
	assert.ErrorIs(t, f.client.Retry(ctx, "sendmail", "missing"), ErrJobNotFound)

	_, err = f.client.processNext(ctx, reg)
	require.NoError(t, err)

	require.NoError(t, f.client.Retry(ctx, "sendmail", h.ID))

	job, err := f.client.Job(ctx, "sendmail", h.ID)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, job.State)
	assert.Zero(t, job.Attempts)
	assert.Equal(t, "transport-error: smtp down", job.LastError)

	stats, err := f.client.Stats(ctx, "sendmail")
	require.NoError(t, err)
	assert.Equal(t, Stats{Waiting: 1}, *stats)
}

func TestPruneCompleted(t *testing.T) {
	f := newFixture(t, Config{CompletedRetention: 24 * time.Hour})
	ctx := context.Background()

	reg := f.register(t, "sendmail", func(ctx context.Context, job *Job) error { return nil })

	h, err := f.client.Enqueue(ctx, "sendmail", "a")
	require.NoError(t, err)
	_, err = f.client.processNext(ctx, reg)
	require.NoError(t, err)

	f.clock.Advance(23 * time.Hour)
	f.client.pruneCompleted(ctx)
	_, err = f.client.Job(ctx, "sendmail", h.ID)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	f.client.pruneCompleted(ctx)
	_, err = f.client.Job(ctx, "sendmail", h.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)

	again, err := f.client.Enqueue(ctx, "sendmail", "a")
	require.NoError(t, err)
	assert.True(t, again.Created)
}

func TestJobs_Pagination(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	for _, p := range []string{"a", "b", "c"} {
		_, err := f.client.Enqueue(ctx, "sendmail", p)
		require.NoError(t, err)
	}

	page, err := f.client.Jobs(ctx, "sendmail", StateWaiting, 0, 2)
	require.NoError(t, err)
	assert.Len(t, page, 2)

	rest, err := f.client.Jobs(ctx, "sendmail", StateWaiting, 2, 2)
	require.NoError(t, err)
	assert.Len(t, rest, 1)

	empty, err := f.client.Jobs(ctx, "sendmail", StateDead, 0, 2)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = f.client.Jobs(ctx, "sendmail", "bogus", 0, 2)
	assert.Error(t, err)
}

func TestParseState(t *testing.T) {
	for _, s := range States {
		got, err := ParseState(string(s))
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseState("failed")
	assert.Error(t, err)
}

func TestReasonOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Reason
	}{
		{"tagged", Retryable(ReasonConflict, errors.New("x")), ReasonConflict},
		{"wrapped", errors.Join(errors.New("ctx"), Retryable(ReasonContract, errors.New("x"))), ReasonContract},
		{"untagged", errors.New("x"), ReasonUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ReasonOf(tt.err))
		})
	}
}

func TestProcess_Registration(t *testing.T) {
	f := newFixture(t, Config{})
	noop := func(ctx context.Context, job *Job) error { return nil }

	require.NoError(t, f.client.Process("a", noop, WithConcurrency(3)))
	assert.Error(t, f.client.Process("a", noop))
	assert.Equal(t, 3, f.client.regs[0].concurrency)

	require.NoError(t, f.client.Start(context.Background()))
	defer f.client.Stop()

	assert.ErrorIs(t, f.client.Process("b", noop), ErrQueueStarted)
	assert.ErrorIs(t, f.client.Start(context.Background()), ErrQueueStarted)
	assert.Equal(t, []string{"a"}, f.client.Queues())
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, Config{PollInterval: 10 * time.Millisecond})
	f.store.now = time.Now
	f.client.now = time.Now
	ctx := context.Background()

	var handled atomic.Int32
	require.NoError(t, f.client.Process("sendmail", func(ctx context.Context, job *Job) error {
		handled.Add(1)
		return nil
	}, WithConcurrency(2)))

	require.NoError(t, f.client.Start(ctx))

	for _, p := range []string{"a", "b", "c"} {
		_, err := f.client.Enqueue(ctx, "sendmail", p)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		stats, err := f.client.Stats(ctx, "sendmail")
		return err == nil && stats.Completed == 3
	}, 5*time.Second, 10*time.Millisecond)

	f.client.Stop()
	assert.Equal(t, int32(3), handled.Load())

	// stopping twice is harmless
	f.client.Stop()
}
