package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/node-events/internal/queue"
)

type recordingProcessor struct {
	mu   sync.Mutex
	jobs []string
	err  error
}

func (p *recordingProcessor) Handle(_ context.Context, job *queue.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, job.ID)
	return p.err
}

func (p *recordingProcessor) handled() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.jobs...)
}

// enqueueBridge stands in for the broadcast bridge: it enqueues one job and
// blocks until ctx is canceled
type enqueueBridge struct {
	queue   *queue.Client
	err     error
	channel string
}

func (b *enqueueBridge) Start(ctx context.Context, channel string) error {
	b.channel = channel
	if b.err != nil {
		return b.err
	}
	if _, err := b.queue.Enqueue(ctx, "sendmail", map[string]string{"to": "a@example.org"}, queue.WithJobID("declaration-published:abc_3")); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func newQueue(t *testing.T) *queue.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return queue.NewClient(queue.NewRedisStore(rdb, "test"), queue.Config{PollInterval: 10 * time.Millisecond}, logger, nil)
}

func TestWorker_ProcessesBridgedJobs(t *testing.T) {
	q := newQueue(t)
	proc := &recordingProcessor{}
	bridge := &enqueueBridge{queue: q}

	w := NewWorker(&Config{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Queue:   q,
		Bridge:  bridge,
		Channel: "events-node",
		Processors: []Registration{
			{Queue: "sendmail", Processor: proc, Concurrency: 2},
			{Queue: "link-verifier", Processor: &recordingProcessor{}, Concurrency: 1, JobTimeout: time.Second},
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	require.Eventually(t, func() bool {
		return len(proc.handled()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	w.Stop()

	assert.Equal(t, "events-node", bridge.channel)
	assert.Equal(t, []string{"declaration-published:abc_3"}, proc.handled())
	assert.ElementsMatch(t, []string{"sendmail", "link-verifier"}, q.Queues())

	require.Eventually(t, func() bool {
		stats, err := q.Stats(context.Background(), "sendmail")
		return err == nil && stats.Completed == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWorker_StartErrors(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tests := []struct {
		name       string
		processors []Registration
		bridgeErr  error
		wantErr    string
	}{
		{
			name:    "no processors",
			wantErr: "no processors",
		},
		{
			name: "duplicate queue",
			processors: []Registration{
				{Queue: "sendmail", Processor: &recordingProcessor{}},
				{Queue: "sendmail", Processor: &recordingProcessor{}},
			},
			wantErr: "already registered",
		},
		{
			name:       "bridge failure",
			processors: []Registration{{Queue: "sendmail", Processor: &recordingProcessor{}}},
			bridgeErr:  errors.New("subscribe refused"),
			wantErr:    "subscribe refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newQueue(t)
			w := NewWorker(&Config{
				Logger:     logger,
				Queue:      q,
				Bridge:     &enqueueBridge{queue: q, err: tt.bridgeErr},
				Channel:    "events-node",
				Processors: tt.processors,
			})
			defer w.Stop()

			err := w.Start(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestStatusRouter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tests := []struct {
		name       string
		checks     map[string]HealthCheck
		wantStatus int
		wantState  string
	}{
		{
			name: "all healthy",
			checks: map[string]HealthCheck{
				"redis":    func(context.Context) error { return nil },
				"database": func(context.Context) error { return nil },
			},
			wantStatus: http.StatusOK,
			wantState:  "healthy",
		},
		{
			name: "database down",
			checks: map[string]HealthCheck{
				"redis":    func(context.Context) error { return nil },
				"database": func(context.Context) error { return errors.New("connection refused") },
			},
			wantStatus: http.StatusServiceUnavailable,
			wantState:  "unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewStatusRouter(logger, prometheus.NewRegistry(), tt.checks)

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
			assert.Equal(t, tt.wantStatus, w.Code)

			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.wantState, body["status"])
		})
	}

	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	w := httptest.NewRecorder()
	NewStatusRouter(logger, reg, nil).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "test_total 1")
}
