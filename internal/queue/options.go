package queue

import "time"

// DefaultPrefix namespaces the Redis keys when no prefix is configured
const DefaultPrefix = "node-events"

// Config tunes the client and its maintenance
type Config struct {
	// Prefix namespaces every Redis key
	Prefix             string
	MaxAttempts        int
	Backoff            time.Duration
	MaxBackoff         time.Duration
	LeaseDuration      time.Duration
	PollInterval       time.Duration
	JobTimeout         time.Duration
	PromoteInterval    time.Duration
	ReclaimInterval    time.Duration
	PruneInterval      time.Duration
	CompletedRetention time.Duration
	SettleTimeout      time.Duration
}

func (c *Config) applyDefaults() {
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 30
	}
	if c.Backoff <= 0 {
		c.Backoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 24 * time.Hour
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 2 * time.Minute
	}
	if c.PromoteInterval <= 0 {
		c.PromoteInterval = time.Second
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = 15 * time.Second
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = time.Hour
	}
	if c.CompletedRetention <= 0 {
		c.CompletedRetention = 7 * 24 * time.Hour
	}
	if c.SettleTimeout <= 0 {
		c.SettleTimeout = 5 * time.Second
	}
}

type enqueueOptions struct {
	jobID       string
	maxAttempts int
	strategy    BackoffStrategy
	delay       time.Duration
}

// EnqueueOption customizes a single Enqueue call
type EnqueueOption func(*enqueueOptions)

// WithJobID sets the deduplication id instead of deriving it from the payload
func WithJobID(id string) EnqueueOption {
	return func(o *enqueueOptions) { o.jobID = id }
}

// WithMaxAttempts bounds the number of deliveries
func WithMaxAttempts(n int) EnqueueOption {
	return func(o *enqueueOptions) { o.maxAttempts = n }
}

// WithBackoff sets the retry schedule
func WithBackoff(strategy BackoffStrategy, delay time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		o.strategy = strategy
		o.delay = delay
	}
}

type processOptions struct {
	concurrency int
	timeout     time.Duration
}

// ProcessOption customizes a handler registration
type ProcessOption func(*processOptions)

// WithConcurrency sets how many jobs of the queue run at once
func WithConcurrency(n int) ProcessOption {
	return func(o *processOptions) { o.concurrency = n }
}

// WithJobTimeout bounds a single handler invocation
func WithJobTimeout(d time.Duration) ProcessOption {
	return func(o *processOptions) { o.timeout = d }
}
