package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cuongbtq/node-events/shared/broadcast"
)

// Config holds Redis connection configuration
type Config struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Client wraps a go-redis client. It backs the job queue store and the
// change-event broadcast channel.
type Client struct {
	rdb    *redis.Client
	config *Config
	logger *slog.Logger
}

// NewClient creates a new Redis client and verifies the connection
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	logger.Info("Connecting to Redis",
		slog.String("addr", config.Addr),
		slog.Int("db", config.DB),
	)

	rdb := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Username:     config.Username,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("Failed to ping Redis",
			slog.Any("error", err),
		)
		rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	logger.Info("Successfully connected to Redis",
		slog.Int("pool_size", config.PoolSize),
	)

	return NewFromClient(rdb, config, logger), nil
}

// NewFromClient wraps an existing go-redis client
func NewFromClient(rdb *redis.Client, config *Config, logger *slog.Logger) *Client {
	return &Client{rdb: rdb, config: config, logger: logger}
}

// GetClient returns the underlying go-redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection pool
func (c *Client) Close() error {
	c.logger.Info("Closing Redis connection")

	if err := c.rdb.Close(); err != nil {
		c.logger.Error("Failed to close Redis connection",
			slog.Any("error", err),
		)
		return err
	}

	c.logger.Info("Redis connection closed successfully")
	return nil
}

// HealthCheck pings Redis with a short timeout
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Publish sends payload to every current subscriber of channel
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	receivers, err := c.rdb.Publish(ctx, channel, payload).Result()
	if err != nil {
		return fmt.Errorf("failed to publish on %s: %w", channel, err)
	}

	c.logger.Debug("Event published",
		slog.String("channel", channel),
		slog.Int64("receivers", receivers),
		slog.Int("body_size", len(payload)),
	)
	return nil
}

// Subscribe opens a subscription on channel. It returns only after Redis has
// confirmed the subscription.
func (c *Client) Subscribe(ctx context.Context, channel string) (broadcast.Subscription, error) {
	ps := c.rdb.Subscribe(ctx, channel)

	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	sub := &subscription{
		ps:       ps,
		messages: make(chan broadcast.Message),
		done:     make(chan struct{}),
	}
	go sub.forward()

	c.logger.Info("Subscribed to channel",
		slog.String("channel", channel),
	)

	return sub, nil
}

type subscription struct {
	ps       *redis.PubSub
	messages chan broadcast.Message
	done     chan struct{}
	once     sync.Once
}

func (s *subscription) forward() {
	defer close(s.messages)

	for msg := range s.ps.Channel() {
		select {
		case s.messages <- broadcast.Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
		case <-s.done:
			return
		}
	}
}

func (s *subscription) Messages() <-chan broadcast.Message {
	return s.messages
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
