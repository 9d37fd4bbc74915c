package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis Streams broker settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// BlockTimeout is how long a consumer blocks waiting for new entries
	// before re-checking for cancellation and stale deliveries.
	BlockTimeout time.Duration

	// ClaimMinIdle is how long an entry may sit pending on a dead consumer
	// before another consumer in the group adopts it.
	ClaimMinIdle time.Duration

	// ReadCount caps entries fetched per poll.
	ReadCount int64
}

// DefaultRedisConfig returns production defaults.
func DefaultRedisConfig(addr string) RedisConfig {
	return RedisConfig{
		Addr:         addr,
		BlockTimeout: 2 * time.Second,
		ClaimMinIdle: 60 * time.Second,
		ReadCount:    16,
	}
}

// RedisBroker implements Broker on Redis Streams with consumer groups.
//
// Each topic is one stream. Messages carry their key and value as entry
// fields. Entries are acknowledged only after the handler returns nil;
// unacked entries stay in the group's pending list and, once idle for
// ClaimMinIdle, are redelivered via XAUTOCLAIM to whichever consumer in
// the group claims them first (possibly the same one). The platform's
// idempotency ledger makes that redelivery safe.
type RedisBroker struct {
	client   *redis.Client
	cfg      RedisConfig
	consumer string
	log      *slog.Logger
}

// NewRedisBroker connects to Redis and verifies the connection.
func NewRedisBroker(ctx context.Context, cfg RedisConfig) (*RedisBroker, error) {
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 2 * time.Second
	}
	if cfg.ClaimMinIdle <= 0 {
		cfg.ClaimMinIdle = 60 * time.Second
	}
	if cfg.ReadCount <= 0 {
		cfg.ReadCount = 16
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr, err)
	}

	return &RedisBroker{
		client:   client,
		cfg:      cfg,
		consumer: "consumer-" + uuid.NewString()[:8],
		log:      slog.Default().With("component", "redis-broker"),
	}, nil
}

// NewRedisBrokerFromClient wraps an existing client (useful for testing).
func NewRedisBrokerFromClient(client *redis.Client, cfg RedisConfig) *RedisBroker {
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 100 * time.Millisecond
	}
	if cfg.ClaimMinIdle <= 0 {
		cfg.ClaimMinIdle = 60 * time.Second
	}
	if cfg.ReadCount <= 0 {
		cfg.ReadCount = 16
	}
	return &RedisBroker{
		client:   client,
		cfg:      cfg,
		consumer: "consumer-" + uuid.NewString()[:8],
		log:      slog.Default().With("component", "redis-broker"),
	}
}

// Publish appends a keyed message to the topic stream.
func (b *RedisBroker) Publish(ctx context.Context, topic, key string, value []byte) error {
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamName(topic),
		Values: map[string]any{"key": key, "value": value},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe joins the consumer group on every topic and polls until ctx
// is cancelled. Each delivered entry is passed to handler; entries are
// acked on success and left pending on failure.
func (b *RedisBroker) Subscribe(ctx context.Context, topics []string, group string, handler Handler) error {
	if len(topics) == 0 {
		return errors.New("subscribe requires at least one topic")
	}

	streams := make([]string, 0, len(topics))
	for _, topic := range topics {
		stream := streamName(topic)
		if err := b.ensureGroup(ctx, stream, group); err != nil {
			return err
		}
		streams = append(streams, stream)
	}

	log := b.log.With("group", group, "consumer", b.consumer)
	log.Info("Subscribed", "topics", topics)

	for {
		select {
		case <-ctx.Done():
			log.Info("Subscription cancelled")
			return ctx.Err()
		default:
		}

		// Adopt entries stranded on dead consumers before reading new ones.
		for _, stream := range streams {
			b.claimStale(ctx, stream, group, handler)
		}

		if err := b.readBatch(ctx, streams, group, handler); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			log.Error("Poll failed, backing off", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
	}
}

// Health pings the Redis connection.
func (b *RedisBroker) Health(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("broker unhealthy: %w", err)
	}
	return nil
}

// Close releases the underlying connection.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}

func (b *RedisBroker) ensureGroup(ctx context.Context, stream, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	return nil
}

func (b *RedisBroker) readBatch(ctx context.Context, streams []string, group string, handler Handler) error {
	args := make([]string, 0, len(streams)*2)
	args = append(args, streams...)
	for range streams {
		args = append(args, ">")
	}

	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: b.consumer,
		Streams:  args,
		Count:    b.cfg.ReadCount,
		Block:    b.cfg.BlockTimeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil // nothing available within the block window
		}
		return err
	}

	for _, stream := range res {
		for _, entry := range stream.Messages {
			b.deliver(ctx, stream.Stream, group, entry, handler)
		}
	}
	return nil
}

func (b *RedisBroker) claimStale(ctx context.Context, stream, group string, handler Handler) {
	entries, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: b.consumer,
		MinIdle:  b.cfg.ClaimMinIdle,
		Start:    "0-0",
		Count:    b.cfg.ReadCount,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		b.log.Warn("Failed to claim stale entries", "stream", stream, "error", err)
		return
	}
	for _, entry := range entries {
		b.deliver(ctx, stream, group, entry, handler)
	}
}

func (b *RedisBroker) deliver(ctx context.Context, stream, group string, entry redis.XMessage, handler Handler) {
	key, _ := entry.Values["key"].(string)
	raw, _ := entry.Values["value"].(string)

	msg := Message{Topic: topicName(stream), Key: key, Value: []byte(raw)}
	if err := handler(ctx, msg); err != nil {
		// Leave unacked: the pending-entries list redelivers it.
		b.log.Warn("Handler failed, message left pending",
			"stream", stream, "entry_id", entry.ID, "key", key, "error", err)
		return
	}

	if err := b.client.XAck(ctx, stream, group, entry.ID).Err(); err != nil {
		b.log.Warn("Failed to ack entry", "stream", stream, "entry_id", entry.ID, "error", err)
	}
}

func streamName(topic string) string {
	return "redress:stream:" + topic
}

func topicName(stream string) string {
	return strings.TrimPrefix(stream, "redress:stream:")
}
