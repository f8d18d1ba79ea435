package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gyaneshwarpardhi/campaignwatch/internal/detection"
	"github.com/gyaneshwarpardhi/campaignwatch/internal/knowledge"
)

// RedisConfig configures the Redis connection shared by the messenger and
// the knowledge base.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// RedisMessenger broadcasts monitor messages over a pub/sub channel.
type RedisMessenger struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewRedisMessenger creates a RedisMessenger publishing on channel.
func NewRedisMessenger(client *redis.Client, channel string, logger *slog.Logger) *RedisMessenger {
	if channel == "" {
		channel = "campaignwatch:broadcast"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisMessenger{client: client, channel: channel, logger: logger}
}

func (m *RedisMessenger) Broadcast(ctx context.Context, msg detection.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("redis: marshal message: %w", err)
	}
	return m.client.Publish(ctx, m.channel, data).Err()
}

// Subscribe delivers broadcasts from every node to fn until ctx is done.
// Messages that do not decode are logged and skipped.
func (m *RedisMessenger) Subscribe(ctx context.Context, fn func(detection.Message)) error {
	sub := m.client.Subscribe(ctx, m.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis: subscribe %s: %w", m.channel, err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rm, ok := <-ch:
			if !ok {
				return nil
			}
			var msg detection.Message
			if err := json.Unmarshal([]byte(rm.Payload), &msg); err != nil {
				m.logger.Warn("dropping undecodable broadcast", "channel", rm.Channel, "err", err)
				continue
			}
			fn(msg)
		}
	}
}

// RedisKnowledge keeps one capped list of JSON entries per collection.
type RedisKnowledge struct {
	client     redis.Cmdable
	prefix     string
	maxEntries int
}

// NewRedisKnowledge creates a RedisKnowledge. Each collection keeps at most
// maxEntries (default 10000), newest last.
func NewRedisKnowledge(client redis.Cmdable, prefix string, maxEntries int) *RedisKnowledge {
	if prefix == "" {
		prefix = "campaignwatch"
	}
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &RedisKnowledge{client: client, prefix: prefix, maxEntries: maxEntries}
}

func (k *RedisKnowledge) key(collection string) string {
	return k.prefix + ":kb:" + collection
}

func (k *RedisKnowledge) AddKnowledge(ctx context.Context, collection string, entries []knowledge.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	values, err := encodeEntries(entries)
	if err != nil {
		return err
	}
	key := k.key(collection)
	pipe := k.client.TxPipeline()
	pipe.RPush(ctx, key, values...)
	pipe.LTrim(ctx, key, -int64(k.maxEntries), -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: add knowledge to %s: %w", collection, err)
	}
	return nil
}

func (k *RedisKnowledge) SearchKnowledge(ctx context.Context, collection, query string, filters knowledge.Filters, topK int) ([]knowledge.Hit, error) {
	raw, err := k.client.LRange(ctx, k.key(collection), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: read knowledge %s: %w", collection, err)
	}
	return knowledge.Rank(decodeEntries(raw), query, filters, topK), nil
}

func encodeEntries(entries []knowledge.Entry) ([]interface{}, error) {
	out := make([]interface{}, len(entries))
	for i, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("redis: marshal entry: %w", err)
		}
		out[i] = data
	}
	return out, nil
}

// decodeEntries skips values that are not entries.
func decodeEntries(raw []string) []knowledge.Entry {
	out := make([]knowledge.Entry, 0, len(raw))
	for _, s := range raw {
		var e knowledge.Entry
		if json.Unmarshal([]byte(s), &e) == nil {
			out = append(out, e)
		}
	}
	return out
}
