package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ghostSettler/internal/model"
)

const (
	DefaultRedisKey     = "eidolon:orders"
	DefaultRedisChannel = "eidolon:events"
)

// Redis reads intents from a JSON array stored under one key and listens to a pub/sub channel.
type Redis struct {
	client  *redis.Client
	key     string
	channel string
	logger  *zap.Logger
}

// NewRedis connects using a redis:// URL.
func NewRedis(url, key, channel string, logger *zap.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if key == "" {
		key = DefaultRedisKey
	}
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{client: redis.NewClient(opts), key: key, channel: channel, logger: logger}, nil
}

// Close releases the connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

// List returns every stored intent. A missing key is an empty list.
func (r *Redis) List(ctx context.Context) ([]model.Intent, error) {
	raw, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", r.key, err)
	}
	return decodeIntentList(raw)
}

// Subscribe listens for NEW_ORDER notifications on the configured channel.
func (r *Redis) Subscribe(ctx context.Context) (Subscription, error) {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	out := make(chan model.Intent, 64)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			intent, ok, err := DecodeNotification([]byte(msg.Payload))
			if err != nil {
				r.logger.Warn("bad notification", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			if !ok {
				continue
			}
			select {
			case out <- intent:
			case <-ctx.Done():
				return
			}
		}
	}()

	return &chanSubscription{ch: out, close: pubsub.Close}, nil
}

// MarkSettled sets status Settled and txHash on the given ids, retrying on
// concurrent modification of the key.
func (r *Redis) MarkSettled(ctx context.Context, ids []string, txHash string) error {
	if len(ids) == 0 {
		return nil
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	update := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, r.key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		list, err := decodeIntentList(raw)
		if err != nil {
			return err
		}
		for i := range list {
			if _, ok := want[list[i].ID]; ok {
				list[i].Status = model.IntentSettled
				list[i].TxHash = txHash
			}
		}
		encoded, err := json.Marshal(list)
		if err != nil {
			return fmt.Errorf("encode intents: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, r.key, encoded, 0)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < 5; attempt++ {
		err := r.client.Watch(ctx, update, r.key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("mark settled: %w", err)
		}
		return nil
	}
	return fmt.Errorf("mark settled: %w", redis.TxFailedErr)
}

func decodeIntentList(raw []byte) ([]model.Intent, error) {
	var list []model.Intent
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode intents: %w", err)
	}
	return list, nil
}
