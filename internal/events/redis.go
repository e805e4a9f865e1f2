package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisChannel задаёт канал Redis, в который ретранслируются события для realtime-клиентов.
const RedisChannel = "guarantee:events"

// Publisher описывает часть клиента Redis, используемую ретранслятором.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// NewRedisClient подключается к Redis по адресу addr и проверяет соединение.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

// RedisRelay возвращает обработчик, публикующий событие в формате JSON в RedisChannel.
func RedisRelay(p Publisher) Handler {
	return func(ctx context.Context, e Event) error {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}

		if err := p.Publish(ctx, RedisChannel, payload).Err(); err != nil {
			return fmt.Errorf("publish event: %w", err)
		}
		return nil
	}
}
