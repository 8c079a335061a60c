package backup

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "backstop:" + DurableTable + ":"

type RedisDurableStore struct {
	client *redis.Client
	key    string
}

func NewRedisDurableStore(redisURL string) (*RedisDurableStore, error) {
	redisURL = strings.TrimSpace(redisURL)
	if redisURL == "" {
		return nil, ErrInvalidInput
	}
	var opts *redis.Options
	if strings.Contains(redisURL, "://") {
		parsed, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: redisURL}
	}
	return NewRedisDurableStoreWithClient(redis.NewClient(opts)), nil
}

func NewRedisDurableStoreWithClient(client *redis.Client) *RedisDurableStore {
	return &RedisDurableStore{client: client, key: redisKeyPrefix + DurableKey}
}

func (s *RedisDurableStore) Load(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *RedisDurableStore) Save(ctx context.Context, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	return s.client.Set(ctx, s.key, data, 0).Err()
}

func (s *RedisDurableStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
