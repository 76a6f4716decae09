package otpstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

type redisStore struct {
	client *redis.Client
}

var _ Store = (*redisStore)(nil)

func NewRedisStore(client *redis.Client) Store {
	return &redisStore{client: client}
}

func (s *redisStore) Save(ctx context.Context, key string, code Code, ttl time.Duration) error {
	data, err := json.Marshal(code)
	if err != nil {
		return errors.Wrap(err, "encoding code")
	}
	return errors.Wrap(s.client.Set(ctx, key, data, ttl).Err(), "saving code")
}

func (s *redisStore) Get(ctx context.Context, key string) (Code, error) {
	value, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return Code{}, ErrNotFound
	}
	if err != nil {
		return Code{}, errors.Wrap(err, "loading code")
	}
	var code Code
	if err = json.Unmarshal(value, &code); err != nil {
		return Code{}, errors.Wrap(err, "decoding code")
	}
	return code, nil
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	return errors.Wrap(s.client.Del(ctx, key).Err(), "deleting code")
}
