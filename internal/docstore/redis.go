// Package docstore provides the live database handles behind the document
// storage mode. Each user owns one document whose fields are save keys.
package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"opentd/internal/storage"
)

const redisPrefix = "opentd:doc:"

// Redis keeps each user document in a hash: one hash field per key plus the
// identity field.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis connects to redisURL and checks the connection.
func NewRedis(redisURL string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisWithClient(client), nil
}

// NewRedisWithClient creates a store from an existing Redis client
func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{
		client: client,
		prefix: redisPrefix,
	}
}

func (r *Redis) key(userID string) string {
	return r.prefix + userID
}

func (r *Redis) SetField(ctx context.Context, userID, field string, record storage.Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	identity, err := json.Marshal(userID)
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	if err := r.client.HSet(ctx, r.key(userID), storage.IdentityField, identity, field, data).Err(); err != nil {
		return fmt.Errorf("set field %q: %w", field, err)
	}
	return nil
}

func (r *Redis) UnsetField(ctx context.Context, userID, field string) error {
	if err := r.client.HDel(ctx, r.key(userID), field).Err(); err != nil {
		return fmt.Errorf("unset field %q: %w", field, err)
	}
	return nil
}

func (r *Redis) Field(ctx context.Context, userID, field string) (*storage.Record, error) {
	raw, err := r.client.HGet(ctx, r.key(userID), field).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get field %q: %w", field, err)
	}
	var record storage.Record
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("decode field %q: %w", field, err)
	}
	return &record, nil
}

func (r *Redis) Fields(ctx context.Context, userID string) (map[string]storage.Record, error) {
	hash, err := r.client.HGetAll(ctx, r.key(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return decodeFields(hash)
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// decodeFields turns raw document fields into records. The identity field is
// passed through as its raw value.
func decodeFields(raw map[string]string) (map[string]storage.Record, error) {
	fields := make(map[string]storage.Record, len(raw))
	for field, value := range raw {
		if field == storage.IdentityField {
			fields[field] = storage.Record{Value: json.RawMessage(value)}
			continue
		}
		var record storage.Record
		if err := json.Unmarshal([]byte(value), &record); err != nil {
			return nil, fmt.Errorf("decode field %q: %w", field, err)
		}
		fields[field] = record
	}
	return fields, nil
}
