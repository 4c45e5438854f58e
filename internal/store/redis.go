package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"planboard/api/internal/rbac"
)

// RedisStore keeps each document blob in a string key and its members in a
// hash of actor id to role.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
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
	return NewRedisStoreWithClient(client), nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "planboard:"}
}

func (s *RedisStore) docKey(documentID string) string {
	return s.prefix + "doc:" + documentID
}

func (s *RedisStore) membersKey(documentID string) string {
	return s.prefix + "members:" + documentID
}

func (s *RedisStore) LoadDocument(ctx context.Context, documentID string) ([]byte, error) {
	blob, err := s.client.Get(ctx, s.docKey(documentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load document %s: %w", documentID, err)
	}
	return blob, nil
}

func (s *RedisStore) SaveDocument(ctx context.Context, documentID string, blob []byte) error {
	if err := s.client.Set(ctx, s.docKey(documentID), blob, 0).Err(); err != nil {
		return fmt.Errorf("save document %s: %w", documentID, err)
	}
	return nil
}

func (s *RedisStore) CreateDocument(ctx context.Context, documentID string, blob []byte) error {
	created, err := s.client.SetNX(ctx, s.docKey(documentID), blob, 0).Result()
	if err != nil {
		return fmt.Errorf("create document %s: %w", documentID, err)
	}
	if !created {
		return ErrExists
	}
	return nil
}

func (s *RedisStore) RoleFor(ctx context.Context, documentID, actorID string) (rbac.Role, error) {
	role, err := s.client.HGet(ctx, s.membersKey(documentID), actorID).Result()
	if errors.Is(err, redis.Nil) {
		return rbac.RoleNone, nil
	}
	if err != nil {
		return rbac.RoleNone, fmt.Errorf("lookup role: %w", err)
	}
	return rbac.Normalize(role), nil
}

func (s *RedisStore) GrantRole(ctx context.Context, documentID, actorID string, role rbac.Role) error {
	key := s.membersKey(documentID)
	var err error
	if role == rbac.RoleNone {
		err = s.client.HDel(ctx, key, actorID).Err()
	} else {
		err = s.client.HSet(ctx, key, actorID, string(role)).Err()
	}
	if err != nil {
		return fmt.Errorf("grant role: %w", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
