// Package tokens provides the stored-token records backing the secondary
// credential verifier: opaque tokens issued out-of-band, kept server-side
// with an expiry.
package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"atelier/api/internal/auth"
)

// ErrNotFound covers both unknown and expired records; Redis expires the
// key, so the two cases are indistinguishable by design.
var ErrNotFound = errors.New("token record not found or expired")

// record is the stored shape for each token hash.
type record struct {
	SubjectID string    `json:"subject_id"`
	Email     string    `json:"email,omitempty"`
	Name      string    `json:"name,omitempty"`
	Role      string    `json:"role,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RedisStore keeps token records in Redis keyed by token hash.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed token record store.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, prefix: "token:"}, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "token:"}
}

func (s *RedisStore) key(tokenHash string) string {
	return s.prefix + tokenHash
}

// SaveToken stores a token record that expires at expiresAt.
func (s *RedisStore) SaveToken(ctx context.Context, tokenHash string, claim auth.Claim, expiresAt time.Time) error {
	data := record{
		SubjectID: claim.SubjectID,
		Email:     claim.Email,
		Name:      claim.Name,
		Role:      claim.Role,
		CreatedAt: time.Now(),
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal token record: %w", err)
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return fmt.Errorf("token record already expired")
	}

	if err := s.client.Set(ctx, s.key(tokenHash), jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("save token record: %w", err)
	}
	return nil
}

// LookupToken returns the claim for a live token record.
func (s *RedisStore) LookupToken(ctx context.Context, tokenHash string) (auth.Claim, error) {
	jsonData, err := s.client.Get(ctx, s.key(tokenHash)).Result()
	if err == redis.Nil {
		return auth.Claim{}, ErrNotFound
	}
	if err != nil {
		return auth.Claim{}, fmt.Errorf("lookup token record: %w", err)
	}

	var data record
	if err := json.Unmarshal([]byte(jsonData), &data); err != nil {
		return auth.Claim{}, fmt.Errorf("unmarshal token record: %w", err)
	}

	return auth.Claim{
		SubjectID: data.SubjectID,
		Email:     data.Email,
		Name:      data.Name,
		Role:      data.Role,
	}, nil
}

// RevokeToken deletes a token record.
func (s *RedisStore) RevokeToken(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, s.key(tokenHash)).Err(); err != nil {
		return fmt.Errorf("revoke token record: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
