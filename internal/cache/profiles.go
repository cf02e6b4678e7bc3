// Package cache keeps sender profiles in Redis so message reads do not hit
// the users table on every request.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cyphire/api/internal/store"

	"github.com/redis/go-redis/v9"
)

type profileData struct {
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ProfileCache is a read-through cache of store.User keyed by user id.
type ProfileCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// Connect parses redisURL and verifies the server answers.
func Connect(redisURL string) (*redis.Client, error) {
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
	return client, nil
}

func NewProfileCache(client *redis.Client, ttl time.Duration) *ProfileCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ProfileCache{client: client, prefix: "profile:", ttl: ttl}
}

func (c *ProfileCache) key(userID string) string {
	return c.prefix + userID
}

// GetMany returns the cached profiles among ids. Missing ids are simply
// absent from the result.
func (c *ProfileCache) GetMany(ctx context.Context, ids []string) (map[string]store.User, error) {
	found := make(map[string]store.User, len(ids))
	if len(ids) == 0 {
		return found, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = c.key(id)
	}

	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("lookup profiles: %w", err)
	}
	for i, raw := range values {
		text, ok := raw.(string)
		if !ok {
			continue
		}
		var data profileData
		if err := json.Unmarshal([]byte(text), &data); err != nil {
			// treated as a miss, rewritten on fill
			continue
		}
		found[ids[i]] = store.User{
			ID:          ids[i],
			DisplayName: data.DisplayName,
			AvatarURL:   data.AvatarURL,
			UpdatedAt:   data.UpdatedAt,
		}
	}
	return found, nil
}

func (c *ProfileCache) SetMany(ctx context.Context, users []store.User) error {
	if len(users) == 0 {
		return nil
	}
	pipe := c.client.Pipeline()
	for _, user := range users {
		payload, err := json.Marshal(profileData{
			DisplayName: user.DisplayName,
			AvatarURL:   user.AvatarURL,
			UpdatedAt:   user.UpdatedAt,
		})
		if err != nil {
			return fmt.Errorf("marshal profile %s: %w", user.ID, err)
		}
		pipe.Set(ctx, c.key(user.ID), payload, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save profiles: %w", err)
	}
	return nil
}

// Invalidate drops a profile after the user record changed.
func (c *ProfileCache) Invalidate(ctx context.Context, userID string) error {
	if err := c.client.Del(ctx, c.key(userID)).Err(); err != nil {
		return fmt.Errorf("invalidate profile: %w", err)
	}
	return nil
}

func (c *ProfileCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
