package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds the redis archive connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix is prepended to every key (default "aerie:").
	Prefix string
}

// RedisArchive keeps each user/day as a list of JSON turns, with a
// companion set of IDs that makes writes idempotent.
type RedisArchive struct {
	client *redis.Client
	prefix string
}

// NewRedisArchive connects and pings the server.
func NewRedisArchive(cfg RedisConfig) (*RedisArchive, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisArchiveFromClient(client, cfg.Prefix), nil
}

// NewRedisArchiveFromClient wraps an existing client.
func NewRedisArchiveFromClient(client *redis.Client, prefix string) *RedisArchive {
	if prefix == "" {
		prefix = "aerie:"
	}
	return &RedisArchive{client: client, prefix: prefix}
}

func (a *RedisArchive) listKey(userID string, date Date) string {
	return a.prefix + "archive:" + userID + ":" + date.String()
}

func (a *RedisArchive) idsKey(userID string, date Date) string {
	return a.listKey(userID, date) + ":ids"
}

// appendNew pushes each (id, turn) pair in ARGV onto the list at
// KEYS[2] unless the id is already in the set at KEYS[1]. The push
// happens before the id is recorded, so a script error part way leaves
// a turn that can be rewritten, never an id without its turn. Redis
// runs the script as one command.
var appendNew = redis.NewScript(`
local added = 0
for i = 1, #ARGV, 2 do
  if redis.call('SISMEMBER', KEYS[1], ARGV[i]) == 0 then
    redis.call('RPUSH', KEYS[2], ARGV[i + 1])
    redis.call('SADD', KEYS[1], ARGV[i])
    added = added + 1
  end
end
return added
`)

// Write pushes turns whose IDs were not yet recorded for the day, in
// one atomic step.
func (a *RedisArchive) Write(ctx context.Context, userID string, date Date, turns []Turn) error {
	if err := ValidateUserID(userID); err != nil {
		return err
	}
	if len(turns) == 0 {
		return nil
	}

	args := make([]any, 0, 2*len(turns))
	for _, t := range turns {
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal turn %s: %w", t.ID, err)
		}
		args = append(args, t.ID, data)
	}

	keys := []string{a.idsKey(userID, date), a.listKey(userID, date)}
	if err := appendNew.Run(ctx, a.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("append turns: %w", err)
	}
	return nil
}

// Read returns the day's turns in push order, or nil when none.
func (a *RedisArchive) Read(ctx context.Context, userID string, date Date) ([]Turn, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}

	items, err := a.client.LRange(ctx, a.listKey(userID, date), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}

	var turns []Turn
	for _, item := range items {
		var t Turn
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			return nil, fmt.Errorf("decode turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}

// Close closes the client.
func (a *RedisArchive) Close() error {
	return a.client.Close()
}
