package backend

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type RedisBackend struct {
	*redis.Client
}

const (
	RedisNeverExpireTTL = 0
)

func NewRedisBackend(address, password string, db int) *RedisBackend {
	return &RedisBackend{
		redis.NewClient(&redis.Options{
			Addr:     address,
			Password: password,
			DB:       db,
		}),
	}
}

func accountKey(username string) string {
	return fmt.Sprintf("account:%s", username)
}

func unverifiedKey(change int) string {
	return fmt.Sprintf("unverified:%d", change)
}

func triggerKey(change int) string {
	return fmt.Sprintf("trigger:%d", change)
}

// SaveAccount caches the account id a username resolved to
func (b *RedisBackend) SaveAccount(ctx context.Context, username string, accountID int) error {
	log.Trace().Str("username", username).Int("accountId", accountID).Msg("Caching account in redis")
	return b.Set(ctx, accountKey(username), accountID, AccountCacheTTL).Err()
}

// GetAccount returns a cached account id or ErrNotFound
func (b *RedisBackend) GetAccount(ctx context.Context, username string) (int, error) {
	accountID, err := b.Get(ctx, accountKey(username)).Int()
	if err == redis.Nil {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return accountID, nil
}

// SaveUnverification appends to the capped audit list of the change
func (b *RedisBackend) SaveUnverification(ctx context.Context, u *Unverification) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	key := unverifiedKey(u.Change)
	log.Debug().
		Int("change", u.Change).
		Str("voter", u.Voter).
		Int("value", u.Value).
		Msg("Saving unverification to redis")
	// RPUSH unverified:change {json}; LTRIM to the newest entries
	_, err = b.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		pipe.LTrim(ctx, key, -UnverificationHistory, -1)
		return nil
	})
	return err
}

// ListUnverifications returns the removed votes of a change, oldest first
func (b *RedisBackend) ListUnverifications(ctx context.Context, change int) ([]*Unverification, error) {
	items, err := b.LRange(ctx, unverifiedKey(change), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Unverification, 0, len(items))
	for _, item := range items {
		u := &Unverification{}
		if err := json.Unmarshal([]byte(item), u); err != nil {
			log.Error().Err(err).Int("change", change).Msg("Skipping undecodable unverification record")
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

// SaveTrigger records the latest trigger of a change
func (b *RedisBackend) SaveTrigger(ctx context.Context, t *Trigger) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return b.Set(ctx, triggerKey(t.Change), data, RedisNeverExpireTTL).Err()
}

// LastTrigger returns the latest trigger of a change or ErrNotFound
func (b *RedisBackend) LastTrigger(ctx context.Context, change int) (*Trigger, error) {
	data, err := b.Get(ctx, triggerKey(change)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t := &Trigger{}
	if err := json.Unmarshal(data, t); err != nil {
		return nil, err
	}
	return t, nil
}
