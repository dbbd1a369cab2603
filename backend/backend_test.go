package backend

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, Backend) {
	t.Helper()
	server := miniredis.RunT(t)
	b := NewRedisBackend(server.Addr(), "", 0)
	t.Cleanup(func() { b.Close() })
	return server, b
}

func setupDatabase(t *testing.T) Backend {
	t.Helper()
	b, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "gerrit-verify.db"))
	if err != nil {
		t.Fatalf("failed in setup: %s", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func backends(t *testing.T) map[string]Backend {
	_, redisBackend := setupRedis(t)
	return map[string]Backend{
		"redis":  redisBackend,
		"sqlite": setupDatabase(t),
	}
}

func TestAccountCache(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := b.GetAccount(ctx, "dls-bot")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, b.SaveAccount(ctx, "dls-bot", 1000042))
			id, err := b.GetAccount(ctx, "dls-bot")
			require.NoError(t, err)
			assert.Equal(t, 1000042, id)

			require.NoError(t, b.SaveAccount(ctx, "dls-bot", 7))
			id, err = b.GetAccount(ctx, "dls-bot")
			require.NoError(t, err)
			assert.Equal(t, 7, id)
		})
	}
}

func TestRedisAccountCacheExpires(t *testing.T) {
	server, b := setupRedis(t)
	ctx := context.Background()
	require.NoError(t, b.SaveAccount(ctx, "dls-bot", 1))
	server.FastForward(AccountCacheTTL + time.Second)
	_, err := b.GetAccount(ctx, "dls-bot")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUnverificationHistory(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			records, err := b.ListUnverifications(ctx, 1234)
			require.NoError(t, err)
			assert.Empty(t, records)

			now := time.Now().UTC().Truncate(time.Millisecond)
			for i := 0; i < UnverificationHistory+5; i++ {
				require.NoError(t, b.SaveUnverification(ctx, &Unverification{
					Change:    1234,
					Topic:     "build-456",
					Voter:     "jenkins",
					VoterID:   i,
					Value:     1,
					Event:     "topic-changed",
					CreatedAt: now,
				}))
			}
			require.NoError(t, b.SaveUnverification(ctx, &Unverification{Change: 99, Voter: "ada", Value: -1, CreatedAt: now}))

			records, err = b.ListUnverifications(ctx, 1234)
			require.NoError(t, err)
			require.Len(t, records, UnverificationHistory)
			// oldest entries are pruned first
			assert.Equal(t, 5, records[0].VoterID)
			assert.Equal(t, UnverificationHistory+4, records[len(records)-1].VoterID)
			assert.Equal(t, "build-456", records[0].Topic)
			assert.True(t, now.Equal(records[0].CreatedAt))

			records, err = b.ListUnverifications(ctx, 99)
			require.NoError(t, err)
			require.Len(t, records, 1)
			assert.Equal(t, -1, records[0].Value)
		})
	}
}

func TestLastTrigger(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := b.LastTrigger(ctx, 1234)
			assert.ErrorIs(t, err, ErrNotFound)

			first := time.Now().UTC().Add(-time.Minute)
			require.NoError(t, b.SaveTrigger(ctx, &Trigger{ID: "a", Change: 1234, Project: "gda/gda-core", AccountID: 1001, Target: "jenkins", CreatedAt: first}))
			require.NoError(t, b.SaveTrigger(ctx, &Trigger{ID: "b", Change: 1234, Project: "gda/gda-core", AccountID: 1002, Target: "jenkins", CreatedAt: first.Add(time.Minute)}))

			last, err := b.LastTrigger(ctx, 1234)
			require.NoError(t, err)
			assert.Equal(t, "b", last.ID)
			assert.Equal(t, 1002, last.AccountID)
			assert.Equal(t, "gda/gda-core", last.Project)
		})
	}
}
