package redis_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/aretw0/termstore/pkg/adapters/redis"
	"github.com/aretw0/termstore/pkg/domain"
	"github.com/aretw0/termstore/pkg/ports"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStore_Contract(t *testing.T) {
	ports.RunDurableBackendContract(t, func(t *testing.T) ports.DurableBackend {
		mr := miniredis.RunT(t)
		client := backend.NewClient(&backend.Options{
			Addr: mr.Addr(),
		})
		return redis.NewFromClient(client)
	})
}

func TestRedisStore_KeyLayout(t *testing.T) {
	mr := miniredis.RunT(t)
	client := backend.NewClient(&backend.Options{
		Addr: mr.Addr(),
	})
	store := redis.NewFromClient(client, redis.WithPrefix("ts:"))
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &domain.Session{
		ID: "s1", ProjectID: "p", ProjectPath: "/p", Mode: domain.ModeNormal,
		TabName: domain.TabName(1), Status: domain.StatusActive, IsFocused: true,
	}))

	assert.True(t, mr.Exists("ts:session:s1"))
	members, err := mr.SMembers("ts:project:p:sessions")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, members)
	focused, err := mr.SMembers("ts:project:p:focused")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, focused)

	_, err = store.NextTab(ctx, "p")
	require.NoError(t, err)
	mr.CheckGet(t, "ts:project:p:tab", "1")
}

func TestRedisStore_SkipsDanglingIndexEntries(t *testing.T) {
	mr := miniredis.RunT(t)
	client := backend.NewClient(&backend.Options{
		Addr: mr.Addr(),
	})
	store := redis.NewFromClient(client)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &domain.Session{ID: "s1", ProjectID: "p", Status: domain.StatusActive}))
	mr.Del(redis.DefaultPrefix + "session:s1")

	list, err := store.ListByProject(ctx, "p")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRedisStore_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := backend.NewClient(&backend.Options{
		Addr:       mr.Addr(),
		MaxRetries: -1,
	})
	store := redis.NewFromClient(client)
	mr.Close()

	ctx := context.Background()
	assert.Error(t, store.Ping(ctx))
	_, err := store.Get(ctx, "s1")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrSessionNotFound)
}
