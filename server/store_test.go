package server

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idserver/storage"
)

func TestOpenStoreMemory(t *testing.T) {
	store, closeFn, err := OpenStore(context.Background(), validConfig())
	require.NoError(t, err)
	defer closeFn()

	assert.IsType(t, &storage.Memory{}, store)
	client, err := store.GetClientByID(context.Background(), "web")
	require.NoError(t, err)
	require.NotNil(t, client)
}

func TestOpenStoreRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := validConfig()
	cfg.Storage.Driver = StorageDriverRedis
	cfg.Storage.Redis.Addr = mr.Addr()
	cfg.Storage.Redis.KeyPrefix = "test:"

	ctx := context.Background()
	store, closeFn, err := OpenStore(ctx, cfg)
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &storage.Redis{}, store)

	client, err := store.GetClientByID(ctx, "web")
	require.NoError(t, err)
	require.NotNil(t, client)

	now := time.Now()
	require.NoError(t, store.SaveSession(ctx, storage.Session{
		ID: "s-1", Subject: "alice", Provider: "local", AuthTime: now, CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}))
	sess, err := store.GetSession(ctx, "s-1")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "alice", sess.Subject)

	var prefixed bool
	for _, k := range mr.Keys() {
		if len(k) > 5 && k[:5] == "test:" {
			prefixed = true
		}
	}
	assert.True(t, prefixed)
}

func TestOpenStoreErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Storage.Driver = "bolt"
	_, _, err := OpenStore(context.Background(), cfg)
	assert.ErrorContains(t, err, "unknown storage driver")

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	cfg.Storage.Driver = StorageDriverRedis
	cfg.Storage.Redis.Addr = addr
	_, _, err = OpenStore(context.Background(), cfg)
	assert.ErrorContains(t, err, "connect to redis")
}
