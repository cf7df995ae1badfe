package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/noah-isme/grd-workflow-api/pkg/errors"
)

func TestCacheRepositoryRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	repo := NewCacheRepository(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "grd:")
	t.Cleanup(func() { _ = repo.Close() })
	ctx := context.Background()

	var miss map[string]string
	assert.ErrorIs(t, repo.Get(ctx, "dataset:1", &miss), appErrors.ErrCacheMiss)

	require.NoError(t, repo.Set(ctx, "dataset:1", map[string]string{"episodio": "1001"}, time.Minute))
	assert.True(t, mr.Exists("grd:dataset:1"))

	var got map[string]string
	require.NoError(t, repo.Get(ctx, "dataset:1", &got))
	assert.Equal(t, "1001", got["episodio"])

	mr.FastForward(2 * time.Minute)
	assert.ErrorIs(t, repo.Get(ctx, "dataset:1", &got), appErrors.ErrCacheMiss)

	require.NoError(t, repo.Set(ctx, "exports:1", []string{"a"}, 0))
	require.NoError(t, repo.Delete(ctx, "exports:1"))
	assert.False(t, mr.Exists("grd:exports:1"))
}

func TestCacheRepositoryWithoutClientAlwaysMisses(t *testing.T) {
	repo := NewCacheRepository(nil, "grd:")
	var dest string

	assert.ErrorIs(t, repo.Get(context.Background(), "k", &dest), appErrors.ErrCacheMiss)
	assert.NoError(t, repo.Set(context.Background(), "k", "v", time.Minute))
	assert.NoError(t, repo.Delete(context.Background(), "k"))
	assert.NoError(t, repo.Close())
}
