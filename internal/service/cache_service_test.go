package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	appErrors "github.com/noah-isme/grd-workflow-api/pkg/errors"
)

type flakyCacheRepo struct {
	getErr  error
	setErr  error
	deleted []string
}

func (f *flakyCacheRepo) Get(ctx context.Context, key string, dest interface{}) error {
	return f.getErr
}

func (f *flakyCacheRepo) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return f.setErr
}

func (f *flakyCacheRepo) Delete(ctx context.Context, keys ...string) error {
	f.deleted = append(f.deleted, keys...)
	return nil
}

func TestCacheServiceTreatsBackendFailureAsMiss(t *testing.T) {
	repo := &flakyCacheRepo{getErr: errors.New("connection refused"), setErr: errors.New("connection refused")}
	metrics := NewMetricsService()
	cache := NewCacheService(repo, metrics, time.Minute, zap.NewNop(), true)

	var dest string
	assert.False(t, cache.Get(context.Background(), "k", &dest))
	cache.Set(context.Background(), "k", "v", 0)
	assert.Equal(t, uint64(1), metrics.Snapshot().CacheMisses)

	repo.getErr = nil
	assert.True(t, cache.Get(context.Background(), "k", &dest))
	assert.Equal(t, uint64(1), metrics.Snapshot().CacheHits)

	repo.getErr = appErrors.ErrCacheMiss
	assert.False(t, cache.Get(context.Background(), "k", &dest))
}

func TestCacheServiceDisabled(t *testing.T) {
	repo := &flakyCacheRepo{}
	cache := NewCacheService(repo, nil, 0, nil, false)

	var dest string
	assert.False(t, cache.Enabled())
	assert.False(t, cache.Get(context.Background(), "k", &dest))
	cache.Invalidate(context.Background(), "k")
	assert.Empty(t, repo.deleted)

	var nilCache *CacheService
	assert.False(t, nilCache.Get(context.Background(), "k", &dest))
	nilCache.Set(context.Background(), "k", "v", 0)
	nilCache.Invalidate(context.Background(), "k")
}
