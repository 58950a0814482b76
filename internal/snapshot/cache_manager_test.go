package snapshot_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"renalwatch-cds/internal/config"
	"renalwatch-cds/internal/models"
	snap "renalwatch-cds/internal/snapshot"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeKVStore 测试用内存 KV
type fakeKVStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeKVStore() *fakeKVStore {
	return &fakeKVStore{data: map[string]string{}}
}

func (f *fakeKVStore) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	val, ok := f.data[key]
	if !ok {
		return "", snap.ErrCacheMiss
	}
	return val, nil
}

func (f *fakeKVStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	return nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.CDS.Cache.SnapshotKeyPrefix = "cds:patient:"
	cfg.CDS.Cache.SnapshotSuffix = ":snapshot"
	cfg.CDS.Cache.SnapshotTTL = 30
	return cfg
}

func TestCacheManager_UpdateSnapshotCache_WritesJSON(t *testing.T) {
	kv := newFakeKVStore()
	cm := snap.NewCacheManager(testConfig(), kv, zap.NewNop())

	result := &models.SnapshotResult{
		PatientID:   "patient-1",
		ActionState: models.ActionReview,
		RiskTier:    models.RiskWatch,
		ComputedAt:  time.Now(),
	}

	err := cm.UpdateSnapshotCache(context.Background(), "patient-1", result)
	require.NoError(t, err)

	raw, err := kv.Get(context.Background(), "cds:patient:patient-1:snapshot")
	require.NoError(t, err)

	var decoded models.SnapshotResult
	require.NoError(t, json.Unmarshal([]byte(raw), &decoded))
	require.Equal(t, models.ActionReview, decoded.ActionState)
	require.Equal(t, models.RiskWatch, decoded.RiskTier)
}

func TestCacheManager_GetCachedSnapshot_Miss(t *testing.T) {
	cm := snap.NewCacheManager(testConfig(), newFakeKVStore(), zap.NewNop())

	_, err := cm.GetCachedSnapshot(context.Background(), "patient-unknown")
	require.ErrorIs(t, err, snap.ErrCacheMiss)
}

func TestRedisKVStore_RoundTripWithTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	kv := snap.NewRedisKVStore(client)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "cds:patient:patient-1:snapshot", `{"ok":true}`, 30*time.Second))

	val, err := kv.Get(ctx, "cds:patient:patient-1:snapshot")
	require.NoError(t, err)
	require.Equal(t, `{"ok":true}`, val)

	// TTL 到期后读到 cache miss
	mr.FastForward(31 * time.Second)
	_, err = kv.Get(ctx, "cds:patient:patient-1:snapshot")
	require.ErrorIs(t, err, snap.ErrCacheMiss)
}
