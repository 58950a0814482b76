package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"renalwatch-cds/internal/config"
	"renalwatch-cds/internal/models"

	"go.uber.org/zap"
)

// CacheManager 快照缓存管理器
// 缓存仅供展示层短时复用，短 TTL，永远不作为权威状态
type CacheManager struct {
	config *config.Config
	kv     KVStore
	logger *zap.Logger
}

// NewCacheManager 创建快照缓存管理器
func NewCacheManager(
	cfg *config.Config,
	kv KVStore,
	logger *zap.Logger,
) *CacheManager {
	return &CacheManager{
		config: cfg,
		kv:     kv,
		logger: logger,
	}
}

func (c *CacheManager) snapshotKey(patientID string) string {
	return c.config.CDS.Cache.SnapshotKeyPrefix + patientID + c.config.CDS.Cache.SnapshotSuffix
}

// UpdateSnapshotCache 写入患者快照缓存
func (c *CacheManager) UpdateSnapshotCache(ctx context.Context, patientID string, result *models.SnapshotResult) error {
	key := c.snapshotKey(patientID)

	jsonData, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	ttl := time.Duration(c.config.CDS.Cache.SnapshotTTL) * time.Second
	if err := c.kv.Set(ctx, key, string(jsonData), ttl); err != nil {
		return fmt.Errorf("failed to set snapshot cache: %w", err)
	}

	c.logger.Debug("Updated snapshot cache",
		zap.String("patient_id", patientID),
		zap.String("key", key),
		zap.String("action_state", string(result.ActionState)),
	)

	return nil
}

// GetCachedSnapshot 读取患者快照缓存；不存在返回 ErrCacheMiss
func (c *CacheManager) GetCachedSnapshot(ctx context.Context, patientID string) (*models.SnapshotResult, error) {
	val, err := c.kv.Get(ctx, c.snapshotKey(patientID))
	if err != nil {
		return nil, err
	}

	var result models.SnapshotResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached snapshot: %w", err)
	}

	return &result, nil
}
