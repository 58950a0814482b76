// Package notifier 新报警实例的推送通道
// 通过 Redis Streams 发布实例事件，供 UI 徽标等下游消费；发布尽力而为，
// 失败只记日志，不影响实例创建事务
package notifier

import (
	"context"

	"renalwatch-cds/internal/models"
	"renalwatch-cds/pkg/redisutil"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// InstancePublisher 报警实例事件发布接口
type InstancePublisher interface {
	PublishInstance(ctx context.Context, instance *models.AlertInstance) error
	NotifyRoles(ctx context.Context, tenantID string, instance *models.AlertInstance, roles []string) error
}

// StreamNotifier 基于 Redis Streams 的发布实现
type StreamNotifier struct {
	client *redis.Client
	stream string
	logger *zap.Logger
}

// NewStreamNotifier 创建发布器
func NewStreamNotifier(client *redis.Client, stream string, logger *zap.Logger) *StreamNotifier {
	return &StreamNotifier{
		client: client,
		stream: stream,
		logger: logger,
	}
}

// PublishInstance 发布新建或更新的报警实例
func (n *StreamNotifier) PublishInstance(ctx context.Context, instance *models.AlertInstance) error {
	msgID, err := redisutil.PublishJSONToStream(ctx, n.client, n.stream, instance)
	if err != nil {
		n.logger.Warn("Failed to publish alert instance to stream",
			zap.String("stream", n.stream),
			zap.String("instance_id", instance.InstanceID),
			zap.Error(err))
		return err
	}

	n.logger.Debug("Published alert instance",
		zap.String("stream", n.stream),
		zap.String("instance_id", instance.InstanceID),
		zap.String("message_id", msgID))

	return nil
}

// NotifyRoles 按角色发布升级通知（每个角色一条消息，便于下游按角色过滤消费）
func (n *StreamNotifier) NotifyRoles(ctx context.Context, tenantID string, instance *models.AlertInstance, roles []string) error {
	for _, role := range roles {
		values := map[string]interface{}{
			"event":       "escalation",
			"tenant_id":   tenantID,
			"instance_id": instance.InstanceID,
			"patient_id":  instance.PatientID,
			"severity":    string(instance.Severity),
			"notify_role": role,
			"rationale":   instance.Rationale,
		}
		if _, err := redisutil.PublishToStream(ctx, n.client, n.stream, values); err != nil {
			return err
		}
	}
	return nil
}
