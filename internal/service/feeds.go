package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"renalwatch-cds/internal/config"
	"renalwatch-cds/internal/models"

	"github.com/go-redis/redis/v8"
)

// SignalFeed 患者信号只读数据源
// 引擎不拥有信号采集，上游服务把各来源数据整理进缓存供评估读取
type SignalFeed interface {
	ListTenants(ctx context.Context) ([]string, error)
	ListPatients(ctx context.Context, tenantID string) ([]string, error)
	LoadSignals(ctx context.Context, tenantID, patientID string) (*models.PatientSignalSet, error)
}

// ContextFeed 快照聚合所需的外部上下文只读数据源（用药、消息、检查安排等）
type ContextFeed interface {
	LoadContext(ctx context.Context, tenantID, patientID string) (*PatientContext, error)
}

// PatientContext 快照聚合的外部上下文
type PatientContext struct {
	AttendingDoctorID string               `json:"attending_doctor_id,omitempty"`
	Medications    []models.Medication     `json:"medications"`
	Messages       []models.InboundMessage `json:"messages"`
	LabOrders      []models.LabOrder       `json:"lab_orders"`
	Case           *models.CaseDetails     `json:"case,omitempty"`
	Vitals         []models.VitalsReading  `json:"vitals,omitempty"`
	LastReviewedAt *time.Time              `json:"last_reviewed_at,omitempty"`
}

// RedisSignalFeed 基于 Redis 的信号数据源实现
// 患者名册存 Set，信号集与上下文存 JSON 串
type RedisSignalFeed struct {
	client *redis.Client
	config *config.Config
}

// NewRedisSignalFeed 创建 Redis 信号数据源
func NewRedisSignalFeed(client *redis.Client, cfg *config.Config) *RedisSignalFeed {
	return &RedisSignalFeed{
		client: client,
		config: cfg,
	}
}

func (f *RedisSignalFeed) patientsKey(tenantID string) string {
	return "cds:tenant:" + tenantID + ":patients"
}

// ListTenants 获取启用报警评估的租户列表
func (f *RedisSignalFeed) ListTenants(ctx context.Context) ([]string, error) {
	tenants, err := f.client.SMembers(ctx, "cds:tenants").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	return tenants, nil
}

func (f *RedisSignalFeed) signalsKey(patientID string) string {
	return f.config.CDS.Cache.SignalKeyPrefix + patientID + f.config.CDS.Cache.SignalSuffix
}

func (f *RedisSignalFeed) contextKey(patientID string) string {
	return f.config.CDS.Cache.SignalKeyPrefix + patientID + ":context"
}

// ListPatients 获取租户的在册患者 ID 列表
func (f *RedisSignalFeed) ListPatients(ctx context.Context, tenantID string) ([]string, error) {
	patients, err := f.client.SMembers(ctx, f.patientsKey(tenantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list patients: %w", err)
	}
	return patients, nil
}

// LoadSignals 加载患者信号集；无数据返回空集合而不是错误
func (f *RedisSignalFeed) LoadSignals(ctx context.Context, tenantID, patientID string) (*models.PatientSignalSet, error) {
	val, err := f.client.Get(ctx, f.signalsKey(patientID)).Result()
	if err != nil {
		if err == redis.Nil {
			return &models.PatientSignalSet{
				PatientID: patientID,
				Signals:   map[string][]models.SignalPoint{},
			}, nil
		}
		return nil, fmt.Errorf("failed to load patient signals: %w", err)
	}

	var signals models.PatientSignalSet
	if err := json.Unmarshal([]byte(val), &signals); err != nil {
		return nil, fmt.Errorf("failed to unmarshal patient signals: %w", err)
	}
	if signals.PatientID == "" {
		signals.PatientID = patientID
	}

	return &signals, nil
}

// LoadContext 加载患者的快照外部上下文；无数据返回空上下文
func (f *RedisSignalFeed) LoadContext(ctx context.Context, tenantID, patientID string) (*PatientContext, error) {
	val, err := f.client.Get(ctx, f.contextKey(patientID)).Result()
	if err != nil {
		if err == redis.Nil {
			return &PatientContext{}, nil
		}
		return nil, fmt.Errorf("failed to load patient context: %w", err)
	}

	var pc PatientContext
	if err := json.Unmarshal([]byte(val), &pc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal patient context: %w", err)
	}

	return &pc, nil
}
