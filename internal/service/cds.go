// Package service CDS 报警引擎服务编排
package service

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"renalwatch-cds/internal/config"
	"renalwatch-cds/internal/evaluator"
	"renalwatch-cds/internal/lifecycle"
	"renalwatch-cds/internal/models"
	"renalwatch-cds/internal/notifier"
	"renalwatch-cds/internal/repository"
	"renalwatch-cds/internal/snapshot"
	"renalwatch-cds/internal/suppression"
	"renalwatch-cds/pkg/database"
	"renalwatch-cds/pkg/redisutil"

	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// CDSService CKD 临床决策支持报警评估服务
type CDSService struct {
	config      *config.Config
	logger      *zap.Logger
	db          *sql.DB
	redisClient *redis.Client

	definitions *repository.AlertDefinitionsRepository
	versions    *repository.RuleVersionsRepository
	instances   *repository.AlertInstancesRepository
	audit       *repository.AlertAuditRepository

	evaluator *evaluator.Evaluator
	engine    *suppression.Engine
	manager   *lifecycle.Manager
	sweeper   *suppression.Sweeper
	publisher notifier.InstancePublisher
	cache     *snapshot.CacheManager
	feed      *RedisSignalFeed

	cron *cron.Cron
}

// NewCDSService 创建并装配 CDS 服务
func NewCDSService(cfg *config.Config, logger *zap.Logger) (*CDSService, error) {
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	redisClient := redisutil.NewRedisClient(&cfg.Redis)
	if err := redisutil.Ping(context.Background(), redisClient); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	definitions := repository.NewAlertDefinitionsRepository(db, logger)
	versions := repository.NewRuleVersionsRepository(db, logger)
	instances := repository.NewAlertInstancesRepository(db, logger)
	audit := repository.NewAlertAuditRepository(db, logger)

	manager := lifecycle.NewManager(instances, audit, logger)
	publisher := notifier.NewStreamNotifier(redisClient, cfg.CDS.Stream.AlertStream, logger)
	sweeper := suppression.NewSweeper(instances, versions, manager, publisher, logger)

	kv := snapshot.NewRedisKVStore(redisClient)
	cache := snapshot.NewCacheManager(cfg, kv, logger)
	feed := NewRedisSignalFeed(redisClient, cfg)

	return &CDSService{
		config:      cfg,
		logger:      logger,
		db:          db,
		redisClient: redisClient,
		definitions: definitions,
		versions:    versions,
		instances:   instances,
		audit:       audit,
		evaluator:   evaluator.NewEvaluator(logger),
		engine:      suppression.NewEngine(logger),
		manager:     manager,
		sweeper:     sweeper,
		publisher:   publisher,
		cache:       cache,
		feed:        feed,
	}, nil
}

// Start 启动评估轮询与升级巡检排程，阻塞到 ctx 取消
func (s *CDSService) Start(ctx context.Context) error {
	s.logger.Info("Starting CDS alert engine",
		zap.Int("poll_interval", s.config.CDS.Evaluation.PollInterval),
		zap.Int("workers", s.config.CDS.Evaluation.Workers),
		zap.String("sweep_schedule", s.config.CDS.Escalation.SweepSchedule))

	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.config.CDS.Escalation.SweepSchedule, func() {
		s.runEscalationSweep(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule escalation sweep: %w", err)
	}
	s.cron.Start()

	interval := time.Duration(s.config.CDS.Evaluation.PollInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// 启动即执行首轮，不等首个 tick
	s.runEvaluationPass(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Evaluation loop stopped")
			return nil
		case <-ticker.C:
			s.runEvaluationPass(ctx)
		}
	}
}

// Stop 停止服务并释放资源
func (s *CDSService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping CDS alert engine")

	if s.cron != nil {
		stopCtx := s.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(10 * time.Second):
			s.logger.Warn("Timed out waiting for escalation sweep to finish")
		}
	}

	if err := redisutil.Close(s.redisClient); err != nil {
		s.logger.Error("Failed to close redis client", zap.Error(err))
	}
	if err := database.Close(s.db); err != nil {
		s.logger.Error("Failed to close database", zap.Error(err))
	}

	return nil
}

// runEvaluationPass 执行一轮全量评估：单个租户/规则/患者失败不中断整轮
func (s *CDSService) runEvaluationPass(ctx context.Context) {
	start := time.Now()

	tenants, err := s.feed.ListTenants(ctx)
	if err != nil {
		s.logger.Error("Failed to list tenants, skipping pass", zap.Error(err))
		return
	}

	evaluated := 0
	for _, tenantID := range tenants {
		n, err := s.evaluateTenant(ctx, tenantID)
		if err != nil {
			s.logger.Error("Tenant evaluation failed",
				zap.String("tenant_id", tenantID),
				zap.Error(err))
			continue
		}
		evaluated += n
	}

	s.logger.Info("Evaluation pass completed",
		zap.Int("tenants", len(tenants)),
		zap.Int("patients_evaluated", evaluated),
		zap.Duration("elapsed", time.Since(start)))
}

// activeRule 一条可评估的 (定义, 当前版本) 对
type activeRule struct {
	def     *models.AlertDefinition
	version *models.RuleVersion
}

func (s *CDSService) evaluateTenant(ctx context.Context, tenantID string) (int, error) {
	defs, err := s.definitions.ListDefinitions(ctx, tenantID, true)
	if err != nil {
		return 0, err
	}

	// 每轮只解析一次当前版本，轮内评估使用同一套规则
	rules := make([]activeRule, 0, len(defs))
	for _, def := range defs {
		version, err := s.versions.GetActiveVersion(ctx, tenantID, def.AlertID)
		if err != nil {
			s.logger.Warn("Failed to resolve active version",
				zap.String("tenant_id", tenantID),
				zap.String("alert_id", def.AlertID),
				zap.Error(err))
			continue
		}
		if version == nil || !version.Enabled {
			continue
		}
		rules = append(rules, activeRule{def: def, version: version})
	}

	patients, err := s.feed.ListPatients(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	if len(patients) == 0 || len(rules) == 0 {
		return 0, nil
	}

	workers := s.config.CDS.Evaluation.Workers
	if workers < 1 {
		workers = 1
	}

	patientCh := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for patientID := range patientCh {
				s.evaluatePatient(ctx, tenantID, patientID, rules)
			}
		}()
	}

	for _, patientID := range patients {
		select {
		case <-ctx.Done():
			close(patientCh)
			wg.Wait()
			return 0, ctx.Err()
		case patientCh <- patientID:
		}
	}
	close(patientCh)
	wg.Wait()

	return len(patients), nil
}

// evaluatePatient 对单个患者评估全部启用规则，并刷新快照缓存
func (s *CDSService) evaluatePatient(ctx context.Context, tenantID, patientID string, rules []activeRule) {
	signals, err := s.feed.LoadSignals(ctx, tenantID, patientID)
	if err != nil {
		s.logger.Warn("Failed to load patient signals",
			zap.String("tenant_id", tenantID),
			zap.String("patient_id", patientID),
			zap.Error(err))
		return
	}

	pctx, err := s.feed.LoadContext(ctx, tenantID, patientID)
	if err != nil {
		s.logger.Warn("Failed to load patient context",
			zap.String("patient_id", patientID),
			zap.Error(err))
		pctx = &PatientContext{}
	}

	now := time.Now()
	for _, rule := range rules {
		s.evaluateRule(ctx, tenantID, patientID, pctx.AttendingDoctorID, rule, signals, now)
	}

	s.refreshSnapshot(ctx, tenantID, patientID, signals, pctx, now)
}

func (s *CDSService) evaluateRule(
	ctx context.Context,
	tenantID, patientID, doctorID string,
	rule activeRule,
	signals *models.PatientSignalSet,
	now time.Time,
) {
	result := s.evaluator.Evaluate(rule.def, rule.version, signals, now)
	if !result.Triggered && result.Diagnostic == "" {
		return
	}

	windowHours := suppression.DefaultSuppressionRules.DeduplicateWindowHours
	if rule.version.Suppression != nil {
		windowHours = rule.version.Suppression.DeduplicateWindowHours
		if cd := rule.version.Suppression.CooldownHours; cd > windowHours {
			windowHours = cd
		}
	}

	history, err := s.instances.ListRecentInstances(ctx, tenantID, rule.def.RuleID, patientID, windowHours)
	if err != nil {
		s.logger.Error("Failed to load instance history",
			zap.String("rule_id", rule.def.RuleID),
			zap.String("patient_id", patientID),
			zap.Error(err))
		return
	}

	decision := s.engine.Process(rule.def, rule.version, result, history, patientID, doctorID, now)

	switch decision.Action {
	case suppression.ActionCreate:
		if err := s.instances.CreateInstance(ctx, tenantID, decision.Payload); err != nil {
			s.logger.Error("Failed to create alert instance",
				zap.String("rule_id", rule.def.RuleID),
				zap.String("patient_id", patientID),
				zap.Error(err))
			return
		}
		s.logger.Info("Alert fired",
			zap.String("tenant_id", tenantID),
			zap.String("rule_id", rule.def.RuleID),
			zap.String("patient_id", patientID),
			zap.String("severity", string(decision.Payload.Severity)))
		// 推送尽力而为，失败不影响已落库的实例
		_ = s.publisher.PublishInstance(ctx, decision.Payload)

	case suppression.ActionUpdate:
		if err := s.instances.BumpSeverity(ctx, tenantID, decision.UpdateInstanceID, decision.NewSeverity, now); err != nil {
			s.logger.Error("Failed to bump instance severity",
				zap.String("instance_id", decision.UpdateInstanceID),
				zap.Error(err))
			return
		}
		s.logger.Info("Alert severity raised on refire",
			zap.String("instance_id", decision.UpdateInstanceID),
			zap.String("severity", string(decision.NewSeverity)))

	case suppression.ActionIgnore:
		// 去重/冷却抑制静默处理，仅 debug 记录
		s.logger.Debug("Trigger suppressed",
			zap.String("rule_id", rule.def.RuleID),
			zap.String("patient_id", patientID),
			zap.String("reason", decision.Reason))
	}
}

// refreshSnapshot 重算患者快照并写入展示缓存
func (s *CDSService) refreshSnapshot(
	ctx context.Context,
	tenantID, patientID string,
	signals *models.PatientSignalSet,
	pctx *PatientContext,
	now time.Time,
) {
	openAlerts, err := s.instances.ListOpenInstancesForPatient(ctx, tenantID, patientID)
	if err != nil {
		s.logger.Warn("Failed to list open instances for snapshot",
			zap.String("patient_id", patientID),
			zap.Error(err))
		return
	}

	result := snapshot.CalculateSnapshot(&models.SnapshotInput{
		PatientID:      patientID,
		Signals:        signals,
		OpenAlerts:     openAlerts,
		Medications:    pctx.Medications,
		Messages:       pctx.Messages,
		LabOrders:      pctx.LabOrders,
		Case:           pctx.Case,
		Vitals:         pctx.Vitals,
		LastReviewedAt: pctx.LastReviewedAt,
		Now:            now,
	})

	if err := s.cache.UpdateSnapshotCache(ctx, patientID, result); err != nil {
		s.logger.Warn("Failed to update snapshot cache",
			zap.String("patient_id", patientID),
			zap.Error(err))
	}
}

// runEscalationSweep 对全部租户执行一轮升级巡检
func (s *CDSService) runEscalationSweep(ctx context.Context) {
	tenants, err := s.feed.ListTenants(ctx)
	if err != nil {
		s.logger.Error("Failed to list tenants for escalation sweep", zap.Error(err))
		return
	}

	now := time.Now()
	for _, tenantID := range tenants {
		if _, err := s.sweeper.Sweep(ctx, tenantID, now); err != nil {
			s.logger.Error("Escalation sweep failed",
				zap.String("tenant_id", tenantID),
				zap.Error(err))
		}
	}
}
