package main

import (
	"context"
	"time"

	"github.com/serviciudad/activos_backend/config"
	"github.com/serviciudad/activos_backend/models"
	"github.com/serviciudad/activos_backend/utils"
	"github.com/serviciudad/activos_backend/workflow"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// inspectionProcessor is satisfied by *workflow.ActaCompletionWorkflow.
type inspectionProcessor interface {
	ProcessInspection(ctx context.Context, inspectionId string) (workflow.CompletionOutcome, error)
}

// OutboxDirectProcessor runs completion events straight from the outbox table.
// It is the only path in local setups without Pub/Sub and a backup worker
// everywhere else: events younger than Grace are left to the sync hook or the
// subscriber, so it only picks up what those paths dropped.
type OutboxDirectProcessor struct {
	DB        *gorm.DB
	Logger    *logrus.Logger
	Processor inspectionProcessor
	WorkerID  string
	BatchSize int
	Interval  time.Duration
	LockTTL   time.Duration
	Grace     time.Duration
	Retry     outboxProcessRetryConfig
}

func NewOutboxDirectProcessor(db *gorm.DB, logger *logrus.Logger, processor inspectionProcessor) *OutboxDirectProcessor {
	return &OutboxDirectProcessor{
		DB:        db,
		Logger:    logger,
		Processor: processor,
		WorkerID:  "direct-" + time.Now().Format("20060102-150405.000"),
		BatchSize: 20,
		Interval:  5 * time.Second,
		LockTTL:   config.ActaRenderTimeout() + 30*time.Second,
		Grace:     utils.DurationFromEnv("OUTBOX_DIRECT_GRACE", 30*time.Second),
		Retry:     getOutboxProcessRetryConfig(),
	}
}

func (p *OutboxDirectProcessor) Run(ctx context.Context) {
	if p == nil || p.DB == nil || p.Processor == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		p.processOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.Interval):
		}
	}
}

// processOnce claims a batch of open events and runs the workflow for each.
// It returns how many events it claimed.
func (p *OutboxDirectProcessor) processOnce(ctx context.Context) int {
	now := utils.Now().UTC()
	staleBefore := now.Add(-p.LockTTL)
	createdBefore := now.Add(-p.Grace)

	var claimed, exhausted []models.ActaOutboxRecord
	err := p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []models.ActaOutboxRecord
		q := tx.
			Where("is_processed = ?", false).
			Where("created_at <= ?", createdBefore).
			Where("(locked_at IS NULL OR locked_at <= ?)", staleBefore).
			Order("process_attempts ASC, id ASC").
			Limit(p.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&candidates).Error; err != nil {
			return err
		}
		for _, rec := range candidates {
			switch {
			case rec.ProcessAttempts >= p.Retry.maxAttempts:
				exhausted = append(exhausted, rec)
			case outboxRecordDue(rec, now, p.Retry):
				claimed = append(claimed, rec)
			}
		}
		if len(claimed) == 0 {
			return nil
		}
		ids := make([]int, len(claimed))
		for i := range claimed {
			ids[i] = claimed[i].ID
		}
		return tx.Model(&models.ActaOutboxRecord{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"locked_at":  now,
				"locked_by":  p.WorkerID,
				"updated_at": now,
			}).Error
	})
	if err != nil {
		config.LogError(p.Logger, "outbox_direct_processor.go", "processOnce", "claiming outbox rows", nil, err)
		return 0
	}
	for _, rec := range exhausted {
		giveUpOutboxRecord(ctx, p.DB, p.Logger, rec)
	}

	// Several rows may share an inspection (retries); run each inspection once.
	seen := make(map[string]bool, len(claimed))
	for _, rec := range claimed {
		if seen[rec.InspectionId] {
			p.unlock(ctx, rec.ID)
			continue
		}
		seen[rec.InspectionId] = true
		p.processRecord(ctx, rec)
	}
	return len(claimed)
}

func (p *OutboxDirectProcessor) processRecord(ctx context.Context, rec models.ActaOutboxRecord) {
	procCtx := utils.SetCorrelationIdInContext(ctx, rec.CorrelationId)
	procCtx = utils.SetUserNameInContext(procCtx, "Sistema")

	outcome, err := p.Processor.ProcessInspection(procCtx, rec.InspectionId)
	if err != nil {
		if recErr := models.RecordActaOutboxProcessError(p.DB.WithContext(ctx), rec.ID, err); recErr != nil {
			config.LogError(p.Logger, "outbox_direct_processor.go", "processRecord", "recording process error", rec.ID, recErr)
		}
		p.unlock(ctx, rec.ID)
		p.Logger.WithFields(logrus.Fields{
			"field":         "OutboxDirectProcessor",
			"inspection_id": rec.InspectionId,
			"record_id":     rec.ID,
		}).Warn("direct processing failed: " + err.Error())
		return
	}

	// Completed and failed runs close the events themselves; a skip may leave
	// this one open and it must not be picked up forever.
	if outcome == workflow.CompletionOutcomeSkipped {
		if err := models.MarkActaOutboxProcessed(p.DB.WithContext(ctx), rec.InspectionId, nil); err != nil {
			config.LogError(p.Logger, "outbox_direct_processor.go", "processRecord", "closing skipped event", rec.ID, err)
		}
	}
	p.unlock(ctx, rec.ID)
}

func (p *OutboxDirectProcessor) unlock(ctx context.Context, recordId int) {
	_ = p.DB.WithContext(ctx).Model(&models.ActaOutboxRecord{}).
		Where("id = ?", recordId).
		Updates(map[string]interface{}{
			"locked_at":  nil,
			"locked_by":  nil,
			"updated_at": utils.Now().UTC(),
		}).Error
}
