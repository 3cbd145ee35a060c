package models

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/serviciudad/activos_backend/config"
	"github.com/serviciudad/activos_backend/utils"
	"gorm.io/gorm"
)

// Outbox publish statuses for ActaOutboxRecord.PublishStatus.
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

const ActaOutboxEventFullySigned = "firmada_completa"

// ActaOutboxRecord is the transactional outbox row written together with the
// custodian signature. Publishing to Pub/Sub happens after commit.
type ActaOutboxRecord struct {
	ID            int    `gorm:"primaryKey;index:idx_acta_outbox_dispatch,priority:3" json:"id"`
	InspectionId  string `gorm:"size:36;not null;index" json:"inspection_id"`
	Event         string `gorm:"size:50;not null" json:"event"`
	CorrelationId string `gorm:"size:64;index" json:"correlation_id"`
	IsProcessed   bool   `gorm:"not null;default:false;index" json:"is_processed"`
	// publish metadata (dispatcher)
	PublishStatus    string     `gorm:"size:20;not null;default:'PENDING';index:idx_acta_outbox_dispatch,priority:1" json:"publish_status"`
	PublishedAt      *time.Time `json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index:idx_acta_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	// processing metadata (workflow)
	ProcessAttempts  int        `gorm:"not null;default:0" json:"process_attempts"`
	LastProcessError *string    `gorm:"type:text" json:"last_process_error"`
	ProcessedAt      *time.Time `gorm:"index" json:"processed_at"`
	CreatedAt        time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

// enqueueActaCompletion writes the completion event inside the caller's transaction.
func enqueueActaCompletion(tx *gorm.DB, inspectionId string) error {
	record := ActaOutboxRecord{
		InspectionId:  inspectionId,
		Event:         ActaOutboxEventFullySigned,
		CorrelationId: correlationIdFromContextOrNew(tx.Statement.Context),
		PublishStatus: OutboxPublishStatusPending,
	}
	return tx.Create(&record).Error
}

func ConvertToActaCompletionMessage(record ActaOutboxRecord) config.ActaCompletionMessage {
	return config.ActaCompletionMessage{
		OutboxId:      record.ID,
		InspectionId:  record.InspectionId,
		Event:         record.Event,
		OccurredAt:    record.CreatedAt,
		CorrelationId: record.CorrelationId,
	}
}

// MarkActaOutboxProcessed closes every open completion event of an inspection.
// processErr is recorded but the events still count as handled: the inspection
// carries its own failure state and a retry queues a fresh event.
func MarkActaOutboxProcessed(tx *gorm.DB, inspectionId string, processErr error) error {
	now := utils.Now().UTC()
	updates := map[string]interface{}{
		"is_processed":       true,
		"processed_at":       now,
		"process_attempts":   gorm.Expr("process_attempts + 1"),
		"last_process_error": nil,
		"updated_at":         now,
	}
	if processErr != nil {
		msg := utils.Truncate(processErr.Error(), 2000)
		updates["last_process_error"] = &msg
	}
	return tx.Model(&ActaOutboxRecord{}).
		Where("inspection_id = ? AND is_processed = ?", inspectionId, false).
		Updates(updates).Error
}

// RecordActaOutboxProcessError keeps the event open for another attempt.
func RecordActaOutboxProcessError(tx *gorm.DB, recordId int, processErr error) error {
	msg := utils.Truncate(processErr.Error(), 2000)
	return tx.Model(&ActaOutboxRecord{}).Where("id = ?", recordId).
		Updates(map[string]interface{}{
			"process_attempts":   gorm.Expr("process_attempts + 1"),
			"last_process_error": &msg,
			"updated_at":         utils.Now().UTC(),
		}).Error
}
