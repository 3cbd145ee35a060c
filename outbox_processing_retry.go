package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/serviciudad/activos_backend/models"
	"github.com/serviciudad/activos_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type outboxProcessRetryConfig struct {
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

func getOutboxProcessRetryConfig() outboxProcessRetryConfig {
	cfg := outboxProcessRetryConfig{
		maxAttempts: 10,
		baseBackoff: 5 * time.Second,
		maxBackoff:  10 * time.Minute,
	}

	if v := os.Getenv("OUTBOX_PROCESS_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.maxAttempts = n
		}
	}
	if v := os.Getenv("OUTBOX_PROCESS_BASE_BACKOFF_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.baseBackoff = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("OUTBOX_PROCESS_MAX_BACKOFF_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.maxBackoff = time.Duration(n) * time.Second
		}
	}

	return cfg
}

func outboxProcessBackoff(attempt int, cfg outboxProcessRetryConfig) time.Duration {
	if attempt <= 0 {
		return 0
	}
	// base * 2^(attempt-1), capped.
	delay := time.Duration(float64(cfg.baseBackoff) * math.Pow(2, float64(attempt-1)))
	if delay > cfg.maxBackoff {
		return cfg.maxBackoff
	}
	return delay
}

// outboxRecordDue reports whether a record's last failed attempt is far
// enough in the past to try again. UpdatedAt is the time of that attempt.
func outboxRecordDue(rec models.ActaOutboxRecord, now time.Time, cfg outboxProcessRetryConfig) bool {
	if rec.ProcessAttempts == 0 {
		return true
	}
	return !rec.UpdatedAt.Add(outboxProcessBackoff(rec.ProcessAttempts, cfg)).After(now)
}

// giveUpOutboxRecord closes an event that failed maxAttempts times. The
// inspection itself stays fully signed until the stale generation sweeper
// moves it to error_generacion, where a manual retry queues a fresh event.
func giveUpOutboxRecord(ctx context.Context, db *gorm.DB, logger *logrus.Logger, rec models.ActaOutboxRecord) {
	cause := fmt.Errorf("gave up after %d attempts", rec.ProcessAttempts)
	if rec.LastProcessError != nil {
		cause = fmt.Errorf("%w: %s", cause, *rec.LastProcessError)
	}
	now := utils.Now().UTC()
	err := db.WithContext(ctx).Model(&models.ActaOutboxRecord{}).
		Where("id = ? AND is_processed = ?", rec.ID, false).
		Updates(map[string]interface{}{
			"is_processed":       true,
			"processed_at":       now,
			"last_process_error": cause.Error(),
			"locked_at":          nil,
			"locked_by":          nil,
			"updated_at":         now,
		}).Error
	if logger == nil {
		return
	}
	entry := logger.WithFields(logrus.Fields{
		"field":            "OutboxProcessing",
		"inspection_id":    rec.InspectionId,
		"record_id":        rec.ID,
		"process_attempts": rec.ProcessAttempts,
	})
	if err != nil {
		entry.Error("failed to close exhausted outbox record: " + err.Error())
		return
	}
	entry.Error("outbox record exhausted its attempts: " + cause.Error())
}
