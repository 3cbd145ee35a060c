package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/serviciudad/activos_backend/config"
	"github.com/serviciudad/activos_backend/models"
	"github.com/serviciudad/activos_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var ErrGenerationTimedOut = errors.New("generation timed out")

// StaleGenerationSweeper moves inspections stuck in firmada_completa past the
// deadline to error_generacion, where they can be retried by hand.
type StaleGenerationSweeper struct {
	DB        *gorm.DB
	Logger    *logrus.Logger
	Deadline  time.Duration
	Interval  time.Duration
	BatchSize int
}

func NewStaleGenerationSweeper(db *gorm.DB, logger *logrus.Logger) *StaleGenerationSweeper {
	return &StaleGenerationSweeper{
		DB:        db,
		Logger:    logger,
		Deadline:  config.ActaGenerationDeadline(),
		Interval:  time.Minute,
		BatchSize: 100,
	}
}

func (s *StaleGenerationSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.SweepOnce(ctx); err != nil && s.Logger != nil {
			s.Logger.WithError(err).WithField("field", "StaleGenerationSweeper").Error("sweep failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce returns the number of inspections it timed out.
func (s *StaleGenerationSweeper) SweepOnce(ctx context.Context) (int, error) {
	db := s.DB.WithContext(ctx)
	cutoff := utils.Now().UTC().Add(-s.Deadline)

	var ids []string
	if err := db.Model(&models.Inspection{}).
		Where("status = ? AND updated_at < ?", models.InspectionStatusFullySigned, cutoff).
		Order("updated_at ASC").
		Limit(s.BatchSize).
		Pluck("id", &ids).Error; err != nil {
		return 0, err
	}

	swept := 0
	for _, id := range ids {
		msg := ErrGenerationTimedOut.Error()
		err := db.Transaction(func(tx *gorm.DB) error {
			if err := models.ConditionalStatusUpdate(tx, id, models.InspectionStatusFullySigned, map[string]interface{}{
				"status":        models.InspectionStatusGenerationError,
				"error_message": &msg,
				"updated_at":    utils.Now().UTC(),
			}); err != nil {
				return err
			}
			if err := MarkActaGenerationFailed(tx, id, ErrGenerationTimedOut); err != nil {
				return err
			}
			return models.MarkActaOutboxProcessed(tx, id, ErrGenerationTimedOut)
		})
		if errors.Is(err, models.ErrInspectionStateChanged) {
			continue
		}
		if err != nil {
			return swept, err
		}
		swept++
		if s.Logger != nil {
			s.Logger.WithFields(logrus.Fields{
				"field":         "StaleGenerationSweeper",
				"inspection_id": id,
			}).Warn("acta generation timed out")
		}
	}
	if swept > 0 {
		models.InvalidateInspectionStats(ctx)
	}
	return swept, nil
}
