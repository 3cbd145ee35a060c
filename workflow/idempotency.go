package workflow

import (
	"errors"
	"time"

	"github.com/serviciudad/activos_backend/models"
	"github.com/serviciudad/activos_backend/utils"
	"gorm.io/gorm"
)

// A STARTED generation older than this is treated as abandoned by a crashed worker.
const staleGenerationAfter = 5 * time.Minute

// BeginActaGeneration claims the generation row of an inspection.
// skip is true when the acta was already generated. A fresh STARTED row held by
// another worker returns models.ErrActaGenerationInProgress so the caller retries later.
func BeginActaGeneration(db *gorm.DB, inspectionId string) (gen *models.ActaGeneration, skip bool, err error) {
	now := utils.Now().UTC()
	created := models.ActaGeneration{
		InspectionId: inspectionId,
		Status:       models.ActaGenerationStatusStarted,
		Attempts:     1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := db.Create(&created).Error; err == nil {
		return &created, false, nil
	} else if !models.IsDuplicateKeyErr(err) {
		return nil, false, err
	}

	var existing models.ActaGeneration
	if err := db.Where("inspection_id = ?", inspectionId).Take(&existing).Error; err != nil {
		return nil, false, err
	}

	switch existing.Status {
	case models.ActaGenerationStatusSucceeded:
		return &existing, true, nil
	case models.ActaGenerationStatusStarted:
		if now.Sub(existing.UpdatedAt) < staleGenerationAfter {
			return nil, false, models.ErrActaGenerationInProgress
		}
	}

	// Reclaim. The attempts guard makes two reclaimers race on one row update.
	result := db.Model(&models.ActaGeneration{}).
		Where("id = ? AND status = ? AND attempts = ?", existing.ID, existing.Status, existing.Attempts).
		Updates(map[string]interface{}{
			"status":     models.ActaGenerationStatusStarted,
			"attempts":   existing.Attempts + 1,
			"last_error": nil,
			"updated_at": now,
		})
	if result.Error != nil {
		return nil, false, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, false, models.ErrActaGenerationInProgress
	}
	existing.Status = models.ActaGenerationStatusStarted
	existing.Attempts++
	existing.LastError = nil
	existing.UpdatedAt = now
	return &existing, false, nil
}

// ReserveActaNumber pins a freshly minted number to the generation row so a
// later attempt prints the same number.
func ReserveActaNumber(db *gorm.DB, generationId int, documentNumber string) error {
	result := db.Model(&models.ActaGeneration{}).
		Where("id = ? AND document_number IS NULL", generationId).
		Updates(map[string]interface{}{
			"document_number": documentNumber,
			"updated_at":      utils.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errors.New("acta generation already holds a document number")
	}
	return nil
}

func MarkActaGenerationSucceeded(tx *gorm.DB, inspectionId string) error {
	return tx.Model(&models.ActaGeneration{}).
		Where("inspection_id = ?", inspectionId).
		Updates(map[string]interface{}{
			"status":     models.ActaGenerationStatusSucceeded,
			"last_error": nil,
			"updated_at": utils.Now().UTC(),
		}).Error
}

func MarkActaGenerationFailed(tx *gorm.DB, inspectionId string, cause error) error {
	msg := ""
	if cause != nil {
		msg = utils.Truncate(cause.Error(), 2000)
	}
	return tx.Model(&models.ActaGeneration{}).
		Where("inspection_id = ? AND status <> ?", inspectionId, models.ActaGenerationStatusSucceeded).
		Updates(map[string]interface{}{
			"status":     models.ActaGenerationStatusFailed,
			"last_error": &msg,
			"updated_at": utils.Now().UTC(),
		}).Error
}
