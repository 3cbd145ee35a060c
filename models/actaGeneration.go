package models

import "time"

type ActaGenerationStatus string

const (
	ActaGenerationStatusStarted   ActaGenerationStatus = "STARTED"
	ActaGenerationStatusSucceeded ActaGenerationStatus = "SUCCEEDED"
	ActaGenerationStatusFailed    ActaGenerationStatus = "FAILED"
)

// ActaGeneration makes acta generation idempotent per inspection.
// The reserved number survives failed attempts so a retry prints the same
// number instead of burning a new one.
type ActaGeneration struct {
	ID             int                  `gorm:"primaryKey" json:"id"`
	InspectionId   string               `gorm:"size:36;not null;uniqueIndex" json:"inspection_id"`
	DocumentNumber *string              `gorm:"size:32;uniqueIndex" json:"document_number"`
	Status         ActaGenerationStatus `gorm:"size:20;not null;index" json:"status"`
	Attempts       int                  `gorm:"not null;default:0" json:"attempts"`
	LastError      *string              `gorm:"type:text" json:"last_error"`
	CreatedAt      time.Time            `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time            `gorm:"autoUpdateTime" json:"updated_at"`
}
