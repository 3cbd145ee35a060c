package models

import (
	"context"
	"time"

	"github.com/serviciudad/activos_backend/config"
	"gorm.io/gorm"
)

const (
	inspectionStatsCacheKey = "stats:inspections"
	inspectionStatsCacheTTL = 30 * time.Second
	defaultListLimit        = 50
	maxListLimit            = 500
)

type InspectionFilter struct {
	Status      *InspectionStatus `form:"status"`
	ReviewerId  string            `form:"reviewerId"`
	CustodianId string            `form:"custodianId"`
	AssetId     string            `form:"assetId"`
	Limit       int               `form:"limit"`
	Offset      int               `form:"offset"`
}

type InspectionStats struct {
	Total                     int64 `json:"total"`
	PendingCustodianSignature int64 `json:"pending_custodian_signature"`
	PoorCondition             int64 `json:"poor_condition"`
	Completed                 int64 `json:"completed"`
	GenerationErrors          int64 `json:"generation_errors"`
}

// ListInspections returns inspections newest inspection date first, with their
// evidence so Stage() reads the same as on a single load.
func ListInspections(ctx context.Context, filter InspectionFilter) ([]*Inspection, error) {
	db := config.GetDB().WithContext(ctx)
	if filter.Status != nil {
		if !filter.Status.IsValid() {
			return nil, newValidationError("status", "invalid")
		}
		db = db.Where("status = ?", *filter.Status)
	}
	if filter.ReviewerId != "" {
		db = db.Where("reviewer_id = ?", filter.ReviewerId)
	}
	if filter.CustodianId != "" {
		db = db.Where("custodian_id = ?", filter.CustodianId)
	}
	if filter.AssetId != "" {
		db = db.Where("asset_id = ?", filter.AssetId)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	var results []*Inspection
	err := db.Preload("Evidences", func(db *gorm.DB) *gorm.DB {
		return db.Order("position ASC")
	}).Order("inspection_date DESC").Order("created_at DESC").
		Limit(limit).Offset(offset).Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

// GetInspectionStats counts inspections for the dashboard. Results are cached
// in Redis for a short while when it is available.
func GetInspectionStats(ctx context.Context) (*InspectionStats, error) {
	var stats InspectionStats
	if ok, err := config.GetRedisObject(ctx, inspectionStatsCacheKey, &stats); err == nil && ok {
		return &stats, nil
	}

	db := config.GetDB().WithContext(ctx)
	if err := db.Model(&Inspection{}).Count(&stats.Total).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&Inspection{}).
		Where("status = ?", InspectionStatusPendingCustodianSignature).
		Count(&stats.PendingCustodianSignature).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&Inspection{}).
		Where("asset_condition IN ?", []AssetCondition{AssetConditionPoor, AssetConditionDecommission}).
		Count(&stats.PoorCondition).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&Inspection{}).
		Where("status = ?", InspectionStatusCompleted).
		Count(&stats.Completed).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&Inspection{}).
		Where("status = ?", InspectionStatusGenerationError).
		Count(&stats.GenerationErrors).Error; err != nil {
		return nil, err
	}

	if err := config.SetRedisObject(ctx, inspectionStatsCacheKey, &stats, inspectionStatsCacheTTL); err != nil {
		config.GetLogger().WithError(err).Warn("inspection stats cache write failed")
	}
	return &stats, nil
}

// InvalidateInspectionStats drops the cached dashboard counters.
func InvalidateInspectionStats(ctx context.Context) {
	if err := config.RemoveRedisKey(ctx, inspectionStatsCacheKey); err != nil {
		config.GetLogger().WithError(err).Warn("inspection stats cache invalidation failed")
	}
}
