package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/serviciudad/activos_backend/config"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Asset is a fixed asset under custody. Inspections snapshot code, description
// and location at creation so later edits never rewrite a recorded inspection.
type Asset struct {
	ID               string          `gorm:"primaryKey;size:36" json:"id"`
	Code             string          `gorm:"size:50;not null;uniqueIndex" json:"code"`
	Description      string          `gorm:"type:text;not null" json:"description"`
	Category         string          `gorm:"size:100;index" json:"category"`
	Location         string          `gorm:"size:255" json:"location"`
	Dependency       string          `gorm:"size:255" json:"dependency"`
	CustodianId      string          `gorm:"size:64;index" json:"custodian_id"`
	CustodianName    string          `gorm:"size:255" json:"custodian_name"`
	Status           AssetStatus     `gorm:"size:30;not null" json:"status"`
	AcquisitionValue decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"acquisition_value"`
	AcquisitionDate  *time.Time      `json:"acquisition_date"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewAsset struct {
	Code             string          `json:"code" validate:"required,max=50"`
	Description      string          `json:"description" validate:"required"`
	Category         string          `json:"category"`
	Location         string          `json:"location"`
	Dependency       string          `json:"dependency"`
	CustodianId      string          `json:"custodian_id"`
	CustodianName    string          `json:"custodian_name"`
	AcquisitionValue decimal.Decimal `json:"acquisition_value"`
	AcquisitionDate  *time.Time      `json:"acquisition_date"`
}

// CreateAsset registers an asset. Asset maintenance screens live elsewhere;
// this exists for seeding and imports.
func CreateAsset(ctx context.Context, input *NewAsset) (*Asset, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}
	asset := Asset{
		ID:               uuid.NewString(),
		Code:             strings.TrimSpace(input.Code),
		Description:      strings.TrimSpace(input.Description),
		Category:         input.Category,
		Location:         input.Location,
		Dependency:       input.Dependency,
		CustodianId:      input.CustodianId,
		CustodianName:    input.CustodianName,
		Status:           AssetStatusActive,
		AcquisitionValue: input.AcquisitionValue,
		AcquisitionDate:  input.AcquisitionDate,
	}
	if err := config.GetDB().WithContext(ctx).Create(&asset).Error; err != nil {
		if IsDuplicateKeyErr(err) {
			return nil, newValidationError("code", "already exists")
		}
		return nil, err
	}
	return &asset, nil
}

func GetAsset(ctx context.Context, id string) (*Asset, error) {
	return getAsset(config.GetDB().WithContext(ctx), id)
}

func getAsset(tx *gorm.DB, id string) (*Asset, error) {
	var asset Asset
	if err := tx.Where("id = ?", id).Take(&asset).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAssetNotFound
		}
		return nil, err
	}
	return &asset, nil
}

func GetAssetByCode(ctx context.Context, code string) (*Asset, error) {
	var asset Asset
	err := config.GetDB().WithContext(ctx).Where("code = ?", strings.TrimSpace(code)).Take(&asset).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAssetNotFound
		}
		return nil, err
	}
	return &asset, nil
}
