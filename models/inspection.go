package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/serviciudad/activos_backend/config"
	"github.com/serviciudad/activos_backend/utils"
	"gorm.io/gorm"
)

// Signature is one party's acceptance of the inspection content.
type Signature struct {
	BlobUrl             string     `gorm:"type:text" json:"blob_url"`
	SignedAt            *time.Time `json:"signed_at"`
	ClientIp            string     `gorm:"size:64" json:"client_ip"`
	UserAgent           string     `gorm:"type:text" json:"user_agent"`
	ContentDigest       string     `gorm:"size:64" json:"content_digest"`
	DeclarationAccepted bool       `gorm:"not null;default:false" json:"declaration_accepted"`
}

func (s Signature) IsSigned() bool {
	return s.SignedAt != nil && strings.TrimSpace(s.BlobUrl) != ""
}

type Evidence struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	InspectionId string    `gorm:"size:36;not null;index:idx_evidence_position,unique,priority:1" json:"inspection_id"`
	Position     int       `gorm:"not null;index:idx_evidence_position,unique,priority:2" json:"position"`
	BlobUrl      string    `gorm:"type:text;not null" json:"blob_url"`
	Label        string    `gorm:"size:255" json:"label"`
	Description  string    `gorm:"type:text" json:"description"`
	UploadedAt   time.Time `gorm:"not null" json:"uploaded_at"`
}

func (Evidence) TableName() string {
	return "inspection_evidences"
}

// Inspection ("revisión") of one asset by a reviewer, countersigned by the
// asset custodian. DocumentNumber and DocumentUrl are only set once the acta
// has been generated (status completada).
type Inspection struct {
	ID             string  `gorm:"primaryKey;size:36" json:"id"`
	DocumentNumber *string `gorm:"size:32;uniqueIndex" json:"document_number"`

	AssetId          string `gorm:"size:36;not null;index" json:"asset_id"`
	AssetCode        string `gorm:"size:50;not null" json:"asset_code"`
	AssetDescription string `gorm:"type:text" json:"asset_description"`
	AssetLocation    string `gorm:"size:255" json:"asset_location"`

	ReviewerId         string `gorm:"size:64;not null;index" json:"reviewer_id"`
	ReviewerName       string `gorm:"size:255;not null" json:"reviewer_name"`
	ReviewerNationalId string `gorm:"size:30;not null" json:"reviewer_national_id"`
	ReviewerJobTitle   string `gorm:"size:255" json:"reviewer_job_title"`

	CustodianId         string `gorm:"size:64;not null;index" json:"custodian_id"`
	CustodianName       string `gorm:"size:255;not null" json:"custodian_name"`
	CustodianNationalId string `gorm:"size:30;not null" json:"custodian_national_id"`
	CustodianJobTitle   string `gorm:"size:255" json:"custodian_job_title"`

	InspectionDate time.Time      `gorm:"not null;index" json:"inspection_date"`
	Condition      AssetCondition `gorm:"column:asset_condition;size:20;not null" json:"condition"`
	Description    string         `gorm:"type:text" json:"description"`
	Remarks        *string        `gorm:"type:text" json:"remarks"`
	Evidences      []Evidence     `gorm:"foreignKey:InspectionId" json:"evidences"`

	ReviewerSignature  Signature `gorm:"embedded;embeddedPrefix:reviewer_signature_" json:"reviewer_signature"`
	CustodianSignature Signature `gorm:"embedded;embeddedPrefix:custodian_signature_" json:"custodian_signature"`

	Status       InspectionStatus `gorm:"size:30;not null;index" json:"status"`
	DocumentUrl  *string          `gorm:"type:text" json:"document_url"`
	ErrorMessage *string          `gorm:"type:text" json:"error_message"`
	VoidReason   *string          `gorm:"type:text" json:"void_reason"`

	CreatedBy string    `gorm:"size:64" json:"created_by"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime;index" json:"updated_at"`
}

// Stage is the UI step derived from status and content.
func (insp *Inspection) Stage() InspectionStage {
	switch insp.Status {
	case InspectionStatusDraft:
		if len(insp.Evidences) == 0 {
			return InspectionStageEvidencePending
		}
		return InspectionStageAwaitingReviewerSignature
	case InspectionStatusPendingCustodianSignature:
		return InspectionStageAwaitingCustodianSignature
	case InspectionStatusFullySigned:
		return InspectionStageGeneratingDocument
	case InspectionStatusCompleted:
		return InspectionStageDocumentGenerated
	case InspectionStatusGenerationError:
		return InspectionStageGenerationFailed
	default:
		return InspectionStageVoided
	}
}

type NewInspection struct {
	AssetId             string         `json:"asset_id" validate:"required"`
	ReviewerId          string         `json:"reviewer_id" validate:"required"`
	ReviewerName        string         `json:"reviewer_name" validate:"required"`
	ReviewerNationalId  string         `json:"reviewer_national_id" validate:"required,max=30"`
	ReviewerJobTitle    string         `json:"reviewer_job_title"`
	CustodianId         string         `json:"custodian_id" validate:"required"`
	CustodianName       string         `json:"custodian_name" validate:"required"`
	CustodianNationalId string         `json:"custodian_national_id" validate:"required,max=30"`
	CustodianJobTitle   string         `json:"custodian_job_title"`
	InspectionDate      *time.Time     `json:"inspection_date"`
	Condition           AssetCondition `json:"condition" validate:"required"`
	Description         string         `json:"description"`
	Remarks             *string        `json:"remarks"`
}

type InspectionFindings struct {
	InspectionDate *time.Time     `json:"inspection_date"`
	Condition      AssetCondition `json:"condition" validate:"required"`
	Description    string         `json:"description"`
	Remarks        *string        `json:"remarks"`
}

type NewEvidence struct {
	BlobUrl     string `json:"blob_url" validate:"required"`
	Label       string `json:"label" validate:"max=255"`
	Description string `json:"description"`
}

// CreateInspection opens a draft inspection for an asset.
func CreateInspection(ctx context.Context, input *NewInspection) (*Inspection, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}
	if !input.Condition.IsValid() {
		return nil, newValidationError("condition", "invalid")
	}

	db := config.GetDB()
	asset, err := getAsset(db.WithContext(ctx), input.AssetId)
	if err != nil {
		return nil, err
	}

	inspectionDate := utils.Now()
	if input.InspectionDate != nil {
		inspectionDate = utils.BusinessDate(*input.InspectionDate)
	}
	createdBy, _ := utils.GetUserIdFromContext(ctx)

	insp := Inspection{
		ID:                  uuid.NewString(),
		AssetId:             asset.ID,
		AssetCode:           asset.Code,
		AssetDescription:    asset.Description,
		AssetLocation:       asset.Location,
		ReviewerId:          input.ReviewerId,
		ReviewerName:        strings.TrimSpace(input.ReviewerName),
		ReviewerNationalId:  strings.TrimSpace(input.ReviewerNationalId),
		ReviewerJobTitle:    input.ReviewerJobTitle,
		CustodianId:         input.CustodianId,
		CustodianName:       strings.TrimSpace(input.CustodianName),
		CustodianNationalId: strings.TrimSpace(input.CustodianNationalId),
		CustodianJobTitle:   input.CustodianJobTitle,
		InspectionDate:      inspectionDate.UTC(),
		Condition:           input.Condition,
		Description:         strings.TrimSpace(input.Description),
		Remarks:             normalizeRemarks(input.Remarks),
		Status:              InspectionStatusDraft,
		CreatedBy:           createdBy,
	}
	if err := db.WithContext(ctx).Create(&insp).Error; err != nil {
		return nil, err
	}
	InvalidateInspectionStats(ctx)
	return &insp, nil
}

// UpdateInspectionFindings edits the findings of a draft.
func UpdateInspectionFindings(ctx context.Context, id string, input *InspectionFindings) (*Inspection, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}
	if !input.Condition.IsValid() {
		return nil, newValidationError("condition", "invalid")
	}

	db := config.GetDB()
	var result *Inspection
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		insp, err := loadInspection(tx, id)
		if err != nil {
			return err
		}
		if insp.Status != InspectionStatusDraft {
			return transitionError("update findings", insp.Status)
		}

		updates := map[string]interface{}{
			"asset_condition": input.Condition,
			"description":     strings.TrimSpace(input.Description),
			"remarks":         normalizeRemarks(input.Remarks),
			"updated_at":      utils.Now().UTC(),
		}
		if input.InspectionDate != nil {
			updates["inspection_date"] = utils.BusinessDate(*input.InspectionDate).UTC()
		}
		if err := conditionalUpdate(tx, id, InspectionStatusDraft, updates); err != nil {
			return err
		}
		result, err = loadInspection(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AddEvidence appends a photo (already stored in the blob store) to a draft.
func AddEvidence(ctx context.Context, id string, input *NewEvidence) (*Evidence, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}

	db := config.GetDB()
	var evidence Evidence
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		insp, err := loadInspection(tx, id)
		if err != nil {
			return err
		}
		if insp.Status != InspectionStatusDraft {
			return transitionError("add evidence", insp.Status)
		}

		var maxPosition int
		if err := tx.Model(&Evidence{}).Where("inspection_id = ?", id).
			Select("COALESCE(MAX(position), -1)").Scan(&maxPosition).Error; err != nil {
			return err
		}
		evidence = Evidence{
			ID:           uuid.NewString(),
			InspectionId: id,
			Position:     maxPosition + 1,
			BlobUrl:      input.BlobUrl,
			Label:        strings.TrimSpace(input.Label),
			Description:  strings.TrimSpace(input.Description),
			UploadedAt:   utils.Now().UTC(),
		}
		if err := tx.Create(&evidence).Error; err != nil {
			return err
		}
		// touch the parent so concurrent signers see a new version
		return conditionalUpdate(tx, id, InspectionStatusDraft, map[string]interface{}{"updated_at": utils.Now().UTC()})
	})
	if err != nil {
		return nil, err
	}
	return &evidence, nil
}

func GetInspection(ctx context.Context, id string) (*Inspection, error) {
	return loadInspection(config.GetDB().WithContext(ctx), id)
}

// LoadInspection reads an inspection with its evidence through the given handle
// (a transaction or a context-bound DB).
func LoadInspection(tx *gorm.DB, id string) (*Inspection, error) {
	return loadInspection(tx, id)
}

func loadInspection(tx *gorm.DB, id string) (*Inspection, error) {
	var insp Inspection
	err := tx.Preload("Evidences", func(db *gorm.DB) *gorm.DB {
		return db.Order("position ASC")
	}).Where("id = ?", id).Take(&insp).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInspectionNotFound
		}
		return nil, err
	}
	return &insp, nil
}

// conditionalUpdate applies updates only while the inspection is still in
// status from. Zero affected rows means somebody else moved it.
func conditionalUpdate(tx *gorm.DB, id string, from InspectionStatus, updates map[string]interface{}) error {
	result := tx.Model(&Inspection{}).Where("id = ? AND status = ?", id, from).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrInspectionStateChanged
	}
	return nil
}

// ConditionalStatusUpdate is conditionalUpdate for callers outside the package
// (the acta workflow and the stale sweeper).
func ConditionalStatusUpdate(tx *gorm.DB, id string, from InspectionStatus, updates map[string]interface{}) error {
	return conditionalUpdate(tx, id, from, updates)
}

func normalizeRemarks(remarks *string) *string {
	if remarks == nil {
		return nil
	}
	return utils.NilIfEmpty(strings.TrimSpace(*remarks))
}
