package models

import (
	"encoding/json"
	"errors"
)

type InspectionStatus string

const (
	InspectionStatusDraft                     InspectionStatus = "borrador"
	InspectionStatusPendingCustodianSignature InspectionStatus = "pendiente_firma_custodio"
	InspectionStatusFullySigned               InspectionStatus = "firmada_completa"
	InspectionStatusCompleted                 InspectionStatus = "completada"
	InspectionStatusGenerationError           InspectionStatus = "error_generacion"
	InspectionStatusVoid                      InspectionStatus = "anulada"
)

func (s InspectionStatus) IsValid() bool {
	switch s {
	case InspectionStatusDraft, InspectionStatusPendingCustodianSignature, InspectionStatusFullySigned,
		InspectionStatusCompleted, InspectionStatusGenerationError, InspectionStatusVoid:
		return true
	}
	return false
}

// IsTerminal is true for states that accept no further user mutation.
func (s InspectionStatus) IsTerminal() bool {
	return s == InspectionStatusCompleted || s == InspectionStatusVoid
}

// InspectionStage is the UI step an inspection is in. Stages are derived from
// status and content, never stored.
type InspectionStage string

const (
	InspectionStageEvidencePending            InspectionStage = "evidence_pending"
	InspectionStageAwaitingReviewerSignature  InspectionStage = "awaiting_reviewer_signature"
	InspectionStageAwaitingCustodianSignature InspectionStage = "awaiting_custodian_signature"
	InspectionStageGeneratingDocument         InspectionStage = "generating_document"
	InspectionStageDocumentGenerated          InspectionStage = "document_generated"
	InspectionStageGenerationFailed           InspectionStage = "generation_failed"
	InspectionStageVoided                     InspectionStage = "voided"
)

// AssetCondition is the physical condition recorded by the reviewer, best first.
type AssetCondition string

const (
	AssetConditionExcellent    AssetCondition = "excelente"
	AssetConditionGood         AssetCondition = "bueno"
	AssetConditionFair         AssetCondition = "regular"
	AssetConditionPoor         AssetCondition = "malo"
	AssetConditionDecommission AssetCondition = "para_baja"
)

func (c AssetCondition) IsValid() bool {
	switch c {
	case AssetConditionExcellent, AssetConditionGood, AssetConditionFair, AssetConditionPoor, AssetConditionDecommission:
		return true
	}
	return false
}

// NeedsAttention is true for the conditions counted as poor in statistics.
func (c AssetCondition) NeedsAttention() bool {
	return c == AssetConditionPoor || c == AssetConditionDecommission
}

// convert input to enum type
func (c *AssetCondition) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return errors.New("asset condition must be string")
	}
	v := AssetCondition(str)
	if !v.IsValid() {
		return errors.New("invalid asset condition")
	}
	*c = v
	return nil
}

type AssetStatus string

const (
	AssetStatusActive         AssetStatus = "activo"
	AssetStatusInactive       AssetStatus = "inactivo"
	AssetStatusMaintenance    AssetStatus = "en_mantenimiento"
	AssetStatusDecommissioned AssetStatus = "dado_de_baja"
)
