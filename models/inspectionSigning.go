package models

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/serviciudad/activos_backend/config"
	"github.com/serviciudad/activos_backend/utils"
	"gorm.io/gorm"
)

type ReviewerSignatureInput struct {
	SignatureUrl        string `json:"signature_url" validate:"required"`
	DeclarationAccepted bool   `json:"declaration_accepted"`
}

type CustodianSignatureInput struct {
	SignatureUrl        string `json:"signature_url" validate:"required"`
	DeclarationAccepted bool   `json:"declaration_accepted"`
	// Optional corrections the custodian may make to their own identity.
	CustodianName       *string `json:"custodian_name"`
	CustodianNationalId *string `json:"custodian_national_id" validate:"omitempty,max=30"`
}

// InspectionTransitionHook observes committed status changes. Hooks run
// synchronously in the goroutine that made the change.
type InspectionTransitionHook func(ctx context.Context, before, after *Inspection)

var (
	transitionHooks   []InspectionTransitionHook
	transitionHooksMu sync.RWMutex
)

func RegisterInspectionTransitionHook(hook InspectionTransitionHook) {
	transitionHooksMu.Lock()
	defer transitionHooksMu.Unlock()
	transitionHooks = append(transitionHooks, hook)
}

func ResetInspectionTransitionHooks() {
	transitionHooksMu.Lock()
	defer transitionHooksMu.Unlock()
	transitionHooks = nil
}

func fireTransitionHooks(ctx context.Context, before, after *Inspection) {
	transitionHooksMu.RLock()
	hooks := append([]InspectionTransitionHook(nil), transitionHooks...)
	transitionHooksMu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, before, after)
	}
}

// SignableSnapshot is the content both parties sign. Its canonical JSON digest
// is stored with each signature and printed on the acta.
type SignableSnapshot struct {
	InspectionId   string         `json:"inspectionId"`
	Asset          signableAsset  `json:"asset"`
	Reviewer       signableParty  `json:"reviewer"`
	Custodian      signableParty  `json:"custodian"`
	InspectionDate string         `json:"inspectionDate"`
	Condition      AssetCondition `json:"condition"`
	Description    string         `json:"description"`
	Remarks        *string        `json:"remarks"`
	EvidenceIds    []string       `json:"evidenceIds"`
	SignedAt       string         `json:"signedAt"`
}

type signableAsset struct {
	Id          string `json:"id"`
	Code        string `json:"code"`
	Description string `json:"description"`
	Location    string `json:"location"`
}

type signableParty struct {
	Id         string `json:"id"`
	Name       string `json:"name"`
	NationalId string `json:"nationalId"`
	JobTitle   string `json:"jobTitle"`
}

func SignablePayload(insp *Inspection, signedAt time.Time) SignableSnapshot {
	evidenceIds := make([]string, 0, len(insp.Evidences))
	for _, e := range insp.Evidences {
		evidenceIds = append(evidenceIds, e.ID)
	}
	return SignableSnapshot{
		InspectionId: insp.ID,
		Asset: signableAsset{
			Id:          insp.AssetId,
			Code:        insp.AssetCode,
			Description: insp.AssetDescription,
			Location:    insp.AssetLocation,
		},
		Reviewer: signableParty{
			Id:         insp.ReviewerId,
			Name:       insp.ReviewerName,
			NationalId: insp.ReviewerNationalId,
			JobTitle:   insp.ReviewerJobTitle,
		},
		Custodian: signableParty{
			Id:         insp.CustodianId,
			Name:       insp.CustodianName,
			NationalId: insp.CustodianNationalId,
			JobTitle:   insp.CustodianJobTitle,
		},
		InspectionDate: insp.InspectionDate.UTC().Format(time.RFC3339),
		Condition:      insp.Condition,
		Description:    insp.Description,
		Remarks:        insp.Remarks,
		EvidenceIds:    evidenceIds,
		SignedAt:       signedAt.UTC().Format(time.RFC3339),
	}
}

func signatureColumns(prefix string, sig Signature) map[string]interface{} {
	return map[string]interface{}{
		prefix + "blob_url":             sig.BlobUrl,
		prefix + "signed_at":            sig.SignedAt,
		prefix + "client_ip":            sig.ClientIp,
		prefix + "user_agent":           sig.UserAgent,
		prefix + "content_digest":       sig.ContentDigest,
		prefix + "declaration_accepted": sig.DeclarationAccepted,
	}
}

func newSignature(ctx context.Context, insp *Inspection, blobUrl string, signedAt time.Time) (Signature, error) {
	digest, err := utils.ContentDigest(SignablePayload(insp, signedAt))
	if err != nil {
		return Signature{}, err
	}
	actor := utils.ActorFromContext(ctx)
	return Signature{
		BlobUrl:             blobUrl,
		SignedAt:            &signedAt,
		ClientIp:            actor.ClientIp,
		UserAgent:           actor.UserAgent,
		ContentDigest:       digest,
		DeclarationAccepted: true,
	}, nil
}

// SignAsReviewer records the reviewer signature on a draft and hands the
// inspection to the custodian.
func SignAsReviewer(ctx context.Context, id string, input *ReviewerSignatureInput) (*Inspection, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}
	if !input.DeclarationAccepted {
		return nil, newValidationError("declaration_accepted", "must be accepted")
	}

	db := config.GetDB()
	var before, after *Inspection
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		insp, err := loadInspection(tx, id)
		if err != nil {
			return err
		}
		if insp.Status != InspectionStatusDraft {
			return transitionError("reviewer signature", insp.Status)
		}
		if strings.TrimSpace(insp.Description) == "" {
			return newValidationError("description", "required before signing")
		}
		before = insp

		signedAt := utils.Now().UTC()
		sig, err := newSignature(ctx, insp, input.SignatureUrl, signedAt)
		if err != nil {
			return err
		}
		updates := signatureColumns("reviewer_signature_", sig)
		updates["status"] = InspectionStatusPendingCustodianSignature
		updates["updated_at"] = signedAt
		if err := conditionalUpdate(tx, id, InspectionStatusDraft, updates); err != nil {
			return err
		}
		after, err = loadInspection(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	InvalidateInspectionStats(ctx)
	fireTransitionHooks(ctx, before, after)
	return after, nil
}

// SignAsCustodian records the custodian signature. The inspection becomes
// firmada_completa and a completion event is queued in the same transaction.
func SignAsCustodian(ctx context.Context, id string, input *CustodianSignatureInput) (*Inspection, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}
	if !input.DeclarationAccepted {
		return nil, newValidationError("declaration_accepted", "must be accepted")
	}

	db := config.GetDB()
	var before, after *Inspection
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		insp, err := loadInspection(tx, id)
		if err != nil {
			return err
		}
		if insp.Status != InspectionStatusPendingCustodianSignature || !insp.ReviewerSignature.IsSigned() {
			return transitionError("custodian signature", insp.Status)
		}
		snapshot := *insp
		before = &snapshot

		if input.CustodianName != nil && strings.TrimSpace(*input.CustodianName) != "" {
			insp.CustodianName = strings.TrimSpace(*input.CustodianName)
		}
		if input.CustodianNationalId != nil && strings.TrimSpace(*input.CustodianNationalId) != "" {
			insp.CustodianNationalId = strings.TrimSpace(*input.CustodianNationalId)
		}

		signedAt := utils.Now().UTC()
		sig, err := newSignature(ctx, insp, input.SignatureUrl, signedAt)
		if err != nil {
			return err
		}
		updates := signatureColumns("custodian_signature_", sig)
		updates["custodian_name"] = insp.CustodianName
		updates["custodian_national_id"] = insp.CustodianNationalId
		updates["status"] = InspectionStatusFullySigned
		updates["updated_at"] = signedAt
		if err := conditionalUpdate(tx, id, InspectionStatusPendingCustodianSignature, updates); err != nil {
			return err
		}
		if err := enqueueActaCompletion(tx, id); err != nil {
			return err
		}
		after, err = loadInspection(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	InvalidateInspectionStats(ctx)
	fireTransitionHooks(ctx, before, after)
	return reloadAfterHooks(ctx, after)
}

// VoidInspection cancels an inspection that has not been fully signed.
func VoidInspection(ctx context.Context, id string, reason string) (*Inspection, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, newValidationError("reason", "required")
	}

	db := config.GetDB()
	var after *Inspection
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		insp, err := loadInspection(tx, id)
		if err != nil {
			return err
		}
		if insp.Status != InspectionStatusDraft && insp.Status != InspectionStatusPendingCustodianSignature {
			return transitionError("void", insp.Status)
		}
		if err := conditionalUpdate(tx, id, insp.Status, map[string]interface{}{
			"status":      InspectionStatusVoid,
			"void_reason": reason,
			"updated_at":  utils.Now().UTC(),
		}); err != nil {
			return err
		}
		entry := NewActorAuditEntry(ctx, AuditActionVoid, AuditModuleInspections, id,
			"Revisión anulada: "+reason)
		if err := AppendAudit(tx, entry,
			map[string]interface{}{"status": insp.Status},
			map[string]interface{}{"status": InspectionStatusVoid, "void_reason": reason}); err != nil {
			return err
		}
		after, err = loadInspection(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	InvalidateInspectionStats(ctx)
	return after, nil
}

// RetryActaGeneration puts a failed inspection back to firmada_completa and
// queues a new completion event.
func RetryActaGeneration(ctx context.Context, id string) (*Inspection, error) {
	db := config.GetDB()
	var before, after *Inspection
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		insp, err := loadInspection(tx, id)
		if err != nil {
			return err
		}
		if insp.Status != InspectionStatusGenerationError {
			return transitionError("retry acta generation", insp.Status)
		}
		before = insp
		if err := conditionalUpdate(tx, id, InspectionStatusGenerationError, map[string]interface{}{
			"status":        InspectionStatusFullySigned,
			"error_message": nil,
			"updated_at":    utils.Now().UTC(),
		}); err != nil {
			return err
		}
		if err := enqueueActaCompletion(tx, id); err != nil {
			return err
		}
		after, err = loadInspection(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	InvalidateInspectionStats(ctx)
	fireTransitionHooks(ctx, before, after)
	return reloadAfterHooks(ctx, after)
}

// reloadAfterHooks returns the freshest state when a synchronous hook may have
// finished the acta already.
func reloadAfterHooks(ctx context.Context, after *Inspection) (*Inspection, error) {
	transitionHooksMu.RLock()
	n := len(transitionHooks)
	transitionHooksMu.RUnlock()
	if n == 0 {
		return after, nil
	}
	return GetInspection(ctx, after.ID)
}
