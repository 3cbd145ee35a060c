package models

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/serviciudad/activos_backend/utils"
	"gorm.io/gorm"
)

const (
	AuditActionComplete    = "completar"
	AuditActionVoid        = "anular"
	AuditModuleInspections = "revisiones"

	SystemActorId   = "system"
	SystemActorName = "Sistema"
)

type AuditEntry struct {
	ID          int       `gorm:"primaryKey" json:"id"`
	Action      string    `gorm:"size:30;not null;index" json:"action"`
	Module      string    `gorm:"size:50;not null;index" json:"module"`
	DocumentId  string    `gorm:"size:64;index" json:"document_id"`
	ActorId     string    `gorm:"size:64;not null;index" json:"actor_id"`
	ActorName   string    `gorm:"size:255" json:"actor_name"`
	ActorEmail  string    `gorm:"size:255" json:"actor_email"`
	Description string    `gorm:"type:text;not null" json:"description"`
	Before      string    `gorm:"type:text" json:"before"`
	After       string    `gorm:"type:text" json:"after"`
	UserAgent   string    `gorm:"type:text" json:"user_agent"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func systemActorEmail() string {
	if v := os.Getenv("AUDIT_SYSTEM_EMAIL"); v != "" {
		return v
	}
	return "system@serviciudad.gov.co"
}

// NewSystemAuditEntry builds an entry attributed to the automatic system actor.
func NewSystemAuditEntry(action, module, documentId, description string) AuditEntry {
	return AuditEntry{
		Action:      action,
		Module:      module,
		DocumentId:  documentId,
		ActorId:     SystemActorId,
		ActorName:   SystemActorName,
		ActorEmail:  systemActorEmail(),
		Description: description,
		UserAgent:   "system",
	}
}

// NewActorAuditEntry attributes an entry to the user in ctx, falling back to the
// system actor for unattended callers.
func NewActorAuditEntry(ctx context.Context, action, module, documentId, description string) AuditEntry {
	actor := utils.ActorFromContext(ctx)
	if actor.Id == "" {
		return NewSystemAuditEntry(action, module, documentId, description)
	}
	return AuditEntry{
		Action:      action,
		Module:      module,
		DocumentId:  documentId,
		ActorId:     actor.Id,
		ActorName:   actor.Name,
		Description: description,
		UserAgent:   actor.UserAgent,
	}
}

// AppendAudit stores an audit entry inside the caller's transaction.
// before and after are stored as opaque JSON.
func AppendAudit(tx *gorm.DB, entry AuditEntry, before interface{}, after interface{}) error {
	if before != nil {
		b, _ := json.Marshal(before)
		entry.Before = string(b)
	}
	if after != nil {
		a, _ := json.Marshal(after)
		entry.After = string(a)
	}
	return tx.Create(&entry).Error
}
