package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/serviciudad/activos_backend/config"
	"github.com/serviciudad/activos_backend/models"
	"github.com/serviciudad/activos_backend/models/reports"
	"github.com/serviciudad/activos_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("activos-actas")

type CompletionOutcome string

const (
	CompletionOutcomeCompleted CompletionOutcome = "completed"
	CompletionOutcomeSkipped   CompletionOutcome = "skipped"
	CompletionOutcomeFailed    CompletionOutcome = "failed"
)

const (
	actaObjectPrefix   = "actas/"
	actaContentType    = "application/pdf"
	defaultActaLockTTL = 3 * time.Minute
)

// ActaRenderer produces the acta document of a fully signed inspection.
type ActaRenderer func(ctx context.Context, documentNumber string, insp *models.Inspection, fetch reports.BlobFetcher) (*reports.RenderedActa, error)

// ActaCompletionWorkflow turns a fully signed inspection into a completed one:
// it mints the consecutive number, renders and stores the acta and records the
// result. Failures leave the inspection in error_generacion.
type ActaCompletionWorkflow struct {
	DB            *gorm.DB
	Store         utils.BlobStore
	Logger        *logrus.Logger
	Render        ActaRenderer
	Fetch         reports.BlobFetcher
	RenderTimeout time.Duration
	LockTTL       time.Duration
}

func NewActaCompletionWorkflow(store utils.BlobStore, logger *logrus.Logger) *ActaCompletionWorkflow {
	return &ActaCompletionWorkflow{
		Store:         store,
		Logger:        logger,
		Render:        reports.RenderActa,
		RenderTimeout: config.ActaRenderTimeout(),
		LockTTL:       defaultActaLockTTL,
	}
}

func (w *ActaCompletionWorkflow) db() *gorm.DB {
	if w.DB != nil {
		return w.DB
	}
	return config.GetDB()
}

func (w *ActaCompletionWorkflow) logger() *logrus.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return config.GetLogger()
}

func (w *ActaCompletionWorkflow) fetch(ctx context.Context, url string) ([]byte, error) {
	if w.Fetch != nil {
		return w.Fetch(ctx, url)
	}
	return utils.FetchBlobByURL(ctx, w.Store, url)
}

// OnInspectionUpdated is registered as a models.InspectionTransitionHook.
// It only reacts to the transition into firmada_completa.
func (w *ActaCompletionWorkflow) OnInspectionUpdated(ctx context.Context, before, after *models.Inspection) {
	if after == nil || after.Status != models.InspectionStatusFullySigned {
		return
	}
	if before != nil && before.Status == models.InspectionStatusFullySigned {
		return
	}
	// the signer's request may end before the acta is ready
	ctx = context.WithoutCancel(ctx)
	if _, err := w.ProcessInspection(ctx, after.ID); err != nil {
		w.logEntry(ctx, after.ID).WithError(err).Warn("acta completion deferred")
	}
}

// ProcessInspection runs one completion attempt. The error is non-nil only when
// nothing was persisted and the caller should deliver the trigger again.
func (w *ActaCompletionWorkflow) ProcessInspection(ctx context.Context, inspectionId string) (CompletionOutcome, error) {
	ctx, span := tracer.Start(ctx, "acta.ProcessInspection",
		trace.WithAttributes(attribute.String("inspection.id", inspectionId)))
	defer span.End()

	outcome, err := w.process(ctx, inspectionId)
	span.SetAttributes(attribute.String("acta.outcome", string(outcome)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return outcome, err
}

func (w *ActaCompletionWorkflow) process(ctx context.Context, inspectionId string) (CompletionOutcome, error) {
	log := w.logEntry(ctx, inspectionId)

	lock, err := config.ObtainLock(ctx, "lock:acta:"+inspectionId, w.lockTTL())
	if errors.Is(err, redislock.ErrNotObtained) {
		return "", models.ErrActaGenerationInProgress
	}
	if err != nil {
		log.WithError(err).Warn("acta lock unavailable, continuing without it")
	}
	if lock != nil {
		defer func() {
			_ = lock.Release(context.WithoutCancel(ctx))
		}()
	}

	db := w.db().WithContext(ctx)
	insp, err := models.LoadInspection(db, inspectionId)
	if errors.Is(err, models.ErrInspectionNotFound) {
		log.Warn("acta completion for unknown inspection")
		return CompletionOutcomeSkipped, nil
	}
	if err != nil {
		return "", err
	}
	switch insp.Status {
	case models.InspectionStatusCompleted:
		log.Info("acta already generated")
		_ = models.MarkActaOutboxProcessed(db, inspectionId, nil)
		return CompletionOutcomeSkipped, nil
	case models.InspectionStatusFullySigned:
	default:
		log.WithField("status", insp.Status).Info("inspection not awaiting an acta")
		return CompletionOutcomeSkipped, nil
	}
	if strings.TrimSpace(insp.ReviewerSignature.BlobUrl) == "" || strings.TrimSpace(insp.CustodianSignature.BlobUrl) == "" {
		log.Error("fully signed inspection without signature images, acta not generated")
		return CompletionOutcomeSkipped, nil
	}

	gen, skip, err := BeginActaGeneration(db, inspectionId)
	if err != nil {
		return "", err
	}
	if skip {
		return CompletionOutcomeSkipped, nil
	}

	number, err := w.documentNumber(ctx, gen)
	if err != nil {
		return w.fail(ctx, inspectionId, fmt.Errorf("document number: %w", err))
	}
	log = log.WithField("document_number", number)

	rendered, err := w.render(ctx, number, insp)
	if err != nil {
		return w.fail(ctx, inspectionId, err)
	}

	url, err := w.upload(ctx, inspectionId, rendered.PDF)
	if err != nil {
		return w.fail(ctx, inspectionId, fmt.Errorf("upload acta: %w", err))
	}

	err = w.complete(ctx, insp, number, url)
	if errors.Is(err, models.ErrInspectionStateChanged) {
		// moved away while rendering (the sweeper timed it out); the number stays reserved for a retry
		log.Warn("inspection changed during acta generation, result discarded")
		_ = MarkActaGenerationFailed(w.db().WithContext(context.WithoutCancel(ctx)), inspectionId, err)
		return CompletionOutcomeSkipped, nil
	}
	if err != nil {
		return w.fail(ctx, inspectionId, fmt.Errorf("record acta: %w", err))
	}
	models.InvalidateInspectionStats(ctx)
	log.WithFields(logrus.Fields{"pages": rendered.Pages, "url": url}).Info("acta generated")
	return CompletionOutcomeCompleted, nil
}

func (w *ActaCompletionWorkflow) lockTTL() time.Duration {
	if w.LockTTL > 0 {
		return w.LockTTL
	}
	return defaultActaLockTTL
}

func (w *ActaCompletionWorkflow) documentNumber(ctx context.Context, gen *models.ActaGeneration) (string, error) {
	if gen.DocumentNumber != nil && *gen.DocumentNumber != "" {
		return *gen.DocumentNumber, nil
	}
	ctx, span := tracer.Start(ctx, "acta.MintNumber")
	defer span.End()

	number, err := models.NextDocumentNumberReserved(ctx, w.db(), models.DocumentCategoryActas,
		func(tx *gorm.DB, number string) error {
			return ReserveActaNumber(tx, gen.ID, number)
		})
	if err != nil {
		return "", err
	}
	span.SetAttributes(attribute.String("acta.number", number))
	return number, nil
}

func (w *ActaCompletionWorkflow) render(ctx context.Context, number string, insp *models.Inspection) (*reports.RenderedActa, error) {
	timeout := w.RenderTimeout
	if timeout <= 0 {
		timeout = config.ActaRenderTimeout()
	}
	renderCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	renderCtx, span := tracer.Start(renderCtx, "acta.Render")
	defer span.End()

	render := w.Render
	if render == nil {
		render = reports.RenderActa
	}
	rendered, err := render(renderCtx, number, insp, w.fetch)
	if err == nil && renderCtx.Err() != nil {
		err = renderCtx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("render acta timed out after %s", timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("render acta: %w", err)
	}
	return rendered, nil
}

func (w *ActaCompletionWorkflow) upload(ctx context.Context, inspectionId string, pdf []byte) (string, error) {
	if w.Store == nil {
		return "", errors.New("blob store not configured")
	}
	ctx, span := tracer.Start(ctx, "acta.Upload")
	defer span.End()
	return w.Store.Upload(ctx, actaObjectPrefix+inspectionId+".pdf", pdf, actaContentType)
}

func (w *ActaCompletionWorkflow) complete(ctx context.Context, insp *models.Inspection, number, url string) error {
	now := utils.Now().UTC()
	return w.db().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := models.ConditionalStatusUpdate(tx, insp.ID, models.InspectionStatusFullySigned, map[string]interface{}{
			"document_number": number,
			"document_url":    url,
			"status":          models.InspectionStatusCompleted,
			"error_message":   nil,
			"updated_at":      now,
		}); err != nil {
			return err
		}
		if err := MarkActaGenerationSucceeded(tx, insp.ID); err != nil {
			return err
		}
		entry := models.NewSystemAuditEntry(models.AuditActionComplete, models.AuditModuleInspections, insp.ID,
			fmt.Sprintf("Acta %s generada automáticamente", number))
		if err := models.AppendAudit(tx, entry,
			map[string]interface{}{"status": insp.Status},
			map[string]interface{}{"status": models.InspectionStatusCompleted, "document_number": number, "document_url": url},
		); err != nil {
			return err
		}
		return models.MarkActaOutboxProcessed(tx, insp.ID, nil)
	})
}

// fail persists the failure. It runs detached from ctx so a cancelled
// delivery still leaves a terminal state behind.
func (w *ActaCompletionWorkflow) fail(ctx context.Context, inspectionId string, cause error) (CompletionOutcome, error) {
	log := w.logEntry(ctx, inspectionId)
	log.WithError(cause).Error("acta generation failed")

	ctx = context.WithoutCancel(ctx)
	msg := utils.Truncate(cause.Error(), 2000)
	err := w.db().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := models.ConditionalStatusUpdate(tx, inspectionId, models.InspectionStatusFullySigned, map[string]interface{}{
			"status":        models.InspectionStatusGenerationError,
			"error_message": &msg,
			"updated_at":    utils.Now().UTC(),
		})
		if err != nil && !errors.Is(err, models.ErrInspectionStateChanged) {
			return err
		}
		if err := MarkActaGenerationFailed(tx, inspectionId, cause); err != nil {
			return err
		}
		return models.MarkActaOutboxProcessed(tx, inspectionId, cause)
	})
	if err != nil {
		config.LogError(w.logger(), "actaCompletionWorkflow.go", "fail", "persisting acta failure", inspectionId, err)
		return CompletionOutcomeFailed, err
	}
	models.InvalidateInspectionStats(ctx)
	return CompletionOutcomeFailed, nil
}

func (w *ActaCompletionWorkflow) logEntry(ctx context.Context, inspectionId string) *logrus.Entry {
	cid, _ := utils.GetCorrelationIdFromContext(ctx)
	return w.logger().WithFields(logrus.Fields{
		"field":          "ActaCompletionWorkflow",
		"inspection_id":  inspectionId,
		"correlation_id": cid,
	})
}
