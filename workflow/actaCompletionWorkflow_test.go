package workflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/serviciudad/activos_backend/models"
	"github.com/serviciudad/activos_backend/models/reports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var actaNumberPattern = regexp.MustCompile(`^[A-Z]+-\d{4}-\d{5}$`)

func TestActaCompletionFromDraftToCompleted(t *testing.T) {
	f := newActaFixture(t)
	models.RegisterInspectionTransitionHook(f.wf.OnInspectionUpdated)

	insp := f.pendingCustodian(t)
	done := f.custodianSigns(t, insp, true)

	require.Equal(t, models.InspectionStatusCompleted, done.Status)
	require.NotNil(t, done.DocumentNumber)
	assert.Regexp(t, actaNumberPattern, *done.DocumentNumber)
	assert.Equal(t, "ACTA-2024-00001", *done.DocumentNumber)
	require.NotNil(t, done.DocumentUrl)
	assert.Equal(t, testBlobBaseURL+"/actas/"+insp.ID+".pdf", *done.DocumentUrl)
	assert.Nil(t, done.ErrorMessage)

	pdf, err := os.ReadFile(filepath.Join(f.store.Root, "actas", insp.ID+".pdf"))
	require.NoError(t, err)
	assert.Equal(t, "%PDF-", string(pdf[:5]))

	var audit models.AuditEntry
	require.NoError(t, f.db.Where("document_id = ?", insp.ID).Take(&audit).Error)
	assert.Equal(t, models.AuditActionComplete, audit.Action)
	assert.Equal(t, models.AuditModuleInspections, audit.Module)
	assert.Equal(t, models.SystemActorId, audit.ActorId)
	assert.Equal(t, "Acta ACTA-2024-00001 generada automáticamente", audit.Description)

	var gen models.ActaGeneration
	require.NoError(t, f.db.Where("inspection_id = ?", insp.ID).Take(&gen).Error)
	assert.Equal(t, models.ActaGenerationStatusSucceeded, gen.Status)

	var open int64
	require.NoError(t, f.db.Model(&models.ActaOutboxRecord{}).
		Where("inspection_id = ? AND is_processed = ?", insp.ID, false).Count(&open).Error)
	assert.Zero(t, open)
}

func TestProcessInspectionRedeliveryKeepsNumber(t *testing.T) {
	f := newActaFixture(t)
	ctx := context.Background()

	insp := f.custodianSigns(t, f.pendingCustodian(t), true)
	require.Equal(t, models.InspectionStatusFullySigned, insp.Status)

	outcome, err := f.wf.ProcessInspection(ctx, insp.ID)
	require.NoError(t, err)
	assert.Equal(t, CompletionOutcomeCompleted, outcome)

	for i := 0; i < 3; i++ {
		outcome, err = f.wf.ProcessInspection(ctx, insp.ID)
		require.NoError(t, err)
		assert.Equal(t, CompletionOutcomeSkipped, outcome)
	}

	var counter models.DocumentCounter
	require.NoError(t, f.db.Where("category = ?", models.DocumentCategoryActas).Take(&counter).Error)
	assert.Equal(t, 1, counter.LastNumber)

	var audits int64
	require.NoError(t, f.db.Model(&models.AuditEntry{}).Where("document_id = ?", insp.ID).Count(&audits).Error)
	assert.Equal(t, int64(1), audits)

	second := f.custodianSigns(t, f.pendingCustodian(t), true)
	_, err = f.wf.ProcessInspection(ctx, second.ID)
	require.NoError(t, err)
	reloaded, err := models.GetInspection(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, "ACTA-2024-00002", *reloaded.DocumentNumber)
}

func TestMissingCustodianSignatureImageFailsGeneration(t *testing.T) {
	f := newActaFixture(t)
	ctx := context.Background()
	models.RegisterInspectionTransitionHook(f.wf.OnInspectionUpdated)

	failed := f.custodianSigns(t, f.pendingCustodian(t), false)

	require.Equal(t, models.InspectionStatusGenerationError, failed.Status)
	require.NotNil(t, failed.ErrorMessage)
	assert.Contains(t, *failed.ErrorMessage, reports.ErrSignatureImageUnavailable.Error())
	assert.Nil(t, failed.DocumentNumber)
	assert.Nil(t, failed.DocumentUrl)
	_, err := os.Stat(filepath.Join(f.store.Root, "actas", failed.ID+".pdf"))
	assert.True(t, os.IsNotExist(err))

	var audits int64
	require.NoError(t, f.db.Model(&models.AuditEntry{}).Where("document_id = ?", failed.ID).Count(&audits).Error)
	assert.Zero(t, audits)

	var gen models.ActaGeneration
	require.NoError(t, f.db.Where("inspection_id = ?", failed.ID).Take(&gen).Error)
	assert.Equal(t, models.ActaGenerationStatusFailed, gen.Status)
	require.NotNil(t, gen.DocumentNumber)
	reserved := *gen.DocumentNumber

	// the image shows up later; a manual retry prints the number already reserved
	f.putBlob(t, "firmas/"+failed.ID+"/custodio.png", testPNG(t))
	retried, err := models.RetryActaGeneration(ctx, failed.ID)
	require.NoError(t, err)
	require.Equal(t, models.InspectionStatusCompleted, retried.Status)
	assert.Equal(t, reserved, *retried.DocumentNumber)
}

func TestProcessInspectionWhileAnotherWorkerGenerates(t *testing.T) {
	f := newActaFixture(t)
	insp := f.custodianSigns(t, f.pendingCustodian(t), true)

	_, _, err := BeginActaGeneration(f.db, insp.ID)
	require.NoError(t, err)

	outcome, err := f.wf.ProcessInspection(context.Background(), insp.ID)
	assert.Empty(t, outcome)
	assert.True(t, errors.Is(err, models.ErrActaGenerationInProgress))

	reloaded, err := models.GetInspection(context.Background(), insp.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InspectionStatusFullySigned, reloaded.Status)
}

func TestStaleStartedGenerationIsReclaimed(t *testing.T) {
	f := newActaFixture(t)
	insp := f.custodianSigns(t, f.pendingCustodian(t), true)

	_, _, err := BeginActaGeneration(f.db, insp.ID)
	require.NoError(t, err)

	pinClock(t, time.Date(2024, 3, 15, 15, 6, 0, 0, time.UTC))
	gen, skip, err := BeginActaGeneration(f.db, insp.ID)
	require.NoError(t, err)
	assert.False(t, skip)
	assert.Equal(t, 2, gen.Attempts)
}

func TestRenderTimeoutFailsGeneration(t *testing.T) {
	f := newActaFixture(t)
	insp := f.custodianSigns(t, f.pendingCustodian(t), true)

	f.wf.RenderTimeout = 20 * time.Millisecond
	f.wf.Render = func(ctx context.Context, _ string, _ *models.Inspection, _ reports.BlobFetcher) (*reports.RenderedActa, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	outcome, err := f.wf.ProcessInspection(context.Background(), insp.ID)
	require.NoError(t, err)
	assert.Equal(t, CompletionOutcomeFailed, outcome)

	reloaded, err := models.GetInspection(context.Background(), insp.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InspectionStatusGenerationError, reloaded.Status)
	require.NotNil(t, reloaded.ErrorMessage)
	assert.Contains(t, *reloaded.ErrorMessage, "timed out")
}

func TestOnInspectionUpdatedIgnoresOtherTransitions(t *testing.T) {
	f := newActaFixture(t)
	rendered := 0
	f.wf.Render = func(ctx context.Context, n string, i *models.Inspection, fetch reports.BlobFetcher) (*reports.RenderedActa, error) {
		rendered++
		return reports.RenderActa(ctx, n, i, fetch)
	}
	models.RegisterInspectionTransitionHook(f.wf.OnInspectionUpdated)

	insp := f.pendingCustodian(t)
	assert.Zero(t, rendered)

	done := f.custodianSigns(t, insp, true)
	assert.Equal(t, 1, rendered)

	f.wf.OnInspectionUpdated(context.Background(), done, done)
	assert.Equal(t, 1, rendered)
}
