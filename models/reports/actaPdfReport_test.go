package reports

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/color"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/serviciudad/activos_backend/models"
	"github.com/serviciudad/activos_backend/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryBlobs map[string][]byte

func (m memoryBlobs) fetch(_ context.Context, url string) ([]byte, error) {
	data, ok := m[url]
	if !ok {
		return nil, fmt.Errorf("blob %s not found", url)
	}
	return data, nil
}

func testImage(t *testing.T, w, h int, format imaging.Format) []byte {
	t.Helper()
	img := imaging.New(w, h, color.NRGBA{R: 20, G: 60, B: 140, A: 255})
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, format))
	return buf.Bytes()
}

func signedInspection(t *testing.T, blobs memoryBlobs, evidenceCount int) *models.Inspection {
	t.Helper()
	reviewedAt := time.Date(2024, 3, 15, 14, 5, 7, 0, time.UTC)
	custodianAt := reviewedAt.Add(2 * time.Hour)
	remarks := "Se recomienda cambio de batería."

	blobs["signatures/reviewer.png"] = testImage(t, 400, 120, imaging.PNG)
	blobs["signatures/custodian.png"] = testImage(t, 300, 150, imaging.PNG)

	insp := &models.Inspection{
		ID:                  "insp-1",
		AssetId:             "asset-1",
		AssetCode:           "AF-00123",
		AssetDescription:    "Computador portátil Lenovo ThinkPad",
		AssetLocation:       "Sede principal, piso 2",
		ReviewerId:          "u-rev",
		ReviewerName:        "María Peña",
		ReviewerNationalId:  "1094000111",
		CustodianId:         "u-cus",
		CustodianName:       "Jorge Ñúñez",
		CustodianNationalId: "1094000222",
		InspectionDate:      reviewedAt,
		Condition:           models.AssetConditionDecommission,
		Description:         "Pantalla con fisuras y teclado incompleto.",
		Remarks:             &remarks,
		Status:              models.InspectionStatusFullySigned,
		ReviewerSignature: models.Signature{
			BlobUrl:       "signatures/reviewer.png",
			SignedAt:      &reviewedAt,
			ContentDigest: "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08",
		},
		CustodianSignature: models.Signature{
			BlobUrl:  "signatures/custodian.png",
			SignedAt: &custodianAt,
		},
	}
	for i := 0; i < evidenceCount; i++ {
		url := fmt.Sprintf("evidence/%d.jpg", i)
		blobs[url] = testImage(t, 800, 600, imaging.JPEG)
		insp.Evidences = append(insp.Evidences, models.Evidence{
			ID:           fmt.Sprintf("ev-%d", i),
			InspectionId: insp.ID,
			Position:     i,
			BlobUrl:      url,
		})
	}
	return insp
}

func TestRenderActaWithoutEvidence(t *testing.T) {
	blobs := memoryBlobs{}
	insp := signedInspection(t, blobs, 0)

	out, err := RenderActa(context.Background(), "ACTA-2024-00001", insp, blobs.fetch)
	require.NoError(t, err)

	assert.True(t, bytes.HasPrefix(out.PDF, []byte("%PDF-")))
	assert.Equal(t, 2, out.Pages)
	assert.Empty(t, out.EvidenceSlots)
}

func TestRenderActaEvidenceGridCapsAtFour(t *testing.T) {
	blobs := memoryBlobs{}
	insp := signedInspection(t, blobs, 5)

	out, err := RenderActa(context.Background(), "ACTA-2024-00002", insp, blobs.fetch)
	require.NoError(t, err)

	require.Len(t, out.EvidenceSlots, MaxEvidenceImages)
	expected := []EvidenceSlot{
		{EvidenceId: "ev-0", Row: 0, Column: 0},
		{EvidenceId: "ev-1", Row: 0, Column: 1},
		{EvidenceId: "ev-2", Row: 1, Column: 0},
		{EvidenceId: "ev-3", Row: 1, Column: 1},
	}
	assert.Equal(t, expected, out.EvidenceSlots)
	assert.GreaterOrEqual(t, out.Pages, 2)
}

func TestRenderActaMissingEvidenceBecomesPlaceholder(t *testing.T) {
	blobs := memoryBlobs{}
	insp := signedInspection(t, blobs, 3)
	delete(blobs, "evidence/1.jpg")

	out, err := RenderActa(context.Background(), "ACTA-2024-00003", insp, blobs.fetch)
	require.NoError(t, err)

	require.Len(t, out.EvidenceSlots, 3)
	placeholders := 0
	for _, slot := range out.EvidenceSlots {
		if slot.Placeholder {
			placeholders++
			assert.Equal(t, "ev-1", slot.EvidenceId)
		}
	}
	assert.Equal(t, 1, placeholders)
}

func TestRenderActaUndecodableEvidenceBecomesPlaceholder(t *testing.T) {
	blobs := memoryBlobs{}
	insp := signedInspection(t, blobs, 1)
	blobs["evidence/0.jpg"] = []byte("not an image")

	out, err := RenderActa(context.Background(), "ACTA-2024-00004", insp, blobs.fetch)
	require.NoError(t, err)
	require.Len(t, out.EvidenceSlots, 1)
	assert.True(t, out.EvidenceSlots[0].Placeholder)
}

func TestRenderActaFailsWithoutSignatureImage(t *testing.T) {
	blobs := memoryBlobs{}
	insp := signedInspection(t, blobs, 1)
	delete(blobs, "signatures/custodian.png")

	out, err := RenderActa(context.Background(), "ACTA-2024-00005", insp, blobs.fetch)
	require.Error(t, err)
	assert.Nil(t, out)
	assert.True(t, errors.Is(err, ErrSignatureImageUnavailable))
}

func TestActaLabels(t *testing.T) {
	assert.Equal(t, "PARA BAJA", ConditionLabel(models.AssetConditionDecommission))
	assert.Equal(t, "EXCELENTE", ConditionLabel(models.AssetConditionExcellent))

	// 03:00 UTC on the 16th is still the 15th in Bogotá
	at := time.Date(2024, 3, 16, 3, 0, 0, 0, time.UTC)
	assert.Equal(t, "15 de marzo de 2024", LongSpanishDate(at))
	assert.Equal(t, "15/03/2024 22:00:00", SpanishDateTime(at))

	// a date-only value sent as UTC midnight prints its own day once stored
	dateOnly := utils.BusinessDate(time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)).UTC()
	assert.Equal(t, "15 de marzo de 2024", LongSpanishDate(dateOnly))
}
