package workflow

import (
	"bytes"
	"context"
	"image/color"
	"path/filepath"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/glebarez/sqlite"
	"github.com/serviciudad/activos_backend/config"
	"github.com/serviciudad/activos_backend/models"
	"github.com/serviciudad/activos_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testBlobBaseURL = "http://blobs.test"

type actaFixture struct {
	db    *gorm.DB
	store *utils.LocalBlobStore
	wf    *ActaCompletionWorkflow
	asset *models.Asset
}

func newActaFixture(t *testing.T) *actaFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "actas.db")), config.GormConfig())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, models.AutoMigrateAll(db))

	prev := config.GetDB()
	config.SetDB(db)
	models.ResetInspectionTransitionHooks()
	t.Cleanup(func() {
		models.ResetInspectionTransitionHooks()
		config.SetDB(prev)
		_ = sqlDB.Close()
	})

	pinClock(t, time.Date(2024, 3, 15, 15, 0, 0, 0, time.UTC))

	store := utils.NewLocalBlobStore(t.TempDir(), testBlobBaseURL)
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	wf := NewActaCompletionWorkflow(store, logger)
	wf.DB = db

	asset, err := models.CreateAsset(context.Background(), &models.NewAsset{
		Code:             "AF-000123",
		Description:      "Computador portátil Lenovo ThinkPad",
		Location:         "Sede principal, piso 2",
		CustodianId:      "user-custodio",
		CustodianName:    "María Gómez",
		AcquisitionValue: decimal.RequireFromString("4500000.00"),
	})
	require.NoError(t, err)

	return &actaFixture{db: db, store: store, wf: wf, asset: asset}
}

func pinClock(t *testing.T, at time.Time) {
	t.Helper()
	prev := utils.Now
	utils.Now = func() time.Time { return at }
	t.Cleanup(func() { utils.Now = prev })
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	img := imaging.New(300, 100, color.NRGBA{R: 10, G: 10, B: 80, A: 255})
	require.NoError(t, imaging.Encode(&buf, img, imaging.PNG))
	return buf.Bytes()
}

func (f *actaFixture) putBlob(t *testing.T, key string, data []byte) string {
	t.Helper()
	url, err := f.store.Upload(context.Background(), key, data, "image/png")
	require.NoError(t, err)
	return url
}

// pendingCustodian creates an inspection with one evidence photo, signed by the
// reviewer and waiting for the custodian.
func (f *actaFixture) pendingCustodian(t *testing.T) *models.Inspection {
	t.Helper()
	ctx := context.Background()

	insp, err := models.CreateInspection(ctx, &models.NewInspection{
		AssetId:             f.asset.ID,
		ReviewerId:          "user-revisor",
		ReviewerName:        "Carlos Pérez",
		ReviewerNationalId:  "1094123456",
		CustodianId:         "user-custodio",
		CustodianName:       "María Gómez",
		CustodianNationalId: "41912345",
		Condition:           models.AssetConditionGood,
		Description:         "Equipo en funcionamiento, sin daños visibles.",
	})
	require.NoError(t, err)

	evidenceURL := f.putBlob(t, "evidencias/"+insp.ID+"/0.png", testPNG(t))
	_, err = models.AddEvidence(ctx, insp.ID, &models.NewEvidence{BlobUrl: evidenceURL, Label: "Vista frontal"})
	require.NoError(t, err)

	reviewerURL := f.putBlob(t, "firmas/"+insp.ID+"/revisor.png", testPNG(t))
	insp, err = models.SignAsReviewer(ctx, insp.ID, &models.ReviewerSignatureInput{
		SignatureUrl:        reviewerURL,
		DeclarationAccepted: true,
	})
	require.NoError(t, err)
	return insp
}

func (f *actaFixture) custodianSigns(t *testing.T, insp *models.Inspection, withImage bool) *models.Inspection {
	t.Helper()
	url := testBlobBaseURL + "/firmas/" + insp.ID + "/custodio.png"
	if withImage {
		url = f.putBlob(t, "firmas/"+insp.ID+"/custodio.png", testPNG(t))
	}
	signed, err := models.SignAsCustodian(context.Background(), insp.ID, &models.CustodianSignatureInput{
		SignatureUrl:        url,
		DeclarationAccepted: true,
	})
	require.NoError(t, err)
	return signed
}
