package inspectionapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image/color"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/serviciudad/activos_backend/config"
	"github.com/serviciudad/activos_backend/models"
	"github.com/serviciudad/activos_backend/utils"
	"github.com/serviciudad/activos_backend/workflow"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type apiFixture struct {
	router *gin.Engine
	db     *gorm.DB
	wf     *workflow.ActaCompletionWorkflow
	store  *utils.LocalBlobStore
}

func newAPIFixture(t *testing.T, hook bool) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "api.db")), config.GormConfig())
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

	prevNow := utils.Now
	utils.Now = func() time.Time { return time.Date(2024, 3, 15, 15, 0, 0, 0, time.UTC) }
	t.Cleanup(func() { utils.Now = prevNow })

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	store := utils.NewLocalBlobStore(t.TempDir(), "http://blobs.test")
	wf := workflow.NewActaCompletionWorkflow(store, logger)
	if hook {
		models.RegisterInspectionTransitionHook(wf.OnInspectionUpdated)
	}

	r := gin.New()
	r.Use(CorrelationID())
	NewHandlers(store, wf, logger).Register(r)
	return &apiFixture{router: r, db: db, wf: wf, store: store}
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}, user string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(HeaderUserId, user)
		req.Header.Set(HeaderUserName, "Usuario "+user)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(300, 100, color.NRGBA{B: 90, A: 255}), imaging.PNG))
	return buf.Bytes()
}

func signatureDataURL(t *testing.T) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes(t))
}

func (f *apiFixture) draft(t *testing.T) map[string]interface{} {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/assets", map[string]interface{}{
		"code":              "AF-000900",
		"description":       "Escritorio metálico",
		"location":          "Oficina 204",
		"acquisition_value": "850000.00",
	}, "admin")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	asset := decode[map[string]interface{}](t, w)

	w = f.do(t, http.MethodPost, "/api/inspections", map[string]interface{}{
		"asset_id":              asset["id"],
		"reviewer_id":           "rev-1",
		"reviewer_name":         "Carlos Pérez",
		"reviewer_national_id":  "1094123456",
		"custodian_id":          "cus-1",
		"custodian_name":        "María Gómez",
		"custodian_national_id": "41912345",
		"condition":             "regular",
		"description":           "Rayones en la superficie.",
	}, "rev-1")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[map[string]interface{}](t, w)
}

func (f *apiFixture) uploadEvidence(t *testing.T, id string) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "foto.png")
	require.NoError(t, err)
	_, err = part.Write(pngBytes(t))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("label", "Vista general"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/inspections/"+id+"/evidence", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(HeaderUserId, "rev-1")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestInspectionLifecycleOverHTTP(t *testing.T) {
	f := newAPIFixture(t, true)
	insp := f.draft(t)
	id := insp["id"].(string)
	assert.Equal(t, "borrador", insp["status"])
	assert.Equal(t, "evidence_pending", insp["stage"])

	w := f.uploadEvidence(t, id)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	evidence := decode[map[string]interface{}](t, w)
	assert.Equal(t, "Vista general", evidence["label"])
	assert.Contains(t, evidence["blob_url"], "http://blobs.test/evidencias/"+id+"/")

	w = f.do(t, http.MethodPost, "/api/inspections/"+id+"/reviewer-signature", map[string]interface{}{
		"signature":            signatureDataURL(t),
		"declaration_accepted": true,
	}, "rev-1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "pendiente_firma_custodio", decode[map[string]interface{}](t, w)["status"])

	w = f.do(t, http.MethodPost, "/api/inspections/"+id+"/custodian-signature", map[string]interface{}{
		"signature":            signatureDataURL(t),
		"declaration_accepted": true,
	}, "cus-1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	done := decode[map[string]interface{}](t, w)
	assert.Equal(t, "completada", done["status"])
	assert.Equal(t, "ACTA-2024-00001", done["document_number"])
	assert.Equal(t, "http://blobs.test/actas/"+id+".pdf", done["document_url"])

	w = f.do(t, http.MethodGet, "/api/inspections/stats", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[models.InspectionStats](t, w)
	assert.Equal(t, int64(1), stats.Total)
	assert.Equal(t, int64(1), stats.Completed)
}

func TestCustodianSignatureOutOfOrderIsConflict(t *testing.T) {
	f := newAPIFixture(t, false)
	id := f.draft(t)["id"].(string)

	w := f.do(t, http.MethodPost, "/api/inspections/"+id+"/custodian-signature", map[string]interface{}{
		"signature":            signatureDataURL(t),
		"declaration_accepted": true,
	}, "cus-1")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestWritesRequireActor(t *testing.T) {
	f := newAPIFixture(t, false)
	w := f.do(t, http.MethodPost, "/api/inspections", map[string]interface{}{}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestValidationAndNotFound(t *testing.T) {
	f := newAPIFixture(t, false)

	w := f.do(t, http.MethodGet, "/api/inspections/does-not-exist", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	id := f.draft(t)["id"].(string)
	w = f.do(t, http.MethodPost, "/api/inspections/"+id+"/reviewer-signature", map[string]interface{}{
		"signature":            "data:text/plain;base64,aGVsbG8=",
		"declaration_accepted": true,
	}, "rev-1")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/inspections/"+id+"/void", map[string]interface{}{"reason": ""}, "rev-1")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	body := decode[map[string]interface{}](t, w)
	assert.Contains(t, body["fields"], "reason")
}

func TestUndeclaredSignatureIsRejectedBeforeUpload(t *testing.T) {
	f := newAPIFixture(t, false)
	id := f.draft(t)["id"].(string)

	w := f.do(t, http.MethodPost, "/api/inspections/"+id+"/reviewer-signature", map[string]interface{}{
		"signature":            signatureDataURL(t),
		"declaration_accepted": false,
	}, "rev-1")
	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	assert.Contains(t, decode[map[string]interface{}](t, w)["fields"], "declaration_accepted")

	_, err := os.Stat(filepath.Join(f.store.Root, "firmas"))
	assert.True(t, os.IsNotExist(err), "signature blob written for a rejected request")
}

func TestListingShowsEvidenceStage(t *testing.T) {
	f := newAPIFixture(t, false)
	id := f.draft(t)["id"].(string)
	require.Equal(t, http.StatusCreated, f.uploadEvidence(t, id).Code)

	w := f.do(t, http.MethodGet, "/api/inspections", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	list := decode[[]map[string]interface{}](t, w)
	require.Len(t, list, 1)
	assert.Equal(t, "awaiting_reviewer_signature", list[0]["stage"])
	assert.Len(t, list[0]["evidences"], 1)
}

func TestCorrelationIdIsEchoed(t *testing.T) {
	f := newAPIFixture(t, false)
	req := httptest.NewRequest(http.MethodGet, "/api/inspections", nil)
	req.Header.Set(HeaderCorrelationId, "cid-123")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cid-123", w.Header().Get(HeaderCorrelationId))
}

func TestExportReturnsWorkbook(t *testing.T) {
	f := newAPIFixture(t, false)
	f.draft(t)

	w := f.do(t, http.MethodGet, "/api/inspections/export", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "revisiones_20240315.xlsx")
	assert.Equal(t, "PK", w.Body.String()[:2])
}

func pushBody(t *testing.T, msg config.ActaCompletionMessage) map[string]interface{} {
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	return map[string]interface{}{
		"message": map[string]interface{}{
			"data":      base64.StdEncoding.EncodeToString(data),
			"messageId": "m-1",
		},
		"subscription": "projects/p/subscriptions/actas-push",
	}
}

func TestPushEndpointCompletesInspection(t *testing.T) {
	f := newAPIFixture(t, false)
	id := f.draft(t)["id"].(string)
	require.Equal(t, http.StatusCreated, f.uploadEvidence(t, id).Code)
	for _, step := range []struct{ path, user string }{
		{"/reviewer-signature", "rev-1"},
		{"/custodian-signature", "cus-1"},
	} {
		w := f.do(t, http.MethodPost, "/api/inspections/"+id+step.path, map[string]interface{}{
			"signature":            signatureDataURL(t),
			"declaration_accepted": true,
		}, step.user)
		require.Less(t, w.Code, 300, w.Body.String())
	}

	msg := config.ActaCompletionMessage{InspectionId: id, Event: models.ActaOutboxEventFullySigned, CorrelationId: "cid-push"}
	w := f.do(t, http.MethodPost, "/pubsub/actas", pushBody(t, msg), "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	insp, err := models.GetInspection(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.InspectionStatusCompleted, insp.Status)

	// redelivery is acknowledged without minting again
	w = f.do(t, http.MethodPost, "/pubsub/actas", pushBody(t, msg), "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	var counter models.DocumentCounter
	require.NoError(t, f.db.Take(&counter).Error)
	assert.Equal(t, 1, counter.LastNumber)
}

func TestPushEndpointDropsMalformedMessages(t *testing.T) {
	f := newAPIFixture(t, false)
	req := httptest.NewRequest(http.MethodPost, "/pubsub/actas", bytes.NewBufferString("not json"))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestPushEndpointAsksForRedeliveryWhileGenerating(t *testing.T) {
	f := newAPIFixture(t, false)
	id := f.draft(t)["id"].(string)
	require.NoError(t, f.db.Model(&models.Inspection{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":                       models.InspectionStatusFullySigned,
		"reviewer_signature_blob_url":  "http://blobs.test/firmas/r.png",
		"custodian_signature_blob_url": "http://blobs.test/firmas/c.png",
	}).Error)
	_, _, err := workflow.BeginActaGeneration(f.db, id)
	require.NoError(t, err)

	w := f.do(t, http.MethodPost, "/pubsub/actas", pushBody(t, config.ActaCompletionMessage{InspectionId: id}), "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
