package inspectionapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/serviciudad/activos_backend/models"
	"github.com/serviciudad/activos_backend/utils"
	"github.com/serviciudad/activos_backend/workflow"
	"github.com/sirupsen/logrus"
)

// Handlers serves the inspection API. Completion is only needed by the
// Pub/Sub push endpoint.
type Handlers struct {
	Store      utils.BlobStore
	Completion *workflow.ActaCompletionWorkflow
	Logger     *logrus.Logger
}

func NewHandlers(store utils.BlobStore, completion *workflow.ActaCompletionWorkflow, logger *logrus.Logger) *Handlers {
	return &Handlers{Store: store, Completion: completion, Logger: logger}
}

func (h *Handlers) Register(r gin.IRouter) {
	api := r.Group("/api", RequestActor())

	api.POST("/assets", requireActor, h.createAsset)
	api.GET("/assets/:id", h.getAsset)

	api.POST("/inspections", requireActor, h.createInspection)
	api.GET("/inspections", h.listInspections)
	api.GET("/inspections/stats", h.inspectionStats)
	api.GET("/inspections/export", h.exportInspections)
	api.GET("/inspections/:id", h.getInspection)
	api.PUT("/inspections/:id/findings", requireActor, h.updateFindings)
	api.POST("/inspections/:id/evidence", requireActor, h.addEvidence)
	api.POST("/inspections/:id/reviewer-signature", requireActor, h.signAsReviewer)
	api.POST("/inspections/:id/custodian-signature", requireActor, h.signAsCustodian)
	api.POST("/inspections/:id/void", requireActor, h.voidInspection)
	api.POST("/inspections/:id/retry", requireActor, h.retryActaGeneration)

	r.POST("/pubsub/actas", h.actasPushHandler)
}

type inspectionResponse struct {
	*models.Inspection
	Stage models.InspectionStage `json:"stage"`
}

func newInspectionResponse(insp *models.Inspection) inspectionResponse {
	return inspectionResponse{Inspection: insp, Stage: insp.Stage()}
}

func (h *Handlers) createAsset(c *gin.Context) {
	var input models.NewAsset
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	asset, err := models.CreateAsset(c.Request.Context(), &input)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, asset)
}

func (h *Handlers) getAsset(c *gin.Context) {
	asset, err := models.GetAsset(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, asset)
}

func (h *Handlers) createInspection(c *gin.Context) {
	var input models.NewInspection
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	insp, err := models.CreateInspection(c.Request.Context(), &input)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newInspectionResponse(insp))
}

func (h *Handlers) listInspections(c *gin.Context) {
	var filter models.InspectionFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return
	}
	results, err := models.ListInspections(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]inspectionResponse, 0, len(results))
	for _, insp := range results {
		out = append(out, newInspectionResponse(insp))
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handlers) inspectionStats(c *gin.Context) {
	stats, err := models.GetInspectionStats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handlers) getInspection(c *gin.Context) {
	insp, err := models.GetInspection(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newInspectionResponse(insp))
}

func (h *Handlers) updateFindings(c *gin.Context) {
	var input models.InspectionFindings
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	insp, err := models.UpdateInspectionFindings(c.Request.Context(), c.Param("id"), &input)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newInspectionResponse(insp))
}

type voidRequest struct {
	Reason string `json:"reason"`
}

func (h *Handlers) voidInspection(c *gin.Context) {
	var req voidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	insp, err := models.VoidInspection(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newInspectionResponse(insp))
}

func (h *Handlers) retryActaGeneration(c *gin.Context) {
	insp, err := models.RetryActaGeneration(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusOK
	if insp.Status == models.InspectionStatusFullySigned {
		// generation continues asynchronously
		status = http.StatusAccepted
	}
	c.JSON(status, newInspectionResponse(insp))
}
