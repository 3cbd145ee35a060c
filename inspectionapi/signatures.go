package inspectionapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/serviciudad/activos_backend/models"
	"github.com/serviciudad/activos_backend/utils"
)

type signatureRequest struct {
	// PNG capture as a data URL ("data:image/png;base64,...").
	Signature           string  `json:"signature"`
	DeclarationAccepted bool    `json:"declaration_accepted"`
	CustodianName       *string `json:"custodian_name"`
	CustodianNationalId *string `json:"custodian_national_id"`
}

func (h *Handlers) signAsReviewer(c *gin.Context) {
	var req signatureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	id := c.Param("id")
	if err := h.expectStatus(c, id, models.InspectionStatusDraft); err != nil {
		writeError(c, err)
		return
	}
	if !req.DeclarationAccepted {
		writeError(c, &models.ValidationError{Fields: map[string]string{"declaration_accepted": "must be accepted"}})
		return
	}
	url, err := h.storeSignature(c, id, "revisor", req.Signature)
	if err != nil {
		writeError(c, err)
		return
	}
	insp, err := models.SignAsReviewer(c.Request.Context(), id, &models.ReviewerSignatureInput{
		SignatureUrl:        url,
		DeclarationAccepted: req.DeclarationAccepted,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newInspectionResponse(insp))
}

func (h *Handlers) signAsCustodian(c *gin.Context) {
	var req signatureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	id := c.Param("id")
	if err := h.expectStatus(c, id, models.InspectionStatusPendingCustodianSignature); err != nil {
		writeError(c, err)
		return
	}
	if !req.DeclarationAccepted {
		writeError(c, &models.ValidationError{Fields: map[string]string{"declaration_accepted": "must be accepted"}})
		return
	}
	url, err := h.storeSignature(c, id, "custodio", req.Signature)
	if err != nil {
		writeError(c, err)
		return
	}
	insp, err := models.SignAsCustodian(c.Request.Context(), id, &models.CustodianSignatureInput{
		SignatureUrl:        url,
		DeclarationAccepted: req.DeclarationAccepted,
		CustodianName:       req.CustodianName,
		CustodianNationalId: req.CustodianNationalId,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusOK
	if insp.Status == models.InspectionStatusFullySigned {
		status = http.StatusAccepted
	}
	c.JSON(status, newInspectionResponse(insp))
}

// expectStatus rejects the request before anything is uploaded. The signing
// call still re-checks the status inside its transaction.
func (h *Handlers) expectStatus(c *gin.Context, id string, status models.InspectionStatus) error {
	insp, err := models.GetInspection(c.Request.Context(), id)
	if err != nil {
		return err
	}
	if insp.Status != status {
		return fmt.Errorf("%w: inspection is %s", models.ErrInvalidTransition, insp.Status)
	}
	return nil
}

func (h *Handlers) storeSignature(c *gin.Context, inspectionId, role, dataURL string) (string, error) {
	if strings.TrimSpace(dataURL) == "" {
		return "", &models.ValidationError{Fields: map[string]string{"signature": "required"}}
	}
	data, contentType, err := utils.DecodeImageDataURL(dataURL)
	if err != nil {
		return "", err
	}
	ext := ".png"
	if contentType == "image/jpeg" {
		ext = ".jpg"
	}
	key := fmt.Sprintf("firmas/%s/%s-%s%s", inspectionId, role, utils.GenerateUniqueFilename(), ext)
	return h.Store.Upload(c.Request.Context(), key, data, contentType)
}
