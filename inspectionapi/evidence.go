package inspectionapi

import (
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/serviciudad/activos_backend/models"
	"github.com/serviciudad/activos_backend/utils"
)

const maxEvidenceUploadBytes int64 = 15 << 20

var evidenceMimeTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/bmp":  true,
}

// addEvidence accepts a multipart photo, shrinks it to a JPEG and appends it to
// the draft.
func (h *Handlers) addEvidence(c *gin.Context) {
	id := c.Param("id")
	if err := h.expectStatus(c, id, models.InspectionStatusDraft); err != nil {
		writeError(c, err)
		return
	}

	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if fh.Size > maxEvidenceUploadBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file size exceeds 15MB limit"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		writeError(c, err)
		return
	}
	defer f.Close()
	raw, err := io.ReadAll(io.LimitReader(f, maxEvidenceUploadBytes+1))
	if err != nil {
		writeError(c, err)
		return
	}
	if mime := http.DetectContentType(raw); !evidenceMimeTypes[mime] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported image type"})
		return
	}

	compressed, err := utils.CompressEvidenceImage(raw)
	if err != nil {
		writeError(c, err)
		return
	}
	key := fmt.Sprintf("evidencias/%s/%s.jpg", id, utils.GenerateUniqueFilename())
	url, err := h.Store.Upload(c.Request.Context(), key, compressed, "image/jpeg")
	if err != nil {
		writeError(c, err)
		return
	}

	label := c.PostForm("label")
	if label == "" {
		label = utils.SanitizeFilename(fh.Filename)
	}
	evidence, err := models.AddEvidence(c.Request.Context(), id, &models.NewEvidence{
		BlobUrl:     url,
		Label:       label,
		Description: c.PostForm("description"),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, evidence)
}
