package inspectionapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/serviciudad/activos_backend/config"
	"github.com/serviciudad/activos_backend/models"
	"github.com/serviciudad/activos_backend/utils"
	"github.com/sirupsen/logrus"
)

// writeError maps domain errors to HTTP statuses. Anything unknown is logged
// and reported as 500 without details.
func writeError(c *gin.Context, err error) {
	var ve *models.ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "fields": ve.Fields})
	case errors.Is(err, utils.ErrorInvalidImage):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrInspectionNotFound),
		errors.Is(err, models.ErrAssetNotFound),
		errors.Is(err, utils.ErrorRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrInspectionStateChanged):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		config.GetLogger().WithFields(logrus.Fields{
			"field":          "inspectionapi",
			"path":           c.FullPath(),
			"correlation_id": cid,
		}).Error(err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "correlation_id": cid})
	}
}
