package inspectionapi

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/serviciudad/activos_backend/models/reports"
	"github.com/serviciudad/activos_backend/utils"
)

func (h *Handlers) exportInspections(c *gin.Context) {
	var filter reports.InspectionRegisterFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return
	}
	rows, err := reports.GetInspectionRegister(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}

	filename := fmt.Sprintf("revisiones_%s.xlsx", utils.LocalNow().Format("20060102"))
	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", "attachment; filename="+filename)
	if err := reports.WriteInspectionRegister(c.Writer, rows); err != nil {
		c.Status(http.StatusInternalServerError)
	}
}
