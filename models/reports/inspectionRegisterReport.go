package reports

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/serviciudad/activos_backend/config"
	"github.com/serviciudad/activos_backend/models"
	"github.com/serviciudad/activos_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

const registerSheet = "Revisiones"

type InspectionRegisterFilter struct {
	From   *time.Time               `form:"from" time_format:"2006-01-02"`
	To     *time.Time               `form:"to" time_format:"2006-01-02"`
	Status *models.InspectionStatus `form:"status"`
}

// InspectionRegisterRow is one line of the inspection register export.
type InspectionRegisterRow struct {
	InspectionId     string                  `json:"inspection_id"`
	DocumentNumber   *string                 `json:"document_number"`
	AssetCode        string                  `json:"asset_code"`
	AssetDescription string                  `json:"asset_description"`
	AssetLocation    string                  `json:"asset_location"`
	AcquisitionValue decimal.Decimal         `json:"acquisition_value"`
	InspectionDate   time.Time               `json:"inspection_date"`
	Condition        models.AssetCondition   `gorm:"column:asset_condition" json:"condition"`
	ReviewerName     string                  `json:"reviewer_name"`
	CustodianName    string                  `json:"custodian_name"`
	Status           models.InspectionStatus `json:"status"`
	DocumentUrl      *string                 `json:"document_url"`
	ErrorMessage     *string                 `json:"error_message"`
}

func GetInspectionRegister(ctx context.Context, filter InspectionRegisterFilter) ([]*InspectionRegisterRow, error) {
	started := time.Now()
	key := reportCacheKey("inspection-register", registerFilterKey(filter))
	var cached []*InspectionRegisterRow
	if ok, err := cacheGet(ctx, key, &cached); err == nil && ok {
		return cached, nil
	}

	sql := `
SELECT
    i.id AS inspection_id,
    i.document_number,
    i.asset_code,
    i.asset_description,
    i.asset_location,
    COALESCE(a.acquisition_value, 0) AS acquisition_value,
    i.inspection_date,
    i.asset_condition,
    i.reviewer_name,
    i.custodian_name,
    i.status,
    i.document_url,
    i.error_message
FROM
    inspections i
    LEFT JOIN assets a ON a.id = i.asset_id
WHERE 1 = 1`
	var args []interface{}
	if filter.From != nil {
		sql += " AND i.inspection_date >= ?"
		args = append(args, filter.From.UTC())
	}
	if filter.To != nil {
		sql += " AND i.inspection_date < ?"
		args = append(args, filter.To.AddDate(0, 0, 1).UTC())
	}
	if filter.Status != nil {
		if !filter.Status.IsValid() {
			return nil, &models.ValidationError{Fields: map[string]string{"status": "invalid"}}
		}
		sql += " AND i.status = ?"
		args = append(args, *filter.Status)
	}
	sql += " ORDER BY i.inspection_date DESC, i.created_at DESC"

	var records []*InspectionRegisterRow
	if err := config.GetDB().WithContext(ctx).Raw(sql, args...).Scan(&records).Error; err != nil {
		return nil, err
	}
	cacheSet(ctx, key, records)
	logSlowReport(ctx, "inspection-register", started, map[string]any{"rows": len(records)})
	return records, nil
}

func registerFilterKey(filter InspectionRegisterFilter) string {
	parts := []string{"", "", ""}
	if filter.From != nil {
		parts[0] = filter.From.Format("20060102")
	}
	if filter.To != nil {
		parts[1] = filter.To.Format("20060102")
	}
	if filter.Status != nil {
		parts[2] = string(*filter.Status)
	}
	return strings.Join(parts, "-")
}

// BuildInspectionRegisterWorkbook lays the register out on one sheet. Rows
// whose acta failed to generate are filled red so they stand out for retry.
func BuildInspectionRegisterWorkbook(rows []*InspectionRegisterRow) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", registerSheet); err != nil {
		return nil, err
	}

	headers := []string{
		"No. Acta", "Código", "Descripción", "Ubicación", "Valor adquisición",
		"Fecha revisión", "Estado del activo", "Revisor", "Custodio", "Estado", "Documento", "Error",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(registerSheet, cell, h)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, err
	}
	errorStyle, err := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"F8D7DA"}},
	})
	if err != nil {
		return nil, err
	}
	lastCol, _ := excelize.ColumnNumberToName(len(headers))
	f.SetCellStyle(registerSheet, "A1", lastCol+"1", headerStyle)

	for i, d := range rows {
		row := i + 2
		values := []interface{}{
			utils.DereferencePtr(d.DocumentNumber, ""),
			d.AssetCode,
			d.AssetDescription,
			d.AssetLocation,
			d.AcquisitionValue.InexactFloat64(),
			d.InspectionDate.In(utils.LocalLocation()).Format("2006-01-02"),
			ConditionName(d.Condition),
			d.ReviewerName,
			d.CustodianName,
			StatusName(d.Status),
			utils.DereferencePtr(d.DocumentUrl, ""),
			utils.DereferencePtr(d.ErrorMessage, ""),
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			f.SetCellValue(registerSheet, cell, v)
		}
		if d.Status == models.InspectionStatusGenerationError {
			f.SetCellStyle(registerSheet, fmt.Sprintf("A%d", row), fmt.Sprintf("%s%d", lastCol, row), errorStyle)
		}
	}
	f.SetColWidth(registerSheet, "A", "A", 18)
	f.SetColWidth(registerSheet, "C", "C", 40)
	return f, nil
}

func WriteInspectionRegister(w io.Writer, rows []*InspectionRegisterRow) error {
	f, err := BuildInspectionRegisterWorkbook(rows)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Write(w)
}
