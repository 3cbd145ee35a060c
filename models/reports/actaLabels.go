package reports

import (
	"fmt"
	"time"

	"github.com/serviciudad/activos_backend/models"
	"github.com/serviciudad/activos_backend/utils"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var spanishMonths = [...]string{
	"enero", "febrero", "marzo", "abril", "mayo", "junio",
	"julio", "agosto", "septiembre", "octubre", "noviembre", "diciembre",
}

var conditionNames = map[models.AssetCondition]string{
	models.AssetConditionExcellent:    "Excelente",
	models.AssetConditionGood:         "Bueno",
	models.AssetConditionFair:         "Regular",
	models.AssetConditionPoor:         "Malo",
	models.AssetConditionDecommission: "Para baja",
}

var statusNames = map[models.InspectionStatus]string{
	models.InspectionStatusDraft:                     "Borrador",
	models.InspectionStatusPendingCustodianSignature: "Pendiente firma custodio",
	models.InspectionStatusFullySigned:               "Firmada (generando acta)",
	models.InspectionStatusCompleted:                 "Completada",
	models.InspectionStatusGenerationError:           "Error de generación",
	models.InspectionStatusVoid:                      "Anulada",
}

var upperSpanish = cases.Upper(language.Spanish)

// ConditionName is the display name of a condition ("Para baja").
func ConditionName(c models.AssetCondition) string {
	if name, ok := conditionNames[c]; ok {
		return name
	}
	return string(c)
}

// ConditionLabel is the upper-case label printed on the acta ("PARA BAJA").
func ConditionLabel(c models.AssetCondition) string {
	return upperSpanish.String(ConditionName(c))
}

func StatusName(s models.InspectionStatus) string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return string(s)
}

// LongSpanishDate formats like "15 de marzo de 2024" in the business timezone.
func LongSpanishDate(t time.Time) string {
	t = t.In(utils.LocalLocation())
	return fmt.Sprintf("%d de %s de %d", t.Day(), spanishMonths[t.Month()-1], t.Year())
}

// SpanishDateTime formats a signing timestamp like "15/03/2024 09:05:07".
func SpanishDateTime(t time.Time) string {
	return t.In(utils.LocalLocation()).Format("02/01/2006 15:04:05")
}
