package models

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/serviciudad/activos_backend/config"
	"github.com/serviciudad/activos_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// setupTestDB installs a fresh SQLite database as the global DB. A single
// connection keeps SQLite writers serialized.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "activos.db")), config.GormConfig())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, AutoMigrateAll(db))

	prev := config.GetDB()
	config.SetDB(db)
	t.Cleanup(func() {
		config.SetDB(prev)
		_ = sqlDB.Close()
	})
	ResetInspectionTransitionHooks()
	t.Cleanup(ResetInspectionTransitionHooks)
	return db
}

func pinClock(t *testing.T, at time.Time) {
	t.Helper()
	prev := utils.Now
	utils.Now = func() time.Time { return at }
	t.Cleanup(func() { utils.Now = prev })
}

func createTestAsset(t *testing.T, ctx context.Context) *Asset {
	t.Helper()
	asset, err := CreateAsset(ctx, &NewAsset{
		Code:             "AF-000123",
		Description:      "Computador portátil Lenovo ThinkPad",
		Category:         "equipo_computo",
		Location:         "Sede principal, piso 2",
		Dependency:       "Dirección de Activos Fijos",
		CustodianId:      "user-custodio",
		CustodianName:    "María Gómez",
		AcquisitionValue: decimal.RequireFromString("4500000.00"),
	})
	require.NoError(t, err)
	return asset
}

func createTestInspection(t *testing.T, ctx context.Context, asset *Asset) *Inspection {
	t.Helper()
	insp, err := CreateInspection(ctx, &NewInspection{
		AssetId:             asset.ID,
		ReviewerId:          "user-revisor",
		ReviewerName:        "Carlos Pérez",
		ReviewerNationalId:  "1094123456",
		ReviewerJobTitle:    "Profesional Especializado en Logística",
		CustodianId:         "user-custodio",
		CustodianName:       "María Gómez",
		CustodianNationalId: "41912345",
		Condition:           AssetConditionGood,
		Description:         "Equipo en funcionamiento, sin daños visibles.",
	})
	require.NoError(t, err)
	return insp
}

func signAsReviewer(t *testing.T, ctx context.Context, id string) *Inspection {
	t.Helper()
	insp, err := SignAsReviewer(ctx, id, &ReviewerSignatureInput{
		SignatureUrl:        "firmas/" + id + "/revisor.png",
		DeclarationAccepted: true,
	})
	require.NoError(t, err)
	return insp
}
