// seed-dev loads fixed assets into a development database.
//
// Usage:
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_NAME=... go run ./cmd/seed-dev
//	go run ./cmd/seed-dev --file activos.xlsx --sheet Activos
//
// Without --file a small demo catalogue is loaded. The workbook needs a header
// row; columns are matched by name (codigo, descripcion, categoria, ubicacion,
// dependencia, custodio_id, custodio_nombre, valor_adquisicion, fecha_adquisicion).
// Assets whose code already exists are left untouched.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/serviciudad/activos_backend/config"
	"github.com/serviciudad/activos_backend/models"
	"github.com/serviciudad/activos_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

var demoAssets = []models.NewAsset{
	{
		Code:             "AF-000123",
		Description:      "Computador portátil Lenovo ThinkPad T14",
		Category:         "Equipo de cómputo",
		Location:         "Sede principal, piso 2",
		Dependency:       "Gerencia financiera",
		CustodianId:      "1094000001",
		CustodianName:    "María Gómez",
		AcquisitionValue: decimal.RequireFromString("4500000.00"),
	},
	{
		Code:             "AF-000124",
		Description:      "Impresora multifuncional HP LaserJet",
		Category:         "Equipo de oficina",
		Location:         "Sede principal, piso 1",
		Dependency:       "Atención al usuario",
		CustodianId:      "1094000002",
		CustodianName:    "Carlos Restrepo",
		AcquisitionValue: decimal.RequireFromString("1850000.00"),
	},
	{
		Code:             "AF-000125",
		Description:      "Motobomba sumergible 15 HP",
		Category:         "Maquinaria",
		Location:         "Planta de tratamiento La Esmeralda",
		Dependency:       "Acueducto",
		CustodianId:      "1094000003",
		CustodianName:    "Luz Adriana Ospina",
		AcquisitionValue: decimal.RequireFromString("32700000.00"),
	},
}

func main() {
	file := flag.String("file", "", "Optional: xlsx workbook with assets")
	sheet := flag.String("sheet", "", "Optional: sheet name (defaults to the first sheet)")
	migrate := flag.Bool("migrate", true, "Run AutoMigrate before seeding")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	if *migrate {
		models.MigrateTable()
	}

	assets := demoAssets
	if strings.TrimSpace(*file) != "" {
		var err error
		assets, err = readAssetWorkbook(*file, *sheet)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to read %s: %v\n", *file, err)
			os.Exit(1)
		}
	}

	ctx := utils.SetUserNameInContext(context.Background(), "Seed")
	var created, skipped, failed int
	for i := range assets {
		input := assets[i]
		_, err := models.GetAssetByCode(ctx, input.Code)
		if err == nil {
			skipped++
			continue
		}
		if !errors.Is(err, models.ErrAssetNotFound) {
			fmt.Fprintf(os.Stderr, "lookup %s: %v\n", input.Code, err)
			failed++
			continue
		}
		if _, err := models.CreateAsset(ctx, &input); err != nil {
			fmt.Fprintf(os.Stderr, "create %s: %v\n", input.Code, err)
			failed++
			continue
		}
		created++
	}

	fmt.Printf("assets created=%d skipped=%d failed=%d\n", created, skipped, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

func readAssetWorkbook(path, sheet string) ([]models.NewAsset, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if sheet == "" {
		sheet = f.GetSheetName(0)
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, err
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("sheet %q has no data rows", sheet)
	}

	col := map[string]int{}
	for i, name := range rows[0] {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	if _, ok := col["codigo"]; !ok {
		return nil, errors.New(`header "codigo" not found`)
	}
	cell := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	assets := make([]models.NewAsset, 0, len(rows)-1)
	for n, row := range rows[1:] {
		code := cell(row, "codigo")
		if code == "" {
			continue
		}
		input := models.NewAsset{
			Code:          code,
			Description:   cell(row, "descripcion"),
			Category:      cell(row, "categoria"),
			Location:      cell(row, "ubicacion"),
			Dependency:    cell(row, "dependencia"),
			CustodianId:   cell(row, "custodio_id"),
			CustodianName: cell(row, "custodio_nombre"),
		}
		if v := cell(row, "valor_adquisicion"); v != "" {
			value, err := decimal.NewFromString(strings.ReplaceAll(v, ",", ""))
			if err != nil {
				return nil, fmt.Errorf("row %d: valor_adquisicion %q: %w", n+2, v, err)
			}
			input.AcquisitionValue = value
		}
		if v := cell(row, "fecha_adquisicion"); v != "" {
			d, err := time.ParseInLocation("2006-01-02", v, utils.LocalLocation())
			if err != nil {
				return nil, fmt.Errorf("row %d: fecha_adquisicion %q: %w", n+2, v, err)
			}
			input.AcquisitionDate = &d
		}
		assets = append(assets, input)
	}
	return assets, nil
}
