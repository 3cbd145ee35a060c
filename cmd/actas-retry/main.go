// actas-retry re-queues acta generation for inspections stuck in
// error_generacion and, with --process, runs the workflow in-process instead
// of waiting for the outbox workers.
//
// Usage:
//
//	go run ./cmd/actas-retry --dry-run
//	go run ./cmd/actas-retry --id <inspection-id> --process
//	go run ./cmd/actas-retry --sweep
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/serviciudad/activos_backend/config"
	"github.com/serviciudad/activos_backend/models"
	"github.com/serviciudad/activos_backend/utils"
	"github.com/serviciudad/activos_backend/workflow"
	"github.com/sirupsen/logrus"
)

func main() {
	inspectionID := flag.String("id", "", "Optional: retry a single inspection")
	limit := flag.Int("limit", 100, "Max inspections to retry")
	process := flag.Bool("process", false, "Generate the acta in this process after re-queueing")
	sweep := flag.Bool("sweep", false, "First fail inspections stuck in firmada_completa past the deadline")
	dryRun := flag.Bool("dry-run", false, "List candidates without changing anything")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	logger := config.GetLogger()
	ctx := utils.SetUserNameInContext(context.Background(), "actas-retry")

	if *sweep && !*dryRun {
		n, err := workflow.NewStaleGenerationSweeper(db, logger).SweepOnce(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "sweep failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("stale generations failed: %d\n", n)
	}

	var candidates []*models.Inspection
	if id := strings.TrimSpace(*inspectionID); id != "" {
		insp, err := models.GetInspection(ctx, id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load %s: %v\n", id, err)
			os.Exit(1)
		}
		candidates = append(candidates, insp)
	} else {
		status := models.InspectionStatusGenerationError
		list, err := models.ListInspections(ctx, models.InspectionFilter{Status: &status, Limit: *limit})
		if err != nil {
			fmt.Fprintf(os.Stderr, "list inspections: %v\n", err)
			os.Exit(1)
		}
		candidates = list
	}

	var completion *workflow.ActaCompletionWorkflow
	if *process && !*dryRun {
		store, err := utils.NewBlobStoreFromEnv(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "blob store: %v\n", err)
			os.Exit(1)
		}
		completion = workflow.NewActaCompletionWorkflow(store, logger)
	}

	var retried, failed int
	for _, insp := range candidates {
		entry := logger.WithFields(logrus.Fields{"inspection_id": insp.ID, "status": insp.Status})
		if insp.ErrorMessage != nil {
			entry = entry.WithField("error_message", *insp.ErrorMessage)
		}
		if *dryRun {
			entry.Info("would retry")
			continue
		}
		if insp.Status == models.InspectionStatusGenerationError {
			if _, err := models.RetryActaGeneration(ctx, insp.ID); err != nil {
				entry.Error("retry failed: " + err.Error())
				failed++
				continue
			}
		} else if insp.Status != models.InspectionStatusFullySigned {
			entry.Warn("not retryable; skipping")
			continue
		}
		retried++
		if completion == nil {
			continue
		}
		outcome, err := completion.ProcessInspection(ctx, insp.ID)
		if err != nil {
			entry.Error("generation failed: " + err.Error())
			failed++
			continue
		}
		entry.WithField("outcome", string(outcome)).Info("generation finished")
	}

	fmt.Printf("candidates=%d retried=%d failed=%d\n", len(candidates), retried, failed)
	if failed > 0 {
		os.Exit(1)
	}
}
