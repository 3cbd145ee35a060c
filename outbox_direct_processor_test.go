package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/serviciudad/activos_backend/config"
	"github.com/serviciudad/activos_backend/models"
	"github.com/serviciudad/activos_backend/utils"
	"github.com/serviciudad/activos_backend/workflow"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeProcessor struct {
	calls   []string
	outcome workflow.CompletionOutcome
	err     error
}

func (f *fakeProcessor) ProcessInspection(ctx context.Context, inspectionId string) (workflow.CompletionOutcome, error) {
	f.calls = append(f.calls, inspectionId)
	return f.outcome, f.err
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func setClock(t *testing.T, at time.Time) {
	t.Helper()
	prev := utils.Now
	utils.Now = func() time.Time { return at }
	t.Cleanup(func() { utils.Now = prev })
}

func newOutboxTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "outbox.db")), config.GormConfig())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.ActaOutboxRecord{}))
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func insertOutboxRecord(t *testing.T, db *gorm.DB, inspectionId string, createdAt time.Time, attempts int) models.ActaOutboxRecord {
	t.Helper()
	rec := models.ActaOutboxRecord{
		InspectionId:    inspectionId,
		Event:           models.ActaOutboxEventFullySigned,
		CorrelationId:   "cid-" + inspectionId,
		PublishStatus:   models.OutboxPublishStatusPending,
		ProcessAttempts: attempts,
		CreatedAt:       createdAt,
		UpdatedAt:       createdAt,
	}
	require.NoError(t, db.Create(&rec).Error)
	return rec
}

func reloadOutboxRecord(t *testing.T, db *gorm.DB, id int) models.ActaOutboxRecord {
	t.Helper()
	var rec models.ActaOutboxRecord
	require.NoError(t, db.First(&rec, id).Error)
	return rec
}

func TestDirectProcessorLeavesFreshEventsToOtherPaths(t *testing.T) {
	now := time.Date(2024, 3, 15, 15, 0, 0, 0, time.UTC)
	setClock(t, now)
	db := newOutboxTestDB(t)

	fresh := insertOutboxRecord(t, db, "insp-fresh", now.Add(-5*time.Second), 0)
	old := insertOutboxRecord(t, db, "insp-old", now.Add(-time.Minute), 0)

	proc := &fakeProcessor{outcome: workflow.CompletionOutcomeSkipped}
	p := NewOutboxDirectProcessor(db, quietLogger(), proc)

	assert.Equal(t, 1, p.processOnce(context.Background()))
	assert.Equal(t, []string{"insp-old"}, proc.calls)

	// A skipped run closes the event so it is not claimed again.
	got := reloadOutboxRecord(t, db, old.ID)
	assert.True(t, got.IsProcessed)
	assert.Nil(t, got.LockedAt)

	assert.False(t, reloadOutboxRecord(t, db, fresh.ID).IsProcessed)
}

func TestDirectProcessorBacksOffAfterFailure(t *testing.T) {
	now := time.Date(2024, 3, 15, 15, 0, 0, 0, time.UTC)
	setClock(t, now)
	db := newOutboxTestDB(t)
	rec := insertOutboxRecord(t, db, "insp-1", now.Add(-time.Minute), 0)

	proc := &fakeProcessor{err: errors.New("acta generation already in progress")}
	p := NewOutboxDirectProcessor(db, quietLogger(), proc)

	p.processOnce(context.Background())
	got := reloadOutboxRecord(t, db, rec.ID)
	assert.False(t, got.IsProcessed)
	assert.Equal(t, 1, got.ProcessAttempts)
	require.NotNil(t, got.LastProcessError)
	assert.Contains(t, *got.LastProcessError, "in progress")
	assert.Nil(t, got.LockedAt)

	// Still inside the first backoff window.
	assert.Equal(t, 0, p.processOnce(context.Background()))
	assert.Len(t, proc.calls, 1)

	setClock(t, now.Add(6*time.Second))
	proc.err = nil
	proc.outcome = workflow.CompletionOutcomeCompleted
	assert.Equal(t, 1, p.processOnce(context.Background()))
	assert.Len(t, proc.calls, 2)
}

func TestDirectProcessorGivesUpAfterMaxAttempts(t *testing.T) {
	now := time.Date(2024, 3, 15, 15, 0, 0, 0, time.UTC)
	setClock(t, now)
	db := newOutboxTestDB(t)
	rec := insertOutboxRecord(t, db, "insp-1", now.Add(-time.Hour), 10)

	proc := &fakeProcessor{outcome: workflow.CompletionOutcomeCompleted}
	p := NewOutboxDirectProcessor(db, quietLogger(), proc)
	p.Retry.maxAttempts = 10

	assert.Equal(t, 0, p.processOnce(context.Background()))
	assert.Empty(t, proc.calls)

	got := reloadOutboxRecord(t, db, rec.ID)
	assert.True(t, got.IsProcessed)
	require.NotNil(t, got.LastProcessError)
	assert.Contains(t, *got.LastProcessError, "gave up after 10 attempts")
}

func TestDirectProcessorRunsEachInspectionOnce(t *testing.T) {
	now := time.Date(2024, 3, 15, 15, 0, 0, 0, time.UTC)
	setClock(t, now)
	db := newOutboxTestDB(t)
	insertOutboxRecord(t, db, "insp-1", now.Add(-2*time.Minute), 0)
	insertOutboxRecord(t, db, "insp-1", now.Add(-time.Minute), 0)

	proc := &fakeProcessor{outcome: workflow.CompletionOutcomeSkipped}
	p := NewOutboxDirectProcessor(db, quietLogger(), proc)

	assert.Equal(t, 2, p.processOnce(context.Background()))
	assert.Equal(t, []string{"insp-1"}, proc.calls)

	var open int64
	require.NoError(t, db.Model(&models.ActaOutboxRecord{}).Where("is_processed = ?", false).Count(&open).Error)
	assert.Zero(t, open)
}

func TestOutboxProcessBackoffIsCapped(t *testing.T) {
	cfg := outboxProcessRetryConfig{maxAttempts: 10, baseBackoff: 5 * time.Second, maxBackoff: time.Minute}
	assert.Equal(t, time.Duration(0), outboxProcessBackoff(0, cfg))
	assert.Equal(t, 5*time.Second, outboxProcessBackoff(1, cfg))
	assert.Equal(t, 20*time.Second, outboxProcessBackoff(3, cfg))
	assert.Equal(t, time.Minute, outboxProcessBackoff(8, cfg))
}

func TestHandleActaMessage(t *testing.T) {
	logger := quietLogger()

	proc := &fakeProcessor{outcome: workflow.CompletionOutcomeCompleted}
	assert.True(t, handleActaMessage(context.Background(), logger, proc, "m-1", []byte("not json")))
	assert.True(t, handleActaMessage(context.Background(), logger, proc, "m-2", []byte(`{"outbox_id":1}`)))
	assert.Empty(t, proc.calls)

	assert.True(t, handleActaMessage(context.Background(), logger, proc, "m-3", []byte(`{"outbox_id":1,"inspection_id":"insp-1"}`)))
	assert.Equal(t, []string{"insp-1"}, proc.calls)

	proc.err = errors.New("render acta timed out after 2m0s")
	assert.False(t, handleActaMessage(context.Background(), logger, proc, "m-4", []byte(`{"outbox_id":2,"inspection_id":"insp-1"}`)))

	assert.Zero(t, inspectionMutexCount())
}

func TestLockInspectionReleasesIdleEntries(t *testing.T) {
	unlockA := lockInspection("insp-a")
	unlockB := lockInspection("insp-b")
	assert.Equal(t, 2, inspectionMutexCount())

	acquired := make(chan struct{})
	go func() {
		unlock := lockInspection("insp-a")
		close(acquired)
		unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("second delivery of insp-a ran while the first held the lock")
	case <-time.After(50 * time.Millisecond):
	}

	unlockA()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiting delivery never acquired insp-a")
	}
	unlockB()

	require.Eventually(t, func() bool { return inspectionMutexCount() == 0 }, time.Second, 5*time.Millisecond)
}
