package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/mmdatafocus/crmsync_backend/conflict"
	"github.com/mmdatafocus/crmsync_backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	assert.True(t, IsDuplicateKeyErr(&mysqlDriver.MySQLError{Number: 1062, Message: "Duplicate entry"}))
	assert.True(t, IsDuplicateKeyErr(fmt.Errorf("create: %w", gorm.ErrDuplicatedKey)))
	assert.False(t, IsDuplicateKeyErr(&mysqlDriver.MySQLError{Number: 1213}))
	assert.False(t, IsDuplicateKeyErr(errors.New("connection reset")))
}

func TestConflictRowKeepsJSONColumns(t *testing.T) {
	modified := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	c := conflict.NewRecord("companies", "rec_1", "Account", "001",
		map[string]any{"name": "Acme", "domains": []any{"acme.com"}},
		map[string]any{"Name": "ACME"},
		[]conflict.FieldConflict{{SourceField: "name", TargetField: "Name", SourceValue: "Acme", TargetValue: "ACME", SourceModifiedAt: &modified}})

	row, err := conflictToRow(c)
	require.NoError(t, err)
	assert.Nil(t, row.Resolution, "no resolution column until one is recorded")

	back, err := conflictFromRow(row)
	require.NoError(t, err)
	assert.Equal(t, c.ID, back.ID)
	assert.Equal(t, conflict.StatusPending, back.Status)
	assert.Equal(t, []any{"acme.com"}, back.SourceData["domains"])
	require.Len(t, back.ConflictingFields, 1)
	assert.Equal(t, modified, back.ConflictingFields[0].SourceModifiedAt.UTC())
	assert.Nil(t, back.Resolution)

	require.NoError(t, c.Transition(conflict.StatusManuallyResolved, &conflict.Resolution{Winner: conflict.WinnerTarget, Decision: conflict.DecisionUseTarget}))
	row, err = conflictToRow(c)
	require.NoError(t, err)
	back, err = conflictFromRow(row)
	require.NoError(t, err)
	require.NotNil(t, back.Resolution)
	assert.Equal(t, conflict.DecisionUseTarget, back.Resolution.Decision)
}

func TestHistoryRowDuration(t *testing.T) {
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(1500 * time.Millisecond)
	row, err := historyToRow(&SyncHistory{
		ID:        "run-1",
		Objects:   []string{"companies->Account"},
		Status:    models.SyncRunStatusSuccess,
		StartedAt: start,
	})
	require.NoError(t, err)
	assert.Zero(t, row.DurationMs, "unfinished runs have no duration")

	row, err = historyToRow(&SyncHistory{ID: "run-1", StartedAt: start, FinishedAt: &end, Errors: []string{"boom"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1500), row.DurationMs)

	h, err := historyFromRow(row)
	require.NoError(t, err)
	assert.Equal(t, []string{"boom"}, h.Errors)
	assert.Equal(t, 1500*time.Millisecond, h.Duration())
}

// openTestDB connects to MYSQL_TEST_DSN with a throwaway table prefix.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	if os.Getenv("INTEGRATION_TESTS") != "1" {
		t.Skip("set INTEGRATION_TESTS=1 to run against a real mysql")
	}
	dsn := os.Getenv("MYSQL_TEST_DSN")
	if dsn == "" {
		t.Skip("MYSQL_TEST_DSN not set")
	}
	prefix := "t" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8] + "_"
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{TablePrefix: prefix},
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	t.Cleanup(func() {
		_ = db.Migrator().DropTable(&models.IdMapping{}, &models.SyncCursor{}, &models.SyncConflict{}, &models.SyncHistory{}, &models.WebhookEvent{})
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func TestGormStoreIntegration(t *testing.T) {
	exerciseStorage(t, NewGormStore(openTestDB(t)))
}

func TestGormEventLogIntegration(t *testing.T) {
	l := NewGormEventLog(openTestDB(t))
	ctx := context.Background()

	skip, err := l.BeginEvent(ctx, "salesforce", "evt_1", "updated")
	require.NoError(t, err)
	assert.False(t, skip)

	_, err = l.BeginEvent(ctx, "salesforce", "evt_1", "updated")
	assert.ErrorIs(t, err, ErrEventInProgress)

	require.NoError(t, l.MarkEventSucceeded(ctx, "salesforce", "evt_1"))
	skip, err = l.BeginEvent(ctx, "salesforce", "evt_1", "updated")
	require.NoError(t, err)
	assert.True(t, skip)
}
