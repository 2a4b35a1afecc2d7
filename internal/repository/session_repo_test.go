package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"vtt-sync/internal/models"
)

// dryRunDB renders SQL without a live Postgres
func dryRunDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(postgres.New(postgres.Config{DSN: "host=localhost user=vtt dbname=vtt sslmode=disable"}), &gorm.Config{
		DryRun:               true,
		DisableAutomaticPing: true,
		Logger:               logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return db
}

func TestUpsertSession_GuardsVersionAndEndedStatus(t *testing.T) {
	db := dryRunDB(t)
	record := &models.SessionRecord{ID: "s1", GMUserID: "gm", Status: models.SessionActive, Version: 4, Hash: "h", State: []byte(`{}`)}

	sql := db.ToSQL(func(tx *gorm.DB) *gorm.DB {
		return upsertSession(tx, record)
	})

	assert.Contains(t, sql, `ON CONFLICT ("id") DO UPDATE SET`)
	assert.Contains(t, sql, "session_records.version <= excluded.version")
	assert.Contains(t, sql, "session_records.status <> 'ended'")
}
