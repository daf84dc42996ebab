package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mmdatafocus/crmsync_backend/conflict"
	"github.com/mmdatafocus/crmsync_backend/mapping"
	"github.com/mmdatafocus/crmsync_backend/syncengine"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("ATTIO_API_KEY", "attio-key")
	t.Setenv("SF_CLIENT_ID", "client")
	t.Setenv("SF_CLIENT_SECRET", "secret")
	t.Setenv("SF_INSTANCE_URL", "https://acme.my.salesforce.com/")
	t.Setenv("STORAGE_BACKEND", "memory")
}

func TestLoadSettingsDefaults(t *testing.T) {
	setRequired(t)

	s := LoadSettings()
	require.NoError(t, s.Validate())

	assert.Equal(t, "https://acme.my.salesforce.com", s.SFInstanceURL, "trailing slash trimmed")
	assert.Equal(t, "https://login.salesforce.com", s.SFLoginURL)
	assert.Equal(t, mapping.Bidirectional, s.Direction)
	assert.Equal(t, conflict.LastWrite, s.Strategy)
	assert.Equal(t, 100, s.BatchSize)
	assert.Equal(t, 24*time.Hour, s.Lookback())
	assert.Equal(t, DefaultSchedule, s.Schedule)
	assert.True(t, s.WebhookEnabled)
	assert.False(t, s.PropagateDeletes)
	assert.Equal(t, "8080", s.Port)
}

func TestLoadSettingsAliases(t *testing.T) {
	setRequired(t)
	t.Setenv("SYNC_DIRECTION", "attio_to_sf")
	t.Setenv("SYNC_CONFLICT_RESOLUTION", "salesforce_wins")
	t.Setenv("SF_INSTANCE_URL", "https://acme--dev.sandbox.my.salesforce.com")
	t.Setenv("SYNC_SCHEDULED_ENABLED", "no")

	s := LoadSettings()
	require.NoError(t, s.Validate())
	assert.Equal(t, mapping.SourceToTarget, s.Direction)
	assert.Equal(t, conflict.TargetWins, s.Strategy)
	assert.Equal(t, "https://test.salesforce.com", s.SFLoginURL)
	assert.False(t, s.ScheduledEnabled)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	setRequired(t)
	t.Setenv("ATTIO_API_KEY", "")
	t.Setenv("SF_INSTANCE_URL", "http://insecure.example.com")
	t.Setenv("SYNC_BATCH_SIZE", "0")
	t.Setenv("SYNC_DIRECTION", "sideways")
	t.Setenv("SYNC_CONFLICT_RESOLUTION", "coin_flip")
	t.Setenv("SYNC_SCHEDULE", "whenever")
	t.Setenv("STORAGE_BACKEND", "sqlite")

	err := LoadSettings().Validate()
	require.Error(t, err)

	var se *syncengine.SyncError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, syncengine.KindConfiguration, se.Kind)
	for _, want := range []string{
		"ATTIO_API_KEY: is required",
		"SF_INSTANCE_URL: must start with https://",
		"SYNC_BATCH_SIZE: must be >= 1",
		`SYNC_DIRECTION: unknown direction "sideways"`,
		`SYNC_CONFLICT_RESOLUTION: unknown strategy "coin_flip"`,
		"SYNC_SCHEDULE:",
		"STORAGE_BACKEND: must be one of mysql postgres redis memory",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestParseSchedule(t *testing.T) {
	for _, spec := range []string{DefaultSchedule, "@every 5m", "@hourly", "30 0 * * * *"} {
		_, err := ParseSchedule(spec)
		assert.NoError(t, err, spec)
	}
	for _, spec := range []string{"", "*/15 * * * *", "every day"} {
		_, err := ParseSchedule(spec)
		assert.Error(t, err, spec)
	}

	sched, err := ParseSchedule("0 */15 * * * *")
	require.NoError(t, err)
	from := time.Date(2024, 6, 1, 12, 7, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 6, 1, 12, 15, 0, 0, time.UTC), sched.Next(from))
}

func TestMappingsFromFile(t *testing.T) {
	setRequired(t)
	s := LoadSettings()
	set, err := s.Mappings()
	require.NoError(t, err)
	assert.Len(t, set.Enabled(), 3)

	path := filepath.Join(t.TempDir(), "mappings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("not: [valid"), 0o600))
	s.MappingsFile = path
	_, err = s.Mappings()
	assert.Equal(t, syncengine.KindConfiguration, syncengine.Classify(err))
}

func TestRedactedHidesSecrets(t *testing.T) {
	setRequired(t)
	t.Setenv("API_KEY", "")
	t.Setenv("API_KEY_HASH", "")
	r := LoadSettings().Redacted()

	assert.Equal(t, "<set>", r["ATTIO_API_KEY"])
	assert.Equal(t, "<set>", r["SF_CLIENT_SECRET"])
	assert.Equal(t, "<unset>", r["SF_REFRESH_TOKEN"])
	assert.Equal(t, "<unset>", r["API_KEY"])
	assert.Equal(t, "https://acme.my.salesforce.com", r["SF_INSTANCE_URL"])
	for _, v := range r {
		assert.NotEqual(t, "attio-key", v)
		assert.NotEqual(t, "secret", v)
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("FLAG_ON", " Yes ")
	t.Setenv("FLAG_OFF", "0")
	t.Setenv("FLAG_JUNK", "maybe")
	assert.True(t, EnvBool("FLAG_ON", false))
	assert.False(t, EnvBool("FLAG_OFF", true))
	assert.True(t, EnvBool("FLAG_JUNK", true))
	assert.Equal(t, "fallback", EnvString("FLAG_MISSING", "fallback"))

	t.Setenv("N", "x")
	assert.Equal(t, 7, intFromEnv("N", 7))

	assert.Equal(t, logrus.DebugLevel, LogLevel("debug"))
	assert.Equal(t, logrus.InfoLevel, LogLevel("loud"))
}

func TestDSN(t *testing.T) {
	t.Setenv("DB_USER", "sync")
	t.Setenv("DB_PASSWORD", "pw")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_PORT", "3306")
	t.Setenv("DB_NAME", "crmsync")

	assert.Equal(t, "sync:pw@tcp(db:3306)/crmsync?multiStatements=true&parseTime=true&loc=UTC", DSN(StorageMySQL))

	t.Setenv("DB_HOST", "/cloudsql/proj:region:inst")
	assert.Contains(t, DSN(StorageMySQL), "@unix(/cloudsql/proj:region:inst)/")

	t.Setenv("DB_HOST", "pg")
	t.Setenv("DB_PORT", "")
	assert.Equal(t, "host=pg port=5432 user=sync password=pw dbname=crmsync sslmode=disable TimeZone=UTC", DSN(StoragePostgres))
}
