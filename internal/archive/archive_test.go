package archive_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/dashlog/internal/archive"
	"codeberg.org/mutker/dashlog/internal/errors"
	"codeberg.org/mutker/dashlog/internal/logger"
	"codeberg.org/mutker/dashlog/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledArchiveIsNoop(t *testing.T) {
	a, err := archive.NewService(archive.DefaultConfig(), logger.Nop())
	require.NoError(t, err)

	a.Append(context.Background(), telemetry.Sample{MetricName: "SPEED"})
	recent, err := a.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, recent)
	assert.NoError(t, a.Close())
}

func TestEnabledArchiveRequiresPath(t *testing.T) {
	_, err := archive.NewService(archive.Config{Enabled: true}, logger.Nop())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, archive.ErrInvalidDBPath))
}

func TestAppendAndRecent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "telemetry.db")
	a, err := archive.NewService(archive.Config{Enabled: true, DBPath: dbPath}, logger.Nop())
	require.NoError(t, err)
	defer a.Close()

	ts := time.Date(2025, 4, 6, 12, 30, 40, 0, time.UTC)
	ctx := context.Background()

	a.Append(ctx, telemetry.Sample{
		Timestamp:       &ts,
		TimeSource:      telemetry.TimeFromReceiver,
		Latitude:        telemetry.Float(48.1173),
		Longitude:       telemetry.Float(11.5167),
		GroundSpeed:     telemetry.Float(11.5),
		Heading:         telemetry.Float(84.4),
		MetricName:      "SPEED",
		DiagnosticValue: telemetry.Float(25.5),
		DiagnosticUnit:  "mph",
		Conversion:      telemetry.ConversionApplied,
	})
	a.Append(ctx, telemetry.Sample{TimeSource: telemetry.TimeNone, MetricName: "SPEED"})

	recent, err := a.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)

	latest := recent[0]
	assert.Nil(t, latest.Timestamp)
	assert.Nil(t, latest.Latitude)
	assert.Nil(t, latest.DiagnosticValue)
	assert.Equal(t, telemetry.TimeNone, latest.TimeSource)

	first := recent[1]
	require.NotNil(t, first.Timestamp)
	assert.True(t, ts.Equal(*first.Timestamp))
	assert.Equal(t, 48.1173, *first.Latitude)
	assert.Equal(t, 84.4, *first.Heading)
	assert.Equal(t, 25.5, *first.DiagnosticValue)
	assert.Equal(t, "mph", first.DiagnosticUnit)
	assert.Equal(t, telemetry.ConversionApplied, first.Conversion)
}

func TestSchemaVersionMismatchBacksUp(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "telemetry.db")

	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE schema_versions (version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL);
		INSERT INTO schema_versions (version, applied_at) VALUES (99, datetime('now'));
	`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	a, err := archive.NewService(archive.Config{Enabled: true, DBPath: dbPath}, logger.Nop())
	require.NoError(t, err)
	defer a.Close()

	entries, err := os.ReadDir(filepath.Join(dir, "backups"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "telemetry_v99_")

	db, err = sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	defer db.Close()
	version, err := archive.GetSchemaVersion(db)
	require.NoError(t, err)
	assert.Equal(t, archive.SchemaVersion, version)
}

func TestAppendAfterCancelIsSkipped(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "telemetry.db")
	a, err := archive.NewService(archive.Config{Enabled: true, DBPath: dbPath}, logger.Nop())
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a.Append(ctx, telemetry.Sample{MetricName: "RPM"})

	recent, err := a.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, recent)
}

func TestAppendIsBoundedWhileDatabaseLocked(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "telemetry.db")
	a, err := archive.NewService(archive.Config{
		Enabled:       true,
		DBPath:        dbPath,
		AppendTimeout: 100 * time.Millisecond,
	}, logger.Nop())
	require.NoError(t, err)
	defer a.Close()

	ctx := context.Background()
	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	defer db.Close()
	conn, err := db.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.ExecContext(ctx, "BEGIN EXCLUSIVE")
	require.NoError(t, err)

	start := time.Now()
	a.Append(ctx, telemetry.Sample{MetricName: "SPEED", DiagnosticValue: telemetry.Float(42)})
	assert.Less(t, time.Since(start), time.Second)

	_, err = conn.ExecContext(ctx, "COMMIT")
	require.NoError(t, err)

	// The queued sample lands once the lock is released.
	require.Eventually(t, func() bool {
		recent, err := a.Recent(ctx, 10)
		return err == nil && len(recent) == 1
	}, 4*time.Second, 20*time.Millisecond)
}

func TestCloseRecordsQueuedSamples(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "telemetry.db")
	a, err := archive.NewService(archive.Config{Enabled: true, DBPath: dbPath}, logger.Nop())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		a.Append(context.Background(), telemetry.Sample{MetricName: "RPM", DiagnosticValue: telemetry.Float(float64(i))})
	}
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	// Appends after Close are skipped, not recorded.
	a.Append(context.Background(), telemetry.Sample{MetricName: "RPM"})

	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	defer db.Close()
	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM samples").Scan(&count))
	assert.Equal(t, 5, count)
}
