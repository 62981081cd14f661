package archive

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/dashlog/internal/errors"
	"codeberg.org/mutker/dashlog/internal/logger"
	"codeberg.org/mutker/dashlog/internal/telemetry"
	"github.com/dustin/go-humanize"
	_ "github.com/mattn/go-sqlite3"
)

// Repository stores samples in SQLite.
type Repository interface {
	Record(ctx context.Context, sample *telemetry.Sample) error
	Recent(ctx context.Context, limit int) ([]telemetry.Sample, error)
	Close() error
}

type repository struct {
	db     *sql.DB
	logger logger.Logger
	mu     sync.Mutex
}

func NewRepository(cfg Config, log logger.Logger) (Repository, error) {
	errFactory := errors.New()

	if cfg.DBPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  cfg.DBPath,
			Error: err.Error(),
		})
	}

	dsn := cfg.DBPath + "?_journal=WAL&_auto_vacuum=2"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}
	// One writer; SQLite serializes anyway.
	db.SetMaxOpenConns(1)

	backupDir := filepath.Join(filepath.Dir(cfg.DBPath), backupDirName)
	if err := ValidateAndUpdateSchema(db, backupDir, log); err != nil {
		db.Close()
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	ev := log.Info().
		Str("path", cfg.DBPath).
		Int("schema_version", SchemaVersion)
	if st, err := os.Stat(cfg.DBPath); err == nil {
		ev = ev.Str("size", humanize.Bytes(uint64(st.Size())))
	}
	ev.Msg("Archive repository initialized")

	return &repository{db: db, logger: log}, nil
}

func (r *repository) Record(ctx context.Context, s *telemetry.Sample) error {
	errFactory := errors.New()

	r.mu.Lock()
	defer r.mu.Unlock()

	var ts *int64
	if s.Timestamp != nil {
		v := s.Timestamp.Unix()
		ts = &v
	}

	_, err := r.db.ExecContext(ctx, insertSampleSQL,
		time.Now().Unix(),
		ts,
		string(s.TimeSource),
		s.Latitude,
		s.Longitude,
		s.GroundSpeed,
		s.Heading,
		s.MetricName,
		s.DiagnosticValue,
		s.DiagnosticUnit,
		string(s.Conversion),
	)
	if err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}

	return nil
}

// Recent returns up to limit samples, newest first. Timestamps come back in
// the host's local zone.
func (r *repository) Recent(ctx context.Context, limit int) ([]telemetry.Sample, error) {
	errFactory := errors.New()

	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.QueryContext(ctx, selectRecentSQL, limit)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var out []telemetry.Sample
	for rows.Next() {
		var (
			s                             telemetry.Sample
			ts                            sql.NullInt64
			source, unit, conversion      sql.NullString
			lat, lon, speed, heading, val sql.NullFloat64
		)
		if err := rows.Scan(&ts, &source, &lat, &lon, &speed, &heading,
			&s.MetricName, &val, &unit, &conversion); err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}
		if ts.Valid {
			t := time.Unix(ts.Int64, 0).Local()
			s.Timestamp = &t
		}
		s.TimeSource = telemetry.TimeSource(source.String)
		s.Latitude = nullFloat(lat)
		s.Longitude = nullFloat(lon)
		s.GroundSpeed = nullFloat(speed)
		s.Heading = nullFloat(heading)
		s.DiagnosticValue = nullFloat(val)
		s.DiagnosticUnit = unit.String
		s.Conversion = telemetry.Conversion(conversion.String)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	return out, nil
}

func (r *repository) Close() error {
	errFactory := errors.New()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return errFactory.WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "checkpoint_wal",
			Error: err.Error(),
		})
	}

	if err := r.db.Close(); err != nil {
		return errFactory.Wrap(ErrStorageClose, err)
	}

	r.logger.Info().Msg("Archive repository closed gracefully")

	return nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return telemetry.Float(v.Float64)
}
