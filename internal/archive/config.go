package archive

import (
	"time"

	"codeberg.org/mutker/dashlog/internal/errors"
)

const (
	// File system permissions and paths
	defaultDirPerm = 0o755
	defaultDBPath  = "/var/lib/dashlog/telemetry.db"
	backupDirName  = "backups"

	defaultAppendTimeout = 500 * time.Millisecond
)

type Config struct {
	DBPath  string
	Enabled bool
	// AppendTimeout bounds how long Append waits on the writer.
	AppendTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		DBPath:        defaultDBPath,
		Enabled:       false, // Disabled by default
		AppendTimeout: defaultAppendTimeout,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	// Only validate DBPath if the archive is enabled
	if c.Enabled && c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	return nil
}
