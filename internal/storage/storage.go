package storage

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/dashlog/internal/errors"
	"codeberg.org/mutker/dashlog/internal/logger"
	"codeberg.org/mutker/dashlog/internal/telemetry"
	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"
)

const (
	DefaultFileName      = "gps_obd_log.csv"
	DefaultAppendTimeout = 500 * time.Millisecond

	queueSize = 64
)

// Config controls where and how samples are logged.
type Config struct {
	// PreferredDir is used whenever it exists and is writable, typically
	// removable media.
	PreferredDir string
	// FallbackDir is created on demand when PreferredDir is unusable.
	FallbackDir string
	FileName    string
	// Sync fsyncs the file after each row.
	Sync bool
	// AppendTimeout bounds how long Append waits on the writer.
	AppendTimeout time.Duration
}

// Stats is a point-in-time view of the logger's counters.
type Stats struct {
	Written    uint64
	Dropped    uint64
	ActivePath string
}

type job struct {
	sample telemetry.Sample
	done   chan struct{}
}

// Logger appends samples as CSV rows. A single writer goroutine owns the
// file, so rows land in submission order.
type Logger struct {
	cfg    Config
	logger logger.Logger

	jobs chan job
	quit chan struct{}
	wg   sync.WaitGroup

	// sendMu orders sends against Close: once closed is set no job can
	// enter the queue behind the writer's final drain.
	sendMu sync.RWMutex
	closed bool

	written atomic.Uint64
	dropped atomic.Uint64
	active  atomic.Value // string

	// Owned by the writer goroutine.
	file *os.File
	csv  *csv.Writer
	path string
}

// New starts the writer. No file is opened until the first append.
func New(cfg Config, log logger.Logger) *Logger {
	if cfg.FileName == "" {
		cfg.FileName = DefaultFileName
	}
	if cfg.AppendTimeout <= 0 {
		cfg.AppendTimeout = DefaultAppendTimeout
	}

	l := &Logger{
		cfg:    cfg,
		logger: log.With("storage"),
		jobs:   make(chan job, queueSize),
		quit:   make(chan struct{}),
	}
	l.active.Store("")

	l.wg.Add(1)
	go l.run()

	return l
}

// Append writes one row for sample. It never fails: problems are logged and
// at most this sample is lost. It waits at most AppendTimeout.
func (l *Logger) Append(ctx context.Context, sample telemetry.Sample) {
	errFactory := errors.New()

	if ctx.Err() != nil {
		l.drop(errFactory.Wrap(errors.ErrTimeout, ctx.Err()))
		return
	}

	timer := time.NewTimer(l.cfg.AppendTimeout)
	defer timer.Stop()

	j := job{sample: sample.Clone(), done: make(chan struct{})}
	if err := l.enqueue(ctx, j, timer.C); err != nil {
		l.drop(err)
		return
	}

	select {
	case <-j.done:
	case <-ctx.Done():
	case <-timer.C:
		// Queued; it is written once the writer catches up.
		l.logger.Warn().Msg("Log write still pending after append timeout")
	}
}

func (l *Logger) enqueue(ctx context.Context, j job, expired <-chan time.Time) errors.Error {
	errFactory := errors.New()

	l.sendMu.RLock()
	defer l.sendMu.RUnlock()

	if l.closed {
		return errFactory.WithMessage(errors.ErrPersistence, "logger closed")
	}

	select {
	case l.jobs <- j:
		return nil
	case <-ctx.Done():
		return errFactory.Wrap(errors.ErrTimeout, ctx.Err())
	case <-expired:
		return errFactory.WithMessage(errors.ErrTimeout, "writer stalled")
	}
}

// Stats returns the current counters.
func (l *Logger) Stats() Stats {
	path, _ := l.active.Load().(string)
	return Stats{
		Written:    l.written.Load(),
		Dropped:    l.dropped.Load(),
		ActivePath: path,
	}
}

// Close writes every queued row, then flushes and closes the file.
func (l *Logger) Close() error {
	l.sendMu.Lock()
	if !l.closed {
		l.closed = true
		close(l.quit)
	}
	l.sendMu.Unlock()

	l.wg.Wait()
	return nil
}

func (l *Logger) drop(err errors.Error) {
	l.dropped.Add(1)
	l.logger.ErrorWithCode(err).Msg("Sample dropped")
}

func (l *Logger) run() {
	defer l.wg.Done()
	defer l.closeFile()

	for {
		select {
		case j := <-l.jobs:
			l.write(j)
		case <-l.quit:
			for {
				select {
				case j := <-l.jobs:
					l.write(j)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) write(j job) {
	errFactory := errors.New()
	defer close(j.done)

	if err := l.ensureFile(); err != nil {
		l.logger.ErrorWithCode(errFactory.Wrap(errors.ErrPersistence, err)).Msg("Failed to open log file")
		l.dropped.Add(1)
		return
	}

	if err := l.writeRow(j.sample.Row()); err != nil {
		l.logger.ErrorWithCode(errFactory.Wrap(errors.ErrPersistence, err)).
			Str("path", l.path).Msg("Failed to write log row")
		l.dropped.Add(1)
		// Reopen on the next append.
		l.closeFile()
		return
	}

	l.written.Add(1)
}

func (l *Logger) writeRow(row []string) error {
	if err := l.csv.Write(row); err != nil {
		return err
	}
	l.csv.Flush()
	if err := l.csv.Error(); err != nil {
		return err
	}
	if l.cfg.Sync {
		return l.file.Sync()
	}
	return nil
}

// ensureFile opens the file the location policy currently selects,
// switching when the selection changed or the open file disappeared.
func (l *Logger) ensureFile() error {
	dir, err := l.selectDir()
	if err != nil {
		return err
	}
	path := filepath.Join(dir, l.cfg.FileName)

	if l.file != nil && path == l.path {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
	}

	l.closeFile()
	return l.open(path)
}

// selectDir checks the preferred directory fresh on every call.
func (l *Logger) selectDir() (string, error) {
	if dir := l.cfg.PreferredDir; dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() && unix.Access(dir, unix.W_OK) == nil {
			return dir, nil
		}
	}

	if err := os.MkdirAll(l.cfg.FallbackDir, 0o755); err != nil {
		return "", err
	}
	return l.cfg.FallbackDir, nil
}

func (l *Logger) open(path string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}

	l.file = f
	l.csv = csv.NewWriter(f)
	l.path = path

	// A new or empty file gets the header; an existing one already has it.
	if info.Size() == 0 {
		if err := l.writeRow(telemetry.Header); err != nil {
			l.closeFile()
			return err
		}
	}

	l.active.Store(path)
	l.logger.Info().
		Str("path", path).
		Str("size", humanize.Bytes(uint64(info.Size()))).
		Msg("Logging to file")

	return nil
}

func (l *Logger) closeFile() {
	if l.file == nil {
		return
	}
	l.csv.Flush()
	if err := l.file.Close(); err != nil {
		l.logger.Warn().Err(err).Str("path", l.path).Msg("Failed to close log file")
	}
	l.file = nil
	l.csv = nil
}
