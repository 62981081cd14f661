package archive

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/dashlog/internal/errors"
	"codeberg.org/mutker/dashlog/internal/logger"
	"codeberg.org/mutker/dashlog/internal/telemetry"
)

const queueSize = 64

// Archiver mirrors samples into a queryable store. Append never returns an
// error; failures are logged.
type Archiver interface {
	Append(ctx context.Context, sample telemetry.Sample)
	Recent(ctx context.Context, limit int) ([]telemetry.Sample, error)
	Close() error
}

type job struct {
	sample telemetry.Sample
	done   chan struct{}
}

// service records samples from a single writer goroutine so a locked
// database delays the writer, never the caller.
type service struct {
	repo    Repository
	logger  logger.Logger
	timeout time.Duration

	jobs chan job
	quit chan struct{}
	wg   sync.WaitGroup

	// sendMu orders sends against Close.
	sendMu sync.RWMutex
	closed bool
}

// No-op implementation
type noopArchiver struct{}

func NewService(cfg Config, log logger.Logger) (Archiver, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	if !cfg.Enabled {
		log.Debug().Msg("Archive disabled, using no-op archiver")
		return &noopArchiver{}, nil
	}

	repo, err := NewRepository(cfg, log)
	if err != nil {
		return nil, err
	}

	timeout := cfg.AppendTimeout
	if timeout <= 0 {
		timeout = defaultAppendTimeout
	}

	s := &service{
		repo:    repo,
		logger:  log.With("archive"),
		timeout: timeout,
		jobs:    make(chan job, queueSize),
		quit:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()

	return s, nil
}

// Append queues the sample and waits for it at most the append timeout.
// A sample that cannot be queued in time is dropped; one that is queued is
// recorded once the database frees up.
func (s *service) Append(ctx context.Context, sample telemetry.Sample) {
	errFactory := errors.New()

	if ctx.Err() != nil {
		s.logger.ErrorWithCode(errFactory.Wrap(errors.ErrTimeout, ctx.Err())).Msg("Archive append skipped")
		return
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	j := job{sample: sample.Clone(), done: make(chan struct{})}
	if err := s.enqueue(ctx, j, timer.C); err != nil {
		s.logger.ErrorWithCode(err).Msg("Archive append skipped")
		return
	}

	select {
	case <-j.done:
	case <-ctx.Done():
	case <-timer.C:
		s.logger.Warn().Msg("Archive write still pending after append timeout")
	}
}

func (s *service) enqueue(ctx context.Context, j job, expired <-chan time.Time) errors.Error {
	errFactory := errors.New()

	s.sendMu.RLock()
	defer s.sendMu.RUnlock()

	if s.closed {
		return errFactory.WithMessage(ErrRecordFailed, "archive closed")
	}

	select {
	case s.jobs <- j:
		return nil
	case <-ctx.Done():
		return errFactory.Wrap(errors.ErrTimeout, ctx.Err())
	case <-expired:
		return errFactory.WithMessage(errors.ErrTimeout, "archive writer stalled")
	}
}

func (s *service) run() {
	defer s.wg.Done()

	for {
		select {
		case j := <-s.jobs:
			s.record(j)
		case <-s.quit:
			for {
				select {
				case j := <-s.jobs:
					s.record(j)
				default:
					return
				}
			}
		}
	}
}

func (s *service) record(j job) {
	errFactory := errors.New()
	defer close(j.done)

	if err := s.repo.Record(context.Background(), &j.sample); err != nil {
		s.logger.ErrorWithCode(errFactory.Wrap(ErrRecordFailed, err)).Msg("Archive append failed")
	}
}

func (s *service) Recent(ctx context.Context, limit int) ([]telemetry.Sample, error) {
	return s.repo.Recent(ctx, limit)
}

// Close records every queued sample, then closes the database.
func (s *service) Close() error {
	s.sendMu.Lock()
	if s.closed {
		s.sendMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.quit)
	s.sendMu.Unlock()

	s.wg.Wait()
	return s.repo.Close()
}

func (*noopArchiver) Append(_ context.Context, _ telemetry.Sample) {}

func (*noopArchiver) Recent(_ context.Context, _ int) ([]telemetry.Sample, error) {
	return nil, nil
}

func (*noopArchiver) Close() error {
	return nil
}
