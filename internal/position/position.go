package position

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/dashlog/internal/errors"
	"codeberg.org/mutker/dashlog/internal/logger"
)

const (
	SourceGPSD = "gpsd"
	SourceNMEA = "nmea"

	dialTimeout = 2 * time.Second
	minBackoff  = 250 * time.Millisecond
	maxBackoff  = 10 * time.Second
)

// Config controls the position feed.
type Config struct {
	// Source selects how positions are ingested: "gpsd" or "nmea".
	Source string
	// GPSDAddr is host:port for gpsd.
	GPSDAddr string
	// Device is the serial device for nmea; empty auto-detects.
	Device string
	Baud   int
	// StaleAfter hides a report older than this; zero keeps it forever.
	StaleAfter time.Duration
}

// Snapshot is the latest known position. All position fields come from the
// same report; nil means the report did not carry that field.
type Snapshot struct {
	Source    string
	Connected bool

	// Time is the receiver's UTC ISO-8601 timestamp, verbatim.
	Time        string
	Latitude    *float64
	Longitude   *float64
	GroundSpeed *float64 // m/s
	Heading     *float64 // degrees true
	FixMode     int

	ReceivedAt time.Time
	Stale      bool
	LastError  string
}

// HasFix reports whether both coordinates are known.
func (s Snapshot) HasFix() bool {
	return s.Latitude != nil && s.Longitude != nil
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Latitude = cloneFloat(s.Latitude)
	out.Longitude = cloneFloat(s.Longitude)
	out.GroundSpeed = cloneFloat(s.GroundSpeed)
	out.Heading = cloneFloat(s.Heading)
	return out
}

func (s Snapshot) withoutPosition() Snapshot {
	s.Time = ""
	s.Latitude = nil
	s.Longitude = nil
	s.GroundSpeed = nil
	s.Heading = nil
	s.FixMode = 0
	return s
}

// report is one parsed message from the receiver.
type report struct {
	time        string
	latitude    *float64
	longitude   *float64
	groundSpeed *float64
	heading     *float64
	fixMode     int
}

type connectFunc func(ctx context.Context) (io.ReadCloser, error)

// decodeFunc parses one line; ok is false for lines that carry no position.
type decodeFunc func(line string) (r report, ok bool, err error)

// Feed receives position reports in the background and exposes the latest
// one through Snapshot.
type Feed struct {
	cfg     Config
	logger  logger.Logger
	connect connectFunc
	decode  decodeFunc
	now     func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup

	last atomic.Value // Snapshot

	mu     sync.Mutex
	closer io.Closer
}

// New builds a feed for cfg.Source. It does not connect.
func New(cfg Config, log logger.Logger) (*Feed, error) {
	errFactory := errors.New()

	src := strings.ToLower(strings.TrimSpace(cfg.Source))
	if src == "" {
		src = SourceGPSD
	}
	cfg.Source = src

	f := &Feed{cfg: cfg, logger: log.With("position"), now: time.Now}
	switch src {
	case SourceGPSD:
		f.connect = gpsdConnector(cfg.GPSDAddr)
		f.decode = decodeGPSD
	case SourceNMEA:
		f.connect = nmeaConnector(cfg.Device, cfg.Baud)
		f.decode = decodeNMEA
	default:
		return nil, errFactory.WithData(errors.ErrInvalidConfig, "unknown position source "+cfg.Source)
	}

	f.last.Store(Snapshot{Source: src})
	return f, nil
}

// Start begins background reception. It returns a connection_error when the
// first connection attempt fails, but the receiver keeps retrying in the
// background until Close. Calling Start on a running feed is a no-op.
func (f *Feed) Start(ctx context.Context) error {
	errFactory := errors.New()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		return nil
	}

	childCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel

	dialCtx, dialCancel := context.WithTimeout(childCtx, dialTimeout)
	conn, err := f.connect(dialCtx)
	dialCancel()
	if err != nil {
		conn = nil
		f.setErrorLocked(err.Error())
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.run(childCtx, conn)
	}()

	if err != nil {
		return errFactory.Wrap(errors.ErrConnection, err)
	}

	f.logger.Info().Str("source", f.cfg.Source).Msg("Position feed connected")
	return nil
}

// Close stops the receiver and waits for it to exit.
func (f *Feed) Close() {
	f.mu.Lock()
	cancel := f.cancel
	closer := f.closer
	f.cancel = nil
	f.closer = nil
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if closer != nil {
		_ = closer.Close()
	}
	f.wg.Wait()
}

// Snapshot returns a copy of the latest report. When StaleAfter is set and
// the report is older, position fields are cleared and Stale is set.
func (f *Feed) Snapshot() Snapshot {
	v, _ := f.last.Load().(Snapshot)
	snap := v.clone()

	if f.cfg.StaleAfter > 0 && !snap.ReceivedAt.IsZero() &&
		f.now().Sub(snap.ReceivedAt) > f.cfg.StaleAfter {
		snap = snap.withoutPosition()
		snap.Stale = true
	}

	return snap
}

func (f *Feed) run(ctx context.Context, conn io.ReadCloser) {
	backoff := minBackoff

	for {
		if conn == nil {
			var err error
			conn, err = f.connect(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				f.setError(err.Error())
				f.logger.Debug().Err(err).Dur("retry_in", backoff).Msg("Position source unreachable")
				if !sleep(ctx, backoff) {
					return
				}
				backoff = min(backoff*2, maxBackoff)
				continue
			}
			f.logger.Info().Str("source", f.cfg.Source).Msg("Position feed connected")
		}

		backoff = minBackoff
		f.consume(ctx, conn)
		conn = nil

		if ctx.Err() != nil {
			return
		}
		if !sleep(ctx, minBackoff) {
			return
		}
	}
}

// consume reads lines from conn until it fails or ctx is done.
func (f *Feed) consume(ctx context.Context, conn io.ReadCloser) {
	f.mu.Lock()
	f.closer = conn
	f.mu.Unlock()
	f.setConnected(true)

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		_ = conn.Close()
		f.mu.Lock()
		if f.closer == conn {
			f.closer = nil
		}
		f.mu.Unlock()
		f.setConnected(false)
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 256*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		r, ok, err := f.decode(line)
		if err != nil {
			f.setError(err.Error())
			continue
		}
		if ok {
			f.apply(r)
		}
	}

	if ctx.Err() != nil {
		return
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	f.setError("read stopped: " + err.Error())
	f.logger.Warn().Err(err).Msg("Position stream dropped, reconnecting")
}

// apply publishes r as the new snapshot, replacing every position field.
func (f *Feed) apply(r report) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cur, _ := f.last.Load().(Snapshot)
	next := Snapshot{
		Source:      cur.Source,
		Connected:   cur.Connected,
		Time:        r.time,
		Latitude:    cloneFloat(r.latitude),
		Longitude:   cloneFloat(r.longitude),
		GroundSpeed: cloneFloat(r.groundSpeed),
		Heading:     cloneFloat(r.heading),
		FixMode:     r.fixMode,
		ReceivedAt:  f.now(),
		LastError:   cur.LastError,
	}
	f.last.Store(next)
}

func (f *Feed) setConnected(connected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, _ := f.last.Load().(Snapshot)
	cur.Connected = connected
	f.last.Store(cur)
}

func (f *Feed) setError(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setErrorLocked(msg)
}

func (f *Feed) setErrorLocked(msg string) {
	cur, _ := f.last.Load().(Snapshot)
	cur.LastError = msg
	f.last.Store(cur)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
