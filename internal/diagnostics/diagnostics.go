package diagnostics

import (
	"context"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"codeberg.org/mutker/dashlog/internal/errors"
	"codeberg.org/mutker/dashlog/internal/logger"
	"github.com/jacobsa/go-serial/serial"
)

const (
	DefaultBaud              = 38400
	DefaultReconnectInterval = 10 * time.Second

	connectTimeout = 5 * time.Second
)

var discoveryPatterns = []string{"/dev/ttyUSB*", "/dev/ttyACM*", "/dev/rfcomm*"}

// Config controls the diagnostics probe.
type Config struct {
	// Port is the adapter's serial device; empty auto-discovers.
	Port string
	Baud int
	// ReconnectInterval bounds how often a lost adapter is retried.
	ReconnectInterval time.Duration
}

// Reading is the result of one metric query. OK is false when the vehicle
// or adapter had no value to give.
type Reading struct {
	Metric     string
	OK         bool
	Value      float64
	Unit       Unit
	Raw        float64
	RawUnit    Unit
	Conversion Conversion
}

type opener func(path string, baud int) (io.ReadWriteCloser, error)

// Probe talks to an ELM327-compatible OBD-II adapter.
type Probe struct {
	cfg      Config
	logger   logger.Logger
	open     opener
	discover func() []string
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	sess         *session
	supported    map[byte]bool
	lastAttempt  time.Time
	reconnecting bool
}

func New(cfg Config, log logger.Logger) *Probe {
	if cfg.Baud <= 0 {
		cfg.Baud = DefaultBaud
	}
	if cfg.ReconnectInterval < 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Probe{
		cfg:      cfg,
		logger:   log.With("diagnostics"),
		open:     openSerial,
		discover: discoverPorts,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Connect opens the adapter and reads which PIDs the vehicle supports.
// It fails with device_unavailable when no candidate port answers.
func (p *Probe) Connect(ctx context.Context) error {
	p.mu.Lock()
	p.lastAttempt = p.now()
	p.mu.Unlock()

	sess, supported, err := p.dial(ctx)
	if err != nil {
		return err
	}

	p.install(sess, supported)
	return nil
}

// Query reads one metric. An absent or lost adapter yields a reading with
// OK false and no error; reconnection is attempted in the background at
// most once per ReconnectInterval.
func (p *Probe) Query(ctx context.Context, metric string) (Reading, error) {
	errFactory := errors.New()

	cmd, ok := Lookup(metric)
	if !ok {
		return Reading{Metric: metric}, errFactory.WithData(errors.ErrUnsupportedMetric, metric)
	}
	empty := Reading{Metric: cmd.Name, Unit: cmd.DisplayUnit, RawUnit: cmd.Unit}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sess == nil {
		p.maybeReconnectLocked()
		return empty, nil
	}
	if p.supported != nil && !p.supported[cmd.PID] {
		return empty, errFactory.WithData(errors.ErrUnsupportedMetric, cmd.Name)
	}

	lines, err := p.sess.exec(ctx, cmd.Request())
	if err != nil {
		p.dropLocked()
		if ctx.Err() != nil {
			return empty, errFactory.Wrap(errors.ErrQuery, errFactory.Wrap(errors.ErrTimeout, ctx.Err()))
		}
		return empty, errFactory.Wrap(errors.ErrQuery, err)
	}

	if noData(lines) {
		return empty, nil
	}
	data, ok := findData(lines, cmd.PID, cmd.Bytes)
	if !ok {
		return empty, errFactory.WithMessage(errors.ErrQuery,
			"unexpected reply to "+cmd.Request()+": "+strings.Join(lines, " "))
	}

	raw := cmd.Decode(data)
	value, unit, conv := Convert(raw, cmd.Unit, cmd.DisplayUnit)
	return Reading{
		Metric:     cmd.Name,
		OK:         true,
		Value:      value,
		Unit:       unit,
		Raw:        raw,
		RawUnit:    cmd.Unit,
		Conversion: conv,
	}, nil
}

// Connected reports whether an adapter session is open.
func (p *Probe) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sess != nil
}

// Close stops background reconnection and closes the adapter.
func (p *Probe) Close() error {
	p.cancel()
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sess != nil {
		p.sess.close()
		p.sess = nil
	}
	return nil
}

func (p *Probe) dial(ctx context.Context) (*session, map[byte]bool, error) {
	errFactory := errors.New()

	candidates := p.candidates()
	if len(candidates) == 0 {
		return nil, nil, errFactory.WithMessage(errors.ErrDeviceUnavailable, "no OBD-II adapter found")
	}

	var lastErr error
	for _, path := range candidates {
		sess, supported, err := p.tryPort(ctx, path)
		if err == nil {
			p.logger.Info().Str("port", path).Int("supported_pids", len(supported)).Msg("OBD-II adapter connected")
			return sess, supported, nil
		}
		lastErr = err
		p.logger.Debug().Err(err).Str("port", path).Msg("OBD-II adapter probe failed")
		if ctx.Err() != nil {
			break
		}
	}

	return nil, nil, errFactory.Wrap(errors.ErrDeviceUnavailable, lastErr)
}

func (p *Probe) tryPort(ctx context.Context, path string) (*session, map[byte]bool, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	port, err := p.open(path, p.cfg.Baud)
	if err != nil {
		return nil, nil, err
	}

	sess := newSession(port, path)
	if err := sess.initialize(ctx); err != nil {
		sess.close()
		return nil, nil, err
	}
	supported, err := sess.supportedPIDs(ctx)
	if err != nil {
		sess.close()
		return nil, nil, err
	}
	return sess, supported, nil
}

func (p *Probe) candidates() []string {
	if port := strings.TrimSpace(p.cfg.Port); port != "" {
		return []string{port}
	}
	return p.discover()
}

func (p *Probe) install(sess *session, supported map[byte]bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sess != nil {
		p.sess.close()
	}
	p.sess = sess
	p.supported = supported
}

func (p *Probe) dropLocked() {
	if p.sess != nil {
		p.logger.Warn().Str("port", p.sess.path).Msg("OBD-II session dropped")
		p.sess.close()
		p.sess = nil
	}
	p.lastAttempt = p.now()
}

func (p *Probe) maybeReconnectLocked() {
	if p.reconnecting || p.ctx.Err() != nil {
		return
	}
	if !p.lastAttempt.IsZero() && p.now().Sub(p.lastAttempt) < p.cfg.ReconnectInterval {
		return
	}

	p.reconnecting = true
	p.lastAttempt = p.now()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		sess, supported, err := p.dial(p.ctx)

		p.mu.Lock()
		p.reconnecting = false
		p.mu.Unlock()

		if err != nil {
			p.logger.Debug().Err(err).Msg("OBD-II reconnect failed")
			return
		}
		if p.ctx.Err() != nil {
			sess.close()
			return
		}
		p.install(sess, supported)
	}()
}

func openSerial(path string, baud int) (io.ReadWriteCloser, error) {
	return serial.Open(serial.OpenOptions{
		PortName:        path,
		BaudRate:        uint(baud),
		DataBits:        8,
		StopBits:        1,
		MinimumReadSize: 1,
		ParityMode:      serial.PARITY_NONE,
	})
}

func discoverPorts() []string {
	var ports []string
	for _, pattern := range discoveryPatterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		sort.Strings(matches)
		ports = append(ports, matches...)
	}
	return ports
}
