package aggregator

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/dashlog/internal/diagnostics"
	"codeberg.org/mutker/dashlog/internal/errors"
	"codeberg.org/mutker/dashlog/internal/logger"
	"codeberg.org/mutker/dashlog/internal/telemetry"
)

const (
	DefaultInterval     = time.Second
	DefaultQueryTimeout = 500 * time.Millisecond
)

type Config struct {
	Interval     time.Duration
	QueryTimeout time.Duration
	// Metric is the diagnostics metric sampled on every tick.
	Metric string
	// Location is the zone timestamps are normalized to; nil means local.
	Location *time.Location
}

// Stats counts what happened across ticks.
type Stats struct {
	Ticks              uint64
	DiagnosticTimeouts uint64
	QueryErrors        uint64
	AppendErrors       uint64
	DisplayErrors      uint64
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithAppenders adds sinks that receive every sample, in order.
func WithAppenders(a ...Appender) Option {
	return func(agg *Aggregator) {
		agg.appenders = append(agg.appenders, a...)
	}
}

// WithDisplays adds displays that receive every sample after the appenders.
func WithDisplays(d ...Display) Option {
	return func(agg *Aggregator) {
		agg.displays = append(agg.displays, d...)
	}
}

// Aggregator merges position and diagnostics into one sample per tick.
type Aggregator struct {
	cfg       Config
	feed      Feed
	probe     Probe
	appenders []Appender
	displays  []Display
	logger    logger.Logger
	now       func() time.Time

	lastQueryErr errors.ErrorCode

	ticks         atomic.Uint64
	timeouts      atomic.Uint64
	queryErrors   atomic.Uint64
	appendErrors  atomic.Uint64
	displayErrors atomic.Uint64
}

// New builds an aggregator. probe may be nil to run without diagnostics.
func New(cfg Config, feed Feed, probe Probe, log logger.Logger, opts ...Option) *Aggregator {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultQueryTimeout
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	a := &Aggregator{
		cfg:    cfg,
		feed:   feed,
		probe:  probe,
		logger: log.With("aggregator"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run ticks until ctx is cancelled. A tick in progress when ctx ends runs
// to completion.
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	a.logger.Info().
		Dur("interval", a.cfg.Interval).
		Str("metric", a.cfg.Metric).
		Bool("diagnostics", a.probe != nil).
		Msg("Sampling started")

	tickCtx := context.WithoutCancel(ctx)
	a.Tick(tickCtx)

	for {
		select {
		case <-ctx.Done():
			a.logger.Info().Uint64("ticks", a.ticks.Load()).Msg("Sampling stopped")
			return nil
		case <-ticker.C:
			a.Tick(tickCtx)
		}
	}
}

// Tick builds one sample and hands it to every appender and display.
func (a *Aggregator) Tick(ctx context.Context) telemetry.Sample {
	snap := a.feed.Snapshot()

	sample := telemetry.Sample{
		Latitude:    snap.Latitude,
		Longitude:   snap.Longitude,
		GroundSpeed: snap.GroundSpeed,
		Heading:     snap.Heading,
		MetricName:  a.cfg.Metric,
	}
	a.stamp(&sample, snap.Time)

	if a.probe != nil {
		a.addDiagnostics(ctx, &sample)
	}

	for _, ap := range a.appenders {
		a.appendTo(ctx, ap, sample.Clone())
	}
	for _, d := range a.displays {
		a.show(ctx, d, sample.Clone())
	}

	a.ticks.Add(1)
	return sample
}

// Stats returns the current counters.
func (a *Aggregator) Stats() Stats {
	return Stats{
		Ticks:              a.ticks.Load(),
		DiagnosticTimeouts: a.timeouts.Load(),
		QueryErrors:        a.queryErrors.Load(),
		AppendErrors:       a.appendErrors.Load(),
		DisplayErrors:      a.displayErrors.Load(),
	}
}

// stamp prefers the receiver clock. A receiver time that does not parse
// leaves the timestamp absent rather than substituting the local clock.
func (a *Aggregator) stamp(s *telemetry.Sample, receiverTime string) {
	if receiverTime == "" {
		t := a.now().Round(0).In(a.cfg.Location).Truncate(time.Second)
		s.Timestamp = &t
		s.TimeSource = telemetry.TimeFromLocal
		return
	}

	t, err := telemetry.ParseReceiverTime(receiverTime, a.cfg.Location)
	if err != nil {
		a.logger.Warn().Err(err).Str("raw", receiverTime).Msg("Receiver timestamp malformed")
		s.TimeSource = telemetry.TimeNone
		return
	}
	s.Timestamp = &t
	s.TimeSource = telemetry.TimeFromReceiver
}

func (a *Aggregator) addDiagnostics(ctx context.Context, s *telemetry.Sample) {
	errFactory := errors.New()

	qctx, cancel := context.WithTimeout(ctx, a.cfg.QueryTimeout)
	defer cancel()

	type result struct {
		reading diagnostics.Reading
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		r, err := a.probe.Query(qctx, a.cfg.Metric)
		ch <- result{reading: r, err: err}
	}()

	var res result
	select {
	case res = <-ch:
	case <-qctx.Done():
		a.timeouts.Add(1)
		a.logQueryError(errFactory.Wrap(errors.ErrTimeout, qctx.Err()))
		return
	}

	if res.err != nil {
		a.queryErrors.Add(1)
		if errors.HasCode(res.err, errors.ErrTimeout) {
			a.timeouts.Add(1)
		}
		a.logQueryError(res.err)
		return
	}
	a.lastQueryErr = ""

	if !res.reading.OK {
		return
	}
	s.DiagnosticValue = telemetry.Float(res.reading.Value)
	s.DiagnosticUnit = string(res.reading.Unit)
	s.Conversion = telemetry.Conversion(res.reading.Conversion)
}

// logQueryError logs at warn when the failure kind changes and at debug
// while it repeats.
func (a *Aggregator) logQueryError(err error) {
	code := errors.CodeOf(err)
	if code == a.lastQueryErr {
		a.logger.Debug().Err(err).Msg("Diagnostics query failed")
		return
	}
	a.lastQueryErr = code
	a.logger.Warn().Err(err).Str("metric", a.cfg.Metric).Msg("Diagnostics query failed")
}

func (a *Aggregator) appendTo(ctx context.Context, ap Appender, s telemetry.Sample) {
	defer func() {
		if r := recover(); r != nil {
			a.appendErrors.Add(1)
			a.logger.Error().Str("panic", fmt.Sprint(r)).Msg("Appender panicked")
		}
	}()

	ap.Append(ctx, s)
}

func (a *Aggregator) show(ctx context.Context, d Display, s telemetry.Sample) {
	defer func() {
		if r := recover(); r != nil {
			a.displayErrors.Add(1)
			a.logger.Error().Str("panic", fmt.Sprint(r)).Msg("Display panicked")
		}
	}()

	if err := d.Show(ctx, s); err != nil {
		a.displayErrors.Add(1)
		a.logger.Warn().Err(err).Msg("Display update failed")
	}
}
