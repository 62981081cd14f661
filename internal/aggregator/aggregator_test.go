package aggregator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/dashlog/internal/diagnostics"
	"codeberg.org/mutker/dashlog/internal/errors"
	"codeberg.org/mutker/dashlog/internal/logger"
	"codeberg.org/mutker/dashlog/internal/position"
	"codeberg.org/mutker/dashlog/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticFeed struct {
	snap position.Snapshot
}

func (f staticFeed) Snapshot() position.Snapshot { return f.snap }

type probeFunc func(ctx context.Context, metric string) (diagnostics.Reading, error)

func (f probeFunc) Query(ctx context.Context, metric string) (diagnostics.Reading, error) {
	return f(ctx, metric)
}

type recorder struct {
	mu      sync.Mutex
	samples []telemetry.Sample
}

func (r *recorder) Append(_ context.Context, s telemetry.Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, s)
}

func (r *recorder) Show(ctx context.Context, s telemetry.Sample) error {
	r.Append(ctx, s)
	return nil
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.samples)
}

type failingDisplay struct{ panics bool }

func (d failingDisplay) Show(context.Context, telemetry.Sample) error {
	if d.panics {
		panic("screen unplugged")
	}
	return fmt.Errorf("render failed")
}

type panickingAppender struct{}

func (panickingAppender) Append(context.Context, telemetry.Sample) {
	panic("database handle gone")
}

func fixedNow() time.Time {
	return time.Date(2025, 4, 6, 12, 30, 40, 900_000_000, time.UTC)
}

func newTestAggregator(feed Feed, probe Probe, opts ...Option) *Aggregator {
	a := New(Config{Metric: "SPEED", Location: time.UTC, QueryTimeout: 50 * time.Millisecond},
		feed, probe, logger.Nop(), opts...)
	a.now = fixedNow
	return a
}

func speedProbe(mph float64) Probe {
	return probeFunc(func(context.Context, string) (diagnostics.Reading, error) {
		return diagnostics.Reading{
			Metric: "SPEED", OK: true,
			Value: mph, Unit: diagnostics.UnitMPH,
			Conversion: diagnostics.ConversionApplied,
		}, nil
	})
}

func TestTickEverySampleReachesSinks(t *testing.T) {
	log := &recorder{}
	screen := &recorder{}
	a := newTestAggregator(staticFeed{}, speedProbe(42), WithAppenders(log), WithDisplays(screen))

	const n = 10
	for i := 0; i < n; i++ {
		a.Tick(context.Background())
	}

	assert.Equal(t, n, log.len())
	assert.Equal(t, n, screen.len())
	assert.Equal(t, uint64(n), a.Stats().Ticks)
}

func TestTickMergesPositionAndDiagnostics(t *testing.T) {
	feed := staticFeed{snap: position.Snapshot{
		Time:        "2025-04-06T12:30:40.123Z",
		Latitude:    telemetry.Float(52.37),
		Longitude:   telemetry.Float(4.89),
		GroundSpeed: telemetry.Float(18.5),
		Heading:     telemetry.Float(270),
	}}
	a := newTestAggregator(feed, speedProbe(41.4))

	s := a.Tick(context.Background())

	require.NotNil(t, s.Timestamp)
	assert.Equal(t, time.Date(2025, 4, 6, 12, 30, 40, 0, time.UTC), *s.Timestamp)
	assert.Equal(t, telemetry.TimeFromReceiver, s.TimeSource)
	assert.InDelta(t, 52.37, *s.Latitude, 1e-9)
	assert.InDelta(t, 4.89, *s.Longitude, 1e-9)
	assert.InDelta(t, 18.5, *s.GroundSpeed, 1e-9)
	assert.InDelta(t, 270.0, *s.Heading, 1e-9)
	assert.Equal(t, "SPEED", s.MetricName)
	require.NotNil(t, s.DiagnosticValue)
	assert.InDelta(t, 41.4, *s.DiagnosticValue, 1e-9)
	assert.Equal(t, "mph", s.DiagnosticUnit)
	assert.Equal(t, telemetry.ConversionApplied, s.Conversion)
}

func TestTickNeverFixedUsesLocalClockAndPlaceholders(t *testing.T) {
	a := newTestAggregator(staticFeed{}, nil)

	s := a.Tick(context.Background())

	require.NotNil(t, s.Timestamp)
	assert.Equal(t, time.Date(2025, 4, 6, 12, 30, 40, 0, time.UTC), *s.Timestamp)
	assert.Equal(t, telemetry.TimeFromLocal, s.TimeSource)
	row := s.Row()
	assert.Equal(t, "06 April 2025 12:30:40", row[0])
	assert.Equal(t, []string{"--", "--", "--", "SPEED", "--"}, row[1:])
}

func TestTickMalformedReceiverTime(t *testing.T) {
	feed := staticFeed{snap: position.Snapshot{Time: "yesterday-ish"}}
	a := newTestAggregator(feed, nil)

	s := a.Tick(context.Background())
	assert.Nil(t, s.Timestamp)
	assert.Equal(t, telemetry.TimeNone, s.TimeSource)
	assert.Equal(t, telemetry.Placeholder, s.Row()[0])
}

func TestTickNoDataReading(t *testing.T) {
	probe := probeFunc(func(context.Context, string) (diagnostics.Reading, error) {
		return diagnostics.Reading{Metric: "SPEED"}, nil
	})
	a := newTestAggregator(staticFeed{}, probe)

	s := a.Tick(context.Background())
	assert.Nil(t, s.DiagnosticValue)
	assert.Equal(t, "SPEED", s.MetricName)
}

func TestTickQueryErrorLeavesDiagnosticsAbsent(t *testing.T) {
	probe := probeFunc(func(context.Context, string) (diagnostics.Reading, error) {
		return diagnostics.Reading{}, errors.New().New(errors.ErrUnsupportedMetric)
	})
	log := &recorder{}
	a := newTestAggregator(staticFeed{}, probe, WithAppenders(log))

	a.Tick(context.Background())
	s := a.Tick(context.Background())

	assert.Nil(t, s.DiagnosticValue)
	assert.Equal(t, 2, log.len())
	assert.Equal(t, uint64(2), a.Stats().QueryErrors)
}

func TestTickHungProbeTimesOut(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	probe := probeFunc(func(ctx context.Context, _ string) (diagnostics.Reading, error) {
		// Ignores ctx on purpose: the watchdog must not depend on it.
		<-release
		return diagnostics.Reading{OK: true, Value: 1}, nil
	})
	log := &recorder{}
	a := newTestAggregator(staticFeed{}, probe, WithAppenders(log))

	start := time.Now()
	s := a.Tick(context.Background())

	assert.Less(t, time.Since(start), time.Second)
	assert.Nil(t, s.DiagnosticValue)
	assert.Equal(t, 1, log.len())
	assert.Equal(t, uint64(1), a.Stats().DiagnosticTimeouts)
}

func TestFailingDisplaysDoNotStopTicks(t *testing.T) {
	log := &recorder{}
	screen := &recorder{}
	a := newTestAggregator(staticFeed{}, nil,
		WithAppenders(log),
		WithDisplays(failingDisplay{}, failingDisplay{panics: true}, screen),
	)

	for i := 0; i < 3; i++ {
		a.Tick(context.Background())
	}

	assert.Equal(t, 3, log.len())
	assert.Equal(t, 3, screen.len())
	assert.Equal(t, uint64(6), a.Stats().DisplayErrors)
}

func TestPanickingAppenderDoesNotStopTicks(t *testing.T) {
	log := &recorder{}
	screen := &recorder{}
	a := newTestAggregator(staticFeed{}, nil,
		WithAppenders(panickingAppender{}, log),
		WithDisplays(screen),
	)

	for i := 0; i < 3; i++ {
		assert.NotPanics(t, func() { a.Tick(context.Background()) })
	}

	assert.Equal(t, 3, log.len())
	assert.Equal(t, 3, screen.len())
	stats := a.Stats()
	assert.Equal(t, uint64(3), stats.Ticks)
	assert.Equal(t, uint64(3), stats.AppendErrors)
	assert.Zero(t, stats.DisplayErrors)
}

func TestSinksGetIndependentCopies(t *testing.T) {
	first := &recorder{}
	second := &recorder{}
	feed := staticFeed{snap: position.Snapshot{Latitude: telemetry.Float(1), Longitude: telemetry.Float(2)}}
	a := newTestAggregator(feed, nil, WithAppenders(first, second))

	a.Tick(context.Background())
	*first.samples[0].Latitude = 99

	assert.InDelta(t, 1.0, *second.samples[0].Latitude, 1e-9)
}

func TestRunStopsOnCancel(t *testing.T) {
	log := &recorder{}
	a := New(Config{Interval: 10 * time.Millisecond, Metric: "SPEED"},
		staticFeed{}, nil, logger.Nop(), WithAppenders(log))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return log.len() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, uint64(log.len()), a.Stats().Ticks)
}

func TestRunFinishesInFlightTick(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	entered := make(chan struct{}, 1)
	var sawCancelled bool

	probe := probeFunc(func(qctx context.Context, _ string) (diagnostics.Reading, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		time.Sleep(20 * time.Millisecond)
		sawCancelled = qctx.Err() == context.Canceled
		return diagnostics.Reading{OK: true, Value: 5}, nil
	})

	log := &recorder{}
	a := New(Config{Interval: time.Hour, QueryTimeout: time.Second, Metric: "SPEED"},
		staticFeed{}, probe, logger.Nop(), WithAppenders(log))

	done := make(chan struct{})
	go func() {
		_ = a.Run(ctx)
		close(done)
	}()

	<-entered
	cancel()
	<-done

	require.Equal(t, 1, log.len())
	require.NotNil(t, log.samples[0].DiagnosticValue)
	assert.InDelta(t, 5.0, *log.samples[0].DiagnosticValue, 1e-9)
	assert.False(t, sawCancelled)
}
