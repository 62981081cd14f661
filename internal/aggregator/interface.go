package aggregator

import (
	"context"

	"codeberg.org/mutker/dashlog/internal/diagnostics"
	"codeberg.org/mutker/dashlog/internal/position"
	"codeberg.org/mutker/dashlog/internal/telemetry"
)

// Feed supplies the latest position.
type Feed interface {
	Snapshot() position.Snapshot
}

// Probe reads one vehicle metric.
type Probe interface {
	Query(ctx context.Context, metric string) (diagnostics.Reading, error)
}

// Appender persists samples. Implementations handle their own failures.
type Appender interface {
	Append(ctx context.Context, sample telemetry.Sample)
}

// Display renders samples.
type Display interface {
	Show(ctx context.Context, sample telemetry.Sample) error
}
