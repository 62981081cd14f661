package display

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"codeberg.org/mutker/dashlog/internal/telemetry"
)

const metersPerSecondToMPH = 2.23694

var unitLabels = map[string]string{
	"mph":        "MPH",
	"kph":        "km/h",
	"rpm":        "RPM",
	"celsius":    "°C",
	"fahrenheit": "°F",
	"percent":    "%",
	"kilopascal": "kPa",
	"psi":        "PSI",
}

// Console renders one dashboard line per sample.
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

func (c *Console) Show(_ context.Context, s telemetry.Sample) error {
	line := FormatLine(s)

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintln(c.w, line)
	return err
}

// FormatLine renders s with placeholders for absent fields.
func FormatLine(s telemetry.Sample) string {
	parts := []string{
		"Time: " + telemetry.FormatTimestamp(s.Timestamp),
		diagnosticField(s),
		"Lat: " + formatOptional(s.Latitude, "%.6f"),
		"Lon: " + formatOptional(s.Longitude, "%.6f"),
		"GPS Speed: " + gpsSpeed(s.GroundSpeed),
		"Course: " + formatOptional(s.Heading, "%.1f"),
	}
	return strings.Join(parts, " | ")
}

func diagnosticField(s telemetry.Sample) string {
	label := metricLabel(s.MetricName)
	if s.DiagnosticValue == nil {
		return label + ": No Data"
	}

	unit := unitLabels[s.DiagnosticUnit]
	if unit == "" {
		unit = s.DiagnosticUnit
	}
	return strings.TrimSpace(fmt.Sprintf("%s: %.1f %s", label, *s.DiagnosticValue, unit))
}

// metricLabel turns COOLANT_TEMP into "Coolant Temp".
func metricLabel(name string) string {
	if name == "" {
		return "OBD"
	}
	words := strings.Split(strings.ToLower(name), "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

func gpsSpeed(v *float64) string {
	if v == nil {
		return telemetry.Placeholder + " MPH"
	}
	return fmt.Sprintf("%.1f MPH", *v*metersPerSecondToMPH)
}

func formatOptional(v *float64, format string) string {
	if v == nil {
		return telemetry.Placeholder
	}
	return fmt.Sprintf(format, *v)
}
