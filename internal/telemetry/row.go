package telemetry

import (
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/dashlog/internal/errors"
)

// Header is the fixed column order of the log file.
var Header = []string{"timestamp", "latitude", "longitude", "gps_speed", "obd_type", "obd_value"}

// Row encodes s into one log row in Header order.
func (s Sample) Row() []string {
	metric := s.MetricName
	if metric == "" {
		metric = Placeholder
	}
	return []string{
		FormatTimestamp(s.Timestamp),
		formatFloat(s.Latitude),
		formatFloat(s.Longitude),
		formatFloat(s.GroundSpeed),
		metric,
		formatFloat(s.DiagnosticValue),
	}
}

// ParseRow decodes a row written by Row. Timestamps are interpreted in loc.
// Heading, unit, conversion and time source are not part of the log and come
// back empty.
func ParseRow(row []string, loc *time.Location) (Sample, error) {
	errFactory := errors.New()

	if len(row) != len(Header) {
		return Sample{}, errFactory.WithData(errors.ErrMalformedRow, row)
	}
	if loc == nil {
		loc = time.Local
	}

	var s Sample
	if row[0] != Placeholder {
		t, err := time.ParseInLocation(LocalLayout, row[0], loc)
		if err != nil {
			return Sample{}, errFactory.Wrap(errors.ErrMalformedTimestamp, err)
		}
		s.Timestamp = &t
	}

	fields := []**float64{&s.Latitude, &s.Longitude, &s.GroundSpeed}
	for i, dst := range fields {
		v, err := parseFloat(row[i+1])
		if err != nil {
			return Sample{}, errFactory.Wrap(errors.ErrMalformedRow, err)
		}
		*dst = v
	}

	if row[4] != Placeholder {
		s.MetricName = row[4]
	}
	v, err := parseFloat(row[5])
	if err != nil {
		return Sample{}, errFactory.Wrap(errors.ErrMalformedRow, err)
	}
	s.DiagnosticValue = v

	return s, nil
}

func formatFloat(v *float64) string {
	if v == nil {
		return Placeholder
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func parseFloat(s string) (*float64, error) {
	s = strings.TrimSpace(s)
	if s == Placeholder {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
