package telemetry_test

import (
	"testing"
	"time"

	"codeberg.org/mutker/dashlog/internal/errors"
	"codeberg.org/mutker/dashlog/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReceiverTimeFractionalAndWhole(t *testing.T) {
	loc := time.FixedZone("CEST", 2*60*60)

	withFrac, err := telemetry.ParseReceiverTime("2025-04-06T12:30:40.000Z", loc)
	require.NoError(t, err)
	whole, err := telemetry.ParseReceiverTime("2025-04-06T12:30:40Z", loc)
	require.NoError(t, err)

	assert.True(t, withFrac.Equal(whole))
	assert.Equal(t, "06 April 2025 14:30:40", withFrac.Format(telemetry.LocalLayout))
	assert.Equal(t, whole.Format(telemetry.LocalLayout), withFrac.Format(telemetry.LocalLayout))
	assert.Equal(t, loc, withFrac.Location())
}

func TestParseReceiverTimeTruncatesToSecond(t *testing.T) {
	got, err := telemetry.ParseReceiverTime("2025-04-06T12:30:40.987Z", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Nanosecond())
	assert.Equal(t, 40, got.Second())
}

func TestFormatLocalMatchesForBothForms(t *testing.T) {
	assert.Equal(t,
		telemetry.FormatLocal("2025-04-06T12:30:40Z"),
		telemetry.FormatLocal("2025-04-06T12:30:40.000Z"))
}

func TestParseReceiverTimeMalformed(t *testing.T) {
	for _, raw := range []string{"", "n/a", "2025-04-06 12:30:40", "06 April 2025 12:30:40"} {
		_, err := telemetry.ParseReceiverTime(raw, time.UTC)
		require.Error(t, err, raw)
		assert.True(t, errors.HasCode(err, errors.ErrMalformedTimestamp), raw)
		assert.Equal(t, telemetry.Placeholder, telemetry.FormatLocal(raw), raw)
	}
}

func TestRowPlaceholders(t *testing.T) {
	s := telemetry.Sample{TimeSource: telemetry.TimeNone, MetricName: "SPEED"}
	assert.Equal(t, []string{"--", "--", "--", "--", "SPEED", "--"}, s.Row())

	s = telemetry.Sample{}
	assert.Equal(t, telemetry.Placeholder, s.Row()[4])
	for _, cell := range s.Row() {
		assert.NotEmpty(t, cell)
	}
}

func TestRowRoundTrip(t *testing.T) {
	loc := time.FixedZone("EST", -5*60*60)
	ts := time.Date(2025, 4, 6, 8, 30, 40, 0, loc)

	samples := []telemetry.Sample{
		{
			Timestamp:       &ts,
			Latitude:        telemetry.Float(48.117299999),
			Longitude:       telemetry.Float(-11.516666),
			GroundSpeed:     telemetry.Float(11.52),
			MetricName:      "SPEED",
			DiagnosticValue: telemetry.Float(42.253),
		},
		{
			Timestamp:  &ts,
			MetricName: "RPM",
		},
		{
			Latitude:        telemetry.Float(0),
			Longitude:       telemetry.Float(0),
			MetricName:      "COOLANT_TEMP",
			DiagnosticValue: telemetry.Float(-40),
		},
	}

	for _, want := range samples {
		got, err := telemetry.ParseRow(want.Row(), loc)
		require.NoError(t, err)

		if want.Timestamp == nil {
			assert.Nil(t, got.Timestamp)
		} else {
			require.NotNil(t, got.Timestamp)
			assert.True(t, want.Timestamp.Equal(*got.Timestamp))
		}
		assert.Equal(t, want.Latitude, got.Latitude)
		assert.Equal(t, want.Longitude, got.Longitude)
		assert.Equal(t, want.GroundSpeed, got.GroundSpeed)
		assert.Equal(t, want.MetricName, got.MetricName)
		assert.Equal(t, want.DiagnosticValue, got.DiagnosticValue)
	}
}

func TestParseRowRejectsGarbage(t *testing.T) {
	_, err := telemetry.ParseRow([]string{"a", "b"}, time.UTC)
	assert.True(t, errors.HasCode(err, errors.ErrMalformedRow))

	_, err = telemetry.ParseRow([]string{"yesterday", "--", "--", "--", "RPM", "--"}, time.UTC)
	assert.True(t, errors.HasCode(err, errors.ErrMalformedTimestamp))

	_, err = telemetry.ParseRow([]string{"--", "north", "--", "--", "RPM", "--"}, time.UTC)
	assert.True(t, errors.HasCode(err, errors.ErrMalformedRow))
}

func TestCloneDoesNotShare(t *testing.T) {
	ts := time.Now()
	s := telemetry.Sample{Timestamp: &ts, Latitude: telemetry.Float(1)}
	c := s.Clone()
	*c.Latitude = 2
	*c.Timestamp = ts.Add(time.Hour)

	assert.Equal(t, 1.0, *s.Latitude)
	assert.True(t, s.Timestamp.Equal(ts))
	assert.False(t, c.HasPosition())
}
