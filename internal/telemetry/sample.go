package telemetry

import "time"

// Placeholder stands in for any absent field in the log and on displays.
const Placeholder = "--"

// TimeSource records where a sample's timestamp came from.
type TimeSource string

const (
	TimeFromReceiver TimeSource = "receiver"
	TimeFromLocal    TimeSource = "local"
	TimeNone         TimeSource = "none"
)

// Conversion describes how a diagnostic value relates to its display unit.
type Conversion string

const (
	// ConversionNotRequired means the device unit already is the display unit.
	ConversionNotRequired Conversion = "not_required"
	// ConversionApplied means the value was converted to the display unit.
	ConversionApplied Conversion = "converted"
	// ConversionFailed means the value and unit are the raw device reading.
	ConversionFailed Conversion = "failed"
)

// Sample is one merged, timestamped record of position and diagnostics data.
// Every pointer field is independently optional; nil means unknown.
type Sample struct {
	Timestamp  *time.Time `json:"timestamp,omitempty"`
	TimeSource TimeSource `json:"time_source"`

	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
	GroundSpeed *float64 `json:"gps_speed,omitempty"` // m/s
	Heading     *float64 `json:"heading,omitempty"`   // degrees

	MetricName      string     `json:"obd_type"`
	DiagnosticValue *float64   `json:"obd_value,omitempty"`
	DiagnosticUnit  string     `json:"obd_unit,omitempty"`
	Conversion      Conversion `json:"obd_conversion,omitempty"`
}

// Float returns a pointer to a copy of v.
func Float(v float64) *float64 {
	return &v
}

// Clone returns a deep copy so the caller can hand the sample to
// consumers without sharing pointers.
func (s Sample) Clone() Sample {
	out := s
	if s.Timestamp != nil {
		ts := *s.Timestamp
		out.Timestamp = &ts
	}
	out.Latitude = cloneFloat(s.Latitude)
	out.Longitude = cloneFloat(s.Longitude)
	out.GroundSpeed = cloneFloat(s.GroundSpeed)
	out.Heading = cloneFloat(s.Heading)
	out.DiagnosticValue = cloneFloat(s.DiagnosticValue)
	return out
}

// HasPosition reports whether both coordinates are known.
func (s Sample) HasPosition() bool {
	return s.Latitude != nil && s.Longitude != nil
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
