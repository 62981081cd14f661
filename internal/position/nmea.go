package position

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	nmea "github.com/adrianmo/go-nmea"
	"github.com/jacobsa/go-serial/serial"
)

const (
	DefaultBaud = 9600

	knotsToMetersPerSecond = 0.514444
)

func nmeaConnector(device string, baud int) connectFunc {
	if baud <= 0 {
		baud = DefaultBaud
	}

	return func(_ context.Context) (io.ReadCloser, error) {
		path := strings.TrimSpace(device)
		if path == "" {
			path = autoDetectDevice()
		}
		if path == "" {
			return nil, fmt.Errorf("gps auto-detect failed: no /dev/ttyACM* or /dev/ttyUSB* found")
		}

		port, err := serial.Open(serial.OpenOptions{
			PortName:        path,
			BaudRate:        uint(baud),
			DataBits:        8,
			StopBits:        1,
			MinimumReadSize: 1,
			ParityMode:      serial.PARITY_NONE,
		})
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		return port, nil
	}
}

// decodeNMEA turns an RMC sentence into a report. Other sentence types and
// non-sentence noise are ignored.
func decodeNMEA(line string) (report, bool, error) {
	if !strings.HasPrefix(line, "$") {
		return report{}, false, nil
	}

	sentence, err := nmea.Parse(line)
	if err != nil {
		return report{}, false, err
	}
	if sentence.DataType() != nmea.TypeRMC {
		return report{}, false, nil
	}

	m := sentence.(nmea.RMC)
	r := report{time: rmcTimestamp(m.Date, m.Time)}
	if m.Validity != nmea.ValidRMC {
		return r, true, nil
	}

	lat, lon := m.Latitude, m.Longitude
	speed := m.Speed * knotsToMetersPerSecond
	course := m.Course
	r.latitude = &lat
	r.longitude = &lon
	r.groundSpeed = &speed
	r.heading = &course
	r.fixMode = 2

	return r, true, nil
}

// rmcTimestamp renders RMC date and time as UTC ISO-8601 with milliseconds.
func rmcTimestamp(d nmea.Date, t nmea.Time) string {
	if !d.Valid || !t.Valid {
		return ""
	}
	year := 2000 + d.YY
	if d.YY >= 80 {
		year = 1900 + d.YY
	}
	return fmt.Sprintf("%04d-%02d-%02dT%02d:%02d:%02d.%03dZ",
		year, d.MM, d.DD, t.Hour, t.Minute, t.Second, t.Millisecond)
}

func autoDetectDevice() string {
	candidates := []string{}
	for i := 0; i < 10; i++ {
		candidates = append(candidates, fmt.Sprintf("/dev/ttyACM%d", i))
	}
	for i := 0; i < 10; i++ {
		candidates = append(candidates, fmt.Sprintf("/dev/ttyUSB%d", i))
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
