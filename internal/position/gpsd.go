package position

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
)

const DefaultGPSDAddr = "127.0.0.1:2947"

// scaled=true yields SI units (m/s) and degrees.
const gpsdWatchCmd = "?WATCH={\"enable\":true,\"json\":true,\"scaled\":true}\n"

type gpsdMsgBase struct {
	Class string `json:"class"`
}

type gpsdTPV struct {
	Class string   `json:"class"`
	Mode  *int     `json:"mode"`
	Time  string   `json:"time"`
	Lat   *float64 `json:"lat"`
	Lon   *float64 `json:"lon"`
	Speed *float64 `json:"speed"`
	Track *float64 `json:"track"`
}

func gpsdConnector(addr string) connectFunc {
	if strings.TrimSpace(addr) == "" {
		addr = DefaultGPSDAddr
	}

	return func(ctx context.Context) (io.ReadCloser, error) {
		d := &net.Dialer{Timeout: dialTimeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		if _, err := conn.Write([]byte(gpsdWatchCmd)); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("gpsd watch failed: %w", err)
		}
		return conn, nil
	}
}

// decodeGPSD accepts TPV reports and ignores other gpsd classes.
func decodeGPSD(line string) (report, bool, error) {
	var base gpsdMsgBase
	if err := json.Unmarshal([]byte(line), &base); err != nil {
		return report{}, false, fmt.Errorf("gpsd json parse failed: %w", err)
	}
	if !strings.EqualFold(strings.TrimSpace(base.Class), "TPV") {
		return report{}, false, nil
	}

	var tpv gpsdTPV
	if err := json.Unmarshal([]byte(line), &tpv); err != nil {
		return report{}, false, fmt.Errorf("gpsd tpv parse failed: %w", err)
	}

	r := report{
		time:        strings.TrimSpace(tpv.Time),
		latitude:    tpv.Lat,
		longitude:   tpv.Lon,
		groundSpeed: tpv.Speed,
		heading:     tpv.Track,
	}
	if tpv.Mode != nil {
		r.fixMode = *tpv.Mode
	}
	// Mode 0/1 means no fix; gpsd may still echo the last coordinates.
	if tpv.Mode != nil && r.fixMode <= 1 {
		r.latitude, r.longitude, r.groundSpeed, r.heading = nil, nil, nil, nil
	}

	return r, true, nil
}
