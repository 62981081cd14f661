package diagnostics

import (
	"fmt"
	"sort"
	"strings"
)

// Command describes one mode 01 PID.
type Command struct {
	Name string
	PID  byte
	// Bytes is the number of data bytes the ECU returns.
	Bytes int
	// Unit is what Decode yields; DisplayUnit is what callers see.
	Unit        Unit
	DisplayUnit Unit
	Decode      func(data []byte) float64
}

// Request is the ELM327 command string, e.g. "010D".
func (c Command) Request() string {
	return fmt.Sprintf("01%02X", c.PID)
}

var commands = map[string]Command{
	"SPEED": {
		Name: "SPEED", PID: 0x0D, Bytes: 1,
		Unit: UnitKPH, DisplayUnit: UnitMPH,
		Decode: func(d []byte) float64 { return float64(d[0]) },
	},
	"RPM": {
		Name: "RPM", PID: 0x0C, Bytes: 2,
		Unit: UnitRPM, DisplayUnit: UnitRPM,
		Decode: func(d []byte) float64 { return (float64(d[0])*256 + float64(d[1])) / 4 },
	},
	"COOLANT_TEMP": {
		Name: "COOLANT_TEMP", PID: 0x05, Bytes: 1,
		Unit: UnitCelsius, DisplayUnit: UnitFahrenheit,
		Decode: func(d []byte) float64 { return float64(d[0]) - 40 },
	},
	"ENGINE_LOAD": {
		Name: "ENGINE_LOAD", PID: 0x04, Bytes: 1,
		Unit: UnitPercent, DisplayUnit: UnitPercent,
		Decode: percent,
	},
	"THROTTLE_POS": {
		Name: "THROTTLE_POS", PID: 0x11, Bytes: 1,
		Unit: UnitPercent, DisplayUnit: UnitPercent,
		Decode: percent,
	},
	"INTAKE_TEMP": {
		Name: "INTAKE_TEMP", PID: 0x0F, Bytes: 1,
		Unit: UnitCelsius, DisplayUnit: UnitFahrenheit,
		Decode: func(d []byte) float64 { return float64(d[0]) - 40 },
	},
	"FUEL_LEVEL": {
		Name: "FUEL_LEVEL", PID: 0x2F, Bytes: 1,
		Unit: UnitPercent, DisplayUnit: UnitPercent,
		Decode: percent,
	},
	"INTAKE_PRESSURE": {
		Name: "INTAKE_PRESSURE", PID: 0x0B, Bytes: 1,
		Unit: UnitKilopascal, DisplayUnit: UnitPSI,
		Decode: func(d []byte) float64 { return float64(d[0]) },
	},
}

func percent(d []byte) float64 {
	return float64(d[0]) * 100 / 255
}

// Lookup finds a command by metric name, case-insensitively.
func Lookup(name string) (Command, bool) {
	c, ok := commands[strings.ToUpper(strings.TrimSpace(name))]
	return c, ok
}

// Metrics lists the known metric names in sorted order.
func Metrics() []string {
	names := make([]string, 0, len(commands))
	for n := range commands {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
