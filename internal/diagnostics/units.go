package diagnostics

// Unit is the physical unit a value is expressed in.
type Unit string

const (
	UnitNone       Unit = ""
	UnitKPH        Unit = "kph"
	UnitMPH        Unit = "mph"
	UnitRPM        Unit = "rpm"
	UnitCelsius    Unit = "celsius"
	UnitFahrenheit Unit = "fahrenheit"
	UnitPercent    Unit = "percent"
	UnitKilopascal Unit = "kilopascal"
	UnitPSI        Unit = "psi"
)

// Conversion is the outcome of normalizing a raw reading to its display unit.
type Conversion string

const (
	ConversionNotRequired Conversion = "not_required"
	ConversionApplied     Conversion = "converted"
	ConversionFailed      Conversion = "failed"
)

type unitPair struct {
	from, to Unit
}

var conversions = map[unitPair]func(float64) float64{
	{UnitKPH, UnitMPH}:            func(v float64) float64 { return v * 0.621371 },
	{UnitMPH, UnitKPH}:            func(v float64) float64 { return v / 0.621371 },
	{UnitCelsius, UnitFahrenheit}: func(v float64) float64 { return v*9/5 + 32 },
	{UnitFahrenheit, UnitCelsius}: func(v float64) float64 { return (v - 32) * 5 / 9 },
	{UnitKilopascal, UnitPSI}:     func(v float64) float64 { return v * 0.145038 },
}

// Convert expresses v (in from) in the to unit. When no conversion path
// exists the raw value and unit come back with ConversionFailed.
func Convert(v float64, from, to Unit) (float64, Unit, Conversion) {
	if from == to || to == UnitNone {
		return v, from, ConversionNotRequired
	}
	fn, ok := conversions[unitPair{from, to}]
	if !ok {
		return v, from, ConversionFailed
	}
	return fn(v), to, ConversionApplied
}
