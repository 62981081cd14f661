package config

import "time"

// Config holds every setting of the logger process.
// All values are immutable after Load returns.
type Config struct {
	// Interval is the aggregation cadence.
	Interval time.Duration `mapstructure:"interval"`
	// QueryTimeout bounds one diagnostics query per tick.
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
	// AppendTimeout bounds one log append.
	AppendTimeout time.Duration `mapstructure:"append_timeout"`

	LogLevel string `mapstructure:"log_level"`
	PIDFile  string `mapstructure:"pid_file"`

	GPS     GPSConfig     `mapstructure:"gps"`
	OBD     OBDConfig     `mapstructure:"obd"`
	Storage StorageConfig `mapstructure:"storage"`
	Archive ArchiveConfig `mapstructure:"archive"`
	Display DisplayConfig `mapstructure:"display"`
}

type GPSConfig struct {
	// Source is "gpsd" or "nmea".
	Source   string `mapstructure:"source"`
	GPSDAddr string `mapstructure:"gpsd_addr"`
	// Device is the serial device for the nmea source; empty means auto-detect.
	Device string `mapstructure:"device"`
	Baud   int    `mapstructure:"baud"`
	// StaleAfter hides position fields older than this; zero disables expiry.
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

type OBDConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Port is the adapter serial port; empty means auto-discover.
	Port              string        `mapstructure:"port"`
	Baud              int           `mapstructure:"baud"`
	Metric            string        `mapstructure:"metric"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`
}

type StorageConfig struct {
	PreferredDir string `mapstructure:"preferred_dir"`
	FallbackDir  string `mapstructure:"fallback_dir"`
	FileName     string `mapstructure:"file_name"`
	Sync         bool   `mapstructure:"sync"`
}

type ArchiveConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DBPath  string `mapstructure:"db_path"`
}

type DisplayConfig struct {
	Console      bool   `mapstructure:"console"`
	HTTPAddr     string `mapstructure:"http_addr"`
	MQTTBroker   string `mapstructure:"mqtt_broker"`
	MQTTTopic    string `mapstructure:"mqtt_topic"`
	MQTTClientID string `mapstructure:"mqtt_client_id"`
}

// Option defines a configuration option that can be passed to Load
type Option func(*options) error

// options holds internal configuration options
type options struct {
	configPath string
	envPrefix  string
	args       []string
}

// WithConfigFile specifies an explicit configuration file path
func WithConfigFile(path string) Option {
	return func(o *options) error {
		o.configPath = path
		return nil
	}
}

// WithEnvPrefix specifies a custom environment variable prefix
// Default is "DASHLOG"
func WithEnvPrefix(prefix string) Option {
	return func(o *options) error {
		o.envPrefix = prefix
		return nil
	}
}

// WithArgs parses the given command-line arguments instead of os.Args[1:].
func WithArgs(args []string) Option {
	return func(o *options) error {
		o.args = args
		return nil
	}
}

// LogLevel represents valid logging levels
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// IsValid returns whether the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
		return true
	default:
		return false
	}
}

// String implements the Stringer interface
func (l LogLevel) String() string {
	return string(l)
}
