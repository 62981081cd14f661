package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"codeberg.org/mutker/dashlog/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultEnvPrefix  = "DASHLOG"
	DefaultConfigPath = "/etc/dashlog.toml"

	DefaultInterval      = time.Second
	DefaultQueryTimeout  = 500 * time.Millisecond
	DefaultAppendTimeout = 500 * time.Millisecond
	DefaultLogLevel      = "info"

	DefaultGPSSource  = "gpsd"
	DefaultGPSDAddr   = "127.0.0.1:2947"
	DefaultGPSBaud    = 9600
	DefaultStaleAfter = 10 * time.Second

	DefaultOBDBaud           = 38400
	DefaultOBDMetric         = "SPEED"
	DefaultReconnectInterval = 10 * time.Second

	DefaultPreferredDir = "/media/usb/dashlog"
	DefaultFallbackDir  = "/var/lib/dashlog"
	DefaultFileName     = "gps_obd_log.csv"
	DefaultArchivePath  = "/var/lib/dashlog/telemetry.db"

	DefaultMQTTTopic    = "dashlog/sample"
	DefaultMQTTClientID = "dashlog"
)

// flag name -> config key
var flagKeys = map[string]string{
	"interval":       "interval",
	"query-timeout":  "query_timeout",
	"append-timeout": "append_timeout",
	"log-level":      "log_level",
	"pid-file":       "pid_file",
	"gps-source":     "gps.source",
	"gpsd-addr":      "gps.gpsd_addr",
	"gps-device":     "gps.device",
	"stale-after":    "gps.stale_after",
	"obd":            "obd.enabled",
	"obd-port":       "obd.port",
	"obd-metric":     "obd.metric",
	"preferred-dir":  "storage.preferred_dir",
	"fallback-dir":   "storage.fallback_dir",
	"archive":        "archive.enabled",
	"http-addr":      "display.http_addr",
	"mqtt-broker":    "display.mqtt_broker",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("interval", DefaultInterval)
	v.SetDefault("query_timeout", DefaultQueryTimeout)
	v.SetDefault("append_timeout", DefaultAppendTimeout)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("pid_file", filepath.Join(os.TempDir(), "dashlog.pid"))

	v.SetDefault("gps.source", DefaultGPSSource)
	v.SetDefault("gps.gpsd_addr", DefaultGPSDAddr)
	v.SetDefault("gps.device", "")
	v.SetDefault("gps.baud", DefaultGPSBaud)
	v.SetDefault("gps.stale_after", DefaultStaleAfter)

	v.SetDefault("obd.enabled", true)
	v.SetDefault("obd.port", "")
	v.SetDefault("obd.baud", DefaultOBDBaud)
	v.SetDefault("obd.metric", DefaultOBDMetric)
	v.SetDefault("obd.reconnect_interval", DefaultReconnectInterval)

	v.SetDefault("storage.preferred_dir", DefaultPreferredDir)
	v.SetDefault("storage.fallback_dir", DefaultFallbackDir)
	v.SetDefault("storage.file_name", DefaultFileName)
	v.SetDefault("storage.sync", true)

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.db_path", DefaultArchivePath)

	v.SetDefault("display.console", true)
	v.SetDefault("display.http_addr", "")
	v.SetDefault("display.mqtt_broker", "")
	v.SetDefault("display.mqtt_topic", DefaultMQTTTopic)
	v.SetDefault("display.mqtt_client_id", DefaultMQTTClientID)
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("dashlog", pflag.ContinueOnError)
	fs.String("config", "", "Path to the TOML configuration file")
	fs.Duration("interval", DefaultInterval, "Sampling interval")
	fs.Duration("query-timeout", DefaultQueryTimeout, "Timeout for one diagnostics query")
	fs.Duration("append-timeout", DefaultAppendTimeout, "Timeout for one log append")
	fs.String("log-level", DefaultLogLevel, "Log level (debug, info, warning, error)")
	fs.String("pid-file", filepath.Join(os.TempDir(), "dashlog.pid"), "PID file path")
	fs.String("gps-source", DefaultGPSSource, "Position source (gpsd, nmea)")
	fs.String("gpsd-addr", DefaultGPSDAddr, "gpsd host:port")
	fs.String("gps-device", "", "NMEA serial device (empty to auto-detect)")
	fs.Duration("stale-after", DefaultStaleAfter, "Treat position older than this as absent (0 disables)")
	fs.Bool("obd", true, "Query the OBD-II adapter")
	fs.String("obd-port", "", "OBD-II adapter serial port (empty to auto-discover)")
	fs.String("obd-metric", DefaultOBDMetric, "OBD-II metric to sample")
	fs.String("preferred-dir", DefaultPreferredDir, "Preferred (removable) log directory")
	fs.String("fallback-dir", DefaultFallbackDir, "Fallback log directory")
	fs.Bool("archive", false, "Mirror samples into the SQLite archive")
	fs.String("http-addr", "", "Serve the live dashboard on this address")
	fs.String("mqtt-broker", "", "Publish samples to this MQTT broker")
	return fs
}

// Load reads configuration from defaults, the config file, the environment
// and command-line flags, in increasing order of precedence.
func Load(opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := &options{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}
	if o.args == nil {
		o.args = os.Args[1:]
	}

	v := viper.New()
	setDefaults(v)

	fs := newFlagSet()
	if err := fs.Parse(o.args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := readConfigFile(v, fs, o); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func readConfigFile(v *viper.Viper, fs *pflag.FlagSet, o *options) error {
	errFactory := errors.New()

	path, explicit := resolveConfigPath(fs, o)
	if path == "" {
		return nil
	}

	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		if !explicit && os.IsNotExist(err) {
			return nil
		}
		return errFactory.Wrap(errors.ErrReadConfig, err)
	}

	return nil
}

// resolveConfigPath picks the config file: --config, then WithConfigFile, then
// <PREFIX>_CONFIG, then DefaultConfigPath. An empty <PREFIX>_CONFIG disables
// the file entirely.
func resolveConfigPath(fs *pflag.FlagSet, o *options) (string, bool) {
	if flagPath, _ := fs.GetString("config"); flagPath != "" {
		return flagPath, true
	}
	if o.configPath != "" {
		return o.configPath, true
	}
	if envPath, ok := os.LookupEnv(o.envPrefix + "_CONFIG"); ok {
		return envPath, envPath != ""
	}

	return DefaultConfigPath, false
}

// Validate checks the loaded values for consistency.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if c.Interval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.Interval)
	}
	if c.QueryTimeout <= 0 || c.QueryTimeout >= c.Interval {
		return errFactory.WithData(errors.ErrInvalidConfig, "query_timeout must be positive and shorter than interval")
	}
	if c.AppendTimeout <= 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "append_timeout must be positive")
	}
	if !LogLevel(strings.ToLower(c.LogLevel)).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}

	switch strings.ToLower(c.GPS.Source) {
	case "gpsd", "nmea":
	default:
		return errFactory.WithData(errors.ErrInvalidConfig, "unknown gps.source "+c.GPS.Source)
	}
	if c.GPS.StaleAfter < 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "gps.stale_after must not be negative")
	}
	if c.OBD.Enabled && strings.TrimSpace(c.OBD.Metric) == "" {
		return errFactory.WithData(errors.ErrInvalidConfig, "obd.metric is required")
	}
	if c.Storage.PreferredDir == "" || c.Storage.FallbackDir == "" || c.Storage.FileName == "" {
		return errFactory.WithData(errors.ErrInvalidConfig, "storage directories and file name are required")
	}
	if c.Archive.Enabled && c.Archive.DBPath == "" {
		return errFactory.WithData(errors.ErrInvalidConfig, "archive.db_path is required")
	}

	return nil
}
