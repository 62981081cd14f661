package errors

// Common error codes
const (
	// System errors
	ErrInternal        ErrorCode = "internal_error"
	ErrInvalidArgument ErrorCode = "invalid_argument"
	ErrUnavailable     ErrorCode = "service_unavailable"
	ErrAlreadyRunning  ErrorCode = "already_running"

	// Configuration errors
	ErrInvalidConfig   ErrorCode = "invalid_configuration"
	ErrReadConfig      ErrorCode = "read_config_failed"
	ErrBindFlags       ErrorCode = "bind_flags_failed"
	ErrInvalidInterval ErrorCode = "invalid_interval"

	// Logging errors
	ErrInvalidLogLevel ErrorCode = "invalid_log_level"

	// Initialization errors
	ErrInitFailed     ErrorCode = "initialization_failed"
	ErrShutdownFailed ErrorCode = "shutdown_failed"

	// Source errors
	ErrConnection        ErrorCode = "connection_error"
	ErrDeviceUnavailable ErrorCode = "device_unavailable"
	ErrQuery             ErrorCode = "query_failed"
	ErrUnsupportedMetric ErrorCode = "unsupported_metric"

	// Record errors
	ErrPersistence        ErrorCode = "persistence_failed"
	ErrMalformedTimestamp ErrorCode = "malformed_timestamp"
	ErrMalformedRow       ErrorCode = "malformed_row"

	// Operation errors
	ErrOperationFailed ErrorCode = "operation_failed"
	ErrTimeout         ErrorCode = "operation_timeout"
)

// Common error messages
var errorMessages = map[ErrorCode]string{
	ErrInternal:           "Internal error occurred",
	ErrInvalidArgument:    "Invalid argument provided",
	ErrUnavailable:        "Service unavailable",
	ErrAlreadyRunning:     "Another instance is already running",
	ErrInvalidConfig:      "Invalid configuration",
	ErrReadConfig:         "Failed to read config file",
	ErrBindFlags:          "Failed to bind flags",
	ErrInvalidInterval:    "Invalid interval value",
	ErrInvalidLogLevel:    "Invalid log level",
	ErrInitFailed:         "Initialization failed",
	ErrShutdownFailed:     "Shutdown failed",
	ErrConnection:         "Source unreachable",
	ErrDeviceUnavailable:  "Diagnostics device unavailable",
	ErrQuery:              "Diagnostics query failed",
	ErrUnsupportedMetric:  "Unsupported diagnostics metric",
	ErrPersistence:        "Failed to persist sample",
	ErrMalformedTimestamp: "Malformed timestamp",
	ErrMalformedRow:       "Malformed log row",
	ErrOperationFailed:    "Operation failed",
	ErrTimeout:            "Operation timed out",
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}
