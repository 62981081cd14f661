package errors

// ErrorCode identifies a class of failure. Codes are stable strings so they
// can be logged and matched across package boundaries.
type ErrorCode string

// Error is a domain error carrying a code and optional context.
type Error interface {
	error
	Code() ErrorCode
	WithMessage(msg string) Error
	WithData(data any) Error
	GetData() any
	Unwrap() error
	// Is matches any domain error with the same code, so
	// errors.Is(err, factory.New(code)) works through wrapping.
	Is(target error) bool
}

// Factory creates domain errors.
type Factory interface {
	New(code ErrorCode) Error
	Wrap(code ErrorCode, err error) Error
	WithMessage(code ErrorCode, msg string) Error
	WithData(code ErrorCode, data any) Error
}
