package errors_test

import (
	"fmt"
	"io"
	"testing"

	"codeberg.org/mutker/dashlog/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessage(t *testing.T) {
	errFactory := errors.New()

	err := errFactory.New(errors.ErrDeviceUnavailable)
	assert.Equal(t, "Diagnostics device unavailable", err.Error())

	err = errFactory.Wrap(errors.ErrQuery, io.ErrUnexpectedEOF)
	assert.Equal(t, "Diagnostics query failed: unexpected EOF", err.Error())
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	err = errFactory.WithData(errors.ErrUnsupportedMetric, "BOOST")
	assert.Equal(t, "Unsupported diagnostics metric: BOOST", err.Error())

	err = errFactory.WithMessage(errors.ErrPersistence, "disk full")
	assert.Equal(t, "disk full", err.Error())
}

func TestHasCode(t *testing.T) {
	errFactory := errors.New()

	inner := errFactory.Wrap(errors.ErrTimeout, io.EOF)
	outer := errFactory.Wrap(errors.ErrQuery, inner)
	wrapped := fmt.Errorf("tick: %w", outer)

	assert.True(t, errors.HasCode(wrapped, errors.ErrQuery))
	assert.True(t, errors.HasCode(wrapped, errors.ErrTimeout))
	assert.False(t, errors.HasCode(wrapped, errors.ErrPersistence))
	assert.False(t, errors.HasCode(io.EOF, errors.ErrQuery))
	assert.False(t, errors.HasCode(nil, errors.ErrQuery))
}

func TestCodeOf(t *testing.T) {
	err := errors.New().New(errors.ErrConnection).WithData("127.0.0.1:2947")
	require.Error(t, err)
	assert.Equal(t, errors.ErrConnection, errors.CodeOf(fmt.Errorf("start: %w", err)))
	assert.Equal(t, errors.ErrorCode(""), errors.CodeOf(io.EOF))
}

func TestIsMatchesByCode(t *testing.T) {
	errFactory := errors.New()

	err := fmt.Errorf("tick: %w", errFactory.Wrap(errors.ErrQuery, errFactory.New(errors.ErrTimeout)))
	assert.True(t, errors.Is(err, errFactory.New(errors.ErrQuery)))
	assert.True(t, errors.Is(err, errFactory.New(errors.ErrTimeout)))
	assert.False(t, errors.Is(err, errFactory.New(errors.ErrPersistence)))
}
