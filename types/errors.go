package types

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration indicates invalid startup parameters, e.g. chunk
	// overlap not smaller than chunk size.
	ErrConfiguration = errors.New("configuration error")

	// ErrDimensionMismatch indicates an embedding whose length differs from
	// the store's configured dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrInvalidArgument indicates a caller supplied value out of range.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrBackendUnavailable indicates the embedding or generation backend failed.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrParse indicates model output that is not valid structured data.
	ErrParse = errors.New("unparsable model output")

	ErrNotFound = errors.New("not found")
)

func ConfigurationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

func InvalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func DimensionMismatch(want, got int) error {
	return fmt.Errorf("%w: store expects %d, got %d", ErrDimensionMismatch, want, got)
}

// BackendUnavailable wraps err so that it matches both ErrBackendUnavailable
// and the original cause.
func BackendUnavailable(backend string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrBackendUnavailable, backend, err)
}
