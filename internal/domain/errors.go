package domain

import "errors"

var (
	// ErrMissingConfiguration is returned when a required model configuration key has no value.
	ErrMissingConfiguration = errors.New("missing configuration")
	// ErrInvalidURL is returned when a configured URL cannot be parsed or uses an unexpected scheme.
	ErrInvalidURL = errors.New("invalid url")
	// ErrParseFailure is returned when a date marker cannot be located in fetched metadata.
	ErrParseFailure = errors.New("parse failure")
	// ErrOutOfRange is returned when a date token component lies outside its valid range.
	ErrOutOfRange = errors.New("value out of range")
	// ErrNetworkFailure wraps transport errors raised while streaming a resource.
	ErrNetworkFailure = errors.New("network failure")
	// ErrCancelled marks a download that stopped because cancellation was requested.
	ErrCancelled = errors.New("download cancelled")
	// ErrCapacityExhausted is returned when storage units cannot hold the remaining bytes.
	ErrCapacityExhausted = errors.New("storage capacity exhausted")
	// ErrStorageIO wraps failures of the underlying storage backend.
	ErrStorageIO = errors.New("storage i/o failure")
	// ErrInvariantViolation signals an inconsistent internal state handed over by a collaborator.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrNotFound is returned when no stored value exists for the requested key.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a value is already stored for the requested key.
	ErrAlreadyExists = errors.New("already exists")
	// ErrCorruptRecord is returned when a serialized forecast record fails validation.
	ErrCorruptRecord = errors.New("corrupt forecast record")
	// ErrInvalidProfile is returned when a location profile fails input validation.
	ErrInvalidProfile = errors.New("invalid profile")
)

// IsFatal reports whether err belongs to a class that indicates a broken deployment
// or programming error rather than an ordinary cancellation or transient failure.
func IsFatal(err error) bool {
	return errors.Is(err, ErrMissingConfiguration) ||
		errors.Is(err, ErrInvalidURL) ||
		errors.Is(err, ErrInvariantViolation)
}
