package domain

import (
	"fmt"
	"time"
)

// ForecastRecord is a rendered forecast image together with the start time of the model run
// that produced it.
type ForecastRecord struct {
	modelStart time.Time
	payload    []byte
}

// NewForecastRecord builds a record whose model start is truncated to the whole hour in UTC.
func NewForecastRecord(modelStart time.Time, payload []byte) (ForecastRecord, error) {
	if modelStart.IsZero() {
		return ForecastRecord{}, fmt.Errorf("%w: model start is empty", ErrInvariantViolation)
	}
	if len(payload) == 0 {
		return ForecastRecord{}, fmt.Errorf("%w: forecast payload is empty", ErrInvariantViolation)
	}

	return ForecastRecord{
		modelStart: TruncateToHour(modelStart),
		payload:    payload,
	}, nil
}

// ModelStart returns the hour-aligned UTC start of the model run.
func (r ForecastRecord) ModelStart() time.Time {
	return r.modelStart
}

// Payload returns the raw image bytes. Callers must not modify the returned slice.
func (r ForecastRecord) Payload() []byte {
	return r.payload
}

// IsZero reports whether r was never populated.
func (r ForecastRecord) IsZero() bool {
	return r.modelStart.IsZero() && len(r.payload) == 0
}

// TruncateToHour zeroes minutes, seconds and sub-second components and normalises t to UTC.
func TruncateToHour(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), u.Hour(), 0, 0, 0, time.UTC)
}
