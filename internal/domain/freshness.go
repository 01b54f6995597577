package domain

import "time"

// DefaultFreshnessWindow is the grace period after which a cached forecast counts as stale.
const DefaultFreshnessWindow = 7 * time.Hour

// Availability classifies the cached forecast of a location profile.
type Availability string

const (
	AvailabilityNotAvailable Availability = "not_available"
	AvailabilityAvailable    Availability = "available"
	AvailabilityStale        Availability = "stale"
)

// Freshness compares instants against a fixed staleness window.
type Freshness struct {
	window time.Duration
}

// NewFreshness returns a comparator using window, or DefaultFreshnessWindow when window is not positive.
func NewFreshness(window time.Duration) Freshness {
	if window <= 0 {
		window = DefaultFreshnessWindow
	}
	return Freshness{window: window}
}

// Window returns the configured staleness window.
func (f Freshness) Window() time.Duration {
	return f.effectiveWindow()
}

// IsOlderThan reports whether candidate plus the window still lies before reference.
func (f Freshness) IsOlderThan(candidate, reference time.Time) bool {
	return candidate.Add(f.effectiveWindow()).Before(reference)
}

// IsNewerThan reports whether candidate lies after reference plus the window.
func (f Freshness) IsNewerThan(candidate, reference time.Time) bool {
	return candidate.After(reference.Add(f.effectiveWindow()))
}

// IsSameAs reports whether both instants are identical. The window is not applied.
func (f Freshness) IsSameAs(candidate, reference time.Time) bool {
	return candidate.Equal(reference)
}

// Classify returns the availability of record relative to now.
func (f Freshness) Classify(record *ForecastRecord, now time.Time) Availability {
	if record == nil || record.IsZero() {
		return AvailabilityNotAvailable
	}
	if f.IsOlderThan(record.ModelStart(), now) {
		return AvailabilityStale
	}
	return AvailabilityAvailable
}

func (f Freshness) effectiveWindow() time.Duration {
	if f.window <= 0 {
		return DefaultFreshnessWindow
	}
	return f.window
}
