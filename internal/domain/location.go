package domain

import (
	"fmt"
	"strings"
)

// ModelKind identifies the numerical weather model a location profile is rendered from.
type ModelKind int

const (
	// ModelUM is the high resolution limited-area model.
	ModelUM ModelKind = iota
	// ModelCOAMPS is the coupled ocean/atmosphere mesoscale model.
	ModelCOAMPS
)

// ModelKinds lists every supported model kind.
var ModelKinds = []ModelKind{ModelUM, ModelCOAMPS}

// String returns the configuration key prefix of the model kind.
func (k ModelKind) String() string {
	switch k {
	case ModelUM:
		return "um"
	case ModelCOAMPS:
		return "coamps"
	default:
		return fmt.Sprintf("model(%d)", int(k))
	}
}

// Valid reports whether k is one of the supported model kinds.
func (k ModelKind) Valid() bool {
	return k == ModelUM || k == ModelCOAMPS
}

// ParseModelKind maps a configuration key prefix back to its model kind.
func ParseModelKind(value string) (ModelKind, error) {
	for _, kind := range ModelKinds {
		if strings.EqualFold(kind.String(), strings.TrimSpace(value)) {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("unknown model kind %q", value)
}

// LocationProfile is a user-defined place whose forecast is downloaded and cached.
type LocationProfile struct {
	ID        int64
	Name      string
	X         int32
	Y         int32
	ModelKind ModelKind

	// CachedRecord holds the latest successfully downloaded forecast, if any.
	CachedRecord *ForecastRecord
	// Dirty is set when CachedRecord changed and has not been persisted yet.
	Dirty bool
}

// HasID reports whether the profile has been assigned a storage key.
func (p *LocationProfile) HasID() bool {
	return p != nil && p.ID > 0
}

// AttachRecord replaces the cached record and marks the profile dirty.
func (p *LocationProfile) AttachRecord(record ForecastRecord) {
	p.CachedRecord = &record
	p.Dirty = true
}
