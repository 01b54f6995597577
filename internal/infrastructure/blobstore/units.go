package blobstore

import "context"

// Units is a collection of named, bounded-capacity storage units. Each unit holds a single
// chunk written once.
type Units interface {
	// Open creates the unit name and returns a writer for it. It fails if the unit already exists.
	Open(ctx context.Context, name string) (UnitWriter, error)
	// ReadUnit returns the chunk stored in unit name.
	ReadUnit(ctx context.Context, name string) ([]byte, error)
	// RemoveUnit deletes unit name.
	RemoveUnit(ctx context.Context, name string) error
	// UnitNames lists the names of all units starting with prefix.
	UnitNames(ctx context.Context, prefix string) ([]string, error)
}

// UnitWriter fills one freshly opened unit.
type UnitWriter interface {
	// FreeSpace reports how many bytes the unit can hold.
	FreeSpace() int64
	// Write stores chunk in the unit. It may be called at most once.
	Write(ctx context.Context, chunk []byte) error
	// Close releases the unit. A unit that was never written is left empty.
	Close() error
}
