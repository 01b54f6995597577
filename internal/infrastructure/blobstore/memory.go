package blobstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sglre6355/meteogram/internal/domain"
)

// CapacityFunc returns the capacity of the unit about to be created under name.
type CapacityFunc func(name string) int64

// FixedCapacity gives every unit the same capacity.
func FixedCapacity(capacity int64) CapacityFunc {
	return func(string) int64 { return capacity }
}

// MemoryUnits keeps units in process memory.
type MemoryUnits struct {
	mu       sync.RWMutex
	units    map[string][]byte
	capacity CapacityFunc
}

// NewMemoryUnits creates an empty unit collection whose unit sizes come from capacity.
func NewMemoryUnits(capacity CapacityFunc) *MemoryUnits {
	if capacity == nil {
		capacity = FixedCapacity(64 * 1024)
	}
	return &MemoryUnits{
		units:    make(map[string][]byte),
		capacity: capacity,
	}
}

// Open reserves a unit.
func (m *MemoryUnits) Open(ctx context.Context, name string) (UnitWriter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.units[name]; ok {
		return nil, fmt.Errorf("unit %q: %w", name, domain.ErrAlreadyExists)
	}
	m.units[name] = nil

	return &memoryWriter{units: m, name: name, free: m.capacity(name)}, nil
}

// ReadUnit returns a copy of the unit contents.
func (m *MemoryUnits) ReadUnit(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.units[name]
	if !ok {
		return nil, fmt.Errorf("unit %q: %w", name, domain.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

// RemoveUnit deletes a unit.
func (m *MemoryUnits) RemoveUnit(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.units[name]; !ok {
		return fmt.Errorf("unit %q: %w", name, domain.ErrNotFound)
	}
	delete(m.units, name)
	return nil
}

// UnitNames lists unit names with the given prefix in lexical order.
func (m *MemoryUnits) UnitNames(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var names []string
	for name := range m.units {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Len returns the number of units.
func (m *MemoryUnits) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.units)
}

type memoryWriter struct {
	units   *MemoryUnits
	name    string
	free    int64
	written bool
	closed  bool
}

func (w *memoryWriter) FreeSpace() int64 {
	return w.free
}

func (w *memoryWriter) Write(ctx context.Context, chunk []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if w.closed || w.written {
		return fmt.Errorf("%w: unit %q already written", domain.ErrStorageIO, w.name)
	}
	if int64(len(chunk)) > w.free {
		return fmt.Errorf("%w: unit %q holds %d bytes, got %d", domain.ErrCapacityExhausted, w.name, w.free, len(chunk))
	}

	w.units.mu.Lock()
	defer w.units.mu.Unlock()

	if _, ok := w.units.units[w.name]; !ok {
		return fmt.Errorf("%w: unit %q was removed", domain.ErrStorageIO, w.name)
	}
	w.units.units[w.name] = append([]byte(nil), chunk...)
	w.written = true
	return nil
}

func (w *memoryWriter) Close() error {
	w.closed = true
	return nil
}
