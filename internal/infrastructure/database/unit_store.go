package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/sglre6355/meteogram/internal/domain"
	"github.com/sglre6355/meteogram/internal/infrastructure/blobstore"
)

const (
	defaultUnitCapacity = 64 * 1024
	defaultUnitQuota    = 16 * 1024 * 1024
	likeEscape          = "!"
)

// UnitStore keeps blob store units as rows of the storage_units table. Every unit has a fixed
// capacity, and the table as a whole is bounded by a quota.
type UnitStore struct {
	db       *gorm.DB
	capacity int64
	quota    int64
}

// UnitStoreOption configures a UnitStore.
type UnitStoreOption func(*UnitStore)

// WithUnitCapacity sets the capacity of every new unit.
func WithUnitCapacity(capacity int64) UnitStoreOption {
	return func(s *UnitStore) {
		if capacity > 0 {
			s.capacity = capacity
		}
	}
}

// WithQuota bounds the total number of bytes held by all units.
func WithQuota(quota int64) UnitStoreOption {
	return func(s *UnitStore) {
		if quota > 0 {
			s.quota = quota
		}
	}
}

// NewUnitStore initialises a UnitStore backed by db.
func NewUnitStore(db *gorm.DB, opts ...UnitStoreOption) *UnitStore {
	store := &UnitStore{
		db:       db,
		capacity: defaultUnitCapacity,
		quota:    defaultUnitQuota,
	}

	for _, opt := range opts {
		opt(store)
	}

	return store
}

// AutoMigrate ensures the storage_units table exists with the expected schema.
func (s *UnitStore) AutoMigrate(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("unit store not initialised")
	}

	return s.db.WithContext(ctx).AutoMigrate(&unitRecord{})
}

// Open inserts an empty unit row. Its free space is the unit capacity, reduced to whatever the
// quota still allows.
func (s *UnitStore) Open(ctx context.Context, name string) (blobstore.UnitWriter, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("unit store not initialised")
	}

	var free int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&unitRecord{}).Where("name = ?", name).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("unit %q: %w", name, domain.ErrAlreadyExists)
		}

		var used int64
		if err := tx.Model(&unitRecord{}).Select("COALESCE(SUM(size), 0)").Scan(&used).Error; err != nil {
			return err
		}

		free = min(s.capacity, s.quota-used)
		if free < 0 {
			free = 0
		}

		return tx.Create(&unitRecord{Name: name, Capacity: free}).Error
	})
	if err != nil {
		return nil, err
	}

	return &unitWriter{store: s, name: name, free: free}, nil
}

// ReadUnit returns the chunk stored in unit name.
func (s *UnitStore) ReadUnit(ctx context.Context, name string) ([]byte, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("unit store not initialised")
	}

	var record unitRecord
	err := s.db.WithContext(ctx).First(&record, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("unit %q: %w", name, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return record.Data, nil
}

// RemoveUnit deletes unit name.
func (s *UnitStore) RemoveUnit(ctx context.Context, name string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("unit store not initialised")
	}

	result := s.db.WithContext(ctx).Delete(&unitRecord{}, "name = ?", name)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("unit %q: %w", name, domain.ErrNotFound)
	}
	return nil
}

// UnitNames lists the names of all units starting with prefix.
func (s *UnitStore) UnitNames(ctx context.Context, prefix string) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("unit store not initialised")
	}

	pattern := escapeLike(prefix) + "%"
	var names []string
	err := s.db.WithContext(ctx).
		Model(&unitRecord{}).
		Where("name LIKE ? ESCAPE '"+likeEscape+"'", pattern).
		Order("name").
		Pluck("name", &names).Error
	if err != nil {
		return nil, err
	}

	filtered := names[:0]
	for _, name := range names {
		if strings.HasPrefix(name, prefix) {
			filtered = append(filtered, name)
		}
	}
	return filtered, nil
}

// UsedBytes returns the number of bytes held by all units.
func (s *UnitStore) UsedBytes(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("unit store not initialised")
	}

	var used int64
	err := s.db.WithContext(ctx).Model(&unitRecord{}).Select("COALESCE(SUM(size), 0)").Scan(&used).Error
	return used, err
}

type unitWriter struct {
	store   *UnitStore
	name    string
	free    int64
	written bool
}

func (w *unitWriter) FreeSpace() int64 {
	return w.free
}

func (w *unitWriter) Write(ctx context.Context, chunk []byte) error {
	if w.written {
		return fmt.Errorf("%w: unit %q already written", domain.ErrStorageIO, w.name)
	}
	if int64(len(chunk)) > w.free {
		return fmt.Errorf("%w: unit %q holds %d bytes, got %d", domain.ErrCapacityExhausted, w.name, w.free, len(chunk))
	}

	result := w.store.db.WithContext(ctx).
		Model(&unitRecord{}).
		Where("name = ? AND size = 0", w.name).
		Updates(map[string]any{"data": chunk, "size": len(chunk)})
	if result.Error != nil {
		return fmt.Errorf("%w: write unit %q: %w", domain.ErrStorageIO, w.name, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: unit %q vanished before it was written", domain.ErrStorageIO, w.name)
	}

	w.written = true
	return nil
}

func (w *unitWriter) Close() error {
	return nil
}

type unitRecord struct {
	Name      string    `gorm:"column:name;primaryKey;size:191"`
	Capacity  int64     `gorm:"column:capacity;not null"`
	Size      int64     `gorm:"column:size;not null;default:0"`
	Data      []byte    `gorm:"column:data"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (unitRecord) TableName() string {
	return "storage_units"
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(
		likeEscape, likeEscape+likeEscape,
		"%", likeEscape+"%",
		"_", likeEscape+"_",
	)
	return replacer.Replace(value)
}
