package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/sglre6355/meteogram/internal/domain"
)

// ProfileStore persists location profiles using GORM. Cached forecast records live in the blob
// store and are not part of this table.
type ProfileStore struct {
	db *gorm.DB
}

// NewProfileStore initialises a ProfileStore backed by db.
func NewProfileStore(db *gorm.DB) *ProfileStore {
	return &ProfileStore{db: db}
}

// AutoMigrate ensures the location_profiles table exists with the expected schema.
func (s *ProfileStore) AutoMigrate(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("profile store not initialised")
	}

	return s.db.WithContext(ctx).AutoMigrate(&profileRecord{})
}

// ListProfiles returns every profile ordered by id.
func (s *ProfileStore) ListProfiles(ctx context.Context) ([]domain.LocationProfile, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("profile store not initialised")
	}

	var records []profileRecord
	if err := s.db.WithContext(ctx).Order("id").Find(&records).Error; err != nil {
		return nil, err
	}

	profiles := make([]domain.LocationProfile, 0, len(records))
	for _, record := range records {
		profiles = append(profiles, record.toDomain())
	}
	return profiles, nil
}

// GetProfile returns the profile stored under id.
func (s *ProfileStore) GetProfile(ctx context.Context, id int64) (domain.LocationProfile, error) {
	if s == nil || s.db == nil {
		return domain.LocationProfile{}, fmt.Errorf("profile store not initialised")
	}

	var record profileRecord
	err := s.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.LocationProfile{}, fmt.Errorf("profile %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.LocationProfile{}, err
	}
	return record.toDomain(), nil
}

// FindProfileByName returns the profile with the given name.
func (s *ProfileStore) FindProfileByName(ctx context.Context, name string) (domain.LocationProfile, error) {
	if s == nil || s.db == nil {
		return domain.LocationProfile{}, fmt.Errorf("profile store not initialised")
	}

	var record profileRecord
	err := s.db.WithContext(ctx).First(&record, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.LocationProfile{}, fmt.Errorf("profile %q: %w", name, domain.ErrNotFound)
	}
	if err != nil {
		return domain.LocationProfile{}, err
	}
	return record.toDomain(), nil
}

// CreateProfile stores a new profile and returns it with its assigned id. Names are unique.
func (s *ProfileStore) CreateProfile(ctx context.Context, profile domain.LocationProfile) (domain.LocationProfile, error) {
	if s == nil || s.db == nil {
		return domain.LocationProfile{}, fmt.Errorf("profile store not initialised")
	}

	record := profileRecord{
		Name:      profile.Name,
		X:         profile.X,
		Y:         profile.Y,
		ModelKind: int(profile.ModelKind),
		Dirty:     profile.Dirty,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&profileRecord{}).Where("name = ?", profile.Name).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("profile %q: %w", profile.Name, domain.ErrAlreadyExists)
		}
		return tx.Create(&record).Error
	})
	if err != nil {
		return domain.LocationProfile{}, err
	}

	return record.toDomain(), nil
}

// UpdateProfile overwrites name, coordinates, model kind and dirty flag of an existing profile.
func (s *ProfileStore) UpdateProfile(ctx context.Context, profile domain.LocationProfile) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("profile store not initialised")
	}

	result := s.db.WithContext(ctx).
		Model(&profileRecord{}).
		Where("id = ?", profile.ID).
		Updates(map[string]any{
			"name":       profile.Name,
			"x":          profile.X,
			"y":          profile.Y,
			"model_kind": int(profile.ModelKind),
			"dirty":      profile.Dirty,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("profile %d: %w", profile.ID, domain.ErrNotFound)
	}
	return nil
}

// SetDirty records whether the stored forecast of the profile lags behind the downloaded one.
func (s *ProfileStore) SetDirty(ctx context.Context, id int64, dirty bool) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("profile store not initialised")
	}

	result := s.db.WithContext(ctx).
		Model(&profileRecord{}).
		Where("id = ?", id).
		Update("dirty", dirty)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// Some drivers report zero affected rows when the value is unchanged.
		if _, err := s.GetProfile(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// DeleteProfile removes the profile stored under id.
func (s *ProfileStore) DeleteProfile(ctx context.Context, id int64) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("profile store not initialised")
	}

	result := s.db.WithContext(ctx).Delete(&profileRecord{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("profile %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

type profileRecord struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	Name      string    `gorm:"column:name;size:128;not null;uniqueIndex:idx_location_profiles_name"`
	X         int32     `gorm:"column:x;not null"`
	Y         int32     `gorm:"column:y;not null"`
	ModelKind int       `gorm:"column:model_kind;not null"`
	Dirty     bool      `gorm:"column:dirty;not null;default:false"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (profileRecord) TableName() string {
	return "location_profiles"
}

func (r profileRecord) toDomain() domain.LocationProfile {
	return domain.LocationProfile{
		ID:        r.ID,
		Name:      r.Name,
		X:         r.X,
		Y:         r.Y,
		ModelKind: domain.ModelKind(r.ModelKind),
		Dirty:     r.Dirty,
	}
}
