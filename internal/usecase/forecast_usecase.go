package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sglre6355/meteogram/internal/domain"
)

// ForecastProvider resolves profiles and their forecast records.
type ForecastProvider interface {
	GetProfile(ctx context.Context, id int64) (domain.LocationProfile, error)
	EnsureFresh(ctx context.Context, profileID int64) (domain.ForecastRecord, error)
	CachedRecord(ctx context.Context, profileID int64) (domain.ForecastRecord, error)
	Freshness() domain.Freshness
}

// ForecastImage is a rendered forecast ready to be delivered.
type ForecastImage struct {
	Profile      domain.LocationProfile
	ModelStart   time.Time
	Availability domain.Availability
	Data         []byte
}

// ForecastUsecase exposes forecast-oriented application actions.
type ForecastUsecase struct {
	provider ForecastProvider
	logger   *slog.Logger
	nowFn    func() time.Time
}

// NewForecastUsecase wraps the provider to expose higher-level operations.
func NewForecastUsecase(provider ForecastProvider, logger *slog.Logger) *ForecastUsecase {
	if logger == nil {
		logger = slog.Default()
	}
	return &ForecastUsecase{provider: provider, logger: logger, nowFn: time.Now}
}

// LatestImage returns the forecast of the profile, downloading a new one when the cached copy
// is missing or stale. If the download fails but an older record exists, the older record is
// returned and marked stale.
func (u *ForecastUsecase) LatestImage(ctx context.Context, profileID int64) (ForecastImage, error) {
	profile, err := u.provider.GetProfile(ctx, profileID)
	if err != nil {
		return ForecastImage{}, err
	}

	record, err := u.provider.EnsureFresh(ctx, profileID)
	if err == nil {
		return u.image(profile, record), nil
	}
	if domain.IsFatal(err) {
		return ForecastImage{}, err
	}

	cached, cacheErr := u.provider.CachedRecord(ctx, profileID)
	if cacheErr != nil {
		if errors.Is(cacheErr, domain.ErrNotFound) {
			return ForecastImage{}, fmt.Errorf("no forecast for %q: %w", profile.Name, err)
		}
		return ForecastImage{}, errors.Join(err, cacheErr)
	}

	u.logger.Warn(
		"serving cached forecast after failed refresh",
		slog.Int64("profile_id", profileID),
		slog.Time("model_start", cached.ModelStart()),
		slog.Any("error", err),
	)
	return u.image(profile, cached), nil
}

func (u *ForecastUsecase) image(profile domain.LocationProfile, record domain.ForecastRecord) ForecastImage {
	return ForecastImage{
		Profile:      profile,
		ModelStart:   record.ModelStart(),
		Availability: u.provider.Freshness().Classify(&record, u.nowFn()),
		Data:         record.Payload(),
	}
}
