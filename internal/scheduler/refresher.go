package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/sglre6355/meteogram/internal/domain"
)

// Forecasts is the part of the forecast service the refresher drives.
type Forecasts interface {
	ListProfiles(ctx context.Context) ([]domain.LocationProfile, error)
	Availability(ctx context.Context, profileID int64, now time.Time) (domain.Availability, error)
	EnsureFresh(ctx context.Context, profileID int64) (domain.ForecastRecord, error)
	FlushDirty(ctx context.Context) error
}

// Report summarises one refresh pass.
type Report struct {
	Checked    int
	Refreshed  int
	Failed     int
	Persisted  bool
	StartedAt  time.Time
	FinishedAt time.Time
}

// Refresher periodically downloads forecasts that are missing or stale.
type Refresher struct {
	scheduler *gocron.Scheduler
	forecasts Forecasts
	interval  time.Duration
	timeout   time.Duration
	logger    *slog.Logger
	nowFn     func() time.Time
}

// Option configures a Refresher.
type Option func(*Refresher)

// WithLogger overrides the refresher logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Refresher) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithDownloadTimeout bounds each download started by a refresh pass.
func WithDownloadTimeout(timeout time.Duration) Option {
	return func(r *Refresher) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// WithClock overrides the clock used for availability checks.
func WithClock(nowFn func() time.Time) Option {
	return func(r *Refresher) {
		if nowFn != nil {
			r.nowFn = nowFn
		}
	}
}

// New creates a refresher that runs every interval.
func New(forecasts Forecasts, interval time.Duration, opts ...Option) *Refresher {
	r := &Refresher{
		scheduler: gocron.NewScheduler(time.UTC),
		forecasts: forecasts,
		interval:  interval,
		timeout:   2 * time.Minute,
		logger:    slog.Default(),
		nowFn:     time.Now,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Start schedules the refresh job and starts the underlying scheduler. The first pass runs
// immediately. A non-positive interval disables the refresher.
func (r *Refresher) Start() error {
	if r.interval <= 0 {
		r.logger.Info("forecast refresher disabled")
		return nil
	}

	r.scheduler.SingletonModeAll()
	_, err := r.scheduler.Every(r.interval).Do(func() {
		report := r.RefreshOnce(context.Background())
		r.logger.Info(
			"forecast refresh completed",
			slog.Int("checked", report.Checked),
			slog.Int("refreshed", report.Refreshed),
			slog.Int("failed", report.Failed),
			slog.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
		)
	})
	if err != nil {
		return fmt.Errorf("schedule forecast refresh: %w", err)
	}

	r.scheduler.StartAsync()
	return nil
}

// Stop stops the scheduler and cancels any future runs.
func (r *Refresher) Stop() {
	if r.scheduler != nil {
		r.scheduler.Stop()
	}
}

// RefreshOnce retries pending record writes, then downloads every missing or stale forecast
// one profile at a time.
func (r *Refresher) RefreshOnce(ctx context.Context) Report {
	report := Report{StartedAt: r.nowFn()}

	if err := r.forecasts.FlushDirty(ctx); err != nil {
		r.logger.Warn("failed to persist pending forecasts", slog.Any("error", err))
	} else {
		report.Persisted = true
	}

	profiles, err := r.forecasts.ListProfiles(ctx)
	if err != nil {
		r.logger.Error("failed to list profiles", slog.Any("error", err))
		report.FinishedAt = r.nowFn()
		return report
	}

	for _, profile := range profiles {
		if ctx.Err() != nil {
			break
		}
		report.Checked++

		availability, err := r.forecasts.Availability(ctx, profile.ID, r.nowFn())
		if err != nil {
			report.Failed++
			r.logger.Warn(
				"failed to classify cached forecast",
				slog.Int64("profile_id", profile.ID),
				slog.Any("error", err),
			)
			continue
		}
		if availability == domain.AvailabilityAvailable {
			continue
		}

		if err := r.refresh(ctx, profile); err != nil {
			report.Failed++
			r.logger.Warn(
				"forecast refresh failed",
				slog.Int64("profile_id", profile.ID),
				slog.String("profile", profile.Name),
				slog.Any("error", err),
			)
			continue
		}
		report.Refreshed++
	}

	report.FinishedAt = r.nowFn()
	return report
}

func (r *Refresher) refresh(ctx context.Context, profile domain.LocationProfile) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.forecasts.EnsureFresh(ctx, profile.ID)
	return err
}
