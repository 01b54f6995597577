package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sglre6355/meteogram/internal/domain"
)

// ProfileRepository persists location profiles.
type ProfileRepository interface {
	ListProfiles(ctx context.Context) ([]domain.LocationProfile, error)
	GetProfile(ctx context.Context, id int64) (domain.LocationProfile, error)
	FindProfileByName(ctx context.Context, name string) (domain.LocationProfile, error)
	CreateProfile(ctx context.Context, profile domain.LocationProfile) (domain.LocationProfile, error)
	UpdateProfile(ctx context.Context, profile domain.LocationProfile) error
	DeleteProfile(ctx context.Context, id int64) error
	SetDirty(ctx context.Context, id int64, dirty bool) error
}

// RecordStore keeps one serialized forecast record per profile id.
type RecordStore interface {
	Read(ctx context.Context, id int64) (domain.ForecastRecord, error)
	Update(ctx context.Context, id int64, record domain.ForecastRecord) error
	Delete(ctx context.Context, id int64) error
	Exists(ctx context.Context, id int64) (bool, error)
}

// FetcherFactory returns a fresh metadata and image fetcher pair for a new download task.
type FetcherFactory func() (metadata Fetcher, image Fetcher)

// ForecastService owns one DownloadTask per location profile and keeps the stored forecast of
// every profile in sync with the latest finished download.
type ForecastService struct {
	profiles    ProfileRepository
	records     RecordStore
	sources     ModelSourceProvider
	newFetchers FetcherFactory

	freshness domain.Freshness
	recorder  DownloadRecorder
	logger    *slog.Logger
	nowFn     func() time.Time
	baseCtx   context.Context

	mu        sync.Mutex
	tasks     map[int64]*DownloadTask
	onDeleted []func(ctx context.Context, profileID int64)
}

// ForecastServiceOption configures a ForecastService.
type ForecastServiceOption func(*ForecastService)

// WithServiceLogger overrides the service logger.
func WithServiceLogger(logger *slog.Logger) ForecastServiceOption {
	return func(s *ForecastService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithFreshness sets the staleness window used to classify cached forecasts.
func WithFreshness(freshness domain.Freshness) ForecastServiceOption {
	return func(s *ForecastService) {
		s.freshness = freshness
	}
}

// WithServiceClock overrides the clock used for availability checks.
func WithServiceClock(nowFn func() time.Time) ForecastServiceOption {
	return func(s *ForecastService) {
		if nowFn != nil {
			s.nowFn = nowFn
		}
	}
}

// WithServiceRecorder registers the metrics recorder handed to every download task.
func WithServiceRecorder(recorder DownloadRecorder) ForecastServiceOption {
	return func(s *ForecastService) {
		if recorder != nil {
			s.recorder = recorder
		}
	}
}

// WithBaseContext sets the context background downloads are bound to. Cancelling it stops them.
func WithBaseContext(ctx context.Context) ForecastServiceOption {
	return func(s *ForecastService) {
		if ctx != nil {
			s.baseCtx = ctx
		}
	}
}

// NewForecastService wires the profile repository, the record store, the model configuration
// and the fetcher factory together.
func NewForecastService(
	profiles ProfileRepository,
	records RecordStore,
	sources ModelSourceProvider,
	newFetchers FetcherFactory,
	opts ...ForecastServiceOption,
) *ForecastService {
	service := &ForecastService{
		profiles:    profiles,
		records:     records,
		sources:     sources,
		newFetchers: newFetchers,
		freshness:   domain.NewFreshness(domain.DefaultFreshnessWindow),
		recorder:    noopRecorder{},
		logger:      slog.Default(),
		nowFn:       time.Now,
		baseCtx:     context.Background(),
		tasks:       make(map[int64]*DownloadTask),
	}

	for _, opt := range opts {
		opt(service)
	}

	return service
}

// Freshness returns the comparator used to classify cached forecasts.
func (s *ForecastService) Freshness() domain.Freshness {
	return s.freshness
}

// ListProfiles returns every stored profile.
func (s *ForecastService) ListProfiles(ctx context.Context) ([]domain.LocationProfile, error) {
	return s.profiles.ListProfiles(ctx)
}

// GetProfile returns the profile stored under id.
func (s *ForecastService) GetProfile(ctx context.Context, id int64) (domain.LocationProfile, error) {
	return s.profiles.GetProfile(ctx, id)
}

// FindProfile returns the profile with the given name.
func (s *ForecastService) FindProfile(ctx context.Context, name string) (domain.LocationProfile, error) {
	return s.profiles.FindProfileByName(ctx, strings.TrimSpace(name))
}

// CreateProfile validates and stores a new profile.
func (s *ForecastService) CreateProfile(
	ctx context.Context,
	name string,
	x, y int32,
	kind domain.ModelKind,
) (domain.LocationProfile, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.LocationProfile{}, fmt.Errorf("%w: name is required", domain.ErrInvalidProfile)
	}
	if !kind.Valid() {
		return domain.LocationProfile{}, fmt.Errorf("%w: unsupported model kind %d", domain.ErrInvalidProfile, int(kind))
	}
	if x < 0 || y < 0 {
		return domain.LocationProfile{}, fmt.Errorf("%w: grid coordinates must not be negative", domain.ErrInvalidProfile)
	}

	return s.profiles.CreateProfile(ctx, domain.LocationProfile{
		Name:      name,
		X:         x,
		Y:         y,
		ModelKind: kind,
	})
}

// DeleteProfile cancels any running download, removes the stored forecast and then the profile.
func (s *ForecastService) DeleteProfile(ctx context.Context, id int64) error {
	s.mu.Lock()
	task := s.tasks[id]
	delete(s.tasks, id)
	s.mu.Unlock()

	if task != nil {
		task.Cancel()
	}

	if err := s.records.Delete(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("delete stored forecast of profile %d: %w", id, err)
	}

	if err := s.profiles.DeleteProfile(ctx, id); err != nil {
		return err
	}

	s.mu.Lock()
	hooks := append([]func(context.Context, int64){}, s.onDeleted...)
	s.mu.Unlock()

	for _, hook := range hooks {
		hook(ctx, id)
	}
	return nil
}

// OnProfileDeleted registers hook to run after a profile and its stored forecast are removed.
func (s *ForecastService) OnProfileDeleted(hook func(ctx context.Context, profileID int64)) {
	if hook == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDeleted = append(s.onDeleted, hook)
}

// StartDownload starts a background download for the profile unless one is already running.
// The returned task can be observed with AddListener or awaited with Wait.
func (s *ForecastService) StartDownload(ctx context.Context, profileID int64) (*DownloadTask, error) {
	profile, err := s.profiles.GetProfile(ctx, profileID)
	if err != nil {
		return nil, err
	}

	task := s.taskFor(profile)
	task.reset(profile)
	if task.Start(s.baseCtx) {
		s.logger.Debug("download scheduled", slog.Int64("profile_id", profileID))
	}

	return task, nil
}

// Cancel stops the running download of a profile and reports whether one was running.
func (s *ForecastService) Cancel(profileID int64) bool {
	task := s.existingTask(profileID)
	if task == nil {
		return false
	}
	return task.Cancel()
}

// Task returns the download task of a profile, if one was created.
func (s *ForecastService) Task(profileID int64) (*DownloadTask, bool) {
	task := s.existingTask(profileID)
	return task, task != nil
}

// AddListener registers listener on the download task of the profile, creating the task if needed.
func (s *ForecastService) AddListener(ctx context.Context, profileID int64, listener TaskListener) (ListenerID, error) {
	task := s.existingTask(profileID)
	if task == nil {
		profile, err := s.profiles.GetProfile(ctx, profileID)
		if err != nil {
			return 0, err
		}
		task = s.taskFor(profile)
	}
	return task.AddListener(listener), nil
}

// RemoveListener unregisters a listener from the download task of the profile.
func (s *ForecastService) RemoveListener(profileID int64, id ListenerID) bool {
	task := s.existingTask(profileID)
	if task == nil {
		return false
	}
	return task.RemoveListener(id)
}

// CachedRecord returns the latest forecast of the profile: the record held by its download task
// if one is newer than the stored one, otherwise the stored record. A stored record that cannot
// be reassembled counts as missing, so the next download replaces it.
func (s *ForecastService) CachedRecord(ctx context.Context, profileID int64) (domain.ForecastRecord, error) {
	var inMemory *domain.ForecastRecord
	if task := s.existingTask(profileID); task != nil {
		inMemory = task.Profile().CachedRecord
	}

	stored, err := s.records.Read(ctx, profileID)
	switch {
	case err == nil:
		if inMemory != nil && inMemory.ModelStart().After(stored.ModelStart()) {
			return *inMemory, nil
		}
		return stored, nil
	case errors.Is(err, domain.ErrNotFound) && inMemory != nil:
		return *inMemory, nil
	case errors.Is(err, domain.ErrCorruptRecord) && inMemory == nil:
		s.logger.Warn(
			"stored forecast is corrupt, treating it as missing",
			slog.Int64("profile_id", profileID),
			slog.Any("error", err),
		)
		return domain.ForecastRecord{}, fmt.Errorf("%w: %w", domain.ErrNotFound, err)
	case inMemory != nil:
		s.logger.Warn(
			"stored forecast unreadable, serving in-memory copy",
			slog.Int64("profile_id", profileID),
			slog.Any("error", err),
		)
		return *inMemory, nil
	default:
		return domain.ForecastRecord{}, err
	}
}

// Availability classifies the cached forecast of the profile relative to now.
func (s *ForecastService) Availability(ctx context.Context, profileID int64, now time.Time) (domain.Availability, error) {
	record, err := s.CachedRecord(ctx, profileID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.AvailabilityNotAvailable, nil
	}
	if err != nil {
		return "", err
	}
	return s.freshness.Classify(&record, now), nil
}

// EnsureFresh returns the cached forecast when it is still within the freshness window and
// downloads a new one otherwise.
func (s *ForecastService) EnsureFresh(ctx context.Context, profileID int64) (domain.ForecastRecord, error) {
	availability, err := s.Availability(ctx, profileID, s.nowFn())
	if err != nil {
		return domain.ForecastRecord{}, err
	}
	if availability == domain.AvailabilityAvailable {
		return s.CachedRecord(ctx, profileID)
	}

	task, err := s.StartDownload(ctx, profileID)
	if err != nil {
		return domain.ForecastRecord{}, err
	}
	return task.Wait(ctx)
}

// FlushDirty retries persisting records whose earlier store attempt failed.
func (s *ForecastService) FlushDirty(ctx context.Context) error {
	s.mu.Lock()
	tasks := make([]*DownloadTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task)
	}
	s.mu.Unlock()

	var errs []error
	for _, task := range tasks {
		if task.Running() {
			continue
		}
		profile := task.Profile()
		if !profile.Dirty || profile.CachedRecord == nil {
			continue
		}
		if err := s.StoreRecord(ctx, profile); err != nil {
			errs = append(errs, err)
			continue
		}
		task.markClean(profile.CachedRecord)
	}
	return errors.Join(errs...)
}

// StoreRecord replaces the stored forecast of profile with its cached record. The profile stays
// marked dirty in the repository until the record has been written.
func (s *ForecastService) StoreRecord(ctx context.Context, profile domain.LocationProfile) error {
	if profile.CachedRecord == nil {
		return fmt.Errorf("%w: profile %d has no record to store", domain.ErrInvariantViolation, profile.ID)
	}
	if !profile.HasID() {
		return fmt.Errorf("%w: profile has no id", domain.ErrInvariantViolation)
	}

	if err := s.profiles.SetDirty(ctx, profile.ID, true); err != nil {
		return fmt.Errorf("mark profile %d dirty: %w", profile.ID, err)
	}
	if err := s.records.Update(ctx, profile.ID, *profile.CachedRecord); err != nil {
		return fmt.Errorf("store forecast of profile %d: %w", profile.ID, err)
	}
	if err := s.profiles.SetDirty(ctx, profile.ID, false); err != nil {
		return fmt.Errorf("mark profile %d clean: %w", profile.ID, err)
	}
	return nil
}

// Shutdown cancels every running download. Returns the number of cancelled downloads.
func (s *ForecastService) Shutdown() int {
	s.mu.Lock()
	tasks := make([]*DownloadTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task)
	}
	s.mu.Unlock()

	cancelled := 0
	for _, task := range tasks {
		if task.Cancel() {
			cancelled++
		}
	}
	return cancelled
}

func (s *ForecastService) existingTask(profileID int64) *DownloadTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[profileID]
}

func (s *ForecastService) taskFor(profile domain.LocationProfile) *DownloadTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task, ok := s.tasks[profile.ID]; ok {
		return task
	}

	var metadata, image Fetcher
	if s.newFetchers != nil {
		metadata, image = s.newFetchers()
	}

	task := NewDownloadTask(
		profile,
		s.sources,
		metadata,
		image,
		WithTaskLogger(s.logger),
		WithRecordSink(s),
		WithDownloadRecorder(s.recorder),
	)
	s.tasks[profile.ID] = task
	return task
}
