package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sglre6355/meteogram/internal/domain"
)

// Fetcher streams one resource into memory while reporting 0-100 progress.
type Fetcher interface {
	Fetch(ctx context.Context, url string, sizeHint int64, onProgress func(int)) ([]byte, error)
	// Cancel stops the current Fetch, or the next one if none is in progress, until Reset.
	Cancel()
	Reset()
}

// ModelSourceProvider resolves where the forecast of a model kind is published.
type ModelSourceProvider interface {
	ModelSource(kind domain.ModelKind) (domain.ModelSource, error)
}

// RecordSink persists a profile whose cached record has just been replaced.
type RecordSink interface {
	StoreRecord(ctx context.Context, profile domain.LocationProfile) error
}

// DownloadRecorder observes completed download runs.
type DownloadRecorder interface {
	ObserveDownload(model string, status DownloadStatus, elapsed time.Duration)
}

// TaskState is the lifecycle position of a DownloadTask.
type TaskState int

const (
	TaskNotStarted TaskState = iota
	TaskRunning
	TaskFinished
	TaskCancelled
)

func (s TaskState) String() string {
	switch s {
	case TaskNotStarted:
		return "not_started"
	case TaskRunning:
		return "running"
	case TaskFinished:
		return "finished"
	case TaskCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DownloadStatus is the outcome label attached to metrics.
type DownloadStatus string

const (
	DownloadStatusFinished  DownloadStatus = "finished"
	DownloadStatusCancelled DownloadStatus = "cancelled"
	DownloadStatusFailed    DownloadStatus = "failed"
)

// EventKind identifies a task notification.
type EventKind int

const (
	EventStarted EventKind = iota
	EventProgress
	EventFinished
	EventCancelled
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventProgress:
		return "progress"
	case EventFinished:
		return "finished"
	case EventCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// TaskEvent is delivered to listeners. Err is set on EventCancelled and wraps the cause of the
// stop: domain.ErrCancelled for a requested cancellation, or the failure that ended the run.
type TaskEvent struct {
	Kind      EventKind
	RunID     uuid.UUID
	ProfileID int64
	Progress  int
	Err       error
}

// TaskListener receives task notifications on the worker goroutine.
type TaskListener func(TaskEvent)

// ListenerID identifies a registered listener.
type ListenerID uint64

// TaskSnapshot is a point-in-time view of a task.
type TaskSnapshot struct {
	ProfileID int64
	RunID     uuid.UUID
	State     TaskState
	Progress  int
	Err       error
}

type taskRun struct {
	id      uuid.UUID
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time

	// set before done is closed
	record domain.ForecastRecord
	err    error
}

// DownloadTask downloads the metadata and image of one location profile and reports a single
// weighted progress for both. Concurrent Run calls join the in-flight run.
type DownloadTask struct {
	metadata Fetcher
	image    Fetcher
	sources  ModelSourceProvider
	sink     RecordSink
	recorder DownloadRecorder
	logger   *slog.Logger
	nowFn    func() time.Time

	mu      sync.Mutex
	profile domain.LocationProfile
	state   TaskState
	current *taskRun
	active  Fetcher

	cancelled atomic.Bool
	progress  atomic.Int32

	listenersMu  sync.Mutex
	listeners    map[ListenerID]*listenerEntry
	nextListener ListenerID
}

// listenerEntry serializes deliveries to one listener so that a catch-up event and the events
// emitted by the worker reach it in non-decreasing progress order.
type listenerEntry struct {
	listener TaskListener

	mu        sync.Mutex
	delivered bool
	runID     uuid.UUID
	progress  int
}

// deliver hands event to the listener. A catch-up event is dropped once anything else has been
// delivered; progress events that do not advance the current run are dropped as well.
func (e *listenerEntry) deliver(event TaskEvent, catchUp bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if catchUp && e.delivered {
		return
	}
	if event.Kind == EventProgress && e.delivered && event.RunID == e.runID && event.Progress <= e.progress {
		return
	}

	e.delivered = true
	e.runID = event.RunID
	e.progress = event.Progress
	e.listener(event)
}

// DownloadTaskOption configures a DownloadTask.
type DownloadTaskOption func(*DownloadTask)

// WithTaskLogger overrides the task logger.
func WithTaskLogger(logger *slog.Logger) DownloadTaskOption {
	return func(t *DownloadTask) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithRecordSink persists the profile after a successful run, before Finished is emitted.
func WithRecordSink(sink RecordSink) DownloadTaskOption {
	return func(t *DownloadTask) {
		t.sink = sink
	}
}

// WithDownloadRecorder registers a metrics recorder.
func WithDownloadRecorder(recorder DownloadRecorder) DownloadTaskOption {
	return func(t *DownloadTask) {
		if recorder != nil {
			t.recorder = recorder
		}
	}
}

// WithTaskClock overrides the clock used for run durations.
func WithTaskClock(nowFn func() time.Time) DownloadTaskOption {
	return func(t *DownloadTask) {
		if nowFn != nil {
			t.nowFn = nowFn
		}
	}
}

// NewDownloadTask builds a task for profile. The fetchers are owned by the task.
func NewDownloadTask(
	profile domain.LocationProfile,
	sources ModelSourceProvider,
	metadata, image Fetcher,
	opts ...DownloadTaskOption,
) *DownloadTask {
	task := &DownloadTask{
		metadata:  metadata,
		image:     image,
		sources:   sources,
		recorder:  noopRecorder{},
		logger:    slog.Default(),
		nowFn:     time.Now,
		profile:   profile,
		listeners: make(map[ListenerID]*listenerEntry),
	}
	task.progress.Store(progressNotStarted)

	for _, opt := range opts {
		opt(task)
	}

	return task
}

// Profile returns a copy of the profile including the latest record written by a run.
func (t *DownloadTask) Profile() domain.LocationProfile {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.profile
}

// Snapshot returns the current state and progress.
func (t *DownloadTask) Snapshot() TaskSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snapshot := TaskSnapshot{
		ProfileID: t.profile.ID,
		State:     t.state,
		Progress:  int(t.progress.Load()),
	}
	if t.current != nil {
		snapshot.RunID = t.current.id
		if t.state != TaskRunning {
			snapshot.Err = t.current.err
		}
	}
	return snapshot
}

// Progress returns -1 before the first run, otherwise the last reported global progress.
func (t *DownloadTask) Progress() int {
	return int(t.progress.Load())
}

// Running reports whether a run is in flight.
func (t *DownloadTask) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == TaskRunning
}

// AddListener registers listener. A listener added while a run is in flight immediately receives
// a progress event carrying the current progress. Listeners may add or remove listeners, including
// themselves, from within any invocation.
func (t *DownloadTask) AddListener(listener TaskListener) ListenerID {
	if listener == nil {
		return 0
	}

	entry := &listenerEntry{listener: listener}

	t.listenersMu.Lock()
	t.nextListener++
	id := t.nextListener
	t.listeners[id] = entry

	// Read the run state while registration and emit snapshots are still ordered, so a listener
	// that sees a running task is part of the snapshot of the terminal event.
	t.mu.Lock()
	running := t.state == TaskRunning
	var runID uuid.UUID
	if t.current != nil {
		runID = t.current.id
	}
	profileID := t.profile.ID
	t.mu.Unlock()
	progress := int(t.progress.Load())
	t.listenersMu.Unlock()

	if running {
		entry.deliver(TaskEvent{
			Kind:      EventProgress,
			RunID:     runID,
			ProfileID: profileID,
			Progress:  progress,
		}, true)
	}

	return id
}

// RemoveListener unregisters a listener and reports whether it was registered.
func (t *DownloadTask) RemoveListener(id ListenerID) bool {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()

	if _, ok := t.listeners[id]; !ok {
		return false
	}
	delete(t.listeners, id)
	return true
}

// Run downloads the forecast of the task's profile. If a run is already in flight, Run waits
// for it and returns its outcome; a waiter whose ctx ends first gets ctx.Err() and leaves the
// run untouched. Cancelling ctx of the owning call cancels the run.
func (t *DownloadTask) Run(ctx context.Context) (domain.ForecastRecord, error) {
	run, owner := t.begin(ctx)
	if !owner {
		return t.wait(ctx, run)
	}
	return t.execute(run)
}

// Start launches a run in the background and reports whether a new run was started. The run
// is bound to ctx, not to the lifetime of the caller.
func (t *DownloadTask) Start(ctx context.Context) bool {
	run, owner := t.begin(ctx)
	if !owner {
		return false
	}
	go func() {
		_, _ = t.execute(run)
	}()
	return true
}

// Wait blocks until the in-flight or most recent run completes and returns its outcome.
func (t *DownloadTask) Wait(ctx context.Context) (domain.ForecastRecord, error) {
	t.mu.Lock()
	run := t.current
	t.mu.Unlock()

	if run == nil {
		return domain.ForecastRecord{}, fmt.Errorf("%w: download task has never run", domain.ErrNotFound)
	}
	return t.wait(ctx, run)
}

// Cancel requests the in-flight run to stop and reports whether one was running. The active
// fetcher is told to stop and its blocked read is interrupted through the run context.
func (t *DownloadTask) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != TaskRunning {
		return false
	}

	t.cancelled.Store(true)
	if t.active != nil {
		t.active.Cancel()
	}
	if t.current != nil && t.current.cancel != nil {
		t.current.cancel()
	}
	return true
}

// reset replaces the profile used by the next run. It is ignored while a run is in flight.
func (t *DownloadTask) reset(profile domain.LocationProfile) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == TaskRunning {
		return false
	}
	if profile.CachedRecord == nil && profile.ID == t.profile.ID {
		profile.CachedRecord = t.profile.CachedRecord
		profile.Dirty = profile.Dirty || t.profile.Dirty
	}
	t.profile = profile
	return true
}

func (t *DownloadTask) begin(ctx context.Context) (*taskRun, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == TaskRunning {
		return t.current, false
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &taskRun{
		id:      uuid.New(),
		ctx:     runCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
		started: t.nowFn(),
	}
	t.current = run
	t.state = TaskRunning
	t.active = nil
	t.cancelled.Store(false)
	t.progress.Store(0)
	for _, fetcher := range []Fetcher{t.metadata, t.image} {
		if fetcher != nil {
			fetcher.Reset()
		}
	}

	return run, true
}

func (t *DownloadTask) wait(ctx context.Context, run *taskRun) (domain.ForecastRecord, error) {
	select {
	case <-run.done:
		return run.record, run.err
	case <-ctx.Done():
		return domain.ForecastRecord{}, ctx.Err()
	}
}

func (t *DownloadTask) execute(run *taskRun) (domain.ForecastRecord, error) {
	defer run.cancel()

	t.mu.Lock()
	profile := t.profile
	t.mu.Unlock()

	logger := t.logger.With(
		slog.String("run_id", run.id.String()),
		slog.Int64("profile_id", profile.ID),
		slog.String("model", profile.ModelKind.String()),
	)
	logger.Debug("download started")
	t.emit(TaskEvent{Kind: EventStarted, Progress: 0}, run)

	record, err := t.pipeline(run, profile)
	if err == nil {
		t.persist(run.ctx, logger)
	}

	t.finish(run, record, err, logger)
	return record, err
}

func (t *DownloadTask) pipeline(run *taskRun, profile domain.LocationProfile) (domain.ForecastRecord, error) {
	ctx := run.ctx

	if err := t.checkpoint(ctx); err != nil {
		return domain.ForecastRecord{}, err
	}

	if t.sources == nil {
		return domain.ForecastRecord{}, fmt.Errorf("%w: no model source provider", domain.ErrInvariantViolation)
	}
	if t.metadata == nil || t.image == nil {
		return domain.ForecastRecord{}, fmt.Errorf("%w: download task is missing a fetcher", domain.ErrInvariantViolation)
	}

	source, err := t.sources.ModelSource(profile.ModelKind)
	if err != nil {
		return domain.ForecastRecord{}, fmt.Errorf("resolve %s source: %w", profile.ModelKind, err)
	}

	metadataSlice := metadataPhase(t.Progress())
	metadata, err := t.fetchPhase(run, t.metadata, source.MetadataURL, source.MetadataEstimate, metadataSlice)
	if err != nil {
		return domain.ForecastRecord{}, fmt.Errorf("fetch metadata: %w", err)
	}
	if err := t.checkpoint(ctx); err != nil {
		return domain.ForecastRecord{}, err
	}

	token, err := domain.ExtractDateToken(string(metadata), source.Markers)
	if err != nil {
		return domain.ForecastRecord{}, err
	}
	modelStart, err := domain.ParseDateToken(token)
	if err != nil {
		return domain.ForecastRecord{}, err
	}
	t.advance(run, metadataSlice.end()+parseCost)

	if err := t.checkpoint(ctx); err != nil {
		return domain.ForecastRecord{}, err
	}

	imageURL, err := source.ImageURLFor(token, profile.X, profile.Y)
	if err != nil {
		return domain.ForecastRecord{}, err
	}

	imageSlice := imagePhase(t.Progress())
	payload, err := t.fetchPhase(run, t.image, imageURL, source.ImageEstimate, imageSlice)
	if err != nil {
		return domain.ForecastRecord{}, fmt.Errorf("fetch image: %w", err)
	}
	if err := t.checkpoint(ctx); err != nil {
		return domain.ForecastRecord{}, err
	}

	record, err := domain.NewForecastRecord(modelStart, payload)
	if err != nil {
		return domain.ForecastRecord{}, err
	}

	t.mu.Lock()
	t.profile.AttachRecord(record)
	t.mu.Unlock()
	t.advance(run, progressComplete)

	return record, nil
}

func (t *DownloadTask) fetchPhase(
	run *taskRun,
	fetcher Fetcher,
	url string,
	sizeHint int64,
	slice phase,
) ([]byte, error) {
	t.mu.Lock()
	t.active = fetcher
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.active = nil
		t.mu.Unlock()
	}()

	return fetcher.Fetch(run.ctx, url, sizeHint, func(sub int) {
		t.advance(run, slice.absolute(sub))
	})
}

// checkpoint reports a cancellation requested through Cancel or through the run context.
func (t *DownloadTask) checkpoint(ctx context.Context) error {
	if t.cancelled.Load() {
		return fmt.Errorf("%w: cancelled by request", domain.ErrCancelled)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrCancelled, err)
	}
	return nil
}

// advance raises global progress to value. Ties and regressions are dropped.
func (t *DownloadTask) advance(run *taskRun, value int) {
	if value <= t.Progress() {
		return
	}
	t.progress.Store(int32(value))
	t.emit(TaskEvent{Kind: EventProgress, Progress: value}, run)
}

func (t *DownloadTask) persist(ctx context.Context, logger *slog.Logger) {
	if t.sink == nil {
		return
	}

	profile := t.Profile()
	if err := t.sink.StoreRecord(ctx, profile); err != nil {
		logger.Warn("failed to persist forecast record", slog.Any("error", err))
		return
	}

	t.markClean(profile.CachedRecord)
}

// markClean clears the dirty flag if record is still the cached one.
func (t *DownloadTask) markClean(record *domain.ForecastRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.profile.CachedRecord == record {
		t.profile.Dirty = false
	}
}

func (t *DownloadTask) finish(run *taskRun, record domain.ForecastRecord, err error, logger *slog.Logger) {
	status := DownloadStatusFinished
	event := TaskEvent{Kind: EventFinished, Progress: progressComplete}
	state := TaskFinished

	if err != nil {
		state = TaskCancelled
		status = DownloadStatusFailed
		if errors.Is(err, domain.ErrCancelled) {
			status = DownloadStatusCancelled
		}
		if t.cancelled.Load() && !errors.Is(err, domain.ErrCancelled) {
			err = fmt.Errorf("%w: %w", domain.ErrCancelled, err)
			status = DownloadStatusCancelled
		}
		event = TaskEvent{Kind: EventCancelled, Progress: t.Progress(), Err: err}
		record = domain.ForecastRecord{}
	}

	run.record = record
	run.err = err

	t.mu.Lock()
	t.state = state
	t.active = nil
	t.mu.Unlock()

	elapsed := t.nowFn().Sub(run.started)
	t.recorder.ObserveDownload(t.Profile().ModelKind.String(), status, elapsed)

	switch {
	case err == nil:
		logger.Info("download finished", slog.Duration("elapsed", elapsed))
	case domain.IsFatal(err):
		logger.Error("download aborted", slog.Any("error", err))
	case status == DownloadStatusCancelled:
		logger.Info("download cancelled", slog.Any("error", err))
	default:
		logger.Warn("download failed", slog.Any("error", err))
	}

	t.emit(event, run)
	close(run.done)
}

func (t *DownloadTask) emit(event TaskEvent, run *taskRun) {
	event.RunID = run.id
	event.ProfileID = t.Profile().ID

	t.listenersMu.Lock()
	snapshot := make([]*listenerEntry, 0, len(t.listeners))
	for _, entry := range t.listeners {
		snapshot = append(snapshot, entry)
	}
	t.listenersMu.Unlock()

	for _, entry := range snapshot {
		entry.deliver(event, false)
	}
}

type noopRecorder struct{}

func (noopRecorder) ObserveDownload(string, DownloadStatus, time.Duration) {}
