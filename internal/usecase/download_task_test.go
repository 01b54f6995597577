package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sglre6355/meteogram/internal/domain"
)

const testMetadata = "header var Y=2024 var M=03 var D=21 var H=06 footer"

type stubSources struct {
	source domain.ModelSource
	err    error
}

func (s stubSources) ModelSource(kind domain.ModelKind) (domain.ModelSource, error) {
	if s.err != nil {
		return domain.ModelSource{}, s.err
	}
	source := s.source
	source.Kind = kind
	return source, nil
}

func testSources() stubSources {
	return stubSources{source: domain.ModelSource{
		MetadataURL: "https://example.com/info",
		Markers:     domain.DateMarkers{Year: "var Y=", Month: "var M=", Day: "var D=", Hour: "var H="},
		ImageURL:    "https://example.com/mgram",
	}}
}

// scriptedFetcher reports the given ticks and returns data. When gate is set it blocks after the
// ticks until gate is closed or the context ends.
type scriptedFetcher struct {
	ticks []int
	data  []byte
	err   error
	gate  chan struct{}
	// reached is closed once all ticks have been reported.
	reached chan struct{}

	mu        sync.Mutex
	urls      []string
	cancelled bool
	resets    int
}

func (f *scriptedFetcher) Fetch(ctx context.Context, url string, _ int64, onProgress func(int)) ([]byte, error) {
	f.mu.Lock()
	f.urls = append(f.urls, url)
	f.mu.Unlock()

	for _, tick := range f.ticks {
		onProgress(tick)
	}
	if f.reached != nil {
		close(f.reached)
	}

	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err())
		}
	}

	if f.err != nil {
		return nil, f.err
	}
	return f.data, nil
}

func (f *scriptedFetcher) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = true
}

func (f *scriptedFetcher) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = false
	f.resets++
}

func (f *scriptedFetcher) wasCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

type eventLog struct {
	mu     sync.Mutex
	events []TaskEvent
}

func (l *eventLog) listen(event TaskEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) all() []TaskEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]TaskEvent(nil), l.events...)
}

type recordedDownload struct {
	model  string
	status DownloadStatus
}

type fakeRecorder struct {
	mu   sync.Mutex
	runs []recordedDownload
}

func (r *fakeRecorder) ObserveDownload(model string, status DownloadStatus, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, recordedDownload{model: model, status: status})
}

func testProfile() domain.LocationProfile {
	return domain.LocationProfile{ID: 7, Name: "Gdansk", X: 210, Y: 346, ModelKind: domain.ModelUM}
}

func TestPhaseMapping(t *testing.T) {
	assert.Equal(t, 54, newPhase(9, 90).absolute(50))
	assert.Equal(t, 8, metadataPhase(0).end())
	assert.Equal(t, phase{start: 9, budget: 90}, imagePhase(9))
	assert.Equal(t, 4, metadataPhase(0).absolute(50))

	for start := 0; start <= 100; start += 7 {
		for budget := 0; budget <= 100-start; budget += 9 {
			p := newPhase(start, budget)
			previous := p.absolute(0)
			assert.Equal(t, start, previous)
			for sub := 1; sub <= 100; sub++ {
				current := p.absolute(sub)
				assert.GreaterOrEqual(t, current, previous, "start=%d budget=%d sub=%d", start, budget, sub)
				assert.LessOrEqual(t, current, start+budget)
				previous = current
			}
		}
	}
}

func TestDownloadTaskRunSucceeds(t *testing.T) {
	metadata := &scriptedFetcher{ticks: []int{10, 50, 100}, data: []byte(testMetadata)}
	image := &scriptedFetcher{ticks: []int{5, 50, 50, 40, 100}, data: []byte("png-bytes")}
	recorder := &fakeRecorder{}

	task := NewDownloadTask(testProfile(), testSources(), metadata, image, WithDownloadRecorder(recorder))
	assert.Equal(t, -1, task.Progress())

	var log eventLog
	task.AddListener(log.listen)

	record, err := task.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 21, 6, 0, 0, 0, time.UTC), record.ModelStart())
	assert.Equal(t, []byte("png-bytes"), record.Payload())

	require.Len(t, image.urls, 1)
	assert.Contains(t, image.urls[0], "fdate=2024032106")
	assert.Contains(t, image.urls[0], "col=210")
	assert.Contains(t, image.urls[0], "row=346")

	events := log.all()
	require.NotEmpty(t, events)
	assert.Equal(t, EventStarted, events[0].Kind)
	assert.Equal(t, EventFinished, events[len(events)-1].Kind)

	var progress []int
	for _, event := range events {
		if event.Kind == EventProgress {
			progress = append(progress, event.Progress)
		}
	}
	assert.Equal(t, []int{4, 8, 9, 13, 54, 99, 100}, progress)

	profile := task.Profile()
	require.NotNil(t, profile.CachedRecord)
	assert.True(t, profile.Dirty)
	assert.Equal(t, TaskFinished, task.Snapshot().State)
	assert.Equal(t, []recordedDownload{{model: "um", status: DownloadStatusFinished}}, recorder.runs)
}

func TestDownloadTaskLateListenerCatchesUp(t *testing.T) {
	metadata := &scriptedFetcher{ticks: []int{100}, data: []byte(testMetadata)}
	image := &scriptedFetcher{
		ticks:   []int{37},
		data:    []byte("png"),
		gate:    make(chan struct{}),
		reached: make(chan struct{}),
	}
	task := NewDownloadTask(testProfile(), testSources(), metadata, image)

	done := make(chan error, 1)
	go func() {
		_, err := task.Run(context.Background())
		done <- err
	}()

	<-image.reached
	// 9 + floor(90*37/100) = 42
	require.Equal(t, 42, task.Progress())

	var log eventLog
	task.AddListener(log.listen)
	events := log.all()
	require.Len(t, events, 1)
	assert.Equal(t, EventProgress, events[0].Kind)
	assert.Equal(t, 42, events[0].Progress)

	close(image.gate)
	require.NoError(t, <-done)

	events = log.all()
	for i := 1; i < len(events); i++ {
		assert.GreaterOrEqual(t, events[i].Progress, events[i-1].Progress)
	}
	assert.Equal(t, EventFinished, events[len(events)-1].Kind)
}

func TestDownloadTaskCancel(t *testing.T) {
	metadata := &scriptedFetcher{ticks: []int{100}, data: []byte(testMetadata)}
	image := &scriptedFetcher{
		ticks:   []int{20},
		data:    []byte("png"),
		gate:    make(chan struct{}),
		reached: make(chan struct{}),
	}
	recorder := &fakeRecorder{}
	task := NewDownloadTask(testProfile(), testSources(), metadata, image, WithDownloadRecorder(recorder))

	var log eventLog
	task.AddListener(log.listen)

	assert.False(t, task.Cancel(), "nothing to cancel before the first run")

	done := make(chan error, 1)
	go func() {
		_, err := task.Run(context.Background())
		done <- err
	}()

	<-image.reached
	assert.True(t, task.Cancel())

	err := <-done
	require.ErrorIs(t, err, domain.ErrCancelled)
	assert.False(t, domain.IsFatal(err))
	assert.True(t, image.wasCancelled())

	events := log.all()
	last := events[len(events)-1]
	assert.Equal(t, EventCancelled, last.Kind)
	assert.ErrorIs(t, last.Err, domain.ErrCancelled)

	assert.Nil(t, task.Profile().CachedRecord)
	assert.Equal(t, TaskCancelled, task.Snapshot().State)
	assert.False(t, task.Cancel())
	assert.Equal(t, DownloadStatusCancelled, recorder.runs[0].status)
}

func TestDownloadTaskConcurrentRunJoins(t *testing.T) {
	metadata := &scriptedFetcher{ticks: []int{100}, data: []byte(testMetadata)}
	image := &scriptedFetcher{
		ticks:   []int{50},
		data:    []byte("png"),
		gate:    make(chan struct{}),
		reached: make(chan struct{}),
	}
	task := NewDownloadTask(testProfile(), testSources(), metadata, image)

	first := make(chan domain.ForecastRecord, 1)
	go func() {
		record, err := task.Run(context.Background())
		assert.NoError(t, err)
		first <- record
	}()
	<-image.reached

	run, owner := task.begin(context.Background())
	require.False(t, owner, "a second run must join the in-flight one")

	second := make(chan domain.ForecastRecord, 1)
	go func() {
		record, err := task.wait(context.Background(), run)
		assert.NoError(t, err)
		second <- record
	}()

	waiterCtx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := task.Run(waiterCtx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, task.Running(), "an abandoned waiter must not stop the run")

	close(image.gate)
	a, b := <-first, <-second
	assert.Equal(t, a, b)
	assert.Len(t, metadata.urls, 1, "joined run must not fetch twice")
}

func TestDownloadTaskConfigurationErrorIsFatal(t *testing.T) {
	metadata := &scriptedFetcher{data: []byte(testMetadata)}
	image := &scriptedFetcher{data: []byte("png")}
	sources := stubSources{err: fmt.Errorf("%w: key %q", domain.ErrMissingConfiguration, "um.image.url")}
	task := NewDownloadTask(testProfile(), sources, metadata, image)

	var log eventLog
	task.AddListener(log.listen)

	_, err := task.Run(context.Background())
	require.ErrorIs(t, err, domain.ErrMissingConfiguration)
	assert.True(t, domain.IsFatal(err))

	events := log.all()
	last := events[len(events)-1]
	assert.Equal(t, EventCancelled, last.Kind)
	assert.ErrorIs(t, last.Err, domain.ErrMissingConfiguration)
	assert.Empty(t, metadata.urls)
}

func TestDownloadTaskMissingFetcherIsInvariantViolation(t *testing.T) {
	task := NewDownloadTask(testProfile(), testSources(), nil, &scriptedFetcher{})

	_, err := task.Run(context.Background())
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)
}

func TestDownloadTaskParseFailure(t *testing.T) {
	metadata := &scriptedFetcher{ticks: []int{100}, data: []byte("maintenance page")}
	image := &scriptedFetcher{data: []byte("png")}
	task := NewDownloadTask(testProfile(), testSources(), metadata, image)

	_, err := task.Run(context.Background())
	require.ErrorIs(t, err, domain.ErrParseFailure)
	assert.False(t, domain.IsFatal(err))
	assert.Empty(t, image.urls)
	assert.Equal(t, 8, task.Progress())
}

func TestDownloadTaskNetworkFailureKeepsPreviousRecord(t *testing.T) {
	previous, err := domain.NewForecastRecord(time.Date(2024, 3, 20, 18, 0, 0, 0, time.UTC), []byte("old"))
	require.NoError(t, err)

	profile := testProfile()
	profile.CachedRecord = &previous

	metadata := &scriptedFetcher{ticks: []int{100}, data: []byte(testMetadata)}
	image := &scriptedFetcher{err: fmt.Errorf("%w: connection reset", domain.ErrNetworkFailure)}
	task := NewDownloadTask(profile, testSources(), metadata, image)

	_, err = task.Run(context.Background())
	require.ErrorIs(t, err, domain.ErrNetworkFailure)
	require.NotNil(t, task.Profile().CachedRecord)
	assert.Equal(t, previous, *task.Profile().CachedRecord)
}

type failingSink struct{ err error }

func (s failingSink) StoreRecord(context.Context, domain.LocationProfile) error { return s.err }

func TestDownloadTaskSinkFailureLeavesProfileDirty(t *testing.T) {
	metadata := &scriptedFetcher{ticks: []int{100}, data: []byte(testMetadata)}
	image := &scriptedFetcher{ticks: []int{100}, data: []byte("png")}
	task := NewDownloadTask(
		testProfile(),
		testSources(),
		metadata,
		image,
		WithRecordSink(failingSink{err: errors.New("disk full")}),
	)

	_, err := task.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, task.Profile().Dirty)
}

func TestDownloadTaskListenerMayUnregisterDuringDispatch(t *testing.T) {
	metadata := &scriptedFetcher{ticks: []int{50, 100}, data: []byte(testMetadata)}
	image := &scriptedFetcher{ticks: []int{100}, data: []byte("png")}
	task := NewDownloadTask(testProfile(), testSources(), metadata, image)

	var (
		mu    sync.Mutex
		calls int
		id    ListenerID
	)
	id = task.AddListener(func(TaskEvent) {
		mu.Lock()
		calls++
		mu.Unlock()
		task.RemoveListener(id)
	})

	var log eventLog
	task.AddListener(log.listen)

	_, err := task.Run(context.Background())
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
	assert.Equal(t, EventFinished, log.all()[len(log.all())-1].Kind)
}

func TestDownloadTaskListenerMayChangeListenersDuringCatchUp(t *testing.T) {
	metadata := &scriptedFetcher{ticks: []int{100}, data: []byte(testMetadata)}
	image := &scriptedFetcher{
		ticks:   []int{37},
		data:    []byte("png"),
		gate:    make(chan struct{}),
		reached: make(chan struct{}),
	}
	task := NewDownloadTask(testProfile(), testSources(), metadata, image)

	var early eventLog
	earlyID := task.AddListener(early.listen)

	done := make(chan error, 1)
	go func() {
		_, err := task.Run(context.Background())
		done <- err
	}()
	<-image.reached

	var nested eventLog
	var catchUp eventLog
	added := make(chan struct{})
	go func() {
		defer close(added)
		task.AddListener(func(event TaskEvent) {
			catchUp.listen(event)
			if len(catchUp.all()) == 1 {
				task.RemoveListener(earlyID)
				task.AddListener(nested.listen)
			}
		})
	}()

	select {
	case <-added:
	case <-time.After(2 * time.Second):
		t.Fatal("AddListener blocked while the new listener changed the listener set")
	}

	require.NotEmpty(t, nested.all())
	assert.Equal(t, 42, nested.all()[0].Progress)

	close(image.gate)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not finish")
	}

	for _, log := range []*eventLog{&catchUp, &nested} {
		events := log.all()
		assert.Equal(t, 42, events[0].Progress)
		for i := 1; i < len(events); i++ {
			assert.GreaterOrEqual(t, events[i].Progress, events[i-1].Progress)
		}
		assert.Equal(t, EventFinished, events[len(events)-1].Kind)
	}
	for _, event := range early.all() {
		assert.NotEqual(t, EventFinished, event.Kind, "removed listener kept receiving events")
	}
}

func TestDownloadTaskRunsAgainAfterTerminalState(t *testing.T) {
	metadata := &scriptedFetcher{ticks: []int{100}, data: []byte(testMetadata)}
	image := &scriptedFetcher{ticks: []int{100}, data: []byte("png")}
	task := NewDownloadTask(testProfile(), testSources(), metadata, image)

	_, err := task.Run(context.Background())
	require.NoError(t, err)
	first := task.Snapshot().RunID

	_, err = task.Run(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first, task.Snapshot().RunID)
	assert.Len(t, metadata.urls, 2)
	assert.Equal(t, 2, metadata.resets, "fetchers are reset at the start of every run")
	assert.Equal(t, 2, image.resets)
}
