package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sglre6355/meteogram/internal/domain"
)

type staticSource struct {
	image ForecastImage
	err   error
}

func (s staticSource) LatestImage(context.Context, int64) (ForecastImage, error) {
	return s.image, s.err
}

type sentForecast struct {
	channelID string
	data      []byte
	message   string
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentForecast
	err  error
}

func (s *recordingSender) SendForecast(_ context.Context, channelID string, image ForecastImage, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentForecast{channelID: channelID, data: image.Data, message: message})
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type memorySubscriptions struct {
	mu   sync.Mutex
	subs []domain.Subscription
}

func (m *memorySubscriptions) Create(_ context.Context, sub domain.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, sub)
	return nil
}

func (m *memorySubscriptions) List(context.Context) ([]domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Subscription(nil), m.subs...), nil
}

func (m *memorySubscriptions) DeleteByChannel(_ context.Context, channelID string) (int, error) {
	return m.deleteWhere(func(sub domain.Subscription) bool { return sub.ChannelID == channelID }), nil
}

func (m *memorySubscriptions) DeleteByProfile(_ context.Context, profileID int64) (int, error) {
	return m.deleteWhere(func(sub domain.Subscription) bool { return sub.ProfileID == profileID }), nil
}

func (m *memorySubscriptions) deleteWhere(match func(domain.Subscription) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.subs[:0]
	removed := 0
	for _, sub := range m.subs {
		if match(sub) {
			removed++
			continue
		}
		kept = append(kept, sub)
	}
	m.subs = kept
	return removed
}

func TestSubscriptionManagerNextRun(t *testing.T) {
	now := time.Date(2024, 3, 21, 10, 30, 0, 0, time.UTC)
	m := NewSubscriptionManager(staticSource{}, &recordingSender{}, WithSubscriptionClock(func() time.Time { return now }))

	assert.Equal(t,
		time.Date(2024, 3, 21, 12, 0, 0, 0, time.UTC),
		m.nextRun(time.Date(2000, 1, 1, 12, 0, 0, 0, time.UTC)),
	)
	assert.Equal(t,
		time.Date(2024, 3, 22, 9, 15, 0, 0, time.UTC),
		m.nextRun(time.Date(2000, 1, 1, 9, 15, 0, 0, time.UTC)),
	)
}

func TestSubscriptionManagerDeliversOnSchedule(t *testing.T) {
	now := time.Date(2024, 3, 21, 10, 30, 0, 0, time.UTC)
	sender := &recordingSender{}
	source := staticSource{image: ForecastImage{Data: []byte("png")}}

	m := NewSubscriptionManager(
		source,
		sender,
		WithSubscriptionClock(func() time.Time { return now }),
		WithSubscriptionInterval(10*time.Millisecond),
	)
	defer m.Shutdown()

	require.NoError(t, m.Add(context.Background(), domain.Subscription{
		ChannelID: "chan",
		ProfileID: 1,
		Time:      now,
		Message:   "morning",
	}))

	require.Eventually(t, func() bool { return sender.count() >= 2 }, 2*time.Second, 5*time.Millisecond)

	sender.mu.Lock()
	first := sender.sent[0]
	sender.mu.Unlock()
	assert.Equal(t, "chan", first.channelID)
	assert.Equal(t, []byte("png"), first.data)
	assert.Equal(t, "morning", first.message)
}

func TestSubscriptionManagerReportsFailureStage(t *testing.T) {
	var (
		mu     sync.Mutex
		stages []SubscriptionErrorStage
	)
	handler := func(_ domain.Subscription, stage SubscriptionErrorStage, _ error) {
		mu.Lock()
		defer mu.Unlock()
		stages = append(stages, stage)
	}
	sub := domain.Subscription{ChannelID: "chan", ProfileID: 1}

	failingSource := NewSubscriptionManager(
		staticSource{err: domain.ErrNetworkFailure},
		&recordingSender{},
		WithSubscriptionErrorHandler(handler),
	)
	assert.ErrorIs(t, failingSource.deliver(sub), domain.ErrNetworkFailure)

	failingSender := NewSubscriptionManager(
		staticSource{image: ForecastImage{Data: []byte("png")}},
		&recordingSender{err: errors.New("discord down")},
		WithSubscriptionErrorHandler(handler),
	)
	assert.Error(t, failingSender.deliver(sub))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []SubscriptionErrorStage{SubscriptionErrorStageFetch, SubscriptionErrorStageDispatch}, stages)
}

func TestSubscriptionManagerPersistsAndRestores(t *testing.T) {
	ctx := context.Background()
	store := &memorySubscriptions{}
	newManager := func() *SubscriptionManager {
		return NewSubscriptionManager(staticSource{}, &recordingSender{}, WithSubscriptionStore(store))
	}

	m := newManager()
	require.NoError(t, m.Add(ctx, domain.Subscription{ChannelID: "a", ProfileID: 1, Time: time.Now().Add(time.Hour)}))
	require.NoError(t, m.Add(ctx, domain.Subscription{ChannelID: "a", ProfileID: 2, Time: time.Now().Add(time.Hour)}))
	require.NoError(t, m.Add(ctx, domain.Subscription{ChannelID: "b", ProfileID: 2, Time: time.Now().Add(time.Hour)}))
	assert.Equal(t, 3, m.Count())
	assert.Equal(t, 3, m.Shutdown())

	restored := newManager()
	require.NoError(t, restored.LoadExisting(ctx))
	defer restored.Shutdown()
	assert.Equal(t, 3, restored.Count())

	removed, err := restored.RemoveProfile(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, restored.Count())

	removed, err = restored.Remove(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Zero(t, restored.Count())

	subs, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestSubscriptionManagerAddValidation(t *testing.T) {
	ctx := context.Background()

	assert.Error(t, NewSubscriptionManager(nil, &recordingSender{}).Add(ctx, domain.Subscription{ChannelID: "a", ProfileID: 1}))
	assert.Error(t, NewSubscriptionManager(staticSource{}, nil).Add(ctx, domain.Subscription{ChannelID: "a", ProfileID: 1}))

	m := NewSubscriptionManager(staticSource{}, &recordingSender{})
	assert.Error(t, m.Add(ctx, domain.Subscription{ProfileID: 1}))
	assert.Error(t, m.Add(ctx, domain.Subscription{ChannelID: "a"}))
	assert.Zero(t, m.Count())
}
