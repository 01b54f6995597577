package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sglre6355/meteogram/internal/domain"
)

// ForecastSource resolves the forecast image delivered for a profile.
type ForecastSource interface {
	LatestImage(ctx context.Context, profileID int64) (ForecastImage, error)
}

// ForecastSender delivers a forecast image to the desired destination.
type ForecastSender interface {
	SendForecast(ctx context.Context, channelID string, image ForecastImage, message string) error
}

// SubscriptionStore persists subscriptions across restarts.
type SubscriptionStore interface {
	Create(ctx context.Context, subscription domain.Subscription) error
	List(ctx context.Context) ([]domain.Subscription, error)
	DeleteByChannel(ctx context.Context, channelID string) (int, error)
	DeleteByProfile(ctx context.Context, profileID int64) (int, error)
}

// SubscriptionErrorStage indicates which step of the delivery pipeline failed.
type SubscriptionErrorStage string

const (
	// SubscriptionErrorStageFetch marks failures while obtaining the forecast image.
	SubscriptionErrorStageFetch SubscriptionErrorStage = "fetch"
	// SubscriptionErrorStageDispatch marks failures while dispatching the image to the consumer.
	SubscriptionErrorStageDispatch SubscriptionErrorStage = "dispatch"
)

// SubscriptionErrorHandler is invoked when a scheduled run cannot complete successfully.
type SubscriptionErrorHandler func(domain.Subscription, SubscriptionErrorStage, error)

type subscriptionEntry struct {
	subscription domain.Subscription
	stopChan     chan struct{}
}

// SubscriptionManager coordinates scheduled forecast deliveries for channels.
type SubscriptionManager struct {
	mu            sync.RWMutex
	subscriptions map[string][]*subscriptionEntry

	source ForecastSource
	sender ForecastSender
	store  SubscriptionStore

	nowFn           func() time.Time
	interval        time.Duration
	fetchTimeout    time.Duration
	dispatchTimeout time.Duration
	onError         SubscriptionErrorHandler
}

// SubscriptionManagerOption configures behavioural aspects of the scheduler.
type SubscriptionManagerOption func(*SubscriptionManager)

// WithSubscriptionClock overrides the clock used to determine the next dispatch instant.
func WithSubscriptionClock(nowFn func() time.Time) SubscriptionManagerOption {
	return func(m *SubscriptionManager) {
		if nowFn != nil {
			m.nowFn = nowFn
		}
	}
}

// WithSubscriptionInterval defines the cadence between deliveries.
func WithSubscriptionInterval(interval time.Duration) SubscriptionManagerOption {
	return func(m *SubscriptionManager) {
		if interval > 0 {
			m.interval = interval
		}
	}
}

// WithFetchTimeout customises the maximum duration allowed for obtaining a forecast, download included.
func WithFetchTimeout(timeout time.Duration) SubscriptionManagerOption {
	return func(m *SubscriptionManager) {
		if timeout > 0 {
			m.fetchTimeout = timeout
		}
	}
}

// WithDispatchTimeout customises the maximum duration allowed for dispatching an image.
func WithDispatchTimeout(timeout time.Duration) SubscriptionManagerOption {
	return func(m *SubscriptionManager) {
		if timeout > 0 {
			m.dispatchTimeout = timeout
		}
	}
}

// WithSubscriptionErrorHandler registers the callback used when a dispatch cycle fails.
func WithSubscriptionErrorHandler(handler SubscriptionErrorHandler) SubscriptionManagerOption {
	return func(m *SubscriptionManager) {
		if handler != nil {
			m.onError = handler
		}
	}
}

// WithSubscriptionStore persists subscriptions added or removed through the manager.
func WithSubscriptionStore(store SubscriptionStore) SubscriptionManagerOption {
	return func(m *SubscriptionManager) {
		m.store = store
	}
}

// NewSubscriptionManager builds a manager that resolves forecasts via source and dispatches via sender.
func NewSubscriptionManager(
	source ForecastSource,
	sender ForecastSender,
	opts ...SubscriptionManagerOption,
) *SubscriptionManager {
	manager := &SubscriptionManager{
		subscriptions:   make(map[string][]*subscriptionEntry),
		source:          source,
		sender:          sender,
		nowFn:           time.Now,
		interval:        24 * time.Hour,
		fetchTimeout:    2 * time.Minute,
		dispatchTimeout: 30 * time.Second,
		onError:         func(domain.Subscription, SubscriptionErrorStage, error) {},
	}

	for _, opt := range opts {
		opt(manager)
	}

	return manager
}

// LoadExisting schedules every subscription held by the store.
func (m *SubscriptionManager) LoadExisting(ctx context.Context) error {
	if m.store == nil {
		return nil
	}

	subscriptions, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list subscriptions: %w", err)
	}

	for _, sub := range subscriptions {
		if err := m.register(sub); err != nil {
			return err
		}
	}

	return nil
}

// Add persists a new subscription and starts its delivery schedule.
func (m *SubscriptionManager) Add(ctx context.Context, sub domain.Subscription) error {
	if err := m.validate(); err != nil {
		return err
	}
	if sub.ChannelID == "" {
		return fmt.Errorf("subscription channel cannot be empty")
	}
	if sub.ProfileID <= 0 {
		return fmt.Errorf("subscription profile cannot be empty")
	}

	if m.store != nil {
		if err := m.store.Create(ctx, sub); err != nil {
			return fmt.Errorf("failed to persist subscription: %w", err)
		}
	}

	return m.register(sub)
}

// Remove cancels all subscriptions for a channel and returns how many were removed.
func (m *SubscriptionManager) Remove(ctx context.Context, channelID string) (int, error) {
	m.mu.Lock()
	entries := m.subscriptions[channelID]
	delete(m.subscriptions, channelID)
	m.mu.Unlock()

	for _, entry := range entries {
		close(entry.stopChan)
	}

	if m.store == nil {
		return len(entries), nil
	}

	removed, err := m.store.DeleteByChannel(ctx, channelID)
	if err != nil {
		return len(entries), fmt.Errorf("failed to delete subscriptions: %w", err)
	}
	return max(removed, len(entries)), nil
}

// RemoveProfile cancels every subscription delivering profileID.
func (m *SubscriptionManager) RemoveProfile(ctx context.Context, profileID int64) (int, error) {
	var stopped []*subscriptionEntry

	m.mu.Lock()
	for channelID, entries := range m.subscriptions {
		kept := entries[:0]
		for _, entry := range entries {
			if entry.subscription.ProfileID == profileID {
				stopped = append(stopped, entry)
				continue
			}
			kept = append(kept, entry)
		}
		if len(kept) == 0 {
			delete(m.subscriptions, channelID)
		} else {
			m.subscriptions[channelID] = kept
		}
	}
	m.mu.Unlock()

	for _, entry := range stopped {
		close(entry.stopChan)
	}

	if m.store == nil {
		return len(stopped), nil
	}

	removed, err := m.store.DeleteByProfile(ctx, profileID)
	if err != nil {
		return len(stopped), fmt.Errorf("failed to delete subscriptions: %w", err)
	}
	return max(removed, len(stopped)), nil
}

// Count returns the number of scheduled subscriptions.
func (m *SubscriptionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for _, entries := range m.subscriptions {
		total += len(entries)
	}
	return total
}

// Shutdown cancels every active subscription. Returns total number cancelled.
func (m *SubscriptionManager) Shutdown() int {
	m.mu.Lock()
	toStop := m.subscriptions
	m.subscriptions = make(map[string][]*subscriptionEntry)
	m.mu.Unlock()

	total := 0
	for _, entries := range toStop {
		total += len(entries)
		for _, entry := range entries {
			close(entry.stopChan)
		}
	}

	return total
}

func (m *SubscriptionManager) validate() error {
	if m.source == nil {
		return fmt.Errorf("subscription manager missing forecast source dependency")
	}
	if m.sender == nil {
		return fmt.Errorf("subscription manager missing forecast sender dependency")
	}
	return nil
}

func (m *SubscriptionManager) register(sub domain.Subscription) error {
	if err := m.validate(); err != nil {
		return err
	}

	entry := &subscriptionEntry{
		subscription: sub,
		stopChan:     make(chan struct{}),
	}

	m.mu.Lock()
	m.subscriptions[sub.ChannelID] = append(m.subscriptions[sub.ChannelID], entry)
	m.mu.Unlock()

	go m.schedule(entry)
	return nil
}

func (m *SubscriptionManager) schedule(entry *subscriptionEntry) {
	nextRun := m.nextRun(entry.subscription.Time)
	timer := time.NewTimer(nextRun.Sub(m.nowFn()))
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			_ = m.deliver(entry.subscription)
			timer.Reset(m.interval)
		case <-entry.stopChan:
			return
		}
	}
}

func (m *SubscriptionManager) deliver(sub domain.Subscription) error {
	ctxFetch, cancelFetch := context.WithTimeout(context.Background(), m.fetchTimeout)
	image, err := m.source.LatestImage(ctxFetch, sub.ProfileID)
	cancelFetch()
	if err != nil {
		m.onError(
			sub,
			SubscriptionErrorStageFetch,
			fmt.Errorf("failed to obtain forecast: %w", err),
		)
		return err
	}

	ctxSend, cancelSend := context.WithTimeout(context.Background(), m.dispatchTimeout)
	defer cancelSend()
	if err := m.sender.SendForecast(ctxSend, sub.ChannelID, image, sub.Message); err != nil {
		m.onError(
			sub,
			SubscriptionErrorStageDispatch,
			fmt.Errorf("failed to dispatch forecast: %w", err),
		)
		return err
	}

	return nil
}

func (m *SubscriptionManager) nextRun(target time.Time) time.Time {
	now := m.nowFn()
	target = target.In(now.Location())
	scheduled := time.Date(
		now.Year(),
		now.Month(),
		now.Day(),
		target.Hour(),
		target.Minute(),
		0,
		0,
		now.Location(),
	)

	if scheduled.After(now) {
		return scheduled
	}

	return scheduled.Add(m.interval)
}
