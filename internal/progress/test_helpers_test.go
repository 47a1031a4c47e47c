package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tales/internal/kvstore"
	"github.com/MarcoPoloResearchLab/tales/internal/stories"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var errInjectedWrite = errors.New("injected write failure")

type fakeTimer struct {
	scheduler *fakeScheduler
	delay     time.Duration
	fn        func()
	stopped   bool
	fired     bool
}

func (timer *fakeTimer) Stop() bool {
	timer.scheduler.mu.Lock()
	defer timer.scheduler.mu.Unlock()
	if timer.stopped || timer.fired {
		return false
	}
	timer.stopped = true
	return true
}

// fakeScheduler captures debounced callbacks so tests decide when the quiet period elapses.
type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (scheduler *fakeScheduler) AfterFunc(delay time.Duration, fn func()) Timer {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	timer := &fakeTimer{scheduler: scheduler, delay: delay, fn: fn}
	scheduler.timers = append(scheduler.timers, timer)
	return timer
}

func (scheduler *fakeScheduler) elapse() int {
	scheduler.mu.Lock()
	due := make([]*fakeTimer, 0, len(scheduler.timers))
	for _, timer := range scheduler.timers {
		if timer.stopped || timer.fired {
			continue
		}
		timer.fired = true
		due = append(due, timer)
	}
	scheduler.mu.Unlock()
	for _, timer := range due {
		timer.fn()
	}
	return len(due)
}

func (scheduler *fakeScheduler) active() int {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	count := 0
	for _, timer := range scheduler.timers {
		if !timer.stopped && !timer.fired {
			count++
		}
	}
	return count
}

// recordingStore counts writes and can be switched into a failing mode.
type recordingStore struct {
	kvstore.Store

	mu        sync.Mutex
	writes    []string
	failWrite bool
}

func (store *recordingStore) Set(ctx context.Context, namespace stories.Namespace, key, value string) error {
	store.mu.Lock()
	fail := store.failWrite
	if !fail {
		store.writes = append(store.writes, value)
	}
	store.mu.Unlock()
	if fail {
		return errInjectedWrite
	}
	return store.Store.Set(ctx, namespace, key, value)
}

func (store *recordingStore) writeCount() int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return len(store.writes)
}

func (store *recordingStore) setFailing(fail bool) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.failWrite = fail
}

type recordedCompletion struct {
	namespace stories.Namespace
	progress  Progress
}

type capturingPublisher struct {
	mu          sync.Mutex
	completions []recordedCompletion
}

func (publisher *capturingPublisher) PublishCompletion(namespace stories.Namespace, progress Progress) {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	publisher.completions = append(publisher.completions, recordedCompletion{namespace: namespace, progress: progress})
}

func (publisher *capturingPublisher) count() int {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	return len(publisher.completions)
}

type trackerFixture struct {
	tracker   *Tracker
	store     *recordingStore
	scheduler *fakeScheduler
	publisher *capturingPublisher
}

func newTrackerFixture(t *testing.T, mutate func(*TrackerConfig)) trackerFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:progress_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&kvstore.Entry{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	sqlStore, err := kvstore.New(kvstore.Config{Database: db})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}

	store := &recordingStore{Store: sqlStore}
	scheduler := &fakeScheduler{}
	publisher := &capturingPublisher{}
	cfg := TrackerConfig{
		Store:     store,
		Clock:     func() time.Time { return time.Unix(1700000000, 0).UTC() },
		Scheduler: scheduler,
		Publisher: publisher,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	tracker, err := NewTracker(cfg)
	if err != nil {
		t.Fatalf("failed to construct tracker: %v", err)
	}
	return trackerFixture{tracker: tracker, store: store, scheduler: scheduler, publisher: publisher}
}

func mustNamespace(t *testing.T, value string) stories.Namespace {
	t.Helper()
	namespace, err := stories.NewNamespace(value)
	if err != nil {
		t.Fatalf("unexpected namespace error: %v", err)
	}
	return namespace
}

func mustStoryID(t *testing.T, value string) stories.StoryID {
	t.Helper()
	id, err := stories.NewStoryID(value)
	if err != nil {
		t.Fatalf("unexpected story id error: %v", err)
	}
	return id
}

func mustRecord(t *testing.T, tracker *Tracker, namespace stories.Namespace, storyID stories.StoryID, percentage int) RecordResult {
	t.Helper()
	result, err := tracker.RecordProgress(context.Background(), namespace, storyID, percentage)
	if err != nil {
		t.Fatalf("record progress %d failed: %v", percentage, err)
	}
	return result
}

func mustLoad(t *testing.T, tracker *Tracker, namespace stories.Namespace, storyID stories.StoryID) Progress {
	t.Helper()
	stored, found, err := tracker.LoadProgress(context.Background(), namespace, storyID)
	if err != nil {
		t.Fatalf("load progress failed: %v", err)
	}
	if !found {
		t.Fatalf("expected persisted progress for %s", storyID)
	}
	return stored
}
