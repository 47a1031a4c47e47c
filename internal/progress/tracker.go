package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tales/internal/kvstore"
	"github.com/MarcoPoloResearchLab/tales/internal/stories"
	"go.uber.org/zap"
)

const (
	opTrackerNew     = "progress.tracker.new"
	opLoadProgress   = "progress.load"
	opRecordProgress = "progress.record"
	opMarkComplete   = "progress.mark_complete"
	opFlush          = "progress.flush"
	opDebouncedWrite = "progress.debounced_write"

	reasonMissingStore   = "missing_store"
	reasonInvalidConfig  = "invalid_config"
	reasonClosed         = "closed"
	reasonReadFailed     = "read_failed"
	reasonDecodeFailed   = "decode_failed"
	reasonEncodeFailed   = "encode_failed"
	reasonWriteFailed    = "write_failed"
	fieldNamespace       = "namespace"
	fieldStoryID         = "story_id"
	fieldPercentage      = "percentage"
	logMessageTrackerErr = "progress tracker error"
)

var (
	errMissingStore = errors.New("key-value store is required")
	// ErrTrackerClosed is returned once Close has been called.
	ErrTrackerClosed = errors.New("progress: tracker closed")
	noOpLogger       = zap.NewNop()
)

// ServiceError carries an operation.reason code alongside the underlying failure.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Timer is a cancellable scheduled callback.
type Timer interface {
	Stop() bool
}

// Scheduler runs fn once after d has elapsed.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

type wallScheduler struct{}

func (wallScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// CompletionPublisher receives the one-time completion signal of a story.
type CompletionPublisher interface {
	PublishCompletion(namespace stories.Namespace, progress Progress)
}

// TrackerConfig describes the dependencies and tuning of a Tracker.
type TrackerConfig struct {
	Store               kvstore.Store
	Clock               func() time.Time
	Scheduler           Scheduler
	Debounce            time.Duration
	// CompletionThreshold is the completion percentage in 1..100; zero selects the default.
	CompletionThreshold int
	Policy              Policy
	Logger              *zap.Logger
	Publisher           CompletionPublisher
	// OnWriteError observes debounced writes that failed; those failures never reach the reader.
	OnWriteError func(namespace stories.Namespace, storyID stories.StoryID, err error)
}

type trackerKey struct {
	namespace stories.Namespace
	storyID   stories.StoryID
}

type trackedStory struct {
	progress Progress
	version  uint64
	pending  *pendingWrite

	writeMu          sync.Mutex
	persistedVersion uint64
}

type pendingWrite struct {
	timer   Timer
	version uint64
}

// Tracker keeps the UI-visible progress of each story in memory and persists it
// after a quiet period. Only the latest value within the debounce window is written.
// A story leaves memory once its latest value is persisted; the next access reloads it.
type Tracker struct {
	store        kvstore.Store
	clock        func() time.Time
	scheduler    Scheduler
	debounce     time.Duration
	threshold    int
	policy       Policy
	logger       *zap.Logger
	publisher    CompletionPublisher
	onWriteError func(stories.Namespace, stories.StoryID, error)

	mu      sync.Mutex
	stories map[trackerKey]*trackedStory
	closed  bool
}

// NewTracker validates the configuration and constructs a Tracker.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opTrackerNew, reasonMissingStore, errMissingStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	scheduler := cfg.Scheduler
	if scheduler == nil {
		scheduler = wallScheduler{}
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	threshold := cfg.CompletionThreshold
	if threshold == 0 {
		threshold = DefaultCompletionThreshold
	}
	if threshold <= minPercentage || threshold > maxPercentage {
		return nil, newServiceError(opTrackerNew, reasonInvalidConfig,
			fmt.Errorf("completion threshold %d outside 1..100", threshold))
	}
	policy := PolicyPosition
	if cfg.Policy != "" {
		parsed, err := ParsePolicy(string(cfg.Policy))
		if err != nil {
			return nil, newServiceError(opTrackerNew, reasonInvalidConfig, err)
		}
		policy = parsed
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Tracker{
		store:        cfg.Store,
		clock:        clock,
		scheduler:    scheduler,
		debounce:     debounce,
		threshold:    threshold,
		policy:       policy,
		logger:       logger,
		publisher:    cfg.Publisher,
		onWriteError: cfg.OnWriteError,
		stories:      make(map[trackerKey]*trackedStory),
	}, nil
}

// LoadProgress reads the persisted progress of a story. found is false when nothing was recorded.
func (t *Tracker) LoadProgress(ctx context.Context, namespace stories.Namespace, storyID stories.StoryID) (Progress, bool, error) {
	raw, found, err := t.store.Get(ctx, namespace, kvstore.ProgressKey(storyID))
	if err != nil {
		t.logError(opLoadProgress, reasonReadFailed, err, namespace, storyID)
		return Progress{}, false, newServiceError(opLoadProgress, reasonReadFailed, err)
	}
	if !found {
		return Progress{}, false, nil
	}
	var stored Progress
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		t.logError(opLoadProgress, reasonDecodeFailed, err, namespace, storyID)
		return Progress{}, false, newServiceError(opLoadProgress, reasonDecodeFailed, err)
	}
	stored.StoryID = storyID
	return stored, true, nil
}

// Current returns the in-memory progress, which may be ahead of what is persisted.
func (t *Tracker) Current(namespace stories.Namespace, storyID stories.StoryID) (Progress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tracked, ok := t.stories[trackerKey{namespace: namespace, storyID: storyID}]
	if !ok {
		return Progress{}, false
	}
	return tracked.progress, true
}

// RecordProgress clamps rawPercentage, updates the in-memory value immediately and
// schedules a debounced write that replaces any write still pending for the story.
func (t *Tracker) RecordProgress(ctx context.Context, namespace stories.Namespace, storyID stories.StoryID, rawPercentage int) (RecordResult, error) {
	key := trackerKey{namespace: namespace, storyID: storyID}
	percentage := ClampPercentage(rawPercentage)

	tracked, err := t.lockTracked(ctx, opRecordProgress, key)
	if err != nil {
		return RecordResult{}, err
	}
	previous := tracked.progress

	next := previous
	next.StoryID = storyID
	next.Percentage = percentage
	if t.policy == PolicyFurthest && previous.Percentage > percentage {
		next.Percentage = previous.Percentage
	}
	justCompleted := !previous.IsCompleted && percentage >= t.threshold
	next.IsCompleted = previous.IsCompleted || justCompleted
	next.LastUpdatedAt = t.clock().UTC()

	tracked.progress = next
	tracked.version++
	t.replacePendingLocked(key, tracked)
	t.mu.Unlock()

	if justCompleted {
		t.publishCompletion(namespace, next)
	}
	return RecordResult{Progress: next, JustCompleted: justCompleted}, nil
}

// MarkComplete sets the story to 100% and completed, cancelling any pending write
// and persisting immediately. Repeated calls leave the same state.
func (t *Tracker) MarkComplete(ctx context.Context, namespace stories.Namespace, storyID stories.StoryID) (RecordResult, error) {
	key := trackerKey{namespace: namespace, storyID: storyID}
	tracked, err := t.lockTracked(ctx, opMarkComplete, key)
	if err != nil {
		return RecordResult{}, err
	}
	justCompleted := !tracked.progress.IsCompleted
	tracked.progress = Progress{
		StoryID:       storyID,
		Percentage:    maxPercentage,
		IsCompleted:   true,
		LastUpdatedAt: t.clock().UTC(),
	}
	tracked.version++
	t.cancelPendingLocked(tracked)
	snapshot, version := tracked.progress, tracked.version
	t.mu.Unlock()

	if err := t.persist(ctx, key, tracked, snapshot, version); err != nil {
		t.logError(opMarkComplete, reasonWriteFailed, err, namespace, storyID)
		return RecordResult{}, newServiceError(opMarkComplete, reasonWriteFailed, err)
	}
	if justCompleted {
		t.publishCompletion(namespace, snapshot)
	}
	return RecordResult{Progress: snapshot, JustCompleted: justCompleted}, nil
}

// Flush persists every pending write now instead of waiting for its quiet period.
func (t *Tracker) Flush(ctx context.Context) error {
	type flushItem struct {
		key      trackerKey
		tracked  *trackedStory
		snapshot Progress
		version  uint64
	}

	t.mu.Lock()
	items := make([]flushItem, 0)
	for key, tracked := range t.stories {
		if tracked.pending == nil {
			continue
		}
		t.cancelPendingLocked(tracked)
		items = append(items, flushItem{key: key, tracked: tracked, snapshot: tracked.progress, version: tracked.version})
	}
	t.mu.Unlock()

	var errs []error
	for _, item := range items {
		if err := t.persist(ctx, item.key, item.tracked, item.snapshot, item.version); err != nil {
			t.logError(opFlush, reasonWriteFailed, err, item.key.namespace, item.key.storyID)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return newServiceError(opFlush, reasonWriteFailed, errors.Join(errs...))
	}
	return nil
}

// FlushStory persists the pending write of a single story, if any.
func (t *Tracker) FlushStory(ctx context.Context, namespace stories.Namespace, storyID stories.StoryID) error {
	key := trackerKey{namespace: namespace, storyID: storyID}
	t.mu.Lock()
	tracked, ok := t.stories[key]
	if !ok || tracked.pending == nil {
		t.mu.Unlock()
		return nil
	}
	t.cancelPendingLocked(tracked)
	snapshot, version := tracked.progress, tracked.version
	t.mu.Unlock()

	if err := t.persist(ctx, key, tracked, snapshot, version); err != nil {
		t.logError(opFlush, reasonWriteFailed, err, namespace, storyID)
		return newServiceError(opFlush, reasonWriteFailed, err)
	}
	return nil
}

// Discard abandons the pending write of a story without persisting it and forgets
// the in-memory value, so the next read starts from what was last persisted.
func (t *Tracker) Discard(namespace stories.Namespace, storyID stories.StoryID) {
	key := trackerKey{namespace: namespace, storyID: storyID}
	t.mu.Lock()
	defer t.mu.Unlock()
	tracked, ok := t.stories[key]
	if !ok {
		return
	}
	t.cancelPendingLocked(tracked)
	delete(t.stories, key)
}

// Forget abandons the pending writes of a namespace and drops its in-memory values.
func (t *Tracker) Forget(namespace stories.Namespace) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, tracked := range t.stories {
		if key.namespace != namespace {
			continue
		}
		t.cancelPendingLocked(tracked)
		delete(t.stories, key)
	}
}

// Tracked reports how many stories are held in memory.
func (t *Tracker) Tracked() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.stories)
}

// Close flushes pending writes and rejects further updates.
func (t *Tracker) Close(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return t.Flush(ctx)
}

// lockTracked returns the in-memory entry of the story with t.mu held, loading it from
// the store first when it is not in memory.
func (t *Tracker) lockTracked(ctx context.Context, operation string, key trackerKey) (*trackedStory, error) {
	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return nil, newServiceError(operation, reasonClosed, ErrTrackerClosed)
		}
		if tracked, ok := t.stories[key]; ok {
			return tracked, nil
		}
		t.mu.Unlock()

		stored, found, err := t.LoadProgress(ctx, key.namespace, key.storyID)
		if err != nil {
			return nil, newServiceError(operation, reasonReadFailed, err)
		}

		t.mu.Lock()
		if _, ok := t.stories[key]; !ok && !t.closed {
			tracked := &trackedStory{progress: Progress{StoryID: key.storyID}}
			if found {
				tracked.progress = stored
			}
			t.stories[key] = tracked
		}
		t.mu.Unlock()
	}
}

func (t *Tracker) replacePendingLocked(key trackerKey, tracked *trackedStory) {
	t.cancelPendingLocked(tracked)
	version := tracked.version
	timer := t.scheduler.AfterFunc(t.debounce, func() {
		t.writePending(key, tracked, version)
	})
	tracked.pending = &pendingWrite{timer: timer, version: version}
}

func (t *Tracker) cancelPendingLocked(tracked *trackedStory) {
	if tracked.pending == nil {
		return
	}
	tracked.pending.timer.Stop()
	tracked.pending = nil
}

func (t *Tracker) writePending(key trackerKey, tracked *trackedStory, version uint64) {
	t.mu.Lock()
	if t.stories[key] != tracked || tracked.pending == nil || tracked.pending.version != version {
		t.mu.Unlock()
		return
	}
	tracked.pending = nil
	snapshot := tracked.progress
	t.mu.Unlock()

	if err := t.persist(context.Background(), key, tracked, snapshot, version); err != nil {
		t.logError(opDebouncedWrite, reasonWriteFailed, err, key.namespace, key.storyID,
			zap.Int(fieldPercentage, snapshot.Percentage))
		if t.onWriteError != nil {
			t.onWriteError(key.namespace, key.storyID, err)
		}
	}
}

// persist writes snapshot unless a newer version of the story has already been written.
// A story whose latest version is on disk with nothing pending is evicted from memory.
func (t *Tracker) persist(ctx context.Context, key trackerKey, tracked *trackedStory, snapshot Progress, version uint64) error {
	tracked.writeMu.Lock()
	defer tracked.writeMu.Unlock()
	if version <= tracked.persistedVersion {
		return nil
	}
	encoded, err := json.Marshal(snapshot)
	if err != nil {
		return newServiceError(opDebouncedWrite, reasonEncodeFailed, err)
	}
	if err := t.store.Set(ctx, key.namespace, kvstore.ProgressKey(snapshot.StoryID), string(encoded)); err != nil {
		return err
	}
	tracked.persistedVersion = version

	t.mu.Lock()
	if t.stories[key] == tracked && tracked.pending == nil && tracked.version == version {
		delete(t.stories, key)
	}
	t.mu.Unlock()
	return nil
}

func (t *Tracker) publishCompletion(namespace stories.Namespace, progress Progress) {
	if t.publisher == nil {
		return
	}
	t.publisher.PublishCompletion(namespace, progress)
}

func (t *Tracker) logError(operation, reason string, err error, namespace stories.Namespace, storyID stories.StoryID, fields ...zap.Field) {
	logger := t.logger
	if logger == nil {
		logger = noOpLogger
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String(fieldNamespace, namespace.String()),
		zap.String(fieldStoryID, storyID.String()),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error(logMessageTrackerErr, attrs...)
}
