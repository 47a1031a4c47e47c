package downloads

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tales/internal/kvstore"
	"github.com/MarcoPoloResearchLab/tales/internal/stories"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const storyDocument = `{"_type":"block","children":[{"_type":"span","text":"Once upon a time"}]}`

var errInjectedWrite = errors.New("injected write failure")

// gatedStore blocks batches touching download content until released and can fail
// writes on demand.
type gatedStore struct {
	kvstore.Store
	db *gorm.DB

	mu        sync.Mutex
	gate      chan struct{}
	entered   chan struct{}
	failWrite bool
}

func (store *gatedStore) Apply(ctx context.Context, namespace stories.Namespace, mutations ...kvstore.Mutation) error {
	store.mu.Lock()
	gate, entered, fail := store.gate, store.entered, store.failWrite
	store.mu.Unlock()
	if gate != nil && touchesContent(mutations) {
		entered <- struct{}{}
		<-gate
	}
	if fail {
		return errInjectedWrite
	}
	return store.Store.Apply(ctx, namespace, mutations...)
}

func touchesContent(mutations []kvstore.Mutation) bool {
	for _, mutation := range mutations {
		if strings.HasPrefix(mutation.Key, kvstore.DownloadContentPrefix) {
			return true
		}
	}
	return false
}

// rejectMetadataWrites makes the database refuse any write of the story's metadata key.
func (store *gatedStore) rejectMetadataWrites(t *testing.T, storyID stories.StoryID) {
	t.Helper()
	key := kvstore.DownloadKey(storyID)
	for _, event := range []string{"INSERT", "UPDATE"} {
		statement := fmt.Sprintf("CREATE TRIGGER reject_metadata_%s BEFORE %s ON kv_entries "+
			"WHEN NEW.entry_key = '%s' BEGIN SELECT RAISE(ABORT, 'metadata rejected'); END", strings.ToLower(event), event, key)
		if err := store.db.Exec(statement).Error; err != nil {
			t.Fatalf("failed to install trigger: %v", err)
		}
	}
}

func (store *gatedStore) hold() (entered <-chan struct{}, release func()) {
	store.mu.Lock()
	defer store.mu.Unlock()
	gate := make(chan struct{})
	enteredCh := make(chan struct{}, 1)
	store.gate = gate
	store.entered = enteredCh
	return enteredCh, func() {
		store.mu.Lock()
		store.gate = nil
		store.mu.Unlock()
		close(gate)
	}
}

func (store *gatedStore) setFailing(fail bool) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.failWrite = fail
}

type stubSource struct {
	content json.RawMessage
	err     error
	calls   int
}

func (source *stubSource) FetchStoryContent(_ context.Context, _ stories.StoryID) (json.RawMessage, error) {
	source.calls++
	if source.err != nil {
		return nil, source.err
	}
	return source.content, nil
}

func TestDownloadStoresContentAndMetadata(t *testing.T) {
	manager, store := newTestManager(t, nil)
	namespace := mustNamespace(t, "user-1")
	summary := mustSummary(t, "story-1")

	document := "{\n  \"title\": \"A  tale\",\n  \"blocks\": [1, 2]\n}"
	record, err := manager.Download(context.Background(), namespace, summary, json.RawMessage(document))
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}
	if record.Status != StatusDownloaded {
		t.Fatalf("expected downloaded status, got %s", record.Status)
	}
	if record.SizeBytes != int64(len(document)) {
		t.Fatalf("expected size of the supplied document, got %d", record.SizeBytes)
	}
	if string(record.Content) != document {
		t.Fatalf("expected content returned as supplied, got %q", record.Content)
	}
	stored, found, err := store.Get(context.Background(), namespace, kvstore.DownloadContentKey(summary.StoryID))
	if err != nil || !found || stored != document {
		t.Fatalf("expected document persisted verbatim, found=%v err=%v stored=%q", found, err, stored)
	}
	if !record.DownloadedAt.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("unexpected downloaded at %s", record.DownloadedAt)
	}
	if !manager.IsDownloaded(namespace, summary.StoryID) {
		t.Fatalf("expected story to be downloaded")
	}
}

func TestDownloadRoundTripThroughRestore(t *testing.T) {
	manager, store := newTestManager(t, nil)
	namespace := mustNamespace(t, "user-1")
	summary := mustSummary(t, "story-1")

	original, err := manager.Download(context.Background(), namespace, summary, json.RawMessage(storyDocument))
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}

	restarted, err := NewManager(ManagerConfig{Store: store})
	if err != nil {
		t.Fatalf("failed to construct manager: %v", err)
	}
	if restarted.Status(namespace, summary.StoryID) != StatusNotDownloaded {
		t.Fatalf("expected empty cache before restore")
	}
	if err := restarted.Restore(context.Background(), namespace); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if restarted.Status(namespace, summary.StoryID) != StatusDownloaded {
		t.Fatalf("expected restored downloaded status")
	}

	loaded, found, err := restarted.Get(context.Background(), namespace, summary.StoryID)
	if err != nil || !found {
		t.Fatalf("get failed found=%v err=%v", found, err)
	}
	if string(loaded.Content) != storyDocument {
		t.Fatalf("content mismatch: %s", loaded.Content)
	}
	if loaded.SizeBytes != original.SizeBytes ||
		!loaded.DownloadedAt.Equal(original.DownloadedAt) ||
		loaded.Summary != original.Summary {
		t.Fatalf("metadata mismatch: %+v vs %+v", loaded, original)
	}
}

func TestConcurrentDownloadIsRejected(t *testing.T) {
	manager, store := newTestManager(t, nil)
	namespace := mustNamespace(t, "user-1")
	summary := mustSummary(t, "story-1")

	entered, release := store.hold()
	type outcome struct {
		record Record
		err    error
	}
	firstDone := make(chan outcome, 1)
	go func() {
		record, err := manager.Download(context.Background(), namespace, summary, json.RawMessage(storyDocument))
		firstDone <- outcome{record: record, err: err}
	}()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first download never reached storage")
	}
	if manager.Status(namespace, summary.StoryID) != StatusDownloading {
		t.Fatalf("expected downloading status while in flight")
	}

	_, err := manager.Download(context.Background(), namespace, summary, json.RawMessage(`{"other":true}`))
	if !errors.Is(err, ErrDownloadInFlight) {
		t.Fatalf("expected ErrDownloadInFlight, got %v", err)
	}
	if err := manager.DeleteDownload(context.Background(), namespace, summary.StoryID); !errors.Is(err, ErrDownloadInFlight) {
		t.Fatalf("expected delete to be rejected while in flight, got %v", err)
	}

	release()
	first := <-firstDone
	if first.err != nil {
		t.Fatalf("first download failed: %v", first.err)
	}

	loaded, found, err := manager.Get(context.Background(), namespace, summary.StoryID)
	if err != nil || !found {
		t.Fatalf("get failed found=%v err=%v", found, err)
	}
	if loaded.Status != StatusDownloaded || string(loaded.Content) != storyDocument {
		t.Fatalf("expected a single intact download, got %+v", loaded)
	}
}

func TestDownloadStorageFailureMarksFailed(t *testing.T) {
	manager, store := newTestManager(t, nil)
	namespace := mustNamespace(t, "user-1")
	summary := mustSummary(t, "story-1")

	store.setFailing(true)
	_, err := manager.Download(context.Background(), namespace, summary, json.RawMessage(storyDocument))
	if !errors.Is(err, errInjectedWrite) {
		t.Fatalf("expected storage failure to be surfaced, got %v", err)
	}
	if manager.Status(namespace, summary.StoryID) != StatusFailed {
		t.Fatalf("expected failed status, got %s", manager.Status(namespace, summary.StoryID))
	}
	record, _ := manager.Lookup(namespace, summary.StoryID)
	if record.FailureReason == "" {
		t.Fatalf("expected failure reason to be recorded")
	}

	store.setFailing(false)
	if _, err := manager.Download(context.Background(), namespace, summary, json.RawMessage(storyDocument)); err != nil {
		t.Fatalf("retry after failure should succeed: %v", err)
	}
	if !manager.IsDownloaded(namespace, summary.StoryID) {
		t.Fatalf("expected retry to download the story")
	}
}

func TestDeleteHoldsStoryAgainstConcurrentDownload(t *testing.T) {
	manager, store := newTestManager(t, nil)
	namespace := mustNamespace(t, "user-1")
	summary := mustSummary(t, "story-1")

	if _, err := manager.Download(context.Background(), namespace, summary, json.RawMessage(storyDocument)); err != nil {
		t.Fatalf("download failed: %v", err)
	}

	entered, release := store.hold()
	deleteDone := make(chan error, 1)
	go func() {
		deleteDone <- manager.DeleteDownload(context.Background(), namespace, summary.StoryID)
	}()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("delete never reached storage")
	}

	_, err := manager.Download(context.Background(), namespace, summary, json.RawMessage(`{"again":true}`))
	if !errors.Is(err, ErrDownloadInFlight) {
		t.Fatalf("expected download to be rejected while deleting, got %v", err)
	}

	release()
	if err := <-deleteDone; err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if manager.Status(namespace, summary.StoryID) != StatusNotDownloaded {
		t.Fatalf("expected live status not_downloaded, got %s", manager.Status(namespace, summary.StoryID))
	}

	restarted, err := NewManager(ManagerConfig{Store: store})
	if err != nil {
		t.Fatalf("failed to construct manager: %v", err)
	}
	if err := restarted.Restore(context.Background(), namespace); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if restarted.Status(namespace, summary.StoryID) != StatusNotDownloaded {
		t.Fatalf("expected persisted status not_downloaded, got %s", restarted.Status(namespace, summary.StoryID))
	}
	if _, found, err := restarted.Get(context.Background(), namespace, summary.StoryID); err != nil || found {
		t.Fatalf("expected no record after delete, found=%v err=%v", found, err)
	}

	if _, err := manager.Download(context.Background(), namespace, summary, json.RawMessage(storyDocument)); err != nil {
		t.Fatalf("download after delete should succeed: %v", err)
	}
}

func TestFailedRedownloadKeepsPreviousCopyIntact(t *testing.T) {
	manager, store := newTestManager(t, nil)
	namespace := mustNamespace(t, "user-1")
	summary := mustSummary(t, "story-1")

	original, err := manager.Download(context.Background(), namespace, summary, json.RawMessage(storyDocument))
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}

	store.rejectMetadataWrites(t, summary.StoryID)
	if _, err := manager.Download(context.Background(), namespace, summary, json.RawMessage(`{"title": "Second"}`)); err == nil {
		t.Fatalf("expected the re-download to fail")
	}
	if manager.Status(namespace, summary.StoryID) != StatusFailed {
		t.Fatalf("expected failed status, got %s", manager.Status(namespace, summary.StoryID))
	}

	restarted, err := NewManager(ManagerConfig{Store: store})
	if err != nil {
		t.Fatalf("failed to construct manager: %v", err)
	}
	loaded, found, err := restarted.Get(context.Background(), namespace, summary.StoryID)
	if err != nil || !found {
		t.Fatalf("expected the previous copy after restart, found=%v err=%v", found, err)
	}
	if loaded.Status != StatusDownloaded || string(loaded.Content) != storyDocument {
		t.Fatalf("expected previous copy intact, got %+v", loaded)
	}
	if loaded.SizeBytes != original.SizeBytes {
		t.Fatalf("expected previous metadata, got size %d want %d", loaded.SizeBytes, original.SizeBytes)
	}
}

func TestForgetReloadsFromStore(t *testing.T) {
	manager, store := newTestManager(t, nil)
	namespace := mustNamespace(t, "user-1")
	summary := mustSummary(t, "story-1")

	if _, err := manager.Download(context.Background(), namespace, summary, json.RawMessage(storyDocument)); err != nil {
		t.Fatalf("download failed: %v", err)
	}
	if err := store.Clear(context.Background(), namespace); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if !manager.IsDownloaded(namespace, summary.StoryID) {
		t.Fatalf("expected the cache to still hold the story before Forget")
	}

	if err := manager.Forget(namespace); err != nil {
		t.Fatalf("forget failed: %v", err)
	}
	if err := manager.Restore(context.Background(), namespace); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if manager.IsDownloaded(namespace, summary.StoryID) {
		t.Fatalf("expected cleared story to be gone after Forget")
	}

	entered, release := store.hold()
	done := make(chan error, 1)
	go func() {
		_, err := manager.Download(context.Background(), namespace, summary, json.RawMessage(storyDocument))
		done <- err
	}()
	<-entered
	if err := manager.Forget(namespace); !errors.Is(err, ErrDownloadInFlight) {
		t.Fatalf("expected Forget to refuse while a download is in flight, got %v", err)
	}
	release()
	if err := <-done; err != nil {
		t.Fatalf("download failed: %v", err)
	}
}

func TestDownloadRejectsInvalidContent(t *testing.T) {
	manager, _ := newTestManager(t, nil)
	namespace := mustNamespace(t, "user-1")
	summary := mustSummary(t, "story-1")

	for _, content := range []string{"", "   ", "{not json"} {
		_, err := manager.Download(context.Background(), namespace, summary, json.RawMessage(content))
		if !errors.Is(err, ErrInvalidContent) {
			t.Fatalf("expected ErrInvalidContent for %q, got %v", content, err)
		}
		if manager.Status(namespace, summary.StoryID) != StatusFailed {
			t.Fatalf("expected failed status for %q", content)
		}
	}
}

func TestDownloadFromSource(t *testing.T) {
	source := &stubSource{content: json.RawMessage(storyDocument)}
	manager, _ := newTestManager(t, source)
	namespace := mustNamespace(t, "user-1")
	summary := mustSummary(t, "story-1")

	record, err := manager.DownloadFromSource(context.Background(), namespace, summary)
	if err != nil {
		t.Fatalf("download from source failed: %v", err)
	}
	if record.Status != StatusDownloaded || source.calls != 1 {
		t.Fatalf("unexpected result status=%s calls=%d", record.Status, source.calls)
	}
}

func TestDownloadFromSourceFetchFailure(t *testing.T) {
	source := &stubSource{err: errors.New("cms unreachable")}
	manager, _ := newTestManager(t, source)
	namespace := mustNamespace(t, "user-1")
	summary := mustSummary(t, "story-1")

	_, err := manager.DownloadFromSource(context.Background(), namespace, summary)
	if !errors.Is(err, ErrContentFetch) {
		t.Fatalf("expected ErrContentFetch, got %v", err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "downloads.download_from_source.fetch_failed" {
		t.Fatalf("unexpected error code: %v", err)
	}
	if manager.Status(namespace, summary.StoryID) != StatusFailed {
		t.Fatalf("expected failed status after fetch failure")
	}
}

func TestDownloadFromSourceRequiresSource(t *testing.T) {
	manager, _ := newTestManager(t, nil)
	if _, err := manager.DownloadFromSource(context.Background(), mustNamespace(t, "user-1"), mustSummary(t, "story-1")); err == nil {
		t.Fatalf("expected missing source error")
	}
}

func TestDeleteDownloadIsIdempotent(t *testing.T) {
	manager, store := newTestManager(t, nil)
	namespace := mustNamespace(t, "user-1")
	storyID := mustStoryID(t, "story-1")

	if err := manager.DeleteDownload(context.Background(), namespace, storyID); err != nil {
		t.Fatalf("deleting a missing download should succeed: %v", err)
	}
	if manager.Status(namespace, storyID) != StatusNotDownloaded {
		t.Fatalf("expected not downloaded status")
	}

	if _, err := manager.Download(context.Background(), namespace, mustSummary(t, "story-1"), json.RawMessage(storyDocument)); err != nil {
		t.Fatalf("download failed: %v", err)
	}
	if err := manager.DeleteDownload(context.Background(), namespace, storyID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := manager.DeleteDownload(context.Background(), namespace, storyID); err != nil {
		t.Fatalf("second delete failed: %v", err)
	}
	if manager.Status(namespace, storyID) != StatusNotDownloaded {
		t.Fatalf("expected not downloaded after delete")
	}

	for _, key := range []string{kvstore.DownloadKey(storyID), kvstore.DownloadContentKey(storyID)} {
		if _, found, err := store.Get(context.Background(), namespace, key); err != nil || found {
			t.Fatalf("expected %s removed, found=%v err=%v", key, found, err)
		}
	}
}

func TestListOrdersNewestFirst(t *testing.T) {
	current := time.Unix(1700000000, 0).UTC()
	manager, _ := newTestManager(t, nil)
	manager.clock = func() time.Time {
		current = current.Add(time.Minute)
		return current
	}
	namespace := mustNamespace(t, "user-1")

	for _, id := range []string{"story-a", "story-b", "story-c"} {
		if _, err := manager.Download(context.Background(), namespace, mustSummary(t, id), json.RawMessage(storyDocument)); err != nil {
			t.Fatalf("download %s failed: %v", id, err)
		}
	}

	records := manager.List(namespace)
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if records[0].StoryID != "story-c" || records[2].StoryID != "story-a" {
		t.Fatalf("unexpected order: %s, %s, %s", records[0].StoryID, records[1].StoryID, records[2].StoryID)
	}
}

func TestRestoreSkipsCorruptRecords(t *testing.T) {
	manager, store := newTestManager(t, nil)
	namespace := mustNamespace(t, "user-1")

	if err := store.Set(context.Background(), namespace, kvstore.DownloadPrefix+"broken", "{"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if err := manager.Restore(context.Background(), namespace); err != nil {
		t.Fatalf("restore should skip corrupt records: %v", err)
	}
	if manager.Status(namespace, mustStoryID(t, "broken")) != StatusNotDownloaded {
		t.Fatalf("corrupt record must not be cached")
	}
}

func newTestManager(t *testing.T, source ContentSource) (*Manager, *gatedStore) {
	t.Helper()

	dsn := fmt.Sprintf("file:downloads_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
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
	store := &gatedStore{Store: sqlStore, db: db}

	cfg := ManagerConfig{
		Store: store,
		Clock: func() time.Time { return time.Unix(1700000000, 0).UTC() },
	}
	if source != nil {
		cfg.Source = source
	}
	manager, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("failed to construct manager: %v", err)
	}
	return manager, store
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

func mustSummary(t *testing.T, id string) stories.StorySummary {
	t.Helper()
	return stories.StorySummary{
		StoryID:              mustStoryID(t, id),
		Title:                "The " + id,
		Author:               "Anon",
		EstimatedReadMinutes: 7,
		Difficulty:           stories.DifficultyBeginner,
	}
}
