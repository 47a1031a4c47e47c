package downloads

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tales/internal/kvstore"
	"github.com/MarcoPoloResearchLab/tales/internal/stories"
	"go.uber.org/zap"
)

const (
	opManagerNew         = "downloads.manager.new"
	opRestore            = "downloads.restore"
	opDownload           = "downloads.download"
	opDownloadFromSource = "downloads.download_from_source"
	opDelete             = "downloads.delete"
	opGet                = "downloads.get"
	opForget             = "downloads.forget"

	reasonMissingStore   = "missing_store"
	reasonMissingSource  = "missing_source"
	reasonInvalidStory   = "invalid_story"
	reasonInFlight       = "in_flight"
	reasonInvalidContent = "invalid_content"
	reasonFetchFailed    = "fetch_failed"
	reasonReadFailed     = "read_failed"
	reasonDecodeFailed   = "decode_failed"
	reasonWriteFailed    = "write_failed"
	reasonDeleteFailed   = "delete_failed"
	reasonContentMissing = "content_missing"

	fieldNamespace = "namespace"
	fieldStoryID   = "story_id"
	fieldKey       = "key"
)

var (
	// ErrDownloadInFlight rejects a download or delete while another one holds the story.
	ErrDownloadInFlight = errors.New("downloads: download already in flight")
	// ErrContentFetch reports that the content source could not supply the story body.
	ErrContentFetch = errors.New("downloads: content fetch failed")
	// ErrInvalidContent reports a story body that is empty or not a JSON document.
	ErrInvalidContent = errors.New("downloads: invalid content")
	// ErrInvalidStory reports a summary without a story identifier.
	ErrInvalidStory = errors.New("downloads: invalid story")
	// ErrNoContentSource reports a fetch requested from a manager built without a source.
	ErrNoContentSource = errors.New("downloads: no content source configured")

	errMissingStore = errors.New("key-value store is required")
	noOpLogger      = zap.NewNop()
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

// ContentSource supplies the full story document to store offline.
type ContentSource interface {
	FetchStoryContent(ctx context.Context, storyID stories.StoryID) (json.RawMessage, error)
}

// ManagerConfig describes the dependencies of a Manager.
type ManagerConfig struct {
	Store  kvstore.Store
	Source ContentSource
	Clock  func() time.Time
	Logger *zap.Logger
}

type storyKey struct {
	namespace stories.Namespace
	storyID   stories.StoryID
}

// Manager keeps offline copies of stories. Status reads come from an in-memory cache
// restored from persistence once per namespace until Forget drops it.
type Manager struct {
	store  kvstore.Store
	source ContentSource
	clock  func() time.Time
	logger *zap.Logger

	mu       sync.Mutex
	records  map[stories.Namespace]map[stories.StoryID]Record
	restored map[stories.Namespace]bool
	// claims holds the stories a download or delete is working on.
	claims map[storyKey]struct{}
}

// NewManager validates the configuration and constructs a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opManagerNew, reasonMissingStore, errMissingStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Manager{
		store:    cfg.Store,
		source:   cfg.Source,
		clock:    clock,
		logger:   logger,
		records:  make(map[stories.Namespace]map[stories.StoryID]Record),
		restored: make(map[stories.Namespace]bool),
		claims:   make(map[storyKey]struct{}),
	}, nil
}

// Restore loads the persisted download records of a namespace into the cache.
// Subsequent calls for the same namespace are no-ops.
func (m *Manager) Restore(ctx context.Context, namespace stories.Namespace) error {
	m.mu.Lock()
	done := m.restored[namespace]
	m.mu.Unlock()
	if done {
		return nil
	}

	entries, err := m.store.List(ctx, namespace, kvstore.DownloadPrefix)
	if err != nil {
		m.logError(opRestore, reasonReadFailed, err, namespace, "")
		return newServiceError(opRestore, reasonReadFailed, err)
	}

	loaded := make([]Record, 0, len(entries))
	for _, entry := range entries {
		storyID, ok := kvstore.StoryIDFromKey(kvstore.DownloadPrefix, entry.Key)
		if !ok {
			continue
		}
		var stored storedRecord
		if err := json.Unmarshal([]byte(entry.Value), &stored); err != nil {
			m.logError(opRestore, reasonDecodeFailed, err, namespace, storyID, zap.String(fieldKey, entry.Key))
			continue
		}
		stored.StoryID = storyID
		loaded = append(loaded, stored.toRecord())
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.restored[namespace] {
		return nil
	}
	cache := m.namespaceLocked(namespace)
	for _, record := range loaded {
		if _, exists := cache[record.StoryID]; exists {
			continue
		}
		cache[record.StoryID] = record
	}
	m.restored[namespace] = true
	return nil
}

// Status returns the cached download status of a story.
func (m *Manager) Status(namespace stories.Namespace, storyID stories.StoryID) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[namespace][storyID]
	if !ok {
		return StatusNotDownloaded
	}
	return record.Status
}

// IsDownloaded reports whether an offline copy of the story is available.
func (m *Manager) IsDownloaded(namespace stories.Namespace, storyID stories.StoryID) bool {
	return m.Status(namespace, storyID) == StatusDownloaded
}

// Lookup returns the cached metadata of a story without its content.
func (m *Manager) Lookup(namespace stories.Namespace, storyID stories.StoryID) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[namespace][storyID]
	return record, ok
}

// List returns the cached records of a namespace, most recent download first.
func (m *Manager) List(namespace stories.Namespace) []Record {
	m.mu.Lock()
	records := make([]Record, 0, len(m.records[namespace]))
	for _, record := range m.records[namespace] {
		records = append(records, record)
	}
	m.mu.Unlock()

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].DownloadedAt.Equal(records[j].DownloadedAt) {
			return records[i].StoryID < records[j].StoryID
		}
		return records[i].DownloadedAt.After(records[j].DownloadedAt)
	})
	return records
}

// Download stores content as the offline copy of the story. A concurrent download
// of the same story is rejected with ErrDownloadInFlight. Failures leave the story
// in StatusFailed and are never retried here.
func (m *Manager) Download(ctx context.Context, namespace stories.Namespace, summary stories.StorySummary, content json.RawMessage) (Record, error) {
	if err := m.begin(ctx, opDownload, namespace, summary); err != nil {
		return Record{}, err
	}
	return m.complete(ctx, opDownload, namespace, summary, content)
}

// DownloadFromSource fetches the story body from the content source and stores it.
func (m *Manager) DownloadFromSource(ctx context.Context, namespace stories.Namespace, summary stories.StorySummary) (Record, error) {
	if m.source == nil {
		return Record{}, newServiceError(opDownloadFromSource, reasonMissingSource, ErrNoContentSource)
	}
	if err := m.begin(ctx, opDownloadFromSource, namespace, summary); err != nil {
		return Record{}, err
	}

	content, err := m.source.FetchStoryContent(ctx, summary.StoryID)
	if err != nil {
		cause := fmt.Errorf("%w: %w", ErrContentFetch, err)
		m.fail(namespace, summary.StoryID, cause)
		m.logError(opDownloadFromSource, reasonFetchFailed, err, namespace, summary.StoryID)
		return Record{}, newServiceError(opDownloadFromSource, reasonFetchFailed, cause)
	}
	return m.complete(ctx, opDownloadFromSource, namespace, summary, content)
}

// Get returns the record of a story, including its content when downloaded.
func (m *Manager) Get(ctx context.Context, namespace stories.Namespace, storyID stories.StoryID) (Record, bool, error) {
	if err := m.Restore(ctx, namespace); err != nil {
		return Record{}, false, err
	}
	record, ok := m.Lookup(namespace, storyID)
	if !ok {
		return Record{}, false, nil
	}
	if record.Status != StatusDownloaded {
		return record, true, nil
	}

	body, found, err := m.store.Get(ctx, namespace, kvstore.DownloadContentKey(storyID))
	if err != nil {
		m.logError(opGet, reasonReadFailed, err, namespace, storyID)
		return Record{}, false, newServiceError(opGet, reasonReadFailed, err)
	}
	if !found {
		err := fmt.Errorf("content for %s missing from storage", storyID)
		m.logError(opGet, reasonContentMissing, err, namespace, storyID)
		return Record{}, false, newServiceError(opGet, reasonContentMissing, err)
	}
	record.Content = json.RawMessage(body)
	return record, true, nil
}

// DeleteDownload removes the offline copy of a story. Deleting a story that was never
// downloaded succeeds. The story stays claimed until both keys and the cache agree.
func (m *Manager) DeleteDownload(ctx context.Context, namespace stories.Namespace, storyID stories.StoryID) error {
	if err := m.Restore(ctx, namespace); err != nil {
		return err
	}
	key := storyKey{namespace: namespace, storyID: storyID}

	m.mu.Lock()
	if _, claimed := m.claims[key]; claimed {
		m.mu.Unlock()
		return newServiceError(opDelete, reasonInFlight, ErrDownloadInFlight)
	}
	m.claims[key] = struct{}{}
	m.mu.Unlock()

	err := m.store.Apply(ctx, namespace,
		kvstore.Mutation{Key: kvstore.DownloadKey(storyID), Delete: true},
		kvstore.Mutation{Key: kvstore.DownloadContentKey(storyID), Delete: true},
	)

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claims, key)
	if err != nil {
		m.logError(opDelete, reasonDeleteFailed, err, namespace, storyID)
		return newServiceError(opDelete, reasonDeleteFailed, err)
	}
	delete(m.namespaceLocked(namespace), storyID)
	return nil
}

// Forget drops the cached records of a namespace so the next read restores them
// from the store again. A namespace with work in flight is left untouched.
func (m *Manager) Forget(namespace stories.Namespace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.claims {
		if key.namespace == namespace {
			return newServiceError(opForget, reasonInFlight, ErrDownloadInFlight)
		}
	}
	delete(m.records, namespace)
	delete(m.restored, namespace)
	return nil
}

// begin claims the story for a download. The claim check and the transition to
// StatusDownloading happen under one lock so two callers cannot both succeed.
func (m *Manager) begin(ctx context.Context, operation string, namespace stories.Namespace, summary stories.StorySummary) error {
	if summary.StoryID == "" {
		return newServiceError(operation, reasonInvalidStory, ErrInvalidStory)
	}
	if err := m.Restore(ctx, namespace); err != nil {
		return err
	}
	key := storyKey{namespace: namespace, storyID: summary.StoryID}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, claimed := m.claims[key]; claimed {
		return newServiceError(operation, reasonInFlight, ErrDownloadInFlight)
	}
	m.claims[key] = struct{}{}
	m.namespaceLocked(namespace)[summary.StoryID] = Record{
		StoryID: summary.StoryID,
		Status:  StatusDownloading,
		Summary: summary,
	}
	return nil
}

// complete writes the body and its metadata in one transaction, so a failure keeps
// whatever pair was persisted before.
func (m *Manager) complete(ctx context.Context, operation string, namespace stories.Namespace, summary stories.StorySummary, content json.RawMessage) (Record, error) {
	storyID := summary.StoryID

	if err := validateContent(content); err != nil {
		m.fail(namespace, storyID, err)
		m.logError(operation, reasonInvalidContent, err, namespace, storyID)
		return Record{}, newServiceError(operation, reasonInvalidContent, err)
	}

	stored := storedRecord{
		StoryID:      storyID,
		Status:       StatusDownloaded,
		Summary:      summary,
		SizeBytes:    int64(len(content)),
		DownloadedAt: m.clock().UTC(),
	}
	encoded, err := json.Marshal(stored)
	if err != nil {
		m.fail(namespace, storyID, err)
		m.logError(operation, reasonWriteFailed, err, namespace, storyID)
		return Record{}, newServiceError(operation, reasonWriteFailed, err)
	}

	err = m.store.Apply(ctx, namespace,
		kvstore.Mutation{Key: kvstore.DownloadContentKey(storyID), Value: string(content)},
		kvstore.Mutation{Key: kvstore.DownloadKey(storyID), Value: string(encoded)},
	)
	if err != nil {
		m.fail(namespace, storyID, err)
		m.logError(operation, reasonWriteFailed, err, namespace, storyID)
		return Record{}, newServiceError(operation, reasonWriteFailed, err)
	}

	record := stored.toRecord()
	m.settle(namespace, storyID, record)

	record.Content = append(json.RawMessage(nil), content...)
	return record, nil
}

func (m *Manager) fail(namespace stories.Namespace, storyID stories.StoryID, cause error) {
	m.mu.Lock()
	record := m.records[namespace][storyID]
	m.mu.Unlock()

	record.StoryID = storyID
	record.Status = StatusFailed
	record.SizeBytes = 0
	record.DownloadedAt = time.Time{}
	record.FailureReason = cause.Error()
	m.settle(namespace, storyID, record)
}

// settle stores the outcome of a download and releases its claim.
func (m *Manager) settle(namespace stories.Namespace, storyID stories.StoryID, record Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.namespaceLocked(namespace)[storyID] = record
	delete(m.claims, storyKey{namespace: namespace, storyID: storyID})
}

func (m *Manager) namespaceLocked(namespace stories.Namespace) map[stories.StoryID]Record {
	cache, ok := m.records[namespace]
	if !ok {
		cache = make(map[stories.StoryID]Record)
		m.records[namespace] = cache
	}
	return cache
}

// validateContent only checks that the body is a JSON document; it is stored verbatim.
func validateContent(content json.RawMessage) error {
	if len(bytes.TrimSpace(content)) == 0 {
		return fmt.Errorf("%w: empty document", ErrInvalidContent)
	}
	if !json.Valid(content) {
		return fmt.Errorf("%w: not a JSON document", ErrInvalidContent)
	}
	return nil
}

func (m *Manager) logError(operation, reason string, err error, namespace stories.Namespace, storyID stories.StoryID, fields ...zap.Field) {
	logger := m.logger
	if logger == nil {
		logger = noOpLogger
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String(fieldNamespace, namespace.String()),
	}
	if storyID != "" {
		attrs = append(attrs, zap.String(fieldStoryID, storyID.String()))
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error("download manager error", attrs...)
}
