package library

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tales/internal/kvstore"
	"github.com/MarcoPoloResearchLab/tales/internal/stories"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"
)

const (
	opRegistryNew = "library.registry.new"
	opAdd         = "library.add"
	opRemove      = "library.remove"
	opContains    = "library.contains"
	opList        = "library.list"

	reasonMissingStore = "missing_store"
	reasonInvalidStory = "invalid_story"
	reasonReadFailed   = "read_failed"
	reasonDecodeFailed = "decode_failed"
	reasonEncodeFailed = "encode_failed"
	reasonWriteFailed  = "write_failed"
)

var (
	// ErrInvalidStory reports a summary without a story identifier.
	ErrInvalidStory = errors.New("library: invalid story")

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

// Entry is a saved story with the summary captured when it was added.
type Entry struct {
	stories.StorySummary
	AddedAt time.Time `json:"added_at"`
}

// RegistryConfig describes the dependencies of a Registry.
type RegistryConfig struct {
	Store  kvstore.Store
	Clock  func() time.Time
	Logger *zap.Logger
}

// Registry keeps each namespace's saved stories as a single list. It never touches
// progress or download records.
type Registry struct {
	store    kvstore.Store
	clock    func() time.Time
	logger   *zap.Logger
	sanitize *bluemonday.Policy

	// writes serializes read-modify-write cycles on the shared library key.
	writes sync.Mutex
}

// NewRegistry validates the configuration and constructs a Registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opRegistryNew, reasonMissingStore, errMissingStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Registry{
		store:    cfg.Store,
		clock:    clock,
		logger:   logger,
		sanitize: bluemonday.StrictPolicy(),
	}, nil
}

// Add saves the story. Adding a story that is already saved changes nothing and
// reports added=false with the existing entry.
func (r *Registry) Add(ctx context.Context, namespace stories.Namespace, summary stories.StorySummary) (Entry, bool, error) {
	if summary.StoryID == "" {
		return Entry{}, false, newServiceError(opAdd, reasonInvalidStory, ErrInvalidStory)
	}

	r.writes.Lock()
	defer r.writes.Unlock()

	entries, err := r.load(ctx, opAdd, namespace)
	if err != nil {
		return Entry{}, false, err
	}
	for _, existing := range entries {
		if existing.StoryID == summary.StoryID {
			return existing, false, nil
		}
	}

	entry := Entry{
		StorySummary: r.cleanSummary(summary),
		AddedAt:      r.clock().UTC(),
	}
	entries = append(entries, entry)
	if err := r.save(ctx, opAdd, namespace, entries); err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

// Remove deletes the story from the library; removing a non-member is a no-op.
func (r *Registry) Remove(ctx context.Context, namespace stories.Namespace, storyID stories.StoryID) (bool, error) {
	r.writes.Lock()
	defer r.writes.Unlock()

	entries, err := r.load(ctx, opRemove, namespace)
	if err != nil {
		return false, err
	}
	kept := entries[:0]
	removed := false
	for _, entry := range entries {
		if entry.StoryID == storyID {
			removed = true
			continue
		}
		kept = append(kept, entry)
	}
	if !removed {
		return false, nil
	}
	if err := r.save(ctx, opRemove, namespace, kept); err != nil {
		return false, err
	}
	return true, nil
}

// Contains reports whether the story is saved.
func (r *Registry) Contains(ctx context.Context, namespace stories.Namespace, storyID stories.StoryID) (bool, error) {
	entries, err := r.load(ctx, opContains, namespace)
	if err != nil {
		return false, err
	}
	for _, entry := range entries {
		if entry.StoryID == storyID {
			return true, nil
		}
	}
	return false, nil
}

// List returns saved stories, most recently added first.
func (r *Registry) List(ctx context.Context, namespace stories.Namespace) ([]Entry, error) {
	entries, err := r.load(ctx, opList, namespace)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].AddedAt.After(entries[j].AddedAt)
	})
	return entries, nil
}

func (r *Registry) load(ctx context.Context, operation string, namespace stories.Namespace) ([]Entry, error) {
	raw, found, err := r.store.Get(ctx, namespace, kvstore.LibraryKey)
	if err != nil {
		r.logError(operation, reasonReadFailed, err, namespace)
		return nil, newServiceError(operation, reasonReadFailed, err)
	}
	if !found || strings.TrimSpace(raw) == "" {
		return []Entry{}, nil
	}
	var entries []Entry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		r.logError(operation, reasonDecodeFailed, err, namespace)
		return nil, newServiceError(operation, reasonDecodeFailed, err)
	}
	return entries, nil
}

func (r *Registry) save(ctx context.Context, operation string, namespace stories.Namespace, entries []Entry) error {
	encoded, err := json.Marshal(entries)
	if err != nil {
		r.logError(operation, reasonEncodeFailed, err, namespace)
		return newServiceError(operation, reasonEncodeFailed, err)
	}
	if err := r.store.Set(ctx, namespace, kvstore.LibraryKey, string(encoded)); err != nil {
		r.logError(operation, reasonWriteFailed, err, namespace)
		return newServiceError(operation, reasonWriteFailed, err)
	}
	return nil
}

// cleanSummary strips markup the CMS may leave in display fields.
func (r *Registry) cleanSummary(summary stories.StorySummary) stories.StorySummary {
	summary.Title = r.plainText(summary.Title)
	summary.Author = r.plainText(summary.Author)
	summary.CoverImageURL = strings.TrimSpace(summary.CoverImageURL)
	summary.Difficulty = stories.ParseDifficulty(string(summary.Difficulty))
	if summary.EstimatedReadMinutes < 0 {
		summary.EstimatedReadMinutes = 0
	}
	return summary
}

func (r *Registry) plainText(value string) string {
	return strings.TrimSpace(html.UnescapeString(r.sanitize.Sanitize(value)))
}

func (r *Registry) logError(operation, reason string, err error, namespace stories.Namespace) {
	logger := r.logger
	if logger == nil {
		logger = noOpLogger
	}
	logger.Error("library registry error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("namespace", namespace.String()),
		zap.Error(err))
}
