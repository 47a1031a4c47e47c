package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tales/internal/stories"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opGet    = "kvstore.get"
	opSet    = "kvstore.set"
	opRemove = "kvstore.remove"
	opClear  = "kvstore.clear"
	opList   = "kvstore.list"
	opApply  = "kvstore.apply"

	reasonMissingDatabase = "missing_database"
	reasonInvalidKey      = "invalid_key"
	reasonReadFailed      = "read_failed"
	reasonWriteFailed     = "write_failed"
	reasonDeleteFailed    = "delete_failed"

	fieldNamespace = "namespace"
	fieldKey       = "key"

	columnNamespace = "namespace"
	columnKey       = "entry_key"
	queryNamespace  = columnNamespace + " = ?"
	queryEntry      = columnNamespace + " = ? AND " + columnKey + " = ?"
	queryPrefix     = columnNamespace + " = ? AND " + columnKey + ` LIKE ? ESCAPE '\'`
	orderKeyAsc     = columnKey + " ASC"
	maxKeyLength    = 255
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errEmptyKey        = errors.New("key must not be empty")
	errKeyTooLong      = fmt.Errorf("key exceeds %d characters", maxKeyLength)
	noOpLogger         = zap.NewNop()
)

// Store is the namespaced key-value contract shared by the reading components.
// Values are opaque text; callers serialize records as JSON.
type Store interface {
	Get(ctx context.Context, namespace stories.Namespace, key string) (string, bool, error)
	Set(ctx context.Context, namespace stories.Namespace, key, value string) error
	Remove(ctx context.Context, namespace stories.Namespace, key string) error
	Clear(ctx context.Context, namespace stories.Namespace) error
	List(ctx context.Context, namespace stories.Namespace, prefix string) ([]Entry, error)
	Apply(ctx context.Context, namespace stories.Namespace, mutations ...Mutation) error
}

// Mutation is one change applied by Apply. Delete removes Key and ignores Value.
type Mutation struct {
	Key    string
	Value  string
	Delete bool
}

// Entry is a single persisted value.
type Entry struct {
	Namespace        string `gorm:"column:namespace;primaryKey;size:190;not null"`
	Key              string `gorm:"column:entry_key;primaryKey;size:255;not null"`
	Value            string `gorm:"column:value;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "kv_entries"
}

// StorageError reports a failed persistence operation. It is never retried by the store.
type StorageError struct {
	code string
	err  error
}

func (e *StorageError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StorageError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason identifier of the failure.
func (e *StorageError) Code() string {
	return e.code
}

func newStorageError(operation, reason string, cause error) error {
	return &StorageError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// IsStorageError reports whether err originates from the key-value store.
func IsStorageError(err error) bool {
	var storageErr *StorageError
	return errors.As(err, &storageErr)
}

// Config describes the dependencies of a SQL-backed store.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// SQLStore persists entries in the kv_entries table.
type SQLStore struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// New constructs a SQLStore.
func New(cfg Config) (*SQLStore, error) {
	if cfg.Database == nil {
		return nil, newStorageError("kvstore.new", reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &SQLStore{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Get returns the stored value; found is false when the key was never set.
func (s *SQLStore) Get(ctx context.Context, namespace stories.Namespace, key string) (string, bool, error) {
	if err := s.ready(opGet, key); err != nil {
		return "", false, err
	}
	var entries []Entry
	result := s.db.WithContext(ctx).
		Where(queryEntry, namespace.String(), key).
		Limit(1).
		Find(&entries)
	if result.Error != nil {
		s.logError(opGet, reasonReadFailed, result.Error, namespace, key)
		return "", false, newStorageError(opGet, reasonReadFailed, result.Error)
	}
	if len(entries) == 0 {
		return "", false, nil
	}
	return entries[0].Value, true, nil
}

// Set inserts or replaces the value stored under key.
func (s *SQLStore) Set(ctx context.Context, namespace stories.Namespace, key, value string) error {
	if err := s.ready(opSet, key); err != nil {
		return err
	}
	entry := Entry{
		Namespace:        namespace.String(),
		Key:              key,
		Value:            value,
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := upsertEntry(s.db.WithContext(ctx), entry); err != nil {
		s.logError(opSet, reasonWriteFailed, err, namespace, key)
		return newStorageError(opSet, reasonWriteFailed, err)
	}
	return nil
}

// Apply runs every mutation in one transaction; either all of them land or none do.
func (s *SQLStore) Apply(ctx context.Context, namespace stories.Namespace, mutations ...Mutation) error {
	if s.db == nil {
		return newStorageError(opApply, reasonMissingDatabase, errMissingDatabase)
	}
	for _, mutation := range mutations {
		if err := s.ready(opApply, mutation.Key); err != nil {
			return err
		}
	}
	updatedAt := s.clock().UTC().Unix()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, mutation := range mutations {
			if mutation.Delete {
				if err := tx.Where(queryEntry, namespace.String(), mutation.Key).Delete(&Entry{}).Error; err != nil {
					return err
				}
				continue
			}
			entry := Entry{
				Namespace:        namespace.String(),
				Key:              mutation.Key,
				Value:            mutation.Value,
				UpdatedAtSeconds: updatedAt,
			}
			if err := upsertEntry(tx, entry); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logError(opApply, reasonWriteFailed, err, namespace, "")
		return newStorageError(opApply, reasonWriteFailed, err)
	}
	return nil
}

func upsertEntry(db *gorm.DB, entry Entry) error {
	return db.
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: columnNamespace}, {Name: columnKey}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at_s"}),
		}).
		Create(&entry).Error
}

// Remove deletes key; removing an absent key succeeds.
func (s *SQLStore) Remove(ctx context.Context, namespace stories.Namespace, key string) error {
	if err := s.ready(opRemove, key); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).
		Where(queryEntry, namespace.String(), key).
		Delete(&Entry{}).Error
	if err != nil {
		s.logError(opRemove, reasonDeleteFailed, err, namespace, key)
		return newStorageError(opRemove, reasonDeleteFailed, err)
	}
	return nil
}

// Clear deletes every entry in the namespace.
func (s *SQLStore) Clear(ctx context.Context, namespace stories.Namespace) error {
	if s.db == nil {
		return newStorageError(opClear, reasonMissingDatabase, errMissingDatabase)
	}
	err := s.db.WithContext(ctx).
		Where(queryNamespace, namespace.String()).
		Delete(&Entry{}).Error
	if err != nil {
		s.logError(opClear, reasonDeleteFailed, err, namespace, "")
		return newStorageError(opClear, reasonDeleteFailed, err)
	}
	return nil
}

// List returns the namespace entries whose key starts with prefix, ordered by key.
func (s *SQLStore) List(ctx context.Context, namespace stories.Namespace, prefix string) ([]Entry, error) {
	if s.db == nil {
		return nil, newStorageError(opList, reasonMissingDatabase, errMissingDatabase)
	}
	var entries []Entry
	err := s.db.WithContext(ctx).
		Where(queryPrefix, namespace.String(), escapeLike(prefix)+"%").
		Order(orderKeyAsc).
		Find(&entries).Error
	if err != nil {
		s.logError(opList, reasonReadFailed, err, namespace, prefix)
		return nil, newStorageError(opList, reasonReadFailed, err)
	}
	return entries, nil
}

func (s *SQLStore) ready(operation, key string) error {
	if s.db == nil {
		return newStorageError(operation, reasonMissingDatabase, errMissingDatabase)
	}
	if key == "" {
		return newStorageError(operation, reasonInvalidKey, errEmptyKey)
	}
	if len(key) > maxKeyLength {
		return newStorageError(operation, reasonInvalidKey, errKeyTooLong)
	}
	return nil
}

func (s *SQLStore) logError(operation, reason string, err error, namespace stories.Namespace, key string) {
	logger := s.logger
	if logger == nil {
		logger = noOpLogger
	}
	logger.Error("kv store error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
		zap.String(fieldNamespace, namespace.String()),
		zap.String(fieldKey, key))
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(value string) string {
	return likeEscaper.Replace(value)
}
