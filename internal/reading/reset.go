package reading

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/tales/internal/stories"
	"go.uber.org/zap"
)

var (
	errMissingNamespaceStore = errors.New("reading: namespace store is required")
	errMissingForgetters     = errors.New("reading: progress and download caches are required")
)

// NamespaceStore deletes every persisted entry of a namespace.
type NamespaceStore interface {
	Clear(ctx context.Context, namespace stories.Namespace) error
}

// ProgressCache drops the in-memory progress of a namespace.
type ProgressCache interface {
	Forget(namespace stories.Namespace)
}

// DownloadCache drops the cached download records of a namespace. It fails while
// a download of the namespace is in flight.
type DownloadCache interface {
	Forget(namespace stories.Namespace) error
}

// ResetterConfig describes the components a namespace reset touches.
type ResetterConfig struct {
	Store     NamespaceStore
	Progress  ProgressCache
	Downloads DownloadCache
	Sessions  *Sessions
	Logger    *zap.Logger
}

// Resetter wipes a namespace from storage and from the memory of the running service.
type Resetter struct {
	store     NamespaceStore
	progress  ProgressCache
	downloads DownloadCache
	sessions  *Sessions
	logger    *zap.Logger
}

func NewResetter(cfg ResetterConfig) (*Resetter, error) {
	if cfg.Store == nil {
		return nil, errMissingNamespaceStore
	}
	if cfg.Progress == nil || cfg.Downloads == nil {
		return nil, errMissingForgetters
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Resetter{
		store:     cfg.Store,
		progress:  cfg.Progress,
		downloads: cfg.Downloads,
		sessions:  cfg.Sessions,
		logger:    logger,
	}, nil
}

// ResetNamespace deletes the stored progress, downloads and library of a namespace.
// Open sessions are dropped and pending progress writes are abandoned, so nothing
// cached before the reset is written back.
func (r *Resetter) ResetNamespace(ctx context.Context, namespace stories.Namespace) error {
	if err := r.downloads.Forget(namespace); err != nil {
		return err
	}
	discarded := 0
	if r.sessions != nil {
		discarded = r.sessions.DiscardNamespace(namespace)
	}
	r.progress.Forget(namespace)

	if err := r.store.Clear(ctx, namespace); err != nil {
		return err
	}

	// Entries loaded while the store was being cleared are stale now.
	r.progress.Forget(namespace)
	if err := r.downloads.Forget(namespace); err != nil {
		return err
	}

	r.logger.Info("namespace reset",
		zap.String("namespace", namespace.String()),
		zap.Int("sessions_discarded", discarded))
	return nil
}
