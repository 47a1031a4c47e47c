package reading

import (
	"context"
	"errors"
	"math"
	"sync"

	"github.com/MarcoPoloResearchLab/tales/internal/progress"
	"github.com/MarcoPoloResearchLab/tales/internal/stories"
	"go.uber.org/zap"
)

var (
	// ErrSessionClosed is returned by a session after Close.
	ErrSessionClosed = errors.New("reading: session closed")

	errMissingTracker = errors.New("reading: progress tracker is required")
	noOpLogger        = zap.NewNop()
)

// ProgressTracker is the subset of the progress tracker a reading screen drives.
type ProgressTracker interface {
	RecordProgress(ctx context.Context, namespace stories.Namespace, storyID stories.StoryID, rawPercentage int) (progress.RecordResult, error)
	MarkComplete(ctx context.Context, namespace stories.Namespace, storyID stories.StoryID) (progress.RecordResult, error)
	FlushStory(ctx context.Context, namespace stories.Namespace, storyID stories.StoryID) error
	Discard(namespace stories.Namespace, storyID stories.StoryID)
}

// ScrollMetrics is one scroll observation of the reading view, in pixels.
type ScrollMetrics struct {
	Offset         float64
	ContentHeight  float64
	ViewportHeight float64
}

// Percentage converts the scroll position into 0..100. Content that fits in the
// viewport counts as fully read.
func (metrics ScrollMetrics) Percentage() int {
	scrollable := metrics.ContentHeight - metrics.ViewportHeight
	if scrollable <= 0 {
		return 100
	}
	ratio := metrics.Offset / scrollable
	if math.IsNaN(ratio) {
		return 0
	}
	return progress.ClampPercentage(int(math.Round(ratio * 100)))
}

// SessionConfig describes one reading screen.
type SessionConfig struct {
	Tracker   ProgressTracker
	Namespace stories.Namespace
	StoryID   stories.StoryID
	// FlushOnClose persists the pending progress on Close; when false the last
	// sub-second of progress is dropped.
	FlushOnClose bool
	// OnCompleted runs once when the story is first completed during the session.
	OnCompleted func(progress.Progress)
	Logger      *zap.Logger
}

// Session turns scroll events of a single open story into progress updates.
type Session struct {
	tracker      ProgressTracker
	namespace    stories.Namespace
	storyID      stories.StoryID
	flushOnClose bool
	onCompleted  func(progress.Progress)
	logger       *zap.Logger

	mu          sync.Mutex
	closed      bool
	celebrated  bool
	lastPercent int
}

// NewSession validates the configuration and opens a session.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Tracker == nil {
		return nil, errMissingTracker
	}
	if cfg.Namespace == "" {
		return nil, stories.ErrInvalidNamespace
	}
	if cfg.StoryID == "" {
		return nil, stories.ErrInvalidStoryID
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Session{
		tracker:      cfg.Tracker,
		namespace:    cfg.Namespace,
		storyID:      cfg.StoryID,
		flushOnClose: cfg.FlushOnClose,
		onCompleted:  cfg.OnCompleted,
		logger:       logger,
		lastPercent:  -1,
	}, nil
}

// OnScroll records the percentage derived from metrics. Repeated events at the
// last recorded percentage are not forwarded; a failed record is retried by the next event.
func (s *Session) OnScroll(ctx context.Context, metrics ScrollMetrics) (progress.RecordResult, error) {
	percentage := metrics.Percentage()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return progress.RecordResult{}, ErrSessionClosed
	}
	if percentage == s.lastPercent {
		s.mu.Unlock()
		return progress.RecordResult{}, nil
	}
	s.mu.Unlock()

	result, err := s.tracker.RecordProgress(ctx, s.namespace, s.storyID, percentage)
	if err != nil {
		s.logger.Warn("reading session progress update failed",
			zap.String("namespace", s.namespace.String()),
			zap.String("story_id", s.storyID.String()),
			zap.Int("percentage", percentage),
			zap.Error(err))
		return progress.RecordResult{}, err
	}

	s.mu.Lock()
	s.lastPercent = percentage
	s.mu.Unlock()
	s.celebrate(result)
	return result, nil
}

// MarkComplete completes the story explicitly.
func (s *Session) MarkComplete(ctx context.Context) (progress.RecordResult, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return progress.RecordResult{}, ErrSessionClosed
	}

	result, err := s.tracker.MarkComplete(ctx, s.namespace, s.storyID)
	if err != nil {
		return progress.RecordResult{}, err
	}
	s.celebrate(result)
	return result, nil
}

// Close tears the session down, flushing or dropping the pending progress write.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if !s.flushOnClose {
		s.tracker.Discard(s.namespace, s.storyID)
		return nil
	}
	return s.tracker.FlushStory(ctx, s.namespace, s.storyID)
}

// abandon closes the session without touching the tracker.
func (s *Session) abandon() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *Session) celebrate(result progress.RecordResult) {
	if !result.JustCompleted {
		return
	}
	s.mu.Lock()
	if s.celebrated {
		s.mu.Unlock()
		return
	}
	s.celebrated = true
	s.mu.Unlock()
	if s.onCompleted != nil {
		s.onCompleted(result.Progress)
	}
}
