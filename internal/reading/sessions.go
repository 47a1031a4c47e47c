package reading

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tales/internal/progress"
	"github.com/MarcoPoloResearchLab/tales/internal/stories"
	"go.uber.org/zap"
)

// SessionsConfig describes the reading screens opened through a Sessions registry.
type SessionsConfig struct {
	Tracker      ProgressTracker
	FlushOnClose bool
	OnCompleted  func(namespace stories.Namespace, completed progress.Progress)
	// IdleTimeout closes a session after this long without events. Zero keeps
	// sessions open until they are closed explicitly.
	IdleTimeout time.Duration
	Clock       func() time.Time
	Logger      *zap.Logger
}

type sessionKey struct {
	namespace stories.Namespace
	storyID   stories.StoryID
}

type openSession struct {
	session  *Session
	lastUsed time.Time
}

// Sessions keeps at most one open Session per namespace and story.
type Sessions struct {
	tracker      ProgressTracker
	flushOnClose bool
	onCompleted  func(stories.Namespace, progress.Progress)
	idleTimeout  time.Duration
	clock        func() time.Time
	logger       *zap.Logger

	mu   sync.Mutex
	open map[sessionKey]*openSession
}

func NewSessions(cfg SessionsConfig) (*Sessions, error) {
	if cfg.Tracker == nil {
		return nil, errMissingTracker
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Sessions{
		tracker:      cfg.Tracker,
		flushOnClose: cfg.FlushOnClose,
		onCompleted:  cfg.OnCompleted,
		idleTimeout:  cfg.IdleTimeout,
		clock:        clock,
		logger:       logger,
		open:         make(map[sessionKey]*openSession),
	}, nil
}

// Open returns the session already open for the story, or opens a new one.
func (s *Sessions) Open(namespace stories.Namespace, storyID stories.StoryID) (*Session, error) {
	key := sessionKey{namespace: namespace, storyID: storyID}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.open[key]; ok {
		existing.lastUsed = s.clock()
		return existing.session, nil
	}
	cfg := SessionConfig{
		Tracker:      s.tracker,
		Namespace:    namespace,
		StoryID:      storyID,
		FlushOnClose: s.flushOnClose,
		Logger:       s.logger,
	}
	if s.onCompleted != nil {
		cfg.OnCompleted = func(completed progress.Progress) {
			s.onCompleted(namespace, completed)
		}
	}
	session, err := NewSession(cfg)
	if err != nil {
		return nil, err
	}
	s.open[key] = &openSession{session: session, lastUsed: s.clock()}
	return session, nil
}

// Scroll forwards metrics to the story's session, opening it on first use.
func (s *Sessions) Scroll(ctx context.Context, namespace stories.Namespace, storyID stories.StoryID, metrics ScrollMetrics) (progress.RecordResult, error) {
	session, err := s.Open(namespace, storyID)
	if err != nil {
		return progress.RecordResult{}, err
	}
	return session.OnScroll(ctx, metrics)
}

// Close tears down the story's session. closed is false when none was open.
func (s *Sessions) Close(ctx context.Context, namespace stories.Namespace, storyID stories.StoryID) (bool, error) {
	key := sessionKey{namespace: namespace, storyID: storyID}

	s.mu.Lock()
	entry, ok := s.open[key]
	delete(s.open, key)
	s.mu.Unlock()

	if !ok {
		return false, nil
	}
	return true, entry.session.Close(ctx)
}

// CloseIdle closes the sessions that saw no event for longer than the idle timeout
// and reports how many were closed.
func (s *Sessions) CloseIdle(ctx context.Context) (int, error) {
	if s.idleTimeout <= 0 {
		return 0, nil
	}
	cutoff := s.clock().Add(-s.idleTimeout)

	s.mu.Lock()
	idle := make([]*Session, 0)
	for key, entry := range s.open {
		if entry.lastUsed.After(cutoff) {
			continue
		}
		idle = append(idle, entry.session)
		delete(s.open, key)
	}
	s.mu.Unlock()

	var errs []error
	for _, session := range idle {
		if err := session.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return len(idle), errors.Join(errs...)
}

// SweepIdle runs CloseIdle every interval until ctx is done.
func (s *Sessions) SweepIdle(ctx context.Context, interval time.Duration) {
	if s.idleTimeout <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			closed, err := s.CloseIdle(ctx)
			if err != nil {
				s.logger.Warn("failed to close idle reading sessions", zap.Error(err))
			}
			if closed > 0 {
				s.logger.Debug("closed idle reading sessions", zap.Int("count", closed))
			}
		}
	}
}

// DiscardNamespace closes the sessions of a namespace without flushing or
// discarding their progress; the caller owns the tracker state.
func (s *Sessions) DiscardNamespace(namespace stories.Namespace) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	discarded := 0
	for key, entry := range s.open {
		if key.namespace != namespace {
			continue
		}
		entry.session.abandon()
		delete(s.open, key)
		discarded++
	}
	return discarded
}

// CloseAll closes every open session, e.g. on shutdown.
func (s *Sessions) CloseAll(ctx context.Context) error {
	s.mu.Lock()
	open := s.open
	s.open = make(map[sessionKey]*openSession)
	s.mu.Unlock()

	var errs []error
	for _, entry := range open {
		if err := entry.session.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len reports the number of open sessions.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open)
}
