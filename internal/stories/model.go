package stories

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

const guestNamespacePrefix = "guest:"

var (
	// ErrInvalidStoryID indicates that a story identifier is empty or exceeds storage bounds.
	ErrInvalidStoryID = errors.New("stories: invalid story id")
	// ErrInvalidNamespace indicates that a persistence namespace is empty or exceeds storage bounds.
	ErrInvalidNamespace = errors.New("stories: invalid namespace")
)

// StoryID represents a validated story identifier supplied by the content source.
type StoryID string

// NewStoryID validates raw input and returns a StoryID.
func NewStoryID(rawInput string) (StoryID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidStoryID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidStoryID, maxIdentifierLength)
	}
	return StoryID(trimmed), nil
}

// String returns the underlying string identifier.
func (id StoryID) String() string {
	return string(id)
}

// Namespace isolates one user's or guest session's persisted state.
type Namespace string

// NewNamespace validates raw input and returns a Namespace.
func NewNamespace(rawInput string) (Namespace, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNamespace)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidNamespace, maxIdentifierLength)
	}
	return Namespace(trimmed), nil
}

// GuestNamespace builds the namespace used for an anonymous reading session.
func GuestNamespace(sessionID string) (Namespace, error) {
	trimmed := strings.TrimSpace(sessionID)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty guest session", ErrInvalidNamespace)
	}
	return NewNamespace(guestNamespacePrefix + trimmed)
}

// IsGuest reports whether the namespace belongs to a guest session.
func (ns Namespace) IsGuest() bool {
	return strings.HasPrefix(string(ns), guestNamespacePrefix)
}

// String returns the underlying namespace value.
func (ns Namespace) String() string {
	return string(ns)
}

// Difficulty grades how demanding a story is for a learner.
type Difficulty string

const (
	DifficultyBeginner     Difficulty = "beginner"
	DifficultyIntermediate Difficulty = "intermediate"
	DifficultyAdvanced     Difficulty = "advanced"
)

// ParseDifficulty normalizes a raw difficulty label; unknown labels yield the empty value.
func ParseDifficulty(raw string) Difficulty {
	switch Difficulty(strings.ToLower(strings.TrimSpace(raw))) {
	case DifficultyBeginner:
		return DifficultyBeginner
	case DifficultyIntermediate:
		return DifficultyIntermediate
	case DifficultyAdvanced:
		return DifficultyAdvanced
	default:
		return ""
	}
}

// StorySummary is the display data captured when a story is saved or downloaded,
// so the story can be rendered while the content source is unreachable.
type StorySummary struct {
	StoryID              StoryID    `json:"story_id"`
	Title                string     `json:"title"`
	CoverImageURL        string     `json:"cover_image_url,omitempty"`
	Author               string     `json:"author,omitempty"`
	EstimatedReadMinutes int        `json:"estimated_read_minutes,omitempty"`
	Difficulty           Difficulty `json:"difficulty,omitempty"`
}
