package progress

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tales/internal/stories"
)

const (
	// DefaultDebounce is the quiet period before a recorded percentage is persisted.
	DefaultDebounce = time.Second
	// DefaultCompletionThreshold is the percentage at which a story counts as read.
	DefaultCompletionThreshold = 95

	minPercentage = 0
	maxPercentage = 100
)

// ErrInvalidPolicy indicates an unknown progress policy label.
var ErrInvalidPolicy = errors.New("progress: invalid policy")

// Policy decides how a new scroll position relates to the recorded percentage.
type Policy string

const (
	// PolicyPosition records the latest scroll position, even when it moves backwards.
	PolicyPosition Policy = "position"
	// PolicyFurthest records the furthest point reached; the percentage never decreases.
	PolicyFurthest Policy = "furthest"
)

// ParsePolicy validates a policy label. An empty label selects PolicyPosition.
func ParsePolicy(raw string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PolicyPosition:
		return PolicyPosition, nil
	case PolicyFurthest:
		return PolicyFurthest, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPolicy, raw)
	}
}

// Progress is the reading state of one story.
type Progress struct {
	StoryID       stories.StoryID `json:"story_id"`
	Percentage    int             `json:"percentage"`
	IsCompleted   bool            `json:"is_completed"`
	LastUpdatedAt time.Time       `json:"last_updated_at"`
}

// RecordResult is returned by RecordProgress and MarkComplete.
// JustCompleted is true only on the call that first completes the story.
type RecordResult struct {
	Progress      Progress
	JustCompleted bool
}

// ClampPercentage bounds raw to the 0..100 range.
func ClampPercentage(raw int) int {
	if raw < minPercentage {
		return minPercentage
	}
	if raw > maxPercentage {
		return maxPercentage
	}
	return raw
}
