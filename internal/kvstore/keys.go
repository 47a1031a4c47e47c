package kvstore

import (
	"strings"

	"github.com/MarcoPoloResearchLab/tales/internal/stories"
)

// Key prefixes partition a namespace between the reading components.
const (
	ProgressPrefix        = "progress:"
	DownloadPrefix        = "download:"
	DownloadContentPrefix = "download-content:"
	LibraryKey            = "library"
)

// ProgressKey addresses the reading progress record of a story.
func ProgressKey(id stories.StoryID) string {
	return ProgressPrefix + id.String()
}

// DownloadKey addresses the download metadata record of a story.
func DownloadKey(id stories.StoryID) string {
	return DownloadPrefix + id.String()
}

// DownloadContentKey addresses the offline content body of a story.
func DownloadContentKey(id stories.StoryID) string {
	return DownloadContentPrefix + id.String()
}

// StoryIDFromKey extracts the story identifier from a prefixed key.
func StoryIDFromKey(prefix, key string) (stories.StoryID, bool) {
	if !strings.HasPrefix(key, prefix) {
		return "", false
	}
	id, err := stories.NewStoryID(strings.TrimPrefix(key, prefix))
	if err != nil {
		return "", false
	}
	return id, true
}
