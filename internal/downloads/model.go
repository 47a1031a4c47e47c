package downloads

import (
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/tales/internal/stories"
)

// Status is the offline availability of a story.
type Status string

const (
	StatusNotDownloaded Status = "not_downloaded"
	StatusDownloading   Status = "downloading"
	StatusDownloaded    Status = "downloaded"
	StatusFailed        Status = "failed"
)

// Record describes the offline copy of a story. Content is only populated when the
// record was read with Manager.Get and the story is downloaded.
type Record struct {
	StoryID       stories.StoryID
	Status        Status
	Summary       stories.StorySummary
	Content       json.RawMessage
	SizeBytes     int64
	DownloadedAt  time.Time
	FailureReason string
}

// storedRecord is the persisted metadata; the content body lives under its own key.
type storedRecord struct {
	StoryID      stories.StoryID      `json:"story_id"`
	Status       Status               `json:"status"`
	Summary      stories.StorySummary `json:"summary"`
	SizeBytes    int64                `json:"size_bytes"`
	DownloadedAt time.Time            `json:"downloaded_at"`
}

func (record storedRecord) toRecord() Record {
	return Record{
		StoryID:      record.StoryID,
		Status:       record.Status,
		Summary:      record.Summary,
		SizeBytes:    record.SizeBytes,
		DownloadedAt: record.DownloadedAt,
	}
}
