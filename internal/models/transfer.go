// Package models defines the persisted data shapes of the transfer pipeline.
package models

import "time"

// Job status constants.
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusPaused    = "paused"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

// Item status constants.
const (
	ItemStatusPending     = "pending"
	ItemStatusDownloading = "downloading"
	ItemStatusUploading   = "uploading"
	ItemStatusSuccess     = "success"
	ItemStatusSkipped     = "skipped"
	ItemStatusFailed      = "failed"
)

// Metadata-apply status constants.
const (
	MetadataStatusPending = "pending"
	MetadataStatusSuccess = "success"
	MetadataStatusFailed  = "failed"
	MetadataStatusSkipped = "skipped"
)

// CancelledError is the distinguished error message stored on items that are
// failed as part of cancel_job on a non-terminal job.
const CancelledError = "cancelled"

// DuplicateSinkID is the sentinel sink_id recorded when the sink itself
// reports the upload as an explicit duplicate (scenario 2 in spec.md §8).
const DuplicateSinkID = "duplicate"

// IsTerminalJobStatus reports whether a job status is a terminal state.
func IsTerminalJobStatus(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminalItemStatus reports whether an item status is a terminal state.
func IsTerminalItemStatus(status string) bool {
	switch status {
	case ItemStatusSuccess, ItemStatusSkipped, ItemStatusFailed:
		return true
	default:
		return false
	}
}

// Job is a unit of work covering a half-open date range [StartDate, EndDate].
type Job struct {
	ID               string     `json:"id"`
	Status           string     `json:"status"`
	StartDate        time.Time  `json:"start_date"`
	EndDate          time.Time  `json:"end_date"`
	SportFilter      []int      `json:"sport_filter,omitempty"`
	SettingsSnapshot Settings   `json:"settings_snapshot"`
	Total            int        `json:"total"`
	Completed        int        `json:"completed"`
	Success          int        `json:"success"`
	Skipped          int        `json:"skipped"`
	Failed           int        `json:"failed"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// Item is a single activity-transfer attempt belonging to one Job.
type Item struct {
	ID             string    `json:"id"`
	JobID          string    `json:"job_id"`
	SourceID       string    `json:"source_id"`
	SportCode      int       `json:"sport_code"`
	ActivityName   string    `json:"activity_name"`
	ActivityTime   string    `json:"activity_time"` // opaque; parsed only by DuplicateProbe/timeparse
	Status         string    `json:"status"`
	RetryCount     int       `json:"retry_count"`
	LocalPath      string    `json:"local_path,omitempty"`
	SinkID         string    `json:"sink_id,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	MetadataStatus string    `json:"metadata_status"`
	MetadataError  string    `json:"metadata_error,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ItemPatch is a partial update applied to an Item by update_item (spec.md §4.1).
// Nil fields are left unchanged.
type ItemPatch struct {
	Status         *string
	ErrorMessage   *string
	SinkID         *string
	LocalPath      *string
	MetadataStatus *string
	MetadataError  *string
}

// JobCounts is the aggregate produced by recompute_counts.
type JobCounts struct {
	Total     int
	Completed int
	Success   int
	Skipped   int
	Failed    int
}

// Activity is a single recorded workout enumerated from the source platform.
type Activity struct {
	SourceID   string `json:"source_id"`
	SportCode  int    `json:"sport_code"`
	Name       string `json:"name"`
	StartTime  string `json:"start_time"` // opaque wire value; see internal/transfer/timeparse.go
	DurationS  int64  `json:"duration_seconds"`
	DistanceM  float64 `json:"distance_m"`
	Calories   int    `json:"calories"`
}

// Settings is the versioned transfer policy document (spec.md §4.2).
type Settings struct {
	Concurrency  int            `json:"concurrency"`
	Retry        RetrySettings  `json:"retry"`
	Naming       NamingSettings `json:"naming"`
	Privacy      PrivacySettings `json:"privacy"`
	Gear         GearSettings   `json:"gear"`
	SportMapping map[int]string `json:"sport_mapping"`
	Version      int            `json:"version"`
}

// RetrySettings configures RetryPolicy (C6).
type RetrySettings struct {
	MaxAttempts      int     `json:"max_attempts"`
	BaseDelaySeconds float64 `json:"base_delay_seconds"`
	MaxDelaySeconds  float64 `json:"max_delay_seconds"`
}

// NamingSettings configures TemplateRenderer (C3) inputs.
type NamingSettings struct {
	TitleTemplate       string `json:"title_template"`
	DescriptionTemplate string `json:"description_template"`
}

// PrivacySettings configures the post-upload privacy-apply metadata op.
type PrivacySettings struct {
	Visibility string `json:"visibility"` // "default", "private", "public"
}

// GearSettings configures the post-upload gear-link metadata op.
type GearSettings struct {
	Enabled bool   `json:"enabled"`
	GearID  string `json:"gear_id,omitempty"`
}

// DefaultSettings returns the default policy document (spec.md §4.2 defaults).
func DefaultSettings() Settings {
	return Settings{
		Concurrency: 2,
		Retry: RetrySettings{
			MaxAttempts:      3,
			BaseDelaySeconds: 1,
			MaxDelaySeconds:  60,
		},
		Naming: NamingSettings{
			TitleTemplate:       "{sport} {start_local:2006-01-02 15:04}",
			DescriptionTemplate: "",
		},
		Privacy:      PrivacySettings{Visibility: "default"},
		Gear:         GearSettings{Enabled: false},
		SportMapping: map[int]string{},
		Version:      1,
	}
}

// Account holds encrypted-at-rest credentials for one platform role (source or sink).
type Account struct {
	Platform  string    `json:"platform"` // e.g. "coros", "garmin"; caller-defined namespace
	Role      string    `json:"role"`     // "source" or "sink"
	Email     string    `json:"email"`
	UpdatedAt time.Time `json:"updated_at"`
}
