package core

import "time"

// FileType is the declared type of an upload, which determines validation
// rules and the downstream processing pipeline.
type FileType string

const (
	TypeOrthomosaic     FileType = "orthomosaic"
	TypeRawImageArchive FileType = "raw_image_archive"
)

// TaskStatus tracks a FileTask through its lifecycle. Terminal statuses are
// StatusSkipped, StatusCompleted and StatusFailed; Failed tasks may be
// returned to StatusPending by an explicit retry command.
type TaskStatus string

const (
	StatusPending             TaskStatus = "pending"
	StatusValidating          TaskStatus = "validating"
	StatusValidationFailed    TaskStatus = "validation_failed"
	StatusSkipped             TaskStatus = "skipped"
	StatusUploading           TaskStatus = "uploading"
	StatusUploaded            TaskStatus = "uploaded"
	StatusProcessingTriggered TaskStatus = "processing_triggered"
	StatusFailed              TaskStatus = "failed"
	StatusCompleted           TaskStatus = "completed"
)

// Terminal reports whether no further automatic transition applies.
func (s TaskStatus) Terminal() bool {
	return s == StatusSkipped || s == StatusCompleted || s == StatusFailed || s == StatusValidationFailed
}

// Retryable reports whether a manual retry may return the task to pending.
// Completed and skipped tasks are never retried.
func (s TaskStatus) Retryable() bool {
	return s != StatusCompleted && s != StatusSkipped
}

// FileTask is the upload unit for one file. Tasks are created once per
// discovered file and mutated only by the UploadService, which persists the
// session after every status transition.
type FileTask struct {
	Path           string     `json:"path"` // relative to the session data root
	Size           int64      `json:"size"`
	ContentHash    string     `json:"content_hash,omitempty"`
	DeclaredType   FileType   `json:"declared_type"`
	MetadataRef    string     `json:"metadata_ref,omitempty"`
	Status         TaskStatus `json:"status"`
	BytesUploaded  int64      `json:"bytes_uploaded"`
	RemoteUploadID string     `json:"remote_upload_id,omitempty"`
	AttemptCount   int        `json:"attempt_count"`
	LastError      string     `json:"last_error,omitempty"`
	Warnings       []string   `json:"warnings,omitempty"`
	SkipReason     string     `json:"skip_reason,omitempty"`
}

// Session is the durable record of one batch's progress, colocated with the
// data directory it describes. Task order is discovery order.
type Session struct {
	SessionID   string      `json:"session_id"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	APIEndpoint string      `json:"api_endpoint"`
	DataRoot    string      `json:"data_root"`
	Tasks       []*FileTask `json:"tasks"`
}

// Task returns the task for the given relative path, or nil.
func (s *Session) Task(path string) *FileTask {
	for _, t := range s.Tasks {
		if t.Path == path {
			return t
		}
	}
	return nil
}

// SessionCounts summarizes task statuses for display and exit-code decisions.
type SessionCounts struct {
	Total            int
	Completed        int
	Skipped          int
	Failed           int
	ValidationFailed int
	Pending          int
}

// Counts tallies the session's tasks by status. Statuses that are neither
// terminal nor pending (an interrupted upload, for example) count as pending
// since a resumed run will pick them up.
func (s *Session) Counts() SessionCounts {
	c := SessionCounts{Total: len(s.Tasks)}
	for _, t := range s.Tasks {
		switch t.Status {
		case StatusCompleted:
			c.Completed++
		case StatusSkipped:
			c.Skipped++
		case StatusFailed:
			c.Failed++
		case StatusValidationFailed:
			c.ValidationFailed++
		default:
			c.Pending++
		}
	}
	return c
}

// Done reports whether every task reached a terminal status.
func (s *Session) Done() bool {
	return s.Counts().Pending == 0
}
