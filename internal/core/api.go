package core

import (
	"context"
	"time"
)

// Credential is the token pair returned by login or refresh. It is owned by
// the token manager, shared read-only with the transfer executor, and never
// persisted: a process restart re-acquires it via login.
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// MetadataRecord is the finalized per-file record supplied by the metadata
// resolver. The engine treats it as opaque and immutable once a task exists;
// it is only passed through to the ingestion service.
type MetadataRecord map[string]any

// CreateUploadRequest registers a new remote upload session.
type CreateUploadRequest struct {
	Filename    string         `json:"filename"`
	Size        int64          `json:"size"`
	ContentHash string         `json:"content_hash"`
	FileType    FileType       `json:"file_type"`
	Metadata    MetadataRecord `json:"metadata,omitempty"`
}

// UploadSummary is the service's confirmation after the final chunk.
type UploadSummary struct {
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

// ProcessRequest triggers the downstream pipeline for a finished upload.
type ProcessRequest struct {
	UploadID  string         `json:"upload_id"`
	TaskTypes []string       `json:"task_types"`
	Priority  int            `json:"priority"`
	Metadata  MetadataRecord `json:"metadata,omitempty"`
}

// IngestAPI is the remote ingestion service contract. Implementations
// classify failures into the engine's error taxonomy: ErrAuthRejected for
// authorization refusals, TransientError for timeouts, connection failures
// and 5xx responses, plain errors otherwise.
type IngestAPI interface {
	Login(ctx context.Context, email, password string) (*Credential, error)
	Refresh(ctx context.Context, refreshToken string) (*Credential, error)

	// CreateUpload returns the service-assigned upload id, the resume
	// anchor for all subsequent chunk traffic.
	CreateUpload(ctx context.Context, token string, req CreateUploadRequest) (string, error)

	// UploadedBytes reports how many bytes the service has durably
	// received for an upload id.
	UploadedBytes(ctx context.Context, token, uploadID string) (int64, error)

	// PutChunk sends one byte range and returns the cumulative bytes the
	// service acknowledges after storing it.
	PutChunk(ctx context.Context, token, uploadID string, offset int64, data []byte) (int64, error)

	// CompleteUpload finalizes the upload and returns the service-side
	// size and checksum for integrity verification.
	CompleteUpload(ctx context.Context, token, uploadID string) (*UploadSummary, error)

	TriggerProcessing(ctx context.Context, token string, req ProcessRequest) error
}

// TokenSource hands out valid bearer tokens. Token blocks while a refresh is
// in flight; concurrent callers observe the same refreshed credential.
type TokenSource interface {
	// Token returns a token valid for at least the manager's safety
	// margin, refreshing first if needed. Fails with ErrReauthRequired
	// when the refresh token itself is rejected.
	Token(ctx context.Context) (string, error)

	// Invalidate forces the next Token call to refresh. Used when the
	// service rejects a locally valid token mid-transfer.
	Invalidate()
}
