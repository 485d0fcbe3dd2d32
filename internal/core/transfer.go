package core

import "context"

// ProgressFunc receives transfer progress. The executor calls it after every
// acknowledged chunk and makes no assumption about whether anyone listens.
type ProgressFunc func(path string, bytesUploaded, totalBytes int64)

// TaskRecorder persists a task's mutated fields mid-transfer, so a crash
// loses at most one chunk's progress. Save applies mutate (which may be nil)
// and persists the session inside one critical section; while workers run,
// task fields are only ever written through it, so a concurrent save never
// marshals a torn task.
type TaskRecorder interface {
	Save(task *FileTask, mutate func()) error
}

// Uploader performs the resumable, chunked transfer of one file. On return
// the task's BytesUploaded and RemoteUploadID reflect the last acknowledged
// chunk, whether or not the transfer finished.
type Uploader interface {
	// Upload transfers the file at absPath. A nil error means the final
	// chunk was acknowledged and the service-side checksum and size
	// matched the local file. Errors follow the engine taxonomy;
	// progress may be nil.
	Upload(ctx context.Context, task *FileTask, absPath string, meta MetadataRecord, tokens TokenSource, rec TaskRecorder, progress ProgressFunc) error
}

// Hasher computes a file's content fingerprint: a streamed cryptographic
// digest over the full file bytes.
type Hasher interface {
	Hash(path string) (string, error)
}
