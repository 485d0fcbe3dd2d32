// Package transfer performs resumable, chunked uploads of single files.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"dtup/internal/core"
)

// DefaultChunkSize bounds memory per chunk while amortizing request
// overhead. Correctness does not depend on the exact value.
const DefaultChunkSize = 100 * 1024 * 1024

// Options tunes the executor. Zero values select the defaults.
type Options struct {
	ChunkSize   int64
	MaxAttempts int           // per-chunk transient retry cap
	BackoffBase time.Duration // first retry delay, doubled per attempt
	BackoffCap  time.Duration
	Sleep       func(time.Duration)
}

// Executor implements core.Uploader. One Executor serves all workers; it
// keeps no per-upload state of its own — everything needed to resume lives
// on the task.
type Executor struct {
	api    core.IngestAPI
	logger core.Logger
	opts   Options
}

var _ core.Uploader = (*Executor)(nil)

func NewExecutor(api core.IngestAPI, logger core.Logger, opts Options) *Executor {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 4
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 30 * time.Second
	}
	if opts.Sleep == nil {
		opts.Sleep = time.Sleep
	}
	return &Executor{api: api, logger: logger, opts: opts}
}

// Upload transfers the file at absPath, resuming from whatever the service
// already holds. The task's RemoteUploadID and BytesUploaded are persisted
// through rec at every step that moves the resume anchor, so a crash loses
// at most one chunk's progress.
func (e *Executor) Upload(ctx context.Context, task *core.FileTask, absPath string, meta core.MetadataRecord, tokens core.TokenSource, rec core.TaskRecorder, progress core.ProgressFunc) error {
	info, err := os.Stat(absPath)
	if err != nil {
		return fmt.Errorf("stat upload file: %w", err)
	}
	total := info.Size()

	if task.RemoteUploadID == "" {
		id, err := e.createUpload(ctx, task, total, meta, tokens)
		if err != nil {
			return err
		}
		// The id is the resume anchor; persist it before any chunk.
		if err := rec.Save(task, func() {
			task.RemoteUploadID = id
			task.BytesUploaded = 0
			task.Size = total
		}); err != nil {
			return fmt.Errorf("persisting upload id: %w", err)
		}
	} else if task.Size != total {
		if err := rec.Save(task, func() { task.Size = total }); err != nil {
			return fmt.Errorf("persisting file size: %w", err)
		}
	}

	offset, err := e.reconcileOffset(ctx, task, tokens)
	if err != nil {
		return err
	}
	if offset != task.BytesUploaded {
		if err := rec.Save(task, func() { task.BytesUploaded = offset }); err != nil {
			return fmt.Errorf("persisting reconciled offset: %w", err)
		}
	}

	f, err := os.Open(absPath)
	if err != nil {
		return fmt.Errorf("opening upload file: %w", err)
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seeking to resume offset: %w", err)
	}

	buf := make([]byte, e.opts.ChunkSize)
	for offset < total {
		if err := ctx.Err(); err != nil {
			return err
		}

		n := e.opts.ChunkSize
		if rest := total - offset; rest < n {
			n = rest
		}
		if _, err := io.ReadFull(f, buf[:n]); err != nil {
			return fmt.Errorf("reading chunk at offset %d: %w", offset, err)
		}

		var acked int64
		err := e.withRetry(ctx, tokens, func(token string) error {
			var perr error
			acked, perr = e.api.PutChunk(ctx, token, task.RemoteUploadID, offset, buf[:n])
			return perr
		})
		if err != nil {
			return err
		}

		if acked != offset+n {
			// The service acknowledged a different cumulative count.
			// Its view wins; realign the file position to it.
			e.logger.Warn("chunk ack disagrees with local offset",
				"path", task.Path, "expected", offset+n, "acked", acked)
			if _, err := f.Seek(acked, io.SeekStart); err != nil {
				return fmt.Errorf("realigning to acknowledged offset: %w", err)
			}
		}
		offset = acked
		if err := rec.Save(task, func() { task.BytesUploaded = acked }); err != nil {
			return fmt.Errorf("persisting chunk progress: %w", err)
		}
		if progress != nil {
			progress(task.Path, offset, total)
		}
	}

	return e.complete(ctx, task, total, tokens)
}

func (e *Executor) createUpload(ctx context.Context, task *core.FileTask, total int64, meta core.MetadataRecord, tokens core.TokenSource) (string, error) {
	req := core.CreateUploadRequest{
		Filename:    task.MetadataRef,
		Size:        total,
		ContentHash: task.ContentHash,
		FileType:    task.DeclaredType,
		Metadata:    meta,
	}
	var id string
	err := e.withRetry(ctx, tokens, func(token string) error {
		var cerr error
		id, cerr = e.api.CreateUpload(ctx, token, req)
		return cerr
	})
	return id, err
}

// reconcileOffset determines the true resume position. The locally cached
// offset can be stale relative to the server after a crash, so the minimum
// of the two is the only safe starting point: never skip unacknowledged
// bytes, never re-send acknowledged ones.
func (e *Executor) reconcileOffset(ctx context.Context, task *core.FileTask, tokens core.TokenSource) (int64, error) {
	var remote int64
	err := e.withRetry(ctx, tokens, func(token string) error {
		var herr error
		remote, herr = e.api.UploadedBytes(ctx, token, task.RemoteUploadID)
		return herr
	})
	if err != nil {
		return 0, fmt.Errorf("reconciling resume offset: %w", err)
	}

	offset := task.BytesUploaded
	if remote < offset {
		offset = remote
	}
	if offset != task.BytesUploaded {
		e.logger.Info("resume offset reconciled",
			"path", task.Path, "local", task.BytesUploaded, "remote", remote, "resume_at", offset)
	}
	return offset, nil
}

// complete finalizes the upload and verifies the service's view of the
// content. A mismatch is a hard failure, never silently accepted.
func (e *Executor) complete(ctx context.Context, task *core.FileTask, total int64, tokens core.TokenSource) error {
	var summary *core.UploadSummary
	err := e.withRetry(ctx, tokens, func(token string) error {
		var cerr error
		summary, cerr = e.api.CompleteUpload(ctx, token, task.RemoteUploadID)
		return cerr
	})
	if err != nil {
		return fmt.Errorf("finalizing upload: %w", err)
	}

	if summary.Size != total {
		return &core.IntegrityError{
			Path:   task.Path,
			Field:  "size",
			Local:  fmt.Sprintf("%d", total),
			Remote: fmt.Sprintf("%d", summary.Size),
		}
	}
	if summary.Checksum != "" && summary.Checksum != task.ContentHash {
		return &core.IntegrityError{
			Path:   task.Path,
			Field:  "checksum",
			Local:  task.ContentHash,
			Remote: summary.Checksum,
		}
	}
	return nil
}

// withRetry runs fn with a fresh valid token, retrying transient failures
// with bounded exponential backoff. An authorization rejection triggers one
// invalidate-refresh-retry before counting as a failure; it does not consume
// transient attempts.
func (e *Executor) withRetry(ctx context.Context, tokens core.TokenSource, fn func(token string) error) error {
	backoff := e.opts.BackoffBase
	authRetried := false

	for attempt := 1; ; attempt++ {
		token, err := tokens.Token(ctx)
		if err != nil {
			return err
		}

		err = fn(token)
		if err == nil {
			return nil
		}

		if errors.Is(err, core.ErrAuthRejected) {
			if authRetried {
				return err
			}
			authRetried = true
			tokens.Invalidate()
			continue
		}
		if !core.IsTransient(err) || attempt >= e.opts.MaxAttempts {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		e.logger.Warn("transient failure, backing off",
			"attempt", attempt, "max", e.opts.MaxAttempts, "delay", backoff.String(), "error", err)
		e.opts.Sleep(backoff)
		backoff *= 2
		if backoff > e.opts.BackoffCap {
			backoff = e.opts.BackoffCap
		}
	}
}
