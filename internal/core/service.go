package core

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ProcessingTasks returns the downstream pipeline steps for an upload type.
// Raw image archives need a mosaic generation step before the shared chain.
func ProcessingTasks(t FileType) []string {
	shared := []string{"cog", "thumbnail", "metadata", "geotiff", "deadwood", "treecover"}
	if t == TypeRawImageArchive {
		return append([]string{"odm_processing"}, shared...)
	}
	return shared
}

// DefaultProcessPriority is sent with every trigger request (1 = highest).
const DefaultProcessPriority = 4

// Options tunes an UploadService. Zero values select the defaults.
type Options struct {
	// DryRun runs discovery, dedup and validation but never touches the
	// network. The state machine is otherwise identical.
	DryRun bool

	// Workers bounds concurrent task execution. Values below 1 mean
	// sequential execution.
	Workers int

	// DuplicatePolicy decides cross-session duplicates. Defaults to
	// SkipCompletedDuplicates.
	DuplicatePolicy DuplicatePolicy

	// Progress receives per-chunk transfer progress. May be nil.
	Progress ProgressFunc

	// TriggerAttempts and TriggerBackoff bound the processing-trigger
	// retry loop. Defaults: 3 attempts, 2s initial backoff.
	TriggerAttempts int
	TriggerBackoff  time.Duration

	// Sleep is overridable in tests.
	Sleep func(time.Duration)
}

// UploadService is the per-file state machine driving a batch. It owns all
// task transitions and writes every one through to the session store; saves
// are funneled through a single critical section so parallel workers never
// interleave a corrupted snapshot.
type UploadService struct {
	store     SessionStore
	index     DuplicateIndex
	hasher    Hasher
	validator Validator
	uploader  Uploader
	api       IngestAPI
	tokens    TokenSource
	metadata  MetadataSource
	logger    Logger
	clock     Clock
	opts      Options

	mu      sync.Mutex
	session *Session
}

// NewUploadService wires an UploadService from its collaborators.
func NewUploadService(store SessionStore, index DuplicateIndex, hasher Hasher, validator Validator, uploader Uploader, api IngestAPI, tokens TokenSource, metadata MetadataSource, logger Logger, clock Clock, opts Options) *UploadService {
	if opts.DuplicatePolicy == nil {
		opts.DuplicatePolicy = SkipCompletedDuplicates
	}
	if opts.TriggerAttempts <= 0 {
		opts.TriggerAttempts = 3
	}
	if opts.TriggerBackoff <= 0 {
		opts.TriggerBackoff = 2 * time.Second
	}
	if opts.Sleep == nil {
		opts.Sleep = time.Sleep
	}
	return &UploadService{
		store:     store,
		index:     index,
		hasher:    hasher,
		validator: validator,
		uploader:  uploader,
		api:       api,
		tokens:    tokens,
		metadata:  metadata,
		logger:    logger,
		clock:     clock,
		opts:      opts,
	}
}

// Run drives every non-terminal task of the session to a terminal status.
// Per-file failures never abort sibling tasks; only a fatal service error or
// a required re-authentication halts the batch, leaving the session on disk
// ready for resume.
func (s *UploadService) Run(ctx context.Context, session *Session) (SessionCounts, error) {
	s.mu.Lock()
	s.session = session
	s.mu.Unlock()

	var runnable []*FileTask
	for _, t := range session.Tasks {
		if !t.Status.Terminal() {
			runnable = append(runnable, t)
		}
	}

	workers := s.opts.Workers
	if workers < 1 {
		workers = 1
	}
	if workers == 1 {
		for _, t := range runnable {
			if err := ctx.Err(); err != nil {
				return session.Counts(), err
			}
			if err := s.runTask(ctx, t); err != nil {
				return session.Counts(), err
			}
		}
		return session.Counts(), nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	tasks := make(chan *FileTask)
	var wg sync.WaitGroup
	var errMu sync.Mutex
	var firstErr error

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range tasks {
				if runCtx.Err() != nil {
					continue
				}
				if err := s.runTask(runCtx, t); err != nil {
					errMu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					errMu.Unlock()
					cancel()
				}
			}
		}()
	}
	for _, t := range runnable {
		tasks <- t
	}
	close(tasks)
	wg.Wait()

	return session.Counts(), firstErr
}

// Retry returns failed tasks to pending. With no paths given, every
// retryable task is reset. Resume anchors (upload id, acknowledged bytes)
// are kept so a retried upload continues where it stopped.
func (s *UploadService) Retry(session *Session, paths []string) (int, error) {
	s.mu.Lock()
	s.session = session
	s.mu.Unlock()

	want := make(map[string]bool, len(paths))
	for _, p := range paths {
		want[p] = true
	}

	count := 0
	for _, t := range session.Tasks {
		if len(want) > 0 && !want[t.Path] {
			continue
		}
		if t.Status == StatusPending || !t.Status.Retryable() {
			continue
		}
		t.Status = StatusPending
		t.LastError = ""
		count++
	}
	if count == 0 {
		return 0, nil
	}
	return count, s.save()
}

// Save implements TaskRecorder for the transfer executor: mid-transfer task
// mutations go through the same single-writer section as status transitions.
func (s *UploadService) Save(_ *FileTask, mutate func()) error {
	return s.saveWith(mutate)
}

// saveWith applies mutate (which may be nil) and persists the session inside
// one critical section. Saving marshals every task, so task fields are never
// written outside s.mu while workers run.
func (s *UploadService) saveWith(mutate func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mutate != nil {
		mutate()
	}
	s.session.UpdatedAt = s.clock.Now()
	return s.store.Save(s.session)
}

func (s *UploadService) save() error {
	return s.saveWith(nil)
}

// mutate is saveWith without the persist, for field writes whose snapshot is
// carried by a later transition.
func (s *UploadService) mutate(fn func()) {
	s.mu.Lock()
	fn()
	s.mu.Unlock()
}

func (s *UploadService) transition(t *FileTask, status TaskStatus) error {
	if err := s.saveWith(func() { t.Status = status }); err != nil {
		return fmt.Errorf("persisting %s transition for %s: %w", status, t.Path, err)
	}
	return nil
}

// runTask advances one task to a terminal status (or as far as a batch-fatal
// error allows). The returned error is non-nil only for batch-fatal
// conditions; per-file failures are recorded on the task.
func (s *UploadService) runTask(ctx context.Context, t *FileTask) error {
	absPath := filepath.Join(s.session.DataRoot, t.Path)

	if s.opts.DryRun {
		switch t.Status {
		case StatusUploading, StatusUploaded, StatusProcessingTriggered:
			// Advancing an in-flight task needs the network; a dry run
			// leaves it exactly as found.
			return nil
		}
	}

	switch t.Status {
	case StatusUploaded:
		// Crash window: upload finished but processing never triggered.
		return s.finishTask(ctx, t)
	case StatusProcessingTriggered:
		return s.transition(t, StatusCompleted)
	case StatusUploading:
		// Resume an interrupted transfer. Dedup and validation already
		// passed on the way in; the executor reconciles the offset
		// against the service.
		return s.uploadTask(ctx, t, absPath)
	}

	if t.ContentHash == "" {
		hash, err := s.hasher.Hash(absPath)
		if err != nil {
			return s.failTask(t, fmt.Errorf("hashing: %w", err))
		}
		s.mutate(func() { t.ContentHash = hash })
	}

	verdict, err := s.index.Check(t.ContentHash, s.session.SessionID)
	if err != nil {
		// Favor forward progress: an unreadable index means at worst a
		// redundant upload, never data loss.
		s.logger.Warn("duplicate index unavailable", "path", t.Path, "error", err)
	} else {
		switch verdict.Kind {
		case SeenThisSession:
			// The task's own record, left by a failed earlier attempt,
			// is not a duplicate: a retried task must upload again.
			if verdict.Path != t.Path {
				s.mutate(func() {
					t.SkipReason = fmt.Sprintf("duplicate of %s in this batch", verdict.Path)
				})
				s.logger.Info("task skipped", "path", t.Path, "reason", t.SkipReason)
				return s.transition(t, StatusSkipped)
			}
		case SeenOtherSession:
			s.logger.Info("content seen in earlier session",
				"path", t.Path, "earlier_session", verdict.SessionID,
				"earlier_path", verdict.Path, "outcome", verdict.Outcome)
			if s.opts.DuplicatePolicy(t, verdict) {
				s.mutate(func() {
					t.SkipReason = fmt.Sprintf("already uploaded as %s (session %s)", verdict.Path, verdict.SessionID)
				})
				return s.transition(t, StatusSkipped)
			}
		}
	}

	if err := s.transition(t, StatusValidating); err != nil {
		return err
	}
	report := s.validator.Validate(absPath, t.DeclaredType)
	s.mutate(func() {
		t.Warnings = append(t.Warnings, report.Warnings...)
		if !report.Passed {
			t.LastError = strings.Join(report.Errors, "; ")
		}
	})
	if !report.Passed {
		s.logger.Warn("validation failed", "path", t.Path, "errors", t.LastError)
		return s.transition(t, StatusValidationFailed)
	}

	if s.opts.DryRun {
		// Validation outcome is recorded, nothing is transferred.
		return s.transition(t, StatusPending)
	}

	if err := s.transition(t, StatusUploading); err != nil {
		return err
	}
	return s.uploadTask(ctx, t, absPath)
}

func (s *UploadService) uploadTask(ctx context.Context, t *FileTask, absPath string) error {
	meta, _ := s.metadata.Resolve(t.MetadataRef)
	s.mutate(func() { t.AttemptCount++ })

	err := s.uploader.Upload(ctx, t, absPath, meta, s.tokens, s, s.opts.Progress)
	if err != nil {
		if IsFatal(err) || ctx.Err() != nil {
			// Keep the task resumable: bytes_uploaded and the upload id
			// already reflect the last acknowledged chunk.
			if saveErr := s.saveWith(func() { t.LastError = err.Error() }); saveErr != nil {
				s.logger.Error("saving session after fatal error", "error", saveErr)
			}
			return err
		}
		s.mutate(func() { t.LastError = err.Error() })
		s.logger.Error("upload failed", "path", t.Path, "error", err)
		s.recordOutcome(t, OutcomeFailed)
		return s.transition(t, StatusFailed)
	}

	if err := s.transition(t, StatusUploaded); err != nil {
		return err
	}
	s.recordOutcome(t, OutcomeCompleted)
	return s.finishTask(ctx, t)
}

// recordOutcome appends the task's hash to the duplicate index. A failed
// append is logged, not fatal: the cost is one possible redundant upload in
// a later session.
func (s *UploadService) recordOutcome(t *FileTask, outcome DuplicateOutcome) {
	if err := s.index.Record(t.ContentHash, s.session.SessionID, t.Path, outcome); err != nil {
		s.logger.Warn("recording duplicate entry", "path", t.Path, "error", err)
	}
}

// finishTask triggers downstream processing and completes the task. Trigger
// failures leave the task at Uploaded with the error recorded: a resume
// re-triggers, the file is never re-uploaded because triggering failed.
func (s *UploadService) finishTask(ctx context.Context, t *FileTask) error {
	meta, _ := s.metadata.Resolve(t.MetadataRef)
	req := ProcessRequest{
		UploadID:  t.RemoteUploadID,
		TaskTypes: ProcessingTasks(t.DeclaredType),
		Priority:  DefaultProcessPriority,
		Metadata:  meta,
	}

	var lastErr error
	backoff := s.opts.TriggerBackoff
	for attempt := 0; attempt < s.opts.TriggerAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if attempt > 0 {
			s.opts.Sleep(backoff)
			backoff *= 2
		}

		token, err := s.tokens.Token(ctx)
		if err != nil {
			if saveErr := s.saveWith(func() { t.LastError = err.Error() }); saveErr != nil {
				s.logger.Error("saving session", "error", saveErr)
			}
			return err
		}

		err = s.api.TriggerProcessing(ctx, token, req)
		if err == nil {
			s.mutate(func() { t.LastError = "" })
			if err := s.transition(t, StatusProcessingTriggered); err != nil {
				return err
			}
			s.logger.Info("processing triggered", "path", t.Path, "upload_id", t.RemoteUploadID)
			return s.transition(t, StatusCompleted)
		}
		lastErr = err
		if errors.Is(err, ErrAuthRejected) {
			s.tokens.Invalidate()
			continue
		}
		if !IsTransient(err) {
			break
		}
		s.logger.Warn("processing trigger failed, retrying", "path", t.Path, "attempt", attempt+1, "error", err)
	}

	s.logger.Error("processing trigger exhausted retries", "path", t.Path, "error", lastErr)
	return s.saveWith(func() {
		t.LastError = fmt.Sprintf("processing trigger: %v", lastErr)
	})
}

func (s *UploadService) failTask(t *FileTask, err error) error {
	s.mutate(func() { t.LastError = err.Error() })
	s.logger.Error("task failed", "path", t.Path, "error", err)
	return s.transition(t, StatusFailed)
}
