package core_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"dtup/internal/core"
	"dtup/internal/dedup"
	"dtup/internal/session"
	"dtup/internal/testutil"
)

// fakeHasher returns canned hashes without touching the filesystem.
type fakeHasher struct {
	hashes map[string]string // abs path -> hash
	err    error
}

func (h *fakeHasher) Hash(path string) (string, error) {
	if h.err != nil {
		return "", h.err
	}
	if hash, ok := h.hashes[path]; ok {
		return hash, nil
	}
	return "hash-" + path, nil
}

// fakeValidator fails or warns for configured paths and passes everything else.
type fakeValidator struct {
	mu       sync.Mutex
	failures map[string][]string // abs path -> errors
	warnings map[string][]string
	calls    []string
}

func (v *fakeValidator) Validate(absPath string, _ core.FileType) core.ValidationReport {
	v.mu.Lock()
	v.calls = append(v.calls, absPath)
	v.mu.Unlock()
	if errs, ok := v.failures[absPath]; ok {
		return core.ValidationReport{Passed: false, Errors: errs}
	}
	return core.ValidationReport{Passed: true, Warnings: v.warnings[absPath]}
}

// fakeUploader records calls and simulates a finished transfer unless an
// error is scripted for the path.
type fakeUploader struct {
	mu    sync.Mutex
	calls []string
	errs  map[string]error // task path -> returned error
}

func (u *fakeUploader) Upload(_ context.Context, task *core.FileTask, _ string, _ core.MetadataRecord, _ core.TokenSource, rec core.TaskRecorder, progress core.ProgressFunc) error {
	u.mu.Lock()
	u.calls = append(u.calls, task.Path)
	u.mu.Unlock()
	if err := u.errs[task.Path]; err != nil {
		return err
	}
	if err := rec.Save(task, func() {
		if task.RemoteUploadID == "" {
			task.RemoteUploadID = "upload-" + task.Path
		}
		task.Size = 64
		task.BytesUploaded = 64
	}); err != nil {
		return err
	}
	if progress != nil {
		progress(task.Path, 64, 64)
	}
	return nil
}

func (u *fakeUploader) callCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.calls)
}

type staticMetadata map[string]core.MetadataRecord

func (m staticMetadata) Resolve(ref string) (core.MetadataRecord, bool) {
	rec, ok := m[ref]
	return rec, ok
}

type fixture struct {
	store     *session.MemorySessionStore
	index     core.DuplicateIndex
	hasher    *fakeHasher
	validator *fakeValidator
	uploader  *fakeUploader
	api       *testutil.FakeIngestAPI
	tokens    *testutil.StaticTokenSource
	sess      *core.Session
}

func newFixture(t *testing.T, files ...core.DiscoveredFile) *fixture {
	t.Helper()
	clock := testutil.FixedClock()
	store := session.NewMemorySessionStore(clock, testutil.NewStubIDGenerator())
	sess, err := store.Create("/data", "https://ingest.example.com", files)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return &fixture{
		store:     store,
		index:     dedup.NewMemoryIndex(),
		hasher:    &fakeHasher{hashes: map[string]string{}},
		validator: &fakeValidator{failures: map[string][]string{}, warnings: map[string][]string{}},
		uploader:  &fakeUploader{errs: map[string]error{}},
		api:       testutil.NewFakeIngestAPI(),
		tokens:    testutil.NewStaticTokenSource("token-1"),
		sess:      sess,
	}
}

func (f *fixture) service(opts core.Options) *core.UploadService {
	if opts.Sleep == nil {
		opts.Sleep = func(time.Duration) {}
	}
	meta := staticMetadata{}
	for _, task := range f.sess.Tasks {
		meta[task.MetadataRef] = core.MetadataRecord{"license": "CC BY"}
	}
	return core.NewUploadService(f.store, f.index, f.hasher, f.validator,
		f.uploader, f.api, f.tokens, meta, core.NewNopLogger(), testutil.FixedClock(), opts)
}

func tif(path string) core.DiscoveredFile {
	return core.DiscoveredFile{Path: path, Size: 64, Type: core.TypeOrthomosaic}
}

func TestUploadService_Run_Success(t *testing.T) {
	f := newFixture(t, tif("a.tif"), core.DiscoveredFile{Path: "b.zip", Size: 64, Type: core.TypeRawImageArchive})
	svc := f.service(core.Options{})

	counts, err := svc.Run(context.Background(), f.sess)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if counts.Completed != 2 {
		t.Fatalf("Completed = %d, want 2", counts.Completed)
	}
	if got := f.uploader.callCount(); got != 2 {
		t.Errorf("uploader calls = %d, want 2", got)
	}
	if len(f.api.Triggers) != 2 {
		t.Fatalf("triggers = %d, want 2", len(f.api.Triggers))
	}

	for _, task := range f.sess.Tasks {
		if task.Status != core.StatusCompleted {
			t.Errorf("%s status = %s, want completed", task.Path, task.Status)
		}
		if task.RemoteUploadID == "" {
			t.Errorf("%s has no remote upload id", task.Path)
		}
	}

	// The archive's pipeline starts with mosaic generation.
	for _, trig := range f.api.Triggers {
		if trig.UploadID == "upload-b.zip" {
			if trig.TaskTypes[0] != "odm_processing" {
				t.Errorf("archive task types = %v, want odm_processing first", trig.TaskTypes)
			}
		} else if trig.TaskTypes[0] != "cog" {
			t.Errorf("orthomosaic task types = %v, want cog first", trig.TaskTypes)
		}
		if trig.Priority != core.DefaultProcessPriority {
			t.Errorf("priority = %d, want %d", trig.Priority, core.DefaultProcessPriority)
		}
	}
}

func TestUploadService_Run_DuplicateWithinSession(t *testing.T) {
	f := newFixture(t, tif("a.tif"), tif("copy-of-a.tif"))
	f.hasher.hashes["/data/a.tif"] = "same"
	f.hasher.hashes["/data/copy-of-a.tif"] = "same"
	svc := f.service(core.Options{})

	counts, err := svc.Run(context.Background(), f.sess)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if counts.Completed != 1 || counts.Skipped != 1 {
		t.Fatalf("counts = %+v, want 1 completed, 1 skipped", counts)
	}
	if got := f.uploader.callCount(); got != 1 {
		t.Errorf("uploader calls = %d, want 1", got)
	}

	dup := f.sess.Task("copy-of-a.tif")
	if dup.Status != core.StatusSkipped {
		t.Errorf("status = %s, want skipped", dup.Status)
	}
	if !strings.Contains(dup.SkipReason, "a.tif") {
		t.Errorf("SkipReason = %q, want reference to a.tif", dup.SkipReason)
	}
}

func TestUploadService_Run_DuplicateOtherSession(t *testing.T) {
	t.Run("completed earlier upload is skipped", func(t *testing.T) {
		f := newFixture(t, tif("a.tif"))
		f.hasher.hashes["/data/a.tif"] = "seen"
		if err := f.index.Record("seen", "earlier-session", "old.tif", core.OutcomeCompleted); err != nil {
			t.Fatalf("Record() error = %v", err)
		}

		counts, err := f.service(core.Options{}).Run(context.Background(), f.sess)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if counts.Skipped != 1 {
			t.Fatalf("Skipped = %d, want 1", counts.Skipped)
		}
		if f.uploader.callCount() != 0 {
			t.Error("uploader called for a cross-session duplicate")
		}
	})

	t.Run("failed earlier upload is re-uploaded", func(t *testing.T) {
		f := newFixture(t, tif("a.tif"))
		f.hasher.hashes["/data/a.tif"] = "seen"
		if err := f.index.Record("seen", "earlier-session", "old.tif", core.OutcomeFailed); err != nil {
			t.Fatalf("Record() error = %v", err)
		}

		counts, err := f.service(core.Options{}).Run(context.Background(), f.sess)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if counts.Completed != 1 {
			t.Fatalf("Completed = %d, want 1", counts.Completed)
		}
		if f.uploader.callCount() != 1 {
			t.Error("uploader not called despite failed earlier outcome")
		}
	})
}

func TestUploadService_Run_ValidationFailure(t *testing.T) {
	f := newFixture(t, tif("bad.tif"), tif("good.tif"))
	f.validator.failures["/data/bad.tif"] = []string{"no georeferencing", "single band"}

	counts, err := f.service(core.Options{}).Run(context.Background(), f.sess)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if counts.ValidationFailed != 1 || counts.Completed != 1 {
		t.Fatalf("counts = %+v, want 1 validation failed, 1 completed", counts)
	}

	bad := f.sess.Task("bad.tif")
	if bad.Status != core.StatusValidationFailed {
		t.Errorf("status = %s, want validation_failed", bad.Status)
	}
	if !strings.Contains(bad.LastError, "no georeferencing") || !strings.Contains(bad.LastError, "single band") {
		t.Errorf("LastError = %q, want both validation errors", bad.LastError)
	}
	for _, p := range f.uploader.calls {
		if p == "bad.tif" {
			t.Error("uploader called for a file that failed validation")
		}
	}
}

func TestUploadService_Run_Warnings(t *testing.T) {
	f := newFixture(t, tif("a.tif"))
	f.validator.warnings["/data/a.tif"] = []string{"no GPS metadata in sampled images"}

	if _, err := f.service(core.Options{}).Run(context.Background(), f.sess); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	task := f.sess.Task("a.tif")
	if task.Status != core.StatusCompleted {
		t.Fatalf("status = %s, want completed", task.Status)
	}
	if len(task.Warnings) != 1 {
		t.Fatalf("Warnings = %v, want one entry", task.Warnings)
	}
}

func TestUploadService_Run_DryRun(t *testing.T) {
	f := newFixture(t, tif("a.tif"), tif("bad.tif"))
	f.validator.failures["/data/bad.tif"] = []string{"not a GeoTIFF"}

	counts, err := f.service(core.Options{DryRun: true}).Run(context.Background(), f.sess)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if f.uploader.callCount() != 0 {
		t.Error("uploader called during dry run")
	}
	if len(f.api.Triggers) != 0 {
		t.Error("processing triggered during dry run")
	}
	if got := f.sess.Task("a.tif").Status; got != core.StatusPending {
		t.Errorf("a.tif status = %s, want pending after dry run", got)
	}
	if got := f.sess.Task("bad.tif").Status; got != core.StatusValidationFailed {
		t.Errorf("bad.tif status = %s, want validation_failed", got)
	}
	if counts.Pending != 1 {
		t.Errorf("Pending = %d, want 1", counts.Pending)
	}
}

func TestUploadService_Run_DryRunLeavesInFlightTasks(t *testing.T) {
	f := newFixture(t, tif("a.tif"), tif("b.tif"), tif("c.tif"))
	f.sess.Task("a.tif").Status = core.StatusUploading
	f.sess.Task("b.tif").Status = core.StatusUploaded

	_, err := f.service(core.Options{DryRun: true}).Run(context.Background(), f.sess)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if f.uploader.callCount() != 0 {
		t.Error("dry run invoked the uploader for a resumed task")
	}
	if len(f.api.Triggers) != 0 {
		t.Error("dry run triggered processing for an uploaded task")
	}
	if got := f.sess.Task("a.tif").Status; got != core.StatusUploading {
		t.Errorf("a.tif status = %s, want uploading untouched", got)
	}
	if got := f.sess.Task("b.tif").Status; got != core.StatusUploaded {
		t.Errorf("b.tif status = %s, want uploaded untouched", got)
	}
	if got := f.sess.Task("c.tif").Status; got != core.StatusPending {
		t.Errorf("c.tif status = %s, want pending after dry-run validation", got)
	}
}

func TestUploadService_Run_RetryAfterFailureReuploads(t *testing.T) {
	f := newFixture(t, tif("a.tif"))
	f.uploader.errs["a.tif"] = fmt.Errorf("disk read error")
	svc := f.service(core.Options{})

	if _, err := svc.Run(context.Background(), f.sess); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := f.sess.Task("a.tif").Status; got != core.StatusFailed {
		t.Fatalf("status = %s, want failed", got)
	}

	delete(f.uploader.errs, "a.tif")
	count, err := svc.Retry(f.sess, nil)
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if count != 1 {
		t.Fatalf("Retry() = %d, want 1", count)
	}

	// The failed attempt left the hash in the duplicate index; the task
	// must not be skipped as a duplicate of itself.
	counts, err := svc.Run(context.Background(), f.sess)
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if counts.Completed != 1 {
		t.Fatalf("Completed = %d, want 1", counts.Completed)
	}
	task := f.sess.Task("a.tif")
	if task.Status != core.StatusCompleted {
		t.Errorf("status after retry = %s, want completed", task.Status)
	}
	if task.SkipReason != "" {
		t.Errorf("SkipReason = %q, want none", task.SkipReason)
	}
	if got := f.uploader.callCount(); got != 2 {
		t.Errorf("uploader calls = %d, want 2", got)
	}
}

func TestUploadService_Run_PerFileFailure(t *testing.T) {
	f := newFixture(t, tif("a.tif"), tif("b.tif"))
	f.uploader.errs["a.tif"] = fmt.Errorf("disk read error")

	counts, err := f.service(core.Options{}).Run(context.Background(), f.sess)
	if err != nil {
		t.Fatalf("Run() error = %v, per-file failures must not abort the batch", err)
	}
	if counts.Failed != 1 || counts.Completed != 1 {
		t.Fatalf("counts = %+v, want 1 failed, 1 completed", counts)
	}

	failed := f.sess.Task("a.tif")
	if failed.Status != core.StatusFailed {
		t.Errorf("status = %s, want failed", failed.Status)
	}
	if failed.LastError != "disk read error" {
		t.Errorf("LastError = %q", failed.LastError)
	}
}

func TestUploadService_Run_FatalErrorHalts(t *testing.T) {
	f := newFixture(t, tif("a.tif"), tif("b.tif"))
	f.uploader.errs["a.tif"] = &core.FatalServiceError{Err: fmt.Errorf("service unreachable")}

	_, err := f.service(core.Options{}).Run(context.Background(), f.sess)
	if err == nil {
		t.Fatal("Run() should surface a fatal service error")
	}

	// The task must stay resumable, not be marked failed.
	task := f.sess.Task("a.tif")
	if task.Status != core.StatusUploading {
		t.Errorf("status = %s, want uploading (resumable)", task.Status)
	}
	if got := f.sess.Task("b.tif").Status; got != core.StatusPending {
		t.Errorf("sibling status = %s, want pending (never started)", got)
	}
}

func TestUploadService_Run_ResumesInterruptedUpload(t *testing.T) {
	f := newFixture(t, tif("a.tif"))
	task := f.sess.Task("a.tif")
	task.Status = core.StatusUploading
	task.ContentHash = "resumed"
	task.RemoteUploadID = "upload-77"
	task.BytesUploaded = 32
	// A re-validation on resume would fail; the engine must skip straight
	// to the transfer.
	f.validator.failures["/data/a.tif"] = []string{"should not be re-validated"}

	counts, err := f.service(core.Options{}).Run(context.Background(), f.sess)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if counts.Completed != 1 {
		t.Fatalf("Completed = %d, want 1", counts.Completed)
	}
	if f.uploader.callCount() != 1 {
		t.Error("uploader not called on resume")
	}
	if task.RemoteUploadID != "upload-77" {
		t.Errorf("RemoteUploadID = %q, resume anchor must be kept", task.RemoteUploadID)
	}
}

func TestUploadService_Run_TriggerFailureKeepsUploaded(t *testing.T) {
	f := newFixture(t, tif("a.tif"))
	f.api.FailTriggers = 10 // more than the retry budget

	counts, err := f.service(core.Options{TriggerAttempts: 3}).Run(context.Background(), f.sess)
	if err != nil {
		t.Fatalf("Run() error = %v, trigger exhaustion is a per-file condition", err)
	}
	if counts.Pending != 1 {
		t.Fatalf("Pending = %d, want 1 (uploaded counts as pending)", counts.Pending)
	}

	task := f.sess.Task("a.tif")
	if task.Status != core.StatusUploaded {
		t.Fatalf("status = %s, want uploaded", task.Status)
	}
	if !strings.Contains(task.LastError, "processing trigger") {
		t.Errorf("LastError = %q, want trigger failure recorded", task.LastError)
	}

	// A resumed run must re-trigger without re-uploading.
	f.api.FailTriggers = 0
	uploads := f.uploader.callCount()
	counts, err = f.service(core.Options{}).Run(context.Background(), f.sess)
	if err != nil {
		t.Fatalf("resumed Run() error = %v", err)
	}
	if counts.Completed != 1 {
		t.Fatalf("Completed = %d, want 1", counts.Completed)
	}
	if f.uploader.callCount() != uploads {
		t.Error("file re-uploaded after trigger failure")
	}
	if len(f.api.Triggers) != 1 {
		t.Errorf("triggers = %d, want 1", len(f.api.Triggers))
	}
}

func TestUploadService_Run_TriggerAuthRejectedRefreshes(t *testing.T) {
	f := newFixture(t, tif("a.tif"))
	f.api.ValidToken = "token-2"
	f.tokens.AccessToken = "stale"
	f.tokens.Rotated = "token-2"

	counts, err := f.service(core.Options{}).Run(context.Background(), f.sess)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if counts.Completed != 1 {
		t.Fatalf("Completed = %d, want 1", counts.Completed)
	}
	if f.tokens.InvalidateCalls != 1 {
		t.Errorf("InvalidateCalls = %d, want 1", f.tokens.InvalidateCalls)
	}
}

func TestUploadService_Run_Parallel(t *testing.T) {
	var files []core.DiscoveredFile
	for i := 0; i < 12; i++ {
		files = append(files, tif(fmt.Sprintf("f%02d.tif", i)))
	}
	f := newFixture(t, files...)
	// Mix in every transition path so workers interleave skips, failures,
	// warnings and uploads while siblings marshal the session.
	f.hasher.hashes["/data/f10.tif"] = "seen"
	if err := f.index.Record("seen", "earlier-session", "old.tif", core.OutcomeCompleted); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	f.uploader.errs["f09.tif"] = fmt.Errorf("boom")
	f.validator.warnings["/data/f08.tif"] = []string{"no GPS metadata"}

	counts, err := f.service(core.Options{Workers: 4}).Run(context.Background(), f.sess)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if counts.Completed != 10 || counts.Skipped != 1 || counts.Failed != 1 {
		t.Fatalf("counts = %+v, want 10 completed, 1 skipped, 1 failed", counts)
	}

	// The persisted snapshot must match the in-memory result.
	loaded, err := f.store.Load("/data")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := loaded.Counts(); got != counts {
		t.Errorf("persisted counts = %+v, want %+v", got, counts)
	}
}

func TestUploadService_Retry(t *testing.T) {
	f := newFixture(t, tif("a.tif"), tif("b.tif"), tif("c.tif"))
	f.uploader.errs["a.tif"] = fmt.Errorf("boom")
	f.validator.failures["/data/b.tif"] = []string{"bad bands"}

	svc := f.service(core.Options{})
	if _, err := svc.Run(context.Background(), f.sess); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	failed := f.sess.Task("a.tif")
	failed.RemoteUploadID = "upload-kept"
	failed.BytesUploaded = 16

	count, err := svc.Retry(f.sess, nil)
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if count != 2 {
		t.Fatalf("Retry() = %d, want 2 (failed + validation failed)", count)
	}
	if failed.Status != core.StatusPending || failed.LastError != "" {
		t.Errorf("task = %s/%q, want pending with cleared error", failed.Status, failed.LastError)
	}
	if failed.RemoteUploadID != "upload-kept" || failed.BytesUploaded != 16 {
		t.Error("retry must keep resume anchors")
	}
	if got := f.sess.Task("c.tif").Status; got != core.StatusCompleted {
		t.Errorf("completed task status = %s, must not be reset", got)
	}

	t.Run("scoped to given paths", func(t *testing.T) {
		f.sess.Task("a.tif").Status = core.StatusFailed
		f.sess.Task("b.tif").Status = core.StatusFailed
		count, err := svc.Retry(f.sess, []string{"b.tif"})
		if err != nil {
			t.Fatalf("Retry() error = %v", err)
		}
		if count != 1 {
			t.Fatalf("Retry() = %d, want 1", count)
		}
		if got := f.sess.Task("a.tif").Status; got != core.StatusFailed {
			t.Errorf("unselected task status = %s, want failed", got)
		}
	})
}

func TestUploadService_Run_HashErrorFailsTask(t *testing.T) {
	f := newFixture(t, tif("a.tif"))
	f.hasher.err = fmt.Errorf("permission denied")

	counts, err := f.service(core.Options{}).Run(context.Background(), f.sess)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if counts.Failed != 1 {
		t.Fatalf("Failed = %d, want 1", counts.Failed)
	}
	if got := f.sess.Task("a.tif").LastError; !strings.Contains(got, "permission denied") {
		t.Errorf("LastError = %q", got)
	}
}

func TestProcessingTasks(t *testing.T) {
	ortho := core.ProcessingTasks(core.TypeOrthomosaic)
	if ortho[0] != "cog" || len(ortho) != 6 {
		t.Errorf("orthomosaic tasks = %v", ortho)
	}
	raw := core.ProcessingTasks(core.TypeRawImageArchive)
	if raw[0] != "odm_processing" || len(raw) != 7 {
		t.Errorf("raw archive tasks = %v", raw)
	}
}
