package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"dtup/internal/api"
	"dtup/internal/auth"
	"dtup/internal/config"
	"dtup/internal/core"
	"dtup/internal/dedup"
	"dtup/internal/hashing"
	"dtup/internal/metadata"
	"dtup/internal/session"
	"dtup/internal/transfer"
	"dtup/internal/validate"
)

// UploadApp is the application layer between the CLI and UploadService.
// It constructs all dependencies from config, exposes high-level operations
// that accept raw string paths, and manages the duplicate index lifecycle
// on Close.
type UploadApp struct {
	cfg       *config.Config
	store     core.SessionStore
	index     core.DuplicateIndex
	hasher    core.Hasher
	validator core.Validator
	uploader  core.Uploader
	client    *api.Client
	tokens    *auth.Manager
	logger    core.Logger
	clock     core.Clock
	logFile   *os.File
}

// NewUploadApp creates a fully wired UploadApp from the given config.
// operation identifies the CLI command being run (e.g. "Upload", "Retry").
// The caller must call Close when done.
func NewUploadApp(cfg *config.Config, operation string) (*UploadApp, error) {
	if cfg.APIEndpoint == "" {
		return nil, fmt.Errorf("no api_endpoint configured")
	}

	opID := time.Now().UTC().Format("20060102T150405Z")
	slogger, logFile, err := newLogger(cfg.LogDir, opID)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	clock := core.RealClock{}
	idgen := core.UUIDGenerator{}

	store, err := session.NewStoreFromConfig(cfg.Session, clock, idgen)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("creating session store: %w", err)
	}

	index, err := dedup.NewIndexFromConfig(cfg.Dedup)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("creating duplicate index: %w", err)
	}

	timeout := time.Duration(cfg.Transfer.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	client := api.NewClient(cfg.APIEndpoint, timeout)
	tokens := auth.NewManager(client, clock, logger, time.Duration(cfg.Auth.ExpiryMarginSecs)*time.Second)

	uploader := transfer.NewExecutor(client, logger, transfer.Options{
		ChunkSize:   cfg.Transfer.ChunkSize,
		MaxAttempts: cfg.Transfer.MaxAttempts,
		BackoffBase: time.Duration(cfg.Transfer.BackoffBaseMS) * time.Millisecond,
		BackoffCap:  time.Duration(cfg.Transfer.BackoffCapMS) * time.Millisecond,
	})

	logger.Info("operation started", "operation", operation)

	return &UploadApp{
		cfg:       cfg,
		store:     store,
		index:     index,
		hasher:    hashing.NewSHA256Hasher(),
		validator: validate.NewFileValidator(),
		uploader:  uploader,
		client:    client,
		tokens:    tokens,
		logger:    logger,
		clock:     clock,
		logFile:   logFile,
	}, nil
}

// Login authenticates against the ingestion service. Credentials live only
// in process memory; nothing is written to disk.
func (a *UploadApp) Login(ctx context.Context, email, password string) error {
	return a.tokens.Login(ctx, email, password)
}

// DefaultEmail returns the configured login email, if any.
func (a *UploadApp) DefaultEmail() string {
	return a.cfg.Auth.Email
}

// Batch is a prepared upload: the session plus everything the CLI needs to
// show before asking for confirmation.
type Batch struct {
	Session  *core.Session
	Resolver *metadata.Resolver

	// Resumed is true when an existing session descriptor was picked up.
	Resumed bool

	// MissingFiles are session tasks whose file no longer exists on disk.
	MissingFiles []string
	// UnmatchedFiles were discovered but have no metadata record.
	UnmatchedFiles []string
	// UnmatchedRecords are metadata rows that match no file on disk.
	UnmatchedRecords []string
	// ParseErrors are metadata rows that failed normalization.
	ParseErrors []error

	// PendingCount and PendingBytes cover the non-terminal tasks.
	PendingCount int
	PendingBytes int64
}

// Prepare discovers files under dataRoot, loads the metadata sheet, and
// creates or resumes the session. When fresh is true, or the stored session
// targets a different endpoint, a new session replaces the old one.
func (a *UploadApp) Prepare(dataRoot, metadataPath string, fresh bool) (*Batch, error) {
	absRoot, err := filepath.Abs(dataRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving data directory: %w", err)
	}

	discovered, err := session.Discover(absRoot)
	if err != nil {
		return nil, fmt.Errorf("scanning data directory: %w", err)
	}
	if len(discovered) == 0 {
		return nil, fmt.Errorf("no GeoTIFF or ZIP files found in %s", absRoot)
	}

	records, parseErrs := metadata.ParseCSVFile(metadataPath)
	if len(records) == 0 {
		if len(parseErrs) > 0 {
			return nil, fmt.Errorf("reading metadata: %w", parseErrs[0])
		}
		return nil, fmt.Errorf("metadata file %s has no records", metadataPath)
	}
	resolver := metadata.NewResolver(records)
	matched, unmatchedFiles, unmatchedRecords := resolver.Match(discovered)
	if len(matched) == 0 {
		return nil, fmt.Errorf("no discovered file has a metadata record")
	}

	batch := &Batch{
		Resolver:         resolver,
		UnmatchedFiles:   unmatchedFiles,
		UnmatchedRecords: unmatchedRecords,
		ParseErrors:      parseErrs,
	}

	var sess *core.Session
	if !fresh {
		sess, err = a.store.Load(absRoot)
		if err != nil {
			return nil, fmt.Errorf("loading session: %w", err)
		}
		if sess != nil && sess.APIEndpoint != a.cfg.APIEndpoint {
			a.logger.Warn("stored session targets a different endpoint, starting fresh",
				"stored", sess.APIEndpoint, "configured", a.cfg.APIEndpoint)
			sess = nil
		}
	}

	if sess != nil {
		missing, err := a.store.Reconcile(sess, matched)
		if err != nil {
			return nil, fmt.Errorf("reconciling session: %w", err)
		}
		batch.Session = sess
		batch.Resumed = true
		batch.MissingFiles = missing
	} else {
		sess, err = a.store.Create(absRoot, a.cfg.APIEndpoint, matched)
		if err != nil {
			return nil, fmt.Errorf("creating session: %w", err)
		}
		batch.Session = sess
	}

	sizes := make(map[string]int64, len(matched))
	for _, f := range matched {
		sizes[f.Path] = f.Size
	}
	for _, t := range sess.Tasks {
		if t.Status.Terminal() {
			continue
		}
		batch.PendingCount++
		batch.PendingBytes += sizes[t.Path] - t.BytesUploaded
	}
	return batch, nil
}

// RunOptions tunes a single batch run.
type RunOptions struct {
	DryRun   bool
	Workers  int
	Progress core.ProgressFunc
}

// Run drives the prepared batch to completion.
func (a *UploadApp) Run(ctx context.Context, batch *Batch, opts RunOptions) (core.SessionCounts, error) {
	workers := opts.Workers
	if workers <= 0 {
		workers = a.cfg.Transfer.Workers
	}
	svc := a.newService(batch.Resolver, core.Options{
		DryRun:   opts.DryRun,
		Workers:  workers,
		Progress: opts.Progress,
	})
	return svc.Run(ctx, batch.Session)
}

// Status loads the session for dataRoot without touching the network.
func (a *UploadApp) Status(dataRoot string) (*core.Session, error) {
	absRoot, err := filepath.Abs(dataRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving data directory: %w", err)
	}
	sess, err := a.store.Load(absRoot)
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if sess == nil {
		return nil, fmt.Errorf("no upload session found in %s", absRoot)
	}
	return sess, nil
}

// Retry resets failed tasks in the stored session back to pending.
// Returns the number of tasks reset.
func (a *UploadApp) Retry(dataRoot string, paths []string) (int, error) {
	sess, err := a.Status(dataRoot)
	if err != nil {
		return 0, err
	}
	svc := a.newService(metadata.NewResolver(nil), core.Options{})
	return svc.Retry(sess, paths)
}

func (a *UploadApp) newService(resolver *metadata.Resolver, opts core.Options) *core.UploadService {
	return core.NewUploadService(a.store, a.index, a.hasher, a.validator,
		a.uploader, a.client, a.tokens, resolver, a.logger, a.clock, opts)
}

// Close releases the duplicate index and the log file.
func (a *UploadApp) Close() error {
	var firstErr error
	if err := a.index.Close(); err != nil {
		firstErr = fmt.Errorf("closing duplicate index: %w", err)
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}
