package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"dtup/internal/core"
)

// FakeUpload is the server-side state of one upload in the fake service.
type FakeUpload struct {
	Req       core.CreateUploadRequest
	Data      []byte
	Completed bool
}

// FakeIngestAPI is an in-memory ingestion service. It accepts any token
// unless ValidToken is set, stores chunk bytes per upload, and can be
// scripted to fail a bounded number of calls.
type FakeIngestAPI struct {
	mu sync.Mutex

	// ValidToken, when non-empty, is the only accepted bearer token;
	// everything else fails with core.ErrAuthRejected.
	ValidToken string

	// FailCreates, FailOffsets, FailChunks and FailTriggers make the next
	// N calls of the matching method fail with a transient error.
	FailCreates  int
	FailOffsets  int
	FailChunks   int
	FailTriggers int

	// ChecksumOverride replaces the computed checksum in CompleteUpload.
	ChecksumOverride string

	Uploads  map[string]*FakeUpload
	Triggers []core.ProcessRequest

	LoginCalls   int
	RefreshCalls int

	nextID int
	nowFn  func() time.Time
}

var _ core.IngestAPI = (*FakeIngestAPI)(nil)

func NewFakeIngestAPI() *FakeIngestAPI {
	return &FakeIngestAPI{
		Uploads: make(map[string]*FakeUpload),
		nowFn:   time.Now,
	}
}

// SetClock makes issued credentials expire relative to the given clock.
func (f *FakeIngestAPI) SetClock(c core.Clock) {
	f.mu.Lock()
	f.nowFn = c.Now
	f.mu.Unlock()
}

func (f *FakeIngestAPI) Login(_ context.Context, email, password string) (*core.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if email == "" || password == "" {
		return nil, fmt.Errorf("invalid email or password")
	}
	f.LoginCalls++
	return f.issue(fmt.Sprintf("access-login-%d", f.LoginCalls)), nil
}

func (f *FakeIngestAPI) Refresh(_ context.Context, refreshToken string) (*core.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if refreshToken == "" || refreshToken == "rejected" {
		return nil, core.ErrReauthRequired
	}
	f.RefreshCalls++
	return f.issue(fmt.Sprintf("access-refresh-%d", f.RefreshCalls)), nil
}

func (f *FakeIngestAPI) issue(access string) *core.Credential {
	if f.ValidToken != "" {
		access = f.ValidToken
	}
	return &core.Credential{
		AccessToken:  access,
		RefreshToken: "refresh-" + access,
		ExpiresAt:    f.nowFn().Add(time.Hour),
	}
}

func (f *FakeIngestAPI) checkToken(token string) error {
	if f.ValidToken != "" && token != f.ValidToken {
		return core.ErrAuthRejected
	}
	return nil
}

func (f *FakeIngestAPI) CreateUpload(_ context.Context, token string, req core.CreateUploadRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkToken(token); err != nil {
		return "", err
	}
	if f.FailCreates > 0 {
		f.FailCreates--
		return "", core.Transient(fmt.Errorf("create unavailable"))
	}
	f.nextID++
	id := fmt.Sprintf("upload-%d", f.nextID)
	f.Uploads[id] = &FakeUpload{Req: req}
	return id, nil
}

func (f *FakeIngestAPI) UploadedBytes(_ context.Context, token, uploadID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkToken(token); err != nil {
		return 0, err
	}
	if f.FailOffsets > 0 {
		f.FailOffsets--
		return 0, core.Transient(fmt.Errorf("offset unavailable"))
	}
	u, ok := f.Uploads[uploadID]
	if !ok {
		return 0, fmt.Errorf("unknown upload %s", uploadID)
	}
	return int64(len(u.Data)), nil
}

func (f *FakeIngestAPI) PutChunk(_ context.Context, token, uploadID string, offset int64, data []byte) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkToken(token); err != nil {
		return 0, err
	}
	if f.FailChunks > 0 {
		f.FailChunks--
		return 0, core.Transient(fmt.Errorf("chunk dropped"))
	}
	u, ok := f.Uploads[uploadID]
	if !ok {
		return 0, fmt.Errorf("unknown upload %s", uploadID)
	}
	if offset > int64(len(u.Data)) {
		return 0, fmt.Errorf("offset %d beyond received bytes %d", offset, len(u.Data))
	}
	u.Data = append(u.Data[:offset], data...)
	return int64(len(u.Data)), nil
}

func (f *FakeIngestAPI) CompleteUpload(_ context.Context, token, uploadID string) (*core.UploadSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkToken(token); err != nil {
		return nil, err
	}
	u, ok := f.Uploads[uploadID]
	if !ok {
		return nil, fmt.Errorf("unknown upload %s", uploadID)
	}
	u.Completed = true
	checksum := f.ChecksumOverride
	if checksum == "" {
		sum := sha256.Sum256(u.Data)
		checksum = hex.EncodeToString(sum[:])
	}
	return &core.UploadSummary{Size: int64(len(u.Data)), Checksum: checksum}, nil
}

func (f *FakeIngestAPI) TriggerProcessing(_ context.Context, token string, req core.ProcessRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkToken(token); err != nil {
		return err
	}
	if f.FailTriggers > 0 {
		f.FailTriggers--
		return core.Transient(fmt.Errorf("trigger unavailable"))
	}
	f.Triggers = append(f.Triggers, req)
	return nil
}
