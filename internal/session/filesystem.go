// Package session persists batch upload state next to the data it describes.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"dtup/internal/core"
)

// DescriptorName is the session file colocated with the data directory.
const DescriptorName = ".dtup-session.json"

// FileSessionStore keeps one JSON session descriptor per data root. Saves
// are atomic: state is written to a temporary file in the same directory and
// rename-swapped over the descriptor, so a crash mid-write never leaves a
// truncated or unparsable file behind.
type FileSessionStore struct {
	clock core.Clock
	idgen core.IDGenerator
}

var _ core.SessionStore = (*FileSessionStore)(nil)

func NewFileSessionStore(clock core.Clock, idgen core.IDGenerator) *FileSessionStore {
	return &FileSessionStore{clock: clock, idgen: idgen}
}

// DescriptorPath returns the session file path for a data root.
func DescriptorPath(dataRoot string) string {
	return filepath.Join(dataRoot, DescriptorName)
}

// Load reads the descriptor for dataRoot. An absent or corrupt descriptor
// yields (nil, nil): a batch that cannot be parsed is restarted, not wedged.
func (s *FileSessionStore) Load(dataRoot string) (*core.Session, error) {
	data, err := os.ReadFile(DescriptorPath(dataRoot))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading session descriptor: %w", err)
	}

	var sess core.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, nil
	}
	if sess.SessionID == "" {
		return nil, nil
	}
	sess.DataRoot = dataRoot
	return &sess, nil
}

// Create builds a fresh session with every discovered file pending and
// persists it immediately.
func (s *FileSessionStore) Create(dataRoot, apiEndpoint string, discovered []core.DiscoveredFile) (*core.Session, error) {
	now := s.clock.Now()
	sess := &core.Session{
		SessionID:   s.idgen.New(),
		CreatedAt:   now,
		UpdatedAt:   now,
		APIEndpoint: apiEndpoint,
		DataRoot:    dataRoot,
	}
	for _, f := range discovered {
		sess.Tasks = append(sess.Tasks, newTask(f))
	}
	if err := s.Save(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Save writes the full session snapshot atomically.
func (s *FileSessionStore) Save(sess *core.Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	dest := DescriptorPath(sess.DataRoot)
	tmp, err := os.CreateTemp(sess.DataRoot, DescriptorName+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temporary session file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing session: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing session file: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing session descriptor: %w", err)
	}
	return nil
}

// Reconcile extends an existing session with newly discovered files. Tasks
// whose files vanished from disk keep their last known status and are
// returned so the caller can surface a warning.
func (s *FileSessionStore) Reconcile(sess *core.Session, discovered []core.DiscoveredFile) ([]string, error) {
	onDisk := make(map[string]bool, len(discovered))
	for _, f := range discovered {
		onDisk[f.Path] = true
		if sess.Task(f.Path) == nil {
			sess.Tasks = append(sess.Tasks, newTask(f))
		}
	}

	var missing []string
	for _, t := range sess.Tasks {
		if !onDisk[t.Path] {
			missing = append(missing, t.Path)
		}
	}

	sess.UpdatedAt = s.clock.Now()
	if err := s.Save(sess); err != nil {
		return nil, err
	}
	return missing, nil
}

func newTask(f core.DiscoveredFile) *core.FileTask {
	return &core.FileTask{
		Path:         f.Path,
		Size:         f.Size,
		DeclaredType: f.Type,
		MetadataRef:  filepath.Base(f.Path),
		Status:       core.StatusPending,
	}
}
