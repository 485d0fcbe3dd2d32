package session

import (
	"encoding/json"
	"sync"

	"dtup/internal/core"
)

// MemorySessionStore keeps session snapshots in memory. Used in tests and
// for dry runs that must not touch the data directory.
type MemorySessionStore struct {
	clock core.Clock
	idgen core.IDGenerator

	mu       sync.Mutex
	sessions map[string][]byte // data root -> encoded snapshot
	saves    int
}

var _ core.SessionStore = (*MemorySessionStore)(nil)

func NewMemorySessionStore(clock core.Clock, idgen core.IDGenerator) *MemorySessionStore {
	return &MemorySessionStore{
		clock:    clock,
		idgen:    idgen,
		sessions: make(map[string][]byte),
	}
}

func (s *MemorySessionStore) Load(dataRoot string) (*core.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.sessions[dataRoot]
	if !ok {
		return nil, nil
	}
	var sess core.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, nil
	}
	sess.DataRoot = dataRoot
	return &sess, nil
}

func (s *MemorySessionStore) Create(dataRoot, apiEndpoint string, discovered []core.DiscoveredFile) (*core.Session, error) {
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

// Save stores an encoded snapshot, so later loads observe a deep copy the
// way a reload from disk would.
func (s *MemorySessionStore) Save(sess *core.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.DataRoot] = data
	s.saves++
	return nil
}

func (s *MemorySessionStore) Reconcile(sess *core.Session, discovered []core.DiscoveredFile) ([]string, error) {
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
	return missing, s.Save(sess)
}

// SaveCount reports how many snapshots were persisted. Test helper.
func (s *MemorySessionStore) SaveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
