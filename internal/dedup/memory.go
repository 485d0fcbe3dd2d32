package dedup

import (
	"sync"

	"dtup/internal/core"
)

type record struct {
	sessionID string
	path      string
	outcome   core.DuplicateOutcome
}

// MemoryIndex is an in-memory DuplicateIndex with the same append-only
// semantics as the SQLite one. Used in tests.
type MemoryIndex struct {
	mu      sync.Mutex
	records map[string][]record // content hash -> appended records
}

var _ core.DuplicateIndex = (*MemoryIndex)(nil)

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{records: make(map[string][]record)}
}

func (i *MemoryIndex) Check(hash, sessionID string) (core.DuplicateVerdict, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	recs := i.records[hash]
	if len(recs) == 0 {
		return core.DuplicateVerdict{Kind: core.NewFile}, nil
	}

	var best *record
	for idx := range recs {
		r := &recs[idx]
		if r.sessionID == sessionID {
			return core.DuplicateVerdict{Kind: core.SeenThisSession, Path: r.path}, nil
		}
		if best == nil || (best.outcome != core.OutcomeCompleted && r.outcome == core.OutcomeCompleted) {
			best = r
		}
	}
	return core.DuplicateVerdict{
		Kind:      core.SeenOtherSession,
		SessionID: best.sessionID,
		Path:      best.path,
		Outcome:   best.outcome,
	}, nil
}

func (i *MemoryIndex) Record(hash, sessionID, path string, outcome core.DuplicateOutcome) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	for _, r := range i.records[hash] {
		if r.sessionID == sessionID && r.path == path && r.outcome == outcome {
			return nil // idempotent
		}
	}
	i.records[hash] = append(i.records[hash], record{sessionID: sessionID, path: path, outcome: outcome})
	return nil
}

func (i *MemoryIndex) Close() error { return nil }
