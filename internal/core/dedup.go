package core

// DuplicateOutcome records how the earlier upload of a hash ended. A failed
// earlier outcome must not silently suppress a re-upload.
type DuplicateOutcome string

const (
	OutcomeCompleted DuplicateOutcome = "completed"
	OutcomeFailed    DuplicateOutcome = "failed"
)

// DuplicateVerdict classifies a content hash against the index.
type DuplicateVerdict struct {
	Kind      VerdictKind
	SessionID string           // set for SeenOtherSession
	Path      string           // where the hash was first seen
	Outcome   DuplicateOutcome // set for SeenOtherSession
}

type VerdictKind int

const (
	NewFile VerdictKind = iota
	SeenThisSession
	SeenOtherSession
)

// DuplicateIndex is the append-only, cross-session record of uploaded
// content hashes. Records are never mutated; appends are idempotent under
// re-insertion of the same tuple.
type DuplicateIndex interface {
	// Check classifies hash relative to sessionID.
	Check(hash, sessionID string) (DuplicateVerdict, error)

	// Record appends an upload outcome for hash.
	Record(hash, sessionID, path string, outcome DuplicateOutcome) error

	Close() error
}

// DuplicatePolicy decides what to do with a cross-session duplicate. The
// engine never silently skips those itself: the earlier outcome might have
// been a failure, and the decision belongs to the interaction layer.
type DuplicatePolicy func(task *FileTask, verdict DuplicateVerdict) (skip bool)

// SkipCompletedDuplicates is the headless default: skip only when the
// earlier upload completed.
func SkipCompletedDuplicates(_ *FileTask, v DuplicateVerdict) bool {
	return v.Outcome == OutcomeCompleted
}
