package core

// SessionStore is the durable home of batch state. Implementations must make
// Save atomic: a crash mid-write never leaves the visible session descriptor
// truncated or unparsable.
type SessionStore interface {
	// Load reads the session descriptor for a data root.
	// Returns (nil, nil) if no descriptor exists or it cannot be parsed;
	// a corrupt session is treated as absent, never as a fatal error.
	Load(dataRoot string) (*Session, error)

	// Create builds a fresh session with every discovered file pending
	// and persists it.
	Create(dataRoot, apiEndpoint string, discovered []DiscoveredFile) (*Session, error)

	// Save persists the full session state. Writes go to a temporary
	// location and are rename-swapped over the previous descriptor.
	Save(session *Session) error

	// Reconcile adds pending tasks for newly discovered files missing from
	// the session and leaves existing tasks untouched. Tasks whose files
	// vanished from disk are kept with their last known status and returned
	// as warnings.
	Reconcile(session *Session, discovered []DiscoveredFile) (missing []string, err error)
}

// DiscoveredFile is one uploadable file found under the data root.
type DiscoveredFile struct {
	Path string // relative to the data root
	Size int64
	Type FileType
}
