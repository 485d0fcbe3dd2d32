package metadata

import (
	"sort"

	"dtup/internal/core"
)

// Resolver maps filenames to their finalized records. Once built it is
// immutable, matching the engine's view of metadata as fixed per task.
type Resolver struct {
	records map[string]*FileMetadata
}

var _ core.MetadataSource = (*Resolver)(nil)

func NewResolver(records []*FileMetadata) *Resolver {
	m := make(map[string]*FileMetadata, len(records))
	for _, r := range records {
		m[r.Filename] = r
	}
	return &Resolver{records: m}
}

// Resolve returns the wire-form record for a task's metadata reference.
func (r *Resolver) Resolve(ref string) (core.MetadataRecord, bool) {
	rec, ok := r.records[ref]
	if !ok {
		return nil, false
	}
	return rec.Record(), true
}

// Has reports whether a record exists for the filename.
func (r *Resolver) Has(filename string) bool {
	_, ok := r.records[filename]
	return ok
}

// Match splits discovered files into those with a metadata record and those
// without, and reports records that match no file on disk.
func (r *Resolver) Match(discovered []core.DiscoveredFile) (matched []core.DiscoveredFile, unmatchedFiles, unmatchedRecords []string) {
	seen := make(map[string]bool, len(discovered))
	for _, f := range discovered {
		seen[f.Path] = true
		if r.Has(f.Path) {
			matched = append(matched, f)
		} else {
			unmatchedFiles = append(unmatchedFiles, f.Path)
		}
	}
	for name := range r.records {
		if !seen[name] {
			unmatchedRecords = append(unmatchedRecords, name)
		}
	}
	sort.Strings(unmatchedRecords)
	return matched, unmatchedFiles, unmatchedRecords
}
