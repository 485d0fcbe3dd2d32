package core

// ValidationReport is the validator's verdict on one file. Errors fail the
// task; warnings are recorded on it and do not block upload.
type ValidationReport struct {
	Passed   bool
	Errors   []string
	Warnings []string
}

// Validator checks a file against the rules for its declared type. The
// engine only consumes the verdict; it does not interpret the diagnostics.
type Validator interface {
	Validate(absPath string, declaredType FileType) ValidationReport
}

// MetadataSource resolves a task's metadata reference to its finalized
// record. Records are assumed already validated for required fields.
type MetadataSource interface {
	Resolve(ref string) (MetadataRecord, bool)
}
