// Package validate checks files against the rules for their declared type.
package validate

import (
	"fmt"

	"dtup/internal/core"
)

// FileValidator implements core.Validator for the two supported types.
// Orthomosaic errors fail the task; archive findings are warnings unless the
// archive itself is unreadable.
type FileValidator struct{}

var _ core.Validator = (*FileValidator)(nil)

func NewFileValidator() *FileValidator { return &FileValidator{} }

func (FileValidator) Validate(absPath string, declaredType core.FileType) core.ValidationReport {
	var errs, warnings []string
	switch declaredType {
	case core.TypeOrthomosaic:
		errs, warnings = checkGeoTIFF(absPath)
	case core.TypeRawImageArchive:
		errs, warnings = checkArchive(absPath)
	default:
		errs = []string{fmt.Sprintf("unknown file type %q", declaredType)}
	}
	return core.ValidationReport{
		Passed:   len(errs) == 0,
		Errors:   errs,
		Warnings: warnings,
	}
}
