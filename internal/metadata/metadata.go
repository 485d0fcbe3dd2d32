// Package metadata resolves per-file upload metadata from a spreadsheet
// export. Records are finalized here; the engine treats them as opaque.
package metadata

import (
	"fmt"
	"strings"

	"dtup/internal/core"
)

// License is the dataset license. Only the listed values are accepted.
type License string

const (
	LicenseCCBY     License = "CC BY"
	LicenseCCBYSA   License = "CC BY-SA"
	LicenseCCBYNCSA License = "CC BY-NC-SA"
	LicenseCCBYNC   License = "CC BY-NC"
	LicenseMIT      License = "MIT"
)

var licenses = []License{LicenseCCBY, LicenseCCBYSA, LicenseCCBYNCSA, LicenseCCBYNC, LicenseMIT}

// NormalizeLicense matches a raw string against the known licenses,
// ignoring case, spaces and dashes ("cc-by-nc-sa" resolves to CC BY-NC-SA).
func NormalizeLicense(raw string) (License, error) {
	want := canonical(raw)
	for _, l := range licenses {
		if canonical(string(l)) == want {
			return l, nil
		}
	}
	return "", fmt.Errorf("unknown license %q", raw)
}

func canonical(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, " ", "")
	return strings.ReplaceAll(s, "-", "")
}

// Platform is the capture platform. Only drone and airborne are supported.
type Platform string

const (
	PlatformDrone    Platform = "drone"
	PlatformAirborne Platform = "airborne"
)

func NormalizePlatform(raw string) (Platform, error) {
	switch Platform(strings.ToLower(strings.TrimSpace(raw))) {
	case PlatformDrone:
		return PlatformDrone, nil
	case PlatformAirborne:
		return PlatformAirborne, nil
	}
	return "", fmt.Errorf("unknown platform %q (supported: drone, airborne)", raw)
}

// DataAccess is the dataset visibility level. Empty input means public.
type DataAccess string

const (
	AccessPublic   DataAccess = "public"
	AccessPrivate  DataAccess = "private"
	AccessViewOnly DataAccess = "viewonly"
)

func NormalizeDataAccess(raw string) (DataAccess, error) {
	switch DataAccess(strings.ToLower(strings.TrimSpace(raw))) {
	case "":
		return AccessPublic, nil
	case AccessPublic:
		return AccessPublic, nil
	case AccessPrivate:
		return AccessPrivate, nil
	case AccessViewOnly:
		return AccessViewOnly, nil
	}
	return "", fmt.Errorf("unknown data access %q (supported: public, private, viewonly)", raw)
}

// SplitAuthors parses a semicolon-separated author list.
func SplitAuthors(raw string) []string {
	var authors []string
	for _, a := range strings.Split(raw, ";") {
		if a = strings.TrimSpace(a); a != "" {
			authors = append(authors, a)
		}
	}
	return authors
}

// FileMetadata is one finalized record. Zero acquisition fields mean unset.
type FileMetadata struct {
	Filename              string
	License               License
	Platform              Platform
	Authors               []string
	AcquisitionYear       int
	AcquisitionMonth      int
	AcquisitionDay        int
	DataAccess            DataAccess
	AdditionalInformation string
	CitationDOI           string
}

// Validate checks required fields and acquisition date ranges.
func (m *FileMetadata) Validate() error {
	if m.Filename == "" {
		return fmt.Errorf("missing filename")
	}
	if m.License == "" {
		return fmt.Errorf("%s: missing license", m.Filename)
	}
	if m.Platform == "" {
		return fmt.Errorf("%s: missing platform", m.Filename)
	}
	if len(m.Authors) == 0 {
		return fmt.Errorf("%s: missing authors", m.Filename)
	}
	if m.AcquisitionYear != 0 && (m.AcquisitionYear < 1980 || m.AcquisitionYear > 2099) {
		return fmt.Errorf("%s: acquisition year %d out of range", m.Filename, m.AcquisitionYear)
	}
	if m.AcquisitionMonth != 0 && (m.AcquisitionMonth < 1 || m.AcquisitionMonth > 12) {
		return fmt.Errorf("%s: acquisition month %d out of range", m.Filename, m.AcquisitionMonth)
	}
	if m.AcquisitionDay != 0 && (m.AcquisitionDay < 1 || m.AcquisitionDay > 31) {
		return fmt.Errorf("%s: acquisition day %d out of range", m.Filename, m.AcquisitionDay)
	}
	return nil
}

// Record flattens the metadata into the wire form the ingestion service
// expects. Field names match the service contract, including its historical
// "aquisition" spelling.
func (m *FileMetadata) Record() core.MetadataRecord {
	rec := core.MetadataRecord{
		"license":     string(m.License),
		"platform":    string(m.Platform),
		"authors":     m.Authors,
		"data_access": string(m.DataAccess),
	}
	if m.AcquisitionYear != 0 {
		rec["aquisition_year"] = m.AcquisitionYear
	}
	if m.AcquisitionMonth != 0 {
		rec["aquisition_month"] = m.AcquisitionMonth
	}
	if m.AcquisitionDay != 0 {
		rec["aquisition_day"] = m.AcquisitionDay
	}
	if m.AdditionalInformation != "" {
		rec["additional_information"] = m.AdditionalInformation
	}
	if m.CitationDOI != "" {
		rec["citation_doi"] = m.CitationDOI
	}
	return rec
}
