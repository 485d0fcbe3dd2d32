package metadata

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ParseCSV reads metadata records from a CSV export with a header row.
// Recognized columns: filename, license, platform, authors,
// acquisition_year, acquisition_month, acquisition_day, data_access,
// additional_information, citation_doi. Rows that fail normalization are
// returned as errors alongside the valid records; one bad row never
// discards the batch.
func ParseCSV(r io.Reader) ([]*FileMetadata, []error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, []error{fmt.Errorf("reading CSV header: %w", err)}
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	if _, ok := col["filename"]; !ok {
		return nil, []error{fmt.Errorf("CSV has no filename column")}
	}

	var records []*FileMetadata
	var errs []error
	line := 1
	for {
		line++
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("line %d: %w", line, err))
			continue
		}

		rec, err := parseRow(row, col)
		if err != nil {
			errs = append(errs, fmt.Errorf("line %d: %w", line, err))
			continue
		}
		records = append(records, rec)
	}
	return records, errs
}

// ParseCSVFile is ParseCSV over a file path.
func ParseCSVFile(path string) ([]*FileMetadata, []error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, []error{fmt.Errorf("opening metadata file: %w", err)}
	}
	defer f.Close()
	return ParseCSV(f)
}

func parseRow(row []string, col map[string]int) (*FileMetadata, error) {
	field := func(name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	m := &FileMetadata{
		Filename:              field("filename"),
		Authors:               SplitAuthors(field("authors")),
		AdditionalInformation: field("additional_information"),
		CitationDOI:           field("citation_doi"),
	}

	var err error
	if raw := field("license"); raw != "" {
		if m.License, err = NormalizeLicense(raw); err != nil {
			return nil, err
		}
	}
	if raw := field("platform"); raw != "" {
		if m.Platform, err = NormalizePlatform(raw); err != nil {
			return nil, err
		}
	}
	if m.DataAccess, err = NormalizeDataAccess(field("data_access")); err != nil {
		return nil, err
	}
	if m.AcquisitionYear, err = intField(field("acquisition_year")); err != nil {
		return nil, fmt.Errorf("acquisition_year: %w", err)
	}
	if m.AcquisitionMonth, err = intField(field("acquisition_month")); err != nil {
		return nil, fmt.Errorf("acquisition_month: %w", err)
	}
	if m.AcquisitionDay, err = intField(field("acquisition_day")); err != nil {
		return nil, fmt.Errorf("acquisition_day: %w", err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func intField(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
