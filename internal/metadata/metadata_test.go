package metadata

import (
	"reflect"
	"strings"
	"testing"

	"dtup/internal/core"
)

func TestNormalizeLicense(t *testing.T) {
	cases := []struct {
		raw  string
		want License
	}{
		{"CC BY", LicenseCCBY},
		{"cc-by", LicenseCCBY},
		{"CC BY-NC-SA", LicenseCCBYNCSA},
		{"ccbyncsa", LicenseCCBYNCSA},
		{"  mit  ", LicenseMIT},
		{"Cc By-Sa", LicenseCCBYSA},
	}
	for _, tc := range cases {
		got, err := NormalizeLicense(tc.raw)
		if err != nil {
			t.Errorf("NormalizeLicense(%q) error = %v", tc.raw, err)
			continue
		}
		if got != tc.want {
			t.Errorf("NormalizeLicense(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}

	if _, err := NormalizeLicense("GPL-3.0"); err == nil {
		t.Error("NormalizeLicense(GPL-3.0) should fail")
	}
}

func TestNormalizePlatform(t *testing.T) {
	if got, err := NormalizePlatform(" Drone "); err != nil || got != PlatformDrone {
		t.Errorf("NormalizePlatform(Drone) = %q, %v", got, err)
	}
	if got, err := NormalizePlatform("AIRBORNE"); err != nil || got != PlatformAirborne {
		t.Errorf("NormalizePlatform(AIRBORNE) = %q, %v", got, err)
	}
	if _, err := NormalizePlatform("satellite"); err == nil {
		t.Error("NormalizePlatform(satellite) should fail")
	}
}

func TestNormalizeDataAccess(t *testing.T) {
	if got, err := NormalizeDataAccess(""); err != nil || got != AccessPublic {
		t.Errorf("empty data access = %q, %v, want public default", got, err)
	}
	if got, err := NormalizeDataAccess("ViewOnly"); err != nil || got != AccessViewOnly {
		t.Errorf("NormalizeDataAccess(ViewOnly) = %q, %v", got, err)
	}
	if _, err := NormalizeDataAccess("secret"); err == nil {
		t.Error("NormalizeDataAccess(secret) should fail")
	}
}

func TestSplitAuthors(t *testing.T) {
	got := SplitAuthors("Vogel, J.; Okafor, A. ;; Tanaka, R.")
	want := []string{"Vogel, J.", "Okafor, A.", "Tanaka, R."}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SplitAuthors() = %v, want %v", got, want)
	}
	if got := SplitAuthors(""); got != nil {
		t.Errorf("SplitAuthors(empty) = %v, want nil", got)
	}
}

func validMetadata() *FileMetadata {
	return &FileMetadata{
		Filename:        "ortho.tif",
		License:         LicenseCCBY,
		Platform:        PlatformDrone,
		Authors:         []string{"Vogel, J."},
		AcquisitionYear: 2024,
		DataAccess:      AccessPublic,
	}
}

func TestFileMetadata_Validate(t *testing.T) {
	if err := validMetadata().Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	cases := []struct {
		name     string
		mutate   func(*FileMetadata)
		fragment string
	}{
		{"missing filename", func(m *FileMetadata) { m.Filename = "" }, "missing filename"},
		{"missing license", func(m *FileMetadata) { m.License = "" }, "missing license"},
		{"missing platform", func(m *FileMetadata) { m.Platform = "" }, "missing platform"},
		{"missing authors", func(m *FileMetadata) { m.Authors = nil }, "missing authors"},
		{"year too small", func(m *FileMetadata) { m.AcquisitionYear = 1950 }, "year 1950 out of range"},
		{"year too large", func(m *FileMetadata) { m.AcquisitionYear = 2150 }, "year 2150 out of range"},
		{"bad month", func(m *FileMetadata) { m.AcquisitionMonth = 13 }, "month 13 out of range"},
		{"bad day", func(m *FileMetadata) { m.AcquisitionDay = 32 }, "day 32 out of range"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := validMetadata()
			tc.mutate(m)
			err := m.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.fragment) {
				t.Errorf("Validate() error = %v, want %q", err, tc.fragment)
			}
		})
	}
}

func TestFileMetadata_Record(t *testing.T) {
	m := validMetadata()
	m.AcquisitionMonth = 6
	m.CitationDOI = "10.1000/example"
	rec := m.Record()

	// The service contract spells acquisition without the first "c".
	if rec["aquisition_year"] != 2024 {
		t.Errorf("aquisition_year = %v, want 2024", rec["aquisition_year"])
	}
	if rec["aquisition_month"] != 6 {
		t.Errorf("aquisition_month = %v, want 6", rec["aquisition_month"])
	}
	if _, ok := rec["aquisition_day"]; ok {
		t.Error("unset day must be omitted")
	}
	if rec["license"] != "CC BY" || rec["platform"] != "drone" {
		t.Errorf("record = %v", rec)
	}
	if rec["citation_doi"] != "10.1000/example" {
		t.Errorf("citation_doi = %v", rec["citation_doi"])
	}
	if _, ok := rec["additional_information"]; ok {
		t.Error("empty additional_information must be omitted")
	}
}

const sampleCSV = `filename,license,platform,authors,acquisition_year,acquisition_month,acquisition_day,data_access,additional_information,citation_doi
ortho_north.tif,CC BY,drone,"Vogel, J.; Okafor, A.",2024,6,12,public,Flight over north ridge,
raw_block_a.zip,cc-by-nc,Airborne,"Tanaka, R.",2023,,,private,,10.1000/example
`

func TestParseCSV(t *testing.T) {
	records, errs := ParseCSV(strings.NewReader(sampleCSV))
	if len(errs) != 0 {
		t.Fatalf("errs = %v, want none", errs)
	}
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(records))
	}

	first := records[0]
	if first.Filename != "ortho_north.tif" {
		t.Errorf("Filename = %q", first.Filename)
	}
	if first.License != LicenseCCBY || first.Platform != PlatformDrone {
		t.Errorf("record = %+v", first)
	}
	if len(first.Authors) != 2 {
		t.Errorf("Authors = %v", first.Authors)
	}
	if first.AcquisitionMonth != 6 || first.AcquisitionDay != 12 {
		t.Errorf("acquisition = %d-%d", first.AcquisitionMonth, first.AcquisitionDay)
	}

	second := records[1]
	if second.License != LicenseCCBYNC {
		t.Errorf("License = %q, want normalized CC BY-NC", second.License)
	}
	if second.DataAccess != AccessPrivate {
		t.Errorf("DataAccess = %q", second.DataAccess)
	}
	if second.AcquisitionMonth != 0 {
		t.Errorf("AcquisitionMonth = %d, want unset", second.AcquisitionMonth)
	}
	if second.CitationDOI != "10.1000/example" {
		t.Errorf("CitationDOI = %q", second.CitationDOI)
	}
}

func TestParseCSV_BadRowsDoNotDiscardBatch(t *testing.T) {
	csv := `filename,license,platform,authors
good.tif,CC BY,drone,Someone
bad.tif,NOT-A-LICENSE,drone,Someone
also-good.tif,MIT,airborne,Someone Else
`
	records, errs := ParseCSV(strings.NewReader(csv))
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(records))
	}
	if len(errs) != 1 {
		t.Fatalf("errs = %v, want one", errs)
	}
	if !strings.Contains(errs[0].Error(), "line 3") {
		t.Errorf("error = %v, want line number", errs[0])
	}
}

func TestParseCSV_MissingFilenameColumn(t *testing.T) {
	_, errs := ParseCSV(strings.NewReader("license,platform\nCC BY,drone\n"))
	if len(errs) != 1 || !strings.Contains(errs[0].Error(), "no filename column") {
		t.Fatalf("errs = %v", errs)
	}
}

func TestResolver(t *testing.T) {
	records, errs := ParseCSV(strings.NewReader(sampleCSV))
	if len(errs) != 0 {
		t.Fatalf("errs = %v", errs)
	}
	r := NewResolver(records)

	t.Run("resolve", func(t *testing.T) {
		rec, ok := r.Resolve("ortho_north.tif")
		if !ok {
			t.Fatal("Resolve() = false, want record")
		}
		if rec["platform"] != "drone" {
			t.Errorf("platform = %v", rec["platform"])
		}
		if _, ok := r.Resolve("unknown.tif"); ok {
			t.Error("Resolve(unknown) = true")
		}
	})

	t.Run("match", func(t *testing.T) {
		discovered := []core.DiscoveredFile{
			{Path: "ortho_north.tif", Type: core.TypeOrthomosaic},
			{Path: "stray.tif", Type: core.TypeOrthomosaic},
		}
		matched, unmatchedFiles, unmatchedRecords := r.Match(discovered)
		if len(matched) != 1 || matched[0].Path != "ortho_north.tif" {
			t.Errorf("matched = %v", matched)
		}
		if len(unmatchedFiles) != 1 || unmatchedFiles[0] != "stray.tif" {
			t.Errorf("unmatchedFiles = %v", unmatchedFiles)
		}
		if len(unmatchedRecords) != 1 || unmatchedRecords[0] != "raw_block_a.zip" {
			t.Errorf("unmatchedRecords = %v", unmatchedRecords)
		}
	})
}
