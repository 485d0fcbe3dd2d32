package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"dtup/internal/core"
)

// Discover lists the uploadable files directly under dataRoot, classified by
// extension: GeoTIFFs are orthomosaics, ZIPs are raw image archives. Hidden
// files and subdirectories are ignored; order is lexicographic so discovery
// order is stable across runs.
func Discover(dataRoot string) ([]core.DiscoveredFile, error) {
	entries, err := os.ReadDir(dataRoot)
	if err != nil {
		return nil, fmt.Errorf("reading data directory: %w", err)
	}

	var files []core.DiscoveredFile
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		var ftype core.FileType
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".tif", ".tiff":
			ftype = core.TypeOrthomosaic
		case ".zip":
			ftype = core.TypeRawImageArchive
		default:
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", e.Name(), err)
		}
		files = append(files, core.DiscoveredFile{
			Path: e.Name(),
			Size: info.Size(),
			Type: ftype,
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}
