package validate

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"
)

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".tif": true, ".tiff": true,
	".dng": true, ".raw": true, ".cr2": true, ".nef": true, ".arw": true,
}

// gpsSampleCount bounds how many JPEGs are opened for the EXIF check.
const gpsSampleCount = 3

// checkArchive validates a raw image archive. An unreadable or empty ZIP is
// an error; everything else is advisory — the downstream mosaic pipeline is
// the real authority on archive contents.
func checkArchive(absPath string) (errs, warnings []string) {
	zr, err := zip.OpenReader(absPath)
	if err != nil {
		return []string{fmt.Sprintf("not a readable ZIP archive: %v", err)}, nil
	}
	defer zr.Close()

	if len(zr.File) == 0 {
		return []string{"archive is empty"}, nil
	}

	var images, jpegs []*zip.File
	for _, f := range zr.File {
		name := f.Name
		if strings.HasPrefix(name, "__MACOSX") || strings.HasPrefix(path.Base(name), ".") {
			continue
		}
		ext := strings.ToLower(path.Ext(name))
		if !imageExtensions[ext] {
			continue
		}
		images = append(images, f)
		if ext == ".jpg" || ext == ".jpeg" {
			jpegs = append(jpegs, f)
		}
	}

	if len(images) == 0 {
		warnings = append(warnings, "archive contains no recognized image files")
		return errs, warnings
	}

	if len(jpegs) > 0 {
		found := false
		for i := 0; i < len(jpegs) && i < gpsSampleCount; i++ {
			if jpegHasGPS(jpegs[i]) {
				found = true
				break
			}
		}
		if !found {
			warnings = append(warnings, "sampled images carry no GPS capture metadata; mosaic georeferencing may fail")
		}
	}
	return errs, warnings
}

// jpegHasGPS reports whether a JPEG inside the archive has a GPS IFD in its
// EXIF block. Only the leading segments are read, never the image data.
func jpegHasGPS(f *zip.File) bool {
	rc, err := f.Open()
	if err != nil {
		return false
	}
	defer rc.Close()

	head, err := io.ReadAll(io.LimitReader(rc, 128*1024))
	if err != nil || len(head) < 4 || head[0] != 0xFF || head[1] != 0xD8 {
		return false
	}

	exif := findEXIF(head[2:])
	if exif == nil {
		return false
	}

	tf, firstIFD, err := parseTIFF(bytes.NewReader(exif))
	if err != nil {
		return false
	}
	ifd, err := tf.readIFD(firstIFD)
	if err != nil {
		return false
	}
	_, ok := ifd[tagExifGPSIFD]
	return ok
}

// findEXIF walks JPEG segments and returns the TIFF stream embedded in the
// first APP1 Exif segment, or nil.
func findEXIF(data []byte) []byte {
	for len(data) >= 4 && data[0] == 0xFF {
		marker := data[1]
		if marker == 0xD9 || marker == 0xDA { // end of image / start of scan
			return nil
		}
		segLen := int(data[2])<<8 | int(data[3])
		if segLen < 2 || 2+segLen > len(data) {
			return nil
		}
		payload := data[4 : 2+segLen]
		if marker == 0xE1 && len(payload) > 6 && string(payload[:6]) == "Exif\x00\x00" {
			return payload[6:]
		}
		data = data[2+segLen:]
	}
	return nil
}
