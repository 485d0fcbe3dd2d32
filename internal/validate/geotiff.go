package validate

import (
	"fmt"
	"os"
)

// checkGeoTIFF validates an orthomosaic: the file must be a readable TIFF
// with a real coordinate reference system, at least three bands, and actual
// georeferencing (a plain image with an identity transform is rejected —
// it would position the mosaic at pixel coordinates, not on the Earth).
func checkGeoTIFF(absPath string) (errs, warnings []string) {
	f, err := os.Open(absPath)
	if err != nil {
		return []string{fmt.Sprintf("cannot open file: %v", err)}, nil
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return []string{fmt.Sprintf("cannot stat file: %v", err)}, nil
	}
	if info.Size() == 0 {
		return []string{"file is empty"}, nil
	}

	tf, firstIFD, err := parseTIFF(f)
	if err != nil {
		return []string{err.Error()}, nil
	}
	ifd, err := tf.readIFD(firstIFD)
	if err != nil {
		return []string{fmt.Sprintf("reading image directory: %v", err)}, nil
	}

	if e, ok := ifd[tagSamplesPerPixel]; ok {
		bands, err := tf.long(e)
		if err != nil {
			errs = append(errs, fmt.Sprintf("reading band count: %v", err))
		} else if bands < 3 {
			errs = append(errs, fmt.Sprintf("only %d band(s), at least 3 (RGB) required", bands))
		}
	} else {
		errs = append(errs, "only 1 band, at least 3 (RGB) required")
	}

	if msg := checkCRS(tf, ifd); msg != "" {
		errs = append(errs, msg)
	}
	if msg := checkGeoreferencing(tf, ifd); msg != "" {
		errs = append(errs, msg)
	}
	return errs, warnings
}

// checkCRS inspects the GeoKeyDirectory. The directory itself is laid out
// as SHORT quadruples: a 4-value header followed by (key id, location,
// count, value) per key.
func checkCRS(tf *tiffFile, ifd map[uint16]tiffEntry) string {
	e, ok := ifd[tagGeoKeyDirectory]
	if !ok {
		return "no coordinate reference system"
	}
	keys, err := tf.shorts(e)
	if err != nil || len(keys) < 4 {
		return "unreadable coordinate reference system"
	}

	const userDefined = 32767
	var modelType, crsCode uint16
	haveModel := false
	for i := 4; i+3 < len(keys); i += 4 {
		switch keys[i] {
		case keyGTModelType:
			modelType = keys[i+3]
			haveModel = true
		case keyGeographicType, keyProjectedCSType:
			if keys[i+1] == 0 { // value stored inline in the directory
				crsCode = keys[i+3]
			}
		}
	}

	if !haveModel || modelType == 0 {
		return "no coordinate reference system"
	}
	if modelType == userDefined || crsCode == userDefined {
		return "coordinate reference system is a local/engineering system, a georeferenced CRS is required"
	}
	return ""
}

// checkGeoreferencing rejects identity transforms: a GeoTIFF whose pixels
// map one-to-one onto coordinates starting at the origin is a plain image,
// not a georeferenced mosaic.
func checkGeoreferencing(tf *tiffFile, ifd map[uint16]tiffEntry) string {
	if e, ok := ifd[tagModelTransformation]; ok {
		m, err := tf.doubles(e)
		if err != nil || len(m) < 16 {
			return "unreadable georeferencing transform"
		}
		identity := m[0] == 1 && m[5] == 1 && m[3] == 0 && m[7] == 0
		if identity {
			return "identity transform, file is not georeferenced"
		}
		return ""
	}

	e, ok := ifd[tagModelPixelScale]
	if !ok {
		return "no georeferencing (missing pixel scale and transform)"
	}
	scale, err := tf.doubles(e)
	if err != nil || len(scale) < 2 {
		return "unreadable pixel scale"
	}
	if scale[0] == 0 || scale[1] == 0 {
		return "degenerate pixel scale, file is not georeferenced"
	}

	if scale[0] == 1 && scale[1] == 1 {
		tie, ok := ifd[tagModelTiepoint]
		if !ok {
			return "identity transform, file is not georeferenced"
		}
		pts, err := tf.doubles(tie)
		if err != nil || len(pts) < 6 {
			return "unreadable tiepoints"
		}
		if pts[3] == 0 && pts[4] == 0 && pts[5] == 0 {
			return "identity transform, file is not georeferenced"
		}
	}
	return ""
}
