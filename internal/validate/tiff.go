package validate

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Minimal TIFF IFD reader. It only extracts the tags the validator needs
// (GeoTIFF georeferencing tags, sample counts, the EXIF GPS pointer) and
// never decodes raster data, so orthomosaics of any size stay cheap to
// check. Both classic TIFF and BigTIFF layouts are handled.

const (
	tagSamplesPerPixel     = 277
	tagExifGPSIFD          = 0x8825
	tagModelPixelScale     = 33550
	tagModelTiepoint       = 33922
	tagModelTransformation = 34264
	tagGeoKeyDirectory     = 34735
)

// GeoTIFF key ids within the GeoKeyDirectory.
const (
	keyGTModelType     = 1024
	keyGeographicType  = 2048
	keyProjectedCSType = 3072
)

// Field types we care about.
const (
	typeShort  = 3
	typeLong   = 4
	typeDouble = 12
	typeLong8  = 16
)

type tiffFile struct {
	r   io.ReaderAt
	bo  binary.ByteOrder
	big bool
}

type tiffEntry struct {
	typ    uint16
	count  uint64
	inline []byte // the raw value/offset field
}

// parseTIFF reads the header and returns the reader plus the first IFD
// offset. The magic distinguishes classic TIFF (42) from BigTIFF (43).
func parseTIFF(r io.ReaderAt) (*tiffFile, uint64, error) {
	hdr := make([]byte, 16)
	if _, err := r.ReadAt(hdr[:8], 0); err != nil {
		return nil, 0, fmt.Errorf("reading TIFF header: %w", err)
	}

	var bo binary.ByteOrder
	switch string(hdr[:2]) {
	case "II":
		bo = binary.LittleEndian
	case "MM":
		bo = binary.BigEndian
	default:
		return nil, 0, fmt.Errorf("not a TIFF file")
	}

	switch bo.Uint16(hdr[2:4]) {
	case 42:
		return &tiffFile{r: r, bo: bo}, uint64(bo.Uint32(hdr[4:8])), nil
	case 43:
		if _, err := r.ReadAt(hdr[8:16], 8); err != nil {
			return nil, 0, fmt.Errorf("reading BigTIFF header: %w", err)
		}
		if bo.Uint16(hdr[4:6]) != 8 {
			return nil, 0, fmt.Errorf("unsupported BigTIFF offset size")
		}
		return &tiffFile{r: r, bo: bo, big: true}, bo.Uint64(hdr[8:16]), nil
	default:
		return nil, 0, fmt.Errorf("not a TIFF file")
	}
}

// readIFD returns the entries of the IFD at off, keyed by tag.
func (t *tiffFile) readIFD(off uint64) (map[uint16]tiffEntry, error) {
	var entryCount uint64
	var entrySize int
	if t.big {
		var raw [8]byte
		if _, err := t.r.ReadAt(raw[:], int64(off)); err != nil {
			return nil, fmt.Errorf("reading IFD entry count: %w", err)
		}
		entryCount = t.bo.Uint64(raw[:])
		entrySize = 20
		off += 8
	} else {
		var raw [2]byte
		if _, err := t.r.ReadAt(raw[:], int64(off)); err != nil {
			return nil, fmt.Errorf("reading IFD entry count: %w", err)
		}
		entryCount = uint64(t.bo.Uint16(raw[:]))
		entrySize = 12
		off += 2
	}
	if entryCount > 4096 {
		return nil, fmt.Errorf("implausible IFD entry count %d", entryCount)
	}

	buf := make([]byte, entryCount*uint64(entrySize))
	if _, err := t.r.ReadAt(buf, int64(off)); err != nil {
		return nil, fmt.Errorf("reading IFD entries: %w", err)
	}

	entries := make(map[uint16]tiffEntry, entryCount)
	for i := uint64(0); i < entryCount; i++ {
		e := buf[i*uint64(entrySize):]
		tag := t.bo.Uint16(e[0:2])
		ent := tiffEntry{typ: t.bo.Uint16(e[2:4])}
		if t.big {
			ent.count = t.bo.Uint64(e[4:12])
			ent.inline = e[12:20]
		} else {
			ent.count = uint64(t.bo.Uint32(e[4:8]))
			ent.inline = e[8:12]
		}
		entries[tag] = ent
	}
	return entries, nil
}

func typeSize(typ uint16) uint64 {
	switch typ {
	case typeShort:
		return 2
	case typeLong:
		return 4
	case typeDouble, typeLong8:
		return 8
	default:
		return 0
	}
}

// valueBytes returns the raw value bytes of an entry, following the offset
// indirection when the value does not fit inline.
func (t *tiffFile) valueBytes(e tiffEntry) ([]byte, error) {
	size := typeSize(e.typ)
	if size == 0 {
		return nil, fmt.Errorf("unsupported TIFF field type %d", e.typ)
	}
	total := size * e.count
	if total <= uint64(len(e.inline)) {
		return e.inline[:total], nil
	}

	var off uint64
	if t.big {
		off = t.bo.Uint64(e.inline)
	} else {
		off = uint64(t.bo.Uint32(e.inline))
	}
	if total > 1<<20 {
		return nil, fmt.Errorf("implausible TIFF value size %d", total)
	}
	buf := make([]byte, total)
	if _, err := t.r.ReadAt(buf, int64(off)); err != nil {
		return nil, fmt.Errorf("reading TIFF value: %w", err)
	}
	return buf, nil
}

func (t *tiffFile) shorts(e tiffEntry) ([]uint16, error) {
	raw, err := t.valueBytes(e)
	if err != nil {
		return nil, err
	}
	out := make([]uint16, e.count)
	for i := range out {
		switch e.typ {
		case typeShort:
			out[i] = t.bo.Uint16(raw[i*2:])
		case typeLong:
			out[i] = uint16(t.bo.Uint32(raw[i*4:]))
		default:
			return nil, fmt.Errorf("tag is not an integer type")
		}
	}
	return out, nil
}

func (t *tiffFile) doubles(e tiffEntry) ([]float64, error) {
	if e.typ != typeDouble {
		return nil, fmt.Errorf("tag is not a double type")
	}
	raw, err := t.valueBytes(e)
	if err != nil {
		return nil, err
	}
	out := make([]float64, e.count)
	for i := range out {
		out[i] = math.Float64frombits(t.bo.Uint64(raw[i*8:]))
	}
	return out, nil
}

func (t *tiffFile) long(e tiffEntry) (uint64, error) {
	raw, err := t.valueBytes(e)
	if err != nil {
		return 0, err
	}
	switch e.typ {
	case typeShort:
		return uint64(t.bo.Uint16(raw)), nil
	case typeLong:
		return uint64(t.bo.Uint32(raw)), nil
	case typeLong8:
		return t.bo.Uint64(raw), nil
	}
	return 0, fmt.Errorf("tag is not an integer type")
}
