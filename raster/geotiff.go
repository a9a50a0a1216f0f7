// raster/geotiff.go
package raster

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// The decoder covers exactly the provider's raster flavour: classic TIFF in
// either byte order, a single band organised in strips, uncompressed or
// Deflate, samples of uint8, int16, uint16 or float32, georeferenced by the
// GeoTIFF pixel-scale and tiepoint tags. Anything outside that subset is
// rejected rather than guessed at.

const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagPredictor       = 317
	tagTileWidth       = 322
	tagTileOffsets     = 324
	tagSampleFormat    = 339
	tagModelPixelScale = 33550
	tagModelTiepoint   = 33922
	tagGeoKeyDirectory = 34735
	tagGDALNoData      = 42113
)

const (
	compressionNone          = 1
	compressionDeflate       = 8
	compressionDeflateLegacy = 32946
)

const (
	sampleFormatUint  = 1
	sampleFormatInt   = 2
	sampleFormatFloat = 3
)

// GeoTIFF geokeys carrying the CRS code.
const (
	geoKeyGeographicType = 2048
	geoKeyProjectedType  = 3072
	geoKeyUserDefined    = 32767
)

// DecodeFile reads one provider GeoTIFF from disk.
func DecodeFile(path string) (*Grid, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read raster %s: %w", path, err)
	}
	g, err := Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode raster %s: %w", path, err)
	}
	return g, nil
}

type ifdEntry struct {
	typ   uint16
	count uint32
	raw   [4]byte
}

type tiffFile struct {
	data    []byte
	bo      binary.ByteOrder
	entries map[uint16]ifdEntry
}

// Decode parses a classic single-band GeoTIFF into a Grid.
func Decode(data []byte) (*Grid, error) {
	t, err := openTIFF(data)
	if err != nil {
		return nil, err
	}

	if _, tiled := t.entries[tagTileWidth]; tiled {
		return nil, fmt.Errorf("tiled rasters are not supported")
	}
	if _, tiled := t.entries[tagTileOffsets]; tiled {
		return nil, fmt.Errorf("tiled rasters are not supported")
	}

	width, err := t.requiredInt(tagImageWidth)
	if err != nil {
		return nil, err
	}
	height, err := t.requiredInt(tagImageLength)
	if err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("bad raster dimensions %dx%d", width, height)
	}
	if samples := t.intOr(tagSamplesPerPixel, 1); samples != 1 {
		return nil, fmt.Errorf("multi-band rasters are not supported (%d samples per pixel)", samples)
	}

	bits := t.intOr(tagBitsPerSample, 1)
	format := t.intOr(tagSampleFormat, sampleFormatUint)
	convert, bytesPerSample, err := sampleConverter(bits, format, t.bo)
	if err != nil {
		return nil, err
	}

	compression := t.intOr(tagCompression, compressionNone)
	switch compression {
	case compressionNone, compressionDeflate, compressionDeflateLegacy:
	default:
		return nil, fmt.Errorf("unsupported compression %d", compression)
	}
	predictor := t.intOr(tagPredictor, 1)
	if predictor != 1 && predictor != 2 {
		return nil, fmt.Errorf("unsupported predictor %d", predictor)
	}
	if predictor == 2 && format == sampleFormatFloat {
		return nil, fmt.Errorf("horizontal predictor on float samples is not supported")
	}

	offsets, err := t.ints(tagStripOffsets)
	if err != nil {
		return nil, fmt.Errorf("missing strip offsets: %w", err)
	}
	counts, err := t.ints(tagStripByteCounts)
	if err != nil {
		return nil, fmt.Errorf("missing strip byte counts: %w", err)
	}
	if len(counts) != len(offsets) {
		return nil, fmt.Errorf("strip offsets and byte counts disagree (%d vs %d)", len(offsets), len(counts))
	}
	rowsPerStrip := t.intOr(tagRowsPerStrip, height)
	if rowsPerStrip <= 0 || rowsPerStrip > height {
		rowsPerStrip = height
	}
	numStrips := (height + rowsPerStrip - 1) / rowsPerStrip
	if len(offsets) < numStrips {
		return nil, fmt.Errorf("raster declares %d strips but offers %d", numStrips, len(offsets))
	}

	grid, err := t.newGeoreferencedGrid(width, height)
	if err != nil {
		return nil, err
	}

	rowBytes := width * bytesPerSample
	for strip := 0; strip < numStrips; strip++ {
		firstRow := strip * rowsPerStrip
		rows := rowsPerStrip
		if firstRow+rows > height {
			rows = height - firstRow
		}

		raw, err := t.stripData(offsets[strip], counts[strip], compression)
		if err != nil {
			return nil, fmt.Errorf("strip %d: %w", strip, err)
		}
		if len(raw) < rows*rowBytes {
			return nil, fmt.Errorf("strip %d: truncated (%d bytes, need %d)", strip, len(raw), rows*rowBytes)
		}
		if predictor == 2 {
			undoHorizontalPredictor(raw[:rows*rowBytes], rowBytes, bytesPerSample, t.bo)
		}

		for r := 0; r < rows; r++ {
			rowStart := r * rowBytes
			dst := (firstRow + r) * width
			for c := 0; c < width; c++ {
				grid.Data[dst+c] = convert(raw[rowStart+c*bytesPerSample:])
			}
		}
	}
	return grid, nil
}

func openTIFF(data []byte) (*tiffFile, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("not a TIFF file: too short")
	}
	var bo binary.ByteOrder
	switch {
	case data[0] == 'I' && data[1] == 'I':
		bo = binary.LittleEndian
	case data[0] == 'M' && data[1] == 'M':
		bo = binary.BigEndian
	default:
		return nil, fmt.Errorf("not a TIFF file: bad byte-order mark")
	}
	switch magic := bo.Uint16(data[2:4]); magic {
	case 42:
	case 43:
		return nil, fmt.Errorf("BigTIFF is not supported")
	default:
		return nil, fmt.Errorf("not a TIFF file: bad magic %d", magic)
	}

	ifdOffset := int64(bo.Uint32(data[4:8]))
	if ifdOffset < 8 || ifdOffset+2 > int64(len(data)) {
		return nil, fmt.Errorf("bad IFD offset %d", ifdOffset)
	}
	n := int(bo.Uint16(data[ifdOffset:]))
	base := ifdOffset + 2
	if base+int64(n)*12 > int64(len(data)) {
		return nil, fmt.Errorf("IFD overruns file")
	}

	t := &tiffFile{data: data, bo: bo, entries: make(map[uint16]ifdEntry, n)}
	for i := 0; i < n; i++ {
		off := base + int64(i)*12
		e := ifdEntry{
			typ:   bo.Uint16(data[off+2:]),
			count: bo.Uint32(data[off+4:]),
		}
		copy(e.raw[:], data[off+8:off+12])
		t.entries[bo.Uint16(data[off:])] = e
	}
	return t, nil
}

func typeSize(typ uint16) int {
	switch typ {
	case 1, 2, 6, 7: // BYTE, ASCII, SBYTE, UNDEFINED
		return 1
	case 3, 8: // SHORT, SSHORT
		return 2
	case 4, 9, 11: // LONG, SLONG, FLOAT
		return 4
	case 5, 10, 12: // RATIONAL, SRATIONAL, DOUBLE
		return 8
	}
	return 0
}

// valueBytes returns an entry's payload, whether inlined in the entry or
// stored at an offset.
func (t *tiffFile) valueBytes(e ifdEntry) ([]byte, error) {
	size := typeSize(e.typ)
	if size == 0 {
		return nil, fmt.Errorf("unsupported TIFF field type %d", e.typ)
	}
	total := size * int(e.count)
	if total <= 4 {
		return e.raw[:total], nil
	}
	off := int(t.bo.Uint32(e.raw[:]))
	if off < 0 || off+total > len(t.data) {
		return nil, fmt.Errorf("TIFF field overruns file")
	}
	return t.data[off : off+total], nil
}

func (t *tiffFile) ints(tag uint16) ([]int64, error) {
	e, ok := t.entries[tag]
	if !ok {
		return nil, fmt.Errorf("tag %d absent", tag)
	}
	raw, err := t.valueBytes(e)
	if err != nil {
		return nil, err
	}
	out := make([]int64, e.count)
	for i := range out {
		switch e.typ {
		case 1:
			out[i] = int64(raw[i])
		case 3:
			out[i] = int64(t.bo.Uint16(raw[i*2:]))
		case 4:
			out[i] = int64(t.bo.Uint32(raw[i*4:]))
		case 8:
			out[i] = int64(int16(t.bo.Uint16(raw[i*2:])))
		case 9:
			out[i] = int64(int32(t.bo.Uint32(raw[i*4:])))
		default:
			return nil, fmt.Errorf("tag %d has non-integer type %d", tag, e.typ)
		}
	}
	return out, nil
}

func (t *tiffFile) floats(tag uint16) ([]float64, error) {
	e, ok := t.entries[tag]
	if !ok {
		return nil, fmt.Errorf("tag %d absent", tag)
	}
	raw, err := t.valueBytes(e)
	if err != nil {
		return nil, err
	}
	switch e.typ {
	case 11:
		out := make([]float64, e.count)
		for i := range out {
			out[i] = float64(math.Float32frombits(t.bo.Uint32(raw[i*4:])))
		}
		return out, nil
	case 12:
		out := make([]float64, e.count)
		for i := range out {
			out[i] = math.Float64frombits(t.bo.Uint64(raw[i*8:]))
		}
		return out, nil
	}
	ints, err := t.ints(tag)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(ints))
	for i, v := range ints {
		out[i] = float64(v)
	}
	return out, nil
}

func (t *tiffFile) ascii(tag uint16) (string, bool) {
	e, ok := t.entries[tag]
	if !ok || e.typ != 2 {
		return "", false
	}
	raw, err := t.valueBytes(e)
	if err != nil {
		return "", false
	}
	return strings.TrimRight(string(raw), "\x00"), true
}

func (t *tiffFile) requiredInt(tag uint16) (int, error) {
	vals, err := t.ints(tag)
	if err != nil || len(vals) == 0 {
		return 0, fmt.Errorf("required tag %d missing", tag)
	}
	return int(vals[0]), nil
}

func (t *tiffFile) intOr(tag uint16, def int) int {
	vals, err := t.ints(tag)
	if err != nil || len(vals) == 0 {
		return def
	}
	return int(vals[0])
}

// newGeoreferencedGrid builds the empty grid from the GeoTIFF tags: pixel
// scale and tiepoint anchor the transform, the geokey directory names the
// CRS, the GDAL nodata tag declares the fill marker.
func (t *tiffFile) newGeoreferencedGrid(width, height int) (*Grid, error) {
	scale, err := t.floats(tagModelPixelScale)
	if err != nil || len(scale) < 2 {
		return nil, fmt.Errorf("raster is not georeferenced: pixel scale missing")
	}
	tiepoint, err := t.floats(tagModelTiepoint)
	if err != nil || len(tiepoint) < 6 {
		return nil, fmt.Errorf("raster is not georeferenced: tiepoint missing")
	}
	pw, ph := scale[0], scale[1]
	if pw <= 0 || ph <= 0 {
		return nil, fmt.Errorf("bad pixel scale %gx%g", pw, ph)
	}
	// Tiepoint maps raster (i, j) onto CRS (x, y); files anchor (0, 0).
	originX := tiepoint[3] - tiepoint[0]*pw
	originY := tiepoint[4] + tiepoint[1]*ph

	grid := &Grid{
		Width: width, Height: height,
		OriginX: originX, OriginY: originY,
		PixelWidth: pw, PixelHeight: ph,
		EPSG: t.crsCode(),
		Data: make([]float64, width*height),
	}

	if s, ok := t.ascii(tagGDALNoData); ok {
		s = strings.TrimSpace(s)
		if strings.EqualFold(s, "nan") {
			grid.NoData = math.NaN()
			grid.HasNoData = true
		} else if v, err := strconv.ParseFloat(s, 64); err == nil {
			grid.NoData = v
			grid.HasNoData = true
		}
	}
	return grid, nil
}

// crsCode pulls the EPSG code from the geokey directory, preferring a
// projected CRS over a geographic one. Files without usable geokeys fall
// back to the provider's native EPSG:4326.
func (t *tiffFile) crsCode() int {
	shorts, err := t.ints(tagGeoKeyDirectory)
	if err != nil || len(shorts) < 4 {
		return 4326
	}
	n := int(shorts[3])
	projected, geographic := 0, 0
	for k := 0; k < n; k++ {
		base := 4 + k*4
		if base+3 >= len(shorts) {
			break
		}
		keyID, loc, count, value := shorts[base], shorts[base+1], shorts[base+2], shorts[base+3]
		if loc != 0 || count != 1 || value == geoKeyUserDefined {
			continue
		}
		switch keyID {
		case geoKeyProjectedType:
			projected = int(value)
		case geoKeyGeographicType:
			geographic = int(value)
		}
	}
	if projected != 0 {
		return projected
	}
	if geographic != 0 {
		return geographic
	}
	return 4326
}

func (t *tiffFile) stripData(offset, count int64, compression int) ([]byte, error) {
	if offset < 0 || count < 0 || offset+count > int64(len(t.data)) {
		return nil, fmt.Errorf("strip overruns file")
	}
	raw := t.data[offset : offset+count]
	if compression == compressionNone {
		return raw, nil
	}
	zr, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("bad deflate stream: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("bad deflate stream: %w", err)
	}
	return out, nil
}

// sampleConverter returns the raw-bytes-to-float64 conversion for the
// supported (bits, format) pairs.
func sampleConverter(bits, format int, bo binary.ByteOrder) (func([]byte) float64, int, error) {
	switch {
	case bits == 8 && format == sampleFormatUint:
		return func(b []byte) float64 { return float64(b[0]) }, 1, nil
	case bits == 16 && format == sampleFormatUint:
		return func(b []byte) float64 { return float64(bo.Uint16(b)) }, 2, nil
	case bits == 16 && format == sampleFormatInt:
		return func(b []byte) float64 { return float64(int16(bo.Uint16(b))) }, 2, nil
	case bits == 32 && format == sampleFormatFloat:
		return func(b []byte) float64 { return float64(math.Float32frombits(bo.Uint32(b))) }, 4, nil
	}
	return nil, 0, fmt.Errorf("unsupported sample layout: %d bits, format %d", bits, format)
}

// undoHorizontalPredictor reverses TIFF predictor 2 in place: each sample
// was stored as the delta to its left neighbour.
func undoHorizontalPredictor(data []byte, rowBytes, bytesPerSample int, bo binary.ByteOrder) {
	for rowStart := 0; rowStart < len(data); rowStart += rowBytes {
		row := data[rowStart : rowStart+rowBytes]
		switch bytesPerSample {
		case 1:
			for i := 1; i < len(row); i++ {
				row[i] += row[i-1]
			}
		case 2:
			for i := 2; i+1 < len(row); i += 2 {
				v := bo.Uint16(row[i:]) + bo.Uint16(row[i-2:])
				bo.PutUint16(row[i:], v)
			}
		}
	}
}
