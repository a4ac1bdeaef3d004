// Cubebuilder - Earth Observation Data Cube Assembly
// Copyright 2026 The Cubebuilder Authors
// SPDX-License-Identifier: MIT
// https://github.com/earthdata-cube/cubebuilder

package raster

import (
	"bytes"
	"compress/zlib"
	binarypkg "encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/earthdata-cube/cubebuilder/internal/cube"
)

// COGMimeType is the media type attached to every composite asset.
const COGMimeType = "image/tiff; application=geotiff; profile=cloud-optimized"

// TIFF tag ids used by the cloud-optimized writer.
const (
	tagNewSubfileType  = 254
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagPhotometric     = 262
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagTileWidth       = 322
	tagTileLength      = 323
	tagTileOffsets     = 324
	tagTileByteCounts  = 325
	tagSampleFormat    = 339
	tagModelPixelScale = 33550
	tagModelTiepoint   = 33922
	tagGeoKeyDirectory = 34735
	tagGDALNodata      = 42113
)

// TIFF data types.
const (
	dtASCII  = 2
	dtShort  = 3
	dtLong   = 4
	dtDouble = 12
)

const (
	compressionNone    = 1
	compressionDeflate = 8

	cogTileSize = 256
)

// GeoTIFF geokeys.
const (
	gkModelType     = 1024
	gkRasterType    = 1025
	gkGeographicCRS = 2048
	gkProjectedCRS  = 3072
)

// EPSGCode extracts the numeric code from an "EPSG:nnnn" CRS string.
func EPSGCode(crs string) int {
	s := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(crs)), "EPSG:")
	code, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return code
}

type ifdEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	// value holds the raw little-endian payload; short payloads are inlined,
	// longer ones are appended to the data area.
	value []byte
}

// WriteCOG serializes the raster as a tiled, overview-laden GeoTIFF with
// deflate compression. Overviews halve until the longest side fits one tile.
// nodata, when non-nil, lands in the GDAL nodata tag.
func WriteCOG(w io.Writer, r *Raster, nodata *int32) error {
	levels := buildPyramid(r)

	var buf bytes.Buffer
	buf.WriteString("II")
	binarypkg.Write(&buf, binarypkg.LittleEndian, uint16(42)) //nolint:errcheck // bytes.Buffer cannot fail
	// Placeholder for the first IFD offset, patched after layout.
	binarypkg.Write(&buf, binarypkg.LittleEndian, uint32(0)) //nolint:errcheck

	type levelLayout struct {
		offsets []uint32
		counts  []uint32
	}
	layouts := make([]levelLayout, len(levels))

	// Tile data first, IFD chain after.
	for li, level := range levels {
		windows := level.Grid.Blocks(cogTileSize)
		layouts[li].offsets = make([]uint32, len(windows))
		layouts[li].counts = make([]uint32, len(windows))
		for wi, win := range windows {
			tile := encodeTile(level, win)
			compressed, err := deflate(tile)
			if err != nil {
				return cube.NewDataError("cog", "compress tile", err)
			}
			layouts[li].offsets[wi] = uint32(buf.Len())
			layouts[li].counts[wi] = uint32(len(compressed))
			buf.Write(compressed)
		}
		if buf.Len()%2 == 1 {
			buf.WriteByte(0)
		}
	}

	firstIFD := uint32(buf.Len())
	data := buf.Bytes()
	binarypkg.LittleEndian.PutUint32(data[4:8], firstIFD)

	for li, level := range levels {
		entries := levelEntries(level, li > 0, layouts[li].offsets, layouts[li].counts)
		if li == 0 {
			entries = append(entries, geoEntries(r, nodata)...)
		}
		last := li == len(levels)-1
		if err := writeIFD(&buf, entries, last); err != nil {
			return err
		}
	}

	_, err := w.Write(buf.Bytes())
	return err
}

// buildPyramid returns the full-resolution raster followed by its overviews.
func buildPyramid(r *Raster) []*Raster {
	levels := []*Raster{r}
	cur := r
	for cur.Grid.Width > cogTileSize || cur.Grid.Height > cogTileSize {
		w := (cur.Grid.Width + 1) / 2
		h := (cur.Grid.Height + 1) / 2
		if w < 1 || h < 1 || (w == cur.Grid.Width && h == cur.Grid.Height) {
			break
		}
		ov := New(NewGrid(cur.Grid.CRS,
			cur.Grid.Transform[2], cur.Grid.Transform[5],
			cur.Grid.ResX()*2, cur.Grid.ResY()*2, w, h), cur.DType, cur.Nodata)
		// Nearest subsampling keeps class values intact and is deterministic
		// for every dtype.
		for row := 0; row < h; row++ {
			srcRow := row * 2
			if srcRow >= cur.Grid.Height {
				srcRow = cur.Grid.Height - 1
			}
			for col := 0; col < w; col++ {
				srcCol := col * 2
				if srcCol >= cur.Grid.Width {
					srcCol = cur.Grid.Width - 1
				}
				ov.Set(col, row, cur.At(srcCol, srcRow))
			}
		}
		levels = append(levels, ov)
		cur = ov
	}
	return levels
}

// encodeTile packs one padded tile window as little-endian samples.
func encodeTile(r *Raster, win Window) []byte {
	sz := r.DType.Size()
	out := make([]byte, cogTileSize*cogTileSize*sz)
	for row := 0; row < cogTileSize; row++ {
		for col := 0; col < cogTileSize; col++ {
			v := r.Nodata
			if row < win.Height && col < win.Width {
				v = r.At(win.ColOff+col, win.RowOff+row)
			}
			idx := (row*cogTileSize + col) * sz
			if sz == 1 {
				out[idx] = byte(uint8(v))
			} else {
				binarypkg.LittleEndian.PutUint16(out[idx:], uint16(int16(v)))
			}
		}
	}
	return out
}

func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func levelEntries(r *Raster, overview bool, offsets, counts []uint32) []ifdEntry {
	subfile := uint32(0)
	if overview {
		subfile = 1
	}
	sampleFormat := uint16(1)
	if r.DType == DTypeInt16 {
		sampleFormat = 2
	}
	return []ifdEntry{
		longEntry(tagNewSubfileType, subfile),
		longEntry(tagImageWidth, uint32(r.Grid.Width)),
		longEntry(tagImageLength, uint32(r.Grid.Height)),
		shortEntry(tagBitsPerSample, uint16(r.DType.Size()*8)),
		shortEntry(tagCompression, compressionDeflate),
		shortEntry(tagPhotometric, 1),
		shortEntry(tagSamplesPerPixel, 1),
		shortEntry(tagSampleFormat, sampleFormat),
		longEntry(tagTileWidth, cogTileSize),
		longEntry(tagTileLength, cogTileSize),
		longSliceEntry(tagTileOffsets, offsets),
		longSliceEntry(tagTileByteCounts, counts),
	}
}

func geoEntries(r *Raster, nodata *int32) []ifdEntry {
	entries := []ifdEntry{
		doubleSliceEntry(tagModelPixelScale, []float64{r.Grid.ResX(), r.Grid.ResY(), 0}),
		doubleSliceEntry(tagModelTiepoint, []float64{0, 0, 0, r.Grid.Transform[2], r.Grid.Transform[5], 0}),
	}

	epsg := EPSGCode(r.Grid.CRS)
	if epsg != 0 {
		modelType, crsKey := uint16(1), uint16(gkProjectedCRS)
		if epsg == 4326 || (epsg >= 4000 && epsg < 5000) {
			modelType, crsKey = 2, gkGeographicCRS
		}
		keys := []uint16{
			1, 1, 0, 3,
			gkModelType, 0, 1, modelType,
			gkRasterType, 0, 1, 1,
			crsKey, 0, 1, uint16(epsg),
		}
		entries = append(entries, shortSliceEntry(tagGeoKeyDirectory, keys))
	}
	if nodata != nil {
		entries = append(entries, asciiEntry(tagGDALNodata, strconv.Itoa(int(*nodata))))
	}
	return entries
}

func shortEntry(tag uint16, v uint16) ifdEntry {
	b := make([]byte, 2)
	binarypkg.LittleEndian.PutUint16(b, v)
	return ifdEntry{tag: tag, typ: dtShort, count: 1, value: b}
}

func longEntry(tag uint16, v uint32) ifdEntry {
	b := make([]byte, 4)
	binarypkg.LittleEndian.PutUint32(b, v)
	return ifdEntry{tag: tag, typ: dtLong, count: 1, value: b}
}

func longSliceEntry(tag uint16, vs []uint32) ifdEntry {
	b := make([]byte, 4*len(vs))
	for i, v := range vs {
		binarypkg.LittleEndian.PutUint32(b[i*4:], v)
	}
	return ifdEntry{tag: tag, typ: dtLong, count: uint32(len(vs)), value: b}
}

func shortSliceEntry(tag uint16, vs []uint16) ifdEntry {
	b := make([]byte, 2*len(vs))
	for i, v := range vs {
		binarypkg.LittleEndian.PutUint16(b[i*2:], v)
	}
	return ifdEntry{tag: tag, typ: dtShort, count: uint32(len(vs)), value: b}
}

func doubleSliceEntry(tag uint16, vs []float64) ifdEntry {
	b := make([]byte, 8*len(vs))
	for i, v := range vs {
		binarypkg.LittleEndian.PutUint64(b[i*8:], math.Float64bits(v))
	}
	return ifdEntry{tag: tag, typ: dtDouble, count: uint32(len(vs)), value: b}
}

func asciiEntry(tag uint16, s string) ifdEntry {
	b := append([]byte(s), 0)
	return ifdEntry{tag: tag, typ: dtASCII, count: uint32(len(b)), value: b}
}

// writeIFD appends one IFD plus its out-of-line values to buf. Entries with
// payloads over four bytes land in a data area directly after the IFD.
func writeIFD(buf *bytes.Buffer, entries []ifdEntry, last bool) error {
	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })

	ifdStart := uint32(buf.Len())
	ifdSize := uint32(2 + len(entries)*12 + 4)
	dataOffset := ifdStart + ifdSize

	var dataArea bytes.Buffer
	binarypkg.Write(buf, binarypkg.LittleEndian, uint16(len(entries))) //nolint:errcheck
	for _, e := range entries {
		binarypkg.Write(buf, binarypkg.LittleEndian, e.tag)   //nolint:errcheck
		binarypkg.Write(buf, binarypkg.LittleEndian, e.typ)   //nolint:errcheck
		binarypkg.Write(buf, binarypkg.LittleEndian, e.count) //nolint:errcheck
		if len(e.value) <= 4 {
			inline := make([]byte, 4)
			copy(inline, e.value)
			buf.Write(inline)
		} else {
			off := dataOffset + uint32(dataArea.Len())
			binarypkg.Write(buf, binarypkg.LittleEndian, off) //nolint:errcheck
			dataArea.Write(e.value)
			if dataArea.Len()%2 == 1 {
				dataArea.WriteByte(0)
			}
		}
	}
	next := uint32(0)
	if !last {
		next = dataOffset + uint32(dataArea.Len())
	}
	binarypkg.Write(buf, binarypkg.LittleEndian, next) //nolint:errcheck
	buf.Write(dataArea.Bytes())
	return nil
}

// ReadGeoTIFF parses the full-resolution image of a (single-band) GeoTIFF
// produced by WriteCOG or a compatible writer. Tiled and striped layouts are
// supported, uncompressed or deflate.
func ReadGeoTIFF(data []byte) (*Raster, error) {
	if len(data) < 8 {
		return nil, cube.NewDataError("tiff", "truncated header", nil)
	}
	var bo binarypkg.ByteOrder
	switch string(data[:2]) {
	case "II":
		bo = binarypkg.LittleEndian
	case "MM":
		bo = binarypkg.BigEndian
	default:
		return nil, cube.NewDataError("tiff", "not a TIFF: bad byte order mark", nil)
	}
	if bo.Uint16(data[2:4]) != 42 {
		return nil, cube.NewDataError("tiff", "not a classic TIFF", nil)
	}

	ifdOffset := bo.Uint32(data[4:8])
	tags, err := parseIFD(data, bo, ifdOffset)
	if err != nil {
		return nil, err
	}

	width := int(tagLong(tags, bo, tagImageWidth))
	height := int(tagLong(tags, bo, tagImageLength))
	if width <= 0 || height <= 0 {
		return nil, cube.NewDataError("tiff", "missing image dimensions", nil)
	}
	bits := tagShort(tags, bo, tagBitsPerSample, 8)
	sampleFormat := tagShort(tags, bo, tagSampleFormat, 1)
	compression := tagShort(tags, bo, tagCompression, compressionNone)

	var dtype DType
	switch {
	case bits == 8:
		dtype = DTypeUint8
	case bits == 16 && sampleFormat == 2:
		dtype = DTypeInt16
	case bits == 16:
		dtype = DTypeUint16
	default:
		return nil, cube.NewDataError("tiff", fmt.Sprintf("unsupported sample layout: %d bits format %d", bits, sampleFormat), nil)
	}

	grid := gridFromTags(tags, bo, width, height)
	var nodata int32
	hasNodata := false
	if nd, ok := tags[tagGDALNodata]; ok {
		s := strings.TrimRight(string(nd.raw), "\x00 ")
		if v, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			nodata = int32(v)
			hasNodata = true
		}
	}

	r := &Raster{Grid: grid, DType: dtype, Nodata: nodata, HasNodata: hasNodata, Pix: make([]int32, width*height)}

	if _, tiled := tags[tagTileOffsets]; tiled {
		return r, readTiles(r, data, bo, tags, compression)
	}
	return r, readStrips(r, data, bo, tags, compression)
}

type rawTag struct {
	typ   uint16
	count uint32
	raw   []byte
}

func parseIFD(data []byte, bo binarypkg.ByteOrder, offset uint32) (map[uint16]rawTag, error) {
	if int(offset)+2 > len(data) {
		return nil, cube.NewDataError("tiff", "IFD offset out of range", nil)
	}
	n := int(bo.Uint16(data[offset : offset+2]))
	tags := make(map[uint16]rawTag, n)
	for i := 0; i < n; i++ {
		base := int(offset) + 2 + i*12
		if base+12 > len(data) {
			return nil, cube.NewDataError("tiff", "truncated IFD", nil)
		}
		tag := bo.Uint16(data[base:])
		typ := bo.Uint16(data[base+2:])
		count := bo.Uint32(data[base+4:])
		size := typeSize(typ) * int(count)
		var raw []byte
		if size <= 4 {
			raw = data[base+8 : base+8+4]
		} else {
			off := bo.Uint32(data[base+8:])
			if int(off)+size > len(data) {
				return nil, cube.NewDataError("tiff", "tag value out of range", nil)
			}
			raw = data[off : int(off)+size]
		}
		tags[tag] = rawTag{typ: typ, count: count, raw: raw}
	}
	return tags, nil
}

func typeSize(typ uint16) int {
	switch typ {
	case dtASCII, 1, 6, 7:
		return 1
	case dtShort, 8:
		return 2
	case dtLong, 9, 11:
		return 4
	case 5, 10, dtDouble:
		return 8
	default:
		return 1
	}
}

func tagShort(tags map[uint16]rawTag, bo binarypkg.ByteOrder, tag uint16, def uint16) uint16 {
	t, ok := tags[tag]
	if !ok {
		return def
	}
	return bo.Uint16(t.raw)
}

func tagLong(tags map[uint16]rawTag, bo binarypkg.ByteOrder, tag uint16) uint32 {
	t, ok := tags[tag]
	if !ok {
		return 0
	}
	if t.typ == dtShort {
		return uint32(bo.Uint16(t.raw))
	}
	return bo.Uint32(t.raw)
}

func tagLongSlice(tags map[uint16]rawTag, bo binarypkg.ByteOrder, tag uint16) []uint32 {
	t, ok := tags[tag]
	if !ok {
		return nil
	}
	out := make([]uint32, t.count)
	for i := range out {
		if t.typ == dtShort {
			out[i] = uint32(bo.Uint16(t.raw[i*2:]))
		} else {
			out[i] = bo.Uint32(t.raw[i*4:])
		}
	}
	return out
}

func tagDoubleSlice(tags map[uint16]rawTag, bo binarypkg.ByteOrder, tag uint16) []float64 {
	t, ok := tags[tag]
	if !ok {
		return nil
	}
	out := make([]float64, t.count)
	for i := range out {
		out[i] = math.Float64frombits(bo.Uint64(t.raw[i*8:]))
	}
	return out
}

func gridFromTags(tags map[uint16]rawTag, bo binarypkg.ByteOrder, width, height int) Grid {
	grid := Grid{Width: width, Height: height, Transform: [6]float64{1, 0, 0, 0, -1, 0}}
	scale := tagDoubleSlice(tags, bo, tagModelPixelScale)
	tie := tagDoubleSlice(tags, bo, tagModelTiepoint)
	if len(scale) >= 2 && len(tie) >= 6 {
		originX := tie[3] - tie[0]*scale[0]
		originY := tie[4] + tie[1]*scale[1]
		grid.Transform = [6]float64{scale[0], 0, originX, 0, -scale[1], originY}
	}
	if keys, ok := tags[tagGeoKeyDirectory]; ok {
		grid.CRS = crsFromGeoKeys(keys, bo)
	}
	return grid
}

func crsFromGeoKeys(t rawTag, bo binarypkg.ByteOrder) string {
	n := int(t.count)
	vals := make([]uint16, n)
	for i := 0; i < n; i++ {
		vals[i] = bo.Uint16(t.raw[i*2:])
	}
	if len(vals) < 4 {
		return ""
	}
	numKeys := int(vals[3])
	for i := 0; i < numKeys; i++ {
		base := 4 + i*4
		if base+3 >= len(vals) {
			break
		}
		switch vals[base] {
		case gkProjectedCRS, gkGeographicCRS:
			if vals[base+3] != 0 {
				return "EPSG:" + strconv.Itoa(int(vals[base+3]))
			}
		}
	}
	return ""
}

func readTiles(r *Raster, data []byte, bo binarypkg.ByteOrder, tags map[uint16]rawTag, compression uint16) error {
	tileW := int(tagLong(tags, bo, tagTileWidth))
	tileH := int(tagLong(tags, bo, tagTileLength))
	offsets := tagLongSlice(tags, bo, tagTileOffsets)
	counts := tagLongSlice(tags, bo, tagTileByteCounts)
	if tileW <= 0 || tileH <= 0 || len(offsets) != len(counts) {
		return cube.NewDataError("tiff", "bad tile layout", nil)
	}
	across := (r.Grid.Width + tileW - 1) / tileW

	for i := range offsets {
		raw, err := decodeBlock(data, offsets[i], counts[i], compression)
		if err != nil {
			return err
		}
		tileCol := (i % across) * tileW
		tileRow := (i / across) * tileH
		fillBlock(r, raw, bo, tileCol, tileRow, tileW, tileH)
	}
	return nil
}

func readStrips(r *Raster, data []byte, bo binarypkg.ByteOrder, tags map[uint16]rawTag, compression uint16) error {
	offsets := tagLongSlice(tags, bo, tagStripOffsets)
	counts := tagLongSlice(tags, bo, tagStripByteCounts)
	rowsPerStrip := int(tagLong(tags, bo, tagRowsPerStrip))
	if rowsPerStrip <= 0 {
		rowsPerStrip = r.Grid.Height
	}
	if len(offsets) == 0 || len(offsets) != len(counts) {
		return cube.NewDataError("tiff", "bad strip layout", nil)
	}
	for i := range offsets {
		raw, err := decodeBlock(data, offsets[i], counts[i], compression)
		if err != nil {
			return err
		}
		fillBlock(r, raw, bo, 0, i*rowsPerStrip, r.Grid.Width, rowsPerStrip)
	}
	return nil
}

func decodeBlock(data []byte, offset, count uint32, compression uint16) ([]byte, error) {
	if int(offset)+int(count) > len(data) {
		return nil, cube.NewDataError("tiff", "block out of range", nil)
	}
	block := data[offset : offset+count]
	switch compression {
	case compressionNone:
		return block, nil
	case compressionDeflate, 32946:
		zr, err := zlib.NewReader(bytes.NewReader(block))
		if err != nil {
			return nil, cube.NewDataError("tiff", "open deflate block", err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, cube.NewDataError("tiff", "inflate block", err)
		}
		return out, nil
	default:
		return nil, cube.NewDataError("tiff", fmt.Sprintf("unsupported compression %d", compression), nil)
	}
}

func fillBlock(r *Raster, raw []byte, bo binarypkg.ByteOrder, colOff, rowOff, blockW, blockH int) {
	sz := r.DType.Size()
	for row := 0; row < blockH; row++ {
		dstRow := rowOff + row
		if dstRow >= r.Grid.Height {
			break
		}
		for col := 0; col < blockW; col++ {
			dstCol := colOff + col
			if dstCol >= r.Grid.Width {
				continue
			}
			idx := (row*blockW + col) * sz
			if idx+sz > len(raw) {
				return
			}
			var v int32
			if sz == 1 {
				v = int32(raw[idx])
			} else if r.DType == DTypeInt16 {
				v = int32(int16(bo.Uint16(raw[idx:])))
			} else {
				v = int32(bo.Uint16(raw[idx:]))
			}
			r.Set(dstCol, dstRow, v)
		}
	}
}
