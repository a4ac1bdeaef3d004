// Cubebuilder - Earth Observation Data Cube Assembly
// Copyright 2026 The Cubebuilder Authors
// SPDX-License-Identifier: MIT
// https://github.com/earthdata-cube/cubebuilder

package cube

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

// CompositeFunction is a temporal composite operator applied over the dates
// of a period.
type CompositeFunction string

const (
	// FuncIdentity is the per-date pass-through (no composite output).
	FuncIdentity CompositeFunction = "IDT"
	// FuncStack is the best-pixel composite.
	FuncStack CompositeFunction = "STK"
	// FuncMedian is the temporal median composite.
	FuncMedian CompositeFunction = "MED"
)

// Internal bands derived during BLEND alongside the user bands.
const (
	BandClearOb    = "CLEAROB"
	BandTotalOb    = "TOTALOB"
	BandProvenance = "PROVENANCE"
)

// DefaultInternalBands lists the internal bands every cube carries.
var DefaultInternalBands = []string{BandClearOb, BandTotalOb, BandProvenance}

// Mask describes how quality-band pixel values map onto observation classes.
type Mask struct {
	Nodata        int64   `json:"nodata"`
	ClearData     []int64 `json:"clear_data" validate:"required,min=1"`
	NotClearData  []int64 `json:"not_clear_data" validate:"required"`
	SaturatedData []int64 `json:"saturated_data"`
}

// IsClear reports whether the value belongs to the clear class.
func (m *Mask) IsClear(v int64) bool { return containsValue(m.ClearData, v) }

// IsNotClear reports whether the value belongs to the not-clear class.
func (m *Mask) IsNotClear(v int64) bool { return containsValue(m.NotClearData, v) }

// IsSaturated reports whether the value belongs to the saturated class.
func (m *Mask) IsSaturated(v int64) bool { return containsValue(m.SaturatedData, v) }

// Classified returns the mask describing a quality raster that has already
// been classified at merge time (clear=1, not clear=2, saturated=3, nodata
// preserved). Blend reclassification runs against this vocabulary.
func (m *Mask) Classified() Mask {
	return Mask{
		Nodata:        m.Nodata,
		ClearData:     []int64{1},
		NotClearData:  []int64{2},
		SaturatedData: []int64{3},
	}
}

func containsValue(vs []int64, v int64) bool {
	for _, c := range vs {
		if c == v {
			return true
		}
	}
	return false
}

// BandExpression is a per-pixel band-algebra expression producing a spectral
// index raster.
type BandExpression struct {
	Expression string  `json:"expression" validate:"required"`
	BandIDs    []int64 `json:"band_ids" validate:"required,min=1"`
}

// Descriptor is the immutable description of a data cube build: which bands,
// which composites, which grid, and how quality is interpreted.
type Descriptor struct {
	Name         string `json:"name" validate:"required"`
	Version      int    `json:"version" validate:"required,min=1,max=999"`
	GridRefSysID int64  `json:"grid_ref_sys_id" validate:"required"`

	Satellite string   `json:"satellite" validate:"required"`
	Datasets  []string `json:"datasets" validate:"required,min=1"`

	Bands          []string                  `json:"bands" validate:"required,min=1"`
	BandIDs        map[string]string         `json:"band_ids"`
	QualityBand    string                    `json:"quality_band" validate:"required"`
	QuicklookBands []string                  `json:"quicklook_bands" validate:"required,len=3"`
	Expressions    map[string]BandExpression `json:"bands_expressions"`

	Nodata int64   `json:"nodata"`
	CRS    string  `json:"crs" validate:"required"`
	ResX   float64 `json:"resx" validate:"required,gt=0"`
	ResY   float64 `json:"resy" validate:"required,gt=0"`

	Functions     []CompositeFunction `json:"functions" validate:"required,min=1,dive,oneof=IDT STK MED"`
	InternalBands []string            `json:"internal_bands"`

	Mask Mask `json:"mask"`

	IndexesOnlyRegularCube bool `json:"indexes_only_regular_cube"`
}

var validate = validator.New()

// Validate checks the descriptor for structural problems before a run starts.
func (d *Descriptor) Validate() error {
	if err := validate.Struct(d); err != nil {
		return NewInputError("descriptor", err.Error())
	}
	if !containsString(d.Bands, d.QualityBand) {
		return NewInputError("descriptor", fmt.Sprintf("quality band %q is not in bands", d.QualityBand))
	}
	for _, b := range d.QuicklookBands {
		if !containsString(d.Bands, b) {
			return NewInputError("descriptor", fmt.Sprintf("quicklook band %q is not in bands", b))
		}
	}
	for name, expr := range d.Expressions {
		for _, id := range expr.BandIDs {
			if _, ok := d.BandIDs[fmt.Sprint(id)]; !ok {
				return NewInputError("descriptor", fmt.Sprintf("index %q references unknown band id %d", name, id))
			}
		}
	}
	return nil
}

// HasFunction reports whether the cube generates the given composite.
func (d *Descriptor) HasFunction(f CompositeFunction) bool {
	for _, fn := range d.Functions {
		if fn == f {
			return true
		}
	}
	return false
}

// FormattedVersion returns the 3-digit version string used in identifiers and
// object keys.
func (d *Descriptor) FormattedVersion() string {
	return FormatVersion(d.Version)
}

// FormatVersion renders a cube version as the 3-digit form used everywhere a
// version appears in a name or key.
func FormatVersion(v int) string {
	return fmt.Sprintf("%03d", v)
}

// ParseVersion recovers the integer version from a formatted version string,
// tolerating prefixes (the catalog compares on the trailing 3 digits).
func ParseVersion(s string) (int, error) {
	if len(s) < 3 {
		return 0, NewInputError("version", fmt.Sprintf("version %q too short", s))
	}
	var v int
	if _, err := fmt.Sscanf(s[len(s)-3:], "%d", &v); err != nil {
		return 0, NewInputError("version", fmt.Sprintf("version %q: %v", s, err))
	}
	return v, nil
}

// CubeRoot strips the trailing composite suffix from a cube name, yielding
// the base used to derive the per-function cube names
// (e.g. "S2-16D_1" stays the root for "S2-16D_1_STK").
func CubeRoot(datacube string) string {
	idx := strings.LastIndex(datacube, "_")
	if idx <= 0 {
		return datacube
	}
	return datacube[:idx]
}

func containsString(vs []string, v string) bool {
	for _, c := range vs {
		if c == v {
			return true
		}
	}
	return false
}

// Tile is one spatial cell of the cube grid with its projected bounding box.
type Tile struct {
	ID   int64           `json:"id"`
	Name string          `json:"name"`
	Geom json.RawMessage `json:"geom"` // GeoJSON, EPSG:4326

	XMin  float64 `json:"xmin"`
	YMax  float64 `json:"ymax"`
	DistX float64 `json:"dist_x"`
	DistY float64 `json:"dist_y"`
}
