// Cubebuilder - Earth Observation Data Cube Assembly
// Copyright 2026 The Cubebuilder Authors
// SPDX-License-Identifier: MIT
// https://github.com/earthdata-cube/cubebuilder

// Package sceneid parses satellite scene identifiers into typed records.
//
// Appendix A — the patterns below are preserved bit-exact from the upstream
// mission naming conventions and must not be reformatted:
//
//	sentinel-2:
//	  ^S(?P<sensor>\w{1})(?P<satellite>[AB]{1})_MSI(?P<processingLevel>L[0-2][ABC])_
//	  (?P<acquisitionYear>[0-9]{4})(?P<acquisitionMonth>[0-9]{2})(?P<acquisitionDay>[0-9]{2})
//	  T(?P<acquisitionHMS>[0-9]{6})_N(?P<baseline_number>[0-9]{4})_R(?P<relative_orbit>[0-9]{3})
//	  _T(?P<utm>[0-9]{2})(?P<lat>\w{1})(?P<sq>\w{2})_(?P<stopDateTime>[0-9]{8}T[0-9]{6})$
//
//	landsat:
//	  ^L(?P<sensor>\w{1})(?P<satellite>\w{2})_(?P<processingCorrectionLevel>\w{4})_
//	  (?P<path>[0-9]{3})(?P<row>[0-9]{3})_(?P<acquisitionYear>[0-9]{4})
//	  (?P<acquisitionMonth>[0-9]{2})(?P<acquisitionDay>[0-9]{2})_(?P<processingYear>[0-9]{4})
//	  (?P<processingMonth>[0-9]{2})(?P<processingDay>[0-9]{2})_(?P<collectionNumber>\w{2})_
//	  (?P<collectionCategory>\w{2})$
package sceneid

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/earthdata-cube/cubebuilder/internal/cube"
)

var sentinel2Pattern = regexp.MustCompile(
	`(?i)^S` +
		`(?P<sensor>\w{1})` +
		`(?P<satellite>[AB]{1})` +
		`_` +
		`MSI(?P<processingLevel>L[0-2][ABC])` +
		`_` +
		`(?P<acquisitionYear>[0-9]{4})` +
		`(?P<acquisitionMonth>[0-9]{2})` +
		`(?P<acquisitionDay>[0-9]{2})` +
		`T(?P<acquisitionHMS>[0-9]{6})` +
		`_` +
		`N(?P<baseline_number>[0-9]{4})` +
		`_` +
		`R(?P<relative_orbit>[0-9]{3})` +
		`_T` +
		`(?P<utm>[0-9]{2})` +
		`(?P<lat>\w{1})` +
		`(?P<sq>\w{2})` +
		`_` +
		`(?P<stopDateTime>[0-9]{8}T[0-9]{6})$`,
)

var landsatPattern = regexp.MustCompile(
	`(?i)^L` +
		`(?P<sensor>\w{1})` +
		`(?P<satellite>\w{2})` +
		`_` +
		`(?P<processingCorrectionLevel>\w{4})` +
		`_` +
		`(?P<path>[0-9]{3})` +
		`(?P<row>[0-9]{3})` +
		`_` +
		`(?P<acquisitionYear>[0-9]{4})` +
		`(?P<acquisitionMonth>[0-9]{2})` +
		`(?P<acquisitionDay>[0-9]{2})` +
		`_` +
		`(?P<processingYear>[0-9]{4})` +
		`(?P<processingMonth>[0-9]{2})` +
		`(?P<processingDay>[0-9]{2})` +
		`_` +
		`(?P<collectionNumber>\w{2})` +
		`_` +
		`(?P<collectionCategory>\w{2})$`,
)

// landsatInstruments maps the two-digit satellite number to its instrument.
var landsatInstruments = map[string]string{
	"05": "tm",
	"07": "etm",
	"08": "oli-tirs",
}

// Sentinel2Scene is a parsed Sentinel-2 scene identifier.
type Sentinel2Scene struct {
	SceneID         string
	Sensor          string
	Satellite       string
	ProcessingLevel string
	AcquisitionDate time.Time
	BaselineNumber  string
	RelativeOrbit   string
	UTM             string
	LatitudeBand    string
	GridSquare      string
	StopDateTime    string
}

// TileID returns the MGRS tile of the scene (utm + latitude band + square).
func (s *Sentinel2Scene) TileID() string {
	return s.UTM + s.LatitudeBand + s.GridSquare
}

// LandsatScene is a parsed Landsat scene identifier.
type LandsatScene struct {
	SceneID            string
	Sensor             string
	Satellite          string
	Instrument         string
	CorrectionLevel    string
	Path               string
	Row                string
	AcquisitionDate    time.Time
	ProcessingDate     time.Time
	CollectionNumber   string
	CollectionCategory string
}

// ParseSentinel2 parses a Sentinel-2 scene id
// (e.g. S2A_MSIL2A_20240105T133211_N0510_R081_T22JBM_20240105T160322).
func ParseSentinel2(sceneID string) (*Sentinel2Scene, error) {
	m := matchGroups(sentinel2Pattern, sceneID)
	if m == nil {
		return nil, cube.NewInputError("sceneid", fmt.Sprintf("not a sentinel-2 scene id: %q", sceneID))
	}
	acq, err := groupDate(m, "acquisitionYear", "acquisitionMonth", "acquisitionDay")
	if err != nil {
		return nil, err
	}
	return &Sentinel2Scene{
		SceneID:         sceneID,
		Sensor:          m["sensor"],
		Satellite:       m["satellite"],
		ProcessingLevel: m["processingLevel"],
		AcquisitionDate: acq,
		BaselineNumber:  m["baseline_number"],
		RelativeOrbit:   m["relative_orbit"],
		UTM:             m["utm"],
		LatitudeBand:    m["lat"],
		GridSquare:      m["sq"],
		StopDateTime:    m["stopDateTime"],
	}, nil
}

// ParseLandsat parses a Landsat collection scene id
// (e.g. LC08_L2SP_223064_20240103_20240110_02_T1).
func ParseLandsat(sceneID string) (*LandsatScene, error) {
	m := matchGroups(landsatPattern, sceneID)
	if m == nil {
		return nil, cube.NewInputError("sceneid", fmt.Sprintf("not a landsat scene id: %q", sceneID))
	}
	acq, err := groupDate(m, "acquisitionYear", "acquisitionMonth", "acquisitionDay")
	if err != nil {
		return nil, err
	}
	proc, err := groupDate(m, "processingYear", "processingMonth", "processingDay")
	if err != nil {
		return nil, err
	}
	return &LandsatScene{
		SceneID:            sceneID,
		Sensor:             m["sensor"],
		Satellite:          m["satellite"],
		Instrument:         landsatInstruments[m["satellite"]],
		CorrectionLevel:    m["processingCorrectionLevel"],
		Path:               m["path"],
		Row:                m["row"],
		AcquisitionDate:    acq,
		ProcessingDate:     proc,
		CollectionNumber:   m["collectionNumber"],
		CollectionCategory: m["collectionCategory"],
	}, nil
}

// Scene is the mission-independent view a parser returns.
type Scene interface {
	Acquired() time.Time
	ID() string
}

func (s *Sentinel2Scene) Acquired() time.Time { return s.AcquisitionDate }
func (s *Sentinel2Scene) ID() string          { return s.SceneID }
func (s *LandsatScene) Acquired() time.Time   { return s.AcquisitionDate }
func (s *LandsatScene) ID() string            { return s.SceneID }

// Parser returns the parser registered for a mission group
// ("sentinel_2" or "landsat").
func Parser(group string) (func(string) (Scene, error), error) {
	switch group {
	case "sentinel_2":
		return func(id string) (Scene, error) { return ParseSentinel2(id) }, nil
	case "landsat":
		return func(id string) (Scene, error) { return ParseLandsat(id) }, nil
	default:
		return nil, cube.NewInputError("sceneid", fmt.Sprintf("unknown parser group %q", group))
	}
}

func matchGroups(re *regexp.Regexp, s string) map[string]string {
	match := re.FindStringSubmatch(s)
	if match == nil {
		return nil
	}
	groups := make(map[string]string, len(match))
	for i, name := range re.SubexpNames() {
		if name != "" {
			groups[name] = match[i]
		}
	}
	return groups
}

func groupDate(m map[string]string, yKey, mKey, dKey string) (time.Time, error) {
	y, _ := strconv.Atoi(m[yKey])
	mo, _ := strconv.Atoi(m[mKey])
	d, _ := strconv.Atoi(m[dKey])
	t := time.Date(y, time.Month(mo), d, 0, 0, 0, 0, time.UTC)
	if t.Year() != y || int(t.Month()) != mo || t.Day() != d {
		return time.Time{}, cube.NewInputError("sceneid", fmt.Sprintf("invalid date %04d-%02d-%02d", y, mo, d))
	}
	return t, nil
}
