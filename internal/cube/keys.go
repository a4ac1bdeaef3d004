// Cubebuilder - Earth Observation Data Cube Assembly
// Copyright 2026 The Cubebuilder Authors
// SPDX-License-Identifier: MIT
// https://github.com/earthdata-cube/cubebuilder

package cube

import (
	"fmt"
	"path"
	"strings"
)

// EncodeKey concatenates key parts in order. Key identity depends on part
// order, never on separators.
func EncodeKey(parts ...string) string {
	return strings.Join(parts, "")
}

// MergeActivityKey addresses one merge activity: the per-date sort key is
// the date itself.
func MergeActivityKey(job *Job, tile, date, band string) string {
	return EncodeKey(string(ActionMerge), job.IrregularDataCube, tile, date, band)
}

// MergeControlKey is the counter row shared by all merges of a
// (tile, period).
func MergeControlKey(job *Job, tile, start, end string) string {
	return EncodeKey(string(ActionMerge), job.IrregularDataCube, tile, start, end)
}

// BlendKey addresses the blend activities of a (tile, period); the sort key
// is the band (or internal band) name.
func BlendKey(job *Job, tile, start, end string) string {
	return EncodeKey(string(ActionBlend), job.DataCube, tile, start, end)
}

// PosblendKey addresses the posblend activities of a (tile, period).
func PosblendKey(job *Job, tile, start, end string) string {
	return EncodeKey(string(ActionPosblend), job.DataCube, tile, start, end)
}

// PublishKey addresses the publish activity of a (tile, period); the sort
// key is always ALLBANDS.
func PublishKey(job *Job, tile, start, end string) string {
	return EncodeKey(string(ActionPublish), job.DataCube, tile, start, end)
}

// ControlKey derives the counter-table row for an activity. Merge activities
// are keyed per (band, date) but counted per (tile, period), so the band is
// dropped and the date is replaced by the period bounds. The other stages
// already share one key per (tile, period).
func ControlKey(a *Activity) string {
	if a.Action == ActionMerge {
		return MergeControlKey(&a.Job, a.Tile.Name, a.Tile.Start, a.Tile.End)
	}
	return a.Key
}

// StageKeys returns the four counter rows of a (tile, period), in stage
// order. force=true removal walks exactly this list.
func StageKeys(job *Job, tile, start, end string) []string {
	return []string{
		MergeControlKey(job, tile, start, end),
		BlendKey(job, tile, start, end),
		PosblendKey(job, tile, start, end),
		PublishKey(job, tile, start, end),
	}
}

// Dirname is the object-key directory of a cube's tile:
// {prefix}/{cube}/{version}/{tile}/.
func Dirname(prefix, cubeName, version, tile string) string {
	return path.Join(prefix, cubeName, version, tile) + "/"
}

// MergeOutputKey is the ARD file key for one (tile, date, band):
// {dirname}{date}/{cube}_{version}_{tile}_{date}_{band}.tif.
func MergeOutputKey(dirname, irregularCube, version, tile, date, band string) string {
	return fmt.Sprintf("%s%s/%s_%s_%s_%s_%s.tif", dirname, date, irregularCube, version, tile, date, band)
}

// CompositeOutputKey is the blend output key for one function and band:
// {root}_{func}/{version}/{tile}/{start}_{end}/{root}_{func}_{version}_{tile}_{start}_{end}_{band}.tif.
func CompositeOutputKey(datacube string, fn CompositeFunction, version, tile, start, end, band string) string {
	cubeID := CubeRoot(datacube) + "_" + string(fn)
	return fmt.Sprintf("%s/%s/%s/%s_%s/%s_%s_%s_%s_%s_%s.tif",
		cubeID, version, tile, start, end,
		cubeID, version, tile, start, end, band)
}

// ReplaceBandSuffix swaps the trailing _{band}.tif of an output key for
// another band or index name. Internal-band and index keys are always
// derived this way from a sibling band key.
func ReplaceBandSuffix(key, newBand string) string {
	idx := strings.LastIndex(key, "_")
	if idx < 0 || !strings.HasSuffix(key, ".tif") {
		return key
	}
	return key[:idx] + "_" + newBand + ".tif"
}

// ItemID names a composite catalog item: {cube}_{version}_{tile}_{start}_{end}.
func ItemID(cubeName, version, tile, start, end string) string {
	return fmt.Sprintf("%s_%s_%s_%s_%s", cubeName, version, tile, start, end)
}

// IdentityItemID names a per-date catalog item: {cube}_{version}_{tile}_{date}.
func IdentityItemID(cubeName, version, tile, date string) string {
	return fmt.Sprintf("%s_%s_%s_%s", cubeName, version, tile, date)
}
